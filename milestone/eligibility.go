package milestone

import "fmt"

// Shortfall is one unmet requirement, phrased for the caller.
type Shortfall struct {
	Requirement string `json:"requirement"`
	Message     string `json:"message"`
	Missing     int    `json:"missing,omitempty"`
}

// Eligibility is the result of evaluating a milestone's evidence.
type Eligibility struct {
	Eligible bool        `json:"eligible"`
	Missing  []Shortfall `json:"missing,omitempty"`
}

// Evaluate is the release-eligibility rule. It only reads evidence that is
// append-only or last-write-wins, so once a milestone is eligible adding
// evidence cannot make it ineligible again.
func Evaluate(m Milestone) Eligibility {
	var missing []Shortfall
	req := m.Requirements

	if req.Signature {
		missing = append(missing, signatureShortfalls(m)...)
	}
	if req.Photos {
		need := req.MinPhotos
		if m.PhotoCount < need {
			short := need - m.PhotoCount
			noun := "photos"
			if short == 1 {
				noun = "photo"
			}
			missing = append(missing, Shortfall{
				Requirement: "photos",
				Message:     fmt.Sprintf("%d more %s required", short, noun),
				Missing:     short,
			})
		}
	}
	if req.GPS && m.GPS == nil {
		missing = append(missing, Shortfall{Requirement: "gps", Message: "GPS location required"})
	}

	return Eligibility{Eligible: len(missing) == 0, Missing: missing}
}

func signatureShortfalls(m Milestone) []Shortfall {
	hasReq := m.RequesterSignature != nil
	hasProv := m.ProviderSignature != nil

	if m.Requirements.SignaturePolicy == PolicyBoth {
		var out []Shortfall
		if !hasReq {
			out = append(out, Shortfall{Requirement: "signature", Message: "requester signature required", Missing: 1})
		}
		if !hasProv {
			out = append(out, Shortfall{Requirement: "signature", Message: "provider signature required", Missing: 1})
		}
		return out
	}
	if hasReq || hasProv {
		return nil
	}
	return []Shortfall{{Requirement: "signature", Message: "signature required from either party", Missing: 1}}
}

// HoldMilestone pairs a milestone with its evaluation.
type HoldMilestone struct {
	Milestone   Milestone
	Eligibility Eligibility
}

// HoldEligibility summarises every milestone on a hold.
type HoldEligibility struct {
	HoldID     string
	Eligible   bool
	Milestones []HoldMilestone
}

// Shortfalls flattens the unmet requirements, keyed by milestone, for error
// details.
func (h HoldEligibility) Shortfalls() []map[string]any {
	var out []map[string]any
	for _, hm := range h.Milestones {
		if hm.Eligibility.Eligible {
			continue
		}
		out = append(out, map[string]any{
			"milestone_id": hm.Milestone.ID,
			"position":     hm.Milestone.Position,
			"title":        hm.Milestone.Title,
			"missing":      hm.Eligibility.Missing,
		})
	}
	return out
}

// EvaluateAll evaluates a hold's milestones. A hold with no milestones is
// not eligible.
func EvaluateAll(holdID string, ms []Milestone) HoldEligibility {
	h := HoldEligibility{HoldID: holdID, Eligible: len(ms) > 0}
	for _, m := range ms {
		e := Evaluate(m)
		if !e.Eligible {
			h.Eligible = false
		}
		h.Milestones = append(h.Milestones, HoldMilestone{Milestone: m, Eligibility: e})
	}
	return h
}
