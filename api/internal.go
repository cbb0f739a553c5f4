package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// handleRunSweeps is the scheduler trigger. Sweeps are idempotent, so an
// external cron may call it as often as it likes.
func (s *Server) handleRunSweeps(w http.ResponseWriter, r *http.Request) {
	if s.sweeps == nil {
		writeProblem(w, http.StatusServiceUnavailable, "sweeps_disabled", "sweeps are not configured")
		return
	}
	sum, err := s.sweeps.Run(r.Context())
	if err != nil {
		s.logger.WarnContext(r.Context(), "sweep run reported errors", "error", err)
		writeJSON(w, http.StatusMultiStatus, sum)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (s *Server) handleResetSettlement(w http.ResponseWriter, r *http.Request) {
	h, err := s.escrow.ResetFailedSettlement(r.Context(), chi.URLParam(r, "holdID"), identity(r).UserID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newHoldResponse(h))
}
