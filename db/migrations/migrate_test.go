package migrations

import (
	"strings"
	"testing"
)

func TestNamesAreEmbeddedInOrder(t *testing.T) {
	names, err := Names()
	if err != nil {
		t.Fatalf("names: %v", err)
	}
	if len(names) == 0 || names[0] != "0001_init.sql" {
		t.Fatalf("expected 0001_init.sql first, got %v", names)
	}
	for i := 1; i < len(names); i++ {
		if names[i-1] >= names[i] {
			t.Fatalf("migrations out of order: %v", names)
		}
	}
}

func TestInitSchemaDeclaresGuards(t *testing.T) {
	body, err := files.ReadFile("0001_init.sql")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	sql := string(body)
	for _, want := range []string{
		"bids_one_active_per_provider",
		"disputes_one_active_per_hold",
		"escrow_holds_guard",
		"escrow_holds_no_delete",
		"timeline_events_append_only",
		"work_orders_guard",
	} {
		if !strings.Contains(sql, want) {
			t.Errorf("schema is missing %s", want)
		}
	}
}
