package identmap

import (
	"testing"
	"time"

	"github.com/FaultMaven/faultmaven-dashboard-sub001/internal/types"
)

func TestAddInfersEntityType(t *testing.T) {
	m := New()
	if err := m.Add("temp-case-1-100", "case-9", ""); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if err := m.Add("temp-msg-1-100", "msg-9", ""); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	state := m.State()
	kinds := map[string]types.EntityType{}
	for _, mapping := range state {
		kinds[mapping.ProvisionalID] = mapping.EntityType
	}
	if kinds["temp-case-1-100"] != types.EntityCase {
		t.Errorf("case type not inferred: %v", kinds)
	}
	if kinds["temp-msg-1-100"] != types.EntityMessage {
		t.Errorf("message type not inferred: %v", kinds)
	}
	if err := m.Add("mystery-1", "x-1", ""); err == nil {
		t.Error("expected inference failure for unknown prefix")
	}
}

func TestAtMostOneAuthoritativePerProvisional(t *testing.T) {
	m := New()
	m.Add("temp-case-1-100", "case-9", "")
	// Re-adding the identical mapping is a no-op.
	if err := m.Add("temp-case-1-100", "case-9", ""); err != nil {
		t.Errorf("idempotent re-add failed: %v", err)
	}
	if err := m.Add("temp-case-1-100", "case-10", ""); err == nil {
		t.Error("expected error remapping a provisional id")
	}
	got, _ := m.Authoritative("temp-case-1-100")
	if got != "case-9" {
		t.Errorf("mapping mutated: %s", got)
	}
}

func TestResolveIdempotent(t *testing.T) {
	m := New()
	m.Add("temp-msg-1-100", "msg-42", "")

	once := m.Resolve("temp-msg-1-100")
	twice := m.Resolve(once)
	if once != "msg-42" || twice != "msg-42" {
		t.Errorf("Resolve not idempotent: %s, %s", once, twice)
	}
	// Unknown ids pass through unchanged.
	if got := m.Resolve("msg-other"); got != "msg-other" {
		t.Errorf("unknown id mutated: %s", got)
	}
}

func TestReverseLookup(t *testing.T) {
	m := New()
	m.Add("temp-case-1-100", "case-9", "")
	prov, ok := m.Provisional("case-9")
	if !ok || prov != "temp-case-1-100" {
		t.Errorf("reverse lookup failed: %s, %v", prov, ok)
	}
	if _, ok := m.Provisional("case-404"); ok {
		t.Error("reverse lookup invented a mapping")
	}
}

func TestCleanup(t *testing.T) {
	m := New()
	base := time.Now()
	m.now = func() time.Time { return base.Add(-2 * time.Hour) }
	m.Add("temp-case-1-100", "case-old", "")
	m.now = func() time.Time { return base }
	m.Add("temp-case-2-200", "case-new", "")

	if removed := m.Cleanup(time.Hour); removed != 1 {
		t.Errorf("expected 1 removed, got %d", removed)
	}
	if _, ok := m.Authoritative("temp-case-1-100"); ok {
		t.Error("aged mapping survived cleanup")
	}
	if _, ok := m.Authoritative("temp-case-2-200"); !ok {
		t.Error("fresh mapping removed")
	}
}

func TestStateRoundTrip(t *testing.T) {
	m := New()
	m.Add("temp-case-1-100", "case-9", "")
	m.Add("temp-msg-1-100", "msg-9", "")

	restored := New()
	restored.SetState(m.State())
	if restored.Len() != 2 {
		t.Fatalf("round-trip lost mappings: %d", restored.Len())
	}
	if restored.Resolve("temp-case-1-100") != "case-9" {
		t.Error("round-trip corrupted mapping")
	}

	restored.Clear()
	if restored.Len() != 0 {
		t.Error("Clear left mappings behind")
	}
}
