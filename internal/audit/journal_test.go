package audit

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"
)

func readEvents(t *testing.T, path string) []Event {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("Failed to open journal: %v", err)
	}
	defer f.Close()

	var events []Event
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e Event
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			t.Fatalf("Invalid journal line %q: %v", sc.Text(), err)
		}
		events = append(events, e)
	}
	return events
}

func TestJournal_Record(t *testing.T) {
	dir := t.TempDir()
	j, err := NewJournal(Config{FileTemplate: filepath.Join(dir, "audit-%s.jsonl")})
	if err != nil {
		t.Fatalf("Failed to create journal: %v", err)
	}

	binding := uuid.New()
	j.Record(Event{Kind: EventSelect, LeaseID: "l1", BindingID: binding, Provider: "GROQ", Model: "llama", Tokens: 50})
	j.Record(Event{Kind: EventReport, LeaseID: "l1", BindingID: binding, Outcome: "success", Tokens: 42})
	j.Shutdown()
	j.Shutdown()

	events := readEvents(t, j.CurrentFile())
	if len(events) != 2 {
		t.Fatalf("Expected 2 events, got %d", len(events))
	}
	if events[0].Kind != EventSelect || events[0].BindingID != binding {
		t.Errorf("Unexpected first event: %+v", events[0])
	}
	if events[1].Outcome != "success" || events[1].Tokens != 42 {
		t.Errorf("Unexpected second event: %+v", events[1])
	}
	if events[0].Timestamp.IsZero() {
		t.Error("Record should stamp events")
	}
}

func TestJournal_Rotation(t *testing.T) {
	dir := t.TempDir()
	j, err := NewJournal(Config{
		FileTemplate: filepath.Join(dir, "audit-%s.jsonl"),
		MaxSize:      600,
		MaxFiles:     2,
	})
	if err != nil {
		t.Fatalf("Failed to create journal: %v", err)
	}

	for i := 0; i < 40; i++ {
		j.Record(Event{Kind: EventReport, LeaseID: strings.Repeat("x", 40), Outcome: "transient"})
	}
	j.Shutdown()

	matches, err := filepath.Glob(filepath.Join(dir, "audit-*.jsonl"))
	if err != nil {
		t.Fatalf("Glob failed: %v", err)
	}
	if len(matches) > 2 {
		t.Errorf("Expected at most 2 journal files after cleanup, got %d", len(matches))
	}
	for _, m := range matches {
		fi, err := os.Stat(m)
		if err != nil {
			t.Fatalf("Stat failed: %v", err)
		}
		if fi.Size() >= 600 {
			t.Errorf("File %s exceeds MaxSize: %d bytes", m, fi.Size())
		}
	}
}

func TestDiscard(t *testing.T) {
	Discard.Record(Event{Kind: EventSelect})
}
