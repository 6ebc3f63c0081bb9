package idgen

import "testing"

func TestNew_Unique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := New()
		if !Valid(id) {
			t.Fatalf("invalid id %q", id)
		}
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
	}
}

func TestMessageID_Format(t *testing.T) {
	id := MessageID()
	if len(id) != 32 {
		t.Fatalf("expected 32 chars, got %d (%q)", len(id), id)
	}
	for _, c := range id {
		if c == '-' {
			t.Fatalf("unexpected dash in %q", id)
		}
	}
}

func TestValid_Rejects(t *testing.T) {
	if Valid("not-a-uuid") {
		t.Fatal("expected invalid")
	}
}
