package contact_test

import (
	"testing"

	"github.com/ce-power/livevoice/internal/contact"
)

func TestWatcher_MatchesAcrossFragments(t *testing.T) {
	t.Parallel()

	var got []contact.Match
	w, err := contact.New("", "", func(m contact.Match) { got = append(got, m) })
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	fragments := []string{"You can call us on ", "9 66 ", "33 0", "3 09", " any time."}
	hits := 0
	for _, f := range fragments {
		if w.Observe(f, false) {
			hits++
		}
	}
	if hits != 1 || len(got) != 1 {
		t.Fatalf("hits = %d, notifications = %d; want 1, 1", hits, len(got))
	}
	if got[0].Text != "9 66 33 03 09" {
		t.Errorf("Text = %q", got[0].Text)
	}
	if got[0].Input {
		t.Error("Input should be false for assistant speech")
	}
	if got[0].Message != contact.DefaultMessage {
		t.Errorf("Message = %q", got[0].Message)
	}
}

func TestWatcher_OncePerTurn(t *testing.T) {
	t.Parallel()

	n := 0
	w, err := contact.New("", "", func(contact.Match) { n++ })
	if err != nil {
		t.Fatal(err)
	}

	w.Observe("966330309", false)
	w.Observe(" again 966330309", false)
	if n != 1 {
		t.Fatalf("notifications = %d, want 1 within a turn", n)
	}

	w.EndTurn()
	w.Observe("966330309", false)
	if n != 2 {
		t.Errorf("notifications = %d, want 2 after EndTurn", n)
	}
}

func TestWatcher_SpeakersAreIndependent(t *testing.T) {
	t.Parallel()

	var got []contact.Match
	w, err := contact.New("", "", func(m contact.Match) { got = append(got, m) })
	if err != nil {
		t.Fatal(err)
	}

	w.Observe("9 66 33", false)
	w.Observe("03 09", true) // different speaker; no cross-talk match
	if len(got) != 0 {
		t.Fatalf("unexpected match across speakers: %+v", got)
	}
	w.Observe("9 66 33 03 09", true)
	if len(got) != 1 || !got[0].Input {
		t.Errorf("got %+v, want one input match", got)
	}
}

func TestWatcher_CustomPatternAndWindow(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		pattern string
		inputs  []string
		want    bool
	}{
		{"email", `sales@[a-z.]+`, []string{"write to sales@", "ce.example"}, true},
		{"no match", `sales@[a-z.]+`, []string{"no address here"}, false},
		{"empty fragment", "", []string{""}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			w, err := contact.New(tt.pattern, "email", nil)
			if err != nil {
				t.Fatal(err)
			}
			var hit bool
			for _, in := range tt.inputs {
				hit = w.Observe(in, false) || hit
			}
			if hit != tt.want {
				t.Errorf("hit = %v, want %v", hit, tt.want)
			}
		})
	}
}

func TestWatcher_InvalidPattern(t *testing.T) {
	t.Parallel()

	if _, err := contact.New("(", "", nil); err == nil {
		t.Fatal("expected compile error")
	}

	w, err := contact.New("", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.SetPattern("[", ""); err == nil {
		t.Error("SetPattern should reject invalid pattern")
	}
	if w.Pattern() != contact.DefaultPattern {
		t.Errorf("Pattern = %q, want default kept after failed update", w.Pattern())
	}
}
