package intent

import (
	"context"
	"errors"
	"testing"
)

func TestHeuristicResolution(t *testing.T) {
	tests := []struct {
		text string
		want Verdict
	}{
		{"Sudah saya restart tapi masih tetap tidak bisa", Negative},
		{"Sudah saya restart dan lancar lagi, makasih", Affirmative},
		{"masih belum normal kak", Negative},
		{"udah normal kok", Affirmative},
		{"Alhamdulillah sudah bisa", Affirmative},
		{"sekarang tidak ada masalah", Affirmative},
		{"lampu LOS masih merah", Negative},
		{"tidak", Negative},
		{"belum kak", Negative},
		{"iya", Unknown},
		{"sudah kak", Unknown},
		{"ok", Unknown},
		{"oke kak", Unknown},
		{"siap", Unknown},
		{"sudah lancar kak", Affirmative},
		{"ok saya coba dulu", Unknown},
		{"hmm", Unknown},
		{"", Unknown},
		{"wifi normal tapi internet lemot", Unresolved},
	}
	for _, tt := range tests {
		if got := Heuristic(tt.text, Resolution); got != tt.want {
			t.Errorf("Heuristic(%q, Resolution) = %s, want %s", tt.text, got, tt.want)
		}
	}
}

func TestHeuristicConfirmation(t *testing.T) {
	tests := []struct {
		text string
		want Verdict
	}{
		{"ya benar", Affirmative},
		{"Iya sudah sesuai", Affirmative},
		{"sudah", Affirmative},
		{"lanjut kirim", Affirmative},
		{"tidak sesuai", Negative},
		{"bukan, ID saya salah", Negative},
		{"mau ganti alamat", Negative},
		{"ya tapi alamatnya salah", Unresolved},
		{"apa itu?", Unknown},
	}
	for _, tt := range tests {
		if got := Heuristic(tt.text, Confirmation); got != tt.want {
			t.Errorf("Heuristic(%q, Confirmation) = %s, want %s", tt.text, got, tt.want)
		}
	}
}

type stubCompleter struct {
	verdict string
	err     error
	calls   int
}

func (s *stubCompleter) CompleteJSON(ctx context.Context, system, user string, out any) error {
	s.calls++
	if s.err != nil {
		return s.err
	}
	out.(*struct {
		Verdict string `json:"verdict"`
	}).Verdict = s.verdict
	return nil
}

func TestClassifierSkipsModelOnClearVerdict(t *testing.T) {
	llm := &stubCompleter{verdict: "affirmative"}
	c := NewClassifier(llm)
	if got := c.Classify(context.Background(), "masih mati", Resolution); got != Negative {
		t.Errorf("expected Negative, got %s", got)
	}
	if llm.calls != 0 {
		t.Errorf("model should not be called for a clear verdict, got %d calls", llm.calls)
	}
}

func TestClassifierUsesModelWhenUnknown(t *testing.T) {
	llm := &stubCompleter{verdict: "Negative"}
	c := NewClassifier(llm)
	if got := c.Classify(context.Background(), "hmm gimana", Resolution); got != Negative {
		t.Errorf("expected Negative from model, got %s", got)
	}
	if llm.calls != 1 {
		t.Errorf("expected one model call, got %d", llm.calls)
	}
}

func TestClassifierKeepsRuleVerdictOnModelFailure(t *testing.T) {
	c := NewClassifier(&stubCompleter{err: errors.New("timeout")})
	if got := c.Classify(context.Background(), "ya tapi alamatnya salah", Confirmation); got != Unresolved {
		t.Errorf("expected Unresolved, got %s", got)
	}
	c = NewClassifier(&stubCompleter{verdict: "unclear"})
	if got := c.Classify(context.Background(), "hmm", Confirmation); got != Unknown {
		t.Errorf("expected Unknown, got %s", got)
	}
}

func TestClassifierWithoutModel(t *testing.T) {
	c := NewClassifier(nil)
	if got := c.Classify(context.Background(), "hmm", Resolution); got != Unknown {
		t.Errorf("expected Unknown, got %s", got)
	}
}

func TestIsSmallTalk(t *testing.T) {
	tests := map[string]bool{
		"Halo kak":                 true,
		"selamat pagi min!":        true,
		"ok, terima kasih":         true,
		"":                         true,
		"Internet saya mati total": false,
		"halo, wifi saya lemot":    false,
	}
	for text, want := range tests {
		if got := IsSmallTalk(text); got != want {
			t.Errorf("IsSmallTalk(%q) = %v, want %v", text, got, want)
		}
	}
}

func TestHasFailureSignal(t *testing.T) {
	tests := map[string]bool{
		"internet mati lagi kak":    true,
		"wifi putus terus":          true,
		"terima kasih sudah lancar": false,
		"ok makasih":                false,
		"":                          false,
	}
	for text, want := range tests {
		if got := HasFailureSignal(text); got != want {
			t.Errorf("HasFailureSignal(%q) = %v, want %v", text, got, want)
		}
	}
}
