// Package intent classifies short customer replies.
//
// Two questions are asked of a reply: did the troubleshooting steps fix the
// problem (Resolution), and is the summarised data correct (Confirmation).
// A keyword rule pass runs first; the language model is consulted only when
// the rules find no signal or a tie.
package intent

import (
	"context"
	"log/slog"
	"regexp"
	"strings"
)

// Verdict is the outcome of classifying a reply.
type Verdict string

const (
	Affirmative Verdict = "affirmative"
	Negative    Verdict = "negative"
	// Unresolved means both positive and negative signals were found in equal measure.
	Unresolved Verdict = "unresolved"
	// Unknown means no signal was found at all.
	Unknown Verdict = "unknown"
)

// Kind selects which question a reply answers.
type Kind string

const (
	Resolution   Kind = "resolution"
	Confirmation Kind = "confirmation"
)

// JSONCompleter is the subset of the language model client used as fallback.
type JSONCompleter interface {
	CompleteJSON(ctx context.Context, system, user string, out any) error
}

var (
	nonWord    = regexp.MustCompile(`[^\p{L}\p{N}]+`)
	negatedFix = regexp.MustCompile(`\b(tidak|tdk|gak|ga|gk|nggak|ngga|enggak|belum|blm|tak)\s+(bisa|bs|normal|lancar|nyala|konek|connect|berhasil|jalan|beres|membantu|ngaruh|berubah)\b`)
	noProblem  = regexp.MustCompile(`\b(tidak|tdk|gak|ga|nggak|sudah tidak|udah gak|udah ga)\s+ada\s+(masalah|gangguan|kendala)\b`)
	failureRe  = regexp.MustCompile(`\b(masih|tetap|tetep|belum|blm|gabisa|gbs|mati|putus|lambat|lemot|lelet|error|gangguan|los|down|merah|sama aja|sama saja|still)\b`)
	fixedRe    = regexp.MustCompile(`\b(lancar|normal|sudah bisa|udah bisa|dah bisa|bisa lagi|berhasil|beres|teratasi|nyala|konek|aman|fixed|working|works|solved)\b`)
	pendingRe  = regexp.MustCompile(`\b(coba|cobain|dicoba|tunggu|sebentar|bentar|nanti|later)\b`)

	negatedYes = regexp.MustCompile(`\b(tidak|tdk|gak|ga|bukan|belum|kurang)\s+(benar|betul|sesuai|tepat|valid)\b`)
	yesRe      = regexp.MustCompile(`\b(ya|iya|iyaa|yes|y|betul|benar|bener|ok|oke|okay|siap|boleh|lanjut|lanjutkan|sesuai|kirim|setuju|correct)\b`)
	shortYesRe = regexp.MustCompile(`^(sudah|udah|sdh|dah)( kak| min| ya)?$`)
	noRe       = regexp.MustCompile(`\b(tidak|tdk|gak|ga|gk|nggak|ngga|enggak|belum|no|bukan|salah|ganti|ubah|koreksi|batal|revisi)\b`)
)

// Normalize lowercases text and collapses punctuation into single spaces.
func Normalize(text string) string {
	s := strings.ToLower(text)
	s = nonWord.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// Heuristic classifies text with keyword rules only.
func Heuristic(text string, kind Kind) Verdict {
	s := Normalize(text)
	if s == "" {
		return Unknown
	}
	if kind == Resolution {
		return resolution(s)
	}
	return yesNo(s)
}

// resolution closes a problem only on an explicit fix signal. Bare yes
// words and acknowledgements ("ok", "siap", "sudah kak") stay Unknown,
// while a plain "tidak" or "belum" still counts as not fixed.
func resolution(s string) Verdict {
	if v := resolutionSignals(s); v != Unknown {
		return v
	}
	// "ok, saya coba dulu" acknowledges the steps without answering.
	if pendingRe.MatchString(s) || IsSmallTalk(s) {
		return Unknown
	}
	if yesNo(s) == Negative {
		return Negative
	}
	return Unknown
}

func resolutionSignals(s string) Verdict {
	failures, fixes := 0, 0

	failures += len(negatedFix.FindAllStringIndex(s, -1))
	s = negatedFix.ReplaceAllString(s, " ")

	fixes += len(noProblem.FindAllStringIndex(s, -1))
	s = noProblem.ReplaceAllString(s, " ")

	failures += len(failureRe.FindAllStringIndex(s, -1))
	fixes += len(fixedRe.FindAllStringIndex(s, -1))

	return decide(fixes, failures)
}

// HasFailureSignal reports whether text reads as a service complaint, such
// as "internet mati lagi" or "tidak bisa konek".
func HasFailureSignal(text string) bool {
	s := Normalize(text)
	return s != "" && resolutionSignals(s) == Negative
}

func yesNo(s string) Verdict {
	no := len(negatedYes.FindAllStringIndex(s, -1))
	s = negatedYes.ReplaceAllString(s, " ")
	s = strings.Join(strings.Fields(s), " ")

	yes := len(yesRe.FindAllStringIndex(s, -1))
	if shortYesRe.MatchString(s) {
		yes++
	}
	no += len(noRe.FindAllStringIndex(s, -1))
	return decide(yes, no)
}

func decide(pos, neg int) Verdict {
	switch {
	case pos == 0 && neg == 0:
		return Unknown
	case pos > neg:
		return Affirmative
	case neg > pos:
		return Negative
	default:
		return Unresolved
	}
}

// Classifier combines the rule pass with an optional model fallback.
type Classifier struct {
	llm JSONCompleter
}

// NewClassifier creates a classifier. llm may be nil.
func NewClassifier(llm JSONCompleter) *Classifier {
	return &Classifier{llm: llm}
}

const fallbackPrompt = `You classify a customer's short WhatsApp reply (Indonesian or English) for an internet provider's support bot.
%s
Answer with a JSON object {"verdict": "affirmative" | "negative" | "unclear"} and nothing else.`

var questions = map[Kind]string{
	Resolution:   `The bot asked whether the internet problem is fixed after troubleshooting. "affirmative" means the problem is solved, "negative" means it persists.`,
	Confirmation: `The bot asked whether the summarised complaint data is correct. "affirmative" means the customer confirms, "negative" means they want to correct it.`,
}

// Classify returns the verdict for text. Model errors keep the rule verdict.
func (c *Classifier) Classify(ctx context.Context, text string, kind Kind) Verdict {
	v := Heuristic(text, kind)
	if v == Affirmative || v == Negative || c == nil || c.llm == nil {
		return v
	}

	var out struct {
		Verdict string `json:"verdict"`
	}
	system := strings.Replace(fallbackPrompt, "%s", questions[kind], 1)
	if err := c.llm.CompleteJSON(ctx, system, text, &out); err != nil {
		slog.Warn("Classifier.Classify: model fallback failed", "error", err, "kind", kind, "ruleVerdict", v)
		return v
	}
	switch Verdict(strings.ToLower(strings.TrimSpace(out.Verdict))) {
	case Affirmative:
		return Affirmative
	case Negative:
		return Negative
	}
	slog.Debug("Classifier.Classify: model unclear", "kind", kind, "ruleVerdict", v)
	return v
}
