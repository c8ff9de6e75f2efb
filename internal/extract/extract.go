// Package extract pulls complaint form fields out of free-text messages.
//
// A deterministic pass handles labelled forms ("ID Pelanggan: C650AD") and
// loose sentences. When required fields are still missing and a language
// model is configured, a JSON extraction pass fills the gaps; every value it
// returns is re-checked with the deterministic rules.
package extract

import (
	"context"
	"log/slog"
	"regexp"
	"strings"

	"github.com/intynet/neti/internal/models"
)

// JSONCompleter is the subset of the language model client used for extraction.
type JSONCompleter interface {
	CompleteJSON(ctx context.Context, system, user string, out any) error
}

// Result holds the fields found in one message.
type Result struct {
	Fields map[models.FieldName]string
	// Missing lists wanted fields that were not found, in wanted order.
	Missing   []models.FieldName
	UsedModel bool
}

// Has reports whether field was extracted.
func (r Result) Has(field models.FieldName) bool {
	return r.Fields[field] != ""
}

// Extractor runs the deterministic pass and the optional model pass.
type Extractor struct {
	llm JSONCompleter
}

// New creates an extractor. llm may be nil.
func New(llm JSONCompleter) *Extractor {
	return &Extractor{llm: llm}
}

// Extract returns the fields found in text. wanted drives the model pass and
// the Missing list; fields outside wanted are still returned when found.
func (e *Extractor) Extract(ctx context.Context, text string, wanted []models.FieldName) Result {
	res := Result{Fields: Deterministic(text)}
	res.Missing = missing(res.Fields, wanted)
	if len(res.Missing) == 0 || e == nil || e.llm == nil || strings.TrimSpace(text) == "" {
		return res
	}

	filled := e.modelPass(ctx, text, res.Missing)
	for field, value := range filled {
		if res.Fields[field] == "" {
			res.Fields[field] = value
			res.UsedModel = true
		}
	}
	res.Missing = missing(res.Fields, wanted)
	return res
}

func missing(fields map[models.FieldName]string, wanted []models.FieldName) []models.FieldName {
	var out []models.FieldName
	for _, f := range wanted {
		if fields[f] == "" {
			out = append(out, f)
		}
	}
	return out
}

// label kinds recognised in "Label: value" segments.
const (
	labelID          = "id"
	labelName        = "name"
	labelDescription = "description"
	labelAddress     = "address"
	labelIssueType   = "issue_type"
	labelSince       = "since"
)

var (
	labelRe = regexp.MustCompile(`(?i)(?:^|[\s,;])((?:id|no\.?|nomor|nomer)\s*(?:pelanggan|pel\.?|customer|cust)|id|nama(?:\s+pelanggan)?|gangguan|kendala|keluhan|masalah|deskripsi|alamat(?:\s+pemasangan)?|jenis(?:\s+gangguan)?|kategori|sejak(?:\s+kapan)?)\s*[:=]\s*`)

	tokenRe     = regexp.MustCompile(`[A-Za-z0-9]+`)
	labeledIDRe = regexp.MustCompile(`^[A-Za-z0-9-]{4,20}$`)
	unitRe      = regexp.MustCompile(`(?i)^\d+(?:mbps|kbps|gbps|mb|gb|kb|ghz|mhz|dbm|db|am|pm|jam|menit|mnt|detik|hari|minggu|bulan|rb|ribu|jt|juta|x|km|m)$`)
	repeatRe    = regexp.MustCompile(`(?i)^[a-z]+\d+x$`)
	whenRe      = regexp.MustCompile(`(?i)^\d{1,4}(?:pagi|siang|sore|malam|subuh|jan|feb|mar|apr|mei|jun|jul|agu|agt|ags|sep|okt|nov|des|januari|februari|maret|april|juni|juli|agustus|september|oktober|november|desember)\d{0,4}$`)
	phoneRe     = regexp.MustCompile(`^(?:0|62)\d{8,}$`)
	dateRe      = regexp.MustCompile(`^\d{1,4}-\d{1,2}-\d{1,4}$`)
	streetRe    = regexp.MustCompile(`(?i)(?:^|[\s,;])((?:jl|jln|jalan|gg|gang|perum|perumahan|komplek|kompleks|komp|blok)\.?\s+[^,;\n]+)`)
	sinceRe     = regexp.MustCompile(`(?i)\bsejak\s+([^,.;\n]+)`)
	menuRe      = regexp.MustCompile(`^\s*(\d)\s*\.?\s*$`)
)

var descriptionFiller = map[string]bool{
	"id": true, "pelanggan": true, "saya": true, "aku": true, "nomor": true, "nomer": true, "no": true,
	"ini": true, "itu": true, "adalah": true, "yaitu": true, "nya": true, "kak": true, "min": true,
	"ya": true, "dan": true, "untuk": true, "customer": true, "cust": true, "pel": true,
}

func labelKind(label string) string {
	l := strings.ToLower(label)
	switch {
	case strings.HasPrefix(l, "nama"):
		return labelName
	case strings.HasPrefix(l, "alamat"):
		return labelAddress
	case strings.HasPrefix(l, "jenis"), strings.HasPrefix(l, "kategori"):
		return labelIssueType
	case strings.HasPrefix(l, "sejak"):
		return labelSince
	case strings.HasPrefix(l, "gangguan"), strings.HasPrefix(l, "kendala"),
		strings.HasPrefix(l, "keluhan"), strings.HasPrefix(l, "masalah"), strings.HasPrefix(l, "deskripsi"):
		return labelDescription
	default:
		return labelID
	}
}

type segment struct {
	kind  string
	value string
}

// splitLabels returns the labelled segments and the unlabelled text that
// precedes the first label.
func splitLabels(text string) ([]segment, string) {
	locs := labelRe.FindAllStringSubmatchIndex(text, -1)
	if len(locs) == 0 {
		return nil, text
	}
	segs := make([]segment, 0, len(locs))
	for i, loc := range locs {
		end := len(text)
		if i+1 < len(locs) {
			end = locs[i+1][0]
		}
		value := strings.Trim(text[loc[1]:end], " \t\r\n,;")
		segs = append(segs, segment{kind: labelKind(text[loc[2]:loc[3]]), value: value})
	}
	return segs, text[:locs[0][0]]
}

// Deterministic extracts fields with rules only.
func Deterministic(text string) map[models.FieldName]string {
	fields := make(map[models.FieldName]string)
	segs, rest := splitLabels(text)

	for _, seg := range segs {
		if seg.value == "" {
			continue
		}
		switch seg.kind {
		case labelID:
			if id, ok := labeledID(seg.value); ok && fields[models.FieldInternalID] == "" {
				fields[models.FieldInternalID] = id
			}
		case labelDescription:
			if validDescription(seg.value) && fields[models.FieldDescription] == "" {
				fields[models.FieldDescription] = seg.value
			}
		case labelAddress:
			if fields[models.FieldAddress] == "" {
				fields[models.FieldAddress] = seg.value
			}
		case labelIssueType:
			if c, ok := ParseIssueType(seg.value); ok {
				fields[models.FieldIssueType] = string(c)
			}
		case labelSince:
			fields[models.FieldProblemSince] = seg.value
		}
	}

	if fields[models.FieldInternalID] == "" {
		if id, ok := FindInternalID(rest); ok {
			fields[models.FieldInternalID] = id
		}
	}
	if fields[models.FieldAddress] == "" {
		if m := streetRe.FindStringSubmatch(rest); m != nil {
			fields[models.FieldAddress] = strings.TrimSpace(m[1])
			rest = strings.Replace(rest, m[1], " ", 1)
		}
	}
	if fields[models.FieldProblemSince] == "" {
		if m := sinceRe.FindStringSubmatch(rest); m != nil {
			fields[models.FieldProblemSince] = strings.TrimSpace(m[1])
		}
	}
	if fields[models.FieldIssueType] == "" {
		if c, ok := ParseIssueType(rest); ok {
			fields[models.FieldIssueType] = string(c)
		}
	}
	if fields[models.FieldDescription] == "" {
		desc := freeDescription(rest, fields[models.FieldInternalID])
		if validDescription(desc) {
			fields[models.FieldDescription] = desc
		}
	}
	return fields
}

func labeledID(value string) (string, bool) {
	first := strings.Fields(value)
	if len(first) == 0 {
		return "", false
	}
	tok := strings.Trim(first[0], ".,;:")
	if !plausibleLabeledID(tok) {
		return "", false
	}
	return strings.ToUpper(tok), true
}

// plausibleLabeledID rejects phone numbers and dates typed after an id label.
func plausibleLabeledID(tok string) bool {
	return labeledIDRe.MatchString(tok) && !phoneRe.MatchString(tok) && !dateRe.MatchString(tok) && !whenRe.MatchString(tok)
}

// FindInternalID returns the first unlabelled token that looks like a
// customer id: 5 to 12 alphanumerics with at least one letter and one digit,
// excluding measurements such as "100mbps" or "5ghz" and times or dates
// such as "8pagi" or "15jan".
func FindInternalID(text string) (string, bool) {
	for _, tok := range tokenRe.FindAllString(text, -1) {
		if len(tok) < 5 || len(tok) > 12 {
			continue
		}
		if !hasLetter(tok) || !hasDigit(tok) || unitRe.MatchString(tok) || repeatRe.MatchString(tok) || whenRe.MatchString(tok) {
			continue
		}
		return strings.ToUpper(tok), true
	}
	return "", false
}

func hasLetter(s string) bool {
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') {
			return true
		}
	}
	return false
}

func hasDigit(s string) bool {
	for _, r := range s {
		if r >= '0' && r <= '9' {
			return true
		}
	}
	return false
}

func freeDescription(rest, id string) string {
	s := rest
	if id != "" {
		s = regexp.MustCompile(`(?i)\b`+regexp.QuoteMeta(id)+`\b`).ReplaceAllString(s, " ")
	}
	s = strings.Trim(strings.Join(strings.Fields(s), " "), " ,;:.-")
	return s
}

func validDescription(s string) bool {
	s = strings.TrimSpace(s)
	if len(s) < 8 {
		return false
	}
	meaningful := 0
	for _, w := range strings.Fields(strings.ToLower(s)) {
		w = strings.Trim(w, ".,;:!?")
		if w != "" && !descriptionFiller[w] {
			meaningful++
		}
	}
	return meaningful >= 2
}

var categoryKeywords = []struct {
	category models.IssueCategory
	re       *regexp.Regexp
}{
	{models.IssueFiberLOS, regexp.MustCompile(`(?i)\b(los|lampu merah|merah|kabel|fiber|fo putus|redaman)\b`)},
	{models.IssueSlow, regexp.MustCompile(`(?i)\b(lambat|lemot|lelet|slow|lag|ngelag|buffering|ping tinggi)\b`)},
	{models.IssueNoConnection, regexp.MustCompile(`(?i)\b(mati|putus|offline|no internet|tidak ada internet|gak ada internet|tidak bisa internet|gak bisa internet|tidak konek|gak konek|ga konek|tidak bisa connect|gak bisa connect)\b`)},
	{models.IssueWiFi, regexp.MustCompile(`(?i)\b(wifi|wi fi|wi-fi|ssid|password|sinyal)\b`)},
	{models.IssueOther, regexp.MustCompile(`(?i)\b(lainnya|lain lain|lain-lain)\b`)},
}

// ParseIssueType accepts a menu number (1..N) or a keyword.
func ParseIssueType(text string) (models.IssueCategory, bool) {
	if m := menuRe.FindStringSubmatch(text); m != nil {
		n := int(m[1][0] - '0')
		if n >= 1 && n <= len(models.IssueCategories) {
			return models.IssueCategories[n-1], true
		}
		return "", false
	}
	for _, k := range categoryKeywords {
		if k.re.MatchString(text) {
			return k.category, true
		}
	}
	for _, c := range models.IssueCategories {
		if strings.EqualFold(strings.TrimSpace(text), string(c)) {
			return c, true
		}
	}
	return "", false
}

// Categorize infers the issue category of a complaint, defaulting to other.
func Categorize(text string) models.IssueCategory {
	if menuRe.MatchString(text) {
		return models.IssueOther
	}
	if c, ok := ParseIssueType(text); ok {
		return c
	}
	return models.IssueOther
}

const extractPrompt = `You extract fields from a WhatsApp message sent to an Indonesian internet provider's support bot.
Return a JSON object with these keys, using "" when the message does not state the value:
  "internal_id": the customer id exactly as written (letters and digits),
  "description": the problem description in the customer's words,
  "address": the installation address,
  "issue_type": one of "internet_mati", "internet_lambat", "wifi", "los", "lainnya",
  "problem_since": since when the problem occurs.
Never invent values.`

type modelFields struct {
	InternalID   string `json:"internal_id"`
	Description  string `json:"description"`
	Address      string `json:"address"`
	IssueType    string `json:"issue_type"`
	ProblemSince string `json:"problem_since"`
}

func (e *Extractor) modelPass(ctx context.Context, text string, need []models.FieldName) map[models.FieldName]string {
	var out modelFields
	if err := e.llm.CompleteJSON(ctx, extractPrompt, text, &out); err != nil {
		slog.Warn("Extractor.modelPass: model extraction failed", "error", err, "missing", need)
		return nil
	}

	filled := make(map[models.FieldName]string)
	for _, field := range need {
		switch field {
		case models.FieldInternalID:
			id := strings.TrimSpace(out.InternalID)
			if id != "" && plausibleLabeledID(id) && strings.Contains(strings.ToUpper(text), strings.ToUpper(id)) {
				filled[field] = strings.ToUpper(id)
			} else if id != "" {
				slog.Debug("Extractor.modelPass: dropping id not present in message", "id", id)
			}
		case models.FieldDescription:
			if d := strings.TrimSpace(out.Description); validDescription(d) {
				filled[field] = d
			}
		case models.FieldAddress:
			if a := strings.TrimSpace(out.Address); len(a) >= 5 {
				filled[field] = a
			}
		case models.FieldIssueType:
			if c, ok := ParseIssueType(out.IssueType); ok {
				filled[field] = string(c)
			}
		case models.FieldProblemSince:
			if s := strings.TrimSpace(out.ProblemSince); s != "" {
				filled[field] = s
			}
		}
	}
	return filled
}
