package policy

import (
	"crypto/sha256"
	"fmt"
	"regexp"
)

// Detector names. The jp_name detector matches common Japanese honorific
// patterns (e.g. "田中様", "佐藤さん") rather than attempting full NER.
const (
	DetectorEmail  = "email"
	DetectorPhone  = "phone"
	DetectorJPName = "jp_name"
)

var detectorPatterns = map[string]*regexp.Regexp{
	DetectorEmail:  regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`),
	DetectorPhone:  regexp.MustCompile(`(?:\+?\d{1,3}[-\s]?)?(?:\(?\d{2,4}\)?[-\s]?)\d{3,4}[-\s]?\d{3,4}`),
	DetectorJPName: regexp.MustCompile(`[\p{Han}\p{Hiragana}\p{Katakana}]{1,6}(?:様|さん|氏|殿)`),
}

// MaskResult is the outcome of masking one value set.
type MaskResult struct {
	// Masked is the rewritten content with PII replaced by stable tokens.
	Masked map[string]any
	// Diff maps each mask token back to the original text. It goes to the
	// ledger for audit recovery and must never reach API responses.
	Diff map[string]string
	// Hits counts matches per detector.
	Hits map[string]int
}

// Found reports whether any detector matched.
func (m MaskResult) Found() bool {
	for _, n := range m.Hits {
		if n > 0 {
			return true
		}
	}
	return false
}

// Masker rewrites PII in node outputs with recoverable tokens.
type Masker struct {
	detectors []string
}

// NewMasker creates a Masker running the named detectors. Unknown names are
// ignored; an empty list enables all detectors.
func NewMasker(detectors []string) *Masker {
	if len(detectors) == 0 {
		detectors = []string{DetectorEmail, DetectorPhone, DetectorJPName}
	}
	var valid []string
	for _, d := range detectors {
		if _, ok := detectorPatterns[d]; ok {
			valid = append(valid, d)
		}
	}
	return &Masker{detectors: valid}
}

// Mask walks the value map and rewrites every string leaf. The same original
// text always produces the same token within one result, so repeated mentions
// stay correlated in the masked output.
func (m *Masker) Mask(values map[string]any) MaskResult {
	result := MaskResult{
		Masked: make(map[string]any, len(values)),
		Diff:   make(map[string]string),
		Hits:   make(map[string]int),
	}
	for k, v := range values {
		result.Masked[k] = m.maskValue(v, &result)
	}
	return result
}

func (m *Masker) maskValue(v any, result *MaskResult) any {
	switch val := v.(type) {
	case string:
		return m.maskString(val, result)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = m.maskValue(item, result)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = m.maskValue(item, result)
		}
		return out
	default:
		return v
	}
}

func (m *Masker) maskString(s string, result *MaskResult) string {
	for _, name := range m.detectors {
		pattern := detectorPatterns[name]
		s = pattern.ReplaceAllStringFunc(s, func(match string) string {
			token := maskToken(name, match)
			result.Diff[token] = match
			result.Hits[name]++
			return token
		})
	}
	return s
}

// maskToken derives a stable token from the detector name and original text.
// Hashing keeps the token deterministic without leaking the original.
func maskToken(detector, original string) string {
	sum := sha256.Sum256([]byte(original))
	return fmt.Sprintf("[PII:%s:%x]", detector, sum[:4])
}
