package policy

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMasker_Email(t *testing.T) {
	m := NewMasker([]string{DetectorEmail})

	result := m.Mask(map[string]any{
		"body": "reach me at tanaka@example.co.jp for details",
	})

	masked, ok := result.Masked["body"].(string)
	require.True(t, ok)
	assert.NotContains(t, masked, "tanaka@example.co.jp")
	assert.Contains(t, masked, "[PII:email:")
	assert.Equal(t, 1, result.Hits[DetectorEmail])
	assert.True(t, result.Found())
}

func TestMasker_DiffRecoversOriginal(t *testing.T) {
	m := NewMasker([]string{DetectorEmail})

	result := m.Mask(map[string]any{"to": "alice@example.com"})

	require.Len(t, result.Diff, 1)
	for token, original := range result.Diff {
		assert.Equal(t, "alice@example.com", original)
		assert.Equal(t, token, result.Masked["to"])
	}
}

func TestMasker_StableTokens(t *testing.T) {
	m := NewMasker([]string{DetectorEmail})

	first := m.Mask(map[string]any{"a": "bob@example.com", "b": "also bob@example.com"})
	second := m.Mask(map[string]any{"c": "bob@example.com"})

	// The same original text always yields the same token, within and across
	// mask runs, so repeated mentions stay correlated.
	tokenA := first.Masked["a"].(string)
	assert.Contains(t, first.Masked["b"].(string), tokenA)
	assert.Equal(t, tokenA, second.Masked["c"].(string))
}

func TestMasker_JapaneseName(t *testing.T) {
	m := NewMasker([]string{DetectorJPName})

	result := m.Mask(map[string]any{
		"greeting": "田中様、お世話になっております。",
	})

	masked := result.Masked["greeting"].(string)
	assert.NotContains(t, masked, "田中様")
	assert.Contains(t, masked, "[PII:jp_name:")
	assert.Equal(t, 1, result.Hits[DetectorJPName])
}

func TestMasker_Phone(t *testing.T) {
	m := NewMasker([]string{DetectorPhone})

	result := m.Mask(map[string]any{"contact": "call 03-1234-5678 anytime"})

	assert.NotContains(t, result.Masked["contact"].(string), "03-1234-5678")
	assert.Equal(t, 1, result.Hits[DetectorPhone])
}

func TestMasker_NestedValues(t *testing.T) {
	m := NewMasker(nil) // all detectors

	result := m.Mask(map[string]any{
		"draft": map[string]any{
			"recipients": []any{"x@example.com", "y@example.com"},
			"score":      0.8,
		},
	})

	draft := result.Masked["draft"].(map[string]any)
	recipients := draft["recipients"].([]any)
	for _, r := range recipients {
		assert.True(t, strings.HasPrefix(r.(string), "[PII:email:"))
	}
	assert.Equal(t, 0.8, draft["score"])
	assert.Equal(t, 2, result.Hits[DetectorEmail])
}

func TestMasker_CleanOutput(t *testing.T) {
	m := NewMasker(nil)

	result := m.Mask(map[string]any{"body": "no personal data here"})

	assert.False(t, result.Found())
	assert.Empty(t, result.Diff)
	assert.Equal(t, "no personal data here", result.Masked["body"])
}

func TestMasker_UnknownDetectorIgnored(t *testing.T) {
	m := NewMasker([]string{"ssn", DetectorEmail})

	result := m.Mask(map[string]any{"body": "a@b.io"})

	assert.Equal(t, 1, result.Hits[DetectorEmail])
}
