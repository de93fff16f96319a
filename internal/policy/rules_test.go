package policy

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agi-run/missionctl/model"
)

func TestRuleSet_Options(t *testing.T) {
	rs := NewRuleSet(
		WithAllowedDomains([]string{"example.com"}),
		WithViolationWindow(time.Hour),
	)

	r, err := rs.Get(RuleOutboundDomain)
	require.NoError(t, err)
	assert.Equal(t, []string{"example.com"}, stringsParam(r.Params, "allowed_domains"))
	assert.Equal(t, time.Hour, rs.window)

	// Empty options keep the seed values.
	rs = NewRuleSet(WithAllowedDomains(nil), WithViolationWindow(0))
	r, err = rs.Get(RuleOutboundDomain)
	require.NoError(t, err)
	assert.Equal(t, []string{"agi.run", "docs.agi.run"}, stringsParam(r.Params, "allowed_domains"))
	assert.Equal(t, defaultViolationWindow, rs.window)
}

func TestRuleSet_LoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
- id: brand-safety
  severity: high
  params:
    banned_terms: [free money]
- id: regional-compliance
  category: Legal
  name: Regional compliance
  severity: high
  params:
    regions: [apac]
`), 0o644))

	rs := NewRuleSet()
	require.NoError(t, rs.LoadFile(path))

	brand, err := rs.Get(RuleBrandSafety)
	require.NoError(t, err)
	assert.Equal(t, model.SeverityHigh, brand.Severity)
	assert.True(t, brand.Enabled, "an entry that omits enabled leaves the rule on")
	assert.Equal(t, []string{"free money"}, stringsParam(brand.Params, "banned_terms"))

	custom, err := rs.Get("regional-compliance")
	require.NoError(t, err)
	assert.True(t, custom.Enabled)
	assert.Equal(t, "Legal", custom.Category)
	assert.Len(t, rs.List(), 7)
}

func TestRuleSet_LoadFileErrors(t *testing.T) {
	rs := NewRuleSet()

	err := rs.LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)

	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
- id: brand-safety
  severity: critical
`), 0o644))
	err = rs.LoadFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown severity")

	require.NoError(t, os.WriteFile(path, []byte("- severity: high\n"), 0o644))
	err = rs.LoadFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no id")
}

func TestRuleSet_ViolationWindow(t *testing.T) {
	rs := NewRuleSet(WithViolationWindow(time.Hour))
	now := time.Now().UTC()
	rs.now = func() time.Time { return now }

	rs.RecordViolation(RuleBrandSafety)
	rs.RecordViolation(RuleBrandSafety)

	r, err := rs.Get(RuleBrandSafety)
	require.NoError(t, err)
	assert.Equal(t, 2, r.Violations)

	// Two hours later both violations have aged out of the window.
	now = now.Add(2 * time.Hour)
	r, err = rs.Get(RuleBrandSafety)
	require.NoError(t, err)
	assert.Equal(t, 0, r.Violations)

	rs.RecordViolation(RuleBrandSafety)
	r, err = rs.Get(RuleBrandSafety)
	require.NoError(t, err)
	assert.Equal(t, 1, r.Violations)
}
