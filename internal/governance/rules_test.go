package governance

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neuralforge/forged/internal/governance/tokens"
)

func writeTokenFile(t *testing.T, memoryRoot, rel, content string) string {
	t.Helper()
	path := filepath.Join(memoryRoot, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDeterminePriority(t *testing.T) {
	cases := []struct {
		name        string
		ruleName    string
		description string
		ruleCount   int
		want        string
	}{
		{"critical keyword in description", "InputGuard", "Reject requests without authentication", 0, "critical"},
		{"critical keyword in name", "VulnerabilityScan", "Runs scheduled checks", 0, "critical"},
		{"high keyword in description", "CacheTuning", "Improves performance under load", 0, "high"},
		{"many rules promote to high", "Naming", "Use descriptive identifiers", 6, "high"},
		{"few rules stay medium", "Naming", "Use descriptive identifiers", 3, "medium"},
		{"default medium", "Plain", "Just a guideline", 0, "medium"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rules := make([]any, tc.ruleCount)
			assert.Equal(t, tc.want, determinePriority(tc.ruleName, tc.description, rules))
		})
	}
}

func TestExtractTriggers(t *testing.T) {
	got := extractTriggers("Input Validation", "Sanitize all api payloads against security issues")
	assert.Equal(t, []string{"input validation", "api", "security"}, got)

	// Name and description keywords dedupe.
	got = extractTriggers("Security", "Apply security headers")
	assert.Equal(t, []string{"security"}, got)
}

func TestBuildRule_FromToken(t *testing.T) {
	tok := tokens.Token{
		"kind":        "security",
		"name":        "input-validation",
		"source":      "memory/tags/security/input-validation.yml",
		"description": "Validate untrusted input",
		"rules":       []any{"sanitize", "reject"},
	}

	rule := buildRule(tok, "security")

	assert.Equal(t, "input-validation", rule.Name)
	assert.Equal(t, "Validate untrusted input", rule.Description)
	assert.Equal(t, "medium", rule.Priority)
	assert.Equal(t, []string{"input-validation"}, rule.Triggers)
	assert.Equal(t, "security", rule.Category)
	require.NotNil(t, rule.Rules)
	assert.Equal(t, []any{"sanitize", "reject"}, *rule.Rules)
	assert.Equal(t, "memory/tags/security/input-validation.yml", rule.TokenRef)
	require.NotNil(t, rule.Source)
	assert.Equal(t, "memory/tags/security/input-validation.yml", *rule.Source)
	assert.Nil(t, rule.UsageMetrics)
}

func TestBuildRule_Defaults(t *testing.T) {
	rule := buildRule(tokens.Token{}, "performance")

	assert.Equal(t, "Unknown", rule.Name)
	assert.Equal(t, "No description available", rule.Description)
	assert.Equal(t, "medium", rule.Priority)
	assert.Empty(t, rule.Triggers)
	assert.Equal(t, "performance", rule.Category)
	require.NotNil(t, rule.Rules)
	assert.Empty(t, *rule.Rules)
	assert.Equal(t, "unknown::unknown", rule.TokenRef)
	assert.Nil(t, rule.Source)
}

func TestBuildRule_EmptyDescriptionIsKept(t *testing.T) {
	tok := tokens.Token{"name": "bare", "description": ""}
	rule := buildRule(tok, "data")
	assert.Equal(t, "", rule.Description)
}

func TestFallbackRules(t *testing.T) {
	rules := fallbackRules("security")
	require.Len(t, rules, 1)

	r := rules[0]
	assert.Equal(t, "InputValidation", r.Name)
	assert.Equal(t, "Always validate and sanitize user inputs", r.Description)
	assert.Equal(t, "critical", r.Priority)
	assert.Equal(t, []string{"input", "validation", "sanitization"}, r.Triggers)
	assert.Equal(t, "fallback::security::InputValidation", r.TokenRef)
	assert.Nil(t, r.Source)
	assert.Nil(t, r.Rules)
	assert.Empty(t, r.Category)

	assert.Empty(t, fallbackRules("no-such-domain"))
}

func TestRuleCache_InvalidatesWhenSourceMTimeAdvances(t *testing.T) {
	memory := filepath.Join(t.TempDir(), "memory")
	path := writeTokenFile(t, memory, "tags/security/auth.yml", "description: d\n")
	cache := newRuleCache(tokens.NewLoader(memory))

	cache.set("security", []Rule{{Name: "A"}})
	got, ok := cache.get("security")
	require.True(t, ok)
	require.Len(t, got, 1)

	future := time.Now().Add(2 * time.Second)
	require.NoError(t, os.Chtimes(path, future, future))

	_, ok = cache.get("security")
	assert.False(t, ok)
}

func TestRuleCache_Flush(t *testing.T) {
	memory := filepath.Join(t.TempDir(), "memory")
	writeTokenFile(t, memory, "tags/security/auth.yml", "description: d\n")
	cache := newRuleCache(tokens.NewLoader(memory))

	cache.set("security", []Rule{{Name: "A"}})
	cache.flush()

	_, ok := cache.get("security")
	assert.False(t, ok)
}
