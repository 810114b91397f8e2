package tokens

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func newFixtureLoader(t *testing.T) *Loader {
	t.Helper()
	root := filepath.Join(t.TempDir(), "memory")

	writeFile(t, filepath.Join(root, "tags", "security", "input-validation.yml"), `
description: Always validate and sanitize user inputs
bestPractices:
  - Validate at trust boundaries
  - Reject, do not repair
`)
	writeFile(t, filepath.Join(root, "tags", "security", "auth.yaml"), `
tag: authentication
description: Authentication hardening
rules:
  - Use constant-time comparison for secrets
`)
	writeFile(t, filepath.Join(root, "tags", "performance", "caching.yml"), `
description: Cache expensive lookups
rules:
  - Bound every cache
  - Invalidate on writes
`)
	writeFile(t, filepath.Join(root, "tags", "performance", "broken.yml"), "\t: not yaml {{{")
	writeFile(t, filepath.Join(root, "tags", "security", "README.txt"), "not a token")

	writeFile(t, filepath.Join(root, "security.rules.yml"), `
tagset: security-core
includes:
  - security-base
  - reliability-base
version: 2
description: Core security policy
principles:
  - Least privilege
`)
	writeFile(t, filepath.Join(root, "nested", "reliability.rules.yml"), `
tagSet: reliability-base
`)
	writeFile(t, filepath.Join(root, "untagged.rules.yml"), `
description: no tag set here
`)

	return NewLoader(root)
}

func TestLoader_ListKinds(t *testing.T) {
	l := newFixtureLoader(t)
	require.Equal(t, []string{"performance", "security"}, l.ListKinds())
}

func TestLoader_ListKinds_MissingDir(t *testing.T) {
	l := NewLoader(filepath.Join(t.TempDir(), "nope"))
	require.Empty(t, l.ListKinds())
}

func TestLoader_FetchTokens_AllKinds(t *testing.T) {
	l := newFixtureLoader(t)

	toks := l.FetchTokens(nil)
	require.Len(t, toks, 4, "yml and yaml files across all kinds, txt skipped")

	names := make([]string, 0, len(toks))
	for _, tok := range toks {
		names = append(names, tok.Kind()+"/"+tok.Name())
	}
	require.Equal(t, []string{
		"performance/broken",
		"performance/caching",
		"security/auth",
		"security/input-validation",
	}, names, "kinds and files load in sorted order")
}

func TestLoader_FetchTokens_FilteredKinds(t *testing.T) {
	l := newFixtureLoader(t)

	toks := l.FetchTokens([]string{"security", "no-such-kind"})
	require.Len(t, toks, 2)
	for _, tok := range toks {
		require.Equal(t, "security", tok.Kind())
	}
}

func TestLoader_FetchTokens_PayloadNormalization(t *testing.T) {
	l := newFixtureLoader(t)

	byName := map[string]Token{}
	for _, tok := range l.FetchTokens([]string{"security"}) {
		byName[tok.Name()] = tok
	}

	iv := byName["input-validation"]
	require.Equal(t, "input-validation", iv.Tag(), "tag defaults to file stem")
	require.Equal(t, "Always validate and sanitize user inputs", iv.Description())
	require.Equal(t,
		[]any{"Validate at trust boundaries", "Reject, do not repair"},
		iv.Rules(), "rules inherit bestPractices when absent")
	require.Equal(t, "memory/tags/security/input-validation.yml", iv.Source())
	require.Equal(t, iv.Source(), iv.MetricKey())

	auth := byName["auth"]
	require.Equal(t, "authentication", auth.Tag(), "explicit tag wins")
	require.Equal(t, []any{"Use constant-time comparison for secrets"}, auth.Rules())
}

func TestLoader_FetchTokens_BrokenFileKeepsIdentity(t *testing.T) {
	l := newFixtureLoader(t)

	var broken Token
	for _, tok := range l.FetchTokens([]string{"performance"}) {
		if tok.Name() == "broken" {
			broken = tok
		}
	}
	require.NotNil(t, broken)
	require.Equal(t, "performance", broken.Kind())
	require.Equal(t, "broken", broken.Tag())
	require.Empty(t, broken.Rules())
	require.NotContains(t, broken, "description", "unparsed files carry identity only")
}

func TestToken_MetricKey_Fallback(t *testing.T) {
	tok := Token{"kind": "security", "name": "auth"}
	require.Equal(t, "security::auth", tok.MetricKey())

	require.Equal(t, "unknown::unknown", Token{}.MetricKey())
}

func TestLoader_FetchPolicies(t *testing.T) {
	l := newFixtureLoader(t)

	policies, graph := l.FetchPolicies()
	require.Len(t, policies, 2, "policy without tagSet is skipped")

	byTagSet := map[string]Policy{}
	for _, p := range policies {
		byTagSet[p.TagSet()] = p
	}

	core := byTagSet["security-core"]
	require.NotNil(t, core, "lowercase tagset key is normalized")
	require.Equal(t, []string{"security-base", "reliability-base"}, core.Includes())
	require.Equal(t, "2", core["version"], "version coerced to string")
	require.Equal(t, "Core security policy", core["description"])
	require.Equal(t, []string{"Least privilege"}, core["principles"])
	require.Equal(t, "memory/security.rules.yml", core["source"])

	base := byTagSet["reliability-base"]
	require.NotNil(t, base)
	require.Equal(t, []string{}, base.Includes())
	require.Equal(t, "", base["version"])
	require.Equal(t, "", base["description"])

	require.Equal(t, map[string][]string{
		"security-core":    {"security-base", "reliability-base"},
		"reliability-base": {},
	}, graph)
}

func TestWatcher_SignalsOnTokenEdit(t *testing.T) {
	l := newFixtureLoader(t)

	w, err := NewWatcher(l.Root())
	require.NoError(t, err)
	defer w.Stop()

	ch, err := w.Start()
	require.NoError(t, err)

	writeFile(t, filepath.Join(l.TagsDir(), "security", "new-rule.yml"), "description: fresh\n")

	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		require.Fail(t, "timeout waiting for change signal")
	}
}

func TestWatcher_IgnoresUnrelatedFiles(t *testing.T) {
	l := newFixtureLoader(t)

	w, err := NewWatcher(l.Root())
	require.NoError(t, err)
	defer w.Stop()

	ch, err := w.Start()
	require.NoError(t, err)

	writeFile(t, filepath.Join(l.Root(), "scratch.txt"), "noise")

	select {
	case <-ch:
		require.Fail(t, "non-yaml writes must not signal")
	case <-time.After(1500 * time.Millisecond):
	}
}
