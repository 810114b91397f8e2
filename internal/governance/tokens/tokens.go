// Package tokens loads the governance knowledge base from the memory
// directory: engineering tokens under tags/<kind>/*.yml and policy sets in
// *.rules.yml files. Payloads stay schemaless maps so unknown YAML keys pass
// through to API responses untouched.
package tokens

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/neuralforge/forged/internal/log"
)

// Token is one parsed tag file: identity fields derived from its path
// (kind, name, source) merged with the normalized YAML payload.
type Token map[string]any

// Kind returns the tag directory the token was loaded from.
func (t Token) Kind() string { return t.str("kind") }

// Name returns the file stem.
func (t Token) Name() string { return t.str("name") }

// Source returns the path relative to the memory root's parent, stable
// across hosts and usable as a token identifier.
func (t Token) Source() string { return t.str("source") }

// Tag returns the token's tag, defaulting to its name.
func (t Token) Tag() string { return t.str("tag") }

// Description returns the payload description, empty when absent.
func (t Token) Description() string { return t.str("description") }

// Rules returns the normalized rule list.
func (t Token) Rules() []any {
	if rules, ok := t["rules"].([]any); ok {
		return rules
	}
	return nil
}

// MetricKey derives the stable identifier used for effectiveness metrics:
// the source path when present, otherwise "kind::name".
func (t Token) MetricKey() string {
	if source := strings.TrimSpace(t.Source()); source != "" {
		return source
	}
	kind := t.Kind()
	if kind == "" {
		kind = "unknown"
	}
	name := t.Name()
	if name == "" {
		name = t.Tag()
	}
	if name == "" {
		name = "unknown"
	}
	return kind + "::" + name
}

func (t Token) str(key string) string {
	s, _ := t[key].(string)
	return s
}

// Loader reads tokens and policies from a memory directory.
type Loader struct {
	root string
}

// NewLoader creates a loader over the given memory root (the directory
// holding tags/ and the *.rules.yml policy files).
func NewLoader(root string) *Loader {
	return &Loader{root: root}
}

// Root returns the memory directory this loader reads from.
func (l *Loader) Root() string { return l.root }

// TagsDir returns the directory holding per-kind token files.
func (l *Loader) TagsDir() string { return filepath.Join(l.root, "tags") }

// ListKinds returns the sorted tag kind directories. A missing tags dir is
// an empty knowledge base, not an error.
func (l *Loader) ListKinds() []string {
	entries, err := os.ReadDir(l.TagsDir())
	if err != nil {
		return nil
	}
	kinds := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			kinds = append(kinds, e.Name())
		}
	}
	sort.Strings(kinds)
	return kinds
}

// FetchTokens loads tokens for the requested kinds; an empty kinds slice
// selects every available kind. Files that fail to parse keep their
// identity fields so callers can still see the token exists.
func (l *Loader) FetchTokens(kinds []string) []Token {
	available := l.ListKinds()

	var selected []string
	if len(kinds) == 0 {
		selected = available
	} else {
		want := make(map[string]bool, len(kinds))
		for _, k := range kinds {
			want[k] = true
		}
		for _, k := range available {
			if want[k] {
				selected = append(selected, k)
			}
		}
	}

	var out []Token
	for _, kind := range selected {
		kindDir := filepath.Join(l.TagsDir(), kind)
		entries, err := os.ReadDir(kindDir)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			name := e.Name()
			lower := strings.ToLower(name)
			if !strings.HasSuffix(lower, ".yml") && !strings.HasSuffix(lower, ".yaml") {
				continue
			}
			path := filepath.Join(kindDir, name)

			token := Token{
				"kind":   kind,
				"name":   strings.TrimSuffix(name, filepath.Ext(name)),
				"source": l.relSource(path),
			}

			if data := l.parseTokenFile(path); len(data) > 0 {
				for k, v := range normalizePayload(data) {
					token[k] = v
				}
			}
			if _, ok := token["tag"]; !ok {
				token["tag"] = token["name"]
			}

			out = append(out, token)
		}
	}
	return out
}

func (l *Loader) parseTokenFile(path string) map[string]any {
	raw, err := os.ReadFile(path)
	if err != nil {
		log.Warn(context.Background(), "tokens.read_failed",
			zap.String("path", path), zap.Error(err))
		return nil
	}
	var data map[string]any
	if err := yaml.Unmarshal(raw, &data); err != nil {
		log.Warn(context.Background(), "tokens.parse_failed",
			zap.String("path", path), zap.Error(err))
		return nil
	}
	return data
}

// relSource computes the token's source path relative to the memory root's
// parent, so a root of ./memory yields "memory/tags/<kind>/<file>".
func (l *Loader) relSource(path string) string {
	base := filepath.Dir(l.root)
	rel, err := filepath.Rel(base, path)
	if err != nil {
		return path
	}
	return filepath.ToSlash(rel)
}

var (
	listKeys = map[string]bool{
		"appliesTo":      true,
		"patterns":       true,
		"implementation": true,
		"bestPractices":  true,
		"rules":          true,
	}
	dictKeys = map[string]bool{
		"linkedTags":           true,
		"usage_metadata":       true,
		"associative_strength": true,
		"pattern_combinations": true,
	}
)

// normalizePayload coerces the schemaless YAML payload into predictable
// shapes: known list keys become lists, known map keys become maps, and an
// empty rules list inherits bestPractices.
func normalizePayload(raw map[string]any) map[string]any {
	normalized := make(map[string]any, len(raw)+4)
	for key, value := range raw {
		switch {
		case listKeys[key]:
			normalized[key] = ensureList(value)
		case dictKeys[key]:
			normalized[key] = ensureDict(value)
		case key == "description" && value != nil:
			normalized[key] = fmt.Sprint(value)
		default:
			normalized[key] = value
		}
	}

	if _, ok := normalized["description"]; !ok {
		normalized["description"] = ""
	}

	bestPractices := ensureList(normalized["bestPractices"])
	rules := ensureList(normalized["rules"])
	if len(rules) == 0 && len(bestPractices) > 0 {
		rules = append([]any(nil), bestPractices...)
	}
	normalized["bestPractices"] = bestPractices
	normalized["rules"] = rules

	for _, key := range []string{"appliesTo", "patterns", "implementation"} {
		normalized[key] = ensureList(normalized[key])
	}
	for _, key := range []string{"linkedTags", "usage_metadata", "associative_strength", "pattern_combinations"} {
		normalized[key] = ensureDict(normalized[key])
	}

	if _, ok := normalized["tag"]; !ok {
		if name, ok := normalized["name"]; ok {
			normalized["tag"] = name
		}
	}

	return normalized
}

func ensureList(value any) []any {
	switch v := value.(type) {
	case nil:
		return []any{}
	case []any:
		return append([]any(nil), v...)
	default:
		return []any{value}
	}
}

func ensureDict(value any) map[string]any {
	if m, ok := value.(map[string]any); ok {
		out := make(map[string]any, len(m))
		for k, v := range m {
			out[k] = v
		}
		return out
	}
	return map[string]any{}
}
