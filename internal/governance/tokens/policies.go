package tokens

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/neuralforge/forged/internal/log"
)

// Policy is one parsed *.rules.yml file. Like Token it stays a schemaless
// map so policy authors can attach arbitrary sections.
type Policy map[string]any

// TagSet returns the policy's tag set identifier.
func (p Policy) TagSet() string {
	s, _ := p["tagSet"].(string)
	return s
}

// Includes returns the tag sets this policy pulls in.
func (p Policy) Includes() []string {
	includes, _ := p["includes"].([]string)
	return includes
}

// FetchPolicies walks the memory root for *.rules.yml files and returns the
// parsed policies plus the tagSet -> includes resolution graph. Files
// without a tagSet are skipped.
func (l *Loader) FetchPolicies() ([]Policy, map[string][]string) {
	var policies []Policy
	graph := make(map[string][]string)

	_ = filepath.WalkDir(l.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if !strings.HasSuffix(d.Name(), ".rules.yml") {
			return nil
		}

		parsed := l.parsePolicyFile(path)
		if parsed == nil {
			return nil
		}
		tagSet := strings.TrimSpace(parsed.TagSet())
		if tagSet == "" {
			return nil
		}

		parsed["tagSet"] = tagSet
		parsed["source"] = l.relSource(path)
		policies = append(policies, parsed)
		graph[tagSet] = parsed.Includes()
		return nil
	})

	return policies, graph
}

var policyListKeys = map[string]bool{
	"includes":   true,
	"principles": true,
	"threats":    true,
	"practices":  true,
	"patterns":   true,
}

func (l *Loader) parsePolicyFile(path string) Policy {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var loaded map[string]any
	if err := yaml.Unmarshal(raw, &loaded); err != nil {
		log.Warn(context.Background(), "policies.parse_failed",
			zap.String("path", path), zap.Error(err))
		return nil
	}
	if loaded == nil {
		return nil
	}

	normalized := make(Policy, len(loaded)+4)
	for key, value := range loaded {
		if strings.EqualFold(key, "tagset") {
			key = "tagSet"
		}
		switch {
		case policyListKeys[key]:
			normalized[key] = ensureStringList(value)
		case key == "description" || key == "version":
			if value == nil {
				normalized[key] = ""
			} else {
				normalized[key] = fmt.Sprint(value)
			}
		default:
			normalized[key] = value
		}
	}

	if _, ok := normalized["tagSet"]; !ok {
		normalized["tagSet"] = ""
	}
	if _, ok := normalized["version"]; !ok {
		normalized["version"] = ""
	}
	if _, ok := normalized["description"]; !ok {
		normalized["description"] = ""
	}
	if _, ok := normalized["includes"]; !ok {
		normalized["includes"] = []string{}
	}

	return normalized
}

func ensureStringList(value any) []string {
	var out []string
	for _, item := range ensureList(value) {
		if s, ok := item.(string); ok {
			if trimmed := strings.TrimSpace(s); trimmed != "" {
				out = append(out, trimmed)
			}
			continue
		}
		if item != nil {
			out = append(out, fmt.Sprint(item))
		}
	}
	if out == nil {
		out = []string{}
	}
	return out
}
