package governance

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/neuralforge/forged/internal/domain"
	"github.com/neuralforge/forged/internal/governance/tokens"
)

// Rule is one governance rule surfaced in guidance and tool responses.
// Token-backed rules carry the category and rule list from their source
// token; fallback rules omit both and have a null source.
type Rule struct {
	Name         string              `json:"name"`
	Description  string              `json:"description"`
	Priority     string              `json:"priority"`
	Triggers     []string            `json:"triggers"`
	Category     string              `json:"category,omitempty"`
	Rules        *[]any              `json:"rules,omitempty"`
	TokenRef     string              `json:"tokenRef"`
	Source       *string             `json:"source"`
	UsageMetrics *domain.TokenMetric `json:"usageMetrics,omitempty"`
}

const (
	ruleCacheTTL     = 5 * time.Minute
	ruleCacheCleanup = 10 * time.Minute
)

// ruleCache keeps per-domain rule lists warm between activations. Entries
// expire on TTL, are invalidated when any underlying token file's mtime
// advances, and the whole cache flushes on a watcher signal.
type ruleCache struct {
	cache  *gocache.Cache
	loader *tokens.Loader
}

type ruleCacheEntry struct {
	rules []Rule
	stamp time.Time
}

func newRuleCache(loader *tokens.Loader) *ruleCache {
	return &ruleCache{
		cache:  gocache.New(ruleCacheTTL, ruleCacheCleanup),
		loader: loader,
	}
}

func (c *ruleCache) get(domainName string) ([]Rule, bool) {
	value, found := c.cache.Get(domainName)
	if !found {
		return nil, false
	}
	entry, ok := value.(ruleCacheEntry)
	if !ok {
		return nil, false
	}
	if !entry.stamp.Equal(c.sourceStamp(domainName)) {
		c.cache.Delete(domainName)
		return nil, false
	}
	return entry.rules, true
}

func (c *ruleCache) set(domainName string, rules []Rule) {
	c.cache.Set(domainName, ruleCacheEntry{
		rules: rules,
		stamp: c.sourceStamp(domainName),
	}, gocache.DefaultExpiration)
}

func (c *ruleCache) flush() {
	c.cache.Flush()
}

// sourceStamp is the newest mtime across the kind directory and its token
// files. Edits, adds, and removes all move it.
func (c *ruleCache) sourceStamp(domainName string) time.Time {
	dir := filepath.Join(c.loader.TagsDir(), domainName)
	info, err := os.Stat(dir)
	if err != nil {
		return time.Time{}
	}
	stamp := info.ModTime()

	entries, err := os.ReadDir(dir)
	if err != nil {
		return stamp
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yml" && ext != ".yaml" {
			continue
		}
		if fi, err := entry.Info(); err == nil && fi.ModTime().After(stamp) {
			stamp = fi.ModTime()
		}
	}
	return stamp
}

// criticalKeywords and highKeywords rank a token's priority from its name
// and description.
var (
	criticalKeywords = []string{"security", "authentication", "authorization", "vulnerability", "exploit"}
	highKeywords     = []string{"performance", "scalability", "reliability", "data integrity", "solid"}

	// triggerKeywords are scanned in descriptions to derive rule triggers.
	triggerKeywords = []string{
		"api", "database", "security", "performance", "testing", "authentication",
		"caching", "optimization", "refactoring", "architecture", "design",
	}
)

func buildRule(tok tokens.Token, domainName string) Rule {
	// Priority and triggers derive from the raw token fields; the display
	// name and description fall back to placeholders.
	rawName := tok.Name()
	rawDesc := tok.Description()

	name := rawName
	if name == "" {
		name = "Unknown"
	}
	description := "No description available"
	if _, ok := tok["description"]; ok {
		description = rawDesc
	}
	category := tok.Kind()
	if category == "" {
		category = domainName
	}

	rules := tok.Rules()
	if rules == nil {
		rules = []any{}
	}
	var source *string
	if _, ok := tok["source"]; ok {
		s := tok.Source()
		source = &s
	}

	return Rule{
		Name:        name,
		Description: description,
		Priority:    determinePriority(rawName, rawDesc, rules),
		Triggers:    extractTriggers(rawName, rawDesc),
		Category:    category,
		Rules:       &rules,
		TokenRef:    tok.MetricKey(),
		Source:      source,
	}
}

func determinePriority(name, description string, rules []any) string {
	lowerName := strings.ToLower(name)
	lowerDesc := strings.ToLower(description)

	for _, kw := range criticalKeywords {
		if strings.Contains(lowerName, kw) || strings.Contains(lowerDesc, kw) {
			return "critical"
		}
	}
	for _, kw := range highKeywords {
		if strings.Contains(lowerName, kw) || strings.Contains(lowerDesc, kw) {
			return "high"
		}
	}
	if len(rules) > 5 {
		return "high"
	}
	return "medium"
}

func extractTriggers(name, description string) []string {
	var triggers []string
	seen := make(map[string]bool)
	add := func(t string) {
		if t != "" && !seen[t] {
			seen[t] = true
			triggers = append(triggers, t)
		}
	}

	add(strings.ToLower(name))
	lowerDesc := strings.ToLower(description)
	for _, kw := range triggerKeywords {
		if strings.Contains(lowerDesc, kw) {
			add(kw)
		}
	}
	return triggers
}

// fallbackRules cover the essential domains when the token knowledge base
// is empty or unreadable.
func fallbackRules(domainName string) []Rule {
	type seed struct {
		name, description, priority string
		triggers                    []string
	}
	seeds := map[string][]seed{
		"security": {{
			name:        "InputValidation",
			description: "Always validate and sanitize user inputs",
			priority:    "critical",
			triggers:    []string{"input", "validation", "sanitization"},
		}},
		"performance": {{
			name:        "AlgorithmComplexity",
			description: "Consider algorithm complexity and optimize for performance",
			priority:    "high",
			triggers:    []string{"algorithm", "performance", "optimization"},
		}},
		"code-quality": {{
			name:        "CodeQuality",
			description: "Follow coding best practices and maintain clean code",
			priority:    "high",
			triggers:    []string{"code quality", "refactoring", "maintainability"},
		}},
	}

	var out []Rule
	for _, s := range seeds[domainName] {
		out = append(out, Rule{
			Name:        s.name,
			Description: s.description,
			Priority:    s.priority,
			Triggers:    s.triggers,
			TokenRef:    "fallback::" + domainName + "::" + s.name,
			Source:      nil,
		})
	}
	return out
}
