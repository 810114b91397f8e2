// Package governance detects engineering activity in conversation text and
// synthesizes guidance from the token knowledge base, recording per-token
// effectiveness metrics as rules are applied.
package governance

import (
	"context"
	"fmt"
	"math"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/neuralforge/forged/internal/domain"
	"github.com/neuralforge/forged/internal/governance/tokens"
	"github.com/neuralforge/forged/internal/log"
)

const (
	// activationCutoff disables activation entirely below 10% confidence.
	activationCutoff = 0.10
	maxRelevantRules = 10
	maxKeyPrinciples = 5
)

// domainKinds maps rule domains to token kind directories. Domains outside
// this table yield no rules.
var domainKinds = map[string][]string{
	"security":     {"security"},
	"performance":  {"performance"},
	"code-quality": {"code-quality"},
	"architecture": {"architecture"},
	"reliability":  {"reliability"},
	"data":         {"data"},
	"testing":      {"testing"},
	"ai-learning":  {"ai-learning"},
}

// Recommendation carries synthesized guidance for a detected activity.
type Recommendation struct {
	ActivityType  ActivityType
	RelevantRules []Rule
	Summary       string
	KeyPrinciples []string
	Warnings      []string
	Confidence    float64
}

// Engine is the pre-action governance pipeline. A nil store is tolerated:
// rules still load and format, metric overlay and recording are skipped.
type Engine struct {
	store  domain.Store
	loader *tokens.Loader
	rules  *ruleCache

	mu      sync.Mutex
	metrics map[string]*domain.TokenMetric
}

// NewEngine builds an engine over the given store and token loader.
func NewEngine(store domain.Store, loader *tokens.Loader) *Engine {
	return &Engine{
		store:   store,
		loader:  loader,
		rules:   newRuleCache(loader),
		metrics: make(map[string]*domain.TokenMetric),
	}
}

// InvalidateRules drops all cached rules. The serve loop wires this to the
// token watcher so on-disk edits take effect immediately.
func (e *Engine) InvalidateRules() { e.rules.flush() }

// Activate runs the full pipeline: analyze, threshold, recommend, format.
// It returns the formatted guidance, or "" when no activation is needed.
func (e *Engine) Activate(ctx context.Context, userMessage string, history []string, projectID string) string {
	ac := AnalyzeContext(userMessage, history, projectID)
	if ac.Confidence < activationCutoff {
		return ""
	}
	if !ShouldActivate(ac) {
		return ""
	}
	out := FormatOutput(e.Recommend(ctx, ac))
	log.Info(ctx, "governance.activate",
		zap.String("activity", string(ac.ActivityType)),
		zap.Float64("confidence", ac.Confidence),
		zap.String("project_id", projectID),
	)
	return out
}

// ForceActivate bypasses the confidence thresholds and always returns
// formatted guidance for the analyzed context.
func (e *Engine) ForceActivate(ctx context.Context, userMessage string, history []string, projectID string) string {
	ac := AnalyzeContext(userMessage, history, projectID)
	return FormatOutput(e.Recommend(ctx, ac))
}

// Recommend retrieves the rules relevant to the analyzed context, records
// an effectiveness sample per rule, and synthesizes summary, principles,
// and warnings.
func (e *Engine) Recommend(ctx context.Context, ac ActivityContext) Recommendation {
	rules := e.relevantRules(ctx, ac)
	rec := Recommendation{
		ActivityType:  ac.ActivityType,
		RelevantRules: rules,
		Summary:       summarize(ac, rules),
		KeyPrinciples: keyPrinciples(rules),
		Warnings:      warningsFor(ac, rules),
		Confidence:    ac.Confidence,
	}
	e.recordMetrics(ctx, ac, rec.RelevantRules)
	return rec
}

func (e *Engine) relevantRules(ctx context.Context, ac ActivityContext) []Rule {
	var rules []Rule
	for _, name := range ac.RelevantDomains {
		rules = append(rules, e.domainRules(ctx, name)...)
	}
	if len(rules) > maxRelevantRules {
		rules = rules[:maxRelevantRules]
	}
	return rules
}

// RulesForDomains lists rules for the named domains, metrics overlaid,
// capped at limit. An empty domains slice means every known domain. Unknown
// domain names contribute nothing.
func (e *Engine) RulesForDomains(ctx context.Context, domains []string, limit int) []Rule {
	if len(domains) == 0 {
		domains = e.KnownDomains()
	}
	var rules []Rule
	for _, name := range domains {
		rules = append(rules, e.domainRules(ctx, strings.ToLower(strings.TrimSpace(name)))...)
		if limit > 0 && len(rules) >= limit {
			return rules[:limit]
		}
	}
	return rules
}

// KnownDomains returns the rule domain names in sorted order.
func (e *Engine) KnownDomains() []string {
	names := make([]string, 0, len(domainKinds))
	for name := range domainKinds {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// domainRules serves one domain's rules from the cache, then applies the
// freshest metrics overlay to a copy so cached entries stay metric-free.
func (e *Engine) domainRules(ctx context.Context, domainName string) []Rule {
	cached, ok := e.rules.get(domainName)
	if !ok {
		cached = e.buildDomainRules(ctx, domainName)
		e.rules.set(domainName, cached)
	}
	out := make([]Rule, len(cached))
	copy(out, cached)
	e.overlayMetrics(ctx, out)
	return out
}

func (e *Engine) buildDomainRules(ctx context.Context, domainName string) []Rule {
	kinds, ok := domainKinds[domainName]
	if !ok {
		return nil
	}
	if _, err := os.Stat(e.loader.TagsDir()); err != nil {
		log.Warn(ctx, "governance.rules_fallback",
			zap.String("domain", domainName),
			zap.Error(err),
		)
		return fallbackRules(domainName)
	}
	toks := e.loader.FetchTokens(kinds)
	rules := make([]Rule, 0, len(toks))
	for _, tok := range toks {
		rules = append(rules, buildRule(tok, domainName))
	}
	return rules
}

// overlayMetrics attaches the latest known effectiveness row to each rule,
// preferring a fresh store read over the in-memory overlay map.
func (e *Engine) overlayMetrics(ctx context.Context, rules []Rule) {
	if len(rules) == 0 {
		return
	}
	fresh := e.fetchMetricsOverlay(ctx, rules)
	for i := range rules {
		ref := rules[i].TokenRef
		if ref == "" {
			continue
		}
		if m, ok := fresh[ref]; ok {
			rules[i].UsageMetrics = m
			continue
		}
		if m, ok := e.cachedMetric(ref); ok {
			rules[i].UsageMetrics = m
		}
	}
}

func (e *Engine) fetchMetricsOverlay(ctx context.Context, rules []Rule) map[string]*domain.TokenMetric {
	if e.store == nil {
		return nil
	}
	seen := make(map[string]bool, len(rules))
	ids := make([]string, 0, len(rules))
	for _, r := range rules {
		if r.TokenRef != "" && !seen[r.TokenRef] {
			seen[r.TokenRef] = true
			ids = append(ids, r.TokenRef)
		}
	}
	if len(ids) == 0 {
		return nil
	}

	rows, err := e.store.FetchTokenMetrics(ctx, domain.TokenMetricFilter{
		TokenIDs: ids,
		Limit:    len(ids),
	})
	if err != nil {
		log.Debug(ctx, "governance.metrics_overlay_failed", zap.Error(err))
		return nil
	}

	overlay := make(map[string]*domain.TokenMetric, len(rows))
	e.mu.Lock()
	for i := range rows {
		row := rows[i]
		overlay[row.TokenID] = &row
		e.metrics[row.TokenID] = &row
	}
	e.mu.Unlock()
	return overlay
}

// recordMetrics upserts one effectiveness sample per applied rule. Store
// failures are logged and swallowed; guidance never fails on metrics.
func (e *Engine) recordMetrics(ctx context.Context, ac ActivityContext, rules []Rule) {
	if len(rules) == 0 || e.store == nil {
		return
	}
	now := time.Now().UTC()
	for i := range rules {
		ref := rules[i].TokenRef
		if ref == "" && rules[i].Source != nil {
			ref = *rules[i].Source
		}
		if ref == "" {
			continue
		}
		sample := effectivenessSample(ac, rules[i])
		record, err := e.store.RecordTokenMetric(ctx, ref, ac.ProjectID, sample, now)
		if err != nil {
			log.Debug(ctx, "governance.metric_record_failed",
				zap.String("token_ref", ref),
				zap.Error(err),
			)
			continue
		}
		if record != nil {
			e.mu.Lock()
			e.metrics[record.TokenID] = record
			e.mu.Unlock()
			rules[i].UsageMetrics = record
		}
	}
}

func (e *Engine) cachedMetric(ref string) (*domain.TokenMetric, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	m, ok := e.metrics[ref]
	return m, ok
}

func priorityWeight(priority string) float64 {
	switch strings.ToLower(priority) {
	case "critical":
		return 1.0
	case "high":
		return 0.85
	case "medium":
		return 0.65
	case "low":
		return 0.5
	default:
		return 0.6
	}
}

// effectivenessSample scores one rule application in [0,1]: confidence
// scaled by priority weight, boosted up to 0.15 for trigger/keyword overlap.
func effectivenessSample(ac ActivityContext, rule Rule) float64 {
	base := clamp01(ac.Confidence)
	weight := priorityWeight(rule.Priority)

	if len(rule.Triggers) > 0 && len(ac.DetectedKeywords) > 0 {
		keywords := make(map[string]bool, len(ac.DetectedKeywords))
		for _, k := range ac.DetectedKeywords {
			keywords[strings.ToLower(k)] = true
		}
		counted := make(map[string]bool, len(rule.Triggers))
		overlap := 0
		for _, t := range rule.Triggers {
			lt := strings.ToLower(t)
			if !counted[lt] && keywords[lt] {
				overlap++
			}
			counted[lt] = true
		}
		if overlap > 0 {
			weight = math.Min(1.0, weight+math.Min(float64(overlap)*0.05, 0.15))
		}
	}
	return clamp01(base * weight)
}

func clamp01(v float64) float64 {
	return math.Max(0.0, math.Min(v, 1.0))
}

func summarize(ac ActivityContext, rules []Rule) string {
	activityName := ac.ActivityType.Title()
	if len(rules) == 0 {
		return fmt.Sprintf("No specific governance rules found for %s activities.", activityName)
	}

	var critical, high int
	for _, r := range rules {
		switch r.Priority {
		case "critical":
			critical++
		case "high":
			high++
		}
	}

	summary := fmt.Sprintf("For %s activities, %d relevant governance rules apply.", activityName, len(rules))
	if critical > 0 {
		summary += fmt.Sprintf(" %d are CRITICAL priority.", critical)
	}
	if high > 0 {
		summary += fmt.Sprintf(" %d are HIGH priority.", high)
	}
	return summary
}

func keyPrinciples(rules []Rule) []string {
	var principles []string
	for _, r := range rules {
		if r.Priority != "critical" && r.Priority != "high" {
			continue
		}
		principles = append(principles, fmt.Sprintf("• %s: %s", r.Name, r.Description))
		if len(principles) == maxKeyPrinciples {
			break
		}
	}
	return principles
}

func warningsFor(ac ActivityContext, rules []Rule) []string {
	var warnings []string
	switch ac.ActivityType {
	case ActivitySecurity:
		warnings = append(warnings, "⚠️ Security implementation detected - ensure thorough testing and review")
	case ActivityDatabase:
		warnings = append(warnings, "⚠️ Database operations detected - consider performance and data integrity")
	case ActivityAPIDesign:
		warnings = append(warnings, "⚠️ API design detected - ensure proper authentication and input validation")
	}

	critical := 0
	for _, r := range rules {
		if r.Priority == "critical" {
			critical++
		}
	}
	if critical > 0 {
		warnings = append(warnings, fmt.Sprintf("⚠️ %d CRITICAL governance rules must be followed", critical))
	}
	return warnings
}

// FormatOutput renders a recommendation as the guidance blob injected into
// planning context.
func FormatOutput(rec Recommendation) string {
	out := []string{
		"🧠 **NEURAL FORGE GOVERNANCE ACTIVATED**",
		"",
		"**Activity Detected:** " + rec.ActivityType.Title(),
		fmt.Sprintf("**Confidence:** %.1f%%", rec.Confidence*100),
		"",
	}
	if rec.Summary != "" {
		out = append(out, "**Summary:** "+rec.Summary, "")
	}
	if len(rec.KeyPrinciples) > 0 {
		out = append(out, "**Key Principles to Follow:**")
		out = append(out, rec.KeyPrinciples...)
		out = append(out, "")
	}
	if len(rec.Warnings) > 0 {
		out = append(out, "**⚠️ Important Warnings:**")
		out = append(out, rec.Warnings...)
		out = append(out, "")
	}
	out = append(out,
		"**Recommendation:** Apply these governance principles during planning and implementation.",
		"",
		"---",
	)
	return strings.Join(out, "\n")
}
