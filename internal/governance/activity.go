package governance

import (
	"regexp"
	"strings"
)

// ActivityType classifies what kind of engineering work a message is about.
type ActivityType string

const (
	ActivityPlanning     ActivityType = "planning"
	ActivityCoding       ActivityType = "coding"
	ActivityArchitecture ActivityType = "architecture"
	ActivityRefactoring  ActivityType = "refactoring"
	ActivityTesting      ActivityType = "testing"
	ActivitySecurity     ActivityType = "security"
	ActivityPerformance  ActivityType = "performance"
	ActivityDatabase     ActivityType = "database"
	ActivityAPIDesign    ActivityType = "api_design"
	ActivityDeployment   ActivityType = "deployment"
	ActivityUnknown      ActivityType = "unknown"
)

// Title renders the activity for human-facing output, e.g. "Api Design".
func (a ActivityType) Title() string {
	words := strings.Split(strings.ReplaceAll(string(a), "_", " "), " ")
	for i, w := range words {
		if w == "" {
			continue
		}
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}

// activityOrder fixes the evaluation order so score ties resolve
// deterministically to the earlier activity.
var activityOrder = []ActivityType{
	ActivityPlanning,
	ActivityCoding,
	ActivityArchitecture,
	ActivityRefactoring,
	ActivityTesting,
	ActivitySecurity,
	ActivityPerformance,
	ActivityDatabase,
	ActivityAPIDesign,
	ActivityDeployment,
}

// activityPatterns are matched against the lowercased message plus recent
// history. Every match adds 0.2 confidence for its activity, capped at 1.0.
var activityPatterns = map[ActivityType][]*regexp.Regexp{
	ActivityPlanning: compileAll(
		`\b(?:plan|planning|design|approach|strategy|outline)\b`,
		`\b(?:how to|let's|should we|going to)\b`,
		`\b(?:create|build|implement|develop)\b`,
		`\b(?:step by step|roadmap|timeline)\b`,
	),
	ActivityCoding: compileAll(
		`\b(?:code|coding|program|script|function|class|method)\b`,
		`\b(?:write|implement|create|build).*(?:code|function|class|api)\b`,
		`\b(?:python|javascript|java|go|rust|typescript|html|css)\b`,
		`\b(?:algorithm|logic|implementation)\b`,
	),
	ActivityArchitecture: compileAll(
		`\b(?:architecture|system design|microservices|monolith)\b`,
		`\b(?:database design|schema|data model)\b`,
		`\b(?:scalability|distributed|cloud)\b`,
		`\b(?:patterns|design patterns|architectural)\b`,
	),
	ActivityRefactoring: compileAll(
		`\b(?:refactor|refactoring|cleanup|optimize|improve)\b`,
		`\b(?:technical debt|code quality|maintainability)\b`,
		`\b(?:restructure|reorganize|simplify)\b`,
	),
	ActivityTesting: compileAll(
		`\b(?:test|testing|unit test|integration test|e2e)\b`,
		`\b(?:coverage|test cases|assertions)\b`,
		`\b(?:mock|stub|fixture)\b`,
	),
	ActivitySecurity: compileAll(
		`\b(?:security|authentication|authorization|encryption)\b`,
		`\b(?:vulnerability|threat|attack|exploit)\b`,
		`\b(?:oauth|jwt|ssl|tls|https)\b`,
	),
	ActivityPerformance: compileAll(
		`\b(?:performance|optimization|speed|latency|throughput)\b`,
		`\b(?:caching|memory|cpu|database query)\b`,
		`\b(?:bottleneck|profiling|benchmark)\b`,
	),
	ActivityDatabase: compileAll(
		`\b(?:database|sql|nosql|query|schema|migration)\b`,
		`\b(?:postgres|mysql|mongodb|redis)\b`,
		`\b(?:index|transaction|orm)\b`,
	),
	ActivityAPIDesign: compileAll(
		`\b(?:api|endpoint|rest|graphql|grpc)\b`,
		`\b(?:route|handler|controller|service)\b`,
		`\b(?:request|response|payload|json)\b`,
	),
	ActivityDeployment: compileAll(
		`\b(?:deploy|deployment|docker|kubernetes|ci/cd)\b`,
		`\b(?:production|staging|environment|infrastructure)\b`,
		`\b(?:pipeline|build|release)\b`,
	),
}

// domainMappings connect activities to the rule domains consulted for them.
var domainMappings = map[ActivityType][]string{
	ActivityPlanning:     {"architecture", "ai-learning"},
	ActivityCoding:       {"code-quality", "security", "performance"},
	ActivityArchitecture: {"architecture", "performance", "reliability"},
	ActivityRefactoring:  {"code-quality", "performance", "reliability"},
	ActivityTesting:      {"testing", "reliability"},
	ActivitySecurity:     {"security", "reliability"},
	ActivityPerformance:  {"performance", "architecture"},
	ActivityDatabase:     {"data", "performance", "security"},
	ActivityAPIDesign:    {"architecture", "security", "performance"},
	ActivityDeployment:   {"reliability", "security", "performance"},
}

// highImpactKeywords force activation when detected, regardless of the
// confidence threshold.
var highImpactKeywords = []string{
	"security", "authentication", "database", "production",
	"deploy", "performance", "architecture", "api",
}

func compileAll(patterns ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(patterns))
	for i, p := range patterns {
		out[i] = regexp.MustCompile(p)
	}
	return out
}

// ActivityContext is the analysis of one message in its conversation.
type ActivityContext struct {
	ActivityType     ActivityType
	Confidence       float64
	DetectedKeywords []string
	UserIntent       string
	RelevantDomains  []string
	ProjectID        string
}

// AnalyzeContext scores the message (joined with up to the last three
// history entries) against every activity's patterns and picks the highest
// scoring one. No matches at all yields ActivityUnknown at zero confidence.
func AnalyzeContext(userMessage string, history []string, projectID string) ActivityContext {
	fullContext := userMessage
	if len(history) > 0 {
		recent := history
		if len(recent) > 3 {
			recent = recent[len(recent)-3:]
		}
		fullContext = strings.Join(append(append([]string(nil), recent...), userMessage), " ")
	}
	lowered := strings.ToLower(fullContext)

	scores := make(map[ActivityType]float64)
	var detected []string
	seen := make(map[string]bool)

	for _, activity := range activityOrder {
		score := 0.0
		var keywords []string
		for _, pattern := range activityPatterns[activity] {
			matches := pattern.FindAllString(lowered, -1)
			if len(matches) > 0 {
				score += float64(len(matches)) * 0.2
				keywords = append(keywords, matches...)
			}
		}
		if score > 0 {
			scores[activity] = min(score, 1.0)
			for _, kw := range keywords {
				if !seen[kw] {
					seen[kw] = true
					detected = append(detected, kw)
				}
			}
		}
	}

	primary := ActivityUnknown
	confidence := 0.0
	for _, activity := range activityOrder {
		if score, ok := scores[activity]; ok && score > confidence {
			primary = activity
			confidence = score
		}
	}

	return ActivityContext{
		ActivityType:     primary,
		Confidence:       confidence,
		DetectedKeywords: detected,
		UserIntent:       userMessage,
		RelevantDomains:  domainMappings[primary],
		ProjectID:        projectID,
	}
}

// ShouldActivate decides whether the analysis warrants governance output:
// either a confidently detected activity, or any high-impact keyword.
func ShouldActivate(c ActivityContext) bool {
	if c.Confidence >= 0.3 && c.ActivityType != ActivityUnknown {
		return true
	}
	for _, keyword := range highImpactKeywords {
		for _, detected := range c.DetectedKeywords {
			if detected == keyword {
				return true
			}
		}
	}
	return false
}
