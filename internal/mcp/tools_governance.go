package mcp

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/neuralforge/forged/internal/domain"
	"github.com/neuralforge/forged/internal/governance"
	"github.com/neuralforge/forged/internal/governance/tokens"
	"github.com/neuralforge/forged/internal/log"
)

// toolActivateGovernance analyzes a user message for engineering activity
// and returns formatted guidance. Unlike the other tools it reports failures
// as {success:false, error} rather than the error envelope; clients treat
// the response as a conversational result, not an API error.
func (s *Server) toolActivateGovernance(ctx context.Context, req map[string]any) (map[string]any, error) {
	requestID := newRequestID()
	ts := nowStamp()
	fail := func(msg string) (map[string]any, error) {
		return map[string]any{
			"success":   false,
			"error":     msg,
			"timestamp": ts,
			"requestId": requestID,
		}, nil
	}

	userMessage, _ := asString(req["user_message"])
	if userMessage == "" {
		return fail("user_message is required")
	}

	var history []string
	if raw, ok := req["conversation_history"].([]any); ok {
		for _, item := range raw {
			if line, ok := item.(string); ok {
				history = append(history, line)
			}
		}
	}

	projectID := ""
	if raw, ok := asString(req["projectId"]); ok && strings.TrimSpace(raw) != "" {
		p, err := domain.NormalizeProjectID(raw)
		if err != nil {
			return fail(err.Error())
		}
		projectID = p
	}

	guidance := s.engine.Activate(ctx, userMessage, history, projectID)
	if truthyArg(req["force_activation"]) && guidance == "" {
		guidance = s.engine.ForceActivate(ctx, userMessage, history, projectID)
	}

	activated := guidance != ""
	result := map[string]any{
		"success":              true,
		"governance_activated": activated,
		"timestamp":            ts,
		"requestId":            requestID,
	}
	if activated {
		result["guidance"] = guidance
		result["message"] = "Neural Forge governance activated - apply these principles during planning and implementation"
	} else {
		result["guidance"] = nil
		result["message"] = "No governance activation needed for this context"
	}

	log.Info(ctx, "activate_governance completed",
		zap.String("endpoint", "activate_governance"),
		zap.Bool("success", true),
		zap.String("start_time", ts),
		zap.Bool("governance_activated", activated),
		zap.Int("message_length", len(userMessage)),
		zap.Int("history_length", len(history)),
		zap.String("requestId", requestID),
	)
	return result, nil
}

func (s *Server) toolGetActiveTokens(ctx context.Context, req map[string]any) (map[string]any, error) {
	requestID := newRequestID()
	ts := nowStamp()

	rawProject, _ := asString(req["projectId"])
	if _, err := domain.NormalizeProjectID(rawProject); err != nil {
		return badRequest(requestID, ts, err.Error()), nil
	}

	var kinds []string
	if v, present := req["kinds"]; present {
		list, ok := asStringList(v)
		if !ok {
			return badRequest(requestID, ts, "kinds must be a list of strings"), nil
		}
		kinds = list
	}

	result := s.loader.FetchTokens(kinds)
	if result == nil {
		result = []tokens.Token{}
	}

	return map[string]any{
		"requestId":     requestID,
		"serverVersion": ServerVersion,
		"tokens":        result,
		"timestamp":     ts,
	}, nil
}

func (s *Server) toolGetGovernancePolicies(ctx context.Context, req map[string]any) (map[string]any, error) {
	requestID := newRequestID()
	ts := nowStamp()

	rawProject, _ := asString(req["projectId"])
	if _, err := domain.NormalizeProjectID(rawProject); err != nil {
		return badRequest(requestID, ts, err.Error()), nil
	}

	if v, present := req["scopes"]; present {
		if _, ok := asStringList(v); !ok {
			return badRequest(requestID, ts, "scopes must be a list of strings"), nil
		}
	}

	policies, graph := s.loader.FetchPolicies()
	if policies == nil {
		policies = []tokens.Policy{}
	}
	if graph == nil {
		graph = map[string][]string{}
	}

	return map[string]any{
		"requestId":       requestID,
		"serverVersion":   ServerVersion,
		"policies":        policies,
		"resolutionGraph": graph,
		"timestamp":       ts,
	}, nil
}

// normalizeTokenIDs accepts a single id or a list and drops blanks. nil means
// no filter.
func normalizeTokenIDs(raw any) []string {
	switch v := raw.(type) {
	case string:
		if t := strings.TrimSpace(v); t != "" {
			return []string{t}
		}
		return nil
	case []any:
		var out []string
		for _, item := range v {
			if s, ok := item.(string); ok {
				if t := strings.TrimSpace(s); t != "" {
					out = append(out, t)
				}
			}
		}
		return out
	default:
		return nil
	}
}

func (s *Server) toolGetTokenMetrics(ctx context.Context, req map[string]any) (map[string]any, error) {
	requestID := newRequestID()
	ts := nowStamp()

	projectID := ""
	if raw, ok := asString(req["projectId"]); ok && strings.TrimSpace(raw) != "" {
		p, err := domain.NormalizeProjectID(raw)
		if err != nil {
			return badRequest(requestID, ts, err.Error()), nil
		}
		projectID = p
	}

	tokenIDs := normalizeTokenIDs(req["tokenIds"])

	limit := coerceInt(req["limit"], 50)
	if limit < 1 {
		limit = 1
	}
	if limit > 500 {
		limit = 500
	}
	minActivations := coerceInt(req["minActivations"], 0)
	if minActivations < 0 {
		minActivations = 0
	}

	if s.store == nil {
		return storeUnavailable(requestID, ts), nil
	}

	items, err := s.store.FetchTokenMetrics(ctx, domain.TokenMetricFilter{
		TokenIDs:       tokenIDs,
		ProjectID:      projectID,
		MinActivations: minActivations,
		Limit:          limit,
	})
	if err != nil {
		if errors.Is(err, domain.ErrDBUnavailable) {
			return storeUnavailable(requestID, ts), nil
		}
		return nil, err
	}
	if items == nil {
		items = []domain.TokenMetric{}
	}

	reportedProject := projectID
	if reportedProject == "" {
		reportedProject = domain.GlobalProject
	}
	var tokenFilter any
	if tokenIDs != nil {
		tokenFilter = tokenIDs
	}

	return map[string]any{
		"requestId":      requestID,
		"serverVersion":  ServerVersion,
		"timestamp":      ts,
		"projectId":      reportedProject,
		"minActivations": minActivations,
		"limit":          limit,
		"count":          len(items),
		"items":          items,
		"tokenIds":       tokenFilter,
	}, nil
}

// toolGetRules lists engineering rules by domain, resolved through the same
// loader and cache the governance engine uses.
func (s *Server) toolGetRules(ctx context.Context, req map[string]any) (map[string]any, error) {
	requestID := newRequestID()
	ts := nowStamp()
	bad := func(msg string) (map[string]any, error) {
		return badRequest(requestID, ts, msg), nil
	}

	if raw, ok := asString(req["projectId"]); ok && strings.TrimSpace(raw) != "" {
		if _, err := domain.NormalizeProjectID(raw); err != nil {
			return bad(err.Error())
		}
	}

	var domains []string
	if v, present := req["domains"]; present {
		list, ok := asStringList(v)
		if !ok {
			return bad("domains must be a list of strings")
		}
		domains = list
	}

	limit := 50
	if v, present := req["limit"]; present {
		n, ok := intArg(v)
		if !ok {
			return bad("limit must be an integer")
		}
		limit = n
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	rules := s.engine.RulesForDomains(ctx, domains, limit)
	if rules == nil {
		rules = []governance.Rule{}
	}

	return map[string]any{
		"requestId":     requestID,
		"serverVersion": ServerVersion,
		"rules":         rules,
		"count":         len(rules),
		"timestamp":     ts,
	}, nil
}
