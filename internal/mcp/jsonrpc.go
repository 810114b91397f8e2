package mcp

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/neuralforge/forged/internal/log"
)

// handleRPC processes one JSON-RPC message and returns the response bytes.
// Notifications (no id, or id null) are handled without a response.
func (s *Server) handleRPC(ctx context.Context, body []byte) []byte {
	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		data, _ := json.Marshal(NewErrorResponse(nil, NewParseError(err.Error())))
		return data
	}

	if len(req.ID) > 0 && string(req.ID) != "null" {
		var result any
		var rpcErr *RPCError

		switch req.Method {
		case "initialize":
			result = initializeResult()
		case "tools/list":
			result = ToolsListResult{Tools: toolCatalog}
		case "tools/call":
			result, rpcErr = s.handleToolsCall(ctx, req.Params)
		case "ping":
			result = struct{}{}
		default:
			rpcErr = NewMethodNotFound(req.Method)
		}

		var resp *Response
		if rpcErr != nil {
			resp = NewErrorResponse(req.ID, rpcErr)
		} else {
			resp = NewResponse(req.ID, result)
		}
		data, _ := json.Marshal(resp)
		return data
	}

	s.handleNotification(ctx, &req)
	return []byte("{}")
}

func initializeResult() InitializeResult {
	return InitializeResult{
		ProtocolVersion: ProtocolVersion,
		Capabilities: ServerCapability{
			Tools:   &ToolsCapability{},
			Logging: &LoggingCapability{},
		},
		ServerInfo: ImplementationInfo{
			Name:    "neural-forge-mcp",
			Version: ServerVersion,
		},
	}
}

// handleToolsCall invokes a registered tool and wraps its envelope as MCP
// text content. Handler failures surface as internal errors so RPC clients
// see them; in-envelope tool errors pass through as normal results.
func (s *Server) handleToolsCall(ctx context.Context, params json.RawMessage) (any, *RPCError) {
	var p ToolCallParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, NewInvalidParams(err.Error())
	}

	s.mu.RLock()
	handler, ok := s.handlers[p.Name]
	s.mu.RUnlock()
	if !ok {
		return nil, NewToolNotFound(p.Name)
	}

	args := map[string]any{}
	if len(p.Arguments) > 0 {
		if err := json.Unmarshal(p.Arguments, &args); err != nil {
			return nil, NewInvalidParams(err.Error())
		}
	}

	result, err := handler(ctx, args)
	if err != nil {
		return nil, NewInternalError(err.Error())
	}

	text, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return nil, NewInternalError(err.Error())
	}
	return &ToolCallResult{Content: []ContentItem{TextContent(string(text))}}, nil
}

// handleNotification processes a JSON-RPC notification (no response needed).
func (s *Server) handleNotification(ctx context.Context, req *Request) {
	switch req.Method {
	case "notifications/initialized":
		s.mu.Lock()
		s.initialized = true
		s.mu.Unlock()
		log.Debug(ctx, "mcp.client_initialized")
	case "notifications/cancelled":
		log.Debug(ctx, "mcp.request_cancelled")
	default:
		// Unknown notifications are ignored per the protocol.
		log.Debug(ctx, "mcp.notification_ignored", zap.String("method", req.Method))
	}
}

func f64(v float64) *float64 { return &v }

// toolCatalog is the static tools/list payload advertised to MCP clients.
// Schemas describe the client-facing surface; the REST handlers accept a
// superset and do their own validation.
var toolCatalog = []Tool{
	{
		Name:        "activate_governance",
		Description: "Activate pre-action governance analysis for AI planning/coding activities",
		InputSchema: &InputSchema{
			Type: "object",
			Properties: map[string]*PropertySchema{
				"user_message":         {Type: "string"},
				"conversation_history": {Type: "array", Items: &PropertySchema{Type: "string"}},
				"force_activation":     {Type: "boolean"},
			},
			Required: []string{"user_message"},
		},
	},
	{
		Name:        "add_memory",
		Description: "Add a new memory item",
		InputSchema: &InputSchema{
			Type: "object",
			Properties: map[string]*PropertySchema{
				"projectId": {Type: "string"},
				"content":   {Type: "string"},
				"tags":      {Type: "array", Items: &PropertySchema{Type: "string"}},
				"metadata":  {Type: "object"},
			},
			Required: []string{"projectId", "content"},
		},
	},
	{
		Name:        "ingest_event",
		Description: "Ingest a conversation message event and publish to internal EventBus",
		InputSchema: &InputSchema{
			Type: "object",
			Properties: map[string]*PropertySchema{
				"type":      {Type: "string", Enum: []string{"conversation.message"}},
				"projectId": {Type: "string"},
				"role":      {Type: "string"},
				"content":   {Type: "string"},
			},
			Required: []string{"type", "projectId", "content"},
		},
	},
	{
		Name:        "get_memory",
		Description: "Retrieve a memory item by ID",
		InputSchema: &InputSchema{
			Type: "object",
			Properties: map[string]*PropertySchema{
				"id": {Type: "string"},
			},
			Required: []string{"id"},
		},
	},
	{
		Name:        "search_memory",
		Description: "Search memory items",
		InputSchema: &InputSchema{
			Type: "object",
			Properties: map[string]*PropertySchema{
				"projectId": {Type: "string"},
				"query":     {Type: "string"},
				"limit":     {Type: "integer"},
			},
			Required: []string{"projectId", "query"},
		},
	},
	{
		Name:        "get_governance_policies",
		Description: "Get Neural Forge governance policies",
		InputSchema: &InputSchema{
			Type: "object",
			Properties: map[string]*PropertySchema{
				"projectId": {Type: "string"},
			},
			Required: []string{"projectId"},
		},
	},
	{
		Name:        "get_active_tokens",
		Description: "Get active Neural Forge tokens",
		InputSchema: &InputSchema{
			Type: "object",
			Properties: map[string]*PropertySchema{
				"projectId": {Type: "string"},
			},
			Required: []string{"projectId"},
		},
	},
	{
		Name:        "get_token_metrics",
		Description: "Inspect historical governance token effectiveness metrics",
		InputSchema: &InputSchema{
			Type: "object",
			Properties: map[string]*PropertySchema{
				"projectId":      {Type: "string"},
				"tokenIds":       {Type: "array", Items: &PropertySchema{Type: "string"}},
				"minActivations": {Type: "integer"},
				"limit":          {Type: "integer"},
			},
		},
	},
	{
		Name:        "get_rules",
		Description: "Get Neural Forge engineering rules",
		InputSchema: &InputSchema{
			Type: "object",
			Properties: map[string]*PropertySchema{
				"projectId": {Type: "string"},
			},
			Required: []string{"projectId"},
		},
	},
	{
		Name:        "enqueue_task",
		Description: "Enqueue a new task for planning",
		InputSchema: &InputSchema{
			Type: "object",
			Properties: map[string]*PropertySchema{
				"projectId":   {Type: "string"},
				"taskType":    {Type: "string"},
				"description": {Type: "string"},
				"priority":    {Type: "string", Enum: []string{"low", "medium", "high"}},
				"metadata":    {Type: "object"},
			},
			Required: []string{"projectId", "taskType", "description"},
		},
	},
	{
		Name:        "get_next_task",
		Description: "Get the next task from the queue",
		InputSchema: &InputSchema{
			Type: "object",
			Properties: map[string]*PropertySchema{
				"projectId": {Type: "string"},
			},
			Required: []string{"projectId"},
		},
	},
	{
		Name:        "update_task_status",
		Description: "Update task status and progress",
		InputSchema: &InputSchema{
			Type: "object",
			Properties: map[string]*PropertySchema{
				"taskId":   {Type: "string"},
				"status":   {Type: "string", Enum: []string{"pending", "in_progress", "completed", "failed"}},
				"progress": {Type: "number", Minimum: f64(0), Maximum: f64(100)},
				"notes":    {Type: "string"},
			},
			Required: []string{"taskId", "status"},
		},
	},
	{
		Name:        "save_diff",
		Description: "Save code diff for tracking changes",
		InputSchema: &InputSchema{
			Type: "object",
			Properties: map[string]*PropertySchema{
				"projectId":   {Type: "string"},
				"filePath":    {Type: "string"},
				"diff":        {Type: "string"},
				"description": {Type: "string"},
				"metadata":    {Type: "object"},
			},
			Required: []string{"projectId", "filePath", "diff"},
		},
	},
	{
		Name:        "list_recent",
		Description: "List recent diffs and changes",
		InputSchema: &InputSchema{
			Type: "object",
			Properties: map[string]*PropertySchema{
				"projectId": {Type: "string"},
				"limit":     {Type: "integer", Minimum: f64(1), Maximum: f64(100)},
			},
			Required: []string{"projectId"},
		},
	},
	{
		Name:        "log_error",
		Description: "Log error for debugging and monitoring",
		InputSchema: &InputSchema{
			Type: "object",
			Properties: map[string]*PropertySchema{
				"projectId": {Type: "string"},
				"level":     {Type: "string", Enum: []string{"debug", "info", "warning", "error", "critical"}},
				"message":   {Type: "string"},
				"context":   {Type: "object"},
			},
			Required: []string{"projectId", "level", "message"},
		},
	},
}
