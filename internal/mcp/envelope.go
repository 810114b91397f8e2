package mcp

import (
	"time"

	"github.com/google/uuid"
)

// ServerVersion is reported in every tool envelope, the health endpoint, and
// the MCP initialize handshake.
const ServerVersion = "1.3.0"

// Error codes carried in tool envelopes and HTTP error details.
const (
	codeBadRequest    = "ERR.BAD_REQUEST"
	codeNotFound      = "ERR.NOT_FOUND"
	codeDBUnavailable = "ERR.DB_UNAVAILABLE"
	codeUnauthorized  = "ERR.UNAUTHORIZED"
	codeForbidden     = "ERR.FORBIDDEN"
	codeUnavailable   = "ERR.UNAVAILABLE"
)

// timeLayout renders UTC instants with microsecond precision and a literal
// "Z" suffix, e.g. 2026-08-25T12:34:56.123456Z.
const timeLayout = "2006-01-02T15:04:05.000000Z07:00"

func nowStamp() string {
	return time.Now().UTC().Format(timeLayout)
}

func stamp(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func newRequestID() string {
	return uuid.NewString()
}

// toolError builds the in-envelope failure shape shared by every tool: the
// HTTP status stays 200 and the error rides inside the envelope.
func toolError(requestID, ts, code, message string) map[string]any {
	return map[string]any{
		"error":         map[string]any{"code": code, "message": message},
		"requestId":     requestID,
		"serverVersion": ServerVersion,
		"timestamp":     ts,
	}
}

func badRequest(requestID, ts, message string) map[string]any {
	return toolError(requestID, ts, codeBadRequest, message)
}

func storeUnavailable(requestID, ts string) map[string]any {
	return toolError(requestID, ts, codeDBUnavailable, "DATABASE_URL not configured")
}
