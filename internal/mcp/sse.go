package mcp

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/neuralforge/forged/internal/log"
)

const heartbeatInterval = 10 * time.Second

// handleSSE opens the MCP event stream: a ready event on connect, then a
// heartbeat every ten seconds until the client goes away.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		httpError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	fmt.Fprint(w, "event: ready\ndata: {}\n\n")
	flusher.Flush()
	log.Debug(r.Context(), "mcp.sse_connected")

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			log.Debug(r.Context(), "mcp.sse_disconnected")
			return
		case <-ticker.C:
			fmt.Fprint(w, "event: heartbeat\ndata: {}\n\n")
			flusher.Flush()
		}
	}
}

// handleSSEPost accepts one JSON-RPC message and returns the response body
// directly. Streaming clients post here while holding the GET stream open.
func (s *Server) handleSSEPost(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		httpError(w, http.StatusBadRequest, "unable to read request body")
		return
	}

	resp := s.handleRPC(r.Context(), body)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(resp)
}
