package mcp

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/neuralforge/forged/internal/config"
	"github.com/neuralforge/forged/internal/domain"
	"github.com/neuralforge/forged/internal/log"
	"github.com/neuralforge/forged/internal/metrics"
)

// dbBackend names the only persistence backend in admin and health payloads.
const dbBackend = "postgresql"

// queryInt parses an integer query parameter, falling back to def when the
// parameter is absent or malformed.
func queryInt(r *http.Request, name string, def int) int {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

// queryBool treats 1, true, on and yes (case-insensitive) as true.
func queryBool(r *http.Request, name string) bool {
	switch strings.ToLower(strings.TrimSpace(r.URL.Query().Get(name))) {
	case "1", "true", "on", "yes":
		return true
	}
	return false
}

// adminProject normalizes an optional projectId query parameter. Absent or
// blank means unscoped.
func adminProject(r *http.Request) (string, error) {
	raw := r.URL.Query().Get("projectId")
	if strings.TrimSpace(raw) == "" {
		return "", nil
	}
	return domain.NormalizeProjectID(raw)
}

func strOrNil(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func (s *Server) adminBadRequest(w http.ResponseWriter, r *http.Request, endpoint string, err error) {
	metrics.RequestError(endpoint, "400")
	log.Error(r.Context(), endpoint+"_http_error", zap.Int("status_code", http.StatusBadRequest))
	httpError(w, http.StatusBadRequest, "ERR.BAD_REQUEST: "+err.Error())
}

// adminUnavailable answers 503 and reports true when no store is configured.
func (s *Server) adminUnavailable(w http.ResponseWriter, r *http.Request, endpoint string) bool {
	if s.store != nil {
		return false
	}
	metrics.RequestError(endpoint, "503")
	log.Error(r.Context(), endpoint+"_http_error", zap.Int("status_code", http.StatusServiceUnavailable))
	httpError(w, http.StatusServiceUnavailable, "ERR.DB_UNAVAILABLE: DATABASE_URL not configured")
	return true
}

func (s *Server) adminError(w http.ResponseWriter, r *http.Request, endpoint string, err error) {
	metrics.RequestError(endpoint, "500")
	log.Error(r.Context(), endpoint+"_exception", zap.Error(err))
	httpError(w, http.StatusInternalServerError, "ERR.UNAVAILABLE: "+err.Error())
}

func (s *Server) handleAdminStats(w http.ResponseWriter, r *http.Request) {
	const endpoint = "admin_stats"
	metrics.RequestCounted(endpoint)

	projectID, err := adminProject(r)
	if err != nil {
		s.adminBadRequest(w, r, endpoint, err)
		return
	}
	if s.adminUnavailable(w, r, endpoint) {
		return
	}

	stats, err := s.store.Stats(r.Context(), projectID)
	if err != nil {
		s.adminError(w, r, endpoint, err)
		return
	}

	log.Info(r.Context(), endpoint,
		zap.String("backend", dbBackend),
		zap.String("projectId", projectID),
		zap.String("status", "ok"),
	)
	writeJSON(w, http.StatusOK, map[string]any{
		"serverVersion": ServerVersion,
		"timestamp":     nowStamp(),
		"db":            map[string]any{"backend": dbBackend},
		"counts":        stats,
	})
}

func (s *Server) handleAdminMemoryMeta(w http.ResponseWriter, r *http.Request) {
	const endpoint = "admin_memory_meta"
	metrics.RequestCounted(endpoint)

	projectID, err := adminProject(r)
	if err != nil {
		s.adminBadRequest(w, r, endpoint, err)
		return
	}
	if s.adminUnavailable(w, r, endpoint) {
		return
	}

	limit := queryInt(r, "limit", 100)
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	offset := queryInt(r, "offset", 0)
	if offset < 0 {
		offset = 0
	}

	items, err := s.store.ListMemoryMeta(r.Context(), domain.MemoryMetaFilter{
		ProjectID:       projectID,
		QuarantinedOnly: queryBool(r, "quarantinedOnly"),
		Limit:           limit,
		Offset:          offset,
	})
	if err != nil {
		s.adminError(w, r, endpoint, err)
		return
	}
	if items == nil {
		items = []domain.MemoryMeta{}
	}

	log.Info(r.Context(), endpoint,
		zap.String("backend", dbBackend),
		zap.String("projectId", projectID),
		zap.Int("count", len(items)),
	)
	writeJSON(w, http.StatusOK, map[string]any{
		"serverVersion": ServerVersion,
		"timestamp":     nowStamp(),
		"db":            map[string]any{"backend": dbBackend},
		"items":         items,
		"count":         len(items),
		"limit":         limit,
		"offset":        offset,
	})
}

// handleAdminWatchdogScan runs one manual watchdog pass with the same
// semantics as the periodic loop. Unspecified knobs fall back to the current
// watchdog configuration, re-read per request.
func (s *Server) handleAdminWatchdogScan(w http.ResponseWriter, r *http.Request) {
	const endpoint = "admin_watchdog_scan"
	metrics.RequestCounted(endpoint)

	projectID, err := adminProject(r)
	if err != nil {
		s.adminBadRequest(w, r, endpoint, err)
		return
	}
	if s.adminUnavailable(w, r, endpoint) {
		return
	}

	wd := config.Watchdog()
	action := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("action")))
	if action == "" {
		action = wd.Action
	}
	if action != "fail" {
		action = "requeue"
	}
	ttl := queryInt(r, "ttlSeconds", wd.TTLSeconds)
	if ttl <= 0 {
		ttl = wd.TTLSeconds
	}
	limit := queryInt(r, "limit", wd.BatchLimit)
	if limit <= 0 {
		limit = wd.BatchLimit
	}
	if projectID == "" {
		projectID = wd.ProjectID
	}

	start := time.Now()
	params := domain.StaleParams{TTLSeconds: ttl, Limit: limit, ProjectID: projectID}

	var affected int
	if action == "fail" {
		affected, err = s.store.FailStaleInProgress(r.Context(), params, "manual_admin")
	} else {
		affected, err = s.store.RequeueStaleInProgress(r.Context(), params)
	}
	if err != nil {
		metrics.WatchdogError(action)
		s.adminError(w, r, endpoint, err)
		return
	}

	elapsed := time.Since(start)
	metrics.WatchdogScan(action)
	metrics.WatchdogScanDuration(action, elapsed.Seconds())
	outcome := "none"
	if affected > 0 {
		outcome = "ok"
	}
	metrics.WatchdogAction(action, outcome)

	log.Info(r.Context(), endpoint,
		zap.String("action", action),
		zap.Int("ttlSeconds", ttl),
		zap.Int("limit", limit),
		zap.Int("affected", affected),
		zap.String("projectId", projectID),
		zap.Int64("durationMs", elapsed.Milliseconds()),
	)
	writeJSON(w, http.StatusOK, map[string]any{
		"serverVersion": ServerVersion,
		"status":        "ok",
		"action":        action,
		"ttlSeconds":    ttl,
		"limit":         limit,
		"projectId":     strOrNil(projectID),
		"affected":      affected,
		"durationMs":    elapsed.Milliseconds(),
	})
}

// handleAdminWatchdogPreview reports what a scan would touch without
// mutating anything: the full stale count plus a bounded sample.
func (s *Server) handleAdminWatchdogPreview(w http.ResponseWriter, r *http.Request) {
	const endpoint = "admin_watchdog_preview"
	metrics.RequestCounted(endpoint)

	projectID, err := adminProject(r)
	if err != nil {
		s.adminBadRequest(w, r, endpoint, err)
		return
	}
	if s.adminUnavailable(w, r, endpoint) {
		return
	}

	wd := config.Watchdog()
	ttl := queryInt(r, "ttlSeconds", wd.TTLSeconds)
	if ttl <= 0 {
		ttl = wd.TTLSeconds
	}
	limit := queryInt(r, "limit", wd.BatchLimit)
	if limit <= 0 {
		limit = wd.BatchLimit
	}
	if projectID == "" {
		projectID = wd.ProjectID
	}

	count, err := s.store.CountStaleInProgress(r.Context(), ttl, projectID)
	if err != nil {
		s.adminError(w, r, endpoint, err)
		return
	}
	items, err := s.store.ListStaleInProgress(r.Context(), domain.StaleParams{
		TTLSeconds: ttl,
		Limit:      limit,
		ProjectID:  projectID,
	})
	if err != nil {
		s.adminError(w, r, endpoint, err)
		return
	}
	if items == nil {
		items = []domain.StaleTask{}
	}

	log.Info(r.Context(), endpoint,
		zap.Int("ttlSeconds", ttl),
		zap.Int("limit", limit),
		zap.String("projectId", projectID),
		zap.Int("count", count),
		zap.Int("sampleCount", len(items)),
	)
	writeJSON(w, http.StatusOK, map[string]any{
		"serverVersion": ServerVersion,
		"status":        "ok",
		"ttlSeconds":    ttl,
		"limit":         limit,
		"projectId":     strOrNil(projectID),
		"count":         count,
		"items":         items,
	})
}

func (s *Server) handleAdminTokenMetrics(w http.ResponseWriter, r *http.Request) {
	const endpoint = "admin_token_metrics"
	metrics.RequestCounted(endpoint)

	projectID, err := adminProject(r)
	if err != nil {
		s.adminBadRequest(w, r, endpoint, err)
		return
	}
	if s.adminUnavailable(w, r, endpoint) {
		return
	}

	limit := queryInt(r, "limit", 50)
	if limit < 1 {
		limit = 1
	} else if limit > 500 {
		limit = 500
	}
	minActivations := queryInt(r, "minActivations", 0)
	if minActivations < 0 {
		minActivations = 0
	}

	// tokenIds stays null in the response when the parameter was never
	// supplied, and an empty list when supplied but blank.
	var tokenIDs []string
	if values, ok := r.URL.Query()["tokenId"]; ok {
		tokenIDs = []string{}
		for _, v := range values {
			if t := strings.TrimSpace(v); t != "" {
				tokenIDs = append(tokenIDs, t)
			}
		}
	}

	items, err := s.store.FetchTokenMetrics(r.Context(), domain.TokenMetricFilter{
		TokenIDs:       tokenIDs,
		ProjectID:      projectID,
		MinActivations: minActivations,
		Limit:          limit,
	})
	if err != nil {
		s.adminError(w, r, endpoint, err)
		return
	}
	if items == nil {
		items = []domain.TokenMetric{}
	}

	reported := domain.ProjectOrGlobal(projectID)
	log.Info(r.Context(), endpoint,
		zap.String("projectId", reported),
		zap.Int("count", len(items)),
		zap.Int("minActivations", minActivations),
		zap.Int("limit", limit),
	)
	writeJSON(w, http.StatusOK, map[string]any{
		"serverVersion":  ServerVersion,
		"timestamp":      nowStamp(),
		"projectId":      reported,
		"minActivations": minActivations,
		"limit":          limit,
		"count":          len(items),
		"items":          items,
		"tokenIds":       tokenIDs,
	})
}
