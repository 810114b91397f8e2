package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/neuralforge/forged/internal/bus"
	"github.com/neuralforge/forged/internal/config"
	"github.com/neuralforge/forged/internal/domain"
	"github.com/neuralforge/forged/internal/governance"
	"github.com/neuralforge/forged/internal/governance/tokens"
)

const testToken = "unit-test-token"

var errTestBoom = errors.New("boom")

// fakeStore is an in-memory Store covering every operation the handlers
// reach. Setting failWith makes all operations return that error.
type fakeStore struct {
	domain.Store

	mu       sync.Mutex
	failWith error
	pingErr  error

	memOrder []string
	memories map[string]domain.MemoryEntry
	embeds   map[string][]float32

	taskOrder []string
	tasks     map[string]*domain.Task

	diffs []domain.Diff
	errs  []domain.ErrorRecord

	metricRows []domain.TokenMetric

	stale         []domain.StaleTask
	staleAffected int
	lastStale     domain.StaleParams
	lastReason    string
	lastAction    string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		memories: make(map[string]domain.MemoryEntry),
		embeds:   make(map[string][]float32),
		tasks:    make(map[string]*domain.Task),
	}
}

func (f *fakeStore) AddMemory(_ context.Context, entry domain.MemoryEntry, embedding []float32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return f.failWith
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	f.memories[entry.ID] = entry
	f.memOrder = append(f.memOrder, entry.ID)
	if embedding != nil {
		f.embeds[entry.ID] = embedding
	}
	return nil
}

func (f *fakeStore) GetMemory(_ context.Context, id string) (*domain.MemoryEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return nil, f.failWith
	}
	entry, ok := f.memories[id]
	if !ok {
		return nil, &domain.NotFoundError{Entity: "memory", ID: id}
	}
	out := entry
	return &out, nil
}

func (f *fakeStore) SearchMemory(_ context.Context, p domain.SearchParams) ([]domain.MemoryEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return nil, f.failWith
	}
	var out []domain.MemoryEntry
	for i := len(f.memOrder) - 1; i >= 0 && len(out) < p.Limit; i-- {
		entry := f.memories[f.memOrder[i]]
		if p.ProjectID != "" && entry.ProjectID != p.ProjectID {
			continue
		}
		if entry.Quarantined && !p.IncludeQuarantined {
			continue
		}
		if !strings.Contains(entry.Content, p.Query) {
			continue
		}
		out = append(out, entry)
	}
	return out, nil
}

func (f *fakeStore) SemanticSearchMemory(_ context.Context, p domain.SemanticSearchParams) ([]domain.MemoryEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return nil, f.failWith
	}
	var out []domain.MemoryEntry
	for i := len(f.memOrder) - 1; i >= 0 && len(out) < p.K; i-- {
		id := f.memOrder[i]
		if _, ok := f.embeds[id]; !ok {
			continue
		}
		entry := f.memories[id]
		if p.ProjectID != "" && entry.ProjectID != p.ProjectID {
			continue
		}
		if entry.Quarantined && !p.IncludeQuarantined {
			continue
		}
		out = append(out, entry)
	}
	return out, nil
}

func (f *fakeStore) EnqueueTask(_ context.Context, id, projectID string, payload map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return f.failWith
	}
	f.tasks[id] = &domain.Task{
		ID:        id,
		ProjectID: projectID,
		Status:    domain.TaskQueued,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}
	f.taskOrder = append(f.taskOrder, id)
	return nil
}

func (f *fakeStore) ClaimNextTask(_ context.Context, projectID string) (*domain.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return nil, f.failWith
	}
	for _, id := range f.taskOrder {
		task := f.tasks[id]
		if task.Status != domain.TaskQueued {
			continue
		}
		if projectID != "" && task.ProjectID != projectID {
			continue
		}
		now := time.Now().UTC()
		task.Status = domain.TaskInProgress
		task.UpdatedAt = &now
		out := *task
		return &out, nil
	}
	return nil, nil
}

func (f *fakeStore) UpdateTaskStatus(_ context.Context, id string, status domain.TaskStatus, result map[string]any) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return false, f.failWith
	}
	task, ok := f.tasks[id]
	if !ok {
		return false, nil
	}
	now := time.Now().UTC()
	task.Status = status
	task.Result = result
	task.UpdatedAt = &now
	return true, nil
}

func (f *fakeStore) SaveDiff(_ context.Context, d domain.Diff) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return f.failWith
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	f.diffs = append(f.diffs, d)
	return nil
}

func (f *fakeStore) ListRecentDiffs(_ context.Context, projectID string, limit int) ([]domain.Diff, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return nil, f.failWith
	}
	var out []domain.Diff
	for i := len(f.diffs) - 1; i >= 0 && len(out) < limit; i-- {
		d := f.diffs[i]
		if projectID != "" && d.ProjectID != projectID {
			continue
		}
		d.Diff = "" // listings are metadata only
		out = append(out, d)
	}
	return out, nil
}

func (f *fakeStore) LogError(_ context.Context, rec domain.ErrorRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return f.failWith
	}
	f.errs = append(f.errs, rec)
	return nil
}

func (f *fakeStore) CountStaleInProgress(_ context.Context, _ int, _ string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return 0, f.failWith
	}
	return len(f.stale), nil
}

func (f *fakeStore) ListStaleInProgress(_ context.Context, p domain.StaleParams) ([]domain.StaleTask, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return nil, f.failWith
	}
	out := append([]domain.StaleTask(nil), f.stale...)
	if p.Limit > 0 && len(out) > p.Limit {
		out = out[:p.Limit]
	}
	return out, nil
}

func (f *fakeStore) RequeueStaleInProgress(_ context.Context, p domain.StaleParams) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return 0, f.failWith
	}
	f.lastAction = "requeue"
	f.lastStale = p
	return f.staleAffected, nil
}

func (f *fakeStore) FailStaleInProgress(_ context.Context, p domain.StaleParams, reason string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return 0, f.failWith
	}
	f.lastAction = "fail"
	f.lastStale = p
	f.lastReason = reason
	return f.staleAffected, nil
}

func (f *fakeStore) RecordTokenMetric(_ context.Context, tokenID, projectID string, sample float64, appliedAt time.Time) (*domain.TokenMetric, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return nil, f.failWith
	}
	project := domain.ProjectOrGlobal(projectID)
	for i := range f.metricRows {
		row := &f.metricRows[i]
		if row.TokenID == tokenID && row.ProjectID == project {
			row.EffectivenessScore = (row.EffectivenessScore*float64(row.ActivationCount) + sample) / float64(row.ActivationCount+1)
			row.ActivationCount++
			row.LastAppliedAt = &appliedAt
			row.UpdatedAt = appliedAt
			out := *row
			return &out, nil
		}
	}
	row := domain.TokenMetric{
		TokenID:            tokenID,
		ProjectID:          project,
		ActivationCount:    1,
		EffectivenessScore: sample,
		LastAppliedAt:      &appliedAt,
		CreatedAt:          appliedAt,
		UpdatedAt:          appliedAt,
	}
	f.metricRows = append(f.metricRows, row)
	out := row
	return &out, nil
}

func (f *fakeStore) FetchTokenMetrics(_ context.Context, filter domain.TokenMetricFilter) ([]domain.TokenMetric, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return nil, f.failWith
	}
	var out []domain.TokenMetric
	for _, row := range f.metricRows {
		if len(filter.TokenIDs) > 0 && !contains(filter.TokenIDs, row.TokenID) {
			continue
		}
		if filter.ProjectID != "" && row.ProjectID != filter.ProjectID {
			continue
		}
		if row.ActivationCount < filter.MinActivations {
			continue
		}
		out = append(out, row)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func (f *fakeStore) Stats(_ context.Context, projectID string) (*domain.Stats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return nil, f.failWith
	}
	stats := &domain.Stats{}
	for _, entry := range f.memories {
		if projectID == "" || entry.ProjectID == projectID {
			stats.MemoryEntries++
		}
	}
	for _, d := range f.diffs {
		if projectID == "" || d.ProjectID == projectID {
			stats.Diffs++
		}
	}
	for _, rec := range f.errs {
		if projectID == "" || rec.ProjectID == projectID {
			stats.Errors++
		}
	}
	for _, task := range f.tasks {
		if projectID != "" && task.ProjectID != projectID {
			continue
		}
		stats.Tasks.Total++
		switch task.Status {
		case domain.TaskQueued:
			stats.Tasks.Queued++
		case domain.TaskInProgress:
			stats.Tasks.InProgress++
		case domain.TaskDone:
			stats.Tasks.Done++
		case domain.TaskFailed:
			stats.Tasks.Failed++
		}
	}
	return stats, nil
}

func (f *fakeStore) ListMemoryMeta(_ context.Context, filter domain.MemoryMetaFilter) ([]domain.MemoryMeta, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return nil, f.failWith
	}
	var all []domain.MemoryMeta
	for i := len(f.memOrder) - 1; i >= 0; i-- {
		entry := f.memories[f.memOrder[i]]
		if filter.ProjectID != "" && entry.ProjectID != filter.ProjectID {
			continue
		}
		if filter.QuarantinedOnly && !entry.Quarantined {
			continue
		}
		all = append(all, domain.MemoryMeta{
			ID:          entry.ID,
			ProjectID:   entry.ProjectID,
			Quarantined: entry.Quarantined,
			CreatedAt:   entry.CreatedAt,
			Size:        len(entry.Content),
		})
	}
	if filter.Offset >= len(all) {
		return nil, nil
	}
	all = all[filter.Offset:]
	if filter.Limit > 0 && len(all) > filter.Limit {
		all = all[:filter.Limit]
	}
	return all, nil
}

func (f *fakeStore) Ping(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pingErr
}

func (f *fakeStore) Close() {}

type testServer struct {
	srv    *Server
	mux    *http.ServeMux
	store  *fakeStore
	memory string // loader root, for seeding token and policy files
}

// newCustomServer wires a Server with a fake store and an empty token
// loader. Pass a nil store to simulate a missing DATABASE_URL; tweak mutates
// the options before construction.
func newCustomServer(t *testing.T, store *fakeStore, tweak func(*Options)) *testServer {
	t.Helper()
	cfg := config.Defaults()
	cfg.Auth.Token = testToken

	memory := filepath.Join(t.TempDir(), "memory")
	loader := tokens.NewLoader(memory)
	var ds domain.Store
	if store != nil {
		ds = store
	}
	opts := Options{
		Config: cfg,
		Store:  ds,
		Bus:    bus.New(),
		Engine: governance.NewEngine(ds, loader),
		Loader: loader,
	}
	if tweak != nil {
		tweak(&opts)
	}
	srv := NewServer(opts)
	return &testServer{srv: srv, mux: srv.Routes(), store: store, memory: memory}
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	return newCustomServer(t, newFakeStore(), nil)
}

func (ts *testServer) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	ts.mux.ServeHTTP(w, req)
	return w
}

func (ts *testServer) postTool(t *testing.T, name, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/tool/"+name, strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+testToken)
	return ts.do(t, req)
}

// callTool runs one tool over REST and decodes the envelope, requiring
// HTTP 200 (tool-level failures still answer 200).
func (ts *testServer) callTool(t *testing.T, name string, args map[string]any) map[string]any {
	t.Helper()
	data, err := json.Marshal(args)
	require.NoError(t, err)
	w := ts.postTool(t, name, string(data))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	return decodeBody(t, w)
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func envelopeError(t *testing.T, body map[string]any) map[string]any {
	t.Helper()
	obj, ok := body["error"].(map[string]any)
	require.True(t, ok, "expected error envelope, got %v", body)
	require.NotEmpty(t, body["requestId"])
	require.Equal(t, ServerVersion, body["serverVersion"])
	require.NotEmpty(t, body["timestamp"])
	return obj
}

func requireBadRequest(t *testing.T, body map[string]any, message string) {
	t.Helper()
	obj := envelopeError(t, body)
	require.Equal(t, "ERR.BAD_REQUEST", obj["code"])
	require.Equal(t, message, obj["message"])
}

func requireDetail(t *testing.T, w *httptest.ResponseRecorder, status int, detail string) {
	t.Helper()
	require.Equal(t, status, w.Code, w.Body.String())
	body := decodeBody(t, w)
	require.Equal(t, detail, body["detail"])
}

func TestServer_AuthMissingToken(t *testing.T) {
	ts := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/tool/get_memory", strings.NewReader("{}"))
	requireDetail(t, ts.do(t, req), http.StatusUnauthorized, "ERR.UNAUTHORIZED")
}

func TestServer_AuthWrongToken(t *testing.T) {
	ts := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/tool/get_memory", strings.NewReader("{}"))
	req.Header.Set("Authorization", "Bearer wrong-token")
	requireDetail(t, ts.do(t, req), http.StatusForbidden, "ERR.FORBIDDEN")
}

func TestServer_AuthBearerPrefixIsCaseSensitive(t *testing.T) {
	ts := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/tool/get_memory", strings.NewReader("{}"))
	req.Header.Set("Authorization", "bearer "+testToken)
	requireDetail(t, ts.do(t, req), http.StatusUnauthorized, "ERR.UNAUTHORIZED")
}

func TestServer_AuthQueryTokenDisabledByDefault(t *testing.T) {
	ts := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/tool/get_memory?token="+testToken, strings.NewReader("{}"))
	requireDetail(t, ts.do(t, req), http.StatusUnauthorized, "ERR.UNAUTHORIZED")
}

func TestServer_AuthQueryTokenWhenEnabled(t *testing.T) {
	ts := newCustomServer(t, newFakeStore(), func(o *Options) {
		o.Config.Auth.AllowQueryToken = true
	})
	req := httptest.NewRequest(http.MethodPost, "/tool/get_rules?token="+testToken, strings.NewReader("{}"))
	w := ts.do(t, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func TestServer_AuthQueryTokenNeverOverridesBearer(t *testing.T) {
	ts := newCustomServer(t, newFakeStore(), func(o *Options) {
		o.Config.Auth.AllowQueryToken = true
	})
	// A wrong bearer token fails even when the query token is right.
	req := httptest.NewRequest(http.MethodPost, "/tool/get_rules?token="+testToken, strings.NewReader("{}"))
	req.Header.Set("Authorization", "Bearer wrong-token")
	requireDetail(t, ts.do(t, req), http.StatusForbidden, "ERR.FORBIDDEN")
}

func TestServer_UnknownToolAnswers404(t *testing.T) {
	ts := newTestServer(t)
	requireDetail(t, ts.postTool(t, "no_such_tool", "{}"), http.StatusNotFound, "ERR.NOT_FOUND")
}

func TestServer_MalformedBodyAnswers500(t *testing.T) {
	ts := newTestServer(t)
	w := ts.postTool(t, "get_memory", "{not json")
	require.Equal(t, http.StatusInternalServerError, w.Code)
	body := decodeBody(t, w)
	detail, _ := body["detail"].(string)
	require.True(t, strings.HasPrefix(detail, "ERR.UNAVAILABLE: "), detail)
}

func TestServer_EnvelopeCarriesVersionAndElapsed(t *testing.T) {
	ts := newTestServer(t)
	body := ts.callTool(t, "get_rules", map[string]any{})
	require.Equal(t, ServerVersion, body["serverVersion"])
	require.NotEmpty(t, body["requestId"])
	require.NotEmpty(t, body["timestamp"])
	elapsed, ok := body["elapsedMs"].(float64)
	require.True(t, ok, "elapsedMs missing: %v", body)
	require.GreaterOrEqual(t, elapsed, float64(0))
}

func TestServer_DispatchOverwritesElapsedButNotVersion(t *testing.T) {
	ts := newTestServer(t)
	ts.srv.handlers["echo_envelope"] = func(_ context.Context, _ map[string]any) (map[string]any, error) {
		return map[string]any{"serverVersion": "handler-version", "elapsedMs": int64(987654)}, nil
	}

	body := ts.callTool(t, "echo_envelope", map[string]any{})
	// The handler's serverVersion survives the merge; elapsedMs never does.
	require.Equal(t, "handler-version", body["serverVersion"])
	require.NotEqual(t, float64(987654), body["elapsedMs"])
}

func TestServer_HandlerErrorAnswers500(t *testing.T) {
	store := newFakeStore()
	store.failWith = errTestBoom
	ts := newCustomServer(t, store, nil)

	w := ts.postTool(t, "add_memory", `{"projectId":"alpha","content":"x"}`)
	require.Equal(t, http.StatusInternalServerError, w.Code)
	body := decodeBody(t, w)
	require.Equal(t, "ERR.UNAVAILABLE: boom", body["detail"])
}

func TestServer_NoStoreToolsDegradeInEnvelope(t *testing.T) {
	ts := newCustomServer(t, nil, nil)
	body := ts.callTool(t, "add_memory", map[string]any{"projectId": "alpha", "content": "x"})
	obj := envelopeError(t, body)
	require.Equal(t, "ERR.DB_UNAVAILABLE", obj["code"])
	require.Equal(t, "DATABASE_URL not configured", obj["message"])
}

func TestServer_HealthReportsDBAndOrchestrator(t *testing.T) {
	ts := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := ts.do(t, req)
	require.Equal(t, http.StatusOK, w.Code)

	body := decodeBody(t, w)
	require.Equal(t, "ok", body["status"])
	require.Equal(t, ServerVersion, body["serverVersion"])
	require.Equal(t, false, body["orchestratorRunning"])
	db, ok := body["db"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, "postgresql", db["backend"])
	require.Equal(t, "up", db["status"])
}

type stubRunner struct{ running bool }

func (r stubRunner) Running() bool { return r.running }

func TestServer_HealthDegradedStates(t *testing.T) {
	store := newFakeStore()
	store.pingErr = errTestBoom
	ts := newCustomServer(t, store, func(o *Options) {
		o.Runner = stubRunner{running: true}
	})

	body := decodeBody(t, ts.do(t, httptest.NewRequest(http.MethodGet, "/health", nil)))
	require.Equal(t, true, body["orchestratorRunning"])
	db := body["db"].(map[string]any)
	require.Equal(t, "down", db["status"])
	// Health stays 200/ok even when the database is unreachable.
	require.Equal(t, "ok", body["status"])
}

func TestServer_HealthWithoutStore(t *testing.T) {
	ts := newCustomServer(t, nil, nil)
	body := decodeBody(t, ts.do(t, httptest.NewRequest(http.MethodGet, "/health", nil)))
	db := body["db"].(map[string]any)
	require.Equal(t, "down", db["status"])
}

func TestServer_CapabilitiesListsAllTools(t *testing.T) {
	ts := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/get_capabilities", nil)
	req.Header.Set("Authorization", "Bearer "+testToken)
	w := ts.do(t, req)
	require.Equal(t, http.StatusOK, w.Code)

	body := decodeBody(t, w)
	require.Equal(t, ServerVersion, body["serverVersion"])
	raw, ok := body["tools"].([]any)
	require.True(t, ok)
	require.Len(t, raw, 15)
	// Sorted, so the first and last names are stable.
	require.Equal(t, "activate_governance", raw[0])
	require.Equal(t, "update_task_status", raw[len(raw)-1])
}

func TestServer_CapabilitiesRequireAuth(t *testing.T) {
	ts := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/get_capabilities", nil)
	requireDetail(t, ts.do(t, req), http.StatusUnauthorized, "ERR.UNAUTHORIZED")
}

func TestServer_RegisterIsOpen(t *testing.T) {
	ts := newTestServer(t)
	for _, method := range []string{http.MethodGet, http.MethodPost} {
		w := ts.do(t, httptest.NewRequest(method, "/register", nil))
		require.Equal(t, http.StatusOK, w.Code)
		body := decodeBody(t, w)
		require.Equal(t, "ok", body["status"])
		require.Equal(t, ServerVersion, body["serverVersion"])
	}
}
