package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/vanshika/graphlens/internal/config"
	"github.com/vanshika/graphlens/internal/domain"
	"github.com/vanshika/graphlens/internal/graph"
	"github.com/vanshika/graphlens/internal/query"
	"github.com/vanshika/graphlens/internal/schema"
	"github.com/vanshika/graphlens/internal/session"
)

const presetsYAML = `
- name: local
  type: neo4j
  uri: bolt://localhost:7687
  password: hunter2
- name: social
  type: age
  host: db
  username: postgres
  database: graphs
  graph_name: social
`

type testEnv struct {
	mem     *graph.MemoryAdapter
	store   *session.Store
	handler http.Handler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	path := t.TempDir() + "/connections.yaml"
	if err := os.WriteFile(path, []byte(presetsYAML), 0o600); err != nil {
		t.Fatalf("write presets: %v", err)
	}
	presets, err := config.LoadPresets(path, logger)
	if err != nil {
		t.Fatalf("load presets: %v", err)
	}

	mem := graph.NewMemoryAdapter()
	backends := graph.Backends{Bolt: mem, AGE: mem}
	var seeds []session.Seed
	for _, p := range presets.All() {
		seeds = append(seeds, session.Seed{Name: p.Name, Descriptor: p.Descriptor})
	}
	store := session.NewStore(backends, logger, session.WithSeeds(seeds...))
	t.Cleanup(func() { _ = store.CloseAll(context.Background()) })
	executor := query.NewExecutor(store, logger)

	api := NewAPIHandlers(logger, APIDependencies{
		Presets:      presets,
		Store:        store,
		Executor:     executor,
		Introspector: schema.New(backends, logger, 0, 0),
		Query:        config.QueryConfig{DefaultTimeout: time.Second, MaxTimeout: 2 * time.Second},
	})
	handler := NewRouter(logger, RouterDependencies{
		Health: SessionHealthService{Store: store, Presets: presets, Running: executor.RunningCount},
		API:    api,
	})
	return &testEnv{mem: mem, store: store, handler: handler}
}

func (e *testEnv) do(t *testing.T, method, path, sessionID, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if sessionID != "" {
		req.Header.Set(sessionHeader, sessionID)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, dst any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), dst); err != nil {
		t.Fatalf("failed to decode response %q: %v", rec.Body.String(), err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (e *testEnv) waitRunning(t *testing.T, sessionID string) {
	t.Helper()
	waitFor(t, "the query to start", func() bool {
		rec := e.do(t, http.MethodGet, "/api/query/status", sessionID, "")
		var status statusResponse
		decodeBody(t, rec, &status)
		if status.Running && (status.Query == nil || status.Query.ID == "") {
			t.Fatalf("running query has no id: %+v", status)
		}
		return status.Running
	})
}

func (e *testEnv) connections(t *testing.T, sessionID string) []session.Saved {
	t.Helper()
	rec := e.do(t, http.MethodGet, "/api/connections", sessionID, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("list connections: expected status 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var payload connectionsResponse
	decodeBody(t, rec, &payload)
	return payload.Connections
}

func TestHandlePresetsHidesSecrets(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/presets", "", "")

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "hunter2") {
		t.Fatalf("preset listing leaked a password: %s", rec.Body.String())
	}
	var payload presetsResponse
	decodeBody(t, rec, &payload)
	if len(payload.Presets) != 2 || payload.Presets[0].Name != "local" || payload.Presets[1].Type != "age" {
		t.Fatalf("unexpected presets: %+v", payload.Presets)
	}
}

func TestHandleConnectAndQuery(t *testing.T) {
	env := newTestEnv(t)
	env.mem.SetResult("MATCH (n) RETURN n.name AS name", graph.RawRecords{
		Columns: []string{"name"},
		Rows:    [][]any{{"Ada"}, {"Alan"}},
	})

	rec := env.do(t, http.MethodPost, "/api/connections", "s1", `{"preset":"local"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("connect: expected status 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var conn connectionResponse
	decodeBody(t, rec, &conn)
	if !conn.Connected || conn.Type != "neo4j" || conn.Name != "local" || conn.ID == "" {
		t.Fatalf("unexpected connect response: %+v", conn)
	}

	rec = env.do(t, http.MethodPost, "/api/query", "s1", `{"query":"MATCH (n) RETURN n.name AS name"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("query: expected status 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var result map[string]any
	decodeBody(t, rec, &result)
	if result["row_count"] != float64(2) {
		t.Fatalf("expected 2 rows, got %v", result["row_count"])
	}
	if env.mem.Opens() != 1 {
		t.Fatalf("expected the connection to be reused, got %d opens", env.mem.Opens())
	}
}

func TestHandleConnectInlineSpec(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/connections", "s1",
		`{"type":"age","host":"pg","username":"u","database":"d","graph_name":"g"}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rec.Code, rec.Body.String())
	}
	d, ok := env.store.Descriptor("s1")
	if !ok {
		t.Fatal("expected a registered descriptor")
	}
	if got := domain.GraphName(d); got != "g" {
		t.Fatalf("expected graph g, got %q", got)
	}

	saved := env.connections(t, "s1")
	if len(saved) != 3 || saved[2].Name != "Connection 3" || !saved[2].Active {
		t.Fatalf("expected the inline target saved and active, got %+v", saved)
	}

	rec = env.do(t, http.MethodPost, "/api/connections", "s1",
		`{"type":"age","host":"pg","username":"u","database":"d","graph_name":"g"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("reconnect: expected status 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if got := len(env.connections(t, "s1")); got != 3 {
		t.Fatalf("expected the same target to be reused, got %d saved connections", got)
	}
}

func TestHandleConnectInlineFailureDropsEntry(t *testing.T) {
	env := newTestEnv(t)
	env.mem.WithOpenError(errors.New("no route to host"))

	rec := env.do(t, http.MethodPost, "/api/connections", "s1", `{"name":"remote","uri":"bolt://remote:7687"}`)

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected status 502, got %d: %s", rec.Code, rec.Body.String())
	}
	for _, sv := range env.connections(t, "s1") {
		if sv.Name == "remote" {
			t.Fatalf("unreachable target was kept: %+v", sv)
		}
	}
	if _, ok := env.store.Descriptor("s1"); ok {
		t.Fatal("expected no target on file")
	}
}

func TestHandleSavedConnections(t *testing.T) {
	env := newTestEnv(t)

	saved := env.connections(t, "s1")
	if len(saved) != 2 || saved[0].Name != "local" || saved[1].Name != "social" || saved[0].ID == "" {
		t.Fatalf("expected the presets seeded into the session, got %+v", saved)
	}
	if saved[0].Active || saved[1].Active {
		t.Fatalf("expected no active connection yet, got %+v", saved)
	}
	if other := env.connections(t, "s2"); other[0].ID == saved[0].ID {
		t.Fatal("expected each session to get its own ids")
	}
	localID := saved[0].ID

	rec := env.do(t, http.MethodPost, "/api/connections", "s1", `{"name":"mine","uri":"bolt://mine:7687"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("save: expected status 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var mine connectionResponse
	decodeBody(t, rec, &mine)
	if mine.Name != "mine" || mine.ID == "" {
		t.Fatalf("unexpected connect response: %+v", mine)
	}

	rec = env.do(t, http.MethodPost, "/api/connections", "s1", `{"name":"mine","uri":"bolt://other:7687"}`)
	if rec.Code != http.StatusConflict {
		t.Fatalf("duplicate name: expected status 409, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = env.do(t, http.MethodPost, "/api/connections/"+localID+"/select", "s1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("select: expected status 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if !env.mem.Handles()[0].Closed() {
		t.Fatal("expected the previous target's handle to be closed")
	}
	saved = env.connections(t, "s1")
	if !saved[0].Active || saved[2].Active {
		t.Fatalf("expected local to be active, got %+v", saved)
	}

	rec = env.do(t, http.MethodDelete, "/api/connections/"+mine.ID, "s1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("remove: expected status 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if got := len(env.connections(t, "s1")); got != 2 {
		t.Fatalf("expected 2 saved connections, got %d", got)
	}
	if _, ok := env.store.Descriptor("s1"); !ok {
		t.Fatal("removing an inactive entry must keep the active target")
	}

	rec = env.do(t, http.MethodDelete, "/api/connections/"+localID, "s1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("remove active: expected status 200, got %d", rec.Code)
	}
	if env.store.Len() != 0 {
		t.Fatalf("expected the active connection to be released, got %d", env.store.Len())
	}

	cases := []struct {
		method string
		path   string
		status int
	}{
		{http.MethodDelete, "/api/connections/" + localID, http.StatusBadRequest},
		{http.MethodPost, "/api/connections/missing/select", http.StatusBadRequest},
		{http.MethodGet, "/api/connections/" + localID + "/select", http.StatusMethodNotAllowed},
		{http.MethodPost, "/api/connections/" + localID, http.StatusMethodNotAllowed},
		{http.MethodPost, "/api/connections/" + localID + "/rename", http.StatusNotFound},
	}
	for _, tc := range cases {
		if rec := env.do(t, tc.method, tc.path, "s1", ""); rec.Code != tc.status {
			t.Errorf("%s %s: expected status %d, got %d", tc.method, tc.path, tc.status, rec.Code)
		}
	}
}

func TestHandleConnectWhileQueryRunning(t *testing.T) {
	env := newTestEnv(t)
	env.mem.WithRunDelay(300*time.Millisecond, true)

	done := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		done <- env.do(t, http.MethodPost, "/api/query", "s1",
			`{"query":"RETURN 1","descriptor":{"preset":"local"}}`)
	}()
	env.waitRunning(t, "s1")
	h := env.mem.Handles()[0]

	rec := env.do(t, http.MethodPost, "/api/connections", "s1", `{"preset":"social"}`)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected status 409, got %d: %s", rec.Code, rec.Body.String())
	}
	if h.Closed() {
		t.Fatal("handle closed under a running query")
	}

	if queryRec := <-done; queryRec.Code != http.StatusOK {
		t.Fatalf("query: expected status 200, got %d: %s", queryRec.Code, queryRec.Body.String())
	}
	if h.Closed() {
		t.Fatal("handle closed before the target changed")
	}

	rec = env.do(t, http.MethodPost, "/api/connections", "s1", `{"preset":"social"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200 once idle, got %d: %s", rec.Code, rec.Body.String())
	}
	if !h.Closed() {
		t.Fatal("expected the replaced handle to be closed")
	}
}

func TestHandleDisconnectWhileQueryRunning(t *testing.T) {
	env := newTestEnv(t)
	env.mem.WithRunDelay(300*time.Millisecond, true)

	done := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		done <- env.do(t, http.MethodPost, "/api/query", "s1",
			`{"query":"RETURN 1","descriptor":{"preset":"local"}}`)
	}()
	env.waitRunning(t, "s1")
	h := env.mem.Handles()[0]

	rec := env.do(t, http.MethodDelete, "/api/connections", "s1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	if h.Closed() {
		t.Fatal("handle closed while the backend call was still running")
	}

	if queryRec := <-done; queryRec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("query: expected status 422, got %d: %s", queryRec.Code, queryRec.Body.String())
	}
	waitFor(t, "the handle to close", h.Closed)
}

func TestHandleConnectFailure(t *testing.T) {
	env := newTestEnv(t)
	env.mem.WithOpenError(errors.New("connection refused"))

	rec := env.do(t, http.MethodPost, "/api/connections", "s1", `{"preset":"local"}`)

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected status 502, got %d", rec.Code)
	}
	var payload errorResponse
	decodeBody(t, rec, &payload)
	if payload.ErrorKind != string(domain.KindConnection) {
		t.Fatalf("expected ConnectionError, got %+v", payload)
	}
	if !strings.Contains(payload.Message, "connection refused") {
		t.Fatalf("expected backend cause in message, got %q", payload.Message)
	}
}

func TestHandleRequestValidation(t *testing.T) {
	env := newTestEnv(t)

	cases := []struct {
		name    string
		method  string
		path    string
		session string
		body    string
	}{
		{"missing session", http.MethodPost, "/api/query", "", `{"query":"RETURN 1"}`},
		{"unknown preset", http.MethodPost, "/api/connections", "s1", `{"preset":"nope"}`},
		{"unknown field", http.MethodPost, "/api/query", "s1", `{"query":"RETURN 1","bogus":true}`},
		{"bad mode", http.MethodPost, "/api/query", "s1", `{"query":"RETURN 1","mode":"sql"}`},
		{"negative timeout", http.MethodPost, "/api/query", "s1", `{"query":"RETURN 1","timeout_ms":-5}`},
		{"no descriptor", http.MethodPost, "/api/query", "s1", `{"query":"RETURN 1"}`},
		{"empty query", http.MethodPost, "/api/query", "s1", `{"query":"  ","descriptor":{"preset":"local"}}`},
		{"schema without connection", http.MethodGet, "/api/schema", "s1", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := env.do(t, tc.method, tc.path, tc.session, tc.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected status 400, got %d: %s", rec.Code, rec.Body.String())
			}
			var payload errorResponse
			decodeBody(t, rec, &payload)
			if payload.ErrorKind != string(domain.KindValidation) {
				t.Fatalf("expected ValidationError, got %+v", payload)
			}
		})
	}
	if env.mem.Opens() != 0 {
		t.Fatalf("validation failures must not open connections, got %d", env.mem.Opens())
	}
}

func TestHandleQueryInlineDescriptorWithCookie(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodPost, "/api/query",
		bytes.NewBufferString(`{"query":"RETURN 1","descriptor":{"type":"neo4j","uri":"bolt://x:7687"}}`))
	req.AddCookie(&http.Cookie{Name: sessionCookie, Value: "cookie-session"})
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if env.store.Len() != 1 {
		t.Fatalf("expected one open connection, got %d", env.store.Len())
	}
}

func TestHandleQueryTimeoutIsCapped(t *testing.T) {
	env := newTestEnv(t)
	env.mem.WithRunDelay(time.Minute, false)

	start := time.Now()
	rec := env.do(t, http.MethodPost, "/api/query", "s1",
		`{"query":"RETURN 1","timeout_ms":600000,"descriptor":{"preset":"local"}}`)

	if rec.Code != http.StatusGatewayTimeout {
		t.Fatalf("expected status 504, got %d: %s", rec.Code, rec.Body.String())
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Fatalf("timeout was not capped, took %s", elapsed)
	}
	var payload errorResponse
	decodeBody(t, rec, &payload)
	if payload.ErrorKind != string(domain.KindTimeout) || payload.Code != domain.CodeTimeout {
		t.Fatalf("unexpected error payload: %+v", payload)
	}
}

func TestHandleCancelRunningQuery(t *testing.T) {
	env := newTestEnv(t)
	env.mem.WithRunDelay(5*time.Second, false)

	done := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		done <- env.do(t, http.MethodPost, "/api/query", "s1",
			`{"query":"RETURN 1","timeout_ms":2000,"descriptor":{"preset":"local"}}`)
	}()

	env.waitRunning(t, "s1")

	rec := env.do(t, http.MethodPost, "/api/query/cancel", "s1", "")
	var cancelled cancelResponse
	decodeBody(t, rec, &cancelled)
	if !cancelled.Cancelled {
		t.Fatal("expected cancel to find the running query")
	}

	queryRec := <-done
	if queryRec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected status 422, got %d: %s", queryRec.Code, queryRec.Body.String())
	}
	var payload errorResponse
	decodeBody(t, queryRec, &payload)
	if payload.Code != domain.CodeCancelled {
		t.Fatalf("expected CANCELLED code, got %+v", payload)
	}

	rec = env.do(t, http.MethodPost, "/api/query/cancel", "s1", "")
	decodeBody(t, rec, &cancelled)
	if cancelled.Cancelled {
		t.Fatal("expected nothing to cancel once the query ended")
	}
}

func TestHandleSchema(t *testing.T) {
	env := newTestEnv(t)
	env.mem.SetResult("CALL db.labels()", graph.RawRecords{Columns: []string{"label"}, Rows: [][]any{{"Person"}}})

	rec := env.do(t, http.MethodPost, "/api/connections", "s1", `{"preset":"local"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("connect: expected status 200, got %d", rec.Code)
	}

	rec = env.do(t, http.MethodGet, "/api/schema?force=true", "s1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var summary domain.SchemaSummary
	decodeBody(t, rec, &summary)
	if len(summary.Labels) != 1 || summary.Labels[0] != "Person" {
		t.Fatalf("unexpected labels: %v", summary.Labels)
	}

	rec = env.do(t, http.MethodGet, "/api/schema?force=maybe", "s1", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400 for bad force flag, got %d", rec.Code)
	}
}

func TestHandleSchemaRefetchedAfterReconnect(t *testing.T) {
	env := newTestEnv(t)
	env.mem.SetResult("CALL db.labels()", graph.RawRecords{Columns: []string{"label"}, Rows: [][]any{{"Person"}}})

	fetch := func() {
		t.Helper()
		if rec := env.do(t, http.MethodGet, "/api/schema", "s1", ""); rec.Code != http.StatusOK {
			t.Fatalf("schema: expected status 200, got %d: %s", rec.Code, rec.Body.String())
		}
	}
	connect := func() {
		t.Helper()
		if rec := env.do(t, http.MethodPost, "/api/connections", "s1", `{"preset":"local"}`); rec.Code != http.StatusOK {
			t.Fatalf("connect: expected status 200, got %d", rec.Code)
		}
	}

	connect()
	fetch()
	opens := env.mem.Opens()
	fetch()
	if env.mem.Opens() != opens {
		t.Fatal("expected the second schema request to be served from cache")
	}

	connect()
	fetch()
	if env.mem.Opens() != opens+1 {
		t.Fatalf("expected reconnecting to drop the cached schema, got %d opens", env.mem.Opens())
	}

	env.do(t, http.MethodDelete, "/api/connections", "s1", "")
	connect()
	opens = env.mem.Opens()
	fetch()
	if env.mem.Opens() != opens+1 {
		t.Fatalf("expected disconnecting to drop the cached schema, got %d opens", env.mem.Opens())
	}
}

func TestHandleDisconnect(t *testing.T) {
	env := newTestEnv(t)

	env.do(t, http.MethodPost, "/api/connections", "s1", `{"preset":"local"}`)
	if env.store.Len() != 1 {
		t.Fatalf("expected one connection, got %d", env.store.Len())
	}

	rec := env.do(t, http.MethodDelete, "/api/connections", "s1", "")

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	if env.store.Len() != 0 {
		t.Fatalf("expected no connections, got %d", env.store.Len())
	}
	if !env.mem.Handles()[0].Closed() {
		t.Fatal("expected the handle to be closed")
	}
	if _, ok := env.store.Descriptor("s1"); ok {
		t.Fatal("expected the descriptor to be forgotten")
	}
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, http.MethodPost, "/api/connections", "s1", `{"preset":"local"}`)

	rec := env.do(t, http.MethodGet, "/healthz", "", "")

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	var payload map[string]any
	decodeBody(t, rec, &payload)
	if payload["status"] != "ok" || payload["open_connections"] != float64(1) || payload["presets"] != float64(2) {
		t.Fatalf("unexpected health payload: %v", payload)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/query", "s1", "")

	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected status 405, got %d", rec.Code)
	}
	if allow := rec.Header().Get("Allow"); allow != http.MethodPost {
		t.Fatalf("unexpected Allow header %q", allow)
	}
}

func TestStatusFor(t *testing.T) {
	cases := map[error]int{
		domain.Validationf("x"):                 http.StatusBadRequest,
		domain.ConnectionFailed("x", nil):       http.StatusBadGateway,
		domain.QueryFailed("x", "Neo.Err", nil): http.StatusUnprocessableEntity,
		domain.Timeout("x"):                     http.StatusGatewayTimeout,
		domain.Conflictf("x"):                   http.StatusConflict,
		domain.Cancelled():                      http.StatusUnprocessableEntity,
		errors.New("boom"):                      http.StatusInternalServerError,
	}
	for err, want := range cases {
		if got := statusFor(err); got != want {
			t.Errorf("statusFor(%v) = %d, want %d", err, got, want)
		}
	}
}
