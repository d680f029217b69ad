package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hannes/kiji-rag/src/backend/chat"
	"github.com/hannes/kiji-rag/src/backend/config"
	"github.com/hannes/kiji-rag/src/backend/pii"
	"github.com/hannes/kiji-rag/src/backend/pii/detectors"
	"github.com/hannes/kiji-rag/src/backend/providers"
)

type fakeChat struct {
	mu      sync.Mutex
	deleted []string
	deltas  []string
	turnErr error
}

func (f *fakeChat) Turn(ctx context.Context, sessionID, message string, onDelta func(string) error) (chat.TurnResult, error) {
	if f.turnErr != nil {
		return chat.TurnResult{}, f.turnErr
	}
	if onDelta != nil {
		for _, d := range f.deltas {
			if err := onDelta(d); err != nil {
				return chat.TurnResult{}, err
			}
		}
	}
	return chat.TurnResult{
		SessionID: sessionID,
		Response:  strings.Join(f.deltas, ""),
		Agent:     "CONVERSATION_AGENT",
		Sources:   []string{},
		Pictures:  []string{},
	}, nil
}

func (f *fakeChat) Mask(ctx context.Context, sessionID, text string) (pii.MaskedResult, error) {
	return pii.MaskedResult{
		MaskedText:       strings.ReplaceAll(text, "Alice", "Nora"),
		MaskedToOriginal: map[string]string{"Nora": "Alice"},
		Entities: []detectors.Entity{
			{Text: "Alice", Label: detectors.EntityPerson},
			{Text: "Alice", Label: detectors.EntityPerson},
		},
	}, nil
}

func (f *fakeChat) Unmask(ctx context.Context, sessionID, text string) (pii.UnmaskResult, error) {
	return pii.UnmaskResult{Text: strings.ReplaceAll(text, "Nora", "Alice")}, nil
}

func (f *fakeChat) Mapping(ctx context.Context, sessionID string) (map[string]string, error) {
	if sessionID == "missing" {
		return nil, chat.ErrSessionNotFound
	}
	return map[string]string{"Nora": "Alice"}, nil
}

func (f *fakeChat) History(ctx context.Context, sessionID string) ([]providers.Message, error) {
	return []providers.Message{{Role: "user", Content: "hi"}}, nil
}

func (f *fakeChat) DeleteSession(ctx context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, sessionID)
	return nil
}

func (f *fakeChat) Validate(ctx context.Context, text string) (*chat.PIIAlert, error) {
	if !strings.Contains(text, "@") {
		return nil, nil
	}
	return &chat.PIIAlert{EntityTypes: []string{detectors.EntityEmail}, Message: "contains PII"}, nil
}

type fakeLogs struct{ limit, offset int }

func (f *fakeLogs) GetLogs(ctx context.Context, limit, offset int) ([]pii.LogEntry, error) {
	f.limit, f.offset = limit, offset
	return []pii.LogEntry{{ID: 1, SessionID: "s1", Direction: "request"}}, nil
}

type fakeHealth struct{ healthy bool }

func (f fakeHealth) IsHealthy() bool { return f.healthy }
func (f fakeHealth) GetInfo() map[string]interface{} {
	return map[string]interface{}{"healthy": f.healthy}
}

func newTestServer(t *testing.T, deps Deps) *Server {
	t.Helper()
	cfg := config.DefaultConfig().Server
	cfg.RequestsPerSecond = 0
	return NewServer(cfg, deps)
}

func do(s *Server, method, path, body string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, Deps{Chat: &fakeChat{}, Health: fakeHealth{healthy: true}})
	rec := do(s, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"healthy"`)

	s = newTestServer(t, Deps{Chat: &fakeChat{}, Health: fakeHealth{healthy: false}})
	rec = do(s, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestCreateSession(t *testing.T) {
	s := newTestServer(t, Deps{Chat: &fakeChat{}})
	rec := do(s, http.MethodPost, "/api/sessions", "", nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Len(t, body["session_id"], 36)
}

func TestMessage_JSON(t *testing.T) {
	s := newTestServer(t, Deps{Chat: &fakeChat{deltas: []string{"Hello ", "Alice"}}})
	rec := do(s, http.MethodPost, "/api/sessions/s1/messages", `{"message":"hi"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var res chat.TurnResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, "s1", res.SessionID)
	assert.Equal(t, "Hello Alice", res.Response)
}

func TestMessage_SSE(t *testing.T) {
	s := newTestServer(t, Deps{Chat: &fakeChat{deltas: []string{"Hello ", "Alice"}}})
	rec := do(s, http.MethodPost, "/api/sessions/s1/messages", `{"message":"hi"}`,
		map[string]string{"Accept": "text/event-stream"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	var events, data []string
	sc := bufio.NewScanner(strings.NewReader(rec.Body.String()))
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			events = append(events, strings.TrimPrefix(line, "event: "))
		case strings.HasPrefix(line, "data: "):
			data = append(data, strings.TrimPrefix(line, "data: "))
		}
	}
	assert.Equal(t, []string{"delta", "delta", "done"}, events)
	require.Len(t, data, 3)
	assert.Equal(t, `"Hello "`, data[0])
	assert.Equal(t, `"Alice"`, data[1])
	assert.Contains(t, data[2], `"response":"Hello Alice"`)
}

func TestMessage_SSEError(t *testing.T) {
	s := newTestServer(t, Deps{Chat: &fakeChat{turnErr: errors.New("boom")}})
	rec := do(s, http.MethodPost, "/api/sessions/s1/messages", `{"message":"hi"}`,
		map[string]string{"Accept": "text/event-stream"})
	assert.Contains(t, rec.Body.String(), "event: error")
	assert.Contains(t, rec.Body.String(), "boom")
}

func TestMessage_BadBody(t *testing.T) {
	s := newTestServer(t, Deps{Chat: &fakeChat{}})
	rec := do(s, http.MethodPost, "/api/sessions/s1/messages", `{not json`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMapping(t *testing.T) {
	s := newTestServer(t, Deps{Chat: &fakeChat{}})

	rec := do(s, http.MethodGet, "/api/sessions/s1/mapping", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"Nora":"Alice"`)

	rec = do(s, http.MethodGet, "/api/sessions/missing/mapping", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeleteSession(t *testing.T) {
	fc := &fakeChat{}
	s := newTestServer(t, Deps{Chat: fc})
	rec := do(s, http.MethodDelete, "/api/sessions/s1", "", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []string{"s1"}, fc.deleted)
}

func TestMaskUnmask(t *testing.T) {
	s := newTestServer(t, Deps{Chat: &fakeChat{}})

	rec := do(s, http.MethodPost, "/api/mask", `{"session_id":"s1","text":"Alice called"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var mr maskResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &mr))
	assert.Equal(t, "Nora called", mr.MaskedText)
	assert.Equal(t, []string{detectors.EntityPerson}, mr.EntityTypes)

	rec = do(s, http.MethodPost, "/api/unmask", `{"session_id":"s1","text":"Nora called"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var ur unmaskResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ur))
	assert.Equal(t, "Alice called", ur.Text)
}

func TestValidate(t *testing.T) {
	s := newTestServer(t, Deps{Chat: &fakeChat{}})

	rec := do(s, http.MethodPost, "/api/pii/validate", `{"text":"mail a@b.io"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), detectors.EntityEmail)

	rec = do(s, http.MethodPost, "/api/pii/validate", `{"text":"nothing here"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"alert":null}`, rec.Body.String())
}

func TestLogs(t *testing.T) {
	s := newTestServer(t, Deps{Chat: &fakeChat{}})
	rec := do(s, http.MethodGet, "/api/logs", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	fl := &fakeLogs{}
	s = newTestServer(t, Deps{Chat: &fakeChat{}, Logs: fl})
	rec = do(s, http.MethodGet, "/api/logs?limit=5&offset=-3", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 5, fl.limit)
	assert.Equal(t, 0, fl.offset)
	assert.Contains(t, rec.Body.String(), `"session_id":"s1"`)
}

type fakeIngestor struct{ got string }

func (f *fakeIngestor) IngestText(ctx context.Context, text, source string) (int, error) {
	f.got = source
	return 3, nil
}

func TestIngest(t *testing.T) {
	fi := &fakeIngestor{}
	s := newTestServer(t, Deps{Chat: &fakeChat{}, Ingestor: fi})

	rec := do(s, http.MethodPost, "/api/ingest", `{"text":"# Title\nbody","source":"doc.txt"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "doc.txt", fi.got)
	assert.Contains(t, rec.Body.String(), `"chunks":3`)

	rec = do(s, http.MethodPost, "/api/ingest", `{"text":"  ","source":"doc.txt"}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCORS(t *testing.T) {
	s := newTestServer(t, Deps{Chat: &fakeChat{}})

	rec := do(s, http.MethodOptions, "/api/mask", "", map[string]string{"Origin": "http://localhost:3000"})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "http://localhost:3000", rec.Header().Get("Access-Control-Allow-Origin"))

	rec = do(s, http.MethodGet, "/health", "", map[string]string{"Origin": "http://evil.example"})
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))

	rec = do(s, http.MethodGet, "/health", "", nil)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestRateLimit(t *testing.T) {
	cfg := config.DefaultConfig().Server
	cfg.RequestsPerSecond = 1
	cfg.Burst = 1
	s := NewServer(cfg, Deps{Chat: &fakeChat{}})

	first := do(s, http.MethodGet, "/api/sessions/s1/mapping", "", nil)
	second := do(s, http.MethodGet, "/api/sessions/s1/mapping", "", nil)
	assert.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, http.StatusTooManyRequests, second.Code)

	// health is outside the limited subrouter
	assert.Equal(t, http.StatusOK, do(s, http.MethodGet, "/health", "", nil).Code)
}

type fakeIdle struct {
	before time.Time
	ids    []string
}

func (f *fakeIdle) IdleSessions(ctx context.Context, before time.Time) ([]string, error) {
	f.before = before
	return f.ids, nil
}

type flakyDeleter struct {
	fakeChat
	fail string
}

func (f *flakyDeleter) DeleteSession(ctx context.Context, sessionID string) error {
	if sessionID == f.fail {
		return errors.New("locked")
	}
	return f.fakeChat.DeleteSession(ctx, sessionID)
}

func TestRetentionSweep(t *testing.T) {
	now := time.Date(2026, 1, 2, 12, 0, 0, 0, time.UTC)
	idle := &fakeIdle{ids: []string{"a", "b", "c"}}
	del := &flakyDeleter{fail: "b"}

	sw := NewRetentionSweeper(idle, del, 24*time.Hour, nil)
	sw.now = func() time.Time { return now }

	n, err := sw.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, now.Add(-24*time.Hour), idle.before)
	assert.Equal(t, []string{"a", "c"}, del.deleted)
}

func TestRetentionStart_BadSchedule(t *testing.T) {
	sw := NewRetentionSweeper(&fakeIdle{}, &fakeChat{}, time.Hour, nil)
	assert.Error(t, sw.Start("not a schedule"))
}
