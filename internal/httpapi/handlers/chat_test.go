package handlers_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	gormsqlite "github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"wikichat/internal/ai"
	"wikichat/internal/chat"
	"wikichat/internal/config"
	"wikichat/internal/health"
	"wikichat/internal/httpapi"
	"wikichat/internal/httpapi/handlers"
	"wikichat/internal/knowledge"
	"wikichat/internal/logger"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeProvider struct {
	answer     ai.Answer
	genErr     error
	pingErr    error
	lastPrompt string
	lastParams ai.Params
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) Generate(ctx context.Context, prompt string, p ai.Params) (ai.Answer, error) {
	f.lastPrompt = prompt
	f.lastParams = p
	if f.genErr != nil {
		return ai.Answer{}, f.genErr
	}
	if f.answer.Text == "" {
		return ai.Answer{Text: "the answer", TokensUsed: 11, Model: "fake-model"}, nil
	}
	return f.answer, nil
}

func (f *fakeProvider) Ping(ctx context.Context) error { return f.pingErr }

type fakeRetriever struct {
	ext knowledge.Extract
	err error
}

func (f *fakeRetriever) Lookup(ctx context.Context, topic string) (knowledge.Extract, error) {
	if f.err != nil {
		return knowledge.Extract{}, f.err
	}
	return f.ext, nil
}

type fakeQueue struct {
	published []string
}

func (f *fakeQueue) Publish(ctx context.Context, jobID string) error {
	f.published = append(f.published, jobID)
	return nil
}

type stack struct {
	router    *gin.Engine
	db        *gorm.DB
	provider  *fakeProvider
	retriever *fakeRetriever
	queue     *fakeQueue
}

func newStack(t *testing.T) *stack {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gorm.Open(gormsqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name)), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&chat.Turn{}, &chat.Job{}))
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	log := logger.NewTest(t)
	repo := chat.NewRepo(db)
	prov := &fakeProvider{}
	ret := &fakeRetriever{}
	q := &fakeQueue{}

	svc := chat.NewService(repo, ret, prov, q, 3, log)
	probe := health.NewProbe(repo, prov, time.Second, log)
	h := handlers.NewHandler(svc, probe, ret, config.Chat{DefaultMaxTokens: 300, DefaultTemperature: 0.7}, log)

	return &stack{
		router:    httpapi.NewRouter(h, log, httpapi.Options{}),
		db:        db,
		provider:  prov,
		retriever: ret,
		queue:     q,
	}
}

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func do(t *testing.T, r *gin.Engine, method, path, body string, header ...string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), "body: %s", w.Body.String())
	return w, env
}

func dataMap(t *testing.T, env envelope) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(env.Data, &m))
	return m
}

func TestChat_Success(t *testing.T) {
	s := newStack(t)
	s.retriever.ext = knowledge.Extract{
		Topic:     "quantum computing",
		Title:     "Quantum computing",
		Text:      "Quantum computing is a kind of computation.",
		SourceURL: "https://en.wikipedia.org/wiki/Quantum_computing",
		Found:     true,
	}

	w, env := do(t, s.router, http.MethodPost, "/api/v1/chat",
		`{"query":"Tell me about quantum computing","use_knowledge":true}`)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Zero(t, env.Code)

	data := dataMap(t, env)
	assert.Equal(t, "the answer", data["answer"])
	assert.Equal(t, true, data["used_knowledge"])
	assert.Equal(t, "https://en.wikipedia.org/wiki/Quantum_computing", data["source_url"])
	assert.Equal(t, true, data["persisted"])
	assert.Equal(t, float64(1), data["turn_id"])
	assert.NotContains(t, data, "warning")

	// Unset tuning fields resolve to the configured defaults.
	assert.Equal(t, 300, s.provider.lastParams.MaxTokens)
	assert.Equal(t, 0.7, s.provider.lastParams.Temperature)
}

func TestChat_ExplicitParams(t *testing.T) {
	s := newStack(t)

	w, _ := do(t, s.router, http.MethodPost, "/api/v1/chat",
		`{"query":"hi","max_tokens":120,"temperature":0.3}`)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 120, s.provider.lastParams.MaxTokens)
	assert.Equal(t, 0.3, s.provider.lastParams.Temperature)
}

func TestChat_InvalidJSON(t *testing.T) {
	s := newStack(t)

	w, env := do(t, s.router, http.MethodPost, "/api/v1/chat", `{"query":`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, 10001, env.Code)
}

func TestChat_ValidationError(t *testing.T) {
	s := newStack(t)

	w, env := do(t, s.router, http.MethodPost, "/api/v1/chat",
		`{"query":"hi","temperature":3.5}`)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, 10002, env.Code)
	assert.Contains(t, env.Message, "temperature")
}

func TestChat_GenerationErrorMapping(t *testing.T) {
	tests := []struct {
		kind          ai.Kind
		wantStatus    int
		wantTransient bool
	}{
		{ai.KindRateLimited, http.StatusTooManyRequests, true},
		{ai.KindTimeout, http.StatusGatewayTimeout, true},
		{ai.KindInvalidCredentials, http.StatusBadGateway, false},
		{ai.KindUnavailable, http.StatusBadGateway, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			s := newStack(t)
			s.provider.genErr = &ai.GenerationError{Provider: "fake", Kind: tt.kind}

			w, env := do(t, s.router, http.MethodPost, "/api/v1/chat", `{"query":"hi"}`)

			assert.Equal(t, tt.wantStatus, w.Code)
			assert.Equal(t, 50203, env.Code)

			data := dataMap(t, env)
			assert.Equal(t, string(tt.kind), data["kind"])
			assert.Equal(t, tt.wantTransient, data["transient"])
		})
	}
}

func TestChat_PersistenceWarning(t *testing.T) {
	s := newStack(t)
	require.NoError(t, s.db.Migrator().DropTable(&chat.Turn{}))

	w, env := do(t, s.router, http.MethodPost, "/api/v1/chat", `{"query":"hi"}`)

	require.Equal(t, http.StatusOK, w.Code, "the generated answer survives a storage failure")
	data := dataMap(t, env)
	assert.Equal(t, "the answer", data["answer"])
	assert.Equal(t, false, data["persisted"])
	assert.Nil(t, data["turn_id"])
	assert.Contains(t, data["warning"], "could not be saved")
}

func TestHistory_ListAndClear(t *testing.T) {
	s := newStack(t)
	for i := 0; i < 3; i++ {
		w, _ := do(t, s.router, http.MethodPost, "/api/v1/chat", `{"query":"hi"}`)
		require.Equal(t, http.StatusOK, w.Code)
	}

	w, env := do(t, s.router, http.MethodGet, "/api/v1/chat/history", "")
	require.Equal(t, http.StatusOK, w.Code)

	var page struct {
		Turns []chat.Turn `json:"turns"`
		Total int64       `json:"total"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &page))
	assert.Equal(t, int64(3), page.Total)
	require.Len(t, page.Turns, 3)
	assert.Greater(t, page.Turns[2].ID, page.Turns[0].ID, "oldest first")

	w, env = do(t, s.router, http.MethodGet, "/api/v1/chat/history?limit=2&offset=1", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(env.Data, &page))
	assert.Len(t, page.Turns, 2)

	w, env = do(t, s.router, http.MethodDelete, "/api/v1/chat/history", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(3), dataMap(t, env)["cleared"])

	w, env = do(t, s.router, http.MethodGet, "/api/v1/chat/history", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(env.Data, &page))
	assert.Zero(t, page.Total)
	assert.Empty(t, page.Turns)
}

func TestHistory_BadParams(t *testing.T) {
	s := newStack(t)

	w, env := do(t, s.router, http.MethodGet, "/api/v1/chat/history?limit=abc", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, 10003, env.Code)

	w, env = do(t, s.router, http.MethodGet, "/api/v1/chat/history?offset=-2", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, 10003, env.Code)
}

func TestChatAsync_EnqueueAndFetch(t *testing.T) {
	s := newStack(t)

	w, env := do(t, s.router, http.MethodPost, "/api/v1/chat/async",
		`{"query":"hi"}`, "Idempotency-Key", "req-1")
	require.Equal(t, http.StatusAccepted, w.Code)

	data := dataMap(t, env)
	jobID, _ := data["job_id"].(string)
	require.NotEmpty(t, jobID)
	assert.Equal(t, "queued", data["status"])
	assert.Equal(t, []string{jobID}, s.queue.published)

	// A replay with the same key answers with the same job.
	w, env = do(t, s.router, http.MethodPost, "/api/v1/chat/async",
		`{"query":"hi"}`, "Idempotency-Key", "req-1")
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, jobID, dataMap(t, env)["job_id"])
	assert.Len(t, s.queue.published, 1)

	w, env = do(t, s.router, http.MethodGet, "/api/v1/chat/jobs/"+jobID, "")
	require.Equal(t, http.StatusOK, w.Code)
	var jobData struct {
		Job chat.Job `json:"job"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &jobData))
	assert.Equal(t, chat.JobQueued, jobData.Job.Status)
}

func TestChatAsync_KeyTooLong(t *testing.T) {
	s := newStack(t)

	w, env := do(t, s.router, http.MethodPost, "/api/v1/chat/async",
		`{"query":"hi"}`, "Idempotency-Key", strings.Repeat("k", 129))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, 10004, env.Code)
}

func TestJob_NotFound(t *testing.T) {
	s := newStack(t)

	w, env := do(t, s.router, http.MethodGet, "/api/v1/chat/jobs/01UNKNOWN0000000000000000", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, 40402, env.Code)
}

func TestHealth(t *testing.T) {
	s := newStack(t)

	w, env := do(t, s.router, http.MethodGet, "/api/v1/health", "")
	require.Equal(t, http.StatusOK, w.Code)

	data := dataMap(t, env)
	assert.Equal(t, true, data["store_reachable"])
	assert.Equal(t, true, data["provider_reachable"])
}

func TestHealth_ProviderDownStill200(t *testing.T) {
	s := newStack(t)
	s.provider.pingErr = fmt.Errorf("connection refused")

	w, env := do(t, s.router, http.MethodGet, "/api/v1/health", "")
	require.Equal(t, http.StatusOK, w.Code, "the probe reports, it does not fail")

	data := dataMap(t, env)
	assert.Equal(t, false, data["provider_reachable"])
	assert.Equal(t, true, data["store_reachable"])
}

func TestDebugKnowledge(t *testing.T) {
	s := newStack(t)
	s.retriever.ext = knowledge.Extract{Topic: "go", Title: "Go", Text: "A language.", SourceURL: "https://en.wikipedia.org/wiki/Go", Found: true}

	w, env := do(t, s.router, http.MethodGet, "/api/v1/debug/knowledge?topic=go", "")
	require.Equal(t, http.StatusOK, w.Code)

	data := dataMap(t, env)
	assert.Equal(t, "Go", data["title"])
	assert.Equal(t, true, data["found"])
}

func TestDebugKnowledge_MissingTopic(t *testing.T) {
	s := newStack(t)

	w, env := do(t, s.router, http.MethodGet, "/api/v1/debug/knowledge", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, 10006, env.Code)
}

func TestDebugKnowledge_RetrievalError(t *testing.T) {
	s := newStack(t)
	s.retriever.err = &knowledge.RetrievalError{Op: "search", Transient: true, Err: fmt.Errorf("upstream 503")}

	w, env := do(t, s.router, http.MethodGet, "/api/v1/debug/knowledge?topic=go", "")
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Equal(t, 50204, env.Code)
	assert.Equal(t, true, dataMap(t, env)["transient"])
}

func TestPingAndFallbacks(t *testing.T) {
	s := newStack(t)

	w, env := do(t, s.router, http.MethodGet, "/ping", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "pong", dataMap(t, env)["message"])

	w, env = do(t, s.router, http.MethodGet, "/nope", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, 40400, env.Code)

	w, env = do(t, s.router, http.MethodPut, "/ping", "")
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
	assert.Equal(t, 40500, env.Code)
}

func TestRequestIDEcho(t *testing.T) {
	s := newStack(t)

	w, _ := do(t, s.router, http.MethodGet, "/ping", "")
	assert.NotEmpty(t, w.Header().Get("X-Request-Id"))

	w, _ = do(t, s.router, http.MethodGet, "/ping", "", "X-Request-Id", "abc-123")
	assert.Equal(t, "abc-123", w.Header().Get("X-Request-Id"))
}

func TestMetricsExposed(t *testing.T) {
	s := newStack(t)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}
