package web

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/egcx/egcx/internal/card"
	"github.com/egcx/egcx/internal/history"
	"github.com/egcx/egcx/internal/logging"
	"github.com/egcx/egcx/internal/merchant"
	"github.com/egcx/egcx/internal/pipeline"
	"github.com/egcx/egcx/internal/session"
)

const testAddr = "127.0.0.1:8787"

// blockingRunner reports one message and then waits to be released or cancelled
type blockingRunner struct {
	release chan struct{}
	started chan pipeline.Request
}

func newBlockingRunner() *blockingRunner {
	return &blockingRunner{release: make(chan struct{}), started: make(chan pipeline.Request, 1)}
}

func (b *blockingRunner) run(ctx context.Context, req pipeline.Request, opts pipeline.Options) (*pipeline.Result, error) {
	b.started <- req
	opts.OnProgress(session.Progress{Processed: 1, Total: 4, Extracted: 1})
	opts.OnHuman("captcha")

	select {
	case <-b.release:
		return &pipeline.Result{
			Report:     &session.Report{RunID: 7, Progress: session.Progress{Processed: 4, Total: 4, Extracted: 3, Failed: 1}},
			OutputPath: "out/20240301-093000.csv",
		}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (b *blockingRunner) awaitStart(t *testing.T) pipeline.Request {
	t.Helper()
	select {
	case req := <-b.started:
		return req
	case <-time.After(2 * time.Second):
		t.Fatal("run was not started")
		return pipeline.Request{}
	}
}

func newTestServer(t *testing.T, runner Runner) (*Server, *history.Store) {
	t.Helper()
	store, err := history.NewStore(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	catalog := &merchant.Catalog{Merchants: []merchant.Merchant{
		{ID: "shop", Name: "Example Shop", Sender: "egift@shop.example", PortalHosts: []string{"portal.shop.example"}},
	}}
	s, err := NewServer(testAddr, store, catalog, runner, logging.Discard())
	require.NoError(t, err)
	return s, store
}

type client struct {
	t       *testing.T
	h       http.Handler
	token   string
	cookies []*http.Cookie
}

func newClient(t *testing.T, h http.Handler) *client {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/csrf", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	require.NotEmpty(t, body["token"])
	assert.Equal(t, body["token"], rec.Header().Get("X-CSRF-Token"))

	return &client{t: t, h: h, token: body["token"], cookies: rec.Result().Cookies()}
}

func (c *client) get(path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	c.h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func (c *client) post(path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-CSRF-Token", c.token)
	req.Header.Set("Referer", "http://"+testAddr+"/")
	for _, ck := range c.cookies {
		req.AddCookie(ck)
	}
	rec := httptest.NewRecorder()
	c.h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&v), rec.Body.String())
	return v
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(2, time.Minute)
	assert.True(t, rl.Allow("a"))
	assert.True(t, rl.Allow("a"))
	assert.False(t, rl.Allow("a"))
	assert.True(t, rl.Allow("b"))

	short := NewRateLimiter(1, time.Millisecond)
	assert.True(t, short.Allow("a"))
	time.Sleep(5 * time.Millisecond)
	assert.True(t, short.Allow("a"), "old requests leave the window")
}

func TestStartRunRequiresCSRFToken(t *testing.T) {
	runner := newBlockingRunner()
	s, _ := newTestServer(t, runner.run)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/runs", strings.NewReader(`{}`)))

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Nil(t, s.jobs.GetActive())
}

func TestRunLifecycle(t *testing.T) {
	runner := newBlockingRunner()
	s, _ := newTestServer(t, runner.run)
	c := newClient(t, s.Handler())

	rec := c.post("/api/runs", `{"from":"gifts@merchant.example","no_pin":true}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	started := decode[JobView](t, rec)
	assert.Equal(t, JobStatusRunning, started.Status)

	req := runner.awaitStart(t)
	assert.Equal(t, pipeline.Request{From: "gifts@merchant.example", NoPIN: true}, req)

	require.Eventually(t, func() bool {
		return s.jobs.Get(started.ID).View().Waiting == "captcha"
	}, time.Second, 5*time.Millisecond)

	active := decode[map[string]JobView](t, c.get("/api/runs/active"))
	assert.Equal(t, started.ID, active["job"].ID)
	assert.Equal(t, 1, active["job"].Progress.Processed)
	assert.Equal(t, 25, active["job"].Percent)

	rec = c.post("/api/runs", `{}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, started.ID, decode[map[string]string](t, rec)["job_id"])

	close(runner.release)
	require.Eventually(t, func() bool {
		return s.jobs.Get(started.ID).View().Status == JobStatusCompleted
	}, time.Second, 5*time.Millisecond)

	done := decode[JobView](t, c.get("/api/runs/"+started.ID))
	assert.Equal(t, 100, done.Percent)
	assert.Equal(t, int64(7), done.RunID)
	assert.Equal(t, 3, done.Progress.Extracted)
	assert.Equal(t, "out/20240301-093000.csv", done.OutputPath)
	assert.Empty(t, done.Waiting)
	assert.NotNil(t, done.CompletedAt)

	assert.Nil(t, decode[map[string]*JobView](t, c.get("/api/runs/active"))["job"])
}

func TestCancelRun(t *testing.T) {
	runner := newBlockingRunner()
	s, _ := newTestServer(t, runner.run)
	c := newClient(t, s.Handler())

	job := decode[JobView](t, c.post("/api/runs", `{}`))
	runner.awaitStart(t)

	rec := c.post("/api/runs/"+job.ID+"/cancel", "")
	require.Equal(t, http.StatusAccepted, rec.Code)

	require.Eventually(t, func() bool {
		return s.jobs.Get(job.ID).View().Status == JobStatusCancelled
	}, time.Second, 5*time.Millisecond)

	rec = c.post("/api/runs/"+job.ID+"/cancel", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestRunFailureIsReported(t *testing.T) {
	failing := func(ctx context.Context, req pipeline.Request, opts pipeline.Options) (*pipeline.Result, error) {
		return nil, pipeline.ErrNoSender
	}
	s, _ := newTestServer(t, failing)
	c := newClient(t, s.Handler())

	job := decode[JobView](t, c.post("/api/runs", `{}`))
	require.Eventually(t, func() bool {
		return s.jobs.Get(job.ID).View().Status == JobStatusError
	}, time.Second, 5*time.Millisecond)

	v := s.jobs.Get(job.ID).View()
	assert.Equal(t, pipeline.ErrNoSender.Error(), v.Error)
	assert.Equal(t, "config", v.ErrorType)
}

func TestStartRunWithPlainHTTPReferer(t *testing.T) {
	runner := newBlockingRunner()
	s, _ := newTestServer(t, runner.run)
	c := newClient(t, s.Handler())

	rec := c.post("/api/runs", `{}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	job := decode[JobView](t, rec)
	runner.awaitStart(t)

	// a foreign Origin is still refused
	req := httptest.NewRequest(http.MethodPost, "/api/runs/"+job.ID+"/cancel", nil)
	req.Header.Set("X-CSRF-Token", c.token)
	req.Header.Set("Origin", "http://evil.example")
	for _, ck := range c.cookies {
		req.AddCookie(ck)
	}
	forged := httptest.NewRecorder()
	s.Handler().ServeHTTP(forged, req)
	assert.Equal(t, http.StatusForbidden, forged.Code)

	assert.Equal(t, http.StatusAccepted, c.post("/api/runs/"+job.ID+"/cancel", "").Code)
}

func TestStartRunValidation(t *testing.T) {
	runner := newBlockingRunner()
	s, _ := newTestServer(t, runner.run)
	c := newClient(t, s.Handler())

	rec := c.post("/api/runs", `{"merchant":"nope"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "unknown merchant")

	rec = c.post("/api/runs", `{not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	assert.Nil(t, s.jobs.GetActive())
}

func TestJobNotFound(t *testing.T) {
	s, _ := newTestServer(t, newBlockingRunner().run)
	c := newClient(t, s.Handler())

	assert.Equal(t, http.StatusNotFound, c.get("/api/runs/missing").Code)
	assert.Equal(t, http.StatusNotFound, c.post("/api/runs/missing/cancel", "").Code)
}

func TestHistoryEndpoints(t *testing.T) {
	s, store := newTestServer(t, newBlockingRunner().run)
	c := newClient(t, s.Handler())

	run := &history.Run{FromEmail: "gifts@merchant.example", Folder: "INBOX"}
	require.NoError(t, store.StartRun(run))
	require.NoError(t, store.AddCard(run.ID, &card.Card{
		Brand: "Example Store", Number: "6006491234567890", PIN: "7731", Amount: "$50.00",
		SourceURL: "https://cards.example/v/1", MessageID: "good@merchant.example",
	}))
	require.NoError(t, store.AddFailure(&history.Failure{
		RunID: run.ID, MessageID: "nolink@merchant.example", Kind: session.KindLinkNotFound, Error: "no link",
	}))
	run.Status, run.Messages, run.Extracted, run.Failed = history.RunCompleted, 2, 1, 1
	require.NoError(t, store.FinishRun(run))

	stats := decode[map[string]int](t, c.get("/api/stats"))
	assert.Equal(t, map[string]int{"runs": 1, "cards": 1, "failures": 1}, stats)

	runs := decode[[]runView](t, c.get("/api/runs"))
	require.Len(t, runs, 1)
	assert.Equal(t, history.RunCompleted, runs[0].Status)
	assert.Equal(t, 1, runs[0].Extracted)

	cards := decode[[]cardView](t, c.get("/api/cards?run="+strconv.FormatInt(run.ID, 10)))
	require.Len(t, cards, 1)
	assert.Equal(t, "6006491234567890", cards[0].Number)
	assert.Equal(t, "7731", cards[0].PIN)

	failures := decode[[]failureView](t, c.get("/api/failures"))
	require.Len(t, failures, 1)
	assert.Equal(t, session.KindLinkNotFound, failures[0].Kind)

	merchants := decode[[]merchantView](t, c.get("/api/merchants"))
	require.Len(t, merchants, 1)
	assert.True(t, merchants[0].Portal)
}

func TestSecurityHeaders(t *testing.T) {
	s, _ := newTestServer(t, newBlockingRunner().run)
	rec := newClient(t, s.Handler()).get("/api/stats")

	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Contains(t, rec.Header().Get("Cache-Control"), "no-store")
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
}

func TestShutdownCancelsActiveRun(t *testing.T) {
	runner := newBlockingRunner()
	s, _ := newTestServer(t, runner.run)
	c := newClient(t, s.Handler())

	job := decode[JobView](t, c.post("/api/runs", `{}`))
	runner.awaitStart(t)

	require.NoError(t, s.Shutdown(context.Background()))
	require.Eventually(t, func() bool {
		return s.jobs.Get(job.ID).View().Status == JobStatusCancelled
	}, time.Second, 5*time.Millisecond)
}
