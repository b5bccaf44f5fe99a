package handlers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alimgiray/repomailer/internal/events"
	"github.com/alimgiray/repomailer/internal/models"
	"github.com/alimgiray/repomailer/internal/repositories"
	"github.com/alimgiray/repomailer/internal/services"
	"github.com/alimgiray/repomailer/internal/workers"
	"github.com/alimgiray/repomailer/pkg/config"
	"github.com/alimgiray/repomailer/pkg/pagination"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

type apiFixture struct {
	router  *gin.Engine
	store   *repositories.MemoryEmailRepository
	hub     *events.Hub
	manager *workers.WorkerManager
}

func newAPIFixture(t *testing.T) *apiFixture {
	gin.SetMode(gin.TestMode)

	github := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Path == "/rate_limit" {
			reset := time.Now().Add(time.Hour).Unix()
			_, _ = w.Write([]byte(`{"resources":{"core":{"limit":60,"remaining":57,"reset":` + jsonInt(reset) + `}}}`))
			return
		}
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"message":"Not Found"}`))
	}))
	t.Cleanup(github.Close)

	cfg := config.Default()
	cfg.GitHub.APIURL = github.URL
	cfg.GitHub.CallTimeout = 2 * time.Second
	cfg.GitHub.RequestsPerSecond = 100

	clients, err := services.NewGitHubClientFactory(cfg.GitHub)
	require.NoError(t, err)

	store := repositories.NewMemoryEmailRepository()
	hub := events.NewHub()
	manager := workers.NewWorkerManager(cfg.Runs.HistorySize)
	t.Cleanup(func() { _ = manager.StopAll(5 * time.Second) })

	sender := services.NewSMTPSender(time.Second, 2*time.Second)
	probe := services.NewPortProbe(time.Second)

	router := SetupRouter(Dependencies{
		Collector:     services.NewCollectorService(store, clients, hub, manager, false),
		Dispatcher:    services.NewDispatcherService(store, sender, probe, hub, manager, cfg.SMTP),
		Emails:        services.NewEmailService(store, hub),
		GitHubClients: clients,
		Hub:           hub,
		WorkerManager: manager,
	})
	return &apiFixture{router: router, store: store, hub: hub, manager: manager}
}

func (f *apiFixture) seed(t *testing.T, email, repository string, collectedAt time.Time) *models.EmailRecord {
	rec := models.NewEmailRecord(email, "", "", repository, collectedAt)
	inserted, err := f.store.InsertIfAbsent(context.Background(), rec)
	require.NoError(t, err)
	require.True(t, inserted)
	return rec
}

func (f *apiFixture) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func jsonInt(v int64) string {
	raw, _ := json.Marshal(v)
	return string(raw)
}

func TestListEmails(t *testing.T) {
	f := newAPIFixture(t)
	base := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	f.seed(t, "a@example.com", "octo/app", base)
	f.seed(t, "b@example.com", "octo/app", base.Add(24*time.Hour))
	f.seed(t, "c@example.com", "octo/lib", base.Add(48*time.Hour))

	t.Run("pagination", func(t *testing.T) {
		w := f.do(t, http.MethodGet, "/api/emails?page=2&limit=2", nil)
		require.Equal(t, http.StatusOK, w.Code)

		body := decode(t, w)
		assert.Len(t, body["emails"], 1)
		assert.Equal(t, map[string]interface{}{"total": 3.0, "page": 2.0, "limit": 2.0, "pages": 2.0}, body["pagination"])
	})

	t.Run("page far past the end", func(t *testing.T) {
		w := f.do(t, http.MethodGet, "/api/emails?page=92233720368547760&limit=100", nil)
		require.Equal(t, http.StatusOK, w.Code)
		body := decode(t, w)
		assert.Equal(t, []interface{}{}, body["emails"])
		assert.Equal(t, float64(pagination.MaxPage), body["pagination"].(map[string]interface{})["page"])
	})

	t.Run("repository filter", func(t *testing.T) {
		w := f.do(t, http.MethodGet, "/api/emails?repository=octo/lib", nil)
		require.Equal(t, http.StatusOK, w.Code)
		emails := decode(t, w)["emails"].([]interface{})
		require.Len(t, emails, 1)
		assert.Equal(t, "c@example.com", emails[0].(map[string]interface{})["email"])
	})

	t.Run("date range covers the whole end day", func(t *testing.T) {
		w := f.do(t, http.MethodGet, "/api/emails?collectedFrom=2024-03-11&collectedTo=2024-03-11", nil)
		require.Equal(t, http.StatusOK, w.Code)
		emails := decode(t, w)["emails"].([]interface{})
		require.Len(t, emails, 1)
		assert.Equal(t, "b@example.com", emails[0].(map[string]interface{})["email"])
	})

	t.Run("empty result is an array", func(t *testing.T) {
		w := f.do(t, http.MethodGet, "/api/emails?search=nobody", nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, []interface{}{}, decode(t, w)["emails"])
	})

	testCases := []struct {
		name  string
		query string
		field string
	}{
		{"bad sent status", "sentStatus=maybe", "sentStatus"},
		{"bad date", "collectedFrom=yesterday", "collectedFrom"},
		{"inverted range", "collectedFrom=2024-03-12&collectedTo=2024-03-10", "collectedTo"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			w := f.do(t, http.MethodGet, "/api/emails?"+tc.query, nil)
			require.Equal(t, http.StatusBadRequest, w.Code)
			body := decode(t, w)
			assert.Equal(t, false, body["success"])
			assert.Equal(t, tc.field, body["field"])
			assert.NotEmpty(t, body["error"])
			assert.Equal(t, body["message"], body["error"])
		})
	}
}

func TestEmailAdministration(t *testing.T) {
	f := newAPIFixture(t)
	observer, unsubscribe := f.hub.Subscribe()
	defer unsubscribe()

	w := f.do(t, http.MethodPost, "/api/emails", map[string]string{"email": "Ada@Example.com", "repository": "octo/app"})
	require.Equal(t, http.StatusCreated, w.Code)
	created := decode(t, w)
	assert.Equal(t, "ada@example.com", created["email"])
	id := created["_id"].(string)

	ev := <-observer
	assert.Equal(t, events.EmailAdded, ev.Name)

	w = f.do(t, http.MethodPost, "/api/emails", map[string]string{"email": "ada@example.com", "repository": "octo/app"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = f.do(t, http.MethodPost, "/api/emails", map[string]string{"email": "ada@example.com"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "repository", decode(t, w)["field"])

	w = f.do(t, http.MethodGet, "/api/emails/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	stats := decode(t, w)
	assert.Equal(t, 1.0, stats["total"])
	assert.Equal(t, []interface{}{map[string]interface{}{"_id": "octo/app", "count": 1.0}}, stats["byRepository"])

	w = f.do(t, http.MethodDelete, "/api/emails/"+id, nil)
	require.Equal(t, http.StatusOK, w.Code)
	ev = <-observer
	assert.Equal(t, events.EmailDeleted, ev.Name)

	w = f.do(t, http.MethodDelete, "/api/emails/"+id, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	a := f.seed(t, "a@example.com", "octo/app", time.Now())
	b := f.seed(t, "b@example.com", "octo/app", time.Now())
	w = f.do(t, http.MethodDelete, "/api/emails", map[string][]string{"ids": {a.ID, b.ID, "missing"}})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 2.0, decode(t, w)["deleted"])

	w = f.do(t, http.MethodDelete, "/api/emails", map[string][]string{"ids": {}})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRepositoryRoutes(t *testing.T) {
	f := newAPIFixture(t)
	f.seed(t, "a@example.com", "octo/app", time.Now())
	f.seed(t, "b@example.com", "octo/app", time.Now())
	f.seed(t, "c@example.com", "octo/lib", time.Now())

	w := f.do(t, http.MethodGet, "/api/repositories/octo/app", nil)
	require.Equal(t, http.StatusOK, w.Code)
	summary := decode(t, w)
	assert.Equal(t, "octo/app", summary["repository"])
	assert.Equal(t, 2.0, summary["totalEmails"])

	w = f.do(t, http.MethodGet, "/api/repositories/octo/none", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(t, http.MethodDelete, "/api/repositories/octo/app", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 2.0, decode(t, w)["deleted"])

	stats, err := f.store.Stats(context.Background(), time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Total)
}

func TestExportEmails(t *testing.T) {
	f := newAPIFixture(t)
	f.seed(t, "a@example.com", "octo/app", time.Now())
	f.seed(t, "c@example.com", "octo/lib", time.Now())

	w := f.do(t, http.MethodGet, "/api/emails/export?repository=octo/app", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "spreadsheetml")
	assert.Contains(t, w.Header().Get("Content-Disposition"), "emails-octo-app-")

	book, err := excelize.OpenReader(bytes.NewReader(w.Body.Bytes()))
	require.NoError(t, err)
	defer book.Close()
	rows, err := book.GetRows(services.ExportSheet)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "a@example.com", rows[1][0])
}

func TestCollectAndRuns(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(t, http.MethodPost, "/api/github/collect", map[string]interface{}{"repository": ""})
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "repository", decode(t, w)["field"])

	w = f.do(t, http.MethodPost, "/api/github/collect", map[string]interface{}{
		"repository": "octo/missing",
		"options":    map[string]interface{}{"includeContributors": false, "includeCommits": false},
	})
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "options", decode(t, w)["field"])

	w = f.do(t, http.MethodPost, "/api/github/collect", map[string]interface{}{"repository": "octo/missing"})
	require.Equal(t, http.StatusAccepted, w.Code)
	accepted := decode(t, w)
	runID := accepted["runId"].(string)
	assert.Equal(t, "octo/missing", accepted["repository"])

	f.manager.Wait()

	w = f.do(t, http.MethodGet, "/api/runs/"+runID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	run := decode(t, w)
	assert.Equal(t, string(models.JobStatusFailed), run["status"])

	w = f.do(t, http.MethodGet, "/api/runs", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode(t, w)["runs"], 1)

	w = f.do(t, http.MethodGet, "/api/runs/unknown", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "Run not found", decode(t, w)["error"])
}

func TestRunsRejectedDuringShutdown(t *testing.T) {
	f := newAPIFixture(t)
	require.NoError(t, f.manager.StopAll(time.Second))

	w := f.do(t, http.MethodPost, "/api/github/collect", map[string]interface{}{"repository": "octo/app"})
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, models.ErrShuttingDown.Error(), decode(t, w)["error"])

	w = f.do(t, http.MethodPost, "/api/send/bulk", map[string]interface{}{
		"toType":       "custom",
		"customEmails": "a@example.com",
		"subject":      "Hi",
		"htmlTemplate": "<p>Hi</p>",
		"smtpConfig":   map[string]interface{}{"host": "127.0.0.1", "port": 1, "user": "me@example.com", "pass": "secret"},
	})
	require.Equal(t, http.StatusServiceUnavailable, w.Code)

	w = f.do(t, http.MethodGet, "/api/runs", nil)
	assert.Len(t, decode(t, w)["runs"], 0)
}

func TestRateLimitRoute(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(t, http.MethodGet, "/api/github/rate-limit", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, 60.0, body["limit"])
	assert.Equal(t, 57.0, body["remaining"])
	assert.Equal(t, false, body["authenticated"])
}

func TestSendRoutes(t *testing.T) {
	f := newAPIFixture(t)

	smtpConfig := map[string]interface{}{"host": "127.0.0.1", "port": 1, "user": "me@example.com", "pass": "secret"}

	testCases := []struct {
		name  string
		body  map[string]interface{}
		field string
	}{
		{"missing smtp host", map[string]interface{}{"toType": "custom", "customEmails": "a@example.com", "subject": "Hi", "htmlTemplate": "<p>Hi</p>", "smtpConfig": map[string]interface{}{}}, "smtpConfig.host"},
		{"missing subject", map[string]interface{}{"toType": "custom", "customEmails": "a@example.com", "htmlTemplate": "<p>Hi</p>", "smtpConfig": smtpConfig}, "subject"},
		{"unknown toType", map[string]interface{}{"toType": "everyone", "subject": "Hi", "htmlTemplate": "<p>Hi</p>", "smtpConfig": smtpConfig}, "toType"},
		{"no custom emails", map[string]interface{}{"toType": "custom", "customEmails": " ", "subject": "Hi", "htmlTemplate": "<p>Hi</p>", "smtpConfig": smtpConfig}, "customEmails"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			w := f.do(t, http.MethodPost, "/api/send/bulk", tc.body)
			require.Equal(t, http.StatusBadRequest, w.Code)
			assert.Equal(t, tc.field, decode(t, w)["field"])
		})
	}

	t.Run("custom dispatch is accepted", func(t *testing.T) {
		w := f.do(t, http.MethodPost, "/api/send/bulk", map[string]interface{}{
			"toType":       "custom",
			"customEmails": []string{"a@example.com", "b@example.com"},
			"subject":      "Hi",
			"htmlTemplate": "<p>Hi</p>",
			"smtpConfig":   smtpConfig,
		})
		require.Equal(t, http.StatusAccepted, w.Code)
		body := decode(t, w)
		assert.NotEmpty(t, body["runId"])
		assert.Equal(t, 2.0, body["total"])
		f.manager.Wait()
	})

	t.Run("connection test requires a host", func(t *testing.T) {
		w := f.do(t, http.MethodPost, "/api/send/test-connection", map[string]interface{}{"port": 587})
		require.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, "host", decode(t, w)["field"])
	})

	t.Run("credential test reports failure in the body", func(t *testing.T) {
		w := f.do(t, http.MethodPost, "/api/send/test", smtpConfig)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, false, decode(t, w)["success"])
	})

	t.Run("malformed body", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/send/bulk", strings.NewReader("{"))
		req.Header.Set("Content-Type", "application/json")
		w := httptest.NewRecorder()
		f.router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestEventStream(t *testing.T) {
	f := newAPIFixture(t)
	server := httptest.NewServer(f.router)
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, server.URL+"/api/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	require.Eventually(t, func() bool { return f.hub.Subscribers() == 1 }, 2*time.Second, 10*time.Millisecond)
	f.hub.Emit(events.EmailDeleted, services.EmailDeleted{ID: "abc"})

	reader := bufio.NewReader(resp.Body)
	var lines []string
	for len(lines) < 2 {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	assert.Equal(t, "event:"+events.EmailDeleted, lines[0])
	assert.JSONEq(t, `{"id":"abc"}`, strings.TrimPrefix(lines[1], "data:"))

	cancel()
	require.Eventually(t, func() bool { return f.hub.Subscribers() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestHealthAndNotFound(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", decode(t, w)["status"])

	w = f.do(t, http.MethodGet, "/api/nope", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "/api/nope", decode(t, w)["path"])
}
