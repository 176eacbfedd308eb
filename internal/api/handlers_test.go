package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/mkrav/outreach/internal/account"
	"github.com/mkrav/outreach/internal/config"
	"github.com/mkrav/outreach/internal/delivery"
	"github.com/mkrav/outreach/internal/engine"
	"github.com/mkrav/outreach/internal/ratelimit"
	"github.com/mkrav/outreach/internal/store"
	"github.com/mkrav/outreach/internal/template"
)

// stubSender delivers everything without touching the network.
type stubSender struct{}

func (stubSender) Send(ctx context.Context, acct *account.Account, msg *delivery.Message) delivery.Outcome {
	return delivery.Outcome{Kind: delivery.Delivered}
}

// stubChecker fakes the SMTP credential check.
type stubChecker struct {
	err error
}

func (c *stubChecker) Check(ctx context.Context, acct *account.Account) error {
	return c.err
}

type testServer struct {
	server  *Server
	store   *store.BoltStore
	pool    *account.Pool
	checker *stubChecker
}

func setupTestServer(t *testing.T, apiKey string) *testServer {
	t.Helper()

	st, err := store.NewBoltStore(filepath.Join(t.TempDir(), "api.db"))
	if err != nil {
		t.Fatalf("NewBoltStore() error = %v", err)
	}
	t.Cleanup(func() { st.Close() })

	templates, err := template.NewStorage(st.DB())
	if err != nil {
		t.Fatalf("NewStorage() error = %v", err)
	}

	limiter, err := ratelimit.NewLimiter(st.DB(), &ratelimit.Config{})
	if err != nil {
		t.Fatalf("NewLimiter() error = %v", err)
	}
	t.Cleanup(func() { limiter.Stop() })

	pool := account.NewPool([]*account.Account{
		{Name: "primary", Host: "smtp.example.com", Port: 587, FromEmail: "primary@example.com", Enabled: true},
	})

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	manager := engine.NewManager(st, templates, pool, limiter, stubSender{}, engine.Config{
		BatchPause:   time.Millisecond,
		PollInterval: time.Hour,
	}, logger, nil)
	t.Cleanup(manager.Shutdown)

	checker := &stubChecker{}
	cfg := &config.APIConfig{
		ListenAddr: ":8080",
		APIKey:     apiKey,
	}
	server := NewServer(manager, st, templates, pool, limiter, checker, cfg, logger, nil)

	return &testServer{server: server, store: st, pool: pool, checker: checker}
}

func (ts *testServer) request(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to marshal request body: %v", err)
		}
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, reader)
	w := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(w.Body).Decode(&v); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	return v
}

func (ts *testServer) createTemplate(t *testing.T) TemplateResponse {
	t.Helper()
	w := ts.request(t, "POST", "/api/v1/templates", TemplateCreateRequest{
		Name:    "intro",
		Subject: "Hi {FirstName}",
		Text:    "I saw {Brokerage} in {City}.",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create template status = %d: %s", w.Code, w.Body.String())
	}
	return decode[TemplateResponse](t, w)
}

func TestHealthEndpoint(t *testing.T) {
	ts := setupTestServer(t, "")

	w := ts.request(t, "GET", "/health", nil)
	if w.Code != http.StatusOK {
		t.Errorf("Status = %d, want %d", w.Code, http.StatusOK)
	}

	resp := decode[HealthResponse](t, w)
	if resp.Status != "ok" {
		t.Errorf("Status = %q, want ok", resp.Status)
	}
}

func TestAuthMiddleware(t *testing.T) {
	ts := setupTestServer(t, "secret-key")

	w := ts.request(t, "GET", "/api/v1/campaigns", nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("no key: status = %d, want 401", w.Code)
	}

	req := httptest.NewRequest("GET", "/api/v1/campaigns", nil)
	req.Header.Set("Authorization", "Bearer secret-key")
	w2 := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(w2, req)
	if w2.Code != http.StatusOK {
		t.Errorf("bearer token: status = %d, want 200", w2.Code)
	}

	req = httptest.NewRequest("GET", "/api/v1/campaigns", nil)
	req.Header.Set("X-API-Key", "secret-key")
	w3 := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(w3, req)
	if w3.Code != http.StatusOK {
		t.Errorf("x-api-key: status = %d, want 200", w3.Code)
	}

	req = httptest.NewRequest("GET", "/api/v1/campaigns", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	w4 := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(w4, req)
	if w4.Code != http.StatusUnauthorized {
		t.Errorf("wrong key: status = %d, want 401", w4.Code)
	}

	// Health stays open.
	if w := ts.request(t, "GET", "/health", nil); w.Code != http.StatusOK {
		t.Errorf("health with auth enabled: status = %d, want 200", w.Code)
	}
}

func TestTemplateCRUD(t *testing.T) {
	ts := setupTestServer(t, "")

	created := ts.createTemplate(t)
	if created.ID == "" || created.Version != 1 {
		t.Fatalf("created template = %+v", created)
	}
	if len(created.Placeholders) != 3 {
		t.Errorf("placeholders = %v, want FirstName, Brokerage, City", created.Placeholders)
	}

	// Duplicate name conflicts.
	w := ts.request(t, "POST", "/api/v1/templates", TemplateCreateRequest{
		Name: "intro", Subject: "s", Text: "b",
	})
	if w.Code != http.StatusConflict {
		t.Errorf("duplicate name: status = %d, want 409", w.Code)
	}

	// Missing subject is a validation error.
	w = ts.request(t, "POST", "/api/v1/templates", TemplateCreateRequest{Name: "bad", Text: "b"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("missing subject: status = %d, want 400", w.Code)
	}

	w = ts.request(t, "GET", "/api/v1/templates/"+created.ID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get status = %d", w.Code)
	}

	// Lookup by name works too.
	w = ts.request(t, "GET", "/api/v1/templates/intro", nil)
	if w.Code != http.StatusOK {
		t.Errorf("get by name status = %d, want 200", w.Code)
	}

	w = ts.request(t, "PUT", "/api/v1/templates/"+created.ID, TemplateUpdateRequest{
		Subject: "Hello {FirstName}",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("update status = %d: %s", w.Code, w.Body.String())
	}
	updated := decode[TemplateResponse](t, w)
	if updated.Version != 2 || updated.Subject != "Hello {FirstName}" {
		t.Errorf("updated template = %+v", updated.Template)
	}

	w = ts.request(t, "GET", "/api/v1/templates", nil)
	list := decode[TemplateListResponse](t, w)
	if list.Total != 1 {
		t.Errorf("list total = %d, want 1", list.Total)
	}

	w = ts.request(t, "DELETE", "/api/v1/templates/"+created.ID, nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d", w.Code)
	}
	w = ts.request(t, "GET", "/api/v1/templates/"+created.ID, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("get after delete status = %d, want 404", w.Code)
	}
}

func TestTemplatePreview(t *testing.T) {
	ts := setupTestServer(t, "")
	created := ts.createTemplate(t)

	w := ts.request(t, "POST", "/api/v1/templates/"+created.ID+"/preview", TemplatePreviewRequest{
		Attributes: map[string]string{
			"FirstName": "Sam",
			"Brokerage": "Acme Realty",
			"City":      "Denver",
		},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("preview status = %d: %s", w.Code, w.Body.String())
	}

	rendered := decode[template.Rendered](t, w)
	if rendered.Subject != "Hi Sam" {
		t.Errorf("subject = %q, want %q", rendered.Subject, "Hi Sam")
	}
	if rendered.Text != "I saw Acme Realty in Denver." {
		t.Errorf("text = %q", rendered.Text)
	}

	w = ts.request(t, "POST", "/api/v1/templates/missing/preview", TemplatePreviewRequest{})
	if w.Code != http.StatusNotFound {
		t.Errorf("preview missing template status = %d, want 404", w.Code)
	}
}

func TestCampaignEndpoints(t *testing.T) {
	ts := setupTestServer(t, "")
	tmpl := ts.createTemplate(t)

	w := ts.request(t, "POST", "/api/v1/campaigns", engine.CreateRequest{
		Name:       "q3 outreach",
		TemplateID: tmpl.ID,
		Recipients: []engine.RecipientInput{
			{Email: "a@example.com", Attributes: map[string]string{"FirstName": "A"}},
			{Email: "not-an-email"},
			{Email: "b@example.com"},
		},
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create campaign status = %d: %s", w.Code, w.Body.String())
	}
	created := decode[CampaignResponse](t, w)
	if created.Total != 3 || created.Skipped != 1 || created.Remaining != 2 {
		t.Errorf("created campaign = total %d skipped %d remaining %d",
			created.Total, created.Skipped, created.Remaining)
	}
	if created.State != store.StateDraft {
		t.Errorf("state = %v, want draft", created.State)
	}

	// Unknown template is a 404.
	w = ts.request(t, "POST", "/api/v1/campaigns", engine.CreateRequest{
		Name:       "broken",
		TemplateID: "missing",
		Recipients: []engine.RecipientInput{{Email: "a@example.com"}},
	})
	if w.Code != http.StatusNotFound {
		t.Errorf("missing template status = %d, want 404", w.Code)
	}

	w = ts.request(t, "GET", "/api/v1/campaigns/"+created.ID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get campaign status = %d", w.Code)
	}

	w = ts.request(t, "GET", "/api/v1/campaigns/missing", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("get missing campaign status = %d, want 404", w.Code)
	}

	w = ts.request(t, "GET", "/api/v1/campaigns", nil)
	campaigns := decode[[]CampaignResponse](t, w)
	if len(campaigns) != 1 {
		t.Errorf("campaign list = %d entries, want 1", len(campaigns))
	}

	w = ts.request(t, "GET", "/api/v1/campaigns/"+created.ID+"/recipients?status=skipped", nil)
	skipped := decode[[]*store.Recipient](t, w)
	if len(skipped) != 1 || skipped[0].Email != "not-an-email" {
		t.Errorf("skipped recipients = %+v", skipped)
	}

	w = ts.request(t, "GET", "/api/v1/campaigns/missing/recipients", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("recipients of missing campaign status = %d, want 404", w.Code)
	}
}

func TestCampaignLifecycleEndpoints(t *testing.T) {
	ts := setupTestServer(t, "")
	tmpl := ts.createTemplate(t)

	w := ts.request(t, "POST", "/api/v1/campaigns", engine.CreateRequest{
		Name:       "lifecycle",
		TemplateID: tmpl.ID,
		Recipients: []engine.RecipientInput{{Email: "a@example.com"}},
	})
	created := decode[CampaignResponse](t, w)

	// Pausing a draft is an illegal transition.
	w = ts.request(t, "POST", "/api/v1/campaigns/"+created.ID+"/pause", nil)
	if w.Code != http.StatusConflict {
		t.Errorf("pause draft status = %d, want 409", w.Code)
	}

	w = ts.request(t, "POST", "/api/v1/campaigns/"+created.ID+"/start", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("start status = %d: %s", w.Code, w.Body.String())
	}
	started := decode[CampaignResponse](t, w)
	if started.State != store.StateRunning {
		t.Errorf("state after start = %v, want running", started.State)
	}

	// The single recipient delivers quickly with the stub sender.
	deadline := time.After(5 * time.Second)
	for {
		w = ts.request(t, "GET", "/api/v1/campaigns/"+created.ID, nil)
		got := decode[CampaignResponse](t, w)
		if got.State == store.StateCompleted {
			if got.Sent != 1 || got.Remaining != 0 {
				t.Errorf("completed campaign = sent %d remaining %d", got.Sent, got.Remaining)
			}
			break
		}
		select {
		case <-deadline:
			t.Fatalf("campaign never completed, state = %v", got.State)
		case <-time.After(10 * time.Millisecond):
		}
	}

	// The attempt log has the delivery.
	w = ts.request(t, "GET", "/api/v1/campaigns/"+created.ID+"/attempts", nil)
	attempts := decode[[]*store.SendAttempt](t, w)
	if len(attempts) != 1 || attempts[0].Outcome != string(delivery.Delivered) {
		t.Errorf("attempts = %+v", attempts)
	}

	w = ts.request(t, "POST", "/api/v1/campaigns/"+created.ID+"/start", nil)
	if w.Code != http.StatusConflict {
		t.Errorf("restart completed status = %d, want 409", w.Code)
	}

	w = ts.request(t, "POST", "/api/v1/campaigns/missing/start", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("start missing campaign status = %d, want 404", w.Code)
	}
}

func TestAccountEndpoints(t *testing.T) {
	ts := setupTestServer(t, "")

	w := ts.request(t, "GET", "/api/v1/accounts", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list accounts status = %d", w.Code)
	}
	accounts := decode[[]AccountResponse](t, w)
	if len(accounts) != 1 || accounts[0].Name != "primary" {
		t.Fatalf("accounts = %+v", accounts)
	}
	if !accounts[0].Healthy || accounts[0].Usage == nil {
		t.Errorf("accounts[0] = %+v", accounts[0])
	}

	w = ts.request(t, "POST", "/api/v1/accounts/missing/test", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("test missing account status = %d, want 404", w.Code)
	}

	// A failing check reports the error and leaves health alone.
	ts.pool.MarkUnhealthy("primary", "535 authentication failed")
	ts.checker.err = errors.New("535 authentication failed")
	w = ts.request(t, "POST", "/api/v1/accounts/primary/test", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("test account status = %d", w.Code)
	}
	result := decode[map[string]string](t, w)
	if result["status"] != "failed" {
		t.Errorf("result = %v", result)
	}
	if ts.pool.IsHealthy("primary") {
		t.Error("failed check reactivated the account")
	}

	// A passing check reactivates it.
	ts.checker.err = nil
	w = ts.request(t, "POST", "/api/v1/accounts/primary/test", nil)
	result = decode[map[string]string](t, w)
	if result["status"] != "ok" {
		t.Errorf("result = %v", result)
	}
	if !ts.pool.IsHealthy("primary") {
		t.Error("passing check did not reactivate the account")
	}
}
