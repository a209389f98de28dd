package client

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/Sternrassler/wiki-api-client/internal/testutil"
	"github.com/Sternrassler/wiki-api-client/pkg/config"
	"github.com/Sternrassler/wiki-api-client/pkg/params"
	"github.com/Sternrassler/wiki-api-client/pkg/ratelimit"
	"github.com/Sternrassler/wiki-api-client/pkg/site"
	"github.com/Sternrassler/wiki-api-client/pkg/transport"
)

// sleepRecorder replaces real sleeps in tests.
type sleepRecorder struct {
	mu    sync.Mutex
	slept []time.Duration
	err   error
}

func (s *sleepRecorder) Sleep(_ context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.slept = append(s.slept, d)
	return s.err
}

func (s *sleepRecorder) Slept() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.slept...)
}

func testConfig() Config {
	return Config{
		MaxRetries:      3,
		RetryWait:       5 * time.Second,
		MaxLag:          5,
		APIConfigExpiry: time.Hour,
	}
}

// setupTestClient wires a client and a logged-out site to mock.
func setupTestClient(t *testing.T, mock *testutil.MockWiki, cfg Config, opts ...Option) (*Client, *site.APISite, *sleepRecorder) {
	t.Helper()

	c, err := New(cfg, transport.NewHTTP(transport.DefaultConfig("wikiapi-test/1.0")), opts...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	sleeper := &sleepRecorder{}
	c.sleep = sleeper.Sleep

	s := site.New(config.SiteConfig{
		ID:       "test:test",
		APIURL:   mock.URL(),
		Username: "Bot",
		Password: "secret",
	})
	s.SetAuthenticator(NewLoginManager(c))
	return c, s, sleeper
}

func newMock(t *testing.T) *testutil.MockWiki {
	t.Helper()
	mock := testutil.NewMockWiki()
	t.Cleanup(mock.Close)
	return mock
}

func mustRequest(t *testing.T, c *Client, s site.Site, p map[string]any, opts ...RequestOption) *Request {
	t.Helper()
	r, err := c.NewRequest(s, params.FromMap(p), opts...)
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}
	return r
}

func TestNew_Validation(t *testing.T) {
	tr := transport.NewHTTP(transport.DefaultConfig("wikiapi-test/1.0"))

	tests := []struct {
		name      string
		config    Config
		transport transport.Transport
		errorMsg  string
	}{
		{name: "valid config", config: testConfig(), transport: tr},
		{name: "nil transport", config: testConfig(), errorMsg: "transport is required"},
		{
			name:      "negative retries",
			config:    Config{MaxRetries: -1, RetryWait: time.Second},
			transport: tr,
			errorMsg:  "max_retries must be >= 0",
		},
		{
			name:      "zero retry wait",
			config:    Config{MaxRetries: 1},
			transport: tr,
			errorMsg:  "retry_wait must be > 0",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.config, tt.transport)
			if tt.errorMsg == "" {
				if err != nil {
					t.Errorf("New() error = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.errorMsg) {
				t.Errorf("New() error = %v, want %q", err, tt.errorMsg)
			}
		})
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.MaxRetries != 25 {
		t.Errorf("MaxRetries = %d, want 25", cfg.MaxRetries)
	}
	if cfg.RetryWait != 5*time.Second {
		t.Errorf("RetryWait = %v, want 5s", cfg.RetryWait)
	}
	if cfg.MaxLag != 5 {
		t.Errorf("MaxLag = %d, want 5", cfg.MaxLag)
	}
	if cfg.APIConfigExpiry != 30*24*time.Hour {
		t.Errorf("APIConfigExpiry = %v, want 30 days", cfg.APIConfigExpiry)
	}
}

func TestNewRequest(t *testing.T) {
	mock := newMock(t)
	c, s, _ := setupTestClient(t, mock, testConfig())

	t.Run("missing action", func(t *testing.T) {
		_, err := c.NewRequest(s, params.FromMap(map[string]any{"titles": "Foo"}))
		if ClassOf(err) != ClassConstruction || !errors.Is(err, params.ErrMissingAction) {
			t.Errorf("NewRequest() error = %v, want construction error", err)
		}
	})

	t.Run("write action asserts user", func(t *testing.T) {
		r := mustRequest(t, c, s, map[string]any{"action": "edit", "title": "Foo", "text": "bar"})
		if !r.Write {
			t.Error("Write = false for edit")
		}
		if got := r.Params.Get("assert"); got != "user" {
			t.Errorf("assert = %q, want user", got)
		}
	})

	t.Run("read action", func(t *testing.T) {
		r := mustRequest(t, c, s, map[string]any{"action": "query", "meta": "siteinfo"})
		if r.Write || r.Params.Get("assert") != "" {
			t.Errorf("query request marked as write: %+v", r)
		}
		if r.MaxRetries != 3 || r.RetryWait != 5*time.Second || !r.Throttle {
			t.Errorf("defaults not applied: %+v", r)
		}
	})

	t.Run("mime conflict", func(t *testing.T) {
		_, err := c.NewRequest(s, params.FromMap(map[string]any{"action": "upload", "chunk": "x"}),
			WithMimeParams(map[string]params.Part{"chunk": {Content: []byte("x")}}))
		if !errors.Is(err, params.ErrMimeConflict) {
			t.Errorf("NewRequest() error = %v, want ErrMimeConflict", err)
		}
	})
}

func TestSubmit_Success(t *testing.T) {
	mock := newMock(t)
	c, s, sleeper := setupTestClient(t, mock, testConfig())
	mock.EnqueueJSON(`{"batchcomplete":"","query":{"general":{"sitename":"Test"},"userinfo":{"id":0,"name":"127.0.0.1","anon":""}}}`)

	result, err := c.Submit(context.Background(), mustRequest(t, c, s, map[string]any{
		"action": "query",
		"meta":   "siteinfo",
	}))
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	query, _ := result["query"].(map[string]any)
	if general, _ := query["general"].(map[string]any); general["sitename"] != "Test" {
		t.Errorf("result = %v", result)
	}

	reqs := mock.Requests()
	if len(reqs) != 1 {
		t.Fatalf("RequestCount = %d, want 1", len(reqs))
	}
	form := reqs[0].Form
	if form.Get("format") != "json" || form.Get("maxlag") != "5" {
		t.Errorf("form = %v, want format=json and maxlag=5", form)
	}
	if form.Get("meta") != "siteinfo|userinfo" {
		t.Errorf("meta = %q, want siteinfo|userinfo", form.Get("meta"))
	}
	if reqs[0].ContentType != "application/x-www-form-urlencoded" {
		t.Errorf("Content-Type = %q", reqs[0].ContentType)
	}
	if reqs[0].UserAgent != "wikiapi-test/1.0" {
		t.Errorf("User-Agent = %q", reqs[0].UserAgent)
	}
	if name, _ := s.Session().UserName(); name != "127.0.0.1" {
		t.Errorf("session user = %q, want 127.0.0.1", name)
	}
	if len(sleeper.Slept()) != 0 {
		t.Errorf("slept %v on success", sleeper.Slept())
	}
}

func TestSubmit_TransientErrorsRetry(t *testing.T) {
	mock := newMock(t)
	c, s, sleeper := setupTestClient(t, mock, testConfig())
	mock.Enqueue(
		testutil.StatusResponse(http.StatusServiceUnavailable),
		testutil.StatusResponse(http.StatusBadGateway),
		testutil.JSONResponse(`{"parse":{"title":"Foo"}}`),
	)

	result, err := c.Submit(context.Background(), mustRequest(t, c, s, map[string]any{"action": "parse", "page": "Foo"}))
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if _, ok := result["parse"]; !ok {
		t.Errorf("result = %v", result)
	}
	if diff := cmp.Diff([]time.Duration{5 * time.Second, 10 * time.Second}, sleeper.Slept()); diff != "" {
		t.Errorf("backoff mismatch (-want +got):\n%s", diff)
	}
}

func TestSubmit_RetryExhausted(t *testing.T) {
	mock := newMock(t)
	c, s, sleeper := setupTestClient(t, mock, testConfig())
	mock.SetHandler(func(url.Values) testutil.MockWikiResponse {
		return testutil.StatusResponse(http.StatusGatewayTimeout)
	})

	_, err := c.Submit(context.Background(), mustRequest(t, c, s, map[string]any{"action": "parse", "page": "Foo"}))
	if !errors.Is(err, ErrRetryExhausted) {
		t.Fatalf("Submit() error = %v, want ErrRetryExhausted", err)
	}
	if ClassOf(err) != ClassTimeout {
		t.Errorf("ClassOf() = %q, want %q", ClassOf(err), ClassTimeout)
	}
	if got := mock.RequestCount(); got != 4 {
		t.Errorf("RequestCount = %d, want 4 (1 + 3 retries)", got)
	}
	want := []time.Duration{5 * time.Second, 10 * time.Second, 20 * time.Second}
	if diff := cmp.Diff(want, sleeper.Slept()); diff != "" {
		t.Errorf("backoff mismatch (-want +got):\n%s", diff)
	}
}

func TestNextRetryWait(t *testing.T) {
	tests := []struct {
		in, want time.Duration
	}{
		{5 * time.Second, 10 * time.Second},
		{40 * time.Second, 80 * time.Second},
		{80 * time.Second, 120 * time.Second},
		{120 * time.Second, 120 * time.Second},
	}
	for _, tt := range tests {
		if got := NextRetryWait(tt.in); got != tt.want {
			t.Errorf("NextRetryWait(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestSubmit_FatalTransportError(t *testing.T) {
	mock := newMock(t)
	c, s, sleeper := setupTestClient(t, mock, testConfig())
	mock.Enqueue(testutil.StatusResponse(http.StatusForbidden))

	_, err := c.Submit(context.Background(), mustRequest(t, c, s, map[string]any{"action": "parse", "page": "Foo"}))
	if ClassOf(err) != ClassTransport {
		t.Fatalf("Submit() error = %v, want transport error", err)
	}
	var fatal *transport.FatalError
	if !errors.As(err, &fatal) || fatal.Status != http.StatusForbidden {
		t.Errorf("error chain = %v, want FatalError 403", err)
	}
	if mock.RequestCount() != 1 || len(sleeper.Slept()) != 0 {
		t.Errorf("fatal error was retried: %d requests, slept %v", mock.RequestCount(), sleeper.Slept())
	}
}

func TestSubmit_UnknownAction(t *testing.T) {
	mock := newMock(t)
	c, s, _ := setupTestClient(t, mock, testConfig())
	mock.Enqueue(testutil.MockWikiResponse{
		StatusCode: http.StatusOK,
		Body:       "unknown_action: Unrecognized value for parameter 'action'",
		Headers:    map[string]string{"Content-Type": "text/plain"},
	})

	_, err := c.Submit(context.Background(), mustRequest(t, c, s, map[string]any{"action": "frobnicate"}))
	var apiErr *Error
	if !errors.As(err, &apiErr) {
		t.Fatalf("Submit() error = %v, want *Error", err)
	}
	if apiErr.Code != "unknown_action" || apiErr.Info != "Unrecognized value for parameter 'action'" {
		t.Errorf("Code = %q, Info = %q", apiErr.Code, apiErr.Info)
	}
	if mock.RequestCount() != 1 {
		t.Errorf("RequestCount = %d, want 1", mock.RequestCount())
	}
}

func TestSubmit_ParseFailureHalvesLimits(t *testing.T) {
	mock := newMock(t)
	c, s, sleeper := setupTestClient(t, mock, testConfig())
	mock.Enqueue(
		testutil.MockWikiResponse{StatusCode: http.StatusOK, Body: "<html>Fatal error</html>"},
		testutil.JSONResponse(`{"query":{"allpages":[]}}`),
	)

	r := mustRequest(t, c, s, map[string]any{
		"action":  "query",
		"list":    "allpages",
		"aplimit": 500,
		"apfrom":  "unlimit",
	})
	if _, err := c.Submit(context.Background(), r); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	reqs := mock.Requests()
	if len(reqs) != 2 {
		t.Fatalf("RequestCount = %d, want 2", len(reqs))
	}
	if got := reqs[1].Form.Get("aplimit"); got != "250" {
		t.Errorf("aplimit after parse failure = %q, want 250", got)
	}
	if got := reqs[1].Form.Get("apfrom"); got != "unlimit" {
		t.Errorf("apfrom = %q, want unchanged", got)
	}
	if diff := cmp.Diff([]time.Duration{5 * time.Second}, sleeper.Slept()); diff != "" {
		t.Errorf("backoff mismatch (-want +got):\n%s", diff)
	}
}

func TestSubmit_NonObjectResultIsEmpty(t *testing.T) {
	mock := newMock(t)
	c, s, _ := setupTestClient(t, mock, testConfig())
	mock.EnqueueJSON(`[]`)

	result, err := c.Submit(context.Background(), mustRequest(t, c, s, map[string]any{"action": "parse", "page": "Foo"}))
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if len(result) != 0 {
		t.Errorf("result = %v, want empty", result)
	}
}

func TestSubmit_MaxlagDoesNotSpendBudget(t *testing.T) {
	mock := newMock(t)
	c, s, sleeper := setupTestClient(t, mock, testConfig())
	mock.Enqueue(
		testutil.ErrorResponse("maxlag", "Waiting for 10.64.32.21: 7 seconds lagged"),
		testutil.ErrorResponse("maxlag", "Waiting for db1001: 1 second lagged"),
		testutil.JSONResponse(`{"parse":{}}`),
	)

	r := mustRequest(t, c, s, map[string]any{"action": "parse", "page": "Foo"}, WithMaxRetries(0))
	if _, err := c.Submit(context.Background(), r); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if diff := cmp.Diff([]time.Duration{5 * time.Second, 5 * time.Second}, sleeper.Slept()); diff != "" {
		t.Errorf("lag pauses mismatch (-want +got):\n%s", diff)
	}
}

func TestSubmit_MaxlagWithThrottle(t *testing.T) {
	mock := newMock(t)
	th := ratelimit.New(ratelimit.NewMemoryStore(), ratelimit.Config{})
	c, s, sleeper := setupTestClient(t, mock, testConfig(), WithThrottle(th))

	// The throttle sleeps for real, so cancel while it pauses and check the
	// pause went through it rather than the client.
	mock.Enqueue(testutil.ErrorResponse("maxlag", "Waiting for 10.64.32.21: 3 seconds lagged"))
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := c.Submit(ctx, mustRequest(t, c, s, map[string]any{"action": "parse", "page": "Foo"}))
	if !errors.Is(err, ErrContextCancelled) {
		t.Fatalf("Submit() error = %v, want ErrContextCancelled", err)
	}
	if len(sleeper.Slept()) != 0 {
		t.Errorf("client slept %v, want the throttle to pause", sleeper.Slept())
	}
	if th.LastRead("test:test").IsZero() {
		t.Error("throttle was not acquired before sending")
	}
}

func TestSubmit_MaxlagUnparsableIsTerminal(t *testing.T) {
	mock := newMock(t)
	c, s, _ := setupTestClient(t, mock, testConfig())
	mock.Enqueue(testutil.ErrorResponse("maxlag", "Database is lagging"))

	_, err := c.Submit(context.Background(), mustRequest(t, c, s, map[string]any{"action": "parse", "page": "Foo"}))
	if Code(err) != "maxlag" {
		t.Errorf("Submit() error = %v, want maxlag API error", err)
	}
}

func TestSubmit_InternalErrors(t *testing.T) {
	tests := []struct {
		name      string
		code      string
		retried   bool
		exception string
	}{
		{name: "db query error retries", code: "internal_api_error_DBQueryError", retried: true},
		{name: "db connection error retries", code: "internal_api_error_DBConnectionError", retried: true},
		{name: "read only retries", code: "internal_api_error_ReadOnlyError", retried: true},
		{name: "other exception is terminal", code: "internal_api_error_MWException", exception: "MWException"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := newMock(t)
			c, s, sleeper := setupTestClient(t, mock, testConfig())
			mock.Enqueue(
				testutil.ErrorResponse(tt.code, "[abc123] Exception caught"),
				testutil.JSONResponse(`{"parse":{}}`),
			)

			_, err := c.Submit(context.Background(), mustRequest(t, c, s, map[string]any{"action": "parse", "page": "Foo"}))
			if tt.retried {
				if err != nil {
					t.Fatalf("Submit() error = %v", err)
				}
				if len(sleeper.Slept()) != 1 {
					t.Errorf("slept %v, want one backoff", sleeper.Slept())
				}
				return
			}

			var apiErr *Error
			if !errors.As(err, &apiErr) {
				t.Fatalf("Submit() error = %v, want *Error", err)
			}
			if apiErr.ExceptionClass != tt.exception || apiErr.Class != ClassServer {
				t.Errorf("ExceptionClass = %q, Class = %q", apiErr.ExceptionClass, apiErr.Class)
			}
			if mock.RequestCount() != 1 {
				t.Errorf("RequestCount = %d, want 1", mock.RequestCount())
			}
		})
	}
}

func TestSubmit_EntityEditConflict(t *testing.T) {
	tests := []struct {
		name     string
		messages string
		retried  bool
	}{
		{
			name:     "message list",
			messages: `[{"name":"wikibase-api-failed-save"},{"name":"edit-already-exists"}]`,
			retried:  true,
		},
		{
			name:     "legacy indexed map",
			messages: `{"0":{"name":"edit-already-exists"}}`,
			retried:  true,
		},
		{
			name:     "legacy flat map",
			messages: `{"name":"edit-already-exists"}`,
			retried:  true,
		},
		{
			name:     "other save failure",
			messages: `[{"name":"abusefilter-disallowed"}]`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := newMock(t)
			c, s, _ := setupTestClient(t, mock, testConfig())
			mock.Enqueue(
				testutil.JSONResponse(`{"error":{"code":"failed-save","info":"The save has failed.","messages":`+tt.messages+`}}`),
				testutil.JSONResponse(`{"entity":{"id":"Q42"},"success":1}`),
			)

			_, err := c.Submit(context.Background(), mustRequest(t, c, s, map[string]any{
				"action": "wbeditentity",
				"id":     "Q42",
				"data":   `{"labels":{}}`,
			}))
			if tt.retried {
				if err != nil {
					t.Errorf("Submit() error = %v, want retry", err)
				}
				return
			}
			if Code(err) != "failed-save" {
				t.Errorf("Submit() error = %v, want failed-save", err)
			}
		})
	}
}

func TestSubmit_ServerErrorFields(t *testing.T) {
	mock := newMock(t)
	c, s, _ := setupTestClient(t, mock, testConfig())
	mock.Enqueue(testutil.ErrorResponse("badtoken", "Invalid CSRF token."))

	_, err := c.Submit(context.Background(), mustRequest(t, c, s, map[string]any{"action": "edit", "title": "Foo"}))
	var apiErr *Error
	if !errors.As(err, &apiErr) {
		t.Fatalf("Submit() error = %v, want *Error", err)
	}
	want := map[string]any{"help": "See api.php for API usage."}
	if diff := cmp.Diff(want, apiErr.Fields); diff != "" {
		t.Errorf("Fields mismatch (-want +got):\n%s", diff)
	}
	if apiErr.Code != "badtoken" || apiErr.Info != "Invalid CSRF token." {
		t.Errorf("Code = %q, Info = %q", apiErr.Code, apiErr.Info)
	}
}

func TestSubmit_ErrorWithoutCode(t *testing.T) {
	mock := newMock(t)
	c, s, _ := setupTestClient(t, mock, testConfig())
	mock.EnqueueJSON(`{"error":{"info":"Something broke"}}`)

	_, err := c.Submit(context.Background(), mustRequest(t, c, s, map[string]any{"action": "parse", "page": "Foo"}))
	if Code(err) != "Unknown" {
		t.Errorf("Code() = %q, want Unknown", Code(err))
	}
}

func TestSubmit_Simulation(t *testing.T) {
	cfg := testConfig()
	cfg.Simulate = true
	cfg.ActionsToBlock = []string{"parse"}

	mock := newMock(t)
	c, s, _ := setupTestClient(t, mock, cfg)

	tests := []struct {
		action string
		want   map[string]any
	}{
		{action: "edit", want: map[string]any{"edit": map[string]any{"result": "Success", "nochange": ""}}},
		{action: "parse", want: map[string]any{"parse": map[string]any{"result": "Success", "nochange": ""}}},
	}
	for _, tt := range tests {
		got, err := c.Submit(context.Background(), mustRequest(t, c, s, map[string]any{"action": tt.action, "title": "Foo"}))
		if err != nil {
			t.Fatalf("Submit(%s) error = %v", tt.action, err)
		}
		if diff := cmp.Diff(tt.want, got); diff != "" {
			t.Errorf("Submit(%s) mismatch (-want +got):\n%s", tt.action, diff)
		}
	}
	if mock.RequestCount() != 0 {
		t.Errorf("simulated requests reached the server: %d", mock.RequestCount())
	}

	if _, err := c.Submit(context.Background(), mustRequest(t, c, s, map[string]any{"action": "query", "meta": "siteinfo"})); err != nil {
		t.Fatalf("Submit(query) error = %v", err)
	}
	if mock.RequestCount() != 1 {
		t.Errorf("query was not sent in simulation mode")
	}
}

func TestSubmit_Warnings(t *testing.T) {
	mock := newMock(t)
	c, s, _ := setupTestClient(t, mock, testConfig())
	mock.EnqueueJSON(`{
		"warnings": {
			"main": {"*": "Unrecognized parameter: foo.\nSecond line."},
			"info": {"*": "ignored"},
			"query": {"html": {"*": "Unrecognized value for parameter \"list\": bar"}},
			"parse": {"unexpected": true}
		},
		"query": {}
	}`)

	type warning struct{ Module, Message string }
	var got []warning
	handler := func(module, message string) bool {
		got = append(got, warning{module, message})
		return module == "main"
	}

	r := mustRequest(t, c, s, map[string]any{"action": "query", "foo": "1"}, WithWarningHandler(handler))
	if _, err := c.Submit(context.Background(), r); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	want := []warning{
		{"main", "Unrecognized parameter: foo."},
		{"main", "Second line."},
		{"query", `Unrecognized value for parameter "list": bar`},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("warnings mismatch (-want +got):\n%s", diff)
	}
}

func TestSubmit_SessionExpiryRelogsIn(t *testing.T) {
	mock := newMock(t)
	c, s, _ := setupTestClient(t, mock, testConfig())
	s.Session().SetStatus(site.AsUser)

	mock.EnqueueJSON(
		`{"query":{"userinfo":{"id":0,"name":"10.0.0.1","anon":""}}}`,
		`{"login":{"result":"NeedToken","token":"abc+\\"}}`,
		`{"login":{"result":"Success","lguserid":7,"lgusername":"Bot"}}`,
		`{"query":{"userinfo":{"id":7,"name":"Bot"},"pages":{}}}`,
	)

	result, err := c.Submit(context.Background(), mustRequest(t, c, s, map[string]any{"action": "query", "titles": "Foo"}))
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if _, ok := result["query"].(map[string]any)["pages"]; !ok {
		t.Errorf("result = %v, want the retried response", result)
	}

	reqs := mock.Requests()
	actions := make([]string, len(reqs))
	for i, r := range reqs {
		actions[i] = r.Action()
	}
	if diff := cmp.Diff([]string{"query", "login", "login", "query"}, actions); diff != "" {
		t.Errorf("request sequence mismatch (-want +got):\n%s", diff)
	}
	if got := reqs[2].Form.Get("lgtoken"); got != `abc+\` {
		t.Errorf("lgtoken = %q", got)
	}
	if got := reqs[1].Form.Get("lgpassword"); got != "secret" {
		t.Errorf("lgpassword = %q", got)
	}
	if s.Session().Status() != site.AsUser {
		t.Errorf("Status() = %v, want AS_USER", s.Session().Status())
	}
	if s.Session().CacheUserKey() != "User(User:Bot)" {
		t.Errorf("CacheUserKey() = %q", s.Session().CacheUserKey())
	}
}

func TestSubmit_SessionExpiryIsBounded(t *testing.T) {
	mock := newMock(t)
	c, s, _ := setupTestClient(t, mock, testConfig())
	s.Session().SetStatus(site.AsUser)
	mock.SetHandler(func(form url.Values) testutil.MockWikiResponse {
		if form.Get("action") == "login" {
			return testutil.JSONResponse(`{"login":{"result":"Success","lgusername":"Bot"}}`)
		}
		return testutil.JSONResponse(`{"query":{"userinfo":{"id":0,"name":"10.0.0.1","anon":""}}}`)
	})

	_, err := c.Submit(context.Background(), mustRequest(t, c, s, map[string]any{"action": "query", "titles": "Foo"}))
	if ClassOf(err) != ClassSessionExpired || !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("Submit() error = %v, want session expired", err)
	}
	// Four queries, three logins in between.
	if got := mock.RequestCount(); got != 7 {
		t.Errorf("RequestCount = %d, want 7", got)
	}
}

func TestSubmit_ReloginFailure(t *testing.T) {
	mock := newMock(t)
	c, _, _ := setupTestClient(t, mock, testConfig())

	// No credentials for the site, so the re-login cannot succeed.
	anon := site.New(config.SiteConfig{ID: "test:anon", APIURL: mock.URL()})
	anon.SetAuthenticator(NewLoginManager(c))
	mock.EnqueueJSON(`{"error":{"code":"ratelimit","info":"You've exceeded your rate limit."}}`)

	_, err := c.Submit(context.Background(), mustRequest(t, c, anon, map[string]any{"action": "query", "titles": "Foo"}))
	if ClassOf(err) != ClassSessionExpired {
		t.Fatalf("Submit() error = %v, want session expired", err)
	}
	if anon.Session().Status() != site.NotLoggedIn {
		t.Errorf("Status() = %v, want NOT_LOGGED_IN", anon.Session().Status())
	}
}

func TestSubmit_ContextCancelled(t *testing.T) {
	mock := newMock(t)
	c, s, sleeper := setupTestClient(t, mock, testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Submit(ctx, mustRequest(t, c, s, map[string]any{"action": "parse", "page": "Foo"}))
	if !errors.Is(err, ErrContextCancelled) {
		t.Errorf("Submit() error = %v, want ErrContextCancelled", err)
	}
	if mock.RequestCount() != 0 {
		t.Errorf("RequestCount = %d, want 0", mock.RequestCount())
	}

	// Cancellation during backoff ends the request.
	sleeper.err = context.Canceled
	mock.Enqueue(testutil.StatusResponse(http.StatusServiceUnavailable))
	_, err = c.Submit(context.Background(), mustRequest(t, c, s, map[string]any{"action": "parse", "page": "Foo"}))
	if !errors.Is(err, ErrContextCancelled) {
		t.Errorf("Submit() error = %v, want ErrContextCancelled", err)
	}
}

func TestSubmit_Multipart(t *testing.T) {
	mock := newMock(t)
	c, s, _ := setupTestClient(t, mock, testConfig())
	mock.EnqueueJSON(`{"upload":{"result":"Success","filename":"Dot.gif"}}`)

	gif := []byte("GIF89a\x01\x00\x01\x00\x00\x00\x00;")
	r := mustRequest(t, c, s, map[string]any{
		"action":   "upload",
		"filename": "Dot.gif",
		"token":    "+\\",
	}, WithMimeParams(map[string]params.Part{"chunk": {Content: gif, Filename: "Dot.gif"}}))

	result, err := c.Submit(context.Background(), r)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if result["upload"].(map[string]any)["result"] != "Success" {
		t.Errorf("result = %v", result)
	}

	req := mock.Requests()[0]
	if !strings.HasPrefix(req.ContentType, "multipart/form-data; boundary=") {
		t.Errorf("Content-Type = %q", req.ContentType)
	}
	if req.Form.Get("filename") != "Dot.gif" || req.Form.Get("assert") != "user" {
		t.Errorf("form = %v", req.Form)
	}
	if string(req.Files["chunk"]) != string(gif) {
		t.Errorf("chunk = %q", req.Files["chunk"])
	}
}

func TestSubmit_ThrottlesWrites(t *testing.T) {
	mock := newMock(t)
	th := ratelimit.New(ratelimit.NewMemoryStore(), ratelimit.Config{})
	c, s, _ := setupTestClient(t, mock, testConfig(), WithThrottle(th))
	mock.EnqueueJSON(`{"edit":{"result":"Success"}}`, `{"parse":{}}`, `{"parse":{}}`)

	if _, err := c.Submit(context.Background(), mustRequest(t, c, s, map[string]any{"action": "edit", "title": "Foo"})); err != nil {
		t.Fatal(err)
	}
	if th.LastWrite(s.ID()).IsZero() || !th.LastRead(s.ID()).IsZero() {
		t.Errorf("edit not paced as a write: read %v, write %v", th.LastRead(s.ID()), th.LastWrite(s.ID()))
	}

	r := mustRequest(t, c, s, map[string]any{"action": "parse", "page": "Foo"}, WithoutThrottle())
	if _, err := c.Submit(context.Background(), r); err != nil {
		t.Fatal(err)
	}
	if !th.LastRead(s.ID()).IsZero() {
		t.Error("unthrottled request went through the throttle")
	}

	if _, err := c.Submit(context.Background(), mustRequest(t, c, s, map[string]any{"action": "parse", "page": "Foo"})); err != nil {
		t.Fatal(err)
	}
	if th.LastRead(s.ID()).IsZero() {
		t.Error("read not paced")
	}
}

func TestSubmit_Span(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))

	mock := newMock(t)
	c, s, _ := setupTestClient(t, mock, testConfig(), WithTracerProvider(tp))
	mock.Enqueue(testutil.ErrorResponse("nosuchpage", "The page does not exist."))

	if _, err := c.Submit(context.Background(), mustRequest(t, c, s, map[string]any{"action": "parse", "page": "Foo"})); err == nil {
		t.Fatal("Submit() error = nil")
	}

	spans := recorder.Ended()
	if len(spans) != 1 || spans[0].Name() != "wiki.submit" {
		t.Fatalf("spans = %v", spans)
	}
	attrs := map[string]string{}
	for _, kv := range spans[0].Attributes() {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	if attrs["wiki.action"] != "parse" || attrs["wiki.site"] != "test:test" {
		t.Errorf("attributes = %v", attrs)
	}
	if spans[0].Status().Description != string(ClassServer) {
		t.Errorf("status = %+v", spans[0].Status())
	}
}
