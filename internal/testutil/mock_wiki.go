// Package testutil provides testing utilities for the wiki API client.
package testutil

import (
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"time"
)

// APIPath is where the mock serves api.php.
const APIPath = "/w/api.php"

// MockWikiResponse defines one scripted api.php response.
type MockWikiResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration
}

// RecordedRequest is a request received by the mock.
type RecordedRequest struct {
	Form        url.Values
	Files       map[string][]byte
	ContentType string
	UserAgent   string
	Cookies     []*http.Cookie
}

// Action returns the action parameter of the request.
func (r RecordedRequest) Action() string {
	return r.Form.Get("action")
}

// MockWiki is a configurable mock api.php server for testing. Scripted
// responses are served in order; once they run out the handler (or the
// default handler) answers.
type MockWiki struct {
	server *httptest.Server

	mu       sync.Mutex
	queue    []MockWikiResponse
	handler  func(form url.Values) MockWikiResponse
	requests []RecordedRequest
}

// NewMockWiki creates a new mock wiki server.
func NewMockWiki() *MockWiki {
	mock := &MockWiki{}
	mock.server = httptest.NewServer(http.HandlerFunc(mock.serve))
	return mock
}

// URL returns the script path of the mock, suitable as a site api_url.
func (m *MockWiki) URL() string {
	return m.server.URL + "/w"
}

// Close shuts down the mock server.
func (m *MockWiki) Close() {
	m.server.Close()
}

// Reset clears scripted responses and recorded requests.
func (m *MockWiki) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = nil
	m.requests = nil
	m.handler = nil
}

// Enqueue appends scripted responses.
func (m *MockWiki) Enqueue(resps ...MockWikiResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = append(m.queue, resps...)
}

// EnqueueJSON appends 200 OK responses with the given bodies.
func (m *MockWiki) EnqueueJSON(bodies ...string) {
	for _, b := range bodies {
		m.Enqueue(JSONResponse(b))
	}
}

// SetHandler answers requests once the scripted responses are used up.
func (m *MockWiki) SetHandler(h func(form url.Values) MockWikiResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = h
}

// Requests returns a copy of the recorded requests.
func (m *MockWiki) Requests() []RecordedRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]RecordedRequest, len(m.requests))
	copy(out, m.requests)
	return out
}

// RequestCount returns the number of requests made to the server.
func (m *MockWiki) RequestCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

func (m *MockWiki) serve(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != APIPath {
		http.NotFound(w, r)
		return
	}

	rec := RecordedRequest{
		ContentType: r.Header.Get("Content-Type"),
		UserAgent:   r.UserAgent(),
		Cookies:     r.Cookies(),
		Files:       map[string][]byte{},
	}
	if strings.HasPrefix(rec.ContentType, "multipart/form-data") {
		if err := r.ParseMultipartForm(32 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		rec.Form = url.Values(r.MultipartForm.Value)
		for name, headers := range r.MultipartForm.File {
			if len(headers) == 0 {
				continue
			}
			f, err := headers[0].Open()
			if err != nil {
				continue
			}
			rec.Files[name], _ = io.ReadAll(f)
			f.Close()
		}
	} else {
		if err := r.ParseForm(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		rec.Form = r.PostForm
	}

	m.mu.Lock()
	m.requests = append(m.requests, rec)
	var resp MockWikiResponse
	switch {
	case len(m.queue) > 0:
		resp = m.queue[0]
		m.queue = m.queue[1:]
	case m.handler != nil:
		resp = m.handler(rec.Form)
	default:
		resp = defaultResponse(rec.Form)
	}
	m.mu.Unlock()

	if resp.Delay > 0 {
		time.Sleep(resp.Delay)
	}
	for key, value := range resp.Headers {
		w.Header().Set(key, value)
	}
	if w.Header().Get("Content-Type") == "" {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
	}
	status := resp.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	io.WriteString(w, resp.Body)
}

// defaultResponse answers queries as an anonymous user and everything else
// with an empty object.
func defaultResponse(form url.Values) MockWikiResponse {
	if form.Get("action") == "query" {
		return JSONResponse(`{"batchcomplete":"","query":{"userinfo":{"id":0,"name":"127.0.0.1","anon":""}}}`)
	}
	return JSONResponse(`{}`)
}

// JSONResponse creates a 200 OK response with a JSON body.
func JSONResponse(body string) MockWikiResponse {
	return MockWikiResponse{StatusCode: http.StatusOK, Body: body}
}

// ErrorResponse creates an API error object response.
func ErrorResponse(code, info string) MockWikiResponse {
	return JSONResponse(`{"error":{"code":"` + code + `","info":"` + info + `","*":"See api.php for API usage."}}`)
}

// StatusResponse creates an empty response with the given HTTP status.
func StatusResponse(status int) MockWikiResponse {
	return MockWikiResponse{StatusCode: status, Headers: map[string]string{"Content-Type": "text/html"}}
}
