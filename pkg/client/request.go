package client

import (
	"slices"
	"time"

	"github.com/Sternrassler/wiki-api-client/pkg/params"
	"github.com/Sternrassler/wiki-api-client/pkg/site"
)

// writeActions change wiki state. They are paced with the write delay, carry
// a user assertion and are blocked in simulation mode.
var writeActions = []string{
	"edit", "move", "rollback", "delete", "undelete", "protect", "block",
	"unblock", "watch", "patrol", "import", "userrights", "upload",
	"emailuser", "createaccount", "setnotificationtimestamp", "filerevert",
	"options", "purge", "revisiondelete", "wbeditentity", "wbsetlabel",
	"wbsetdescription", "wbsetaliases", "wblinktitles", "wbsetsitelink",
	"wbcreateclaim", "wbremoveclaims", "wbsetclaimvalue", "wbsetreference",
	"wbremovereferences",
}

// IsWriteAction reports whether action changes wiki state.
func IsWriteAction(action string) bool {
	return slices.Contains(writeActions, action)
}

// WarningHandler receives each warning line of a response. Returning true
// suppresses the default warning log.
type WarningHandler func(module, message string) bool

// Request is one API call against a site. Params are normalized in place
// when the request is submitted.
type Request struct {
	Site   site.Site
	Params params.Set

	// MimeParams switches the body to multipart/form-data.
	MimeParams map[string]params.Part

	// MaxRetries and RetryWait seed the backoff budget of each Submit.
	MaxRetries int
	RetryWait  time.Duration

	// Throttle paces the request through the site throttle.
	Throttle bool

	// Write is derived from the action.
	Write bool

	WarningHandler WarningHandler
}

// RequestOption configures a Request.
type RequestOption func(*Request)

// WithMimeParams sends the request as multipart/form-data.
func WithMimeParams(parts map[string]params.Part) RequestOption {
	return func(r *Request) { r.MimeParams = parts }
}

// WithMaxRetries overrides the configured retry budget.
func WithMaxRetries(n int) RequestOption {
	return func(r *Request) { r.MaxRetries = n }
}

// WithRetryWait overrides the configured initial backoff.
func WithRetryWait(d time.Duration) RequestOption {
	return func(r *Request) { r.RetryWait = d }
}

// WithoutThrottle skips the site throttle.
func WithoutThrottle() RequestOption {
	return func(r *Request) { r.Throttle = false }
}

// WithWarningHandler installs a handler for response warnings.
func WithWarningHandler(h WarningHandler) RequestOption {
	return func(r *Request) { r.WarningHandler = h }
}

// NewRequest builds a request with the client's retry defaults. It fails
// with a ClassConstruction error when the action is missing or mime
// parameters collide with regular ones.
func (c *Client) NewRequest(s site.Site, p params.Set, opts ...RequestOption) (*Request, error) {
	if p == nil {
		p = params.Set{}
	}
	action := p.Action()
	if action == "" {
		return nil, &Error{Class: ClassConstruction, Err: params.ErrMissingAction}
	}

	r := &Request{
		Site:       s,
		Params:     p,
		MaxRetries: c.config.MaxRetries,
		RetryWait:  c.config.RetryWait,
		Throttle:   true,
		Write:      IsWriteAction(action),
	}
	for _, opt := range opts {
		opt(r)
	}

	for key := range r.MimeParams {
		if _, ok := p[key]; ok {
			return nil, &Error{Class: ClassConstruction, Code: key, Err: params.ErrMimeConflict}
		}
	}

	if r.Write {
		if _, ok := p["assert"]; !ok {
			p.Set("assert", "user")
		}
	}
	return r, nil
}

func (r *Request) action() string {
	return r.Params.Action()
}

func (r *Request) isQuery() bool {
	return r.action() == "query"
}
