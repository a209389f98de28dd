// Package site models the remote wiki a request is addressed to: its API
// location, text encoding, session identity and login capability.
package site

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/Sternrassler/wiki-api-client/pkg/config"
)

// Site is the collaborator every request is submitted against.
type Site interface {
	// ID is the stable site identity used for throttling and cache keys.
	ID() string

	// ScriptPath is the base URL holding api.php.
	ScriptPath() string

	// Encoding is the preferred text encoding for request values.
	Encoding() string

	// Session returns the shared identity state.
	Session() *Session

	// Login establishes a session at the given privilege level.
	Login(ctx context.Context, level LoginStatus) error

	// HasRight reports whether the current user holds a right.
	HasRight(name string) bool
}

// Credentials are the account details for one privilege level.
type Credentials struct {
	Username string
	Password string
}

// Authenticator performs the login exchange for a site.
type Authenticator interface {
	Login(ctx context.Context, s Site, level LoginStatus, creds Credentials) error
}

// APISite is the config-backed Site implementation.
type APISite struct {
	id         string
	scriptPath string
	encoding   string
	session    *Session
	rights     []string
	creds      map[LoginStatus]Credentials

	mu   sync.Mutex
	auth Authenticator
}

// New creates a site from its configuration.
func New(cfg config.SiteConfig) *APISite {
	enc := cfg.Encoding
	if enc == "" {
		enc = "utf-8"
	}
	s := &APISite{
		id:         cfg.ID,
		scriptPath: strings.TrimRight(cfg.APIURL, "/"),
		encoding:   enc,
		session:    NewSession(),
		rights:     slices.Clone(cfg.Rights),
		creds:      make(map[LoginStatus]Credentials),
	}
	if cfg.Username != "" {
		s.creds[AsUser] = Credentials{Username: cfg.Username, Password: cfg.Password}
		s.session.SetUsername(AsUser, cfg.Username)
	}
	if cfg.SysopUsername != "" {
		s.creds[AsSysop] = Credentials{Username: cfg.SysopUsername, Password: cfg.Password}
		s.session.SetUsername(AsSysop, cfg.SysopUsername)
	}
	return s
}

// SetAuthenticator installs the login implementation.
func (s *APISite) SetAuthenticator(a Authenticator) {
	s.mu.Lock()
	s.auth = a
	s.mu.Unlock()
}

func (s *APISite) ID() string         { return s.id }
func (s *APISite) ScriptPath() string { return s.scriptPath }
func (s *APISite) Encoding() string   { return s.encoding }
func (s *APISite) Session() *Session  { return s.session }

// String renders the site like the cache description expects.
func (s *APISite) String() string { return fmt.Sprintf("APISite(%s)", s.id) }

// Login logs in at level using the configured credentials. Without an
// authenticator or credentials the session is marked as not logged in.
func (s *APISite) Login(ctx context.Context, level LoginStatus) error {
	s.mu.Lock()
	auth := s.auth
	s.mu.Unlock()

	creds, ok := s.creds[level]
	if !ok || auth == nil {
		s.session.SetStatus(NotLoggedIn)
		return fmt.Errorf("no credentials for %s on %s", level, s.id)
	}
	return auth.Login(ctx, s, level, creds)
}

// HasRight checks rights reported by the server, falling back to configured
// rights before the first userinfo response.
func (s *APISite) HasRight(name string) bool {
	if s.session.HasUserInfo() {
		return slices.Contains(s.session.Rights(), name)
	}
	return slices.Contains(s.rights, name)
}
