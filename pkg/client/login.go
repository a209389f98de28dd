package client

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/wiki-api-client/pkg/logging"
	"github.com/Sternrassler/wiki-api-client/pkg/params"
	"github.com/Sternrassler/wiki-api-client/pkg/site"
)

// maxTokenRounds bounds NeedToken round trips in one login.
const maxTokenRounds = 2

// LoginManager performs the action=login exchange. It implements
// site.Authenticator; session cookies live in the transport's cookie jar.
type LoginManager struct {
	client *Client
	logger zerolog.Logger

	mu        sync.Mutex
	waitUntil map[string]time.Time
}

// NewLoginManager creates a login manager submitting through c.
func NewLoginManager(c *Client) *LoginManager {
	return &LoginManager{
		client:    c,
		logger:    logging.NewLogger("wiki-login"),
		waitUntil: make(map[string]time.Time),
	}
}

// Login logs in at level. On success the session records the canonical
// user name for level and the new status.
func (m *LoginManager) Login(ctx context.Context, s site.Site, level site.LoginStatus, creds site.Credentials) error {
	logger := m.logger.With().Str("site", s.ID()).Str("user", creds.Username).Logger()
	session := s.Session()

	if err := m.waitOutThrottle(ctx, s.ID(), logger); err != nil {
		return err
	}

	session.SetStatus(site.InProgress)
	req, err := m.client.NewRequest(s, params.Set{
		"action":     {"login"},
		"lgname":     {creds.Username},
		"lgpassword": {creds.Password},
	})
	if err != nil {
		session.SetStatus(site.NotLoggedIn)
		return err
	}

	for round := 0; ; round++ {
		result, err := m.client.Submit(ctx, req)
		if err != nil {
			session.SetStatus(site.NotLoggedIn)
			return fmt.Errorf("login as %s: %w", creds.Username, err)
		}

		login, ok := result["login"].(map[string]any)
		if !ok {
			session.SetStatus(site.NotLoggedIn)
			return &Error{Class: ClassServer, Info: "API login response does not have 'login' key"}
		}

		status, _ := login["result"].(string)
		switch status {
		case "Success":
			name, _ := login["lgusername"].(string)
			if name == "" {
				name = creds.Username
			}
			session.SetUsername(level, name)
			session.SetStatus(level)
			logger.Info().Stringer("level", level).Msgf("Logged in as %s", name)
			return nil

		case "NeedToken":
			token, _ := login["token"].(string)
			if token != "" && round < maxTokenRounds {
				req.Params.Set("lgtoken", token)
				continue
			}

		case "Throttled":
			wait := seconds(login["wait"])
			m.mu.Lock()
			m.waitUntil[s.ID()] = m.client.now().Add(wait)
			m.mu.Unlock()
			logger.Warn().Dur("wait", wait).Msg("Login throttled by server")
		}

		session.SetStatus(site.NotLoggedIn)
		if status == "" {
			status = "Unknown"
		}
		info, _ := login["reason"].(string)
		return &Error{Class: ClassServer, Code: status, Info: info}
	}
}

// waitOutThrottle sleeps until a server-imposed login throttle has passed.
func (m *LoginManager) waitOutThrottle(ctx context.Context, siteID string, logger zerolog.Logger) error {
	m.mu.Lock()
	until, ok := m.waitUntil[siteID]
	delete(m.waitUntil, siteID)
	m.mu.Unlock()
	if !ok {
		return nil
	}

	d := until.Sub(m.client.now())
	if d <= 0 {
		return nil
	}
	logger.Info().Dur("wait", d).Msgf("Login throttled, sleeping %s seconds", formatSeconds(d))
	if err := m.client.sleep(ctx, d); err != nil {
		return cancelled(err)
	}
	return nil
}

func seconds(v any) time.Duration {
	switch n := v.(type) {
	case json.Number:
		if f, err := n.Float64(); err == nil {
			return time.Duration(f * float64(time.Second))
		}
	case float64:
		return time.Duration(n * float64(time.Second))
	case string:
		if f, err := strconv.ParseFloat(n, 64); err == nil {
			return time.Duration(f * float64(time.Second))
		}
	}
	return 0
}
