package site

import (
	"fmt"
	"sync"
)

// LoginStatus is the privilege level a session is logged in at.
type LoginStatus int

const (
	NotAttempted LoginStatus = -3
	InProgress   LoginStatus = -2
	NotLoggedIn  LoginStatus = -1
	AsUser       LoginStatus = 0
	AsSysop      LoginStatus = 1
)

func (s LoginStatus) String() string {
	switch s {
	case NotAttempted:
		return "NOT_ATTEMPTED"
	case InProgress:
		return "IN_PROGRESS"
	case NotLoggedIn:
		return "NOT_LOGGED_IN"
	case AsUser:
		return "AS_USER"
	case AsSysop:
		return "AS_SYSOP"
	default:
		return fmt.Sprintf("LoginStatus(%d)", int(s))
	}
}

// Session is the mutable identity state shared by all requests to one site.
// It is written by response post-processing and the login flow and read by
// cache key derivation.
type Session struct {
	mu        sync.RWMutex
	status    LoginStatus
	userInfo  map[string]any
	usernames map[LoginStatus]string
}

// NewSession returns a session that has not attempted a login.
func NewSession() *Session {
	return &Session{
		status:    NotAttempted,
		usernames: make(map[LoginStatus]string),
	}
}

// Status returns the current login status.
func (s *Session) Status() LoginStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// SetStatus records a new login status.
func (s *Session) SetStatus(status LoginStatus) {
	s.mu.Lock()
	s.status = status
	s.mu.Unlock()
}

// SetUsername records the expected account name for a privilege level.
func (s *Session) SetUsername(level LoginStatus, name string) {
	s.mu.Lock()
	s.usernames[level] = name
	s.mu.Unlock()
}

// Username returns the expected account name for a privilege level.
func (s *Session) Username(level LoginStatus) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.usernames[level]
}

// MergeUserInfo merges a userinfo response block into the session.
func (s *Session) MergeUserInfo(info map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.userInfo == nil {
		s.userInfo = make(map[string]any, len(info))
	}
	for k, v := range info {
		s.userInfo[k] = v
	}
}

// UserName returns the name reported by the last userinfo response.
func (s *Session) UserName() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.userInfo == nil {
		return "", false
	}
	name, ok := s.userInfo["name"].(string)
	return name, ok
}

// HasUserInfo reports whether any userinfo has been merged.
func (s *Session) HasUserInfo() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.userInfo != nil
}

// Rights returns the rights reported by userinfo, if any.
func (s *Session) Rights() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	raw, _ := s.userInfo["rights"].([]any)
	rights := make([]string, 0, len(raw))
	for _, r := range raw {
		if str, ok := r.(string); ok {
			rights = append(rights, str)
		}
	}
	return rights
}

// Expire drops cached identity and marks the login state unknown. It
// returns the status the session had before.
func (s *Session) Expire() LoginStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.status
	s.userInfo = nil
	s.status = NotLoggedIn
	return prev
}

// IdentityMismatch reports whether the session believes it is logged in but
// the server reports a different user.
func (s *Session) IdentityMismatch() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.status < AsUser || s.userInfo == nil {
		return false
	}
	name, _ := s.userInfo["name"].(string)
	return name != s.usernames[s.status]
}

// CacheUserKey identifies the effective user for cache keys.
func (s *Session) CacheUserKey() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.status > NotLoggedIn {
		if name, ok := s.userInfo["name"].(string); ok {
			return fmt.Sprintf("User(User:%s)", name)
		}
	}
	status := s.status
	if status < NotLoggedIn {
		status = NotLoggedIn
	}
	return fmt.Sprintf("LoginStatus(%s)", status)
}
