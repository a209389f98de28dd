package client

import (
	"bufio"
	"context"
	"regexp"
	"slices"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/wiki-api-client/pkg/site"
)

// lagPattern extracts the replication lag from a maxlag error info.
var lagPattern = regexp.MustCompile(`Waiting for [^:]+: (\d+) seconds? lagged`)

const internalErrorPrefix = "internal_api_error_"

// retryableExceptions are server-side exception classes worth retrying.
var retryableExceptions = []string{"DBConnectionError", "DBQueryError", "ReadOnlyError"}

// postProcess merges session state from a response and emits its warnings.
// It reports whether the session has expired and the level to log in at.
func (c *Client) postProcess(r *Request, result map[string]any, logger zerolog.Logger) (site.LoginStatus, bool) {
	if r.isQuery() {
		session := r.Site.Session()
		if query, ok := result["query"].(map[string]any); ok {
			if info, ok := query["userinfo"].(map[string]any); ok {
				session.MergeUserInfo(info)
			}
		}

		status := session.Status()
		expired := false
		if errObj, ok := result["error"].(map[string]any); ok {
			code, _ := errObj["code"].(string)
			expired = strings.HasSuffix(code, "limit")
		}
		if !expired && session.IdentityMismatch() {
			expired = true
		}

		if expired {
			prev := session.Expire()
			level := prev
			if level < site.AsUser {
				level = site.AsUser
			}
			logger.Warn().
				Str("error_class", string(ClassSessionExpired)).
				Stringer("status", status).
				Msg("Session identity lost, logging in again")
			return level, true
		}
	}

	c.handleWarnings(r, result, logger)
	return 0, false
}

func (c *Client) handleWarnings(r *Request, result map[string]any, logger zerolog.Logger) {
	warnings, ok := result["warnings"].(map[string]any)
	if !ok {
		return
	}

	modules := make([]string, 0, len(warnings))
	for mod := range warnings {
		modules = append(modules, mod)
	}
	sort.Strings(modules)

	for _, mod := range modules {
		if mod == "info" {
			continue
		}
		text, ok := warningText(warnings[mod])
		if !ok {
			logger.Warn().Str("module", mod).Interface("warning", warnings[mod]).Msg("API warning has unknown format")
			continue
		}

		scanner := bufio.NewScanner(strings.NewReader(text))
		for scanner.Scan() {
			line := scanner.Text()
			if r.WarningHandler != nil && r.WarningHandler(mod, line) {
				continue
			}
			logger.Warn().Str("module", mod).Msgf("API warning (%s): %s", mod, line)
		}
	}
}

func warningText(w any) (string, bool) {
	m, ok := w.(map[string]any)
	if !ok {
		return "", false
	}
	if text, ok := m["*"].(string); ok {
		return text, true
	}
	if html, ok := m["html"].(map[string]any); ok {
		if text, ok := html["*"].(string); ok {
			return text, true
		}
	}
	return "", false
}

// relogin re-establishes the session after expiry.
func (c *Client) relogin(ctx context.Context, r *Request, level site.LoginStatus, logger zerolog.Logger) error {
	wikiReloginsTotal.WithLabelValues(r.Site.ID()).Inc()
	logger.Info().Stringer("level", level).Msg("Logging in again")

	if err := r.Site.Login(ctx, level); err != nil {
		if ctx.Err() != nil {
			return cancelled(ctx.Err())
		}
		logger.Error().Err(err).Str("error_class", string(ClassSessionExpired)).Msg("Re-login failed")
		return &Error{Class: ClassSessionExpired, Info: "re-login failed", Err: err}
	}
	return nil
}

// classify turns an API error object into the next step.
func (c *Client) classify(r *Request, errObj map[string]any, logger zerolog.Logger) decision {
	fields := make(map[string]any, len(errObj))
	for k, v := range errObj {
		fields[k] = v
	}
	if help, ok := fields["*"]; ok {
		fields["help"] = help
		delete(fields, "*")
	}

	code, _ := fields["code"].(string)
	if code == "" {
		code = "Unknown"
	}
	info, _ := fields["info"].(string)
	delete(fields, "code")
	delete(fields, "info")

	logger = logger.With().Str("code", code).Logger()

	switch {
	case code == "maxlag":
		if m := lagPattern.FindStringSubmatch(info); m != nil {
			secs, _ := strconv.Atoi(m[1])
			return decision{kind: decideLag, lag: time.Duration(secs) * time.Second}
		}

	case strings.HasPrefix(code, internalErrorPrefix):
		class := strings.TrimPrefix(code, internalErrorPrefix)
		if slices.Contains(retryableExceptions, class) {
			logger.Warn().Str("exception", class).Msgf("MediaWiki exception %s; retrying.", class)
			return retry(reasonServer)
		}
		logger.Error().Str("error_class", string(ClassServer)).Str("exception", class).Msg(info)
		return fail(&Error{Class: ClassServer, Code: code, Info: info, Fields: fields, ExceptionClass: class})

	case code == "failed-save" && r.action() == "wbeditentity" && editConflict(fields["messages"]):
		logger.Warn().Msg("Edit conflict on entity; retrying.")
		return retry(reasonConflict)
	}

	logger.Warn().Str("error_class", string(ClassServer)).Msgf("API error %s: %s", code, info)
	return fail(&Error{Class: ClassServer, Code: code, Info: info, Fields: fields})
}

// editConflict reports whether a failed-save messages member names the
// edit-already-exists message. Both the list shape and the legacy map shape
// are understood.
func editConflict(messages any) bool {
	switch m := messages.(type) {
	case []any:
		for _, msg := range m {
			if entry, ok := msg.(map[string]any); ok && entry["name"] == "edit-already-exists" {
				return true
			}
		}
	case map[string]any:
		if first, ok := m["0"].(map[string]any); ok {
			return first["name"] == "edit-already-exists"
		}
		return m["name"] == "edit-already-exists"
	}
	return false
}
