package pagination

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"maps"
	"slices"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/wiki-api-client/pkg/client"
	"github.com/Sternrassler/wiki-api-client/pkg/logging"
	"github.com/Sternrassler/wiki-api-client/pkg/params"
	"github.com/Sternrassler/wiki-api-client/pkg/site"
)

var (
	// ErrUnknownModule is returned for query modules the site does not know.
	ErrUnknownModule = errors.New("invalid query module name")

	// ErrNoNamespace is returned by SetNamespace for modules without a
	// namespace filter.
	ErrNoNamespace = errors.New("query module has no namespace parameter")
)

var (
	roundsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wiki_query_rounds_total",
		Help: "Total continuation rounds by query module",
	}, []string{"module"})

	itemsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wiki_query_items_total",
		Help: "Total items yielded by query module",
	}, []string{"module"})
)

// contentPageSizeCap bounds page sizes for queries returning page content.
const contentPageSizeCap = 250

// Kind selects how the query module is addressed.
type Kind string

const (
	KindGenerator Kind = "generator"
	KindList      Kind = "list"
	KindProp      Kind = "prop"
	KindMeta      Kind = "meta"
)

// Option configures a Generator.
type Option func(*Generator)

// WithModuleInfo supplies module schemas instead of fetching them with
// action=paraminfo.
func WithModuleInfo(infos ...ModuleInfo) Option {
	return func(g *Generator) {
		if g.modules == nil {
			g.modules = make(map[string]ModuleInfo, len(infos))
		}
		for _, info := range infos {
			g.modules[info.Name] = info
		}
	}
}

// WithRequestOptions passes options to the underlying request.
func WithRequestOptions(opts ...client.RequestOption) Option {
	return func(g *Generator) { g.requestOpts = append(g.requestOpts, opts...) }
}

// Generator unrolls an action=query module across continuation rounds.
// Items are yielded in server order. A Generator is not safe for
// concurrent use, but it can be resumed after the caller stops pulling.
type Generator struct {
	client  *client.Client
	site    site.Site
	request *client.Request
	logger  zerolog.Logger

	kind         Kind
	module       string
	resultKey    string
	continueKeys []string

	modules     map[string]ModuleInfo
	requestOpts []client.RequestOption
	info        *ModuleInfo
	prefix      string

	apiLimit   int // 0 when the module has no limit parameter
	queryLimit int // 0 when unset
	limit      *int

	count      int
	rounds     int
	buffer     []any
	normalized map[string]string
	done       bool
	err        error
}

// New creates a generator for module addressed as kind. The module schema
// is fetched (through the response cache) unless WithModuleInfo covers it.
//
// A "<prefix>limit" parameter in p becomes the maximum item count, since
// the generator sets the page size itself.
func New(ctx context.Context, c *client.Client, s site.Site, kind Kind, module string, p params.Set, opts ...Option) (*Generator, error) {
	switch kind {
	case KindGenerator, KindList, KindProp, KindMeta:
	default:
		return nil, fmt.Errorf("unknown query kind %q", kind)
	}
	if module == "" {
		return nil, fmt.Errorf("no query module name given")
	}

	p = p.Clone()
	if action := p.Action(); action != "" && action != "query" {
		return nil, fmt.Errorf("'action' must be 'query', not %s", action)
	}
	p.Set("action", "query")
	p.Set(string(kind), module)
	p.Set("indexpageids", "")
	if _, ok := p["continue"]; !ok {
		p.Set("rawcontinue", "")
	}

	g := &Generator{
		client:       c,
		site:         s,
		kind:         kind,
		module:       module,
		continueKeys: strings.Split(module, "|"),
		normalized:   map[string]string{},
		logger: logging.ForSite("query-generator", s.ID()).With().
			Str("module", module).
			Logger(),
	}
	if kind == KindGenerator || kind == KindProp {
		g.resultKey = "pages"
	} else {
		g.resultKey = module
	}
	for _, opt := range opts {
		opt(g)
	}

	if err := g.resolveModules(ctx); err != nil {
		return nil, err
	}

	if g.info != nil {
		if raw, ok := p[g.prefix+"limit"]; ok {
			delete(p, g.prefix+"limit")
			// "max" leaves the page size at the module bound.
			if n, err := strconv.Atoi(strings.Join(raw, "")); err == nil {
				g.SetMaximumItems(n)
			}
		}
	}

	req, err := c.NewRequest(s, p, g.requestOpts...)
	if err != nil {
		return nil, err
	}
	g.request = req
	return g, nil
}

// resolveModules picks the first module with a limit parameter for the
// page size prefix and bound.
func (g *Generator) resolveModules(ctx context.Context) error {
	var missing []string
	for _, m := range g.continueKeys {
		if _, ok := g.modules[m]; !ok {
			missing = append(missing, m)
		}
	}
	if len(missing) > 0 {
		fetched, err := FetchModuleInfo(ctx, g.client, g.site, missing)
		if err != nil {
			return err
		}
		if g.modules == nil {
			g.modules = make(map[string]ModuleInfo, len(fetched))
		}
		maps.Copy(g.modules, fetched)
	}

	highLimits := g.site.Session().Status() >= site.AsUser && g.site.HasRight("apihighlimits")
	for _, m := range g.continueKeys {
		info := g.modules[m]
		if !info.HasLimit {
			continue
		}
		g.info = &info
		g.apiLimit = info.Limit(highLimits)
		g.queryLimit = g.apiLimit
		g.prefix = info.Prefix
		if g.kind == KindGenerator {
			g.prefix = "g" + g.prefix
		}
		g.logger.Debug().Int("api_limit", g.apiLimit).Msgf("Set query_limit to %d.", g.apiLimit)
		return nil
	}
	return nil
}

// SetQueryIncrement sets the number of items requested per round, bounded
// by the module's limit.
func (g *Generator) SetQueryIncrement(n int) {
	if g.apiLimit > 0 {
		n = min(g.apiLimit, n)
	}
	g.queryLimit = n
	g.logger.Debug().Msgf("Set query_limit to %d.", n)
}

// SetMaximumItems caps the number of items yielded. A negative value omits
// the page size parameter from every request, which some modules read as
// "current state only".
func (g *Generator) SetMaximumItems(n int) {
	g.limit = &n
}

// SetNamespace restricts the query to namespaces.
func (g *Generator) SetNamespace(namespaces ...int) error {
	for _, m := range g.continueKeys {
		if !g.modules[m].HasNamespace {
			continue
		}
		ns := make([]string, len(namespaces))
		for i, n := range namespaces {
			ns[i] = strconv.Itoa(n)
		}
		g.request.Params.Set(g.prefix+"namespace", ns)
		return nil
	}
	return fmt.Errorf("%w: %s", ErrNoNamespace, g.module)
}

// Request exposes the underlying request, whose parameters carry the
// current continuation state.
func (g *Generator) Request() *client.Request { return g.request }

// Count returns the number of items counted against the limit so far.
func (g *Generator) Count() int { return g.count }

// Rounds returns the number of requests issued.
func (g *Generator) Rounds() int { return g.rounds }

// Normalized maps normalized titles of the latest round to the titles the
// caller asked for.
func (g *Generator) Normalized() map[string]string {
	return maps.Clone(g.normalized)
}

// Next returns the next item. It returns false once the sequence is
// exhausted or the limit is reached; errors end the sequence and are
// returned again by later calls.
func (g *Generator) Next(ctx context.Context) (any, bool, error) {
	for {
		if len(g.buffer) > 0 {
			item := g.buffer[0]
			g.buffer = g.buffer[1:]
			g.count += g.weight(item)
			itemsTotal.WithLabelValues(g.module).Inc()
			if g.limit != nil && *g.limit > 0 && g.count >= *g.limit {
				g.done = true
				g.buffer = nil
			}
			return item, true, nil
		}
		if g.done || g.err != nil {
			return nil, false, g.err
		}
		if err := g.round(ctx); err != nil {
			g.err = err
			return nil, false, err
		}
	}
}

// All iterates the remaining items. Iteration stops at the first error,
// which is yielded with a nil item.
func (g *Generator) All(ctx context.Context) iter.Seq2[any, error] {
	return func(yield func(any, error) bool) {
		for {
			item, ok, err := g.Next(ctx)
			if err != nil {
				yield(nil, err)
				return
			}
			if !ok || !yield(item, nil) {
				return
			}
		}
	}
}

// weight counts nested continued collections of an item, or one.
func (g *Generator) weight(item any) int {
	m, ok := item.(map[string]any)
	if !ok {
		return 1
	}
	n, nested := 0, false
	for _, key := range g.continueKeys {
		v, ok := m[key]
		if !ok {
			continue
		}
		nested = true
		switch c := v.(type) {
		case []any:
			n += len(c)
		case map[string]any:
			n += len(c)
		}
	}
	if !nested {
		return 1
	}
	return n
}

// pageSize computes the limit parameter for the next round. ok is false
// when the parameter must be left out.
func (g *Generator) pageSize() (int, bool) {
	if g.queryLimit <= 0 {
		return 0, false
	}
	var n int
	switch {
	case g.limit == nil:
		n = g.queryLimit
	case *g.limit > 0:
		n = min(g.queryLimit, *g.limit-g.count)
	default:
		return 0, false
	}

	if slices.Contains(strings.Split(g.request.Params.Get("rvprop"), "|"), "content") {
		n = min(n, g.apiLimit/10, contentPageSizeCap)
	}
	return max(n, 1), true
}

// round issues one request and refills the buffer.
func (g *Generator) round(ctx context.Context) error {
	if g.info != nil {
		if n, ok := g.pageSize(); ok {
			g.request.Params.Set(g.prefix+"limit", strconv.Itoa(n))
		} else if g.limit != nil && *g.limit < 0 {
			delete(g.request.Params, g.prefix+"limit")
		}
	}

	g.rounds++
	roundsTotal.WithLabelValues(g.module).Inc()
	data, err := g.client.Submit(ctx, g.request)
	if err != nil {
		return err
	}
	g.done = true

	if len(data) == 0 {
		g.logger.Debug().Msg("Stopped iteration because no dict retrieved from api.")
		return nil
	}
	query, ok := data["query"].(map[string]any)
	if !ok {
		g.logger.Debug().Msg("Stopped iteration because 'query' not found in api response.")
		return nil
	}
	raw, ok := query[g.resultKey]
	if !ok {
		return nil
	}

	g.buffer = g.order(raw, query)
	g.normalized = normalizedTitles(query)
	g.logger.Debug().Int("items", len(g.buffer)).Int("round", g.rounds).Msg("Received query results")

	// random never continues; draws repeat until a positive cap is met.
	if g.module == "random" && g.limit != nil && *g.limit > 0 {
		g.done = false
		return nil
	}

	if g.continueRound(data) {
		g.done = false
	}
	return nil
}

// continueRound merges continuation tokens into the request. It reports
// whether another round is needed.
func (g *Generator) continueRound(data map[string]any) bool {
	if qc, ok := data["query-continue"].(map[string]any); ok {
		found := false
		for _, key := range g.continueKeys {
			if _, ok := qc[key]; ok {
				found = true
			}
		}
		if !found {
			g.logger.Info().Msgf("Missing '%s' key(s) in ['query-continue'] value.", strings.Join(g.continueKeys, "|"))
			return false
		}
		for _, group := range qc {
			pairs, ok := group.(map[string]any)
			if !ok {
				continue
			}
			for k, v := range pairs {
				g.request.Params.Set(k, token(v))
			}
		}
		return true
	}

	// Servers that ignore rawcontinue answer with a flat continue block.
	if cont, ok := data["continue"].(map[string]any); ok && len(cont) > 0 {
		for k, v := range cont {
			g.request.Params.Set(k, token(v))
		}
		return true
	}
	return false
}

// order lays out a result collection. Mappings follow the server's page
// id list when it covers them, then a "results" sub-key, then key order.
func (g *Generator) order(raw any, query map[string]any) []any {
	switch v := raw.(type) {
	case []any:
		return v
	case map[string]any:
		if ids, ok := query["pageids"].([]any); ok {
			if items, ok := byIDs(v, ids); ok {
				return items
			}
		}
		if results, ok := v["results"]; ok {
			return g.order(results, map[string]any{})
		}
		keys := slices.Sorted(maps.Keys(v))
		items := make([]any, len(keys))
		for i, k := range keys {
			items[i] = v[k]
		}
		return items
	default:
		return nil
	}
}

func byIDs(m map[string]any, ids []any) ([]any, bool) {
	if len(ids) != len(m) {
		return nil, false
	}
	items := make([]any, 0, len(ids))
	for _, id := range ids {
		item, ok := m[token(id)]
		if !ok {
			return nil, false
		}
		items = append(items, item)
	}
	return items, true
}

func normalizedTitles(query map[string]any) map[string]string {
	out := map[string]string{}
	list, _ := query["normalized"].([]any)
	for _, raw := range list {
		n, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		to, _ := n["to"].(string)
		from, _ := n["from"].(string)
		out[to] = from
	}
	return out
}

// token renders a continuation value as wire text.
func token(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case json.Number:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case nil:
		return ""
	default:
		return fmt.Sprint(t)
	}
}
