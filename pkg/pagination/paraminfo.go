package pagination

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/Sternrassler/wiki-api-client/pkg/client"
	"github.com/Sternrassler/wiki-api-client/pkg/params"
	"github.com/Sternrassler/wiki-api-client/pkg/site"
)

// ModuleInfo is the part of a query module's parameter schema the
// generator needs.
type ModuleInfo struct {
	Name   string
	Prefix string

	// HasLimit reports a "limit" parameter; Max and HighMax are its bounds.
	HasLimit bool
	Max      int
	HighMax  int

	HasNamespace bool
}

// Limit returns the page size bound for a session, using HighMax when the
// user may use high limits.
func (m ModuleInfo) Limit(highLimits bool) int {
	if highLimits && m.HighMax > 0 {
		return m.HighMax
	}
	return m.Max
}

// FetchModuleInfo asks the site for the schema of query modules. The
// request goes through the response cache with the client's site
// configuration expiry.
func FetchModuleInfo(ctx context.Context, c *client.Client, s site.Site, modules []string) (map[string]ModuleInfo, error) {
	paths := make([]string, len(modules))
	for i, m := range modules {
		paths[i] = "query+" + m
	}

	req, err := c.NewRequest(s, params.Set{
		"action":  {"paraminfo"},
		"modules": paths,
	})
	if err != nil {
		return nil, err
	}
	data, err := c.SubmitCached(ctx, req, c.Config().APIConfigExpiry)
	if err != nil {
		return nil, fmt.Errorf("paraminfo for %s: %w", strings.Join(modules, "|"), err)
	}

	infos, err := parseParamInfo(data)
	if err != nil {
		return nil, err
	}
	for _, m := range modules {
		if _, ok := infos[m]; !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownModule, m)
		}
	}
	return infos, nil
}

func parseParamInfo(data map[string]any) (map[string]ModuleInfo, error) {
	pi, ok := data["paraminfo"].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("paraminfo response has no 'paraminfo' key")
	}
	list, ok := pi["modules"].([]any)
	if !ok {
		list, ok = pi["querymodules"].([]any)
	}
	if !ok {
		return nil, fmt.Errorf("paraminfo response lists no modules")
	}

	infos := make(map[string]ModuleInfo, len(list))
	for _, raw := range list {
		mod, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		name, _ := mod["name"].(string)
		if _, missing := mod["missing"]; missing {
			return nil, fmt.Errorf("%w: %q", ErrUnknownModule, name)
		}

		info := ModuleInfo{Name: name}
		info.Prefix, _ = mod["prefix"].(string)
		ps, _ := mod["parameters"].([]any)
		for _, rawParam := range ps {
			p, ok := rawParam.(map[string]any)
			if !ok {
				continue
			}
			switch p["name"] {
			case "limit":
				info.HasLimit = true
				info.Max = toInt(p["max"])
				info.HighMax = toInt(p["highmax"])
			case "namespace":
				info.HasNamespace = true
			}
		}
		infos[name] = info
	}
	return infos, nil
}

func toInt(v any) int {
	switch n := v.(type) {
	case json.Number:
		i, _ := strconv.Atoi(n.String())
		return i
	case float64:
		return int(n)
	case int:
		return n
	case string:
		i, _ := strconv.Atoi(n)
		return i
	}
	return 0
}
