// harborstackd - local emulator for managed cloud services
// SPDX-License-Identifier: AGPL-3.0-or-later

package wire

import (
	"fmt"
	"regexp"
	"strings"
)

// PathTemplate is one compiled REST-path route: a method, a regex
// derived from a template like "/v1/resources/{id}/items/{item-id}",
// and the handler it routes to.
type PathTemplate struct {
	Method    string
	Template  string
	Operation string
	Handler   Handler
	pattern   *regexp.Regexp
	names     []string
}

var templateParam = regexp.MustCompile(`\{([^{}]+)\}`)

// CompilePathTemplate turns a "{name}"-templated path into a named-group
// regex. Parameter names may contain hyphens (e.g. "{item-id}"), which
// Go's regexp named groups don't allow, so hyphens are mapped to
// underscores for the internal group name and mapped back on extraction.
// A trailing "..." in a name ("{key...}") makes the parameter greedy
// across path segments, for object-key style routes.
func CompilePathTemplate(method, template, operation string, handler Handler) *PathTemplate {
	var pattern strings.Builder
	pattern.WriteString("^")
	names := make([]string, 0, 4)

	last := 0
	for _, loc := range templateParam.FindAllStringSubmatchIndex(template, -1) {
		pattern.WriteString(regexp.QuoteMeta(template[last:loc[0]]))
		name := template[loc[2]:loc[3]]
		segment := "[^/]+"
		if strings.HasSuffix(name, "...") {
			name = strings.TrimSuffix(name, "...")
			segment = ".+"
		}
		names = append(names, name)
		groupName := strings.ReplaceAll(name, "-", "_")
		pattern.WriteString(fmt.Sprintf("(?P<%s>%s)", groupName, segment))
		last = loc[1]
	}
	pattern.WriteString(regexp.QuoteMeta(template[last:]))
	pattern.WriteString("$")

	return &PathTemplate{
		Method:    method,
		Template:  template,
		Operation: operation,
		Handler:   handler,
		pattern:   regexp.MustCompile(pattern.String()),
		names:     names,
	}
}

// Match reports whether method+path satisfies this template, returning
// the extracted path parameters keyed by their original (hyphenated)
// names.
func (t *PathTemplate) Match(method, path string) (map[string]string, bool) {
	if t.Method != method {
		return nil, false
	}
	m := t.pattern.FindStringSubmatch(path)
	if m == nil {
		return nil, false
	}
	params := make(map[string]string, len(t.names))
	for _, name := range t.names {
		groupName := strings.ReplaceAll(name, "-", "_")
		idx := t.pattern.SubexpIndex(groupName)
		if idx >= 0 && idx < len(m) {
			params[name] = m[idx]
		}
	}
	return params, true
}

// Router holds an ordered list of PathTemplates, matched in insertion
// order — the first pattern whose method+path regex matches wins.
type Router struct {
	routes []*PathTemplate
}

// NewRouter returns an empty Router.
func NewRouter() *Router { return &Router{} }

// Add registers a compiled PathTemplate.
func (r *Router) Add(t *PathTemplate) { r.routes = append(r.routes, t) }

// Route finds the first matching PathTemplate for method+path.
func (r *Router) Route(method, path string) (*PathTemplate, map[string]string, bool) {
	for _, t := range r.routes {
		if params, ok := t.Match(method, path); ok {
			return t, params, true
		}
	}
	return nil, nil, false
}
