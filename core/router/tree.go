package router

import (
	"net/url"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

type node struct {
	children map[string]*node
	route    *Route
}

func (n *node) child(seg string) *node {
	if n.children == nil {
		return nil
	}
	return n.children[seg]
}

// Tree is a segment trie keyed by lowercase verb, then lowercase path
// segments. It is immutable once built.
type Tree struct {
	root   *node
	routes []*Route
}

// Build inserts every route into a new tree. Two routes resolving to the
// same verb and path fail the build.
func Build(routes []Route) (*Tree, error) {
	t := &Tree{root: &node{}}
	for i := range routes {
		r := routes[i]
		if r.Handler == nil {
			return nil, errors.Wrapf(ErrInvalidRoute, "%s %s has no handler", r.Verb, r.Path)
		}
		segs := r.segments()
		if len(segs) < 2 {
			return nil, errors.Wrapf(ErrInvalidRoute, "%s %q needs at least one path segment", r.Verb, r.Path)
		}

		n := t.root
		for _, seg := range segs {
			next := n.child(seg)
			if next == nil {
				if n.children == nil {
					n.children = make(map[string]*node)
				}
				next = &node{}
				n.children[seg] = next
			}
			n = next
		}
		if n.route != nil {
			return nil, errors.Wrapf(ErrDuplicateRoute, "%s and %s both resolve to %s /%s",
				n.route.Name, r.Name, strings.ToUpper(segs[0]), strings.Join(segs[1:], "/"))
		}
		if r.Name == "" {
			r.Name = segs[0] + "/" + strings.Join(segs[1:], "/")
		}
		n.route = &r
		t.routes = append(t.routes, n.route)
	}
	return t, nil
}

// Routes lists the built routes ordered by path then verb
func (t *Tree) Routes() []*Route {
	routes := make([]*Route, len(t.routes))
	copy(routes, t.routes)
	sort.Slice(routes, func(i, j int) bool {
		pi, pj := strings.ToLower(routes[i].Path), strings.ToLower(routes[j].Path)
		if pi != pj {
			return pi < pj
		}
		return routes[i].Verb < routes[j].Verb
	})
	return routes
}

// Match is a resolved route with its trailing variable parts
type Match struct {
	Route *Route
	Vars  []string
	Query url.Values
}

// NoAuth reports whether the matched route is exempt from authentication
func (m Match) NoAuth() bool {
	return m.Route != nil && m.Route.NoAuth()
}

// Router resolves request paths under a global prefix
type Router struct {
	prefix []string
	tree   *Tree
}

// NewRouter creates a router. The prefix is matched case-insensitively
// segment by segment; an empty prefix matches everything.
func NewRouter(prefix string, tree *Tree) *Router {
	return &Router{
		prefix: splitPath(strings.ToLower(prefix)),
		tree:   tree,
	}
}

// Prefix returns the normalized prefix, "" when none is set
func (r *Router) Prefix() string {
	if len(r.prefix) == 0 {
		return ""
	}
	return "/" + strings.Join(r.prefix, "/")
}

// Tree returns the underlying route tree
func (r *Router) Tree() *Tree {
	return r.tree
}

// Resolve finds the route for verb and raw request target. The walk is greedy:
// it follows children while segments match and returns what is left, percent
// decoded, as variable parts. A request outside the prefix never matches.
func (r *Router) Resolve(verb, rawPath string) (Match, error) {
	path, rawQuery := rawPath, ""
	if idx := strings.IndexByte(rawPath, '?'); idx >= 0 {
		path, rawQuery = rawPath[:idx], rawPath[idx+1:]
	}

	parts := splitPath(path)
	if len(parts) < len(r.prefix) {
		return Match{}, errors.Wrapf(ErrNotFound, "%s %s", verb, path)
	}
	for i, seg := range r.prefix {
		if !strings.EqualFold(parts[i], seg) {
			return Match{}, errors.Wrapf(ErrNotFound, "%s %s", verb, path)
		}
	}
	parts = parts[len(r.prefix):]
	if len(parts) == 0 {
		return Match{}, errors.Wrapf(ErrNotFound, "%s %s", verb, path)
	}

	n := r.tree.root.child(strings.ToLower(verb))
	i := 0
	for n != nil && i < len(parts) {
		next := n.child(strings.ToLower(parts[i]))
		if next == nil {
			break
		}
		n = next
		i++
	}
	if n == nil || n.route == nil {
		return Match{}, errors.Wrapf(ErrNotFound, "%s %s", verb, path)
	}

	var vars []string
	if i < len(parts) {
		vars = make([]string, 0, len(parts)-i)
		for _, raw := range parts[i:] {
			if decoded, err := url.PathUnescape(raw); err == nil {
				raw = decoded
			}
			vars = append(vars, raw)
		}
	}

	query, _ := url.ParseQuery(rawQuery)
	return Match{Route: n.route, Vars: vars, Query: query}, nil
}
