package router

import (
	"strings"

	"github.com/pkg/errors"

	"github.com/searchktools/restengine/core/http"
)

// NoAuthRequired tags a route that bypasses the server auth policy
const NoAuthRequired = "NO_AUTH_REQUIRED"

// NamePrefix starts every handler name understood by FromName
const NamePrefix = "rest_"

var (
	ErrNotFound       = errors.New("route not found")
	ErrDuplicateRoute = errors.New("duplicate route")
	ErrInvalidRoute   = errors.New("invalid route")
)

// Route binds a verb and path to a handler
type Route struct {
	Name    string
	Verb    string
	Path    string
	Tag     string
	Handler http.HandlerFunc
}

// NoAuth reports whether the route is exempt from authentication
func (r *Route) NoAuth() bool {
	return r.Tag == NoAuthRequired
}

// Key identifies the verb and path the route answers, ignoring case
func (r *Route) Key() string {
	return strings.Join(r.segments(), "/")
}

// segments returns the lowercase lookup key: verb followed by path segments
func (r *Route) segments() []string {
	segs := []string{strings.ToLower(r.Verb)}
	return append(segs, splitPath(strings.ToLower(r.Path))...)
}

// FromName derives a route from a handler name such as rest_get_System_RecentErrors,
// which maps to GET /system/recent-errors. Uppercase letters become lowercase and,
// unless they start a segment, are preceded by a dash; underscores split segments.
func FromName(name string, handler http.HandlerFunc, tag string) (Route, error) {
	if !strings.HasPrefix(name, NamePrefix) {
		return Route{}, errors.Wrapf(ErrInvalidRoute, "handler name %q lacks %q", name, NamePrefix)
	}

	parts := strings.Split(MethodName(strings.TrimPrefix(name, NamePrefix)), "_")
	if len(parts) < 2 || parts[0] == "" {
		return Route{}, errors.Wrapf(ErrInvalidRoute, "handler name %q has no path", name)
	}
	for _, p := range parts[1:] {
		if p == "" {
			return Route{}, errors.Wrapf(ErrInvalidRoute, "handler name %q has an empty segment", name)
		}
	}

	return Route{
		Name:    name,
		Verb:    strings.ToUpper(parts[0]),
		Path:    "/" + strings.Join(parts[1:], "/"),
		Tag:     tag,
		Handler: handler,
	}, nil
}

// MethodName lowercases a CamelCase name, inserting a dash before every
// uppercase letter that does not start the name or follow an underscore.
func MethodName(name string) string {
	var b strings.Builder
	b.Grow(len(name) + 4)
	for i := 0; i < len(name); i++ {
		c := name[i]
		if c >= 'A' && c <= 'Z' {
			if i > 0 && name[i-1] != '_' {
				b.WriteByte('-')
			}
			c += 'a' - 'A'
		}
		b.WriteByte(c)
	}
	return b.String()
}

func splitPath(path string) []string {
	raw := strings.Split(path, "/")
	parts := raw[:0]
	for _, p := range raw {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return parts
}
