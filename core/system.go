package core

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"runtime/debug"
	"sort"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/searchktools/restengine/core/codec"
	"github.com/searchktools/restengine/core/http"
	"github.com/searchktools/restengine/core/notify"
	"github.com/searchktools/restengine/core/observability"
	"github.com/searchktools/restengine/core/router"
)

const (
	// healthTimeout bounds the HealthCheck run for one status request
	healthTimeout = 30 * time.Second

	notAvailable         = "N/A"
	noHistoryPlaceholder = "Memory storage error handler not set"
)

// builtins returns the system endpoints served under the path prefix
func (e *Engine) builtins() []router.Route {
	routes := []router.Route{
		{Name: "rest_get_System_Status", Verb: "GET", Path: "/system/status", Tag: router.NoAuthRequired, Handler: e.systemStatus},
		{Name: "rest_get_System_RecentErrors", Verb: "GET", Path: "/system/recent-errors", Tag: router.NoAuthRequired, Handler: e.recentErrors},
	}
	if e.metrics != nil {
		routes = append(routes, router.Route{Name: "rest_get_System_Metrics", Verb: "GET", Path: "/system/metrics", Handler: e.systemMetrics})
	}
	return routes
}

// systemStatus replies with the status document. The health check runs on
// its own goroutine and the reply is sent when it finishes.
func (e *Engine) systemStatus(ctx *http.Context) {
	quick := ctx.HasQuery("quick")
	accept := ctx.Header(http.HeaderAccept)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Printf("restengine: status document panicked: %v\n%s", r, debug.Stack())
				if !ctx.Replied() {
					ctx.InternalError()
				}
			}
		}()

		doc := e.statusDocument()
		e.addHealth(doc, quick)
		doc["generated_at"] = formatTime(time.Now())

		pb := &codec.ProtobufCodec{}
		if codec.Accepts(accept, pb) {
			s, err := structpb.NewStruct(doc)
			if err != nil {
				log.Printf("restengine: status document: %v", err)
				ctx.InternalError()
				return
			}
			ctx.Encoded(200, pb, s)
			return
		}
		ctx.JSON(200, doc)
	}()
}

// addHealth runs the health check into doc. A failing or panicking check
// is reported under health_error.
func (e *Engine) addHealth(doc map[string]any, quick bool) {
	doc["health"] = []any{}
	if e.health == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.Printf("restengine: health check panicked: %v\n%s", r, debug.Stack())
			if e.notifier != nil {
				e.notifier.Errorf("health check panicked: %v", r)
			}
			doc["health_error"] = fmt.Sprint(r)
		}
	}()

	hctx, cancel := context.WithTimeout(context.Background(), healthTimeout)
	defer cancel()
	values, err := e.health(hctx, quick)
	if err != nil {
		log.Printf("restengine: health check: %v", err)
		doc["health_error"] = err.Error()
	}
	doc["health"] = healthList(values)
}

// statusDocument collects everything but health and generation time
func (e *Engine) statusDocument() map[string]any {
	doc := map[string]any{
		"app_type":          e.identity.AppName,
		"app_version":       e.identity.AppVersion,
		"framework_version": http.FrameworkVersion,
		"started_at":        formatTime(e.startedAt),
		"uptime":            time.Since(e.startedAt).Truncate(time.Second).String(),
		"last_crash_at":     notAvailable,
		"os":                osDescription(),
		"cpu":               stringList(cpuFeatures()),
		"network_addresses": stringList(networkAddresses()),
		"app_id":            "",
	}
	if t, ok := lastCrash(e.crashGlob); ok {
		doc["last_crash_at"] = formatTime(t)
	}

	if e.notifier == nil {
		doc["last_error"] = placeholderEntry()
		return doc
	}
	doc["app_id"] = e.notifier.AppID()

	hist := e.notifier.History()
	if hist == nil {
		doc["last_error"] = placeholderEntry()
		return doc
	}
	if last, ok := hist.Last(); ok {
		doc["last_error"] = map[string]any{
			"timestamp": formatTime(last.Timestamp),
			"message":   last.Message,
		}
	} else {
		doc["last_error"] = notAvailable
	}
	return doc
}

// recentErrors replies with the stored notifications, newest first
func (e *Engine) recentErrors(ctx *http.Context) {
	var hist notify.History
	if e.notifier != nil {
		hist = e.notifier.History()
	}

	entries := []map[string]any{}
	if hist == nil {
		entries = append(entries, placeholderEntry())
	} else {
		for _, en := range hist.Recent() {
			entries = append(entries, map[string]any{
				"timestamp": formatTime(en.Timestamp),
				"message":   en.Message,
			})
		}
	}
	ctx.JSON(200, entries)
}

func (e *Engine) systemMetrics(ctx *http.Context) {
	var b bytes.Buffer
	if err := e.metrics.WriteText(&b); err != nil {
		log.Printf("restengine: metrics: %v", err)
		ctx.InternalError()
		return
	}
	ctx.Data(200, observability.TextContentType, b.Bytes())
}

func placeholderEntry() map[string]any {
	return map[string]any{
		"timestamp": formatTime(time.Now()),
		"message":   noHistoryPlaceholder,
	}
}

func healthList(values map[string]HealthValue) []any {
	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]any, 0, len(names))
	for _, name := range names {
		v := values[name]
		updated := notAvailable
		if !v.UpdatedAt.IsZero() {
			updated = formatTime(v.UpdatedAt)
		}
		out = append(out, map[string]any{
			"name":       name,
			"value":      plainValue(v.Value),
			"updated_at": updated,
		})
	}
	return out
}

// plainValue keeps values structpb can represent and formats the rest
func plainValue(v any) any {
	switch v := v.(type) {
	case nil, bool, string, int, int32, int64, uint, uint32, uint64, float32, float64:
		return v
	case time.Time:
		return formatTime(v)
	case time.Duration:
		return v.String()
	case fmt.Stringer:
		return v.String()
	default:
		return fmt.Sprint(v)
	}
}

func stringList(s []string) []any {
	out := make([]any, len(s))
	for i, v := range s {
		out[i] = v
	}
	return out
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
