/*
Package restengine is an embeddable, bidirectional REST engine: an HTTP/1.x
server that dispatches requests to named handlers, and a client that calls
other services with per-host throttling.

Each accepted connection carries exactly one request and is closed after
the reply. Sockets are spread over a growing set of thread-bound workers,
each running its own epoll (Linux) or kqueue (BSD/macOS) loop, so a handler
may reply later from any goroutine.

Features

  - Incremental HTTP/1.0 and 1.1 request parser, independent of read boundaries
  - Route tree built from handler names (rest_get_System_RecentErrors is
    GET /system/recent-errors) or explicit verb and path
  - Global path prefix and Basic authentication with per-route exemptions
  - Built-in system/status, system/recent-errors and system/metrics endpoints
  - Outbound client with Basic, WSSE or Bearer auth, content-type inference,
    failure classification and slow-network alerts
  - Scheduler admitting at most six concurrent requests per host
  - Prometheus metrics and an in-memory error history

Quick Start

	package main

	import (
	    "github.com/searchktools/restengine/app"
	    "github.com/searchktools/restengine/config"
	    "github.com/searchktools/restengine/core/http"
	)

	func main() {
	    application, err := app.New(config.New())
	    if err != nil {
	        panic(err)
	    }

	    engine := application.Engine()
	    engine.HandleName("rest_get_Hello", func(ctx *http.Context) {
	        ctx.String(200, "Hello, World!")
	    }, "")

	    application.Run()
	}

Modules

  - app: composition root and process lifecycle
  - config: flags, RESTENGINE_* environment, JSON files, atomic snapshots
  - core: engine, connection workers and built-in endpoints
  - core/http: request parser, request context and response serialization
  - core/router: route naming and the route tree
  - core/pools: worker pool, buffer and connection pools, GC tuning
  - core/poller: epoll/kqueue multiplexing
  - core/scheduler: per-host admission of outbound requests
  - core/client: outbound REST client
  - core/codec: JSON and protobuf bodies
  - core/notify: error notifier and history
  - core/observability: Prometheus metrics and per-handler statistics
*/
package restengine
