// Package gateway orchestrates the coven-relay server components.
//
// # Overview
//
// The gateway package wires the relay together from a config.Config: the
// session state store (SQLite or Redis), blob storage on the filesystem, the
// media cache, the model completer, the session manager, and the connection
// router. It owns the HTTP server and the lifecycle of everything it built.
//
// # HTTP Endpoints
//
//   - GET /ws - websocket endpoint for clients, nodes, and channel bridges
//   - GET /health - Liveness check
//   - GET /health/ready - Readiness check (at least one node connected)
//   - GET /metrics - Prometheus metrics (when metrics.enabled)
//
// # Listeners
//
// By default the server listens on server.http_addr. With tailscale.enabled
// it joins the tailnet through tsnet instead and serves on :80, or on :443
// with the node's tailnet certificate when tailscale.https is set.
//
// # Lifecycle
//
//	gw, err := gateway.New(cfg, logger)
//	if err != nil {
//	    return err
//	}
//	return gw.Run(ctx) // blocks until ctx is canceled
//
// Shutdown stops the HTTP server, disconnects every peer, stops the session
// manager, and closes the store, collecting every close error.
package gateway
