// Package statusapi serves the daemon's local HTTP surface.
//
//	GET  /healthz   liveness
//	GET  /status    JSON Report, ?probe=1 adds a SOCKS5 probe
//	POST /identity  202 accepted, 409 not connected, 429 throttled
//	GET  /events    WebSocket stream of state and log events
//	GET  /metrics   Prometheus exposition, when configured
//
// The server is meant to listen on loopback. POST endpoints require the
// configured token when one is set.
package statusapi
