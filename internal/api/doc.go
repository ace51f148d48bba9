// Package api is the browser-facing HTTP surface: an SSE event stream,
// a command relay to game servers, connection lifecycle endpoints, the
// liveness heartbeat and a component health report. All /api routes
// require a bearer token.
package api
