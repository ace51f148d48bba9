// Package connection maintains websocket sessions to game servers.
//
// A Manager owns at most one session per stored server link. Each
// session multiplexes seq-correlated RPCs and unsolicited broadcasts
// over a single binary-framed websocket. Transport loss triggers
// supervised reconnection with exponential backoff; repeated
// application-level failures exhaust a per-link budget and remove the
// link permanently.
package connection
