// Package server hosts the recharge API behind a single HTTP listener.
//
// The server builds a consistent middleware chain of request IDs, logging,
// audit, metrics, security headers, CORS, rate limiting, and key auth so
// handlers all share common protections and instrumentation. The key-gated
// client surface, the admin surface, and the inbound SMS webhook all hang off
// one multiplexer.
package server
