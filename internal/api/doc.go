// Package api implements the HTTP surface of the recharge service: the
// key-gated client endpoints, the admin endpoints, the inbound SMS webhook,
// and health reporting. Authentication decisions live here; the server
// package only wires them into its middleware chain.
package api
