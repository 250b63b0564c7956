// Package identity verifies that inbound requests originate from a
// trusted platform instance: ed25519-signed JWT tokens carried in
// request headers, checked against a rotatable set of serialised public
// keys. It also derives the deterministic per-invocation random seed.
package identity
