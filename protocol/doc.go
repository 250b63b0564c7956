// Package protocol implements the invocation wire protocol: content-type
// version negotiation, the 8-byte frame header with its flag bits, the
// control and journal entry message types, and an incremental
// encoder/decoder built on canonical CBOR.
package protocol
