// Package vm implements the durable execution core of one invocation.
//
// A CoreVM sits between the platform peer and the re-executing handler.
// It consumes the peer's input stream (start message, recorded journal
// entries, completions, acks), replays the recorded prefix against the
// commands the handler re-issues, records fresh entries to the output
// stream, and mediates asynchronous results through handles. When the
// handler blocks on a result that cannot arrive anymore, the VM
// checkpoints by suspending.
package vm
