package vm

import (
	"time"

	"github.com/restatedev/sdk-shared-core/protocol"
	"github.com/restatedev/sdk-shared-core/retries"
)

// AsyncResultHandle identifies a pending or resolved asynchronous
// result. It is the journal index of the entry that produced it.
type AsyncResultHandle uint32

// SendHandle identifies a recorded one-way call entry, usable as the
// target of SysGetCallInvocationID.
type SendHandle uint32

// Value is the resolved outcome of an asynchronous result. The concrete
// types form a closed set.
type Value interface{ isValue() }

// VoidValue is a success without a payload, like an elapsed sleep.
type VoidValue struct{}

// SuccessValue is a success carrying a payload.
type SuccessValue struct{ Value []byte }

// FailureValue is a terminal failure outcome.
type FailureValue struct{ Failure TerminalFailure }

// StateKeysValue is the outcome of a get-state-keys entry.
type StateKeysValue struct{ Keys []string }

// InvocationIDValue is the outcome of a get-call-invocation-id entry.
type InvocationIDValue struct{ InvocationID string }

// CombinatorResultValue lists, in resolution order, the handles that
// satisfied a combinator.
type CombinatorResultValue struct{ Handles []AsyncResultHandle }

func (VoidValue) isValue()             {}
func (SuccessValue) isValue()          {}
func (FailureValue) isValue()          {}
func (StateKeysValue) isValue()        {}
func (InvocationIDValue) isValue()     {}
func (CombinatorResultValue) isValue() {}

// TerminalFailure is a user-visible failure that becomes part of the
// invocation result. Unlike an Error it is never retried.
type TerminalFailure struct {
	Code    uint16
	Message string
}

// NonEmptyValue is the subset of outcomes a caller can produce itself:
// a success payload or a terminal failure.
type NonEmptyValue interface {
	Value
	isNonEmptyValue()
}

func (SuccessValue) isNonEmptyValue() {}
func (FailureValue) isNonEmptyValue() {}

// Target addresses a handler for calls and sends. Key is set only for
// keyed services.
type Target struct {
	Service string
	Handler string
	Key     string
	Headers []protocol.Header
}

// Input is what the handler starts from, assembled from the start
// message and the input entry.
type Input struct {
	InvocationID []byte
	DebugID      string
	Key          string
	Headers      []protocol.Header
	Value        []byte
	RandomSeed   uint64
}

// RunEnterResult is the outcome of entering a run closure.
type RunEnterResult struct {
	// Executed holds the recorded closure outcome when the journal
	// already contains it; nil means the closure must run now.
	Executed Value
	// RetryInfo describes prior failed attempts of this closure. Only
	// meaningful when Executed is nil.
	RetryInfo retries.RetryInfo
}

// RunExitResult is the outcome of a run closure attempt. Exactly one
// field is set.
type RunExitResult struct {
	Success          []byte
	TerminalFailure  *TerminalFailure
	RetryableFailure *RetryableFailure
}

// RetryableFailure is a run closure failure that may be attempted
// again, subject to a retry policy.
type RetryableFailure struct {
	Code    uint16
	Message string
	// AttemptDuration is how long the failed attempt took, counted
	// towards the policy's duration bound.
	AttemptDuration time.Duration
}

// ResponseHead is the status and headers the host puts on the HTTP
// response before streaming the output.
type ResponseHead struct {
	StatusCode uint16
	Headers    []protocol.Header
}

// Options tunes VM behaviour.
type Options struct {
	// FailOnWaitConcurrentAsyncResult makes awaiting a second handle
	// while another is pending a hard error instead of allowing the
	// host to multiplex waits.
	FailOnWaitConcurrentAsyncResult bool
}
