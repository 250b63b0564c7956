package protocol

import "bytes"

// Message is one protocol message, control or entry. Implementations are
// the closed set of message structs in this package; consumers switch
// exhaustively over the concrete types.
type Message interface {
	Type() MessageType

	// header produces the frame header for this message given the
	// encoded payload length.
	header(length uint32) MessageHeader
}

// EntryMessage is a Message that is recorded in the journal.
type EntryMessage interface {
	Message

	// EntryName returns the user-assigned name of the entry, empty when
	// unnamed.
	EntryName() string

	// EntryEq compares the stable (replay-relevant) fields of two entries
	// of the same concrete type. Completion results are never compared:
	// a replayed entry may carry an outcome the fresh command cannot
	// know yet.
	EntryEq(other EntryMessage) bool
}

// CompletableEntryMessage is an EntryMessage whose outcome arrives
// asynchronously and may already be recorded on a replayed entry.
type CompletableEntryMessage interface {
	EntryMessage

	// Completed reports whether the entry carries its result already.
	Completed() bool
}

// Header is a key/value pair propagated with invocations.
type Header struct {
	Key   string `cbor:"key"`
	Value string `cbor:"value"`
}

// Failure is the wire form of a terminal failure outcome.
type Failure struct {
	Code    uint32 `cbor:"code"`
	Message string `cbor:"message,omitempty"`
}

// Result is the outcome variant attached to completable entries and
// carried by Completion messages. Exactly one of the three variants is
// set: Empty (a void success), Value (a success payload) or Failure.
type Result struct {
	Empty   bool     `cbor:"empty,omitempty"`
	Value   []byte   `cbor:"value,omitempty"`
	Failure *Failure `cbor:"failure,omitempty"`
}

// StateEntry is one key/value pair of the eager state snapshot in Start.
type StateEntry struct {
	Key   []byte `cbor:"key"`
	Value []byte `cbor:"value"`
}

// StateKeys is the payload of a get-state-keys outcome. It is also the
// encoding of the Completion value for that entry type.
type StateKeys struct {
	Keys [][]byte `cbor:"keys"`
}

// ---------------------------------------------------------------------------
// Control messages
// ---------------------------------------------------------------------------

// StartMessage opens an invocation: identity, the length of the replay
// prefix, the eager state snapshot and retry bookkeeping for the first
// fresh entry.
type StartMessage struct {
	ID           []byte       `cbor:"id"`
	DebugID      string       `cbor:"debug_id"`
	KnownEntries uint32       `cbor:"known_entries"`
	StateMap     []StateEntry `cbor:"state_map,omitempty"`
	PartialState bool         `cbor:"partial_state,omitempty"`
	Key          string       `cbor:"key,omitempty"`

	RetryCountSinceLastStoredEntry uint32 `cbor:"retry_count_since_last_stored_entry,omitempty"`
	DurationSinceLastStoredEntry   uint64 `cbor:"duration_since_last_stored_entry,omitempty"`
}

func (*StartMessage) Type() MessageType { return MessageTypeStart }

// CompletionMessage resolves a previously recorded completable entry,
// addressed by journal index.
type CompletionMessage struct {
	EntryIndex uint32 `cbor:"entry_index"`
	Result     Result `cbor:"result"`
}

func (*CompletionMessage) Type() MessageType { return MessageTypeCompletion }

// SuspensionMessage tells the peer the invocation checkpointed while
// waiting on the listed journal indexes.
type SuspensionMessage struct {
	EntryIndexes []uint32 `cbor:"entry_indexes"`
}

func (*SuspensionMessage) Type() MessageType { return MessageTypeSuspension }

// ErrorMessage reports an invocation failure to the peer, with the error
// taxonomy code and, for retryable host failures, the delay before the
// next attempt.
type ErrorMessage struct {
	Code        uint32 `cbor:"code"`
	Message     string `cbor:"message"`
	Description string `cbor:"description,omitempty"`

	RelatedEntryIndex *uint32 `cbor:"related_entry_index,omitempty"`
	RelatedEntryType  *uint16 `cbor:"related_entry_type,omitempty"`
	NextRetryDelay    *uint64 `cbor:"next_retry_delay,omitempty"`
}

func (*ErrorMessage) Type() MessageType { return MessageTypeError }

// EntryAckMessage acknowledges that the peer durably stored the entry at
// the given index. Results of ack-required entries are withheld until then.
type EntryAckMessage struct {
	EntryIndex uint32 `cbor:"entry_index"`
}

func (*EntryAckMessage) Type() MessageType { return MessageTypeEntryAck }

// EndMessage closes the invocation stream after the output was recorded.
type EndMessage struct{}

func (*EndMessage) Type() MessageType { return MessageTypeEnd }

// ---------------------------------------------------------------------------
// Entry messages
// ---------------------------------------------------------------------------

// InputEntryMessage is the first journal entry: the invocation payload.
type InputEntryMessage struct {
	Headers []Header `cbor:"headers,omitempty"`
	Value   []byte   `cbor:"value,omitempty"`
	Name    string   `cbor:"name,omitempty"`
}

func (*InputEntryMessage) Type() MessageType           { return MessageTypeInputEntry }
func (m *InputEntryMessage) EntryName() string         { return m.Name }
func (m *InputEntryMessage) EntryEq(EntryMessage) bool { return true }

// OutputEntryMessage records the invocation result, success or terminal
// failure.
type OutputEntryMessage struct {
	Result Result `cbor:"result"`
	Name   string `cbor:"name,omitempty"`
}

func (*OutputEntryMessage) Type() MessageType   { return MessageTypeOutputEntry }
func (m *OutputEntryMessage) EntryName() string { return m.Name }
func (m *OutputEntryMessage) EntryEq(other EntryMessage) bool {
	o := other.(*OutputEntryMessage)
	return resultEq(&m.Result, &o.Result)
}

// GetStateEntryMessage reads a user state key.
type GetStateEntryMessage struct {
	Key    []byte  `cbor:"key"`
	Result *Result `cbor:"result,omitempty"`
	Name   string  `cbor:"name,omitempty"`
}

func (*GetStateEntryMessage) Type() MessageType   { return MessageTypeGetStateEntry }
func (m *GetStateEntryMessage) EntryName() string { return m.Name }
func (m *GetStateEntryMessage) Completed() bool   { return m.Result != nil }
func (m *GetStateEntryMessage) EntryEq(other EntryMessage) bool {
	return bytes.Equal(m.Key, other.(*GetStateEntryMessage).Key)
}

// SetStateEntryMessage writes a user state key.
type SetStateEntryMessage struct {
	Key   []byte `cbor:"key"`
	Value []byte `cbor:"value"`
	Name  string `cbor:"name,omitempty"`
}

func (*SetStateEntryMessage) Type() MessageType   { return MessageTypeSetStateEntry }
func (m *SetStateEntryMessage) EntryName() string { return m.Name }
func (m *SetStateEntryMessage) EntryEq(other EntryMessage) bool {
	o := other.(*SetStateEntryMessage)
	return bytes.Equal(m.Key, o.Key) && bytes.Equal(m.Value, o.Value)
}

// ClearStateEntryMessage deletes a user state key.
type ClearStateEntryMessage struct {
	Key  []byte `cbor:"key"`
	Name string `cbor:"name,omitempty"`
}

func (*ClearStateEntryMessage) Type() MessageType   { return MessageTypeClearStateEntry }
func (m *ClearStateEntryMessage) EntryName() string { return m.Name }
func (m *ClearStateEntryMessage) EntryEq(other EntryMessage) bool {
	return bytes.Equal(m.Key, other.(*ClearStateEntryMessage).Key)
}

// ClearAllStateEntryMessage deletes every user state key.
type ClearAllStateEntryMessage struct {
	Name string `cbor:"name,omitempty"`
}

func (*ClearAllStateEntryMessage) Type() MessageType           { return MessageTypeClearAllStateEntry }
func (m *ClearAllStateEntryMessage) EntryName() string         { return m.Name }
func (m *ClearAllStateEntryMessage) EntryEq(EntryMessage) bool { return true }

// GetStateKeysEntryMessage lists the user state keys.
type GetStateKeysEntryMessage struct {
	Result *GetStateKeysResult `cbor:"result,omitempty"`
	Name   string              `cbor:"name,omitempty"`
}

// GetStateKeysResult is the outcome variant for GetStateKeysEntryMessage.
type GetStateKeysResult struct {
	Value   *StateKeys `cbor:"value,omitempty"`
	Failure *Failure   `cbor:"failure,omitempty"`
}

func (*GetStateKeysEntryMessage) Type() MessageType           { return MessageTypeGetStateKeysEntry }
func (m *GetStateKeysEntryMessage) EntryName() string         { return m.Name }
func (m *GetStateKeysEntryMessage) Completed() bool           { return m.Result != nil }
func (m *GetStateKeysEntryMessage) EntryEq(EntryMessage) bool { return true }

// GetPromiseEntryMessage awaits a durable promise, identified by its
// key within the workflow.
type GetPromiseEntryMessage struct {
	Key    string  `cbor:"key"`
	Result *Result `cbor:"result,omitempty"`
	Name   string  `cbor:"name,omitempty"`
}

func (*GetPromiseEntryMessage) Type() MessageType   { return MessageTypeGetPromiseEntry }
func (m *GetPromiseEntryMessage) EntryName() string { return m.Name }
func (m *GetPromiseEntryMessage) Completed() bool   { return m.Result != nil }
func (m *GetPromiseEntryMessage) EntryEq(other EntryMessage) bool {
	o := other.(*GetPromiseEntryMessage)
	return m.Key == o.Key && m.Name == o.Name
}

// PeekPromiseEntryMessage reads the current value of a durable promise
// without awaiting it. An Empty result means not yet completed.
type PeekPromiseEntryMessage struct {
	Key    string  `cbor:"key"`
	Result *Result `cbor:"result,omitempty"`
	Name   string  `cbor:"name,omitempty"`
}

func (*PeekPromiseEntryMessage) Type() MessageType   { return MessageTypePeekPromiseEntry }
func (m *PeekPromiseEntryMessage) EntryName() string { return m.Name }
func (m *PeekPromiseEntryMessage) Completed() bool   { return m.Result != nil }
func (m *PeekPromiseEntryMessage) EntryEq(other EntryMessage) bool {
	o := other.(*PeekPromiseEntryMessage)
	return m.Key == o.Key && m.Name == o.Name
}

// PromiseCompletion is the value a complete-promise entry writes into
// the promise: a success payload or a terminal failure.
type PromiseCompletion struct {
	Value   []byte   `cbor:"value,omitempty"`
	Failure *Failure `cbor:"failure,omitempty"`
}

// CompletePromiseEntryMessage resolves a durable promise. The entry's
// own result is Empty on success, or a failure when the promise was
// already completed.
type CompletePromiseEntryMessage struct {
	Key        string            `cbor:"key"`
	Completion PromiseCompletion `cbor:"completion"`
	Result     *Result           `cbor:"result,omitempty"`
	Name       string            `cbor:"name,omitempty"`
}

func (*CompletePromiseEntryMessage) Type() MessageType   { return MessageTypeCompletePromiseEntry }
func (m *CompletePromiseEntryMessage) EntryName() string { return m.Name }
func (m *CompletePromiseEntryMessage) Completed() bool   { return m.Result != nil }
func (m *CompletePromiseEntryMessage) EntryEq(other EntryMessage) bool {
	o := other.(*CompletePromiseEntryMessage)
	if m.Key != o.Key || m.Name != o.Name || !bytes.Equal(m.Completion.Value, o.Completion.Value) {
		return false
	}
	if (m.Completion.Failure == nil) != (o.Completion.Failure == nil) {
		return false
	}
	return m.Completion.Failure == nil || *m.Completion.Failure == *o.Completion.Failure
}

// SleepEntryMessage records a timer. WakeUpTime is milliseconds since the
// Unix epoch; it is not replay-matched, since wall-clock arithmetic is not
// stable across retries.
type SleepEntryMessage struct {
	WakeUpTime uint64  `cbor:"wake_up_time"`
	Result     *Result `cbor:"result,omitempty"`
	Name       string  `cbor:"name,omitempty"`
}

func (*SleepEntryMessage) Type() MessageType   { return MessageTypeSleepEntry }
func (m *SleepEntryMessage) EntryName() string { return m.Name }
func (m *SleepEntryMessage) Completed() bool   { return m.Result != nil }
func (m *SleepEntryMessage) EntryEq(other EntryMessage) bool {
	return m.Name == other.(*SleepEntryMessage).Name
}

// CallEntryMessage records a request/response sub-invocation.
type CallEntryMessage struct {
	ServiceName string   `cbor:"service_name"`
	HandlerName string   `cbor:"handler_name"`
	Key         string   `cbor:"key,omitempty"`
	Headers     []Header `cbor:"headers,omitempty"`
	Parameter   []byte   `cbor:"parameter,omitempty"`
	Result      *Result  `cbor:"result,omitempty"`
	Name        string   `cbor:"name,omitempty"`
}

func (*CallEntryMessage) Type() MessageType   { return MessageTypeCallEntry }
func (m *CallEntryMessage) EntryName() string { return m.Name }
func (m *CallEntryMessage) Completed() bool   { return m.Result != nil }
func (m *CallEntryMessage) EntryEq(other EntryMessage) bool {
	o := other.(*CallEntryMessage)
	return m.ServiceName == o.ServiceName &&
		m.HandlerName == o.HandlerName &&
		m.Key == o.Key &&
		headersEq(m.Headers, o.Headers) &&
		bytes.Equal(m.Parameter, o.Parameter) &&
		m.Name == o.Name
}

// OneWayCallEntryMessage records a fire-and-forget sub-invocation.
// InvokeTime is milliseconds since the Unix epoch, zero for "now".
type OneWayCallEntryMessage struct {
	ServiceName string   `cbor:"service_name"`
	HandlerName string   `cbor:"handler_name"`
	Key         string   `cbor:"key,omitempty"`
	Headers     []Header `cbor:"headers,omitempty"`
	Parameter   []byte   `cbor:"parameter,omitempty"`
	InvokeTime  uint64   `cbor:"invoke_time,omitempty"`
	Name        string   `cbor:"name,omitempty"`
}

func (*OneWayCallEntryMessage) Type() MessageType   { return MessageTypeOneWayCallEntry }
func (m *OneWayCallEntryMessage) EntryName() string { return m.Name }
func (m *OneWayCallEntryMessage) EntryEq(other EntryMessage) bool {
	o := other.(*OneWayCallEntryMessage)
	return m.ServiceName == o.ServiceName &&
		m.HandlerName == o.HandlerName &&
		m.Key == o.Key &&
		headersEq(m.Headers, o.Headers) &&
		bytes.Equal(m.Parameter, o.Parameter) &&
		m.Name == o.Name
}

// AwakeableEntryMessage records an externally completable signal.
type AwakeableEntryMessage struct {
	Result *Result `cbor:"result,omitempty"`
	Name   string  `cbor:"name,omitempty"`
}

func (*AwakeableEntryMessage) Type() MessageType   { return MessageTypeAwakeableEntry }
func (m *AwakeableEntryMessage) EntryName() string { return m.Name }
func (m *AwakeableEntryMessage) Completed() bool   { return m.Result != nil }
func (m *AwakeableEntryMessage) EntryEq(other EntryMessage) bool {
	return m.Name == other.(*AwakeableEntryMessage).Name
}

// CompleteAwakeableEntryMessage resolves an awakeable of another
// invocation.
type CompleteAwakeableEntryMessage struct {
	ID     string `cbor:"id"`
	Result Result `cbor:"result"`
	Name   string `cbor:"name,omitempty"`
}

func (*CompleteAwakeableEntryMessage) Type() MessageType   { return MessageTypeCompleteAwakeableEntry }
func (m *CompleteAwakeableEntryMessage) EntryName() string { return m.Name }
func (m *CompleteAwakeableEntryMessage) EntryEq(other EntryMessage) bool {
	o := other.(*CompleteAwakeableEntryMessage)
	return m.ID == o.ID && resultEq(&m.Result, &o.Result)
}

// RunEntryMessage records the result of host-side non-deterministic code.
// The entry is written together with its result and requires an ack
// before the result may be observed, so a crash cannot surface an
// un-persisted side effect.
type RunEntryMessage struct {
	Result Result `cbor:"result"`
	Name   string `cbor:"name,omitempty"`
}

func (*RunEntryMessage) Type() MessageType   { return MessageTypeRunEntry }
func (m *RunEntryMessage) EntryName() string { return m.Name }
func (m *RunEntryMessage) EntryEq(other EntryMessage) bool {
	return m.Name == other.(*RunEntryMessage).Name
}

// CancelInvocationTarget addresses the invocation to cancel: either an
// invocation id, or the journal index of a call/one-way-call entry.
type CancelInvocationTarget struct {
	InvocationID   string  `cbor:"invocation_id,omitempty"`
	CallEntryIndex *uint32 `cbor:"call_entry_index,omitempty"`
}

// CancelInvocationEntryMessage records a cancellation request for a
// target invocation.
type CancelInvocationEntryMessage struct {
	Target CancelInvocationTarget `cbor:"target"`
	Name   string                 `cbor:"name,omitempty"`
}

func (*CancelInvocationEntryMessage) Type() MessageType   { return MessageTypeCancelInvocationEntry }
func (m *CancelInvocationEntryMessage) EntryName() string { return m.Name }
func (m *CancelInvocationEntryMessage) EntryEq(other EntryMessage) bool {
	o := other.(*CancelInvocationEntryMessage)
	if m.Target.InvocationID != o.Target.InvocationID {
		return false
	}
	return uint32PtrEq(m.Target.CallEntryIndex, o.Target.CallEntryIndex)
}

// GetCallInvocationIDEntryMessage resolves the invocation id of a
// previously recorded call or one-way-call entry.
type GetCallInvocationIDEntryMessage struct {
	CallEntryIndex uint32  `cbor:"call_entry_index"`
	Result         *Result `cbor:"result,omitempty"`
	Name           string  `cbor:"name,omitempty"`
}

func (*GetCallInvocationIDEntryMessage) Type() MessageType {
	return MessageTypeGetCallInvocationIDEntry
}
func (m *GetCallInvocationIDEntryMessage) EntryName() string { return m.Name }
func (m *GetCallInvocationIDEntryMessage) Completed() bool   { return m.Result != nil }
func (m *GetCallInvocationIDEntryMessage) EntryEq(other EntryMessage) bool {
	return m.CallEntryIndex == other.(*GetCallInvocationIDEntryMessage).CallEntryIndex
}

// CombinatorEntryMessage records the resolution order a combinator
// observed, so replay reproduces the same winner deterministically.
type CombinatorEntryMessage struct {
	CompletedEntriesOrder []uint32 `cbor:"completed_entries_order"`
	Name                  string   `cbor:"name,omitempty"`
}

func (*CombinatorEntryMessage) Type() MessageType           { return MessageTypeCombinatorEntry }
func (m *CombinatorEntryMessage) EntryName() string         { return m.Name }
func (m *CombinatorEntryMessage) EntryEq(EntryMessage) bool { return true }

// ---------------------------------------------------------------------------
// Header generation
// ---------------------------------------------------------------------------

func (m *StartMessage) header(l uint32) MessageHeader      { return NewHeader(m.Type(), l) }
func (m *CompletionMessage) header(l uint32) MessageHeader { return NewHeader(m.Type(), l) }
func (m *SuspensionMessage) header(l uint32) MessageHeader { return NewHeader(m.Type(), l) }
func (m *ErrorMessage) header(l uint32) MessageHeader      { return NewHeader(m.Type(), l) }
func (m *EntryAckMessage) header(l uint32) MessageHeader   { return NewHeader(m.Type(), l) }
func (m *EndMessage) header(l uint32) MessageHeader        { return NewHeader(m.Type(), l) }

func (m *InputEntryMessage) header(l uint32) MessageHeader {
	return NewEntryHeader(m.Type(), false, false, l)
}
func (m *OutputEntryMessage) header(l uint32) MessageHeader {
	return NewEntryHeader(m.Type(), false, false, l)
}
func (m *GetStateEntryMessage) header(l uint32) MessageHeader {
	return NewEntryHeader(m.Type(), m.Completed(), false, l)
}
func (m *SetStateEntryMessage) header(l uint32) MessageHeader {
	return NewEntryHeader(m.Type(), false, false, l)
}
func (m *ClearStateEntryMessage) header(l uint32) MessageHeader {
	return NewEntryHeader(m.Type(), false, false, l)
}
func (m *ClearAllStateEntryMessage) header(l uint32) MessageHeader {
	return NewEntryHeader(m.Type(), false, false, l)
}
func (m *GetStateKeysEntryMessage) header(l uint32) MessageHeader {
	return NewEntryHeader(m.Type(), m.Completed(), false, l)
}
func (m *GetPromiseEntryMessage) header(l uint32) MessageHeader {
	return NewEntryHeader(m.Type(), m.Completed(), false, l)
}
func (m *PeekPromiseEntryMessage) header(l uint32) MessageHeader {
	return NewEntryHeader(m.Type(), m.Completed(), false, l)
}
func (m *CompletePromiseEntryMessage) header(l uint32) MessageHeader {
	return NewEntryHeader(m.Type(), m.Completed(), false, l)
}
func (m *SleepEntryMessage) header(l uint32) MessageHeader {
	return NewEntryHeader(m.Type(), m.Completed(), false, l)
}
func (m *CallEntryMessage) header(l uint32) MessageHeader {
	return NewEntryHeader(m.Type(), m.Completed(), false, l)
}
func (m *OneWayCallEntryMessage) header(l uint32) MessageHeader {
	return NewEntryHeader(m.Type(), false, false, l)
}
func (m *AwakeableEntryMessage) header(l uint32) MessageHeader {
	return NewEntryHeader(m.Type(), m.Completed(), false, l)
}
func (m *CompleteAwakeableEntryMessage) header(l uint32) MessageHeader {
	return NewEntryHeader(m.Type(), false, false, l)
}
func (m *RunEntryMessage) header(l uint32) MessageHeader {
	return NewEntryHeader(m.Type(), false, true, l)
}
func (m *CancelInvocationEntryMessage) header(l uint32) MessageHeader {
	return NewEntryHeader(m.Type(), false, false, l)
}
func (m *GetCallInvocationIDEntryMessage) header(l uint32) MessageHeader {
	return NewEntryHeader(m.Type(), m.Completed(), false, l)
}
func (m *CombinatorEntryMessage) header(l uint32) MessageHeader {
	return NewEntryHeader(m.Type(), false, true, l)
}

// ---------------------------------------------------------------------------
// Comparison helpers
// ---------------------------------------------------------------------------

func resultEq(a, b *Result) bool {
	if a.Empty != b.Empty || !bytes.Equal(a.Value, b.Value) {
		return false
	}
	if (a.Failure == nil) != (b.Failure == nil) {
		return false
	}
	return a.Failure == nil || *a.Failure == *b.Failure
}

func headersEq(a, b []Header) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func uint32PtrEq(a, b *uint32) bool {
	if (a == nil) != (b == nil) {
		return false
	}
	return a == nil || *a == *b
}
