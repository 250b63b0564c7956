package vm

import "github.com/restatedev/sdk-shared-core/protocol"

// completionHint tells the registry how to turn a raw completion into a
// typed Value for a given entry.
type completionHint int

const (
	hintValue completionHint = iota
	hintStateKeys
	hintInvocationID
)

// ackListener is a resolved result withheld until the peer acknowledges
// that its entry was durably stored.
type ackListener struct {
	entryIndex uint32
	value      Value
}

// asyncResults tracks the resolution of asynchronous results: ready
// values keyed by handle, completions that arrived before their entry
// registered a parsing hint, and results gated on entry acks.
type asyncResults struct {
	ready      map[AsyncResultHandle]Value
	hints      map[uint32]completionHint
	unparsed   map[uint32]protocol.Result
	waitingAck []ackListener
	lastAcked  uint32
}

func newAsyncResults() *asyncResults {
	return &asyncResults{
		ready:    make(map[AsyncResultHandle]Value),
		hints:    make(map[uint32]completionHint),
		unparsed: make(map[uint32]protocol.Result),
	}
}

// insertReady resolves a handle. Resolving the same handle twice is a
// registry invariant violation, distinct from duplicate peer
// completions which the journal deduplicates upstream.
func (a *asyncResults) insertReady(h AsyncResultHandle, v Value) error {
	if _, dup := a.ready[h]; dup {
		return protocolViolationf("vm: async result %d resolved twice", h)
	}
	a.ready[h] = v
	return nil
}

// insertWaitingAck resolves a handle but withholds the value until the
// entry at the same index is acknowledged.
func (a *asyncResults) insertWaitingAck(h AsyncResultHandle, v Value) error {
	if uint32(h) <= a.lastAcked {
		return a.insertReady(h, v)
	}
	a.waitingAck = append(a.waitingAck, ackListener{entryIndex: uint32(h), value: v})
	return nil
}

// notifyAck releases every withheld result whose entry index is covered
// by the acknowledged index.
func (a *asyncResults) notifyAck(entryIndex uint32) error {
	if entryIndex > a.lastAcked {
		a.lastAcked = entryIndex
	}
	kept := a.waitingAck[:0]
	for _, l := range a.waitingAck {
		if l.entryIndex <= a.lastAcked {
			if err := a.insertReady(AsyncResultHandle(l.entryIndex), l.value); err != nil {
				return err
			}
		} else {
			kept = append(kept, l)
		}
	}
	a.waitingAck = kept
	return nil
}

// registerHint declares how completions for the entry parse. If the
// completion already arrived, it parses immediately.
func (a *asyncResults) registerHint(entryIndex uint32, hint completionHint) error {
	if result, ok := a.unparsed[entryIndex]; ok {
		delete(a.unparsed, entryIndex)
		v, err := parseCompletion(result, hint)
		if err != nil {
			return err
		}
		return a.insertReady(AsyncResultHandle(entryIndex), v)
	}
	a.hints[entryIndex] = hint
	return nil
}

// onCompletion ingests a (journal-deduplicated) peer completion.
func (a *asyncResults) onCompletion(entryIndex uint32, result protocol.Result) error {
	hint, ok := a.hints[entryIndex]
	if !ok {
		a.unparsed[entryIndex] = result
		return nil
	}
	delete(a.hints, entryIndex)
	v, err := parseCompletion(result, hint)
	if err != nil {
		return err
	}
	return a.insertReady(AsyncResultHandle(entryIndex), v)
}

func (a *asyncResults) isReady(h AsyncResultHandle) bool {
	_, ok := a.ready[h]
	return ok
}

// take removes and returns a ready value.
func (a *asyncResults) take(h AsyncResultHandle) (Value, bool) {
	v, ok := a.ready[h]
	if ok {
		delete(a.ready, h)
	}
	return v, ok
}

// parseCompletion converts a raw completion into a typed Value.
func parseCompletion(r protocol.Result, hint completionHint) (Value, error) {
	if r.Failure != nil {
		return FailureValue{Failure: TerminalFailure{
			Code:    uint16(r.Failure.Code),
			Message: r.Failure.Message,
		}}, nil
	}
	if r.Empty {
		return VoidValue{}, nil
	}
	switch hint {
	case hintStateKeys:
		keys, err := protocol.UnmarshalStateKeys(r.Value)
		if err != nil {
			return nil, protocolViolationf("vm: bad state keys completion: %v", err)
		}
		out := make([]string, len(keys.Keys))
		for i, k := range keys.Keys {
			out[i] = string(k)
		}
		return StateKeysValue{Keys: out}, nil
	case hintInvocationID:
		return InvocationIDValue{InvocationID: string(r.Value)}, nil
	default:
		return SuccessValue{Value: r.Value}, nil
	}
}
