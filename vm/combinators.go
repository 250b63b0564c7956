package vm

import "github.com/restatedev/sdk-shared-core/protocol"

// ResultAccessor answers readiness questions during combinator
// evaluation. During replay it reflects the recorded resolution order
// instead of live registry state, so the same winner is picked again.
type ResultAccessor interface {
	IsCompleted(h AsyncResultHandle) bool
}

// Combinator combines several async results into one. Implementations
// must be deterministic functions of the accessor's answers.
type Combinator interface {
	// Handles lists every handle the combinator may wait on.
	Handles() []AsyncResultHandle

	// TryComplete returns the handles resolving the combinator, in
	// resolution order, or false when it cannot complete yet.
	TryComplete(acc ResultAccessor) ([]AsyncResultHandle, bool)
}

// AnyCombinator resolves with the first completed handle.
type AnyCombinator struct {
	Targets []AsyncResultHandle
}

func (c AnyCombinator) Handles() []AsyncResultHandle { return c.Targets }

func (c AnyCombinator) TryComplete(acc ResultAccessor) ([]AsyncResultHandle, bool) {
	for _, h := range c.Targets {
		if acc.IsCompleted(h) {
			return []AsyncResultHandle{h}, true
		}
	}
	return nil, false
}

// AllCombinator resolves once every handle completed.
type AllCombinator struct {
	Targets []AsyncResultHandle
}

func (c AllCombinator) Handles() []AsyncResultHandle { return c.Targets }

func (c AllCombinator) TryComplete(acc ResultAccessor) ([]AsyncResultHandle, bool) {
	for _, h := range c.Targets {
		if !acc.IsCompleted(h) {
			return nil, false
		}
	}
	return c.Targets, true
}

// registryAccessor answers from live registry state.
type registryAccessor struct{ results *asyncResults }

func (a registryAccessor) IsCompleted(h AsyncResultHandle) bool {
	return a.results.isReady(h)
}

// replayAccessor answers from the recorded resolution order.
type replayAccessor struct {
	completed map[AsyncResultHandle]struct{}
}

func (a replayAccessor) IsCompleted(h AsyncResultHandle) bool {
	_, ok := a.completed[h]
	return ok
}

// SysTryCompleteCombinator attempts to resolve a combinator. The bool
// reports whether it resolved; when false the handler must wait for
// more completions (or suspend) and try again. On resolution the
// returned handle eventually yields a CombinatorResultValue, gated on
// the entry ack like any other ack-required entry.
func (vm *CoreVM) SysTryCompleteCombinator(c Combinator) (AsyncResultHandle, bool, error) {
	if e := vm.checkExecuting(protocol.MessageTypeCombinatorEntry); e != nil {
		return 0, false, e
	}

	if vm.journal.IsReplaying() {
		recorded, idx, popErr := vm.journal.PopReplay(&protocol.CombinatorEntryMessage{})
		if popErr != nil {
			return 0, false, vm.fail(asError(popErr).withRelatedEntry(idx, protocol.MessageTypeCombinatorEntry))
		}
		vm.afterReplayStep()
		order := recorded.(*protocol.CombinatorEntryMessage).CompletedEntriesOrder
		acc := replayAccessor{completed: make(map[AsyncResultHandle]struct{}, len(order))}
		for _, i := range order {
			acc.completed[AsyncResultHandle(i)] = struct{}{}
		}
		resolved, ok := c.TryComplete(acc)
		if !ok {
			return 0, false, vm.fail(errorf(CodeJournalMismatch,
				"vm: combinator at entry %d did not resolve with the recorded completion order", idx).
				withRelatedEntry(idx, protocol.MessageTypeCombinatorEntry))
		}
		h := AsyncResultHandle(idx)
		if iErr := vm.results.insertReady(h, CombinatorResultValue{Handles: resolved}); iErr != nil {
			return 0, false, vm.fail(asError(iErr))
		}
		return h, true, nil
	}

	resolved, ok := c.TryComplete(registryAccessor{results: vm.results})
	if !ok {
		if vm.inputClosed {
			handles := c.Handles()
			indexes := make([]uint32, len(handles))
			for i, h := range handles {
				indexes[i] = uint32(h)
			}
			return 0, false, vm.suspend(indexes)
		}
		return 0, false, nil
	}

	order := make([]uint32, len(resolved))
	for i, h := range resolved {
		order[i] = uint32(h)
	}
	issued := &protocol.CombinatorEntryMessage{CompletedEntriesOrder: order}
	_, idx, _, err := vm.transition(issued)
	if err != nil {
		return 0, false, err
	}
	h := AsyncResultHandle(idx)
	if aErr := vm.results.insertWaitingAck(h, CombinatorResultValue{Handles: resolved}); aErr != nil {
		return 0, false, vm.fail(asError(aErr))
	}
	return h, true, nil
}
