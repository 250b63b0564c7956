package vm

import (
	"sort"

	"github.com/restatedev/sdk-shared-core/protocol"
)

// stateKind is what the eager cache knows about one key.
type stateKind int

const (
	stateUnknown stateKind = iota
	stateEmpty
	stateValue
)

type stateSlot struct {
	present bool
	value   []byte
}

// eagerState caches the user state shipped in the start message so
// state reads resolve without a peer round trip. With a partial
// snapshot, absent keys are unknown rather than empty; local writes
// always take precedence.
type eagerState struct {
	partial bool
	slots   map[string]stateSlot
}

func newEagerState(entries []protocol.StateEntry, partial bool) *eagerState {
	s := &eagerState{
		partial: partial,
		slots:   make(map[string]stateSlot, len(entries)),
	}
	for _, e := range entries {
		s.slots[string(e.Key)] = stateSlot{present: true, value: e.Value}
	}
	return s
}

func (s *eagerState) get(key string) (stateKind, []byte) {
	slot, ok := s.slots[key]
	switch {
	case ok && slot.present:
		return stateValue, slot.value
	case ok:
		return stateEmpty, nil
	case s.partial:
		return stateUnknown, nil
	default:
		return stateEmpty, nil
	}
}

func (s *eagerState) set(key string, value []byte) {
	s.slots[key] = stateSlot{present: true, value: value}
}

func (s *eagerState) clear(key string) {
	s.slots[key] = stateSlot{}
}

func (s *eagerState) clearAll() {
	s.slots = make(map[string]stateSlot)
	s.partial = false
}

// keys returns the full key list, false when the snapshot is partial
// and the list cannot be computed locally.
func (s *eagerState) keys() ([]string, bool) {
	if s.partial {
		return nil, false
	}
	keys := make([]string, 0, len(s.slots))
	for k, slot := range s.slots {
		if slot.present {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, true
}
