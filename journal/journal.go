package journal

import (
	"fmt"

	"github.com/restatedev/sdk-shared-core/protocol"
)

// EntryRecord is the per-index bookkeeping the journal keeps for every
// transitioned entry: the discriminant for diagnostics and whether its
// completion has already been consumed.
type EntryRecord struct {
	Type      protocol.MessageType
	Completed bool
}

// Journal tracks the entry sequence of one invocation. During replay it
// holds the recorded entries received from the peer and matches each
// re-issued command against them in order; once the replay prefix is
// exhausted it assigns indexes to fresh entries.
type Journal struct {
	index        int64
	replayQueue  []protocol.EntryMessage
	replayTarget uint32
	records      map[uint32]EntryRecord
}

// New returns a Journal expecting knownEntries replayed entries before
// processing starts.
func New(knownEntries uint32) *Journal {
	return &Journal{
		index:        -1,
		replayTarget: knownEntries,
		records:      make(map[uint32]EntryRecord),
	}
}

// Index returns the index of the last transitioned entry, or -1 when no
// entry has been recorded yet. The input entry always occupies index 0.
func (j *Journal) Index() int64 { return j.index }

// NextIndex returns the index the next transitioned entry will receive.
func (j *Journal) NextIndex() uint32 { return uint32(j.index + 1) }

// EnqueueReplay appends a recorded entry received from the peer during
// the replay phase.
func (j *Journal) EnqueueReplay(e protocol.EntryMessage) {
	j.replayQueue = append(j.replayQueue, e)
}

// ReplayComplete reports whether every expected recorded entry arrived.
func (j *Journal) ReplayComplete() bool {
	return uint32(len(j.replayQueue))+uint32(j.index+1) >= j.replayTarget
}

// IsReplaying reports whether recorded entries remain to be matched.
func (j *Journal) IsReplaying() bool {
	return len(j.replayQueue) > 0
}

// Transition records a fresh entry, assigning it the next index.
func (j *Journal) Transition(e protocol.EntryMessage) uint32 {
	j.index++
	idx := uint32(j.index)
	j.record(idx, e.Type())
	return idx
}

// record writes the discriminant for idx, keeping a Completed bit a
// completion that outran the entry may already have set.
func (j *Journal) record(idx uint32, ty protocol.MessageType) {
	rec := j.records[idx]
	rec.Type = ty
	j.records[idx] = rec
}

// PopReplay matches the issued command against the next recorded entry
// and consumes it. A type or stable-field mismatch means the handler
// code diverged from the recorded execution.
func (j *Journal) PopReplay(issued protocol.EntryMessage) (protocol.EntryMessage, uint32, error) {
	recorded := j.replayQueue[0]
	j.replayQueue = j.replayQueue[1:]
	j.index++
	idx := uint32(j.index)

	if recorded.Type() != issued.Type() {
		return nil, idx, &protocol.TypeMismatchError{
			Recorded: recorded.Type(),
			Issued:   issued.Type(),
		}
	}
	if !recorded.EntryEq(issued) {
		return nil, idx, &EntryMismatchError{
			Index:    idx,
			Type:     issued.Type(),
			Recorded: recorded,
			Issued:   issued,
		}
	}
	j.record(idx, recorded.Type())
	return recorded, idx, nil
}

// PeekReplayType returns the discriminant of the next recorded entry
// without consuming it, false when the replay queue is empty.
func (j *Journal) PeekReplayType() (protocol.MessageType, bool) {
	if len(j.replayQueue) == 0 {
		return 0, false
	}
	return j.replayQueue[0].Type(), true
}

// MarkCompleted flags the entry at index as resolved. It reports false
// when the entry was already resolved, which callers treat as a
// duplicate delivery to drop.
func (j *Journal) MarkCompleted(index uint32) bool {
	rec, ok := j.records[index]
	if !ok {
		// the peer may complete an entry we have not re-issued yet
		// during replay; record it so the later completion dedups.
		j.records[index] = EntryRecord{Completed: true}
		return true
	}
	if rec.Completed {
		return false
	}
	rec.Completed = true
	j.records[index] = rec
	return true
}

// IsCompleted reports whether the entry at index has been resolved.
func (j *Journal) IsCompleted(index uint32) bool {
	return j.records[index].Completed
}

// TypeAt returns the discriminant recorded for the entry at index.
func (j *Journal) TypeAt(index uint32) (protocol.MessageType, bool) {
	rec, ok := j.records[index]
	return rec.Type, ok
}

// EntryMismatchError reports an entry whose stable fields diverged from
// the recorded execution at the same index.
type EntryMismatchError struct {
	Index    uint32
	Type     protocol.MessageType
	Recorded protocol.EntryMessage
	Issued   protocol.EntryMessage
}

func (e *EntryMismatchError) Error() string {
	return fmt.Sprintf(
		"journal: entry %d (%s) does not match the recorded execution: the handler issued a command with different parameters than last time. This typically happens when parts of the handler code are non-deterministic",
		e.Index, e.Type)
}
