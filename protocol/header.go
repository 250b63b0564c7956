package protocol

import "fmt"

// MessageType is the wire discriminant carried in the first 16 bits of
// every message header.
type MessageType uint16

const (
	// Control messages.
	MessageTypeStart      MessageType = 0x0000
	MessageTypeCompletion MessageType = 0x0001
	MessageTypeSuspension MessageType = 0x0002
	MessageTypeError      MessageType = 0x0003
	MessageTypeEntryAck   MessageType = 0x0004
	MessageTypeEnd        MessageType = 0x0005

	// Journal entries.
	MessageTypeInputEntry               MessageType = 0x0400
	MessageTypeOutputEntry              MessageType = 0x0401
	MessageTypeGetStateEntry            MessageType = 0x0800
	MessageTypeSetStateEntry            MessageType = 0x0801
	MessageTypeClearStateEntry          MessageType = 0x0802
	MessageTypeClearAllStateEntry       MessageType = 0x0803
	MessageTypeGetStateKeysEntry        MessageType = 0x0804
	MessageTypeGetPromiseEntry          MessageType = 0x0808
	MessageTypePeekPromiseEntry         MessageType = 0x0809
	MessageTypeCompletePromiseEntry     MessageType = 0x080A
	MessageTypeSleepEntry               MessageType = 0x0C00
	MessageTypeCallEntry                MessageType = 0x0C01
	MessageTypeOneWayCallEntry          MessageType = 0x0C02
	MessageTypeAwakeableEntry           MessageType = 0x0C03
	MessageTypeCompleteAwakeableEntry   MessageType = 0x0C04
	MessageTypeRunEntry                 MessageType = 0x0C05
	MessageTypeCancelInvocationEntry    MessageType = 0x0C06
	MessageTypeGetCallInvocationIDEntry MessageType = 0x0C07
	MessageTypeCombinatorEntry          MessageType = 0xFC02
)

const customEntryMask uint16 = 0xFC00

const (
	completedFlagMask   uint64 = 0x0001_0000_0000
	requiresAckFlagMask uint64 = 0x8000_0000_0000
)

var messageTypeNames = map[MessageType]string{
	MessageTypeStart:                    "Start",
	MessageTypeCompletion:               "Completion",
	MessageTypeSuspension:               "Suspension",
	MessageTypeError:                    "Error",
	MessageTypeEntryAck:                 "EntryAck",
	MessageTypeEnd:                      "End",
	MessageTypeInputEntry:               "InputEntry",
	MessageTypeOutputEntry:              "OutputEntry",
	MessageTypeGetStateEntry:            "GetStateEntry",
	MessageTypeSetStateEntry:            "SetStateEntry",
	MessageTypeClearStateEntry:          "ClearStateEntry",
	MessageTypeClearAllStateEntry:       "ClearAllStateEntry",
	MessageTypeGetStateKeysEntry:        "GetStateKeysEntry",
	MessageTypeGetPromiseEntry:          "GetPromiseEntry",
	MessageTypePeekPromiseEntry:         "PeekPromiseEntry",
	MessageTypeCompletePromiseEntry:     "CompletePromiseEntry",
	MessageTypeSleepEntry:               "SleepEntry",
	MessageTypeCallEntry:                "CallEntry",
	MessageTypeOneWayCallEntry:          "OneWayCallEntry",
	MessageTypeAwakeableEntry:           "AwakeableEntry",
	MessageTypeCompleteAwakeableEntry:   "CompleteAwakeableEntry",
	MessageTypeRunEntry:                 "RunEntry",
	MessageTypeCancelInvocationEntry:    "CancelInvocationEntry",
	MessageTypeGetCallInvocationIDEntry: "GetCallInvocationIdEntry",
	MessageTypeCombinatorEntry:          "CombinatorEntry",
}

func (t MessageType) String() string {
	if name, ok := messageTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("MessageType(%#04x)", uint16(t))
}

// Known reports whether t is part of the closed message set.
func (t MessageType) Known() bool {
	_, ok := messageTypeNames[t]
	return ok
}

// IsEntry reports whether t is a journal entry (as opposed to a control
// message). Custom entries, identified by the 0xFC00 bits, are entries too.
func (t MessageType) IsEntry() bool {
	return t >= MessageTypeInputEntry || uint16(t)&customEntryMask == customEntryMask
}

// hasCompletedFlag reports whether the header of t carries the COMPLETED
// bit. Only completable entries do.
func (t MessageType) hasCompletedFlag() bool {
	switch t {
	case MessageTypeGetStateEntry,
		MessageTypeGetStateKeysEntry,
		MessageTypeGetPromiseEntry,
		MessageTypePeekPromiseEntry,
		MessageTypeCompletePromiseEntry,
		MessageTypeSleepEntry,
		MessageTypeCallEntry,
		MessageTypeAwakeableEntry,
		MessageTypeGetCallInvocationIDEntry:
		return true
	}
	return false
}

// MessageHeader is the fixed 8-byte frame prefix: type discriminant,
// flag bits and payload length packed into one 64-bit word.
type MessageHeader struct {
	Type   MessageType
	Length uint32

	// Completed is meaningful only for types with hasCompletedFlag.
	Completed bool
	// RequiresAck is meaningful only for entry types.
	RequiresAck bool
}

// NewHeader builds a header for a control message.
func NewHeader(ty MessageType, length uint32) MessageHeader {
	return MessageHeader{Type: ty, Length: length}
}

// NewEntryHeader builds a header for a journal entry message.
func NewEntryHeader(ty MessageType, completed, requiresAck bool, length uint32) MessageHeader {
	return MessageHeader{
		Type:        ty,
		Length:      length,
		Completed:   completed && ty.hasCompletedFlag(),
		RequiresAck: requiresAck && ty.IsEntry(),
	}
}

// Encode packs the header into its 64-bit wire representation.
func (h MessageHeader) Encode() uint64 {
	res := uint64(h.Type)<<48 | uint64(h.Length)
	if h.Completed && h.Type.hasCompletedFlag() {
		res |= completedFlagMask
	}
	if h.RequiresAck && h.Type.IsEntry() {
		res |= requiresAckFlagMask
	}
	return res
}

// DecodeHeader unpacks a 64-bit wire word into a MessageHeader. Unknown
// discriminants outside the custom-entry space fail with
// ErrUnknownMessageType.
func DecodeHeader(word uint64) (MessageHeader, error) {
	ty := MessageType(word >> 48)
	if !ty.Known() && uint16(ty)&customEntryMask != customEntryMask {
		return MessageHeader{}, fmt.Errorf("%w: %#04x", ErrUnknownMessageType, uint16(ty))
	}
	h := MessageHeader{Type: ty, Length: uint32(word)}
	if ty.hasCompletedFlag() {
		h.Completed = word&completedFlagMask != 0
	}
	if ty.IsEntry() {
		h.RequiresAck = word&requiresAckFlagMask != 0
	}
	return h, nil
}
