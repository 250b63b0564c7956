package protocol

import (
	"errors"
	"testing"
)

func TestHeader_EncodeDecodeRoundTrip(t *testing.T) {
	cases := []MessageHeader{
		{Type: MessageTypeStart, Length: 25},
		{Type: MessageTypeCompletion, Length: 22},
		{Type: MessageTypeCompletion, Length: 0},
		{Type: MessageTypeSuspension, Length: 9},
		{Type: MessageTypeError, Length: 127},
		{Type: MessageTypeEntryAck, Length: 4},
		{Type: MessageTypeEnd, Length: 0},
		{Type: MessageTypeInputEntry, Length: 14},
		{Type: MessageTypeOutputEntry, Length: 14},
		{Type: MessageTypeGetStateEntry, Length: 0},
		{Type: MessageTypeGetStateEntry, Length: 0, Completed: true},
		{Type: MessageTypeSetStateEntry, Length: 10341},
		{Type: MessageTypeGetPromiseEntry, Length: 7, Completed: true},
		{Type: MessageTypePeekPromiseEntry, Length: 7},
		{Type: MessageTypeCompletePromiseEntry, Length: 31, Completed: true},
		{Type: MessageTypeSleepEntry, Length: 0, Completed: true},
		{Type: MessageTypeCallEntry, Length: 672, Completed: true},
		{Type: MessageTypeRunEntry, Length: 8, RequiresAck: true},
		{Type: MessageTypeCombinatorEntry, Length: 16, RequiresAck: true},
	}
	for _, h := range cases {
		got, err := DecodeHeader(h.Encode())
		if err != nil {
			t.Fatalf("DecodeHeader(%s): %v", h.Type, err)
		}
		if got != h {
			t.Errorf("round trip %s: got %+v, want %+v", h.Type, got, h)
		}
	}
}

func TestHeader_CompletedFlagBit(t *testing.T) {
	h := MessageHeader{Type: MessageTypeGetStateEntry, Length: 1, Completed: true}
	word := h.Encode()
	if word&completedFlagMask == 0 {
		t.Errorf("completed flag bit not set in 0x%016x", word)
	}
	if word&requiresAckFlagMask != 0 {
		t.Errorf("requires-ack bit set unexpectedly in 0x%016x", word)
	}
}

func TestHeader_RequiresAckFlagBit(t *testing.T) {
	h := MessageHeader{Type: MessageTypeRunEntry, Length: 1, RequiresAck: true}
	word := h.Encode()
	if word&requiresAckFlagMask == 0 {
		t.Errorf("requires-ack bit not set in 0x%016x", word)
	}
}

func TestDecodeHeader_UnknownType(t *testing.T) {
	// 0x0100 is not a known discriminant and not a custom entry.
	word := uint64(0x0100) << 48
	if _, err := DecodeHeader(word); !errors.Is(err, ErrUnknownMessageType) {
		t.Fatalf("DecodeHeader: got %v, want ErrUnknownMessageType", err)
	}
}

func TestMessageType_IsEntry(t *testing.T) {
	entries := []MessageType{
		MessageTypeInputEntry, MessageTypeOutputEntry,
		MessageTypeGetStateEntry, MessageTypeSleepEntry,
		MessageTypeRunEntry, MessageTypeCombinatorEntry,
	}
	for _, ty := range entries {
		if !ty.IsEntry() {
			t.Errorf("%s: IsEntry = false, want true", ty)
		}
	}
	controls := []MessageType{
		MessageTypeStart, MessageTypeCompletion, MessageTypeSuspension,
		MessageTypeError, MessageTypeEntryAck, MessageTypeEnd,
	}
	for _, ty := range controls {
		if ty.IsEntry() {
			t.Errorf("%s: IsEntry = true, want false", ty)
		}
	}
}
