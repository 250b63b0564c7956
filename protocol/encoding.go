package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// cborEncMode holds canonical CBOR encoding options, so the same message
// always produces the same bytes regardless of map iteration order.
var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("protocol: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

const headerLen = 8

// MarshalStateKeys serialises a state-keys payload, used as the
// completion value of get-state-keys entries.
func MarshalStateKeys(s *StateKeys) ([]byte, error) {
	return cborEncMode.Marshal(s)
}

// UnmarshalStateKeys deserialises a state-keys payload.
func UnmarshalStateKeys(data []byte) (*StateKeys, error) {
	var s StateKeys
	if err := cbor.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("protocol: unmarshal state keys: %w", err)
	}
	return &s, nil
}

// Encoder frames messages for the wire: an 8-byte big-endian header word
// followed by the canonical CBOR payload.
type Encoder struct {
	version Version
}

// NewEncoder returns an Encoder for the negotiated protocol version.
func NewEncoder(version Version) *Encoder {
	return &Encoder{version: version}
}

// Encode appends the framed message to dst and returns the extended slice.
func (e *Encoder) Encode(dst []byte, m Message) ([]byte, error) {
	payload, err := cborEncMode.Marshal(m)
	if err != nil {
		return dst, fmt.Errorf("protocol: marshal %s: %w", m.Type(), err)
	}
	h := m.header(uint32(len(payload)))
	dst = binary.BigEndian.AppendUint64(dst, h.Encode())
	return append(dst, payload...), nil
}

// EncodeToBytes frames a single message into a fresh buffer.
func (e *Encoder) EncodeToBytes(m Message) ([]byte, error) {
	return e.Encode(nil, m)
}

// RawMessage is a decoded frame whose payload has not been parsed yet.
// Callers that only need to route on the type can skip parsing entirely.
type RawMessage struct {
	Header  MessageHeader
	Payload []byte
}

// Decode unmarshals the payload into an already-chosen message struct.
func (r *RawMessage) Decode(m Message) error {
	if err := cbor.Unmarshal(r.Payload, m); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformedMessage, r.Header.Type, err)
	}
	return nil
}

// Parse decodes the payload into the concrete message struct for the
// frame's type.
func (r *RawMessage) Parse() (Message, error) {
	m, err := newMessage(r.Header.Type)
	if err != nil {
		return nil, err
	}
	if err := r.Decode(m); err != nil {
		return nil, err
	}
	return m, nil
}

func newMessage(ty MessageType) (Message, error) {
	switch ty {
	case MessageTypeStart:
		return &StartMessage{}, nil
	case MessageTypeCompletion:
		return &CompletionMessage{}, nil
	case MessageTypeSuspension:
		return &SuspensionMessage{}, nil
	case MessageTypeError:
		return &ErrorMessage{}, nil
	case MessageTypeEntryAck:
		return &EntryAckMessage{}, nil
	case MessageTypeEnd:
		return &EndMessage{}, nil
	case MessageTypeInputEntry:
		return &InputEntryMessage{}, nil
	case MessageTypeOutputEntry:
		return &OutputEntryMessage{}, nil
	case MessageTypeGetStateEntry:
		return &GetStateEntryMessage{}, nil
	case MessageTypeSetStateEntry:
		return &SetStateEntryMessage{}, nil
	case MessageTypeClearStateEntry:
		return &ClearStateEntryMessage{}, nil
	case MessageTypeClearAllStateEntry:
		return &ClearAllStateEntryMessage{}, nil
	case MessageTypeGetStateKeysEntry:
		return &GetStateKeysEntryMessage{}, nil
	case MessageTypeGetPromiseEntry:
		return &GetPromiseEntryMessage{}, nil
	case MessageTypePeekPromiseEntry:
		return &PeekPromiseEntryMessage{}, nil
	case MessageTypeCompletePromiseEntry:
		return &CompletePromiseEntryMessage{}, nil
	case MessageTypeSleepEntry:
		return &SleepEntryMessage{}, nil
	case MessageTypeCallEntry:
		return &CallEntryMessage{}, nil
	case MessageTypeOneWayCallEntry:
		return &OneWayCallEntryMessage{}, nil
	case MessageTypeAwakeableEntry:
		return &AwakeableEntryMessage{}, nil
	case MessageTypeCompleteAwakeableEntry:
		return &CompleteAwakeableEntryMessage{}, nil
	case MessageTypeRunEntry:
		return &RunEntryMessage{}, nil
	case MessageTypeCancelInvocationEntry:
		return &CancelInvocationEntryMessage{}, nil
	case MessageTypeGetCallInvocationIDEntry:
		return &GetCallInvocationIDEntryMessage{}, nil
	case MessageTypeCombinatorEntry:
		return &CombinatorEntryMessage{}, nil
	default:
		return nil, fmt.Errorf("protocol: no decoder for message type 0x%04x: %w", uint16(ty), ErrUnknownMessageType)
	}
}

// Decoder is an incremental frame decoder. Bytes arrive in arbitrary
// chunks via Push; ConsumeNext yields one RawMessage whenever a full
// frame has accumulated.
type Decoder struct {
	buf bytes.Buffer

	// pending holds the header of a frame whose payload has not fully
	// arrived yet.
	pending    MessageHeader
	hasPending bool
}

// NewDecoder returns an empty Decoder for the negotiated protocol
// version.
func NewDecoder(version Version) *Decoder {
	return &Decoder{}
}

// Push appends a chunk of input. It never fails; malformed frames
// surface from ConsumeNext.
func (d *Decoder) Push(chunk []byte) {
	d.buf.Write(chunk)
}

// ConsumeNext returns the next complete frame, or (nil, nil) when more
// input is needed.
func (d *Decoder) ConsumeNext() (*RawMessage, error) {
	if !d.hasPending {
		if d.buf.Len() < headerLen {
			return nil, nil
		}
		word := binary.BigEndian.Uint64(d.buf.Next(headerLen))
		h, err := DecodeHeader(word)
		if err != nil {
			return nil, err
		}
		d.pending = h
		d.hasPending = true
	}
	if d.buf.Len() < int(d.pending.Length) {
		return nil, nil
	}
	payload := make([]byte, d.pending.Length)
	copy(payload, d.buf.Next(int(d.pending.Length)))
	h := d.pending
	d.hasPending = false
	return &RawMessage{Header: h, Payload: payload}, nil
}
