package protocol

import (
	"bytes"
	"errors"
	"testing"
)

func TestCodec_RoundTrip(t *testing.T) {
	idx := uint32(2)
	msgs := []Message{
		&StartMessage{
			ID:           []byte{0xde, 0xad, 0xbe, 0xef},
			DebugID:      "inv-1",
			KnownEntries: 3,
			StateMap:     []StateEntry{{Key: []byte("k"), Value: []byte("v")}},
			PartialState: true,
			Key:          "my-key",
		},
		&CompletionMessage{EntryIndex: 1, Result: Result{Value: []byte("out")}},
		&CompletionMessage{EntryIndex: 4, Result: Result{Empty: true}},
		&CompletionMessage{EntryIndex: 5, Result: Result{Failure: &Failure{Code: 500, Message: "boom"}}},
		&SuspensionMessage{EntryIndexes: []uint32{1, 7}},
		&ErrorMessage{Code: 571, Message: "protocol violation", RelatedEntryIndex: &idx},
		&EntryAckMessage{EntryIndex: 2},
		&EndMessage{},
		&InputEntryMessage{Value: []byte("input"), Headers: []Header{{Key: "a", Value: "b"}}},
		&OutputEntryMessage{Result: Result{Value: []byte("done")}},
		&GetStateEntryMessage{Key: []byte("st"), Result: &Result{Empty: true}},
		&GetPromiseEntryMessage{Key: "my-prom"},
		&PeekPromiseEntryMessage{Key: "my-prom", Result: &Result{Empty: true}},
		&CompletePromiseEntryMessage{Key: "my-prom", Completion: PromiseCompletion{Value: []byte("val")}},
		&SleepEntryMessage{WakeUpTime: 1234567, Name: "nap"},
		&CallEntryMessage{ServiceName: "Greeter", HandlerName: "greet", Parameter: []byte("x")},
		&OneWayCallEntryMessage{ServiceName: "Greeter", HandlerName: "greet", InvokeTime: 99},
		&AwakeableEntryMessage{},
		&CompleteAwakeableEntryMessage{ID: "prom_1abc", Result: Result{Value: []byte("1")}},
		&RunEntryMessage{Result: Result{Value: []byte("side-effect")}, Name: "charge"},
		&GetCallInvocationIDEntryMessage{CallEntryIndex: 3},
		&CancelInvocationEntryMessage{Target: CancelInvocationTarget{CallEntryIndex: &idx}},
		&CombinatorEntryMessage{CompletedEntriesOrder: []uint32{2, 1}},
	}

	enc := NewEncoder(V5)
	dec := NewDecoder(V5)

	var wire []byte
	for _, m := range msgs {
		var err error
		wire, err = enc.Encode(wire, m)
		if err != nil {
			t.Fatalf("Encode(%s): %v", m.Type(), err)
		}
	}
	dec.Push(wire)

	for _, want := range msgs {
		raw, err := dec.ConsumeNext()
		if err != nil {
			t.Fatalf("ConsumeNext: %v", err)
		}
		if raw == nil {
			t.Fatalf("ConsumeNext: frame for %s missing", want.Type())
		}
		if raw.Header.Type != want.Type() {
			t.Fatalf("frame type: got %s, want %s", raw.Header.Type, want.Type())
		}
		got, err := raw.Parse()
		if err != nil {
			t.Fatalf("Parse(%s): %v", want.Type(), err)
		}
		if got.Type() != want.Type() {
			t.Errorf("parsed type: got %s, want %s", got.Type(), want.Type())
		}
	}
	if raw, _ := dec.ConsumeNext(); raw != nil {
		t.Errorf("trailing frame %s after all messages consumed", raw.Header.Type)
	}
}

func TestEncoder_Deterministic(t *testing.T) {
	m := &CallEntryMessage{
		ServiceName: "Counter",
		HandlerName: "add",
		Key:         "c1",
		Headers:     []Header{{Key: "x", Value: "y"}},
		Parameter:   []byte("41"),
	}
	enc := NewEncoder(V5)
	a, err := enc.EncodeToBytes(m)
	if err != nil {
		t.Fatalf("EncodeToBytes: %v", err)
	}
	b, err := enc.EncodeToBytes(m)
	if err != nil {
		t.Fatalf("EncodeToBytes: %v", err)
	}
	if !bytes.Equal(a, b) {
		t.Error("same message encoded to different bytes")
	}
}

func TestEncoder_HeaderFlags(t *testing.T) {
	enc := NewEncoder(V5)

	data, err := enc.EncodeToBytes(&GetStateEntryMessage{Key: []byte("k"), Result: &Result{Empty: true}})
	if err != nil {
		t.Fatalf("EncodeToBytes: %v", err)
	}
	dec := NewDecoder(V5)
	dec.Push(data)
	raw, err := dec.ConsumeNext()
	if err != nil || raw == nil {
		t.Fatalf("ConsumeNext: raw=%v err=%v", raw, err)
	}
	if !raw.Header.Completed {
		t.Error("completed get-state entry framed without completed flag")
	}

	data, err = enc.EncodeToBytes(&RunEntryMessage{Result: Result{Empty: true}})
	if err != nil {
		t.Fatalf("EncodeToBytes: %v", err)
	}
	dec.Push(data)
	raw, err = dec.ConsumeNext()
	if err != nil || raw == nil {
		t.Fatalf("ConsumeNext: raw=%v err=%v", raw, err)
	}
	if !raw.Header.RequiresAck {
		t.Error("run entry framed without requires-ack flag")
	}
}

func TestDecoder_PartialChunks(t *testing.T) {
	enc := NewEncoder(V5)
	wire, err := enc.EncodeToBytes(&InputEntryMessage{Value: []byte("hello world, this is the input payload")})
	if err != nil {
		t.Fatalf("EncodeToBytes: %v", err)
	}

	dec := NewDecoder(V5)
	// Feed one byte at a time; the frame must only surface once complete.
	for i, b := range wire {
		raw, err := dec.ConsumeNext()
		if err != nil {
			t.Fatalf("ConsumeNext before byte %d: %v", i, err)
		}
		if raw != nil {
			t.Fatalf("frame surfaced early at byte %d of %d", i, len(wire))
		}
		dec.Push([]byte{b})
	}
	raw, err := dec.ConsumeNext()
	if err != nil {
		t.Fatalf("ConsumeNext: %v", err)
	}
	if raw == nil {
		t.Fatal("no frame after pushing all bytes")
	}
	var got InputEntryMessage
	if err := raw.Decode(&got); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if string(got.Value) != "hello world, this is the input payload" {
		t.Errorf("payload: got %q", got.Value)
	}
}

func TestRawMessage_MalformedPayload(t *testing.T) {
	var wire []byte
	h := NewHeader(MessageTypeStart, 1)
	wire = appendHeader(wire, h)
	wire = append(wire, 0xff) // not valid CBOR

	dec := NewDecoder(V5)
	dec.Push(wire)
	raw, err := dec.ConsumeNext()
	if err != nil || raw == nil {
		t.Fatalf("ConsumeNext: raw=%v err=%v", raw, err)
	}
	_, err = raw.Parse()
	if err == nil {
		t.Fatal("Parse accepted a malformed payload")
	}
	if !errors.Is(err, ErrMalformedMessage) {
		t.Errorf("Parse: got %v, want ErrMalformedMessage", err)
	}
}

func appendHeader(dst []byte, h MessageHeader) []byte {
	word := h.Encode()
	for shift := 56; shift >= 0; shift -= 8 {
		dst = append(dst, byte(word>>shift))
	}
	return dst
}

func TestParseVersion(t *testing.T) {
	v, err := ParseVersion("application/vnd.restate.invocation.v5")
	if err != nil {
		t.Fatalf("ParseVersion: %v", err)
	}
	if v != V5 {
		t.Errorf("got %v, want V5", v)
	}
	if _, err := ParseVersion("application/json"); err == nil {
		t.Error("ParseVersion accepted a non-invocation content type")
	}
	if _, err := ParseVersion("application/vnd.restate.invocation.v99"); err == nil {
		t.Error("ParseVersion accepted a version beyond the known range")
	}
	// Old versions still parse; negotiation rejects them separately.
	v, err = ParseVersion("application/vnd.restate.invocation.v1")
	if err != nil {
		t.Fatalf("ParseVersion(v1): %v", err)
	}
	if v.Supported() {
		t.Error("V1 reported as supported")
	}
	if !V4.Supported() || !V5.Supported() {
		t.Error("supported window does not cover V4..V5")
	}
}

func TestEntryEq_ReplayMatching(t *testing.T) {
	// Completed results never participate in matching.
	a := &GetStateEntryMessage{Key: []byte("k"), Result: &Result{Value: []byte("v")}}
	b := &GetStateEntryMessage{Key: []byte("k")}
	if !a.EntryEq(b) {
		t.Error("get-state entries with same key but different results should match")
	}
	c := &GetStateEntryMessage{Key: []byte("other")}
	if a.EntryEq(c) {
		t.Error("get-state entries with different keys should not match")
	}

	s1 := &SleepEntryMessage{WakeUpTime: 100, Name: "timer"}
	s2 := &SleepEntryMessage{WakeUpTime: 999, Name: "timer"}
	if !s1.EntryEq(s2) {
		t.Error("sleep entries differing only in wake-up time should match")
	}
	s3 := &SleepEntryMessage{WakeUpTime: 100, Name: "other"}
	if s1.EntryEq(s3) {
		t.Error("sleep entries with different names should not match")
	}

	p1 := &CompletePromiseEntryMessage{Key: "p", Completion: PromiseCompletion{Value: []byte("v")}}
	p2 := &CompletePromiseEntryMessage{Key: "p", Completion: PromiseCompletion{Value: []byte("v")}, Result: &Result{Empty: true}}
	p3 := &CompletePromiseEntryMessage{Key: "p", Completion: PromiseCompletion{Failure: &Failure{Code: 500}}}
	if !p1.EntryEq(p2) {
		t.Error("complete-promise entries with same completion should match regardless of result")
	}
	if p1.EntryEq(p3) {
		t.Error("complete-promise entries with different completions should not match")
	}

	call := &CallEntryMessage{ServiceName: "A", HandlerName: "h", Parameter: []byte("p")}
	same := &CallEntryMessage{ServiceName: "A", HandlerName: "h", Parameter: []byte("p"), Result: &Result{Empty: true}}
	diff := &CallEntryMessage{ServiceName: "A", HandlerName: "h", Parameter: []byte("q")}
	if !call.EntryEq(same) {
		t.Error("identical calls should match regardless of completion")
	}
	if call.EntryEq(diff) {
		t.Error("calls with different parameters should not match")
	}
}
