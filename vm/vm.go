package vm

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"time"

	"github.com/tliron/commonlog"

	"github.com/restatedev/sdk-shared-core/identity"
	"github.com/restatedev/sdk-shared-core/journal"
	"github.com/restatedev/sdk-shared-core/protocol"
	"github.com/restatedev/sdk-shared-core/retries"
)

var log = commonlog.GetLogger("vm")

// invocationState is the lifecycle phase of an invocation.
type invocationState int

const (
	stateWaitingStart invocationState = iota
	stateWaitingReplayEntries
	stateReplaying
	stateProcessing
	stateSuspended
	stateClosed
)

func (s invocationState) String() string {
	switch s {
	case stateWaitingStart:
		return "waiting-start"
	case stateWaitingReplayEntries:
		return "waiting-replay-entries"
	case stateReplaying:
		return "replaying"
	case stateProcessing:
		return "processing"
	case stateSuspended:
		return "suspended"
	default:
		return "closed"
	}
}

// startInfo is the invocation identity captured from the start message.
type startInfo struct {
	id           []byte
	debugID      string
	key          string
	knownEntries uint32

	retryCountSinceLastStoredEntry uint32
	durationSinceLastStoredEntry   time.Duration
}

// CoreVM drives one invocation: it consumes the peer's input stream,
// replays the recorded journal against the re-executing handler, then
// records fresh entries, and produces the output stream the host ships
// back.
type CoreVM struct {
	version protocol.Version
	encoder *protocol.Encoder
	decoder *protocol.Decoder
	options Options

	state   invocationState
	start   *startInfo
	journal *journal.Journal
	results *asyncResults
	eager   *eagerState

	output      bytes.Buffer
	outputEOF   bool
	inputClosed bool

	insideRun    bool
	currentAwait *AsyncResultHandle

	// cancellationObserved is set once a cancellation-class failure
	// arrived. From then on only the output path may append entries.
	cancellationObserved bool

	// lastError is set on the transition into the failed terminal
	// state; every later call observes it.
	lastError *Error
}

// New builds a CoreVM from the request headers. The content-type header
// selects the protocol version.
func New(headers map[string]string, options Options) (*CoreVM, error) {
	contentType, ok := headers["content-type"]
	if !ok {
		return nil, errorf(CodeUnsupportedMediaType, "vm: missing content-type header")
	}
	version, err := protocol.ParseVersion(contentType)
	if err != nil {
		return nil, errorf(CodeUnsupportedMediaType, "vm: %v", err)
	}
	if !version.Supported() {
		return nil, errorf(CodeUnsupportedMediaType,
			"vm: protocol version %s is outside the supported range %s..%s",
			version, protocol.MinimumSupportedVersion, protocol.MaximumSupportedVersion)
	}
	log.Debugf("new invocation stream, protocol version %s", version)
	return &CoreVM{
		version: version,
		encoder: protocol.NewEncoder(version),
		decoder: protocol.NewDecoder(version),
		options: options,
		state:   stateWaitingStart,
		results: newAsyncResults(),
	}, nil
}

// Version returns the negotiated protocol version.
func (vm *CoreVM) Version() protocol.Version { return vm.version }

// ResponseHead returns the response head for this invocation stream:
// always 200, with the negotiated content type.
func (vm *CoreVM) ResponseHead() ResponseHead {
	return ResponseHead{
		StatusCode: 200,
		Headers: []protocol.Header{
			{Key: "content-type", Value: vm.version.ContentType()},
		},
	}
}

// ---------------------------------------------------------------------------
// Input stream
// ---------------------------------------------------------------------------

// NotifyInput feeds a chunk of the peer's input stream. Frames surface
// on the state machine as soon as they complete; a malformed stream
// moves the invocation to the failed state.
func (vm *CoreVM) NotifyInput(chunk []byte) {
	if vm.lastError != nil || vm.state == stateClosed || vm.state == stateSuspended {
		return
	}
	vm.decoder.Push(chunk)
	for {
		raw, err := vm.decoder.ConsumeNext()
		if err != nil {
			vm.fail(protocolViolationf("vm: decoding input: %v", err))
			return
		}
		if raw == nil {
			return
		}
		if err := vm.handleMessage(raw); err != nil {
			vm.fail(asError(err))
			return
		}
	}
}

// NotifyInputClosed records that no more input will arrive. Awaiting an
// unresolved handle afterwards suspends the invocation instead of
// waiting forever.
func (vm *CoreVM) NotifyInputClosed() {
	vm.inputClosed = true
}

// NotifyError moves the invocation to the failed state on a host-side
// error, such as a panicking handler.
func (vm *CoreVM) NotifyError(message, description string) {
	vm.fail(&Error{Code: CodeInternal, Message: message, Description: description})
}

func (vm *CoreVM) handleMessage(raw *protocol.RawMessage) error {
	msg, err := raw.Parse()
	if err != nil {
		return protocolViolationf("vm: %v", err)
	}

	switch m := msg.(type) {
	case *protocol.StartMessage:
		return vm.onStart(m)
	case *protocol.CompletionMessage:
		return vm.onCompletion(m)
	case *protocol.EntryAckMessage:
		if vm.state == stateWaitingStart {
			return protocolViolationf("vm: entry ack before start")
		}
		return vm.results.notifyAck(m.EntryIndex)
	default:
		entry, ok := msg.(protocol.EntryMessage)
		if !ok || vm.state != stateWaitingReplayEntries {
			return protocolViolationf("vm: unexpected %s in state %s", raw.Header.Type, vm.state)
		}
		vm.journal.EnqueueReplay(entry)
		if vm.journal.ReplayComplete() {
			vm.state = stateReplaying
		}
		return nil
	}
}

func (vm *CoreVM) onStart(m *protocol.StartMessage) error {
	if vm.state != stateWaitingStart {
		return protocolViolationf("vm: duplicate start message")
	}
	if m.KnownEntries == 0 {
		return protocolViolationf("vm: start message with zero known entries")
	}
	vm.start = &startInfo{
		id:                             m.ID,
		debugID:                        m.DebugID,
		key:                            m.Key,
		knownEntries:                   m.KnownEntries,
		retryCountSinceLastStoredEntry: m.RetryCountSinceLastStoredEntry,
		durationSinceLastStoredEntry:   time.Duration(m.DurationSinceLastStoredEntry) * time.Millisecond,
	}
	vm.journal = journal.New(m.KnownEntries)
	vm.eager = newEagerState(m.StateMap, m.PartialState)
	vm.state = stateWaitingReplayEntries
	log.Debugf("invocation %s started, %d known entries", m.DebugID, m.KnownEntries)
	return nil
}

func (vm *CoreVM) onCompletion(m *protocol.CompletionMessage) error {
	if vm.state == stateWaitingStart {
		return protocolViolationf("vm: completion before start")
	}
	// Re-delivered completions for already resolved entries are
	// dropped, the peer may duplicate them after reconnects.
	if !vm.journal.MarkCompleted(m.EntryIndex) {
		log.Debugf("dropping duplicate completion for entry %d", m.EntryIndex)
		return nil
	}
	if m.Result.Failure != nil && m.Result.Failure.Code == uint32(CodeCancelled) {
		vm.cancellationObserved = true
	}
	return vm.results.onCompletion(m.EntryIndex, m.Result)
}

// ---------------------------------------------------------------------------
// Output stream
// ---------------------------------------------------------------------------

// TakeOutput drains the pending output. The second return is true once
// the stream ended and no buffered bytes remain.
func (vm *CoreVM) TakeOutput() ([]byte, bool) {
	if vm.output.Len() > 0 {
		out := make([]byte, vm.output.Len())
		copy(out, vm.output.Bytes())
		vm.output.Reset()
		return out, false
	}
	return nil, vm.outputEOF
}

func (vm *CoreVM) write(m protocol.Message) error {
	if vm.outputEOF {
		return nil
	}
	buf, err := vm.encoder.EncodeToBytes(m)
	if err != nil {
		return err
	}
	vm.output.Write(buf)
	return nil
}

// fail emits the error message and closes the output stream. The first
// failure wins; later ones only log.
func (vm *CoreVM) fail(e *Error) *Error {
	if vm.lastError != nil {
		log.Debugf("suppressing error after failure: %v", e)
		return vm.lastError
	}
	log.Errorf("invocation failed: %v", e)
	vm.lastError = e
	if vm.state != stateClosed {
		msg := &protocol.ErrorMessage{
			Code:              uint32(e.Code),
			Message:           e.Message,
			Description:       e.Description,
			RelatedEntryIndex: e.RelatedEntryIndex,
		}
		if e.RelatedEntryType != nil {
			ty := uint16(*e.RelatedEntryType)
			msg.RelatedEntryType = &ty
		}
		if e.NextRetryDelay != nil {
			ms := uint64(e.NextRetryDelay.Milliseconds())
			msg.NextRetryDelay = &ms
		}
		if err := vm.write(msg); err != nil {
			log.Errorf("writing error message: %v", err)
		}
		vm.outputEOF = true
	}
	vm.state = stateClosed
	return e
}

// ---------------------------------------------------------------------------
// Execution readiness and awaiting
// ---------------------------------------------------------------------------

// IsReadyToExecute reports whether the replay prefix fully arrived and
// the handler can start.
func (vm *CoreVM) IsReadyToExecute() bool {
	switch vm.state {
	case stateReplaying, stateProcessing:
		return true
	default:
		return false
	}
}

// IsProcessing reports whether replay finished and fresh entries are
// being recorded.
func (vm *CoreVM) IsProcessing() bool { return vm.state == stateProcessing }

// IsInsideRun reports whether a run closure is currently executing.
func (vm *CoreVM) IsInsideRun() bool { return vm.insideRun }

// IsCompleted reports whether the async result behind the handle is
// resolved.
func (vm *CoreVM) IsCompleted(h AsyncResultHandle) bool {
	return vm.results.isReady(h)
}

// NotifyAwaitPoint marks the handle the handler is about to block on.
func (vm *CoreVM) NotifyAwaitPoint(h AsyncResultHandle) error {
	if vm.lastError != nil {
		return vm.lastError
	}
	if vm.options.FailOnWaitConcurrentAsyncResult &&
		vm.currentAwait != nil && *vm.currentAwait != h &&
		!vm.results.isReady(*vm.currentAwait) {
		return vm.fail(errorf(CodeAwaitingTwoAsyncResults,
			"vm: waiting on async result %d while %d is still pending", h, *vm.currentAwait))
	}
	vm.currentAwait = &h
	return nil
}

// TakeAsyncResult returns the resolved value of a handle. A nil value
// with nil error means the result is still pending and more input is
// needed. Once the input stream is closed, a pending handle suspends
// the invocation and ErrSuspended is returned.
func (vm *CoreVM) TakeAsyncResult(h AsyncResultHandle) (Value, error) {
	if vm.lastError != nil {
		return nil, vm.lastError
	}
	if vm.state == stateSuspended {
		return nil, ErrSuspended
	}
	if v, ok := vm.results.take(h); ok {
		vm.currentAwait = nil
		return v, nil
	}
	if vm.inputClosed {
		return nil, vm.suspend([]uint32{uint32(h)})
	}
	return nil, nil
}

func (vm *CoreVM) suspend(entryIndexes []uint32) error {
	log.Debugf("suspending on entries %v", entryIndexes)
	if err := vm.write(&protocol.SuspensionMessage{EntryIndexes: entryIndexes}); err != nil {
		return vm.fail(asError(err))
	}
	vm.outputEOF = true
	vm.state = stateSuspended
	return ErrSuspended
}

// ---------------------------------------------------------------------------
// Entry transitions
// ---------------------------------------------------------------------------

// transition runs one journal step for the issued entry. During replay
// it pops and matches the recorded entry; in processing it assigns the
// next index and writes the entry to the output.
func (vm *CoreVM) transition(issued protocol.EntryMessage) (recorded protocol.EntryMessage, index uint32, replayed bool, err error) {
	if e := vm.checkExecuting(issued.Type()); e != nil {
		return nil, 0, false, e
	}
	if vm.journal.IsReplaying() {
		rec, idx, popErr := vm.journal.PopReplay(issued)
		if popErr != nil {
			return nil, 0, false, vm.fail(asError(popErr).withRelatedEntry(idx, issued.Type()))
		}
		vm.afterReplayStep()
		return rec, idx, true, nil
	}
	idx := vm.journal.Transition(issued)
	if wErr := vm.write(issued); wErr != nil {
		return nil, 0, false, vm.fail(asError(wErr).withRelatedEntry(idx, issued.Type()))
	}
	return issued, idx, false, nil
}

func (vm *CoreVM) afterReplayStep() {
	if !vm.journal.IsReplaying() && vm.state == stateReplaying {
		vm.state = stateProcessing
		log.Debugf("replay complete, processing from entry %d", vm.journal.NextIndex())
	}
}

func (vm *CoreVM) checkExecuting(ty protocol.MessageType) *Error {
	if vm.lastError != nil {
		return vm.lastError
	}
	switch vm.state {
	case stateReplaying, stateProcessing:
	case stateSuspended, stateClosed:
		return errClosed()
	default:
		return protocolViolationf("vm: %s issued in state %s", ty, vm.state)
	}
	if vm.insideRun && ty != protocol.MessageTypeRunEntry {
		return vm.fail(protocolViolationf("vm: %s issued inside a run closure", ty))
	}
	// A cancelled invocation may still record its output, everything
	// else must stop.
	if vm.cancellationObserved && !vm.journal.IsReplaying() &&
		ty != protocol.MessageTypeOutputEntry && ty != protocol.MessageTypeEnd {
		return vm.fail(errorf(CodeCancelled,
			"vm: invocation cancelled, %s may not be recorded anymore", ty))
	}
	return nil
}

// ---------------------------------------------------------------------------
// Syscalls
// ---------------------------------------------------------------------------

// SysInput consumes the input entry and assembles the handler input.
func (vm *CoreVM) SysInput() (Input, error) {
	recorded, _, _, err := vm.transition(&protocol.InputEntryMessage{})
	if err != nil {
		return Input{}, err
	}
	in := recorded.(*protocol.InputEntryMessage)
	return Input{
		InvocationID: vm.start.id,
		DebugID:      vm.start.debugID,
		Key:          vm.start.key,
		Headers:      in.Headers,
		Value:        in.Value,
		RandomSeed:   identity.RandomSeed(vm.start.id),
	}, nil
}

// completableTransition runs the journal step for a completable entry
// and wires its result into the registry: a recorded or locally known
// result becomes ready immediately, otherwise the hint primes the entry
// for a later completion.
func (vm *CoreVM) completableTransition(issued protocol.EntryMessage, result *protocol.Result, hint completionHint) (AsyncResultHandle, error) {
	recorded, idx, replayed, err := vm.transition(issued)
	if err != nil {
		return 0, err
	}
	h := AsyncResultHandle(idx)

	if replayed {
		if c, ok := recorded.(protocol.CompletableEntryMessage); ok && c.Completed() {
			result = recordedResult(recorded)
		} else {
			result = nil
		}
	}
	if result != nil {
		vm.journal.MarkCompleted(idx)
		v, pErr := parseCompletion(*result, hint)
		if pErr != nil {
			return 0, vm.fail(asError(pErr).withRelatedEntry(idx, issued.Type()))
		}
		if iErr := vm.results.insertReady(h, v); iErr != nil {
			return 0, vm.fail(asError(iErr).withRelatedEntry(idx, issued.Type()))
		}
		return h, nil
	}
	if hErr := vm.results.registerHint(idx, hint); hErr != nil {
		return 0, vm.fail(asError(hErr).withRelatedEntry(idx, issued.Type()))
	}
	return h, nil
}

// recordedResult extracts the completion result a replayed entry
// carries, nil when absent.
func recordedResult(e protocol.EntryMessage) *protocol.Result {
	switch m := e.(type) {
	case *protocol.GetStateEntryMessage:
		return m.Result
	case *protocol.GetPromiseEntryMessage:
		return m.Result
	case *protocol.PeekPromiseEntryMessage:
		return m.Result
	case *protocol.CompletePromiseEntryMessage:
		return m.Result
	case *protocol.SleepEntryMessage:
		return m.Result
	case *protocol.CallEntryMessage:
		return m.Result
	case *protocol.AwakeableEntryMessage:
		return m.Result
	case *protocol.GetCallInvocationIDEntryMessage:
		return m.Result
	case *protocol.GetStateKeysEntryMessage:
		if m.Result == nil {
			return nil
		}
		if m.Result.Failure != nil {
			return &protocol.Result{Failure: m.Result.Failure}
		}
		payload, err := protocol.MarshalStateKeys(m.Result.Value)
		if err != nil {
			return nil
		}
		return &protocol.Result{Value: payload}
	default:
		return nil
	}
}

// SysStateGet reads a user state key. When the eager snapshot already
// knows the key the handle resolves immediately.
func (vm *CoreVM) SysStateGet(key string) (AsyncResultHandle, error) {
	issued := &protocol.GetStateEntryMessage{Key: []byte(key)}
	if e := vm.checkExecuting(issued.Type()); e != nil {
		return 0, e
	}
	var result *protocol.Result
	if !vm.journal.IsReplaying() {
		switch kind, value := vm.eager.get(key); kind {
		case stateValue:
			result = &protocol.Result{Value: value}
		case stateEmpty:
			result = &protocol.Result{Empty: true}
		}
		issued.Result = result
	}
	return vm.completableTransition(issued, result, hintValue)
}

// SysStateGetKeys lists the user state keys.
func (vm *CoreVM) SysStateGetKeys() (AsyncResultHandle, error) {
	issued := &protocol.GetStateKeysEntryMessage{}
	if e := vm.checkExecuting(issued.Type()); e != nil {
		return 0, e
	}
	var result *protocol.Result
	if !vm.journal.IsReplaying() {
		if keys, known := vm.eager.keys(); known {
			sk := &protocol.StateKeys{Keys: make([][]byte, len(keys))}
			for i, k := range keys {
				sk.Keys[i] = []byte(k)
			}
			payload, err := protocol.MarshalStateKeys(sk)
			if err != nil {
				return 0, vm.fail(asError(err))
			}
			result = &protocol.Result{Value: payload}
			issued.Result = &protocol.GetStateKeysResult{Value: sk}
		}
	}
	return vm.completableTransition(issued, result, hintStateKeys)
}

// SysStateSet writes a user state key.
func (vm *CoreVM) SysStateSet(key string, value []byte) error {
	_, _, _, err := vm.transition(&protocol.SetStateEntryMessage{Key: []byte(key), Value: value})
	if err != nil {
		return err
	}
	vm.eager.set(key, value)
	return nil
}

// SysStateClear deletes a user state key.
func (vm *CoreVM) SysStateClear(key string) error {
	_, _, _, err := vm.transition(&protocol.ClearStateEntryMessage{Key: []byte(key)})
	if err != nil {
		return err
	}
	vm.eager.clear(key)
	return nil
}

// SysStateClearAll deletes every user state key. Afterwards the local
// snapshot is authoritative, so later reads resolve locally.
func (vm *CoreVM) SysStateClearAll() error {
	_, _, _, err := vm.transition(&protocol.ClearAllStateEntryMessage{})
	if err != nil {
		return err
	}
	vm.eager.clearAll()
	return nil
}

// SysGetPromise awaits the durable promise with the given key.
func (vm *CoreVM) SysGetPromise(key string) (AsyncResultHandle, error) {
	return vm.completableTransition(&protocol.GetPromiseEntryMessage{Key: key}, nil, hintValue)
}

// SysPeekPromise reads the current value of the durable promise with
// the given key. The result is void while the promise is unresolved.
func (vm *CoreVM) SysPeekPromise(key string) (AsyncResultHandle, error) {
	return vm.completableTransition(&protocol.PeekPromiseEntryMessage{Key: key}, nil, hintValue)
}

// SysCompletePromise resolves the durable promise with the given key.
// The returned handle completes with void on success, or with a failure
// when the promise was already completed.
func (vm *CoreVM) SysCompletePromise(key string, value NonEmptyValue) (AsyncResultHandle, error) {
	issued := &protocol.CompletePromiseEntryMessage{Key: key}
	switch val := value.(type) {
	case SuccessValue:
		issued.Completion.Value = val.Value
	case FailureValue:
		issued.Completion.Failure = &protocol.Failure{
			Code:    uint32(val.Failure.Code),
			Message: val.Failure.Message,
		}
	}
	return vm.completableTransition(issued, nil, hintValue)
}

// SysSleep records a timer firing at wakeUpTime.
func (vm *CoreVM) SysSleep(wakeUpTime time.Time, name string) (AsyncResultHandle, error) {
	issued := &protocol.SleepEntryMessage{
		WakeUpTime: uint64(wakeUpTime.UnixMilli()),
		Name:       name,
	}
	return vm.completableTransition(issued, nil, hintValue)
}

// SysCall records a request/response call to another handler.
func (vm *CoreVM) SysCall(target Target, parameter []byte) (AsyncResultHandle, error) {
	issued := &protocol.CallEntryMessage{
		ServiceName: target.Service,
		HandlerName: target.Handler,
		Key:         target.Key,
		Headers:     target.Headers,
		Parameter:   parameter,
	}
	return vm.completableTransition(issued, nil, hintValue)
}

// SysSend records a one-way call. A zero invokeTime means invoke now.
func (vm *CoreVM) SysSend(target Target, parameter []byte, invokeTime time.Time) (SendHandle, error) {
	issued := &protocol.OneWayCallEntryMessage{
		ServiceName: target.Service,
		HandlerName: target.Handler,
		Key:         target.Key,
		Headers:     target.Headers,
		Parameter:   parameter,
	}
	if !invokeTime.IsZero() {
		issued.InvokeTime = uint64(invokeTime.UnixMilli())
	}
	_, idx, _, err := vm.transition(issued)
	if err != nil {
		return 0, err
	}
	return SendHandle(idx), nil
}

// SysAwakeable records an externally completable signal and returns its
// id alongside the result handle.
func (vm *CoreVM) SysAwakeable() (string, AsyncResultHandle, error) {
	h, err := vm.completableTransition(&protocol.AwakeableEntryMessage{}, nil, hintValue)
	if err != nil {
		return "", 0, err
	}
	return awakeableID(vm.start.id, uint32(h)), h, nil
}

// SysCompleteAwakeable resolves an awakeable of another invocation.
func (vm *CoreVM) SysCompleteAwakeable(id string, value NonEmptyValue) error {
	issued := &protocol.CompleteAwakeableEntryMessage{ID: id, Result: nonEmptyToResult(value)}
	_, _, _, err := vm.transition(issued)
	return err
}

// SysGetCallInvocationID resolves the invocation id behind a recorded
// call or one-way call entry.
func (vm *CoreVM) SysGetCallInvocationID(callEntryIndex uint32) (AsyncResultHandle, error) {
	if vm.journal != nil {
		ty, ok := vm.journal.TypeAt(callEntryIndex)
		if ok && ty != protocol.MessageTypeCallEntry && ty != protocol.MessageTypeOneWayCallEntry {
			return 0, vm.fail(protocolViolationf(
				"vm: entry %d is a %s, not a call", callEntryIndex, ty))
		}
	}
	issued := &protocol.GetCallInvocationIDEntryMessage{CallEntryIndex: callEntryIndex}
	return vm.completableTransition(issued, nil, hintInvocationID)
}

// SysCancelInvocation records a cancellation request for the target
// invocation.
func (vm *CoreVM) SysCancelInvocation(target protocol.CancelInvocationTarget) error {
	_, _, _, err := vm.transition(&protocol.CancelInvocationEntryMessage{Target: target})
	return err
}

// SysWriteOutput records the invocation result.
func (vm *CoreVM) SysWriteOutput(value NonEmptyValue) error {
	_, _, _, err := vm.transition(&protocol.OutputEntryMessage{Result: nonEmptyToResult(value)})
	return err
}

// SysEnd closes the invocation after the output was recorded.
func (vm *CoreVM) SysEnd() error {
	if e := vm.checkExecuting(protocol.MessageTypeEnd); e != nil {
		return e
	}
	if err := vm.write(&protocol.EndMessage{}); err != nil {
		return vm.fail(asError(err))
	}
	vm.outputEOF = true
	vm.state = stateClosed
	log.Debugf("invocation %s ended", vm.start.debugID)
	return nil
}

// ---------------------------------------------------------------------------
// Run closures
// ---------------------------------------------------------------------------

// SysRunEnter opens a run closure. When the journal already holds its
// entry the recorded outcome is returned and the closure must not run
// again; otherwise the closure runs and reports through SysRunExit.
func (vm *CoreVM) SysRunEnter(name string) (RunEnterResult, error) {
	if e := vm.checkExecuting(protocol.MessageTypeRunEntry); e != nil {
		return RunEnterResult{}, e
	}
	if vm.insideRun {
		return RunEnterResult{}, vm.fail(protocolViolationf("vm: nested run closure %q", name))
	}
	if vm.journal.IsReplaying() {
		recorded, idx, popErr := vm.journal.PopReplay(&protocol.RunEntryMessage{Name: name})
		if popErr != nil {
			return RunEnterResult{}, vm.fail(asError(popErr).withRelatedEntry(idx, protocol.MessageTypeRunEntry))
		}
		vm.afterReplayStep()
		v, pErr := parseCompletion(recorded.(*protocol.RunEntryMessage).Result, hintValue)
		if pErr != nil {
			return RunEnterResult{}, vm.fail(asError(pErr).withRelatedEntry(idx, protocol.MessageTypeRunEntry))
		}
		return RunEnterResult{Executed: v}, nil
	}

	vm.insideRun = true
	var info retries.RetryInfo
	// The start message retry counters apply to the first entry
	// committed after the replayed prefix.
	if vm.journal.NextIndex() == vm.start.knownEntries {
		info = retries.RetryInfo{
			RetryCount:   vm.start.retryCountSinceLastStoredEntry,
			LoopDuration: vm.start.durationSinceLastStoredEntry,
		}
	}
	return RunEnterResult{RetryInfo: info}, nil
}

// SysRunExit closes the run closure opened by SysRunEnter. Success and
// terminal failure are journaled; a retryable failure consults the
// policy, either scheduling a retry through the failed state or
// downgrading to a journaled terminal failure.
func (vm *CoreVM) SysRunExit(name string, result RunExitResult, policy retries.RetryPolicy, retryInfo retries.RetryInfo) (AsyncResultHandle, error) {
	if vm.lastError != nil {
		return 0, vm.lastError
	}
	if !vm.insideRun {
		return 0, vm.fail(protocolViolationf("vm: run exit without matching enter"))
	}
	vm.insideRun = false

	var res protocol.Result
	switch {
	case result.TerminalFailure != nil:
		res = protocol.Result{Failure: &protocol.Failure{
			Code:    uint32(result.TerminalFailure.Code),
			Message: result.TerminalFailure.Message,
		}}
	case result.RetryableFailure != nil:
		f := result.RetryableFailure
		info := retries.RetryInfo{
			RetryCount:   retryInfo.RetryCount + 1,
			LoopDuration: retryInfo.LoopDuration + f.AttemptDuration,
		}
		decision := policy.Next(info)
		if decision.Retry {
			e := &Error{
				Code:           InvocationErrorCode(f.Code),
				Message:        f.Message,
				NextRetryDelay: &decision.After,
			}
			return 0, vm.fail(e)
		}
		// Retries exhausted, the failure becomes terminal and is
		// journaled like any other closure outcome.
		res = protocol.Result{Failure: &protocol.Failure{
			Code:    uint32(f.Code),
			Message: f.Message,
		}}
	default:
		res = protocol.Result{Value: result.Success}
	}

	issued := &protocol.RunEntryMessage{Result: res, Name: name}
	_, idx, _, err := vm.transition(issued)
	if err != nil {
		return 0, err
	}
	v, pErr := parseCompletion(res, hintValue)
	if pErr != nil {
		return 0, vm.fail(asError(pErr))
	}
	// The outcome stays invisible until the peer acknowledges the
	// entry, so a crash cannot leak an un-persisted side effect.
	if aErr := vm.results.insertWaitingAck(AsyncResultHandle(idx), v); aErr != nil {
		return 0, vm.fail(asError(aErr))
	}
	return AsyncResultHandle(idx), nil
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

const awakeableIDPrefix = "prom_1"

// awakeableID renders the externally shareable id of the awakeable at
// entryIndex: a fixed prefix plus the invocation id and index.
func awakeableID(invocationID []byte, entryIndex uint32) string {
	buf := make([]byte, 0, len(invocationID)+4)
	buf = append(buf, invocationID...)
	buf = binary.BigEndian.AppendUint32(buf, entryIndex)
	return awakeableIDPrefix + base64.RawURLEncoding.EncodeToString(buf)
}

func nonEmptyToResult(v NonEmptyValue) protocol.Result {
	switch val := v.(type) {
	case SuccessValue:
		return protocol.Result{Value: val.Value}
	case FailureValue:
		return protocol.Result{Failure: &protocol.Failure{
			Code:    uint32(val.Failure.Code),
			Message: val.Failure.Message,
		}}
	default:
		return protocol.Result{Empty: true}
	}
}
