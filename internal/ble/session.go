package ble

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// SessionOptions configures a Session.
type SessionOptions struct {
	// ServiceUUID filters the discovery scan; only peripherals advertising
	// this service are accepted.
	ServiceUUID string
	// PeripheralID optionally pins the target device identity. When set,
	// the platform's known-devices cache is consulted before scanning.
	PeripheralID string
}

type findResult struct {
	p   Peripheral
	err error
}

// Session owns exactly one peripheral link. All state lives behind one
// mutex: public operations and hardware events alike take it, so no two
// mutations can interleave. Operations register a buffered waiter channel
// under the mutex, issue the hardware request, then block on the waiter
// and the caller's context; the matching hardware event resolves the
// waiter. The session performs no retries and has no internal timeouts —
// both belong to the caller.
type Session struct {
	hw       Hardware
	service  string
	targetID string

	// issueMu orders generic-slot hardware requests: a request is only
	// sent to the backend while its op still owns the slot, so a
	// superseded request can never reach the hardware after its
	// replacement.
	issueMu sync.Mutex

	mu         sync.Mutex
	closed     bool
	state      AdapterState
	scanning   bool
	peripheral Peripheral
	connected  bool

	services  []Service
	chars     map[string][]Characteristic // by owning service UUID
	charIndex map[string]Characteristic   // by characteristic UUID

	findWaiter chan findResult
	generic    genericSlot
	read       readSlot
	connectSeq uint64

	onAdapterState func(AdapterState)
	onDiscovered   func(Peripheral)
	onDisconnected func(error)
	onValueChanged func(Characteristic, []byte)
}

// NewSession creates a session over the given hardware backend and
// attaches itself as the backend's event sink.
func NewSession(hw Hardware, opts SessionOptions) *Session {
	s := &Session{
		hw:        hw,
		service:   opts.ServiceUUID,
		targetID:  opts.PeripheralID,
		chars:     make(map[string][]Characteristic),
		charIndex: make(map[string]Characteristic),
	}
	hw.Attach(s)
	return s
}

// Registration hooks. Hooks run on the hardware delivery goroutine, after
// the triggering event has been applied to session state; they must not
// block for long.

func (s *Session) OnAdapterStateChanged(fn func(AdapterState)) {
	s.mu.Lock()
	s.onAdapterState = fn
	s.mu.Unlock()
}

func (s *Session) OnPeripheralDiscovered(fn func(Peripheral)) {
	s.mu.Lock()
	s.onDiscovered = fn
	s.mu.Unlock()
}

func (s *Session) OnDisconnected(fn func(error)) {
	s.mu.Lock()
	s.onDisconnected = fn
	s.mu.Unlock()
}

func (s *Session) OnValueChanged(fn func(Characteristic, []byte)) {
	s.mu.Lock()
	s.onValueChanged = fn
	s.mu.Unlock()
}

// State returns the last adapter state reported by the hardware.
func (s *Session) State() AdapterState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// IsConnected reports whether the link is currently established.
func (s *Session) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// Peripheral returns the resolved peripheral handle, or nil before
// discovery has accepted one.
func (s *Session) Peripheral() Peripheral {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peripheral
}

// Services returns the services discovered so far, in discovery order.
func (s *Session) Services() []Service {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Service, len(s.services))
	copy(out, s.services)
	return out
}

// Characteristics returns the characteristics discovered so far for the
// given service.
func (s *Session) Characteristics(svc Service) []Characteristic {
	s.mu.Lock()
	defer s.mu.Unlock()
	chars := s.chars[svc.UUID()]
	out := make([]Characteristic, len(chars))
	copy(out, chars)
	return out
}

// LookupCharacteristic finds a discovered characteristic by UUID.
func (s *Session) LookupCharacteristic(uuid string) (Characteristic, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.charIndex[uuid]
	return c, ok
}

// FindPeripheral resolves the target peripheral. If a handle already
// exists it is returned immediately. If a target identity was configured
// and the platform cache can resolve it, that resolution counts as an
// immediate discovery and no scan is started. Otherwise a scan filtered by
// the session's service UUID runs until the first match; the first
// accepted device becomes the handle for the life of the session and
// later discovery events are dropped.
func (s *Session) FindPeripheral(ctx context.Context) (Peripheral, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrOperationCancelled
	}
	if p := s.peripheral; p != nil {
		s.mu.Unlock()
		return p, nil
	}
	if s.state != AdapterStatePoweredOn || s.scanning {
		s.mu.Unlock()
		return nil, ErrAdapterNotReady
	}
	if s.targetID != "" {
		if p, ok := s.hw.KnownPeripheral(s.targetID); ok {
			s.mu.Unlock()
			slog.Debug("[BLE] resolved peripheral from platform cache", "id", s.targetID)
			s.PeripheralDiscovered(p)
			return s.Peripheral(), nil
		}
	}
	ch := make(chan findResult, 1)
	s.findWaiter = ch
	s.scanning = true
	s.mu.Unlock()

	if err := s.hw.Scan(s.service); err != nil {
		s.mu.Lock()
		s.scanning = false
		if s.findWaiter == ch {
			s.findWaiter = nil
		}
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %w", ErrOperationFailed, err)
	}
	slog.Debug("[BLE] scanning", "service", s.service)

	select {
	case <-ctx.Done():
		s.mu.Lock()
		stop := false
		if s.findWaiter == ch {
			s.findWaiter = nil
			stop = s.scanning
			s.scanning = false
		}
		s.mu.Unlock()
		if stop {
			s.hw.StopScan()
		}
		return nil, ctx.Err()
	case res := <-ch:
		return res.p, res.err
	}
}

// Connect establishes the link to the resolved peripheral. It is a no-op
// when already connected or when no peripheral has been resolved yet.
// The request goes through the generic slot, so a second Connect issued
// while the first is still pending preempts it.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrOperationCancelled
	}
	if s.connected || s.peripheral == nil {
		s.mu.Unlock()
		return nil
	}
	if s.state != AdapterStatePoweredOn {
		s.mu.Unlock()
		return ErrAdapterNotReady
	}
	// Connect attempts never join each other: the connected flag only
	// flips on completion, so a second Connect that passes the guard
	// preempts the first through the slot.
	s.connectSeq++
	ch, issue := s.generic.begin(opConnect, fmt.Sprintf("connect:%d", s.connectSeq))
	op := s.generic.pending
	s.mu.Unlock()

	if issue {
		s.issueGeneric(op, s.hw.Connect, func(err error) error {
			return fmt.Errorf("%w: %w", ErrConnectFailed, err)
		})
	}
	return s.await(ctx, ch)
}

// DiscoverServices runs GATT service discovery, optionally filtered by
// UUID, and returns every service discovered so far.
func (s *Session) DiscoverServices(ctx context.Context, uuids []string) ([]Service, error) {
	op, ch, issue, err := s.beginGeneric(opDiscoverServices, "discover-services:"+strings.Join(uuids, ","))
	if err != nil {
		return nil, err
	}
	if issue {
		s.issueGeneric(op, func(p Peripheral) error {
			return s.hw.DiscoverServices(p, uuids)
		}, wrapOp)
	}
	if err := s.await(ctx, ch); err != nil {
		return nil, err
	}
	return s.Services(), nil
}

// DiscoverCharacteristics runs characteristic discovery on a service,
// optionally filtered by UUID, and returns the service's characteristics
// discovered so far.
func (s *Session) DiscoverCharacteristics(ctx context.Context, uuids []string, svc Service) ([]Characteristic, error) {
	key := "discover-characteristics:" + svc.UUID() + ":" + strings.Join(uuids, ",")
	op, ch, issue, err := s.beginGeneric(opDiscoverCharacteristics, key)
	if err != nil {
		return nil, err
	}
	if issue {
		s.issueGeneric(op, func(p Peripheral) error {
			return s.hw.DiscoverCharacteristics(p, svc, uuids)
		}, wrapOp)
	}
	if err := s.await(ctx, ch); err != nil {
		return nil, err
	}
	return s.Characteristics(svc), nil
}

// DiscoverDescriptors runs descriptor discovery on a characteristic.
func (s *Session) DiscoverDescriptors(ctx context.Context, char Characteristic) error {
	op, ch, issue, err := s.beginGeneric(opDiscoverDescriptors, "discover-descriptors:"+char.UUID())
	if err != nil {
		return err
	}
	if issue {
		s.issueGeneric(op, func(p Peripheral) error {
			return s.hw.DiscoverDescriptors(p, char)
		}, wrapOp)
	}
	return s.await(ctx, ch)
}

// WriteValue writes to a characteristic. Writes always require an
// acknowledgement from the stack; there is no fire-and-forget mode.
func (s *Session) WriteValue(ctx context.Context, value []byte, char Characteristic) error {
	key := fmt.Sprintf("write:%s:%x", char.UUID(), value)
	op, ch, issue, err := s.beginGeneric(opWrite, key)
	if err != nil {
		return err
	}
	if issue {
		s.issueGeneric(op, func(p Peripheral) error {
			return s.hw.WriteValue(p, char, value)
		}, wrapOp)
	}
	return s.await(ctx, ch)
}

// SetNotify enables or disables notification delivery for a
// characteristic. Incoming notifications arrive on the value-changed hook.
func (s *Session) SetNotify(ctx context.Context, enabled bool, char Characteristic) error {
	key := fmt.Sprintf("set-notify:%s:%t", char.UUID(), enabled)
	op, ch, issue, err := s.beginGeneric(opNotify, key)
	if err != nil {
		return err
	}
	if issue {
		s.issueGeneric(op, func(p Peripheral) error {
			return s.hw.SetNotify(p, char, enabled)
		}, wrapOp)
	}
	return s.await(ctx, ch)
}

// ReadValue reads a characteristic value. Concurrent reads join the
// in-flight one and all receive the identical outcome; only one hardware
// read is issued.
func (s *Session) ReadValue(ctx context.Context, char Characteristic) ([]byte, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrOperationCancelled
	}
	if !s.connected || s.peripheral == nil {
		s.mu.Unlock()
		return nil, ErrNotConnected
	}
	p := s.peripheral
	ch, issue := s.read.begin(char.UUID())
	s.mu.Unlock()

	if issue {
		if err := s.hw.ReadValue(p, char); err != nil {
			s.mu.Lock()
			s.read.fail(wrapOp(err))
			s.mu.Unlock()
		}
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		return res.value, res.err
	}
}

// Close tears the session down deterministically: any active scan is
// stopped, pending waiters are failed, the link is disconnected if
// established, and an in-flight connect attempt is cancelled at the
// hardware. Teardown failures are best-effort and discarded; late
// hardware events against a closed session are dropped.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	stopScan := s.scanning
	s.scanning = false
	find := s.findWaiter
	s.findWaiter = nil
	connectPending := s.generic.pending != nil && s.generic.pending.kind == opConnect
	s.generic.fail(ErrOperationCancelled)
	s.read.fail(ErrOperationCancelled)
	p := s.peripheral
	disconnect := s.connected
	s.connected = false
	s.mu.Unlock()

	if find != nil {
		find <- findResult{err: ErrOperationCancelled}
	}
	if stopScan {
		s.hw.StopScan()
	}
	switch {
	case disconnect && p != nil:
		s.hw.Disconnect(p)
	case connectPending && p != nil:
		// An in-flight connect attempt would otherwise complete into an
		// ownerless link that keeps the peripheral bound to a dead
		// process.
		s.hw.CancelConnect(p)
	}
	slog.Debug("[BLE] session closed")
	return nil
}

// beginGeneric performs the common guard and registration for generic
// slot operations: the session must be open, connected, and hold a
// resolved peripheral.
func (s *Session) beginGeneric(kind opKind, key string) (*genericOp, chan error, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, nil, false, ErrOperationCancelled
	}
	if !s.connected || s.peripheral == nil {
		return nil, nil, false, ErrNotConnected
	}
	ch, issue := s.generic.begin(kind, key)
	return s.generic.pending, ch, issue, nil
}

// issueGeneric sends the hardware request for op. Requests go out under
// the issue mutex and only while op still owns the slot, which keeps
// backend request order identical to slot acceptance order: an op that
// was superseded before its request went out issues nothing (its waiters
// already observed ErrOperationCancelled). An issue failure resolves op
// directly, never a successor of the same kind.
func (s *Session) issueGeneric(op *genericOp, send func(Peripheral) error, wrap func(error) error) {
	s.issueMu.Lock()
	defer s.issueMu.Unlock()
	s.mu.Lock()
	if s.generic.pending != op {
		s.mu.Unlock()
		return
	}
	p := s.peripheral
	s.mu.Unlock()

	if err := send(p); err != nil {
		s.mu.Lock()
		s.generic.resolveOp(op, wrap(err))
		s.mu.Unlock()
	}
}

func (s *Session) await(ctx context.Context, ch chan error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-ch:
		return err
	}
}

func wrapOp(cause error) error {
	return fmt.Errorf("%w: %w", ErrOperationFailed, cause)
}

// Dispatcher implementation. Every handler takes the session mutex before
// touching state and drops the event outright when the session is closed,
// so a torn-down session can never be resurrected by a late callback.

var _ Dispatcher = (*Session)(nil)

func (s *Session) AdapterStateChanged(state AdapterState) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.state = state
	hook := s.onAdapterState
	s.mu.Unlock()

	slog.Debug("[BLE] adapter state", "state", state)
	if hook != nil {
		hook(state)
	}
}

func (s *Session) PeripheralDiscovered(p Peripheral) {
	s.mu.Lock()
	if s.closed || s.peripheral != nil {
		// First match already accepted; drop everything after it.
		s.mu.Unlock()
		return
	}
	s.peripheral = p
	stopScan := s.scanning
	s.scanning = false
	find := s.findWaiter
	s.findWaiter = nil
	hook := s.onDiscovered
	s.mu.Unlock()

	if stopScan {
		s.hw.StopScan()
	}
	slog.Info("[BLE] peripheral discovered", "id", p.ID(), "name", p.Name())
	if find != nil {
		find <- findResult{p: p}
	}
	if hook != nil {
		hook(p)
	}
}

func (s *Session) Connected(p Peripheral) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.connected = true
	s.generic.resolve(opConnect, nil)
	s.mu.Unlock()
	slog.Info("[BLE] connected", "id", p.ID())
}

func (s *Session) ConnectFailed(p Peripheral, cause error) {
	outcome := error(ErrConnectFailed)
	if cause != nil {
		outcome = fmt.Errorf("%w: %w", ErrConnectFailed, cause)
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.generic.resolve(opConnect, outcome)
	s.mu.Unlock()
	slog.Warn("[BLE] connect failed", "id", p.ID(), "error", cause)
}

func (s *Session) Disconnected(p Peripheral, cause error) {
	failure := error(ErrDisconnected)
	if cause != nil {
		failure = fmt.Errorf("%w: %w", ErrDisconnected, cause)
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.generic.fail(failure)
	s.read.fail(failure)
	var hook func(error)
	if s.connected {
		// Only the true→false edge fires the hook; repeated disconnect
		// notifications while already down are no-ops.
		s.connected = false
		hook = s.onDisconnected
	}
	s.mu.Unlock()

	slog.Info("[BLE] disconnected", "id", p.ID(), "error", cause)
	if hook != nil {
		hook(cause)
	}
}

func (s *Session) ServicesDiscovered(p Peripheral, services []Service, cause error) {
	outcome := error(nil)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if cause != nil {
		outcome = wrapOp(cause)
	} else {
		for _, svc := range services {
			s.addServiceLocked(svc)
		}
	}
	s.generic.resolve(opDiscoverServices, outcome)
	s.mu.Unlock()
}

func (s *Session) CharacteristicsDiscovered(svc Service, chars []Characteristic, cause error) {
	outcome := error(nil)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if cause != nil {
		outcome = wrapOp(cause)
	} else {
		for _, c := range chars {
			s.addCharacteristicLocked(svc, c)
		}
	}
	s.generic.resolve(opDiscoverCharacteristics, outcome)
	s.mu.Unlock()
}

func (s *Session) DescriptorsDiscovered(char Characteristic, cause error) {
	outcome := error(nil)
	if cause != nil {
		outcome = wrapOp(cause)
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.generic.resolve(opDiscoverDescriptors, outcome)
	s.mu.Unlock()
}

func (s *Session) WriteCompleted(char Characteristic, cause error) {
	outcome := error(nil)
	if cause != nil {
		outcome = wrapOp(cause)
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.generic.resolve(opWrite, outcome)
	s.mu.Unlock()
}

func (s *Session) NotifyStateChanged(char Characteristic, cause error) {
	outcome := error(nil)
	if cause != nil {
		outcome = wrapOp(cause)
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.generic.resolve(opNotify, outcome)
	s.mu.Unlock()
}

func (s *Session) ValueChanged(char Characteristic, value []byte, cause error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if s.read.matches(char.UUID()) {
		// This value event completes the outstanding read.
		res := readResult{value: value}
		if cause != nil {
			res = readResult{err: wrapOp(cause)}
		}
		s.read.resolve(res)
		s.mu.Unlock()
		return
	}
	// Unrelated to any pending read: a notification push. Route to the
	// general hook.
	hook := s.onValueChanged
	s.mu.Unlock()
	if hook != nil && cause == nil {
		hook(char, value)
	}
}

// addServiceLocked appends a newly reported service; the discovered set
// only grows for the life of the session.
func (s *Session) addServiceLocked(svc Service) {
	for _, have := range s.services {
		if have.UUID() == svc.UUID() {
			return
		}
	}
	s.services = append(s.services, svc)
}

func (s *Session) addCharacteristicLocked(svc Service, c Characteristic) {
	for _, have := range s.chars[svc.UUID()] {
		if have.UUID() == c.UUID() {
			return
		}
	}
	s.chars[svc.UUID()] = append(s.chars[svc.UUID()], c)
	s.charIndex[c.UUID()] = c
}
