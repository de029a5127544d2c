package ble

import "fmt"

// The session serializes hardware access through two single-flight
// coordinators with deliberately different policies:
//
//   - genericSlot (discovery, writes, notify toggles, connect):
//     cancel-predecessor. A new request immediately fails whatever was
//     pending with ErrOperationCancelled, so only the most recent request
//     can observe the real outcome. An identical request (same kind and
//     arguments, no intervening request) joins the pending one instead.
//
//   - readSlot (characteristic reads): join-in-flight. A read issued while
//     another is pending attaches to it and receives the same outcome; no
//     second hardware read is issued.
//
// Keeping them separate is intentional: unifying them into one primitive
// would change which caller observes cancellation.
//
// Both slots are plain data manipulated only under the session mutex.
// Waiter channels are buffered (capacity 1) so resolving never blocks the
// event handler, even when a waiter has already abandoned its wait.

type opKind int

const (
	opConnect opKind = iota
	opDiscoverServices
	opDiscoverCharacteristics
	opDiscoverDescriptors
	opWrite
	opNotify
)

func (k opKind) String() string {
	switch k {
	case opConnect:
		return "connect"
	case opDiscoverServices:
		return "discover-services"
	case opDiscoverCharacteristics:
		return "discover-characteristics"
	case opDiscoverDescriptors:
		return "discover-descriptors"
	case opWrite:
		return "write"
	case opNotify:
		return "set-notify"
	default:
		return fmt.Sprintf("op(%d)", int(k))
	}
}

type genericOp struct {
	kind    opKind
	key     string // full request identity, used for join-on-identical
	waiters []chan error
}

type genericSlot struct {
	pending *genericOp
}

// begin registers a waiter for the request identified by (kind, key).
// If an identical request is already pending, the waiter joins it and
// issue is false: no new hardware call must be made. Any different pending
// request is failed with ErrOperationCancelled first.
func (s *genericSlot) begin(kind opKind, key string) (ch chan error, issue bool) {
	ch = make(chan error, 1)
	if p := s.pending; p != nil {
		if p.kind == kind && p.key == key {
			p.waiters = append(p.waiters, ch)
			return ch, false
		}
		s.failLocked(p, ErrOperationCancelled)
	}
	s.pending = &genericOp{kind: kind, key: key, waiters: []chan error{ch}}
	return ch, true
}

// resolve delivers the terminal outcome for the pending request of the
// given kind and clears the slot. Completions that do not match the
// pending kind are stale (their request was already cancelled) and are
// dropped; resolve reports whether anything was resolved.
func (s *genericSlot) resolve(kind opKind, outcome error) bool {
	p := s.pending
	if p == nil || p.kind != kind {
		return false
	}
	s.pending = nil
	for _, ch := range p.waiters {
		ch <- outcome
	}
	return true
}

// resolveOp delivers the terminal outcome for op only if it still owns
// the slot. Used by issue-failure paths, which may lose a race against a
// superseding request of the same kind.
func (s *genericSlot) resolveOp(op *genericOp, outcome error) bool {
	if s.pending != op {
		return false
	}
	s.pending = nil
	for _, ch := range op.waiters {
		ch <- outcome
	}
	return true
}

// fail resolves whatever is pending, regardless of kind. Used for
// disconnects and session teardown.
func (s *genericSlot) fail(cause error) {
	if p := s.pending; p != nil {
		s.failLocked(p, cause)
	}
}

func (s *genericSlot) failLocked(p *genericOp, cause error) {
	s.pending = nil
	for _, ch := range p.waiters {
		ch <- cause
	}
}

func (s *genericSlot) empty() bool { return s.pending == nil }

type readResult struct {
	value []byte
	err   error
}

type readOp struct {
	charUUID string
	waiters  []chan readResult
}

type readSlot struct {
	pending *readOp
}

// begin registers a waiter for a read of the given characteristic. If a
// read is already pending, the waiter joins it (whatever its target) and
// issue is false.
func (s *readSlot) begin(charUUID string) (ch chan readResult, issue bool) {
	ch = make(chan readResult, 1)
	if p := s.pending; p != nil {
		p.waiters = append(p.waiters, ch)
		return ch, false
	}
	s.pending = &readOp{charUUID: charUUID, waiters: []chan readResult{ch}}
	return ch, true
}

// matches reports whether a value event for the given characteristic
// belongs to the pending read.
func (s *readSlot) matches(charUUID string) bool {
	return s.pending != nil && s.pending.charUUID == charUUID
}

// resolve releases every joined waiter with the identical outcome and
// clears the slot.
func (s *readSlot) resolve(res readResult) {
	p := s.pending
	if p == nil {
		return
	}
	s.pending = nil
	for _, ch := range p.waiters {
		ch <- res
	}
}

// fail resolves the pending read, if any, with an error outcome.
func (s *readSlot) fail(cause error) {
	if s.pending != nil {
		s.resolve(readResult{err: cause})
	}
}

func (s *readSlot) empty() bool { return s.pending == nil }
