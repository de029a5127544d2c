package desk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/chaz8081/deskbridge/internal/ble"
)

var (
	// ErrNotReady: a command was issued before Connect completed, or after
	// the link dropped.
	ErrNotReady = errors.New("desk: not connected")
	// ErrMoveStalled: the desk stopped making progress before reaching the
	// target (collision protection, end stop, or load cutoff).
	ErrMoveStalled = errors.New("desk: movement stalled")
	// ErrMovePreempted: a newer movement or stop command replaced the
	// in-progress one.
	ErrMovePreempted = errors.New("desk: movement preempted")
)

// Config bounds and tunes desk movement.
type Config struct {
	MinHeightMM float64
	MaxHeightMM float64
	ToleranceMM float64
	// RefreshInterval is how often the reference-input target is re-issued
	// while moving; the DPG controller halts if the target goes stale.
	RefreshInterval time.Duration
}

// DefaultConfig returns the full physical range with a 5 mm tolerance.
func DefaultConfig() Config {
	return Config{
		MinHeightMM:     BaseHeightMM,
		MaxHeightMM:     MaxHeightMM,
		ToleranceMM:     5,
		RefreshInterval: 500 * time.Millisecond,
	}
}

// Desk drives one LINAK desk through a ble.Session. All commands are
// serialized by the session underneath; the desk layer owns movement
// supervision and retry policy.
type Desk struct {
	session *ble.Session
	cfg     Config

	mu       sync.Mutex
	ready    bool
	state    State
	hasState bool
	updated  chan struct{} // closed and replaced on every state update

	cmdChar ble.Characteristic
	posChar ble.Characteristic
	refChar ble.Characteristic

	move *moveToken

	onState      func(State)
	onConnection func(bool)
}

// New creates a Desk over the given session and registers its hooks.
func New(session *ble.Session, cfg Config) *Desk {
	if cfg.ToleranceMM <= 0 {
		cfg.ToleranceMM = 5
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = 500 * time.Millisecond
	}
	if cfg.MinHeightMM < BaseHeightMM {
		cfg.MinHeightMM = BaseHeightMM
	}
	if cfg.MaxHeightMM <= cfg.MinHeightMM || cfg.MaxHeightMM > MaxHeightMM {
		cfg.MaxHeightMM = MaxHeightMM
	}
	d := &Desk{
		session: session,
		cfg:     cfg,
		updated: make(chan struct{}),
	}
	session.OnValueChanged(d.handleValueChanged)
	session.OnDisconnected(d.handleDisconnected)
	return d
}

// OnState registers a hook fired for every decoded position update.
func (d *Desk) OnState(fn func(State)) {
	d.mu.Lock()
	d.onState = fn
	d.mu.Unlock()
}

// OnConnection registers a hook fired on connect/disconnect edges.
func (d *Desk) OnConnection(fn func(bool)) {
	d.mu.Lock()
	d.onConnection = fn
	d.mu.Unlock()
}

// State returns the last decoded position, if any has arrived yet.
func (d *Desk) State() (State, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state, d.hasState
}

// Ready reports whether the desk is connected and fully discovered.
func (d *Desk) Ready() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ready
}

// Connect walks the session through discovery, connection, GATT setup and
// the initial position read. It performs a single attempt; the caller owns
// retry and backoff.
func (d *Desk) Connect(ctx context.Context) error {
	if _, err := d.session.FindPeripheral(ctx); err != nil {
		return fmt.Errorf("desk: find peripheral: %w", err)
	}
	if err := d.session.Connect(ctx); err != nil {
		return fmt.Errorf("desk: connect: %w", err)
	}

	services, err := d.session.DiscoverServices(ctx, []string{
		ControlServiceUUID, PositionServiceUUID, ReferenceInputServiceUUID,
	})
	if err != nil {
		return fmt.Errorf("desk: discover services: %w", err)
	}
	for _, svc := range services {
		if _, err := d.session.DiscoverCharacteristics(ctx, nil, svc); err != nil {
			return fmt.Errorf("desk: discover characteristics on %s: %w", svc.UUID(), err)
		}
	}

	cmdChar, ok := d.session.LookupCharacteristic(CommandCharUUID)
	if !ok {
		return fmt.Errorf("desk: command characteristic %s not found", CommandCharUUID)
	}
	posChar, ok := d.session.LookupCharacteristic(PositionCharUUID)
	if !ok {
		return fmt.Errorf("desk: position characteristic %s not found", PositionCharUUID)
	}
	refChar, ok := d.session.LookupCharacteristic(ReferenceInputCharUUID)
	if !ok {
		return fmt.Errorf("desk: reference-input characteristic %s not found", ReferenceInputCharUUID)
	}

	d.mu.Lock()
	d.cmdChar, d.posChar, d.refChar = cmdChar, posChar, refChar
	d.mu.Unlock()

	if err := d.session.SetNotify(ctx, true, posChar); err != nil {
		return fmt.Errorf("desk: subscribe position: %w", err)
	}
	initial, err := d.session.ReadValue(ctx, posChar)
	if err != nil {
		return fmt.Errorf("desk: initial position read: %w", err)
	}
	st, err := DecodeState(initial)
	if err != nil {
		return err
	}
	d.applyState(st)

	d.mu.Lock()
	d.ready = true
	hook := d.onConnection
	d.mu.Unlock()

	slog.Info("[desk] connected", "height_mm", st.HeightMM)
	if hook != nil {
		hook(true)
	}
	return nil
}

// Close cancels any movement and tears the session down.
func (d *Desk) Close() error {
	d.cancelMove()
	d.mu.Lock()
	d.ready = false
	d.mu.Unlock()
	return d.session.Close()
}

// Stop halts movement: any supervised move is cancelled, then the stop
// frames go to the command and reference-input characteristics.
func (d *Desk) Stop(ctx context.Context) error {
	chars, err := d.chars()
	if err != nil {
		return err
	}
	d.cancelMove()
	if err := d.session.WriteValue(ctx, frameStop, chars.cmd); err != nil {
		return fmt.Errorf("desk: stop command: %w", err)
	}
	if err := d.session.WriteValue(ctx, frameRefStop, chars.ref); err != nil {
		return fmt.Errorf("desk: stop reference input: %w", err)
	}
	slog.Debug("[desk] stopped")
	return nil
}

// Nudge issues a single up or down step command.
func (d *Desk) Nudge(ctx context.Context, up bool) error {
	chars, err := d.chars()
	if err != nil {
		return err
	}
	frame := frameDown
	if up {
		frame = frameUp
	}
	if err := d.session.WriteValue(ctx, frame, chars.cmd); err != nil {
		return fmt.Errorf("desk: nudge: %w", err)
	}
	return nil
}

// MoveTo drives the desk to the target height. The reference-input target
// is re-issued every RefreshInterval until the reported position is within
// tolerance, the desk stalls, the context is cancelled, or a newer command
// preempts this one.
func (d *Desk) MoveTo(ctx context.Context, targetMM float64) error {
	chars, err := d.chars()
	if err != nil {
		return err
	}
	if targetMM < d.cfg.MinHeightMM {
		targetMM = d.cfg.MinHeightMM
	}
	if targetMM > d.cfg.MaxHeightMM {
		targetMM = d.cfg.MaxHeightMM
	}

	moveCtx, cancel := context.WithCancel(ctx)
	token := &moveToken{cancel: cancel}
	d.mu.Lock()
	if prev := d.move; prev != nil {
		prev.cancel()
	}
	d.move = token
	d.mu.Unlock()
	defer func() {
		cancel()
		d.mu.Lock()
		if d.move == token {
			d.move = nil
		}
		d.mu.Unlock()
	}()

	frame := EncodeTarget(targetMM)
	slog.Info("[desk] moving", "target_mm", targetMM)

	stagnant := 0
	var lastHeight float64 = math.NaN()
	ticker := time.NewTicker(d.cfg.RefreshInterval)
	defer ticker.Stop()

	writeDue := true
	for {
		if writeDue {
			if err := d.session.WriteValue(moveCtx, frame, chars.ref); err != nil {
				if moveCtx.Err() != nil && ctx.Err() == nil {
					return ErrMovePreempted
				}
				return fmt.Errorf("desk: move write: %w", err)
			}
			writeDue = false
		}

		d.mu.Lock()
		upd := d.updated
		d.mu.Unlock()

		select {
		case <-moveCtx.Done():
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return ErrMovePreempted
		case <-ticker.C:
			// The DPG controller halts unless the target is refreshed.
			writeDue = true
		case <-upd:
		}

		st, ok := d.State()
		if !ok {
			continue
		}
		if math.Abs(st.HeightMM-targetMM) <= d.cfg.ToleranceMM {
			slog.Info("[desk] target reached", "height_mm", st.HeightMM)
			return nil
		}
		// No progress across consecutive refreshes with the motor idle
		// means the controller gave up (end stop or collision cutoff).
		if !st.Moving() && st.HeightMM == lastHeight {
			stagnant++
			if stagnant >= 3 {
				return fmt.Errorf("%w at %.1f mm (target %.1f mm)", ErrMoveStalled, st.HeightMM, targetMM)
			}
		} else {
			stagnant = 0
		}
		lastHeight = st.HeightMM
	}
}

// Open raises the desk to the configured maximum height.
func (d *Desk) Open(ctx context.Context) error {
	return d.MoveTo(ctx, d.cfg.MaxHeightMM)
}

// MoveDown lowers the desk to the configured minimum height. This is the
// inbound "close" command; the name avoids colliding with Close teardown.
func (d *Desk) MoveDown(ctx context.Context) error {
	return d.MoveTo(ctx, d.cfg.MinHeightMM)
}

type moveToken struct {
	cancel context.CancelFunc
}

type deskChars struct {
	cmd, pos, ref ble.Characteristic
}

func (d *Desk) chars() (deskChars, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.ready {
		return deskChars{}, ErrNotReady
	}
	return deskChars{cmd: d.cmdChar, pos: d.posChar, ref: d.refChar}, nil
}

func (d *Desk) cancelMove() {
	d.mu.Lock()
	token := d.move
	d.move = nil
	d.mu.Unlock()
	if token != nil {
		token.cancel()
	}
}

func (d *Desk) applyState(st State) {
	d.mu.Lock()
	d.state = st
	d.hasState = true
	close(d.updated)
	d.updated = make(chan struct{})
	hook := d.onState
	d.mu.Unlock()
	if hook != nil {
		hook(st)
	}
}

// handleValueChanged receives every notification push from the session and
// decodes the ones from the position characteristic.
func (d *Desk) handleValueChanged(char ble.Characteristic, value []byte) {
	if char.UUID() != PositionCharUUID {
		return
	}
	st, err := DecodeState(value)
	if err != nil {
		slog.Warn("[desk] bad position frame", "error", err)
		return
	}
	d.applyState(st)
}

func (d *Desk) handleDisconnected(cause error) {
	d.cancelMove()
	d.mu.Lock()
	wasReady := d.ready
	d.ready = false
	hook := d.onConnection
	d.mu.Unlock()
	slog.Warn("[desk] link lost", "error", cause)
	if wasReady && hook != nil {
		hook(false)
	}
}
