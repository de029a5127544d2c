package desk

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/chaz8081/deskbridge/internal/ble"
)

type fakePeripheral struct{}

func (fakePeripheral) ID() string   { return "AA:BB:CC:DD:EE:FF" }
func (fakePeripheral) Name() string { return "DESK 1337" }

type fakeService struct{ uuid string }

func (s fakeService) UUID() string { return s.uuid }

type fakeChar struct{ uuid, svc string }

func (c fakeChar) UUID() string        { return c.uuid }
func (c fakeChar) ServiceUUID() string { return c.svc }

// fakeHardware simulates a DPG desk controller behind the ble.Hardware
// interface: every reference-input write moves the simulated position
// stepRaw units toward the target and emits a position notification, the
// way the real controller streams them while in motion.
type fakeHardware struct {
	stepRaw int

	mu       sync.Mutex
	d        ble.Dispatcher
	raw      int
	writes   map[string][][]byte
	notified bool

	posChar fakeChar
}

func newFakeHardware(initialRaw, stepRaw int) *fakeHardware {
	return &fakeHardware{
		stepRaw: stepRaw,
		raw:     initialRaw,
		writes:  make(map[string][][]byte),
		posChar: fakeChar{uuid: PositionCharUUID, svc: PositionServiceUUID},
	}
}

func (h *fakeHardware) Attach(d ble.Dispatcher) {
	h.mu.Lock()
	h.d = d
	h.mu.Unlock()
	d.AdapterStateChanged(ble.AdapterStatePoweredOn)
}

func (h *fakeHardware) dispatcher() ble.Dispatcher {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.d
}

func (h *fakeHardware) Scan(serviceUUID string) error {
	h.dispatcher().PeripheralDiscovered(fakePeripheral{})
	return nil
}

func (h *fakeHardware) StopScan() error { return nil }

func (h *fakeHardware) KnownPeripheral(id string) (ble.Peripheral, bool) { return nil, false }

func (h *fakeHardware) Connect(p ble.Peripheral) error {
	h.dispatcher().Connected(p)
	return nil
}

func (h *fakeHardware) CancelConnect(p ble.Peripheral) error { return nil }

func (h *fakeHardware) Disconnect(p ble.Peripheral) error {
	h.dispatcher().Disconnected(p, nil)
	return nil
}

func (h *fakeHardware) DiscoverServices(p ble.Peripheral, uuids []string) error {
	h.dispatcher().ServicesDiscovered(p, []ble.Service{
		fakeService{uuid: ControlServiceUUID},
		fakeService{uuid: PositionServiceUUID},
		fakeService{uuid: ReferenceInputServiceUUID},
	}, nil)
	return nil
}

func (h *fakeHardware) DiscoverCharacteristics(p ble.Peripheral, svc ble.Service, uuids []string) error {
	var chars []ble.Characteristic
	switch svc.UUID() {
	case ControlServiceUUID:
		chars = []ble.Characteristic{fakeChar{uuid: CommandCharUUID, svc: svc.UUID()}}
	case PositionServiceUUID:
		chars = []ble.Characteristic{h.posChar}
	case ReferenceInputServiceUUID:
		chars = []ble.Characteristic{fakeChar{uuid: ReferenceInputCharUUID, svc: svc.UUID()}}
	}
	h.dispatcher().CharacteristicsDiscovered(svc, chars, nil)
	return nil
}

func (h *fakeHardware) DiscoverDescriptors(p ble.Peripheral, char ble.Characteristic) error {
	h.dispatcher().DescriptorsDiscovered(char, nil)
	return nil
}

func (h *fakeHardware) ReadValue(p ble.Peripheral, char ble.Characteristic) error {
	h.mu.Lock()
	frame := stateFrame(h.raw, 0)
	h.mu.Unlock()
	h.dispatcher().ValueChanged(char, frame, nil)
	return nil
}

func (h *fakeHardware) WriteValue(p ble.Peripheral, char ble.Characteristic, value []byte) error {
	h.mu.Lock()
	cp := make([]byte, len(value))
	copy(cp, value)
	h.writes[char.UUID()] = append(h.writes[char.UUID()], cp)

	var notify []byte
	if char.UUID() == ReferenceInputCharUUID && len(value) == 2 && !(value[0] == 0x01 && value[1] == 0x80) {
		target := int(binary.LittleEndian.Uint16(value))
		speed := 0
		if target > h.raw {
			h.raw += min(h.stepRaw, target-h.raw)
			if h.stepRaw > 0 {
				speed = 100
			}
		} else if target < h.raw {
			h.raw -= min(h.stepRaw, h.raw-target)
			if h.stepRaw > 0 {
				speed = -100
			}
		}
		notify = stateFrame(h.raw, speed)
	}
	h.mu.Unlock()

	h.dispatcher().WriteCompleted(char, nil)
	if notify != nil {
		h.dispatcher().ValueChanged(h.posChar, notify, nil)
	}
	return nil
}

func (h *fakeHardware) SetNotify(p ble.Peripheral, char ble.Characteristic, enabled bool) error {
	h.mu.Lock()
	h.notified = enabled
	h.mu.Unlock()
	h.dispatcher().NotifyStateChanged(char, nil)
	return nil
}

func (h *fakeHardware) writesTo(uuid string) [][]byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.writes[uuid]
}

func stateFrame(raw, speed int) []byte {
	frame := make([]byte, 4)
	binary.LittleEndian.PutUint16(frame[0:2], uint16(raw))
	binary.LittleEndian.PutUint16(frame[2:4], uint16(int16(speed)))
	return frame
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.RefreshInterval = 5 * time.Millisecond
	return cfg
}

func newTestDesk(t *testing.T, hw *fakeHardware) *Desk {
	t.Helper()
	session := ble.NewSession(hw, ble.SessionOptions{ServiceUUID: ControlServiceUUID})
	return New(session, testConfig())
}

func TestConnectReadsInitialState(t *testing.T) {
	hw := newFakeHardware(1000, 0) // 720.0 mm
	d := newTestDesk(t, hw)

	connCh := make(chan bool, 1)
	d.OnConnection(func(up bool) { connCh <- up })

	if err := d.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if !d.Ready() {
		t.Error("Ready() = false after Connect")
	}
	st, ok := d.State()
	if !ok {
		t.Fatal("no state after Connect")
	}
	if st.HeightMM != 720.0 {
		t.Errorf("initial height = %v, want 720.0", st.HeightMM)
	}
	if up := <-connCh; !up {
		t.Error("connection hook fired with false")
	}
	hw.mu.Lock()
	subscribed := hw.notified
	hw.mu.Unlock()
	if !subscribed {
		t.Error("position notifications were not enabled")
	}
}

func TestMoveToReachesTarget(t *testing.T) {
	hw := newFakeHardware(1000, 10000)
	d := newTestDesk(t, hw)
	if err := d.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	if err := d.MoveTo(context.Background(), 900); err != nil {
		t.Fatalf("MoveTo() error = %v", err)
	}
	st, _ := d.State()
	if st.HeightMM < 895 || st.HeightMM > 905 {
		t.Errorf("final height = %v, want within 5 mm of 900", st.HeightMM)
	}
}

func TestMoveToClampsToConfiguredRange(t *testing.T) {
	hw := newFakeHardware(1000, 10000)
	d := newTestDesk(t, hw)
	if err := d.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	if err := d.MoveTo(context.Background(), 5000); err != nil {
		t.Fatalf("MoveTo() error = %v", err)
	}
	st, _ := d.State()
	if st.HeightMM > MaxHeightMM {
		t.Errorf("height = %v beyond physical max %v", st.HeightMM, MaxHeightMM)
	}
}

func TestMoveToStalls(t *testing.T) {
	hw := newFakeHardware(1000, 0) // never moves
	d := newTestDesk(t, hw)
	if err := d.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	err := d.MoveTo(context.Background(), 1100)
	if !errors.Is(err, ErrMoveStalled) {
		t.Fatalf("MoveTo() error = %v, want ErrMoveStalled", err)
	}
}

func TestMoveToPreempted(t *testing.T) {
	hw := newFakeHardware(1000, 5) // slow desk
	d := newTestDesk(t, hw)
	if err := d.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	first := make(chan error, 1)
	go func() { first <- d.MoveTo(context.Background(), 1200) }()

	// Let the first move make some progress before preempting it.
	time.Sleep(25 * time.Millisecond)
	st, _ := d.State()
	if err := d.MoveTo(context.Background(), st.HeightMM); err != nil {
		t.Fatalf("second MoveTo() error = %v", err)
	}
	if err := <-first; !errors.Is(err, ErrMovePreempted) {
		t.Fatalf("first MoveTo() error = %v, want ErrMovePreempted", err)
	}
}

func TestStopWritesStopFrames(t *testing.T) {
	hw := newFakeHardware(1000, 0)
	d := newTestDesk(t, hw)
	if err := d.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	if err := d.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	cmdWrites := hw.writesTo(CommandCharUUID)
	if len(cmdWrites) == 0 || string(cmdWrites[len(cmdWrites)-1]) != "\xff\x00" {
		t.Errorf("command writes = %x, want trailing ff00 stop frame", cmdWrites)
	}
	refWrites := hw.writesTo(ReferenceInputCharUUID)
	if len(refWrites) == 0 || string(refWrites[len(refWrites)-1]) != "\x01\x80" {
		t.Errorf("reference-input writes = %x, want trailing 0180 stop frame", refWrites)
	}
}

func TestNudgeWritesStepFrames(t *testing.T) {
	hw := newFakeHardware(1000, 0)
	d := newTestDesk(t, hw)
	if err := d.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	if err := d.Nudge(context.Background(), true); err != nil {
		t.Fatalf("Nudge(up) error = %v", err)
	}
	if err := d.Nudge(context.Background(), false); err != nil {
		t.Fatalf("Nudge(down) error = %v", err)
	}

	writes := hw.writesTo(CommandCharUUID)
	if len(writes) != 2 || string(writes[0]) != "\x47\x00" || string(writes[1]) != "\x46\x00" {
		t.Errorf("command writes = %x, want 4700 then 4600", writes)
	}
}

func TestCommandsBeforeConnect(t *testing.T) {
	hw := newFakeHardware(1000, 0)
	d := newTestDesk(t, hw)

	if err := d.Stop(context.Background()); !errors.Is(err, ErrNotReady) {
		t.Errorf("Stop() error = %v, want ErrNotReady", err)
	}
	if err := d.MoveTo(context.Background(), 900); !errors.Is(err, ErrNotReady) {
		t.Errorf("MoveTo() error = %v, want ErrNotReady", err)
	}
	if err := d.Nudge(context.Background(), true); !errors.Is(err, ErrNotReady) {
		t.Errorf("Nudge() error = %v, want ErrNotReady", err)
	}
}

func TestDisconnectMarksNotReady(t *testing.T) {
	hw := newFakeHardware(1000, 0)
	d := newTestDesk(t, hw)
	if err := d.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	connCh := make(chan bool, 2)
	d.OnConnection(func(up bool) { connCh <- up })

	hw.dispatcher().Disconnected(fakePeripheral{}, errors.New("supervision timeout"))

	if up := <-connCh; up {
		t.Error("connection hook fired with true on disconnect")
	}
	if d.Ready() {
		t.Error("Ready() = true after disconnect")
	}
	if err := d.Stop(context.Background()); !errors.Is(err, ErrNotReady) {
		t.Errorf("Stop() after disconnect error = %v, want ErrNotReady", err)
	}
}

func TestStateHookObservesMovement(t *testing.T) {
	hw := newFakeHardware(1000, 10000)
	d := newTestDesk(t, hw)

	var mu sync.Mutex
	var states []State
	d.OnState(func(st State) {
		mu.Lock()
		states = append(states, st)
		mu.Unlock()
	})

	if err := d.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if err := d.MoveTo(context.Background(), 900); err != nil {
		t.Fatalf("MoveTo() error = %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(states) < 2 {
		t.Fatalf("state hook fired %d times, want at least initial read + movement", len(states))
	}
	last := states[len(states)-1]
	if last.HeightMM != 900 {
		t.Errorf("last observed height = %v, want 900", last.HeightMM)
	}
}
