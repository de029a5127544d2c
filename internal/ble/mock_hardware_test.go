package ble

import (
	"sync"
	"testing"
	"time"
)

// mockPeripheral, mockService and mockCharacteristic are plain handle
// stand-ins for the session tests.
type mockPeripheral struct {
	id   string
	name string
}

func (p *mockPeripheral) ID() string   { return p.id }
func (p *mockPeripheral) Name() string { return p.name }

type mockService struct {
	uuid string
}

func (s *mockService) UUID() string { return s.uuid }

type mockCharacteristic struct {
	uuid string
	svc  string
}

func (c *mockCharacteristic) UUID() string        { return c.uuid }
func (c *mockCharacteristic) ServiceUUID() string { return c.svc }

// mockHardware records every issued request and signals it on the issued
// channel so tests can deterministically wait for the hardware call before
// firing the matching completion event. Completions are fired by tests
// calling the session's Dispatcher methods directly.
type mockHardware struct {
	initialState AdapterState
	known        map[string]Peripheral

	mu        sync.Mutex
	dispatch  Dispatcher
	calls     []string
	scanCount int
	stopCount int

	issued chan string
}

func newMockHardware() *mockHardware {
	return &mockHardware{
		initialState: AdapterStatePoweredOn,
		known:        make(map[string]Peripheral),
		issued:       make(chan string, 32),
	}
}

func (h *mockHardware) record(call string) {
	h.mu.Lock()
	h.calls = append(h.calls, call)
	h.mu.Unlock()
	h.issued <- call
}

// callCount returns how many issued requests start with the given prefix.
func (h *mockHardware) callCount(prefix string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, c := range h.calls {
		if len(c) >= len(prefix) && c[:len(prefix)] == prefix {
			n++
		}
	}
	return n
}

func (h *mockHardware) Attach(d Dispatcher) {
	h.mu.Lock()
	h.dispatch = d
	h.mu.Unlock()
	d.AdapterStateChanged(h.initialState)
}

func (h *mockHardware) Scan(serviceUUID string) error {
	h.mu.Lock()
	h.scanCount++
	h.mu.Unlock()
	h.record("scan:" + serviceUUID)
	return nil
}

func (h *mockHardware) StopScan() error {
	h.mu.Lock()
	h.stopCount++
	h.mu.Unlock()
	return nil
}

func (h *mockHardware) KnownPeripheral(id string) (Peripheral, bool) {
	p, ok := h.known[id]
	return p, ok
}

func (h *mockHardware) Connect(p Peripheral) error {
	h.record("connect:" + p.ID())
	return nil
}

func (h *mockHardware) CancelConnect(p Peripheral) error {
	h.record("cancel-connect:" + p.ID())
	return nil
}

func (h *mockHardware) Disconnect(p Peripheral) error {
	h.record("disconnect:" + p.ID())
	return nil
}

func (h *mockHardware) DiscoverServices(p Peripheral, uuids []string) error {
	h.record("discover-services")
	return nil
}

func (h *mockHardware) DiscoverCharacteristics(p Peripheral, svc Service, uuids []string) error {
	h.record("discover-characteristics:" + svc.UUID())
	return nil
}

func (h *mockHardware) DiscoverDescriptors(p Peripheral, char Characteristic) error {
	h.record("discover-descriptors:" + char.UUID())
	return nil
}

func (h *mockHardware) ReadValue(p Peripheral, char Characteristic) error {
	h.record("read:" + char.UUID())
	return nil
}

func (h *mockHardware) WriteValue(p Peripheral, char Characteristic, value []byte) error {
	h.record("write:" + char.UUID())
	return nil
}

func (h *mockHardware) SetNotify(p Peripheral, char Characteristic, enabled bool) error {
	if enabled {
		h.record("notify-on:" + char.UUID())
	} else {
		h.record("notify-off:" + char.UUID())
	}
	return nil
}

// awaitIssued blocks until the mock receives a hardware request with the
// given name, failing the test after a timeout.
func (h *mockHardware) awaitIssued(t *testing.T, want string) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case got := <-h.issued:
			if got == want {
				return
			}
			// Unrelated earlier request; keep draining.
		case <-deadline:
			t.Fatalf("hardware request %q was never issued", want)
		}
	}
}
