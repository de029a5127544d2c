package ble

import (
	"fmt"
	"log/slog"
	"sync"

	"tinygo.org/x/bluetooth"
)

// BlueZHardware drives the platform BLE stack through tinygo.org/x/bluetooth
// (BlueZ on Linux, CoreBluetooth on macOS). The tinygo API is synchronous;
// each request runs on its own goroutine and reports its outcome through
// the attached Dispatcher, which is where the session re-serializes it.
type BlueZHardware struct {
	adapter *bluetooth.Adapter

	mu sync.Mutex
	d  Dispatcher
}

// NewBlueZHardware creates a hardware backend over the default adapter.
func NewBlueZHardware() *BlueZHardware {
	return &BlueZHardware{adapter: bluetooth.DefaultAdapter}
}

var _ Hardware = (*BlueZHardware)(nil)

// Attach registers the event sink, powers the adapter, and reports the
// resulting adapter state before returning.
func (h *BlueZHardware) Attach(d Dispatcher) {
	h.mu.Lock()
	h.d = d
	h.mu.Unlock()

	if err := h.adapter.Enable(); err != nil {
		slog.Warn("[BLE] adapter enable failed", "error", err)
		d.AdapterStateChanged(AdapterStatePoweredOff)
		return
	}

	// tinygo fires this for both edges; connects are reported by our own
	// Connect goroutine, so only the disconnect edge is routed here.
	h.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if connected {
			return
		}
		h.dispatcher().Disconnected(&bluezPeripheral{addr: device.Address}, nil)
	})

	d.AdapterStateChanged(AdapterStatePoweredOn)
}

func (h *BlueZHardware) dispatcher() Dispatcher {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.d
}

func (h *BlueZHardware) Scan(serviceUUID string) error {
	filter, err := bluetooth.ParseUUID(serviceUUID)
	if err != nil {
		return fmt.Errorf("ble: parse service UUID: %w", err)
	}
	// adapter.Scan blocks until StopScan; results stream to the dispatcher.
	go func() {
		err := h.adapter.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
			if !result.HasServiceUUID(filter) {
				return
			}
			h.dispatcher().PeripheralDiscovered(&bluezPeripheral{
				addr: result.Address,
				name: result.LocalName(),
			})
		})
		if err != nil {
			slog.Warn("[BLE] scan ended with error", "error", err)
		}
	}()
	return nil
}

func (h *BlueZHardware) StopScan() error {
	return h.adapter.StopScan()
}

// KnownPeripheral resolves a configured identity without scanning. BlueZ
// can connect directly to a device it has seen before, so a well-formed
// address is returned optimistically; an unknown device surfaces later as
// a connect failure.
func (h *BlueZHardware) KnownPeripheral(id string) (Peripheral, bool) {
	if id == "" {
		return nil, false
	}
	var addr bluetooth.Address
	addr.Set(id)
	return &bluezPeripheral{addr: addr}, true
}

func (h *BlueZHardware) Connect(p Peripheral) error {
	bp := p.(*bluezPeripheral)
	go func() {
		dev, err := h.adapter.Connect(bp.addr, bluetooth.ConnectionParams{})
		if err != nil {
			h.dispatcher().ConnectFailed(p, err)
			return
		}
		bp.setDevice(dev)
		h.dispatcher().Connected(p)
	}()
	return nil
}

// CancelConnect tears down whatever the pending attempt produced; tinygo
// has no way to abort an attempt that has not completed yet.
func (h *BlueZHardware) CancelConnect(p Peripheral) error {
	bp := p.(*bluezPeripheral)
	if dev, ok := bp.device(); ok {
		return dev.Disconnect()
	}
	return nil
}

func (h *BlueZHardware) Disconnect(p Peripheral) error {
	bp := p.(*bluezPeripheral)
	dev, ok := bp.device()
	if !ok {
		return nil
	}
	// The disconnect notification reaches the dispatcher through the
	// adapter's connect handler.
	return dev.Disconnect()
}

func (h *BlueZHardware) DiscoverServices(p Peripheral, uuids []string) error {
	bp := p.(*bluezPeripheral)
	dev, ok := bp.device()
	if !ok {
		return ErrNotConnected
	}
	filter, err := parseUUIDs(uuids)
	if err != nil {
		return err
	}
	go func() {
		svcs, err := dev.DiscoverServices(filter)
		if err != nil {
			h.dispatcher().ServicesDiscovered(p, nil, err)
			return
		}
		out := make([]Service, len(svcs))
		for i := range svcs {
			out[i] = &bluezService{svc: svcs[i]}
		}
		h.dispatcher().ServicesDiscovered(p, out, nil)
	}()
	return nil
}

func (h *BlueZHardware) DiscoverCharacteristics(p Peripheral, svc Service, uuids []string) error {
	bs := svc.(*bluezService)
	filter, err := parseUUIDs(uuids)
	if err != nil {
		return err
	}
	go func() {
		chars, err := bs.svc.DiscoverCharacteristics(filter)
		if err != nil {
			h.dispatcher().CharacteristicsDiscovered(svc, nil, err)
			return
		}
		out := make([]Characteristic, len(chars))
		for i := range chars {
			out[i] = &bluezCharacteristic{char: chars[i], serviceUUID: bs.UUID()}
		}
		h.dispatcher().CharacteristicsDiscovered(svc, out, nil)
	}()
	return nil
}

// DiscoverDescriptors completes immediately: tinygo exposes no descriptor
// API and BlueZ manages CCCDs on its own during subscription.
func (h *BlueZHardware) DiscoverDescriptors(p Peripheral, char Characteristic) error {
	go h.dispatcher().DescriptorsDiscovered(char, nil)
	return nil
}

func (h *BlueZHardware) ReadValue(p Peripheral, char Characteristic) error {
	bc := char.(*bluezCharacteristic)
	go func() {
		buf := make([]byte, 512)
		n, err := bc.char.Read(buf)
		if err != nil {
			h.dispatcher().ValueChanged(char, nil, err)
			return
		}
		h.dispatcher().ValueChanged(char, buf[:n], nil)
	}()
	return nil
}

func (h *BlueZHardware) WriteValue(p Peripheral, char Characteristic, value []byte) error {
	bc := char.(*bluezCharacteristic)
	data := make([]byte, len(value))
	copy(data, value)
	go func() {
		// The stack reports transport failures synchronously here; the
		// completion is only ever delivered through the dispatcher.
		_, err := bc.char.WriteWithoutResponse(data)
		h.dispatcher().WriteCompleted(char, err)
	}()
	return nil
}

func (h *BlueZHardware) SetNotify(p Peripheral, char Characteristic, enabled bool) error {
	bc := char.(*bluezCharacteristic)
	go func() {
		var err error
		if enabled {
			err = bc.char.EnableNotifications(func(buf []byte) {
				data := make([]byte, len(buf))
				copy(data, buf)
				h.dispatcher().ValueChanged(char, data, nil)
			})
		} else {
			err = bc.char.EnableNotifications(nil)
		}
		h.dispatcher().NotifyStateChanged(char, err)
	}()
	return nil
}

func parseUUIDs(uuids []string) ([]bluetooth.UUID, error) {
	if len(uuids) == 0 {
		return nil, nil
	}
	out := make([]bluetooth.UUID, len(uuids))
	for i, s := range uuids {
		u, err := bluetooth.ParseUUID(s)
		if err != nil {
			return nil, fmt.Errorf("ble: parse UUID %q: %w", s, err)
		}
		out[i] = u
	}
	return out, nil
}

type bluezPeripheral struct {
	addr bluetooth.Address
	name string

	mu     sync.Mutex
	dev    bluetooth.Device
	hasDev bool
}

func (p *bluezPeripheral) ID() string   { return p.addr.String() }
func (p *bluezPeripheral) Name() string { return p.name }

func (p *bluezPeripheral) setDevice(dev bluetooth.Device) {
	p.mu.Lock()
	p.dev = dev
	p.hasDev = true
	p.mu.Unlock()
}

func (p *bluezPeripheral) device() (bluetooth.Device, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dev, p.hasDev
}

type bluezService struct {
	svc bluetooth.DeviceService
}

func (s *bluezService) UUID() string { return s.svc.UUID().String() }

type bluezCharacteristic struct {
	char        bluetooth.DeviceCharacteristic
	serviceUUID string
}

func (c *bluezCharacteristic) UUID() string        { return c.char.UUID().String() }
func (c *bluezCharacteristic) ServiceUUID() string { return c.serviceUUID }
