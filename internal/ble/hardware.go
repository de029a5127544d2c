// Package ble provides the peripheral session controller for the desk's
// Bluetooth Low-Energy link. It turns the callback-driven central protocol
// (adapter power state, scanning, connection, GATT discovery,
// read/write/notify) into a small set of async, cancellable, single-flight
// operations that the desk protocol layer can call safely and repeatedly.
package ble

// AdapterState is the power/availability state of the local radio as
// reported by the platform stack.
type AdapterState int

const (
	AdapterStateUnknown AdapterState = iota
	AdapterStateResetting
	AdapterStateUnsupported
	AdapterStateUnauthorized
	AdapterStatePoweredOff
	AdapterStatePoweredOn
)

func (s AdapterState) String() string {
	switch s {
	case AdapterStateResetting:
		return "resetting"
	case AdapterStateUnsupported:
		return "unsupported"
	case AdapterStateUnauthorized:
		return "unauthorized"
	case AdapterStatePoweredOff:
		return "poweredOff"
	case AdapterStatePoweredOn:
		return "poweredOn"
	default:
		return "unknown"
	}
}

// Peripheral is a discovered remote device.
type Peripheral interface {
	// ID returns the platform identity of the device. On BlueZ this is a
	// MAC address, on CoreBluetooth a UUID string.
	ID() string
	// Name returns the advertised local name, if any.
	Name() string
}

// Service is a discovered GATT service on a peripheral.
type Service interface {
	UUID() string
}

// Characteristic is a discovered GATT characteristic within a service.
type Characteristic interface {
	UUID() string
	// ServiceUUID identifies the owning service.
	ServiceUUID() string
}

// Hardware is the platform capability set the session drives. Every method
// only issues the request; the outcome arrives later through the Dispatcher
// registered with Attach. A returned error means the request could not be
// issued at all and no completion event will follow for it.
type Hardware interface {
	// Attach registers the event sink and starts adapter state delivery.
	// The current adapter state must be reported to the dispatcher before
	// or promptly after Attach returns.
	Attach(d Dispatcher)

	// Scan starts scanning for peripherals advertising the given service.
	// Results arrive via Dispatcher.PeripheralDiscovered until StopScan.
	Scan(serviceUUID string) error
	StopScan() error

	// KnownPeripheral resolves a previously seen device by identity from
	// the platform cache, without scanning. ok is false when the platform
	// has no such cache or no entry.
	KnownPeripheral(id string) (p Peripheral, ok bool)

	Connect(p Peripheral) error
	CancelConnect(p Peripheral) error
	Disconnect(p Peripheral) error

	DiscoverServices(p Peripheral, uuids []string) error
	DiscoverCharacteristics(p Peripheral, svc Service, uuids []string) error
	DiscoverDescriptors(p Peripheral, char Characteristic) error

	ReadValue(p Peripheral, char Characteristic) error
	WriteValue(p Peripheral, char Characteristic, value []byte) error
	SetNotify(p Peripheral, char Characteristic, enabled bool) error
}

// Dispatcher receives every hardware-originated event. The Session
// implements it; backends must deliver events one at a time (the session
// re-serializes them internally, but delivery order is preserved only for
// sequential calls).
type Dispatcher interface {
	AdapterStateChanged(state AdapterState)
	PeripheralDiscovered(p Peripheral)

	Connected(p Peripheral)
	ConnectFailed(p Peripheral, cause error)
	// Disconnected reports both requested and unsolicited link loss.
	// cause is nil for a clean, locally requested disconnect.
	Disconnected(p Peripheral, cause error)

	ServicesDiscovered(p Peripheral, services []Service, cause error)
	CharacteristicsDiscovered(svc Service, chars []Characteristic, cause error)
	DescriptorsDiscovered(char Characteristic, cause error)

	WriteCompleted(char Characteristic, cause error)
	NotifyStateChanged(char Characteristic, cause error)

	// ValueChanged reports both read completions and unsolicited
	// notification pushes; the session disambiguates by characteristic
	// identity against the pending read, mirroring how CoreBluetooth-style
	// stacks funnel both through one callback.
	ValueChanged(char Characteristic, value []byte, cause error)
}
