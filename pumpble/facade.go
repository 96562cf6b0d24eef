// Package pumpble implements the ProBluetooth protocol layer: device
// authentication and the encrypted command/response pipelines for every
// pump characteristic (spec.md §4.6). It is built against an abstract BLE
// facade — the OS-level GATT client itself is an external collaborator.
package pumpble

import (
	"context"
)

// Facade is the narrow BLE surface this layer is built against. The
// concrete GATT client (scanner, connection, bonding) lives outside this
// module; implementations must preserve write ordering within one
// connection.
type Facade interface {
	Read(ctx context.Context, charUUID string) ([]byte, error)
	WriteDefault(ctx context.Context, charUUID string, value []byte) error
	WriteNoResponse(ctx context.Context, charUUID string, value []byte) error

	// EnableNotify arranges for subsequent notifications on charUUID to be
	// delivered on the returned channel. The channel is closed when the
	// connection drops.
	EnableNotify(ctx context.Context, charUUID string) (<-chan []byte, error)
}

// uuidPrefix is shared by every ProBluetooth characteristic on the pump.
const uuidPrefix = "669a0c20-0008-969e-e211-"

// Characteristic UUIDs, spec.md §6.
const (
	CharAuthPassword     = uuidPrefix + "fcbeb2147bc5"
	CharMasterVersion    = uuidPrefix + "fcbeb0147bc5"
	CharSystemDate       = uuidPrefix + "fcbedc3b7bc5"
	CharSystemTime       = uuidPrefix + "fcbedd3b7bc5"
	CharBolusStartStop   = uuidPrefix + "fcbee18b7bc5"
	CharBolusStatus      = uuidPrefix + "fcbee28b7bc5"
	CharTBRStartStop     = uuidPrefix + "fcbee38b7bc5"
	CharSystemStatus     = uuidPrefix + "fcbee48b7bc5"
	CharBolusNotify      = uuidPrefix + "fcbee58b7bc5"
	CharSecurityStatus   = uuidPrefix + "fcbee08b7bc5"
	CharSettingID        = uuidPrefix + "fcbeb3147bc5"
	CharSettingValue     = uuidPrefix + "fcbeb4147bc5"
	CharExtendedRead     = uuidPrefix + "fcff000000ff"
	CharPumpKeyRead      = uuidPrefix + "fcff0000000a"
	CharPumpKeyWrite     = uuidPrefix + "fcff0000000b"
	CharEventsCount      = uuidPrefix + "fcbecb3b7bc5"
	CharEventsIndex      = uuidPrefix + "fcbecc3b7bc5"
	CharEventsValue      = uuidPrefix + "fcbecd3b7bc5"
	CharAlertsCount      = uuidPrefix + "fcbec83b7bc5"
	CharAlertsIndex      = uuidPrefix + "fcbec93b7bc5"
	CharAlertsValue      = uuidPrefix + "fcbeca3b7bc5"
	CharSysHistCount     = uuidPrefix + "fcbece3b7bc5"
	CharSysHistIndex     = uuidPrefix + "fcbecf3b7bc5"
	CharSysHistValue     = uuidPrefix + "fcbed03b7bc5"
)

// Standard BLE device-information characteristics, read plain (§6).
const (
	CharDeviceSerial       = "00002a25-0000-1000-8000-00805f9b34fb"
	CharDeviceFirmware     = "00002a26-0000-1000-8000-00805f9b34fb"
	CharDeviceManufacturer = "00002a29-0000-1000-8000-00805f9b34fb"
	CharDeviceModel        = "00002a24-0000-1000-8000-00805f9b34fb"
)

// Stream names the three history streams so HistoryCount/Index/Value can be
// parameterized (spec.md §4.6, §4.7).
type Stream int

const (
	StreamEvents Stream = iota
	StreamAlerts
	StreamSystem
)

func (s Stream) characteristics() (count, index, value string) {
	switch s {
	case StreamEvents:
		return CharEventsCount, CharEventsIndex, CharEventsValue
	case StreamAlerts:
		return CharAlertsCount, CharAlertsIndex, CharAlertsValue
	case StreamSystem:
		return CharSysHistCount, CharSysHistIndex, CharSysHistValue
	default:
		return "", "", ""
	}
}
