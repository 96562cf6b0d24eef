package pumpble

import "context"

// DeviceInfo holds the four standard BLE device-information reads, all
// taken plain (no encryption, no framing) per spec.md §6.
type DeviceInfo struct {
	Serial       string
	Firmware     string
	Manufacturer string
	Model        string
}

// ReadDeviceInfo reads the four standard characteristics as UTF-8 text.
func (p *Protocol) ReadDeviceInfo(ctx context.Context) (DeviceInfo, error) {
	serial, err := p.ble.Read(ctx, CharDeviceSerial)
	if err != nil {
		return DeviceInfo{}, err
	}
	firmware, err := p.ble.Read(ctx, CharDeviceFirmware)
	if err != nil {
		return DeviceInfo{}, err
	}
	mfg, err := p.ble.Read(ctx, CharDeviceManufacturer)
	if err != nil {
		return DeviceInfo{}, err
	}
	model, err := p.ble.Read(ctx, CharDeviceModel)
	if err != nil {
		return DeviceInfo{}, err
	}

	return DeviceInfo{
		Serial:       string(serial),
		Firmware:     string(firmware),
		Manufacturer: string(mfg),
		Model:        string(model),
	}, nil
}
