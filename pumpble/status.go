package pumpble

import (
	"context"
	"encoding/binary"

	pump "github.com/vicktor/ypsomed-pump"
)

// DeliveryMode mirrors spec.md §4.6's delivery-mode byte.
type DeliveryMode uint8

const (
	ModeStopped DeliveryMode = iota
	ModeBasal
	ModeTBR
	ModeFastBolus
	ModeExtendedBolus
	ModeBolusAndBasal
	ModePriming
	ModePaused
)

// SystemStatus is the 6-byte decrypted System Status response.
type SystemStatus struct {
	DeliveryMode   DeliveryMode
	InsulinCenti   uint32 // /100 for units remaining
	BatteryPercent uint8
}

func (m DeliveryMode) String() string {
	names := [...]string{"stopped", "basal", "tbr", "fast_bolus", "extended_bolus", "bolus_and_basal", "priming", "paused"}
	if int(m) < len(names) {
		return names[m]
	}
	return "unknown"
}

// InsulinUnits returns the reservoir level in units.
func (s SystemStatus) InsulinUnits() float64 {
	return float64(s.InsulinCenti) / 100.0
}

// ReadSystemStatus issues the CRC'd encrypted System Status read.
func (p *Protocol) ReadSystemStatus(ctx context.Context) (SystemStatus, error) {
	plaintext, err := p.ReadResponse(ctx, CharSystemStatus, true)
	if err != nil {
		return SystemStatus{}, err
	}
	if plaintext == nil {
		return SystemStatus{}, pump.NewError(pump.KindTransport, "system status read returned no frames")
	}

	return parseSystemStatus(plaintext)
}

func parseSystemStatus(b []byte) (SystemStatus, error) {
	if len(b) < 6 {
		return SystemStatus{}, pump.NewError(pump.KindFraming, "system status payload too short")
	}

	return SystemStatus{
		DeliveryMode:   DeliveryMode(b[0]),
		InsulinCenti:   binary.LittleEndian.Uint32(b[1:5]),
		BatteryPercent: b[5],
	}, nil
}
