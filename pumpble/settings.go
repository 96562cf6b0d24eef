package pumpble

import (
	"context"

	pump "github.com/vicktor/ypsomed-pump"
	"github.com/vicktor/ypsomed-pump/glb"
)

// Settings indices (spec.md §4.6's settings table).
const (
	SettingActiveProgram = 1

	// ProgramAHourlyRateBase .. +23 cover the 24 hourly basal rates of
	// program A; ProgramASelector is the value written to ActiveProgram to
	// select it.
	ProgramAHourlyRateBase = 14
	ProgramASelector       = 3

	ProgramBHourlyRateBase = 38
	ProgramBSelector       = 10
)

// UnprogrammedSentinel is the GLB value a basal-rate slot carries when it
// hasn't been programmed.
const UnprogrammedSentinel int32 = -1

// ReadSetting writes the GLB-encoded index to the setting-ID
// characteristic, then reads the GLB-encoded value back (scanning for it
// with FindIn since it may sit at an unknown offset).
func (p *Protocol) ReadSetting(ctx context.Context, index int32) (int32, error) {
	if err := p.SendCommand(ctx, CharSettingID, glb.Encode(index), false); err != nil {
		return 0, err
	}

	plaintext, err := p.ReadResponse(ctx, CharSettingValue, false)
	if err != nil {
		return 0, err
	}
	if plaintext == nil {
		return 0, pump.NewError(pump.KindTransport, "setting value read returned no frames")
	}

	v, ok := glb.FindIn(plaintext)
	if !ok {
		return 0, pump.NewError(pump.KindGlbCorrupt, "setting value GLB decode failed")
	}

	return v, nil
}

// WriteSetting writes the GLB-encoded index, then the GLB-encoded value, as
// two sequential encrypted multi-frame writes.
func (p *Protocol) WriteSetting(ctx context.Context, index, value int32) error {
	if err := p.SendCommand(ctx, CharSettingID, glb.Encode(index), false); err != nil {
		return err
	}
	return p.SendCommand(ctx, CharSettingValue, glb.Encode(value), false)
}

// BasalRateUnitsPerHour converts a raw setting value (centi-units/hour, or
// the unprogrammed sentinel) into U/h, normalizing "unprogrammed" to 0.
func BasalRateUnitsPerHour(raw int32) float64 {
	if raw == UnprogrammedSentinel {
		return 0
	}
	return float64(raw) / 100.0
}

// ReadBasalProgram reads all 24 hourly rates of the program starting at
// base (ProgramAHourlyRateBase or ProgramBHourlyRateBase).
func (p *Protocol) ReadBasalProgram(ctx context.Context, base int32) ([24]float64, error) {
	var rates [24]float64
	for i := int32(0); i < 24; i++ {
		raw, err := p.ReadSetting(ctx, base+i)
		if err != nil {
			return rates, err
		}
		rates[i] = BasalRateUnitsPerHour(raw)
	}
	return rates, nil
}
