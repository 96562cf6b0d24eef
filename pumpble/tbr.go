package pumpble

import (
	"context"

	"github.com/vicktor/ypsomed-pump/glb"
)

// StartTBRCommand builds the 16-byte GLB(percent)||GLB(duration) payload.
// percent is raw (25 means 25%), clamped to [0, 200]; durationMin must be a
// multiple of 15 in [0, 1440].
func StartTBRCommand(percent, durationMin int32) []byte {
	if percent < 0 {
		percent = 0
	}
	if percent > 200 {
		percent = 200
	}
	if durationMin < 0 {
		durationMin = 0
	}
	if durationMin > 1440 {
		durationMin = 1440
	}

	out := make([]byte, 0, 16)
	out = append(out, glb.Encode(percent)...)
	out = append(out, glb.Encode(durationMin)...)
	return out
}

// CancelTBRCommand is equivalent to StartTBRCommand(100, 0).
func CancelTBRCommand() []byte {
	return StartTBRCommand(100, 0)
}

// StartTBR writes a start/cancel TBR command. TBR commands carry no CRC and
// are not GLB-double-wrapped beyond the two embedded GLB values.
func (p *Protocol) StartTBR(ctx context.Context, percent, durationMin int32) error {
	return p.SendCommand(ctx, CharTBRStartStop, StartTBRCommand(percent, durationMin), false)
}

// CancelTBR writes the cancel-TBR command.
func (p *Protocol) CancelTBR(ctx context.Context) error {
	return p.SendCommand(ctx, CharTBRStartStop, CancelTBRCommand(), false)
}
