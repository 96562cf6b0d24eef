package pumpble

import (
	"context"
	"encoding/binary"
)

// SyncDateCommand builds the 4-byte year/month/day payload.
func SyncDateCommand(year uint16, month, day uint8) []byte {
	out := make([]byte, 4)
	binary.LittleEndian.PutUint16(out[0:2], year)
	out[2] = month
	out[3] = day
	return out
}

// SyncTimeCommand builds the 3-byte hour/minute/second payload.
func SyncTimeCommand(hour, minute, second uint8) []byte {
	return []byte{hour, minute, second}
}

// SyncDateTime writes the date command, then (only on success) the time
// command, per spec.md §4.6's ordering requirement.
func (p *Protocol) SyncDateTime(ctx context.Context, year uint16, month, day, hour, minute, second uint8) error {
	if err := p.SendCommand(ctx, CharSystemDate, SyncDateCommand(year, month, day), true); err != nil {
		return err
	}
	return p.SendCommand(ctx, CharSystemTime, SyncTimeCommand(hour, minute, second), true)
}
