package pumpble

import (
	"context"
	"encoding/binary"
	"time"

	pump "github.com/vicktor/ypsomed-pump"
	"github.com/vicktor/ypsomed-pump/glb"
)

// pumpEpochOffset is the pump's own epoch (2000-01-01 00:00 UTC) expressed
// as an offset from the Unix epoch, in seconds.
const pumpEpochOffset = 946684800

// HistoryEntry is the pump's 17-byte history record (spec.md §3).
type HistoryEntry struct {
	Timestamp time.Time
	Type      uint8
	Value1    uint16
	Value2    uint16
	Value3    uint16
	Sequence  uint32
	Index     uint16
}

// ParseHistoryEntry decodes one 17-byte history record.
func ParseHistoryEntry(b []byte) (HistoryEntry, error) {
	if len(b) < 17 {
		return HistoryEntry{}, pump.NewError(pump.KindFraming, "history entry too short")
	}

	pumpSeconds := binary.LittleEndian.Uint32(b[0:4])

	return HistoryEntry{
		Timestamp: time.Unix(int64(pumpSeconds)+pumpEpochOffset, 0).UTC(),
		Type:      b[4],
		Value1:    binary.LittleEndian.Uint16(b[5:7]),
		Value2:    binary.LittleEndian.Uint16(b[7:9]),
		Value3:    binary.LittleEndian.Uint16(b[9:11]),
		Sequence:  binary.LittleEndian.Uint32(b[11:15]),
		Index:     binary.LittleEndian.Uint16(b[15:17]),
	}, nil
}

// HistoryCount reads a stream's GLB-encoded entry count.
func (p *Protocol) HistoryCount(ctx context.Context, stream Stream) (int32, error) {
	count, _, _ := stream.characteristics()

	plaintext, err := p.ReadResponse(ctx, count, false)
	if err != nil {
		return 0, err
	}
	if plaintext == nil {
		return 0, pump.NewError(pump.KindTransport, "history count read returned no frames")
	}

	v, ok := glb.FindIn(plaintext)
	if !ok {
		return 0, pump.NewError(pump.KindGlbCorrupt, "history count GLB decode failed")
	}
	return v, nil
}

// HistoryEntryAt selects index via the history-index characteristic, then
// reads and parses the value.
func (p *Protocol) HistoryEntryAt(ctx context.Context, stream Stream, index int32) (HistoryEntry, error) {
	_, idxChar, valChar := stream.characteristics()

	if err := p.SendCommand(ctx, idxChar, glb.Encode(index), false); err != nil {
		return HistoryEntry{}, err
	}

	plaintext, err := p.ReadResponse(ctx, valChar, true)
	if err != nil {
		return HistoryEntry{}, err
	}
	if plaintext == nil {
		return HistoryEntry{}, pump.NewError(pump.KindTransport, "history value read returned no frames")
	}

	return ParseHistoryEntry(plaintext)
}

// ReadHistoryRange selects and reads entries [from, to) from stream, in
// ascending index order.
func (p *Protocol) ReadHistoryRange(ctx context.Context, stream Stream, from, to int32) ([]HistoryEntry, error) {
	entries := make([]HistoryEntry, 0, to-from)
	for i := from; i < to; i++ {
		e, err := p.HistoryEntryAt(ctx, stream, i)
		if err != nil {
			return entries, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}
