package pumpble

import (
	"context"
	"encoding/binary"

	pump "github.com/vicktor/ypsomed-pump"
	"github.com/vicktor/ypsomed-pump/crc16"
)

// BolusType selects which delivery block a start/cancel command targets.
type BolusType uint8

const (
	BolusFast     BolusType = 1
	BolusExtended BolusType = 2
)

// BolusNotificationState is the terminal/non-terminal state byte carried by
// the plaintext bolus-notification characteristic.
type BolusNotificationState uint8

const (
	BolusIdle       BolusNotificationState = 0
	BolusDelivering BolusNotificationState = 1
	BolusCancelled  BolusNotificationState = 3
	BolusCompleted  BolusNotificationState = 4
)

// IsTerminal reports whether s is a resting state (not idle, not actively
// delivering).
func (s BolusNotificationState) IsTerminal() bool {
	return s != BolusIdle && s != BolusDelivering
}

func clamp(v, lo, hi int64) int64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// StartBolusCommand builds the 13-byte request for a fast or extended/combo
// bolus. totalCenti and immediateCenti are in hundredths of a unit;
// durationMin is 0 for a pure-fast bolus. Clamping per spec.md §4.6:
// total in [1, 2500], immediate in [0, total].
func StartBolusCommand(totalCenti, durationMin, immediateCenti uint32, typ BolusType) []byte {
	total := clamp(int64(totalCenti), 1, 2500)
	immediate := clamp(int64(immediateCenti), 0, total)

	out := make([]byte, 13)
	binary.LittleEndian.PutUint32(out[0:4], uint32(total))
	binary.LittleEndian.PutUint32(out[4:8], durationMin)
	binary.LittleEndian.PutUint32(out[8:12], uint32(immediate))
	out[12] = byte(typ)
	return out
}

// CancelBolusCommand builds the 13-byte zero-payload cancel command for the
// given block.
func CancelBolusCommand(typ BolusType) []byte {
	out := make([]byte, 13)
	out[12] = byte(typ)
	return out
}

// StartBolus writes a start-bolus command.
func (p *Protocol) StartBolus(ctx context.Context, totalCenti, durationMin, immediateCenti uint32, typ BolusType) error {
	return p.SendCommand(ctx, CharBolusStartStop, StartBolusCommand(totalCenti, durationMin, immediateCenti, typ), true)
}

// CancelBolus writes a cancel-bolus command for the given block.
func (p *Protocol) CancelBolus(ctx context.Context, typ BolusType) error {
	return p.SendCommand(ctx, CharBolusStartStop, CancelBolusCommand(typ), true)
}

// BolusBlockStatus is one fast/slow delivery block's progress (spec.md
// §4.6's bolus status layout). Zero-valued fields mean the block wasn't
// present in the response.
type BolusBlockStatus struct {
	Status            uint8
	Sequence          uint32
	InjectedCenti     uint32
	TotalCenti        uint32
	FastPartInjected  uint32
	FastPartTotal     uint32
	ActualDurationMin uint32
	TotalDurationMin  uint32
}

// BolusStatus is the combined fast+slow bolus status response.
type BolusStatus struct {
	Fast     BolusBlockStatus
	Slow     BolusBlockStatus
	HasSlow  bool
}

// EnableBolusNotify subscribes to the plaintext bolus-notification
// characteristic, returning raw frames for the caller to parse with
// ParseBolusNotification. Used to await a terminal state after a
// start/cancel command (spec.md §4.6, §4.7).
func (p *Protocol) EnableBolusNotify(ctx context.Context) (<-chan []byte, error) {
	return p.ble.EnableNotify(ctx, CharBolusNotify)
}

// ReadBolusStatus reads and parses the up-to-42-byte bolus status payload.
func (p *Protocol) ReadBolusStatus(ctx context.Context) (BolusStatus, error) {
	plaintext, err := p.ReadResponse(ctx, CharBolusStatus, true)
	if err != nil {
		return BolusStatus{}, err
	}
	if plaintext == nil {
		return BolusStatus{}, pump.NewError(pump.KindTransport, "bolus status read returned no frames")
	}

	return parseBolusStatus(plaintext)
}

func parseBolusStatus(b []byte) (BolusStatus, error) {
	if len(b) < 13 {
		return BolusStatus{}, pump.NewError(pump.KindFraming, "bolus status payload too short")
	}

	var out BolusStatus
	out.Fast = BolusBlockStatus{
		Status:        b[0],
		Sequence:      binary.LittleEndian.Uint32(b[1:5]),
		InjectedCenti: binary.LittleEndian.Uint32(b[5:9]),
		TotalCenti:    binary.LittleEndian.Uint32(b[9:13]),
	}

	if len(b) < 14 {
		return out, nil
	}

	slowStatus := b[13]
	if slowStatus == 0 || len(b) < 42 {
		return out, nil
	}

	out.HasSlow = true
	out.Slow = BolusBlockStatus{
		Status:            slowStatus,
		Sequence:          binary.LittleEndian.Uint32(b[14:18]),
		InjectedCenti:     binary.LittleEndian.Uint32(b[18:22]),
		TotalCenti:        binary.LittleEndian.Uint32(b[22:26]),
		FastPartInjected:  binary.LittleEndian.Uint32(b[26:30]),
		FastPartTotal:     binary.LittleEndian.Uint32(b[30:34]),
		ActualDurationMin: binary.LittleEndian.Uint32(b[34:38]),
		TotalDurationMin:  binary.LittleEndian.Uint32(b[38:42]),
	}

	return out, nil
}

// BolusNotification is the plaintext (unencrypted) bolus-notification
// payload. It may carry a 2-byte CRC16 trailer in a 12-byte frame; that
// trailer is stripped if valid and otherwise ignored — the frame is
// plaintext and the CRC here is advisory, not load-bearing like the
// encrypted pipelines.
type BolusNotification struct {
	FastStatus    BolusNotificationState
	FastSeq       uint32
	SlowStatus    BolusNotificationState
	SlowSeq       uint32
}

// ParseBolusNotification decodes a raw bolus-notification frame, stripping
// a trailing CRC if present and valid.
func ParseBolusNotification(b []byte) (BolusNotification, error) {
	body := b
	if len(b) == 12 {
		if stripped, ok := crc16.Strip(b); ok {
			body = stripped
		}
	}

	if len(body) < 10 {
		return BolusNotification{}, pump.NewError(pump.KindFraming, "bolus notification payload too short")
	}

	return BolusNotification{
		FastStatus: BolusNotificationState(body[0]),
		FastSeq:    binary.LittleEndian.Uint32(body[1:5]),
		SlowStatus: BolusNotificationState(body[5]),
		SlowSeq:    binary.LittleEndian.Uint32(body[6:10]),
	}, nil
}
