package pumpble

import (
	"context"

	pump "github.com/vicktor/ypsomed-pump"
)

// ReadSecurityStatus reads and decrypts the security-status characteristic,
// returning its plaintext bytes uninterpreted. The pump's source doesn't
// document this characteristic's layout; callers that need to interpret it
// do so on the raw bytes this returns, the same way HistoryEntry leaves its
// System-stream Value1/2/3 fields opaque.
func (p *Protocol) ReadSecurityStatus(ctx context.Context) ([]byte, error) {
	plaintext, err := p.ReadResponse(ctx, CharSecurityStatus, false)
	if err != nil {
		return nil, err
	}
	if plaintext == nil {
		return nil, pump.NewError(pump.KindTransport, "security status read returned no frames")
	}
	return plaintext, nil
}

// ReadMasterVersion reads the master/base version characteristic,
// returning its bytes uninterpreted. Unlike security status, this
// characteristic is not encrypted (spec.md §6), so it's a plain read with
// no decrypt step.
func (p *Protocol) ReadMasterVersion(ctx context.Context) ([]byte, error) {
	b, err := p.ble.Read(ctx, CharMasterVersion)
	if err != nil {
		return nil, pump.WrapError(pump.KindTransport, "master version read failed", err)
	}
	return b, nil
}
