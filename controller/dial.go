package controller

import (
	"context"

	pump "github.com/vicktor/ypsomed-pump"
	"github.com/vicktor/ypsomed-pump/pumpble"
)

// Conn is a live BLE connection: the protocol-layer Facade plus a way to
// tear it down. The concrete GATT client is an external collaborator
// (spec.md §1); this module only needs it to behave like this.
type Conn interface {
	pumpble.Facade
	Close(ctx context.Context) error
}

// Dialer opens one BLE connection to mac with no scan step — the episode
// always "connects direct" using the MAC recorded at pairing time.
type Dialer interface {
	Dial(ctx context.Context, mac pump.Addr) (Conn, error)
}
