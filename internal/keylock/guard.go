package keylock

import (
	"context"
	"errors"
	"fmt"
)

// Mode selects what happens when a key is already locked.
type Mode string

const (
	// Block waits for the holder to release the key.
	Block Mode = "block"
	// Reject fails immediately with ErrBusy.
	Reject Mode = "reject"
)

// ErrBusy is returned by a Reject-mode Guard when the key is held.
var ErrBusy = errors.New("key is locked by another operation")

// ParseMode accepts "block", "reject" or "" (Block).
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "", Block:
		return Block, nil
	case Reject:
		return Reject, nil
	default:
		return "", fmt.Errorf("unknown lock mode %q", s)
	}
}

// Guard applies one Mode over a shared Locker. Services that mutate the same
// keys must share a Guard (or at least its Locker).
type Guard struct {
	locker *Locker
	mode   Mode
}

// NewGuard returns a Guard over a fresh Locker.
func NewGuard(mode Mode) *Guard {
	return &Guard{locker: New(), mode: mode}
}

// Mode reports the guard's contention policy.
func (g *Guard) Mode() Mode { return g.mode }

// Acquire takes the lock for key according to the guard's mode.
func (g *Guard) Acquire(ctx context.Context, key string) (func(), error) {
	if g.mode == Reject {
		unlock, ok := g.locker.TryLock(key)
		if !ok {
			return nil, ErrBusy
		}
		return unlock, nil
	}
	return g.locker.Lock(ctx, key)
}
