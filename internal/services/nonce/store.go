// Package nonce tracks which webhook nonces have already been seen so that
// replayed deliveries can be rejected.
package nonce

import (
	"context"
	"errors"
	"time"
)

// DefaultTTL is how long a nonce stays remembered. It must be at least as
// long as the verifier's timestamp skew window.
const DefaultTTL = 10 * time.Minute

// Store records nonces on first use. Implementations must be safe for
// concurrent use: for any nonce, exactly one concurrent TryRemember call
// returns true.
type Store interface {
	// TryRemember records nonce until expiresAt. It returns true if the
	// nonce was not previously stored (and is now recorded), false if it
	// was already present. An error means the store itself failed; that is
	// never a replay verdict.
	TryRemember(ctx context.Context, nonce string, expiresAt time.Time) (bool, error)

	// Close releases any resources the store owns.
	Close() error
}

// ErrBlankNonce is returned when a caller tries to remember an empty or
// whitespace-only nonce. Whether a missing nonce is acceptable is the
// verifier's policy decision, not the store's.
var ErrBlankNonce = errors.New("nonce must not be blank")
