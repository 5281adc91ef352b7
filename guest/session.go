// Package guest issues short-lived tokens that let an unauthenticated
// participant add taps to one live session's counter.
package guest

import (
	"context"
	"time"

	"golang.org/x/xerrors"
)

var (
	// ErrInvalidToken covers malformed, forged and unknown tokens.
	ErrInvalidToken = xerrors.New("invalid guest token")
	// ErrTokenExpired is terminal: the guest needs a new invite.
	ErrTokenExpired = xerrors.New("guest token expired")
	// ErrSessionNotFound is returned by stores for unknown token ids.
	ErrSessionNotFound = xerrors.New("guest session not found")
	// ErrEmptySessionID indicates a missing live session id.
	ErrEmptySessionID = xerrors.New("session id is required")
	// ErrInvalidTapCount indicates a non-positive tap batch.
	ErrInvalidTapCount = xerrors.New("tap count must be positive")
)

// State is the lifecycle position of a guest session.
type State int

const (
	// StateRequested: an invite was asked for but no token exists yet.
	StateRequested State = iota
	// StateActive: the token may submit taps.
	StateActive
	// StateExpired: the token is rejected; its counts remain as history.
	StateExpired
)

func (s State) String() string {
	switch s {
	case StateRequested:
		return "requested"
	case StateActive:
		return "active"
	case StateExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// Session is the server-side view of one guest token.
type Session struct {
	// TokenID is the token's unique id (its jti), the storage key.
	TokenID            string
	Token              string
	SessionID          string
	CreatedAt          time.Time
	ExpiresAt          time.Time
	CumulativeTapCount int64
}

// State returns the lifecycle state at now. A session is expired once now is
// past ExpiresAt.
func (s Session) State(now time.Time) State {
	switch {
	case s.TokenID == "":
		return StateRequested
	case now.After(s.ExpiresAt):
		return StateExpired
	default:
		return StateActive
	}
}

// Invite is what the gateway hands back to the inviting client.
type Invite struct {
	GuestToken string    `json:"guestToken"`
	ExpiresAt  time.Time `json:"expiresAt"`
	InviteURL  string    `json:"inviteUrl"`
}

/*
Store keeps guest sessions and their counters. AddTaps must be atomic: two
concurrent submissions for the same token both land, and a session that is
expired at now never gains taps.
*/
type Store interface {
	Create(ctx context.Context, s Session) error
	// Get returns ErrSessionNotFound for unknown ids.
	Get(ctx context.Context, tokenID string) (Session, error)
	// AddTaps adds n and returns the new cumulative count. It returns
	// ErrSessionNotFound, or ErrTokenExpired if the session is expired at now.
	AddTaps(ctx context.Context, tokenID string, n int64, now time.Time) (int64, error)
}
