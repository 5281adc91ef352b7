// Package redisstore keeps guest sessions and tap counters in Redis so every
// gateway replica sees the same totals.
package redisstore

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/xerrors"

	"github.com/krisalay/gameday-sync/api"
	"github.com/krisalay/gameday-sync/guest"
)

// DefaultRetention is how long an expired session's counter is kept as
// history before Redis drops the key.
const DefaultRetention = 7 * 24 * time.Hour

const (
	fieldSessionID = "session_id"
	fieldToken     = "token"
	fieldCreatedAt = "created_at"
	fieldExpiresAt = "expires_at"
	fieldTaps      = "taps"
)

// addTaps increments only existing, unexpired sessions so a late submit can
// never resurrect a key Redis already dropped or count against a token that
// expired after it was authorized. It returns {1, total} or {0, 0} when the
// session is expired at ARGV[2] (unix ms).
var addTaps = redis.NewScript(`
local expires = redis.call("HGET", KEYS[1], "expires_at")
if not expires then
	return false
end
if tonumber(ARGV[2]) > tonumber(expires) then
	return {0, 0}
end
return {1, redis.call("HINCRBY", KEYS[1], "taps", ARGV[1])}
`)

type Store struct {
	client    *redis.Client
	retention time.Duration
}

var _ guest.Store = (*Store)(nil)

// New wraps client. A non-positive retention selects DefaultRetention.
func New(client *redis.Client, retention time.Duration) *Store {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Store{client: client, retention: retention}
}

// Dial connects to addr and pings it once before returning.
func Dial(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, xerrors.Errorf("ping redis %s: %w", addr, err)
	}
	return client, nil
}

func key(tokenID string) string {
	return api.Key("guest", tokenID)
}

func (s *Store) Create(ctx context.Context, sess guest.Session) error {
	if sess.TokenID == "" || sess.SessionID == "" {
		return xerrors.New("redisstore: missing token id or session id")
	}
	k := key(sess.TokenID)
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, k,
			fieldSessionID, sess.SessionID,
			fieldToken, sess.Token,
			fieldCreatedAt, sess.CreatedAt.UnixMilli(),
			fieldExpiresAt, sess.ExpiresAt.UnixMilli(),
			fieldTaps, sess.CumulativeTapCount,
		)
		p.ExpireAt(ctx, k, sess.ExpiresAt.Add(s.retention))
		return nil
	})
	if err != nil {
		return xerrors.Errorf("create guest session %q: %w", sess.TokenID, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, tokenID string) (guest.Session, error) {
	fields, err := s.client.HGetAll(ctx, key(tokenID)).Result()
	if err != nil {
		return guest.Session{}, xerrors.Errorf("get guest session %q: %w", tokenID, err)
	}
	if len(fields) == 0 {
		return guest.Session{}, guest.ErrSessionNotFound
	}

	createdAt, err := strconv.ParseInt(fields[fieldCreatedAt], 10, 64)
	if err != nil {
		return guest.Session{}, xerrors.Errorf("parse created_at of %q: %w", tokenID, err)
	}
	expiresAt, err := strconv.ParseInt(fields[fieldExpiresAt], 10, 64)
	if err != nil {
		return guest.Session{}, xerrors.Errorf("parse expires_at of %q: %w", tokenID, err)
	}
	taps, err := strconv.ParseInt(fields[fieldTaps], 10, 64)
	if err != nil {
		return guest.Session{}, xerrors.Errorf("parse taps of %q: %w", tokenID, err)
	}

	return guest.Session{
		TokenID:            tokenID,
		Token:              fields[fieldToken],
		SessionID:          fields[fieldSessionID],
		CreatedAt:          time.UnixMilli(createdAt).UTC(),
		ExpiresAt:          time.UnixMilli(expiresAt).UTC(),
		CumulativeTapCount: taps,
	}, nil
}

func (s *Store) AddTaps(ctx context.Context, tokenID string, n int64, now time.Time) (int64, error) {
	res, err := addTaps.Run(ctx, s.client, []string{key(tokenID)}, n, now.UnixMilli()).Int64Slice()
	if xerrors.Is(err, redis.Nil) {
		return 0, guest.ErrSessionNotFound
	}
	if err != nil {
		return 0, xerrors.Errorf("add taps to %q: %w", tokenID, err)
	}
	if len(res) != 2 {
		return 0, xerrors.Errorf("add taps to %q: unexpected reply %v", tokenID, res)
	}
	if res[0] == 0 {
		return 0, guest.ErrTokenExpired
	}
	return res[1], nil
}
