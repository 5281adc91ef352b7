package guest

import (
	"context"
	"net/url"
	"strings"
	"time"

	"cdr.dev/slog/v3"
	"github.com/coder/quartz"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/xerrors"
)

const (
	// DefaultLifetime is how long a freshly minted guest token stays active.
	DefaultLifetime = 4 * time.Hour

	issuer = "gameday-guest"
)

// Gateway mints and validates guest tokens and owns the tap counters.
type Gateway struct {
	store    Store
	secret   []byte
	clock    quartz.Clock
	log      slog.Logger
	lifetime time.Duration
	baseURL  string
	newID    func() string
	parser   *jwt.Parser
}

// Option configures a Gateway.
type Option func(g *Gateway)

func WithClock(clock quartz.Clock) Option {
	return func(g *Gateway) {
		g.clock = clock
	}
}

func WithLogger(log slog.Logger) Option {
	return func(g *Gateway) {
		g.log = log
	}
}

// WithLifetime sets how long minted tokens stay active.
func WithLifetime(d time.Duration) Option {
	return func(g *Gateway) {
		if d > 0 {
			g.lifetime = d
		}
	}
}

// WithBaseURL sets the public origin used to build shareable join links.
func WithBaseURL(u string) Option {
	return func(g *Gateway) {
		g.baseURL = strings.TrimRight(u, "/")
	}
}

// NewGateway requires an HMAC secret of at least 32 bytes.
func NewGateway(store Store, secret []byte, opts ...Option) (*Gateway, error) {
	if len(secret) < 32 {
		return nil, xerrors.Errorf("guest token secret must be at least 32 bytes, got %d", len(secret))
	}
	g := &Gateway{
		store:    store,
		secret:   secret,
		clock:    quartz.NewReal(),
		lifetime: DefaultLifetime,
		baseURL:  "http://localhost:8080",
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(g)
	}
	g.log = g.log.Named("guest")
	g.parser = jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return g.clock.Now() }),
		// A token is still usable at exactly its expiry instant.
		jwt.WithLeeway(time.Nanosecond),
	)
	return g, nil
}

/*
Invite mints a token for one live session. Every call yields a new token;
tokens are never shared between sessions or reused across invites.
*/
func (g *Gateway) Invite(ctx context.Context, sessionID string) (Invite, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return Invite{}, ErrEmptySessionID
	}

	now := g.clock.Now().UTC()
	// NumericDate has second precision; keep the stored expiry identical.
	expiresAt := now.Add(g.lifetime).Truncate(time.Second)
	tokenID := g.newID()

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ID:        tokenID,
		Issuer:    issuer,
		Subject:   sessionID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}).SignedString(g.secret)
	if err != nil {
		return Invite{}, xerrors.Errorf("sign guest token: %w", err)
	}

	err = g.store.Create(ctx, Session{
		TokenID:   tokenID,
		Token:     token,
		SessionID: sessionID,
		CreatedAt: now,
		ExpiresAt: expiresAt,
	})
	if err != nil {
		return Invite{}, xerrors.Errorf("store guest session: %w", err)
	}

	g.log.Info(ctx, "guest invite issued",
		slog.F("session_id", sessionID),
		slog.F("token_id", tokenID),
		slog.F("expires_at", expiresAt),
	)
	return Invite{
		GuestToken: token,
		ExpiresAt:  expiresAt,
		InviteURL:  g.baseURL + "/join?token=" + url.QueryEscape(token),
	}, nil
}

// Join validates token and returns its session. It never changes the count.
func (g *Gateway) Join(ctx context.Context, token string) (Session, error) {
	return g.authorize(ctx, token)
}

// SubmitTaps adds n to the token's counter and returns the new total.
func (g *Gateway) SubmitTaps(ctx context.Context, token string, n int) (int64, error) {
	if n <= 0 {
		return 0, ErrInvalidTapCount
	}
	s, err := g.authorize(ctx, token)
	if err != nil {
		return 0, err
	}
	// The store re-checks expiry atomically with the increment; the token
	// may have expired since authorize.
	total, err := g.store.AddTaps(ctx, s.TokenID, int64(n), g.clock.Now("guest", "add_taps"))
	switch {
	case xerrors.Is(err, ErrSessionNotFound):
		return 0, ErrInvalidToken
	case xerrors.Is(err, ErrTokenExpired):
		return 0, ErrTokenExpired
	}
	if err != nil {
		return 0, xerrors.Errorf("add taps: %w", err)
	}
	return total, nil
}

func (g *Gateway) authorize(ctx context.Context, token string) (Session, error) {
	var claims jwt.RegisteredClaims
	_, err := g.parser.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return g.secret, nil
	})
	switch {
	case xerrors.Is(err, jwt.ErrTokenExpired):
		return Session{}, ErrTokenExpired
	case err != nil:
		g.log.Debug(ctx, "rejecting guest token", slog.Error(err))
		return Session{}, ErrInvalidToken
	}

	s, err := g.store.Get(ctx, claims.ID)
	if xerrors.Is(err, ErrSessionNotFound) {
		return Session{}, ErrInvalidToken
	}
	if err != nil {
		return Session{}, xerrors.Errorf("load guest session: %w", err)
	}
	if s.SessionID != claims.Subject {
		return Session{}, ErrInvalidToken
	}
	if s.State(g.clock.Now()) == StateExpired {
		return Session{}, ErrTokenExpired
	}
	return s, nil
}
