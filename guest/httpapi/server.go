// Package httpapi is the gin HTTP surface of the guest gateway and the stat
// sync endpoint.
package httpapi

import (
	"context"
	"net/http"
	"strings"
	"time"

	"cdr.dev/slog/v3"
	"github.com/gin-gonic/gin"
	"golang.org/x/xerrors"

	"github.com/krisalay/gameday-sync/guest"
	"github.com/krisalay/gameday-sync/queue"
)

// Error codes carried in the "code" field of failed responses.
const (
	CodeInvalidToken = "invalid_token"
	CodeTokenExpired = "token_expired"
	CodeBadRequest   = "bad_request"
	CodeInternal     = "internal"
)

// StatSink accepts synced stat batches and reports which ids it took.
type StatSink interface {
	Accept(ctx context.Context, entries []queue.PendingStat) ([]string, error)
}

type Server struct {
	gateway *guest.Gateway
	sink    StatSink
	metrics http.Handler
	log     slog.Logger
}

type Option func(s *Server)

// WithStatSink enables POST /v1/stats/sync.
func WithStatSink(sink StatSink) Option {
	return func(s *Server) {
		s.sink = sink
	}
}

// WithMetricsHandler mounts h at GET /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) {
		s.metrics = h
	}
}

func WithLogger(log slog.Logger) Option {
	return func(s *Server) {
		s.log = log
	}
}

func New(gateway *guest.Gateway, opts ...Option) *Server {
	s := &Server{gateway: gateway}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.Named("httpapi")
	return s
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	router := gin.New()
	router.Use(gin.Recovery(), s.logRequests())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if s.metrics != nil {
		router.GET("/metrics", gin.WrapH(s.metrics))
	}

	v1 := router.Group("/v1")
	v1.POST("/sessions/:session/invite", s.invite)
	v1.POST("/guest/join", s.join)
	v1.POST("/guest/taps", s.submitTaps)
	if s.sink != nil {
		v1.POST("/stats/sync", s.syncStats)
	}
	return router
}

func (s *Server) logRequests() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug(c.Request.Context(), "request served",
			slog.F("method", c.Request.Method),
			slog.F("path", c.FullPath()),
			slog.F("status", c.Writer.Status()),
			slog.F("took", time.Since(start)),
		)
	}
}

type inviteResponse struct {
	GuestToken string    `json:"guestToken"`
	ExpiresAt  time.Time `json:"expiresAt"`
	InviteURL  string    `json:"inviteUrl"`
}

func (s *Server) invite(c *gin.Context) {
	inv, err := s.gateway.Invite(c.Request.Context(), c.Param("session"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, inviteResponse(inv))
}

type joinRequest struct {
	Token string `json:"token"`
}

type joinResponse struct {
	OK            bool      `json:"ok"`
	SessionID     string    `json:"sessionId"`
	ExpiresAt     time.Time `json:"expiresAt"`
	GuestTapCount int64     `json:"guestTapCount"`
}

func (s *Server) join(c *gin.Context) {
	var req joinRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Token == "" {
		s.fail(c, xerrors.Errorf("%w: token is required", errBadRequest))
		return
	}
	sess, err := s.gateway.Join(c.Request.Context(), req.Token)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, joinResponse{
		OK:            true,
		SessionID:     sess.SessionID,
		ExpiresAt:     sess.ExpiresAt,
		GuestTapCount: sess.CumulativeTapCount,
	})
}

type tapsRequest struct {
	TapCount int `json:"tapCount"`
}

type tapsResponse struct {
	GuestTapCount int64 `json:"guestTapCount"`
}

func (s *Server) submitTaps(c *gin.Context) {
	token, ok := bearer(c.GetHeader("Authorization"))
	if !ok {
		s.fail(c, guest.ErrInvalidToken)
		return
	}
	var req tapsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, xerrors.Errorf("%w: %s", errBadRequest, err.Error()))
		return
	}
	total, err := s.gateway.SubmitTaps(c.Request.Context(), token, req.TapCount)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, tapsResponse{GuestTapCount: total})
}

type syncRequest struct {
	Entries []queue.PendingStat `json:"entries"`
}

type syncResponse struct {
	AcceptedIDs []string `json:"acceptedIds"`
}

func (s *Server) syncStats(c *gin.Context) {
	var req syncRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, xerrors.Errorf("%w: %s", errBadRequest, err.Error()))
		return
	}
	ids, err := s.sink.Accept(c.Request.Context(), req.Entries)
	if err != nil {
		s.fail(c, err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	c.JSON(http.StatusOK, syncResponse{AcceptedIDs: ids})
}

var errBadRequest = xerrors.New("bad request")

type errorResponse struct {
	OK    bool   `json:"ok"`
	Code  string `json:"code"`
	Error string `json:"error"`
}

func (s *Server) fail(c *gin.Context, err error) {
	status, code := http.StatusInternalServerError, CodeInternal
	switch {
	case xerrors.Is(err, guest.ErrTokenExpired):
		status, code = http.StatusUnauthorized, CodeTokenExpired
	case xerrors.Is(err, guest.ErrInvalidToken):
		status, code = http.StatusUnauthorized, CodeInvalidToken
	case xerrors.Is(err, errBadRequest),
		xerrors.Is(err, guest.ErrEmptySessionID),
		xerrors.Is(err, guest.ErrInvalidTapCount):
		status, code = http.StatusBadRequest, CodeBadRequest
	}

	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.log.Error(c.Request.Context(), "request failed",
			slog.F("path", c.FullPath()),
			slog.Error(err),
		)
		msg = "internal error"
	}
	c.AbortWithStatusJSON(status, errorResponse{Code: code, Error: msg})
}

func bearer(header string) (string, bool) {
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	token := strings.TrimSpace(header[len(prefix):])
	return token, token != ""
}
