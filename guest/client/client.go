// Package client talks to the gateway HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/xerrors"

	"github.com/krisalay/gameday-sync/guest"
	"github.com/krisalay/gameday-sync/queue"
	"github.com/krisalay/gameday-sync/tap"
)

// ErrCannotJoin means the guest token is expired or invalid. It is terminal
// for the session it was minted for: stop submitting and ask for a new
// invite.
var ErrCannotJoin = xerrors.New("cannot join session")

// CannotJoin reports whether err is ErrCannotJoin. It fits tap.WithTerminal.
func CannotJoin(err error) bool {
	return xerrors.Is(err, ErrCannotJoin)
}

// StatusError is a non-2xx response that is not a token rejection. Callers
// treat it as transient.
type StatusError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("unexpected status %d", e.StatusCode)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Message)
}

type Client struct {
	baseURL *url.URL
	http    *http.Client
}

// New returns a client for the gateway at baseURL. A nil httpClient selects
// one with a 10s timeout.
func New(baseURL string, httpClient *http.Client) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, xerrors.Errorf("parse base url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, xerrors.Errorf("base url %q must be absolute", baseURL)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{baseURL: u, http: httpClient}, nil
}

// Invite asks the gateway for a guest token bound to sessionID.
func (c *Client) Invite(ctx context.Context, sessionID string) (guest.Invite, error) {
	var inv guest.Invite
	err := c.do(ctx, http.MethodPost, "/v1/sessions/"+url.PathEscape(sessionID)+"/invite", "", nil, &inv)
	return inv, err
}

// JoinResult is the gateway's view of a guest token that was accepted.
type JoinResult struct {
	OK            bool      `json:"ok"`
	SessionID     string    `json:"sessionId"`
	ExpiresAt     time.Time `json:"expiresAt"`
	GuestTapCount int64     `json:"guestTapCount"`
}

func (c *Client) Join(ctx context.Context, token string) (JoinResult, error) {
	var res JoinResult
	err := c.do(ctx, http.MethodPost, "/v1/guest/join", "", map[string]string{"token": token}, &res)
	return res, err
}

// SubmitTaps adds n taps under token and returns the guest's running total.
func (c *Client) SubmitTaps(ctx context.Context, token string, n int) (int64, error) {
	var res struct {
		GuestTapCount int64 `json:"guestTapCount"`
	}
	err := c.do(ctx, http.MethodPost, "/v1/guest/taps", token, map[string]int{"tapCount": n}, &res)
	return res.GuestTapCount, err
}

// Guest binds token so the client can feed a tap.Aggregator. Pair it with
// tap.WithTerminal(CannotJoin) so an expired token ends the aggregator.
func (c *Client) Guest(token string) tap.Submitter {
	return tap.SubmitFunc(func(ctx context.Context, n int) (int64, error) {
		return c.SubmitTaps(ctx, token, n)
	})
}

// SyncStats is a queue.SyncFunc backed by the gateway's stat sink.
func (c *Client) SyncStats(ctx context.Context, pending []queue.PendingStat) ([]string, error) {
	var res struct {
		AcceptedIDs []string `json:"acceptedIds"`
	}
	err := c.do(ctx, http.MethodPost, "/v1/stats/sync", "", map[string]any{"entries": pending}, &res)
	return res.AcceptedIDs, err
}

func (c *Client) do(ctx context.Context, method, path, token string, body, out any) error {
	var rdr io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return xerrors.Errorf("encode request: %w", err)
		}
		rdr = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL.String()+path, rdr)
	if err != nil {
		return xerrors.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return xerrors.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		var e struct {
			Code  string `json:"code"`
			Error string `json:"error"`
		}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&e)
		if resp.StatusCode == http.StatusUnauthorized {
			return xerrors.Errorf("%w: %s", ErrCannotJoin, e.Error)
		}
		return &StatusError{StatusCode: resp.StatusCode, Code: e.Code, Message: e.Error}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return xerrors.Errorf("decode %s response: %w", path, err)
	}
	return nil
}
