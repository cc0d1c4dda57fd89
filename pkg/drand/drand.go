// Package drand pulls rounds from a drand randomness beacon over HTTP.
//
// Callers ask for the earliest round whose scheduled time is not before
// a supplied wall-clock. Transient failures (network, 5xx, a round not
// yet published) are retried with bounded backoff; anything left after
// the budget is the caller's problem, never a guessed value.
package drand

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// ChainInfo describes the beacon chain, as served by GET /info.
type ChainInfo struct {
	PublicKey   string `json:"public_key"`
	Period      int64  `json:"period"`
	GenesisTime int64  `json:"genesis_time"`
	Hash        string `json:"hash"`
	GroupHash   string `json:"groupHash"`
	SchemeID    string `json:"schemeID"`
}

// Round is one published beacon round.
type Round struct {
	Round             uint64 `json:"round"`
	Randomness        string `json:"randomness"`
	Signature         string `json:"signature"`
	PreviousSignature string `json:"previous_signature,omitempty"`
}

// Beacon is the randomness source jury selection depends on.
type Beacon interface {
	ChainInfo(ctx context.Context) (*ChainInfo, error)
	RoundAt(ctx context.Context, at time.Time) (*Round, error)
}

// RoundNumberAt returns the earliest round whose scheduled publication
// time is >= at. Round 1 is published at genesis.
func RoundNumberAt(info *ChainInfo, at time.Time) uint64 {
	delta := at.Unix() - info.GenesisTime
	if delta <= 0 || info.Period <= 0 {
		return 1
	}
	r := uint64(delta) / uint64(info.Period)
	if uint64(delta)%uint64(info.Period) != 0 {
		r++
	}
	return r + 1
}

// ScheduledAt returns the wall-clock time at which round is published.
func ScheduledAt(info *ChainInfo, round uint64) time.Time {
	if round == 0 {
		round = 1
	}
	return time.Unix(info.GenesisTime+int64(round-1)*info.Period, 0).UTC()
}

const maxBeaconBody = 1 << 16

// Client talks to a drand HTTP endpoint such as https://api.drand.sh.
type Client struct {
	baseURL  string
	http     *http.Client
	maxTries uint

	mu   sync.Mutex
	info *ChainInfo
}

// NewClient builds a beacon client. timeout caps each HTTP attempt,
// not the whole retry budget.
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL:  baseURL,
		http:     &http.Client{Timeout: timeout},
		maxTries: 4,
	}
}

// ChainInfo fetches and caches the chain description. The chain never
// changes under one base URL, so one fetch serves the process lifetime.
func (c *Client) ChainInfo(ctx context.Context) (*ChainInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.info != nil {
		return c.info, nil
	}
	var info ChainInfo
	if err := c.fetchJSON(ctx, "/info", &info); err != nil {
		return nil, err
	}
	if info.Period <= 0 {
		return nil, fmt.Errorf("beacon: chain info has period %d", info.Period)
	}
	c.info = &info
	return c.info, nil
}

// RoundAt fetches the earliest round scheduled at or after at. When the
// target round is not yet published the retry budget absorbs a short
// wait; past that the transient error surfaces to the caller.
func (c *Client) RoundAt(ctx context.Context, at time.Time) (*Round, error) {
	info, err := c.ChainInfo(ctx)
	if err != nil {
		return nil, err
	}
	number := RoundNumberAt(info, at)

	var round Round
	if err := c.fetchJSON(ctx, fmt.Sprintf("/public/%d", number), &round); err != nil {
		return nil, err
	}
	if round.Round != number {
		return nil, fmt.Errorf("beacon: asked for round %d, got %d", number, round.Round)
	}
	if err := validRandomness(round.Randomness); err != nil {
		return nil, err
	}
	return &round, nil
}

func (c *Client) fetchJSON(ctx context.Context, path string, out any) error {
	op := func() ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer func() { _ = resp.Body.Close() }()

		body, err := io.ReadAll(io.LimitReader(resp.Body, maxBeaconBody))
		if err != nil {
			return nil, err
		}
		switch {
		case resp.StatusCode == http.StatusOK:
			return body, nil
		case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusTooEarly:
			// Round not published yet.
			return nil, fmt.Errorf("beacon: %s not available yet (status %d)", path, resp.StatusCode)
		case resp.StatusCode >= 500:
			return nil, fmt.Errorf("beacon: %s returned status %d", path, resp.StatusCode)
		default:
			return nil, backoff.Permanent(fmt.Errorf("beacon: %s returned status %d", path, resp.StatusCode))
		}
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 250 * time.Millisecond
	eb.MaxInterval = 2 * time.Second

	body, err := backoff.Retry(ctx, op, backoff.WithBackOff(eb), backoff.WithMaxTries(c.maxTries))
	if err != nil {
		return fmt.Errorf("fetch %s: %w", path, err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func validRandomness(s string) error {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return fmt.Errorf("beacon: randomness is not hex: %w", err)
	}
	if len(raw) != 32 {
		return fmt.Errorf("beacon: randomness is %d bytes, want 32", len(raw))
	}
	return nil
}
