package seal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/opencawt/opencawt/pkg/canonical"
	"github.com/opencawt/opencawt/pkg/contracts"
)

// Minter turns a seal request into a terminal mint result.
type Minter interface {
	Mint(ctx context.Context, req *contracts.SealRequest) (*contracts.SealResponse, error)
}

const maxWorkerBody = 1 << 20

// WorkerClient drives a remote mint worker over its POST /mint
// endpoint, authenticated by a static bearer token.
type WorkerClient struct {
	baseURL  string
	token    string
	http     *http.Client
	maxTries uint
}

// NewWorkerClient builds a client. timeout caps each HTTP attempt, not
// the whole retry budget.
func NewWorkerClient(baseURL, token string, timeout time.Duration) *WorkerClient {
	return &WorkerClient{
		baseURL:  baseURL,
		token:    token,
		http:     &http.Client{Timeout: timeout},
		maxTries: 3,
	}
}

// Mint posts the request and decodes the worker's terminal answer.
// Transport errors and 5xx are retried with bounded backoff; any 4xx is
// permanent because the worker has rejected the payload itself.
func (c *WorkerClient) Mint(ctx context.Context, req *contracts.SealRequest) (*contracts.SealResponse, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("seal: marshal mint request: %w", err)
	}

	op := func() ([]byte, error) {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/mint", bytes.NewReader(payload))
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Authorization", "Bearer "+c.token)

		resp, err := c.http.Do(httpReq)
		if err != nil {
			return nil, err
		}
		defer func() { _ = resp.Body.Close() }()

		body, err := io.ReadAll(io.LimitReader(resp.Body, maxWorkerBody))
		if err != nil {
			return nil, err
		}
		switch {
		case resp.StatusCode == http.StatusOK:
			return body, nil
		case resp.StatusCode >= 500:
			return nil, fmt.Errorf("worker returned status %d", resp.StatusCode)
		default:
			return nil, backoff.Permanent(fmt.Errorf("worker returned status %d", resp.StatusCode))
		}
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 500 * time.Millisecond
	eb.MaxInterval = 5 * time.Second

	body, err := backoff.Retry(ctx, op, backoff.WithBackOff(eb), backoff.WithMaxTries(c.maxTries))
	if err != nil {
		return nil, fmt.Errorf("seal: mint %s: %w", req.RefID, err)
	}

	var out contracts.SealResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("seal: decode mint response: %w", err)
	}
	if out.Status != contracts.SealResultMinted && out.Status != contracts.SealResultFailed {
		return nil, fmt.Errorf("seal: worker answered with status %q", out.Status)
	}
	return &out, nil
}

// StubMinter fabricates deterministic receipts without touching a
// chain. The same request always yields the same asset id and tx
// signature, so replays reconcile cleanly.
type StubMinter struct {
	now func() time.Time
}

// NewStubMinter builds a stub. A nil clock falls back to time.Now.
func NewStubMinter(now func() time.Time) *StubMinter {
	if now == nil {
		now = time.Now
	}
	return &StubMinter{now: now}
}

func (m *StubMinter) Mint(_ context.Context, req *contracts.SealRequest) (*contracts.SealResponse, error) {
	seed, err := canonical.Hash(req)
	if err != nil {
		return nil, fmt.Errorf("seal: stub mint: %w", err)
	}
	return &contracts.SealResponse{
		Status:      contracts.SealResultMinted,
		AssetID:     "stub_asset_" + seed[:16],
		TxSig:       "stub_tx_" + seed[16:48],
		SealedURI:   req.ExternalURL,
		MetadataURI: "https://stub.invalid/metadata/" + seed[:16],
		SealedAtISO: m.now().UTC().Format(time.RFC3339Nano),
	}, nil
}
