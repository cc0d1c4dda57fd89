package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/mr-tron/base58"

	"github.com/opencawt/opencawt/pkg/contracts"
)

// TreasuryValidator checks the payment signature presented at filing.
// The signature's uniqueness is enforced separately by the used-tx
// table; this only answers "does this reference a finalised transfer".
type TreasuryValidator interface {
	Validate(ctx context.Context, txSig string) error
}

// StubTreasury accepts any well-formed Solana transaction signature.
// Development and test deployments run with this.
type StubTreasury struct{}

func (StubTreasury) Validate(_ context.Context, txSig string) error {
	raw, err := base58.Decode(txSig)
	if err != nil || len(raw) != 64 {
		return contracts.Coded(contracts.CodeValidation, "treasuryTxSig is not a valid transaction signature")
	}
	return nil
}

// RPCTreasury checks signatures against a Solana RPC node. Only a
// finalised, error-free transaction passes.
type RPCTreasury struct {
	url      string
	http     *http.Client
	maxTries uint
}

func NewRPCTreasury(url string, timeout time.Duration) *RPCTreasury {
	return &RPCTreasury{
		url:      url,
		http:     &http.Client{Timeout: timeout},
		maxTries: 3,
	}
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int           `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type signatureStatusResponse struct {
	Result struct {
		Value []*struct {
			ConfirmationStatus string          `json:"confirmationStatus"`
			Err                json.RawMessage `json:"err"`
		} `json:"value"`
	} `json:"result"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (t *RPCTreasury) Validate(ctx context.Context, txSig string) error {
	if err := (StubTreasury{}).Validate(ctx, txSig); err != nil {
		return err
	}

	payload, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      1,
		Method:  "getSignatureStatuses",
		Params:  []interface{}{[]string{txSig}, map[string]bool{"searchTransactionHistory": true}},
	})
	if err != nil {
		return fmt.Errorf("api: marshal rpc request: %w", err)
	}

	op := func() (*signatureStatusResponse, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(payload))
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := t.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer func() { _ = resp.Body.Close() }()

		body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= 500 {
			return nil, fmt.Errorf("rpc node returned status %d", resp.StatusCode)
		}
		if resp.StatusCode != http.StatusOK {
			return nil, backoff.Permanent(fmt.Errorf("rpc node returned status %d", resp.StatusCode))
		}
		var out signatureStatusResponse
		if err := json.Unmarshal(body, &out); err != nil {
			return nil, fmt.Errorf("decode rpc response: %w", err)
		}
		if out.Error != nil {
			return nil, fmt.Errorf("rpc error %d: %s", out.Error.Code, out.Error.Message)
		}
		return &out, nil
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 300 * time.Millisecond
	eb.MaxInterval = 2 * time.Second

	out, err := backoff.Retry(ctx, op, backoff.WithBackOff(eb), backoff.WithMaxTries(t.maxTries))
	if err != nil {
		return contracts.CodedWrap(contracts.CodeTreasuryNotFinal, "treasury transaction could not be confirmed", err)
	}

	if len(out.Result.Value) == 0 || out.Result.Value[0] == nil {
		return contracts.Coded(contracts.CodeTreasuryNotFinal, "treasury transaction is unknown to the cluster")
	}
	status := out.Result.Value[0]
	if len(status.Err) > 0 && string(status.Err) != "null" {
		return contracts.Coded(contracts.CodeTreasuryNotFinal, "treasury transaction failed on chain")
	}
	if status.ConfirmationStatus != "finalized" {
		return contracts.Codedf(contracts.CodeTreasuryNotFinal,
			"treasury transaction is %s, not finalized", status.ConfirmationStatus)
	}
	return nil
}
