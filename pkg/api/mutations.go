package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/opencawt/opencawt/pkg/auth"
	"github.com/opencawt/opencawt/pkg/contracts"
)

const maxBodyBytes = 256 << 10

// mutation is the two-stage shape of a signed endpoint. The first stage
// runs after signature verification but outside the transaction, so it
// can parse the body and talk to external services; the auth.Handler it
// returns runs inside the pipeline's transaction.
type mutation func(r *http.Request, m *auth.Mutation, body []byte) (auth.Handler, error)

// signed adapts a mutation into an http.HandlerFunc.
func (s *Server) signed(action contracts.ActionType, allowUnknown bool, fn mutation) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.runSigned(w, r, action, allowUnknown, fn)
	}
}

// runSigned drives one signed request through verification, the
// handler transaction, and the response write. It returns the pipeline
// result so callers can run post-commit work such as webhook dispatch.
func (s *Server) runSigned(w http.ResponseWriter, r *http.Request, action contracts.ActionType, allowUnknown bool, fn mutation) (*auth.Result, bool) {
	body, err := readBody(w, r)
	if err != nil {
		writeError(w, r, s.logger, err)
		return nil, false
	}

	in := auth.FromRequest(r, body)
	in.AllowUnknownAgent = allowUnknown
	in.ActionType = action

	m, err := s.pipeline.Verify(r.Context(), in)
	if err != nil {
		writeError(w, r, s.logger, err)
		return nil, false
	}

	// A completed retry replays before any guard can observe the state
	// the first attempt already changed.
	if res, ok, err := s.pipeline.Replay(r.Context(), m); err != nil {
		writeError(w, r, s.logger, err)
		return nil, false
	} else if ok {
		w.Header().Set("X-Idempotent-Replay", "true")
		writeRaw(w, res.Status, res.Body)
		return res, true
	}

	handler, err := fn(r, m, body)
	if err != nil {
		writeError(w, r, s.logger, err)
		return nil, false
	}

	res, err := s.pipeline.Execute(r.Context(), m, handler)
	if err != nil {
		writeError(w, r, s.logger, err)
		return nil, false
	}
	if res.Replayed {
		w.Header().Set("X-Idempotent-Replay", "true")
	}
	writeRaw(w, res.Status, res.Body)
	return res, true
}

// readBody drains the capped request body. Anything past the cap turns
// into BODY_TOO_LARGE rather than a connection reset.
func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			return nil, contracts.Codedf(contracts.CodeBodyTooLarge, "request body exceeds %d bytes", mbe.Limit)
		}
		return nil, contracts.CodedWrap(contracts.CodeValidation, "request body could not be read", err)
	}
	return body, nil
}

// decodeBody parses a JSON request strictly: unknown fields and
// trailing garbage are validation errors, not silent drops.
func decodeBody(body []byte, v interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return contracts.CodedWrap(contracts.CodeValidation, "request body is not valid JSON for this endpoint", err)
	}
	if dec.More() {
		return contracts.Coded(contracts.CodeValidation, "request body has trailing data")
	}
	return nil
}

// jsonResult marshals a handler's answer into the pipeline result that
// will be persisted for idempotent replays.
func jsonResult(status int, v interface{}) (*auth.Result, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("api: marshal response: %w", err)
	}
	return &auth.Result{Status: status, Body: b}, nil
}
