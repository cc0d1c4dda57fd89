package api

import (
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/opencawt/opencawt/pkg/contracts"
)

func tokenEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

type sealResultRequest struct {
	JobID  string                 `json:"jobId"`
	Result contracts.SealResponse `json:"result"`
}

// sealResult is the worker's callback. Reconciliation is idempotent:
// an identical repeat replays, a conflicting one is rejected.
func (s *Server) sealResult(w http.ResponseWriter, r *http.Request) {
	if s.workerToken == "" || !tokenEqual(bearerToken(r), s.workerToken) {
		writeCode(w, r, s.logger, contracts.CodeUnauthorized, "a valid worker token is required")
		return
	}

	body, err := readBody(w, r)
	if err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	var req sealResultRequest
	if err := decodeBody(body, &req); err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	if req.JobID == "" {
		writeCode(w, r, s.logger, contracts.CodeValidation, "jobId is required")
		return
	}
	switch req.Result.Status {
	case contracts.SealResultMinted, contracts.SealResultFailed:
	default:
		writeCode(w, r, s.logger, contracts.CodeValidation, "result.status must be minted or failed")
		return
	}

	res, err := s.reconciler.Apply(r.Context(), req.JobID, &req.Result)
	if err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"job":      res.Job,
		"replayed": res.Replayed,
	})
}

// diagnosticsAllowed admits the system key or a diagnostics-scoped
// capability token.
func (s *Server) diagnosticsAllowed(r *http.Request) bool {
	if s.systemKey != "" && tokenEqual(r.Header.Get("X-System-Key"), s.systemKey) {
		return true
	}
	raw := bearerToken(r)
	if raw == "" || s.issuer == nil {
		return false
	}
	_, err := s.issuer.Authorize(r.Context(), s.store.Queries, raw, contracts.ScopeDiagnostics)
	return err == nil
}

func (s *Server) diagnostics(w http.ResponseWriter, r *http.Request) {
	if !s.diagnosticsAllowed(r) {
		writeCode(w, r, s.logger, contracts.CodeUnauthorized, "diagnostics require the system key or a diagnostics capability")
		return
	}

	now := s.now().UTC()
	out := map[string]interface{}{
		"time":            now.Format(time.RFC3339Nano),
		"uptimeSeconds":   int64(now.Sub(s.started).Seconds()),
		"treasuryAddress": s.treasuryAddr,
	}
	if s.engine != nil {
		out["engine"] = s.engine.Snapshot()
	}
	counts, err := s.store.CountSealJobsByStatus(r.Context())
	if err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	out["sealJobs"] = counts
	out["webhookQueue"] = nil
	if s.hooks != nil {
		out["webhookQueue"] = s.hooks.QueueDepth()
	}
	writeJSON(w, http.StatusOK, out)
}
