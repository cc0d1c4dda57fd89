package api

import (
	"net/http"

	"github.com/opencawt/opencawt/pkg/agreement"
	"github.com/opencawt/opencawt/pkg/auth"
	"github.com/opencawt/opencawt/pkg/contracts"
	"github.com/opencawt/opencawt/pkg/store"
)

// proposeAgreement opens a notarised-agreement proposal signed by
// party A.
func (s *Server) proposeAgreement(r *http.Request, m *auth.Mutation, body []byte) (auth.Handler, error) {
	ctx := r.Context()
	var req agreement.ProposeRequest
	if err := decodeBody(body, &req); err != nil {
		return nil, err
	}

	return func(q *store.Queries) (*auth.Result, error) {
		a, err := s.agreements.Propose(ctx, q, m.AgentID, &req)
		if err != nil {
			return nil, err
		}
		return jsonResult(http.StatusCreated, map[string]interface{}{"agreement": a})
	}, nil
}

type acceptAgreementRequest struct {
	SigB string `json:"sigB"`
}

// acceptAgreement records party B's counter-signature. Acceptance and
// the receipt's seal job commit in one transaction.
func (s *Server) acceptAgreement(r *http.Request, m *auth.Mutation, body []byte) (auth.Handler, error) {
	ctx := r.Context()
	proposalID := r.PathValue("id")

	var req acceptAgreementRequest
	if err := decodeBody(body, &req); err != nil {
		return nil, err
	}
	if req.SigB == "" {
		return nil, contracts.Coded(contracts.CodeValidation, "sigB is required")
	}

	return func(q *store.Queries) (*auth.Result, error) {
		a, err := s.agreements.Accept(ctx, q, m.AgentID, proposalID, req.SigB)
		if err != nil {
			return nil, err
		}
		return jsonResult(http.StatusOK, map[string]interface{}{"agreement": a})
	}, nil
}

// cancelAgreement withdraws a pending proposal. Either party may do it.
func (s *Server) cancelAgreement(r *http.Request, m *auth.Mutation, _ []byte) (auth.Handler, error) {
	ctx := r.Context()
	proposalID := r.PathValue("id")

	return func(q *store.Queries) (*auth.Result, error) {
		a, err := s.agreements.Cancel(ctx, q, m.AgentID, proposalID)
		if err != nil {
			return nil, err
		}
		return jsonResult(http.StatusOK, map[string]interface{}{"agreement": a})
	}, nil
}

// publicAgreement redacts what a private-mode agreement keeps off the
// public record. The terms hash stays, so holders of the terms can
// still verify them.
func publicAgreement(a *contracts.Agreement) *contracts.Agreement {
	if a.Mode != contracts.AgreementPrivate {
		return a
	}
	redacted := *a
	redacted.CanonicalTerms = nil
	return &redacted
}

func (s *Server) getAgreement(w http.ResponseWriter, r *http.Request) {
	a, err := s.agreements.Get(r.Context(), r.PathValue("ref"))
	if err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"agreement": publicAgreement(a)})
}

func (s *Server) verifyAgreement(w http.ResponseWriter, r *http.Request) {
	a, res, err := s.agreements.Verify(r.Context(), r.PathValue("ref"))
	if err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"agreement":    publicAgreement(a),
		"verification": res,
	})
}
