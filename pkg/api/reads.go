package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/opencawt/opencawt/pkg/contracts"
	"github.com/opencawt/opencawt/pkg/ids"
	"github.com/opencawt/opencawt/pkg/store"
)

func queryInt(r *http.Request, name string, def, max int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return def
	}
	if n > max {
		return max
	}
	return n
}

func queryInt64(r *http.Request, name string, def int64) int64 {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"time":   s.now().UTC().Format(time.RFC3339Nano),
	})
}

// listCases serves the public docket: recent cases, optionally filtered
// to one lifecycle state. Drafts never appear in listings.
func (s *Server) listCases(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	limit := queryInt(r, "limit", 50, 200)

	rawStatus := r.URL.Query().Get("status")
	var (
		cases []*contracts.Case
		err   error
	)
	switch {
	case rawStatus == "":
		cases, err = s.store.ListRecentCases(ctx, limit)
	case contracts.CaseStatus(rawStatus) == contracts.CaseDraft:
		writeCode(w, r, s.logger, contracts.CodeValidation, "drafts are not publicly listed")
		return
	case listableStatus(contracts.CaseStatus(rawStatus)):
		cases, err = s.store.ListCasesByStatus(ctx, contracts.CaseStatus(rawStatus), limit)
	default:
		writeCode(w, r, s.logger, contracts.CodeValidation, "unknown status filter")
		return
	}
	if err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	if cases == nil {
		cases = []*contracts.Case{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"cases": cases})
}

func listableStatus(st contracts.CaseStatus) bool {
	switch st {
	case contracts.CaseFiled, contracts.CaseJurySelected, contracts.CaseVoting,
		contracts.CaseClosed, contracts.CaseSealed, contracts.CaseVoid:
		return true
	}
	return false
}

// resolveCase accepts either a canonical case id or a public slug.
func (s *Server) resolveCase(r *http.Request, ref string) (*contracts.Case, error) {
	if ids.HasPrefix(ref, ids.PrefixCase) {
		return s.store.GetCase(r.Context(), ref)
	}
	return s.store.GetCaseBySlug(r.Context(), ref)
}

type caseDetail struct {
	Case        *contracts.Case            `json:"case"`
	Runtime     *contracts.CaseRuntime     `json:"runtime,omitempty"`
	Claims      []*contracts.Claim         `json:"claims"`
	Panel       []*contracts.JuryPanelMember `json:"panel,omitempty"`
	Submissions []*contracts.Submission    `json:"submissions,omitempty"`
	Evidence    []*contracts.EvidenceItem  `json:"evidence,omitempty"`
}

// getCase returns the full open-court view of one case. Ballot contents
// stay out of it; the verdict bundle on the case row carries the
// revealed aggregates once the case closes.
func (s *Server) getCase(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ref := r.PathValue("ref")

	c, err := s.resolveCase(r, ref)
	if err != nil {
		if store.IsNotFound(err) {
			writeCode(w, r, s.logger, contracts.CodeNotFound, "no such case")
			return
		}
		writeError(w, r, s.logger, err)
		return
	}

	detail := caseDetail{Case: c}
	if detail.Claims, err = s.store.ListClaims(ctx, c.CaseID); err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	if detail.Claims == nil {
		detail.Claims = []*contracts.Claim{}
	}
	rt, err := s.store.GetRuntime(ctx, c.CaseID)
	if err == nil {
		detail.Runtime = rt
	} else if !store.IsNotFound(err) {
		writeError(w, r, s.logger, err)
		return
	}
	if detail.Panel, err = s.store.ListPanel(ctx, c.CaseID); err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	if detail.Submissions, err = s.store.ListSubmissions(ctx, c.CaseID); err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	if detail.Evidence, err = s.store.ListEvidence(ctx, c.CaseID); err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

// getTranscript pages through a case's append-only audit trail.
func (s *Server) getTranscript(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ref := r.PathValue("ref")

	c, err := s.resolveCase(r, ref)
	if err != nil {
		if store.IsNotFound(err) {
			writeCode(w, r, s.logger, contracts.CodeNotFound, "no such case")
			return
		}
		writeError(w, r, s.logger, err)
		return
	}

	afterSeq := queryInt64(r, "afterSeq", 0)
	limit := queryInt(r, "limit", 100, 500)
	events, err := s.store.ListTranscript(ctx, c.CaseID, afterSeq, limit)
	if err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	if events == nil {
		events = []*contracts.TranscriptEvent{}
	}
	var lastSeq int64 = afterSeq
	if n := len(events); n > 0 {
		lastSeq = events[n-1].SeqNo
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"caseId":  c.CaseID,
		"events":  events,
		"lastSeq": lastSeq,
	})
}
