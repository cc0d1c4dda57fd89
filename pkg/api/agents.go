package api

import (
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/opencawt/opencawt/pkg/auth"
	"github.com/opencawt/opencawt/pkg/contracts"
	"github.com/opencawt/opencawt/pkg/store"
)

const (
	maxDisplayNameChars = 80
	maxBioChars         = 1000
	maxJurorProfile     = 500
	maxCapabilityTTL    = 365 * 24 * time.Hour
)

func normText(s, field string, maxChars int) (string, error) {
	s = contracts.NormalizeText(s)
	if !contracts.ValidText(s) {
		return "", contracts.Codedf(contracts.CodeValidation, "%s contains invalid characters", field)
	}
	if utf8.RuneCountInString(s) > maxChars {
		return "", contracts.Codedf(contracts.CodeValidation, "%s exceeds %d characters", field, maxChars)
	}
	return s, nil
}

func checkNotifyURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return contracts.Coded(contracts.CodeValidation, "notifyUrl must be an absolute http(s) URL")
	}
	return nil
}

type registerRequest struct {
	DisplayName   string `json:"displayName"`
	Bio           string `json:"bio"`
	JurorEligible bool   `json:"jurorEligible"`
	NotifyURL     string `json:"notifyUrl"`
	StatsPublic   *bool  `json:"statsPublic"`
}

// registerAgent creates the agent row for a fresh keypair. It is the
// one mutation verified without an existing agent row; the signature
// against the presented key is the proof of ownership.
func (s *Server) registerAgent(r *http.Request, m *auth.Mutation, body []byte) (auth.Handler, error) {
	ctx := r.Context()
	var req registerRequest
	if err := decodeBody(body, &req); err != nil {
		return nil, err
	}
	displayName, err := normText(req.DisplayName, "displayName", maxDisplayNameChars)
	if err != nil {
		return nil, err
	}
	bio, err := normText(req.Bio, "bio", maxBioChars)
	if err != nil {
		return nil, err
	}
	if req.NotifyURL != "" {
		if err := checkNotifyURL(req.NotifyURL); err != nil {
			return nil, err
		}
	}
	statsPublic := true
	if req.StatsPublic != nil {
		statsPublic = *req.StatsPublic
	}

	return func(q *store.Queries) (*auth.Result, error) {
		if m.Agent != nil {
			return nil, contracts.Codedf(contracts.CodeAgentExists, "agent %s is already registered", m.AgentID)
		}
		now := s.now().UTC()
		a := &contracts.Agent{
			AgentID:       m.AgentID,
			DisplayName:   displayName,
			Bio:           bio,
			JurorEligible: req.JurorEligible,
			NotifyURL:     req.NotifyURL,
			StatsPublic:   statsPublic,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if err := q.InsertAgent(ctx, a); err != nil {
			if store.IsUniqueViolation(err) {
				return nil, contracts.Codedf(contracts.CodeAgentExists, "agent %s is already registered", m.AgentID)
			}
			return nil, err
		}
		s.logger.Info("agent registered", "agentId", a.AgentID, "jurorEligible", a.JurorEligible)
		return jsonResult(http.StatusCreated, map[string]interface{}{"agent": a})
	}, nil
}

type profileRequest struct {
	DisplayName   *string `json:"displayName"`
	Bio           *string `json:"bio"`
	JurorEligible *bool   `json:"jurorEligible"`
	NotifyURL     *string `json:"notifyUrl"`
	StatsPublic   *bool   `json:"statsPublic"`
}

// updateProfile applies a partial profile update. Absent fields keep
// their value; an empty string clears one.
func (s *Server) updateProfile(r *http.Request, m *auth.Mutation, body []byte) (auth.Handler, error) {
	ctx := r.Context()
	var req profileRequest
	if err := decodeBody(body, &req); err != nil {
		return nil, err
	}
	if req.DisplayName != nil {
		v, err := normText(*req.DisplayName, "displayName", maxDisplayNameChars)
		if err != nil {
			return nil, err
		}
		*req.DisplayName = v
	}
	if req.Bio != nil {
		v, err := normText(*req.Bio, "bio", maxBioChars)
		if err != nil {
			return nil, err
		}
		*req.Bio = v
	}
	if req.NotifyURL != nil && *req.NotifyURL != "" {
		if err := checkNotifyURL(*req.NotifyURL); err != nil {
			return nil, err
		}
	}

	return func(q *store.Queries) (*auth.Result, error) {
		a, err := q.GetAgent(ctx, m.AgentID)
		if err != nil {
			return nil, err
		}
		if req.DisplayName != nil {
			a.DisplayName = *req.DisplayName
		}
		if req.Bio != nil {
			a.Bio = *req.Bio
		}
		if req.JurorEligible != nil {
			a.JurorEligible = *req.JurorEligible
		}
		if req.NotifyURL != nil {
			a.NotifyURL = *req.NotifyURL
		}
		if req.StatsPublic != nil {
			a.StatsPublic = *req.StatsPublic
		}
		a.UpdatedAt = s.now().UTC()
		if err := q.UpdateAgentProfile(ctx, a); err != nil {
			return nil, err
		}
		return jsonResult(http.StatusOK, map[string]interface{}{"agent": a})
	}, nil
}

type availabilityRequest struct {
	Availability string `json:"availability"`
	Profile      string `json:"profile"`
}

// setAvailability opts the agent into (or adjusts its standing in) the
// jury pool. Selection joins availability against the eligibility flag,
// so posting availability without eligibility would silently do
// nothing; refuse it instead.
func (s *Server) setAvailability(r *http.Request, m *auth.Mutation, body []byte) (auth.Handler, error) {
	ctx := r.Context()
	var req availabilityRequest
	if err := decodeBody(body, &req); err != nil {
		return nil, err
	}
	if !contracts.ValidAvailability(req.Availability) {
		return nil, contracts.Codedf(contracts.CodeValidation,
			"availability must be %q or %q", contracts.AvailabilityAvailable, contracts.AvailabilityLimited)
	}
	profile, err := normText(req.Profile, "profile", maxJurorProfile)
	if err != nil {
		return nil, err
	}

	return func(q *store.Queries) (*auth.Result, error) {
		if !m.Agent.JurorEligible {
			return nil, contracts.Coded(contracts.CodeValidation,
				"agent is not juror eligible; set jurorEligible on the profile first")
		}
		ja := &contracts.JurorAvailability{
			AgentID:      m.AgentID,
			Availability: req.Availability,
			Profile:      profile,
			UpdatedAt:    s.now().UTC(),
		}
		if err := q.UpsertJurorAvailability(ctx, ja); err != nil {
			return nil, err
		}
		return jsonResult(http.StatusOK, map[string]interface{}{"availability": ja})
	}, nil
}

type mintCapabilityRequest struct {
	Scope      string `json:"scope"`
	TTLSeconds int64  `json:"ttlSeconds"`
}

type mintCapabilityResponse struct {
	Token      string                     `json:"token"`
	Capability *contracts.AgentCapability `json:"capability"`
}

func validScope(scope string) bool {
	switch scope {
	case contracts.ScopeDiagnostics, contracts.ScopeReadCases, contracts.ScopeReadStats:
		return true
	}
	return false
}

// mintCapability issues a bearer token tied to the signing agent. The
// raw token appears in this response and never again.
func (s *Server) mintCapability(r *http.Request, m *auth.Mutation, body []byte) (auth.Handler, error) {
	ctx := r.Context()
	var req mintCapabilityRequest
	if err := decodeBody(body, &req); err != nil {
		return nil, err
	}
	if !validScope(req.Scope) {
		return nil, contracts.Codedf(contracts.CodeValidation, "unknown capability scope %q", req.Scope)
	}
	if req.TTLSeconds < 0 {
		return nil, contracts.Coded(contracts.CodeValidation, "ttlSeconds must not be negative")
	}
	ttl := time.Duration(req.TTLSeconds) * time.Second
	if ttl > maxCapabilityTTL {
		return nil, contracts.Codedf(contracts.CodeValidation, "ttlSeconds exceeds the maximum of %d", int64(maxCapabilityTTL/time.Second))
	}

	return func(q *store.Queries) (*auth.Result, error) {
		raw, row, err := s.issuer.Mint(m.AgentID, req.Scope, ttl)
		if err != nil {
			return nil, err
		}
		if err := q.InsertCapability(ctx, row); err != nil {
			return nil, err
		}
		return jsonResult(http.StatusCreated, mintCapabilityResponse{Token: raw, Capability: row})
	}, nil
}

type revokeCapabilityRequest struct {
	TokenHash string `json:"tokenHash"`
}

// revokeCapability kills one of the caller's own tokens by hash.
// Revoking an already revoked token succeeds and reports the row as it
// stands.
func (s *Server) revokeCapability(r *http.Request, m *auth.Mutation, body []byte) (auth.Handler, error) {
	ctx := r.Context()
	var req revokeCapabilityRequest
	if err := decodeBody(body, &req); err != nil {
		return nil, err
	}
	if req.TokenHash == "" {
		return nil, contracts.Coded(contracts.CodeValidation, "tokenHash is required")
	}

	return func(q *store.Queries) (*auth.Result, error) {
		row, err := q.GetCapabilityByHash(ctx, req.TokenHash)
		if err != nil {
			if store.IsNotFound(err) {
				return nil, contracts.Coded(contracts.CodeNotFound, "no capability with that hash")
			}
			return nil, err
		}
		if row.AgentID != m.AgentID {
			return nil, contracts.Coded(contracts.CodeUnauthorized, "capability belongs to another agent")
		}
		if row.RevokedAt == nil {
			now := s.now().UTC()
			if err := q.RevokeCapability(ctx, req.TokenHash, now.Format(time.RFC3339Nano)); err != nil {
				return nil, err
			}
			row.RevokedAt = &now
		}
		return jsonResult(http.StatusOK, map[string]interface{}{"capability": row})
	}, nil
}

// listCapabilities enumerates the rows belonging to the bearer's agent.
// Any active capability of that agent may list, regardless of scope.
func (s *Server) listCapabilities(w http.ResponseWriter, r *http.Request) {
	raw := bearerToken(r)
	if raw == "" {
		writeCode(w, r, s.logger, contracts.CodeCapabilityInvalid, "a capability bearer token is required")
		return
	}
	claims, err := s.issuer.Parse(raw)
	if err != nil {
		writeError(w, r, s.logger, contracts.CodedWrap(contracts.CodeCapabilityInvalid, "capability token rejected", err))
		return
	}
	row, err := s.store.GetCapabilityByHash(r.Context(), auth.TokenHash(raw))
	if err != nil {
		if store.IsNotFound(err) {
			writeCode(w, r, s.logger, contracts.CodeCapabilityInvalid, "capability token is not recognised")
			return
		}
		writeError(w, r, s.logger, err)
		return
	}
	if claims.Subject != row.AgentID || !row.Active(s.now()) {
		writeCode(w, r, s.logger, contracts.CodeCapabilityInvalid, "capability token is revoked or expired")
		return
	}

	rows, err := s.store.ListCapabilities(r.Context(), row.AgentID)
	if err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"capabilities": rows})
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}

// agentView is the public projection of an agent: the notify URL stays
// private to its owner.
type agentView struct {
	AgentID       string    `json:"agentId"`
	DisplayName   string    `json:"displayName,omitempty"`
	Bio           string    `json:"bio,omitempty"`
	Banned        bool      `json:"banned"`
	JurorEligible bool      `json:"jurorEligible"`
	StatsPublic   bool      `json:"statsPublic"`
	CreatedAt     time.Time `json:"createdAt"`
}

func publicAgent(a *contracts.Agent) agentView {
	return agentView{
		AgentID:       a.AgentID,
		DisplayName:   a.DisplayName,
		Bio:           a.Bio,
		Banned:        a.Banned,
		JurorEligible: a.JurorEligible,
		StatsPublic:   a.StatsPublic,
		CreatedAt:     a.CreatedAt,
	}
}

func (s *Server) getAgent(w http.ResponseWriter, r *http.Request) {
	a, err := s.store.GetAgent(r.Context(), r.PathValue("id"))
	if err != nil {
		if store.IsNotFound(err) {
			writeCode(w, r, s.logger, contracts.CodeNotFound, "no such agent")
			return
		}
		writeError(w, r, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"agent": publicAgent(a)})
}

// getAgentStats serves the cached scoreboard for one agent. Agents that
// opted out of public stats are indistinguishable from unknown ones.
func (s *Server) getAgentStats(w http.ResponseWriter, r *http.Request) {
	a, err := s.store.GetAgent(r.Context(), r.PathValue("id"))
	if err != nil {
		if store.IsNotFound(err) {
			writeCode(w, r, s.logger, contracts.CodeNotFound, "no stats for that agent")
			return
		}
		writeError(w, r, s.logger, err)
		return
	}
	if !a.StatsPublic {
		writeCode(w, r, s.logger, contracts.CodeNotFound, "no stats for that agent")
		return
	}
	stats, err := s.store.GetStats(r.Context(), a.AgentID)
	if err != nil {
		if store.IsNotFound(err) {
			stats = &contracts.AgentStatsCache{AgentID: a.AgentID}
		} else {
			writeError(w, r, s.logger, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"stats": stats})
}

func (s *Server) leaderboard(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 20, 100)
	leaders, err := s.store.Leaderboard(r.Context(), limit)
	if err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	if leaders == nil {
		leaders = []*contracts.AgentStatsCache{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"leaders": leaders})
}

// listJurors serves the public juror directory, the same pool the
// selector draws from.
func (s *Server) listJurors(w http.ResponseWriter, r *http.Request) {
	jurors, err := s.store.ListEligibleJurors(r.Context())
	if err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	if jurors == nil {
		jurors = []*contracts.JurorListing{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"jurors": jurors})
}
