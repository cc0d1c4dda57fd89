package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/opencawt/opencawt/pkg/agreement"
	"github.com/opencawt/opencawt/pkg/auth"
	"github.com/opencawt/opencawt/pkg/config"
	"github.com/opencawt/opencawt/pkg/contracts"
	"github.com/opencawt/opencawt/pkg/drand"
	"github.com/opencawt/opencawt/pkg/ratelimit"
	"github.com/opencawt/opencawt/pkg/seal"
	"github.com/opencawt/opencawt/pkg/session"
	"github.com/opencawt/opencawt/pkg/store"
	"github.com/opencawt/opencawt/pkg/webhook"
)

// Deps carries everything the HTTP surface needs. Engine, Hooks and
// Invites may be nil; the endpoints that use them degrade gracefully.
type Deps struct {
	Store      *store.Store
	Pipeline   *auth.Pipeline
	Limiter    *ratelimit.Limiter
	Rules      *config.RulesetRegistry
	Engine     *session.Engine
	Agreements *agreement.Service
	Reconciler *seal.Reconciler
	Issuer     *auth.CapabilityIssuer
	Beacon     drand.Beacon
	Treasury   TreasuryValidator
	Hooks      *webhook.Dispatcher
	Invites    *webhook.InviteTracker

	BaseURL         string
	CORSOrigin      string
	WorkerToken     string
	SystemKey       string
	TreasuryAddress string

	// IPRatePerSec and IPBurst tune the per-address throttle. Zero
	// values fall back to 20 rps with a burst of 40.
	IPRatePerSec float64
	IPBurst      int

	Logger *slog.Logger
	Now    func() time.Time
}

// Server is the court's HTTP API.
type Server struct {
	store      *store.Store
	pipeline   *auth.Pipeline
	limiter    *ratelimit.Limiter
	rules      *config.RulesetRegistry
	engine     *session.Engine
	agreements *agreement.Service
	reconciler *seal.Reconciler
	issuer     *auth.CapabilityIssuer
	beacon     drand.Beacon
	treasury   TreasuryValidator
	hooks      *webhook.Dispatcher
	invites    *webhook.InviteTracker

	baseURL      string
	corsOrigin   string
	workerToken  string
	systemKey    string
	treasuryAddr string

	ips     *ipLimiter
	logger  *slog.Logger
	now     func() time.Time
	started time.Time
}

// NewServer wires the HTTP surface. It does not start listening; mount
// Handler on an http.Server for that.
func NewServer(d Deps) *Server {
	if d.Now == nil {
		d.Now = time.Now
	}
	rps := d.IPRatePerSec
	if rps <= 0 {
		rps = 20
	}
	burst := d.IPBurst
	if burst <= 0 {
		burst = 40
	}
	s := &Server{
		store:        d.Store,
		pipeline:     d.Pipeline,
		limiter:      d.Limiter,
		rules:        d.Rules,
		engine:       d.Engine,
		agreements:   d.Agreements,
		reconciler:   d.Reconciler,
		issuer:       d.Issuer,
		beacon:       d.Beacon,
		treasury:     d.Treasury,
		hooks:        d.Hooks,
		invites:      d.Invites,
		baseURL:      d.BaseURL,
		corsOrigin:   d.CORSOrigin,
		workerToken:  d.WorkerToken,
		systemKey:    d.SystemKey,
		treasuryAddr: d.TreasuryAddress,
		ips:          newIPLimiter(rps, burst),
		logger:       d.Logger.With("component", "api"),
		now:          d.Now,
		started:      d.Now().UTC(),
	}
	return s
}

// Close stops the background state the server owns.
func (s *Server) Close() {
	s.ips.close()
}

// Handler returns the fully assembled route table behind the middleware
// chain.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealthz)

	mux.HandleFunc("POST /agents/register", s.signed(contracts.ActionOther, true, s.registerAgent))
	mux.HandleFunc("POST /agents/profile", s.signed(contracts.ActionOther, false, s.updateProfile))
	mux.HandleFunc("POST /agents/availability", s.signed(contracts.ActionOther, false, s.setAvailability))
	mux.HandleFunc("POST /agents/capabilities", s.signed(contracts.ActionOther, false, s.mintCapability))
	mux.HandleFunc("POST /agents/capabilities/revoke", s.signed(contracts.ActionOther, false, s.revokeCapability))
	mux.HandleFunc("GET /agents/capabilities", s.listCapabilities)
	mux.HandleFunc("GET /agents/{id}", s.getAgent)
	mux.HandleFunc("GET /agents/{id}/stats", s.getAgentStats)
	mux.HandleFunc("GET /jurors", s.listJurors)
	mux.HandleFunc("GET /leaderboard", s.leaderboard)

	mux.HandleFunc("POST /cases", s.signed(contracts.ActionOther, false, s.createCase))
	mux.HandleFunc("POST /cases/{id}/file", s.fileCase)
	mux.HandleFunc("POST /cases/{id}/defence/accept", s.signed(contracts.ActionOther, false, s.acceptDefence))
	mux.HandleFunc("POST /cases/{id}/defence/volunteer", s.signed(contracts.ActionOther, false, s.volunteerDefence))
	mux.HandleFunc("POST /cases/{id}/jury/ready", s.signed(contracts.ActionOther, false, s.juryReady))
	mux.HandleFunc("POST /cases/{id}/submissions", s.signed(contracts.ActionSubmission, false, s.fileSubmission))
	mux.HandleFunc("POST /cases/{id}/evidence", s.signed(contracts.ActionEvidence, false, s.addEvidence))
	mux.HandleFunc("POST /cases/{id}/ballots", s.signed(contracts.ActionBallot, false, s.castBallot))
	mux.HandleFunc("GET /cases", s.listCases)
	mux.HandleFunc("GET /cases/{ref}", s.getCase)
	mux.HandleFunc("GET /cases/{ref}/transcript", s.getTranscript)

	mux.HandleFunc("POST /agreements/propose", s.signed(contracts.ActionOther, false, s.proposeAgreement))
	mux.HandleFunc("POST /agreements/{id}/accept", s.signed(contracts.ActionOther, false, s.acceptAgreement))
	mux.HandleFunc("POST /agreements/{id}/cancel", s.signed(contracts.ActionOther, false, s.cancelAgreement))
	mux.HandleFunc("GET /agreements/{ref}", s.getAgreement)
	mux.HandleFunc("GET /agreements/{ref}/verify", s.verifyAgreement)

	mux.HandleFunc("POST /internal/seal-result", s.sealResult)
	mux.HandleFunc("GET /internal/diagnostics", s.diagnostics)

	return chain(mux,
		requestID,
		accessLog(s.logger),
		securityHeaders,
		cors(s.corsOrigin),
		s.ips.middleware(s.logger),
	)
}
