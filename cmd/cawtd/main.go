// Command cawtd runs the OpenCawt court: the signed HTTP API, the
// hearing engine, and the background sweepers that drive seals,
// agreement expiry and idempotency retention.
package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/opencawt/opencawt/pkg/agreement"
	"github.com/opencawt/opencawt/pkg/api"
	"github.com/opencawt/opencawt/pkg/auth"
	"github.com/opencawt/opencawt/pkg/config"
	"github.com/opencawt/opencawt/pkg/crypto"
	"github.com/opencawt/opencawt/pkg/drand"
	"github.com/opencawt/opencawt/pkg/observability"
	"github.com/opencawt/opencawt/pkg/ratelimit"
	"github.com/opencawt/opencawt/pkg/seal"
	"github.com/opencawt/opencawt/pkg/session"
	"github.com/opencawt/opencawt/pkg/store"
	"github.com/opencawt/opencawt/pkg/webhook"
)

const version = "0.3.0"

// Burst-bucket sizing for the per-agent front line. The durable
// action-log quotas behind it stay authoritative.
const (
	burstPerMinute = 120
	burstSize      = 30
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run dispatches subcommands. Exposed so tests can drive the binary
// without exec.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return runServer(stderr)
	}
	switch args[1] {
	case "server", "serve":
		return runServer(stderr)
	case "keygen":
		return runKeygen(args[2:], stdout, stderr)
	case "health":
		return runHealth(args[2:], stdout, stderr)
	case "version", "--version", "-v":
		fmt.Fprintln(stdout, "cawtd "+version)
		return 0
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		if args[1][0] == '-' {
			return runServer(stderr)
		}
		fmt.Fprintf(stderr, "unknown command %q\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintf(w, "cawtd %s - notarisation and adjudication for autonomous agents\n\n", version)
	fmt.Fprintln(w, "Usage: cawtd <command> [flags]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  server   Run the court API and hearing engine (default)")
	fmt.Fprintln(w, "  keygen   Generate an agent keypair")
	fmt.Fprintln(w, "  health   Probe a running court's health endpoint")
	fmt.Fprintln(w, "  version  Print the version")
	fmt.Fprintln(w, "  help     Show this help")
}

func runServer(stderr io.Writer) int {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(stderr, "cawtd: invalid configuration: %v\n", err)
		return 2
	}
	logger := buildLogger(cfg)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:    "opencawt",
		ServiceVersion: version,
		Environment:    environment(cfg),
		OTLPEndpoint:   cfg.OTLPEndpoint,
		SampleRate:     1.0,
		Insecure:       !cfg.IsProduction,
	}, logger)
	if err != nil {
		logger.Error("telemetry init failed", "error", err)
		return 1
	}
	defer func() {
		shctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = obs.Shutdown(shctx)
	}()

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		logger.Error("store open failed", "path", cfg.DBPath, "error", err)
		return 1
	}
	defer func() { _ = st.Close() }()

	registry := config.NewRulesetRegistry()
	if err := registry.LoadRulesets(cfg.RulesetDir); err != nil {
		logger.Error("ruleset load failed", "dir", cfg.RulesetDir, "error", err)
		return 1
	}
	if _, err := registry.Resolve(cfg.RulesetVersion); err != nil {
		logger.Error("configured ruleset is not registered", "version", cfg.RulesetVersion, "error", err)
		return 1
	}

	master := []byte(cfg.MasterSecret)
	if len(master) == 0 {
		master = make([]byte, 32)
		if _, err := rand.Read(master); err != nil {
			logger.Error("entropy unavailable", "error", err)
			return 1
		}
		logger.Warn("MASTER_SECRET not set; capability tokens and webhook signatures will not survive a restart")
	}
	issuer, err := auth.NewCapabilityIssuer(master, nil)
	if err != nil {
		logger.Error("capability issuer init failed", "error", err)
		return 1
	}
	webhookKey, err := crypto.DeriveSubkey(master, "webhook", 32)
	if err != nil {
		logger.Error("webhook key derivation failed", "error", err)
		return 1
	}

	var burst ratelimit.LimiterStore
	if cfg.RedisURL != "" {
		ropts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.Error("invalid REDIS_URL", "error", err)
			return 1
		}
		burst = ratelimit.NewRedisStore(redis.NewClient(ropts))
		logger.Info("burst limiter shared through redis")
	} else {
		burst = ratelimit.NewMemoryStore()
	}
	limiter := ratelimit.New(ratelimit.Quotas{
		FilingPer24h:       cfg.RateLimits.FilingPer24h,
		EvidencePerHour:    cfg.RateLimits.EvidencePerHour,
		SubmissionsPerHour: cfg.RateLimits.SubmissionsPerHour,
		BallotsPerHour:     cfg.RateLimits.BallotsPerHour,

		SoftDailyCaseCap: cfg.SoftDailyCaseCap,
		SoftCapMode:      cfg.SoftCapMode,
	}, logger, ratelimit.WithBurstStore(burst, ratelimit.Policy{PerMinute: burstPerMinute, Burst: burstSize}))

	pipeline := auth.NewPipeline(st, logger, auth.WithIdempotencyTTL(cfg.IdempotencyTTL))

	var beacon drand.Beacon
	if cfg.DrandMode == config.ModeStub {
		beacon = drand.NewStub()
		logger.Warn("jury selection uses the stub beacon; selections are not publicly verifiable")
	} else {
		beacon = drand.NewClient(cfg.DrandURL, cfg.OutboundTimeout)
	}

	var treasury api.TreasuryValidator
	if cfg.SolanaMode == config.ModeStub {
		treasury = api.StubTreasury{}
		logger.Warn("treasury validation is stubbed; filing payments are not checked on chain")
	} else {
		treasury = api.NewRPCTreasury(cfg.SolanaRPCURL, cfg.OutboundTimeout)
	}

	var minter seal.Minter
	if cfg.SealWorkerMode == config.ModeStub {
		minter = seal.NewStubMinter(nil)
		logger.Warn("seal minting is stubbed; receipts carry placeholder assets")
	} else {
		minter = seal.NewWorkerClient(cfg.SealWorkerURL, cfg.WorkerToken, cfg.OutboundTimeout)
	}
	reconciler := seal.NewReconciler(st, logger)
	sealSweeper := seal.NewSweeper(st, minter, reconciler, logger, seal.SweeperConfig{
		MaxAttempts: cfg.SealMaxAttempts,
		BaseDelay:   cfg.SealSweepOlderThan,
	})
	go sealSweeper.Run(ctx)

	agreements := agreement.NewService(st, cfg.PublicBaseURL, cfg.AgreementMaxTTL, logger)
	agreementSweeper := agreement.NewSweeper(st, logger, agreement.SweepConfig{})
	go agreementSweeper.Run(ctx)

	go sweepIdempotency(ctx, pipeline, logger)

	hooks := webhook.NewDispatcher(webhookKey, logger, webhook.Config{
		Timeout:     cfg.WebhookTimeout,
		MaxAttempts: cfg.WebhookMaxRetries,
	})
	defer hooks.Shutdown()
	invites := webhook.NewInviteTracker(st, logger)

	engine := session.NewEngine(st, registry, beacon, cfg.PublicBaseURL, logger, session.WithTick(cfg.EngineTick))
	engine.Start()
	defer engine.Stop()

	srv := api.NewServer(api.Deps{
		Store:      st,
		Pipeline:   pipeline,
		Limiter:    limiter,
		Rules:      registry,
		Engine:     engine,
		Agreements: agreements,
		Reconciler: reconciler,
		Issuer:     issuer,
		Beacon:     beacon,
		Treasury:   treasury,
		Hooks:      hooks,
		Invites:    invites,

		BaseURL:         cfg.PublicBaseURL,
		CORSOrigin:      cfg.CORSOrigin,
		WorkerToken:     cfg.WorkerToken,
		SystemKey:       cfg.SystemAPIKey,
		TreasuryAddress: cfg.TreasuryAddress,

		Logger: logger,
	})
	defer srv.Close()

	httpServer := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           obs.WrapHandler(srv.Handler()),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("court listening", "addr", cfg.Addr(), "version", version)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		logger.Error("http server failed", "error", err)
		return 1
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shctx); err != nil {
		logger.Error("http shutdown failed", "error", err)
	}
	return 0
}

// sweepIdempotency retires replayable mutation records past their TTL.
func sweepIdempotency(ctx context.Context, p *auth.Pipeline, logger *slog.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := p.SweepExpired(ctx)
			if err != nil {
				logger.Error("idempotency sweep failed", "error", err)
			} else if n > 0 {
				logger.Info("idempotency records swept", "count", n)
			}
		}
	}
}

func runKeygen(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("keygen", flag.ContinueOnError)
	fs.SetOutput(stderr)
	jsonOut := fs.Bool("json", false, "print as JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	seed := make([]byte, 32)
	if _, err := rand.Read(seed); err != nil {
		fmt.Fprintf(stderr, "keygen: %v\n", err)
		return 1
	}
	kp, err := crypto.KeypairFromSeed(seed)
	if err != nil {
		fmt.Fprintf(stderr, "keygen: %v\n", err)
		return 1
	}

	if *jsonOut {
		data, _ := json.MarshalIndent(map[string]string{
			"agentId":    kp.AgentID(),
			"seedBase64": base64.StdEncoding.EncodeToString(seed),
		}, "", "  ")
		fmt.Fprintln(stdout, string(data))
		return 0
	}
	fmt.Fprintf(stdout, "agent id: %s\n", kp.AgentID())
	fmt.Fprintf(stdout, "seed:     %s\n", base64.StdEncoding.EncodeToString(seed))
	fmt.Fprintln(stdout, "keep the seed offline; the court only ever sees signatures")
	return 0
}

func runHealth(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("health", flag.ContinueOnError)
	fs.SetOutput(stderr)
	url := fs.String("url", "http://127.0.0.1:8787/healthz", "health endpoint to probe")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(*url)
	if err != nil {
		fmt.Fprintf(stderr, "health check failed: %v\n", err)
		return 1
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(stderr, "health check failed: status %d\n", resp.StatusCode)
		return 1
	}
	fmt.Fprintln(stdout, "OK")
	return 0
}

func buildLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	switch strings.ToUpper(cfg.LogLevel) {
	case "DEBUG":
		level = slog.LevelDebug
	case "WARN", "WARNING":
		level = slog.LevelWarn
	case "ERROR":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.IsProduction {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func environment(cfg *config.Config) string {
	if cfg.IsProduction {
		return "production"
	}
	return "development"
}
