// Command sealworker serves the court's mint endpoint. It turns seal
// requests into terminal mint results, fabricating deterministic
// receipts in stub mode or delegating to a Solana bridge endpoint that
// speaks the same contract in rpc mode.
package main

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/opencawt/opencawt/pkg/config"
	"github.com/opencawt/opencawt/pkg/contracts"
	"github.com/opencawt/opencawt/pkg/seal"
)

const version = "0.3.0"

const maxBody = 1 << 20

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
	case "version", "--version", "-v":
		fmt.Fprintln(stdout, "sealworker "+version)
		return 0
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "unknown command %q\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintf(w, "sealworker %s - mint worker for OpenCawt seal jobs\n\n", version)
	fmt.Fprintln(w, "Usage: sealworker <command>")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  server   Serve POST /mint (default)")
	fmt.Fprintln(w, "  version  Print the version")
	fmt.Fprintln(w, "  help     Show this help")
}

func runServer(stderr io.Writer) int {
	cfg := config.LoadWorker()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(stderr, "sealworker: invalid configuration: %v\n", err)
		return 2
	}
	logger := buildLogger(cfg.LogLevel, cfg.IsProduction)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var minter seal.Minter
	if cfg.MintMode == config.ModeRPC {
		minter = seal.NewWorkerClient(cfg.BridgeURL, cfg.BridgeAPIKey, cfg.OutboundTimeout)
		logger.Info("minting through bridge", "url", cfg.BridgeURL)
	} else {
		minter = seal.NewStubMinter(nil)
		logger.Warn("stub minting; receipts carry placeholder assets")
	}

	httpServer := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           newHandler(cfg.WorkerToken, cfg.MintMode, minter, logger),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("worker listening", "addr", cfg.Addr(), "mode", cfg.MintMode, "version", version)
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

type server struct {
	token  string
	mode   string
	minter seal.Minter
	logger *slog.Logger
}

func newHandler(token, mode string, minter seal.Minter, logger *slog.Logger) http.Handler {
	s := &server{
		token:  token,
		mode:   mode,
		minter: minter,
		logger: logger.With("component", "worker"),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.healthz)
	mux.HandleFunc("POST /mint", s.mint)
	return mux
}

func (s *server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"mode":    s.mode,
		"version": version,
	})
}

/// mint answers terminally: 200 with a minted or failed SealResponse.
// 5xx tells the court's client to retry; any 4xx is final.
func (s *server) mint(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid worker token"})
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBody))
	if err != nil {
		writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "request body too large"})
		return
	}
	var req contracts.SealRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "body is not valid JSON"})
		return
	}
	if req.Kind != contracts.SealKindCase && req.Kind != contracts.SealKindAgreement {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "kind must be case or agreement"})
		return
	}
	if req.RefID == "" || req.ContentHash == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "refId and contentHash are required"})
		return
	}
	if u, err := url.Parse(req.ExternalURL); err != nil || u.Scheme != "https" || u.Host == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "externalUrl must be an absolute https URL"})
		return
	}

	resp, err := s.minter.Mint(r.Context(), &req)
	if err != nil {
		s.logger.Error("mint failed", "kind", req.Kind, "ref", req.RefID, "error", err)
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": "mint backend unavailable"})
		return
	}
	s.logger.Info("mint settled",
		"kind", req.Kind,
		"ref", req.RefID,
		"status", string(resp.Status),
		"asset", resp.AssetID,
	)
	writeJSON(w, http.StatusOK, resp)
}

func (s *server) authorized(r *http.Request) bool {
	header := r.Header.Get("Authorization")
	raw, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(raw), []byte(s.token)) == 1
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func buildLogger(level string, production bool) *slog.Logger {
	var lv slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lv = slog.LevelDebug
	case "WARN", "WARNING":
		lv = slog.LevelWarn
	case "ERROR":
		lv = slog.LevelError
	default:
		lv = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lv}
	if production {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
