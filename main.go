package main

import (
	"context"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"time"

	"github.com/quic-go/webtransport-go"
	"github.com/redis/go-redis/v9"

	"github.com/thunder45/translate-control-plane/internal/audiobridge"
	"github.com/thunder45/translate-control-plane/internal/authz"
	"github.com/thunder45/translate-control-plane/internal/broadcast"
	"github.com/thunder45/translate-control-plane/internal/config"
	"github.com/thunder45/translate-control-plane/internal/control"
	"github.com/thunder45/translate-control-plane/internal/httpapi"
	"github.com/thunder45/translate-control-plane/internal/idgen"
	"github.com/thunder45/translate-control-plane/internal/langsupport"
	"github.com/thunder45/translate-control-plane/internal/ratelimit"
	"github.com/thunder45/translate-control-plane/internal/store"
)

// defaultLanguageMatrix pins the source-to-target pairs this deployment
// treats as supported when no external discovery endpoint is configured.
var defaultLanguageMatrix = map[string][]string{
	"en": {"es", "fr", "de", "pt", "zh", "ja", "ko"},
	"es": {"en", "pt"},
	"fr": {"en", "de"},
	"de": {"en", "fr"},
	"pt": {"en", "es"},
}

func main() {
	if len(os.Args) > 1 {
		if RunCLI(os.Args[1:], "controlplane.db") {
			return
		}
	}

	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	st, closeStore, err := openStore(cfg)
	if err != nil {
		slog.Error("store open failed", "err", err)
		os.Exit(1)
	}
	defer closeStore()

	tlsHostname := ""
	if host, _, err := net.SplitHostPort(cfg.Addr); err == nil && host != "" {
		tlsHostname = host
	}
	audioBridgeHostname := ""
	if cfg.AudioBridgeAddr != "" {
		if host, _, err := net.SplitHostPort(cfg.AudioBridgeAddr); err == nil && host != "" {
			audioBridgeHostname = host
		}
	}
	tlsConfig, fingerprint, err := generateTLSConfig(cfg.CertValidity, cfg.ServerName, tlsHostname, audioBridgeHostname)
	if err != nil {
		slog.Error("tls setup failed", "err", err)
		os.Exit(1)
	}
	slog.Info("tls certificate generated", "fingerprint", fingerprint)

	az := authz.New(cfg.AuthzConfig())
	limiter := ratelimit.New(st, cfg.RateLimitPolicies())
	idGen := idgen.New(nil, nil, cfg.IDGenOptions()...)
	ttl, timeout := cfg.LangSupportTuning()
	langs := langsupport.New(langsupport.StaticProber(defaultLanguageMatrix), ttl, timeout)
	hub := broadcast.NewHub()
	ctl := control.New(st, az, limiter, idGen, langs, hub, cfg.ControlConfig())

	srv := httpapi.New(ctl, st, cfg.ServerName, tlsConfig)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		slog.Info("shutdown signal received")
		cancel()
	}()

	if cfg.AudioBridgeAddr != "" {
		bridge := audiobridge.New(cfg.AudioBridgeAddr, cfg.AudioBridgePath, tlsConfig, logAudioHandoff)
		go func() {
			if err := bridge.Run(ctx); err != nil {
				slog.Error("audio bridge stopped with error", "err", err)
			}
		}()
		slog.Info("audio bridge listening", "addr", cfg.AudioBridgeAddr, "path", cfg.AudioBridgePath)
	}

	switch backend := st.(type) {
	case *store.SQLiteStore:
		go RunReclamation(ctx, ReclaimerFunc(backend.ReclaimExpired), 30*time.Second)
	case *store.MemStore:
		go RunReclamation(ctx, ReclaimerFunc(func(c context.Context, now time.Time) (int, int, error) {
			sessions, connections := backend.ReclaimExpired(c, now)
			return sessions, connections, nil
		}), 30*time.Second)
	}

	if err := srv.Run(ctx, cfg.Addr); err != nil {
		slog.Error("server stopped with error", "err", err)
		os.Exit(1)
	}
}

// logAudioHandoff is the default audio-bridge handoff: it only records that
// a session handed off its WebTransport connection. The actual audio
// pipeline (capture, encoding, translation, playback) is a separate
// deployment this repository never talks to directly; wiring a real
// handoff means replacing this function, not this call site.
func logAudioHandoff(_ context.Context, sessionID, connectionID string, _ *webtransport.Session) {
	slog.Info("audio session handed off", "session_id", sessionID, "connection_id", connectionID)
}

// openStore constructs the configured store.Store backend and a matching
// close function. "memory" needs no cleanup; sqlite closes its database
// handle; redis closes its client connection.
func openStore(cfg config.Config) (store.Store, func(), error) {
	switch cfg.StoreBackend {
	case "memory", "":
		return store.NewMemStore(), func() {}, nil
	case "sqlite":
		st, err := store.OpenSQLite(cfg.DBPath)
		if err != nil {
			return nil, nil, err
		}
		return st, func() { st.Close() }, nil
	case "redis":
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		st := store.OpenRedis(rdb, cfg.RedisPrefix)
		return st, func() { rdb.Close() }, nil
	default:
		slog.Warn("unknown store backend, falling back to memory", "backend", cfg.StoreBackend)
		return store.NewMemStore(), func() {}, nil
	}
}
