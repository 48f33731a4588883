// Package config loads deployment settings for the control plane: flags
// (with their defaults) provide every value, and for string-valued
// settings an optional config file and then environment variables
// (unified with viper) override them; numeric and duration settings come
// from flags only. A best-effort .env bootstrap runs first via godotenv.
package config

import (
	"flag"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/thunder45/translate-control-plane/internal/authz"
	"github.com/thunder45/translate-control-plane/internal/control"
	"github.com/thunder45/translate-control-plane/internal/idgen"
	"github.com/thunder45/translate-control-plane/internal/langsupport"
	"github.com/thunder45/translate-control-plane/internal/ratelimit"
)

// Config is every operator-tunable value the control plane reads at
// startup, bound from flags, with string-valued fields overridable from
// env/file via viper.
type Config struct {
	Addr            string
	APIAddr         string
	ServerName      string
	AudioBridgeAddr string // empty disables the WebTransport audio handoff listener
	AudioBridgePath string

	StoreBackend string // "memory", "sqlite" or "redis"
	DBPath       string
	RedisAddr    string
	RedisPrefix  string

	CertValidity time.Duration

	JWTIssuer   string
	JWTAudience string
	JWKSURL     string

	MaxListenersPerSession int
	MaxConnectionDuration  time.Duration
	ConnectionWarning      time.Duration
	ConnectionRefresh      time.Duration
	SessionRetention       time.Duration

	RateLimitCreateSessionWindow time.Duration
	RateLimitCreateSessionLimit  int
	RateLimitJoinSessionWindow   time.Duration
	RateLimitJoinSessionLimit    int

	IDGeneratorMaxAttempts int
	BroadcastMaxParallel   int
	AuthorizerCacheTTL     time.Duration
}

// Load parses flags for their defaults, then lets an optional config file
// and environment variables (prefixed CTLPLANE_) override any of the
// string-valued settings that were explicitly set there. args is
// typically os.Args[1:].
func Load(args []string) (Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("no .env file loaded", "err", err)
	}

	fs := flag.NewFlagSet("translate-control-plane", flag.ContinueOnError)
	addr := fs.String("addr", ":8443", "HTTPS/WebSocket listen address")
	apiAddr := fs.String("api-addr", ":8080", "REST admin API listen address")
	serverName := fs.String("server-name", "translate-control-plane", "deployment name reported from /healthz")
	audioBridgeAddr := fs.String("audio-bridge-addr", "", "UDP/QUIC listen address for the WebTransport audio handoff (empty disables it)")
	audioBridgePath := fs.String("audio-bridge-path", "/audio", "HTTP path the audio handoff upgrades on")
	storeBackend := fs.String("store", "memory", "state-store backend: memory, sqlite or redis")
	dbPath := fs.String("db", "controlplane.db", "SQLite database path (store=sqlite)")
	redisAddr := fs.String("redis-addr", "localhost:6379", "Redis address (store=redis)")
	redisPrefix := fs.String("redis-prefix", "ctlplane:", "Redis key prefix (store=redis)")
	certValidity := fs.Duration("cert-validity", 24*time.Hour, "self-signed TLS certificate validity")
	jwtIssuer := fs.String("jwt-issuer", "", "expected JWT issuer")
	jwtAudience := fs.String("jwt-audience", "", "expected JWT audience")
	jwksURL := fs.String("jwks-url", "", "JWKS endpoint for speaker token verification")
	maxListeners := fs.Int("max-listeners-per-session", 500, "hard admission cap on listeners per session")
	maxConnDuration := fs.Duration("max-connection-duration", 7200*time.Second, "connection age at which a refresh is required")
	connWarning := fs.Duration("connection-warning", 6300*time.Second, "connection age at which heartbeats return a warning")
	connRefresh := fs.Duration("connection-refresh", 6000*time.Second, "recommended client refresh interval")
	sessionRetention := fs.Duration("session-retention", 43200*time.Second, "expiresAt offset from last session activity")
	rlCreateWindow := fs.Duration("rate-limit-create-session-window", 60*time.Second, "createSession rate-limit window")
	rlCreateLimit := fs.Int("rate-limit-create-session-limit", 5, "createSession rate-limit count per window")
	rlJoinWindow := fs.Duration("rate-limit-join-session-window", 60*time.Second, "joinSession rate-limit window")
	rlJoinLimit := fs.Int("rate-limit-join-session-limit", 30, "joinSession rate-limit count per window")
	idMaxAttempts := fs.Int("id-generator-max-attempts", 10, "session-id collision retry budget")
	broadcastMaxParallel := fs.Int("broadcast-max-parallel", 32, "per-session fan-out width")
	authzCacheTTL := fs.Duration("authorizer-cache-ttl", time.Hour, "JWKS cache lifetime")

	configFile := fs.String("config", "", "optional config file (yaml/json/toml) layered under flags and env")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	v := viper.New()
	v.SetEnvPrefix("CTLPLANE")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if *configFile != "" {
		v.SetConfigFile(*configFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", *configFile, err)
		}
	}

	cfg := Config{
		Addr:                         *addr,
		APIAddr:                      *apiAddr,
		ServerName:                   *serverName,
		AudioBridgeAddr:              *audioBridgeAddr,
		AudioBridgePath:              *audioBridgePath,
		StoreBackend:                 *storeBackend,
		DBPath:                       *dbPath,
		RedisAddr:                    *redisAddr,
		RedisPrefix:                  *redisPrefix,
		CertValidity:                 *certValidity,
		JWTIssuer:                    *jwtIssuer,
		JWTAudience:                  *jwtAudience,
		JWKSURL:                      *jwksURL,
		MaxListenersPerSession:       *maxListeners,
		MaxConnectionDuration:        *maxConnDuration,
		ConnectionWarning:            *connWarning,
		ConnectionRefresh:            *connRefresh,
		SessionRetention:             *sessionRetention,
		RateLimitCreateSessionWindow: *rlCreateWindow,
		RateLimitCreateSessionLimit:  *rlCreateLimit,
		RateLimitJoinSessionWindow:   *rlJoinWindow,
		RateLimitJoinSessionLimit:    *rlJoinLimit,
		IDGeneratorMaxAttempts:       *idMaxAttempts,
		BroadcastMaxParallel:         *broadcastMaxParallel,
		AuthorizerCacheTTL:           *authzCacheTTL,
	}

	for _, override := range []struct {
		key string
		set func(string)
	}{
		{"addr", func(s string) { cfg.Addr = s }},
		{"api-addr", func(s string) { cfg.APIAddr = s }},
		{"server-name", func(s string) { cfg.ServerName = s }},
		{"audio-bridge-addr", func(s string) { cfg.AudioBridgeAddr = s }},
		{"audio-bridge-path", func(s string) { cfg.AudioBridgePath = s }},
		{"store", func(s string) { cfg.StoreBackend = s }},
		{"db", func(s string) { cfg.DBPath = s }},
		{"redis-addr", func(s string) { cfg.RedisAddr = s }},
		{"redis-prefix", func(s string) { cfg.RedisPrefix = s }},
		{"jwt-issuer", func(s string) { cfg.JWTIssuer = s }},
		{"jwt-audience", func(s string) { cfg.JWTAudience = s }},
		{"jwks-url", func(s string) { cfg.JWKSURL = s }},
	} {
		if v.IsSet(override.key) {
			if s := v.GetString(override.key); s != "" {
				override.set(s)
			}
		}
	}

	return cfg, nil
}

// ControlConfig projects the relevant fields into control.Config.
func (c Config) ControlConfig() control.Config {
	return control.Config{
		MaxListenersPerSession: c.MaxListenersPerSession,
		MaxConnectionDuration:  c.MaxConnectionDuration,
		ConnectionWarning:      c.ConnectionWarning,
		ConnectionRefresh:      c.ConnectionRefresh,
		SessionRetention:       c.SessionRetention,
		BroadcastMaxParallel:   c.BroadcastMaxParallel,
		JWTAudience:            c.JWTAudience,
	}
}

// RateLimitPolicies builds the operation policies ratelimit.New expects.
func (c Config) RateLimitPolicies() map[string]ratelimit.Policy {
	return map[string]ratelimit.Policy{
		"createSession": {Window: c.RateLimitCreateSessionWindow, Limit: c.RateLimitCreateSessionLimit, FailOpen: false},
		"joinSession":   {Window: c.RateLimitJoinSessionWindow, Limit: c.RateLimitJoinSessionLimit, FailOpen: true},
	}
}

// AuthzConfig builds the authz.Config for the configured identity provider.
func (c Config) AuthzConfig() authz.Config {
	return authz.Config{
		Issuer:   c.JWTIssuer,
		JWKSURL:  c.JWKSURL,
		CacheTTL: c.AuthorizerCacheTTL,
	}
}

// IDGenOptions builds the idgen.Option list for the configured retry budget.
func (c Config) IDGenOptions() []idgen.Option {
	return []idgen.Option{idgen.WithMaxAttempts(c.IDGeneratorMaxAttempts)}
}

// LangSupportTuning returns the cache TTL and lookup timeout langsupport.New expects.
func (c Config) LangSupportTuning() (ttl time.Duration, timeout time.Duration) {
	return langsupport.DefaultCacheTTL, langsupport.DefaultLookupTimeout
}
