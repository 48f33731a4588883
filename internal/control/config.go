package control

import "time"

// Config carries every tunable named in the control plane's configuration
// surface. Zero-value fields are filled by DefaultConfig.
type Config struct {
	MaxListenersPerSession int
	MaxConnectionDuration  time.Duration
	ConnectionWarning      time.Duration
	ConnectionRefresh      time.Duration
	SessionRetention       time.Duration
	BroadcastMaxParallel   int
	AdmissionDeadline      time.Duration
	JWTAudience            string
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		MaxListenersPerSession: 500,
		MaxConnectionDuration:  7200 * time.Second,
		ConnectionWarning:      6300 * time.Second,
		ConnectionRefresh:      6000 * time.Second,
		SessionRetention:       43200 * time.Second,
		BroadcastMaxParallel:   32,
		AdmissionDeadline:      5 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxListenersPerSession <= 0 {
		c.MaxListenersPerSession = d.MaxListenersPerSession
	}
	if c.MaxConnectionDuration <= 0 {
		c.MaxConnectionDuration = d.MaxConnectionDuration
	}
	if c.ConnectionWarning <= 0 {
		c.ConnectionWarning = d.ConnectionWarning
	}
	if c.ConnectionRefresh <= 0 {
		c.ConnectionRefresh = d.ConnectionRefresh
	}
	if c.SessionRetention <= 0 {
		c.SessionRetention = d.SessionRetention
	}
	if c.BroadcastMaxParallel <= 0 {
		c.BroadcastMaxParallel = d.BroadcastMaxParallel
	}
	if c.AdmissionDeadline <= 0 {
		c.AdmissionDeadline = d.AdmissionDeadline
	}
	return c
}
