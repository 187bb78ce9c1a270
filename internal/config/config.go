package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	ListenAddr     string
	DatabaseURL    string
	JWTSecret      string
	FleetSharedKey string

	DefaultRegion    string
	SupportedRegions []string

	IssuerMode    string
	IssuerBaseURL string
	IssuerTimeout time.Duration

	TelemetryMode    string
	TelemetryFeedURL string
	ProbeInterval    time.Duration
	MissedProbeCycle int

	SessionIdleTimeout time.Duration
	ReapInterval       time.Duration

	DiscoveryProvider string
	DiscoveryRegions  []string
	DiscoveryTagKey   string
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		ListenAddr:     envOrDefault("VPN4U_LISTEN_ADDR", ":8080"),
		DatabaseURL:    os.Getenv("VPN4U_DATABASE_URL"),
		JWTSecret:      os.Getenv("VPN4U_JWT_SECRET"),
		FleetSharedKey: os.Getenv("VPN4U_FLEET_SHARED_KEY"),

		DefaultRegion:    envOrDefault("VPN4U_DEFAULT_REGION", "us-east"),
		SupportedRegions: splitCSV(envOrDefault("VPN4U_SUPPORTED_REGIONS", "us-east,us-west,eu-west,eu-central,ap-east,ap-south")),

		IssuerMode:    envOrDefault("VPN4U_ISSUER_MODE", "fake"),
		IssuerBaseURL: os.Getenv("VPN4U_ISSUER_BASE_URL"),
		IssuerTimeout: durationOrDefault("VPN4U_ISSUER_TIMEOUT", 10*time.Second),

		TelemetryMode:    envOrDefault("VPN4U_TELEMETRY_MODE", "push"),
		TelemetryFeedURL: os.Getenv("VPN4U_TELEMETRY_FEED_URL"),
		ProbeInterval:    durationOrDefault("VPN4U_PROBE_INTERVAL", 30*time.Second),
		MissedProbeCycle: ParsePositiveIntEnv("VPN4U_MISSED_PROBE_CYCLES", 3),

		SessionIdleTimeout: durationOrDefault("VPN4U_SESSION_IDLE_TIMEOUT", 15*time.Minute),
		ReapInterval:       durationOrDefault("VPN4U_REAP_INTERVAL", time.Minute),

		DiscoveryProvider: envOrDefault("VPN4U_DISCOVERY_PROVIDER", "off"),
		DiscoveryRegions:  splitCSV(os.Getenv("VPN4U_DISCOVERY_REGIONS")),
		DiscoveryTagKey:   envOrDefault("VPN4U_DISCOVERY_TAG_KEY", "Vpn4uFleetNode"),
	}

	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("VPN4U_DATABASE_URL is required")
	}
	if cfg.JWTSecret == "" {
		return Config{}, fmt.Errorf("VPN4U_JWT_SECRET is required")
	}
	if cfg.FleetSharedKey == "" {
		return Config{}, fmt.Errorf("VPN4U_FLEET_SHARED_KEY is required")
	}
	if cfg.IssuerMode != "fake" && cfg.IssuerMode != "http" {
		return Config{}, fmt.Errorf("VPN4U_ISSUER_MODE must be one of fake|http")
	}
	if cfg.IssuerMode == "http" && cfg.IssuerBaseURL == "" {
		return Config{}, fmt.Errorf("VPN4U_ISSUER_BASE_URL is required for http issuer mode")
	}
	if cfg.TelemetryMode != "push" && cfg.TelemetryMode != "pull" {
		return Config{}, fmt.Errorf("VPN4U_TELEMETRY_MODE must be one of push|pull")
	}
	if cfg.TelemetryMode == "pull" && cfg.TelemetryFeedURL == "" {
		return Config{}, fmt.Errorf("VPN4U_TELEMETRY_FEED_URL is required for pull telemetry mode")
	}
	if cfg.DiscoveryProvider != "off" && cfg.DiscoveryProvider != "aws" {
		return Config{}, fmt.Errorf("VPN4U_DISCOVERY_PROVIDER must be one of off|aws")
	}
	if cfg.DiscoveryProvider == "aws" && len(cfg.DiscoveryRegions) == 0 {
		return Config{}, fmt.Errorf("VPN4U_DISCOVERY_REGIONS is required for aws discovery")
	}
	return cfg, nil
}

func envOrDefault(k, v string) string {
	if raw := os.Getenv(k); raw != "" {
		return raw
	}
	return v
}

func splitCSV(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		s := strings.TrimSpace(p)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

func ParsePositiveIntEnv(k string, d int) int {
	raw := os.Getenv(k)
	if raw == "" {
		return d
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return d
	}
	return n
}

func durationOrDefault(k string, d time.Duration) time.Duration {
	raw := os.Getenv(k)
	if raw == "" {
		return d
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil || parsed <= 0 {
		return d
	}
	return parsed
}
