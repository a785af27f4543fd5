package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// RenditionPolicy selects which rendition of a master playlist to download.
type RenditionPolicy string

const (
	// PolicyHighestBandwidth picks the rendition with the highest declared
	// bandwidth, ties broken by manifest order. This is the default.
	PolicyHighestBandwidth RenditionPolicy = "highest"
	// PolicyLowestBandwidth picks the rendition with the lowest declared
	// bandwidth, ties broken by manifest order.
	PolicyLowestBandwidth RenditionPolicy = "lowest"
	// PolicyFirst picks the first rendition in manifest order.
	PolicyFirst RenditionPolicy = "first"
)

// Options holds the fully processed configuration for one download run.
type Options struct {
	// ManifestURL is the master or media manifest: an http(s) URL or a local path.
	ManifestURL string
	// OutputPath is the destination of the merged file. The extension selects
	// the merge format (".ts" plain concat, anything else re-muxed).
	OutputPath string
	// WorkDir holds per-segment temporary files. It persists across failed
	// runs to support resume.
	WorkDir string
	// Concurrency is the fetcher worker count.
	Concurrency int
	// RetryLimit is the maximum number of attempts per segment.
	RetryLimit int
	// Policy selects the rendition for master playlists.
	Policy RenditionPolicy
	// UserAgent is sent on every request when non-empty.
	UserAgent string
	// RequestTimeout bounds each network attempt.
	RequestTimeout time.Duration
	// PollInterval is the re-poll cadence for live playlists.
	PollInterval time.Duration
	// LogLevel is one of error, warn, info, debug.
	LogLevel string
	// StatusAddr, when non-empty, enables the HTTP status/metrics listener.
	StatusAddr string
}

const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

// Load reads the optional .env file (defaulting to ".env" in the working
// directory) and assembles Options from the environment. Flag values layered
// on top by the CLI take precedence; this only establishes defaults. A
// missing .env file is not an error.
func Load(envFile string) *Options {
	// Best effort; absence of the file just means env/default values.
	if envFile != "" {
		_ = godotenv.Load(envFile)
	} else {
		_ = godotenv.Load()
	}

	return &Options{
		ManifestURL:    GetEnv("M3U8GET_MANIFEST", ""),
		OutputPath:     GetEnv("M3U8GET_OUTPUT", "output.ts"),
		WorkDir:        GetEnv("M3U8GET_WORK_DIR", "segments"),
		Concurrency:    GetEnvInt("M3U8GET_CONCURRENCY", 8),
		RetryLimit:     GetEnvInt("M3U8GET_RETRY_LIMIT", 3),
		Policy:         RenditionPolicy(GetEnv("M3U8GET_RENDITION_POLICY", string(PolicyHighestBandwidth))),
		UserAgent:      GetEnv("M3U8GET_USER_AGENT", defaultUserAgent),
		RequestTimeout: GetEnvDuration("M3U8GET_REQUEST_TIMEOUT", 15*time.Second),
		PollInterval:   GetEnvDuration("M3U8GET_POLL_INTERVAL", 3*time.Second),
		LogLevel:       GetEnv("M3U8GET_LOG_LEVEL", "info"),
		StatusAddr:     GetEnv("M3U8GET_STATUS_ADDR", ""),
	}
}

// Validate checks option combinations that cannot produce a usable run.
func (o *Options) Validate() error {
	if o.ManifestURL == "" {
		return fmt.Errorf("manifest URL or path must be specified")
	}
	if o.OutputPath == "" {
		return fmt.Errorf("output path must be specified")
	}
	if o.Concurrency < 1 {
		return fmt.Errorf("concurrency must be at least 1, got %d", o.Concurrency)
	}
	if o.RetryLimit < 1 {
		return fmt.Errorf("retry limit must be at least 1, got %d", o.RetryLimit)
	}
	switch o.Policy {
	case PolicyHighestBandwidth, PolicyLowestBandwidth, PolicyFirst:
	default:
		return fmt.Errorf("unknown rendition policy %q", o.Policy)
	}
	return nil
}

// GetEnv returns the value of the environment variable named by key, or
// fallback if the variable is unset or empty.
func GetEnv(key, fallback string) string {
	if s := os.Getenv(key); s != "" {
		return s
	}
	return fallback
}

// GetEnvInt returns the integer value of the environment variable named by
// key, or fallback if the variable is unset, empty, or not a valid integer.
func GetEnvInt(key string, fallback int) int {
	if s := os.Getenv(key); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			return n
		}
	}
	return fallback
}

// GetEnvDuration returns the duration value of the environment variable named
// by key, or fallback if the variable is unset, empty, or not parseable.
func GetEnvDuration(key string, fallback time.Duration) time.Duration {
	if s := os.Getenv(key); s != "" {
		if d, err := time.ParseDuration(s); err == nil {
			return d
		}
	}
	return fallback
}
