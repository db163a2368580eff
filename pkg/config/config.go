// Package config holds every tunable constant of the proxy, loaded once at
// startup. Priority: environment variables (see pkg/env) > built-in defaults.
// There is no on-disk config.json for the proxy's own tunables -- that file
// name is reserved for the per-task persistent state (see pkg/task).
package config

import (
	"mediaproxy/pkg/env"
)

const (
	mib = 1024 * 1024
)

// Config is the full set of tunables named in the proxy's external
// interfaces. Defaults match the reference values.
type Config struct {
	SegmentSizeBytes               int64
	MaxSegmentCount                int
	GlobalMaxConcurrentDownloads   int
	PerMediaMaxConcurrentDownloads int

	MaxCacheSizeBytes      int64
	CacheCleanupRatio      float64
	CacheMaxAgeSeconds     int64
	EmergencyEvictionRatio float64

	MoovDetectionBytes         int
	SkipMoovDetectionThreshold int64

	DownloadRetryCount          int
	DownloadRetryInitialDelayMs int

	HTTPConnectTimeoutMs         int
	HTTPIdleTimeoutSeconds       int
	HTTPStreamReadTimeoutSeconds int

	ConfigSaveIntervalMs int

	AggressivePrefetchWindowBytes int64
	AlwaysPreloadEndSegment       bool
	PauseOldDownloadsOnSwitch     bool

	ProxyListenPort int
	LogLevel        string
	CacheRootDir    string
}

// Default returns the built-in default configuration, matching the values
// from the external interface tunables table.
func Default() *Config {
	return &Config{
		SegmentSizeBytes:               2 * mib,
		MaxSegmentCount:                5000,
		GlobalMaxConcurrentDownloads:   4,
		PerMediaMaxConcurrentDownloads: 3,

		MaxCacheSizeBytes:      500 * mib,
		CacheCleanupRatio:      0.7,
		CacheMaxAgeSeconds:     7 * 24 * 3600,
		EmergencyEvictionRatio: 0.5,

		MoovDetectionBytes:         64,
		SkipMoovDetectionThreshold: 5 * mib,

		DownloadRetryCount:          3,
		DownloadRetryInitialDelayMs: 1000,

		HTTPConnectTimeoutMs:         10000,
		HTTPIdleTimeoutSeconds:       30,
		HTTPStreamReadTimeoutSeconds: 15,

		ConfigSaveIntervalMs: 1000,

		AggressivePrefetchWindowBytes: 2 * 2 * mib,
		AlwaysPreloadEndSegment:       false,
		PauseOldDownloadsOnSwitch:     true,

		ProxyListenPort: 0, // 0 = ephemeral port
		LogLevel:        "INFO",
		CacheRootDir:    "",
	}
}

// Load builds the effective configuration: built-in defaults overridden by
// whatever tunables were set in the environment. Environment variables are
// read once, at startup; nothing here is re-read later.
func Load() *Config {
	cfg := Default()
	applyOverrides(cfg, env.ReadOverrides())
	return cfg
}

func applyOverrides(cfg *Config, o env.Overrides) {
	if o.HasSegmentSizeBytes {
		cfg.SegmentSizeBytes = o.SegmentSizeBytes
	}
	if o.HasMaxSegmentCount {
		cfg.MaxSegmentCount = o.MaxSegmentCount
	}
	if o.HasGlobalMaxConcurrentDownloads {
		cfg.GlobalMaxConcurrentDownloads = o.GlobalMaxConcurrentDownloads
	}
	if o.HasPerMediaMaxConcurrentDownloads {
		cfg.PerMediaMaxConcurrentDownloads = o.PerMediaMaxConcurrentDownloads
	}
	if o.HasMaxCacheSizeBytes {
		cfg.MaxCacheSizeBytes = o.MaxCacheSizeBytes
	}
	if o.HasCacheCleanupRatio {
		cfg.CacheCleanupRatio = o.CacheCleanupRatio
	}
	if o.HasCacheMaxAgeSeconds {
		cfg.CacheMaxAgeSeconds = o.CacheMaxAgeSeconds
	}
	if o.HasEmergencyEvictionRatio {
		cfg.EmergencyEvictionRatio = o.EmergencyEvictionRatio
	}
	if o.HasMoovDetectionBytes {
		cfg.MoovDetectionBytes = o.MoovDetectionBytes
	}
	if o.HasSkipMoovDetectionThreshold {
		cfg.SkipMoovDetectionThreshold = o.SkipMoovDetectionThreshold
	}
	if o.HasDownloadRetryCount {
		cfg.DownloadRetryCount = o.DownloadRetryCount
	}
	if o.HasDownloadRetryInitialDelayMs {
		cfg.DownloadRetryInitialDelayMs = o.DownloadRetryInitialDelayMs
	}
	if o.HasHTTPConnectTimeoutMs {
		cfg.HTTPConnectTimeoutMs = o.HTTPConnectTimeoutMs
	}
	if o.HasHTTPIdleTimeoutSeconds {
		cfg.HTTPIdleTimeoutSeconds = o.HTTPIdleTimeoutSeconds
	}
	if o.HasHTTPStreamReadTimeoutSeconds {
		cfg.HTTPStreamReadTimeoutSeconds = o.HTTPStreamReadTimeoutSeconds
	}
	if o.HasConfigSaveIntervalMs {
		cfg.ConfigSaveIntervalMs = o.ConfigSaveIntervalMs
	}
	if o.HasAggressivePrefetchWindowBytes {
		cfg.AggressivePrefetchWindowBytes = o.AggressivePrefetchWindowBytes
	}
	if o.HasAlwaysPreloadEndSegment {
		cfg.AlwaysPreloadEndSegment = o.AlwaysPreloadEndSegment
	}
	if o.HasPauseOldDownloadsOnSwitch {
		cfg.PauseOldDownloadsOnSwitch = o.PauseOldDownloadsOnSwitch
	}
	if o.HasProxyListenPort {
		cfg.ProxyListenPort = o.ProxyListenPort
	}
	if o.LogLevel != "" {
		cfg.LogLevel = o.LogLevel
	}
	if o.CacheRootDir != "" {
		cfg.CacheRootDir = o.CacheRootDir
	}
}
