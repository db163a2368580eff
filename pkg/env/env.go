// Package env consolidates all environment variable reading for the proxy.
// Config overrides are applied only at startup (see config.Load).
package env

import (
	"os"
	"strconv"
)

// Environment variable names (single source of truth)
const (
	SegmentSizeBytes              = "SEGMENT_SIZE_BYTES"
	MaxSegmentCount               = "MAX_SEGMENT_COUNT"
	GlobalMaxConcurrentDownloads  = "GLOBAL_MAX_CONCURRENT_DOWNLOADS"
	PerMediaMaxConcurrentDownload = "PER_MEDIA_MAX_CONCURRENT_DOWNLOADS"
	MaxCacheSizeBytes             = "MAX_CACHE_SIZE_BYTES"
	CacheCleanupRatio             = "CACHE_CLEANUP_RATIO"
	CacheMaxAgeSeconds            = "CACHE_MAX_AGE_SECONDS"
	MoovDetectionBytes            = "MOOV_DETECTION_BYTES"
	SkipMoovDetectionThreshold    = "SKIP_MOOV_DETECTION_THRESHOLD_BYTES"
	DownloadRetryCount            = "DOWNLOAD_RETRY_COUNT"
	DownloadRetryInitialDelayMs   = "DOWNLOAD_RETRY_INITIAL_DELAY_MS"
	HTTPConnectTimeoutMs          = "HTTP_CONNECT_TIMEOUT_MS"
	HTTPIdleTimeoutSeconds        = "HTTP_IDLE_TIMEOUT_SECONDS"
	HTTPStreamReadTimeoutSeconds  = "HTTP_STREAM_READ_TIMEOUT_SECONDS"
	ConfigSaveIntervalMs          = "CONFIG_SAVE_INTERVAL_MS"
	AggressivePrefetchWindowBytes = "AGGRESSIVE_PREFETCH_WINDOW_BYTES"
	AlwaysPreloadEndSegment       = "ALWAYS_PRELOAD_END_SEGMENT"
	PauseOldDownloadsOnSwitch     = "PAUSE_OLD_DOWNLOADS_ON_SWITCH"
	EmergencyEvictionRatio        = "EMERGENCY_EVICTION_RATIO"
	ProxyListenPort               = "PROXY_LISTEN_PORT"
	LogLevel                      = "LOG_LEVEL"
	CacheRootDir                  = "CACHE_ROOT_DIR"
)

// Overrides holds every tunable that was explicitly set in the environment.
// config.Load applies a numeric or boolean field only when its corresponding
// "Has*" flag is true (so an explicit 0 or false is applied); the two string
// fields are applied when non-empty.
type Overrides struct {
	SegmentSizeBytes                  int64
	HasSegmentSizeBytes               bool
	MaxSegmentCount                   int
	HasMaxSegmentCount                bool
	GlobalMaxConcurrentDownloads      int
	HasGlobalMaxConcurrentDownloads   bool
	PerMediaMaxConcurrentDownloads    int
	HasPerMediaMaxConcurrentDownloads bool
	MaxCacheSizeBytes                 int64
	HasMaxCacheSizeBytes              bool
	CacheCleanupRatio                 float64
	HasCacheCleanupRatio              bool
	CacheMaxAgeSeconds                int64
	HasCacheMaxAgeSeconds             bool
	MoovDetectionBytes                int
	HasMoovDetectionBytes             bool
	SkipMoovDetectionThreshold        int64
	HasSkipMoovDetectionThreshold     bool
	DownloadRetryCount                int
	HasDownloadRetryCount             bool
	DownloadRetryInitialDelayMs       int
	HasDownloadRetryInitialDelayMs    bool
	HTTPConnectTimeoutMs              int
	HasHTTPConnectTimeoutMs           bool
	HTTPIdleTimeoutSeconds            int
	HasHTTPIdleTimeoutSeconds         bool
	HTTPStreamReadTimeoutSeconds      int
	HasHTTPStreamReadTimeoutSeconds   bool
	ConfigSaveIntervalMs              int
	HasConfigSaveIntervalMs           bool
	AggressivePrefetchWindowBytes     int64
	HasAggressivePrefetchWindowBytes  bool
	AlwaysPreloadEndSegment           bool
	HasAlwaysPreloadEndSegment        bool
	PauseOldDownloadsOnSwitch         bool
	HasPauseOldDownloadsOnSwitch      bool
	EmergencyEvictionRatio            float64
	HasEmergencyEvictionRatio         bool
	ProxyListenPort                   int
	HasProxyListenPort                bool
	LogLevel                         string
	CacheRootDir                     string
}

// ReadOverrides reads every tunable environment variable once.
func ReadOverrides() Overrides {
	var o Overrides

	if v, ok := getInt64(SegmentSizeBytes); ok {
		o.SegmentSizeBytes, o.HasSegmentSizeBytes = v, true
	}
	if v, ok := getInt(MaxSegmentCount); ok {
		o.MaxSegmentCount, o.HasMaxSegmentCount = v, true
	}
	if v, ok := getInt(GlobalMaxConcurrentDownloads); ok {
		o.GlobalMaxConcurrentDownloads, o.HasGlobalMaxConcurrentDownloads = v, true
	}
	if v, ok := getInt(PerMediaMaxConcurrentDownload); ok {
		o.PerMediaMaxConcurrentDownloads, o.HasPerMediaMaxConcurrentDownloads = v, true
	}
	if v, ok := getInt64(MaxCacheSizeBytes); ok {
		o.MaxCacheSizeBytes, o.HasMaxCacheSizeBytes = v, true
	}
	if v, ok := getFloat(CacheCleanupRatio); ok {
		o.CacheCleanupRatio, o.HasCacheCleanupRatio = v, true
	}
	if v, ok := getInt64(CacheMaxAgeSeconds); ok {
		o.CacheMaxAgeSeconds, o.HasCacheMaxAgeSeconds = v, true
	}
	if v, ok := getInt(MoovDetectionBytes); ok {
		o.MoovDetectionBytes, o.HasMoovDetectionBytes = v, true
	}
	if v, ok := getInt64(SkipMoovDetectionThreshold); ok {
		o.SkipMoovDetectionThreshold, o.HasSkipMoovDetectionThreshold = v, true
	}
	if v, ok := getInt(DownloadRetryCount); ok {
		o.DownloadRetryCount, o.HasDownloadRetryCount = v, true
	}
	if v, ok := getInt(DownloadRetryInitialDelayMs); ok {
		o.DownloadRetryInitialDelayMs, o.HasDownloadRetryInitialDelayMs = v, true
	}
	if v, ok := getInt(HTTPConnectTimeoutMs); ok {
		o.HTTPConnectTimeoutMs, o.HasHTTPConnectTimeoutMs = v, true
	}
	if v, ok := getInt(HTTPIdleTimeoutSeconds); ok {
		o.HTTPIdleTimeoutSeconds, o.HasHTTPIdleTimeoutSeconds = v, true
	}
	if v, ok := getInt(HTTPStreamReadTimeoutSeconds); ok {
		o.HTTPStreamReadTimeoutSeconds, o.HasHTTPStreamReadTimeoutSeconds = v, true
	}
	if v, ok := getInt(ConfigSaveIntervalMs); ok {
		o.ConfigSaveIntervalMs, o.HasConfigSaveIntervalMs = v, true
	}
	if v, ok := getInt64(AggressivePrefetchWindowBytes); ok {
		o.AggressivePrefetchWindowBytes, o.HasAggressivePrefetchWindowBytes = v, true
	}
	if v, ok := getBool(AlwaysPreloadEndSegment); ok {
		o.AlwaysPreloadEndSegment, o.HasAlwaysPreloadEndSegment = v, true
	}
	if v, ok := getBool(PauseOldDownloadsOnSwitch); ok {
		o.PauseOldDownloadsOnSwitch, o.HasPauseOldDownloadsOnSwitch = v, true
	}
	if v, ok := getFloat(EmergencyEvictionRatio); ok {
		o.EmergencyEvictionRatio, o.HasEmergencyEvictionRatio = v, true
	}
	if v, ok := getInt(ProxyListenPort); ok {
		o.ProxyListenPort, o.HasProxyListenPort = v, true
	}
	o.LogLevel = os.Getenv(LogLevel)
	o.CacheRootDir = os.Getenv(CacheRootDir)

	return o
}

func getInt(name string) (int, bool) {
	v := os.Getenv(name)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func getInt64(name string) (int64, bool) {
	v := os.Getenv(name)
	if v == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

func getFloat(name string) (float64, bool) {
	v := os.Getenv(name)
	if v == "" {
		return 0, false
	}
	n, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

func getBool(name string) (bool, bool) {
	v := os.Getenv(name)
	if v == "" {
		return false, false
	}
	return v == "true" || v == "1", true
}
