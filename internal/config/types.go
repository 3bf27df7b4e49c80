package config

type Config struct {
	Logging       LoggingConfig       `json:"logging"`
	Storage       StorageConfig       `json:"storage"`
	Server        ServerConfig        `json:"server"`
	Worker        WorkerConfig        `json:"worker"`
	Notifications NotificationsConfig `json:"notifications"`
	Gateway       GatewayConfig       `json:"gateway"`
	Session       SessionConfig       `json:"session"`
	Platform      PlatformConfig      `json:"platform"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig controls the platform store shared by the page and the worker.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/keptpush.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// ServerConfig points at the Kept API.
//
// BaseURL includes the API prefix, e.g. "https://kept.example/api".
// Token is an optional initial bearer token (do not log). RefreshPath, when set,
// is POSTed to obtain a fresh token after a 401.
type ServerConfig struct {
	BaseURL     string `json:"base_url"`
	Timeout     string `json:"timeout,omitempty"`
	RatePerSec  int    `json:"rate_per_sec,omitempty"`
	Token       string `json:"token,omitempty"`
	RefreshPath string `json:"refresh_path,omitempty"`
}

// WorkerConfig describes the deployed worker version.
//
// Changing CacheVersion (or Manifest) in a running process is a new deployment:
// the worker installs the new cache and deletes every other one on activation.
type WorkerConfig struct {
	CacheVersion string   `json:"cache_version"`
	Manifest     []string `json:"manifest"`
	Icon         string   `json:"icon"`
	Scope        string   `json:"scope"`
	Script       string   `json:"script"`
	Origin       string   `json:"origin"`
	FetchTimeout string   `json:"fetch_timeout,omitempty"`
}

type NotificationsConfig struct {
	DefaultTitle  string `json:"default_title"`
	DefaultBody   string `json:"default_body"`
	DefaultTag    string `json:"default_tag"`
	TestTag       string `json:"test_tag"`
	TestTitle     string `json:"test_title"`
	TestBody      string `json:"test_body"`
	TrayTTL       string `json:"tray_ttl,omitempty"`
	SweepSchedule string `json:"sweep_schedule,omitempty"`
}

// GatewayConfig controls the local HTTP surface: push endpoint, fetch
// interception and the control routes.
//
// Token protects the /_kept control routes, /metrics and /debug/pprof. A
// non-loopback Addr requires Token or AllowInsecure. Only a PublicURL change
// needs a restart; the rest is applied to the running server.
type GatewayConfig struct {
	Addr          string `json:"addr"`
	PublicURL     string `json:"public_url"`
	Metrics       bool   `json:"metrics"`
	Pprof         bool   `json:"pprof,omitempty"`
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
}

type SessionConfig struct {
	MismatchMarkers []string `json:"mismatch_markers,omitempty"`
	CheckOnStart    *bool    `json:"check_on_start,omitempty"`
	OpTimeout       string   `json:"op_timeout,omitempty"`
}

// PlatformConfig describes what the host "browser" supports.
//
// PromptAnswer is what a permission prompt resolves to: "granted", "denied" or
// "default" (dismissed). OpenCommand "none" disables launching a browser on click.
type PlatformConfig struct {
	Notifications *bool  `json:"notifications,omitempty"`
	Workers       *bool  `json:"workers,omitempty"`
	PromptAnswer  string `json:"prompt_answer,omitempty"`
	OpenCommand   string `json:"open_command,omitempty"`
	Origin        string `json:"origin,omitempty"`
}
