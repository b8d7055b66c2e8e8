package models

// MConfig Structure
type MConfig struct {
	Name        string         `yaml:"name"`
	Host        string         `yaml:"host"`
	Port        int            `yaml:"port"`
	LogLevel    string         `yaml:"log_level"`
	API         MAPIConfig     `yaml:"api"`
	Stream      MStreamConfig  `yaml:"stream"`
	Storage     MStorageConfig `yaml:"storage"`
	Feed        MFeedConfig    `yaml:"feed"`
	Resolutions []string       `yaml:"resolutions"`
}

type MAPIConfig struct {
	BaseURL        string `yaml:"base_url"`
	RequestTimeout int    `yaml:"timeout"`
	MaxRetries     int    `yaml:"retries"`
	UserAgent      string `yaml:"user_agent"`
}

type MStreamConfig struct {
	URL                  string `yaml:"url"`
	PingIntervalSeconds  int    `yaml:"ping_interval_seconds"`
	ReconnectBaseMs      int    `yaml:"reconnect_base_ms"`
	ReconnectMaxMs       int    `yaml:"reconnect_max_ms"`
	ReconnectMaxAttempts int    `yaml:"reconnect_max_attempts"`
}

type MStorageConfig struct {
	DBType             string `yaml:"db_type"` // "sqlite", "postgres" or "none"
	DBPath             string `yaml:"db_path"`
	DBConnectionString string `yaml:"db_connection_string"`
	RetentionDays      int    `yaml:"retention_days"`
}

type MFeedConfig struct {
	SeedLookbackHours    int `yaml:"seed_lookback_hours"`
	FlushIntervalSeconds int `yaml:"flush_interval_seconds"` // 0 disables idle-bar flush
	SnapshotBars         int `yaml:"snapshot_bars"`
}
