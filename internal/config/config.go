package config

import (
	"fmt"
	"log"
	"time"

	"github.com/docker/go-units"
	"github.com/kelseyhightower/envconfig"
)

type Settings struct {
	ListenAddr   string `envconfig:"LISTEN_ADDR" default:":8000"`
	DataPath     string `envconfig:"DATA_PATH" default:"/app/data"`
	DatabasePath string `envconfig:"DATABASE_PATH" default:"/app/data/opsgate.db"`
	LogPath      string `envconfig:"LOG_PATH" default:""`
	LogLevel     string `envconfig:"LOG_LEVEL" default:"info"`

	// Local staging areas for transfers
	UploadDir     string        `envconfig:"UPLOAD_DIR" default:"/app/data/uploads"`
	DownloadDir   string        `envconfig:"DOWNLOAD_DIR" default:"/app/data/downloads"`
	MaxUploadSize string        `envconfig:"MAX_UPLOAD_SIZE" default:"500MB"`
	StagingMaxAge time.Duration `envconfig:"STAGING_MAX_AGE" default:"1h"`

	// Remote connection timeouts
	ValidateTimeout      time.Duration `envconfig:"VALIDATE_TIMEOUT" default:"30s"`
	TransferTimeout      time.Duration `envconfig:"TRANSFER_TIMEOUT" default:"60s"`
	LargeTransferTimeout time.Duration `envconfig:"LARGE_TRANSFER_TIMEOUT" default:"10m"`
	KeepaliveInterval    time.Duration `envconfig:"KEEPALIVE_INTERVAL" default:"15s"`
	KeepaliveMaxMissed   int           `envconfig:"KEEPALIVE_MAX_MISSED" default:"3"`
	KnownHostsFile       string        `envconfig:"KNOWN_HOSTS_FILE" default:""`
	ConnectAttempts      int           `envconfig:"CONNECT_ATTEMPTS_PER_MINUTE" default:"0"` // 0 = uncapped

	// Terminal session settings
	TicketTTL         time.Duration `envconfig:"TICKET_TTL" default:"5m"`
	TicketCapacity    int           `envconfig:"TICKET_CAPACITY" default:"1024"`
	TerminalRateLimit int           `envconfig:"TERMINAL_RATE_LIMIT" default:"200"`
	TerminalRateBurst int           `envconfig:"TERMINAL_RATE_BURST" default:"200"`

	AuditRetentionDays int    `envconfig:"AUDIT_RETENTION_DAYS" default:"90"`
	IdentityHeader     string `envconfig:"IDENTITY_HEADER" default:"X-Forwarded-User"`
}

var Cfg Settings

func Load() {
	if err := envconfig.Process("OPSGATE", &Cfg); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if _, err := Cfg.MaxUploadBytes(); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
}

// MaxUploadBytes parses MaxUploadSize ("500MB", "1GiB", "1048576").
func (s Settings) MaxUploadBytes() (int64, error) {
	n, err := units.RAMInBytes(s.MaxUploadSize)
	if err != nil {
		return 0, fmt.Errorf("parse MAX_UPLOAD_SIZE %q: %w", s.MaxUploadSize, err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("MAX_UPLOAD_SIZE must be positive, got %q", s.MaxUploadSize)
	}
	return n, nil
}
