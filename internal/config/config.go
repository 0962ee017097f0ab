package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Settings struct {
	ListenAddr string `envconfig:"LISTEN_ADDR" default:":8000"`
	DataPath   string `envconfig:"DATA_PATH" default:"/var/lib/fleetd"`
	APIToken   string `envconfig:"API_TOKEN" default:""`

	LogPath   string `envconfig:"LOG_PATH" default:""`
	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"json"`

	// Connection pool
	MaxConnections int           `envconfig:"MAX_CONNECTIONS" default:"100"`
	ExpireInterval time.Duration `envconfig:"EXPIRE_INTERVAL" default:"10m"`
	DefaultUser    string        `envconfig:"DEFAULT_USER" default:"root"`
	SSHPort        int           `envconfig:"SSH_PORT" default:"22"`
	ConnectTimeout time.Duration `envconfig:"CONNECT_TIMEOUT" default:"30s"`

	// Credentials are passed through to the SSH handshake untouched.
	SSHPassword      string `envconfig:"SSH_PASSWORD" default:""`
	SSHKeyPath       string `envconfig:"SSH_KEY_PATH" default:""`
	SSHKeyPassphrase string `envconfig:"SSH_KEY_PASSPHRASE" default:""`
	SSHUseAgent      bool   `envconfig:"SSH_USE_AGENT" default:"false"`
	// Empty means accept any host key.
	KnownHosts string `envconfig:"KNOWN_HOSTS" default:""`

	// Name resolution: "system" or "dns".
	Resolver   string   `envconfig:"RESOLVER" default:"system"`
	DNSServers []string `envconfig:"DNS_SERVERS" default:""`

	InventoryPath string `envconfig:"INVENTORY_PATH" default:""`

	// Audit trail; an empty path keeps it in memory.
	AuditDBPath        string `envconfig:"AUDIT_DB_PATH" default:""`
	AuditRetentionDays int    `envconfig:"AUDIT_RETENTION_DAYS" default:"90"`

	SessionIdleTimeout time.Duration `envconfig:"SESSION_IDLE_TIMEOUT" default:"30m"`
}

var Cfg Settings

func Load() error {
	if err := envconfig.Process("FLEETD", &Cfg); err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if Cfg.MaxConnections <= 0 {
		return fmt.Errorf("load config: FLEETD_MAX_CONNECTIONS must be positive, got %d", Cfg.MaxConnections)
	}
	switch Cfg.Resolver {
	case "system", "dns":
	default:
		return fmt.Errorf("load config: unknown resolver %q", Cfg.Resolver)
	}
	return nil
}
