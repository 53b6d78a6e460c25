package config

import (
	"log"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Settings struct {
	DataPath     string `envconfig:"DATA_PATH" default:"/var/lib/deskmon"`
	DatabasePath string `envconfig:"DATABASE_PATH" default:"/var/lib/deskmon/deskmon.db"`
	LogPath      string `envconfig:"LOG_PATH" default:""`
	ListenAddr   string `envconfig:"LISTEN_ADDR" default:"127.0.0.1:7655"`
	APIToken     string `envconfig:"API_TOKEN" default:""`
	TargetsFile  string `envconfig:"TARGETS_FILE" default:""`

	// Remote collector
	ServicePort int `envconfig:"SERVICE_PORT" default:"7654"`

	// Connection lifecycle
	ConnectTimeout    time.Duration `envconfig:"CONNECT_TIMEOUT" default:"15s"`
	KeepaliveInterval time.Duration `envconfig:"KEEPALIVE_INTERVAL" default:"30s"`
	SnapshotTimeout   time.Duration `envconfig:"SNAPSHOT_TIMEOUT" default:"8s"`
	ResyncInterval    time.Duration `envconfig:"RESYNC_INTERVAL" default:"30s"`
	BackoffFloor      time.Duration `envconfig:"BACKOFF_FLOOR" default:"2s"`
	BackoffCeiling    time.Duration `envconfig:"BACKOFF_CEILING" default:"30s"`
	EnrollKeys        bool          `envconfig:"ENROLL_KEYS" default:"true"`

	ReconcileSchedule string `envconfig:"RECONCILE_SCHEDULE" default:"@every 1m"`
}

var Cfg Settings

func Load() {
	if err := envconfig.Process("DESKMON", &Cfg); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
}
