// Package config loads process-wide settings for the session coordinator
// from the environment.
package config

import (
	"log"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Settings holds the operator-tunable knobs for the coordinator. All
// fields have defaults so the process runs sensibly with zero
// configuration.
type Settings struct {
	// DataPath is the working directory used for the listening port file.
	DataPath string `envconfig:"DATA_PATH" default:"/app/data"`

	// LogPath is the file logs are additionally written to, alongside stdout.
	LogPath string `envconfig:"LOG_PATH" default:"/app/data/coterm.log"`

	// ListenAddr is the address the HTTP/WebSocket server binds.
	ListenAddr string `envconfig:"LISTEN_ADDR" default:":8080"`

	// PolicyFile is an optional path to a YAML command-policy file
	// (internal/policy). Empty disables operator policy overrides.
	PolicyFile string `envconfig:"POLICY_FILE" default:""`

	// QueueCapacity is the bound on the per-session command FIFO.
	QueueCapacity int `envconfig:"QUEUE_CAPACITY" default:"100"`

	// QueueStaleness is the age past which a queued-but-undrained request
	// is expired rather than executed.
	QueueStaleness time.Duration `envconfig:"QUEUE_STALENESS" default:"15s"`

	// BrowserBufferCapacity is the browser command ledger's ring size.
	BrowserBufferCapacity int `envconfig:"BROWSER_BUFFER_CAPACITY" default:"500"`

	// TranscriptBufferCapacity is the transcript ring size.
	TranscriptBufferCapacity int `envconfig:"TRANSCRIPT_BUFFER_CAPACITY" default:"1000"`

	// DefaultCommandTimeout is the per-request execution deadline absent an
	// explicit timeout on the request.
	DefaultCommandTimeout time.Duration `envconfig:"DEFAULT_COMMAND_TIMEOUT" default:"15s"`

	// ConnectTimeout bounds the `connect` tool-call operation.
	ConnectTimeout time.Duration `envconfig:"CONNECT_TIMEOUT" default:"10s"`

	// RecoveryResetTimeout, when non-zero, bounds total command residency;
	// exceeding it triggers the recovery reset automatically. Zero means
	// the reset is manual-only.
	RecoveryResetTimeout time.Duration `envconfig:"RECOVERY_RESET_TIMEOUT" default:"0s"`

	// SweepInterval is how often the registry's cron sweep logs idle
	// sessions and their transcript occupancy. The sweep is diagnostic only:
	// queue staleness and the recovery-reset deadline are enforced elsewhere.
	SweepInterval time.Duration `envconfig:"SWEEP_INTERVAL" default:"5s"`

	// FernetKey, if set, is the base64 key used to decrypt an inline
	// operator-pre-encrypted private key blob passed to `connect`.
	FernetKey string `envconfig:"FERNET_KEY" default:""`
}

// Cfg is the process-wide loaded configuration.
var Cfg Settings

// Load populates Cfg from the environment, prefixed COTERM_. It must be
// called once at process startup before any other package reads Cfg.
func Load() {
	if err := envconfig.Process("COTERM", &Cfg); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
}
