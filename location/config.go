package location

import (
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"go.dedis.ch/hdlt/quorum"
	"golang.org/x/xerrors"
)

// ConfigEnv is the environment variable holding the path of the
// configuration file of the service.
const ConfigEnv = "HDLT_CONFIG"

// Storage backends.
const (
	StorageBolt   = "bolt"
	StorageBadger = "badger"
)

// Duration is a time.Duration read from a string like "1m30s".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Config is the configuration of the location service. It is read once at
// startup.
type Config struct {
	// F is the number of Byzantine users tolerated. A report needs 2F+1
	// witnesses.
	F int
	// Window is the number of past epochs still accepting submissions.
	Window int
	// Radius is the distance within which a witness has to be to its
	// prover.
	Radius int64
	// MaxRequestsPerSecond limits the requests of every user. 0 disables
	// the limit.
	MaxRequestsPerSecond int
	// WorkDifficulty is the number of leading zero bits the proof of work
	// of a report needs. 0 disables the proof of work.
	WorkDifficulty int
	// BatchParallelism is the number of proofs of a report admitted
	// concurrently.
	BatchParallelism int
	// Storage is either "bolt" or "badger".
	Storage string
	// BadgerPath is the directory of the badger database. If empty, the
	// database is kept in memory.
	BadgerPath string
	// KeysFile is the TOML file with the keys of the users and of the
	// health authority.
	KeysFile string
	// EpochInterval advances the epoch periodically if not zero.
	EpochInterval Duration
	// MetricsAddress serves the prometheus metrics if not empty.
	MetricsAddress string
}

// DefaultConfig returns the configuration used if there is no file.
func DefaultConfig() Config {
	return Config{
		F:                    1,
		Window:               2,
		Radius:               1,
		MaxRequestsPerSecond: 20,
		BatchParallelism:     4,
		Storage:              StorageBolt,
		KeysFile:             "keys.toml",
	}
}

// LoadConfig reads the configuration from a TOML file. Missing values keep
// their defaults.
func LoadConfig(file string) (Config, error) {
	cfg := DefaultConfig()
	if _, err := toml.DecodeFile(file, &cfg); err != nil {
		return Config{}, xerrors.Errorf("reading config: %v", err)
	}
	return cfg, cfg.Validate()
}

// ConfigFromEnv loads the file named by HDLT_CONFIG, or returns the default
// configuration if the variable is not set.
func ConfigFromEnv() (Config, error) {
	file := os.Getenv(ConfigEnv)
	if file == "" {
		return DefaultConfig(), nil
	}
	return LoadConfig(file)
}

// Validate checks the values of the configuration.
func (c Config) Validate() error {
	if _, err := quorum.NewConfig(c.F); err != nil {
		return err
	}
	switch {
	case c.Window < 0:
		return xerrors.New("window cannot be negative")
	case c.Radius < 0:
		return xerrors.New("radius cannot be negative")
	case c.MaxRequestsPerSecond < 0:
		return xerrors.New("request limit cannot be negative")
	case c.WorkDifficulty < 0 || c.WorkDifficulty > 32:
		return xerrors.Errorf("work difficulty %d not in [0, 32]", c.WorkDifficulty)
	case c.BatchParallelism < 1:
		return xerrors.New("batch parallelism must be at least 1")
	case c.Storage != StorageBolt && c.Storage != StorageBadger:
		return xerrors.Errorf("unknown storage %q", c.Storage)
	case c.EpochInterval.Duration < 0:
		return xerrors.New("epoch interval cannot be negative")
	}
	return nil
}
