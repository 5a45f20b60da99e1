package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"dagrunner/internal/backend"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// DRConfig holds the application configuration
type DRConfig struct {
	WorkDir  string `mapstructure:"workdir"`
	Backend  string `mapstructure:"backend"`
	LogLevel string `mapstructure:"log_level"`

	Scheduler struct {
		Jobs          int           `mapstructure:"jobs"`
		PollTimeout   time.Duration `mapstructure:"poll_timeout"`
		WatchSchedule string        `mapstructure:"watch_schedule"`
	} `mapstructure:"scheduler"`

	Slurm backend.SlurmConfig `mapstructure:"slurm"`
	SGE   backend.SGEConfig   `mapstructure:"sge"`

	Metrics struct {
		Textfile string `mapstructure:"textfile"`
	} `mapstructure:"metrics"`

	Notify struct {
		Addr     string `mapstructure:"addr"`
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db"`
		List     string `mapstructure:"list"`
	} `mapstructure:"notify"`
}

// flagKeys maps command line flags to the configuration keys they override
var flagKeys = map[string]string{
	"workdir":      "workdir",
	"backend":      "backend",
	"log-level":    "log_level",
	"jobs":         "scheduler.jobs",
	"poll-timeout": "scheduler.poll_timeout",
	"schedule":     "scheduler.watch_schedule",
}

// LoadConfig reads the configuration from a file or environment variables
func LoadConfig(configPaths ...string) (*DRConfig, error) {
	return Load(nil, configPaths...)
}

// Load reads the configuration like LoadConfig, letting the flags that were set on the command line
// override every other source.
func Load(flags *pflag.FlagSet, configPaths ...string) (*DRConfig, error) {
	// can specify config path from environment
	if path, exists := os.LookupEnv("DR_CONFIG_PATH"); exists {
		configPaths = append(configPaths, path)
	}
	for _, path := range configPaths {
		fi, err := os.Stat(path)
		if errors.Is(err, os.ErrNotExist) {
			log.Warn().Str("path", path).Msg("Config file does not exist")
			continue
		} else if err != nil {
			return nil, err
		}

		v, err := newViper(flags)
		if err != nil {
			return nil, err
		}
		if fi.Mode().IsDir() {
			v.AddConfigPath(path)
			v.SetConfigName("config")
			v.SetConfigType("yaml")
		} else {
			v.SetConfigFile(path)
		}
		return readConfig(v, path, false)
	}

	v, err := newViper(flags)
	if err != nil {
		return nil, err
	}
	// finally read from current working directory
	v.AddConfigPath(".")
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	cwd, _ := os.Getwd()

	return readConfig(v, cwd, true)
}

func newViper(flags *pflag.FlagSet) (*viper.Viper, error) {
	v := viper.New()

	v.SetDefault("workdir", "")
	v.SetDefault("backend", backend.KindSlurm)
	v.SetDefault("log_level", "info")

	// Scheduler defaults
	v.SetDefault("scheduler.jobs", 1)
	v.SetDefault("scheduler.poll_timeout", "10s")
	v.SetDefault("scheduler.watch_schedule", "@every 1m")

	// Batch system tools
	v.SetDefault("slurm.submit_cmd", "ccc_msub")
	v.SetDefault("slurm.status_cmd", "sacct")
	v.SetDefault("slurm.kill_cmd", "ccc_mdel")
	v.SetDefault("slurm.queue", "large")
	v.SetDefault("sge.submit_cmd", "qsub")
	v.SetDefault("sge.status_cmd", "qstat")
	v.SetDefault("sge.accounting_cmd", "qacct")
	v.SetDefault("sge.kill_cmd", "qdel")
	v.SetDefault("sge.shell", "/bin/bash")

	v.SetDefault("metrics.textfile", "")

	// an empty address disables transition events
	v.SetDefault("notify.addr", "")
	v.SetDefault("notify.password", "")
	v.SetDefault("notify.db", 0)
	v.SetDefault("notify.list", "dagrunner:events")

	v.SetEnvPrefix("DR")                               // Prefix for environment variables
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_")) // Replace dots with underscores in env vars
	v.AutomaticEnv()                                   // Read environment variables

	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("could not bind flag %s: %w", name, err)
				}
			}
		}
	}

	return v, nil
}

func readConfig(v *viper.Viper, path string, optional bool) (*DRConfig, error) {
	var config DRConfig

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !optional || !errors.As(err, &notFound) {
			log.Warn().
				Str("path", path).
				Msg("Could not read config file")
			return nil, err
		}
		log.Debug().Str("path", path).Msg("No config file, using defaults")
	}
	if err := v.Unmarshal(&config); err != nil {
		log.Warn().
			Str("path", path).
			Msg("Could not unmarshall config")
		return nil, err
	}

	return &config, nil
}

// Level parses the configured log level
func (c *DRConfig) Level() (zerolog.Level, error) {
	return zerolog.ParseLevel(strings.ToLower(c.LogLevel))
}

// BackendConfig returns the settings of the batch systems
func (c *DRConfig) BackendConfig() backend.Config {
	return backend.Config{Slurm: c.Slurm, SGE: c.SGE}
}
