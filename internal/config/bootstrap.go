package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// Bootstrap holds the process-level settings needed before the sqlite-backed
// AppConfig (above) even exists: where to listen for the bootstrap HTTP
// probe, where the database and image store live, and how to log. This is
// intentionally tiny — everything else lives in AppConfig and is mutable at
// runtime through the HTTP API.
//
// Grounded on the teacher's internal/config.Load (viper file+env, with
// flags taking precedence) collapsed to the handful of settings that must
// exist before any database can be opened.
type Bootstrap struct {
	ListenAddr string `mapstructure:"listen_addr"`
	DBPath     string `mapstructure:"db_path"`
	ImagesDir  string `mapstructure:"images_dir"`
	LogLevel   string `mapstructure:"log_level"`
	LogFormat  string `mapstructure:"log_format"`
	LogFile    string `mapstructure:"log_file"`
}

// DefaultBootstrap returns the bootstrap settings used when no config file,
// env var, or flag overrides them.
func DefaultBootstrap() Bootstrap {
	return Bootstrap{
		ListenAddr: "0.0.0.0:8080",
		DBPath:     "/var/lib/one-kvm/onekvm.db",
		ImagesDir:  "/var/lib/one-kvm/images",
		LogLevel:   "info",
		LogFormat:  "text",
	}
}

// LoadBootstrap reads the bootstrap config from (in increasing precedence)
// defaults, a YAML file, and ONEKVM_-prefixed environment variables. The
// viper instance is private to this call, so no command-line flag overrides
// these settings; cfgFile only selects which YAML file is read.
func LoadBootstrap(cfgFile string) (Bootstrap, error) {
	b := DefaultBootstrap()

	v := viper.New()
	v.SetEnvPrefix("ONEKVM")
	v.AutomaticEnv()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("onekvmd")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/one-kvm")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return b, fmt.Errorf("read bootstrap config: %w", err)
		}
	}

	if err := v.Unmarshal(&b); err != nil {
		return b, fmt.Errorf("decode bootstrap config: %w", err)
	}

	if b.DBPath != "" {
		if err := ensureParentDir(b.DBPath); err != nil {
			return b, err
		}
	}
	return b, nil
}

func ensureParentDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "" || dir == "." {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create directory %q: %w", dir, err)
	}
	return nil
}
