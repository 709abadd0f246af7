// config/config.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package config loads snapsafe's settings. Values come from, in
// increasing order of precedence: built-in defaults, the global config
// file, a config file in the current directory, and SNAPSAFE_*
// environment variables.
package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/mmp/snapsafe/registry"
	"github.com/mmp/snapsafe/retention"
	"github.com/mmp/snapsafe/storage"
	u "github.com/mmp/snapsafe/util"
	"github.com/spf13/viper"
)

const (
	FileName  = "snapsafe.toml"
	EnvPrefix = "SNAPSAFE"
	// PasswordEnv names the environment variable that supplies the
	// password for non-interactive use.
	PasswordEnv = EnvPrefix + "_PASSWORD"
)

// Keys
const (
	KeyRegistryDir           = "registry_dir"
	KeyCompression           = "compression"
	KeyEncryption            = "encryption"
	KeyGCLimit               = "gc_limit"
	KeyEnforcePasswordPolicy = "enforce_password_policy"
	KeyExclude               = "exclude"
)

type Config struct {
	// Path is the config file that was read last, if any.
	Path string

	RegistryDir string
	Compression string
	Encryption  bool
	// GCLimit is the number of versions of each file that are kept.
	GCLimit               int
	EnforcePasswordPolicy bool
	Exclude               []string
}

// DefaultDir is where global state lives: ~/.snapsafe.
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".snapsafe"
	}
	return filepath.Join(home, ".snapsafe")
}

// GlobalPath and LocalPath are the default locations of the config
// files.
func GlobalPath() string {
	return filepath.Join(DefaultDir(), FileName)
}

func LocalPath() string {
	return FileName
}

func Default() *Config {
	return &Config{
		RegistryDir: DefaultDir(),
		Compression: storage.CompressGzip.String(),
		Encryption:  true,
		GCLimit:     retention.DefaultMaxVersions,
	}
}

func newViper() *viper.Viper {
	d := Default()
	v := viper.New()
	v.SetConfigType("toml")
	v.SetDefault(KeyRegistryDir, d.RegistryDir)
	v.SetDefault(KeyCompression, d.Compression)
	v.SetDefault(KeyEncryption, d.Encryption)
	v.SetDefault(KeyGCLimit, d.GCLimit)
	v.SetDefault(KeyEnforcePasswordPolicy, d.EnforcePasswordPolicy)
	v.SetDefault(KeyExclude, []string{})
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()
	return v
}

// Load reads the given config files, in order, each overriding the ones
// before it; files that don't exist are skipped. With no files given, the
// global and local config files are used.
func Load(files ...string) (*Config, error) {
	if len(files) == 0 {
		files = []string{GlobalPath(), LocalPath()}
	}

	v := newViper()
	used := ""
	for _, f := range files {
		if f == "" || !u.FileExists(f) {
			continue
		}
		v.SetConfigFile(f)
		var err error
		if used == "" {
			err = v.ReadInConfig()
		} else {
			err = v.MergeInConfig()
		}
		if err != nil {
			return nil, u.WrapError(u.KindConfig, err, f)
		}
		used = f
	}

	c := &Config{
		Path:                  used,
		RegistryDir:           expandHome(v.GetString(KeyRegistryDir)),
		Compression:           strings.ToLower(v.GetString(KeyCompression)),
		Encryption:            v.GetBool(KeyEncryption),
		GCLimit:               v.GetInt(KeyGCLimit),
		EnforcePasswordPolicy: v.GetBool(KeyEnforcePasswordPolicy),
		Exclude:               v.GetStringSlice(KeyExclude),
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// LoadFile reads exactly one config file, which must exist.
func LoadFile(path string) (*Config, error) {
	if !u.FileExists(path) {
		return nil, u.Errorf(u.KindConfig, "%s: config file not found", path)
	}
	return Load(path)
}

func (c *Config) Validate() error {
	if !c.Encryption {
		return u.Errorf(u.KindConfig, "encryption can't be disabled")
	}
	if _, err := storage.ParseCompression(c.Compression); err != nil {
		return u.WrapError(u.KindConfig, err, "compression")
	}
	if c.GCLimit < 1 {
		return u.Errorf(u.KindConfig, "gc_limit must be at least 1, got %d", c.GCLimit)
	}
	if c.RegistryDir == "" {
		return u.Errorf(u.KindConfig, "registry_dir must be set")
	}
	return nil
}

// Save writes the configuration to path as TOML.
func (c *Config) Save(path string) error {
	if err := c.Validate(); err != nil {
		return err
	}
	if err := u.EnsureDir(filepath.Dir(path)); err != nil {
		return u.WrapError(u.KindIO, err, path)
	}

	v := viper.New()
	v.SetConfigType("toml")
	v.Set(KeyRegistryDir, c.RegistryDir)
	v.Set(KeyCompression, c.Compression)
	v.Set(KeyEncryption, c.Encryption)
	v.Set(KeyGCLimit, c.GCLimit)
	v.Set(KeyEnforcePasswordPolicy, c.EnforcePasswordPolicy)
	v.Set(KeyExclude, c.Exclude)
	if err := v.WriteConfigAs(path); err != nil {
		return u.WrapError(u.KindConfig, err, path)
	}
	c.Path = path
	return nil
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, p[1:])
		}
	}
	return p
}

// RegistryPath and RetentionIndexPath give the locations of the
// machine-wide state files.
func (c *Config) RegistryPath() string {
	return registry.Path(c.RegistryDir)
}

func (c *Config) RetentionIndexPath() string {
	return filepath.Join(c.RegistryDir, "retention_index.json")
}
