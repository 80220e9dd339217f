// Package config holds binmerchant's settings. Values are layered by viper:
// defaults, then a JSON file, then BINMERCHANT_* environment variables, then
// command-line flags that were set explicitly.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/invopop/jsonschema"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"binmerchant/internal/model"
)

// Config is the on-disk configuration format. Keys match the flag names.
type Config struct {
	DataDir             string `json:"data-dir,omitempty" mapstructure:"data-dir" jsonschema:"title=Data Directory,description=Directory holding <sha256>.BinExport files and logs,default=data"`
	Debug               bool   `json:"debug,omitempty" mapstructure:"debug" jsonschema:"title=Debug,description=Enable debug logging"`
	CacheSize           int    `json:"cache-size,omitempty" mapstructure:"cache-size" jsonschema:"title=Cache Size,description=Number of flow graph models kept in memory,minimum=1,default=64"`
	AllowUnanchored     bool   `json:"allow-unanchored,omitempty" mapstructure:"allow-unanchored" jsonschema:"title=Allow Unanchored,description=Resolve instructions that precede every explicit address from zero instead of failing"`
	ZeroAddressIsAbsent bool   `json:"zero-address-is-absent,omitempty" mapstructure:"zero-address-is-absent" jsonschema:"title=Zero Address Is Absent,description=Treat an explicit address of 0 as missing,default=true"`
	NoColor             bool   `json:"no-color,omitempty" mapstructure:"no-color" jsonschema:"title=No Color,description=Disable listing colors"`
	Decode              bool   `json:"decode,omitempty" mapstructure:"decode" jsonschema:"title=Decode,description=Add a column decoding raw bytes with golang.org/x/arch"`
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		DataDir:             "data",
		CacheSize:           model.DefaultCacheSize,
		ZeroAddressIsAbsent: true,
	}
}

// Load layers the settings. The config file is path, or the config flag or
// BINMERCHANT_CONFIG when path is empty; no file at all is fine. flags may be
// nil.
func Load(path string, flags *pflag.FlagSet) (Config, error) {
	v := viper.New()

	d := Default()
	v.SetDefault("data-dir", d.DataDir)
	v.SetDefault("debug", d.Debug)
	v.SetDefault("cache-size", d.CacheSize)
	v.SetDefault("allow-unanchored", d.AllowUnanchored)
	v.SetDefault("zero-address-is-absent", d.ZeroAddressIsAbsent)
	v.SetDefault("no-color", d.NoColor)
	v.SetDefault("decode", d.Decode)

	v.SetEnvPrefix("binmerchant")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return Config{}, fmt.Errorf("bind flags: %w", err)
		}
	}

	if path == "" {
		path = v.GetString("config")
	}
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("json")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	return c, c.Validate()
}

var ErrCacheSize = errors.New("cache-size must be positive")

func (c Config) Validate() error {
	if c.CacheSize <= 0 {
		return fmt.Errorf("%w: %d", ErrCacheSize, c.CacheSize)
	}
	return nil
}

// Resolver returns the address resolver these settings describe.
func (c Config) Resolver() model.Resolver {
	return model.Resolver{
		ZeroAddressIsAbsent: c.ZeroAddressIsAbsent,
		AllowUnanchored:     c.AllowUnanchored,
	}
}

// Schema is the JSON schema of the configuration file.
func Schema() *jsonschema.Schema {
	reflector := new(jsonschema.Reflector)
	return reflector.Reflect(&Config{})
}
