package app

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

// Config drives the daemon. Flags layer on top of an optional YAML file.
type Config struct {
	DumpStdout     bool   `yaml:"dump-stdout"`
	DumpCarbon     string `yaml:"dump-carbon"`
	DumpPrometheus bool   `yaml:"dump-prometheus"`
	DumpRest       bool   `yaml:"dump-rest"`

	// Freq is the polling period in seconds, minimum 1.
	Freq int `yaml:"freq"`

	// HTTPListenAddr is where the embedded server binds when a scrape
	// backend is enabled.
	HTTPListenAddr string `yaml:"http-listen-address"`
}

// DefaultConfig returns the daemon defaults.
func DefaultConfig() Config {
	return Config{
		Freq:           10,
		HTTPListenAddr: ":7080",
	}
}

// LoadFile overlays the YAML file at path onto the config.
func (c *Config) LoadFile(path string) error {
	buf, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "unable to read config '%s'", path)
	}

	if err := yaml.UnmarshalStrict(buf, c); err != nil {
		return errors.Wrapf(err, "unable to parse config '%s'", path)
	}
	return nil
}

// Validate rejects configurations the daemon cannot run.
func (c *Config) Validate() error {
	if !c.DumpStdout && c.DumpCarbon == "" && !c.DumpPrometheus && !c.DumpRest {
		return errors.New("no dump option selected")
	}
	if c.Freq < 1 {
		return errors.Errorf("invalid freq %d: minimum is 1 second", c.Freq)
	}
	return nil
}
