package config

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/notargets/octforest/logging"
	"github.com/notargets/octforest/topology"
)

// Duration is a time.Duration decoded from strings such as "30s".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler
func (d *Duration) UnmarshalText(text []byte) (err error) {
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// TransportConfig bounds the blocking points of the collectives.
type TransportConfig struct {
	Timeout Duration `toml:"timeout"`
}

// Config holds the construction parameters of one octree.
type Config struct {
	Dim      int `toml:"dim"`
	MaxLevel int `toml:"max_level"`

	// BalanceCodim limits 2:1 balance to entities up to this codimension.
	// Zero means the tree dimension (faces, edges and nodes).
	BalanceCodim int `toml:"balance_codim"`

	// Periodic lists faces with periodic boundaries; the opposite face is implied.
	Periodic []int `toml:"periodic"`

	Log       logging.LogConfig `toml:"log"`
	Transport TransportConfig   `toml:"transport"`
}

// Default returns a 3D configuration with the default max level.
func Default() Config {
	return Config{
		Dim:       int(topology.D3),
		MaxLevel:  topology.DefaultMaxLevel,
		Transport: TransportConfig{Timeout: Duration{30 * time.Second}},
	}
}

// New returns the default configuration for dim and maxLevel.
func New(dim, maxLevel int) Config {
	c := Default()
	c.Dim, c.MaxLevel = dim, maxLevel
	return c
}

// Load decodes a TOML file over the defaults and validates the result.
func Load(filename string) (Config, error) {
	c := Default()
	if _, err := toml.DecodeFile(filename, &c); err != nil {
		return c, errors.Wrapf(err, "could not decode TOML config %s", filename)
	}
	return c, c.Validate()
}

// Decode is Load for an in-memory document.
func Decode(doc string) (Config, error) {
	c := Default()
	if _, err := toml.Decode(doc, &c); err != nil {
		return c, errors.Wrap(err, "could not decode TOML config")
	}
	return c, c.Validate()
}

// Codim resolves BalanceCodim against the dimension.
func (c Config) Codim() uint8 {
	if c.BalanceCodim == 0 {
		return uint8(c.Dim)
	}
	return uint8(c.BalanceCodim)
}

// PeriodicFaces expands Periodic to a per-face mask including opposite faces.
func (c Config) PeriodicFaces() (faces [6]bool) {
	for _, f := range c.Periodic {
		if f >= 0 && f < 2*c.Dim {
			faces[f] = true
			faces[f^1] = true
		}
	}
	return faces
}

// Validate reports every invalid setting at once.
func (c Config) Validate() (err error) {
	if _, terr := topology.New(c.Dim, c.MaxLevel); terr != nil {
		err = multierr.Append(err, terr)
	}
	if c.BalanceCodim < 0 || c.BalanceCodim > c.Dim {
		err = multierr.Append(err, fmt.Errorf("balance_codim %d outside [0, %d]", c.BalanceCodim, c.Dim))
	}
	for _, f := range c.Periodic {
		if f < 0 || f >= 2*c.Dim {
			err = multierr.Append(err, fmt.Errorf("periodic face %d outside [0, %d)", f, 2*c.Dim))
		}
	}
	if _, lerr := c.Log.ParseLevel(); lerr != nil {
		err = multierr.Append(err, lerr)
	}
	if c.Transport.Timeout.Duration < 0 {
		err = multierr.Append(err, fmt.Errorf("transport timeout %v is negative", c.Transport.Timeout))
	}
	return err
}
