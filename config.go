package kpac

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/caarlos0/env/v8"
	"github.com/gobwas/glob"
	"github.com/pkg/errors"
)

// Mode selects how sentinels are rewritten.
type Mode uint8

const (
	// ModeCalls prefers direct calls into a routine and traps only sites
	// that cannot be called.
	ModeCalls Mode = iota
	// ModeTraps rewrites every sentinel into a supervisor call.
	ModeTraps
)

func (m Mode) String() string {
	switch m {
	case ModeCalls:
		return "calls"
	case ModeTraps:
		return "traps"
	}
	return fmt.Sprintf("Mode(%d)", m)
}

func (m *Mode) UnmarshalText(b []byte) error {
	switch strings.ToLower(strings.TrimSpace(string(b))) {
	case "", "calls":
		*m = ModeCalls
	case "traps":
		*m = ModeTraps
	default:
		return errors.Errorf("unknown mode %q (want calls or traps)", b)
	}
	return nil
}

// Addr is an address given in hex, with or without a 0x prefix.
type Addr uintptr

func (a *Addr) UnmarshalText(b []byte) error {
	s := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(string(b))), "0x")
	if s == "" {
		*a = 0
		return nil
	}
	v, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return errors.Wrapf(err, "bad address %q", b)
	}
	*a = Addr(v)
	return nil
}

func (a Addr) String() string {
	return fmt.Sprintf("%#x", uintptr(a))
}

// Config is read once from the environment before any patching starts.
type Config struct {
	RunID       string   `env:"KPAC_ID"`
	StatPath    string   `env:"KPAC_STAT"`
	Mode        Mode     `env:"KPAC_MODE" envDefault:"calls"`
	SVC         bool     `env:"KPAC_SVC"`
	Skip        []string `env:"KPAC_SKIP" envSeparator:","`
	MaxSegments int      `env:"KPAC_MAX_SEGMENTS" envDefault:"4096"`
	Debug       bool     `env:"KPAC_DEBUG"`
	SignFn      Addr     `env:"KPAC_SIGN_FN"`
	AuthFn      Addr     `env:"KPAC_AUTH_FN"`

	skip []glob.Glob
}

// LoadConfig reads the configuration from the process environment.
func LoadConfig() (Config, error) {
	return parseConfig(env.Options{})
}

// ConfigFromMap reads the configuration from environ instead of the process
// environment.
func ConfigFromMap(environ map[string]string) (Config, error) {
	return parseConfig(env.Options{Environment: environ})
}

func parseConfig(opts env.Options) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, errors.Wrap(err, "failed to parse environment")
	}
	if err := cfg.Compile(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Compile checks c and prepares its skip patterns. Configs built by hand must
// be compiled before use.
func (c *Config) Compile() error {
	if c.SVC {
		c.Mode = ModeTraps
	}
	if c.MaxSegments < 0 {
		return errors.Errorf("KPAC_MAX_SEGMENTS must not be negative, got %d", c.MaxSegments)
	}
	c.skip = c.skip[:0]
	for _, p := range c.Skip {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		g, err := glob.Compile(p, '/')
		if err != nil {
			return errors.Wrapf(err, "bad KPAC_SKIP pattern %q", p)
		}
		c.skip = append(c.skip, g)
	}
	return nil
}

// Skipped reports whether path matches one of the skip patterns.
func (c *Config) Skipped(path string) bool {
	for _, g := range c.skip {
		if g.Match(path) {
			return true
		}
	}
	return false
}
