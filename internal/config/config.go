// Package config loads the server configuration from a TOML file and the
// OLLEHD_* environment.
package config

import (
	"encoding/hex"
	"io"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/mitchellh/hashstructure"
	"github.com/pkg/errors"

	"ollehd/internal/crypto"
)

const (
	DefaultListen     = "0.0.0.0:4646"
	DefaultMinThreads = 2
	DefaultMaxThreads = 8
	DefaultTimeout    = 500 * time.Millisecond
	DefaultRetries    = 3
	DefaultQueueSize  = 30
)

// Duration reads "500ms"-style strings.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(b)))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

type Config struct {
	Listen    string `toml:"listen"`
	Curve     string `toml:"curve"`
	KeyDir    string `toml:"key_dir"`
	ShareQUIC bool   `toml:"share_quic"`
	UseExc    bool   `toml:"use_exc"`
	Debug     bool   `toml:"debug"`

	Pool    Pool    `toml:"pool"`
	Limits  Limits  `toml:"limits"`
	Policy  Policy  `toml:"policy"`
	Session Session `toml:"session"`
	Users   []User  `toml:"user"`
}

type Pool struct {
	MinThreads int      `toml:"min_threads"`
	MaxThreads int      `toml:"max_threads"`
	Timeout    Duration `toml:"timeout"`
	Retries    int      `toml:"retries"`
	QueueSize  int      `toml:"queue_size"`
}

// Limits is the per-source datagram budget. PerSource 0 disables it.
type Limits struct {
	PerSource int      `toml:"per_source"`
	Window    Duration `toml:"window"`
}

type Policy struct {
	NeedLogin bool     `toml:"need_login"`
	NeedPass  bool     `toml:"need_pass"`
	KeyTTL    Duration `toml:"key_ttl"`
	KeyCache  int      `toml:"key_cache"`
}

type Session struct {
	RequireSameAddr bool     `toml:"require_same_addr"`
	IdleTTL         Duration `toml:"idle_ttl"`
	Journal         string   `toml:"journal"`
	// DataKey is the hex XChaCha20 key sealing session keys in the journal.
	DataKey string `toml:"data_key" hash:"ignore"`
}

type User struct {
	Login    string `toml:"login"`
	PassHash string `toml:"pass_hash"`
}

func Default() Config {
	return Config{
		Listen: DefaultListen,
		Curve:  crypto.DefaultCurve,
		Pool: Pool{
			MinThreads: DefaultMinThreads,
			MaxThreads: DefaultMaxThreads,
			Timeout:    Duration{DefaultTimeout},
			Retries:    DefaultRetries,
			QueueSize:  DefaultQueueSize,
		},
		Limits: Limits{PerSource: 200, Window: Duration{time.Second}},
		Policy: Policy{KeyTTL: Duration{30 * time.Second}, KeyCache: 4096},
		Session: Session{
			RequireSameAddr: true,
			IdleTTL:         Duration{10 * time.Minute},
		},
	}
}

// Load reads path over the defaults, applies the environment and validates.
// An empty path skips the file.
func Load(path string) (Config, error) {
	if path == "" {
		c := Default()
		c.ApplyEnv(os.Getenv)
		if err := c.Validate(); err != nil {
			return Config{}, err
		}
		return c, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return Config{}, errors.Wrap(err, "config")
	}
	defer f.Close()
	c, err := Parse(f)
	if err != nil {
		return Config{}, errors.Wrapf(err, "config %s", path)
	}
	c.ApplyEnv(os.Getenv)
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Parse decodes TOML over the defaults. Unknown keys are an error so typos
// do not silently fall back to defaults.
func Parse(r io.Reader) (Config, error) {
	c := Default()
	md, err := toml.NewDecoder(r).Decode(&c)
	if err != nil {
		return Config{}, err
	}
	if undec := md.Undecoded(); len(undec) > 0 {
		keys := make([]string, len(undec))
		for i, k := range undec {
			keys[i] = k.String()
		}
		return Config{}, errors.Errorf("unknown keys: %s", strings.Join(keys, ", "))
	}
	return c, nil
}

// ApplyEnv overrides fields from OLLEHD_LISTEN and OLLEHD_DEBUG.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if v := strings.TrimSpace(getenv("OLLEHD_LISTEN")); v != "" {
		c.Listen = v
	}
	switch strings.TrimSpace(getenv("OLLEHD_DEBUG")) {
	case "1", "true":
		c.Debug = true
	case "0", "false":
		c.Debug = false
	}
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Listen) == "" {
		return errors.New("config: listen is empty")
	}
	curve, err := crypto.CanonicalCurve(c.Curve)
	if err != nil {
		return errors.Wrap(err, "config: curve")
	}
	c.Curve = curve

	p := c.Pool
	if p.MinThreads < 1 || p.MaxThreads < p.MinThreads {
		return errors.Errorf("config: need 1 <= pool.min_threads <= pool.max_threads, got %d/%d", p.MinThreads, p.MaxThreads)
	}
	if p.Timeout.Duration <= 0 {
		return errors.New("config: pool.timeout must be positive")
	}
	if p.Retries < 0 {
		return errors.New("config: pool.retries must not be negative")
	}
	if p.QueueSize < 1 {
		return errors.New("config: pool.queue_size must be at least 1")
	}
	if c.Limits.PerSource < 0 {
		return errors.New("config: limits.per_source must not be negative")
	}

	if c.Session.Journal != "" {
		if _, err := c.Session.SealKey(); err != nil {
			return err
		}
	}
	seen := make(map[string]bool, len(c.Users))
	for i, u := range c.Users {
		if u.Login == "" || u.PassHash == "" {
			return errors.Errorf("config: user %d needs login and pass_hash", i)
		}
		if seen[u.Login] {
			return errors.Errorf("config: duplicate user %q", u.Login)
		}
		seen[u.Login] = true
	}
	return nil
}

// SealKey decodes session.data_key.
func (s Session) SealKey() ([]byte, error) {
	k, err := hex.DecodeString(strings.TrimSpace(s.DataKey))
	if err != nil || len(k) != crypto.XKeySize {
		return nil, errors.Errorf("config: session.data_key must be %d hex-encoded bytes", crypto.XKeySize)
	}
	return k, nil
}

// Fingerprint identifies the effective configuration in logs. The journal
// key does not contribute.
func (c Config) Fingerprint() (uint64, error) {
	return hashstructure.Hash(c, nil)
}
