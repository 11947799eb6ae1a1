package mirror

import (
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/cockroachdb/errors"
	"github.com/mitchellh/go-homedir"
)

const (
	// DefaultConfigPath is read when no configuration file is given.
	DefaultConfigPath = "/etc/cratemirror/cratemirror.toml"

	defaultMaxConns  = 4
	defaultRetries   = 4
	defaultRetryWait = time.Second
	defaultTimeout   = 60 * time.Second

	defaultProxyUpstream = "sparse+https://index.crates.io/"
	defaultIndexTTL      = 15 * time.Minute

	// maxRetryWait caps the exponential backoff between attempts.
	maxRetryWait = 30 * time.Second
)

// Duration is a time.Duration written as a string ("1s", "2m30s") in TOML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Policy decides what a sync run does after a package fails.
type Policy string

const (
	// PolicyAbort stops the run at the first failed package.
	PolicyAbort Policy = "abort"
	// PolicyContinue records the failure and syncs the remaining packages.
	PolicyContinue Policy = "continue"
)

// SourceConfig describes where archives of one source are downloaded from.
type SourceConfig struct {
	// DL is a download URL template. See DownloadURL.
	DL string `toml:"dl"`

	// Headers are sent verbatim with every request to this source.
	Headers map[string]string `toml:"headers,omitempty"`
}

// Check validates the source configuration.
func (sc *SourceConfig) Check() error {
	if sc.DL == "" {
		return errors.New("dl is not set")
	}
	u, err := url.Parse(expandTemplate(sc.DL, "x", "0.0.0", ""))
	if err != nil {
		return errors.Wrap(err, "dl")
	}
	switch u.Scheme {
	case "http", "https", "file":
	default:
		return errors.New("unsupported scheme: " + u.Scheme)
	}
	return nil
}

// LogConfig selects the level and format of log records.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Handler returns a slog.Handler writing to w.
func (logConfig *LogConfig) Handler(w io.Writer) (slog.Handler, error) {
	var level slog.Level
	switch strings.ToLower(logConfig.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info", "":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, errors.New("invalid log level: " + logConfig.Level)
	}

	opts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(logConfig.Format) {
	case "json":
		return slog.NewJSONHandler(w, opts), nil
	case "plain", "", "text":
		return slog.NewTextHandler(w, opts), nil
	}
	return nil, errors.New("invalid log format: " + logConfig.Format)
}

// Apply makes a logger writing to stderr the default one.
func (logConfig *LogConfig) Apply() error {
	handler, err := logConfig.Handler(os.Stderr)
	if err != nil {
		return err
	}
	slog.SetDefault(slog.New(handler))
	return nil
}

// ProxyConfig configures the server when it fetches missing packages
// from an upstream sparse registry.
type ProxyConfig struct {
	// Upstream is the source id of the upstream registry, "sparse+<url>".
	Upstream string `toml:"upstream"`

	// IndexTTL is how long an upstream index file is served before it is
	// fetched again.
	IndexTTL Duration `toml:"index_ttl"`
}

// Check validates the proxy configuration.
func (pc *ProxyConfig) Check() error {
	index, ok := strings.CutPrefix(pc.Upstream, "sparse+")
	if !ok {
		return errors.New("upstream must be a sparse+ source: " + pc.Upstream)
	}
	u, err := url.Parse(index)
	if err != nil {
		return errors.Wrap(err, "upstream")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.New("unsupported scheme: " + u.Scheme)
	}
	if pc.IndexTTL.Duration < 0 {
		return errors.New("index_ttl must not be negative")
	}
	return nil
}

// Config is a struct to read TOML configurations.
//
// Use LoadConfig, or https://github.com/BurntSushi/toml as follows:
//
//	config := mirror.NewConfig()
//	md, err := toml.DecodeFile("/path/to/cratemirror.toml", config)
//	if err != nil {
//	    ...
//	}
type Config struct {
	Dir       string                   `toml:"dir"`
	MaxConns  int                      `toml:"max_conns"`
	Retries   int                      `toml:"retries"`
	RetryWait Duration                 `toml:"retry_wait"`
	Timeout   Duration                 `toml:"timeout"`
	OnFailure Policy                   `toml:"on_failure"`
	Clean     bool                     `toml:"clean"`
	Log       LogConfig                `toml:"log"`
	Proxy     ProxyConfig              `toml:"proxy"`
	Sources   map[string]*SourceConfig `toml:"sources"`
}

// Check validates the configuration.
func (c *Config) Check() error {
	if c.Dir == "" {
		return errors.New("dir is not set")
	}
	if c.MaxConns < 1 {
		return errors.New("max_conns must be at least 1")
	}
	if c.Retries < 0 {
		return errors.New("retries must not be negative")
	}
	if c.RetryWait.Duration < 0 {
		return errors.New("retry_wait must not be negative")
	}
	if c.Timeout.Duration <= 0 {
		return errors.New("timeout must be positive")
	}
	switch c.OnFailure {
	case PolicyAbort, PolicyContinue:
	default:
		return errors.New("invalid on_failure: " + string(c.OnFailure))
	}
	if err := c.Proxy.Check(); err != nil {
		return errors.Wrap(err, "proxy")
	}
	for id, sc := range c.Sources {
		if err := sc.Check(); err != nil {
			return errors.Wrapf(err, "sources.%q", id)
		}
	}
	return nil
}

// ExpandPaths replaces a leading "~" in path settings with the home directory
// and makes Dir absolute.
func (c *Config) ExpandPaths() error {
	if c.Dir == "" {
		return nil
	}
	dir, err := homedir.Expand(c.Dir)
	if err != nil {
		return errors.Wrap(err, "dir")
	}
	dir, err = filepath.Abs(dir)
	if err != nil {
		return errors.Wrap(err, "dir")
	}
	c.Dir = dir
	return nil
}

// NewConfig creates Config with default values.
func NewConfig() *Config {
	return &Config{
		MaxConns:  defaultMaxConns,
		Retries:   defaultRetries,
		RetryWait: Duration{defaultRetryWait},
		Timeout:   Duration{defaultTimeout},
		OnFailure: PolicyAbort,
		Proxy: ProxyConfig{
			Upstream: defaultProxyUpstream,
			IndexTTL: Duration{defaultIndexTTL},
		},
	}
}

// LoadConfig reads the TOML file at path on top of the defaults and then
// applies CRATEMIRROR_* environment overrides. A missing file is an error
// only when required is true. Unknown keys are rejected.
func LoadConfig(path string, required bool) (*Config, error) {
	config := NewConfig()

	if path != "" {
		expanded, err := homedir.Expand(path)
		if err != nil {
			return nil, errors.Wrap(err, "config path")
		}
		md, err := toml.DecodeFile(expanded, config)
		switch {
		case os.IsNotExist(err) && !required:
			slog.Debug("no configuration file", "path", expanded)
		case err != nil:
			return nil, errors.Wrap(err, "read config "+expanded)
		case len(md.Undecoded()) > 0:
			return nil, errors.Wrap(undecodedError(md.Undecoded()), expanded)
		}
	}

	if err := config.ApplyEnvironmentVariables(); err != nil {
		return nil, err
	}
	if err := config.ExpandPaths(); err != nil {
		return nil, err
	}
	return config, nil
}

// undecodedError describes keys of a configuration file that match no
// setting. A "source" table is a common misspelling of "sources" and is
// reported as such.
func undecodedError(keys []toml.Key) error {
	sections := make(map[string]int)
	var sectionNames, unknown []string
	for _, key := range keys {
		if len(key) >= 2 && key[0] == "source" {
			section := key[:2].String()
			if sections[section] == 0 {
				sectionNames = append(sectionNames, section)
			}
			sections[section]++
			continue
		}
		unknown = append(unknown, key.String())
	}

	var msg strings.Builder
	for _, section := range sectionNames {
		msg.WriteString(fmt.Sprintf("section '%s' should be 'sources.%s'; ", section, section[len("source."):]))
	}
	if len(unknown) > 0 {
		msg.WriteString("unknown keys: " + strings.Join(unknown, ", "))
	}
	return errors.New(strings.TrimSuffix(msg.String(), "; "))
}
