// Package config loads the optional espz.yaml project file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/guseggert/espz/console"
	"github.com/guseggert/espz/deploy"
	"github.com/guseggert/espz/gateway"
	"github.com/guseggert/espz/internal/files"
	"github.com/guseggert/espz/transport"
	"gopkg.in/yaml.v3"
)

const FileName = "espz.yaml"

type Config struct {
	// Address is a serial device path, a host[:port] or a ws:// bridge URL.
	Address     string        `yaml:"address"`
	BaudRate    int           `yaml:"baud_rate"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
	// ExecTimeout bounds each expression sent by the CLI. Zero waits forever.
	ExecTimeout      time.Duration `yaml:"exec_timeout"`
	ReconnectBackoff time.Duration `yaml:"reconnect_backoff"`
	// Bootstrap runs the console recovery sequence on every new connection. Defaults to true.
	Bootstrap *bool `yaml:"bootstrap"`

	Listen string `yaml:"listen"`
	// TLSDir holds the files written by "espz certs". When set, the gateway requires client certificates
	// and gateway clients present one.
	TLSDir string `yaml:"tls_dir"`
	// Gateway is the URL of a running gateway. When set, commands go through it instead of opening the console.
	Gateway string `yaml:"gateway"`

	Deploy Deploy `yaml:"deploy"`
}

// Deploy holds defaults for the send command.
type Deploy struct {
	Entries []string `yaml:"entries"`
	Assets  []string `yaml:"assets"`
	Reset   string   `yaml:"reset"`
	Boot    bool     `yaml:"boot"`
	Save    bool     `yaml:"save"`
}

func Default() *Config {
	return &Config{
		Address:          "espruino.local:23",
		BaudRate:         transport.DefaultBaudRate,
		DialTimeout:      5 * time.Second,
		ExecTimeout:      10 * time.Second,
		ReconnectBackoff: console.DefaultReconnectBackoff,
		Listen:           gateway.DefaultListenAddr,
	}
}

// Find returns the path of the nearest espz.yaml at or above dir, or "" if there is none.
func Find(dir string) (string, error) {
	return files.FindUp(FileName, dir)
}

// Load reads the file at path over the defaults. Unknown keys are an error.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening config: %w", err)
	}
	defer f.Close()
	cfg, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", path, err)
	}
	cfg.resolvePaths(filepath.Dir(path))
	return cfg, nil
}

// resolvePaths makes file paths in the config relative to the directory it was loaded from.
func (c *Config) resolvePaths(dir string) {
	abs := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(dir, p)
	}
	c.TLSDir = abs(c.TLSDir)
	for i := range c.Deploy.Entries {
		c.Deploy.Entries[i] = abs(c.Deploy.Entries[i])
	}
	for i := range c.Deploy.Assets {
		c.Deploy.Assets[i] = abs(c.Deploy.Assets[i])
	}
}

func Parse(r io.Reader) (*Config, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	cfg := Default()
	if len(bytes.TrimSpace(b)) == 0 {
		return cfg, nil
	}
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("decoding YAML: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if _, err := transport.ParseAddress(c.Address); err != nil {
		return fmt.Errorf("invalid address: %w", err)
	}
	if c.BaudRate <= 0 {
		return fmt.Errorf("invalid baud rate %d", c.BaudRate)
	}
	if c.DialTimeout < 0 || c.ExecTimeout < 0 || c.ReconnectBackoff < 0 {
		return errors.New("durations must not be negative")
	}
	if _, err := deploy.ParseResetMode(c.Deploy.Reset); err != nil {
		return fmt.Errorf("invalid deploy.reset: %w", err)
	}
	return nil
}

func (c *Config) BootstrapEnabled() bool {
	return c.Bootstrap == nil || *c.Bootstrap
}

func (c *Config) TransportOptions() []transport.Option {
	return []transport.Option{
		transport.WithBaudRate(c.BaudRate),
		transport.WithDialTimeout(c.DialTimeout),
	}
}

func (c *Config) ConsoleOptions() []console.Option {
	opts := []console.Option{console.WithReconnectBackoff(c.ReconnectBackoff)}
	if !c.BootstrapEnabled() {
		opts = append(opts, console.WithoutBootstrap())
	}
	return opts
}

// Dial opens a console client for the configured address. extra options are applied after the configured ones.
// A wss:// bridge is dialed with the client certificate from TLSDir, if set.
func (c *Config) Dial(extra ...console.Option) (*console.Client, error) {
	addr, err := transport.ParseAddress(c.Address)
	if err != nil {
		return nil, err
	}
	opts := c.TransportOptions()
	if addr.Kind == transport.KindWebSocket && c.TLSDir != "" {
		tlsConfig, err := gateway.LoadClientTLSConfig(c.TLSDir)
		if err != nil {
			return nil, fmt.Errorf("loading TLS config: %w", err)
		}
		opts = append(opts, transport.WithHTTPClient(&http.Client{
			Transport: &http.Transport{TLSClientConfig: tlsConfig},
		}))
	}
	d := transport.NewForAddress(addr, opts...)
	return console.New(d, append(c.ConsoleOptions(), extra...)...), nil
}
