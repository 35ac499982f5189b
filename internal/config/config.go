// Package config owns the credentials-and-network config file: channel,
// peers, chaincode, CA enrollment options and the owners to seed. The file is
// JSON, read through viper, and rewritten in place whenever the operator
// submits corrected settings from the browser. A missing file is not fatal:
// the checklist step reports it and the process keeps serving so the operator
// can fix it.
package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid config")

// CAConfig holds the enrollment options for the admin identity.
type CAConfig struct {
	URL          string `mapstructure:"url" json:"url"`
	Name         string `mapstructure:"ca_name" json:"ca_name"`
	EnrollID     string `mapstructure:"enroll_id" json:"enroll_id"`
	EnrollSecret string `mapstructure:"enroll_secret" json:"enroll_secret"`
	MSPID        string `mapstructure:"msp_id" json:"msp_id"`
}

// ServerConfig is where the web UI listens.
type ServerConfig struct {
	Host string `mapstructure:"host" json:"host"`
	Port int    `mapstructure:"port" json:"port"`
}

// Config is an immutable snapshot of the config file.
type Config struct {
	ChannelID        string            `mapstructure:"channel_id" json:"channel_id"`
	ChaincodeID      string            `mapstructure:"chaincode_id" json:"chaincode_id"`
	ChaincodeVersion string            `mapstructure:"chaincode_version" json:"chaincode_version"`
	Peers            map[string]string `mapstructure:"peers" json:"peers"`
	Orderers         map[string]string `mapstructure:"orderers" json:"orderers"`
	EventURL         string            `mapstructure:"event_url" json:"event_url"`
	CA               CAConfig          `mapstructure:"ca" json:"ca"`
	KVSPath          string            `mapstructure:"kvs_path" json:"kvs_path"`
	Owners           []string          `mapstructure:"owners" json:"owners"`
	Company          string            `mapstructure:"company" json:"company"`
	BlockDelayMs     int               `mapstructure:"block_delay_ms" json:"block_delay_ms"`
	KeepAliveMs      int               `mapstructure:"keep_alive_ms" json:"keep_alive_ms"`
	Server           ServerConfig      `mapstructure:"server" json:"server"`
	SessionSecret    string            `mapstructure:"session_secret" json:"session_secret"`
	SessionDB        string            `mapstructure:"session_db" json:"session_db"`
}

var defaults = map[string]any{
	"chaincode_version": "v1",
	"kvs_path":          "kvs",
	"company":           "United Vehicles",
	"block_delay_ms":    10000,
	"keep_alive_ms":     120000,
	"server.host":       "localhost",
	"server.port":       3001,
	"session_db":        "sessions.db",
	"ca.msp_id":         "Org1MSP",
}

// FirstPeer returns the name of the first peer in name order.
func (c *Config) FirstPeer() string {
	if len(c.Peers) == 0 {
		return ""
	}
	names := make([]string, 0, len(c.Peers))
	for name := range c.Peers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names[0]
}

// FirstPeerURL returns the URL of FirstPeer.
func (c *Config) FirstPeerURL() string {
	return c.Peers[c.FirstPeer()]
}

// BlockDelay is how long a block takes to be cut; also the chain monitor period.
func (c *Config) BlockDelay() time.Duration {
	return time.Duration(c.BlockDelayMs) * time.Millisecond
}

// KeepAlive is the period of the admin re-enrollment keep-alive.
func (c *Config) KeepAlive() time.Duration {
	return time.Duration(c.KeepAliveMs) * time.Millisecond
}

// Validate checks the fields the startup pipeline depends on and reports
// every problem at once.
func (c *Config) Validate() error {
	var errs []error
	require := func(ok bool, field string) {
		if !ok {
			errs = append(errs, fmt.Errorf("%w: %s is required", ErrInvalid, field))
		}
	}

	require(c.ChannelID != "", "channel_id")
	require(c.ChaincodeID != "", "chaincode_id")
	require(len(c.Peers) > 0, "peers")
	require(c.CA.URL != "", "ca.url")
	require(c.CA.EnrollID != "", "ca.enroll_id")
	require(c.CA.EnrollSecret != "", "ca.enroll_secret")
	require(c.KVSPath != "", "kvs_path")
	require(len(c.Owners) > 0, "owners")

	for name, url := range c.Peers {
		if strings.TrimSpace(url) == "" {
			errs = append(errs, fmt.Errorf("%w: peers.%s has no url", ErrInvalid, name))
		}
	}
	if c.BlockDelayMs < 0 || c.KeepAliveMs < 0 {
		errs = append(errs, fmt.Errorf("%w: delays must not be negative", ErrInvalid))
	}
	return errors.Join(errs...)
}

// Store guards the config file and the current snapshot.
type Store struct {
	mu      sync.RWMutex
	v       *viper.Viper
	path    string
	cur     *Config
	readErr error
}

// Load reads the config file at path. A missing or unparsable file leaves
// defaults in place and is reported by Validate.
func Load(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("config path is required")
	}
	s := &Store{path: path}
	if err := s.reloadLocked(); err != nil {
		return nil, err
	}
	return s, nil
}

func newViper(path string) *viper.Viper {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	return v
}

// reloadLocked re-reads the file into a fresh viper and rebuilds the
// snapshot. Nothing set on an earlier viper survives, so the file is the
// only source besides the defaults.
func (s *Store) reloadLocked() error {
	s.v = newViper(s.path)
	s.readErr = nil
	if _, err := os.Stat(s.path); err != nil {
		s.readErr = fmt.Errorf("%w: read %s: %v", ErrInvalid, s.path, err)
	} else if err := s.v.ReadInConfig(); err != nil {
		s.readErr = fmt.Errorf("%w: parse %s: %v", ErrInvalid, s.path, err)
	}

	var c Config
	if err := s.v.Unmarshal(&c); err != nil {
		return fmt.Errorf("unmarshal config: %w", err)
	}
	s.cur = &c
	return nil
}

// Current returns the active snapshot. Callers must not mutate it.
func (s *Store) Current() *Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cur
}

// Path is the location of the config file.
func (s *Store) Path() string {
	return s.path
}

// Check validates the current snapshot, including file read errors.
func (s *Store) Check() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.readErr != nil {
		return errors.Join(s.readErr, s.cur.Validate())
	}
	return s.cur.Validate()
}

// Apply overwrites only the supplied settings, writes the file and reads it
// back. Nested objects are merged key by key so a patch of {"ca":{"url":..}}
// keeps the stored enroll secret.
func (s *Store) Apply(patch map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(patch) == 0 {
		return s.reloadLocked()
	}

	// merge into what is on disk now, not into the last snapshot
	merged := newViper(s.path)
	if _, err := os.Stat(s.path); err == nil {
		if err := merged.ReadInConfig(); err != nil {
			// leave the broken file alone; Check reports it
			return errors.Join(fmt.Errorf("%w: read config before write: %v", ErrInvalid, err), s.reloadLocked())
		}
	}
	flat := make(map[string]any)
	flatten("", patch, flat)
	for k, val := range flat {
		merged.Set(k, val)
	}

	if err := merged.WriteConfigAs(s.path); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return s.reloadLocked()
}

func flatten(prefix string, in map[string]any, out map[string]any) {
	for k, val := range in {
		key := strings.ToLower(k)
		if prefix != "" {
			key = prefix + "." + key
		}
		if nested, ok := val.(map[string]any); ok && len(nested) > 0 {
			flatten(key, nested, out)
			continue
		}
		out[key] = val
	}
}
