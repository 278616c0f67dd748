// Package config manages the agent's on-disk state directory
// (default ~/.49agents): relay URL, credentials, and pid file.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// DefaultCloudURL is used when neither the cloud-url file nor the
// CLOUD_URL environment variable is set.
const DefaultCloudURL = "https://cloud.49agents.dev"

// Config holds the agent's runtime configuration.
type Config struct {
	StateDir      string // state directory, default ~/.49agents
	CloudURL      string // relay base URL
	BridgeCommand string // terminal bridge binary, default "tc2-bridge"
}

// Credentials is the persisted agent identity (agent.json).
type Credentials struct {
	AgentID string `json:"agentId"`
	Token   string `json:"token"`
}

// Load builds a Config from the state directory, the cloud-url file, and
// the CLOUD_URL environment override (highest precedence).
func Load(stateDir string) (*Config, error) {
	if stateDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home directory: %w", err)
		}
		stateDir = filepath.Join(home, ".49agents")
	}
	if err := os.MkdirAll(stateDir, 0o700); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}

	c := &Config{
		StateDir:      stateDir,
		CloudURL:      DefaultCloudURL,
		BridgeCommand: "tc2-bridge",
	}

	if data, err := os.ReadFile(c.cloudURLPath()); err == nil {
		if url := strings.TrimSpace(string(data)); url != "" {
			c.CloudURL = url
		}
	}
	if url := os.Getenv("CLOUD_URL"); url != "" {
		c.CloudURL = url
	}

	return c, nil
}

func (c *Config) cloudURLPath() string {
	return filepath.Join(c.StateDir, "cloud-url")
}

// SetCloudURL persists the relay URL to the cloud-url file.
func (c *Config) SetCloudURL(url string) error {
	url = strings.TrimSpace(url)
	if url == "" {
		return fmt.Errorf("cloud URL is required")
	}
	if err := os.WriteFile(c.cloudURLPath(), []byte(url+"\n"), 0o600); err != nil {
		return fmt.Errorf("write cloud-url: %w", err)
	}
	c.CloudURL = url
	return nil
}

// CredentialsPath returns the path to agent.json.
func (c *Config) CredentialsPath() string {
	return filepath.Join(c.StateDir, "agent.json")
}

// LoadCredentials reads agent.json. Returns nil if it does not exist.
func (c *Config) LoadCredentials() (*Credentials, error) {
	data, err := os.ReadFile(c.CredentialsPath())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var creds Credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, fmt.Errorf("parse agent.json: %w", err)
	}
	return &creds, nil
}

// SaveCredentials writes agent.json atomically (temp file + rename).
func (c *Config) SaveCredentials(creds *Credentials) error {
	data, err := json.MarshalIndent(creds, "", "  ")
	if err != nil {
		return err
	}
	tmp := c.CredentialsPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, c.CredentialsPath())
}

// ClearCredentials removes agent.json.
func (c *Config) ClearCredentials() error {
	err := os.Remove(c.CredentialsPath())
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// PidPath returns the path to agent.pid.
func (c *Config) PidPath() string {
	return filepath.Join(c.StateDir, "agent.pid")
}

// WritePid records the running agent's pid.
func (c *Config) WritePid(pid int) error {
	return os.WriteFile(c.PidPath(), []byte(strconv.Itoa(pid)+"\n"), 0o644)
}

// ReadPid returns the recorded pid, or 0 if none.
func (c *Config) ReadPid() int {
	data, err := os.ReadFile(c.PidPath())
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0
	}
	return pid
}

// RemovePid deletes agent.pid.
func (c *Config) RemovePid() {
	_ = os.Remove(c.PidPath())
}

// ResourcePath returns the path of a per-resource-type JSON document,
// e.g. ResourcePath("terminals") → <state>/terminals.json.
func (c *Config) ResourcePath(kind string) string {
	return filepath.Join(c.StateDir, kind+".json")
}
