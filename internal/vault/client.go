// Package vault fetches venue API credentials from HashiCorp Vault KV-v2.
// When disabled the engine falls back to environment credentials; that
// fallback lives in the composition root, not here.
package vault

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashicorp/vault/api"
)

// Config selects the Vault endpoint and secret layout.
type Config struct {
	Enabled    bool
	Address    string
	Token      string
	MountPath  string
	SecretPath string
	TLSEnabled bool
	CACert     string
}

// Credential is one venue's API key pair.
type Credential struct {
	APIKey    string
	APISecret string
}

// Client reads venue credentials, caching each one after the first fetch so
// a Vault outage after startup cannot stall trading.
type Client struct {
	client *api.Client
	cfg    Config

	mu    sync.RWMutex
	cache map[string]Credential
}

// New builds the client. A disabled config yields a client whose reads fail;
// callers should consult IsEnabled before fetching.
func New(cfg Config) (*Client, error) {
	if cfg.MountPath == "" {
		cfg.MountPath = "secret"
	}
	if cfg.SecretPath == "" {
		cfg.SecretPath = "trading-engine"
	}
	c := &Client{cfg: cfg, cache: make(map[string]Credential)}
	if !cfg.Enabled {
		return c, nil
	}

	vaultConfig := api.DefaultConfig()
	vaultConfig.Address = cfg.Address
	if cfg.TLSEnabled && cfg.CACert != "" {
		if err := vaultConfig.ConfigureTLS(&api.TLSConfig{CACert: cfg.CACert}); err != nil {
			return nil, fmt.Errorf("configure vault tls: %w", err)
		}
	}
	client, err := api.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("create vault client: %w", err)
	}
	client.SetToken(cfg.Token)
	c.client = client
	return c, nil
}

// IsEnabled reports whether Vault lookups are configured.
func (c *Client) IsEnabled() bool { return c.cfg.Enabled }

// Credential returns the key pair stored for a venue.
func (c *Client) Credential(ctx context.Context, venue string) (Credential, error) {
	c.mu.RLock()
	if cached, ok := c.cache[venue]; ok {
		c.mu.RUnlock()
		return cached, nil
	}
	c.mu.RUnlock()

	if !c.cfg.Enabled {
		return Credential{}, fmt.Errorf("vault disabled, no credential for %s", venue)
	}

	path := fmt.Sprintf("%s/data/%s/%s", c.cfg.MountPath, c.cfg.SecretPath, venue)
	secret, err := c.client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		return Credential{}, fmt.Errorf("read %s credential: %w", venue, err)
	}
	if secret == nil || secret.Data == nil {
		return Credential{}, fmt.Errorf("no credential at %s", path)
	}
	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return Credential{}, fmt.Errorf("unexpected secret format at %s", path)
	}

	cred := Credential{
		APIKey:    getString(data, "api_key"),
		APISecret: getString(data, "api_secret"),
	}
	if cred.APIKey == "" || cred.APISecret == "" {
		return Credential{}, fmt.Errorf("incomplete credential at %s", path)
	}

	c.mu.Lock()
	c.cache[venue] = cred
	c.mu.Unlock()
	return cred, nil
}

// Health verifies the Vault connection and seal state.
func (c *Client) Health(ctx context.Context) error {
	if !c.cfg.Enabled {
		return nil
	}
	health, err := c.client.Sys().HealthWithContext(ctx)
	if err != nil {
		return fmt.Errorf("vault health check failed: %w", err)
	}
	if health.Sealed {
		return fmt.Errorf("vault is sealed")
	}
	return nil
}

func getString(data map[string]interface{}, key string) string {
	if val, ok := data[key]; ok {
		if str, ok := val.(string); ok {
			return str
		}
	}
	return ""
}
