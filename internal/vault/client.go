package vault

import (
	"context"
	"fmt"

	"github.com/hashicorp/vault/api"

	"futures-momentum-bot/config"
)

// Credentials holds the exchange API key pair loaded at startup.
type Credentials struct {
	APIKey    string
	SecretKey string
}

// Client wraps the HashiCorp Vault client for credential loading. When
// Vault is disabled, credentials come straight from the config (env or
// file), which is the development path.
type Client struct {
	client *api.Client
	cfg    config.VaultConfig
}

// NewClient creates a new Vault client
func NewClient(cfg config.VaultConfig) (*Client, error) {
	if !cfg.Enabled {
		return &Client{cfg: cfg}, nil
	}

	vaultConfig := api.DefaultConfig()
	vaultConfig.Address = cfg.Address

	client, err := api.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}
	client.SetToken(cfg.Token)

	return &Client{client: client, cfg: cfg}, nil
}

// LoadCredentials reads the exchange key pair. With Vault enabled it
// reads the KV v2 secret at the configured path; otherwise it falls
// back to the values already in cfg.
func (c *Client) LoadCredentials(ctx context.Context, fallback config.BinanceConfig) (*Credentials, error) {
	if !c.cfg.Enabled {
		if fallback.APIKey == "" || fallback.SecretKey == "" {
			return nil, fmt.Errorf("vault disabled and no credentials in config")
		}
		return &Credentials{APIKey: fallback.APIKey, SecretKey: fallback.SecretKey}, nil
	}

	secret, err := c.client.Logical().ReadWithContext(ctx, c.cfg.SecretPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read secret at %s: %w", c.cfg.SecretPath, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("no secret found at %s", c.cfg.SecretPath)
	}

	// KV v2 nests the payload under "data".
	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		data = secret.Data
	}

	creds := &Credentials{
		APIKey:    getString(data, "api_key"),
		SecretKey: getString(data, "secret_key"),
	}
	if creds.APIKey == "" || creds.SecretKey == "" {
		return nil, fmt.Errorf("secret at %s missing api_key or secret_key", c.cfg.SecretPath)
	}
	return creds, nil
}

// Health checks Vault reachability. Always healthy when disabled.
func (c *Client) Health(ctx context.Context) error {
	if !c.cfg.Enabled {
		return nil
	}
	health, err := c.client.Sys().HealthWithContext(ctx)
	if err != nil {
		return fmt.Errorf("vault health check failed: %w", err)
	}
	if !health.Initialized || health.Sealed {
		return fmt.Errorf("vault not ready: initialized=%v sealed=%v", health.Initialized, health.Sealed)
	}
	return nil
}

func getString(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}
