// Package tenant maps hostnames to tenant namespaces and stores per-tenant
// configuration.
package tenant

import (
	"context"
	"fmt"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/coder/quartz"

	"github.com/scopeai/aidetector/internal/credential"
	dterrors "github.com/scopeai/aidetector/internal/errors"
	"github.com/scopeai/aidetector/internal/kv"
	"github.com/scopeai/aidetector/pkg/types"
)

// Namespace returns the storage namespace for host. Hosts that differ only
// by letter case share a namespace. No other normalization is applied.
func Namespace(host string) string {
	return strings.ToLower(host)
}

// ConfigKey returns the key under which a tenant's configuration is stored.
func ConfigKey(ns string) string {
	return "cfg:" + ns
}

// Config is the stored configuration of one tenant.
type Config struct {
	Customer         string   `json:"customer,omitempty"`
	SiteID           string   `json:"site_id,omitempty"`
	AllowedHosts     []string `json:"allowed_hosts,omitempty"`
	DashboardKeyHash string   `json:"dashboard_key_hash,omitempty"`
	IngestKeyHash    string   `json:"ingest_key_hash,omitempty"`
	UpdatedAt        string   `json:"updated_at,omitempty"`
}

// AllowsHost reports whether host passes the allow-list. An empty list
// allows every host.
func (c *Config) AllowsHost(host string) bool {
	if len(c.AllowedHosts) == 0 {
		return true
	}
	host = strings.ToLower(host)
	for _, h := range c.AllowedHosts {
		if strings.ToLower(h) == host {
			return true
		}
	}
	return false
}

// PublicConfig is the view of a Config returned to administrators. Digests
// are replaced by presence flags.
type PublicConfig struct {
	Customer        string   `json:"customer,omitempty"`
	SiteID          string   `json:"site_id,omitempty"`
	AllowedHosts    []string `json:"allowed_hosts,omitempty"`
	HasDashboardKey bool     `json:"has_dashboard_key"`
	HasIngestKey    bool     `json:"has_ingest_key"`
	UpdatedAt       string   `json:"updated_at,omitempty"`
}

// Public returns the administrator view of cfg. A nil cfg yields nil.
func Public(cfg *Config) *PublicConfig {
	if cfg == nil {
		return nil
	}
	return &PublicConfig{
		Customer:        cfg.Customer,
		SiteID:          cfg.SiteID,
		AllowedHosts:    cfg.AllowedHosts,
		HasDashboardKey: cfg.DashboardKeyHash != "",
		HasIngestKey:    cfg.IngestKeyHash != "",
		UpdatedAt:       cfg.UpdatedAt,
	}
}

// SetInput is an administrative update. Nil fields keep the stored value.
// Plaintext keys are hashed before storage and a blank key is ignored.
type SetInput struct {
	Customer     *string  `json:"customer,omitempty"`
	SiteID       *string  `json:"site_id,omitempty"`
	AllowedHosts []string `json:"allowed_hosts,omitempty"`
	DashboardKey string   `json:"dashboard_key,omitempty"`
	IngestKey    string   `json:"ingest_key,omitempty"`
}

// Provider reads and writes tenant configuration in a kv.Store.
type Provider struct {
	store kv.Store
	clock quartz.Clock
}

// NewProvider creates a Provider over store.
func NewProvider(store kv.Store, clock quartz.Clock) *Provider {
	return &Provider{store: store, clock: clock}
}

// Get returns the configuration for host, or nil when the tenant is not
// configured.
func (p *Provider) Get(ctx context.Context, host string) (*Config, error) {
	key := ConfigKey(Namespace(host))
	raw, found, err := p.store.Get(ctx, key)
	if err != nil {
		return nil, dterrors.NewStorageError(dterrors.CodeReadFailed, "failed to read tenant config", err).
			WithDetails(map[string]interface{}{"key": key})
	}
	if !found || raw == "" {
		return nil, nil
	}

	var cfg Config
	if err := sonic.UnmarshalString(raw, &cfg); err != nil {
		return nil, dterrors.NewStorageError(dterrors.CodeCorruptValue, "tenant config is not valid JSON", err).
			WithDetails(map[string]interface{}{"key": key})
	}
	return &cfg, nil
}

// Set merges in into the stored configuration for host and returns the
// result.
func (p *Provider) Set(ctx context.Context, host string, in SetInput) (*Config, error) {
	existing, err := p.Get(ctx, host)
	if err != nil {
		return nil, err
	}

	cfg := Config{}
	if existing != nil {
		cfg = *existing
	}
	if in.Customer != nil {
		cfg.Customer = *in.Customer
	}
	if in.SiteID != nil {
		cfg.SiteID = *in.SiteID
	}
	if in.AllowedHosts != nil {
		cfg.AllowedHosts = in.AllowedHosts
	}
	if k := strings.TrimSpace(in.DashboardKey); k != "" {
		cfg.DashboardKeyHash = credential.Digest(k)
	}
	if k := strings.TrimSpace(in.IngestKey); k != "" {
		cfg.IngestKeyHash = credential.Digest(k)
	}
	cfg.UpdatedAt = types.FormatTimestamp(p.clock.Now())

	raw, err := sonic.MarshalString(&cfg)
	if err != nil {
		return nil, dterrors.NewInternalError("failed to encode tenant config", err)
	}

	key := ConfigKey(Namespace(host))
	if err := p.store.Put(ctx, key, raw); err != nil {
		return nil, dterrors.NewStorageError(dterrors.CodeWriteFailed, fmt.Sprintf("failed to write tenant config for %s", Namespace(host)), err)
	}
	return &cfg, nil
}
