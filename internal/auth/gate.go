// Package auth decides whether a presented credential may read or write a
// tenant's data.
package auth

import (
	"context"
	"crypto/subtle"

	"cdr.dev/slog/v3"

	"github.com/scopeai/aidetector/internal/credential"
	dterrors "github.com/scopeai/aidetector/internal/errors"
	"github.com/scopeai/aidetector/internal/observability"
	"github.com/scopeai/aidetector/internal/tenant"
)

// CredentialKind names the credential that admitted a request.
type CredentialKind string

const (
	CredentialNone      CredentialKind = ""
	CredentialTenant    CredentialKind = "tenant"
	CredentialMigration CredentialKind = "migration"
	CredentialAdmin     CredentialKind = "admin"
)

// Surfaces used as metric labels.
const (
	SurfaceDashboard = "dashboard"
	SurfaceIngest    = "ingest"
	SurfaceAdmin     = "admin"
)

// Decision is the outcome of an authorization check. Reason is empty when
// Admitted is true.
type Decision struct {
	Admitted   bool
	Reason     string
	Credential CredentialKind
}

// Err returns the denial as an error, or nil when admitted.
func (d Decision) Err() error {
	if d.Admitted {
		return nil
	}
	return dterrors.Denial(d.Reason)
}

// MigrationCredentials are process-wide plaintext keys accepted for every
// tenant while customers move to per-tenant keys. Empty values are
// disabled.
type MigrationCredentials struct {
	Dashboard string
	Ingest    string
}

// ConfigSource looks up tenant configuration. *tenant.Provider implements it.
type ConfigSource interface {
	Get(ctx context.Context, host string) (*tenant.Config, error)
}

// Gate authorizes dashboard, ingestion and admin access.
type Gate struct {
	configs   ConfigSource
	adminKey  string
	migration MigrationCredentials
	logger    slog.Logger
	metrics   *observability.Metrics
}

// NewGate creates a Gate. An empty adminKey denies all admin access.
// metrics may be nil.
func NewGate(configs ConfigSource, adminKey string, migration MigrationCredentials, logger slog.Logger, metrics *observability.Metrics) *Gate {
	return &Gate{
		configs:   configs,
		adminKey:  adminKey,
		migration: migration,
		logger:    logger.Named("auth"),
		metrics:   metrics,
	}
}

// AuthorizeDashboard checks read access for host. The error is non-nil only
// when the tenant configuration could not be read.
func (g *Gate) AuthorizeDashboard(ctx context.Context, host, key string) (Decision, error) {
	return g.authorizeTenant(ctx, SurfaceDashboard, host, key)
}

// AuthorizeIngestion checks write access for host. The error is non-nil
// only when the tenant configuration could not be read.
func (g *Gate) AuthorizeIngestion(ctx context.Context, host, key string) (Decision, error) {
	return g.authorizeTenant(ctx, SurfaceIngest, host, key)
}

// AuthorizeAdmin checks key against the process-wide admin secret.
func (g *Gate) AuthorizeAdmin(ctx context.Context, key string) Decision {
	d := Decision{Reason: dterrors.CodeAdminUnauthorized}
	if g.adminKey != "" && key != "" && subtle.ConstantTimeCompare([]byte(key), []byte(g.adminKey)) == 1 {
		d = Decision{Admitted: true, Credential: CredentialAdmin}
	}
	g.observe(ctx, SurfaceAdmin, "", d)
	return d
}

func (g *Gate) authorizeTenant(ctx context.Context, surface, host, key string) (Decision, error) {
	cfg, err := g.configs.Get(ctx, host)
	if err != nil {
		return Decision{}, err
	}

	if cfg == nil {
		return g.deny(ctx, surface, host, dterrors.CodeTenantNotConfigured), nil
	}
	if !cfg.AllowsHost(host) {
		return g.deny(ctx, surface, host, dterrors.CodeHostNotAllowed), nil
	}

	digest, migrationKey, reason := cfg.DashboardKeyHash, g.migration.Dashboard, dterrors.CodeDashboardUnauthorized
	if surface == SurfaceIngest {
		digest, migrationKey, reason = cfg.IngestKeyHash, g.migration.Ingest, dterrors.CodeIngestUnauthorized
	}

	if credential.Verify(key, digest) {
		d := Decision{Admitted: true, Credential: CredentialTenant}
		g.observe(ctx, surface, host, d)
		return d, nil
	}

	if migrationKey != "" && key != "" && subtle.ConstantTimeCompare([]byte(key), []byte(migrationKey)) == 1 {
		d := Decision{Admitted: true, Credential: CredentialMigration}
		g.logger.Warn(ctx, "admitted with migration credential",
			slog.F("surface", surface),
			slog.F("host", host),
			slog.F("credential", string(CredentialMigration)),
		)
		g.observe(ctx, surface, host, d)
		return d, nil
	}

	return g.deny(ctx, surface, host, reason), nil
}

func (g *Gate) deny(ctx context.Context, surface, host, reason string) Decision {
	d := Decision{Reason: reason}
	g.observe(ctx, surface, host, d)
	return d
}

func (g *Gate) observe(ctx context.Context, surface, host string, d Decision) {
	g.metrics.ObserveDecision(surface, d.Admitted, d.Reason)
	if !d.Admitted {
		g.logger.Debug(ctx, "access denied",
			slog.F("surface", surface),
			slog.F("host", host),
			slog.F("reason", d.Reason),
		)
	}
}
