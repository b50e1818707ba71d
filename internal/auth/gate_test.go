package auth

import (
	"context"
	"testing"

	"cdr.dev/slog/v3/sloggers/slogtest"
	"github.com/coder/quartz"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	dterrors "github.com/scopeai/aidetector/internal/errors"
	"github.com/scopeai/aidetector/internal/kv"
	"github.com/scopeai/aidetector/internal/observability"
	"github.com/scopeai/aidetector/internal/tenant"
)

type fixture struct {
	gate    *Gate
	tenants *tenant.Provider
	metrics *observability.Metrics
}

func newFixture(t *testing.T, migration MigrationCredentials) *fixture {
	provider := tenant.NewProvider(kv.NewMemoryStore(), quartz.NewMock(t))
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	return &fixture{
		gate:    NewGate(provider, "root-secret", migration, slogtest.Make(t, nil), metrics),
		tenants: provider,
		metrics: metrics,
	}
}

func (f *fixture) configure(t *testing.T, host string, in tenant.SetInput) {
	_, err := f.tenants.Set(context.Background(), host, in)
	require.NoError(t, err)
}

func TestAuthorize_UnconfiguredTenant(t *testing.T) {
	f := newFixture(t, MigrationCredentials{Dashboard: "legacy-dash", Ingest: "legacy-ingest"})
	ctx := context.Background()

	d, err := f.gate.AuthorizeDashboard(ctx, "nobody.example", "legacy-dash")
	require.NoError(t, err)
	require.False(t, d.Admitted)
	require.Equal(t, dterrors.CodeTenantNotConfigured, d.Reason)

	d, err = f.gate.AuthorizeIngestion(ctx, "nobody.example", "anything")
	require.NoError(t, err)
	require.Equal(t, dterrors.CodeTenantNotConfigured, d.Reason)
	require.Equal(t, dterrors.ErrCategoryTenant, dterrors.GetCategory(d.Err()))
}

func TestAuthorize_TenantKeys(t *testing.T) {
	f := newFixture(t, MigrationCredentials{})
	ctx := context.Background()
	f.configure(t, "shop.example", tenant.SetInput{DashboardKey: "dash-1", IngestKey: "ing-1"})

	d, err := f.gate.AuthorizeDashboard(ctx, "Shop.Example", "dash-1")
	require.NoError(t, err)
	require.True(t, d.Admitted)
	require.Equal(t, CredentialTenant, d.Credential)
	require.NoError(t, d.Err())

	d, err = f.gate.AuthorizeDashboard(ctx, "shop.example", "ing-1")
	require.NoError(t, err)
	require.False(t, d.Admitted)
	require.Equal(t, dterrors.CodeDashboardUnauthorized, d.Reason)

	d, err = f.gate.AuthorizeIngestion(ctx, "shop.example", "ing-1")
	require.NoError(t, err)
	require.True(t, d.Admitted)

	d, err = f.gate.AuthorizeIngestion(ctx, "shop.example", "")
	require.NoError(t, err)
	require.Equal(t, dterrors.CodeIngestUnauthorized, d.Reason)

	require.Equal(t, float64(1), testutil.ToFloat64(f.metrics.AuthDecisions.WithLabelValues(SurfaceDashboard, "admitted", "")))
	require.Equal(t, float64(1), testutil.ToFloat64(f.metrics.AuthDecisions.WithLabelValues(SurfaceIngest, "denied", dterrors.CodeIngestUnauthorized)))
}

func TestAuthorize_AllowList(t *testing.T) {
	f := newFixture(t, MigrationCredentials{})
	ctx := context.Background()
	f.configure(t, "shop.example", tenant.SetInput{
		AllowedHosts: []string{"www.shop.example"},
		DashboardKey: "dash-1",
	})

	d, err := f.gate.AuthorizeDashboard(ctx, "shop.example", "dash-1")
	require.NoError(t, err)
	require.False(t, d.Admitted)
	require.Equal(t, dterrors.CodeHostNotAllowed, d.Reason)
}

func TestAuthorize_MigrationCredentials(t *testing.T) {
	f := newFixture(t, MigrationCredentials{Dashboard: "legacy-dash", Ingest: "legacy-ingest"})
	ctx := context.Background()
	f.configure(t, "shop.example", tenant.SetInput{DashboardKey: "dash-1"})

	d, err := f.gate.AuthorizeDashboard(ctx, "shop.example", "legacy-dash")
	require.NoError(t, err)
	require.True(t, d.Admitted)
	require.Equal(t, CredentialMigration, d.Credential)

	// The tenant has no ingest digest; only the migration key works.
	d, err = f.gate.AuthorizeIngestion(ctx, "shop.example", "legacy-ingest")
	require.NoError(t, err)
	require.True(t, d.Admitted)
	require.Equal(t, CredentialMigration, d.Credential)

	// Migration keys are not interchangeable.
	d, err = f.gate.AuthorizeIngestion(ctx, "shop.example", "legacy-dash")
	require.NoError(t, err)
	require.False(t, d.Admitted)
}

func TestAuthorize_EmptyMigrationDisabled(t *testing.T) {
	f := newFixture(t, MigrationCredentials{})
	f.configure(t, "shop.example", tenant.SetInput{})

	d, err := f.gate.AuthorizeDashboard(context.Background(), "shop.example", "")
	require.NoError(t, err)
	require.False(t, d.Admitted)
}

func TestAuthorizeAdmin(t *testing.T) {
	f := newFixture(t, MigrationCredentials{})
	ctx := context.Background()

	require.True(t, f.gate.AuthorizeAdmin(ctx, "root-secret").Admitted)
	d := f.gate.AuthorizeAdmin(ctx, "wrong")
	require.False(t, d.Admitted)
	require.Equal(t, dterrors.CodeAdminUnauthorized, d.Reason)
	require.Equal(t, dterrors.ErrCategoryAuth, dterrors.GetCategory(d.Err()))

	noAdmin := NewGate(f.tenants, "", MigrationCredentials{}, slogtest.Make(t, nil), nil)
	require.False(t, noAdmin.AuthorizeAdmin(ctx, "").Admitted)
}

type brokenSource struct{}

func (brokenSource) Get(context.Context, string) (*tenant.Config, error) {
	return nil, dterrors.NewStorageError(dterrors.CodeReadFailed, "boom", kv.ErrReadFailed)
}

func TestAuthorize_LookupFailure(t *testing.T) {
	g := NewGate(brokenSource{}, "x", MigrationCredentials{}, slogtest.Make(t, nil), nil)
	_, err := g.AuthorizeDashboard(context.Background(), "shop.example", "k")
	require.Error(t, err)
	require.Equal(t, dterrors.ErrCategoryStorage, dterrors.GetCategory(err))
}
