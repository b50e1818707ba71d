package app

import (
	"context"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"cdr.dev/slog/v3"
	"cdr.dev/slog/v3/sloggers/slogtest"
	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	grpcapi "github.com/scopeai/aidetector/internal/api/grpc"
	"github.com/scopeai/aidetector/internal/config"
)

func testConfig(t *testing.T, storage string) *config.Config {
	cfg := config.DefaultConfig()
	cfg.DataDir = filepath.Join(t.TempDir(), "data")
	cfg.HTTP.Addr = "127.0.0.1:0"
	cfg.GRPC.Addr = "127.0.0.1:0"
	cfg.Storage.Type = storage
	cfg.Storage.Compress = true
	cfg.Auth.AdminKey = "admin"
	cfg.Shutdown.DrainTimeout = 5 * time.Second
	return cfg
}

type client struct {
	t    *testing.T
	base string
	http *http.Client
}

func (c *client) do(method, path, body string, headers map[string]string) (int, map[string]interface{}) {
	c.t.Helper()
	req, err := http.NewRequest(method, c.base+path, strings.NewReader(body))
	require.NoError(c.t, err)
	req.Host = "shop.example"
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.http.Do(req)
	require.NoError(c.t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(c.t, err)

	var out map[string]interface{}
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(c.t, sonic.Unmarshal(raw, &out), string(raw))
	}
	return resp.StatusCode, out
}

func TestApp_StartServeStop(t *testing.T) {
	for _, storage := range []string{config.StorageMemory, config.StorageLocal, config.StorageSQLite} {
		t.Run(storage, func(t *testing.T) {
			logger := slogtest.Make(t, nil).Leveled(slog.LevelDebug)
			a, err := New(testConfig(t, storage), logger)
			require.NoError(t, err)

			ctx := context.Background()
			require.NoError(t, a.Start(ctx))
			stopped := false
			t.Cleanup(func() {
				if !stopped {
					_ = a.Stop(context.Background())
				}
			})

			c := &client{
				t:    t,
				base: "http://" + a.HTTPAddr().String(),
				http: &http.Client{Transport: &http.Transport{DisableKeepAlives: true}, Timeout: 10 * time.Second},
			}

			status, body := c.do("GET", "/api/health", "", nil)
			require.Equal(t, http.StatusOK, status)
			require.Equal(t, true, body["ok"])

			status, _ = c.do("POST", "/api/config",
				`{"customer":"Shop","site_id":"s1","dashboard_key":"d1","ingest_key":"i1"}`,
				map[string]string{"x-admin-key": "admin"})
			require.Equal(t, http.StatusOK, status)

			status, body = c.do("POST", "/api/ingest", `{"ua":"GPTBot/1.1","path":"/a"}`,
				map[string]string{"x-ingest-key": "i1"})
			require.Equal(t, http.StatusOK, status)
			require.Equal(t, true, body["stored"])

			// Aggregation runs in the background.
			require.Eventually(t, func() bool {
				_, body := c.do("GET", "/api/stats", "", map[string]string{"x-dashboard-key": "d1"})
				all, _ := body["stats"].(map[string]interface{})
				openai, _ := all["openai"].(map[string]interface{})
				return openai != nil && openai["total"] == float64(1)
			}, 5*time.Second, 20*time.Millisecond)

			status, _ = c.do("GET", "/metrics", "", nil)
			require.Equal(t, http.StatusOK, status)

			stopped = true
			require.NoError(t, a.Stop(context.Background()))
			require.NoError(t, a.Stop(context.Background()))
		})
	}
}

func TestApp_GRPCHealth(t *testing.T) {
	logger := slogtest.Make(t, nil)
	a, err := New(testConfig(t, config.StorageMemory), logger)
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))
	defer a.Stop(context.Background())

	conn, err := grpc.NewClient(a.GRPCAddr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: grpcapi.ServiceName})
	require.NoError(t, err)
	require.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Status)
}

func TestApp_DoubleStart(t *testing.T) {
	a, err := New(testConfig(t, config.StorageMemory), slogtest.Make(t, nil))
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))
	defer a.Stop(context.Background())

	require.Error(t, a.Start(context.Background()))
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := testConfig(t, "redis")
	_, err := New(cfg, slogtest.Make(t, nil))
	require.Error(t, err)
}

func TestStart_BadRulesFile(t *testing.T) {
	cfg := testConfig(t, config.StorageMemory)
	cfg.Detect.RulesFile = filepath.Join(t.TempDir(), "missing.yaml")
	a, err := New(cfg, slogtest.Make(t, &slogtest.Options{IgnoreErrors: true}))
	require.NoError(t, err)
	require.Error(t, a.Start(context.Background()))
}

func TestParseLevel(t *testing.T) {
	require.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	require.Equal(t, slog.LevelWarn, ParseLevel("warn"))
	require.Equal(t, slog.LevelError, ParseLevel("error"))
	require.Equal(t, slog.LevelInfo, ParseLevel("info"))
}
