package http

import (
	"net/http"
	"strconv"

	"cdr.dev/slog/v3"
	"github.com/bytedance/sonic"

	"github.com/scopeai/aidetector/internal/credential"
	dterrors "github.com/scopeai/aidetector/internal/errors"
	"github.com/scopeai/aidetector/internal/observability"
	"github.com/scopeai/aidetector/internal/tenant"
)

const (
	defaultUnmatchedLimit = 50
	maxUnmatchedLimit     = 1000
)

// ConfigRequest is the body of POST /api/config.
type ConfigRequest struct {
	Customer     *string  `json:"customer"`
	SiteID       *string  `json:"site_id"`
	AllowedHosts []string `json:"allowed_hosts,omitempty"`
	DashboardKey *string  `json:"dashboard_key,omitempty"`
	IngestKey    *string  `json:"ingest_key,omitempty"`
}

// ConfigResponse is the body of both /api/config methods. Config is null
// when the tenant is not configured.
type ConfigResponse struct {
	OK     bool                 `json:"ok"`
	Host   string               `json:"host"`
	Config *tenant.PublicConfig `json:"config"`
}

// UnmatchedResponse is the body of GET /api/unmatched.
type UnmatchedResponse struct {
	OK     bool                       `json:"ok"`
	Count  int                        `json:"count"`
	Agents []observability.AgentStats `json:"agents"`
}

func (h *handler) requireAdmin(w http.ResponseWriter, r *http.Request) bool {
	d := h.gate.AuthorizeAdmin(r.Context(), credential.Normalize(r.Header.Get("x-admin-key")))
	if !d.Admitted {
		writeError(w, r, d.Err())
		return false
	}
	return true
}

func (h *handler) getConfig(w http.ResponseWriter, r *http.Request) {
	if !h.requireAdmin(w, r) {
		return
	}

	host := tenantHost(r)
	cfg, err := h.tenants.Get(r.Context(), host)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ConfigResponse{OK: true, Host: host, Config: tenant.Public(cfg)})
}

func (h *handler) setConfig(w http.ResponseWriter, r *http.Request) {
	if !h.requireAdmin(w, r) {
		return
	}

	body, err := readBody(w, r, h.maxBody)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req ConfigRequest
	if err := sonic.Unmarshal(body, &req); err != nil || req.Customer == nil || req.SiteID == nil {
		writeError(w, r, dterrors.NewValidationError(dterrors.CodeMalformedPayload,
			"config requires { customer: string, site_id: string, allowed_hosts?: string[], dashboard_key?: string, ingest_key?: string }"))
		return
	}

	in := tenant.SetInput{
		Customer:     req.Customer,
		SiteID:       req.SiteID,
		AllowedHosts: req.AllowedHosts,
	}
	if req.DashboardKey != nil {
		in.DashboardKey = *req.DashboardKey
	}
	if req.IngestKey != nil {
		in.IngestKey = *req.IngestKey
	}

	host := tenantHost(r)
	saved, err := h.tenants.Set(r.Context(), host, in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	h.logger.Info(r.Context(), "tenant configured",
		slog.F("host", tenant.Namespace(host)),
		slog.F("dashboard_key_rotated", credential.Normalize(in.DashboardKey) != ""),
		slog.F("ingest_key_rotated", credential.Normalize(in.IngestKey) != ""),
	)
	writeJSON(w, http.StatusOK, ConfigResponse{OK: true, Host: host, Config: tenant.Public(saved)})
}

func (h *handler) unmatchedAgents(w http.ResponseWriter, r *http.Request) {
	if !h.requireAdmin(w, r) {
		return
	}

	limit := defaultUnmatchedLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, r, dterrors.NewValidationError(dterrors.CodeMalformedPayload, "limit must be a positive integer"))
			return
		}
		limit = min(n, maxUnmatchedLimit)
	}

	agents := h.unmatched.Top(limit)
	writeJSON(w, http.StatusOK, UnmatchedResponse{OK: true, Count: len(agents), Agents: agents})
}
