package http

import (
	"net/http"
	"strings"

	"github.com/scopeai/aidetector/internal/credential"
	dterrors "github.com/scopeai/aidetector/internal/errors"
	"github.com/scopeai/aidetector/internal/stats"
	"github.com/scopeai/aidetector/internal/tenant"
	"github.com/scopeai/aidetector/pkg/types"
)

// StatsResponse is the body of GET /api/stats.
type StatsResponse struct {
	OK       bool                               `json:"ok"`
	Host     string                             `json:"host"`
	Customer *string                            `json:"customer"`
	SiteID   *string                            `json:"site_id"`
	Stats    map[types.Family]types.FamilyStats `json:"stats"`
}

// RollupsResponse is the body of GET /api/rollups.
type RollupsResponse struct {
	OK       bool                `json:"ok"`
	Host     string              `json:"host"`
	Customer *string             `json:"customer"`
	SiteID   *string             `json:"site_id"`
	Family   types.Family        `json:"family"`
	Range    string              `json:"range"`
	Total    int64               `json:"total"`
	Series   []types.RollupPoint `json:"series"`
}

// EventsResponse is the body of GET /api/events.
type EventsResponse struct {
	OK     bool           `json:"ok"`
	Host   string         `json:"host"`
	Count  int            `json:"count"`
	Events []types.BotHit `json:"events"`
}

// requireDashboard authorizes the x-dashboard-key of r for host and writes
// the error response on denial.
func (h *handler) requireDashboard(w http.ResponseWriter, r *http.Request, host string) bool {
	key := credential.Normalize(r.Header.Get("x-dashboard-key"))
	d, err := h.gate.AuthorizeDashboard(r.Context(), host, key)
	if err != nil {
		writeError(w, r, err)
		return false
	}
	if !d.Admitted {
		writeError(w, r, d.Err())
		return false
	}
	return true
}

// tenantLabels returns the customer and site id of host, or nils when the
// configuration cannot be read.
func (h *handler) tenantLabels(r *http.Request, host string) (*string, *string, error) {
	cfg, err := h.tenants.Get(r.Context(), host)
	if err != nil || cfg == nil {
		return nil, nil, err
	}
	return &cfg.Customer, &cfg.SiteID, nil
}

func (h *handler) readStats(w http.ResponseWriter, r *http.Request) {
	host := tenantHost(r)
	if !h.requireDashboard(w, r, host) {
		return
	}

	all, err := h.stats.ReadAllStats(r.Context(), tenant.Namespace(host), h.classifier.Families())
	if err != nil {
		writeError(w, r, err)
		return
	}
	customer, siteID, err := h.tenantLabels(r, host)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, StatsResponse{
		OK:       true,
		Host:     host,
		Customer: customer,
		SiteID:   siteID,
		Stats:    all,
	})
}

func (h *handler) readRollups(w http.ResponseWriter, r *http.Request) {
	host := tenantHost(r)
	if !h.requireDashboard(w, r, host) {
		return
	}

	q := r.URL.Query()
	rawRange := q.Get("range")
	if rawRange == "" {
		rawRange = string(stats.Range24h)
	}
	rng, err := stats.ParseRange(rawRange)
	if err != nil {
		writeError(w, r, err)
		return
	}

	family := types.FamilyOpenAI
	if f := q.Get("family"); f != "" {
		family = types.Family(strings.ToLower(f))
	}
	if !h.classifier.KnownFamily(family) {
		writeError(w, r, dterrors.NewValidationError(dterrors.CodeInvalidFamily,
			"family must be one of "+joinFamilies(h.classifier.Families())))
		return
	}

	series, err := h.stats.ReadRollups(r.Context(), tenant.Namespace(host), family, rng, h.clock.Now())
	if err != nil {
		writeError(w, r, err)
		return
	}
	customer, siteID, err := h.tenantLabels(r, host)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, RollupsResponse{
		OK:       true,
		Host:     host,
		Customer: customer,
		SiteID:   siteID,
		Family:   family,
		Range:    series.Range,
		Total:    series.Total,
		Series:   series.Series,
	})
}

func (h *handler) readEvents(w http.ResponseWriter, r *http.Request) {
	host := tenantHost(r)
	if !h.requireDashboard(w, r, host) {
		return
	}

	events, err := h.stats.ReadEvents(r.Context(), tenant.Namespace(host))
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, EventsResponse{
		OK:     true,
		Host:   host,
		Count:  len(events),
		Events: events,
	})
}

func (h *handler) clearEvents(w http.ResponseWriter, r *http.Request) {
	host := tenantHost(r)
	if !h.requireDashboard(w, r, host) {
		return
	}

	if err := h.stats.ClearEvents(r.Context(), tenant.Namespace(host)); err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":      true,
		"host":    host,
		"cleared": true,
	})
}

func joinFamilies(families []types.Family) string {
	names := make([]string, len(families))
	for i, f := range families {
		names[i] = string(f)
	}
	return strings.Join(names, ", ")
}
