package http

import (
	"errors"
	"io"
	"net/http"

	"github.com/bytedance/sonic"

	"github.com/scopeai/aidetector/internal/credential"
	dterrors "github.com/scopeai/aidetector/internal/errors"
	"github.com/scopeai/aidetector/internal/ingest"
	"github.com/scopeai/aidetector/pkg/types"
)

// IngestResponse is the body of a successful POST /api/ingest.
type IngestResponse struct {
	OK      bool          `json:"ok"`
	Stored  bool          `json:"stored,omitempty"`
	Ignored bool          `json:"ignored,omitempty"`
	Family  types.Family  `json:"family,omitempty"`
	Type    types.BotType `json:"type,omitempty"`
}

// readBody reads at most limit bytes of the request body.
func readBody(w http.ResponseWriter, r *http.Request, limit int64) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, dterrors.NewValidationError(dterrors.CodePayloadTooLarge, "request body too large")
		}
		return nil, dterrors.NewValidationError(dterrors.CodeMalformedPayload, "failed to read request body")
	}
	return body, nil
}

// ingestHit handles POST /api/ingest. The payload host selects the tenant;
// when absent the request's own hostname does.
func (h *handler) ingestHit(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r, h.maxBody)
	if err != nil {
		writeError(w, r, err)
		return
	}

	var p ingest.Payload
	if err := sonic.Unmarshal(body, &p); err != nil {
		writeError(w, r, dterrors.NewValidationError(dterrors.CodeMalformedPayload, "payload requires at least { ua: string }"))
		return
	}

	key := credential.Normalize(r.Header.Get("x-ingest-key"))
	res, err := h.ingest.Ingest(r.Context(), p, key, requestHostname(r))
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, IngestResponse{
		OK:      true,
		Stored:  res.Stored,
		Ignored: res.Ignored,
		Family:  res.Family,
		Type:    res.Type,
	})
}

// native observes a request addressed to the site itself and answers it.
func (h *handler) native(w http.ResponseWriter, r *http.Request) {
	h.ingest.Observe(r.Context(), ingest.NativeRequest{
		UA:      r.Header.Get("User-Agent"),
		Host:    requestHostname(r),
		Path:    r.URL.Path,
		Method:  r.Method,
		IP:      ClientIP(r),
		Country: Country(r),
		Colo:    Colo(r),
	})

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if r.URL.Path == "/" {
		_, _ = io.WriteString(w, "hello world")
		return
	}
	_, _ = io.WriteString(w, "ok")
}
