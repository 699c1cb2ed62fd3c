package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/sgwear/storefront/internal/platform/auth"
	"github.com/sgwear/storefront/internal/platform/httpx"
	"github.com/sgwear/storefront/internal/services"
)

// InternalConsentHandlers serves the scheduled consent export. The /internal group is guarded by
// OIDC middleware configured on the router.
type InternalConsentHandlers struct {
	exports services.ConsentExportService
}

// NewInternalConsentHandlers constructs the consent export endpoint.
func NewInternalConsentHandlers(exports services.ConsentExportService) *InternalConsentHandlers {
	return &InternalConsentHandlers{exports: exports}
}

// Routes registers the /internal endpoints.
func (h *InternalConsentHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/consents:export", h.exportConsents)
}

type consentExportRequest struct {
	From string `json:"from"`
	To   string `json:"to"`
}

func (h *InternalConsentHandlers) exportConsents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.exports == nil {
		serviceUnavailable(ctx, w, "consent_export")
		return
	}

	var req consentExportRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteBadRequest(ctx, w, err)
		return
	}
	from, err := parseTimeParam(strings.TrimSpace(req.From))
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "from must be a valid RFC3339 timestamp", http.StatusBadRequest))
		return
	}
	to, err := parseTimeParam(strings.TrimSpace(req.To))
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "to must be a valid RFC3339 timestamp", http.StatusBadRequest))
		return
	}

	requestedBy := "internal"
	if identity, ok := auth.ServiceIdentityFromContext(ctx); ok {
		requestedBy = firstNonEmpty(identity.Email, identity.Subject, requestedBy)
	}

	result, err := h.exports.Export(ctx, services.ConsentExportCommand{From: from, To: to, RequestedBy: requestedBy})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{
		"exportId": result.ExportID,
		"uri":      result.URI,
		"bucket":   result.Bucket,
		"object":   result.Object,
		"rows":     result.Rows,
		"bytes":    result.Bytes,
		"from":     formatTime(result.From),
		"to":       formatTime(result.To),
	})
}
