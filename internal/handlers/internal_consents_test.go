package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/sgwear/storefront/internal/services"
)

func newInternalRouter(h *InternalConsentHandlers) chi.Router {
	router := chi.NewRouter()
	router.Route("/internal", h.Routes)
	return router
}

func TestInternalConsentExport(t *testing.T) {
	from := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2026, 6, 2, 0, 0, 0, 0, time.UTC)
	var captured services.ConsentExportCommand
	exports := &stubConsentExportService{
		exportFn: func(_ context.Context, cmd services.ConsentExportCommand) (services.ConsentExportResult, error) {
			captured = cmd
			return services.ConsentExportResult{
				ExportID: "01JEXPORT",
				URI:      "gs://sg-exports/consents/2026/06/02/01JEXPORT.jsonl",
				Bucket:   "sg-exports",
				Object:   "consents/2026/06/02/01JEXPORT.jsonl",
				Rows:     2,
				Bytes:    512,
				From:     cmd.From,
				To:       cmd.To,
			}, nil
		},
	}
	router := newInternalRouter(NewInternalConsentHandlers(exports))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/internal/consents:export",
		strings.NewReader(`{"from":"2026-06-01T00:00:00Z","to":"2026-06-02T00:00:00Z"}`)))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if !captured.From.Equal(from) || !captured.To.Equal(to) || captured.RequestedBy != "internal" {
		t.Fatalf("unexpected command %+v", captured)
	}
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["uri"] != "gs://sg-exports/consents/2026/06/02/01JEXPORT.jsonl" || body["rows"] != float64(2) {
		t.Fatalf("unexpected body %v", body)
	}
}

func TestInternalConsentExportErrors(t *testing.T) {
	exports := &stubConsentExportService{
		exportFn: func(_ context.Context, cmd services.ConsentExportCommand) (services.ConsentExportResult, error) {
			if cmd.To.Before(cmd.From) {
				return services.ConsentExportResult{}, fmt.Errorf("%w: to must be after from", services.ErrConsentExportInvalidInput)
			}
			return services.ConsentExportResult{}, fmt.Errorf("%w: bucket write failed", services.ErrConsentExportUnavailable)
		},
	}
	router := newInternalRouter(NewInternalConsentHandlers(exports))

	cases := map[string]struct {
		body   string
		status int
	}{
		"bad from":   {body: `{"from":"June","to":"2026-06-02T00:00:00Z"}`, status: http.StatusBadRequest},
		"missing to": {body: `{"from":"2026-06-01T00:00:00Z"}`, status: http.StatusBadRequest},
		"reversed":   {body: `{"from":"2026-06-02T00:00:00Z","to":"2026-06-01T00:00:00Z"}`, status: http.StatusBadRequest},
		"storage":    {body: `{"from":"2026-06-01T00:00:00Z","to":"2026-06-02T00:00:00Z"}`, status: http.StatusServiceUnavailable},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/internal/consents:export", strings.NewReader(tc.body)))
			if rr.Code != tc.status {
				t.Fatalf("expected %d, got %d: %s", tc.status, rr.Code, rr.Body.String())
			}
		})
	}
}
