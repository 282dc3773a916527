package opsserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"imagepipe/internal/logger"
)

type mockPinger struct {
	pingErr error
}

func (m *mockPinger) Ping(ctx context.Context) error { return m.pingErr }

func TestProbes(t *testing.T) {
	tests := []struct {
		name           string
		endpoint       string
		pingErr        error
		expectedStatus int
		expectedBody   string
	}{
		{
			name:           "Healthz Always OK",
			endpoint:       "/healthz",
			pingErr:        errors.New("db down"),
			expectedStatus: http.StatusOK,
			expectedBody:   "healthy",
		},
		{
			name:           "Readyz Success",
			endpoint:       "/readyz",
			expectedStatus: http.StatusOK,
			expectedBody:   "ready",
		},
		{
			name:           "Readyz Database Fail",
			endpoint:       "/readyz",
			pingErr:        errors.New("db down"),
			expectedStatus: http.StatusServiceUnavailable,
			expectedBody:   "Database unavailable",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New(":0", &mockPinger{pingErr: tt.pingErr}, nil, logger.NewWithWriter(&bytes.Buffer{}, "info"))

			req := httptest.NewRequest(http.MethodGet, tt.endpoint, nil)
			rr := httptest.NewRecorder()
			s.Handler().ServeHTTP(rr, req)

			if rr.Code != tt.expectedStatus {
				t.Errorf("handler returned wrong status code: got %v want %v", rr.Code, tt.expectedStatus)
			}
			if !strings.Contains(rr.Body.String(), tt.expectedBody) {
				t.Errorf("expected body to contain %q, got %q", tt.expectedBody, rr.Body.String())
			}
			if ct := rr.Header().Get("Content-Type"); ct != "application/json" {
				t.Errorf("unexpected content type %q", ct)
			}
		})
	}
}

func TestReadyz_ErrorBody(t *testing.T) {
	s := New(":0", &mockPinger{pingErr: errors.New("db down")}, nil, logger.NewWithWriter(&bytes.Buffer{}, "info"))
	rr := httptest.NewRecorder()
	s.Readyz(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	var body ErrorResponse
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Code != "503" || body.Error != "Database unavailable" {
		t.Errorf("unexpected error body %+v", body)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "imagepipe_jobs_processed_total 3\n")
	})

	t.Run("mounted", func(t *testing.T) {
		srv := httptest.NewServer(New(":0", nil, metrics, logger.NewWithWriter(&bytes.Buffer{}, "info")).Handler())
		defer srv.Close()

		resp, err := http.Get(srv.URL + "/metrics")
		if err != nil {
			t.Fatalf("GET /metrics: %v", err)
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), "imagepipe_jobs_processed_total") {
			t.Errorf("unexpected metrics response %d %q", resp.StatusCode, body)
		}
	})

	t.Run("absent", func(t *testing.T) {
		rr := httptest.NewRecorder()
		New(":0", nil, nil, logger.NewWithWriter(&bytes.Buffer{}, "info")).Handler().
			ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected 404 without a metrics handler, got %d", rr.Code)
		}
	})
}

func TestRun_StopsOnCancel(t *testing.T) {
	s := New("127.0.0.1:0", nil, nil, logger.NewWithWriter(&bytes.Buffer{}, "info"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := s.Run(ctx); err != nil {
		t.Errorf("Run returned error after cancel: %v", err)
	}
}
