package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/honeynil/PointsLedgerService/internal/handler"
	"github.com/honeynil/PointsLedgerService/internal/infrastructure/auth"
	"github.com/honeynil/PointsLedgerService/internal/models"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const secret = "router-secret"

func bearer(t *testing.T, identity models.Identity) string {
	t.Helper()
	token, err := auth.GenerateToken(secret, identity, time.Hour)
	require.NoError(t, err)
	return "Bearer " + token
}

func serve(r http.Handler, method, path, authorization string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestSetupRouter_Access(t *testing.T) {
	// Nil services: every case here is decided before a handler runs.
	r := SetupRouter(handler.NewHandler(nil, nil, nil), secret, nil)
	resident := bearer(t, models.Identity{UserID: "u1", Role: models.RoleResident})
	staff := bearer(t, models.Identity{UserID: "s1", Role: models.RoleStaff})

	assert.Equal(t, http.StatusUnauthorized, serve(r, http.MethodGet, "/api/balance", "").Code)
	assert.Equal(t, http.StatusForbidden, serve(r, http.MethodPost, "/api/staff/vouchers/ABC234/fulfill", resident).Code)
	assert.Equal(t, http.StatusForbidden, serve(r, http.MethodGet, "/api/staff/vouchers", resident).Code)
	assert.Equal(t, http.StatusForbidden, serve(r, http.MethodPost, "/api/vouchers", staff).Code)
	assert.Equal(t, http.StatusNotFound, serve(r, http.MethodGet, "/api/nowhere", staff).Code)
}

func TestSetupRouter_Healthz(t *testing.T) {
	t.Run("Healthy", func(t *testing.T) {
		r := SetupRouter(handler.NewHandler(nil, nil, nil), secret, map[string]Pinger{
			"postgres": func(context.Context) error { return nil },
		})
		rec := serve(r, http.MethodGet, "/healthz", "")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"postgres":"ok"}`, rec.Body.String())
	})

	t.Run("DependencyDown", func(t *testing.T) {
		r := SetupRouter(handler.NewHandler(nil, nil, nil), secret, map[string]Pinger{
			"postgres": func(context.Context) error { return nil },
			"redis":    func(context.Context) error { return errors.New("connection refused") },
		})
		rec := serve(r, http.MethodGet, "/healthz", "")
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.Contains(t, rec.Body.String(), "connection refused")
	})
}

func TestMetricsMiddleware_UsesRouteTemplate(t *testing.T) {
	r := SetupRouter(handler.NewHandler(nil, nil, nil), secret, nil)
	resident := bearer(t, models.Identity{UserID: "u1", Role: models.RoleResident})

	before := testutil.ToFloat64(RequestCounter.WithLabelValues(http.MethodPost, "/api/staff/vouchers/{code}/fulfill", "403"))
	serve(r, http.MethodPost, "/api/staff/vouchers/ABC234/fulfill", resident)
	serve(r, http.MethodPost, "/api/staff/vouchers/XYZ789/fulfill", resident)
	after := testutil.ToFloat64(RequestCounter.WithLabelValues(http.MethodPost, "/api/staff/vouchers/{code}/fulfill", "403"))

	assert.Equal(t, float64(2), after-before)
}

func TestMetricsEndpoint(t *testing.T) {
	r := SetupRouter(handler.NewHandler(nil, nil, nil), secret, nil)
	rec := serve(r, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}
