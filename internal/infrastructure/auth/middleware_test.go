package auth_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/honeynil/PointsLedgerService/internal/infrastructure/auth"
	"github.com/honeynil/PointsLedgerService/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const secret = "test-secret"

func protected(t *testing.T, mw ...func(http.Handler) http.Handler) (http.Handler, *models.Identity) {
	t.Helper()
	seen := &models.Identity{}
	var h http.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := auth.IdentityFromContext(r.Context())
		require.True(t, ok)
		*seen = id
		w.WriteHeader(http.StatusNoContent)
	})
	for i := len(mw) - 1; i >= 0; i-- {
		h = mw[i](h)
	}
	return h, seen
}

func TestAuthMiddleware(t *testing.T) {
	h, seen := protected(t, auth.AuthMiddleware(secret))

	t.Run("ValidToken", func(t *testing.T) {
		token, err := auth.GenerateToken(secret, models.Identity{UserID: "u1", Name: "Ann", Role: models.RoleResident}, time.Hour)
		require.NoError(t, err)

		req := httptest.NewRequest(http.MethodGet, "/api/balance", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusNoContent, rec.Code)
		assert.Equal(t, models.Identity{UserID: "u1", Name: "Ann", Role: models.RoleResident}, *seen)
	})

	t.Run("MissingHeader", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/balance", nil))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Contains(t, rec.Body.String(), `"code":"unauthenticated"`)
	})

	t.Run("WrongSecret", func(t *testing.T) {
		token, err := auth.GenerateToken("other", models.Identity{UserID: "u1"}, time.Hour)
		require.NoError(t, err)
		req := httptest.NewRequest(http.MethodGet, "/api/balance", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("Expired", func(t *testing.T) {
		token, err := auth.GenerateToken(secret, models.Identity{UserID: "u1"}, -time.Minute)
		require.NoError(t, err)
		req := httptest.NewRequest(http.MethodGet, "/api/balance", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("NoneAlgorithm", func(t *testing.T) {
		token, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"user_id": "u1", "role": "staff"}).
			SignedString(jwt.UnsafeAllowNoneSignatureType)
		require.NoError(t, err)
		req := httptest.NewRequest(http.MethodGet, "/api/balance", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}

func TestRequireRole(t *testing.T) {
	h, _ := protected(t, auth.AuthMiddleware(secret), auth.RequireRole(models.RoleStaff))

	call := func(role models.Role) int {
		token, err := auth.GenerateToken(secret, models.Identity{UserID: "x", Role: role}, time.Hour)
		require.NoError(t, err)
		req := httptest.NewRequest(http.MethodPost, "/api/staff/vouchers/ABCDEF/fulfill", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusNoContent, call(models.RoleStaff))
	assert.Equal(t, http.StatusForbidden, call(models.RoleResident))
}

func TestValidateToken_UnknownRoleIsResident(t *testing.T) {
	token, err := auth.GenerateToken(secret, models.Identity{UserID: "u1", Role: "admin"}, time.Hour)
	require.NoError(t, err)

	identity, err := auth.ValidateToken(secret, token)
	require.NoError(t, err)
	assert.Equal(t, models.RoleResident, identity.Role)
}
