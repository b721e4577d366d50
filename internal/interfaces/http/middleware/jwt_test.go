package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/paramcache/backend/internal/infrastructure/auth"
	"github.com/paramcache/backend/internal/infrastructure/config"
	"github.com/paramcache/backend/internal/infrastructure/logger"
	"github.com/paramcache/backend/internal/interfaces/http/dto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newJWTRouter(t *testing.T) (*gin.Engine, *auth.TokenService) {
	t.Helper()
	tokens, err := auth.NewTokenService(config.AuthConfig{
		Enabled: true,
		Secret:  "test-secret-key-at-least-32-chars",
		Issuer:  "paramcache",
	})
	require.NoError(t, err)

	router := gin.New()
	router.Use(RequestID(), JWTAuthMiddlewareWithConfig(JWTMiddlewareConfig{
		Verifier:  tokens,
		SkipPaths: []string{"/open"},
	}))
	router.POST("/invalidate", func(c *gin.Context) {
		c.String(http.StatusOK, GetJWTSubject(c)+"|"+logger.GetSubject(c.Request.Context()))
	})
	router.POST("/open", func(c *gin.Context) {
		c.String(http.StatusOK, "open")
	})
	return router, tokens
}

func errorCode(t *testing.T, body []byte) string {
	t.Helper()
	var resp dto.Response
	require.NoError(t, json.Unmarshal(body, &resp))
	require.NotNil(t, resp.Error)
	return resp.Error.Code
}

func TestJWTAuthMiddleware(t *testing.T) {
	router, tokens := newJWTRouter(t)

	valid, err := tokens.Issue("ops", "adminTEST", time.Hour)
	require.NoError(t, err)
	expired, err := tokens.Issue("ops", "", -time.Minute)
	require.NoError(t, err)

	tests := []struct {
		name     string
		header   string
		wantCode int
		wantErr  string
	}{
		{"valid token", "Bearer " + valid, http.StatusOK, ""},
		{"missing header", "", http.StatusUnauthorized, dto.ErrCodeTokenInvalid},
		{"wrong scheme", "Basic abc", http.StatusUnauthorized, dto.ErrCodeTokenInvalid},
		{"empty token", "Bearer ", http.StatusUnauthorized, dto.ErrCodeTokenInvalid},
		{"expired", "Bearer " + expired, http.StatusUnauthorized, dto.ErrCodeTokenExpired},
		{"garbage", "Bearer a.b.c", http.StatusUnauthorized, dto.ErrCodeTokenInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/invalidate", nil)
			if tt.header != "" {
				req.Header.Set(AuthHeaderKey, tt.header)
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			assert.Equal(t, tt.wantCode, w.Code)
			if tt.wantErr != "" {
				assert.Equal(t, tt.wantErr, errorCode(t, w.Body.Bytes()))
			} else {
				assert.Equal(t, "ops|ops", w.Body.String())
			}
		})
	}
}

func TestJWTAuthMiddleware_SkipPaths(t *testing.T) {
	router, _ := newJWTRouter(t)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/open", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}
