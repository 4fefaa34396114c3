package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testKey    = "test-signing-key"
	testIssuer = "erg-room"
)

func TestIssueAndParse(t *testing.T) {
	now := time.Now()
	tok, err := Issue("coach", RoleOperator, testIssuer, testKey, time.Hour, now)
	require.NoError(t, err)
	assert.WithinDuration(t, now.Add(time.Hour), tok.ExpiresAt, time.Second)

	claims, err := Parse(tok.Value, testKey, testIssuer)
	require.NoError(t, err)
	assert.Equal(t, "coach", claims.Subject)
	assert.Equal(t, RoleOperator, claims.Role)
}

func TestParseRejects(t *testing.T) {
	now := time.Now()
	tok, err := Issue("coach", RoleOperator, testIssuer, testKey, time.Hour, now)
	require.NoError(t, err)

	_, err = Parse(tok.Value, "other-key", testIssuer)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = Parse(tok.Value, testKey, "someone-else")
	assert.ErrorIs(t, err, ErrInvalidToken)

	expired, err := Issue("coach", RoleOperator, testIssuer, testKey, time.Minute, now.Add(-time.Hour))
	require.NoError(t, err)
	_, err = Parse(expired.Value, testKey, testIssuer)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = Issue("coach", RoleOperator, testIssuer, "", time.Hour, now)
	assert.Error(t, err)
}

func TestRequireRole(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/op", RequireRole(testKey, testIssuer, RoleOperator), func(c *gin.Context) {
		claims, ok := ClaimsFrom(c)
		require.True(t, ok)
		c.String(http.StatusOK, claims.Subject)
	})

	operator, err := Issue("coach", RoleOperator, testIssuer, testKey, time.Hour, time.Now())
	require.NoError(t, err)
	viewer, err := Issue("kiosk", "viewer", testIssuer, testKey, time.Hour, time.Now())
	require.NoError(t, err)

	cases := []struct {
		name   string
		header string
		want   int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"not bearer", "Basic abc", http.StatusUnauthorized},
		{"garbage", "Bearer nope", http.StatusUnauthorized},
		{"wrong role", "Bearer " + viewer.Value, http.StatusForbidden},
		{"operator", "bearer " + operator.Value, http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/op", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			assert.Equal(t, tc.want, w.Code)
		})
	}
}
