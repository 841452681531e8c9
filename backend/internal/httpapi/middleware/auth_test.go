package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSecret = []byte("test-secret")

func newAuthRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/whoami", AuthMiddleware(testSecret), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"user": c.GetString("userId"), "name": c.GetString("username")})
	})
	return r
}

func do(r *gin.Engine, target, authHeader string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, target, nil)
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestAuthMiddleware_BearerAndQuery(t *testing.T) {
	r := newAuthRouter()
	token, _, err := SignAccessToken(testSecret, "u1", "alice", time.Minute)
	require.NoError(t, err)

	w := do(r, "/whoami", "bearer "+token)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"user":"u1","name":"alice"}`, w.Body.String())

	w = do(r, "/whoami?token="+token, "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAuthMiddleware_Rejects(t *testing.T) {
	r := newAuthRouter()

	expired, _, err := SignAccessToken(testSecret, "u1", "alice", -time.Minute)
	require.NoError(t, err)
	otherKey, _, err := SignAccessToken([]byte("other"), "u1", "alice", time.Minute)
	require.NoError(t, err)
	refresh, err := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{
		Type:             "refresh",
		RegisteredClaims: jwt.RegisteredClaims{Subject: "u1", ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute))},
	}).SignedString(testSecret)
	require.NoError(t, err)
	noSubject, err := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{Type: TokenTypeAccess}).SignedString(testSecret)
	require.NoError(t, err)

	cases := map[string]string{
		"missing":    "",
		"not bearer": "Basic abc",
		"expired":    "Bearer " + expired,
		"wrong key":  "Bearer " + otherKey,
		"refresh":    "Bearer " + refresh,
		"no subject": "Bearer " + noSubject,
		"garbage":    "Bearer not.a.jwt",
	}
	for name, header := range cases {
		t.Run(name, func(t *testing.T) {
			w := do(r, "/whoami", header)
			assert.Equal(t, http.StatusUnauthorized, w.Code)
		})
	}
}

func TestExtractBearer(t *testing.T) {
	assert.Equal(t, "abc", extractBearer("Bearer abc"))
	assert.Equal(t, "abc", extractBearer("BEARER  abc "))
	assert.Equal(t, "", extractBearer("Bearer "))
	assert.Equal(t, "", extractBearer("Token abc"))
}
