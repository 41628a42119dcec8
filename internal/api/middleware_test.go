package api

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lipila/withdrawal-service/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type jwksFixture struct {
	key     *rsa.PrivateKey
	server  *httptest.Server
	fetches atomic.Int32
}

func newJWKSFixture(t *testing.T) *jwksFixture {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	f := &jwksFixture{key: key}
	f.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.fetches.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"keys": []map[string]string{{
				"kid": "k1",
				"kty": "RSA",
				"use": "sig",
				"n":   base64.RawURLEncoding.EncodeToString(key.PublicKey.N.Bytes()),
				"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.PublicKey.E)).Bytes()),
			}},
		})
	}))
	t.Cleanup(f.server.Close)
	return f
}

func (f *jwksFixture) token(t *testing.T, kid string, claims jwt.MapClaims) string {
	t.Helper()
	if _, ok := claims["exp"]; !ok {
		claims["exp"] = time.Now().Add(time.Hour).Unix()
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = kid
	signed, err := tok.SignedString(f.key)
	require.NoError(t, err)
	return signed
}

func captureActor(seen *domain.Actor) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*seen, _ = GetActor(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})
}

func TestJWTAuthMiddleware_BuildsActor(t *testing.T) {
	f := newJWKSFixture(t)
	var seen domain.Actor
	handler := JWTAuthMiddleware(AuthConfig{JWKSURL: f.server.URL})(captureActor(&seen))

	for _, claims := range []jwt.MapClaims{
		{"sub": "user_1", "username": "alice", "role": "staff"},
		{"sub": "user_1", "username": "alice", "is_staff": true},
	} {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Bearer "+f.token(t, "k1", claims))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		require.Equal(t, http.StatusNoContent, rec.Code)
		assert.Equal(t, domain.Actor{ID: "user_1", Username: "alice", IsStaff: true}, seen)
	}
	assert.Equal(t, int32(1), f.fetches.Load(), "keys are cached")
}

func TestJWTAuthMiddleware_NonStaffIsStillAuthenticated(t *testing.T) {
	f := newJWKSFixture(t)
	var seen domain.Actor
	handler := JWTAuthMiddleware(AuthConfig{JWKSURL: f.server.URL})(captureActor(&seen))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+f.token(t, "k1", jwt.MapClaims{"sub": "creator_1", "role": "creator"}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.False(t, seen.IsStaff)
}

func TestJWTAuthMiddleware_Rejects(t *testing.T) {
	f := newJWKSFixture(t)
	handler := JWTAuthMiddleware(AuthConfig{JWKSURL: f.server.URL, Audience: "lipila-staff", Issuer: "https://auth.lipila.dev"})(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { t.Fatal("handler must not run") }))

	tests := []struct {
		name   string
		header string
	}{
		{"missing header", ""},
		{"not bearer", "Token abc"},
		{"garbage", "Bearer abc.def.ghi"},
		{"unknown kid", "Bearer " + f.token(t, "other", jwt.MapClaims{"sub": "u", "aud": "lipila-staff", "iss": "https://auth.lipila.dev"})},
		{"wrong audience", "Bearer " + f.token(t, "k1", jwt.MapClaims{"sub": "u", "aud": "other", "iss": "https://auth.lipila.dev"})},
		{"wrong issuer", "Bearer " + f.token(t, "k1", jwt.MapClaims{"sub": "u", "aud": "lipila-staff", "iss": "https://evil"})},
		{"expired", "Bearer " + f.token(t, "k1", jwt.MapClaims{"sub": "u", "aud": "lipila-staff", "iss": "https://auth.lipila.dev", "exp": time.Now().Add(-time.Hour).Unix()})},
		{"missing subject", "Bearer " + f.token(t, "k1", jwt.MapClaims{"aud": "lipila-staff", "iss": "https://auth.lipila.dev"})},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
		})
	}
}

func TestInternalAuthMiddleware(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) })

	open := InternalAuthMiddleware("")(ok)
	rec := httptest.NewRecorder()
	open.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)

	guarded := InternalAuthMiddleware("s3cret")(ok)
	for key, want := range map[string]int{"": http.StatusUnauthorized, "wrong": http.StatusUnauthorized, "s3cret": http.StatusNoContent} {
		req := httptest.NewRequest(http.MethodPost, "/", nil)
		if key != "" {
			req.Header.Set("X-Internal-API-Key", key)
		}
		rec := httptest.NewRecorder()
		guarded.ServeHTTP(rec, req)
		assert.Equal(t, want, rec.Code, "key %q", key)
	}
}

func TestParseRSAPublicKey(t *testing.T) {
	_, err := parseRSAPublicKey("!!", "AQAB")
	assert.Error(t, err)

	pub, err := parseRSAPublicKey(base64.RawURLEncoding.EncodeToString([]byte{0x01, 0x02}), "AQAB")
	require.NoError(t, err)
	assert.Equal(t, 65537, pub.E)
}
