package token

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testIssuer = "https://rise.test"

func testSecret() string {
	return base64.StdEncoding.EncodeToString([]byte("0123456789abcdef0123456789abcdef"))
}

func newTestSigner(t *testing.T) *Signer {
	t.Helper()
	s, err := NewSigner(Config{
		Issuer:            testIssuer,
		HS256SecretBase64: testSecret(),
	})
	require.NoError(t, err)
	return s
}

func TestNewSignerValidation(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{
			name: "missing issuer",
			cfg:  Config{HS256SecretBase64: testSecret()},
		},
		{
			name: "secret not base64",
			cfg:  Config{Issuer: testIssuer, HS256SecretBase64: "not base64!!"},
		},
		{
			name: "secret too short",
			cfg: Config{
				Issuer:            testIssuer,
				HS256SecretBase64: base64.StdEncoding.EncodeToString([]byte("short")),
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewSigner(tt.cfg)
			assert.Error(t, err)
		})
	}
}

func TestNewSignerPersistedKey(t *testing.T) {
	key, err := GenerateKeyPair()
	require.NoError(t, err)

	s, err := NewSigner(Config{
		Issuer:            testIssuer,
		HS256SecretBase64: testSecret(),
		RSAPrivateKeyPEM:  string(EncodePrivateKeyPEM(key)),
	})
	require.NoError(t, err)
	assert.Equal(t, key.PublicKey.N, s.PublicKey().N)
}

func TestUITokenRoundTrip(t *testing.T) {
	s := newTestSigner(t)

	signed, err := s.SignUIToken(UIUser{
		ID:     "user-1",
		Email:  "dev@example.com",
		Name:   "Dev",
		Groups: []string{"platform"},
	})
	require.NoError(t, err)

	claims, err := s.VerifySkipAudience(signed)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims["sub"])
	assert.Equal(t, "dev@example.com", claims["email"])
	assert.Equal(t, testIssuer, claims["iss"])
}

func TestIngressTokenRoundTrip(t *testing.T) {
	s := newTestSigner(t)

	idp := map[string]interface{}{
		"sub":   "idp-sub-1",
		"email": "dev@example.com",
		"name":  "Dev",
	}
	signed, err := s.SignIngressJWT(idp, "user-1", "https://shop.apps.rise.test", nil)
	require.NoError(t, err)

	// The kid header must name the active key.
	parts := strings.Split(signed, ".")
	require.Len(t, parts, 3)
	headerJSON, err := base64.RawURLEncoding.DecodeString(parts[0])
	require.NoError(t, err)
	var header struct {
		Alg string `json:"alg"`
		Kid string `json:"kid"`
	}
	require.NoError(t, json.Unmarshal(headerJSON, &header))
	assert.Equal(t, "RS256", header.Alg)
	assert.Equal(t, s.KeyID(), header.Kid)

	claims, err := s.VerifySkipAudience(signed)
	require.NoError(t, err)
	assert.Equal(t, "idp-sub-1", claims["sub"])
	assert.Equal(t, "user-1", claims["rise_user_id"])
	assert.Equal(t, "https://shop.apps.rise.test", claims["aud"])
}

func TestIngressTokenMissingClaims(t *testing.T) {
	s := newTestSigner(t)

	_, err := s.SignIngressJWT(map[string]interface{}{"email": "dev@example.com"}, "u", "https://x", nil)
	var missing *MissingClaimError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, "sub", missing.Claim)

	_, err = s.SignIngressJWT(map[string]interface{}{"sub": "s"}, "u", "https://x", nil)
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, "email", missing.Claim)
}

func TestVerifyRejectsTampering(t *testing.T) {
	s := newTestSigner(t)

	signed, err := s.SignUIToken(UIUser{ID: "user-1", Email: "dev@example.com"})
	require.NoError(t, err)

	parts := strings.Split(signed, ".")
	forged := base64.RawURLEncoding.EncodeToString([]byte(`{"sub":"admin","iss":"` + testIssuer + `","exp":9999999999}`))
	_, err = s.VerifySkipAudience(parts[0] + "." + forged + "." + parts[2])
	assert.Error(t, err)
}

func TestVerifySkipsAudienceButNotIssuer(t *testing.T) {
	s := newTestSigner(t)

	// Audience mismatch is fine: ingress tokens carry project URLs.
	signed, err := s.SignIngressJWT(map[string]interface{}{
		"sub":   "s",
		"email": "e@example.com",
	}, "u", "https://other-project.apps.rise.test", nil)
	require.NoError(t, err)
	_, err = s.VerifySkipAudience(signed)
	assert.NoError(t, err)

	// A wrong issuer is not.
	other, err := NewSigner(Config{
		Issuer:            "https://evil.test",
		HS256SecretBase64: testSecret(),
	})
	require.NoError(t, err)
	badIss, err := other.SignUIToken(UIUser{ID: "user-1", Email: "dev@example.com"})
	require.NoError(t, err)
	_, err = s.VerifySkipAudience(badIss)
	assert.Error(t, err)
}

func TestVerifyRejectsNoneAlgorithm(t *testing.T) {
	s := newTestSigner(t)

	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{
		"sub": "user-1",
		"iss": testIssuer,
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = s.VerifySkipAudience(unsigned)
	assert.Error(t, err)
}

func TestKeyID(t *testing.T) {
	pem := []byte("-----BEGIN PUBLIC KEY-----\nabc\n-----END PUBLIC KEY-----\n")
	sum := sha256.Sum256(pem)
	want := hex.EncodeToString(sum[:])[:16]
	assert.Equal(t, want, KeyID(pem))
	assert.Len(t, KeyID(pem), 16)
}

func TestJWKSHandler(t *testing.T) {
	s := newTestSigner(t)

	rec := httptest.NewRecorder()
	JWKSHandler(s)(rec, httptest.NewRequest("GET", "/.well-known/jwks.json", nil))

	require.Equal(t, 200, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var doc JWKS
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	require.Len(t, doc.Keys, 1)
	key := doc.Keys[0]
	assert.Equal(t, "RSA", key.Kty)
	assert.Equal(t, "sig", key.Use)
	assert.Equal(t, "RS256", key.Alg)
	assert.Equal(t, s.KeyID(), key.Kid)

	n, err := base64.RawURLEncoding.DecodeString(key.N)
	require.NoError(t, err)
	assert.Equal(t, s.PublicKey().N.Bytes(), n)
}
