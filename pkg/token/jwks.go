package token

import (
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"

	"github.com/risehq/rise/pkg/log"
)

// JWK is an RFC 7517 JSON Web Key restricted to the RSA signature case.
type JWK struct {
	Kty string `json:"kty"`
	Use string `json:"use"`
	Alg string `json:"alg"`
	Kid string `json:"kid"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// JWKS is the document served at /.well-known/jwks.json. Deployed apps
// fetch it to verify ingress tokens without sharing any secret with Rise.
type JWKS struct {
	Keys []JWK `json:"keys"`
}

// BuildJWKS wraps the active public key in a one-key JWKS document.
func BuildJWKS(key *rsa.PublicKey, kid string) JWKS {
	return JWKS{Keys: []JWK{{
		Kty: "RSA",
		Use: "sig",
		Alg: "RS256",
		Kid: kid,
		N:   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
		E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
	}}}
}

// JWKSHandler serves the signer's JWKS document. The document only changes
// on key rotation, so clients may cache it against the kid.
func JWKSHandler(s *Signer) http.HandlerFunc {
	doc := BuildJWKS(s.PublicKey(), s.KeyID())
	body, err := json.Marshal(doc)
	if err != nil {
		log.WithComponent("token").Fatal().Err(err).Msg("failed to marshal JWKS document")
	}
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "public, max-age=300")
		_, _ = w.Write(body)
	}
}
