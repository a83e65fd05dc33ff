package token

import (
	"crypto/rsa"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/risehq/rise/pkg/log"
)

// DefaultUITokenTTL is the default lifetime of HS256 UI/CLI tokens.
const DefaultUITokenTTL = 3600 * time.Second

// MissingClaimError is returned when the identity provider did not supply a
// claim the ingress token needs.
type MissingClaimError struct {
	Claim string
}

func (e *MissingClaimError) Error() string {
	return fmt.Sprintf("missing claim %q", e.Claim)
}

// Config carries the signing material. The HS256 secret is mandatory; the
// RSA pair is optional and regenerated at startup when absent.
type Config struct {
	// Issuer is the Rise public URL; doubles as the HS256 audience.
	Issuer string `yaml:"issuer"`
	// HS256SecretBase64 is the base64 encoding of at least 32 random bytes.
	HS256SecretBase64 string `yaml:"hs256_secret"`
	// RSAPrivateKeyPEM / RSAPublicKeyPEM persist the RS256 pair across
	// restarts. Leave both empty to generate an ephemeral pair.
	RSAPrivateKeyPEM string `yaml:"rsa_private_key"`
	RSAPublicKeyPEM  string `yaml:"rsa_public_key"`
	// UITokenTTL overrides the default 3600s UI token lifetime.
	UITokenTTL time.Duration `yaml:"ui_token_ttl"`
}

// UIUser is the identity baked into an HS256 UI/CLI token.
type UIUser struct {
	ID     string
	Email  string
	Name   string
	Groups []string // Rise team names, never raw IdP groups
}

// Signer issues and verifies both token families. It is immutable after
// construction; share one instance across readers.
type Signer struct {
	issuer   string
	hsSecret []byte
	rsaKey   *rsa.PrivateKey
	kid      string
	pubPEM   []byte
	uiTTL    time.Duration
	now      func() time.Time
}

// NewSigner builds a Signer from configuration.
func NewSigner(cfg Config) (*Signer, error) {
	if cfg.Issuer == "" {
		return nil, fmt.Errorf("token issuer is required")
	}
	secret, err := base64.StdEncoding.DecodeString(cfg.HS256SecretBase64)
	if err != nil {
		return nil, fmt.Errorf("failed to decode HS256 secret: %w", err)
	}
	if len(secret) < 32 {
		return nil, fmt.Errorf("HS256 secret must be at least 32 bytes, got %d", len(secret))
	}

	var key *rsa.PrivateKey
	switch {
	case cfg.RSAPrivateKeyPEM != "":
		key, err = ParsePrivateKeyPEM([]byte(cfg.RSAPrivateKeyPEM))
		if err != nil {
			return nil, err
		}
	default:
		key, err = GenerateKeyPair()
		if err != nil {
			return nil, err
		}
		// Every RS256 token signed before this restart is now invalid.
		log.WithComponent("token").Warn().
			Msg("no RSA key configured, generated ephemeral key pair; outstanding app tokens are invalidated")
	}

	pubPEM, err := EncodePublicKeyPEM(&key.PublicKey)
	if err != nil {
		return nil, err
	}

	ttl := cfg.UITokenTTL
	if ttl <= 0 {
		ttl = DefaultUITokenTTL
	}

	return &Signer{
		issuer:   cfg.Issuer,
		hsSecret: secret,
		rsaKey:   key,
		kid:      KeyID(pubPEM),
		pubPEM:   pubPEM,
		uiTTL:    ttl,
		now:      time.Now,
	}, nil
}

// KeyID returns the kid of the active RS256 key.
func (s *Signer) KeyID() string { return s.kid }

// PublicKeyPEM returns the RS256 public key PEM.
func (s *Signer) PublicKeyPEM() []byte { return append([]byte(nil), s.pubPEM...) }

// PublicKey returns the RS256 public key.
func (s *Signer) PublicKey() *rsa.PublicKey { return &s.rsaKey.PublicKey }

// Issuer returns the configured issuer URL.
func (s *Signer) Issuer() string { return s.issuer }

// SignUIToken issues an HS256 token for the Rise UI cookie or a CLI Bearer
// token.
func (s *Signer) SignUIToken(user UIUser) (string, error) {
	if user.ID == "" {
		return "", &MissingClaimError{Claim: "sub"}
	}
	now := s.now()
	claims := jwt.MapClaims{
		"sub":   user.ID,
		"email": user.Email,
		"iss":   s.issuer,
		"aud":   s.issuer,
		"iat":   now.Unix(),
		"exp":   now.Add(s.uiTTL).Unix(),
	}
	if user.Name != "" {
		claims["name"] = user.Name
	}
	if len(user.Groups) > 0 {
		claims["groups"] = user.Groups
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.hsSecret)
	if err != nil {
		return "", fmt.Errorf("failed to sign UI token: %w", err)
	}
	return signed, nil
}

// SignIngressJWT issues an RS256 token authenticating a user to their
// deployed app: aud is the project URL, and the deployed app verifies the
// signature against the published JWKS. The IdP must have supplied sub and
// email.
func (s *Signer) SignIngressJWT(idpClaims map[string]interface{}, userID, projectURL string, expiresAt *time.Time) (string, error) {
	sub, _ := idpClaims["sub"].(string)
	if sub == "" {
		return "", &MissingClaimError{Claim: "sub"}
	}
	email, _ := idpClaims["email"].(string)
	if email == "" {
		return "", &MissingClaimError{Claim: "email"}
	}

	now := s.now()
	exp := now.Add(s.uiTTL)
	if expiresAt != nil {
		exp = *expiresAt
	}
	claims := jwt.MapClaims{
		"sub":          sub,
		"email":        email,
		"rise_user_id": userID,
		"iss":          s.issuer,
		"aud":          projectURL,
		"iat":          now.Unix(),
		"exp":          exp.Unix(),
	}
	if name, _ := idpClaims["name"].(string); name != "" {
		claims["name"] = name
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = s.kid
	signed, err := tok.SignedString(s.rsaKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign ingress token: %w", err)
	}
	return signed, nil
}

// VerifySkipAudience validates a token's signature and issuer but not its
// audience: one token must be checkable against both the Rise UI URL and
// each project URL, so the audience check belongs to the caller. The
// algorithm picks the key: HS256 uses the shared secret, RS256 the RSA
// public key. Everything else is rejected.
func (s *Signer) VerifySkipAudience(tokenString string) (jwt.MapClaims, error) {
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		switch t.Method.(type) {
		case *jwt.SigningMethodHMAC:
			return s.hsSecret, nil
		case *jwt.SigningMethodRSA:
			return &s.rsaKey.PublicKey, nil
		default:
			return nil, fmt.Errorf("unexpected signing method %s", t.Method.Alg())
		}
	},
		jwt.WithValidMethods([]string{"HS256", "RS256"}),
		jwt.WithIssuer(s.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}
	return claims, nil
}
