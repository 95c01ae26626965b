// Package servicetoken signs and verifies the short-lived RS256 tokens the
// chat service presents to the appender's internal HTTP endpoint.
package servicetoken

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	DefaultTTL    = 60 * time.Second
	DefaultLeeway = 15 * time.Second
	DefaultKeyID  = "internal-active"
)

// Signer issues tokens for one issuer.
type Signer struct {
	issuer string
	kid    string
	ttl    time.Duration
	key    *rsa.PrivateKey
}

type SignerOptions struct {
	PrivateKeyPath string
	KeyID          string
	Issuer         string
	TTL            time.Duration
}

func NewSigner(opts SignerOptions) (*Signer, error) {
	issuer := strings.TrimSpace(opts.Issuer)
	if issuer == "" {
		return nil, errors.New("service token issuer is required")
	}
	path := strings.TrimSpace(opts.PrivateKeyPath)
	if path == "" {
		return nil, errors.New("service token private key path is required")
	}
	key, err := loadPrivateKey(path)
	if err != nil {
		return nil, fmt.Errorf("load service token private key: %w", err)
	}
	s := &Signer{issuer: issuer, kid: strings.TrimSpace(opts.KeyID), ttl: opts.TTL, key: key}
	if s.kid == "" {
		s.kid = DefaultKeyID
	}
	if s.ttl <= 0 {
		s.ttl = DefaultTTL
	}
	return s, nil
}

// Sign issues a token addressed to audience.
func (s *Signer) Sign(audience string) (string, error) {
	audience = strings.TrimSpace(audience)
	if audience == "" {
		return "", errors.New("service token audience is required")
	}
	now := time.Now().UTC()
	t := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.RegisteredClaims{
		Issuer:    s.issuer,
		Subject:   s.issuer,
		Audience:  jwt.ClaimStrings{audience},
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		ID:        uuid.NewString(),
	})
	t.Header["kid"] = s.kid
	return t.SignedString(s.key)
}

// Verifier accepts tokens for one audience from an issuer allowlist.
type Verifier struct {
	audience string
	issuers  map[string]struct{}
	leeway   time.Duration
	keys     map[string]*rsa.PublicKey
}

type VerifierOptions struct {
	PublicKeyPath string
	// ExtraKeys maps additional key ids to public key paths.
	ExtraKeys      map[string]string
	KeyID          string
	Audience       string
	AllowedIssuers []string
	Leeway         time.Duration
}

func NewVerifier(opts VerifierOptions) (*Verifier, error) {
	v := &Verifier{
		audience: strings.TrimSpace(opts.Audience),
		issuers:  make(map[string]struct{}),
		leeway:   opts.Leeway,
		keys:     make(map[string]*rsa.PublicKey),
	}
	if v.audience == "" {
		return nil, errors.New("service token audience is required")
	}
	for _, issuer := range opts.AllowedIssuers {
		if issuer = strings.TrimSpace(issuer); issuer != "" {
			v.issuers[issuer] = struct{}{}
		}
	}
	if len(v.issuers) == 0 {
		return nil, errors.New("at least one allowed issuer is required")
	}
	if v.leeway <= 0 {
		v.leeway = DefaultLeeway
	}

	paths := make(map[string]string, len(opts.ExtraKeys)+1)
	for kid, path := range opts.ExtraKeys {
		paths[strings.TrimSpace(kid)] = strings.TrimSpace(path)
	}
	if path := strings.TrimSpace(opts.PublicKeyPath); path != "" {
		kid := strings.TrimSpace(opts.KeyID)
		if kid == "" {
			kid = DefaultKeyID
		}
		paths[kid] = path
	}
	for kid, path := range paths {
		if kid == "" || path == "" {
			continue
		}
		pub, err := loadPublicKey(path)
		if err != nil {
			return nil, fmt.Errorf("load service token key %q: %w", kid, err)
		}
		v.keys[kid] = pub
	}
	if len(v.keys) == 0 {
		return nil, errors.New("service token verifier requires a public key")
	}
	return v, nil
}

// Verify checks signature, key id, time claims, audience, issuer, subject and jti.
func (v *Verifier) Verify(token string) (jwt.RegisteredClaims, error) {
	var claims jwt.RegisteredClaims
	token = strings.TrimSpace(token)
	if token == "" {
		return claims, errors.New("token required")
	}
	_, err := jwt.ParseWithClaims(token, &claims, v.keyFor,
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithAudience(v.audience),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.leeway),
	)
	if err != nil {
		return claims, err
	}
	if _, ok := v.issuers[claims.Issuer]; !ok {
		return claims, fmt.Errorf("issuer %q not allowed", claims.Issuer)
	}
	if claims.ID == "" || strings.TrimSpace(claims.Subject) == "" {
		return claims, errors.New("jti and subject required")
	}
	return claims, nil
}

func (v *Verifier) keyFor(t *jwt.Token) (any, error) {
	kid, _ := t.Header["kid"].(string)
	if kid = strings.TrimSpace(kid); kid == "" {
		return nil, errors.New("token key id required")
	}
	pub, ok := v.keys[kid]
	if !ok {
		return nil, fmt.Errorf("unknown token key %q", kid)
	}
	return pub, nil
}
