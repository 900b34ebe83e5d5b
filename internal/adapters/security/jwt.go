package security

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/zhiquai/aigrading/internal/ports"
)

const adminAudience = "aigrading-admin"

// AdminTokens verifies RS256 admin bearer tokens. Signing is only available when a
// private key is loaded, which production verifiers normally do not have.
type AdminTokens struct {
	kid        string
	issuer     string
	privateKey *rsa.PrivateKey
	publicKey  *rsa.PublicKey
}

// NewAdminTokens builds a verifier from a public PEM and, optionally, a signing key.
func NewAdminTokens(kid, issuer, privateKeyPEM, publicKeyPEM string) (*AdminTokens, error) {
	if publicKeyPEM == "" {
		return nil, errors.New("admin jwt public key is required")
	}
	pub, err := parseRSAPublic(publicKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	t := &AdminTokens{kid: kid, issuer: issuer, publicKey: pub}
	if privateKeyPEM != "" {
		priv, err := parseRSAPrivate(privateKeyPEM)
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		t.privateKey = priv
	}
	return t, nil
}

// NewEphemeralAdminTokens creates an in-memory keypair for local runs.
func NewEphemeralAdminTokens(kid, issuer string) (*AdminTokens, error) {
	if kid == "" {
		kid = "ephemeral-admin-1"
	}
	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}
	return &AdminTokens{kid: kid, issuer: issuer, privateKey: privateKey, publicKey: &privateKey.PublicKey}, nil
}

type adminJWTClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

func (t *AdminTokens) Sign(claims ports.AdminClaims) (string, error) {
	if t.privateKey == nil {
		return "", errors.New("admin token signing key not configured")
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, adminJWTClaims{
		Role: claims.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   claims.Subject,
			Issuer:    t.issuer,
			Audience:  jwt.ClaimStrings{adminAudience},
			IssuedAt:  jwt.NewNumericDate(claims.IssuedAt),
			ExpiresAt: jwt.NewNumericDate(claims.ExpiresAt),
		},
	})
	token.Header["kid"] = t.kid
	return token.SignedString(t.privateKey)
}

func (t *AdminTokens) ParseAndValidate(raw string) (ports.AdminClaims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithLeeway(30 * time.Second),
		jwt.WithAudience(adminAudience),
		jwt.WithExpirationRequired(),
	}
	if t.issuer != "" {
		opts = append(opts, jwt.WithIssuer(t.issuer))
	}
	parsed, err := jwt.ParseWithClaims(raw, &adminJWTClaims{}, func(token *jwt.Token) (any, error) {
		return t.publicKey, nil
	}, opts...)
	if err != nil {
		return ports.AdminClaims{}, err
	}
	claims, ok := parsed.Claims.(*adminJWTClaims)
	if !ok || !parsed.Valid {
		return ports.AdminClaims{}, errors.New("invalid token claims")
	}
	if claims.Subject == "" {
		return ports.AdminClaims{}, errors.New("token subject is required")
	}

	kid, _ := parsed.Header["kid"].(string)
	out := ports.AdminClaims{
		Subject:   claims.Subject,
		Role:      claims.Role,
		ExpiresAt: claims.ExpiresAt.Time.UTC(),
		KeyID:     kid,
	}
	if claims.IssuedAt != nil {
		out.IssuedAt = claims.IssuedAt.Time.UTC()
	}
	return out, nil
}

func parseRSAPrivate(raw string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(raw))
	if block == nil {
		return nil, errors.New("invalid private PEM")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	keyAny, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	key, ok := keyAny.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("private key is not RSA")
	}
	return key, nil
}

func parseRSAPublic(raw string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(raw))
	if block == nil {
		return nil, errors.New("invalid public PEM")
	}
	if key, err := x509.ParsePKCS1PublicKey(block.Bytes); err == nil {
		return key, nil
	}
	keyAny, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	key, ok := keyAny.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("public key is not RSA")
	}
	return key, nil
}
