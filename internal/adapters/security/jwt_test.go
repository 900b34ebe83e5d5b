package security

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"testing"
	"time"

	"github.com/zhiquai/aigrading/internal/ports"
)

func TestAdminTokensRoundTrip(t *testing.T) {
	t.Parallel()
	tokens, err := NewEphemeralAdminTokens("kid-1", "aigrading")
	if err != nil {
		t.Fatalf("new tokens: %v", err)
	}
	now := time.Now().UTC()
	raw, err := tokens.Sign(ports.AdminClaims{Subject: "ops", Role: "admin", IssuedAt: now, ExpiresAt: now.Add(time.Hour)})
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	claims, err := tokens.ParseAndValidate(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if claims.Subject != "ops" || claims.Role != "admin" || claims.KeyID != "kid-1" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestAdminTokensRejectExpiredAndForeignKeys(t *testing.T) {
	t.Parallel()
	tokens, _ := NewEphemeralAdminTokens("kid-1", "aigrading")
	other, _ := NewEphemeralAdminTokens("kid-2", "aigrading")
	now := time.Now().UTC()

	expired, _ := tokens.Sign(ports.AdminClaims{Subject: "ops", Role: "admin", IssuedAt: now.Add(-2 * time.Hour), ExpiresAt: now.Add(-time.Hour)})
	if _, err := tokens.ParseAndValidate(expired); err == nil {
		t.Fatalf("expected expired token to be rejected")
	}
	foreign, _ := other.Sign(ports.AdminClaims{Subject: "ops", Role: "admin", IssuedAt: now, ExpiresAt: now.Add(time.Hour)})
	if _, err := tokens.ParseAndValidate(foreign); err == nil {
		t.Fatalf("expected token signed by another key to be rejected")
	}
	wrongIssuer, _ := NewEphemeralAdminTokens("kid-1", "someone-else")
	raw, _ := wrongIssuer.Sign(ports.AdminClaims{Subject: "ops", Role: "admin", IssuedAt: now, ExpiresAt: now.Add(time.Hour)})
	if _, err := tokens.ParseAndValidate(raw); err == nil {
		t.Fatalf("expected foreign issuer to be rejected")
	}
}

func TestVerifyOnlyTokensFromPEM(t *testing.T) {
	t.Parallel()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("marshal public key: %v", err)
	}
	pubPEM := string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER}))
	privPEM := string(pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}))

	signer, err := NewAdminTokens("kid-pem", "", privPEM, pubPEM)
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	verifier, err := NewAdminTokens("kid-pem", "", "", pubPEM)
	if err != nil {
		t.Fatalf("verifier: %v", err)
	}
	now := time.Now().UTC()
	raw, err := signer.Sign(ports.AdminClaims{Subject: "ops", Role: "admin", IssuedAt: now, ExpiresAt: now.Add(time.Hour)})
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := verifier.ParseAndValidate(raw); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if _, err := verifier.Sign(ports.AdminClaims{Subject: "x"}); err == nil {
		t.Fatalf("verify-only instance must not sign")
	}
}
