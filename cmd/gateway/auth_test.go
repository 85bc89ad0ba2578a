package main

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/r3e-network/accessplane/infrastructure/serviceauth"
	"github.com/r3e-network/accessplane/internal/model"
)

func TestClientAuthenticatorVerify(t *testing.T) {
	auth := newClientAuthenticator("test-secret")

	claims := ClientClaims{
		AccountID: model.ID("acct-1"),
		ClientID:  model.ID("client-1"),
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	got, err := auth.Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if got.AccountID != "acct-1" || got.ClientID != "client-1" {
		t.Fatalf("unexpected claims: %+v", got)
	}
}

func TestClientAuthenticatorRejectsWrongSecret(t *testing.T) {
	auth := newClientAuthenticator("right-secret")

	claims := ClientClaims{
		AccountID: model.ID("acct-1"),
		ClientID:  model.ID("client-1"),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("wrong-secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	if _, err := auth.Verify(token); err == nil {
		t.Fatal("expected verification to fail with mismatched secret")
	}
}

func TestClientAuthenticatorRejectsMissingClaims(t *testing.T) {
	auth := newClientAuthenticator("test-secret")

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, ClientClaims{}).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	if _, err := auth.Verify(token); err == nil {
		t.Fatal("expected verification to fail when account_id/client_id are empty")
	}
}

func generateTestRSAKeyPair(t *testing.T) (*rsa.PrivateKey, string) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("marshal public key: %v", err)
	}
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})
	return key, string(pemBytes)
}

func TestNodeAuthenticatorVerify(t *testing.T) {
	key, pubPEM := generateTestRSAKeyPair(t)
	auth, err := newNodeAuthenticator(pubPEM)
	if err != nil {
		t.Fatalf("newNodeAuthenticator: %v", err)
	}

	gen := serviceauth.NewServiceTokenGenerator(key, "node-1", time.Hour)
	token, err := gen.GenerateToken()
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}

	claims, err := auth.Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.ServiceID != "node-1" {
		t.Fatalf("unexpected service id: %q", claims.ServiceID)
	}
}

func TestNodeAuthenticatorRejectsWrongKey(t *testing.T) {
	signingKey, _ := generateTestRSAKeyPair(t)
	_, otherPubPEM := generateTestRSAKeyPair(t)

	auth, err := newNodeAuthenticator(otherPubPEM)
	if err != nil {
		t.Fatalf("newNodeAuthenticator: %v", err)
	}

	gen := serviceauth.NewServiceTokenGenerator(signingKey, "node-1", time.Hour)
	token, err := gen.GenerateToken()
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}

	if _, err := auth.Verify(token); err == nil {
		t.Fatal("expected verification to fail with mismatched public key")
	}
}

func TestNewNodeAuthenticatorEmptyKeyDisablesNodeAuth(t *testing.T) {
	auth, err := newNodeAuthenticator("")
	if err != nil {
		t.Fatalf("newNodeAuthenticator: %v", err)
	}
	if auth != nil {
		t.Fatal("expected nil authenticator when no public key is configured")
	}
}

func TestBearerTokenPrefersAuthorizationHeader(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/ws/client?token=query-token", nil)
	r.Header.Set("Authorization", "Bearer header-token")

	if got := bearerToken(r); got != "header-token" {
		t.Fatalf("got %q, want header-token", got)
	}
}

func TestBearerTokenFallsBackToQueryParam(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/ws/client?token=query-token", nil)

	if got := bearerToken(r); got != "query-token" {
		t.Fatalf("got %q, want query-token", got)
	}
}
