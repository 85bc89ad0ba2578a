package main

import (
	"crypto/rsa"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/r3e-network/accessplane/infrastructure/serviceauth"
	"github.com/r3e-network/accessplane/internal/model"
)

// ClientClaims identifies the account/client pair behind a /ws/client
// connection, per spec.md §4.1's "the gateway authenticates the client
// before starting its Session Actor" step.
type ClientClaims struct {
	AccountID model.ID `json:"account_id"`
	ClientID  model.ID `json:"client_id"`
	jwt.RegisteredClaims
}

// clientAuthenticator verifies the bearer token a client websocket presents,
// signed with the shared AUTH_JWT_SECRET.
type clientAuthenticator struct {
	secret []byte
}

func newClientAuthenticator(secret string) *clientAuthenticator {
	return &clientAuthenticator{secret: []byte(secret)}
}

func (a *clientAuthenticator) Verify(tokenString string) (ClientClaims, error) {
	var claims ClientClaims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return ClientClaims{}, err
	}
	if !token.Valid {
		return ClientClaims{}, fmt.Errorf("token invalid")
	}
	if claims.AccountID == "" || claims.ClientID == "" {
		return ClientClaims{}, fmt.Errorf("token missing account_id/client_id")
	}
	return claims, nil
}

// nodeAuthenticator verifies the RS256 service token a serving node presents
// on /ws/node, built on infrastructure/serviceauth's ServiceClaims shape.
// Nothing in this repo generates these tokens; the serving node fleet is
// provisioned out of band with the matching private key.
type nodeAuthenticator struct {
	publicKey *rsa.PublicKey
}

func newNodeAuthenticator(publicKeyPEM string) (*nodeAuthenticator, error) {
	if strings.TrimSpace(publicKeyPEM) == "" {
		return nil, nil
	}
	key, err := serviceauth.ParseRSAPublicKeyFromPEM([]byte(publicKeyPEM))
	if err != nil {
		return nil, fmt.Errorf("parse node public key: %w", err)
	}
	return &nodeAuthenticator{publicKey: key}, nil
}

func (a *nodeAuthenticator) Verify(tokenString string) (serviceauth.ServiceClaims, error) {
	var claims serviceauth.ServiceClaims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.publicKey, nil
	})
	if err != nil {
		return serviceauth.ServiceClaims{}, err
	}
	if !token.Valid {
		return serviceauth.ServiceClaims{}, fmt.Errorf("token invalid")
	}
	if claims.ServiceID == "" {
		return serviceauth.ServiceClaims{}, fmt.Errorf("token missing service_id")
	}
	return claims, nil
}

// bearerToken extracts the token from "Authorization: Bearer <token>", or
// falls back to a "token" query parameter for websocket clients that can't
// set request headers on the handshake.
func bearerToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if rest, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return strings.TrimSpace(rest)
		}
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}
