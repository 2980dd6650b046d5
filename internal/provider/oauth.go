package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

// ExchangeToken runs the authorization-code exchange for cfg and converts the
// result. The transport's HTTP client is used for the token endpoint.
func ExchangeToken(ctx context.Context, p Name, cfg *oauth2.Config, httpClient *http.Client, code string, opts ...oauth2.AuthCodeOption) (*TokenResponse, error) {
	if strings.TrimSpace(code) == "" {
		return nil, &ExternalServiceError{Provider: p, Kind: KindUnauthorized, Message: "empty authorization code"}
	}
	if httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, httpClient)
	}
	tok, err := cfg.Exchange(ctx, code, opts...)
	if err != nil {
		return nil, TokenError(p, err)
	}
	return FromOAuth2Token(tok), nil
}

// RefreshToken redeems refreshToken at cfg's token endpoint.
func RefreshToken(ctx context.Context, p Name, cfg *oauth2.Config, httpClient *http.Client, refreshToken string) (*TokenResponse, error) {
	if strings.TrimSpace(refreshToken) == "" {
		return nil, &ExternalServiceError{Provider: p, Kind: KindUnauthorized, Message: "missing refresh token"}
	}
	if httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, httpClient)
	}
	tok, err := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return nil, TokenError(p, err)
	}
	out := FromOAuth2Token(tok)
	// oauth2 copies the old refresh token forward when the provider does not
	// rotate it; report rotation only when a new one was issued.
	if out.RefreshToken == refreshToken {
		out.RefreshToken = ""
	}
	return out, nil
}

// FromOAuth2Token converts an oauth2 token into a TokenResponse.
func FromOAuth2Token(tok *oauth2.Token) *TokenResponse {
	out := &TokenResponse{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
	}
	if !tok.Expiry.IsZero() {
		exp := tok.Expiry.UTC()
		out.ExpiresAt = &exp
	}
	if scope, ok := tok.Extra("scope").(string); ok {
		out.Scope = scope
	}
	if idToken, ok := tok.Extra("id_token").(string); ok {
		out.IDToken = idToken
	}
	return out
}

// TokenError translates oauth2 token endpoint failures. invalid_grant means the
// refresh token was revoked or expired and is reported as Unauthorized.
func TokenError(p Name, err error) error {
	var re *oauth2.RetrieveError
	if !errors.As(err, &re) {
		return &ExternalServiceError{Provider: p, Kind: KindServiceUnavailable, Err: err}
	}
	status := 0
	if re.Response != nil {
		status = re.Response.StatusCode
	}
	ese := NewStatusError(p, status, re.ErrorCode, re.ErrorDescription)
	switch re.ErrorCode {
	case "invalid_grant", "invalid_token", "unauthorized_client":
		ese.Kind = KindUnauthorized
	case "invalid_client", "access_denied":
		ese.Kind = KindForbidden
	case "temporarily_unavailable", "server_error":
		ese.Kind = KindServiceUnavailable
	}
	ese.Err = err
	return ese
}

// IdentityClaims are the id_token claims adapters use to identify the account.
type IdentityClaims struct {
	Subject           string `json:"sub"`
	ObjectID          string `json:"oid"`
	Email             string `json:"email"`
	PreferredUsername string `json:"preferred_username"`
}

// IDTokenVerifier checks id_token signatures against a provider's JWKS. Keys
// are fetched lazily so construction never blocks on the network.
type IDTokenVerifier struct {
	verifier *oidc.IDTokenVerifier
}

// NewIDTokenVerifier builds a verifier for issuer. Multi-tenant issuers (such
// as the Microsoft common endpoint) set skipIssuer.
func NewIDTokenVerifier(issuer, jwksURL, clientID string, skipIssuer bool) *IDTokenVerifier {
	keySet := oidc.NewRemoteKeySet(context.Background(), jwksURL)
	return &IDTokenVerifier{
		verifier: oidc.NewVerifier(issuer, keySet, &oidc.Config{
			ClientID:        clientID,
			SkipIssuerCheck: skipIssuer,
		}),
	}
}

// Verify validates raw and returns its identity claims.
func (v *IDTokenVerifier) Verify(ctx context.Context, raw string) (*IdentityClaims, error) {
	tok, err := v.verifier.Verify(ctx, raw)
	if err != nil {
		return nil, fmt.Errorf("verify id_token: %w", err)
	}
	var claims IdentityClaims
	if err := tok.Claims(&claims); err != nil {
		return nil, fmt.Errorf("decode id_token claims: %w", err)
	}
	return &claims, nil
}
