// Package oauth validates XOAUTH2 bearer tokens as signed JWTs.
package oauth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// Errors returned by VerifyToken.
var (
	ErrTokenExpired     = errors.New("token expired")
	ErrTokenInvalid     = errors.New("token invalid")
	ErrIssuerMismatch   = errors.New("issuer mismatch")
	ErrAudienceMismatch = errors.New("audience mismatch")
	ErrDomainNotAllowed = errors.New("domain not allowed")
	ErrUsernameMissing  = errors.New("username claim missing")
)

// JWTVerifier checks token signatures against a key set and extracts the
// username claim.
type JWTVerifier struct {
	keySet         jwk.Set
	cache          *jwk.Cache
	jwksURL        string
	issuer         string
	audience       string
	usernameClaim  string
	skew           time.Duration
	allowedDomains map[string]bool
}

// JWTConfig configures a JWTVerifier. Exactly one of JWKSURL and KeySet
// must be set. Issuer and Audience are only checked when non-empty.
type JWTConfig struct {
	JWKSURL         string
	KeySet          jwk.Set
	Issuer          string
	Audience        string
	UsernameClaim   string
	RefreshInterval time.Duration
	AcceptableSkew  time.Duration
	AllowedDomains  []string
}

// NewJWTVerifier builds a verifier. With a JWKS URL the key set is fetched
// once up front and refreshed in the background for the lifetime of ctx.
func NewJWTVerifier(ctx context.Context, cfg JWTConfig) (*JWTVerifier, error) {
	if (cfg.JWKSURL == "") == (cfg.KeySet == nil) {
		return nil, errors.New("exactly one of JWKS URL and key set is required")
	}
	if cfg.UsernameClaim == "" {
		cfg.UsernameClaim = "email"
	}
	if cfg.RefreshInterval == 0 {
		cfg.RefreshInterval = time.Hour
	}

	v := &JWTVerifier{
		keySet:         cfg.KeySet,
		jwksURL:        cfg.JWKSURL,
		issuer:         cfg.Issuer,
		audience:       cfg.Audience,
		usernameClaim:  cfg.UsernameClaim,
		skew:           cfg.AcceptableSkew,
		allowedDomains: make(map[string]bool),
	}
	for _, d := range cfg.AllowedDomains {
		v.allowedDomains[strings.ToLower(d)] = true
	}

	if cfg.JWKSURL != "" {
		cache := jwk.NewCache(ctx)
		if err := cache.Register(cfg.JWKSURL, jwk.WithMinRefreshInterval(cfg.RefreshInterval)); err != nil {
			return nil, fmt.Errorf("failed to register JWKS URL: %w", err)
		}
		keySet, err := cache.Refresh(ctx, cfg.JWKSURL)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch JWKS: %w", err)
		}
		v.cache = cache
		v.keySet = keySet
	}
	return v, nil
}

// VerifyToken validates token and returns the username it was issued to.
func (v *JWTVerifier) VerifyToken(ctx context.Context, token string) (string, error) {
	keySet := v.keySet
	if v.cache != nil {
		// Fall back to the initial set if the cache cannot be read.
		if current, err := v.cache.Get(ctx, v.jwksURL); err == nil {
			keySet = current
		}
	}

	opts := []jwt.ParseOption{
		jwt.WithKeySet(keySet),
		jwt.WithValidate(true),
		jwt.WithAcceptableSkew(v.skew),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}

	parsed, err := jwt.Parse([]byte(token), opts...)
	if err != nil {
		errStr := err.Error()
		switch {
		case strings.Contains(errStr, `"exp"`) && strings.Contains(errStr, "not satisfied"):
			return "", ErrTokenExpired
		case strings.Contains(errStr, `"iss"`) && strings.Contains(errStr, "not satisfied"):
			return "", ErrIssuerMismatch
		case strings.Contains(errStr, `"aud"`) && strings.Contains(errStr, "not satisfied"):
			return "", ErrAudienceMismatch
		}
		return "", fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}

	username, err := v.extractUsername(parsed)
	if err != nil {
		return "", err
	}

	if len(v.allowedDomains) > 0 {
		domain := extractDomainFromEmail(username)
		if domain == "" || !v.allowedDomains[strings.ToLower(domain)] {
			return "", ErrDomainNotAllowed
		}
	}
	return username, nil
}

// extractUsername reads the configured claim, then the usual fallbacks.
func (v *JWTVerifier) extractUsername(token jwt.Token) (string, error) {
	claims := []string{v.usernameClaim, "email", "preferred_username", "upn", "sub"}
	for i, claim := range claims {
		if i > 0 && claim == v.usernameClaim {
			continue
		}
		if val, ok := token.Get(claim); ok {
			if username, ok := val.(string); ok && username != "" {
				return username, nil
			}
		}
	}
	return "", ErrUsernameMissing
}

func extractDomainFromEmail(email string) string {
	idx := strings.LastIndex(email, "@")
	if idx < 0 || idx == len(email)-1 {
		return ""
	}
	return email[idx+1:]
}
