package httpapi

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/philomenia/tokenledger/pkg/ledger"
)

const (
	memberIdentityPrefix    = "user:"
	anonymousIdentityPrefix = "anon:"

	sessionCookieMaxAge = 60 * 60 * 24 * 30
)

// caller is the resolved identity of one request.
type caller struct {
	identity ledger.Identity
	class    ledger.AllotmentClass
}

// resolveCaller maps a request to a ledger identity. A valid bearer token
// yields a member identity keyed by the token subject. Everything else gets
// an anonymous identity keyed by a session cookie, minting the cookie when
// the request carries none.
func (handler *Handler) resolveCaller(ctx *gin.Context) (caller, error) {
	authorization := ctx.GetHeader("Authorization")
	if token, found := strings.CutPrefix(authorization, "Bearer "); found {
		subject, err := handler.verifyToken(token)
		if err != nil {
			return caller{}, err
		}
		identity, err := ledger.NewIdentity(memberIdentityPrefix + subject)
		if err != nil {
			return caller{}, err
		}
		return caller{identity: identity, class: ledger.ClassMember}, nil
	}

	sessionID, err := ctx.Cookie(handler.cfg.SessionCookieName)
	if err != nil || strings.TrimSpace(sessionID) == "" {
		sessionID = uuid.NewString()
		ctx.SetSameSite(http.SameSiteLaxMode)
		ctx.SetCookie(handler.cfg.SessionCookieName, sessionID, sessionCookieMaxAge, "/", "", handler.secureCookie(ctx), true)
	}
	identity, err := ledger.NewIdentity(anonymousIdentityPrefix + sessionID)
	if err != nil {
		return caller{}, err
	}
	return caller{identity: identity, class: ledger.ClassAnonymous}, nil
}

// secureCookie reports whether the session cookie should carry the Secure
// attribute: always when configured, otherwise when the request arrived over
// TLS (directly or behind a forwarding proxy).
func (handler *Handler) secureCookie(ctx *gin.Context) bool {
	if handler.cfg.CookieSecure {
		return true
	}
	if ctx.Request.TLS != nil {
		return true
	}
	return strings.EqualFold(ctx.GetHeader("X-Forwarded-Proto"), "https")
}

func (handler *Handler) verifyToken(token string) (string, error) {
	parsed, err := jwt.ParseWithClaims(token, &jwt.RegisteredClaims{}, func(parsed *jwt.Token) (interface{}, error) {
		if _, ok := parsed.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", parsed.Header["alg"])
		}
		return []byte(handler.cfg.JWTSigningKey), nil
	}, jwt.WithIssuer(handler.cfg.JWTIssuer))
	if err != nil {
		return "", fmt.Errorf("verify token: %w", err)
	}
	claims, ok := parsed.Claims.(*jwt.RegisteredClaims)
	if !ok || strings.TrimSpace(claims.Subject) == "" {
		return "", fmt.Errorf("token carries no subject")
	}
	return claims.Subject, nil
}
