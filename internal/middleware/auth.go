// Package middleware provides authentication, logging, metrics and rate
// limiting shared by the HTTP and websocket entry points.
package middleware

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"gizchat/internal/config"
	"gizchat/internal/models"
	"gizchat/internal/observability"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
)

const (
	wsTicketPrefix  = "ws_ticket:"
	blacklistPrefix = "blacklist:"
)

var (
	ErrInvalidToken  = errors.New("invalid or expired token")
	ErrRevokedToken  = errors.New("token has been revoked")
	ErrInvalidTicket = errors.New("invalid or expired websocket ticket")
)

// TokenAuthenticator validates HS256 bearer tokens and manages single-use
// websocket tickets in Redis.
type TokenAuthenticator struct {
	secret    []byte
	issuer    string
	audience  string
	ticketTTL time.Duration
	rdb       *redis.Client
}

// NewTokenAuthenticator builds an authenticator from config. rdb may be nil,
// in which case tickets and revocation checks are unavailable.
func NewTokenAuthenticator(cfg *config.Config, rdb *redis.Client) *TokenAuthenticator {
	return &TokenAuthenticator{
		secret:    []byte(cfg.JWTSecret),
		issuer:    cfg.JWTIssuer,
		audience:  cfg.JWTAudience,
		ticketTTL: cfg.TicketTTL(),
		rdb:       rdb,
	}
}

// IssueToken signs an access token for userID. Account management lives
// outside this service; this exists for tooling and tests.
func (a *TokenAuthenticator) IssueToken(userID uint, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": strconv.FormatUint(uint64(userID), 10),
		"iss": a.issuer,
		"aud": a.audience,
		"jti": uuid.NewString(),
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// ParseToken validates the token and returns the subject as a user id.
func (a *TokenAuthenticator) ParseToken(ctx context.Context, tokenString string) (uint, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	if a.audience != "" {
		opts = append(opts, jwt.WithAudience(a.audience))
	}

	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, opts...)
	if err != nil || !token.Valid {
		return 0, ErrInvalidToken
	}

	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return 0, ErrInvalidToken
	}
	userID, err := strconv.ParseUint(sub, 10, 32)
	if err != nil || userID == 0 {
		return 0, ErrInvalidToken
	}

	if jti, _ := claims["jti"].(string); jti != "" && a.rdb != nil {
		n, err := a.rdb.Exists(ctx, blacklistPrefix+jti).Result()
		if err == nil && n > 0 {
			return 0, ErrRevokedToken
		}
	}

	return uint(userID), nil
}

// IssueTicket stores a single-use ticket for userID and returns it.
func (a *TokenAuthenticator) IssueTicket(ctx context.Context, userID uint) (string, error) {
	if a.rdb == nil {
		return "", errors.New("websocket tickets require redis")
	}
	ticket := uuid.NewString()
	if err := a.rdb.Set(ctx, wsTicketPrefix+ticket, userID, a.ticketTTL).Err(); err != nil {
		return "", fmt.Errorf("store ticket: %w", err)
	}
	return ticket, nil
}

// ConsumeTicket redeems a ticket exactly once.
func (a *TokenAuthenticator) ConsumeTicket(ctx context.Context, ticket string) (uint, error) {
	if a.rdb == nil || ticket == "" {
		return 0, ErrInvalidTicket
	}
	raw, err := a.rdb.GetDel(ctx, wsTicketPrefix+ticket).Result()
	if err != nil {
		return 0, ErrInvalidTicket
	}
	userID, err := strconv.ParseUint(raw, 10, 32)
	if err != nil || userID == 0 {
		return 0, ErrInvalidTicket
	}
	return uint(userID), nil
}

// TicketTTL is how long an issued ticket stays redeemable.
func (a *TokenAuthenticator) TicketTTL() time.Duration {
	return a.ticketTTL
}

// BearerToken extracts the token from an "Authorization: Bearer" header.
func BearerToken(c *fiber.Ctx) string {
	parts := strings.SplitN(c.Get("Authorization"), " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// SetUser stores the authenticated user on the request and its context.
func SetUser(c *fiber.Ctx, userID uint) {
	c.Locals("userID", userID)
	ctx := WithUser(c.UserContext(), userID)
	observability.AddTraceAttributesToContext(ctx, attribute.Int("user.id", int(userID)))
	c.SetUserContext(ctx)
}

// UserFromLocals returns the user set by SetUser, or 0.
func UserFromLocals(c *fiber.Ctx) uint {
	if uid, ok := c.Locals("userID").(uint); ok {
		return uid
	}
	return 0
}

// AuthRequired rejects requests without a valid bearer token.
func AuthRequired(a *TokenAuthenticator) fiber.Handler {
	return func(c *fiber.Ctx) error {
		tokenString := BearerToken(c)
		if tokenString == "" {
			return models.RespondWithError(c, fiber.StatusUnauthorized,
				models.NewUnauthorizedError("Authorization required"))
		}
		userID, err := a.ParseToken(c.UserContext(), tokenString)
		if err != nil {
			return models.RespondWithError(c, fiber.StatusUnauthorized,
				models.NewUnauthorizedError(err.Error()))
		}
		SetUser(c, userID)
		return c.Next()
	}
}

// OptionalWebSocketAuth resolves the user from a ?ticket= or bearer token but
// never rejects: an anonymous upgrade is closed by the chat session itself.
func OptionalWebSocketAuth(a *TokenAuthenticator) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if ticket := c.Query("ticket"); ticket != "" {
			if userID, err := a.ConsumeTicket(c.UserContext(), ticket); err == nil {
				SetUser(c, userID)
			}
			return c.Next()
		}
		if tokenString := BearerToken(c); tokenString != "" {
			if userID, err := a.ParseToken(c.UserContext(), tokenString); err == nil {
				SetUser(c, userID)
			}
		}
		return c.Next()
	}
}
