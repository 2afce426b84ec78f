package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	apperrors "github.com/yanqian/playgrounded/pkg/errors"
)

const tokenType = "session"

// Config drives anonymous session tokens.
type Config struct {
	Secret string
	TTL    time.Duration
}

// Claims identify one anonymous session.
type Claims struct {
	SessionID string
	ExpiresAt time.Time
}

// Token is a signed session token.
type Token struct {
	Value     string    `json:"token"`
	SessionID string    `json:"sessionId"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Service issues and validates session tokens. A session id namespaces a
// client's own reports; it carries no identity.
type Service interface {
	Issue(ctx context.Context) (Token, error)
	Renew(ctx context.Context, claims Claims) (Token, error)
	Validate(ctx context.Context, token string) (Claims, error)
}

type service struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

// NewService constructs a Service instance.
func NewService(cfg Config, logger *slog.Logger) Service {
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	return &service{
		cfg:    cfg,
		logger: logger.With("component", "session.service"),
		now:    time.Now,
	}
}

func (s *service) Issue(ctx context.Context) (Token, error) {
	token, err := s.sign(uuid.NewString())
	if err != nil {
		return Token{}, err
	}
	s.logger.DebugContext(ctx, "session issued", "sessionId", token.SessionID)
	return token, nil
}

func (s *service) Renew(_ context.Context, claims Claims) (Token, error) {
	if _, err := uuid.Parse(claims.SessionID); err != nil {
		return Token{}, apperrors.Wrap(apperrors.CodeInvalidToken, "session id malformed", err)
	}
	return s.sign(claims.SessionID)
}

func (s *service) Validate(_ context.Context, token string) (Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Claims{}, apperrors.Wrap(apperrors.CodeInvalidToken, "missing session token", nil)
	}
	parsed, err := jwt.ParseWithClaims(token, &tokenClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %s", t.Method.Alg())
		}
		return []byte(s.cfg.Secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(s.now))
	if err != nil {
		return Claims{}, apperrors.Wrap(apperrors.CodeInvalidToken, "session validation failed", err)
	}
	claims, ok := parsed.Claims.(*tokenClaims)
	if !ok || !parsed.Valid || claims.TokenType != tokenType {
		return Claims{}, apperrors.Wrap(apperrors.CodeInvalidToken, "session invalid", nil)
	}
	if claims.ExpiresAt == nil {
		return Claims{}, apperrors.Wrap(apperrors.CodeInvalidToken, "session missing expiry", nil)
	}
	if _, err := uuid.Parse(claims.Subject); err != nil {
		return Claims{}, apperrors.Wrap(apperrors.CodeInvalidToken, "session id malformed", err)
	}
	return Claims{SessionID: claims.Subject, ExpiresAt: claims.ExpiresAt.Time}, nil
}

func (s *service) sign(sessionID string) (Token, error) {
	now := s.now()
	expires := now.Add(s.cfg.TTL)
	claims := tokenClaims{
		TokenType: tokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sessionID,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(s.cfg.Secret))
	if err != nil {
		return Token{}, apperrors.Wrap(apperrors.CodeInternal, "failed to sign session", err)
	}
	return Token{Value: signed, SessionID: sessionID, ExpiresAt: expires.Truncate(time.Second)}, nil
}

type tokenClaims struct {
	jwt.RegisteredClaims
	TokenType string `json:"type"`
}
