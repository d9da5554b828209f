package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	jwt "github.com/golang-jwt/jwt/v5"

	nativecommon "termlend/native/common"
)

// AuthConfig configures bearer token validation. Tokens are HS256 JWTs whose
// subject is the caller's address and whose scope claim lists role names.
type AuthConfig struct {
	HMACSecret          string
	Issuer              string
	Audience            string
	ScopeClaim          string
	ClockSkew           time.Duration
	AllowAnonymousReads bool
}

type callerKey struct{}

// CallerFrom returns the authenticated address attached to ctx.
func CallerFrom(ctx context.Context) (common.Address, bool) {
	addr, ok := ctx.Value(callerKey{}).(common.Address)
	return addr, ok
}

// Authenticator validates bearer tokens and attaches the caller and its roles
// to the request context.
type Authenticator struct {
	cfg    AuthConfig
	secret []byte
	logger *slog.Logger
}

// NewAuthenticator constructs an authenticator. An empty secret rejects every
// authenticated request.
func NewAuthenticator(cfg AuthConfig, logger *slog.Logger) *Authenticator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ScopeClaim == "" {
		cfg.ScopeClaim = "scope"
	}
	if cfg.ClockSkew <= 0 {
		cfg.ClockSkew = 2 * time.Minute
	}
	return &Authenticator{
		cfg:    cfg,
		secret: []byte(strings.TrimSpace(cfg.HMACSecret)),
		logger: logger,
	}
}

// Middleware enforces authentication. When optional is set and anonymous
// reads are allowed, requests without a token pass through unauthenticated.
func (a *Authenticator) Middleware(optional bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenString := extractBearer(r.Header.Get("Authorization"))
			if tokenString == "" {
				if optional && a.cfg.AllowAnonymousReads {
					next.ServeHTTP(w, r)
					return
				}
				writeJSONError(w, http.StatusUnauthorized, errors.New("missing bearer token"))
				return
			}
			claims, err := a.parseToken(tokenString)
			if err != nil {
				a.logger.Warn("token validation failed", slog.String("error", err.Error()))
				writeJSONError(w, http.StatusUnauthorized, errors.New("invalid token"))
				return
			}
			caller, roles, err := a.identity(claims)
			if err != nil {
				a.logger.Warn("claim validation failed", slog.String("error", err.Error()))
				writeJSONError(w, http.StatusUnauthorized, errors.New("invalid token"))
				return
			}
			ctx := context.WithValue(r.Context(), callerKey{}, caller)
			ctx = nativecommon.WithCapabilities(ctx, roles...)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func (a *Authenticator) parseToken(tokenString string) (jwt.MapClaims, error) {
	if len(a.secret) == 0 {
		return nil, errors.New("auth secret not configured")
	}
	opts := []jwt.ParserOption{
		jwt.WithLeeway(a.cfg.ClockSkew),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	}
	if a.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.cfg.Issuer))
	}
	if a.cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(a.cfg.Audience))
	}
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errors.New("claims not map")
	}
	return claims, nil
}

func (a *Authenticator) identity(claims jwt.MapClaims) (common.Address, []nativecommon.Role, error) {
	subject, err := claims.GetSubject()
	if err != nil {
		return common.Address{}, nil, err
	}
	if !common.IsHexAddress(subject) {
		return common.Address{}, nil, fmt.Errorf("subject %q is not an address", subject)
	}
	var roles []nativecommon.Role
	for _, scope := range extractScopes(claims, a.cfg.ScopeClaim) {
		if role, ok := nativecommon.ParseRole(scope); ok {
			roles = append(roles, role)
		}
	}
	return common.HexToAddress(subject), roles, nil
}

func extractScopes(claims jwt.MapClaims, scopeClaim string) []string {
	raw, ok := claims[scopeClaim]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case string:
		return strings.Fields(v)
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, entry := range v {
			if s, ok := entry.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func extractBearer(header string) string {
	parts := strings.SplitN(strings.TrimSpace(header), " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
