package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"govgate/internal/engine"
	"govgate/internal/engine/auth"
)

const (
	tokenIssuer     = "govgate"
	defaultTokenTTL = 24 * time.Hour
)

type AuthConfig struct {
	JWTSecret string
	// AllowActorHeader trusts X-Actor-Id without a token. Local development only.
	AllowActorHeader bool
	// EnableTokenEndpoint exposes POST /auth/token for local testing.
	EnableTokenEndpoint bool
}

type Principal struct {
	Actor  string
	Source string
}

type principalKey struct{}

func withPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func principalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

func actorFromContext(ctx context.Context) (string, huma.StatusError) {
	if p, ok := principalFromContext(ctx); ok && p.Actor != "" {
		return p.Actor, nil
	}
	return "", newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
}

// SignToken mints an HS256 token whose subject is the acting identity.
func SignToken(secret, actor string, ttl time.Duration, now time.Time) (string, time.Time, error) {
	if strings.TrimSpace(secret) == "" {
		return "", time.Time{}, errors.New("jwt secret not configured")
	}
	actor = auth.Normalize(actor)
	if actor == "" {
		return "", time.Time{}, errors.New("actor is required")
	}
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	expires := now.Add(ttl)
	claims := jwt.RegisteredClaims{
		Issuer:    tokenIssuer,
		Subject:   actor,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expires),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	return token, expires, err
}

func authenticateJWT(token, secret string) (Principal, error) {
	if strings.TrimSpace(secret) == "" {
		return Principal{}, errors.New("jwt secret not configured")
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithExpirationRequired(),
	)
	claims := &jwt.RegisteredClaims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return Principal{}, err
	}
	if !parsed.Valid {
		return Principal{}, errors.New("invalid token")
	}
	if claims.Subject == "" {
		return Principal{}, errors.New("subject claim required")
	}
	return Principal{Actor: auth.Normalize(claims.Subject), Source: "jwt"}, nil
}

func bearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

// publicPaths are served without credentials.
func publicPaths(basePath string) map[string]bool {
	return map[string]bool{
		path.Join(basePath, "health"):       true,
		path.Join(basePath, "openapi.json"): true,
		path.Join(basePath, "docs"):         true,
		path.Join(basePath, "auth/token"):   true,
	}
}

func newAuthMiddleware(basePath string, cfg AuthConfig, log *zap.Logger) func(http.Handler) http.Handler {
	public := publicPaths(basePath)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if !strings.HasPrefix(req.URL.Path, basePath) || public[req.URL.Path] {
				next.ServeHTTP(w, req.WithContext(engine.WithLogger(req.Context(), log)))
				return
			}

			authz := strings.TrimSpace(req.Header.Get("Authorization"))
			actorHeader := strings.TrimSpace(req.Header.Get("X-Actor-Id"))

			var principal Principal
			switch {
			case authz != "":
				token, ok := bearerToken(authz)
				if !ok {
					respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
					return
				}
				p, err := authenticateJWT(token, cfg.JWTSecret)
				if err != nil {
					log.Debug("rejected token", zap.Error(err))
					respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
					return
				}
				principal = p
			case actorHeader != "" && cfg.AllowActorHeader:
				log.Warn("trusting X-Actor-Id header without authentication", zap.String("actor", actorHeader))
				principal = Principal{Actor: auth.Normalize(actorHeader), Source: "actor_header"}
			default:
				respondStatusError(w, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil))
				return
			}

			ctx := withPrincipal(req.Context(), principal)
			ctx = engine.WithLogger(ctx, log.With(zap.String("actor", principal.Actor)))
			next.ServeHTTP(w, req.WithContext(ctx))
		})
	}
}

func respondStatusError(w http.ResponseWriter, err huma.StatusError) {
	status := http.StatusInternalServerError
	if e, ok := err.(interface{ GetStatus() int }); ok {
		status = e.GetStatus()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(err)
}
