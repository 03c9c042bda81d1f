package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/golang-jwt/jwt/v5"

	"clauseline/internal/engine"
)

type AuthConfig struct {
	JWTSecret              string
	AllowLegacyActorHeader bool
	DevLogin               bool
	Logger                 *slog.Logger
}

// Principal is the authenticated caller. ActorID is a user key.
type Principal struct {
	ActorID     string
	Roles       []string
	Permissions []string
	Source      string
}

type principalKey struct{}

const devTokenTTL = 24 * time.Hour

func (c AuthConfig) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

func withPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func principalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

func principalFromRequest(ctx context.Context) (Principal, huma.StatusError) {
	if p, ok := principalFromContext(ctx); ok && p.ActorID != "" {
		return p, nil
	}
	return Principal{}, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
}

func actorIDFromContext(ctx context.Context) (string, huma.StatusError) {
	p, err := principalFromRequest(ctx)
	if err != nil {
		return "", err
	}
	return p.ActorID, nil
}

type jwtClaims struct {
	jwt.RegisteredClaims
	Roles       []string `json:"roles,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
}

func authenticateJWT(token string, secret string) (Principal, error) {
	if strings.TrimSpace(secret) == "" {
		return Principal{}, errors.New("jwt secret not configured")
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &jwtClaims{}
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
	return Principal{
		ActorID:     claims.Subject,
		Roles:       claims.Roles,
		Permissions: claims.Permissions,
		Source:      "jwt",
	}, nil
}

func signDevToken(secret, userKey string, roles, permissions []string) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("jwt secret not configured")
	}
	now := time.Now()
	claims := jwtClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userKey,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(devTokenTTL)),
			Issuer:    "clauseline-dev",
		},
		Roles:       roles,
		Permissions: permissions,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func authenticateAPIKey(ctx context.Context, e engine.Engine, key string) (Principal, error) {
	actorID, err := e.ActorForAPIKey(ctx, key)
	if err != nil {
		return Principal{}, err
	}
	if actorID == "" {
		return Principal{}, errors.New("api key missing actor")
	}
	return Principal{ActorID: actorID, Source: "api_key"}, nil
}

func bearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

// publicRoutes lists "METHOD path" pairs served without credentials.
func publicRoutes(basePath string) map[string]bool {
	join := func(p string) string { return path.Join("/", basePath, p) }
	return map[string]bool{
		http.MethodGet + " " + join("health"):          true,
		http.MethodPost + " " + join("auth/dev/login"): true,
		http.MethodPost + " " + join("users"):          true,
		http.MethodGet + " " + join("openapi.json"):    true,
	}
}

// credentialScheme inspects one request header. It reports whether the
// header was present and, if so, the principal it resolved to.
type credentialScheme struct {
	header       string
	authenticate func(ctx context.Context, value string) (Principal, error)
}

// credentialSchemes returns the accepted schemes in precedence order: the
// first header present decides, later ones are not consulted.
func credentialSchemes(cfg AuthConfig, e engine.Engine) []credentialScheme {
	schemes := []credentialScheme{
		{
			header: "Authorization",
			authenticate: func(_ context.Context, value string) (Principal, error) {
				token, ok := bearerToken(value)
				if !ok {
					return Principal{}, errors.New("bearer token required")
				}
				return authenticateJWT(token, cfg.JWTSecret)
			},
		},
		{
			header: "X-Api-Key",
			authenticate: func(ctx context.Context, value string) (Principal, error) {
				return authenticateAPIKey(ctx, e, value)
			},
		},
	}
	if cfg.AllowLegacyActorHeader {
		schemes = append(schemes, credentialScheme{
			header: "X-Actor-Id",
			authenticate: func(_ context.Context, value string) (Principal, error) {
				cfg.logger().Warn("legacy X-Actor-Id header used without credentials", "actor_id", value)
				return Principal{ActorID: value, Source: "legacy_header"}, nil
			},
		})
	}
	return schemes
}

func newAuthMiddleware(basePath string, cfg AuthConfig, e engine.Engine) func(http.Handler) http.Handler {
	public := publicRoutes(basePath)
	schemes := credentialSchemes(cfg, e)
	invalid := newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if basePath != "" && !strings.HasPrefix(req.URL.Path, basePath) {
				next.ServeHTTP(w, req)
				return
			}
			ctx := req.Context()
			for _, scheme := range schemes {
				value := strings.TrimSpace(req.Header.Get(scheme.header))
				if value == "" {
					continue
				}
				principal, err := scheme.authenticate(ctx, value)
				if err == nil {
					// The subject must still exist.
					_, err = e.ResolveUser(ctx, engine.UserSelector{ID: principal.ActorID})
				}
				if err != nil {
					cfg.logger().Debug("authentication failed", "scheme", scheme.header, "path", req.URL.Path, "error", err)
					respondStatusError(w, invalid)
					return
				}
				next.ServeHTTP(w, req.WithContext(withPrincipal(ctx, principal)))
				return
			}
			if public[req.Method+" "+req.URL.Path] {
				next.ServeHTTP(w, req)
				return
			}
			respondStatusError(w, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil))
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
