// Package api is the HTTP facade: authentication, tenant resolution,
// rate limiting and the REST/SSE/WebSocket surface.
package api

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"github.com/ragline-ai/ragline/internal/apperr"
	"github.com/ragline-ai/ragline/internal/storage"
)

// Context keys for request-scoped values.
type contextKey string

// TenantIDKey is the context key for the resolved tenant.
const TenantIDKey contextKey = "tenant_id"

// AuthConfig holds token validation settings.
type AuthConfig struct {
	Secret  string
	Require bool
}

// APIKeyStore resolves API keys. Satisfied by *storage.APIKeyRepository.
type APIKeyStore interface {
	FindByHash(ctx context.Context, keyHash string) (*storage.APIKey, error)
	TouchLastUsed(ctx context.Context, id int64) error
}

// Authenticator resolves the tenant behind a request from a bearer JWT or an
// API key. The same resolution serves the middleware and the WebSocket route.
type Authenticator struct {
	cfg    AuthConfig
	keys   APIKeyStore
	logger zerolog.Logger
}

// NewAuthenticator creates an authenticator. keys may be nil when API key
// auth is not wired (tests).
func NewAuthenticator(cfg AuthConfig, keys APIKeyStore, logger zerolog.Logger) *Authenticator {
	return &Authenticator{cfg: cfg, keys: keys, logger: logger}
}

// HashKey returns the stored form of an API key.
func HashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// ResolveTenant returns the tenant for a request. Precedence: API key header,
// bearer JWT, then (when auth is not required) the X-Tenant-ID dev header.
// Browser WebSocket clients cannot set headers, so a "token" query parameter
// doubles as the bearer token.
func (a *Authenticator) ResolveTenant(r *http.Request) (string, error) {
	if key := r.Header.Get("X-API-Key"); key != "" {
		return a.tenantForKey(r.Context(), key)
	}

	token := ""
	if h := r.Header.Get("Authorization"); h != "" {
		parts := strings.SplitN(h, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
			return "", apperr.New(apperr.KindAuth, "invalid authorization header format")
		}
		token = parts[1]
	} else if q := r.URL.Query().Get("token"); q != "" {
		token = q
	}
	if token != "" {
		return a.tenantForJWT(token)
	}

	if !a.cfg.Require {
		if tenant := r.Header.Get("X-Tenant-ID"); tenant != "" {
			return tenant, nil
		}
		return "dev", nil
	}
	return "", apperr.New(apperr.KindAuth, "missing credentials")
}

func (a *Authenticator) tenantForKey(ctx context.Context, key string) (string, error) {
	if a.keys == nil {
		return "", apperr.New(apperr.KindAuth, "api keys not enabled")
	}
	rec, err := a.keys.FindByHash(ctx, HashKey(key))
	if err != nil {
		return "", apperr.New(apperr.KindAuth, "unknown api key")
	}
	if err := a.keys.TouchLastUsed(ctx, rec.ID); err != nil {
		a.logger.Warn().Err(err).Msg("touch api key")
	}
	return rec.TenantID, nil
}

func (a *Authenticator) tenantForJWT(token string) (string, error) {
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, apperr.Newf(apperr.KindAuth, "unexpected signing method %v", t.Header["alg"])
		}
		return []byte(a.cfg.Secret), nil
	})
	if err != nil {
		return "", apperr.Wrap(apperr.KindAuth, "invalid token", err)
	}
	tenant, _ := claims["tenant_id"].(string)
	if tenant == "" {
		return "", apperr.New(apperr.KindAuth, "token missing tenant_id claim")
	}
	return tenant, nil
}

// Middleware authenticates every request and stores the tenant in context.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenant, err := a.ResolveTenant(r)
		if err != nil {
			writeError(w, a.logger, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(withTenant(r.Context(), tenant)))
	})
}

func withTenant(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, TenantIDKey, tenantID)
}

// TenantFromContext extracts the tenant ID from context.
func TenantFromContext(ctx context.Context) string {
	if v := ctx.Value(TenantIDKey); v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// CORS returns CORS middleware for browser clients.
func CORS(allowedOrigins []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			allowed := false
			for _, o := range allowedOrigins {
				if o == "*" || o == origin {
					allowed = true
					break
				}
			}
			if allowed {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Tenant-ID, X-API-Key")
				w.Header().Set("Access-Control-Max-Age", "86400")
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RateLimit enforces the per-tenant request rate.
func RateLimit(limiter Limiter, logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := limiter.AllowRequest(r.Context(), TenantFromContext(r.Context())); err != nil {
				writeError(w, logger, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
