package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/govgate/gateway/cache"
	"github.com/govgate/gateway/domain"
	"github.com/govgate/gateway/repo"
)

// Stable authentication failure codes. They map to HTTP 401 and appear in
// audit logs; never rename them.
const (
	CodeAuthMissingKey  = "AUTH_MISSING_KEY"
	CodeAuthInvalidKey  = "AUTH_INVALID_KEY"
	CodeAuthExpiredKey  = "AUTH_EXPIRED_KEY"
	CodeAuthKeyDisabled = "AUTH_KEY_DISABLED"
)

// GatewayKeyPrefix is the opaque-key prefix issued by the gateway; it
// lets the middleware tell a gateway credential in an Authorization
// header apart from a provider passthrough key.
const GatewayKeyPrefix = "gw_"

// credentialCacheTTL is how long a resolved credential lives in the
// cache. Invalidation on credential mutation is authoritative; the TTL
// only bounds staleness when invalidation is missed.
const credentialCacheTTL = 300 * time.Second

const credentialCachePrefix = "auth:credentials:"

// CredentialContext is the resolved identity attached to every
// authenticated request. It is the serialized form cached under
// auth:credentials:<sha256>.
type CredentialContext struct {
	CredentialID     int64              `json:"credential_id"`
	AppID            string             `json:"app_id"`
	KeyPrefix        string             `json:"key_prefix"`
	Environment      domain.Environment `json:"environment"`
	AllowedProviders []string           `json:"allowed_providers,omitempty"`
	AllowedModels    []string           `json:"allowed_models,omitempty"`
	IsActive         bool               `json:"is_active"`
	ExpiresAt        *time.Time         `json:"expires_at,omitempty"`
	// EncryptedKey is the stored BYOK passthrough key ("enc:"-prefixed),
	// forwarded to the pipeline's key-resolution step when the caller
	// does not supply a provider key of their own.
	EncryptedKey string `json:"encrypted_key,omitempty"`
}

// Authenticator resolves opaque API keys to application credentials with
// a short-lived cached lookup.
type Authenticator struct {
	creds  repo.CredentialRepository
	apps   repo.ApplicationRepository
	cache  cache.Store
	logger zerolog.Logger
}

// NewAuthenticator wires the credential repository, the application
// repository (for the application-level is_active check), and a cache
// store.
func NewAuthenticator(logger zerolog.Logger, creds repo.CredentialRepository, apps repo.ApplicationRepository, store cache.Store) *Authenticator {
	if store == nil {
		store = cache.NewMemory()
	}
	return &Authenticator{
		creds:  creds,
		apps:   apps,
		cache:  store,
		logger: logger.With().Str("component", "auth").Logger(),
	}
}

// Authenticate resolves an API key. On failure it returns a nil context
// and one of the stable AUTH_* codes. The plaintext key is hashed
// immediately and never logged.
func (a *Authenticator) Authenticate(ctx context.Context, apiKey string) (*CredentialContext, string) {
	if apiKey == "" {
		return nil, CodeAuthMissingKey
	}
	hash := repo.HashKey(apiKey)
	cacheKey := credentialCachePrefix + hash

	if raw, ok, err := a.cache.Get(ctx, cacheKey); err != nil {
		// Degraded cache: warn and fall through to the repository.
		a.logger.Warn().Err(err).Msg("credential cache read failed")
	} else if ok {
		var cc CredentialContext
		if err := json.Unmarshal([]byte(raw), &cc); err == nil {
			if code := validate(&cc); code != "" {
				return nil, code
			}
			a.touch(ctx, cc.CredentialID)
			return &cc, ""
		}
	}

	cred, err := a.creds.LookupByKeyHash(ctx, hash)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, CodeAuthInvalidKey
		}
		a.logger.Error().Err(err).Msg("credential lookup failed")
		return nil, CodeAuthInvalidKey
	}

	app, err := a.apps.GetByAppID(ctx, cred.AppID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, CodeAuthInvalidKey
		}
		a.logger.Error().Err(err).Msg("application lookup failed")
		return nil, CodeAuthInvalidKey
	}

	cc := &CredentialContext{
		CredentialID:     cred.ID,
		AppID:            cred.AppID,
		KeyPrefix:        cred.KeyPrefix,
		Environment:      cred.Environment,
		AllowedProviders: setToList(app.AllowedProviders),
		AllowedModels:    setToList(app.AllowedModels),
		IsActive:         cred.IsActive && app.IsActive,
		ExpiresAt:        cred.ExpiresAt,
		EncryptedKey:     cred.EncryptedKey,
	}
	if code := validate(cc); code != "" {
		return nil, code
	}

	if raw, err := json.Marshal(cc); err == nil {
		if err := a.cache.Set(ctx, cacheKey, string(raw), credentialCacheTTL); err != nil {
			a.logger.Warn().Err(err).Msg("credential cache write failed")
		}
	}
	a.touch(ctx, cred.ID)
	return cc, ""
}

// Invalidate drops the cached entry for a key hash. Call on every
// credential mutation (rotate, deactivate, delete).
func (a *Authenticator) Invalidate(ctx context.Context, keyHash string) {
	if err := a.cache.Del(ctx, credentialCachePrefix+keyHash); err != nil {
		a.logger.Warn().Err(err).Msg("credential cache invalidation failed")
	}
}

// validate applies the checks that must hold on every request, cached or
// not: expiry and active flags.
func validate(cc *CredentialContext) string {
	if cc.ExpiresAt != nil && time.Now().After(*cc.ExpiresAt) {
		return CodeAuthExpiredKey
	}
	if !cc.IsActive {
		return CodeAuthKeyDisabled
	}
	return ""
}

// touch best-effort updates last_used_at; a write failure never fails
// auth. Writers race on this field and last-writer-wins is acceptable.
func (a *Authenticator) touch(ctx context.Context, credID int64) {
	if err := a.creds.Touch(ctx, credID, time.Now()); err != nil {
		a.logger.Debug().Err(err).Msg("last_used_at update failed")
	}
}

func setToList(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	return out
}

type contextKey string

const (
	credentialContextKey contextKey = "gateway_credential"
	passthroughKeyKey    contextKey = "gateway_passthrough_key"
)

// AuthMiddleware authenticates every /v1 request before it reaches the
// governance pipeline.
type AuthMiddleware struct {
	auth      *Authenticator
	headerKey string
	logger    zerolog.Logger
}

// NewAuthMiddleware creates the HTTP middleware. headerKey is the gateway
// key header (default X-API-Key); an Authorization bearer carrying a
// gw_-prefixed key is accepted as a fallback, and a non-gateway bearer is
// treated as a provider passthrough key.
func NewAuthMiddleware(logger zerolog.Logger, auth *Authenticator, headerKey string) *AuthMiddleware {
	if headerKey == "" {
		headerKey = "X-API-Key"
	}
	return &AuthMiddleware{auth: auth, headerKey: headerKey, logger: logger}
}

// Handler returns the middleware handler function.
func (am *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gatewayKey, passthrough := extractKeys(r, am.headerKey)
		if gatewayKey == "" {
			writeAuthError(w, CodeAuthMissingKey, "API key required")
			return
		}

		cc, code := am.auth.Authenticate(r.Context(), gatewayKey)
		if code != "" {
			writeAuthError(w, code, authMessage(code))
			return
		}

		ctx := context.WithValue(r.Context(), credentialContextKey, cc)
		if passthrough != "" {
			ctx = context.WithValue(ctx, passthroughKeyKey, passthrough)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// extractKeys splits the gateway credential from an optional provider
// passthrough key. The gateway key comes from the configured header, or
// from an Authorization bearer when it carries the gw_ prefix; any other
// bearer is a passthrough provider key.
func extractKeys(r *http.Request, headerKey string) (gatewayKey, passthrough string) {
	gatewayKey = r.Header.Get(headerKey)

	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
		bearer := strings.TrimSpace(auth[7:])
		if gatewayKey == "" && strings.HasPrefix(bearer, GatewayKeyPrefix) {
			gatewayKey = bearer
		} else if !strings.HasPrefix(bearer, GatewayKeyPrefix) {
			passthrough = bearer
		}
	}
	return gatewayKey, passthrough
}

func authMessage(code string) string {
	switch code {
	case CodeAuthExpiredKey:
		return "API key has expired"
	case CodeAuthKeyDisabled:
		return "API key or application is disabled"
	default:
		return "invalid API key"
	}
}

func writeAuthError(w http.ResponseWriter, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]interface{}{
			"code":    code,
			"message": message,
		},
	})
}

// GetCredential returns the authenticated credential context, or nil.
func GetCredential(ctx context.Context) *CredentialContext {
	cc, _ := ctx.Value(credentialContextKey).(*CredentialContext)
	return cc
}

// GetPassthroughKey returns the caller's provider passthrough key, if one
// was supplied.
func GetPassthroughKey(ctx context.Context) string {
	v, _ := ctx.Value(passthroughKeyKey).(string)
	return v
}
