// Package auth checks API keys against bcrypt hashes.
package auth

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"

	"github.com/danielgtaylor/huma/v2"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/exp/slog"
)

const (
	HeaderAPIKey = "X-Api-Key"
	bearerPrefix = "Bearer "
)

type Auth struct {
	hashes [][]byte
	log    *slog.Logger

	// accepted caches keys that already matched a hash.
	accepted sync.Map
}

// New accepts requests carrying a key that matches one of hashes. With no
// hashes every request passes.
func New(hashes []string, log *slog.Logger) *Auth {
	a := &Auth{log: log.With("component", "auth_middleware")}
	for _, h := range hashes {
		a.hashes = append(a.hashes, []byte(h))
	}
	return a
}

// HashKey returns the bcrypt hash to configure for key.
func HashKey(key string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

func (a *Auth) Middleware() func(huma.Context, func(huma.Context)) {
	return func(ctx huma.Context, next func(huma.Context)) {
		if len(a.hashes) == 0 {
			next(ctx)
			return
		}

		key := ctx.Header(HeaderAPIKey)
		if key == "" {
			if h := ctx.Header("Authorization"); strings.HasPrefix(h, bearerPrefix) {
				key = h[len(bearerPrefix):]
			}
		}
		if key == "" || !a.valid(key) {
			a.log.Warn("rejected request", "path", ctx.URL().Path, "remote_addr", ctx.RemoteAddr())
			ctx.SetStatus(http.StatusUnauthorized)
			ctx.SetHeader("Content-Type", "application/json")
			if err := json.NewEncoder(ctx.BodyWriter()).Encode(map[string]string{
				"error": "Unauthorized",
			}); err != nil {
				a.log.Error("write unauthorized response", "error", err)
			}
			return
		}
		next(ctx)
	}
}

func (a *Auth) valid(key string) bool {
	if _, ok := a.accepted.Load(key); ok {
		return true
	}
	for _, h := range a.hashes {
		if bcrypt.CompareHashAndPassword(h, []byte(key)) == nil {
			a.accepted.Store(key, struct{}{})
			return true
		}
	}
	return false
}
