package gateway

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/basket/vx11/internal/apierr"
	"github.com/basket/vx11/internal/shared"
)

// Auth modes.
const (
	AuthModeToken = "token"
	AuthModeOff   = "off"
)

// HeaderAuthToken carries the shared submitter token.
const HeaderAuthToken = "X-Auth-Token"

// submitterContextKey is the context key for the authenticated submitter.
type submitterContextKey struct{}

// AuthMiddleware checks the shared token on every request except /health.
// Off mode admits everyone, but only when the dev flag is set; without it
// every request is rejected.
type AuthMiddleware struct {
	mode   string
	dev    bool
	tokens [][]byte
	logger *slog.Logger
}

func NewAuthMiddleware(mode string, devMode bool, tokens []string, logger *slog.Logger) *AuthMiddleware {
	if logger == nil {
		logger = slog.Default()
	}
	if mode == "" {
		mode = AuthModeToken
	}
	am := &AuthMiddleware{mode: mode, dev: devMode, logger: logger}
	for _, t := range tokens {
		if t = strings.TrimSpace(t); t != "" {
			am.tokens = append(am.tokens, []byte(t))
		}
	}
	switch {
	case mode == AuthModeOff && !devMode:
		logger.Error("auth_mode off requires dev_mode; rejecting every request")
	case mode == AuthModeOff:
		logger.Warn("gateway auth disabled (dev mode)")
	case len(am.tokens) == 0:
		logger.Error("auth_mode token without auth_tokens; rejecting every request")
	}
	return am
}

// Wrap rejects unauthenticated requests with auth_required and stores the
// submitter identity in the request context.
func (am *AuthMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}
		submitter, err := am.Authenticate(r)
		if err != nil {
			apierr.Write(w, err, shared.CorrelationID(r.Context()))
			return
		}
		ctx := context.WithValue(r.Context(), submitterContextKey{}, submitter)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Authenticate returns the submitter identity for r: a fingerprint of the
// presented token, or "anon:<remote host>" in dev off mode.
func (am *AuthMiddleware) Authenticate(r *http.Request) (string, error) {
	if am.mode == AuthModeOff {
		if !am.dev {
			return "", apierr.New(apierr.CodeAuthRequired, "auth is off but dev mode is not enabled")
		}
		return "anon:" + remoteHost(r), nil
	}
	token := ExtractToken(r)
	if token == "" {
		return "", apierr.New(apierr.CodeAuthRequired, "missing auth token")
	}
	if !am.valid(token) {
		return "", apierr.New(apierr.CodeAuthRequired, "invalid auth token")
	}
	return shared.TokenFingerprint(token), nil
}

// ExtractToken reads the token from, in order: X-Auth-Token, Authorization:
// Bearer <token>, and the token query parameter (browsers cannot set
// headers on a websocket upgrade).
func ExtractToken(r *http.Request) string {
	if t := strings.TrimSpace(r.Header.Get(HeaderAuthToken)); t != "" {
		return t
	}
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	return r.URL.Query().Get("token")
}

// valid compares in constant time against every configured token.
func (am *AuthMiddleware) valid(candidate string) bool {
	ok := 0
	for _, t := range am.tokens {
		ok |= subtle.ConstantTimeCompare([]byte(candidate), t)
	}
	return ok == 1
}

// Submitter returns the identity stored by AuthMiddleware.
func Submitter(ctx context.Context) string {
	if s, ok := ctx.Value(submitterContextKey{}).(string); ok {
		return s
	}
	return ""
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
