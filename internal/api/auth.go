package api

import (
	"context"
	"crypto/subtle"
	"net"
	"net/http"
	"strings"

	"fieldsync/internal/config"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

const (
	apiKeyHeaderDefault   = "x-api-key"
	apiExtraHeaderDefault = "x-api-extra"
	permReadQueue         = "read:queue"
	permWriteQueue        = "write:queue"
	permReadHealth        = "read:health"
	clientKeyUnknown      = "unknown"
)

// keyring holds the API clients keyed by API key. Shared by HTTP and gRPC auth.
type keyring struct {
	cfg     *config.APIConfig
	clients map[string]config.APIClientKey
}

func newKeyring(cfg *config.APIConfig) keyring {
	m := make(map[string]config.APIClientKey, len(cfg.Auth.APIKeys))
	for _, k := range cfg.Auth.APIKeys {
		m[k.Key] = k
	}
	return keyring{cfg: cfg, clients: m}
}

func (c keyring) headerNames() (apiKey, extra string) {
	apiKey = strings.ToLower(strings.TrimSpace(c.cfg.Auth.HeaderAPIKey))
	if apiKey == "" {
		apiKey = apiKeyHeaderDefault
	}
	extra = strings.ToLower(strings.TrimSpace(c.cfg.Auth.HeaderExtra))
	if extra == "" {
		extra = apiExtraHeaderDefault
	}
	return apiKey, extra
}

// authenticate returns the client for a key/extra pair, or a gRPC status error.
func (c keyring) authenticate(apiKey, extra string) (config.APIClientKey, error) {
	if apiKey == "" || extra == "" {
		return config.APIClientKey{}, status.Error(codes.Unauthenticated, "missing api key headers")
	}
	client, ok := c.clients[apiKey]
	if !ok {
		return config.APIClientKey{}, status.Error(codes.Unauthenticated, "invalid api key")
	}
	if subtle.ConstantTimeCompare([]byte(client.Extra), []byte(extra)) != 1 {
		return config.APIClientKey{}, status.Error(codes.Unauthenticated, "invalid extra header")
	}
	return client, nil
}

func authorize(client config.APIClientKey, required string) error {
	if required == "" {
		return nil
	}
	// An empty permission list allows everything.
	if len(client.Permissions) == 0 {
		return nil
	}
	for _, p := range client.Permissions {
		if strings.TrimSpace(p) == required {
			return nil
		}
	}
	return status.Error(codes.PermissionDenied, "permission denied")
}

// AuthInterceptor applies API-key auth and per-client rate limits to gRPC calls.
type AuthInterceptor struct {
	cfg     *config.APIConfig
	creds   keyring
	limiter *rateLimiter
}

func NewAuthInterceptor(cfg *config.APIConfig) *AuthInterceptor {
	return &AuthInterceptor{
		cfg:     cfg,
		creds:   newKeyring(cfg),
		limiter: newRateLimiter(cfg.RateLimit),
	}
}

func (a *AuthInterceptor) Unary() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if err := a.check(ctx, info.FullMethod); err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

func (a *AuthInterceptor) Stream() grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if err := a.check(ss.Context(), info.FullMethod); err != nil {
			return err
		}
		return handler(srv, ss)
	}
}

func (a *AuthInterceptor) check(ctx context.Context, fullMethod string) error {
	if !a.cfg.Enabled {
		return nil
	}
	if a.cfg.Auth.Enabled {
		if err := a.checkAuth(ctx, fullMethod); err != nil {
			return err
		}
	}
	if !a.limiter.allow(a.clientKey(ctx)) {
		return status.Error(codes.ResourceExhausted, "rate limit exceeded")
	}
	return nil
}

func (a *AuthInterceptor) checkAuth(ctx context.Context, fullMethod string) error {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return status.Error(codes.Unauthenticated, "missing metadata")
	}

	apiKeyHeader, extraHeader := a.creds.headerNames()
	client, err := a.creds.authenticate(first(md.Get(apiKeyHeader)), first(md.Get(extraHeader)))
	if err != nil {
		return err
	}
	return authorize(client, requiredPermission(fullMethod))
}

func requiredPermission(fullMethod string) string {
	switch fullMethod {
	case "/grpc.health.v1.Health/Check", "/grpc.health.v1.Health/Watch", "/grpc.health.v1.Health/List":
		return permReadHealth
	default:
		return ""
	}
}

func (a *AuthInterceptor) clientKey(ctx context.Context) string {
	md, _ := metadata.FromIncomingContext(ctx)
	apiKeyHeader, _ := a.creds.headerNames()
	if apiKey := first(md.Get(apiKeyHeader)); apiKey != "" {
		return apiKey
	}

	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		return p.Addr.String()
	}
	return clientKeyUnknown
}

func first(vals []string) string {
	if len(vals) == 0 {
		return ""
	}
	return strings.TrimSpace(vals[0])
}

// HTTPAuth provides API-key auth and per-key rate limiting for HTTP endpoints.
type HTTPAuth struct {
	cfg     *config.APIConfig
	creds   keyring
	limiter *rateLimiter
}

func NewHTTPAuth(cfg *config.APIConfig) *HTTPAuth {
	return &HTTPAuth{
		cfg:     cfg,
		creds:   newKeyring(cfg),
		limiter: newRateLimiter(cfg.RateLimit),
	}
}

func (a *HTTPAuth) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == healthPath {
			next.ServeHTTP(w, r)
			return
		}

		if a.cfg.Auth.Enabled {
			if err := a.checkAuth(r); err != nil {
				statusCode := http.StatusUnauthorized
				if status.Code(err) == codes.PermissionDenied {
					statusCode = http.StatusForbidden
				}
				writeError(w, statusCode, status.Convert(err).Message())
				return
			}
		}

		if !a.limiter.allow(a.clientKey(r)) {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (a *HTTPAuth) checkAuth(r *http.Request) error {
	apiKeyHeader, extraHeader := a.creds.headerNames()
	client, err := a.creds.authenticate(
		strings.TrimSpace(r.Header.Get(apiKeyHeader)),
		strings.TrimSpace(r.Header.Get(extraHeader)),
	)
	if err != nil {
		return err
	}
	return authorize(client, requiredPermissionHTTP(r))
}

func requiredPermissionHTTP(r *http.Request) string {
	if !strings.HasPrefix(r.URL.Path, "/api/v1/") {
		return ""
	}
	if r.Method == http.MethodGet || r.Method == http.MethodHead {
		return permReadQueue
	}
	return permWriteQueue
}

func (a *HTTPAuth) clientKey(r *http.Request) string {
	apiKeyHeader, _ := a.creds.headerNames()
	if apiKey := strings.TrimSpace(r.Header.Get(apiKeyHeader)); apiKey != "" {
		return apiKey
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil && host != "" {
		return host
	}
	return clientKeyUnknown
}
