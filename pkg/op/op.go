// Package op implements the server side of the backchannel authentication
// core: the CIBA flow engine, the token endpoint grant retrieving its
// outcome, the published revocation status list and the admission gate in
// front of the abusable endpoints.
package op

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/cors"
	"github.com/zitadel/schema"

	"github.com/opkit/backauth/internal/otel"
	httphelper "github.com/opkit/backauth/pkg/http"
	"github.com/opkit/backauth/pkg/ratelimit"
	"github.com/opkit/backauth/pkg/statuslist"
)

var tracer = otel.Tracer("github.com/opkit/backauth/pkg/op")

const (
	healthEndpoint                  = "/healthz"
	readinessEndpoint               = "/ready"
	defaultBackchannelAuthNEndpoint = "bc-authorize"
	defaultTokenEndpoint            = "oauth/token"
	defaultRevocationEndpoint       = "revoke"
	defaultStatusListEndpoint       = "statuslist"
)

var DefaultEndpoints = &Endpoints{
	BackchannelAuthentication: NewEndpoint(defaultBackchannelAuthNEndpoint),
	Token:                     NewEndpoint(defaultTokenEndpoint),
	Revocation:                NewEndpoint(defaultRevocationEndpoint),
	StatusList:                NewEndpoint(defaultStatusListEndpoint),
}

var defaultCORSOptions = cors.Options{
	AllowCredentials: true,
	AllowedHeaders: []string{
		"Origin",
		"Accept",
		"Accept-Language",
		"Authorization",
		"Content-Type",
		"X-Requested-With",
	},
	AllowedMethods: []string{
		http.MethodGet,
		http.MethodHead,
		http.MethodPost,
	},
	ExposedHeaders: []string{
		"Location",
		"Content-Length",
	},
	AllowOriginFunc: func(_ string) bool {
		return true
	},
}

type Endpoints struct {
	BackchannelAuthentication Endpoint
	Token                     Endpoint
	Revocation                Endpoint
	StatusList                Endpoint
}

// Config carries all construction-time settings of a Provider. There is no
// global mutable state: reconfiguration means constructing a new Provider
// and swapping the handler.
type Config struct {
	Backchannel BackchannelAuthenticationConfig

	// RateLimit gates the backchannel authentication endpoint.
	RateLimit ratelimit.Config

	// StatusListBits is the bit width per status list entry (1, 2, 4 or 8).
	// Defaults to 2, so suspended can be expressed next to valid/invalid.
	StatusListBits int

	// AccessTokenLifetime bounds minted access tokens. Defaults to 5 minutes.
	AccessTokenLifetime time.Duration
}

func (c Config) statusListBits() int {
	if c.StatusListBits == 0 {
		return 2
	}
	return c.StatusListBits
}

func (c Config) accessTokenLifetime() time.Duration {
	if c.AccessTokenLifetime <= 0 {
		return 5 * time.Minute
	}
	return c.AccessTokenLifetime
}

type Provider struct {
	config      *Config
	storage     Storage
	issuer      IssuerFromRequest
	insecure    bool
	endpoints   *Endpoints
	httpHandler http.Handler
	decoder     *schema.Decoder
	logger      *slog.Logger

	hooks    Hooks
	requests *requestStore
	status   *statuslist.List
	limiter  *ratelimit.Limiter
	pusher   *pusher

	sweepCancel context.CancelFunc
}

// NewProvider builds a Provider for a fixed issuer and starts the expiry
// sweep.
func NewProvider(config *Config, storage Storage, issuer func(bool) (IssuerFromRequest, error), opts ...Option) (_ *Provider, err error) {
	o := &Provider{
		config:    config,
		storage:   storage,
		endpoints: DefaultEndpoints,
		logger:    slog.Default(),
	}

	for _, opt := range opts {
		if err := opt(o); err != nil {
			return nil, err
		}
	}

	o.issuer, err = issuer(o.insecure)
	if err != nil {
		return nil, err
	}

	o.status, err = statuslist.New(config.statusListBits())
	if err != nil {
		return nil, err
	}

	o.decoder = schema.NewDecoder()
	o.decoder.IgnoreUnknownKeys(true)

	o.requests = newRequestStore(config.Backchannel.gracePeriod())
	o.limiter = ratelimit.New(config.RateLimit)
	if o.pusher == nil {
		o.pusher = newPusher(o.logger)
	}
	o.httpHandler = createRouter(o)

	ctx, cancel := context.WithCancel(context.Background())
	o.sweepCancel = cancel
	go o.sweepLoop(ctx)

	return o, nil
}

type Option func(o *Provider) error

// WithAllowInsecure allows the use of http (instead of https) for issuers.
// This is not recommended for production use.
func WithAllowInsecure() Option {
	return func(o *Provider) error {
		o.insecure = true
		return nil
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *Provider) error {
		o.logger = logger
		o.pusher = newPusher(logger)
		return nil
	}
}

// WithHooks registers the extension points. Nil fields mean "no additional
// validation" or "no notification"; they are never a crash.
func WithHooks(hooks Hooks) Option {
	return func(o *Provider) error {
		o.hooks = hooks
		return nil
	}
}

func WithCustomEndpoints(endpoints *Endpoints) Option {
	return func(o *Provider) error {
		for _, e := range []Endpoint{
			endpoints.BackchannelAuthentication,
			endpoints.Token,
			endpoints.Revocation,
			endpoints.StatusList,
		} {
			if err := e.Validate(); err != nil {
				return err
			}
		}
		o.endpoints = endpoints
		return nil
	}
}

func createRouter(o *Provider) http.Handler {
	router := chi.NewRouter()
	router.Use(cors.New(defaultCORSOptions).Handler)
	router.Use(NewIssuerInterceptor(o.issuer).Handler)
	router.Use(o.LogMiddleware())
	router.HandleFunc(healthEndpoint, healthHandler)
	router.HandleFunc(readinessEndpoint, readyHandler(o.Probes()))
	router.With(ratelimit.Middleware(o.limiter, ratelimit.ClientFingerprint)).
		Post(o.endpoints.BackchannelAuthentication.Relative(), backchannelAuthenticationHandler(o))
	router.Post(o.endpoints.Token.Relative(), tokenHandler(o))
	router.Post(o.endpoints.Revocation.Relative(), revocationHandler(o))
	router.Get(o.endpoints.StatusList.Relative(), statusListHandler(o))
	return router
}

func (o *Provider) sweepLoop(ctx context.Context) {
	interval := o.config.Backchannel.sweepInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			expired := o.ExpireRequests()
			if expired > 0 {
				o.logger.InfoContext(ctx, "backchannel expiry sweep", "expired", expired)
			}
		}
	}
}

// Close stops the expiry sweep and the rate limiter's eviction janitor and
// waits for in-flight client notifications. The HTTP handler stays
// functional.
func (o *Provider) Close() {
	o.sweepCancel()
	o.limiter.Close()
	o.pusher.wait()
}

func (o *Provider) IssuerFromRequest(r *http.Request) string {
	return o.issuer(r)
}

func (o *Provider) Insecure() bool {
	return o.insecure
}

func (o *Provider) Storage() Storage {
	return o.storage
}

func (o *Provider) Decoder() httphelper.Decoder {
	return o.decoder
}

func (o *Provider) Logger() *slog.Logger {
	return o.logger
}

func (o *Provider) BackchannelAuthentication() BackchannelAuthenticationConfig {
	return o.config.Backchannel
}

func (o *Provider) BackchannelAuthenticationEndpoint() Endpoint {
	return o.endpoints.BackchannelAuthentication
}

func (o *Provider) TokenEndpoint() Endpoint {
	return o.endpoints.Token
}

func (o *Provider) RevocationEndpoint() Endpoint {
	return o.endpoints.Revocation
}

func (o *Provider) StatusListEndpoint() Endpoint {
	return o.endpoints.StatusList
}

// StatusList exposes the revocation table, so operators can register
// sessions issued outside the backchannel flow.
func (o *Provider) StatusList() *statuslist.List {
	return o.status
}

func (o *Provider) Probes() []ProbesFn {
	return []ProbesFn{
		ReadyStorage(o.storage),
	}
}

func (o *Provider) HttpHandler() http.Handler {
	return o.httpHandler
}
