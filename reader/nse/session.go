package nse

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"sync"
	"time"

	cloudflarebp "github.com/DaRealFreak/cloudflare-bp-go"
	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"optionflow/config"
	"optionflow/logger"
)

// Session is a cookie-bearing client that has completed the landing page
// round-trip. It is owned by whoever acquired it and is never shared across
// concurrent cycles.
type Session struct {
	ID            string
	EstablishedAt time.Time
	rootURL       string
	client        *resty.Client
}

// Cookies returns the cookies currently held for the upstream host.
func (s *Session) Cookies() []*http.Cookie {
	jar := s.client.GetClient().Jar
	if jar == nil {
		return nil
	}
	req, err := http.NewRequest(http.MethodGet, s.rootURL, nil)
	if err != nil {
		return nil
	}
	return jar.Cookies(req.URL)
}

func (s *Session) close() {
	s.client.GetClient().CloseIdleConnections()
}

// NewLimiter builds the pacing limiter shared by bootstrap and fetch calls.
// A non-positive rate disables pacing.
func NewLimiter(cfg config.RateLimitConfig) *rate.Limiter {
	if cfg.RequestsPerSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	burst := cfg.BurstSize
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
}

// Bootstrapper establishes sessions against the upstream landing page.
type Bootstrapper struct {
	cfg     config.NSEConfig
	limiter *rate.Limiter
	log     *logger.Log
}

func NewBootstrapper(cfg config.NSEConfig, limiter *rate.Limiter) *Bootstrapper {
	if limiter == nil {
		limiter = NewLimiter(cfg.RateLimit)
	}
	return &Bootstrapper{
		cfg:     cfg,
		limiter: limiter,
		log:     logger.GetLogger(),
	}
}

func (b *Bootstrapper) rootURL() string {
	return strings.TrimRight(b.cfg.BaseURL, "/") + "/"
}

func (b *Bootstrapper) newClient() (*resty.Client, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}

	transport := &http.Transport{
		Proxy:              http.ProxyFromEnvironment,
		MaxIdleConns:       b.cfg.MaxIdleConns,
		IdleConnTimeout:    b.cfg.IdleConnTimeout,
		DisableCompression: false,
	}

	client := resty.New().
		SetBaseURL(strings.TrimRight(b.cfg.BaseURL, "/")).
		SetCookieJar(jar).
		SetTransport(transport).
		SetRetryCount(0).
		SetHeader("User-Agent", b.cfg.Headers.UserAgent).
		SetHeader("Accept-Language", b.cfg.Headers.AcceptLanguage).
		SetHeader("Accept-Encoding", b.cfg.Headers.AcceptEncoding).
		SetHeader("Accept", b.cfg.Headers.Accept)

	if b.cfg.CloudflareBypass {
		client.GetClient().Transport = cloudflarebp.AddCloudFlareByPass(client.GetClient().Transport)
	}

	return client, nil
}

// Bootstrap performs the landing page request and returns a session holding
// whatever cookies the upstream set.
func (b *Bootstrapper) Bootstrap(ctx context.Context) (*Session, error) {
	rootURL := b.rootURL()
	log := b.log.WithComponent("nse_session").WithFields(logger.Fields{
		"operation": "bootstrap",
		"url":       rootURL,
	})

	client, err := b.newClient()
	if err != nil {
		return nil, &ConnectivityError{URL: rootURL, Err: err}
	}

	reqCtx, cancel := context.WithTimeout(ctx, b.cfg.BootstrapTimeout)
	defer cancel()

	if err := b.limiter.Wait(reqCtx); err != nil {
		return nil, &ConnectivityError{URL: rootURL, Err: fmt.Errorf("rate limiter: %w", err)}
	}

	start := time.Now()
	resp, err := client.R().
		SetContext(reqCtx).
		SetHeader("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8").
		Get("/")
	if err != nil {
		log.WithError(err).Warn("bootstrap request failed")
		return nil, &ConnectivityError{URL: rootURL, Err: err}
	}
	if !resp.IsSuccess() {
		log.WithFields(logger.Fields{"status": resp.StatusCode()}).Warn("bootstrap rejected")
		return nil, &ConnectivityError{URL: rootURL, Status: resp.StatusCode()}
	}

	session := &Session{
		ID:            uuid.New().String(),
		EstablishedAt: time.Now().UTC(),
		rootURL:       rootURL,
		client:        client,
	}

	logger.LogPerformanceEntry(log, "nse_session", "bootstrap", time.Since(start), logger.Fields{
		"session_id": session.ID,
		"cookies":    len(session.Cookies()),
	})
	return session, nil
}

// SessionProvider hands out sessions according to the configured reuse
// policy. With the cycle policy every Acquire bootstraps a fresh session and
// Release discards it. With the process policy one session is kept until a
// fetch shows the upstream rejected it.
type SessionProvider struct {
	bootstrapper *Bootstrapper
	policy       string
	log          *logger.Log

	mu      sync.Mutex
	current *Session
}

func NewSessionProvider(bootstrapper *Bootstrapper, policy string) *SessionProvider {
	if policy == "" {
		policy = config.SessionPolicyCycle
	}
	return &SessionProvider{
		bootstrapper: bootstrapper,
		policy:       policy,
		log:          logger.GetLogger(),
	}
}

// Acquire returns a usable session, bootstrapping one when needed.
func (p *SessionProvider) Acquire(ctx context.Context) (*Session, error) {
	if p.policy != config.SessionPolicyProcess {
		return p.bootstrapper.Bootstrap(ctx)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current != nil {
		return p.current, nil
	}
	session, err := p.bootstrapper.Bootstrap(ctx)
	if err != nil {
		return nil, err
	}
	p.current = session
	return session, nil
}

// Release returns a session after use. fetchErr is the outcome of the fetch
// made with it, if any.
func (p *SessionProvider) Release(session *Session, fetchErr error) {
	if session == nil {
		return
	}
	if p.policy != config.SessionPolicyProcess {
		session.close()
		return
	}
	if fetchErr == nil {
		return
	}
	var connErr *ConnectivityError
	if IsSessionRejected(fetchErr) || errors.As(fetchErr, &connErr) {
		p.invalidate(session)
	}
}

func (p *SessionProvider) invalidate(session *Session) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current != session {
		return
	}
	p.current = nil
	session.close()
	p.log.WithComponent("nse_session").WithFields(logger.Fields{
		"session_id": session.ID,
	}).Info("session invalidated; next cycle will re-bootstrap")
}
