// Package httpsource implements harvest.Source over HTTP using gocolly. Item ids
// are expanded into a URL template and requests are paced per host.
package httpsource

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/artifact-harvester/internal/harvest"
	"github.com/JakeFAU/artifact-harvester/internal/policy/ratelimit"
	"github.com/JakeFAU/artifact-harvester/internal/source"
)

// Config controls collector behavior.
type Config struct {
	URLTemplate   string
	UserAgent     string
	Headers       map[string]string
	RespectRobots bool
	Timeout       time.Duration
	// MaxBodySize rejects larger response bodies; zero means unlimited.
	MaxBodySize int
}

// Source implements harvest.Source using the Colly collector.
type Source struct {
	cfg     Config
	base    *colly.Collector
	limiter *ratelimit.Limiter
	logger  *zap.Logger
}

var _ harvest.Source = (*Source)(nil)

// Option customizes a Source.
type Option func(*Source)

// WithLimiter paces requests through l.
func WithLimiter(l *ratelimit.Limiter) Option {
	return func(s *Source) { s.limiter = l }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Source) {
		if l != nil {
			s.logger = l
		}
	}
}

// New builds a Source.
func New(cfg Config, opts ...Option) (*Source, error) {
	if err := source.ValidateTemplate(cfg.URLTemplate); err != nil {
		return nil, err
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	c.WithTransport(newHTTPTransport())
	c.SetRequestTimeout(cfg.Timeout)
	c.IgnoreRobotsTxt = !cfg.RespectRobots
	c.ParseHTTPErrorResponse = true
	// colly truncates silently; one extra byte tells an over-cap body apart.
	c.MaxBodySize = 0
	if cfg.MaxBodySize > 0 {
		c.MaxBodySize = cfg.MaxBodySize + 1
	}
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}

	s := &Source{
		cfg:     cfg,
		base:    c,
		limiter: ratelimit.New(ratelimit.Config{}),
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

type fetchResult struct {
	status      int
	body        []byte
	contentType string
	err         error
}

// Fetch executes a single HTTP GET for id.
func (s *Source) Fetch(ctx context.Context, id string) (harvest.Raw, error) {
	target := source.Expand(s.cfg.URLTemplate, id)
	if err := s.limiter.Wait(ctx, target); err != nil {
		return harvest.Raw{}, fmt.Errorf("fetch %s: %w", id, err)
	}

	start := time.Now()
	var res fetchResult
	collector := s.base.Clone()
	s.configureHooks(collector, &res)
	if err := s.run(ctx, collector, target, &res); err != nil {
		return harvest.Raw{}, harvest.NewError(visitKind(err), "fetch", fmt.Errorf("%s: %w", id, err))
	}

	s.logger.Debug("source response",
		zap.String("item_id", id),
		zap.Int("status", res.status),
		zap.Int("bytes", len(res.body)),
		zap.Duration("duration", time.Since(start)))
	if kind := source.KindForStatus(res.status); kind != harvest.KindNone {
		if kind == harvest.KindRateLimited {
			s.limiter.ReportRateLimited(target)
		}
		return harvest.Raw{}, source.StatusError("fetch", id, res.status)
	}
	if s.cfg.MaxBodySize > 0 && len(res.body) > s.cfg.MaxBodySize {
		return harvest.Raw{}, harvest.Errorf(harvest.KindInvalidPayload, "fetch",
			"%s: body exceeds %d bytes", id, s.cfg.MaxBodySize)
	}
	return harvest.Raw{Body: res.body, ContentType: res.contentType}, nil
}

// visitKind maps collector refusals to blocked; everything else is transient.
func visitKind(err error) harvest.Kind {
	switch {
	case errors.Is(err, colly.ErrRobotsTxtBlocked),
		errors.Is(err, colly.ErrForbiddenDomain),
		errors.Is(err, colly.ErrForbiddenURL):
		return harvest.KindBlocked
	default:
		return harvest.KindTransient
	}
}

func (s *Source) configureHooks(c *colly.Collector, res *fetchResult) {
	c.OnRequest(func(r *colly.Request) {
		for k, v := range s.cfg.Headers {
			r.Headers.Set(k, v)
		}
	})
	c.OnResponse(func(r *colly.Response) {
		res.status = r.StatusCode
		res.body = append([]byte(nil), r.Body...)
		if r.Headers != nil {
			res.contentType = r.Headers.Get("Content-Type")
		}
	})
	c.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode != 0 && res.status == 0 {
			res.status = r.StatusCode
			return
		}
		res.err = err
	})
}

func (s *Source) run(ctx context.Context, c *colly.Collector, target string, res *fetchResult) error {
	done := make(chan error, 1)
	go func() {
		done <- c.Visit(target)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if res.status != 0 {
			return nil
		}
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		if res.err != nil {
			return fmt.Errorf("colly response failed: %w", res.err)
		}
		return fmt.Errorf("colly returned no response")
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
