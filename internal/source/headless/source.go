// Package headless implements harvest.Source by rendering pages in headless
// Chrome through chromedp. It is meant for record pages that only materialize
// after client-side scripts run.
package headless

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/artifact-harvester/internal/harvest"
	"github.com/JakeFAU/artifact-harvester/internal/source"
)

// Config controls the behavior of the headless source.
type Config struct {
	URLTemplate       string
	MaxParallel       int
	UserAgent         string
	Headers           map[string]string
	NavigationTimeout time.Duration
	// WaitSelector must be present before the DOM is captured.
	WaitSelector string
}

// Source renders one record page per Fetch.
type Source struct {
	cfg         Config
	limiter     chan struct{}
	allocator   context.Context
	allocCancel context.CancelFunc
	logger      *zap.Logger
}

var _ harvest.Source = (*Source)(nil)

// New creates a headless source backed by chromedp. The browser is started
// lazily by the first Fetch.
func New(cfg Config, logger *zap.Logger) (*Source, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	if err := source.ValidateTemplate(cfg.URLTemplate); err != nil {
		return nil, err
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 45 * time.Second
	}
	if cfg.WaitSelector == "" {
		cfg.WaitSelector = "body"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	var limiter chan struct{}
	if cfg.MaxParallel > 0 {
		limiter = make(chan struct{}, cfg.MaxParallel)
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &Source{
		cfg:         cfg,
		limiter:     limiter,
		allocator:   allocCtx,
		allocCancel: allocCancel,
		logger:      logger,
	}, nil
}

// Close shuts the browser down.
func (s *Source) Close() error {
	s.allocCancel()
	return nil
}

// Fetch navigates to the record page and returns the rendered DOM.
func (s *Source) Fetch(ctx context.Context, id string) (harvest.Raw, error) {
	if err := s.acquire(ctx); err != nil {
		return harvest.Raw{}, err
	}
	defer s.release()

	taskCtx, taskCancel := chromedp.NewContext(s.allocator)
	defer taskCancel()
	// Tie the tab to the caller as well as the navigation budget.
	stop := context.AfterFunc(ctx, taskCancel)
	defer stop()

	taskCtx, cancel := context.WithTimeout(taskCtx, s.cfg.NavigationTimeout)
	defer cancel()

	meta := newResponseMeta()
	chromedp.ListenTarget(taskCtx, meta.captureEvent)

	target := source.Expand(s.cfg.URLTemplate, id)
	start := time.Now()
	html, err := s.render(taskCtx, target)
	if err != nil {
		return harvest.Raw{}, harvest.NewError(harvest.KindTransient, "render", fmt.Errorf("%s: %w", id, err))
	}
	status, contentType := meta.snapshot()
	s.logger.Debug("page rendered",
		zap.String("item_id", id),
		zap.Int("status", status),
		zap.Duration("duration", time.Since(start)))
	if kind := source.KindForStatus(status); kind != harvest.KindNone {
		return harvest.Raw{}, source.StatusError("render", id, status)
	}
	if contentType == "" {
		contentType = "text/html; charset=utf-8"
	}
	return harvest.Raw{Body: []byte(html), ContentType: contentType}, nil
}

func (s *Source) render(ctx context.Context, target string) (string, error) {
	var html string
	actions := []chromedp.Action{
		s.networkSetupAction(),
		chromedp.Navigate(target),
		chromedp.WaitReady(s.cfg.WaitSelector, chromedp.ByQuery),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	}
	if err := chromedp.Run(ctx, actions...); err != nil {
		return "", fmt.Errorf("chromedp run: %w", err)
	}
	return html, nil
}

func (s *Source) networkSetupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if s.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(s.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		if len(s.cfg.Headers) > 0 {
			if err := network.SetExtraHTTPHeaders(toNetworkHeaders(s.cfg.Headers)).Do(ctx); err != nil {
				return fmt.Errorf("set extra headers: %w", err)
			}
		}
		return nil
	})
}

func (s *Source) acquire(ctx context.Context) error {
	if s.limiter == nil {
		return nil
	}
	select {
	case s.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("headless slot wait canceled: %w", ctx.Err())
	}
}

func (s *Source) release() {
	if s.limiter == nil {
		return
	}
	select {
	case <-s.limiter:
	default:
	}
}

// responseMeta records the status of the main document response.
type responseMeta struct {
	mu          sync.RWMutex
	status      int
	contentType string
}

func newResponseMeta() *responseMeta {
	return &responseMeta{}
}

func (m *responseMeta) capture(event *network.EventResponseReceived) {
	if event.Type != network.ResourceTypeDocument || event.Response == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	// Redirect hops each produce a document response; keep the last one.
	m.status = int(event.Response.Status)
	m.contentType = event.Response.MimeType
}

func (m *responseMeta) captureEvent(ev any) {
	if resp, ok := ev.(*network.EventResponseReceived); ok {
		m.capture(resp)
	}
}

// snapshot returns the captured status, defaulting to 200 when no document
// event was seen.
func (m *responseMeta) snapshot() (int, string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.status == 0 {
		return http.StatusOK, m.contentType
	}
	return m.status, m.contentType
}

func toNetworkHeaders(h map[string]string) network.Headers {
	headers := network.Headers{}
	for key, value := range h {
		headers[key] = value
	}
	return headers
}
