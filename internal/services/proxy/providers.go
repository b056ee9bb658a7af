package proxy

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/oyi77/naver-smartstore-sub000/internal/common"
	"github.com/oyi77/naver-smartstore-sub000/internal/models"
)

// RotatingProvider is an on-demand proxy source. Provider proxies bypass
// validation: they are assumed live and receive a synthetic valid record.
type RotatingProvider interface {
	// Initialize prepares the provider from its configuration map
	Initialize(config map[string]string) error
	// Acquire returns the next proxy, or an error when none is available
	Acquire() (*models.Proxy, error)
	// MarkBad reports a failed proxy back to the provider
	MarkBad(p *models.Proxy)
	// Stats returns provider counters for diagnostics
	Stats() map[string]interface{}
	// HealthCheck verifies the provider can currently serve proxies
	HealthCheck(ctx context.Context) error
	// Shutdown stops any background refresh work
	Shutdown()
}

// NewRotatingProvider constructs a provider by type name.
func NewRotatingProvider(name, providerType string, logger arbor.ILogger) (RotatingProvider, error) {
	switch providerType {
	case "list":
		return &listProvider{name: name, logger: logger}, nil
	case "gateway":
		return &gatewayProvider{name: name, logger: logger}, nil
	default:
		return nil, fmt.Errorf("unknown rotating provider type: %q", providerType)
	}
}

// listProvider periodically refreshes a cached proxy list from an upstream
// URL and rotates through it.
type listProvider struct {
	name   string
	logger arbor.ILogger

	mu      sync.Mutex
	proxies []*models.Proxy
	index   int
	bad     map[string]bool

	listURL         string
	refreshInterval time.Duration
	cancel          context.CancelFunc

	acquired int64
	refreshN int64
}

func (p *listProvider) Initialize(config map[string]string) error {
	p.listURL = config["url"]
	if p.listURL == "" {
		return fmt.Errorf("list provider %s: url is required", p.name)
	}

	p.refreshInterval = 10 * time.Minute
	if v := config["refresh_interval"]; v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("list provider %s: invalid refresh_interval: %w", p.name, err)
		}
		p.refreshInterval = d
	}
	p.bad = make(map[string]bool)

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel

	if err := p.refresh(ctx); err != nil {
		p.logger.Warn().Err(err).Str("provider", p.name).Msg("Initial provider list refresh failed")
	}

	common.SafeGo(p.logger, "provider-refresh-"+p.name, func() {
		ticker := time.NewTicker(p.refreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := p.refresh(ctx); err != nil {
					p.logger.Warn().Err(err).Str("provider", p.name).Msg("Provider list refresh failed")
				}
			}
		}
	})

	return nil
}

func (p *listProvider) refresh(ctx context.Context) error {
	svc := &Service{httpClient: defaultHTTPClient(), logger: p.logger}
	payload, err := svc.fetchSource(ctx, Source{Name: p.name, Location: p.listURL})
	if err != nil {
		return err
	}
	proxies, rejected := ParsePayload(payload, p.name)
	for _, proxy := range proxies {
		proxy.Provider = p.name
		proxy.IsRotating = true
		proxy.IsActive = true
	}

	p.mu.Lock()
	p.proxies = proxies
	p.index = 0
	p.bad = make(map[string]bool)
	p.refreshN++
	p.mu.Unlock()

	p.logger.Debug().
		Str("provider", p.name).
		Int("proxies", len(proxies)).
		Int("rejected", rejected).
		Msg("Provider list refreshed")
	return nil
}

func (p *listProvider) Acquire() (*models.Proxy, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.proxies) == 0 {
		return nil, fmt.Errorf("provider %s has no proxies", p.name)
	}

	for attempts := 0; attempts < len(p.proxies); attempts++ {
		proxy := p.proxies[p.index%len(p.proxies)]
		p.index++
		if !p.bad[proxy.Key()] {
			p.acquired++
			return proxy, nil
		}
	}
	return nil, fmt.Errorf("provider %s has no usable proxies", p.name)
}

func (p *listProvider) MarkBad(proxy *models.Proxy) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.bad[proxy.Key()] = true
}

func (p *listProvider) Stats() map[string]interface{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return map[string]interface{}{
		"type":      "list",
		"proxies":   len(p.proxies),
		"bad":       len(p.bad),
		"acquired":  p.acquired,
		"refreshes": p.refreshN,
	}
}

func (p *listProvider) HealthCheck(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.proxies) == 0 {
		return fmt.Errorf("provider %s list is empty", p.name)
	}
	if len(p.bad) >= len(p.proxies) {
		return fmt.Errorf("provider %s has all proxies marked bad", p.name)
	}
	return nil
}

func (p *listProvider) Shutdown() {
	if p.cancel != nil {
		p.cancel()
	}
}

// gatewayProvider returns a fixed upstream gateway whose per-call username
// encodes a fresh session id (and optional country), delegating the actual
// IP rotation to the upstream.
type gatewayProvider struct {
	name   string
	logger arbor.ILogger

	host         string
	port         int
	protocol     string
	usernameBase string
	password     string
	country      string

	mu       sync.Mutex
	acquired int64
	badCount int64
}

func (p *gatewayProvider) Initialize(config map[string]string) error {
	p.host = config["host"]
	if p.host == "" {
		return fmt.Errorf("gateway provider %s: host is required", p.name)
	}
	port, err := strconv.Atoi(config["port"])
	if err != nil || port <= 0 || port > 65535 {
		return fmt.Errorf("gateway provider %s: invalid port %q", p.name, config["port"])
	}
	p.port = port

	p.protocol = strings.ToLower(config["protocol"])
	if p.protocol == "" {
		p.protocol = "http"
	}
	p.usernameBase = config["username"]
	if p.usernameBase == "" {
		return fmt.Errorf("gateway provider %s: username is required", p.name)
	}
	p.password = config["password"]
	p.country = config["country"]
	return nil
}

// Acquire returns the gateway with a synthetic session username. Each call
// gets a new session id, so each browser binding lands on a different
// upstream exit.
func (p *gatewayProvider) Acquire() (*models.Proxy, error) {
	p.mu.Lock()
	p.acquired++
	p.mu.Unlock()

	username := fmt.Sprintf("%s-session-%s", p.usernameBase, common.NewSessionID())
	if p.country != "" {
		username = fmt.Sprintf("%s-country-%s", username, p.country)
	}

	return &models.Proxy{
		Host:       p.host,
		Port:       p.port,
		Protocol:   p.protocol,
		Username:   username,
		Password:   p.password,
		Provider:   p.name,
		Source:     p.name,
		IsRotating: true,
		IsActive:   true,
	}, nil
}

func (p *gatewayProvider) MarkBad(proxy *models.Proxy) {
	// The session is burned, not the gateway; the next Acquire gets a fresh
	// session id anyway.
	p.mu.Lock()
	p.badCount++
	p.mu.Unlock()
}

func (p *gatewayProvider) Stats() map[string]interface{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return map[string]interface{}{
		"type":     "gateway",
		"gateway":  fmt.Sprintf("%s:%d", p.host, p.port),
		"acquired": p.acquired,
		"bad":      p.badCount,
	}
}

func (p *gatewayProvider) HealthCheck(ctx context.Context) error {
	// A TCP dial is the strongest check that doesn't consume a session.
	return dialCheck(ctx, p.host, p.port)
}

func (p *gatewayProvider) Shutdown() {}
