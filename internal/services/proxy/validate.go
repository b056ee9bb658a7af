package proxy

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/oyi77/naver-smartstore-sub000/internal/models"
)

// ipInfoResponse is the subset of the IP-info endpoint's answer we keep.
type ipInfoResponse struct {
	Query   string `json:"query"`
	ISP     string `json:"isp"`
	Org     string `json:"org"`
	Country string `json:"countryCode"`
	Mobile  bool   `json:"mobile"`
	Hosting bool   `json:"hosting"`
}

// validateBatch runs validations with bounded parallelism and returns the
// proxies that passed.
func (s *Service) validateBatch(ctx context.Context, candidates []*models.Proxy) []*models.Proxy {
	batchSize := s.config.BatchSize
	if batchSize <= 0 {
		batchSize = 200
	}

	sem := make(chan struct{}, batchSize)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var passed []*models.Proxy

	for _, candidate := range candidates {
		select {
		case <-ctx.Done():
			return passed
		case sem <- struct{}{}:
		}

		wg.Add(1)
		go func(p *models.Proxy) {
			defer wg.Done()
			defer func() { <-sem }()

			if s.validateOne(ctx, p) {
				mu.Lock()
				passed = append(passed, p)
				mu.Unlock()
			}
		}(candidate)
	}

	wg.Wait()
	return passed
}

// validateOne runs both checks concurrently: connectivity + IP classification
// through the IP-info endpoint, and origin reachability through a CONNECT
// tunnel. A proxy passes when the IP-info check passes; origin reachability
// is recorded but does not by itself drop the proxy.
func (s *Service) validateOne(ctx context.Context, p *models.Proxy) bool {
	checkCtx, cancel := context.WithTimeout(ctx, s.config.ProbeTimeout)
	defer cancel()

	var wg sync.WaitGroup
	var infoErr error
	var originOK bool

	wg.Add(2)
	go func() {
		defer wg.Done()
		infoErr = s.checkIPInfo(checkCtx, p)
	}()
	go func() {
		defer wg.Done()
		originOK = s.checkOrigin(checkCtx, p) == nil
	}()
	wg.Wait()

	if infoErr != nil {
		s.logger.Trace().Str("proxy", p.Key()).Err(infoErr).Msg("Proxy failed validation")
		return false
	}

	p.CanReachOrigin = originOK
	p.IsActive = true
	p.LastValidated = time.Now()
	return true
}

// checkIPInfo requests the IP-info endpoint through the proxy, measuring
// latency and classifying the exit IP as residential or datacenter.
func (s *Service) checkIPInfo(ctx context.Context, p *models.Proxy) error {
	proxyURL, err := url.Parse(p.URL())
	if err != nil {
		return fmt.Errorf("invalid proxy url: %w", err)
	}

	transport := &http.Transport{
		Proxy:             http.ProxyURL(proxyURL),
		DisableKeepAlives: true,
		TLSClientConfig:   &tls.Config{InsecureSkipVerify: true},
	}
	client := &http.Client{Transport: transport, Timeout: s.config.ProbeTimeout}
	defer transport.CloseIdleConnections()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.config.IPInfoURL, nil)
	if err != nil {
		return err
	}

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("ip-info request failed: %w", err)
	}
	defer resp.Body.Close()
	latency := time.Since(start)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ip-info returned status %d", resp.StatusCode)
	}
	if latency > s.config.MaxAcceptableLatency {
		return fmt.Errorf("latency %s exceeds maximum %s", latency, s.config.MaxAcceptableLatency)
	}

	var info ipInfoResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&info); err != nil {
		return fmt.Errorf("ip-info response unparsable: %w", err)
	}

	p.Latency = latency
	p.ISP = info.ISP
	p.Org = info.Org
	p.Country = info.Country
	p.IPType = classifyIP(info)
	return nil
}

// classifyIP maps the IP-info answer to an IP type. Hosting flags and the
// usual cloud keywords mean datacenter; a mobile or unmarked consumer ISP
// counts as residential.
func classifyIP(info ipInfoResponse) models.IPType {
	if info.Hosting {
		return models.IPTypeDatacenter
	}
	haystack := strings.ToLower(info.ISP + " " + info.Org)
	for _, marker := range []string{"amazon", "google", "microsoft", "azure", "digitalocean", "ovh", "hetzner", "linode", "vultr", "datacenter", "hosting", "cloud"} {
		if strings.Contains(haystack, marker) {
			return models.IPTypeDatacenter
		}
	}
	if info.ISP == "" && info.Org == "" {
		return models.IPTypeUnknown
	}
	return models.IPTypeResidential
}

// checkOrigin verifies the proxy can tunnel to the origin: an HTTP CONNECT
// through the proxy followed by a TLS handshake and a minimal GET.
func (s *Service) checkOrigin(ctx context.Context, p *models.Proxy) error {
	dialer := &net.Dialer{Timeout: s.config.ProbeTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", p.Key())
	if err != nil {
		return fmt.Errorf("proxy dial failed: %w", err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	originHost := s.originHost
	connect := fmt.Sprintf("CONNECT %s HTTP/1.1\r\nHost: %s\r\n", originHost, originHost)
	if p.Username != "" {
		creds := base64.StdEncoding.EncodeToString([]byte(p.Username + ":" + p.Password))
		connect += "Proxy-Authorization: Basic " + creds + "\r\n"
	}
	connect += "\r\n"

	if _, err := conn.Write([]byte(connect)); err != nil {
		return fmt.Errorf("CONNECT write failed: %w", err)
	}

	reader := bufio.NewReader(conn)
	statusLine, err := reader.ReadString('\n')
	if err != nil {
		return fmt.Errorf("CONNECT response read failed: %w", err)
	}
	if !strings.Contains(statusLine, " 200") {
		return fmt.Errorf("CONNECT rejected: %s", strings.TrimSpace(statusLine))
	}
	// Drain remaining response headers
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return fmt.Errorf("CONNECT header read failed: %w", err)
		}
		if line == "\r\n" || line == "\n" {
			break
		}
	}

	serverName := originHost
	if host, _, err := net.SplitHostPort(originHost); err == nil {
		serverName = host
	}
	tlsConn := tls.Client(conn, &tls.Config{ServerName: serverName})
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return fmt.Errorf("TLS handshake through proxy failed: %w", err)
	}

	get := fmt.Sprintf("GET / HTTP/1.1\r\nHost: %s\r\nConnection: close\r\n\r\n", serverName)
	if _, err := tlsConn.Write([]byte(get)); err != nil {
		return fmt.Errorf("origin GET write failed: %w", err)
	}
	buf := make([]byte, 64)
	if _, err := tlsConn.Read(buf); err != nil && err != io.EOF {
		return fmt.Errorf("origin GET read failed: %w", err)
	}
	return nil
}

// dialCheck verifies a plain TCP connection to host:port.
func dialCheck(ctx context.Context, host string, port int) error {
	dialer := &net.Dialer{Timeout: 5 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", fmt.Sprintf("%s:%d", host, port))
	if err != nil {
		return err
	}
	return conn.Close()
}

func defaultHTTPClient() *http.Client {
	return &http.Client{Timeout: 20 * time.Second}
}
