package proxy

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// SourceEnv is the source tag for proxies injected via the PROXY_LIST
// environment variable; env proxies rank above ordinary source proxies.
const SourceEnv = "env"

// EnvProxyList is the environment variable holding a comma-separated proxy
// allow-list.
const EnvProxyList = "PROXY_LIST"

// Source is a configured proxy list location: an http(s) URL or a local
// file path.
type Source struct {
	Name     string `json:"name"`
	Location string `json:"location"`
}

// IsURL reports whether the source is fetched over HTTP.
func (s Source) IsURL() bool {
	return strings.HasPrefix(s.Location, "http://") || strings.HasPrefix(s.Location, "https://")
}

// fetchSource reads a source's payload. HTTP fetches retry with exponential
// backoff since free proxy lists flap constantly.
func (s *Service) fetchSource(ctx context.Context, src Source) ([]byte, error) {
	if !src.IsURL() {
		data, err := os.ReadFile(src.Location)
		if err != nil {
			return nil, fmt.Errorf("failed to read source file %s: %w", src.Location, err)
		}
		return data, nil
	}

	var payload []byte
	operation := func() error {
		reqCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		defer cancel()

		req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, src.Location, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := s.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("source %s returned status %d", src.Name, resp.StatusCode)
		}

		payload, err = io.ReadAll(io.LimitReader(resp.Body, 16<<20))
		return err
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		return nil, fmt.Errorf("failed to fetch source %s: %w", src.Name, err)
	}
	return payload, nil
}

// loadSources merges the default and user-configured source files. User
// sources override defaults with the same name.
func (s *Service) loadSources() []Source {
	merged := make(map[string]Source)
	for _, path := range []string{s.config.DefaultSourcesFile, s.config.SourcesFile} {
		if path == "" {
			continue
		}
		var sources []Source
		if err := readJSONFile(path, &sources); err != nil {
			if !os.IsNotExist(err) {
				s.logger.Warn().Err(err).Str("path", path).Msg("Failed to load proxy sources file")
			}
			continue
		}
		for _, src := range sources {
			merged[src.Name] = src
		}
	}

	out := make([]Source, 0, len(merged))
	for _, src := range merged {
		out = append(out, src)
	}
	return out
}

// AddSource registers a user source and persists the source list.
func (s *Service) AddSource(name, location string) error {
	if name == "" || location == "" {
		return fmt.Errorf("source name and location are required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var sources []Source
	if err := readJSONFile(s.config.SourcesFile, &sources); err != nil && !os.IsNotExist(err) {
		return err
	}
	for i, src := range sources {
		if src.Name == name {
			sources[i].Location = location
			return writeJSONFile(s.config.SourcesFile, sources)
		}
	}
	sources = append(sources, Source{Name: name, Location: location})
	return writeJSONFile(s.config.SourcesFile, sources)
}

// DeleteSource removes a user source by name.
func (s *Service) DeleteSource(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var sources []Source
	if err := readJSONFile(s.config.SourcesFile, &sources); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	kept := sources[:0]
	for _, src := range sources {
		if src.Name != name {
			kept = append(kept, src)
		}
	}
	return writeJSONFile(s.config.SourcesFile, kept)
}
