package proxy

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/oyi77/naver-smartstore-sub000/internal/models"
)

// proxyRecord is the object shape accepted in JSON source payloads.
type proxyRecord struct {
	Host     string      `json:"host"`
	IP       string      `json:"ip"` // alias some lists use
	Port     interface{} `json:"port"`
	Protocol string      `json:"protocol"`
	Username string      `json:"username"`
	Password string      `json:"password"`
}

// ParsePayload parses a source payload into proxies. Formats handled:
// JSON (array of objects, array of strings, or {"proxies": [...]}), CSV
// (with or without header), and plain text with one proxy per line. Invalid
// entries are skipped; the count of rejected entries is returned.
func ParsePayload(data []byte, sourceName string) ([]*models.Proxy, int) {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" {
		return nil, 0
	}

	if trimmed[0] == '[' || trimmed[0] == '{' {
		if proxies, rejected, ok := parseJSONPayload([]byte(trimmed), sourceName); ok {
			return proxies, rejected
		}
	}

	if looksLikeCSV(trimmed) {
		if proxies, rejected, ok := parseCSVPayload(trimmed, sourceName); ok {
			return proxies, rejected
		}
	}

	return parseLines(trimmed, sourceName)
}

func parseJSONPayload(data []byte, sourceName string) ([]*models.Proxy, int, bool) {
	// {"proxies": [...]} wrapper
	var wrapper struct {
		Proxies json.RawMessage `json:"proxies"`
	}
	if err := json.Unmarshal(data, &wrapper); err == nil && wrapper.Proxies != nil {
		data = wrapper.Proxies
	}

	// Array of strings
	var lines []string
	if err := json.Unmarshal(data, &lines); err == nil {
		var proxies []*models.Proxy
		rejected := 0
		for _, line := range lines {
			p, err := models.ParseProxyLine(line)
			if err != nil {
				rejected++
				continue
			}
			p.Source = sourceName
			proxies = append(proxies, p)
		}
		return proxies, rejected, true
	}

	// Array of objects
	var records []proxyRecord
	if err := json.Unmarshal(data, &records); err == nil {
		var proxies []*models.Proxy
		rejected := 0
		for _, rec := range records {
			p, err := recordToProxy(rec)
			if err != nil {
				rejected++
				continue
			}
			p.Source = sourceName
			proxies = append(proxies, p)
		}
		return proxies, rejected, true
	}

	return nil, 0, false
}

func recordToProxy(rec proxyRecord) (*models.Proxy, error) {
	host := rec.Host
	if host == "" {
		host = rec.IP
	}
	if host == "" {
		return nil, fmt.Errorf("proxy record missing host")
	}

	port := 0
	switch v := rec.Port.(type) {
	case float64:
		port = int(v)
	case string:
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid port %q", v)
		}
		port = n
	default:
		return nil, fmt.Errorf("proxy record missing port")
	}
	if port <= 0 || port > 65535 {
		return nil, fmt.Errorf("port out of range: %d", port)
	}

	protocol := strings.ToLower(rec.Protocol)
	if protocol == "" {
		protocol = "http"
	}
	switch protocol {
	case "http", "https", "socks4", "socks5":
	default:
		return nil, fmt.Errorf("unsupported protocol %q", protocol)
	}

	return &models.Proxy{
		Host:     host,
		Port:     port,
		Protocol: protocol,
		Username: rec.Username,
		Password: rec.Password,
	}, nil
}

// looksLikeCSV detects comma-separated payloads: every non-empty line among
// the first few has at least one comma.
func looksLikeCSV(payload string) bool {
	lines := strings.Split(payload, "\n")
	checked := 0
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if !strings.Contains(line, ",") {
			return false
		}
		checked++
		if checked >= 5 {
			break
		}
	}
	return checked > 0
}

// parseCSVPayload parses host,port[,protocol[,username,password]] rows,
// auto-detecting and skipping a header row.
func parseCSVPayload(payload, sourceName string) ([]*models.Proxy, int, bool) {
	reader := csv.NewReader(strings.NewReader(payload))
	reader.FieldsPerRecord = -1
	rows, err := reader.ReadAll()
	if err != nil || len(rows) == 0 {
		return nil, 0, false
	}

	start := 0
	if isCSVHeader(rows[0]) {
		start = 1
	}

	var proxies []*models.Proxy
	rejected := 0
	for _, row := range rows[start:] {
		if len(row) < 2 {
			rejected++
			continue
		}
		line := strings.TrimSpace(row[0]) + ":" + strings.TrimSpace(row[1])
		if len(row) >= 3 && strings.TrimSpace(row[2]) != "" {
			line = strings.TrimSpace(row[2]) + "://" + line
		}
		if len(row) >= 5 && strings.TrimSpace(row[3]) != "" {
			p, err := models.ParseProxyLine(line)
			if err != nil {
				rejected++
				continue
			}
			p.Username = strings.TrimSpace(row[3])
			p.Password = strings.TrimSpace(row[4])
			p.Source = sourceName
			proxies = append(proxies, p)
			continue
		}
		p, err := models.ParseProxyLine(line)
		if err != nil {
			rejected++
			continue
		}
		p.Source = sourceName
		proxies = append(proxies, p)
	}
	return proxies, rejected, true
}

// isCSVHeader reports whether a row looks like a header (second column is
// not a number).
func isCSVHeader(row []string) bool {
	if len(row) < 2 {
		return false
	}
	_, err := strconv.Atoi(strings.TrimSpace(row[1]))
	return err != nil
}

// parseLines parses one proxy per line, ignoring blanks and # comments.
func parseLines(payload, sourceName string) ([]*models.Proxy, int) {
	var proxies []*models.Proxy
	rejected := 0
	for _, line := range strings.Split(payload, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		p, err := models.ParseProxyLine(line)
		if err != nil {
			rejected++
			continue
		}
		p.Source = sourceName
		proxies = append(proxies, p)
	}
	return proxies, rejected
}

// ParseEnvList parses the comma-separated allow-list environment variable
// value; entries use the same inline forms as source lines.
func ParseEnvList(value string) []*models.Proxy {
	var proxies []*models.Proxy
	for _, entry := range strings.Split(value, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		p, err := models.ParseProxyLine(entry)
		if err != nil {
			continue
		}
		p.Source = SourceEnv
		proxies = append(proxies, p)
	}
	return proxies
}
