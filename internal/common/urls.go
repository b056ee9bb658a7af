package common

import (
	"net/url"
	"sort"
	"strings"
)

// allowedQueryKeys is the fixed allow-list of query parameters that survive
// normalization. Everything else (tracking tags, session tokens, referrer
// markers) is dropped so that cache lookups and deduplication line up.
var allowedQueryKeys = map[string]bool{
	"page": true,
	"sort": true,
	"size": true,
}

// NormalizeURL canonicalizes a URL for deduplication and cache lookups:
// lower-case scheme and host, strip the trailing slash, drop the fragment,
// and retain only allow-listed query parameters. The function is idempotent.
func NormalizeURL(rawURL string) string {
	raw := strings.TrimSpace(rawURL)
	u, err := url.Parse(raw)
	if err != nil {
		return strings.TrimSuffix(strings.ToLower(raw), "/")
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""

	u.Path = strings.TrimSuffix(u.Path, "/")

	if u.RawQuery != "" {
		query := u.Query()
		kept := url.Values{}
		keys := make([]string, 0, len(query))
		for k := range query {
			if allowedQueryKeys[k] {
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)
		for _, k := range keys {
			kept[k] = query[k]
		}
		u.RawQuery = kept.Encode()
	}

	return u.String()
}

// StoreBaseURL reduces a storefront URL to its store root,
// scheme://host/<storeSegment>, dropping category and product paths.
// Product jobs fanned out from an inventory payload are rooted here.
func StoreBaseURL(rawURL string) string {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || u.Host == "" {
		return strings.TrimSuffix(rawURL, "/")
	}
	base := strings.ToLower(u.Scheme) + "://" + strings.ToLower(u.Host)
	segments := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(segments) == 0 || segments[0] == "" {
		return base
	}
	return base + "/" + segments[0]
}
