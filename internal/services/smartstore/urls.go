// Package smartstore implements the per-kind fetch routines for the
// SmartStore origin: driving a tab to the store or product page, harvesting
// the embedded preload state, and calling the product API from page context.
package smartstore

import (
	"fmt"
	"net/url"
	"strings"
)

// splitTarget breaks a normalized SmartStore URL into its store page URL and,
// for product URLs, the product id.
//
//	https://smartstore.naver.com/{store}               -> store URL, ""
//	https://smartstore.naver.com/{store}/products/{id} -> store URL, id
func splitTarget(rawURL string) (storeURL, productID string, err error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", "", fmt.Errorf("unparsable target url %q: %w", rawURL, err)
	}

	segments := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(segments) == 0 || segments[0] == "" {
		return "", "", fmt.Errorf("target url %q has no store segment", rawURL)
	}

	storeURL = u.Scheme + "://" + u.Host + "/" + segments[0]

	if len(segments) >= 3 && segments[1] == "products" {
		productID = segments[2]
	}
	return storeURL, productID, nil
}
