package models

// Viewport is the window size reported by an identity
type Viewport struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Identity is an immutable browser identity bundle: the user agent plus the
// scripted overrides and client-hint headers that make a tab present as a
// specific desktop browser.
type Identity struct {
	Name                string   `json:"name"`
	UserAgent           string   `json:"userAgent"`
	Viewport            Viewport `json:"viewport"`
	Platform            string   `json:"platform"` // navigator.platform
	Vendor              string   `json:"vendor"`
	Languages           []string `json:"languages"`
	HardwareConcurrency int      `json:"hardwareConcurrency"`
	DeviceMemory        int      `json:"deviceMemory"`

	// Client-hint header values
	SecCHUA         string `json:"secChUa"`
	SecCHUAPlatform string `json:"secChUaPlatform"`
	SecCHUAMobile   string `json:"secChUaMobile"`
}

// AcceptLanguage renders the identity's languages as an Accept-Language header value.
func (i *Identity) AcceptLanguage() string {
	switch len(i.Languages) {
	case 0:
		return "en-US,en;q=0.9"
	case 1:
		return i.Languages[0]
	default:
		out := i.Languages[0]
		q := 0.9
		for _, lang := range i.Languages[1:] {
			out += ","
			out += lang
			out += ";q="
			out += formatQ(q)
			if q > 0.2 {
				q -= 0.1
			}
		}
		return out
	}
}

func formatQ(q float64) string {
	// q values only ever take one decimal here
	return string([]byte{'0', '.', byte('0' + int(q*10+0.5))})
}
