package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"

	"github.com/oyi77/naver-smartstore-sub000/internal/models"
)

// trackerHosts are request hosts aborted at the CDP fetch layer. None of them
// contribute to page content and several fingerprint the client.
var trackerHosts = []string{
	"google-analytics.com",
	"googletagmanager.com",
	"doubleclick.net",
	"facebook.net",
	"facebook.com/tr",
	"hotjar.com",
	"sentry.io",
	"wcs.naver.net",
	"wcs.naver.com",
	"lcs.naver.com",
	"siape.veta.naver.com",
}

// blockedResourceTypes are resource kinds a scrape never needs rendered.
var blockedResourceTypes = map[network.ResourceType]bool{
	network.ResourceTypeImage: true,
	network.ResourceTypeMedia: true,
	network.ResourceTypeFont:  true,
}

func shouldAbort(ev *fetch.EventRequestPaused) bool {
	if blockedResourceTypes[ev.ResourceType] {
		return true
	}
	url := ev.Request.URL
	for _, host := range trackerHosts {
		if strings.Contains(url, host) {
			return true
		}
	}
	return false
}

// stealthScript renders the pre-document override script pinning the
// navigator surface to the identity. It runs before any page script, so the
// origin's fingerprinting sees only the identity's values.
func stealthScript(id models.Identity) string {
	langs, _ := json.Marshal(id.Languages)
	return fmt.Sprintf(`(() => {
  const define = (obj, prop, value) => {
    try { Object.defineProperty(obj, prop, { get: () => value }); } catch (e) {}
  };
  define(navigator, 'webdriver', false);
  define(navigator, 'platform', %q);
  define(navigator, 'vendor', %q);
  define(navigator, 'languages', %s);
  define(navigator, 'language', %q);
  define(navigator, 'hardwareConcurrency', %d);
  define(navigator, 'deviceMemory', %d);
  define(navigator, 'plugins', [1, 2, 3, 4, 5]);
  window.chrome = window.chrome || { runtime: {} };
  const origQuery = window.navigator.permissions && window.navigator.permissions.query;
  if (origQuery) {
    window.navigator.permissions.query = (parameters) => (
      parameters.name === 'notifications'
        ? Promise.resolve({ state: Notification.permission })
        : origQuery(parameters)
    );
  }
})();`,
		id.Platform, id.Vendor, string(langs), firstLanguage(id), id.HardwareConcurrency, id.DeviceMemory)
}

func firstLanguage(id models.Identity) string {
	if len(id.Languages) > 0 {
		return id.Languages[0]
	}
	return "en-US"
}

// extraHeaders are the client-hint and language headers sent on every
// request from a tab bound to the identity.
func extraHeaders(id models.Identity) network.Headers {
	headers := network.Headers{
		"Accept-Language": id.AcceptLanguage(),
	}
	if id.SecCHUA != "" {
		headers["sec-ch-ua"] = id.SecCHUA
		headers["sec-ch-ua-platform"] = id.SecCHUAPlatform
		headers["sec-ch-ua-mobile"] = id.SecCHUAMobile
	}
	return headers
}

// identityActions returns the CDP actions that bind an identity to a tab.
// They are safe to re-run on a live tab, which is how in-place rotation works.
func identityActions(id models.Identity) []chromedp.Action {
	return []chromedp.Action{
		emulation.SetUserAgentOverride(id.UserAgent).
			WithAcceptLanguage(id.AcceptLanguage()).
			WithPlatform(id.Platform),
		emulation.SetDeviceMetricsOverride(int64(id.Viewport.Width), int64(id.Viewport.Height), 1, false),
		network.SetExtraHTTPHeaders(extraHeaders(id)),
		chromedp.ActionFunc(func(ctx context.Context) error {
			_, err := page.AddScriptToEvaluateOnNewDocument(stealthScript(id)).Do(ctx)
			return err
		}),
	}
}

// installInterception enables the fetch domain on a tab and installs the
// listener that aborts trackers and heavy resources and answers proxy auth
// challenges. Event handling happens off the listener goroutine because CDP
// commands cannot be issued from inside it.
func installInterception(tabCtx context.Context, proxy *models.Proxy) error {
	needAuth := proxy != nil && proxy.Username != ""

	chromedp.ListenTarget(tabCtx, func(ev interface{}) {
		switch e := ev.(type) {
		case *fetch.EventRequestPaused:
			go func() {
				c := chromedp.FromContext(tabCtx)
				ectx := cdp.WithExecutor(tabCtx, c.Target)
				if shouldAbort(e) {
					_ = fetch.FailRequest(e.RequestID, network.ErrorReasonBlockedByClient).Do(ectx)
					return
				}
				_ = fetch.ContinueRequest(e.RequestID).Do(ectx)
			}()
		case *fetch.EventAuthRequired:
			go func() {
				c := chromedp.FromContext(tabCtx)
				ectx := cdp.WithExecutor(tabCtx, c.Target)
				resp := &fetch.AuthChallengeResponse{
					Response: fetch.AuthChallengeResponseResponseProvideCredentials,
				}
				if needAuth {
					resp.Username = proxy.Username
					resp.Password = proxy.Password
				}
				_ = fetch.ContinueWithAuth(e.RequestID, resp).Do(ectx)
			}()
		}
	})

	return chromedp.Run(tabCtx,
		fetch.Enable().WithHandleAuthRequests(needAuth),
	)
}
