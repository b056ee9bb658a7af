package browser

import (
	"context"
	"fmt"

	"github.com/oyi77/naver-smartstore-sub000/internal/interfaces"
	"github.com/oyi77/naver-smartstore-sub000/internal/models"
)

// ephemeralSlot marks tabs of unmanaged browsers; they never collide with
// real slot ids.
const ephemeralSlot = -1

// CreateEphemeral launches a single-tab browser bound to a caller-supplied
// proxy literal and a random identity, outside slot management. The caller
// owns teardown via the returned func.
func (p *Pool) CreateEphemeral(ctx context.Context, proxyLiteral string) (interfaces.Tab, func(), error) {
	proxy, err := models.ParseProxyLine(proxyLiteral)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid ephemeral proxy %q: %w", proxyLiteral, err)
	}

	identity := p.profiles.Random()

	proc, err := p.launcher.Launch(ctx, launchOptions{
		slot:              ephemeralSlot,
		tabs:              1,
		identity:          identity,
		proxy:             proxy,
		headless:          p.config.Headless,
		noSandbox:         p.config.NoSandbox,
		disableGPU:        p.config.DisableGPU,
		navigationTimeout: p.config.NavigationTimeout,
		warmupURL:         p.config.WarmupURL,
	})
	if err != nil {
		p.profiles.Release(identity)
		return nil, nil, fmt.Errorf("ephemeral browser launch failed: %w", err)
	}

	tabs := proc.Tabs()
	if len(tabs) == 0 {
		_ = proc.Close(p.config.CloseTimeout)
		p.profiles.Release(identity)
		return nil, nil, fmt.Errorf("ephemeral browser produced no tabs")
	}

	p.logger.Info().
		Str("proxy", proxy.Key()).
		Str("identity", identity.Name).
		Msg("Ephemeral browser launched")

	cleanup := func() {
		if err := proc.Close(p.config.CloseTimeout); err != nil {
			p.logger.Warn().Err(err).Msg("Ephemeral browser close")
		}
		p.profiles.Release(identity)
	}
	return tabs[0], cleanup, nil
}
