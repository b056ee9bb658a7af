package profiles

import (
	"fmt"
	"math/rand"

	"github.com/oyi77/naver-smartstore-sub000/internal/models"
)

// staticCatalogue is a small set of hand-checked desktop identities. The
// dynamic generator produces variations on top of these.
var staticCatalogue = []models.Identity{
	{
		Name:                "chrome-131-win",
		UserAgent:           "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36",
		Viewport:            models.Viewport{Width: 1920, Height: 1080},
		Platform:            "Win32",
		Vendor:              "Google Inc.",
		Languages:           []string{"ko-KR", "ko", "en-US", "en"},
		HardwareConcurrency: 8,
		DeviceMemory:        8,
		SecCHUA:             `"Google Chrome";v="131", "Chromium";v="131", "Not_A Brand";v="24"`,
		SecCHUAPlatform:     `"Windows"`,
		SecCHUAMobile:       "?0",
	},
	{
		Name:                "chrome-130-win",
		UserAgent:           "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/130.0.0.0 Safari/537.36",
		Viewport:            models.Viewport{Width: 1536, Height: 864},
		Platform:            "Win32",
		Vendor:              "Google Inc.",
		Languages:           []string{"ko-KR", "ko", "en-US", "en"},
		HardwareConcurrency: 12,
		DeviceMemory:        16,
		SecCHUA:             `"Chromium";v="130", "Google Chrome";v="130", "Not?A_Brand";v="99"`,
		SecCHUAPlatform:     `"Windows"`,
		SecCHUAMobile:       "?0",
	},
	{
		Name:                "chrome-131-mac",
		UserAgent:           "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36",
		Viewport:            models.Viewport{Width: 1728, Height: 1117},
		Platform:            "MacIntel",
		Vendor:              "Google Inc.",
		Languages:           []string{"ko-KR", "ko", "en-US", "en"},
		HardwareConcurrency: 10,
		DeviceMemory:        8,
		SecCHUA:             `"Google Chrome";v="131", "Chromium";v="131", "Not_A Brand";v="24"`,
		SecCHUAPlatform:     `"macOS"`,
		SecCHUAMobile:       "?0",
	},
	{
		Name:                "edge-130-win",
		UserAgent:           "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/130.0.0.0 Safari/537.36 Edg/130.0.0.0",
		Viewport:            models.Viewport{Width: 1920, Height: 1080},
		Platform:            "Win32",
		Vendor:              "Google Inc.",
		Languages:           []string{"ko-KR", "ko", "en-US", "en"},
		HardwareConcurrency: 8,
		DeviceMemory:        8,
		SecCHUA:             `"Chromium";v="130", "Microsoft Edge";v="130", "Not?A_Brand";v="99"`,
		SecCHUAPlatform:     `"Windows"`,
		SecCHUAMobile:       "?0",
	},
	{
		Name:                "chrome-129-win",
		UserAgent:           "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/129.0.0.0 Safari/537.36",
		Viewport:            models.Viewport{Width: 1440, Height: 900},
		Platform:            "Win32",
		Vendor:              "Google Inc.",
		Languages:           []string{"ko-KR", "ko", "en-US", "en"},
		HardwareConcurrency: 4,
		DeviceMemory:        8,
		SecCHUA:             `"Google Chrome";v="129", "Chromium";v="129", "Not=A?Brand";v="8"`,
		SecCHUAPlatform:     `"Windows"`,
		SecCHUAMobile:       "?0",
	},
}

// generatorVersions is the Chrome major version range used by the dynamic
// generator. Versions older than the origin's support floor get rejected
// with UNSUPPORTED_BROWSER, so keep this recent.
var generatorVersions = []int{128, 129, 130, 131, 132}

var generatorViewports = []models.Viewport{
	{Width: 1920, Height: 1080},
	{Width: 1536, Height: 864},
	{Width: 1440, Height: 900},
	{Width: 1680, Height: 1050},
	{Width: 2560, Height: 1440},
}

// generateIdentity builds a synthetic Chrome-on-Windows identity with a
// random recent version and matching client-hint strings.
func generateIdentity(rng *rand.Rand) models.Identity {
	version := generatorVersions[rng.Intn(len(generatorVersions))]
	viewport := generatorViewports[rng.Intn(len(generatorViewports))]
	cores := []int{4, 8, 12, 16}[rng.Intn(4)]
	memory := []int{4, 8, 16}[rng.Intn(3)]

	return models.Identity{
		Name:                fmt.Sprintf("gen-chrome-%d-win", version),
		UserAgent:           fmt.Sprintf("Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/%d.0.0.0 Safari/537.36", version),
		Viewport:            viewport,
		Platform:            "Win32",
		Vendor:              "Google Inc.",
		Languages:           []string{"ko-KR", "ko", "en-US", "en"},
		HardwareConcurrency: cores,
		DeviceMemory:        memory,
		SecCHUA:             fmt.Sprintf(`"Google Chrome";v="%d", "Chromium";v="%d", "Not_A Brand";v="24"`, version, version),
		SecCHUAPlatform:     `"Windows"`,
		SecCHUAMobile:       "?0",
	}
}
