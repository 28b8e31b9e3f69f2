// Package player recovers the stream manifest hidden behind the catalog's
// embedded player by watching the requests a real browser makes.
package player

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/playwright-community/playwright-go"

	"github.com/alvarorichard/animeworld/internal/config"
	"github.com/alvarorichard/animeworld/internal/metrics"
	"github.com/alvarorichard/animeworld/internal/util"
)

// ErrNoManifest is returned when the player never requested a stream.
var ErrNoManifest = errors.New("no stream manifest observed")

var launchArgs = []string{
	"--disable-blink-features=AutomationControlled",
	"--disable-web-security",
	"--no-sandbox",
}

// Bypass drives a headless Chromium through the player's click-through
// overlay. Each extraction gets its own browser; the playwright driver is
// shared and started on first use.
type Bypass struct {
	cfg       config.BypassConfig
	userAgent string
	referer   string

	mu sync.Mutex
	pw *playwright.Playwright

	// launched, when set, sees every browser GetRawVideo starts
	launched func(playwright.Browser)
}

// NewBypass creates a bypass that presents userAgent and sends referer with
// every request of the player page.
func NewBypass(cfg config.BypassConfig, userAgent, referer string) *Bypass {
	return &Bypass{cfg: cfg, userAgent: userAgent, referer: referer}
}

// Install fetches the playwright driver and Chromium when missing
func Install() error {
	err := playwright.Install(&playwright.RunOptions{
		Browsers: []string{"chromium"},
		Verbose:  util.IsDebug,
	})
	return errors.Wrap(err, "failed to install playwright")
}

func (b *Bypass) driver() (*playwright.Playwright, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.pw != nil {
		return b.pw, nil
	}
	pw, err := playwright.Run()
	if err != nil {
		return nil, errors.Wrap(err, "failed to start playwright")
	}
	b.pw = pw
	return pw, nil
}

// Close stops the playwright driver
func (b *Bypass) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.pw == nil {
		return nil
	}
	err := b.pw.Stop()
	b.pw = nil
	return err
}

// GetRawVideo loads playerURL, clicks through the overlay and returns the
// first manifest URL the page requests. It makes a single attempt; a page
// that never asks for a stream yields ErrNoManifest.
func (b *Bypass) GetRawVideo(ctx context.Context, playerURL string) (string, error) {
	start := time.Now()
	defer metrics.ObserveStage("bypass", start)

	util.Info("[1/5] Starting extraction", "url", playerURL)

	pw, err := b.driver()
	if err != nil {
		metrics.Extractions.WithLabelValues("error").Inc()
		return "", err
	}

	util.Debug("[2/5] Launching browser", "headless", b.cfg.Headless)
	browser, err := pw.Chromium.Launch(playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(b.cfg.Headless),
		Args:     launchArgs,
	})
	if err != nil {
		metrics.Extractions.WithLabelValues("error").Inc()
		return "", errors.Wrap(err, "failed to launch browser")
	}
	if b.launched != nil {
		b.launched(browser)
	}

	// Closing the browser also aborts a pending navigation when ctx ends.
	stop := context.AfterFunc(ctx, func() { _ = browser.Close() })
	defer func() {
		stop()
		if err := browser.Close(); err != nil {
			util.Debug("Browser close", "error", err)
		}
	}()

	sniffer := newManifestSniffer()
	if err := b.drive(ctx, browser, playerURL, sniffer); err != nil {
		util.Warn("Browser encountered an issue", "url", playerURL, "error", util.Truncate(err.Error(), 120))
	}

	manifest, matches := sniffer.Result()
	if manifest == "" {
		metrics.Extractions.WithLabelValues("no_manifest").Inc()
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		util.Warn("Extraction failed", "url", playerURL, "media_requests", matches)
		return "", ErrNoManifest
	}

	metrics.Extractions.WithLabelValues("ok").Inc()
	util.Info("Extraction complete", "manifest", util.Truncate(manifest, 70), "media_requests", matches)
	return manifest, nil
}

func (b *Bypass) drive(ctx context.Context, browser playwright.Browser, playerURL string, sniffer *manifestSniffer) error {
	bctx, err := browser.NewContext(playwright.BrowserNewContextOptions{
		UserAgent:        playwright.String(b.userAgent),
		ExtraHttpHeaders: map[string]string{"Referer": b.referer},
		Viewport: &playwright.Size{
			Width:  b.cfg.ViewportWidth,
			Height: b.cfg.ViewportHeight,
		},
	})
	if err != nil {
		return errors.Wrap(err, "failed to create browser context")
	}

	page, err := bctx.NewPage()
	if err != nil {
		return errors.Wrap(err, "failed to open page")
	}
	page.OnRequest(func(r playwright.Request) {
		sniffer.Observe(r.URL())
	})

	// The player's ad traffic never goes idle, so only wait for the DOM.
	util.Debug("[3/5] Loading player page")
	if _, err := page.Goto(playerURL, playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateDomcontentloaded,
		Timeout:   playwright.Float(float64(b.cfg.NavTimeout.Milliseconds())),
	}); err != nil {
		return errors.Wrap(err, "navigation failed")
	}

	util.Debug("[4/5] Performing bypass clicks")
	if err := sleep(ctx, b.cfg.SettleDelay.Duration); err != nil {
		return err
	}
	// first click eats the overlay ad, the second starts playback
	if err := page.Mouse().Click(b.cfg.ClickX, b.cfg.ClickY); err != nil {
		return errors.Wrap(err, "overlay click failed")
	}
	if err := sleep(ctx, b.cfg.ClickGap.Duration); err != nil {
		return err
	}
	if err := page.Mouse().Click(b.cfg.ClickX, b.cfg.ClickY); err != nil {
		return errors.Wrap(err, "play click failed")
	}

	util.Debug("[5/5] Waiting for stream to initialize")
	timer := time.NewTimer(b.cfg.StreamWait.Duration)
	defer timer.Stop()
	select {
	case <-sniffer.Found():
	case <-timer.C:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
