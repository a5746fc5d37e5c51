package browser

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"go.uber.org/zap"

	"github.com/example/app-orchestrator/internal/logging"
)

// RodConfig configures the headless Chrome driver.
type RodConfig struct {
	Headless    bool
	PageTimeout time.Duration
	// Bin is an explicit Chrome binary; empty lets the launcher find one.
	Bin string
}

// RodDriver launches Chrome on first use and gives every Open its own
// incognito context so storage never leaks between sessions.
type RodDriver struct {
	cfg RodConfig
	log *zap.Logger

	mu      sync.Mutex
	launch  *launcher.Launcher
	browser *rod.Browser
}

func NewRodDriver(cfg RodConfig, logger *zap.Logger) *RodDriver {
	if cfg.PageTimeout <= 0 {
		cfg.PageTimeout = 30 * time.Second
	}
	return &RodDriver{cfg: cfg, log: logging.OrNop(logger).Named("browser")}
}

func (d *RodDriver) connect() (*rod.Browser, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.browser != nil {
		return d.browser, nil
	}
	l := launcher.New().Headless(d.cfg.Headless)
	if d.cfg.Bin != "" {
		l = l.Bin(d.cfg.Bin)
	}
	controlURL, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("launch chrome: %w", err)
	}
	b := rod.New().ControlURL(controlURL)
	if err := b.Connect(); err != nil {
		l.Kill()
		return nil, fmt.Errorf("connect chrome: %w", err)
	}
	d.launch, d.browser = l, b
	d.log.Info("chrome started", zap.Bool("headless", d.cfg.Headless))
	return b, nil
}

func (d *RodDriver) Open(ctx context.Context, dir string) (Page, error) {
	entry, err := entryPath(dir)
	if err != nil {
		return nil, err
	}
	b, err := d.connect()
	if err != nil {
		return nil, err
	}
	incognito, err := b.Incognito()
	if err != nil {
		return nil, fmt.Errorf("incognito context: %w", err)
	}
	page, err := incognito.Page(proto.TargetCreateTarget{})
	if err != nil {
		incognito.Close()
		return nil, fmt.Errorf("new page: %w", err)
	}
	page = page.Context(ctx)
	u := (&url.URL{Scheme: "file", Path: filepath.ToSlash(entry)}).String()
	if err := page.Timeout(d.cfg.PageTimeout).Navigate(u); err != nil {
		incognito.Close()
		return nil, fmt.Errorf("navigate %s: %w", u, err)
	}
	if err := page.Timeout(d.cfg.PageTimeout).WaitLoad(); err != nil {
		incognito.Close()
		return nil, fmt.Errorf("wait load: %w", err)
	}
	return &rodPage{ctx: ctx, page: page, owner: incognito, timeout: d.cfg.PageTimeout}, nil
}

func (d *RodDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.browser == nil {
		return nil
	}
	err := d.browser.Close()
	d.launch.Kill()
	d.browser, d.launch = nil, nil
	return err
}

type rodPage struct {
	ctx     context.Context
	page    *rod.Page
	owner   *rod.Browser
	timeout time.Duration
}

func (p *rodPage) elements(selector string) (rod.Elements, error) {
	return p.page.Timeout(p.timeout).Elements(selector)
}

func (p *rodPage) nth(selector string, n int) (*rod.Element, error) {
	els, err := p.elements(selector)
	if err != nil {
		return nil, err
	}
	if n < 0 || n >= len(els) {
		return nil, fmt.Errorf("%w: %s[%d]", ErrNoElement, selector, n)
	}
	return els[n], nil
}

func (p *rodPage) Count(selector string) (int, error) {
	els, err := p.elements(selector)
	if err != nil {
		return 0, err
	}
	return len(els), nil
}

func (p *rodPage) Fill(selector string, n int, text string) error {
	el, err := p.nth(selector, n)
	if err != nil {
		return err
	}
	if err := el.SelectAllText(); err != nil {
		return err
	}
	return el.Input(text)
}

func (p *rodPage) Click(selector string, n int) error {
	el, err := p.nth(selector, n)
	if err != nil {
		return err
	}
	return el.Click(proto.InputMouseButtonLeft, 1)
}

func (p *rodPage) Reload() error {
	if err := p.page.Timeout(p.timeout).Reload(); err != nil {
		return err
	}
	return p.page.Timeout(p.timeout).WaitLoad()
}

func (p *rodPage) Settle(d time.Duration) error {
	return sleepCtx(p.ctx, d)
}

func (p *rodPage) Screenshot(path string) (string, error) {
	img, err := p.page.Screenshot(false, nil)
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, img, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

func (p *rodPage) Close() error {
	return p.owner.Close()
}
