// internal/browser/playwright.go
package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/playwright-community/playwright-go"
)

// PlaywrightDriver 基于 playwright-go 的 Chromium 驱动
type PlaywrightDriver struct {
	Headless   bool
	CookieFile string
}

// NewPlaywrightDriver 创建驱动。cookieFile 为空时不加载也不保存 cookie。
func NewPlaywrightDriver(headless bool, cookieFile string) *PlaywrightDriver {
	return &PlaywrightDriver{Headless: headless, CookieFile: cookieFile}
}

// Launch 启动 playwright、浏览器和带 cookie 的上下文
func (d *PlaywrightDriver) Launch(ctx context.Context) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	pw, err := playwright.Run()
	if err != nil {
		return nil, fmt.Errorf("启动 playwright 失败: %w", err)
	}

	browser, err := pw.Chromium.Launch(playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(d.Headless),
	})
	if err != nil {
		pw.Stop()
		return nil, fmt.Errorf("启动浏览器失败: %w", err)
	}

	bctx, err := browser.NewContext()
	if err != nil {
		browser.Close()
		pw.Stop()
		return nil, fmt.Errorf("创建浏览器上下文失败: %w", err)
	}

	s := &playwrightSession{pw: pw, browser: browser, context: bctx, cookieFile: d.CookieFile}
	if err := s.loadCookies(); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

type playwrightSession struct {
	pw         *playwright.Playwright
	browser    playwright.Browser
	context    playwright.BrowserContext
	cookieFile string
}

// storedCookie cookies.json 中的一项
type storedCookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain"`
	Path     string  `json:"path"`
	Expires  float64 `json:"expires"`
	HttpOnly bool    `json:"httpOnly"`
	Secure   bool    `json:"secure"`
}

func (s *playwrightSession) loadCookies() error {
	if s.cookieFile == "" {
		return nil
	}
	data, err := os.ReadFile(s.cookieFile)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("读取 cookie 文件失败: %w", err)
	}

	var stored []storedCookie
	if err := json.Unmarshal(data, &stored); err != nil {
		return fmt.Errorf("解析 cookie 文件失败: %w", err)
	}
	if len(stored) == 0 {
		return nil
	}

	cookies := make([]playwright.OptionalCookie, 0, len(stored))
	for _, c := range stored {
		cookies = append(cookies, playwright.OptionalCookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   playwright.String(c.Domain),
			Path:     playwright.String(c.Path),
			Expires:  playwright.Float(c.Expires),
			HttpOnly: playwright.Bool(c.HttpOnly),
			Secure:   playwright.Bool(c.Secure),
		})
	}
	if err := s.context.AddCookies(cookies); err != nil {
		return fmt.Errorf("加载 cookie 失败: %w", err)
	}
	return nil
}

func (s *playwrightSession) SaveState() error {
	if s.cookieFile == "" {
		return nil
	}
	cookies, err := s.context.Cookies()
	if err != nil {
		return fmt.Errorf("读取浏览器 cookie 失败: %w", err)
	}

	stored := make([]storedCookie, 0, len(cookies))
	for _, c := range cookies {
		stored = append(stored, storedCookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Expires:  c.Expires,
			HttpOnly: c.HttpOnly,
			Secure:   c.Secure,
		})
	}

	data, err := json.MarshalIndent(stored, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.cookieFile), 0755); err != nil {
		return err
	}
	tmp := s.cookieFile + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, s.cookieFile)
}

func (s *playwrightSession) NewPage(ctx context.Context) (Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	page, err := s.context.NewPage()
	if err != nil {
		return nil, fmt.Errorf("创建页面失败: %w", err)
	}
	return &playwrightPage{page: page}, nil
}

func (s *playwrightSession) Close() error {
	var firstErr error
	if err := s.context.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := s.browser.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := s.pw.Stop(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

type playwrightPage struct {
	page playwright.Page
}

func (p *playwrightPage) Goto(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := p.page.Goto(url)
	return err
}

func (p *playwrightPage) WaitFor(ctx context.Context, selector string, timeout time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	opts := playwright.PageWaitForSelectorOptions{}
	if timeout > 0 {
		opts.Timeout = playwright.Float(float64(timeout.Milliseconds()))
	}
	_, err := p.page.WaitForSelector(selector, opts)
	return err
}

func (p *playwrightPage) Fill(ctx context.Context, selector, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return p.page.Fill(selector, value)
}

func (p *playwrightPage) Click(ctx context.Context, selector string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return p.page.Click(selector)
}

func (p *playwrightPage) Exists(ctx context.Context, selector string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	el, err := p.page.QuerySelector(selector)
	if err != nil {
		return false, err
	}
	return el != nil, nil
}

func (p *playwrightPage) IsClosed() bool {
	return p.page.IsClosed()
}

func (p *playwrightPage) Close() error {
	return p.page.Close()
}
