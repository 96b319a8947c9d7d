// pkg/browser/stealth.go
package browser

import (
	"context"
	_ "embed"
	"fmt"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
)

//go:embed scripts/stealth.js
var stealthScript string

// stealthTasks builds the CDP actions that make the automated tab look like a regular
// desktop browser to WhatsApp Web.
func stealthTasks(cfg Config, logger *zap.Logger) chromedp.Tasks {
	logger.Debug("Applying stealth settings.", zap.String("userAgent", cfg.UserAgent), zap.Bool("bypassCSP", cfg.BypassCSP))

	tasks := chromedp.Tasks{
		chromedp.ActionFunc(func(ctx context.Context) error {
			if _, err := page.AddScriptToEvaluateOnNewDocument(stealthScript).Do(ctx); err != nil {
				return fmt.Errorf("failed to inject stealth script: %w", err)
			}
			return nil
		}),
	}
	if cfg.UserAgent != "" {
		tasks = append(tasks, emulation.SetUserAgentOverride(cfg.UserAgent))
	}
	if cfg.BypassCSP {
		tasks = append(tasks, page.SetBypassCSP(true))
	}
	return tasks
}
