// pkg/browser/options.go
package browser

import (
	"strings"

	"github.com/chromedp/chromedp"
)

// DefaultUserAgent is a desktop Chrome user agent WhatsApp Web accepts.
const DefaultUserAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 " +
	"(KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

// automationArg keeps Blink from advertising the automation flag to the page.
const automationArg = "--disable-blink-features=AutomationControlled"

// Config describes how the Chrome process backing a Session is launched.
type Config struct {
	Headless    bool
	DisableGPU  bool
	NoSandbox   bool
	ExecPath    string
	UserDataDir string
	UserAgent   string
	Proxy       string
	// BypassCSP disables the page's Content-Security-Policy so injected scripts run.
	BypassCSP bool
	// Args are extra Chrome flags, either "--flag" or "--flag=value".
	Args []string
}

// DefaultConfig returns the launch settings used when none are supplied.
func DefaultConfig() Config {
	return Config{
		Headless:  true,
		NoSandbox: true,
		UserAgent: DefaultUserAgent,
		BypassCSP: true,
	}
}

// dedupeArgs removes duplicate flags while preserving order; Chrome rejects some repeats.
func dedupeArgs(args []string) []string {
	seen := make(map[string]struct{}, len(args))
	out := make([]string, 0, len(args))
	for _, arg := range args {
		if _, ok := seen[arg]; ok {
			continue
		}
		seen[arg] = struct{}{}
		out = append(out, arg)
	}
	return out
}

// withAutomationArg appends the anti-automation flag unless the caller already set one.
func withAutomationArg(args []string) []string {
	for _, a := range args {
		if strings.Contains(a, "disable-blink-features=AutomationControlled") {
			return args
		}
	}
	return append(args, automationArg)
}

// execAllocatorOptions translates Config into chromedp allocator options.
func execAllocatorOptions(cfg Config) []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	opts = append(opts, chromedp.Flag("disable-dev-shm-usage", true))

	// DefaultExecAllocatorOptions already contains headless; override it when disabled.
	opts = append(opts, chromedp.Flag("headless", cfg.Headless))
	if cfg.NoSandbox {
		opts = append(opts, chromedp.NoSandbox)
	}
	if cfg.DisableGPU {
		opts = append(opts, chromedp.DisableGPU)
	}
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	if cfg.UserDataDir != "" {
		opts = append(opts, chromedp.UserDataDir(cfg.UserDataDir))
	}
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}
	if cfg.Proxy != "" {
		opts = append(opts, chromedp.ProxyServer(cfg.Proxy))
	}

	for _, arg := range dedupeArgs(withAutomationArg(cfg.Args)) {
		opts = append(opts, flagOption(arg))
	}
	return opts
}

// flagOption converts "--name" or "--name=value" into a chromedp flag.
func flagOption(arg string) chromedp.ExecAllocatorOption {
	arg = strings.TrimPrefix(arg, "--")
	if key, value, ok := strings.Cut(arg, "="); ok {
		return chromedp.Flag(key, value)
	}
	return chromedp.Flag(arg, true)
}
