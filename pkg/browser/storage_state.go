// pkg/browser/storage_state.go
package browser

import (
	"context"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/storage"
	"github.com/chromedp/chromedp"
	json "github.com/json-iterator/go"
	"go.uber.org/zap"
)

// StorageState is the credential material captured from a page: every cookie known to
// the browser plus the local storage of the current origin.
type StorageState struct {
	Origin       string            `json:"origin"`
	Cookies      []*network.Cookie `json:"cookies"`
	LocalStorage map[string]string `json:"local_storage"`
}

const jsReadLocalStorage = `(function() {
	let items = {};
	try {
		const s = window.localStorage;
		if (s) {
			for (let i = 0; i < s.length; i++) {
				const k = s.key(i);
				if (k) { items[k] = s.getItem(k); }
			}
		}
	} catch (e) { /* SecurityError or storage disabled */ }
	return { origin: location.origin, items: items };
})()`

// CaptureState exports cookies and local storage as a JSON blob.
func (s *Session) CaptureState(ctx context.Context) ([]byte, error) {
	var state StorageState
	var ls struct {
		Origin string            `json:"origin"`
		Items  map[string]string `json:"items"`
	}

	err := s.runActions(ctx,
		chromedp.ActionFunc(func(c context.Context) error {
			cookies, err := storage.GetCookies().Do(c)
			if err != nil {
				return fmt.Errorf("failed to read cookies: %w", err)
			}
			state.Cookies = cookies
			return nil
		}),
		chromedp.Evaluate(jsReadLocalStorage, &ls),
	)
	if err != nil {
		return nil, err
	}
	state.Origin = ls.Origin
	state.LocalStorage = ls.Items

	blob, err := json.Marshal(&state)
	if err != nil {
		return nil, fmt.Errorf("failed to encode storage state: %w", err)
	}
	s.logger.Debug("Captured storage state.", zap.Int("cookies", len(state.Cookies)), zap.Int("local_storage_keys", len(state.LocalStorage)))
	return blob, nil
}

// RestoreState re-applies a blob produced by CaptureState. Cookies are set immediately;
// local storage is written by an init script the next time the captured origin loads.
func (s *Session) RestoreState(ctx context.Context, blob []byte) error {
	var state StorageState
	if err := json.Unmarshal(blob, &state); err != nil {
		return fmt.Errorf("failed to decode storage state: %w", err)
	}

	params := make([]*network.CookieParam, 0, len(state.Cookies))
	for _, c := range state.Cookies {
		if c == nil {
			continue
		}
		p := &network.CookieParam{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Secure:   c.Secure,
			HTTPOnly: c.HTTPOnly,
			SameSite: c.SameSite,
		}
		// Session cookies report a negative expiry.
		if c.Expires > 0 {
			exp := cdp.TimeSinceEpoch(time.Unix(int64(c.Expires), 0))
			p.Expires = &exp
		}
		params = append(params, p)
	}

	if len(params) > 0 {
		if err := s.runActions(ctx, storage.SetCookies(params)); err != nil {
			return fmt.Errorf("failed to restore cookies: %w", err)
		}
	}

	if state.Origin != "" && len(state.LocalStorage) > 0 {
		items, err := json.Marshal(state.LocalStorage)
		if err != nil {
			return fmt.Errorf("failed to encode local storage: %w", err)
		}
		origin, _ := json.Marshal(state.Origin)
		script := fmt.Sprintf(`(function(origin, items) {
	if (location.origin !== origin) return;
	try {
		for (const [key, value] of Object.entries(items)) {
			if (localStorage.getItem(key) === null) { localStorage.setItem(key, value); }
		}
	} catch (e) {}
})(%s, %s);`, origin, items)
		if err := s.InjectScript(ctx, script); err != nil {
			return fmt.Errorf("failed to restore local storage: %w", err)
		}
	}

	s.logger.Debug("Restored storage state.", zap.Int("cookies", len(params)), zap.Int("local_storage_keys", len(state.LocalStorage)))
	return nil
}
