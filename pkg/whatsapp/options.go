// pkg/whatsapp/options.go
package whatsapp

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/xkilldash9x/wweb/pkg/browser"
)

// WhatsWebURL is the page the client drives.
const WhatsWebURL = "https://web.whatsapp.com/"

// appShellSelector matches the landing page, the QR canvas or the chat list.
const appShellSelector = "#app .landing-wrapper, #app canvas, #side"

// Options configures a Client.
type Options struct {
	SessionName string
	URL         string
	// ReadyTimeout bounds the wait between lifecycle transitions before READY. Every
	// new QR code restarts it, so pairing is limited by QRMaxRetries instead.
	ReadyTimeout time.Duration
	// SelectorTimeout bounds the wait for the app shell after navigation.
	SelectorTimeout time.Duration
	// QRMaxRetries limits the number of QR codes emitted; 0 means unlimited.
	QRMaxRetries int
	// PreReadyBuffer caps the message events held before READY.
	PreReadyBuffer int
	// SendRate is the sustained outbound message rate per second; 0 means unlimited.
	SendRate  float64
	SendBurst int
	Browser   browser.Config
}

// DefaultOptions returns the settings used for unset fields.
func DefaultOptions() Options {
	return Options{
		SessionName:     "default",
		URL:             WhatsWebURL,
		ReadyTimeout:    60 * time.Second,
		SelectorTimeout: 60 * time.Second,
		PreReadyBuffer:  256,
		SendBurst:       1,
		Browser:         browser.DefaultConfig(),
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.SessionName == "" {
		o.SessionName = d.SessionName
	}
	if o.URL == "" {
		o.URL = d.URL
	}
	if o.ReadyTimeout <= 0 {
		o.ReadyTimeout = d.ReadyTimeout
	}
	if o.SelectorTimeout <= 0 {
		o.SelectorTimeout = d.SelectorTimeout
	}
	if o.PreReadyBuffer <= 0 {
		o.PreReadyBuffer = d.PreReadyBuffer
	}
	if o.SendBurst <= 0 {
		o.SendBurst = d.SendBurst
	}
	return o
}

func (o Options) validate() error {
	if o.QRMaxRetries < 0 {
		return fmt.Errorf("qr max retries must be >= 0, got %d", o.QRMaxRetries)
	}
	if o.SendRate < 0 {
		return fmt.Errorf("send rate must be >= 0, got %f", o.SendRate)
	}
	return nil
}

// EngineFactory creates the browser engine for a session profile directory.
type EngineFactory func(profileDir string) (browser.Engine, error)

// ClientOption configures the collaborators of a Client.
type ClientOption func(*Client)

// WithLogger sets the client logger.
func WithLogger(logger *zap.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithEngineFactory replaces the chromedp engine.
func WithEngineFactory(f EngineFactory) ClientOption {
	return func(c *Client) {
		if f != nil {
			c.newEngine = f
		}
	}
}

// WithRegisterer registers the client metrics with reg.
func WithRegisterer(reg prometheus.Registerer) ClientOption {
	return func(c *Client) {
		c.registerer = reg
	}
}

// SendOption adjusts an outbound message.
type SendOption func(*sendOptions)

type sendOptions struct {
	QuotedMessageID string        `json:"quotedMessageId,omitempty"`
	LinkPreview     *bool         `json:"linkPreview,omitempty"`
	Media           *MessageMedia `json:"media,omitempty"`
}

// WithQuotedMessage sends the message as a reply to messageID.
func WithQuotedMessage(messageID string) SendOption {
	return func(o *sendOptions) {
		o.QuotedMessageID = messageID
	}
}

// WithLinkPreview toggles the link preview for URLs in the body.
func WithLinkPreview(enabled bool) SendOption {
	return func(o *sendOptions) {
		o.LinkPreview = &enabled
	}
}

// WithMedia attaches media to the message. The message body becomes its caption.
func WithMedia(media *MessageMedia) SendOption {
	return func(o *sendOptions) {
		o.Media = media
	}
}
