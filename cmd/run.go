// cmd/run.go
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/skip2/go-qrcode"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/wweb/internal/config"
	"github.com/xkilldash9x/wweb/internal/observability"
	"github.com/xkilldash9x/wweb/pkg/auth"
	"github.com/xkilldash9x/wweb/pkg/whatsapp"
)

var errLoggedOut = errors.New("device was logged out from the phone")

// sessionClient is the part of *whatsapp.Client the run loop drives.
type sessionClient interface {
	Initialize(ctx context.Context) error
	WaitReady(ctx context.Context) error
	On(t whatsapp.EventType, h whatsapp.Handler) func()
	State() whatsapp.ClientState
	Close(ctx context.Context) error
}

var _ sessionClient = (*whatsapp.Client)(nil)

func newRunCmd() *cobra.Command {
	var (
		qrPNG        string
		reconnect    bool
		maxReconnect time.Duration
	)
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Start a session, print the QR code when pairing is needed and log incoming messages",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			logger := observability.GetLogger().Named("run")

			reg := prometheus.NewRegistry()
			reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

			client, err := newClientFromConfig(cfg, logger, reg)
			if err != nil {
				return err
			}

			if m := cfg.Metrics(); m.Enabled {
				_, shutdown, err := serveMetrics(m.Address, m.Path, reg, logger)
				if err != nil {
					_ = client.Close(context.Background())
					return err
				}
				defer func() {
					sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					if err := shutdown(sctx); err != nil {
						logger.Warn("Metrics server shutdown failed.", zap.Error(err))
					}
				}()
			}

			r := &runner{
				client:    client,
				logger:    logger,
				out:       cmd.OutOrStdout(),
				qrPNG:     qrPNG,
				reconnect: reconnect,
				newBackOff: func() backoff.BackOff {
					b := backoff.NewExponentialBackOff()
					b.InitialInterval = 2 * time.Second
					b.MaxInterval = time.Minute
					b.MaxElapsedTime = maxReconnect
					return b
				},
			}
			return r.run(ctx)
		},
	}

	runCmd.Flags().StringVar(&qrPNG, "qr-png", "", "also write each QR code to this PNG file")
	runCmd.Flags().BoolVar(&reconnect, "reconnect", true, "initialize again after a disconnect")
	runCmd.Flags().DurationVar(&maxReconnect, "max-reconnect-time", 10*time.Minute, "give up reconnecting after this long (0 retries forever)")
	runCmd.Flags().Bool("headless", true, "run the browser headless (overrides config/env)")
	runCmd.Flags().Bool("metrics", false, "serve prometheus metrics (overrides config/env)")
	runCmd.Flags().String("metrics-addr", "", "metrics listen address (overrides config/env)")
	return runCmd
}

// newClientFromConfig opens the configured session store and builds a client over it.
func newClientFromConfig(cfg *config.Config, logger *zap.Logger, reg prometheus.Registerer) (*whatsapp.Client, error) {
	store, err := openStore(cfg, logger)
	if err != nil {
		return nil, err
	}
	return whatsapp.NewClient(cfg.ClientOptions(), store,
		whatsapp.WithLogger(logger),
		whatsapp.WithRegisterer(reg),
		whatsapp.WithErrorHandler(func(err error) {
			logger.Warn("Asynchronous client error.", zap.Error(err))
		}),
	)
}

func openStore(cfg *config.Config, logger *zap.Logger) (auth.Store, error) {
	kind, err := cfg.Session().StoreKind()
	if err != nil {
		return nil, err
	}
	return auth.New(kind, cfg.Session().DataPath, auth.WithLogger(logger))
}

// runner keeps one client connected until the context ends.
type runner struct {
	client     sessionClient
	logger     *zap.Logger
	out        io.Writer
	qrPNG      string
	reconnect  bool
	newBackOff func() backoff.BackOff
}

func (r *runner) run(ctx context.Context) error {
	disconnects := make(chan whatsapp.Event, 16)
	r.attach(disconnects)
	defer func() {
		cctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := r.client.Close(cctx); err != nil {
			r.logger.Warn("Error closing client.", zap.Error(err))
		}
	}()

	b := r.newBackOff()
	attempt := 0
	op := func() error {
		attempt++
		if attempt > 1 {
			r.logger.Info("Reconnecting.", zap.Int("attempt", attempt))
		}
		started := time.Now()
		if err := r.client.Initialize(ctx); err != nil {
			return r.classify(err)
		}
		if err := r.client.WaitReady(ctx); err != nil {
			return r.classify(err)
		}
		// A disconnect may already have been delivered between READY and here.
		if ev, ok := takeCurrent(disconnects, started); ok {
			return r.lost(ev)
		}
		b.Reset()
		fmt.Fprintln(r.out, "Client is ready.")

		select {
		case <-ctx.Done():
			return nil
		case ev := <-disconnects:
			return r.lost(ev)
		}
	}
	notify := func(err error, wait time.Duration) {
		r.logger.Warn("Session attempt failed; retrying.", zap.Error(err), zap.Duration("retry_in", wait))
	}

	err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify)
	if ctx.Err() != nil {
		r.logger.Info("Shutting down.")
		return nil
	}
	return err
}

// lost turns a DISCONNECTED event into the error that ends the current attempt.
func (r *runner) lost(ev whatsapp.Event) error {
	if ev.Reason == "LOGOUT" {
		return backoff.Permanent(errLoggedOut)
	}
	err := fmt.Errorf("disconnected: %s", ev.Reason)
	if !r.reconnect {
		return backoff.Permanent(err)
	}
	return err
}

// classify marks errors that another Initialize cannot fix as permanent.
func (r *runner) classify(err error) error {
	if errors.Is(err, whatsapp.ErrFailed) || r.client.State().State == whatsapp.StateFailed {
		return backoff.Permanent(err)
	}
	var authErr *whatsapp.AuthError
	if !r.reconnect || errors.As(err, &authErr) {
		return backoff.Permanent(err)
	}
	return err
}

func (r *runner) attach(disconnects chan<- whatsapp.Event) {
	r.client.On(whatsapp.EventQR, func(ev whatsapp.Event) error {
		return renderQR(r.out, ev.QR, r.qrPNG)
	})
	r.client.On(whatsapp.EventAuthenticated, func(whatsapp.Event) error {
		fmt.Fprintln(r.out, "Authenticated.")
		return nil
	})
	r.client.On(whatsapp.EventStateChanged, func(ev whatsapp.Event) error {
		r.logger.Info("Page state changed.", zap.String("page_state", ev.PageState))
		return nil
	})
	r.client.On(whatsapp.EventMessage, func(ev whatsapp.Event) error {
		m := ev.Message
		if m == nil {
			return nil
		}
		r.logger.Info("Message received.",
			zap.String("from", string(m.From)),
			zap.String("chat", string(m.ChatID)),
			zap.String("type", m.Type),
			zap.Int("length", len(m.Body)))
		fmt.Fprintf(r.out, "[%s] %s: %s\n", time.Unix(m.Timestamp, 0).Format(time.Kitchen), m.From, m.Body)
		return nil
	})
	r.client.On(whatsapp.EventDisconnected, func(ev whatsapp.Event) error {
		r.logger.Warn("Client disconnected.", zap.String("reason", ev.Reason))
		select {
		case disconnects <- ev:
		default:
		}
		return nil
	})
}

// takeCurrent discards disconnects left over from earlier attempts and returns the
// first one delivered at or after since.
func takeCurrent(ch <-chan whatsapp.Event, since time.Time) (whatsapp.Event, bool) {
	for {
		select {
		case ev := <-ch:
			if !ev.At.Before(since) {
				return ev, true
			}
		default:
			return whatsapp.Event{}, false
		}
	}
}

// renderQR prints the pairing code as terminal blocks and optionally writes a PNG.
func renderQR(out io.Writer, code, pngPath string) error {
	qr, err := qrcode.New(code, qrcode.Medium)
	if err != nil {
		return fmt.Errorf("failed to encode QR code: %w", err)
	}
	fmt.Fprintf(out, "\nScan this QR code with WhatsApp on your phone (Linked devices):\n%s\n", qr.ToSmallString(false))
	if pngPath == "" {
		return nil
	}
	png, err := qr.PNG(256)
	if err != nil {
		return fmt.Errorf("failed to render QR code PNG: %w", err)
	}
	if err := os.WriteFile(pngPath, png, 0o600); err != nil {
		return fmt.Errorf("failed to write QR code PNG: %w", err)
	}
	return nil
}

// serveMetrics exposes reg on addr until the returned shutdown function is called. It
// returns the bound address.
func serveMetrics(addr, path string, reg *prometheus.Registry, logger *zap.Logger) (string, func(context.Context) error, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", nil, fmt.Errorf("failed to listen for metrics on %s: %w", addr, err)
	}
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server stopped.", zap.Error(err))
		}
	}()
	logger.Info("Serving metrics.", zap.String("address", ln.Addr().String()), zap.String("path", path))
	return ln.Addr().String(), srv.Shutdown, nil
}
