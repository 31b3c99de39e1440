package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/tOgg1/gardenchat/internal/api"
	"github.com/tOgg1/gardenchat/internal/config"
	"github.com/tOgg1/gardenchat/internal/dedup"
	"github.com/tOgg1/gardenchat/internal/kv"
	"github.com/tOgg1/gardenchat/internal/logging"
	"github.com/tOgg1/gardenchat/internal/messaging"
	"github.com/tOgg1/gardenchat/internal/metrics"
	"github.com/tOgg1/gardenchat/internal/notify"
	"github.com/tOgg1/gardenchat/internal/transport"
	"github.com/tOgg1/gardenchat/internal/unread"
)

// session is a started messaging runtime plus the process-level services
// around it.
type session struct {
	cfg     *config.Config
	runtime *messaging.Runtime
	metrics *metrics.Metrics
	server  *http.Server
}

// sessionOptions adjusts how a session is built.
type sessionOptions struct {
	// notifyOut receives terminal notifications.
	notifyOut io.Writer
	// dialer replaces the network dialer.
	dialer transport.Dialer
	// serveMetrics starts the metrics endpoint for long-running commands.
	serveMetrics bool
}

func newAPIClient(cfg *config.Config) (*api.Client, error) {
	return api.NewClient(api.Config{
		BaseURL: cfg.Server.APIBaseURL,
		Token:   cfg.Identity.Token,
		Timeout: cfg.Server.APITimeout,
	})
}

func openCounters(ctx context.Context, cfg *config.Config) (*unread.Store, error) {
	backend, err := messaging.OpenCounterStore(ctx, messaging.CounterStoreConfig{
		Backend:      kv.Backend(cfg.Unread.Backend),
		Path:         cfg.Unread.Path,
		DataDir:      cfg.Global.DataDir,
		SaveDebounce: cfg.Unread.SaveDebounce,
	})
	if err != nil {
		return nil, fmt.Errorf("open unread store: %w", err)
	}
	counters, err := unread.New(ctx, backend, unread.WithLogger(logging.Component("unread")))
	if err != nil {
		_ = backend.Close()
		return nil, err
	}
	return counters, nil
}

func notificationSink(cfg *config.Config, out io.Writer) notify.Sink {
	if !cfg.Notifications.Enabled {
		return nil
	}
	logSink := notify.LogSink{Logger: logging.Component("notify")}
	if cfg.Notifications.Sink == config.SinkTerminal {
		return notify.Multi(logSink, notify.NewTerminalSink(out))
	}
	return logSink
}

// openSession builds and starts a runtime from cfg. It does not connect.
func openSession(ctx context.Context, cfg *config.Config, opts sessionOptions) (*session, error) {
	if err := cfg.RequireIdentity(); err != nil {
		return nil, err
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}

	m := metrics.New()
	transportOpts := []transport.Option{
		transport.WithLogger(logging.Component("transport")),
		transport.WithMetrics(m),
	}
	if opts.dialer != nil {
		transportOpts = append(transportOpts, transport.WithDialer(opts.dialer))
	}
	tr := transport.New(transport.Config{
		Addr:           cfg.Server.PushAddr,
		DialTimeout:    cfg.Transport.DialTimeout,
		ReconnectDelay: cfg.Transport.ReconnectDelay,
		MaxAttempts:    cfg.Transport.MaxAttempts,
		SendTimeout:    cfg.Transport.SendTimeout,
		SendRate:       cfg.Transport.SendRate,
		SendBurst:      cfg.Transport.SendBurst,
	}, transportOpts...)

	var collaborator api.Collaborator
	client, err := newAPIClient(cfg)
	switch {
	case err == nil:
		collaborator = client
	case errors.Is(err, api.ErrNotConfigured):
		logging.Warn().Msg("server.api_base_url not set; history and send are unavailable")
	default:
		_ = tr.Close()
		return nil, err
	}

	counters, err := openCounters(ctx, cfg)
	if err != nil {
		_ = tr.Close()
		return nil, err
	}

	rt, err := messaging.New(messaging.Config{
		Identity:              cfg.LocalIdentity(),
		ResyncOnReconnect:     cfg.Transport.ResyncOnReconnect,
		NotificationBodyChars: cfg.Notifications.MaxBodyChars,
	}, messaging.Deps{
		Transport: tr,
		API:       collaborator,
		Counters:  counters,
		Sink:      notificationSink(cfg, opts.notifyOut),
		Ledger:    dedup.NewLedger(cfg.Dedup.Capacity),
		Metrics:   m,
	})
	if err != nil {
		_ = tr.Close()
		_ = counters.Close()
		return nil, err
	}
	if err := rt.Start(ctx); err != nil {
		_ = rt.Close()
		return nil, err
	}

	s := &session{cfg: cfg, runtime: rt, metrics: m}
	if !opts.serveMetrics {
		return s, nil
	}
	if err := s.listenMetrics(cfg.Metrics.Addr); err != nil {
		_ = rt.Close()
		return nil, err
	}
	return s, nil
}

// listenMetrics exposes /metrics on addr when set.
func (s *session) listenMetrics(addr string) error {
	if addr == "" {
		return nil
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("metrics listener: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", s.metrics.Handler())
	s.server = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Warn().Err(err).Msg("metrics server stopped")
		}
	}()
	logging.Info().Str("addr", ln.Addr().String()).Msg("serving metrics")
	return nil
}

func (s *session) Close() error {
	var errs []error
	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := s.server.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.runtime.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
