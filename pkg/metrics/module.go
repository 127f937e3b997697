package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/expctx/expctx/pkg/scripting"
	"github.com/expctx/expctx/pkg/track"
)

// ModuleName is the registry name of the metrics module
const ModuleName = "metrics"

// Module samples system usage on an interval and optionally serves the
// Prometheus exposition endpoint. Register it after the tracking module so
// it can hook into the client and run handle.
type Module struct {
	scripting.Base

	exporter *Exporter
	server   *http.Server
	stop     chan struct{}
	done     chan struct{}
}

var _ scripting.Module = (*Module)(nil)

// New creates the metrics module
func New() *Module {
	return &Module{exporter: NewExporter()}
}

// Name returns the module registry name
func (m *Module) Name() string { return ModuleName }

// Exporter returns the underlying exporter
func (m *Module) Exporter() *Exporter { return m.exporter }

// DefineArguments registers the --metrics-* flags
func (m *Module) DefineArguments(ctx *scripting.Context) error {
	group := ctx.Arguments().Group("Metrics", "Prometheus metrics exposition.")
	group.Flags.String("metrics-addr", "", "The address to serve /metrics on. Empty disables the listener.")
	group.Flags.Duration("metrics-interval", 10*time.Second, "The system usage sampling interval.")
	return nil
}

// Start hooks into the tracking module, begins sampling, and starts the
// exposition listener when configured.
func (m *Module) Start(ctx *scripting.Context) error {
	if ctx.IsUsing(track.ModuleName) {
		trackMod := scripting.Get[*track.Module](ctx)
		trackMod.SetMetricObserver(m.exporter.ObserveMetricPoint)
		if client := trackMod.Client(); client != nil {
			client.SetRequestObserver(m.exporter.ObserveClientRequest)
		}
	}

	interval := ctx.Config().GetDuration("metrics-interval")
	if interval <= 0 {
		return fmt.Errorf("metrics interval must be positive, got %s", interval)
	}

	m.stop = make(chan struct{})
	m.done = make(chan struct{})
	go m.sample(ctx, interval)

	if addr := ctx.Config().GetString("metrics-addr"); addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", m.exporter.Handler())
		m.server = &http.Server{Addr: addr, Handler: mux}
		go func() {
			if err := m.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				ctx.Logger().Scope(ModuleName).Error("metrics listener failed", map[string]interface{}{
					"error": err.Error(),
				})
			}
		}()
		ctx.Logger().Scope(ModuleName).Info("metrics listener started", map[string]interface{}{"addr": addr})
	}
	return nil
}

func (m *Module) sample(ctx *scripting.Context, interval time.Duration) {
	defer close(m.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.exporter.SampleSystem()
			m.exporter.ObserveJob(ctx.Job())
		}
	}
}

// Stop halts sampling and shuts down the listener
func (m *Module) Stop(ctx *scripting.Context) error {
	if m.stop != nil {
		close(m.stop)
		<-m.done
	}
	m.exporter.ObserveJob(ctx.Job())

	if m.server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := m.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to stop metrics listener: %w", err)
		}
	}
	return nil
}
