// Command brokerd runs the job broker kernel: the state store, job broker,
// worker registry, progress/completion engine, and recovery supervisor,
// plus a Prometheus metrics endpoint. It does not expose the
// message-dispatch edge itself; the Dispatcher it wires is intended to be
// driven by whatever transport a deployment puts in front of it.
package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jobbroker/core/internal/app"
)

func main() {
	a, err := app.New()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize broker: %v\n", err)
		os.Exit(1)
	}
	defer a.Close()

	a.Start()
	a.Log.Info("broker kernel started",
		"store_prefix", a.Cfg.StorePrefix,
		"claim_scan_depth", a.Cfg.ClaimScanDepth,
		"recovery_tick_ms", a.Cfg.RecoveryTickMs,
	)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := a.Store.Ping(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("store unreachable"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{Addr: a.Cfg.MetricsAddr, Handler: mux}
	go func() {
		a.Log.Info("metrics server listening", "addr", a.Cfg.MetricsAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.Log.Error("metrics server failed", "error", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	a.Log.Info("shutting down")
	_ = srv.Close()
}
