// Command monitorgateway runs the thin WebSocket edge that lets monitors
// subscribe to the broker kernel's event fabric. It shares the
// same store/events wiring as brokerd but exposes none of the mutating
// operations; monitors only ever read.
package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jobbroker/core/internal/app"
)

func main() {
	a, err := app.New()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize monitor gateway: %v\n", err)
		os.Exit(1)
	}
	defer a.Close()
	a.Start()

	addr := os.Getenv("MONITOR_GATEWAY_ADDR")
	if addr == "" {
		addr = ":9091"
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/monitor", a.Gateway.ServeHTTP)

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		a.Log.Info("monitor gateway listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.Log.Error("monitor gateway failed", "error", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	a.Log.Info("shutting down")
	_ = srv.Close()
}
