// fake_runtime stands in for llama-server in supervisor tests.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"
)

func main() {
	var host, port, mode string
	flag.StringVar(&host, "host", "127.0.0.1", "host")
	flag.StringVar(&port, "port", "", "port")
	flag.StringVar(&mode, "mode", "ok", "ok|exit|hang|stubborn")
	flag.Parse()

	addr := os.Getenv("LOCALMIND_RUNTIME_ADDR")
	if port != "" {
		addr = host + ":" + port
	}
	fmt.Printf("fake runtime mode=%s addr=%s\n", mode, addr)

	if mode == "exit" {
		fmt.Fprintln(os.Stderr, "fatal: model file missing")
		os.Exit(3)
	}
	// Simulates another process grabbing the port between probe and bind.
	if busy := os.Getenv("FAKE_BUSY_PORT"); busy != "" && busy == port {
		fmt.Fprintf(os.Stderr, "listen tcp %s: bind: address already in use\n", addr)
		os.Exit(1)
	}

	var healthy atomic.Bool
	healthy.Store(mode != "hang")
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if !healthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"status":"loading model"}`))
			return
		}
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	mux.HandleFunc("/toggle", func(w http.ResponseWriter, r *http.Request) {
		healthy.Store(!healthy.Load())
	})

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Fprintf(os.Stderr, "server error: %v\n", err)
			os.Exit(1)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	for range sigCh {
		if mode == "stubborn" {
			fmt.Fprintln(os.Stderr, "ignoring signal")
			continue
		}
		break
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
}
