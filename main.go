package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/victorjacobs/go-duco2mqtt/bridge"
	"github.com/victorjacobs/go-duco2mqtt/config"
	"github.com/victorjacobs/go-duco2mqtt/logging"
	"github.com/victorjacobs/go-duco2mqtt/mqtt"
	"github.com/victorjacobs/go-duco2mqtt/routes"
)

var version = "dev"

const shutdownTimeout = 5 * time.Second

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	cfg, err := config.Load(args)
	if errors.Is(err, flag.ErrHelp) {
		config.Usage(os.Stdout)
		return 0
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		return 1
	}

	logger := logging.New(cfg.Log, os.Stderr, version)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	client := mqtt.New(cfg.Mqtt.ClientOptions(), cfg.Mqtt.BaseTopic, logger.With("component", "mqtt"))

	b, err := bridge.New(cfg, client, reg, logger.With("component", "bridge"), version)
	if err != nil {
		logger.Error("setting up bridge", "error", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("starting", "broker", fmt.Sprintf("%v:%v", cfg.Mqtt.Address, cfg.Mqtt.Port), "base_topic", cfg.Mqtt.BaseTopic)
	client.Connect()

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		loopSafely(ctx, logger, func() {
			b.Run(ctx, client.Events())
		})
	}()

	if cfg.Http.Listen != "" {
		server := &http.Server{
			Addr:              cfg.Http.Listen,
			Handler:           routes.Router(b, reg, logger.With("component", "http")),
			ReadHeaderTimeout: 10 * time.Second,
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			loopSafely(ctx, logger, func() {
				logger.Info("status server listening", "address", server.Addr)
				if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("status server failed", "error", err)
				}
			})
		}()

		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			server.Shutdown(shutdownCtx)
		}()
	}

	<-ctx.Done()
	logger.Info("shutting down")

	wg.Wait()
	client.Close()

	return 0
}
