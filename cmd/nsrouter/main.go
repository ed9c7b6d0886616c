// Copyright 2023-2025 Buf Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command nsrouter resolves names through a routing table loaded from a
// YAML file.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bufbuild/nsrouter"
	"github.com/bufbuild/nsrouter/config"
	"github.com/bufbuild/nsrouter/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCommand(os.Stdout, os.Stderr).ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type rootFlags struct {
	configPath  string
	logLevel    string
	metricsAddr string
}

func newRootCommand(stdout, stderr io.Writer) *cobra.Command {
	flags := &rootFlags{}
	cmd := &cobra.Command{
		Use:   "nsrouter",
		Short: "Resolve names through a pluggable routing table",
		Long: `nsrouter resolves names with the resolver that the most specific rule of
a routing table selects. The table is read from a YAML file given by --config.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	cmd.PersistentFlags().StringVar(&flags.configPath, "config", "", "Path to the routing table YAML file (required)")
	cmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "info", "Log level: debug, info, warn or error")
	cmd.PersistentFlags().StringVar(&flags.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address, e.g. :9090")
	if err := cmd.MarkPersistentFlagRequired("config"); err != nil {
		panic(fmt.Sprintf("failed to mark config as required: %v", err))
	}

	cmd.AddCommand(newResolveCommand(flags))
	cmd.AddCommand(newWatchCommand(flags))
	return cmd
}

// environment is what every command needs: a logger, a registry for the
// routing table's resolvers and a router configured from the file.
type environment struct {
	logger   *slog.Logger
	registry *config.Registry
	router   *nsrouter.Router
	// loaded is the content of the configuration file as installed.
	loaded   []byte
	metrics  *prometheus.Registry
}

func (f *rootFlags) setup(cmd *cobra.Command) (*environment, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(f.logLevel)); err != nil {
		return nil, fmt.Errorf("invalid --log-level: %w", err)
	}
	logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))

	data, err := os.ReadFile(f.configPath)
	if err != nil {
		return nil, fmt.Errorf("reading routing config: %w", err)
	}
	registry := config.NewRegistry()
	table, err := registry.Parse(data)
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	router, err := nsrouter.New(table,
		nsrouter.WithRootContext(cmd.Context()),
		nsrouter.WithLogger(logger),
		nsrouter.WithStatsHandler(metrics.NewHandler(reg)),
	)
	if err != nil {
		return nil, err
	}
	return &environment{
		logger:   logger,
		registry: registry,
		router:   router,
		loaded:   data,
		metrics:  reg,
	}, nil
}

// serveMetrics serves the metrics endpoint until ctx is done. It does
// nothing when no address was given.
func (f *rootFlags) serveMetrics(ctx context.Context, env *environment) error {
	if f.metricsAddr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(env.metrics, promhttp.HandlerOpts{}))
	server := &http.Server{
		Addr:              f.metricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()
	env.logger.Info("serving metrics", slog.String("addr", f.metricsAddr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serving metrics: %w", err)
	}
	return nil
}

func parseNames(args []string) ([]nsrouter.Name, error) {
	names := make([]nsrouter.Name, len(args))
	for i, arg := range args {
		name, err := nsrouter.ParseName(arg)
		if err != nil {
			return nil, err
		}
		names[i] = name
	}
	return names, nil
}

func printUpdate(out io.Writer, update nsrouter.Update, names []nsrouter.Name) {
	fmt.Fprintf(out, "table version %d\n", update.TableVersion)
	for _, name := range names {
		status := update.Names[name]
		fmt.Fprintf(out, "%s\t%s", name, status.State)
		if status.Route != "" {
			fmt.Fprintf(out, "\troute=%s", status.Route)
		}
		if status.Stale {
			fmt.Fprint(out, "\tstale")
		}
		if status.Err != nil {
			fmt.Fprintf(out, "\terror=%q", status.Err.Error())
		}
		fmt.Fprintln(out)
		for _, addr := range status.Addresses {
			fmt.Fprintf(out, "\t%s\n", addr.HostPort)
		}
	}
}
