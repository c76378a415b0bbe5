// Copyright 2025 Lagoon Labs Software
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package node

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	_ "net/http/pprof" // #nosec G108
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lagoonlabs-io/marmot"
	"github.com/lagoonlabs-io/marmot/curve"
	"github.com/lagoonlabs-io/marmot/gauges"
	"github.com/lagoonlabs-io/marmot/internal/config"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func parseDuration(name, value string, def time.Duration) (time.Duration, error) {
	if value == "" {
		return def, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	return d, nil
}

func Run(cfg *config.Config, logger *slog.Logger) error {
	logger.Debug(fmt.Sprintf("config: %+v", cfg), "component", "node")

	shutdownTimeout, err := parseDuration(
		"shutdown timeout",
		cfg.ShutdownTimeout,
		30*time.Second,
	)
	if err != nil {
		return err
	}
	schedulerInterval, err := parseDuration(
		"scheduler interval",
		cfg.SchedulerInterval,
		0,
	)
	if err != nil {
		return err
	}
	warmupDuration, err := parseDuration(
		"warmup duration",
		cfg.WarmupDuration,
		curve.DefaultWarmupDuration,
	)
	if err != nil {
		return err
	}
	maxTime, err := parseDuration(
		"max time",
		cfg.MaxTime,
		curve.DefaultMaxTime,
	)
	if err != nil {
		return err
	}
	cooldownDuration, err := parseDuration(
		"cooldown duration",
		cfg.CooldownDuration,
		0,
	)
	if err != nil {
		return err
	}

	proposals := make([]gauges.Proposal, 0, len(cfg.Proposals))
	for _, proposalCfg := range cfg.Proposals {
		proposals = append(proposals, gauges.Proposal{
			Id:              proposalCfg.Id,
			GaugeIds:        proposalCfg.Gauges,
			VotingWindowEnd: proposalCfg.VotingWindowEnd,
		})
	}

	m, err := marmot.New(
		marmot.NewConfig(
			marmot.WithLogger(logger),
			marmot.WithDatabasePath(cfg.DatabasePath),
			marmot.WithCurveParams(curve.Params{
				WarmupDuration: warmupDuration,
				MaxTime:        maxTime,
			}),
			marmot.WithCooldownDuration(cooldownDuration),
			marmot.WithProposals(proposals...),
			marmot.WithFundAmount(cfg.FundAmount),
			marmot.WithTransferFee(cfg.TransferFee),
			marmot.WithSchedulerInterval(schedulerInterval),
			marmot.WithShutdownTimeout(shutdownTimeout),
			marmot.WithTracing(cfg.Tracing),
			marmot.WithTracingStdout(cfg.TracingStdout),
			// Enable metrics with default prometheus registry
			marmot.WithPrometheusRegistry(prometheus.DefaultRegisterer),
		),
	)
	if err != nil {
		return err
	}
	// Metrics and debug listener
	http.Handle("/metrics", promhttp.Handler())
	logger.Info(
		"serving prometheus metrics on "+fmt.Sprintf(
			"%s:%d",
			cfg.BindAddr,
			cfg.MetricsPort,
		),
		"component",
		"node",
	)
	metricsServer := &http.Server{
		Addr: fmt.Sprintf(
			"%s:%d",
			cfg.BindAddr,
			cfg.MetricsPort,
		),
		ReadHeaderTimeout: 60 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil &&
			err != http.ErrServerClosed {
			logger.Error(
				fmt.Sprintf("failed to start metrics listener: %s", err),
				"component", "node",
			)
			os.Exit(1)
		}
	}()
	// Wait for interrupt/termination signal
	signalCtx, signalCtxStop := signal.NotifyContext(
		context.Background(),
		syscall.SIGINT,
		syscall.SIGTERM,
	)
	defer signalCtxStop()

	// Run node in goroutine
	errChan := make(chan error, 1)
	go func() {
		err := m.Run()
		select {
		case errChan <- err:
		case <-signalCtx.Done():
		}
	}()

	shutdownMetrics := func() {
		shutdownCtx, cancel := context.WithTimeout(
			context.Background(),
			shutdownTimeout,
		)
		defer cancel()
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("metrics server shutdown error", "error", err)
		}
	}

	// Wait for signal or error
	select {
	case <-signalCtx.Done():
		logger.Info("signal received, initiating graceful shutdown")
		shutdownMetrics()
		if err := m.Stop(); err != nil {
			logger.Error("shutdown errors occurred", "error", err)
			return err
		}
		logger.Info("shutdown complete")
		return nil

	case err := <-errChan:
		shutdownMetrics()
		if stopErr := m.Stop(); stopErr != nil {
			logger.Error("shutdown errors occurred", "error", stopErr)
		}
		return err
	}
}
