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

package marmot

import (
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/lagoonlabs-io/marmot/curve"
	"github.com/lagoonlabs-io/marmot/gateway"
	"github.com/lagoonlabs-io/marmot/gauges"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	defaultSchedulerInterval = time.Minute
	defaultTallyCacheTTL     = 5 * time.Second
	defaultShutdownTimeout   = 30 * time.Second
)

type Config struct {
	promRegistry prometheus.Registerer
	logger       *slog.Logger
	gateway      gateway.LedgerGateway
	dataDir      string
	proposals    []gauges.Proposal
	curveParams  curve.Params
	// Background maintenance cadence. Interval multiples:
	// status refresh x1, tally recompute x1, reconcile x10
	schedulerInterval time.Duration
	cooldownDuration  time.Duration
	tallyCacheTTL     time.Duration
	shutdownTimeout   time.Duration
	fundAmount        uint64
	transferFee       uint64
	tracing           bool
	tracingStdout     bool
}

func (n *Node) configValidate() error {
	if n.config.schedulerInterval < 0 {
		return errors.New("scheduler interval must not be negative")
	}
	for _, proposal := range n.config.proposals {
		if proposal.Id == "" {
			return errors.New("proposal id must not be empty")
		}
		if len(proposal.GaugeIds) == 0 {
			return errors.New("proposal must name at least one gauge")
		}
	}
	return nil
}

// ConfigOptionFunc is a type that represents functions that modify the node config
type ConfigOptionFunc func(*Config)

// NewConfig creates a new marmot config with the specified options
func NewConfig(opts ...ConfigOptionFunc) Config {
	c := Config{
		// Default logger will throw away logs
		// We do this so we don't have to add guards around every log operation
		logger: slog.New(slog.NewJSONHandler(io.Discard, nil)),
	}
	// Apply options
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

// WithLogger specifies the logger to use. This defaults to discarding log output
func WithLogger(logger *slog.Logger) ConfigOptionFunc {
	return func(c *Config) {
		c.logger = logger
	}
}

// WithDatabasePath specifies the persistent data directory to use. The default is to store everything in memory
func WithDatabasePath(dataDir string) ConfigOptionFunc {
	return func(c *Config) {
		c.dataDir = dataDir
	}
}

// WithPrometheusRegistry specifies a prometheus.Registerer instance to add metrics to. In most cases, prometheus.DefaultRegistry would be
// a good choice to get metrics working
func WithPrometheusRegistry(registry prometheus.Registerer) ConfigOptionFunc {
	return func(c *Config) {
		c.promRegistry = registry
	}
}

// WithLedgerGateway specifies the external ledger gateway to use. The
// default is a simulated in-memory gateway
func WithLedgerGateway(gw gateway.LedgerGateway) ConfigOptionFunc {
	return func(c *Config) {
		c.gateway = gw
	}
}

// WithCurveParams specifies the voting power curve shape. The default uses
// a 72 hour warmup and a 730 day ramp to the multiplier cap
func WithCurveParams(params curve.Params) ConfigOptionFunc {
	return func(c *Config) {
		c.curveParams = params
	}
}

// WithCooldownDuration specifies the exit queue cooldown. The default is 7 days
func WithCooldownDuration(d time.Duration) ConfigOptionFunc {
	return func(c *Config) {
		c.cooldownDuration = d
	}
}

// WithProposals specifies the proposals to register at startup. The last
// one becomes the active proposal
func WithProposals(proposals ...gauges.Proposal) ConfigOptionFunc {
	return func(c *Config) {
		c.proposals = append(c.proposals, proposals...)
	}
}

// WithFundAmount specifies the pot distributed to a proposal's winning gauge
func WithFundAmount(amount uint64) ConfigOptionFunc {
	return func(c *Config) {
		c.fundAmount = amount
	}
}

// WithTransferFee specifies the settlement fee charged by the simulated
// gateway. Ignored when a gateway is provided explicitly
func WithTransferFee(fee uint64) ConfigOptionFunc {
	return func(c *Config) {
		c.transferFee = fee
	}
}

// WithSchedulerInterval specifies the base interval for background
// maintenance (status refresh, tally recompute, ledger reconcile).
// The default is one minute
func WithSchedulerInterval(interval time.Duration) ConfigOptionFunc {
	return func(c *Config) {
		c.schedulerInterval = interval
	}
}

// WithTallyCacheTTL specifies how long live tally reads are served from
// cache. The default is 5 seconds
func WithTallyCacheTTL(ttl time.Duration) ConfigOptionFunc {
	return func(c *Config) {
		c.tallyCacheTTL = ttl
	}
}

// WithTracing enables tracing
func WithTracing(tracing bool) ConfigOptionFunc {
	return func(c *Config) {
		c.tracing = tracing
	}
}

// WithTracingStdout enables tracing output to stdout. This also requires tracing to be enabled separately. This is mostly useful for debugging
func WithTracingStdout(stdout bool) ConfigOptionFunc {
	return func(c *Config) {
		c.tracingStdout = stdout
	}
}

// WithShutdownTimeout specifies the timeout for graceful shutdown. The default is 30 seconds
func WithShutdownTimeout(timeout time.Duration) ConfigOptionFunc {
	return func(c *Config) {
		c.shutdownTimeout = timeout
	}
}
