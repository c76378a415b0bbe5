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

package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

type ctxKey string

const configContextKey ctxKey = "marmot.config"

const DefaultShutdownTimeout = "30s"

func WithContext(ctx context.Context, cfg *Config) context.Context {
	return context.WithValue(ctx, configContextKey, cfg)
}

func FromContext(ctx context.Context) *Config {
	cfg, ok := ctx.Value(configContextKey).(*Config)
	if !ok {
		return nil
	}
	return cfg
}

// ProposalConfig declares a voting proposal registered at startup
type ProposalConfig struct {
	Id              string    `yaml:"id"`
	Gauges          []string  `yaml:"gauges"`
	VotingWindowEnd time.Time `yaml:"votingWindowEnd"`
}

type Config struct {
	DatabasePath      string           `yaml:"databasePath"      split_words:"true"`
	BindAddr          string           `yaml:"bindAddr"          split_words:"true"`
	ShutdownTimeout   string           `yaml:"shutdownTimeout"   split_words:"true"`
	SchedulerInterval string           `yaml:"schedulerInterval" split_words:"true"`
	WarmupDuration    string           `yaml:"warmupDuration"    split_words:"true"`
	MaxTime           string           `yaml:"maxTime"           split_words:"true"`
	CooldownDuration  string           `yaml:"cooldownDuration"  split_words:"true"`
	Proposals         []ProposalConfig `yaml:"proposals"         ignored:"true"`
	FundAmount        uint64           `yaml:"fundAmount"        split_words:"true"`
	TransferFee       uint64           `yaml:"transferFee"       split_words:"true"`
	MetricsPort       uint             `yaml:"metricsPort"       split_words:"true"`
	Tracing           bool             `yaml:"tracing"`
	TracingStdout     bool             `yaml:"tracingStdout"     split_words:"true"`
}

var globalConfig = &Config{
	DatabasePath:    ".marmot",
	BindAddr:        "0.0.0.0",
	MetricsPort:     12798,
	ShutdownTimeout: DefaultShutdownTimeout,
}

func LoadConfig(configFile string) (*Config, error) {
	// Load config file as YAML if provided
	if configFile == "" {
		// Check for config file in this path: ~/.marmot/marmot.yaml
		if homeDir, err := os.UserHomeDir(); err == nil {
			userPath := filepath.Join(homeDir, ".marmot", "marmot.yaml")
			if _, err := os.Stat(userPath); err == nil {
				configFile = userPath
			}
		}

		// Try to check for /etc/marmot/marmot.yaml if still not found
		if configFile == "" {
			systemPath := "/etc/marmot/marmot.yaml"
			if _, err := os.Stat(systemPath); err == nil {
				configFile = systemPath
			}
		}
	}

	if configFile != "" {
		buf, err := os.ReadFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		err = yaml.Unmarshal(buf, globalConfig)
		if err != nil {
			return nil, fmt.Errorf("error parsing config file: %w", err)
		}
	}
	// Process environment variables
	err := envconfig.Process("marmot", globalConfig)
	if err != nil {
		return nil, fmt.Errorf("error processing environment: %+w", err)
	}
	return globalConfig, nil
}

func GetConfig() *Config {
	return globalConfig
}
