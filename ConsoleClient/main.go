/*
 * Copyright (c) 2025, Weir Networks.
 * All rights reserved.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/weir-net/weir-tunnel-core/weir"
	"github.com/weir-net/weir-tunnel-core/weir/common"
	"github.com/weir-net/weir-tunnel-core/weir/logging"
)

const versionString = "0.1.0"

var defaultDNSServers = []string{"1.1.1.1", "8.8.8.8"}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {

	// Define command-line parameters. A .env file, when present, supplies
	// defaults through the environment.

	_ = godotenv.Load()

	var (
		configFilename = pflag.String("config", os.Getenv("WEIR_CONFIG"), "configuration input file (YAML)")
		probeAddress   = pflag.String("probe", "", "probe backend latency to this host:port at startup")
		logLevel       = pflag.String("logLevel", "", "override configured log level (debug, info, warning, error)")
		logFormat      = pflag.String("logFormat", "", "override configured log format (text, json)")
		socksListen    = pflag.String("socksListen", "", "override configured local SOCKS5 listen address")
		versionDetails = pflag.BoolP("version", "v", false, "print version information and exit")
	)

	pflag.CommandLine.SortFlags = false
	pflag.Parse()

	if *versionDetails {
		fmt.Printf(
			"Weir Console Client\n  Version: %s\n  Built With: %s\n",
			versionString, runtime.Version())
		return nil
	}

	// Handle required config file parameter

	if *configFilename == "" {
		return fmt.Errorf("configuration file is required")
	}
	config, err := weir.LoadConfigFile(*configFilename)
	if err != nil {
		return fmt.Errorf("error processing configuration file: %w", err)
	}

	if *logLevel != "" {
		config.LogLevel = *logLevel
	}
	if *logFormat != "" {
		config.LogFormat = *logFormat
	}
	if *socksListen != "" {
		config.LocalSocksAddress = *socksListen
	}
	if config.LogLevel == "" {
		config.LogLevel = "info"
	}
	if config.LogFormat == "" {
		config.LogFormat = "text"
	}

	contextLogger, err := logging.NewLogger(
		config.LogLevel, config.LogFormat, os.Stderr)
	if err != nil {
		return fmt.Errorf("error initializing logging: %w", err)
	}
	logger := logging.CommonLogger(contextLogger)

	// Assemble the resolver, backend chooser, stream pool, and router
	// shared by all front-ends.

	dnsServers := config.DNSServers
	if len(dnsServers) == 0 {
		dnsServers = defaultDNSServers
	}
	resolver, err := weir.NewResolver(&weir.ResolverConfig{
		Servers: dnsServers,
		Logger:  logger,
	})
	if err != nil {
		return fmt.Errorf("error initializing resolver: %w", err)
	}

	serverConfigs := make([]*weir.ServerConfig, len(config.Servers))
	for i := range config.Servers {
		serverConfigs[i] = &config.Servers[i]
	}

	chooser, err := weir.NewServerChooser(serverConfigs, logger)
	if err != nil {
		return fmt.Errorf("error initializing server chooser: %w", err)
	}

	pool := weir.NewStreamPool(0, logger)
	defer pool.Flush()
	chooser.SetPool(pool)

	rules, err := weir.NewRuleSet(config.Rules, config.DefaultAction)
	if err != nil {
		return fmt.Errorf("error initializing routing rules: %w", err)
	}

	dialConfig := &weir.DialConfig{RateLimits: config.RateLimits()}

	router := &weir.StreamRouter{
		DnsClient:  resolver,
		Servers:    serverConfigs,
		Chooser:    chooser,
		Rules:      rules,
		Pool:       pool,
		DialConfig: dialConfig,
	}

	// Optionally probe backend latency before serving.

	if *probeAddress != "" {
		destination, err := weir.ParseAddress(*probeAddress)
		if err != nil {
			return fmt.Errorf("invalid probe address: %w", err)
		}
		probeTimeout := 10 * time.Second
		if config.ProbeTimeoutSeconds > 0 {
			probeTimeout = time.Duration(config.ProbeTimeoutSeconds) * time.Second
		}
		probeCtx, cancelProbe := context.WithTimeout(
			context.Background(), probeTimeout)
		results := chooser.Probe(probeCtx, destination, resolver, dialConfig)
		cancelProbe()
		for _, result := range results {
			fields := common.LogFields{"server": result.Config.Name}
			if result.Err != nil {
				fields["error"] = result.Err.Error()
				logger.WithTraceFields(fields).Warning("probe failed")
				continue
			}
			fields["latency"] = result.Latency.String()
			logger.WithTraceFields(fields).Info("probe succeeded")
		}
	}

	if config.LocalSocksAddress == "" {
		if *probeAddress != "" {
			return nil
		}
		return fmt.Errorf("no local SOCKS address configured")
	}

	socksProxy, err := weir.NewLocalSocksProxy(&weir.LocalSocksProxyConfig{
		Logger:        logger,
		ListenAddress: config.LocalSocksAddress,
		Router:        router,
	})
	if err != nil {
		return fmt.Errorf("error starting local SOCKS proxy: %w", err)
	}
	defer socksProxy.Close()

	// Wait for an OS signal, logging metrics snapshots on SIGUSR2.

	systemStopSignal := make(chan os.Signal, 1)
	signal.Notify(systemStopSignal, os.Interrupt, syscall.SIGTERM)

	writeMetricsSignal := make(chan os.Signal, 1)
	signal.Notify(writeMetricsSignal, syscall.SIGUSR2)

	for exit := false; !exit; {
		select {
		case <-writeMetricsSignal:
			fields := common.LogFields{}
			fields.Add(socksProxy.GetMetrics())
			fields.Add(pool.GetMetrics())
			fields.Add(chooser.GetMetrics())
			fields.Add(resolver.GetMetrics())
			logger.LogMetric("status", fields)
		case <-systemStopSignal:
			logger.WithTrace().Info("shutdown by system")
			exit = true
		}
	}

	return nil
}
