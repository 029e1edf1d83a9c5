// Copyright 2021 Intel Corporation. All Rights Reserved.
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

//go:build linux
// +build linux

package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io/ioutil"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gopkg.in/yaml.v3"

	"github.com/vmreclaim/pageoutd/internal/hostlinux"
	"github.com/vmreclaim/pageoutd/pkg/metrics"
	"github.com/vmreclaim/pageoutd/pkg/pageout"
)

// Config is the on-disk daemon configuration, loaded the same way
// memtierd loads its Policy/Routines config: a YAML file round-tripped
// into Go structs, with the tunables block decoded directly into
// pageout.Tunables and handed to pageout.New.
type Config struct {
	TotalPages int64
	Tunables   pageout.Tunables
	Metrics    MetricsConfig
}

type MetricsConfig struct {
	Listen string // e.g. ":9100"; empty disables metrics
}

func exit(format string, a ...interface{}) {
	fmt.Fprintf(os.Stderr, fmt.Sprintf("pageoutd: "+format+"\n", a...))
	os.Exit(1)
}

func loadConfigFile(filename string) Config {
	configBytes, err := ioutil.ReadFile(filename)
	if err != nil {
		exit("%s", err)
	}
	cfg := Config{
		TotalPages: 262144, // 1 GiB worth of 4 KiB pages, matching spec scenario S1
		Tunables:   pageout.DefaultTunables(),
	}
	if err := yaml.Unmarshal(configBytes, &cfg); err != nil {
		exit("error in %q: %s", filename, err)
	}
	return cfg
}

func main() {
	pageout.SetLogger(log.New(os.Stderr, "", 0))
	optPrompt := flag.Bool("prompt", false, "launch interactive prompt")
	optConfig := flag.String("config", "", "launch with config file")
	optConfigDumpJSON := flag.Bool("config-dump-json", false, "dump effective tunables in JSON and exit")
	optDebug := flag.Bool("debug", false, "print debug output")
	flag.Parse()
	pageout.SetLogDebug(*optDebug)

	var cfg Config
	if *optConfig != "" {
		cfg = loadConfigFile(*optConfig)
	} else {
		cfg = Config{TotalPages: 262144, Tunables: pageout.DefaultTunables()}
	}

	if *optConfigDumpJSON {
		fmt.Printf("%s\n", cfg.Tunables.GetConfigJson())
		os.Exit(0)
	}

	host, err := hostlinux.New(cfg.TotalPages)
	if err != nil {
		exit("failed to set up arena: %s", err)
	}
	defer host.Close()

	ctx, err := pageout.New(host, cfg.Tunables)
	if err != nil {
		exit("failed to initialize pageout: %s", err)
	}

	if cfg.Metrics.Listen != "" {
		if err := pageout.RegisterMetrics("pageout", ctx); err != nil {
			exit("failed to register metrics: %s", err)
		}
		gatherer, err := metrics.NewMetricGatherer()
		if err != nil {
			exit("failed to build metrics gatherer: %s", err)
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
		go func() {
			if err := http.ListenAndServe(cfg.Metrics.Listen, mux); err != nil {
				pageout.GetLogger().Errorf("metrics server stopped: %s", err)
			}
		}()
	}

	runCtx, cancel := context.WithCancel(context.Background())
	if err := ctx.Start(runCtx); err != nil {
		exit("failed to start pageout: %s", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	if *optPrompt {
		prompt := NewPrompt("pageoutd> ", bufio.NewReader(os.Stdin), bufio.NewWriter(os.Stdout), ctx)
		if stdinFileInfo, _ := os.Stdin.Stat(); (stdinFileInfo.Mode() & os.ModeCharDevice) == 0 {
			prompt.SetEcho(true)
		}
		prompt.Interact()
		cancel()
	} else {
		<-runCtx.Done()
	}

	if err := ctx.Stop(); err != nil {
		exit("pageout shutdown error: %s", err)
	}
}
