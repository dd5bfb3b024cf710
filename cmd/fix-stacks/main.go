// Copyright 2024 The fix-stacks Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"errors"
	"os"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"

	"github.com/mozilla/fix-stacks/pkg/fixstacks"
)

func main() {
	flags := fixstacks.Flags{}
	kong.Parse(&flags,
		kong.Name("fix-stacks"),
		kong.Description("Rewrite raw stack frame addresses in test output into function names and source locations."),
	)

	logger := fixstacks.NewLogger(flags.LogLevel, flags.LogFormat)
	registry := prometheus.NewRegistry()

	err := fixstacks.Run(logger, registry, flags, os.Stdin, os.Stdout)
	// A broken pipe is routine when output is piped through `head`.
	if err != nil && !errors.Is(err, syscall.EPIPE) {
		level.Error(logger).Log("msg", "program exited with error", "err", err)
		os.Exit(1)
	}

	if flags.PrintMetrics {
		printMetrics(registry)
	}
}

func printMetrics(g prometheus.Gatherer) {
	mfs, err := g.Gather()
	if err != nil {
		return
	}
	for _, mf := range mfs {
		_, _ = expfmt.MetricFamilyToText(os.Stderr, mf)
	}
}
