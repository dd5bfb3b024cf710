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

// Package fixstacks wires flags, config and logging around the frame fixing
// pipeline: read lines, rewrite the ones that are stack frames, write them
// back out.
package fixstacks

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"gopkg.in/yaml.v3"

	"github.com/mozilla/fix-stacks/pkg/fixer"
	"github.com/mozilla/fix-stacks/pkg/frame"
)

// Flags is the command line interface.
type Flags struct {
	JSON     bool   `short:"j" help:"Treat input lines as fragments of JSON strings."`
	Breakpad string `short:"b" placeholder:"DIR" help:"Use breakpad symbols from this directory instead of native debug info."`
	Local    string `short:"l" placeholder:"DIR" help:"Look for binaries in this directory when the recorded path does not exist."`

	Config string `placeholder:"FILE" help:"Path to a YAML config file."`

	LogLevel     string `default:"info" enum:"error,warn,info,debug" help:"Log filtering level."`
	LogFormat    string `default:"logfmt" enum:"logfmt,json" help:"Log format."`
	PrintMetrics bool   `help:"Print processing metrics to stderr on exit."`
}

// Config is the YAML configuration. Flags given on the command line win
// over values from the file.
type Config struct {
	JSON        bool   `yaml:"json"`
	BreakpadDir string `yaml:"breakpad_dir"`
	LocalDir    string `yaml:"local_dir"`
}

// LoadConfig reads and parses a YAML config file.
func LoadConfig(path string) (*Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(content, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// merge folds a config file into the flags, with the flags winning.
func (f *Flags) merge(cfg *Config) {
	if cfg == nil {
		return
	}
	f.JSON = f.JSON || cfg.JSON
	if f.Breakpad == "" {
		f.Breakpad = cfg.BreakpadDir
	}
	if f.Local == "" {
		f.Local = cfg.LocalDir
	}
}

// Run fixes every line of in and writes the result to out, one output line
// per input line. Lines that are not stack frames pass through unchanged,
// so interleaved test output survives intact.
func Run(logger log.Logger, reg prometheus.Registerer, flags Flags, in io.Reader, out io.Writer) error {
	if flags.Config != "" {
		cfg, err := LoadConfig(flags.Config)
		if err != nil {
			return err
		}
		flags.merge(cfg)
	}

	fx := fixer.New(logger, reg, fixer.Options{
		SymsDir:  flags.Breakpad,
		LocalDir: flags.Local,
	})
	fr := frame.New(fx, frame.Options{
		JSON:     flags.JSON,
		Breakpad: flags.Breakpad != "",
	})

	w := bufio.NewWriter(out)
	// Stack traces of deeply nested, heavily templated code produce lines
	// far past any fixed scanner cap, so lines are read unbounded.
	r := bufio.NewReaderSize(in, 64*1024)
	for {
		line, readErr := r.ReadString('\n')
		if line != "" || readErr == nil {
			line = strings.TrimSuffix(line, "\n")
			line = strings.TrimSuffix(line, "\r")
			if _, err := fmt.Fprintln(w, fr.Fix(line)); err != nil {
				return err
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return fmt.Errorf("read input: %w", readErr)
		}
	}
	return w.Flush()
}
