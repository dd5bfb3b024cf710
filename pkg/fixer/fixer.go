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

// Package fixer resolves stack frame addresses to function names and source
// lines, loading and caching per-file debug info on demand.
package fixer

import (
	"errors"
	"os"
	"path/filepath"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/singleflight"

	"github.com/mozilla/fix-stacks/pkg/addrtable"
	"github.com/mozilla/fix-stacks/pkg/breakpad"
	"github.com/mozilla/fix-stacks/pkg/demangle"
	"github.com/mozilla/fix-stacks/pkg/objfile"
	"github.com/mozilla/fix-stacks/pkg/reconstruct"
)

// Options configures where debug info is looked for.
type Options struct {
	// SymsDir is a breakpad symbols directory. When set it is consulted
	// before the binary's own debug info.
	SymsDir string
	// LocalDir replaces the directory of any file reference that does not
	// exist on this machine, for fixing traces produced on another one.
	LocalDir string
}

// Result is the resolution of one frame. FoundLine implies FoundFunc; a
// frame can resolve to a function whose line table does not cover the
// address.
type Result struct {
	Name string
	File string
	Line uint32

	FoundFunc bool
	FoundLine bool
}

type metrics struct {
	fileLoads      prometheus.Counter
	fileLoadErrors *prometheus.CounterVec
	frames         *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	return &metrics{
		fileLoads: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "fixstacks_file_loads_total",
			Help: "Debug info file loads attempted, including failed ones.",
		}),
		fileLoadErrors: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "fixstacks_file_load_errors_total",
			Help: "Debug info file loads that yielded no symbols.",
		}, []string{"reason"}),
		frames: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "fixstacks_frames_total",
			Help: "Frames processed, by resolution outcome.",
		}, []string{"outcome"}),
	}
}

// Fixer memoizes one address table per file reference. Failed loads are
// cached as an empty table and diagnosed exactly once; a trace with ten
// thousand frames into the same unreadable library reports it a single
// time.
type Fixer struct {
	logger    log.Logger
	opts      Options
	demangler demangle.Demangler
	metrics   *metrics

	mtx    sync.Mutex
	tables map[string]*addrtable.Table
	group  singleflight.Group
}

func New(logger log.Logger, reg prometheus.Registerer, opts Options) *Fixer {
	return &Fixer{
		logger:    logger,
		opts:      opts,
		demangler: demangle.MustNewDefaultDemangler(),
		metrics:   newMetrics(reg),
		tables:    map[string]*addrtable.Table{},
	}
}

// ResolveFrame resolves one (file reference, address) pair. It never fails:
// an address outside every known function simply reports nothing found, and
// the caller renders the frame unchanged.
func (f *Fixer) ResolveFrame(path string, addr uint64) Result {
	table := f.tableFor(path)

	fn, ok := table.FuncAt(addr)
	if !ok {
		f.metrics.frames.WithLabelValues("unresolved").Inc()
		return Result{}
	}
	res := Result{
		Name:      f.demangler.Demangle(fn.MangledName),
		FoundFunc: true,
	}
	if ln, ok := fn.LineAt(addr); ok {
		res.File = table.PathOf(ln)
		res.Line = ln.Line
		res.FoundLine = true
		f.metrics.frames.WithLabelValues("line").Inc()
	} else {
		f.metrics.frames.WithLabelValues("function").Inc()
	}
	return res
}

// tableFor returns the cached table for a file reference, building it if
// this is the first frame to mention the file. Concurrent first requests
// for the same file share one build.
func (f *Fixer) tableFor(path string) *addrtable.Table {
	f.mtx.Lock()
	if t, ok := f.tables[path]; ok {
		f.mtx.Unlock()
		return t
	}
	f.mtx.Unlock()

	v, _, _ := f.group.Do(path, func() (interface{}, error) {
		f.mtx.Lock()
		if t, ok := f.tables[path]; ok {
			f.mtx.Unlock()
			return t, nil
		}
		f.mtx.Unlock()

		f.metrics.fileLoads.Inc()
		t, err := f.load(path)
		if err != nil {
			level.Error(f.logger).Log("msg", "failed to load debug info", "file", path, "err", err)
			f.metrics.fileLoadErrors.WithLabelValues(loadErrorReason(err)).Inc()
			t = addrtable.Empty()
		}

		f.mtx.Lock()
		f.tables[path] = t
		f.mtx.Unlock()
		return t, nil
	})
	return v.(*addrtable.Table)
}

func loadErrorReason(err error) string {
	if errors.Is(err, os.ErrNotExist) {
		return "not_found"
	}
	return "invalid"
}

// localize maps a file reference produced on another machine to a local
// copy: when the referenced path does not exist and a local directory was
// configured, the file is looked up there by base name.
func (f *Fixer) localize(path string) string {
	if f.opts.LocalDir == "" {
		return path
	}
	if _, err := os.Stat(path); err == nil {
		return path
	}
	local := filepath.Join(f.opts.LocalDir, filepath.Base(path))
	if _, err := os.Stat(local); err != nil {
		return path
	}
	return local
}

func (f *Fixer) load(path string) (*addrtable.Table, error) {
	binPath := f.localize(path)
	data, err := os.ReadFile(binPath)
	if err != nil {
		return nil, objfile.Errorf(err, "read")
	}

	if f.opts.SymsDir != "" {
		if t, err := f.loadBreakpadSyms(binPath, data); err == nil {
			return t, nil
		}
		// Missing or unusable symbol files are not an error; the binary's
		// own debug info is the fallback.
	}
	return f.loadNative(data)
}

// loadBreakpadSyms looks for a symbol file under the configured symbols
// directory, keyed by the binary's debug id.
func (f *Fixer) loadBreakpadSyms(binPath string, data []byte) (*addrtable.Table, error) {
	id, err := debugID(data)
	if err != nil {
		return nil, err
	}
	symData, err := os.ReadFile(breakpad.SymbolPath(f.opts.SymsDir, binPath, id))
	if err != nil {
		return nil, breakpad.ErrNoSymbols
	}
	b := addrtable.NewBuilder()
	if err := breakpad.Parse(symData, b); err != nil {
		return nil, err
	}
	return b.Finish(), nil
}

// debugID extracts the breakpad debug id of a file. Breakpad symbol files
// declare theirs in the MODULE record; binaries derive it from their
// build id, UUID or CodeView record.
func debugID(data []byte) (string, error) {
	if objfile.Sniff(data) == objfile.FormatBreakpad {
		return breakpad.ModuleID(data)
	}
	return objfile.BreakpadID(data)
}

func (f *Fixer) loadNative(data []byte) (*addrtable.Table, error) {
	switch format := objfile.Sniff(data); format {
	case objfile.FormatELF:
		sess, err := objfile.ELFSession(data)
		if err != nil {
			return nil, objfile.Errorf(err, "parse")
		}
		return tableFromSession(sess)
	case objfile.FormatPE:
		return f.loadPE(data)
	case objfile.FormatPDB:
		return nil, objfile.Errorf(nil, "read debug info (PDB is not supported) from")
	case objfile.FormatMachO:
		return reconstruct.Table(data)
	case objfile.FormatBreakpad:
		b := addrtable.NewBuilder()
		if err := breakpad.Parse(data, b); err != nil {
			return nil, objfile.Errorf(err, "parse breakpad symbols in")
		}
		return b.Finish(), nil
	default:
		return nil, objfile.Errorf(nil, "determine the format of")
	}
}

// loadPE follows a PE binary's CodeView record to the PDB file it was
// linked against. The PDB path embedded at link time rarely exists on the
// machine fixing the trace, so it is localized like any other reference.
func (f *Fixer) loadPE(data []byte) (*addrtable.Table, error) {
	info, err := objfile.PEDebugInfo(data)
	if err != nil {
		return nil, objfile.Errorf(err, "find debug info file for")
	}
	pdbPath := f.localize(info.File)
	pdbData, err := os.ReadFile(pdbPath)
	if err != nil {
		return nil, objfile.Errorf(err, "read debug info file `%s` referenced by", info.File)
	}
	return f.loadNative(pdbData)
}

func tableFromSession(sess objfile.Session) (*addrtable.Table, error) {
	fns, err := sess.Functions()
	if err != nil {
		return nil, objfile.Errorf(err, "read debug info from")
	}
	b := addrtable.NewBuilder()
	for _, fn := range fns {
		lines := make([]addrtable.SourceLine, len(fn.Lines))
		for i, ln := range fn.Lines {
			lines[i] = addrtable.SourceLine{Addr: ln.Addr, Line: ln.Line, Path: ln.File}
		}
		b.AddFunc(fn.Name, fn.Addr, fn.Size, 0, lines)
	}
	return b.Finish(), nil
}
