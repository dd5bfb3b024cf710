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

package fixstacks

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

const exampleID = "4ED2CCE91940727B9595BBD1BCEBD3210"

const exampleSym = `MODULE Linux x86_64 4ED2CCE91940727B9595BBD1BCEBD3210 example
FILE 0 /src/example.c
FUNC 1130 28 0 main
1130 f 24 0
113f 7 25 0
1146 9 26 0
114f 9 27 0
FUNC 1160 45 0 f
1160 c 16 0
116c b 17 0
`

func writeExample(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "example.sym")
	require.NoError(t, os.WriteFile(path, []byte(exampleSym), 0o644))
	return path
}

func run(t *testing.T, flags Flags, input string) string {
	t.Helper()
	var out bytes.Buffer
	err := Run(log.NewNopLogger(), prometheus.NewRegistry(), flags, strings.NewReader(input), &out)
	require.NoError(t, err)
	return out.String()
}

func TestRun(t *testing.T) {
	path := writeExample(t)

	var in, want strings.Builder
	addLine := func(addr uint64, wantFrag string) {
		fmt.Fprintf(&in, "#01: ??? [%s +0x%x]\n", path, addr)
		fmt.Fprintf(&want, "#01: %s\n", wantFrag)
	}

	// Addresses inside main and f resolve to lines; boundary addresses and
	// addresses in the gap between the functions do not.
	addLine(0x1130, "main (/src/example.c:24)")
	addLine(0x113f, "main (/src/example.c:25)")
	addLine(0x1146, "main (/src/example.c:26)")
	addLine(0x114f, "main (/src/example.c:27)")
	addLine(0x1157, "main (/src/example.c:27)")
	addLine(0x1160, "f (/src/example.c:16)")
	addLine(0x0, fmt.Sprintf("??? (%s + 0x0)", path))
	addLine(0x112f, fmt.Sprintf("??? (%s + 0x112f)", path))
	addLine(0x1158, fmt.Sprintf("??? (%s + 0x1158)", path))
	addLine(0xfffffff, fmt.Sprintf("??? (%s + 0xfffffff)", path))
	in.WriteString("TEST-PASS | some test | took 10ms\n")
	want.WriteString("TEST-PASS | some test | took 10ms\n")

	require.Equal(t, want.String(), run(t, Flags{}, in.String()))
}

func TestRunBreakpadSymsDir(t *testing.T) {
	dir := t.TempDir()
	binPath := filepath.Join(dir, "example.sym")
	require.NoError(t, os.WriteFile(binPath,
		[]byte("MODULE Linux x86_64 "+exampleID+" example\nFILE 0 /src/stale.c\nFUNC 1130 28 0 stale\n"), 0o644))

	symsDir := filepath.Join(dir, "syms")
	symFile := filepath.Join(symsDir, "example.sym", exampleID, "example.sym.sym")
	require.NoError(t, os.MkdirAll(filepath.Dir(symFile), 0o755))
	require.NoError(t, os.WriteFile(symFile, []byte(exampleSym), 0o644))

	in := fmt.Sprintf("#01: ??? [%s +0x1130]\n", binPath)
	want := "#01: main [/src/example.c:24]\n"
	require.Equal(t, want, run(t, Flags{Breakpad: symsDir}, in))
}

func TestRunLocalDir(t *testing.T) {
	local := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(local, "example.sym"), []byte(exampleSym), 0o644))

	in := "#01: ??? [/missing/dir/example.sym +0x1130]\n"
	want := "#01: main (/src/example.c:24)\n"
	require.Equal(t, want, run(t, Flags{Local: local}, in))
}

func TestRunConfigFile(t *testing.T) {
	local := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(local, "example.sym"), []byte(exampleSym), 0o644))

	cfgPath := filepath.Join(t.TempDir(), "fix-stacks.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("local_dir: "+local+"\n"), 0o644))

	in := "#01: ??? [/missing/dir/example.sym +0x1130]\n"
	want := "#01: main (/src/example.c:24)\n"
	require.Equal(t, want, run(t, Flags{Config: cfgPath}, in))
}

func TestRunConfigFileMissing(t *testing.T) {
	var out bytes.Buffer
	err := Run(log.NewNopLogger(), prometheus.NewRegistry(),
		Flags{Config: "/no/such/config.yaml"}, strings.NewReader(""), &out)
	require.Error(t, err)
}

func TestFlagsWinOverConfig(t *testing.T) {
	f := Flags{Local: "/from/flag"}
	f.merge(&Config{LocalDir: "/from/config", BreakpadDir: "/syms"})
	require.Equal(t, "/from/flag", f.Local)
	require.Equal(t, "/syms", f.Breakpad)
}

func TestRunVeryLongLine(t *testing.T) {
	path := writeExample(t)

	// A line well past any scanner buffer cap must not abort the run, and
	// frames on it still get fixed.
	long := strings.Repeat("x", 2*1024*1024)
	in := long + "\n#01: ??? [" + path + " +0x1130]\n"
	want := long + "\n#01: main (/src/example.c:24)\n"
	require.Equal(t, want, run(t, Flags{}, in))
}

func TestRunBadFileReportsOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "garbage.so")
	require.NoError(t, os.WriteFile(path, []byte("not an object file"), 0o644))

	var logBuf bytes.Buffer
	logger := log.NewLogfmtLogger(&logBuf)

	frameLine := fmt.Sprintf("#01: ??? [%s +0x10]\n", path)
	in := strings.Repeat(frameLine, 50)
	var out bytes.Buffer
	require.NoError(t, Run(logger, prometheus.NewRegistry(), Flags{}, strings.NewReader(in), &out))

	require.Equal(t, 50, strings.Count(out.String(), "\n"))
	require.Equal(t, 1, strings.Count(logBuf.String(), "failed to load debug info"))
}
