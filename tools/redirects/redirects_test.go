package main

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const panicSource = `package kfmt

// Panic halts the kernel.
//
//go:redirect-from runtime.gopanic
func Panic(e interface{}) {}

//go:redirect-from runtime.throw
func panicString(msg string) {}

// Print has no directive.
func Print() {}
`

// writeTree creates a module root with the given files.
func writeTree(t *testing.T, files map[string]string) string {
	t.Helper()

	root := t.TempDir()
	for name, contents := range files {
		path := filepath.Join(root, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	}
	return root
}

func TestScanRedirects(t *testing.T) {
	root := writeTree(t, map[string]string{
		"go.mod":                       "module example.com/os\n\ngo 1.23\n",
		"kernel/kfmt/panic.go":         panicSource,
		"kernel/kfmt/panic_test.go":    "package kfmt\n\n//go:redirect-from runtime.ignored\nfunc fake() {}\n",
		"kernel/kfmt/notes.txt":        "//go:redirect-from runtime.ignored",
		"tools/other/main.go":          "package main\n\n//go:redirect-from runtime.ignored\nfunc main() {}\n",
		"kernel/mm/heap/heap_amd64.go": "package heap\n",
	})

	redirects, err := scanRedirects(root)
	require.NoError(t, err)
	require.Len(t, redirects, 2)

	require.Equal(t, "runtime.gopanic", redirects[0].src)
	require.Equal(t, "example.com/os/kernel/kfmt.Panic", redirects[0].dst)
	require.Equal(t, "runtime.throw", redirects[1].src)
	require.Equal(t, "example.com/os/kernel/kfmt.panicString", redirects[1].dst)
}

func TestScanRedirectsErrors(t *testing.T) {
	t.Run("missing go.mod", func(t *testing.T) {
		root := writeTree(t, map[string]string{"kernel/kfmt/panic.go": panicSource})
		_, err := scanRedirects(root)
		require.ErrorContains(t, err, "failed to locate module root")
	})

	t.Run("go.mod without module directive", func(t *testing.T) {
		root := writeTree(t, map[string]string{"go.mod": "go 1.23\n", "kernel/kfmt/panic.go": panicSource})
		_, err := scanRedirects(root)
		require.ErrorContains(t, err, "missing module directive")
	})

	t.Run("malformed directive", func(t *testing.T) {
		root := writeTree(t, map[string]string{
			"go.mod":          "module nestos\n",
			"kernel/bad/x.go": "package bad\n\n//go:redirect-from a b\nfunc X() {}\n",
		})
		_, err := scanRedirects(root)
		require.ErrorContains(t, err, `malformed go:redirect-from syntax for "nestos/kernel/bad.X"`)
	})

	t.Run("syntax error", func(t *testing.T) {
		root := writeTree(t, map[string]string{
			"go.mod":          "module nestos\n",
			"kernel/bad/x.go": "package bad\n\nfunc {\n",
		})
		_, err := scanRedirects(root)
		require.Error(t, err)
	})
}

func TestCountCommand(t *testing.T) {
	root := writeTree(t, map[string]string{
		"go.mod":               "module nestos\n",
		"kernel/kfmt/panic.go": panicSource,
	})

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"count", "--root", root})
	defer rootCmd.SetArgs(nil)

	require.NoError(t, rootCmd.Execute())
	require.Equal(t, "2", out.String())
}

func TestResolveSymbols(t *testing.T) {
	symbols := []elf.Symbol{
		{Name: "runtime.gopanic", Value: 0x101000},
		{Name: "nestos/kernel/kfmt.Panic", Value: 0x202000},
	}

	redirects := []*redirect{{src: "runtime.gopanic", dst: "nestos/kernel/kfmt.Panic"}}
	require.NoError(t, resolveSymbols(redirects, symbols))
	require.Equal(t, uint64(0x101000), redirects[0].srcVMA)
	require.Equal(t, uint64(0x202000), redirects[0].dstVMA)

	err := resolveSymbols([]*redirect{{src: "runtime.throw", dst: "nestos/kernel/kfmt.Panic"}}, symbols)
	require.EqualError(t, err, `could not locate address of "runtime.throw"`)

	err = resolveSymbols([]*redirect{{src: "runtime.gopanic", dst: "nestos/kernel/kfmt.missing"}}, symbols)
	require.EqualError(t, err, `could not locate address of "nestos/kernel/kfmt.missing"`)
}

func TestWriteTable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "image")
	require.NoError(t, os.WriteFile(path, make([]byte, 48), 0o644))

	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	require.NoError(t, err)
	require.NoError(t, writeTable(f, 8, []*redirect{
		{srcVMA: 1, dstVMA: 2},
		{srcVMA: 0xffffffff80100000, dstVMA: 0xffffffff80200000},
	}))
	require.NoError(t, f.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Len(t, data, 48)

	exp := []uint64{0, 1, 2, 0xffffffff80100000, 0xffffffff80200000, 0}
	for i, v := range exp {
		require.Equal(t, v, binary.LittleEndian.Uint64(data[i*8:]), "word %d", i)
	}
}

func TestPopulateRejectsNonELF(t *testing.T) {
	root := writeTree(t, map[string]string{
		"go.mod":               "module nestos\n",
		"kernel/kfmt/panic.go": panicSource,
		"kernel.bin":           "not an elf file",
	})

	err := runPopulate(root, filepath.Join(root, "kernel.bin"))
	require.ErrorContains(t, err, "failed to open kernel image")
}
