package main

import (
	"bufio"
	"debug/elf"
	"encoding/binary"
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const (
	redirectDirective = "//go:redirect-from"
	redirectSection   = ".goredirectstbl"

	// tableEntrySize is the size of a (src, dst) address pair.
	tableEntrySize = 16
)

type redirect struct {
	src string
	dst string

	srcVMA uint64
	dstVMA uint64
}

// scanRedirects collects the redirect directives of the non-test sources
// under root/kernel. Results are sorted by source symbol.
func scanRedirects(root string) ([]*redirect, error) {
	modPath, err := modulePath(filepath.Join(root, "go.mod"))
	if err != nil {
		return nil, err
	}

	goFiles, err := collectGoFiles(filepath.Join(root, "kernel"))
	if err != nil {
		return nil, err
	}

	var redirects []*redirect
	for _, goFile := range goFiles {
		rel, err := filepath.Rel(root, filepath.Dir(goFile))
		if err != nil {
			return nil, err
		}

		found, err := findRedirects(goFile, modPath+"/"+filepath.ToSlash(rel))
		if err != nil {
			return nil, err
		}
		redirects = append(redirects, found...)
	}

	sort.Slice(redirects, func(i, j int) bool { return redirects[i].src < redirects[j].src })
	return redirects, nil
}

// modulePath returns the module path declared in the go.mod file at path.
func modulePath(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to locate module root: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if fields := strings.Fields(scanner.Text()); len(fields) == 2 && fields[0] == "module" {
			return strings.Trim(fields[1], `"`), nil
		}
	}
	if err = scanner.Err(); err != nil {
		return "", err
	}
	return "", fmt.Errorf("%s: missing module directive", path)
}

func collectGoFiles(root string) ([]string, error) {
	var goFiles []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}

		if filepath.Ext(path) == ".go" && !strings.HasSuffix(path, "_test.go") {
			goFiles = append(goFiles, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return goFiles, nil
}

// findRedirects parses goFile and returns one redirect per directive
// attached to a function declaration. pkgPath qualifies the destination.
func findRedirects(goFile, pkgPath string) ([]*redirect, error) {
	fset := token.NewFileSet()
	f, err := parser.ParseFile(fset, goFile, nil, parser.ParseComments)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", goFile, err)
	}

	var redirects []*redirect
	for _, decl := range f.Decls {
		fnDecl, ok := decl.(*ast.FuncDecl)
		if !ok || fnDecl.Doc == nil || fnDecl.Recv != nil {
			continue
		}

		for _, comment := range fnDecl.Doc.List {
			if !strings.HasPrefix(comment.Text, redirectDirective) {
				continue
			}

			fqName := pkgPath + "." + fnDecl.Name.Name
			fields := strings.Fields(comment.Text)
			if len(fields) != 2 || fields[0] != redirectDirective {
				return nil, fmt.Errorf("malformed go:redirect-from syntax for %q", fqName)
			}

			redirects = append(redirects, &redirect{src: fields[1], dst: fqName})
		}
	}

	return redirects, nil
}

// resolveSymbols fills in the addresses of every redirect from symbols.
func resolveSymbols(redirects []*redirect, symbols []elf.Symbol) error {
	addrs := make(map[string]uint64, len(symbols))
	for _, symbol := range symbols {
		addrs[symbol.Name] = symbol.Value
	}

	for _, r := range redirects {
		r.srcVMA, r.dstVMA = addrs[r.src], addrs[r.dst]

		switch {
		case r.srcVMA == 0:
			return fmt.Errorf("could not locate address of %q", r.src)
		case r.dstVMA == 0:
			return fmt.Errorf("could not locate address of %q", r.dst)
		}
	}

	return nil
}

// writeTable writes the little endian address pairs of redirects at offset.
func writeTable(w io.WriteSeeker, offset int64, redirects []*redirect) error {
	if _, err := w.Seek(offset, io.SeekStart); err != nil {
		return err
	}

	buf := make([]byte, 0, len(redirects)*tableEntrySize)
	for _, r := range redirects {
		buf = binary.LittleEndian.AppendUint64(buf, r.srcVMA)
		buf = binary.LittleEndian.AppendUint64(buf, r.dstVMA)
	}

	_, err := w.Write(buf)
	return err
}
