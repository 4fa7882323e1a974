package main

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/google/btree"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"nestos/kernel/fs/initrd"
)

// entry is a file scheduled for packing.
type entry struct {
	name string
	path string
	data []byte
}

// entrySet keeps entries ordered by archive name and rejects duplicates.
type entrySet struct {
	tree *btree.BTreeG[*entry]
}

func newEntrySet() *entrySet {
	return &entrySet{
		tree: btree.NewG(8, func(a, b *entry) bool { return a.name < b.name }),
	}
}

// add schedules the file at path to be stored as name.
func (s *entrySet) add(name, path string) error {
	name = strings.TrimPrefix(name, "/")
	switch {
	case name == "":
		return fmt.Errorf("%s: empty archive name", path)
	case len(name) > initrd.NameSize:
		return fmt.Errorf("%s: archive name %q is longer than %d bytes", path, name, initrd.NameSize)
	}

	if prev, found := s.tree.Get(&entry{name: name}); found {
		return fmt.Errorf("duplicate archive name %q for %s and %s", name, prev.path, path)
	}
	s.tree.ReplaceOrInsert(&entry{name: name, path: path})
	return nil
}

// addSpec adds a "name=path" argument. A bare path is stored under its base
// name.
func (s *entrySet) addSpec(spec string) error {
	if name, path, ok := strings.Cut(spec, "="); ok {
		return s.add(name, path)
	}
	return s.add(filepath.Base(spec), spec)
}

func (s *entrySet) len() int {
	return s.tree.Len()
}

// load reads the contents of every entry in parallel.
func (s *entrySet) load() error {
	var g errgroup.Group
	g.SetLimit(runtime.NumCPU())

	s.tree.Ascend(func(e *entry) bool {
		g.Go(func() error {
			data, err := os.ReadFile(e.path)
			if err != nil {
				return fmt.Errorf("failed to read %q: %w", e.name, err)
			}
			e.data = data
			logrus.WithFields(logrus.Fields{"name": e.name, "path": e.path, "size": len(data)}).Debug("loaded file")
			return nil
		})
		return true
	})

	return g.Wait()
}

// files returns the loaded entries in name order.
func (s *entrySet) files() []initrd.File {
	files := make([]initrd.File, 0, s.tree.Len())
	s.tree.Ascend(func(e *entry) bool {
		files = append(files, initrd.File{Name: e.name, Data: e.data})
		return true
	})
	return files
}
