package main

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// manifest lists the files of an archive.
//
//	files:
//	  - name: init
//	    path: build/init.bin
//	  - path: motd
type manifest struct {
	Files []manifestFile `yaml:"files"`
}

type manifestFile struct {
	// Name defaults to the base name of Path.
	Name string `yaml:"name"`

	// Path is relative to the manifest unless absolute.
	Path string `yaml:"path"`
}

// loadManifest parses the manifest at path and adds its files to set.
func loadManifest(path string, set *entrySet) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open manifest: %w", err)
	}
	defer f.Close()

	var m manifest
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err = dec.Decode(&m); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}

	baseDir := filepath.Dir(path)
	for i, file := range m.Files {
		if file.Path == "" {
			return fmt.Errorf("%s: file %d has no path", path, i)
		}

		filePath := file.Path
		if !filepath.IsAbs(filePath) {
			filePath = filepath.Join(baseDir, filePath)
		}
		name := file.Name
		if name == "" {
			name = filepath.Base(file.Path)
		}

		if err = set.add(name, filePath); err != nil {
			return err
		}
	}

	return nil
}
