package spdcache

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadOptions decodes the tunable part of Options from YAML. Durations are
// strings ("30s"). Unknown keys are an error. Collaborators (States, Routes,
// Logger, ...) are left for the caller to set.
//
//	initial_hash_size: 64
//	max_depth: 6
//	sub_policy: true
//	km_timeout: 30s
//	gc_interval: 1m
func LoadOptions(r io.Reader) (Options, error) {
	var opts Options
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&opts); err != nil && !errors.Is(err, io.EOF) {
		return Options{}, fmt.Errorf("spdcache: parse options: %w", err)
	}
	return opts, nil
}

// LoadOptionsFile is LoadOptions on a file.
func LoadOptionsFile(path string) (Options, error) {
	f, err := os.Open(path)
	if err != nil {
		return Options{}, fmt.Errorf("spdcache: read options: %w", err)
	}
	defer f.Close()
	return LoadOptions(f)
}
