// Package catalog loads flow definitions and their executors from YAML
// files so that flowd can serve graphs without compiled-in task code
package catalog

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/petrijr/flowcore/pkg/api"
)

type (
	// Flow is one loaded graph together with its executors
	Flow struct {
		Source     string
		Definition api.FlowDefinition
		Executors  api.Executors
	}

	// File is the on-disk layout of a graph file
	File struct {
		api.FlowDefinition `yaml:",inline"`
		Executors          map[string]ExecutorSpec `yaml:"executors,omitempty"`
	}

	// Registrar is the part of the engine a catalog registers into
	Registrar interface {
		RegisterFlow(def api.FlowDefinition, executors api.Executors) error
	}
)

var (
	ErrDuplicateStream = errors.New("stream defined twice")
	ErrMissingExecutor = errors.New("executor not declared")
)

// LoadDir reads every *.yaml and *.yml file of dir in name order
func LoadDir(dir string, opts Options) ([]Flow, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".yaml", ".yml":
			names = append(names, e.Name())
		}
	}
	slices.Sort(names)

	seen := map[string]string{}
	flows := make([]Flow, 0, len(names))
	for _, name := range names {
		path := filepath.Join(dir, name)
		f, err := LoadFile(path, opts)
		if err != nil {
			return nil, err
		}
		if prev, ok := seen[f.Definition.StreamID]; ok {
			return nil, fmt.Errorf("%w: %s in %s and %s",
				ErrDuplicateStream, f.Definition.StreamID, prev, path)
		}
		seen[f.Definition.StreamID] = path
		flows = append(flows, f)
	}
	return flows, nil
}

// LoadFile reads a single graph file
func LoadFile(path string, opts Options) (Flow, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Flow{}, err
	}
	f, err := Parse(raw, opts)
	if err != nil {
		return Flow{}, fmt.Errorf("%s: %w", path, err)
	}
	f.Source = path
	return f, nil
}

// Parse decodes a graph document, validates it and builds its executors
func Parse(raw []byte, opts Options) (Flow, error) {
	var file File
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil && !errors.Is(err, io.EOF) {
		return Flow{}, err
	}

	def := file.FlowDefinition
	if err := def.Validate(); err != nil {
		return Flow{}, err
	}

	execs := make(api.Executors, len(file.Executors))
	for name, spec := range file.Executors {
		ex, err := opts.build(spec)
		if err != nil {
			return Flow{}, fmt.Errorf("executor %q: %w", name, err)
		}
		execs[name] = ex
	}
	for _, n := range def.Nodes {
		if n.Type != api.NodeState {
			continue
		}
		if _, ok := execs[n.Executor]; !ok {
			return Flow{}, fmt.Errorf("%w: %q used by node %q",
				ErrMissingExecutor, n.Executor, n.ID)
		}
	}
	return Flow{Definition: def, Executors: execs}, nil
}

// Register registers every flow, stopping at the first failure
func Register(r Registrar, flows []Flow) error {
	for _, f := range flows {
		if err := r.RegisterFlow(f.Definition, f.Executors); err != nil {
			return fmt.Errorf("register %s: %w", f.Definition.StreamID, err)
		}
	}
	return nil
}
