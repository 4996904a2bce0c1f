package catalog

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/rhuss/labflow/pkg/api"
)

// File is the YAML layout of a catalog file.
type File struct {
	Protocols []ProtocolDocument `yaml:"protocols"`
}

// ProtocolDocument is the serialized form of a protocol. Active defaults
// to true when omitted.
type ProtocolDocument struct {
	ID       string             `yaml:"id"`
	Name     string             `yaml:"name"`
	Category string             `yaml:"category,omitempty"`
	Active   *bool              `yaml:"active,omitempty"`
	Steps    []api.StepDocument `yaml:"steps"`
}

// Protocol converts the document into a protocol. The result is not yet
// validated.
func (d ProtocolDocument) Protocol() (*api.Protocol, error) {
	p := &api.Protocol{
		ID:       d.ID,
		Name:     d.Name,
		Category: d.Category,
		Active:   d.Active == nil || *d.Active,
		Steps:    make([]api.Step, 0, len(d.Steps)),
	}
	for _, sd := range d.Steps {
		s, err := sd.Step()
		if err != nil {
			return nil, fmt.Errorf("protocol %s: %w", d.ID, err)
		}
		if s.ProtocolID == "" {
			s.ProtocolID = d.ID
		}
		p.Steps = append(p.Steps, s)
	}
	return p, nil
}

// Parse decodes a catalog document.
func Parse(r io.Reader) ([]*api.Protocol, error) {
	var f File
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("decoding catalog: %w", err)
	}

	out := make([]*api.Protocol, 0, len(f.Protocols))
	for _, d := range f.Protocols {
		p, err := d.Protocol()
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// LoadFile reads protocols from a single YAML file.
func LoadFile(path string) ([]*api.Protocol, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading catalog %s: %w", path, err)
	}
	protocols, err := Parse(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return protocols, nil
}

// LoadDir reads protocols from every .yaml and .yml file in dir, in
// lexical file order. Subdirectories are not traversed.
func LoadDir(dir string) ([]*api.Protocol, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading catalog dir %s: %w", dir, err)
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && isCatalogFile(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var out []*api.Protocol
	for _, name := range names {
		protocols, err := LoadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		out = append(out, protocols...)
	}
	return out, nil
}

// Load reads protocols from path, which may be a file or a directory.
func Load(path string) ([]*api.Protocol, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("catalog path: %w", err)
	}
	if info.IsDir() {
		return LoadDir(path)
	}
	return LoadFile(path)
}

func isCatalogFile(name string) bool {
	if strings.HasPrefix(name, ".") {
		return false
	}
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}
