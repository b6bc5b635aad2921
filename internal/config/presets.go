package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/vanshika/graphlens/internal/domain"
)

// Preset is a named, validated connection target read from the presets file.
type Preset struct {
	Name       string
	Type       domain.BackendKind
	Descriptor domain.Descriptor
}

// PresetInfo is the public view of a preset: it never carries credentials.
type PresetInfo struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// Presets is a read-only, ordered set of presets.
type Presets struct {
	order  []string
	byName map[string]Preset
}

type presetsFile struct {
	Connections []domain.DescriptorSpec `yaml:"connections"`
}

// LoadPresets reads a JSON or YAML presets file holding either a list of
// connection specs or an object with a "connections" list. An unnamed entry
// is named "Connection N" after its position. Invalid or duplicate entries
// are skipped with a warning. A missing or malformed file, or an empty path,
// yields no presets.
func LoadPresets(path string, logger *slog.Logger) (*Presets, error) {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Presets{byName: map[string]Preset{}}
	if path == "" {
		return p, nil
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		logger.Warn("connections file not found, no presets loaded", "path", path)
		return p, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read connections file: %w", err)
	}

	specs, err := parsePresets(data)
	if err != nil {
		logger.Error("malformed connections file, no presets loaded", "path", path, "error", err)
		return p, nil
	}

	for i, spec := range specs {
		if spec.Name == "" {
			spec.Name = fmt.Sprintf("Connection %d", i+1)
		}
		if _, dup := p.byName[spec.Name]; dup {
			logger.Warn("skipping duplicate connection preset", "name", spec.Name)
			continue
		}
		d, err := spec.Descriptor()
		if err != nil {
			logger.Warn("skipping invalid connection preset", "name", spec.Name, "error", err)
			continue
		}
		p.order = append(p.order, spec.Name)
		p.byName[spec.Name] = Preset{Name: spec.Name, Type: d.Kind(), Descriptor: d}
	}
	logger.Info("connection presets loaded", "path", path, "count", len(p.order))
	return p, nil
}

func parsePresets(data []byte) ([]domain.DescriptorSpec, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, err
	}
	if len(root.Content) == 0 {
		return nil, nil
	}

	doc := root.Content[0]
	switch doc.Kind {
	case yaml.SequenceNode:
		var specs []domain.DescriptorSpec
		if err := doc.Decode(&specs); err != nil {
			return nil, err
		}
		return specs, nil
	case yaml.MappingNode:
		var file presetsFile
		if err := doc.Decode(&file); err != nil {
			return nil, err
		}
		return file.Connections, nil
	}
	return nil, fmt.Errorf("expected a list or a connections object, line %d", doc.Line)
}

// Lookup returns the descriptor of the named preset.
func (p *Presets) Lookup(name string) (domain.Descriptor, error) {
	preset, ok := p.byName[name]
	if !ok {
		return nil, domain.Validationf("unknown connection preset %q", name)
	}
	return preset.Descriptor, nil
}

// List returns the presets in file order without credentials.
func (p *Presets) List() []PresetInfo {
	out := make([]PresetInfo, 0, len(p.order))
	for _, name := range p.order {
		out = append(out, PresetInfo{Name: name, Type: string(p.byName[name].Type)})
	}
	return out
}

// All returns the presets in file order, credentials included.
func (p *Presets) All() []Preset {
	out := make([]Preset, 0, len(p.order))
	for _, name := range p.order {
		out = append(out, p.byName[name])
	}
	return out
}

// Len returns the number of loaded presets.
func (p *Presets) Len() int {
	return len(p.order)
}
