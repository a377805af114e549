package schema

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Descriptor is the YAML form of a registry:
//
//	models:
//	  - name: Post
//	    primary_key: [id]
//	    fields:
//	      - {name: id, type: string, required: true}
//	    associations:
//	      - {name: blog, kind: belongs_to, target: Blog, target_names: [blogId]}
type Descriptor struct {
	Models []*Model `yaml:"models"`
}

// Load decodes a descriptor and builds its registry.
func Load(r io.Reader) (*Registry, error) {
	var d Descriptor
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&d); err != nil {
		return nil, fmt.Errorf("decode schema descriptor: %w", err)
	}
	if len(d.Models) == 0 {
		return nil, fmt.Errorf("%w: descriptor declares no models", ErrInvalidModel)
	}
	return NewRegistry(d.Models...)
}

func LoadFile(path string) (*Registry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open schema descriptor: %w", err)
	}
	defer f.Close()

	reg, err := Load(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return reg, nil
}
