package subcmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// diskSpec is the YAML disk definition the dd and id subcommands accept.
type diskSpec struct {
	Path     string `yaml:"path"`
	ID       string `yaml:"id"`
	ReadOnly bool   `yaml:"read_only"`
	Format   string `yaml:"format"`
}

// loadDiskSpec reads and validates a disk definition file.
func loadDiskSpec(path string) (*diskSpec, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read disk config: %w", err)
	}
	var spec diskSpec
	if err := yaml.Unmarshal(raw, &spec); err != nil {
		return nil, fmt.Errorf("parse disk config %s: %w", path, err)
	}
	if err := spec.validate(); err != nil {
		return nil, fmt.Errorf("disk config %s: %w", path, err)
	}
	return &spec, nil
}

func (s *diskSpec) validate() error {
	if s.Path == "" {
		return fmt.Errorf("path is required")
	}
	switch s.Format {
	case "", "raw":
		s.Format = "raw"
	default:
		return fmt.Errorf("unsupported format %q (only raw)", s.Format)
	}
	if s.ID == "" {
		// The GET_ID buffer is 20 bytes; derive a short random serial.
		s.ID = strings.ReplaceAll(uuid.NewString(), "-", "")[:20]
	}
	if len(s.ID) > 20 {
		return fmt.Errorf("id %q longer than 20 bytes", s.ID)
	}
	return nil
}

// specFromFlags builds a disk definition from either --disk or --filename.
func specFromFlags(configPath, filename string, readOnly bool) (*diskSpec, error) {
	if configPath != "" {
		return loadDiskSpec(configPath)
	}
	if filename == "" {
		return nil, fmt.Errorf("either --disk or --filename is required")
	}
	spec := &diskSpec{Path: filename, ReadOnly: readOnly}
	if err := spec.validate(); err != nil {
		return nil, err
	}
	return spec, nil
}
