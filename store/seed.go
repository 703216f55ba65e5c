package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"

	"gopkg.in/yaml.v3"

	"statuslanes/status"
)

// SeedDevice is one device entry of a seed file.
type SeedDevice struct {
	ID     string              `yaml:"id"`
	Config status.DeviceConfig `yaml:"config"`
}

// SeedFile registers devices at startup.
type SeedFile struct {
	Devices []SeedDevice `yaml:"devices"`
}

// LoadSeedFile reads a YAML seed file.
func LoadSeedFile(path string) (*SeedFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed file %s: %w", path, err)
	}
	return ParseSeed(data)
}

// ParseSeed decodes seed YAML. Unknown fields are rejected.
func ParseSeed(data []byte) (*SeedFile, error) {
	var seed SeedFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&seed); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse seed: %w", err)
	}
	seen := make(map[string]bool, len(seed.Devices))
	for _, d := range seed.Devices {
		if d.ID == "" {
			return nil, fmt.Errorf("parse seed: device without id")
		}
		if seen[d.ID] {
			return nil, fmt.Errorf("parse seed: duplicate device %s", d.ID)
		}
		seen[d.ID] = true
	}
	return &seed, nil
}

// Apply writes every seeded device config into s.
func (f *SeedFile) Apply(ctx context.Context, s *RedisStore) error {
	for _, d := range f.Devices {
		if err := s.PutDevice(ctx, d.ID, d.Config); err != nil {
			return err
		}
	}
	log.Printf("Seed: registered %d device(s)", len(f.Devices))
	return nil
}
