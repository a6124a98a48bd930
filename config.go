package ovstore

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v2"

	ovserrors "github.com/tamirms/ovstore/errors"
)

// Config describes how the store is partitioned. It is produced by the
// configuration stage; the sorter only consumes it.
type Config interface {
	// NumSlices is the number of slices; slices are numbered 1..NumSlices.
	NumSlices() uint32
	// NumBuckets is the highest bucket index; buckets are numbered 0..NumBuckets.
	NumBuckets() uint32
}

// StoreConfig is the on-disk store configuration.
//
// Example:
//
//	numSlices: 4
//	numBuckets: 2
//	sliceLastRead: [250, 500, 750, 1000]
type StoreConfig struct {
	Slices  uint32 `yaml:"numSlices"`
	Buckets uint32 `yaml:"numBuckets"`

	// SliceLastRead[i] is the last AID owned by slice i+1. Optional; only
	// needed to route overlaps into slices (see BucketWriter).
	SliceLastRead []uint32 `yaml:"sliceLastRead,omitempty"`
}

// NumSlices implements Config.
func (c *StoreConfig) NumSlices() uint32 { return c.Slices }

// NumBuckets implements Config.
func (c *StoreConfig) NumBuckets() uint32 { return c.Buckets }

// SliceFor returns the slice owning overlaps with the given AID, or 0 when
// the configuration has no routing table or the AID is past its end.
func (c *StoreConfig) SliceFor(aid uint32) uint32 {
	i := sort.Search(len(c.SliceLastRead), func(i int) bool {
		return c.SliceLastRead[i] >= aid
	})
	if i == len(c.SliceLastRead) {
		return 0
	}
	return uint32(i + 1)
}

// Validate checks the configuration for internal consistency.
func (c *StoreConfig) Validate() error {
	if c.Slices == 0 {
		return fmt.Errorf("%w: numSlices must be at least 1", ovserrors.ErrInvalidConfig)
	}
	if c.SliceLastRead == nil {
		return nil
	}
	if len(c.SliceLastRead) != int(c.Slices) {
		return fmt.Errorf("%w: sliceLastRead has %d entries for %d slices",
			ovserrors.ErrInvalidConfig, len(c.SliceLastRead), c.Slices)
	}
	for i := 1; i < len(c.SliceLastRead); i++ {
		if c.SliceLastRead[i] <= c.SliceLastRead[i-1] {
			return fmt.Errorf("%w: sliceLastRead is not strictly increasing at slice %d",
				ovserrors.ErrInvalidConfig, i+1)
		}
	}
	return nil
}

// LoadConfig reads a YAML store configuration.
func LoadConfig(path string) (*StoreConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg := &StoreConfig{}
	if err := yaml.UnmarshalStrict(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: parse '%s': %v", ovserrors.ErrInvalidConfig, path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// SaveConfig writes cfg as YAML.
func SaveConfig(path string, cfg *StoreConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}
