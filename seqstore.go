package ovstore

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v2"

	ovserrors "github.com/tamirms/ovstore/errors"
)

// seqInfoName is the metadata file inside a sequence store directory.
const seqInfoName = "info.yaml"

// SeqStore is the part of the sequence store the sorter needs: the range of
// valid read IDs.
type SeqStore interface {
	// NumReads is the highest valid read ID; IDs are 1..NumReads.
	NumReads() uint32
}

// SeqInfo is the sequence store metadata read from <seqStore>/info.yaml.
type SeqInfo struct {
	Reads uint32 `yaml:"numReads"`
}

// NumReads implements SeqStore.
func (s *SeqInfo) NumReads() uint32 { return s.Reads }

// OpenSeqStore reads the metadata of the sequence store at path.
func OpenSeqStore(path string) (*SeqInfo, error) {
	infoPath := filepath.Join(path, seqInfoName)
	data, err := os.ReadFile(infoPath)
	if err != nil {
		return nil, fmt.Errorf("open sequence store: %w", err)
	}
	info := &SeqInfo{}
	if err := yaml.Unmarshal(data, info); err != nil {
		return nil, fmt.Errorf("%w: parse '%s': %v", ovserrors.ErrInvalidSeq, infoPath, err)
	}
	if info.Reads == 0 {
		return nil, fmt.Errorf("%w: '%s' has no reads", ovserrors.ErrInvalidSeq, infoPath)
	}
	return info, nil
}

// CreateSeqStore writes sequence store metadata into dir, creating it.
func CreateSeqStore(dir string, numReads uint32) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	data, err := yaml.Marshal(&SeqInfo{Reads: numReads})
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, seqInfoName), data, 0644)
}
