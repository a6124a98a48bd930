package ovstore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	ovserrors "github.com/tamirms/ovstore/errors"
)

const sentinelSuffix = ".started"

// SentinelPath returns the marker file that claims slice for a running job.
func SentinelPath(storePath string, slice uint32) string {
	return filepath.Join(storePath, fmt.Sprintf("%04d%s", slice, sentinelSuffix))
}

func validateSlice(slice, numSlices uint32) error {
	if slice == 0 || slice > numSlices {
		return fmt.Errorf("%w: slice %d is outside valid range 1-%d", ovserrors.ErrInvalidSlice, slice, numSlices)
	}
	return nil
}

// acquireSentinel claims slice. Without force, creation is exclusive: if the
// marker already exists another job is assumed to be working on the slice
// and ErrSliceInProgress is returned. With force the marker is created or
// truncated regardless.
func acquireSentinel(storePath string, slice, numSlices uint32, force bool) error {
	if err := validateSlice(slice, numSlices); err != nil {
		return err
	}

	path := SentinelPath(storePath, slice)
	flag := os.O_WRONLY | os.O_CREATE
	if force {
		flag |= os.O_TRUNC
	} else {
		flag |= os.O_EXCL
	}

	f, err := os.OpenFile(path, flag, 0644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return fmt.Errorf("%w: job for slice %d already in progress (sentinel '%s' exists)",
				ovserrors.ErrSliceInProgress, slice, path)
		}
		return fmt.Errorf("create sentinel '%s': %w", path, err)
	}
	return f.Close()
}

// releaseSentinel removes slice's marker. Removing an absent marker is not
// an error.
func releaseSentinel(storePath string, slice uint32) error {
	err := os.Remove(SentinelPath(storePath, slice))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove sentinel: %w", err)
	}
	return nil
}
