package ovstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	ovserrors "github.com/tamirms/ovstore/errors"
	"github.com/tamirms/ovstore/overlap"
)

// ErrorClass groups the failures of a slice sort by what they leave behind.
type ErrorClass int

const (
	// ClassUsage: bad arguments. Nothing was touched.
	ClassUsage ErrorClass = iota
	// ClassInProgress: another job holds the slice's sentinel.
	ClassInProgress
	// ClassResource: the working set does not fit the memory limit.
	ClassResource
	// ClassIntegrity: the inputs disagree with their own metadata. The
	// sentinel is kept so the slice is not retried until someone looks.
	ClassIntegrity
	// ClassIO: a filesystem operation failed or the run was cancelled.
	ClassIO
)

func (c ErrorClass) String() string {
	switch c {
	case ClassUsage:
		return "usage"
	case ClassInProgress:
		return "in_progress"
	case ClassResource:
		return "resource"
	case ClassIntegrity:
		return "integrity"
	case ClassIO:
		return "io"
	default:
		return fmt.Sprintf("ErrorClass(%d)", int(c))
	}
}

// FatalError is the only error type returned by SliceSorter.Run.
type FatalError struct {
	Class ErrorClass
	Slice uint32
	Err   error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("slice %d: %s: %v", e.Slice, e.Class, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// classify maps an error to its class, falling back to ClassIO.
func classify(err error) ErrorClass {
	switch {
	case errors.Is(err, ovserrors.ErrInvalidSlice),
		errors.Is(err, ovserrors.ErrInvalidMemory),
		errors.Is(err, ovserrors.ErrInvalidConfig),
		errors.Is(err, ovserrors.ErrInvalidSeq),
		errors.Is(err, ovserrors.ErrSorterFinished):
		return ClassUsage
	case errors.Is(err, ovserrors.ErrSliceInProgress):
		return ClassInProgress
	case errors.Is(err, ovserrors.ErrMemoryBudget):
		return ClassResource
	case errors.Is(err, ovserrors.ErrCountMismatch),
		errors.Is(err, ovserrors.ErrBucketCorrupt),
		errors.Is(err, ovserrors.ErrBucketMissing),
		errors.Is(err, ovserrors.ErrReadIDOutOfRange),
		errors.Is(err, ovserrors.ErrWorkingSetFull),
		errors.Is(err, ovserrors.ErrShortRecord),
		errors.Is(err, ovserrors.ErrSegmentOutOfOrder),
		errors.Is(err, ovserrors.ErrChecksumFailed),
		errors.Is(err, ovserrors.ErrCorruptSegment),
		errors.Is(err, ovserrors.ErrTruncatedFile),
		errors.Is(err, ovserrors.ErrInvalidMagic),
		errors.Is(err, ovserrors.ErrInvalidVersion):
		return ClassIntegrity
	default:
		return ClassIO
	}
}

// SliceSorter turns one slice's bucket contributions into its sorted
// segment.
//
// Usage:
//
//	s, err := ovstore.NewSliceSorter(storePath, cfg, seq, slice,
//	    ovstore.WithMaxMemory(16<<30), ovstore.WithDeleteLate())
//	if err != nil { return err }
//	return s.Run(ctx)
//
// A run claims the slice with a sentinel file, so two processes never sort
// the same slice at once. The sentinel is removed when the run succeeds or
// fails for a reason worth retrying; it is kept after an integrity failure.
type SliceSorter struct {
	storePath string
	cfg       *sorterConfig
	numSlices uint32
	buckets   uint32
	numReads  uint32
	slice     uint32

	log     logrus.FieldLogger
	metrics *sorterMetrics
	ran     bool
}

// NewSliceSorter validates the arguments of a slice sort. It touches no
// files.
func NewSliceSorter(storePath string, cfg Config, seq SeqStore, slice uint32, opts ...SorterOption) (*SliceSorter, error) {
	c := defaultSorterConfig()
	for _, opt := range opts {
		opt(c)
	}
	if c.workers < 1 {
		c.workers = 1
	}

	usage := func(err error) error {
		return &FatalError{Class: ClassUsage, Slice: slice, Err: err}
	}
	if cfg == nil {
		return nil, usage(fmt.Errorf("%w: no configuration", ovserrors.ErrInvalidConfig))
	}
	if seq == nil || seq.NumReads() == 0 {
		return nil, usage(fmt.Errorf("%w: no reads", ovserrors.ErrInvalidSeq))
	}
	if err := validateSlice(slice, cfg.NumSlices()); err != nil {
		return nil, usage(err)
	}
	if c.maxMemory < overlap.SortSize {
		return nil, usage(fmt.Errorf("%w: %d bytes", ovserrors.ErrInvalidMemory, c.maxMemory))
	}

	return &SliceSorter{
		storePath: storePath,
		cfg:       c,
		numSlices: cfg.NumSlices(),
		buckets:   cfg.NumBuckets(),
		numReads:  seq.NumReads(),
		slice:     slice,
		log:       c.logger.WithField("slice", slice),
		metrics:   newSorterMetrics(c.registerer),
	}, nil
}

// Run sorts the slice. Every error it returns is a *FatalError.
// A SliceSorter runs once.
func (s *SliceSorter) Run(ctx context.Context) (err error) {
	if s.ran {
		return s.fatal(ovserrors.ErrSorterFinished)
	}
	s.ran = true

	if err := acquireSentinel(s.storePath, s.slice, s.numSlices, s.cfg.force); err != nil {
		return s.fatal(err)
	}
	held := true
	defer func() {
		if err == nil {
			s.metrics.Runs.WithLabelValues("success").Inc()
			return
		}
		fe := err.(*FatalError)
		s.metrics.Runs.WithLabelValues(fe.Class.String()).Inc()
		if !held {
			return
		}
		if fe.Class == ClassIntegrity {
			s.log.WithField("sentinel", SentinelPath(s.storePath, s.slice)).
				Warn("inputs are inconsistent; sentinel left in place, remove it to retry")
			return
		}
		if rerr := releaseSentinel(s.storePath, s.slice); rerr != nil {
			fe.Err = errors.Join(fe.Err, rerr)
		}
	}()

	ws, err := s.load(ctx)
	if err != nil {
		return s.fatal(err)
	}

	if s.cfg.deleteEarly {
		if err := s.removeBucketFiles("early"); err != nil {
			return s.fatal(err)
		}
	}

	start := time.Now()
	path, err := sortOverlaps(ctx, ws, s.cfg.maxMemory, s.cfg.workers)
	if err != nil {
		return s.fatal(err)
	}
	s.metrics.observePhase("sort", start)
	s.log.WithFields(logrus.Fields{
		"records": len(ws),
		"path":    path.String(),
		"workers": s.cfg.workers,
	}).Info("sorted overlaps")

	if err := ctx.Err(); err != nil {
		return s.fatal(err)
	}
	if err := s.persist(ws); err != nil {
		return s.fatal(err)
	}

	if err := releaseSentinel(s.storePath, s.slice); err != nil {
		return s.fatal(err)
	}
	held = false

	if s.cfg.deleteLate {
		if err := s.removeBucketFiles("late"); err != nil {
			return s.fatal(err)
		}
	}

	s.log.Info("Success!")
	return nil
}

func (s *SliceSorter) fatal(err error) error {
	return &FatalError{Class: classify(err), Slice: s.slice, Err: err}
}

// load sizes the slice, checks the budget and reads every bucket's
// contribution, in bucket order, into a working set allocated exactly once.
func (s *SliceSorter) load(ctx context.Context) ([]overlap.Overlap, error) {
	start := time.Now()
	sizes, total, err := loadBucketSizes(ctx, s.storePath, s.buckets, s.slice, s.numSlices)
	if err != nil {
		return nil, err
	}
	s.metrics.observePhase("size", start)

	if err := checkMemory(total, overlap.SortSize, s.cfg.maxMemory); err != nil {
		return nil, err
	}
	need := total * overlap.SortSize
	s.metrics.WorkingSetBytes.Set(float64(need))
	if s.cfg.maxMemory == Unlimited {
		if phys, over := exceedsPhysicalMemory(need); over {
			s.log.WithFields(logrus.Fields{
				"need":     humanize.IBytes(need),
				"physical": humanize.IBytes(phys),
			}).Warn("working set is larger than physical memory and no limit is set")
		}
	}
	s.log.WithFields(logrus.Fields{
		"records": total,
		"buckets": len(sizes),
		"bytes":   humanize.IBytes(need),
	}).Info("loading overlaps")

	start = time.Now()
	ws := make([]overlap.Overlap, 0, total)
	for b, expected := range sizes {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		before := len(ws)
		ws, err = loadOverlapsFromBucket(s.storePath, uint32(b), s.slice, s.numReads, expected, ws)
		if err != nil {
			return nil, err
		}
		if expected > 0 || len(ws) > before {
			s.log.WithFields(logrus.Fields{
				"bucket":   b,
				"records":  len(ws) - before,
				"expected": expected,
			}).Debug("loaded bucket")
		}
	}
	if uint64(len(ws)) != total {
		return nil, fmt.Errorf("%w: read %d overlaps, expected %d", ovserrors.ErrCountMismatch, len(ws), total)
	}
	s.metrics.OverlapsLoaded.Set(float64(len(ws)))
	s.metrics.observePhase("load", start)
	return ws, nil
}

// persist writes the segment and, when the bucket files are about to be
// deleted, reads it back to make sure they are no longer needed.
func (s *SliceSorter) persist(ws []overlap.Overlap) error {
	start := time.Now()
	stats, err := writeSegment(s.storePath, s.slice, s.numSlices, ws)
	if err != nil {
		return err
	}
	s.metrics.OverlapsWritten.Set(float64(stats.Records))
	s.metrics.SegmentBytes.Set(float64(stats.Bytes))
	s.metrics.observePhase("write", start)
	s.log.WithFields(logrus.Fields{
		"records": stats.Records,
		"reads":   stats.IndexEntries,
		"bytes":   humanize.IBytes(stats.Bytes),
		"path":    SegmentPath(s.storePath, s.slice),
	}).Info("wrote segment")

	if !s.cfg.deleteLate {
		return nil
	}
	seg, err := OpenSegment(SegmentPath(s.storePath, s.slice))
	if err != nil {
		return err
	}
	verifyErr := seg.Verify()
	if verifyErr == nil && seg.NumRecords() != uint64(len(ws)) {
		verifyErr = fmt.Errorf("%w: segment holds %d overlaps, wrote %d",
			ovserrors.ErrCorruptSegment, seg.NumRecords(), len(ws))
	}
	return errors.Join(verifyErr, seg.Close())
}

// removeBucketFiles deletes this slice's file from every bucket.
func (s *SliceSorter) removeBucketFiles(when string) error {
	start := time.Now()
	for b := uint32(0); b <= s.buckets; b++ {
		if err := removeOverlapSlice(s.storePath, b, s.slice); err != nil {
			return fmt.Errorf("remove bucket %d slice file: %w", b, err)
		}
	}
	s.metrics.observePhase("cleanup", start)
	s.log.WithField("when", when).Info("removed bucket slice files")
	return nil
}
