package ovstore

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math/bits"
	"os"
	"path/filepath"

	"github.com/edsrzf/mmap-go"
	"github.com/zeebo/xxh3"
	"golang.org/x/sync/errgroup"

	ovserrors "github.com/tamirms/ovstore/errors"
	"github.com/tamirms/ovstore/internal/writebuf"
	"github.com/tamirms/ovstore/overlap"
)

const (
	// sliceSizesMagic identifies a bucket's per-slice count table.
	// "OVBS" in little-endian
	sliceSizesMagic = uint32(0x5342564F)

	sliceSizesName = "sliceSizes"

	// sizeLoaders bounds concurrent sliceSizes reads.
	sizeLoaders = 8
)

// BucketDir returns the directory holding one bucket's contributions.
func BucketDir(storePath string, bucket uint32) string {
	return filepath.Join(storePath, fmt.Sprintf("bucket%04d", bucket))
}

// bucketSlicePath returns the file holding bucket's records for slice.
func bucketSlicePath(storePath string, bucket, slice uint32) string {
	return filepath.Join(BucketDir(storePath, bucket), fmt.Sprintf("slice%04d", slice))
}

// encodeSliceSizes serializes a count table.
//
// Layout:
//
//	Offset     Size            Field      Type
//	0          4               Magic      0x5342564F ("OVBS")
//	4          4               NumSlices  uint32_le
//	8          8×(NumSlices+1) Counts     uint64_le (index 0 unused)
//	8+8×(S+1)  8               Checksum   uint64_le (xxh3 of preceding bytes)
func encodeSliceSizes(counts []uint64) []byte {
	buf := make([]byte, 8+8*len(counts)+8)
	binary.LittleEndian.PutUint32(buf[0:4], sliceSizesMagic)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(len(counts)-1))
	for i, c := range counts {
		binary.LittleEndian.PutUint64(buf[8+8*i:], c)
	}
	body := len(buf) - 8
	binary.LittleEndian.PutUint64(buf[body:], xxh3.Hash(buf[:body]))
	return buf
}

func decodeSliceSizes(buf []byte) ([]uint64, error) {
	if len(buf) < 8+8+8 {
		return nil, fmt.Errorf("%w: sliceSizes truncated", ovserrors.ErrBucketCorrupt)
	}
	if binary.LittleEndian.Uint32(buf[0:4]) != sliceSizesMagic {
		return nil, fmt.Errorf("%w: sliceSizes has bad magic", ovserrors.ErrBucketCorrupt)
	}
	numSlices := uint64(binary.LittleEndian.Uint32(buf[4:8]))
	if uint64(len(buf)) != 8+8*(numSlices+1)+8 {
		return nil, fmt.Errorf("%w: sliceSizes is %d bytes for %d slices",
			ovserrors.ErrBucketCorrupt, len(buf), numSlices)
	}
	body := len(buf) - 8
	if xxh3.Hash(buf[:body]) != binary.LittleEndian.Uint64(buf[body:]) {
		return nil, fmt.Errorf("%w: sliceSizes checksum", ovserrors.ErrBucketCorrupt)
	}

	counts := make([]uint64, numSlices+1)
	for i := range counts {
		counts[i] = binary.LittleEndian.Uint64(buf[8+8*i:])
	}
	return counts, nil
}

// readSliceSizes loads a bucket's count table. ok is false when the bucket
// directory does not exist.
func readSliceSizes(storePath string, bucket, numSlices uint32) (counts []uint64, ok bool, err error) {
	dir := BucketDir(storePath, bucket)
	data, err := os.ReadFile(filepath.Join(dir, sliceSizesName))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			if _, statErr := os.Stat(dir); errors.Is(statErr, os.ErrNotExist) {
				return nil, false, nil
			}
			return nil, false, fmt.Errorf("%w: bucket %d has no %s", ovserrors.ErrBucketCorrupt, bucket, sliceSizesName)
		}
		return nil, false, fmt.Errorf("read bucket %d sizes: %w", bucket, err)
	}

	counts, err = decodeSliceSizes(data)
	if err != nil {
		return nil, false, fmt.Errorf("bucket %d: %w", bucket, err)
	}
	if len(counts) != int(numSlices)+1 {
		return nil, false, fmt.Errorf("%w: bucket %d was written for %d slices, store has %d",
			ovserrors.ErrBucketCorrupt, bucket, len(counts)-1, numSlices)
	}
	return counts, true, nil
}

// writeSliceSizes replaces a bucket's count table atomically.
func writeSliceSizes(dir string, counts []uint64) error {
	path := filepath.Join(dir, sliceSizesName)
	tmp := path + tmpSuffix
	if err := os.WriteFile(tmp, encodeSliceSizes(counts), 0644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return errors.Join(err, os.Remove(tmp))
	}
	return nil
}

// loadBucketSizes returns, for every bucket in [0, numBuckets], how many
// overlaps it holds for slice, plus their sum. Missing buckets count zero.
// The small count tables are read concurrently.
func loadBucketSizes(ctx context.Context, storePath string, numBuckets, slice, numSlices uint32) ([]uint64, uint64, error) {
	sizes := make([]uint64, uint64(numBuckets)+1)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(sizeLoaders)
	for b := range sizes {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			counts, ok, err := readSliceSizes(storePath, uint32(b), numSlices)
			if err != nil {
				return err
			}
			if ok {
				sizes[b] = counts[slice]
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, 0, err
	}

	var total, carry uint64
	for b, n := range sizes {
		total, carry = bits.Add64(total, n, 0)
		if carry != 0 {
			return nil, 0, fmt.Errorf("%w: slice %d counts overflow at bucket %d",
				ovserrors.ErrBucketCorrupt, slice, b)
		}
	}
	return sizes, total, nil
}

// loadOverlapsFromBucket appends bucket's records for slice to ws. The
// working set is never grown: a bucket holding more records than ws has
// room for is an error. Every loaded record must name reads in
// [1, numReads], and the file must hold exactly expected records.
func loadOverlapsFromBucket(storePath string, bucket, slice, numReads uint32, expected uint64, ws []overlap.Overlap) ([]overlap.Overlap, error) {
	path := bucketSlicePath(storePath, bucket, slice)
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			if expected == 0 {
				return ws, nil
			}
			return ws, fmt.Errorf("%w: '%s' (expected %d overlaps)", ovserrors.ErrBucketMissing, path, expected)
		}
		return ws, fmt.Errorf("open bucket slice file: %w", err)
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil {
		return ws, fmt.Errorf("stat bucket slice file: %w", err)
	}
	size := stat.Size()
	if size%overlap.Size != 0 {
		return ws, fmt.Errorf("%w: '%s' is %d bytes, not a whole number of overlaps",
			ovserrors.ErrBucketCorrupt, path, size)
	}
	n := uint64(size / overlap.Size)
	if n != expected {
		return ws, fmt.Errorf("%w: bucket %d file '%s' holds %d overlaps, sizes table says %d",
			ovserrors.ErrCountMismatch, bucket, path, n, expected)
	}
	if n == 0 {
		return ws, nil
	}
	if room := uint64(cap(ws) - len(ws)); n > room {
		return ws, fmt.Errorf("%w: '%s' holds %d overlaps, room for %d",
			ovserrors.ErrWorkingSetFull, path, n, room)
	}

	mm, err := mmap.Map(file, mmap.RDONLY, 0)
	if err != nil {
		return ws, fmt.Errorf("mmap bucket slice file: %w", err)
	}
	madviseSequential(mm)

	start := len(ws)
	ws, err = overlap.DecodeInto(ws, mm)
	if err == nil {
		err = checkReadIDs(ws[start:], numReads)
	}
	if unmapErr := mm.Unmap(); unmapErr != nil {
		err = errors.Join(err, fmt.Errorf("unmap bucket slice file: %w", unmapErr))
	}
	if err != nil {
		return ws, fmt.Errorf("bucket %d: %w", bucket, err)
	}
	return ws, nil
}

func checkReadIDs(recs []overlap.Overlap, numReads uint32) error {
	for i := range recs {
		o := &recs[i]
		if o.AID == 0 || o.AID > numReads || o.BID == 0 || o.BID > numReads {
			return fmt.Errorf("%w: overlap %d has A=%d B=%d, valid IDs are 1-%d",
				ovserrors.ErrReadIDOutOfRange, i, o.AID, o.BID, numReads)
		}
	}
	return nil
}

// removeOverlapSlice deletes bucket's records for slice. Absent files are
// not an error.
func removeOverlapSlice(storePath string, bucket, slice uint32) error {
	err := os.Remove(bucketSlicePath(storePath, bucket, slice))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// BucketWriter appends overlaps to one bucket, routing each into the file
// of the slice that owns its AID. Counts are merged into the bucket's
// existing sliceSizes table on Close, so several runs may add to the same
// bucket one after another.
type BucketWriter struct {
	storePath string
	bucket    uint32
	cfg       *StoreConfig

	writers []*writebuf.Writer // indexed by slice; nil until first record
	counts  []uint64
	scratch [overlap.Size]byte
	closed  bool
}

// NewBucketWriter opens bucket for appending, creating its directory.
func NewBucketWriter(storePath string, bucket uint32, cfg *StoreConfig) (*BucketWriter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	dir := BucketDir(storePath, bucket)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create bucket directory: %w", err)
	}

	counts := make([]uint64, cfg.NumSlices()+1)
	_, err := os.Stat(filepath.Join(dir, sliceSizesName))
	switch {
	case err == nil:
		if counts, _, err = readSliceSizes(storePath, bucket, cfg.NumSlices()); err != nil {
			return nil, err
		}
	case !errors.Is(err, os.ErrNotExist):
		return nil, fmt.Errorf("stat bucket sizes: %w", err)
	}

	return &BucketWriter{
		storePath: storePath,
		bucket:    bucket,
		cfg:       cfg,
		writers:   make([]*writebuf.Writer, cfg.NumSlices()+1),
		counts:    counts,
	}, nil
}

// Add routes o by its AID using the configuration's sliceLastRead table.
func (bw *BucketWriter) Add(o overlap.Overlap) error {
	slice := bw.cfg.SliceFor(o.AID)
	if slice == 0 {
		return fmt.Errorf("%w: no slice owns read %d", ovserrors.ErrInvalidConfig, o.AID)
	}
	return bw.AddToSlice(slice, o)
}

// AddToSlice appends o to slice's file.
func (bw *BucketWriter) AddToSlice(slice uint32, o overlap.Overlap) error {
	if bw.closed {
		return ovserrors.ErrWriterClosed
	}
	if slice == 0 || slice > bw.cfg.NumSlices() {
		return fmt.Errorf("%w: %d (valid 1-%d)", ovserrors.ErrInvalidSlice, slice, bw.cfg.NumSlices())
	}

	w := bw.writers[slice]
	if w == nil {
		var err error
		w, err = writebuf.New(bucketSlicePath(bw.storePath, bw.bucket, slice), writebuf.ModeAppend)
		if err != nil {
			return err
		}
		if w.Tell() != bw.counts[slice]*overlap.Size {
			closeErr := w.Close()
			primaryErr := fmt.Errorf("%w: slice %d file is %d bytes, sizes table says %d overlaps",
				ovserrors.ErrBucketCorrupt, slice, w.Tell(), bw.counts[slice])
			return errors.Join(primaryErr, closeErr)
		}
		bw.writers[slice] = w
	}

	o.Encode(bw.scratch[:])
	if _, err := w.Write(bw.scratch[:]); err != nil {
		return err
	}
	bw.counts[slice]++
	return nil
}

// Counts returns the per-slice totals, including records from earlier runs.
// Index 0 is unused.
func (bw *BucketWriter) Counts() []uint64 {
	return append([]uint64(nil), bw.counts...)
}

// Close flushes every slice file and then writes the sizes table. The table
// is only written if all files closed cleanly.
func (bw *BucketWriter) Close() error {
	if bw.closed {
		return nil
	}
	bw.closed = true

	var errs []error
	for _, w := range bw.writers {
		if w != nil {
			errs = append(errs, w.Close())
		}
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}
	return writeSliceSizes(BucketDir(bw.storePath, bw.bucket), bw.counts)
}
