package ovstore

import (
	"encoding/binary"
	"hash/fnv"
	"math/rand/v2"
	"os"
	"slices"
	"testing"

	"github.com/tamirms/ovstore/overlap"
)

// Fixed base seeds; each test mixes in a hash of its own name so tests stay
// independent of execution order.
const (
	testSeed1 = 0x0123456789abcdef
	testSeed2 = 0xfedcba9876543210
)

func newTestRNG(t testing.TB) *rand.Rand {
	t.Helper()
	h := fnv.New128a()
	h.Write([]byte(t.Name()))
	sum := h.Sum(nil)
	s1 := binary.LittleEndian.Uint64(sum[:8])
	s2 := binary.LittleEndian.Uint64(sum[8:])
	return rand.New(rand.NewPCG(testSeed1^s1, testSeed2^s2))
}

// randomOverlap returns an overlap between two distinct reads in
// [1, numReads]. AID is drawn from [aidLo, aidHi].
func randomOverlap(rng *rand.Rand, aidLo, aidHi, numReads uint32) overlap.Overlap {
	aid := aidLo + rng.Uint32N(aidHi-aidLo+1)
	bid := 1 + rng.Uint32N(numReads)
	if bid == aid {
		bid = aid%numReads + 1
	}
	return overlap.Overlap{
		AID:    aid,
		BID:    bid,
		AHang:  int32(rng.IntN(2001)) - 1000,
		BHang:  int32(rng.IntN(2001)) - 1000,
		Span:   rng.Uint32N(20000),
		EValue: uint16(rng.UintN(1 << 12)),
		Flags:  uint16(rng.UintN(16)),
	}
}

func randomOverlaps(rng *rand.Rand, n int, aidLo, aidHi, numReads uint32) []overlap.Overlap {
	out := make([]overlap.Overlap, n)
	for i := range out {
		out[i] = randomOverlap(rng, aidLo, aidHi, numReads)
	}
	return out
}

// testStore describes store inputs: contributions[bucket][slice].
type testStore struct {
	dir           string
	cfg           *StoreConfig
	seq           *SeqInfo
	contributions map[uint32]map[uint32][]overlap.Overlap
}

func newTestStore(t *testing.T, numSlices, numBuckets, numReads uint32) *testStore {
	t.Helper()
	return &testStore{
		dir:           t.TempDir(),
		cfg:           &StoreConfig{Slices: numSlices, Buckets: numBuckets},
		seq:           &SeqInfo{Reads: numReads},
		contributions: make(map[uint32]map[uint32][]overlap.Overlap),
	}
}

// add records recs as bucket's contribution to slice and writes them.
func (ts *testStore) add(t *testing.T, bucket, slice uint32, recs []overlap.Overlap) {
	t.Helper()
	bw, err := NewBucketWriter(ts.dir, bucket, ts.cfg)
	if err != nil {
		t.Fatalf("NewBucketWriter(%d): %v", bucket, err)
	}
	for _, o := range recs {
		if err := bw.AddToSlice(slice, o); err != nil {
			t.Fatalf("AddToSlice(%d): %v", slice, err)
		}
	}
	if err := bw.Close(); err != nil {
		t.Fatalf("BucketWriter.Close: %v", err)
	}
	if ts.contributions[bucket] == nil {
		ts.contributions[bucket] = make(map[uint32][]overlap.Overlap)
	}
	ts.contributions[bucket][slice] = append(ts.contributions[bucket][slice], recs...)
}

// expected returns every record written for slice, sorted.
func (ts *testStore) expected(slice uint32) []overlap.Overlap {
	var all []overlap.Overlap
	for _, bySlice := range ts.contributions {
		all = append(all, bySlice[slice]...)
	}
	slices.SortFunc(all, overlap.Compare)
	return all
}

func (ts *testStore) sorter(t *testing.T, slice uint32, opts ...SorterOption) *SliceSorter {
	t.Helper()
	s, err := NewSliceSorter(ts.dir, ts.cfg, ts.seq, slice, opts...)
	if err != nil {
		t.Fatalf("NewSliceSorter: %v", err)
	}
	return s
}

// readSegment opens, verifies and fully decodes slice's segment.
func readSegment(t *testing.T, storePath string, slice uint32) []overlap.Overlap {
	t.Helper()
	seg, err := OpenSegment(SegmentPath(storePath, slice))
	if err != nil {
		t.Fatalf("OpenSegment: %v", err)
	}
	defer seg.Close()
	if err := seg.Verify(); err != nil {
		t.Fatalf("Verify: %v", err)
	}
	recs, err := seg.Records(nil)
	if err != nil {
		t.Fatalf("Records: %v", err)
	}
	return recs
}

func fileExists(t *testing.T, path string) bool {
	t.Helper()
	_, err := os.Stat(path)
	if err == nil {
		return true
	}
	if !os.IsNotExist(err) {
		t.Fatalf("stat %s: %v", path, err)
	}
	return false
}
