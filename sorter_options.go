package ovstore

import (
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// SorterOption is a functional option for configuring a SliceSorter.
type SorterOption func(*sorterConfig)

type sorterConfig struct {
	maxMemory   uint64
	deleteEarly bool
	deleteLate  bool
	force       bool
	workers     int
	logger      logrus.FieldLogger
	registerer  prometheus.Registerer
}

func defaultSorterConfig() *sorterConfig {
	discard := logrus.New()
	discard.SetOutput(io.Discard)
	return &sorterConfig{
		maxMemory: Unlimited,
		workers:   1, // Sequential in-place sort; use WithSortWorkers(n) to parallelize
		logger:    discard,
	}
}

// WithMaxMemory limits the working set to n bytes. The default is
// Unlimited.
func WithMaxMemory(n uint64) SorterOption {
	return func(c *sorterConfig) {
		c.maxMemory = n
	}
}

// WithDeleteEarly removes the slice's bucket files as soon as they are
// loaded, before the segment is written. A failure after that point cannot
// be retried from the same inputs.
func WithDeleteEarly() SorterOption {
	return func(c *sorterConfig) {
		c.deleteEarly = true
	}
}

// WithDeleteLate removes the slice's bucket files after the segment has
// been written and verified.
func WithDeleteLate() SorterOption {
	return func(c *sorterConfig) {
		c.deleteLate = true
	}
}

// WithForce runs even if the slice's sentinel exists.
func WithForce() SorterOption {
	return func(c *sorterConfig) {
		c.force = true
	}
}

// WithSortWorkers sets the number of goroutines used to sort. More than one
// worker needs memory for a second working set; when the limit does not
// allow it the sort falls back to a single in-place pass.
func WithSortWorkers(n int) SorterOption {
	return func(c *sorterConfig) {
		c.workers = n
	}
}

// WithLogger sets the destination for progress and diagnostic messages.
// The default discards them.
func WithLogger(l logrus.FieldLogger) SorterOption {
	return func(c *sorterConfig) {
		c.logger = l
	}
}

// WithRegisterer registers the sorter's metrics with reg.
func WithRegisterer(reg prometheus.Registerer) SorterOption {
	return func(c *sorterConfig) {
		c.registerer = reg
	}
}
