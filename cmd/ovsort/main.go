// Ovsort sorts one slice of an overlap store: it gathers the slice's
// records from every bucket, sorts them in memory and writes the slice's
// segment.
//
// Usage:
//
//	ovsort -O store -S reads.seqStore -C store/config.yaml -s 3 -M 16
//
// Flags:
//
//	-O            Overlap store directory (required)
//	-S            Sequence store directory (required)
//	-C            Store configuration file (required)
//	-s            Slice to sort, 1-based (required)
//	-M            Memory limit in GB (default: unlimited)
//	-t            Sort goroutines; more than one needs twice the memory (default: 1)
//	-deleteearly  Remove the slice's bucket files once loaded
//	-deletelate   Remove the slice's bucket files after the segment is verified
//	-force        Run even if the slice's sentinel exists
//	-metrics      Write Prometheus metrics to this textfile when done
//	-v            Log per-bucket progress
//
// The exit status is 0 on success and 1 on any failure.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/tamirms/ovstore"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stderr)
	stop()
	os.Exit(code)
}

type options struct {
	storePath   string
	seqPath     string
	configPath  string
	slice       uint
	memory      string
	workers     int
	deleteEarly bool
	deleteLate  bool
	force       bool
	metricsPath string
	verbose     bool
}

func run(ctx context.Context, args []string, stderr io.Writer) int {
	fs := flag.NewFlagSet("ovsort", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var o options
	fs.StringVar(&o.storePath, "O", "", "overlap store directory")
	fs.StringVar(&o.seqPath, "S", "", "sequence store directory")
	fs.StringVar(&o.configPath, "C", "", "store configuration file")
	fs.UintVar(&o.slice, "s", 0, "slice to sort (1-based)")
	fs.StringVar(&o.memory, "M", "", "memory limit in GB (default unlimited)")
	fs.IntVar(&o.workers, "t", 1, "sort goroutines")
	fs.BoolVar(&o.deleteEarly, "deleteearly", false, "remove bucket files once loaded")
	fs.BoolVar(&o.deleteLate, "deletelate", false, "remove bucket files after the segment is verified")
	fs.BoolVar(&o.force, "force", false, "run even if the slice's sentinel exists")
	fs.StringVar(&o.metricsPath, "metrics", "", "write Prometheus metrics to this textfile")
	fs.BoolVar(&o.verbose, "v", false, "log per-bucket progress")
	fs.Usage = func() {
		fmt.Fprintf(stderr, "usage: ovsort -O store -S seqStore -C config -s slice [options]\n\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return 1
	}

	maxMemory, problems := o.validate()
	if len(problems) > 0 {
		fs.Usage()
		fmt.Fprintln(stderr)
		for _, p := range problems {
			fmt.Fprintf(stderr, "ERROR: %s\n", p)
		}
		return 1
	}

	log := logrus.New()
	log.SetOutput(stderr)
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if o.verbose {
		log.SetLevel(logrus.DebugLevel)
	}

	reg := prometheus.NewRegistry()
	err := sortSlice(ctx, o, maxMemory, log, reg)
	if o.metricsPath != "" {
		if werr := prometheus.WriteToTextfile(o.metricsPath, reg); werr != nil {
			log.WithError(werr).Warn("failed to write metrics")
		}
	}
	if err != nil {
		var fe *ovstore.FatalError
		if errors.As(err, &fe) && fe.Class == ovstore.ClassUsage {
			fs.Usage()
			fmt.Fprintln(stderr)
		}
		log.Errorf("ERROR: %v", err)
		return 1
	}
	return 0
}

// validate checks the flags and converts -M to bytes.
func (o *options) validate() (uint64, []string) {
	var problems []string
	if o.storePath == "" {
		problems = append(problems, "no overlap store (-O) supplied")
	}
	if o.seqPath == "" {
		problems = append(problems, "no sequence store (-S) supplied")
	}
	if o.configPath == "" {
		problems = append(problems, "no configuration (-C) supplied")
	}
	if o.slice == 0 {
		problems = append(problems, "no slice (-s) supplied")
	} else if uint64(o.slice) > uint64(^uint32(0)) {
		problems = append(problems, fmt.Sprintf("slice %d is too large", o.slice))
	}

	maxMemory := ovstore.Unlimited
	if o.memory != "" {
		gb, err := strconv.ParseFloat(o.memory, 64)
		if err == nil {
			maxMemory, err = ovstore.MemoryFromGB(gb)
		}
		switch {
		case err != nil:
			problems = append(problems, fmt.Sprintf("invalid memory limit -M %s", o.memory))
		case maxMemory < ovstore.MinMemory():
			problems = append(problems, fmt.Sprintf("memory limit -M %s GB is below the minimum of %.2f GB",
				o.memory, float64(ovstore.MinMemory())/(1<<30)))
		}
	}
	return maxMemory, problems
}

func sortSlice(ctx context.Context, o options, maxMemory uint64, log *logrus.Logger, reg prometheus.Registerer) error {
	cfg, err := ovstore.LoadConfig(o.configPath)
	if err != nil {
		return &ovstore.FatalError{Class: ovstore.ClassUsage, Slice: uint32(o.slice), Err: err}
	}
	seq, err := ovstore.OpenSeqStore(o.seqPath)
	if err != nil {
		return &ovstore.FatalError{Class: ovstore.ClassUsage, Slice: uint32(o.slice), Err: err}
	}

	opts := []ovstore.SorterOption{
		ovstore.WithMaxMemory(maxMemory),
		ovstore.WithSortWorkers(o.workers),
		ovstore.WithLogger(log),
		ovstore.WithRegisterer(reg),
	}
	if o.deleteEarly {
		opts = append(opts, ovstore.WithDeleteEarly())
	}
	if o.deleteLate {
		opts = append(opts, ovstore.WithDeleteLate())
	}
	if o.force {
		opts = append(opts, ovstore.WithForce())
	}

	s, err := ovstore.NewSliceSorter(o.storePath, cfg, seq, uint32(o.slice), opts...)
	if err != nil {
		return err
	}
	return s.Run(ctx)
}
