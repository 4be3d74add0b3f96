package main

import (
	"context"
	"fmt"
	"io"
	"slices"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/seantiz/xstream/internal/device/host"
	"github.com/seantiz/xstream/internal/execctx"
	"github.com/seantiz/xstream/internal/profiler"
	"github.com/seantiz/xstream/internal/queue"
	"github.com/seantiz/xstream/internal/stream"
)

type benchOptions struct {
	goroutines int
	ops        int
	size       int
	profiling  bool
	outOfOrder bool
}

// laneResult is what one benchmark goroutine measured on its lane.
type laneResult struct {
	lane    execctx.LaneID
	ops     int
	bytes   int
	elapsed time.Duration
}

func newBenchCmd() *cobra.Command {
	var opts benchOptions
	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Issue fills from many goroutines on one host stream",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runBench(cmd.Context(), opts, cmd.OutOrStdout())
		},
	}
	cmd.Flags().IntVar(&opts.goroutines, "goroutines", 4, "number of concurrent lanes")
	cmd.Flags().IntVar(&opts.ops, "ops", 1000, "fills issued per lane")
	cmd.Flags().IntVar(&opts.size, "size", 4096, "bytes per fill")
	cmd.Flags().BoolVar(&opts.profiling, "profiling", false, "collect per-operation timing")
	cmd.Flags().BoolVar(&opts.outOfOrder, "out-of-order", false, "use an out-of-order queue")
	return cmd
}

func runBench(ctx context.Context, opts benchOptions, w io.Writer) error {
	if opts.goroutines <= 0 || opts.ops <= 0 || opts.size <= 0 {
		return fmt.Errorf("goroutines, ops and size must be positive")
	}

	flags := queue.FlagInOrder
	if opts.outOfOrder {
		flags = queue.FlagOutOfOrder
	}
	if opts.profiling {
		flags |= queue.FlagProfiling
	}

	eng := host.New()
	s, err := stream.New(eng, flags)
	if err != nil {
		return err
	}
	defer s.Close()

	results := make([]laneResult, opts.goroutines)
	start := time.Now()
	var g errgroup.Group
	for i := range opts.goroutines {
		s.Go(ctx, &g, func(ctx context.Context) error {
			buf, err := eng.Allocate(opts.size)
			if err != nil {
				return err
			}
			laneStart := time.Now()
			for n := range opts.ops {
				if _, err := s.Fill(ctx, buf, byte(n), opts.size, nil); err != nil {
					return fmt.Errorf("lane %d fill %d: %w", i, n, err)
				}
			}
			last := s.OutputEvent(ctx)
			<-last.Done()
			if err := last.Err(); err != nil {
				return fmt.Errorf("lane %d: %w", i, err)
			}
			results[i] = laneResult{
				lane:    execctx.LaneOf(ctx),
				ops:     opts.ops,
				bytes:   opts.ops * opts.size,
				elapsed: time.Since(laneStart),
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if err := s.Wait(); err != nil {
		return err
	}
	total := time.Since(start)

	fmt.Fprintf(w, "stream %s on %s (%s)\n\n", s.ID(), eng.Name(), s.Flags())
	writeLaneTable(w, results)
	fmt.Fprintf(w, "\ntotal %d ops in %s\n", opts.goroutines*opts.ops, total.Round(time.Microsecond))

	if !s.Profiling() {
		return nil
	}
	fmt.Fprintln(w)
	return writeProfilingTable(w, s)
}

func writeLaneTable(w io.Writer, results []laneResult) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"LANE", "OPS", "BYTES", "ELAPSED", "OPS/S"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetBorder(false)
	for _, r := range results {
		rate := float64(r.ops) / r.elapsed.Seconds()
		table.Append([]string{
			string(r.lane),
			strconv.Itoa(r.ops),
			strconv.Itoa(r.bytes),
			r.elapsed.Round(time.Microsecond).String(),
			strconv.FormatFloat(rate, 'f', 0, 64),
		})
	}
	table.Render()
}

// writeProfilingTable summarises the stream's samples of every kind.
func writeProfilingTable(w io.Writer, s *stream.Stream) error {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"KIND", "SAMPLES", "MIN", "MEAN", "P50", "P99", "MAX"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetBorder(false)

	for _, kind := range []profiler.Kind{profiler.KindTime, profiler.KindCycles} {
		n, err := s.ProfilingData(kind, nil)
		if err != nil {
			return err
		}
		values := make([]uint64, n)
		if _, err := s.ProfilingData(kind, values); err != nil {
			return err
		}
		table.Append(summarize(kind.String(), values))
	}
	table.Render()
	return nil
}

func summarize(name string, values []uint64) []string {
	if len(values) == 0 {
		return []string{name, "0", "-", "-", "-", "-", "-"}
	}
	sorted := slices.Clone(values)
	slices.Sort(sorted)

	var sum uint64
	for _, v := range sorted {
		sum += v
	}
	pct := func(p int) uint64 {
		return sorted[(len(sorted)-1)*p/100]
	}
	u := func(v uint64) string { return strconv.FormatUint(v, 10) }
	return []string{
		name,
		strconv.Itoa(len(sorted)),
		u(sorted[0]),
		u(sum / uint64(len(sorted))),
		u(pct(50)),
		u(pct(99)),
		u(sorted[len(sorted)-1]),
	}
}
