// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"
	"unsafe"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	alloc "github.com/wundergraph/go-alloc"
	"github.com/wundergraph/go-alloc/metrics"
)

type runOptions struct {
	heapBytes   string
	pageBudget  string
	subsystems  []string
	workers     int
	iterations  int
	maxSize     string
	leak        int
	track       bool
	metricsAddr string
}

func init() {
	opts := &runOptions{}
	cmd := newRunCmd(opts)
	cmd.Flags().StringVar(&opts.heapBytes, "heap-bytes", "16MiB", "Size of the default heap region")
	cmd.Flags().StringVar(&opts.pageBudget, "page-budget", "", "Cap on bytes reserved from the OS (empty for none)")
	cmd.Flags().StringSliceVar(&opts.subsystems, "subsystem", []string{"strings", "files"}, "Named proxies to spread the workload over")
	cmd.Flags().IntVar(&opts.workers, "workers", 8, "Concurrent workers")
	cmd.Flags().IntVar(&opts.iterations, "iterations", 10000, "Allocate/deallocate cycles per worker")
	cmd.Flags().StringVar(&opts.maxSize, "max-size", "4KiB", "Largest single allocation")
	cmd.Flags().IntVar(&opts.leak, "leak", 0, "Allocations per worker that are deliberately never freed")
	cmd.Flags().BoolVar(&opts.track, "track", true, "Wrap the heap with a tracking allocator")
	cmd.Flags().StringVar(&opts.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address after the run")
	rootCmd.AddCommand(cmd)
}

func newRunCmd(opts *runOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run a workload and dump the allocator tree",
		Long: `The run command allocates and frees random sized blocks from several
goroutines through named proxies, then prints the allocator tree and tears
everything down, reporting leaks.

Example:
  memtree run
  memtree run --workers 4 --iterations 1000 --leak 2
  memtree run --heap-bytes 64MiB --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runWorkload(ctx, cmd.OutOrStdout(), cmd.ErrOrStderr(), opts)
		},
	}
}

func runWorkload(ctx context.Context, stdout, stderr io.Writer, opts *runOptions) error {
	heapBytes, err := humanize.ParseBytes(opts.heapBytes)
	if err != nil {
		return fmt.Errorf("invalid --heap-bytes: %w", err)
	}
	maxSize, err := humanize.ParseBytes(opts.maxSize)
	if err != nil || maxSize == 0 {
		return fmt.Errorf("invalid --max-size %q", opts.maxSize)
	}
	var budget uint64
	if opts.pageBudget != "" {
		if budget, err = humanize.ParseBytes(opts.pageBudget); err != nil {
			return fmt.Errorf("invalid --page-budget: %w", err)
		}
	}
	if opts.workers <= 0 || len(opts.subsystems) == 0 {
		return errors.New("need at least one worker and one subsystem")
	}

	logger := newLogger(stderr)
	mem, err := alloc.NewContext(
		alloc.WithHeapBytes(heapBytes),
		alloc.WithPageBudgetBytes(int64(budget)),
		alloc.WithTracking(opts.track),
		alloc.WithLogger(logger),
	)
	if err != nil {
		return err
	}

	proxies := make([]*alloc.ProxyAllocator, 0, len(opts.subsystems))
	for _, name := range opts.subsystems {
		proxies = append(proxies, mem.Proxy(strings.TrimSpace(name)))
	}

	started := time.Now()
	kept, err := drive(ctx, proxies, opts, maxSize)
	if err != nil {
		return errors.Join(err, mem.Close())
	}
	logger.Info("workload finished",
		"workers", opts.workers,
		"iterations", opts.iterations,
		"elapsed", time.Since(started),
	)

	if jsonOut {
		err = printJSON(stdout, metrics.Snapshot(mem.Tracker))
	} else {
		err = mem.Tracker.ConsoleDump(stdout)
	}
	if err != nil {
		return errors.Join(err, mem.Close())
	}

	if opts.metricsAddr != "" {
		if err := serveMetrics(ctx, opts.metricsAddr, mem.Tracker); err != nil {
			return errors.Join(err, mem.Close())
		}
	}

	if len(kept) > 0 {
		logger.Info("leaving blocks allocated", "blocks", len(kept))
	}
	if cerr := mem.Close(); cerr != nil {
		if errors.Is(cerr, alloc.ErrLeak) && opts.leak > 0 {
			fmt.Fprintf(stdout, "leaks reported as requested: %d blocks\n", len(kept))
			return nil
		}
		return cerr
	}
	return nil
}

// drive runs the workers and returns the blocks they deliberately kept.
func drive(ctx context.Context, proxies []*alloc.ProxyAllocator, opts *runOptions, maxSize uint64) ([]unsafe.Pointer, error) {
	kept := make([][]unsafe.Pointer, opts.workers)
	backoff := rate.NewLimiter(rate.Every(time.Millisecond), 1)

	g, ctx := errgroup.WithContext(ctx)
	for w := 0; w < opts.workers; w++ {
		g.Go(func() error {
			rng := rand.New(rand.NewPCG(uint64(w), uint64(time.Now().UnixNano())))
			for i := 0; i < opts.iterations; i++ {
				if err := ctx.Err(); err != nil {
					return err
				}
				p := proxies[rng.IntN(len(proxies))]
				size := 1 + rng.Uint64N(maxSize)
				actx, cancel := context.WithTimeout(ctx, time.Second)
				ptr, err := alloc.RetryAllocate(actx, p, size, alloc.DefaultAlignment, backoff)
				cancel()
				if err != nil {
					return err
				}
				clear(unsafe.Slice((*byte)(ptr), size))
				if i < opts.leak {
					kept[w] = append(kept[w], ptr)
					continue
				}
				p.Deallocate(ptr)
			}
			return nil
		})
	}
	err := g.Wait()

	var all []unsafe.Pointer
	for _, k := range kept {
		all = append(all, k...)
	}
	return all, err
}

func serveMetrics(ctx context.Context, addr string, t *alloc.Tracker) error {
	reg := prometheus.NewRegistry()
	if err := reg.Register(metrics.NewCollector(t, "memtree")); err != nil {
		return err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
