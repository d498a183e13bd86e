package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/KimMachineGun/automemlimit/memlimit"
	"github.com/rs/zerolog"

	"github.com/coldmem/farswap/pkg/chunktable"
	"github.com/coldmem/farswap/pkg/control"
	"github.com/coldmem/farswap/pkg/reclaim"
	"github.com/coldmem/farswap/pkg/scheduler"
	"github.com/coldmem/farswap/pkg/simfabric"
	"github.com/coldmem/farswap/pkg/tenant"
	"github.com/coldmem/farswap/pkg/transport"
	"github.com/coldmem/farswap/pkg/vqueue"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to a TOML session config file")
		sip        = flag.String("sip", "", "remote memory server IPv4 address (overrides config file)")
		sport      = flag.Int("sport", 0, "remote memory server port (overrides config file)")
		rmsize     = flag.Uint64("rmsize", 0, "remote memory size, in GB (overrides config file)")
		schedCore  = flag.Int("sched-core", 0, "core the weighted fair scheduler is pinned to")
	)
	flag.Parse()

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Timestamp().Logger()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	if *sip != "" {
		cfg.ServerAddr = *sip
	}
	if *sport != 0 {
		cfg.ServerPort = *sport
	}
	if *rmsize != 0 {
		cfg.RemoteMemGB = *rmsize
	}

	// Cap GOMEMLIMIT to the cgroup's memory.max (falling back to host
	// total memory outside a cgroup), so the Go runtime's own GC pressure
	// never fights the reclamation controller it sits beside.
	if limit, err := memlimit.SetGoMemLimitWithOpts(
		memlimit.WithRatio(0.9),
		memlimit.WithProvider(memlimit.ApplyFallback(memlimit.FromCgroup, memlimit.FromSystem)),
	); err != nil {
		log.Warn().Err(err).Msg("automemlimit: could not derive GOMEMLIMIT, leaving runtime default")
	} else {
		log.Info().Int64("gomemlimit_bytes", limit).Msg("set GOMEMLIMIT from cgroup/host memory")
	}

	if err := run(context.Background(), cfg, *schedCore, log); err != nil {
		log.Fatal().Err(err).Msg("farswapd exited with error")
	}
}

func run(ctx context.Context, cfg config, schedCore int, log zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tbl, err := chunktable.New(cfg.RemoteMemGB, cfg.RegionSizeGB)
	if err != nil {
		return fmt.Errorf("chunktable: %w", err)
	}
	// No physical session-establishment handshake is available here;
	// bind every chunk to a synthetic address/key so the demo session is
	// immediately usable against simfabric.
	for i := 0; i < tbl.Len(); i++ {
		if err := tbl.Bind(i, uint64(i)*cfg.RegionSizeGB*chunktable.OneGB, uint32(i+1), cfg.RegionSizeGB*chunktable.OneGB); err != nil {
			return fmt.Errorf("chunktable: bind chunk %d: %w", i, err)
		}
	}

	flags := control.New()
	if err := flags.SetVar(control.SthdCnt, cfg.SthdCnt); err != nil {
		return fmt.Errorf("control: sthd_cnt: %w", err)
	}
	if err := flags.SetVar(control.ReclaimMode, cfg.ReclaimMode); err != nil {
		return fmt.Errorf("control: reclaim_mode: %w", err)
	}
	for name, v := range cfg.Flags {
		f, ok := control.FlagByName(name)
		if !ok {
			return fmt.Errorf("control: unknown flag %q in config", name)
		}
		flags.SetFlag(f, v)
	}

	reg := tenant.NewRegistry()
	var allCores []int
	for _, tc := range cfg.Tenants {
		if _, err := reg.Register(tc.Name, tc.Weight, tc.ThreadCount, tc.Cores, nil); err != nil {
			return fmt.Errorf("tenant: register %q: %w", tc.Name, err)
		}
		allCores = append(allCores, tc.Cores...)
	}
	if len(allCores) == 0 {
		// A demo run with no configured tenants still needs at least one
		// core's worth of vqueue triples for the scheduler's idle-core
		// path to have something to poll.
		allCores = []int{0}
	}

	fab := simfabric.New(simfabric.WithWorkers(8), simfabric.WithLatency(50*time.Microsecond, 200*time.Microsecond))
	defer fab.Close()

	txSet := transport.NewSet(allCores, fab, transport.DefaultDepth,
		transport.WithLogger(log.With().Str("component", "transport").Logger()))
	sch := scheduler.New(reg, tbl,
		scheduler.WithLogger(log.With().Str("component", "scheduler").Logger()),
		scheduler.WithPinnedCore(schedCore),
	)
	for _, c := range allCores {
		sch.AddCore(&scheduler.Core{ID: c, Triple: vqueue.NewTriple(c, 0), Txn: txSet})
	}

	mem := reclaim.NewHostMemStat(chunktable.PageSize)
	sc := reclaim.New(mem)
	// Reuse the first tenant's core list for the reclaim workers'
	// sthd_cores[] table; a demo run with no tenants leaves workers
	// unpinned.
	if len(cfg.Tenants) > 0 {
		sc.SetCores(cfg.Tenants[0].Cores)
	}

	var wg errgroupLite
	wg.Go(func() { sch.Run(ctx) })
	wg.Go(func() { runReclaimLoop(ctx, sc, flags, log) })

	log.Info().
		Str("server", fmt.Sprintf("%s:%d", cfg.ServerAddr, cfg.ServerPort)).
		Uint64("remote_gb", cfg.RemoteMemGB).
		Int("chunks", tbl.Len()).
		Int("cores", len(allCores)).
		Msg("farswapd running")

	<-ctx.Done()
	log.Info().Msg("shutting down")
	sc.Stop()
	wg.Wait()
	return nil
}

// runReclaimLoop periodically derives the worker-count target from the
// control surface's reclaim_mode and applies it, standing in for the
// kernel's memory-pressure notifier that would otherwise drive
// SwapControl.Sample/EnsureWorkers from real charge events.
func runReclaimLoop(ctx context.Context, sc *reclaim.SwapControl, flags *control.Surface, log zerolog.Logger) {
	reclaimer := demoReclaimer{}
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			mode := reclaim.Mode(flags.GetVar(control.ReclaimMode))
			n := sc.GetSthdCnt(mode, int(flags.GetVar(control.SthdCnt)))
			if err := sc.EnsureWorkers(ctx, n, reclaimer); err != nil {
				log.Error().Err(err).Msg("reclaim: ensure workers")
			}
		}
	}
}

// demoReclaimer is the PageReclaimer used by the demo binary: it has no
// real pages to free (the kernel's try_to_free_cgroup_pages is not
// reachable from userspace), so it just reports the requested batch as
// reclaimed after a small simulated latency.
type demoReclaimer struct{}

func (demoReclaimer) ReclaimPages(ctx context.Context, n uint64) (uint64, error) {
	select {
	case <-time.After(time.Millisecond):
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	return n, nil
}

// errgroupLite is a minimal fire-and-forget WaitGroup wrapper; the demo
// binary has exactly two long-lived goroutines and no error to propagate
// out of either, so golang.org/x/sync/errgroup's cancel-on-first-error
// semantics would be unused machinery here.
type errgroupLite struct {
	wg sync.WaitGroup
}

func (g *errgroupLite) Go(fn func()) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		fn()
	}()
}

func (g *errgroupLite) Wait() { g.wg.Wait() }
