// Command virtionet-sim drives virtio-net drivers against simulated
// functions and reports what moved.
//
//	virtionet-sim -mode loopback -count 10000
//	virtionet-sim -config sim.yaml -metrics :9100
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/ehrlich-b/go-virtionet"
	"github.com/ehrlich-b/go-virtionet/backend"
	"github.com/ehrlich-b/go-virtionet/internal/logging"
	"github.com/ehrlich-b/go-virtionet/sim"
)

func main() {
	var (
		configPath = flag.String("config", "", "Path to a YAML config file")
		verbose    = flag.Bool("v", false, "Verbose output")
		mode       = flag.String("mode", "", "Topology: loopback or bridge")
		count      = flag.Int("count", -1, "Frames to send")
		pool       = flag.String("pool", "", "DMA pool size (e.g., 16MiB)")
		metrics    = flag.String("metrics", "", "Serve Prometheus metrics on this address")
	)
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("Invalid config: %v", err)
	}
	if *mode != "" {
		cfg.Mode = *mode
	}
	if *count >= 0 {
		cfg.Count = *count
	}
	if *pool != "" {
		cfg.Driver.Pool = *pool
	}
	if *metrics != "" {
		cfg.Metrics = *metrics
	}
	if err := cfg.validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	logConfig := logging.DefaultConfig()
	logConfig.Level = logging.ParseLevel(cfg.LogLevel)
	if *verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("simulation failed", "error", err)
		os.Exit(1)
	}
}

// topology is the set of simulated functions and drivers of one run
type topology struct {
	sims   []*sim.Device
	src    *virtionet.Device
	dst    net.HardwareAddr
	sink   *backend.Memory
	sinkAt string
	bridge *backend.Bridge
	ports  []*virtionet.Device
}

func run(ctx context.Context, cfg Config, logger *logging.Logger) error {
	params, err := cfg.params()
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	collectors, err := virtionet.NewPrometheusCollectors(reg)
	if err != nil {
		return err
	}

	nics := virtionet.NewRegistry(params)
	defer func() {
		if err := nics.Close(); err != nil {
			logger.Error("error closing devices", "error", err)
		}
	}()

	topo, err := build(ctx, cfg, nics, collectors, logger)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	runCtx, cancel := context.WithCancel(gctx)
	defer cancel()

	for _, dev := range topo.sims {
		g.Go(func() error {
			if err := dev.Run(runCtx); !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}
	if cfg.Metrics != "" {
		g.Go(func() error { return serveMetrics(runCtx, cfg.Metrics, reg, logger) })
	}

	var res result
	g.Go(func() error {
		defer cancel()
		if cfg.Driver.Promiscuous {
			for _, port := range topo.ports {
				setPromiscuous(runCtx, port, logger)
			}
		}
		var err error
		res, err = generate(runCtx, cfg, topo.src, topo.dst, topo.sink.Total, logger)
		if err == nil && cfg.Metrics != "" {
			logger.Info("traffic done, serving metrics until interrupted", "addr", cfg.Metrics)
			<-runCtx.Done()
		}
		return err
	})

	err = g.Wait()
	report(res, topo, nics)
	return err
}

// build creates the simulated functions and attaches a driver to each
func build(ctx context.Context, cfg Config, nics *virtionet.Registry, collectors *virtionet.PrometheusCollectors, logger *logging.Logger) (*topology, error) {
	topo := &topology{sink: backend.NewMemory(cfg.Capture)}

	attach := func(name string, index int, loopback bool, up virtionet.Upstream) (*virtionet.Device, *sim.Device, error) {
		sc, err := cfg.simConfig(name, index)
		if err != nil {
			return nil, nil, err
		}
		sc.Loopback = loopback
		sc.Logger = logger
		dev := sim.New(sc)
		nic, err := nics.Attach(ctx, dev, &virtionet.Options{
			Observer: collectors.Observer(name),
			Upstream: up,
		})
		if err != nil {
			return nil, nil, err
		}
		topo.sims = append(topo.sims, dev)
		return nic, dev, nil
	}

	var started []*virtionet.Device
	switch cfg.Mode {
	case modeLoopback:
		nic, _, err := attach("sim0", 0, true, topo.sink)
		if err != nil {
			return nil, err
		}
		topo.src, topo.dst, topo.sinkAt = nic, nic.MACAddress(), nic.Name()
		started = append(started, nic)

	case modeBridge:
		// station-a <-> port1 [bridge] port2 <-> station-b
		topo.bridge = backend.NewBridge(backend.DefaultAgeing)
		bp1, bp2 := topo.bridge.NewPort(), topo.bridge.NewPort()

		nicA, simA, err := attach("station-a", 0, false, backend.NewMemory(cfg.Capture))
		if err != nil {
			return nil, err
		}
		nicB, simB, err := attach("station-b", 1, false, topo.sink)
		if err != nil {
			return nil, err
		}
		nic1, sim1, err := attach("port1", 2, false, bp1)
		if err != nil {
			return nil, err
		}
		nic2, sim2, err := attach("port2", 3, false, bp2)
		if err != nil {
			return nil, err
		}
		sim.Connect(simA, sim1)
		sim.Connect(sim2, simB)
		bp1.Bind(nic1)
		bp2.Bind(nic2)
		topo.src, topo.dst, topo.sinkAt = nicA, nicB.MACAddress(), nicB.Name()
		topo.ports = []*virtionet.Device{nic1, nic2}
		started = append(started, nicA, nicB, nic1, nic2)
	}

	for _, nic := range started {
		if err := nic.Start(); err != nil {
			return nil, err
		}
		logger.Debug("device started",
			"device", nic.Name(),
			"capabilities", nic.Capabilities().String(),
			"queues", fmt.Sprint(nic.QueueSizes()))
	}
	return topo, nil
}

// setPromiscuous puts a bridge port in promiscuous mode. Its function must
// be running to complete the command.
func setPromiscuous(ctx context.Context, nic *virtionet.Device, logger *logging.Logger) {
	if !nic.Has(virtionet.CapPromiscuous) {
		logger.Warn("promiscuous mode not negotiated", "device", nic.Name())
		return
	}
	if err := nic.SetPromiscuous(ctx, true); err != nil {
		logger.Warn("enabling promiscuous mode failed", "device", nic.Name(), "error", err)
	}
}

func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry, logger *logging.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("prometheus metrics listening", "addr", addr, "path", "/metrics")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func report(res result, topo *topology, nics *virtionet.Registry) {
	fmt.Printf("Sent: %s frames (%s busy retries) in %v\n",
		humanize.Comma(int64(res.Sent)), humanize.Comma(int64(res.Busy)), res.Elapsed.Round(time.Microsecond))
	fmt.Printf("Delivered: %s frames\n", humanize.Comma(int64(res.Delivered)))
	if res.Elapsed > 0 {
		pps := float64(res.Sent) / res.Elapsed.Seconds()
		fmt.Printf("Rate: %s frames/s\n", humanize.Comma(int64(pps)))
	}

	for _, name := range nics.Names() {
		nic, ok := nics.Lookup(name)
		if !ok {
			continue
		}
		s := nic.MetricsSnapshot()
		fmt.Printf("  %-10s rx %s (%s) drops %s  tx %s (%s) errors %s  queue-full %s  irq %s\n",
			name,
			humanize.Comma(int64(s.RXPackets)), humanize.Bytes(s.RXBytes), humanize.Comma(int64(s.RXDrops)),
			humanize.Comma(int64(s.TXPackets)), humanize.Bytes(s.TXBytes), humanize.Comma(int64(s.TXErrors)),
			humanize.Comma(int64(s.QueueFull)), humanize.Comma(int64(s.Interrupts)))
	}

	if topo.bridge != nil {
		st := topo.bridge.Stats()
		fmt.Printf("Bridge: forwarded %s flooded %s filtered %s dropped %s stations %d\n",
			humanize.Comma(int64(st.Forwarded)), humanize.Comma(int64(st.Flooded)),
			humanize.Comma(int64(st.Filtered)), humanize.Comma(int64(st.Dropped)), st.Stations)
	}
	fmt.Printf("Captured by %s: %s udp, %s malformed\n", topo.sinkAt,
		humanize.Comma(int64(topo.sink.Count("udp"))), humanize.Comma(int64(topo.sink.Count("malformed"))))
}
