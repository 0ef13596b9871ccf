// Command peerlink-noded runs one peerlink node as a long-lived
// process: identity load-or-generate, namespace activation, rendezvous
// sweeping, and group membership, all reachable while the process
// stays up. Grounded on the teacher's own cmd/web4-node/main.go
// subcommand-switch shape.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/veilmesh/peerlink/internal/debuglog"
	"github.com/veilmesh/peerlink/internal/metrics"
	"github.com/veilmesh/peerlink/internal/node"
	"github.com/veilmesh/peerlink/internal/pprofutil"
	"github.com/veilmesh/peerlink/internal/signaling"
	"github.com/veilmesh/peerlink/internal/transport"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] == "--help" || args[0] == "-h" {
		printUsage(stdout)
		return 0
	}
	switch args[0] {
	case "run":
		return runDaemon(args[1:], stdout, stderr)
	case "status":
		return runStatus(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n", args[0])
		printUsage(stderr)
		return 1
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: peerlink-noded <run|status> [args]")
	fmt.Fprintln(w, "  run    --addr <ip:port> --home <dir> [--metrics-addr host:port]")
	fmt.Fprintln(w, "         [--public-ip <ip>] [--custom slug]... [--geo --lat f --lon f]")
	fmt.Fprintln(w, "         [--friendly-name name] [--max-level n] [--debug]")
	fmt.Fprintln(w, "  status --home <dir>")
}

func defaultHome() string {
	h, _ := os.UserHomeDir()
	return filepath.Join(h, ".peerlink")
}

type stringList []string

func (s *stringList) String() string { return fmt.Sprint([]string(*s)) }
func (s *stringList) Set(v string) error {
	*s = append(*s, v)
	return nil
}

func runDaemon(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(stderr)
	addr := fs.String("addr", "", "listen addr (host:port)")
	home := fs.String("home", defaultHome(), "data directory")
	metricsAddr := fs.String("metrics-addr", "", "if set, serve Prometheus metrics on this address")
	publicIP := fs.String("public-ip", "", "activate the public-IP namespace for this address")
	friendlyName := fs.String("friendly-name", "", "friendly name advertised to contacts")
	maxLevel := fs.Int("max-level", 4, "highest namespace escalation level")
	lat := fs.Float64("lat", 0, "geo latitude (requires --lon)")
	lon := fs.Float64("lon", 0, "geo longitude (requires --lat)")
	hasGeo := fs.Bool("geo", false, "activate the geo namespace using --lat/--lon")
	debug := fs.Bool("debug", false, "enable verbose debug logging")
	var custom stringList
	fs.Var(&custom, "custom", "activate a custom namespace slug (repeatable)")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *addr == "" {
		fmt.Fprintln(stderr, "missing --addr")
		return 1
	}
	if *debug {
		_ = os.Setenv("PEERLINK_DEBUG", "1")
	}
	if err := pprofutil.StartFromEnv(stderr); err != nil {
		fmt.Fprintf(stderr, "pprof: %v\n", err)
		return 1
	}

	if err := os.MkdirAll(*home, 0o700); err != nil {
		fmt.Fprintf(stderr, "create home dir: %v\n", err)
		return 1
	}

	m := metrics.New()

	ep, err := transport.NewQUICEndpoint(*addr, *home)
	if err != nil {
		fmt.Fprintf(stderr, "listen failed: %v\n", err)
		return 1
	}
	defer ep.Close()

	opts := node.Options{
		Home:             *home,
		ListenAddr:       ep.LocalAddr(),
		Directory:        signaling.NewDirectory(),
		Endpoint:         ep,
		PublicIP:         *publicIP,
		CustomNamespaces: custom,
		MaxLevel:         *maxLevel,
		FriendlyName:     *friendlyName,
		Metrics:          m,
	}
	if *hasGeo {
		opts.GeoLat, opts.GeoLon = lat, lon
	}

	n, err := node.New(opts)
	if err != nil {
		fmt.Fprintf(stderr, "node init failed: %v\n", err)
		return 1
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := n.Start(ctx); err != nil {
		fmt.Fprintf(stderr, "node start failed: %v\n", err)
		return 1
	}
	defer n.Stop()

	if *metricsAddr != "" {
		go serveMetrics(*metricsAddr, m)
	}

	fmt.Fprintf(stdout, "READY addr=%s fingerprint=%s\n", ep.LocalAddr(), n.Identity.Fingerprint())
	debuglog.Logf("node started home=%s addr=%s", *home, ep.LocalAddr())

	<-ctx.Done()
	fmt.Fprintln(stdout, "shutting down")
	if err := m.WriteSnapshot(filepath.Join(*home, "metrics.json")); err != nil {
		debuglog.Debugf("write metrics snapshot: %v", err)
	}
	return 0
}

func serveMetrics(addr string, m *metrics.Metrics) {
	reg := metrics.NewRegistry(m)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg.Gatherer(), promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		debuglog.Debugf("metrics server: %v", err)
	}
}

func runStatus(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	fs.SetOutput(stderr)
	home := fs.String("home", defaultHome(), "data directory")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	snap := readMetricsSnapshot(filepath.Join(*home, "metrics.json"))
	fmt.Fprintln(stdout, "Local observation summary (not consensus):")
	fmt.Fprintf(stdout, "  namespace: elections_won=%d elections_joined=%d failovers=%d escalations=%d\n",
		snap.Namespace.ElectionsWon, snap.Namespace.ElectionsJoined, snap.Namespace.Failovers, snap.Namespace.Escalations)
	fmt.Fprintf(stdout, "  rendezvous: slugs_activated=%d slugs_rotated=%d reconnects=%d\n",
		snap.Rendezvous.SlugsActivated, snap.Rendezvous.SlugsRotated, snap.Rendezvous.Reconnects)
	fmt.Fprintf(stdout, "  group: messages_relayed=%d key_rotations=%d kicks=%d files_transferred=%d\n",
		snap.Group.MessagesRelayed, snap.Group.KeyRotations, snap.Group.Kicks, snap.Group.FilesTransferred)
	fmt.Fprintf(stdout, "  siggate: scheduled=%d throttled=%d network_down_events=%d\n",
		snap.SigGate.Scheduled, snap.SigGate.Throttled, snap.SigGate.NetworkDown)
	return 0
}

func readMetricsSnapshot(path string) metrics.Snapshot {
	data, err := os.ReadFile(path)
	if err != nil {
		return metrics.Snapshot{}
	}
	var snap metrics.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return metrics.Snapshot{}
	}
	return snap
}
