// Command routerd runs a standalone router node: it binds a UDP
// socket, answers find_node/get_peers queries from peers, and runs the
// local/global maintenance loops that keep its node store warm.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/docopt/docopt-go"
	"github.com/flynn/flynn/pkg/shutdown"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/reachkad/router"
	"github.com/reachkad/router/internal/transport"
)

var usage = `
usage: routerd [options]

options:
  -a, --addr=HOST        UDP listen address [default: 0.0.0.0]
  -p, --port=PORT         UDP listen port [default: 6881]
  -b, --bootstrap=ADDR    Bootstrap peer host:port to seed from
  -m, --metrics-addr=ADDR Prometheus /metrics listen address [default: 127.0.0.1:9100]
  -i, --id=HEX            40-hex node identifier [default: ]
`[1:]

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		logger.Error("routerd exited with error", "err", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	v, err := docopt.Parse(usage, os.Args[1:], true, "routerd 0.1.0", false)
	if err != nil {
		return err
	}
	args := cliArgs(v)

	port, err := args.Int("--port")
	if err != nil {
		return fmt.Errorf("routerd: invalid --port: %w", err)
	}

	self, err := resolveSelfID(args.String("--id"))
	if err != nil {
		return err
	}

	tp, err := transport.Listen(args.String("--addr"), port, logger)
	if err != nil {
		return fmt.Errorf("routerd: listen: %w", err)
	}
	shutdown.BeforeExit(func() { _ = tp.Close() })

	selfAddr, ok := transport.UDPAddrToCompact(tp.LocalAddr())
	if !ok {
		return fmt.Errorf("routerd: cannot express %v as a compact address", tp.LocalAddr())
	}

	reg := prometheus.NewRegistry()
	metrics := router.NewMetrics(reg)
	root := transport.NewRootScope()
	clock := transport.RealClock{}

	r := router.NewRouter(
		self,
		router.NetAddress(selfAddr),
		tp,
		clock,
		root,
		router.DefaultConfig(),
		metrics,
		logger,
	)

	if boot := strings.TrimSpace(args.String("--bootstrap")); boot != "" {
		bootAddr, err := resolveCompactAddr(boot)
		if err != nil {
			return fmt.Errorf("routerd: bad --bootstrap: %w", err)
		}
		r.Store().Add(router.RandomIdentifier(), router.NetAddress(bootAddr))
		logger.Info("seeded bootstrap peer", "addr", boot)
	}

	metricsSrv := &http.Server{
		Addr:    args.String("--metrics-addr"),
		Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	}
	go func() {
		logger.Info("serving metrics", "addr", metricsSrv.Addr)
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			shutdown.Fatalf("metrics server exited unexpectedly: %s", err)
		}
	}()
	shutdown.BeforeExit(func() { _ = metricsSrv.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	shutdown.BeforeExit(cancel)

	maintErrs := make(chan error, 1)
	go func() { maintErrs <- r.StartMaintenance(ctx) }()

	logger.Info("routerd up", "id", self.String(), "addr", tp.LocalAddr())

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sig:
		logger.Info("received signal, shutting down")
	case err := <-maintErrs:
		if err != nil && err != context.Canceled {
			logger.Error("maintenance loops exited unexpectedly", "err", err)
		}
	}

	shutdown.Exit()
	return nil
}

func resolveSelfID(hexStr string) (router.Identifier, error) {
	hexStr = strings.TrimSpace(hexStr)
	if hexStr == "" {
		return router.RandomIdentifier(), nil
	}
	return router.ParseIdentifier(hexStr)
}

func resolveCompactAddr(hostport string) ([6]byte, error) {
	var out [6]byte
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return out, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return out, fmt.Errorf("invalid port %q: %w", portStr, err)
	}
	ip := net.ParseIP(host)
	if ip == nil {
		resolved, err := net.ResolveIPAddr("ip4", host)
		if err != nil {
			return out, fmt.Errorf("cannot resolve host %q: %w", host, err)
		}
		ip = resolved.IP
	}
	addr := &net.UDPAddr{IP: ip, Port: port}
	compact, ok := transport.UDPAddrToCompact(addr)
	if !ok {
		return out, fmt.Errorf("address %q is not expressible as a compact IPv4 endpoint", hostport)
	}
	return compact, nil
}

// cliArgs wraps docopt's map[string]interface{} the way the pack's
// docopt-go callers do, giving typed accessors instead of scattering
// type assertions through run().
type cliArgs map[string]interface{}

func (a cliArgs) String(flag string) string {
	v, ok := a[flag]
	if !ok || v == nil {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		return ""
	}
	return s
}

func (a cliArgs) Int(flag string) (int, error) {
	return strconv.Atoi(a.String(flag))
}
