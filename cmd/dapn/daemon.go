package main

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/yago-123/dapn/pkg/bind"
	"github.com/yago-123/dapn/pkg/control"
	"github.com/yago-123/dapn/pkg/directory"
	"github.com/yago-123/dapn/pkg/discovery"
	"github.com/yago-123/dapn/pkg/metrics"
	"github.com/yago-123/dapn/pkg/netcfg/linux"
	"github.com/yago-123/dapn/pkg/peer"
	"github.com/yago-123/dapn/pkg/signal/client"
	"github.com/yago-123/dapn/pkg/signal/server"
	"github.com/yago-123/dapn/pkg/tunnel"
	"github.com/yago-123/dapn/pkg/util"
)

const (
	DefaultListenAddr = ":7777"
	ShutdownTimeout   = 15 * time.Second
)

type daemonFlags struct {
	user      string
	listen    string
	advertise string
	uplink    string
	subnet    string
	allow     []string
	dataDir   string
	mdns      bool
	stun      []string
	mtu       int

	relayTimeout   time.Duration
	requestTimeout time.Duration
	reresolve      bool
}

func newDaemonCmd() *cobra.Command {
	flags := &daemonFlags{}

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the signaling server, the tunnel engine and the control API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDaemon(cmd.Context(), flags)
		},
	}

	cmd.Flags().StringVar(&flags.user, "user", "", "username of the local peer")
	cmd.Flags().StringVar(&flags.listen, "listen", DefaultListenAddr, "signaling listen address")
	cmd.Flags().StringVar(&flags.advertise, "advertise", "", "ip:port other peers reach the signaling server at")
	cmd.Flags().StringVar(&flags.uplink, "uplink", "", "uplink interface whose subnet tunnel addresses are taken from")
	cmd.Flags().StringVar(&flags.subnet, "subnet", "", "CIDR to allocate tunnel addresses from instead of the uplink subnet")
	cmd.Flags().StringSliceVar(&flags.allow, "allow", nil, "only accept binds from these users (default accepts everyone)")
	cmd.Flags().StringVar(&flags.dataDir, "data-dir", "", "directory for the persistent peer database (memory only when empty)")
	cmd.Flags().BoolVar(&flags.mdns, "mdns", false, "announce and discover peers on the local network")
	cmd.Flags().StringSliceVar(&flags.stun, "stun", nil, "STUN servers used to discover the advertised IP when --advertise is empty")
	cmd.Flags().IntVar(&flags.mtu, "mtu", linux.DefaultMTU, "MTU of tunnel interfaces")
	cmd.Flags().DurationVar(&flags.relayTimeout, "relay-timeout", bind.DefaultRelayTimeout, "how long to wait for relays to resolve a peer")
	cmd.Flags().DurationVar(&flags.requestTimeout, "request-timeout", bind.DefaultRequestTimeout, "how long to wait for a bind answer")
	cmd.Flags().BoolVar(&flags.reresolve, "reresolve", false, "resolve through relays again when a cached address fails")

	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("uplink")

	return cmd
}

func runDaemon(ctx context.Context, flags *daemonFlags) error {
	gin.SetMode(gin.ReleaseMode)

	logrusLogger, logger, err := newLogger()
	if err != nil {
		return err
	}

	self := peer.Identity(flags.user)

	advertise, listenPort, err := resolveAdvertise(flags)
	if err != nil {
		return err
	}

	// Peer directory, persistent when a data dir is given
	var store directory.Store = directory.NewMemoryStore()
	if flags.dataDir != "" {
		sqlite, errOpen := directory.OpenSQLite(flags.dataDir)
		if errOpen != nil {
			return errOpen
		}
		defer sqlite.Close()
		store = sqlite
	}
	dir := directory.New(store)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	backend, err := linux.New(linux.WithMTU(flags.mtu), linux.WithLogger(logger.WithName("netcfg")))
	if err != nil {
		return fmt.Errorf("failed to init network backend: %w", err)
	}

	engineOpts := []tunnel.Option{
		tunnel.WithMetrics(m),
		tunnel.WithLogger(logger.WithName("tunnel")),
	}
	if flags.subnet != "" {
		subnet, errSubnet := netip.ParsePrefix(flags.subnet)
		if errSubnet != nil {
			return fmt.Errorf("invalid subnet %q: %w", flags.subnet, errSubnet)
		}
		engineOpts = append(engineOpts, tunnel.WithSubnet(subnet))
	}
	engine := tunnel.New(backend, dir, flags.uplink, engineOpts...)

	binderOpts := []bind.Option{
		bind.WithRelayTimeout(flags.relayTimeout),
		bind.WithRequestTimeout(flags.requestTimeout),
		bind.WithMetrics(m),
		bind.WithLogger(logger.WithName("bind")),
	}
	if len(flags.allow) > 0 {
		ids := make([]peer.Identity, 0, len(flags.allow))
		for _, id := range flags.allow {
			ids = append(ids, peer.Identity(id))
		}
		binderOpts = append(binderOpts, bind.WithAcceptPolicy(bind.AllowList(ids...)))
	}
	if flags.reresolve {
		binderOpts = append(binderOpts, bind.WithReresolveOnFailure(true))
	}
	binder := bind.New(self, advertise, dir, engine, client.New(), binderOpts...)

	signalSrv := server.NewSignalServer(binder, logger.WithName("signal"))
	if errStart := signalSrv.Start(flags.listen); errStart != nil {
		return errStart
	}

	controlSrv := control.NewServer(binder, engine, dir, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), logger.WithName("control"))
	if errStart := controlSrv.Start(controlAddr); errStart != nil {
		_ = signalSrv.Stop(context.Background())
		return errStart
	}

	var lan *discovery.MDNS
	if flags.mdns {
		lan = discovery.New(self, listenPort, dir, discovery.WithLogger(logger.WithName("mdns")))
		if errStart := lan.Start(); errStart != nil {
			logrusLogger.Warnf("mDNS discovery disabled: %v", errStart)
			lan = nil
		}
	}

	logrusLogger.Infof("Peer %s is up, advertising %s. Press Ctrl+C to exit.", self, advertise)

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-sigCtx.Done()

	logrusLogger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()

	if lan != nil {
		lan.Stop()
	}
	if errStop := controlSrv.Stop(shutdownCtx); errStop != nil {
		logrusLogger.Errorf("failed to stop control server: %v", errStop)
	}

	unbindAll(shutdownCtx, binder, dir, logrusLogger)

	if errStop := signalSrv.Stop(shutdownCtx); errStop != nil {
		logrusLogger.Errorf("failed to stop signaling server: %v", errStop)
	}

	return nil
}

// unbindAll drops every tunnel before exiting so that no interface or rule outlives the daemon
func unbindAll(ctx context.Context, binder *bind.Binder, dir *directory.Directory, logger *logrus.Logger) {
	for _, bp := range dir.BoundPeers() {
		if err := binder.Unbind(ctx, bp.Identity); err != nil {
			logger.Errorf("failed to unbind %s: %v", bp.Identity, err)
		}
	}
}

// resolveAdvertise returns the signaling address announced to other peers together with the
// listening port
func resolveAdvertise(flags *daemonFlags) (peer.Address, uint16, error) {
	_, rawPort, err := net.SplitHostPort(flags.listen)
	if err != nil {
		return peer.Address{}, 0, fmt.Errorf("invalid listen address %q: %w", flags.listen, err)
	}
	port, err := strconv.ParseUint(rawPort, 10, 16)
	if err != nil || port == 0 {
		return peer.Address{}, 0, fmt.Errorf("invalid listen port %q", rawPort)
	}

	if flags.advertise != "" {
		addr, errParse := peer.ParseAddress(flags.advertise)
		if errParse != nil {
			return peer.Address{}, 0, errParse
		}
		return addr, uint16(port), nil
	}

	if len(flags.stun) == 0 {
		return peer.Address{}, 0, fmt.Errorf("either --advertise or --stun must be set")
	}

	addr, err := util.PublicAddress(flags.stun, uint16(port))
	if err != nil {
		return peer.Address{}, 0, err
	}

	return addr, uint16(port), nil
}
