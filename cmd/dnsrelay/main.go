package main

import (
	"context"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	syslog "github.com/RackSec/srslog"
	"github.com/folbricht/dnsrelay"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

type options struct {
	config       string
	upstreams    []string
	strategy     string
	maxPending   int
	queryTimeout time.Duration
	logLevel     string
	adminAddr    string
}

func main() {
	if err := newRootCommand(start).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand(run func(config) error) *cobra.Command {
	var opt options
	cmd := &cobra.Command{
		Use:   "dnsrelay [listen-address]",
		Short: "UDP DNS relay",
		Long: `UDP DNS relay.

Listens for DNS queries on a single UDP socket and
forwards them to one or more upstream resolvers,
either in turn (round-robin) or to all of them at
once (fan-out). Replies are routed back to the
client that sent the query.
`,
		Example: `  dnsrelay 0.0.0.0:3030 --upstream 1.1.1.1 --upstream 8.8.8.8
  dnsrelay --config dnsrelay.toml`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := resolveConfig(cmd, opt, args)
			if err != nil {
				return err
			}
			return run(c)
		},
		SilenceUsage: true,
	}
	cmd.Flags().StringVarP(&opt.config, "config", "c", "", "TOML config file")
	cmd.Flags().StringSliceVarP(&opt.upstreams, "upstream", "u", []string{defaultUpstream}, "upstream resolver address, can be repeated")
	cmd.Flags().StringVarP(&opt.strategy, "strategy", "s", "round-robin", "upstream selection, 'round-robin' or 'fan-out'")
	cmd.Flags().IntVar(&opt.maxPending, "max-pending", 0, "maximum number of queries in flight, defaults to 65536")
	cmd.Flags().DurationVar(&opt.queryTimeout, "query-timeout", 5*time.Second, "time after which unanswered queries are dropped")
	cmd.Flags().StringVarP(&opt.logLevel, "log-level", "l", "info", "log level, one of panic, fatal, error, warn, info, debug, trace")
	cmd.Flags().StringVar(&opt.adminAddr, "admin-address", "", "serve metrics on this address")
	return cmd
}

// Merges the config file with the command line. Flags that were set explicitly
// take precedence over the file, defaults only apply if the file has no value.
func resolveConfig(cmd *cobra.Command, opt options, args []string) (config, error) {
	var c config
	if opt.config != "" {
		var err error
		if c, err = loadConfig(opt.config); err != nil {
			return c, err
		}
	}
	flags := cmd.Flags()
	if len(args) > 0 {
		c.Listener.Address = args[0]
	}
	if c.Listener.Address == "" {
		c.Listener.Address = defaultListenAddr
	}
	if flags.Changed("upstream") || len(c.Upstream.Addresses) == 0 {
		c.Upstream.Addresses = opt.upstreams
	}
	if flags.Changed("strategy") || c.Upstream.Strategy == "" {
		c.Upstream.Strategy = opt.strategy
	}
	if flags.Changed("max-pending") {
		c.Pending.Max = opt.maxPending
	}
	if flags.Changed("query-timeout") || c.Pending.Timeout.Duration == 0 {
		c.Pending.Timeout.Duration = opt.queryTimeout
	}
	if flags.Changed("log-level") || c.Log.Level == "" {
		c.Log.Level = opt.logLevel
	}
	if flags.Changed("admin-address") {
		c.Admin.Address = opt.adminAddr
	}
	return c, nil
}

func start(c config) error {
	if err := setupLogger(c.Log); err != nil {
		return err
	}

	// Validate everything before binding the socket
	strategy, err := dnsrelay.ParseStrategy(c.Upstream.Strategy)
	if err != nil {
		return err
	}
	var upstreams []*net.UDPAddr
	for _, u := range c.Upstream.Addresses {
		addr, err := parseUpstream(u)
		if err != nil {
			return err
		}
		upstreams = append(upstreams, addr)
	}
	selector, err := dnsrelay.NewSelector(strategy, upstreams...)
	if err != nil {
		return err
	}

	var adminOpt dnsrelay.AdminListenerOptions
	if c.Admin.ServerCrt != "" || c.Admin.ServerKey != "" {
		adminOpt.TLSConfig, err = dnsrelay.TLSServerConfig(c.Admin.CA, c.Admin.ServerCrt, c.Admin.ServerKey, c.Admin.MutualTLS)
		if err != nil {
			return errors.Wrap(err, "failed to load admin tls config")
		}
	}

	conn, err := net.ListenPacket("udp", c.Listener.Address)
	if err != nil {
		return errors.Wrapf(err, "failed to listen on %s", c.Listener.Address)
	}
	relay, err := dnsrelay.NewRelay("relay", conn, selector, dnsrelay.RelayOptions{
		MaxPending:    c.Pending.Max,
		QueryTimeout:  c.Pending.Timeout.Duration,
		SweepInterval: c.Pending.SweepInterval.Duration,
	})
	if err != nil {
		conn.Close()
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := relay.Run(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	if c.Admin.Address != "" {
		admin := dnsrelay.NewAdminListener("admin", c.Admin.Address, adminOpt)
		g.Go(admin.Start)
		g.Go(func() error {
			<-ctx.Done()
			return admin.Stop()
		})
	}

	err = g.Wait()
	if err != nil {
		dnsrelay.Log.WithError(err).Error("relay failed")
	}
	return err
}

func setupLogger(c logConfig) error {
	level, err := logrus.ParseLevel(c.Level)
	if err != nil {
		return err
	}
	dnsrelay.Log.SetLevel(level)

	if c.Syslog == nil {
		return nil
	}
	priority := syslog.Priority(c.Syslog.Priority)
	if priority == 0 {
		priority = syslog.LOG_INFO | syslog.LOG_DAEMON
	}
	tag := c.Syslog.Tag
	if tag == "" {
		tag = "dnsrelay"
	}
	w, err := syslog.Dial(c.Syslog.Network, c.Syslog.Address, priority, tag)
	if err != nil {
		return errors.Wrap(err, "failed to initialize syslog")
	}
	// Syslog adds its own timestamp
	dnsrelay.Log.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})
	dnsrelay.Log.SetOutput(w)
	return nil
}
