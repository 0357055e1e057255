// routerd: per-host router reconciliation agent.
//
// Keeps the logical routers assigned to this host implemented in the
// kernel: one network namespace per router, interfaces for internal and
// gateway ports, NAT and filter rules, floating-IP bindings, and one
// metadata proxy per router. Router descriptors are pulled from the
// network controller and pushed over the notification API; everything is
// replayed through a single reconciliation loop, with a periodic full
// resync healing whatever a notification missed.

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/glennswest/routerd/pkg/config"
	"github.com/glennswest/routerd/pkg/controller"
	"github.com/glennswest/routerd/pkg/iptables"
	"github.com/glennswest/routerd/pkg/metaproxy"
	"github.com/glennswest/routerd/pkg/metrics"
	"github.com/glennswest/routerd/pkg/router"
	"github.com/glennswest/routerd/pkg/router/driver"
)

var version = "dev"

type options struct {
	configPath string
	debug      bool
}

func registerFlags(opts *options, fs *pflag.FlagSet) {
	fs.StringVarP(&opts.configPath, "config", "c", defaultConfigPath(),
		"path to the agent configuration file (ROUTERD_CONFIG overrides the default)")
	fs.BoolVar(&opts.debug, "debug", false,
		"development logging, regardless of the config")
}

// defaultConfigPath is the --config default. ROUTERD_CONFIG replaces the
// packaged path when set; an explicit flag still wins over both.
func defaultConfigPath() string {
	if v := os.Getenv("ROUTERD_CONFIG"); v != "" {
		return v
	}
	return "/etc/routerd/config.yaml"
}

func main() {
	opts := &options{}
	root := &cobra.Command{
		Use:          "routerd",
		Short:        "per-host router reconciliation agent",
		Version:      version,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(opts)
		},
	}
	registerFlags(opts, root.Flags())
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(opts *options) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if opts.debug {
		cfg.Debug = true
	}

	logger, err := newLogger(cfg.Debug)
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()
	log := logger.Sugar()

	if err := cfg.Validate(); err != nil {
		log.Fatalw("invalid configuration", "path", opts.configPath, "error", err)
	}

	log.Infow("starting routerd",
		"version", version,
		"driver", cfg.InterfaceDriver,
		"controller", cfg.ControllerURL)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	drv, newBackend := buildControlPlane(cfg, log)

	ctrl, err := controller.New(cfg.ControllerURL, log)
	if err != nil {
		log.Fatalw("initializing controller client", "error", err)
	}
	proxy := metaproxy.NewManager(cfg.StateDir, cfg.RootHelper, log)
	agent := router.New(cfg, drv, ctrl, proxy, newBackend, log)

	mux := http.NewServeMux()
	agent.RegisterRoutes(mux)
	api := &http.Server{Addr: cfg.ListenAddr, Handler: mux}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return agent.Run(ctx)
	})
	g.Go(func() error {
		log.Infow("api server listening", "addr", cfg.ListenAddr)
		if err := api.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return api.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		return metrics.Serve(ctx, cfg.MetricsAddr, log)
	})

	if err := g.Wait(); err != nil {
		log.Fatalw("routerd failed", "error", err)
	}
	log.Info("routerd stopped")
	return nil
}

// buildControlPlane picks the interface driver and the firewall backend
// that goes with it. The fake pair keeps all state in memory, for running
// the agent against a controller without touching the host.
func buildControlPlane(cfg config.Config, log *zap.SugaredLogger) (driver.ControlPlane, router.BackendFactory) {
	if cfg.InterfaceDriver == config.DriverFake {
		return driver.NewFake(), func(string) (iptables.Backend, error) {
			return iptables.NewFakeBackend(), nil
		}
	}
	return driver.NewNetlink(cfg.RootHelper, log), func(namespace string) (iptables.Backend, error) {
		return iptables.NewLinuxBackend(namespace)
	}
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
