// routerd-metadata-proxy: per-router metadata request forwarder.
//
// One instance runs inside each router's network namespace, listening on
// the metadata port that the router's firewall redirects instance traffic
// to. Requests are relayed to the host-side metadata service with the
// router id and the caller's address attached, which is what the service
// needs to work out which instance is asking.

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

var version = "dev"

type options struct {
	routerID     string
	metadataPort int
	upstream     string
	pidFile      string
	debug        bool
}

func registerFlags(opts *options, fs *pflag.FlagSet) {
	fs.StringVar(&opts.routerID, "router-id", "",
		"id of the router this proxy serves (required)")
	fs.IntVar(&opts.metadataPort, "metadata-port", 9697,
		"port to listen on")
	fs.StringVar(&opts.upstream, "upstream", "http://127.0.0.1:8775",
		"base URL of the host-side metadata service")
	fs.StringVar(&opts.pidFile, "pid-file", "",
		"file to write the process id to")
	fs.BoolVar(&opts.debug, "debug", false,
		"development logging")
}

func main() {
	opts := &options{}
	root := &cobra.Command{
		Use:          "routerd-metadata-proxy",
		Short:        "per-router metadata request forwarder",
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
	if opts.routerID == "" {
		return errors.New("--router-id is required")
	}
	upstream, err := url.Parse(opts.upstream)
	if err != nil {
		return fmt.Errorf("parsing upstream url %q: %w", opts.upstream, err)
	}

	logger, err := newLogger(opts.debug)
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()
	log := logger.Sugar().With("router", opts.routerID)

	if opts.pidFile != "" {
		if err := writePIDFile(opts.pidFile); err != nil {
			return err
		}
	}

	proxy := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(upstream)
			pr.SetXForwarded()
			pr.Out.Header.Set("X-Router-ID", opts.routerID)
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			log.Errorw("forwarding metadata request", "path", r.URL.Path, "error", err)
			http.Error(w, "metadata service unavailable", http.StatusBadGateway)
		},
	}
	srv := &http.Server{
		Addr:    ":" + strconv.Itoa(opts.metadataPort),
		Handler: proxy,
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	errc := make(chan error, 1)
	go func() {
		errc <- srv.ListenAndServe()
	}()
	log.Infow("metadata proxy listening",
		"port", opts.metadataPort, "upstream", opts.upstream)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errc:
		return err
	}
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating pid file directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		return fmt.Errorf("writing pid file: %w", err)
	}
	return nil
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
