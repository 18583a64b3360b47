// Command echomesh runs one LAN messaging node. It prints its peer ID, finds
// other nodes on the local network and answers requests addressed to it with
// the reply text given on the command line.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/VanDung-dev/EchoMesh/api"
	"github.com/VanDung-dev/EchoMesh/config"
	"github.com/VanDung-dev/EchoMesh/identity"
	"github.com/VanDung-dev/EchoMesh/logging"
	"github.com/VanDung-dev/EchoMesh/node"
)

// Version information
const (
	Version = "0.1.0"
	Name    = "EchoMesh"
)

var errVersion = errors.New("version requested")

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	cfg, err := parseConfig(args, stderr)
	if errors.Is(err, errVersion) {
		fmt.Fprintf(stdout, "%s v%s\n", Name, Version)
		return 0
	}
	if err != nil {
		fmt.Fprintln(stderr, "error:", err)
		return 2
	}

	logger, err := logging.New(cfg.LogLevel, cfg.Development)
	if err != nil {
		fmt.Fprintln(stderr, "error:", err)
		return 2
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := serve(ctx, cfg, stdin, stdout, logger); err != nil {
		logger.Error("node failed", zap.Error(err))
		return 1
	}
	return 0
}

func serve(ctx context.Context, cfg config.Config, stdin io.Reader, stdout io.Writer, logger *zap.Logger) error {
	id, err := identity.Generate()
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "peer id: %s\n", id)

	policy, err := cfg.Policy()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	be, err := openBackend(ctx, cfg, id, logger)
	if err != nil {
		return err
	}
	defer be.close()

	reg := prometheus.NewRegistry()
	metrics := api.NewMetrics("echomesh", reg)

	loop := node.New(node.Options{
		Settings: node.Settings{
			Self:      id.ID,
			ReplyText: cfg.ReplyText,
			Policy:    policy,
		},
		Transport: be.transport,
		Discovery: be.discovery,
		Input:     node.ReadLines(ctx, stdin, logger.Named("console")),
		Output:    stdout,
		Logger:    logger,
		Metrics:   metrics,
	})

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer cancel()
		err := loop.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	if cfg.MetricsAddr != "" {
		srv := api.NewMetricsServer(cfg.MetricsAddr, reg, func() api.Status {
			return api.Status{
				PeerID:      id.String(),
				Topic:       cfg.Topic,
				Transport:   cfg.Transport,
				ListenAddrs: be.addrs(),
				Policy:      policy.String(),
			}
		})
		g.Go(srv.Start)
		g.Go(func() error {
			<-gctx.Done()
			return srv.Stop()
		})
		logger.Info("metrics listening", zap.String("addr", cfg.MetricsAddr))
	}

	return g.Wait()
}

func parseConfig(args []string, stderr io.Writer) (config.Config, error) {
	fs := flag.NewFlagSet(Name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprintf(stderr, "usage: echomesh [flags] <reply-text>\n\n")
		fs.PrintDefaults()
	}

	defaults := config.Default()
	configPath := fs.String("config", "", "YAML config file")
	transport := fs.String("transport", defaults.Transport, "transport backend: libp2p or zmq")
	host := fs.String("host", defaults.ListenHost, "listen address")
	port := fs.Int("port", defaults.ListenPort, "listen port (0 picks one)")
	topic := fs.String("topic", defaults.Topic, "broadcast topic")
	policy := fs.String("policy", defaults.ResponsePolicy, "response policy: directed or observe-all")
	metricsAddr := fs.String("metrics", defaults.MetricsAddr, "metrics and status HTTP address (empty disables)")
	logLevel := fs.String("log-level", defaults.LogLevel, "log level")
	development := fs.Bool("dev", defaults.Development, "human readable logs")
	version := fs.Bool("version", false, "print version and exit")

	if err := fs.Parse(args); err != nil {
		return config.Config{}, err
	}
	if *version {
		return config.Config{}, errVersion
	}

	cfg := defaults
	if *configPath != "" {
		loaded, err := config.LoadFile(*configPath)
		if err != nil {
			return config.Config{}, err
		}
		cfg = loaded
	}

	// Explicit flags win over the file.
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "transport":
			cfg.Transport = *transport
		case "host":
			cfg.ListenHost = *host
		case "port":
			cfg.ListenPort = *port
		case "topic":
			cfg.Topic = *topic
		case "policy":
			cfg.ResponsePolicy = *policy
		case "metrics":
			cfg.MetricsAddr = *metricsAddr
		case "log-level":
			cfg.LogLevel = *logLevel
		case "dev":
			cfg.Development = *development
		}
	})

	switch fs.NArg() {
	case 1:
		cfg.ReplyText = fs.Arg(0)
	case 0:
		if cfg.ReplyText == "" {
			fs.Usage()
			return config.Config{}, errors.New("missing reply text")
		}
	default:
		fs.Usage()
		return config.Config{}, fmt.Errorf("expected one reply text argument, got %d", fs.NArg())
	}

	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}
