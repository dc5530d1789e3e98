package agent

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.miragespace.co/conclave/auth"
	viewJournal "go.miragespace.co/conclave/journal"
	"go.miragespace.co/conclave/locator"
	membershipImpl "go.miragespace.co/conclave/membership"
	"go.miragespace.co/conclave/overlay"
	"go.miragespace.co/conclave/rtt"
	"go.miragespace.co/conclave/spec/membership"
	"go.miragespace.co/conclave/spec/protocol"
	"go.miragespace.co/conclave/util"

	"github.com/TheZeroSlave/zapsentry"
	"github.com/getsentry/sentry-go"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"moul.io/zapfilter"
)

func Generate() *cli.Command {
	ip := util.OutboundIP()
	return &cli.Command{
		Name:  "agent",
		Usage: "run a cluster member",
		Description: `Run one member of a conclave cluster. Without --create, the agent asks the locator for the current coordinator and requests to join.

	Options set on the command line take precedence over the YAML config file. On SIGINT or SIGTERM the agent leaves the cluster gracefully before exiting.`,
		ArgsUsage: " ",
		Flags: []cli.Flag{
			&cli.PathFlag{
				Name:     "config",
				Aliases:  []string{"c"},
				Usage:    "Path to a YAML config file",
				Category: "General Options",
			},
			&cli.StringFlag{
				Name:     "listen-addr",
				Aliases:  []string{"listen"},
				Value:    fmt.Sprintf("%s:7946", ip.String()),
				Usage:    "Address and port to listen for membership traffic over QUIC",
				Category: "Network Options",
			},
			&cli.StringFlag{
				Name:        "advertise-addr",
				Aliases:     []string{"advertise"},
				DefaultText: "same as listen-addr",
				Usage:       "Address and port other members use to reach this process. It is also this member's identity",
				Category:    "Network Options",
			},
			&cli.StringFlag{
				Name:     "listen-stats",
				Value:    "127.0.0.1:7947",
				Usage:    "Address to serve /stats, /ring and /metrics on. Set to empty to disable",
				Category: "Network Options",
			},

			&cli.BoolFlag{
				Name:     "create",
				Usage:    "Bootstrap a new cluster with this process as the only member",
				Category: "Cluster Options",
			},
			&cli.StringFlag{
				Name:        "locator",
				DefaultText: "static://10.0.0.1:7946,10.0.0.2:7946",
				Usage: `Where joiners find the coordinator: static://host:port[,host:port], etcd://host:port[,host:port]/cluster or redis://host:port/cluster.
			The etcd and redis locators are kept up to date by the coordinator.`,
				EnvVars:  []string{"CONCLAVE_LOCATOR"},
				Category: "Cluster Options",
			},
			&cli.StringFlag{
				Name:     "secret",
				Usage:    "Shared secret presented when joining and required from joiners. Absent of this flag every joiner is admitted",
				EnvVars:  []string{"CONCLAVE_SECRET"},
				Category: "Cluster Options",
			},
			&cli.IntFlag{
				Name:     "monitored",
				Usage:    "Number of successors each member probes",
				Value:    membership.DefaultMonitoredSuccessors,
				Category: "Cluster Options",
			},

			&cli.PathFlag{
				Name:     "data-dir",
				Aliases:  []string{"data"},
				Usage:    "Path to a directory for the journal of installed views. Absent of this flag views are not persisted",
				Category: "Storage Options",
			},

			&cli.StringFlag{
				Name:        "sentry",
				DefaultText: "https://public@sentry.example.com/1",
				Usage:       "Sentry DSN for error monitoring. Alternatively, you can set the DSN via the environment variable SENTRY_DSN",
				EnvVars:     []string{"SENTRY_DSN"},
				Category:    "Miscellaneous",
			},
		},
		Action: cmdAgent,
	}
}

// loadConfig merges flags that were explicitly set over the config file.
func loadConfig(ctx *cli.Context) (*Config, error) {
	cfg, err := NewConfig(ctx.Path("config"))
	if err != nil {
		return nil, err
	}
	if ctx.IsSet("listen-addr") || cfg.Listen == "" {
		cfg.Listen = ctx.String("listen-addr")
	}
	if ctx.IsSet("advertise-addr") {
		cfg.Advertise = ctx.String("advertise-addr")
	}
	if ctx.IsSet("listen-stats") || (cfg.Stats == "" && ctx.Path("config") == "") {
		cfg.Stats = ctx.String("listen-stats")
	}
	if ctx.IsSet("create") {
		cfg.Create = ctx.Bool("create")
	}
	if ctx.IsSet("locator") {
		cfg.Locator = ctx.String("locator")
	}
	if ctx.IsSet("secret") {
		cfg.Secret = ctx.String("secret")
	}
	if ctx.IsSet("monitored") || cfg.Monitored == 0 {
		cfg.Monitored = ctx.Int("monitored")
	}
	if ctx.IsSet("data-dir") {
		cfg.DataDir = ctx.Path("data-dir")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func modifyToSentryLogger(logger *zap.Logger, client *sentry.Client) *zap.Logger {
	cfg := zapsentry.Configuration{
		Level:             zapcore.WarnLevel,
		EnableBreadcrumbs: true,
		BreadcrumbLevel:   zapcore.InfoLevel,
	}
	core, err := zapsentry.NewCore(cfg, zapsentry.NewSentryClientFromClient(client))
	if err != nil {
		logger.Warn("Failed to attach sentry to logger", zap.Error(err))
		return logger
	}
	return zapsentry.AttachCoreToLogger(core, logger)
}

func cmdAgent(ctx *cli.Context) error {
	logger, ok := ctx.App.Metadata["logger"].(*zap.Logger)
	if !ok || logger == nil {
		return fmt.Errorf("unable to obtain logger from app context")
	}

	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}

	if ctx.IsSet("sentry") {
		client, err := sentry.NewClient(sentry.ClientOptions{
			Dsn:     ctx.String("sentry"),
			Release: ctx.App.Version,
		})
		if err != nil {
			return fmt.Errorf("initializing sentry client: %w", err)
		}
		defer client.Flush(time.Second * 2)

		logger = modifyToSentryLogger(logger, client)
		defer logger.Sync()
	}

	advertiseHost, _, _ := net.SplitHostPort(cfg.Advertise)
	serverTLS, clientTLS, err := overlay.SelfSignedTLS(advertiseHost)
	if err != nil {
		return fmt.Errorf("error generating transport certificate: %w", err)
	}

	self := &protocol.Member{
		Address:   cfg.Advertise,
		StartedAt: time.Now().UnixNano(),
	}
	logger.Info("Using advertise address as identity", zap.Object("self", self), zap.String("listen", cfg.Listen))

	transport := overlay.NewQUIC(overlay.TransportConfig{
		Logger:     logger.With(zapsentry.NewScope()).With(zap.String("component", "transport")),
		Endpoint:   self,
		ListenAddr: cfg.Listen,
		ServerTLS:  serverTLS,
		ClientTLS:  clientTLS,
	})
	defer transport.Stop()

	go func() {
		if err := transport.Accept(ctx.Context); err != nil {
			logger.Error("Transport stopped accepting connections", zap.Error(err))
		}
	}()

	var authenticator membership.Authenticator = auth.AllowAll{}
	var credentials []byte
	if cfg.Secret != "" {
		secret, err := auth.NewSharedSecret([]byte(cfg.Secret))
		if err != nil {
			return err
		}
		authenticator = secret
		credentials = []byte(cfg.Secret)
	}

	// only joiners consult the locator, so a creator may run without one
	var loc membership.Locator = locator.NewStatic(self.GetAddress())
	if cfg.Locator != "" {
		l, closer, err := parseLocator(logger.With(zapsentry.NewScope()), cfg.Locator)
		if err != nil {
			return err
		}
		defer closer()
		loc = l
	}

	listeners := make([]membership.ViewListener, 0)
	if cfg.DataDir != "" {
		j, err := viewJournal.New(viewJournal.Config{
			Logger:        logger.With(zapsentry.NewScope()).With(zap.String("component", "journal")),
			DataDir:       filepath.Clean(cfg.DataDir),
			FlushInterval: time.Second * 3,
		})
		if err != nil {
			return fmt.Errorf("initializing view journal: %w", err)
		}
		defer j.Stop()
		go j.Start()
		listeners = append(listeners, j)
	}

	conf := membershipImpl.DefaultManagerConfig()
	conf.Logger = logger.With(zapsentry.NewScope())
	conf.Messenger = transport
	conf.Locator = loc
	conf.Authenticator = authenticator
	conf.Listeners = listeners
	conf.RTTRecorder = rtt.NewInstrumentation(20)
	cfg.apply(&conf)

	manager, err := membershipImpl.NewManager(conf)
	if err != nil {
		return fmt.Errorf("error configuring membership: %w", err)
	}
	defer manager.Stop()

	if cfg.Stats != "" {
		filteredLogger := zap.New(zapfilter.NewFilteringCore(
			logger.Core(),
			func(e zapcore.Entry, f []zapcore.Field) bool {
				return !strings.HasPrefix(e.Message, "http: TLS handshake error")
			}),
		)
		srv := &http.Server{
			Addr:              cfg.Stats,
			Handler:           manager.StatsHandler(),
			ReadHeaderTimeout: time.Second * 5,
			ErrorLog:          util.StdLogger(filteredLogger, "statsServer"),
		}
		defer srv.Close()
		go func() {
			logger.Info("Serving stats", zap.String("listen", cfg.Stats))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("Stats server stopped", zap.Error(err))
			}
		}()
	}

	if cfg.Create {
		if err := manager.Create(); err != nil {
			return fmt.Errorf("error bootstrapping cluster: %w", err)
		}
	} else {
		if err := manager.Join(ctx.Context, credentials); err != nil {
			return fmt.Errorf("error joining cluster: %w", err)
		}
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		logger.Info("received signal to stop", zap.String("signal", sig.String()))
	case <-ctx.Context.Done():
		logger.Info("context done", zap.Error(ctx.Context.Err()))
	}

	leaveCtx, cancel := context.WithTimeout(context.Background(), conf.LeaveTimeout+time.Second)
	defer cancel()
	if err := manager.Leave(leaveCtx); err != nil {
		logger.Warn("Left without confirmation", zap.Error(err))
	}

	return nil
}
