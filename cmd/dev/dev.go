package dev

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"go.miragespace.co/conclave/auth"
	"go.miragespace.co/conclave/locator"
	membershipImpl "go.miragespace.co/conclave/membership"
	"go.miragespace.co/conclave/overlay"
	"go.miragespace.co/conclave/rtt"
	"go.miragespace.co/conclave/spec/membership"
	"go.miragespace.co/conclave/spec/protocol"
	"go.miragespace.co/conclave/util"

	"github.com/fatih/color"
	"github.com/go-chi/chi/v5"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

func Generate() *cli.Command {
	return &cli.Command{
		Name:  "dev",
		Usage: "run an in-process cluster for experimentation",
		Description: `Start several members connected by an in-process network. Every installed view is printed as a table.

	Stats for member i are served under /node/i/stats, /node/i/ring and /node/i/metrics.`,
		ArgsUsage: " ",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:     "nodes",
				Value:    5,
				Usage:    "Number of members to start",
				Category: "Cluster Options",
			},
			&cli.DurationFlag{
				Name:     "crash-coordinator",
				Usage:    "Crash the coordinator after this long to watch the takeover. Zero disables it",
				Category: "Cluster Options",
			},
			&cli.DurationFlag{
				Name:     "latency",
				Usage:    "Delay added to every delivery",
				Category: "Network Options",
			},
			&cli.StringFlag{
				Name:     "listen-stats",
				Value:    "127.0.0.1:7947",
				Usage:    "Address to serve member stats on",
				Category: "Network Options",
			},
		},
		Before: func(ctx *cli.Context) error {
			if ctx.Int("nodes") < 1 {
				return fmt.Errorf("at least 1 node is required")
			}
			return nil
		},
		Action: cmdDev,
	}
}

type devNode struct {
	manager  *membershipImpl.Manager
	endpoint *overlay.Loopback
}

// viewPrinter prints each distinct view once, highlighting the coordinator.
type viewPrinter struct {
	mu      sync.Mutex
	printed int64
}

var coordinatorColor = color.New(color.FgYellow, color.Bold).SprintFunc()

func (p *viewPrinter) OnViewInstalled(ev membership.ViewEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if ev.View.Sequence() <= p.printed {
		return
	}
	p.printed = ev.View.Sequence()

	coord := membership.Coordinator(ev.View, nil)
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.SetTitle(ev.View.ID().String())
	tw.AppendHeader(table.Row{"Ordinal", "Address", "Change"})
	added := membership.NewMemberSet(ev.Added...)
	for _, m := range ev.View.Members() {
		addr := m.GetAddress()
		if membership.SameMember(m, coord) {
			addr = coordinatorColor(addr)
		}
		change := ""
		if added.Has(m) {
			change = "joined"
		}
		tw.AppendRow(table.Row{m.GetOrdinal(), addr, change})
	}
	for _, m := range ev.Leaving {
		tw.AppendRow(table.Row{m.GetOrdinal(), m.GetAddress(), "left"})
	}
	for _, m := range ev.Crashed {
		tw.AppendRow(table.Row{m.GetOrdinal(), m.GetAddress(), "crashed"})
	}
	tw.SetCaption("fingerprint %x", ev.View.Fingerprint())
	tw.Render()
}

func cmdDev(ctx *cli.Context) error {
	logger, ok := ctx.App.Metadata["logger"].(*zap.Logger)
	if !ok || logger == nil {
		return fmt.Errorf("unable to obtain logger from app context")
	}

	network := overlay.NewNetwork()
	network.Latency = ctx.Duration("latency")
	loc := locator.NewMemory()
	printer := &viewPrinter{}

	num := ctx.Int("nodes")
	nodes := make([]*devNode, 0, num)
	defer func() {
		for _, n := range nodes {
			n.manager.Stop()
			n.endpoint.Stop()
		}
	}()

	for i := 0; i < num; i++ {
		self := &protocol.Member{
			Address:   fmt.Sprintf("dev-%02d", i),
			StartedAt: time.Now().UnixNano(),
		}
		endpoint := network.Endpoint(self, 0)
		conf := membershipImpl.DefaultManagerConfig()
		conf.Logger = logger.With(zap.Int("dev", i))
		conf.Messenger = endpoint
		conf.Locator = loc
		conf.Authenticator = auth.AllowAll{}
		conf.Listeners = []membership.ViewListener{printer}
		conf.RTTRecorder = rtt.NewInstrumentation(20)

		manager := util.Must(membershipImpl.NewManager(conf))
		nodes = append(nodes, &devNode{manager: manager, endpoint: endpoint})

		if i == 0 {
			if err := manager.Create(); err != nil {
				return err
			}
			continue
		}
		if err := manager.Join(ctx.Context, nil); err != nil {
			return fmt.Errorf("dev-%02d failed to join: %w", i, err)
		}
	}

	router := chi.NewRouter()
	for i, n := range nodes {
		router.Mount("/node/"+strconv.Itoa(i), n.manager.StatsHandler())
	}
	srv := &http.Server{
		Addr:              ctx.String("listen-stats"),
		Handler:           router,
		ReadHeaderTimeout: time.Second * 5,
		ErrorLog:          util.StdLogger(logger, "statsServer"),
	}
	defer srv.Close()
	go func() {
		logger.Info("Serving stats", zap.String("listen", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Stats server stopped", zap.Error(err))
		}
	}()

	var crash <-chan time.Time
	if d := ctx.Duration("crash-coordinator"); d > 0 {
		crash = time.After(d)
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case <-crash:
			for _, n := range nodes {
				if n.manager.IsCoordinator() && n.manager.State() != membership.Gone {
					logger.Info("Crashing coordinator", zap.Object("member", n.manager.Identity()))
					network.Crash(n.manager.Identity().GetAddress())
					break
				}
			}
		case sig := <-sigs:
			logger.Info("received signal to stop", zap.String("signal", sig.String()))
			leaveAll(logger, nodes)
			return nil
		case <-ctx.Context.Done():
			logger.Info("context done", zap.Error(ctx.Context.Err()))
			return nil
		}
	}
}

// leaveAll removes members one at a time, most recent first.
func leaveAll(logger *zap.Logger, nodes []*devNode) {
	for i := len(nodes) - 1; i >= 0; i-- {
		m := nodes[i].manager
		switch m.State() {
		case membership.Stable, membership.CoordinatorTransition:
		default:
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		if err := m.Leave(ctx); err != nil {
			logger.Warn("Member left without confirmation", zap.Object("member", m.Identity()), zap.Error(err))
		}
		cancel()
	}
}
