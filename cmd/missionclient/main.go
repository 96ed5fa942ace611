package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/mission-sync/mission-sync/internal/application/lighting"
	"github.com/mission-sync/mission-sync/internal/application/loader"
	"github.com/mission-sync/mission-sync/internal/infrastructure/progresslog"
	"github.com/mission-sync/mission-sync/internal/infrastructure/simfeed"
	"github.com/mission-sync/mission-sync/internal/infrastructure/wschannel"
	"github.com/mission-sync/mission-sync/internal/protocol"
)

type options struct {
	serverURL     string
	datablocks    int
	ghosts        int
	feedInterval  time.Duration
	lightingTime  time.Duration
	pollInterval  time.Duration
	decalRoot     string
	statusEvery   time.Duration
	exitOnStart   bool
	verbose       bool
	writeTimeout  time.Duration
	pingInterval  time.Duration
	progressSteps int
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:   "missionclient",
		Short: "Headless mission client",
		Long:  `Connects to a mission server, loads each announced mission with simulated replication and lighting, and acknowledges every phase.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), opts)
		},
		SilenceUsage: true,
	}

	f := cmd.Flags()
	f.StringVar(&opts.serverURL, "server", "ws://localhost:8080/ws", "command channel URL")
	f.IntVar(&opts.datablocks, "datablocks", 10, "datablocks replicated per mission")
	f.IntVar(&opts.ghosts, "ghosts", 20, "objects replicated per mission")
	f.DurationVar(&opts.feedInterval, "feed-interval", 20*time.Millisecond, "delay between replicated items")
	f.DurationVar(&opts.lightingTime, "lighting", 2*time.Second, "simulated lighting build time")
	f.DurationVar(&opts.pollInterval, "poll", lighting.DefaultPollInterval, "lighting progress poll interval")
	f.StringVar(&opts.decalRoot, "decal-root", ".", "directory decal files are resolved against")
	f.DurationVar(&opts.statusEvery, "status-every", 0, "log loader status at this interval (0 disables)")
	f.BoolVar(&opts.exitOnStart, "exit-on-start", false, "disconnect once a mission has started")
	f.BoolVarP(&opts.verbose, "verbose", "v", false, "debug logging")
	f.DurationVar(&opts.writeTimeout, "write-timeout", wschannel.DefaultWriteTimeout, "websocket write timeout")
	f.DurationVar(&opts.pingInterval, "ping-interval", wschannel.DefaultPingInterval, "websocket ping interval")
	f.IntVar(&opts.progressSteps, "progress-steps", 10, "progress log lines per phase")
	return cmd
}

func run(parent context.Context, opts *options) error {
	if parent == nil {
		parent = context.Background()
	}
	level := zerolog.InfoLevel
	if opts.verbose {
		level = zerolog.DebugLevel
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		Level(level).With().Timestamp().Logger()

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	conn, err := wschannel.Dial(ctx, opts.serverURL, http.Header{}, wschannel.Config{
		WriteTimeout: opts.writeTimeout,
		PingInterval: opts.pingInterval,
	}, logger)
	if err != nil {
		return err
	}
	defer conn.Close()
	logger.Info().Str("server", opts.serverURL).Msg("connected")

	sink := progresslog.New(logger, opts.progressSteps)
	feed := simfeed.NewFeed(simfeed.FeedConfig{
		Datablocks: opts.datablocks,
		Ghosts:     opts.ghosts,
		Interval:   opts.feedInterval,
	}, logger)
	defer feed.Stop()
	lighter := lighting.New(simfeed.NewBuilder(opts.lightingTime, 0), sink, opts.pollInterval, logger)
	decals := simfeed.NewDecalLoader(opts.decalRoot, logger)
	l := loader.New(conn, sink, feed, decals, lighter, logger)
	feed.Bind(l)
	defer l.Disconnect()

	g, gctx := errgroup.WithContext(ctx)
	loopCtx, cancelLoop := context.WithCancel(gctx)
	defer cancelLoop()

	g.Go(func() error {
		defer cancelLoop()
		return conn.ReadLoop(loopCtx, func(ctx context.Context, msg protocol.Message) error {
			if err := l.Dispatch(ctx, msg); err != nil {
				return err
			}
			if opts.exitOnStart && msg.Type == protocol.TypeStart && l.Sequence() == msg.Seq {
				logger.Info().Uint64("seq", msg.Seq).Msg("mission started, disconnecting")
				cancelLoop()
			}
			return nil
		})
	})

	if opts.statusEvery > 0 {
		g.Go(func() error {
			ticker := time.NewTicker(opts.statusEvery)
			defer ticker.Stop()
			for {
				select {
				case <-loopCtx.Done():
					return nil
				case <-ticker.C:
					st := l.Status()
					job := lighter.Job()
					logger.Info().
						Uint64("seq", st.Sequence).
						Str("phase", st.Phase).
						Str("mission", st.MissionPath).
						Str("datablocks", fmt.Sprintf("%d/%d", st.DatablocksReceived, st.DatablocksTotal)).
						Str("ghosts", fmt.Sprintf("%d/%d", st.GhostsReceived, st.GhostCount)).
						Float64("lighting", job.Progress).
						Msg("status")
				}
			}
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info().Msg("disconnected")
	return nil
}
