// Command ringcast is a TCP line broadcast server. Every line received from
// any client is published to a shared ring, and delivered to every connected
// client by the event loop owning that client.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	reactor "github.com/joeycumines/go-reactor"
	"github.com/joeycumines/go-reactor/eventloop"
	"github.com/joeycumines/go-reactor/poller"
	"github.com/joeycumines/go-reactor/ringbuffer"
	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ringcast",
		Short: "Broadcast lines between TCP clients over a pool of event loops",
		Long: `ringcast accepts TCP connections and broadcasts every line received from any
client to every connected client.

Lines are published to a single bounded ring. Each client reads the ring
through its own cursor, on the event loop owning its connection. Under the
drop policy, slow clients are told how many lines they missed.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          run,
	}

	cobra.OnInitialize(initConfig)

	flags := cmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default is ./ringcast.yaml, if present)")
	flags.String("listen", "127.0.0.1:7000", "address to listen on")
	flags.Int("loops", 0, "number of event loops (default is the number of CPUs)")
	flags.String("backend", "auto", "readiness backend (auto, epoll, kqueue, poll)")
	flags.Bool("pin-cpus", false, "pin each event loop to a CPU (linux only)")
	flags.Int("capacity", 1024, "ring capacity, in lines")
	flags.String("policy", "drop", "full ring policy (block, drop)")
	flags.Duration("publish-timeout", 50*time.Millisecond, "max time a publish waits under the block policy")
	flags.Int("max-line", 4096, "max line length, longer lines disconnect the client")
	flags.Int("max-clients", 0, "max concurrent clients, zero for no limit")
	flags.Duration("stats-interval", 30*time.Second, "interval between stats log lines, zero to disable")
	flags.Duration("stop-grace", 5*time.Second, "time allowed to drain queued work on shutdown")
	flags.String("log-level", "info", "log level (debug, info, warning, err)")

	_ = viper.BindPFlags(flags)

	return cmd
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName("ringcast")
	}

	viper.SetEnvPrefix("RINGCAST")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintf(os.Stderr, "Using config file: %s\n", viper.ConfigFileUsed())
	}
}

func run(cmd *cobra.Command, _ []string) error {
	level, err := parseLevel(viper.GetString("log-level"))
	if err != nil {
		return err
	}
	backend, err := poller.ParseBackend(viper.GetString("backend"))
	if err != nil {
		return err
	}
	policy, err := ringbuffer.ParsePolicy(viper.GetString("policy"))
	if err != nil {
		return err
	}

	logger := stumpy.L.New(
		stumpy.L.WithStumpy(stumpy.WithWriter(cmd.ErrOrStderr())),
		stumpy.L.WithLevel(level),
	).Logger()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	grace := viper.GetDuration("stop-grace")

	rt, err := reactor.Start(ctx, reactor.Config{
		Logger:    logger,
		Loops:     viper.GetInt("loops"),
		Backend:   backend,
		PinCPUs:   viper.GetBool("pin-cpus"),
		StopGrace: grace,
	})
	if err != nil {
		return fmt.Errorf("failed to start runtime: %w", err)
	}

	go func() {
		_ = rt.DrainFaults(context.Background(), func(f *eventloop.CallbackFault) {
			logger.Debug().
				Uint64("loop", f.Loop).
				Stringer("kind", f.Kind).
				Int("fd", f.FD).
				Err(f.Err).
				Log("fault drained")
		})
	}()

	srv, err := newServer(rt, serverConfig{
		Listen:         viper.GetString("listen"),
		Capacity:       viper.GetInt("capacity"),
		Policy:         policy,
		PublishTimeout: viper.GetDuration("publish-timeout"),
		MaxLine:        viper.GetInt("max-line"),
		MaxClients:     viper.GetInt("max-clients"),
		StatsInterval:  viper.GetDuration("stats-interval"),
		Logger:         logger,
	})
	if err != nil {
		_ = rt.Stop(grace)
		return fmt.Errorf("failed to start server: %w", err)
	}

	logger.Notice().Str("addr", srv.Addr()).Log("ringcast listening")

	<-ctx.Done()

	logger.Notice().Log("shutting down")
	srv.Close()
	return rt.Stop(grace)
}

func parseLevel(s string) (logiface.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return logiface.LevelTrace, nil
	case "debug":
		return logiface.LevelDebug, nil
	case "info", "informational":
		return logiface.LevelInformational, nil
	case "notice":
		return logiface.LevelNotice, nil
	case "warn", "warning":
		return logiface.LevelWarning, nil
	case "err", "error":
		return logiface.LevelError, nil
	case "off", "disabled":
		return logiface.LevelDisabled, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", s)
	}
}
