package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"pkt.systems/dsema"
	"pkt.systems/pslog"
)

func submain(ctx context.Context) int {
	logger := pslog.LoggerFromEnv(
		pslog.WithEnvPrefix("DSEMA_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "dsema")
	cmd := newRootCommand(logger)
	ctx = withSignalCancel(ctx)
	if err := cmd.ExecuteContext(ctx); err != nil {
		if err != context.Canceled {
			fmt.Fprintf(os.Stderr, "%s\n", err)
		}
		return 1
	}
	return 0
}

type appFlags struct {
	store    string
	name     string
	maxCount int
	timeout  time.Duration
	logger   pslog.Logger
}

func newRootCommand(logger pslog.Logger) *cobra.Command {
	flags := &appFlags{logger: logger}
	root := &cobra.Command{
		Use:           "dsema",
		Short:         "Distributed semaphores and mutexes over a shared store",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	// accept snake_case spellings of the flag names
	root.SetGlobalNormalizationFunc(func(f *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})
	defaultStore := strings.TrimSpace(os.Getenv("DSEMA_STORE"))
	if defaultStore == "" {
		defaultStore = "mem://"
	}
	root.PersistentFlags().StringVar(&flags.store, "store", defaultStore,
		"store URL (mem://, disk:///path, s3://host/bucket[/prefix], aws://bucket[/prefix]?region=...)")
	root.PersistentFlags().StringVarP(&flags.name, "name", "n", "", "semaphore name")
	root.PersistentFlags().IntVarP(&flags.maxCount, "max-count", "m", 1, "semaphore capacity when creating")
	root.AddCommand(
		newRunCommand(flags),
		newFreeCommand(flags),
		newCancelCommand(flags),
		newDestroyCommand(flags),
		newWatchCommand(flags),
	)
	return root
}

// openSemaphore wires flags into a backend plus handle. The returned
// closer shuts both down.
func (f *appFlags) openSemaphore(ctx context.Context) (*dsema.Semaphore, func(), error) {
	if strings.TrimSpace(f.name) == "" {
		return nil, nil, fmt.Errorf("--name is required")
	}
	backend, err := dsema.Open(f.store)
	if err != nil {
		return nil, nil, err
	}
	sem, err := dsema.New(ctx, backend, f.name, f.maxCount, dsema.WithLogger(f.logger))
	if err != nil {
		_ = backend.Close()
		return nil, nil, err
	}
	closer := func() {
		_ = sem.Close()
		_ = backend.Close()
	}
	return sem, closer, nil
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}
