package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newFreeCommand(flags *appFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "free",
		Short: "Print free permits versus capacity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			sem, closer, err := flags.openSemaphore(ctx)
			if err != nil {
				return err
			}
			defer closer()
			free, err := sem.FreeCount(ctx)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s: %d/%d free\n", sem.Name(), free, sem.MaxCount())
			return err
		},
	}
}

func newCancelCommand(flags *appFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel",
		Short: "Fail every acquire currently waiting on the semaphore",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			sem, closer, err := flags.openSemaphore(ctx)
			if err != nil {
				return err
			}
			defer closer()
			return sem.CancelAll(ctx)
		},
	}
}

func newDestroyCommand(flags *appFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "destroy",
		Short: "Destroy the semaphore in every attached process",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			sem, closer, err := flags.openSemaphore(ctx)
			if err != nil {
				return err
			}
			defer closer()
			return sem.Destroy(ctx)
		},
	}
}

func newWatchCommand(flags *appFlags) *cobra.Command {
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print the free count whenever it changes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			sem, closer, err := flags.openSemaphore(ctx)
			if err != nil {
				return err
			}
			defer closer()
			last := -1
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				free, err := sem.FreeCount(ctx)
				if err != nil {
					return err
				}
				if free != last {
					fmt.Fprintf(cmd.OutOrStdout(), "%s %s: %d/%d free\n",
						time.Now().Format(time.RFC3339), sem.Name(), free, sem.MaxCount())
					last = free
				}
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-ticker.C:
				}
			}
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", time.Second, "poll interval")
	return cmd
}
