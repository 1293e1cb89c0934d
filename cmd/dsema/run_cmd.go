package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func newRunCommand(flags *appFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run -- command [args...]",
		Short: "Acquire a permit, run a command, release on exit",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			sem, closer, err := flags.openSemaphore(ctx)
			if err != nil {
				return err
			}
			defer closer()

			started := time.Now()
			permit, err := sem.AcquireTimeout(ctx, flags.timeout)
			if err != nil {
				return fmt.Errorf("acquire %s: %w", flags.name, err)
			}
			defer permit.Release(context.WithoutCancel(ctx))
			if time.Since(started) > time.Second {
				fmt.Fprintf(cmd.ErrOrStderr(), "acquired %s after %s\n",
					flags.name, humanize.RelTime(started, time.Now(), "", ""))
			}

			child := exec.CommandContext(ctx, args[0], args[1:]...)
			child.Stdin = os.Stdin
			child.Stdout = cmd.OutOrStdout()
			child.Stderr = cmd.ErrOrStderr()
			child.Env = append(os.Environ(), "DSEMA_PERMIT_TOKEN="+permit.Token())
			if err := child.Run(); err != nil {
				return fmt.Errorf("run %s: %w", args[0], err)
			}
			return nil
		},
	}
	cmd.Flags().DurationVarP(&flags.timeout, "timeout", "t", 0,
		"give up waiting for a permit after this long (0 waits forever)")
	return cmd
}
