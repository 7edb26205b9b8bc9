package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/taskbridge/realtime"
)

var (
	presenceOnce bool
	presenceJSON bool
)

func init() {
	rootCmd.AddCommand(presenceCmd)
	presenceCmd.Flags().BoolVar(&presenceOnce, "once", false, "Print the first known status of each user and exit")
	presenceCmd.Flags().BoolVar(&presenceJSON, "json", false, "Print changes as JSON lines")
}

var presenceCmd = &cobra.Command{
	Use:   "presence <user-id>...",
	Short: "Watch the online status of users",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := mustClient()
		defer c.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		tracker := c.core.Presence()
		pending := make(map[string]bool, len(args))
		for _, u := range args {
			pending[u] = true
		}
		changes := make(chan realtime.PresenceState, len(args))
		fwdCtx, fwdCancel := context.WithCancel(ctx)
		unsub := tracker.OnChange(forwardPresence(fwdCtx, changes))
		defer unsub()
		defer fwdCancel()

		for _, u := range args {
			tracker.Watch(u)
			defer tracker.Unwatch(u)
		}

		if err := c.core.Connect(ctx, c.cfg.Auth.Token); err != nil {
			return fmt.Errorf("connect failed: %w", err)
		}

		if presenceOnce {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
		}

		for {
			select {
			case <-ctx.Done():
				if presenceOnce {
					for u := range pending {
						fmt.Println(formatPresence(tracker.Get(u)))
					}
				}
				return nil
			case p := <-changes:
				if !pending[p.UserID] && presenceOnce {
					continue
				}
				delete(pending, p.UserID)
				if presenceJSON {
					_ = printJSON(p)
				} else {
					fmt.Println(formatPresence(p))
				}
				if presenceOnce && len(pending) == 0 {
					return nil
				}
			}
		}
	},
}

// forwardPresence hands changes to ch, blocking until they are taken or
// ctx ends so no change is lost while the command is consuming.
func forwardPresence(ctx context.Context, ch chan<- realtime.PresenceState) func(realtime.PresenceState) {
	return func(p realtime.PresenceState) {
		select {
		case ch <- p:
		case <-ctx.Done():
		}
	}
}
