package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/taskbridge/realtime"
	"go.uber.org/zap"
)

var (
	tailPeer        string
	tailHistory     bool
	tailJSON        bool
	tailMetricsAddr string
)

func init() {
	rootCmd.AddCommand(tailCmd)
	tailCmd.Flags().StringVar(&tailPeer, "peer", "", "User ID of the other participant, to follow their presence")
	tailCmd.Flags().BoolVar(&tailHistory, "history", true, "Load the latest history page before tailing")
	tailCmd.Flags().BoolVar(&tailJSON, "json", false, "Print events as JSON lines")
	tailCmd.Flags().StringVar(&tailMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address, e.g. :9102")
}

var tailCmd = &cobra.Command{
	Use:   "tail <conversation-id>",
	Short: "Follow a conversation in real time",
	Long:  "Join a conversation and print incoming messages, counterpart presence and connection changes until interrupted.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		conv := args[0]
		c := mustClient()
		defer c.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if tailMetricsAddr != "" {
			srv := serveMetrics(c, tailMetricsAddr)
			defer srv.Close()
		}

		s := c.core.NewSession()
		defer s.Dispose()

		s.OnMessage(func(e realtime.MessageEvent) {
			if tailJSON {
				_ = printJSON(e)
				return
			}
			if e.Kind == realtime.MessageAdded {
				fmt.Println(formatMessage(e.Message))
			}
		})
		s.OnPresenceChange(func(p realtime.PresenceState) {
			if tailJSON {
				_ = printJSON(p)
				return
			}
			fmt.Println("*", formatPresence(p))
		})
		s.OnConnectionState(func(info realtime.ConnectionInfo) {
			if tailJSON {
				_ = printJSON(info)
				return
			}
			line := fmt.Sprintf("-- %s", info.State)
			if info.State == realtime.StateReconnecting && !info.NextAttempt.IsZero() {
				line += fmt.Sprintf(" (attempt %d in %s)", info.Retries, time.Until(info.NextAttempt).Round(time.Millisecond))
			}
			if info.Err != nil {
				line += fmt.Sprintf(": %v", info.Err)
			}
			fmt.Fprintln(os.Stderr, line)
			if errors.Is(info.Err, realtime.ErrAuthRejected) {
				stop()
			}
		})

		if _, err := s.Open(conv, tailPeer); err != nil {
			return err
		}

		if tailHistory && c.core.API() != nil {
			hctx, cancel := context.WithTimeout(ctx, 10*time.Second)
			_, err := s.LoadHistory(hctx, conv, "")
			cancel()
			if err != nil {
				c.log.Warn("history load failed", zap.String("conversation", conv), zap.Error(err))
			}
			if !tailJSON {
				for _, m := range s.View(conv).Messages {
					fmt.Println(formatMessage(m))
				}
			}
		}

		if err := c.core.Connect(ctx, c.cfg.Auth.Token); err != nil {
			var ce *realtime.ConnectError
			if !errors.As(err, &ce) || !ce.Retryable() {
				return fmt.Errorf("connect failed: %w", err)
			}
			fmt.Fprintf(os.Stderr, "-- connect failed, retrying in background: %v\n", err)
		}

		<-ctx.Done()
		if info := c.core.Transport().Info(); errors.Is(info.Err, realtime.ErrAuthRejected) {
			return fmt.Errorf("token rejected, refresh it with 'rtchat init <token>'")
		}
		return nil
	},
}

// serveMetrics exposes the client's collectors for scraping.
func serveMetrics(c *client, addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			c.log.Error("metrics server failed", zap.String("addr", addr), zap.Error(err))
		}
	}()
	c.log.Info("serving metrics", zap.String("addr", addr))
	return srv
}
