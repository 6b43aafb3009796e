package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	natsclient "github.com/devghori1264/aerophoenix/powerbot/internal/nats"
)

var (
	botBase = "http://localhost:9090"
	natsURL = "nats://localhost:4222"
	subject = "powerbot.events"
)

func main() {
	logger, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	if err := newRootCmd(logger).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(logger *zap.Logger) *cobra.Command {
	root := &cobra.Command{
		Use:          "powerctl",
		Short:        "Operator CLI for powerbot",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&botBase, "addr", botBase, "powerbot internal (metrics/admin) base URL")
	root.PersistentFlags().StringVar(&natsURL, "nats", natsURL, "NATS server URL")
	root.PersistentFlags().StringVar(&subject, "subject", subject, "event subject")

	root.AddCommand(
		getCmd("ping", "Check the bot is up", "/ping"),
		getCmd("status", "Show the power state of the tracked instances", "/status"),
		getCmd("messages", "List the messages the bot keeps up to date", "/messages"),
		refreshCmd(),
		watchCmd(logger),
	)
	return root
}

func getCmd(use, short, path string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := http.Get(botBase + path)
			if err != nil {
				return fmt.Errorf("http error: %w", err)
			}
			defer resp.Body.Close()
			return printResponse(cmd.OutOrStdout(), resp)
		},
	}
}

func refreshCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Refresh every tracked message now",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := http.Post(botBase+"/refresh", "application/json", nil)
			if err != nil {
				return fmt.Errorf("http error: %w", err)
			}
			defer resp.Body.Close()
			return printResponse(cmd.OutOrStdout(), resp)
		},
	}
}

func printResponse(w io.Writer, resp *http.Response) error {
	var out interface{}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	pretty, _ := json.MarshalIndent(out, "", "  ")
	fmt.Fprintln(w, string(pretty))
	if resp.StatusCode >= 400 {
		return fmt.Errorf("powerbot returned %s", resp.Status)
	}
	return nil
}

func watchCmd(logger *zap.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Stream power events from NATS",
		RunE: func(cmd *cobra.Command, args []string) error {
			nc, err := nats.Connect(natsURL, nats.Name("powerctl"))
			if err != nil {
				return fmt.Errorf("connect to nats: %w", err)
			}
			defer nc.Drain()

			out := cmd.OutOrStdout()
			sub, err := nc.Subscribe(subject, func(m *nats.Msg) {
				var ev natsclient.Event
				if err := json.Unmarshal(m.Data, &ev); err != nil {
					logger.Warn("undecodable event", zap.Error(err))
					return
				}
				fmt.Fprintln(out, formatEvent(ev))
			})
			if err != nil {
				return fmt.Errorf("subscribe %s: %w", subject, err)
			}
			defer sub.Unsubscribe()
			logger.Info("watching", zap.String("subject", subject))

			stop := make(chan os.Signal, 1)
			signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
			<-stop
			return nil
		},
	}
}

func formatEvent(ev natsclient.Event) string {
	line := ev.Kind
	if ev.Instance != "" {
		line += " instance=" + ev.Instance
	}
	if ev.Region != "" {
		line += " region=" + ev.Region
	}
	if ev.Key != "" {
		line += fmt.Sprintf(" key=%q", ev.Key)
	}
	return line
}
