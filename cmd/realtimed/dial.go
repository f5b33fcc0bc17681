package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/lk2023060901/danmu-realtime/internal/network/connector"
	"github.com/lk2023060901/danmu-realtime/internal/network/protocol"
)

// dial 连接到一个 worker，打印收到的所有信封。
// 标准输入的每一行作为 (chat, message) 发送，以 "/join <room>" 和 "/leave <room>" 切换房间。
func newDialCmd() *cobra.Command {
	var (
		token string
		rooms []string
	)
	cmd := &cobra.Command{
		Use:   "dial <url>",
		Short: "Connect to a worker and print received messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			cfg := connector.DefaultConfig(args[0])
			cfg.Token = token
			out := cmd.OutOrStdout()
			client := connector.New(cfg,
				connector.OnConnected(func(_ *connector.Client, join func(room string)) {
					fmt.Fprintln(out, "connected")
					for _, room := range rooms {
						join(room)
					}
				}),
				connector.OnReconnecting(func(attempt int, delay time.Duration) {
					fmt.Fprintf(out, "reconnecting (attempt %d) in %s\n", attempt, delay)
				}),
				connector.OnUnhandled(func(env *protocol.Envelope) {
					raw, err := protocol.Encode(env)
					if err != nil {
						return
					}
					fmt.Fprintln(out, string(raw))
				}),
			)
			if err := client.Connect(ctx); err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "connect failed: %v\n", err)
			}
			defer client.Disconnect()

			go readInput(client, cmd.InOrStdin(), stop)
			<-ctx.Done()
			return nil
		},
	}
	cmd.Flags().StringVar(&token, "token", "", "bearer token passed as ?token=")
	cmd.Flags().StringSliceVar(&rooms, "room", nil, "rooms to join after each connect")
	return cmd
}

func readInput(client *connector.Client, in io.Reader, stop context.CancelFunc) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
		case strings.HasPrefix(line, "/join "):
			client.JoinRoom(strings.TrimSpace(strings.TrimPrefix(line, "/join ")))
		case strings.HasPrefix(line, "/leave "):
			client.LeaveRoom(strings.TrimSpace(strings.TrimPrefix(line, "/leave ")))
		default:
			env, err := protocol.New("chat", "message", map[string]string{"text": line})
			if err == nil {
				client.Send(env)
			}
		}
	}
	stop()
}
