// sessiontest opens one protocol session to a game server and streams
// every inbound frame to the console. Useful for checking pairing
// credentials and watching broadcasts without running the full bridge.
//
// Usage: go run ./cmd/sessiontest --endpoint host:port --player-id ID --player-token TOKEN
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mwaller/outpost/internal/connection"
)

func main() {
	endpoint := flag.String("endpoint", "", "game server host:port")
	playerID := flag.String("player-id", "", "player identity from pairing")
	playerToken := flag.String("player-token", "", "player credential from pairing")
	method := flag.String("method", connection.MethodServerInfo, "initial RPC to send")
	verbose := flag.Bool("verbose", false, "print full frame JSON")
	flag.Parse()

	if *endpoint == "" || *playerID == "" {
		fmt.Fprintln(os.Stderr, "usage: sessiontest --endpoint host:port --player-id ID --player-token TOKEN")
		os.Exit(2)
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	client := connection.NewClient(connection.ClientConfig{
		URL:            "ws://" + *endpoint,
		ConnectTimeout: 10 * time.Second,
		PingTimeout:    60 * time.Second,
		WriteTimeout:   5 * time.Second,
		BufferSize:     256,
	}, logger)

	connectCtx, connectCancel := context.WithTimeout(ctx, 10*time.Second)
	err := client.Connect(connectCtx)
	connectCancel()
	if err != nil {
		logger.Error("connect failed", "endpoint", *endpoint, "error", err)
		os.Exit(1)
	}
	defer client.Close()
	logger.Info("connected", "endpoint", *endpoint)

	frame, err := json.Marshal(map[string]any{
		"seq":          1,
		"player_id":    *playerID,
		"player_token": *playerToken,
		"method":       *method,
	})
	if err != nil {
		logger.Error("encode request failed", "error", err)
		os.Exit(1)
	}
	if err := client.Send(frame); err != nil {
		logger.Error("send failed", "error", err)
		os.Exit(1)
	}
	logger.Info("request sent", "method", *method)

	for {
		select {
		case <-ctx.Done():
			logger.Info("closing session")
			return
		case err := <-client.Errors():
			logger.Error("transport error", "error", err)
			return
		case msg, ok := <-client.Messages():
			if !ok {
				logger.Info("connection closed by remote")
				return
			}
			printFrame(logger, msg, *verbose)
		}
	}
}

func printFrame(logger *slog.Logger, msg connection.TimestampedMessage, verbose bool) {
	var probe struct {
		Seq       *int64 `json:"seq"`
		OK        *bool  `json:"ok"`
		Error     string `json:"error"`
		Broadcast string `json:"broadcast"`
	}
	if err := json.Unmarshal(msg.Data, &probe); err != nil {
		logger.Warn("undecodable frame", "bytes", len(msg.Data))
		return
	}

	switch {
	case probe.Broadcast != "":
		logger.Info("broadcast", "kind", probe.Broadcast, "at", msg.ReceivedAt.Format(time.TimeOnly))
	case probe.Seq != nil:
		ok := probe.OK != nil && *probe.OK
		logger.Info("reply", "seq", *probe.Seq, "ok", ok, "error", probe.Error)
	default:
		logger.Info("frame", "bytes", len(msg.Data))
	}

	if verbose {
		fmt.Println(string(msg.Data))
	}
}
