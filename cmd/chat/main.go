// Package main implements a terminal chat client for the reasoning service.
// It sends each line of input over NATS request-reply and prints the reply.
package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/nats-io/nats.go"

	"github.com/PenroseAI/penrose/pkg/natsutil"
)

func envOr(k, d string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return d
}

type chatRequest struct {
	UserID string `json:"user_id"`
	Text   string `json:"text"`
}

// chatReply covers both the success and error response shapes.
type chatReply struct {
	UserID    string `json:"user_id,omitempty"`
	Text      string `json:"text,omitempty"`
	Error     string `json:"error,omitempty"`
	LatencyMS int64  `json:"latency_ms"`
}

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	slog.SetDefault(logger)

	natsURL := envOr("PENROSE_NATS_URL", "nats://localhost:4222")
	subject := envOr("PENROSE_NATS_SUBJECT", "penrose.request")
	userID := envOr("PENROSE_CHAT_USER", "terminal")

	nc, err := nats.Connect(natsURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "connect %s: %v\n", natsURL, err)
		os.Exit(1)
	}
	defer nc.Drain()

	fmt.Printf("connected to %s (subject %s, user %s); empty line quits\n", natsURL, subject, userID)

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			break
		}

		reply, err := natsutil.Request[chatRequest, chatReply](
			context.Background(), nc, subject, chatRequest{UserID: userID, Text: text})
		if err != nil {
			fmt.Fprintf(os.Stderr, "request failed: %v\n", err)
			continue
		}
		if reply.Error != "" {
			fmt.Printf("error (%dms): %s\n", reply.LatencyMS, reply.Error)
			continue
		}
		fmt.Printf("%s (%dms)\n", reply.Text, reply.LatencyMS)
	}
}
