package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/dukerupert/econet/internal/agent"
	"github.com/dukerupert/econet/internal/logging"
)

func main() {
	logger := logging.Setup(os.Getenv("ECONET_LOG_LEVEL"), os.Getenv("ECONET_LOG_FORMAT"))

	portalURL := os.Getenv("ECONET_PORTAL_URL")
	if portalURL == "" {
		portalURL = "http://localhost:8080"
	}

	client, err := agent.NewClient(portalURL)
	if err != nil {
		log.Fatalf("failed to create client: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a := agent.New(ctx, client, logger.With("component", "agent"))

	go func() {
		if err := a.Run(); err != nil && ctx.Err() == nil {
			log.Fatalf("agent error: %v", err)
		}
	}()

	fmt.Printf("Connected to %s. Commands: lock, bottle, commit, cancel, status, quit\n", portalURL)

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		switch strings.TrimSpace(scanner.Text()) {
		case "lock":
			a.AcquireLock()
		case "bottle":
			a.InsertBottle()
		case "commit":
			a.Commit()
		case "cancel":
			a.Cancel()
		case "status":
			printState(a.State())
		case "quit", "exit":
			return
		case "":
		default:
			fmt.Println("commands: lock, bottle, commit, cancel, status, quit")
		}

		if ctx.Err() != nil {
			return
		}
	}
}

func printState(st agent.State) {
	online := "online"
	if !st.Online {
		online = "offline"
	}
	fmt.Printf("session %d  %s  bottles %d (+%d pending)  earned %ds  remaining %ds  %s\n",
		st.SessionID, st.Status, st.ServerBottles, st.PendingBottles(),
		st.SecondsEarned, st.Remaining, online)
}
