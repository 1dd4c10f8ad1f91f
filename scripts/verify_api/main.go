// Command verify_api runs a smoke test against a running API: two users log
// in, open a direct conversation and exchange a read receipt.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/mahaj/chatsync/pkg/logging"
	"github.com/mahaj/chatsync/pkg/rest"
)

func main() {
	apiAddr := flag.String("api", "http://localhost:8081", "api service address")
	userA := flag.String("a", "userA", "first user")
	userB := flag.String("b", "userB", "second user")
	flag.Parse()
	logging.Init(logging.Config{Level: "info", Format: "console"})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	a := login(ctx, *apiAddr, *userA)
	b := login(ctx, *apiAddr, *userB)

	conv, err := a.CreateConversation(ctx, *userB)
	check(err, "create conversation")
	logging.Info().Str("conversation", conv.ID).Int("participants", len(conv.Participants)).Msg("Conversation ready")

	again, err := b.CreateConversation(ctx, *userA)
	check(err, "reopen conversation")
	if again.ID != conv.ID {
		logging.Fatal().Str("first", conv.ID).Str("second", again.ID).Msg("Direct conversation is not idempotent")
	}

	list, err := b.Conversations(ctx)
	check(err, "list conversations")
	logging.Info().Int("count", len(list)).Msg("Conversations listed")

	msgs, err := a.Messages(ctx, conv.ID, 20)
	check(err, "fetch history")
	logging.Info().Int("count", len(msgs)).Msg("History fetched")

	if len(msgs) > 0 {
		n, err := b.MarkRead(ctx, conv.ID, []string{msgs[len(msgs)-1].ID})
		check(err, "mark read")
		logging.Info().Int("updated", n).Msg("Receipts recorded")
	}
	fmt.Println("ok")
}

func login(ctx context.Context, addr, userID string) *rest.Client {
	c := rest.New(rest.Config{BaseURL: addr})
	token, err := c.Login(ctx, userID, userID)
	check(err, "login "+userID)
	c.SetToken(token)
	return c
}

func check(err error, step string) {
	if err != nil {
		logging.Error().Err(err).Str("step", step).Msg("Smoke test failed")
		os.Exit(1)
	}
}
