// Command groupchat runs a round-robin discussion between three agents. The
// chat ends when every participant skips its turn in a row. It needs
// ANTHROPIC_API_KEY.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"goa.design/clue/log"

	"goa.design/calf/features/model/anthropic"
	"goa.design/calf/runtime/broker"
	"goa.design/calf/runtime/envelope"
	"goa.design/calf/runtime/model"
	"goa.design/calf/runtime/node/agent"
	"goa.design/calf/runtime/node/chat"
	"goa.design/calf/runtime/node/groupchat"
	"goa.design/calf/runtime/runner"
)

func main() {
	ctx := log.Context(context.Background(), log.WithFormat(log.FormatTerminal))

	client, err := anthropic.NewFromAPIKey(os.Getenv("ANTHROPIC_API_KEY"), "claude-sonnet-4-5")
	if err != nil {
		log.Fatalf(ctx, err, "set ANTHROPIC_API_KEY to run this example")
	}

	brk := broker.NewMemory()
	defer brk.Close(context.Background())

	run := runner.New(brk)
	var participants []groupchat.Participant
	for _, name := range []string{"optimist", "skeptic", "moderator"} {
		router := agent.New(name)
		run.Register(router, chat.New(name, client))
		participants = append(participants, groupchat.Participant{
			Name:  name,
			Topic: router.Topics().Entrypoint,
		})
	}
	run.Register(groupchat.New("panel", participants))

	ctx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	replies, stopReplies, err := brk.Subscribe(ctx, broker.Subscription{Topic: "replies", Group: "example"})
	if err != nil {
		log.Fatalf(ctx, err, "subscribe failed")
	}
	defer stopReplies()

	done := make(chan error, 1)
	go func() { done <- run.Run(ctx) }()
	<-run.Ready()

	env := envelope.New(envelope.KindUserPrompt, "example-groupchat")
	env.FinalResponseTopic = "replies"
	env.SetLatest(model.NewTextMessage(model.ConversationRoleUser,
		"Debate whether every service needs a message broker. Keep contributions short."))
	if err := run.Emitter().Emit(ctx, "groupchat.in.panel", env); err != nil {
		log.Fatalf(ctx, err, "publish failed")
	}

	select {
	case d := <-replies:
		_ = d.Ack(ctx)
		final, err := envelope.Decode(d.Payload)
		if err != nil {
			log.Fatalf(ctx, err, "decode failed")
		}
		fmt.Printf("discussion ended after %d messages:\n\n", len(final.MessageHistory))
		for _, m := range final.MessageHistory {
			if m.Role != model.ConversationRoleSystem {
				fmt.Printf("- %s\n", m.Text())
			}
		}
	case <-ctx.Done():
		log.Fatalf(ctx, ctx.Err(), "timed out waiting for the discussion to end")
	}

	cancel()
	<-done
}
