// Command delegation runs two agents where the researcher delegates drafting
// to the writer as if it were a tool call. It needs ANTHROPIC_API_KEY.
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
	"goa.design/calf/runtime/runner"
)

func main() {
	ctx := log.Context(context.Background(), log.WithFormat(log.FormatTerminal))

	client, err := anthropic.NewFromAPIKey(os.Getenv("ANTHROPIC_API_KEY"), "claude-sonnet-4-5")
	if err != nil {
		log.Fatalf(ctx, err, "set ANTHROPIC_API_KEY to run this example")
	}

	writer := agent.New("writer")
	researcher := agent.New("researcher",
		agent.WithDelegate("ask_writer",
			"Hands a writing task to the writer agent and returns its draft.",
			writer.Topics().Entrypoint),
	)

	brk := broker.NewMemory()
	defer brk.Close(context.Background())

	run := runner.New(brk)
	run.Register(
		researcher,
		chat.New("researcher", client, chat.WithSystemPrompt(
			"You research topics. Delegate all prose writing to ask_writer, then return its draft verbatim.")),
		writer,
		chat.New("writer", client, chat.WithSystemPrompt("You write short, vivid prose.")),
	)

	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	replies, stopReplies, err := brk.Subscribe(ctx, broker.Subscription{Topic: "replies", Group: "example"})
	if err != nil {
		log.Fatalf(ctx, err, "subscribe failed")
	}
	defer stopReplies()

	done := make(chan error, 1)
	go func() { done <- run.Run(ctx) }()
	<-run.Ready()

	env := envelope.New(envelope.KindUserPrompt, "example-delegation")
	env.FinalResponseTopic = "replies"
	env.SetLatest(model.NewTextMessage(model.ConversationRoleUser,
		"Produce a two-sentence introduction to message brokers."))
	if err := run.Emitter().Emit(ctx, "agent.public.researcher", env); err != nil {
		log.Fatalf(ctx, err, "publish failed")
	}

	select {
	case d := <-replies:
		_ = d.Ack(ctx)
		reply, err := envelope.Decode(d.Payload)
		if err != nil {
			log.Fatalf(ctx, err, "decode failed")
		}
		fmt.Println("researcher:", reply.LatestMessage.Text())
	case <-ctx.Done():
		log.Fatalf(ctx, ctx.Err(), "timed out waiting for the answer")
	}

	cancel()
	<-done
}
