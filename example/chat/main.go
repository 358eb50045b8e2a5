// Command chat runs a single agent with one tool over the in-memory broker
// and prints the final answer. It needs ANTHROPIC_API_KEY.
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
	"goa.design/calf/runtime/node/tool"
	"goa.design/calf/runtime/runner"
)

func main() {
	ctx := log.Context(context.Background(), log.WithFormat(log.FormatTerminal))

	client, err := anthropic.NewFromAPIKey(os.Getenv("ANTHROPIC_API_KEY"), "claude-sonnet-4-5")
	if err != nil {
		log.Fatalf(ctx, err, "set ANTHROPIC_API_KEY to run this example")
	}

	clock, err := tool.New(tool.NewFunc(model.ToolDefinition{
		Name:        "current_time",
		Description: "Returns the current UTC time.",
		InputSchema: map[string]any{"type": "object"},
	}, func(context.Context, map[string]any) (any, error) {
		return map[string]any{"now": time.Now().UTC().Format(time.RFC3339)}, nil
	}))
	if err != nil {
		log.Fatalf(ctx, err, "tool setup failed")
	}

	brk := broker.NewMemory()
	defer brk.Close(context.Background())

	run := runner.New(brk)
	run.Register(
		agent.New("assistant", agent.WithTool(clock.Definition())),
		chat.New("assistant", client, chat.WithSystemPrompt("Be concise.")),
		clock,
	)

	ctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	replies, stopReplies, err := brk.Subscribe(ctx, broker.Subscription{Topic: "replies", Group: "example"})
	if err != nil {
		log.Fatalf(ctx, err, "subscribe failed")
	}
	defer stopReplies()

	done := make(chan error, 1)
	go func() { done <- run.Run(ctx) }()
	<-run.Ready()

	env := envelope.New(envelope.KindUserPrompt, "example-chat")
	env.FinalResponseTopic = "replies"
	env.SetLatest(model.NewTextMessage(model.ConversationRoleUser, "What time is it right now, in one sentence?"))
	if err := run.Emitter().Emit(ctx, "agent.public.assistant", env); err != nil {
		log.Fatalf(ctx, err, "publish failed")
	}

	select {
	case d := <-replies:
		_ = d.Ack(ctx)
		reply, err := envelope.Decode(d.Payload)
		if err != nil {
			log.Fatalf(ctx, err, "decode failed")
		}
		fmt.Println("assistant:", reply.LatestMessage.Text())
	case <-ctx.Done():
		log.Fatalf(ctx, ctx.Err(), "timed out waiting for the answer")
	}

	cancel()
	<-done
}
