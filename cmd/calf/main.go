// Command calf runs an event-driven agent graph over a message broker.
//
// Usage:
//
//	calf serve -config calf.yaml [-mode memory|redis] [-debug]
//	calf version
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	mongooptions "go.mongodb.org/mongo-driver/mongo/options"
	"goa.design/clue/log"

	pulsebroker "goa.design/calf/features/broker/pulse"
	clientspulse "goa.design/calf/features/broker/pulse/clients/pulse"
	"goa.design/calf/features/model/anthropic"
	"goa.design/calf/features/model/middleware"
	"goa.design/calf/features/model/openai"
	"goa.design/calf/features/tracelog"
	tracelogmongo "goa.design/calf/features/tracelog/mongo"
	tracelogclients "goa.design/calf/features/tracelog/mongo/clients/mongo"
	"goa.design/calf/runtime/broker"
	"goa.design/calf/runtime/model"
	"goa.design/calf/runtime/node/agent"
	"goa.design/calf/runtime/node/chat"
	"goa.design/calf/runtime/node/groupchat"
	"goa.design/calf/runtime/runner"
	"goa.design/calf/runtime/telemetry"
)

// Version is the build version, set via -ldflags at release time.
var Version = "dev"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	switch os.Args[1] {
	case "serve":
		os.Exit(serve(os.Args[2:]))
	case "version":
		fmt.Println("calf", Version)
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: calf serve -config calf.yaml [-mode memory|redis] [-debug]")
	fmt.Fprintln(os.Stderr, "       calf version")
}

func serve(args []string) int {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	var (
		configF = fs.String("config", "calf.yaml", "Path to the YAML configuration file")
		modeF   = fs.String("mode", "", "Broker backend (memory or redis, overrides config)")
		dbgF    = fs.Bool("debug", false, "Enable debug logs")
	)
	_ = fs.Parse(args)

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}

	cfg, err := LoadConfig(*configF)
	if err != nil {
		log.Errorf(ctx, err, "invalid configuration")
		return 1
	}
	if *modeF != "" {
		cfg.Mode = *modeF
		if err := cfg.validate(); err != nil {
			log.Errorf(ctx, err, "invalid configuration")
			return 1
		}
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	brk, cleanup, err := buildBroker(ctx, cfg)
	if err != nil {
		log.Errorf(ctx, err, "broker setup failed")
		return 1
	}
	defer cleanup()

	client, err := buildModelClient(cfg)
	if err != nil {
		log.Errorf(ctx, err, "model client setup failed")
		return 1
	}

	opts := []runner.Option{
		runner.WithLogger(telemetry.NewLogger()),
		runner.WithMetrics(telemetry.NewMetrics()),
	}
	if cfg.Tracelog.URI != "" {
		obs, obsCleanup, err := buildObserver(ctx, cfg)
		if err != nil {
			log.Errorf(ctx, err, "trace archive setup failed")
			return 1
		}
		defer obsCleanup()
		opts = append(opts, runner.WithObserver(obs))
	}

	run := runner.New(brk, opts...)
	registerGraph(run, cfg, client)

	log.Print(ctx, log.KV{K: "msg", V: "serving"}, log.KV{K: "mode", V: cfg.Mode},
		log.KV{K: "provider", V: cfg.Provider.Name}, log.KV{K: "agents", V: len(cfg.Agents)})

	if err := run.Run(ctx); err != nil && ctx.Err() == nil {
		log.Errorf(ctx, err, "runner failed")
		return 1
	}
	log.Print(ctx, log.KV{K: "msg", V: "shutdown complete"})
	return 0
}

func buildBroker(ctx context.Context, cfg *Config) (broker.Broker, func(), error) {
	if cfg.Mode == "memory" {
		brk := broker.NewMemory()
		return brk, func() { _ = brk.Close(context.Background()) }, nil
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, nil, fmt.Errorf("redis ping: %w", err)
	}
	client, err := clientspulse.New(clientspulse.Options{Redis: rdb})
	if err != nil {
		_ = rdb.Close()
		return nil, nil, err
	}
	brk, err := pulsebroker.New(pulsebroker.Options{Client: client, Logger: telemetry.NewLogger()})
	if err != nil {
		_ = rdb.Close()
		return nil, nil, err
	}
	cleanup := func() {
		_ = brk.Close(context.Background())
		_ = rdb.Close()
	}
	return brk, cleanup, nil
}

func buildModelClient(cfg *Config) (model.Client, error) {
	apiKey := os.Getenv(cfg.Provider.APIKeyEnv)
	if apiKey == "" {
		return nil, fmt.Errorf("environment variable %s is not set", cfg.Provider.APIKeyEnv)
	}
	var (
		client model.Client
		err    error
	)
	switch cfg.Provider.Name {
	case "openai":
		client, err = openai.NewFromAPIKey(apiKey, cfg.Provider.Model)
	case "anthropic":
		client, err = anthropic.NewFromAPIKey(apiKey, cfg.Provider.Model)
	default:
		err = fmt.Errorf("unknown provider %q", cfg.Provider.Name)
	}
	if err != nil {
		return nil, err
	}
	if tpm := cfg.Provider.TokensPerMinute; tpm > 0 {
		client = middleware.NewAdaptiveRateLimiter(tpm, tpm).Middleware()(client)
	}
	return client, nil
}

func buildObserver(ctx context.Context, cfg *Config) (*tracelog.Observer, func(), error) {
	mc, err := mongodriver.Connect(ctx, mongooptions.Client().ApplyURI(cfg.Tracelog.URI))
	if err != nil {
		return nil, nil, fmt.Errorf("mongo connect: %w", err)
	}
	client, err := tracelogclients.New(tracelogclients.Options{
		Client:   mc,
		Database: cfg.Tracelog.Database,
	})
	if err != nil {
		_ = mc.Disconnect(context.Background())
		return nil, nil, err
	}
	if err := client.Ping(ctx); err != nil {
		_ = mc.Disconnect(context.Background())
		return nil, nil, fmt.Errorf("mongo ping: %w", err)
	}
	store, err := tracelogmongo.NewStore(client)
	if err != nil {
		_ = mc.Disconnect(context.Background())
		return nil, nil, err
	}
	obs, err := tracelog.NewObserver(store, telemetry.NewLogger())
	if err != nil {
		_ = mc.Disconnect(context.Background())
		return nil, nil, err
	}
	return obs, func() { _ = mc.Disconnect(context.Background()) }, nil
}

// registerGraph wires one agent router plus chat node per configured agent
// and, when requested, a group chat router over all of them.
func registerGraph(run *runner.Runner, cfg *Config, client model.Client) {
	var participants []groupchat.Participant
	for _, a := range cfg.Agents {
		router := agent.New(a.Name)
		var chatOpts []chat.Option
		if a.SystemPrompt != "" {
			chatOpts = append(chatOpts, chat.WithSystemPrompt(a.SystemPrompt))
		}
		run.Register(router, chat.New(a.Name, client, chatOpts...))
		participants = append(participants, groupchat.Participant{
			Name:  a.Name,
			Topic: router.Topics().Entrypoint,
		})
	}
	if cfg.Groupchat != nil {
		run.Register(groupchat.New(cfg.Groupchat.Name, participants))
	}
}
