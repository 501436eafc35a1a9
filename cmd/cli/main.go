// Command adengine-cli is the thin operator CLI spec.md §6 calls for:
// start-worker, stop-worker, list-workers, list-rules, schedule-rule,
// run-rule, list-jobs, job-stats, rate-limit-stats, test-rule, help.
// No example repo in the retrieved pack depends on a CLI framework
// (cobra/urfave), so this follows the stdlib `flag` + subcommand-switch
// idiom instead, in the spirit of pkg/ai/client.go's plain-stdlib style.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	config "adengine/configs"
	"adengine/pkg/engine"
	"adengine/pkg/jobqueue"
	"adengine/pkg/models"
	"adengine/pkg/platform"
	"adengine/pkg/ratelimit"
	postgresstore "adengine/pkg/store/postgres"
	"adengine/pkg/weather"
	"adengine/pkg/worker"
)

func main() {
	if len(os.Args) < 2 {
		printHelp()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	if cmd == "help" {
		printHelp()
		os.Exit(0)
	}

	if err := run(cmd, args); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
	os.Exit(0)
}

func printHelp() {
	fmt.Println(`adengine-cli <command> [args]

Commands:
  start-worker                                 register this process as a worker
  stop-worker                                  mark this process's worker stopped
  list-workers                                 list all known workers
  list-rules                                   list all active rules
  schedule-rule <rule_id> <user_id> [interval] schedule a recurring rule check
  run-rule <rule_id>                           run a rule's pipeline synchronously
  list-jobs                                    show scheduler queue depth
  job-stats                                    alias for list-jobs
  rate-limit-stats                             show per-service rate limit usage
  test-rule <rule_id>                          dry-run a rule's conditions and actions
  help                                         show this message`)
}

func run(cmd string, args []string) error {
	cfg := config.Load()
	ctx := context.Background()

	durableStore, err := postgresstore.NewStore(cfg.DurableURL)
	if err != nil {
		return fmt.Errorf("connect durable store: %w", err)
	}

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.CoordinationURL})
	defer redisClient.Close()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connect coordination store: %w", err)
	}

	queue := jobqueue.New(redisClient)
	limiter := ratelimit.New(redisClient, nil)
	registry := worker.NewRegistry(durableStore, cfg.WorkerMaxConcurrentJobs)

	eng := engine.New(engine.Config{
		Queue:             queue,
		RateLimiter:       limiter,
		Registry:          registry,
		RuleRepo:          durableStore,
		Credentials:       durableStore,
		Weather:           weather.NewHTTPClient(cfg.WeatherAPIKey),
		PlatformM:         platform.NewHTTPMClient("https://platform-m.example.com/api"),
		PlatformG:         platform.NewHTTPGClient("https://platform-g.example.com/api"),
		HeartbeatInterval: time.Duration(cfg.WorkerHeartbeatMS) * time.Millisecond,
	})

	switch cmd {
	case "start-worker":
		return registry.Register(ctx)

	case "stop-worker":
		return registry.SetStatus(ctx, models.WorkerStopped)

	case "list-workers":
		workers, err := registry.ListWorkers(ctx)
		if err != nil {
			return err
		}
		return printJSON(workers)

	case "list-rules":
		rules, err := durableStore.ActiveRules(ctx)
		if err != nil {
			return err
		}
		return printJSON(rules)

	case "schedule-rule":
		if len(args) < 2 {
			return fmt.Errorf("usage: schedule-rule <rule_id> <user_id> [interval_minutes]")
		}
		interval := 60
		if len(args) >= 3 {
			interval, err = strconv.Atoi(args[2])
			if err != nil {
				return fmt.Errorf("invalid interval: %w", err)
			}
		}
		return eng.ScheduleRuleCheck(ctx, args[0], args[1], interval)

	case "run-rule":
		if len(args) < 1 {
			return fmt.Errorf("usage: run-rule <rule_id>")
		}
		record, err := eng.RunRuleOnce(ctx, args[0])
		if err != nil {
			return err
		}
		return printJSON(record)

	case "test-rule":
		if len(args) < 1 {
			return fmt.Errorf("usage: test-rule <rule_id>")
		}
		record, err := eng.TestRule(ctx, args[0])
		if err != nil {
			return err
		}
		return printJSON(record)

	case "list-jobs", "job-stats":
		stats, err := queue.Stats(ctx)
		if err != nil {
			return err
		}
		return printJSON(stats)

	case "rate-limit-stats":
		stats, err := limiter.Stats(ctx)
		if err != nil {
			return err
		}
		return printJSON(stats)

	default:
		printHelp()
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
