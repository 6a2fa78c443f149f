package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dyluth/drey/internal/printer"
	"github.com/dyluth/drey/pkg/fleet"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

var (
	watchRedisURL string
	watchInstance string
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream live fleet events",
	Long: `Subscribe to the coordinator's fleet event stream and print events as
they happen: registrations, predicate broadcasts, sunsets, and rebirths.

Watch connects directly to Redis rather than the HTTP API, so it keeps
working while the coordinator is busy.

Examples:
  # Watch the default instance
  drey watch --instance prod

  # Watch with an explicit Redis address
  drey watch --instance prod --redis redis://localhost:6379`,
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().StringVar(&watchRedisURL, "redis", "", "Redis URL (defaults to REDIS_URL)")
	watchCmd.Flags().StringVar(&watchInstance, "instance", "", "Instance name (defaults to DREY_INSTANCE_NAME)")
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	redisURL := watchRedisURL
	if redisURL == "" {
		redisURL = os.Getenv("REDIS_URL")
	}
	instance := watchInstance
	if instance == "" {
		instance = os.Getenv("DREY_INSTANCE_NAME")
	}
	if redisURL == "" || instance == "" {
		return printer.Error("Missing connection details",
			"watch needs a Redis URL and an instance name.",
			[]string{
				"Pass --redis and --instance",
				"Or set REDIS_URL and DREY_INSTANCE_NAME",
			})
	}

	redisOpts, err := redis.ParseURL(redisURL)
	if err != nil {
		return printer.Error("Invalid Redis URL", err.Error(), nil)
	}

	store, err := fleet.NewStore(redisOpts, instance)
	if err != nil {
		return printer.Error("Cannot create store client", err.Error(), nil)
	}
	defer store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := store.Ping(ctx); err != nil {
		return printer.Error("Redis not accessible", err.Error(), []string{
			"Check that Redis is running and the URL is correct",
		})
	}

	sub, err := store.SubscribeFleetEvents(ctx)
	if err != nil {
		return printer.Error("Cannot subscribe to fleet events", err.Error(), nil)
	}
	defer sub.Close()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	printer.Step("watching fleet events for instance '%s' (Ctrl-C to stop)\n", instance)

	for {
		select {
		case <-sigCh:
			printer.Println()
			return nil
		case err, ok := <-sub.Errors():
			if !ok {
				return nil
			}
			printer.Warning("event error: %v\n", err)
		case event, ok := <-sub.Events():
			if !ok {
				return nil
			}
			printEvent(event)
		}
	}
}

func printEvent(event *fleet.FleetEvent) {
	stamp := time.UnixMilli(event.AtMs).Format("15:04:05")

	switch event.Type {
	case "worker_registered":
		printer.Success("%s  %s registered  serial=%s role=%s\n", stamp, event.Type, event.Serial, event.Detail)
	case "worker_sunset":
		printer.Warning("%s  %s  serial=%s reason=%s\n", stamp, event.Type, event.Serial, event.Detail)
	case "worker_reborn":
		printer.Success("%s  %s  successor=%s predecessor=%s\n", stamp, event.Type, event.Serial, event.Detail)
	case "predicate_broadcast":
		printer.Printf("%s  %s  predicate=%s patch=%s\n", stamp, event.Type, event.Predicate, event.PatchID)
	default:
		printer.Printf("%s  %s  serial=%s detail=%s\n", stamp, event.Type, event.Serial, event.Detail)
	}
}
