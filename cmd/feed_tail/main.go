package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/charleschow/ticket-watch/internal/events"
	"github.com/charleschow/ticket-watch/internal/fanout"
	"github.com/charleschow/ticket-watch/internal/telemetry"
)

func main() {
	addr := pflag.String("addr", "localhost:8090", "address of a running watcher's --feed")
	types := pflag.StringSlice("types", nil, "only these event types (tick, opportunity, rate_limited)")
	pflag.Parse()

	telemetry.Init(telemetry.ParseLogLevel("info"))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var filter []events.EventType
	for _, t := range *types {
		filter = append(filter, events.EventType(t))
	}

	client := fanout.NewClient(*addr, filter, printEvent)
	client.ConnectWithRetry(ctx)
}

func printEvent(evt fanout.FeedEvent) {
	ts := evt.Timestamp.Format("15:04:05")
	switch {
	case evt.Tick != nil:
		t := evt.Tick
		keys := make([]string, 0, len(t.Statuses))
		for k := range t.Statuses {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, len(keys))
		for i, k := range keys {
			parts[i] = k + "=" + t.Statuses[k]
		}
		fmt.Fprintf(os.Stdout, "%s tick #%d rate_limited=%t %s\n", ts, t.Seq, t.RateLimited, strings.Join(parts, " "))
	case evt.Opportunity != nil:
		o := evt.Opportunity
		action := "attempt=" + o.AttemptID
		if o.Dropped != "" {
			action = "dropped=" + o.Dropped
		}
		fmt.Fprintf(os.Stdout, "%s AVAILABLE %s/%s/%s %s\n", ts, o.EventID, o.OccurrenceID, o.TicketClassID, action)
	case evt.RateLimit != nil:
		fmt.Fprintf(os.Stdout, "%s rate limited until %s (x%d)\n", ts, evt.RateLimit.ResetAt.Format("15:04:05"), evt.RateLimit.Consecutive)
	}
}
