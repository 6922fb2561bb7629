package main

import (
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/charleschow/ticket-watch/internal/process"
)

func main() {
	var opts process.Options

	flagSet := pflag.NewFlagSet("ticket-watch", pflag.ContinueOnError)
	flagSet.StringVar(&opts.LogLevel, "log-level", "", "debug, info, warn or error (overrides LOG_LEVEL)")
	flagSet.StringVar(&opts.TargetsPath, "targets", "", "YAML file naming the event, occurrences and ticket classes (overrides TARGETS_PATH)")
	flagSet.StringVar(&opts.ArchivePath, "archive", "", "sqlite file for snapshots and attempts (overrides ARCHIVE_PATH)")
	flagSet.StringVar(&opts.FeedAddr, "feed", "", "serve a read-only websocket status feed on this address, e.g. :8090 (overrides FEED_ADDR)")
	flagSet.BoolVar(&opts.SkipLogin, "skip-login", false, "start monitoring without waiting for the browser login")
	flagSet.BoolP("help", "h", false, "show help")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			printHelp(flagSet)
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if help, _ := flagSet.GetBool("help"); help {
		printHelp(flagSet)
		os.Exit(0)
	}
	if args := flagSet.Args(); len(args) > 0 {
		fmt.Fprintf(os.Stderr, "error: unexpected argument: %s\n", args[0])
		os.Exit(1)
	}

	os.Exit(process.Run(opts))
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `ticket-watch polls Eventbrite ticket classes and drives the browser
checkout the moment one becomes available.

Configuration comes from the environment (and .env): EVENTBRITE_API_TOKEN,
EVENTBRITE_EVENT_ID, WEBDRIVER_URL, CHECKOUT_URL, DISCORD_WEBHOOK_URL, ...

Usage:
  ticket-watch [flags]

Flags:
`)
	flagSet.PrintDefaults()
}
