package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"

	"github.com/mattn/go-isatty"
	"github.com/spf13/pflag"

	"github.com/zitters/agent-market/internal/config"
	"github.com/zitters/agent-market/internal/tail"
)

func runTailCommand(ctx context.Context, args []string) int {
	fs := pflag.NewFlagSet("tail", pflag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	url := fs.String("url", "", "bridge WebSocket URL (default from config)")
	token := fs.String("token", "", "auth token (default from config)")
	channels := fs.StringSliceP("channel", "c", nil, "subscribe to channel (repeatable)")
	filter := fs.String("filter", "", "filter to set after connecting")
	jsonOut := fs.Bool("json", false, "print raw frames as JSON lines")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}
	opts := tail.Options{
		URL:      *url,
		Token:    *token,
		Channels: append(*channels, fs.Args()...),
		Filter:   *filter,
	}
	if opts.URL == "" {
		opts.URL = bridgeURL(cfg)
	}
	if !fs.Changed("token") {
		opts.Token = cfg.Bridge.Token
	}

	c, err := tail.Dial(ctx, opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "tail: %v\n", err)
		return 1
	}
	defer c.Close()

	if *jsonOut || !isatty.IsTerminal(os.Stdout.Fd()) {
		err = tail.WriteLines(ctx, c, os.Stdout)
	} else {
		err = tail.Run(ctx, c)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "tail: %v\n", err)
		return 1
	}
	return 0
}

// dialAddr is the host:port clients use to reach the bridge described by
// cfg. Wildcard binds are dialed on loopback.
func dialAddr(cfg config.Config) string {
	host := cfg.Bridge.Host
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, strconv.Itoa(cfg.Bridge.Port))
}

func bridgeURL(cfg config.Config) string {
	return "ws://" + dialAddr(cfg) + "/"
}
