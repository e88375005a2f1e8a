package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/basket/oni/internal/config"
)

// runConfigCommand works against the local config file, not the daemon:
// init, get and set must function before the gateway ever starts. Account
// upserts that need adapter validation go through "config set-account".
func runConfigCommand(ctx context.Context, args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: oni config init|get|set|show|set-account")
		return 2
	}
	action, rest := args[0], args[1:]

	switch action {
	case "init":
		cfg, err := config.Load()
		if err != nil {
			fmt.Fprintf(os.Stderr, "config load: %v\n", err)
			return 1
		}
		if !cfg.NeedsInit {
			fmt.Printf("config already exists at %s\n", config.ConfigPath(cfg.HomeDir))
			return 0
		}
		if err := cfg.Save(); err != nil {
			fmt.Fprintf(os.Stderr, "config save: %v\n", err)
			return 1
		}
		fmt.Printf("wrote %s\n", config.ConfigPath(cfg.HomeDir))
		return 0
	case "get":
		if len(rest) != 1 {
			fmt.Fprintln(os.Stderr, "usage: oni config get <path>")
			return 2
		}
		value, err := config.GetPath(config.HomeDir(), rest[0])
		if err != nil {
			fmt.Fprintf(os.Stderr, "config get: %v\n", err)
			return 1
		}
		out, err := json.MarshalIndent(value, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "config get: %v\n", err)
			return 1
		}
		fmt.Println(string(out))
		return 0
	case "set":
		if len(rest) != 2 {
			fmt.Fprintln(os.Stderr, "usage: oni config set <path> <value>")
			return 2
		}
		if err := config.SetPath(config.HomeDir(), rest[0], rest[1]); err != nil {
			fmt.Fprintf(os.Stderr, "config set: %v\n", err)
			return 1
		}
		fmt.Printf("set %s\n", rest[0])
		return 0
	case "show":
		rest, jsonOut := hasJSONFlag(rest)
		if len(rest) != 0 {
			fmt.Fprintln(os.Stderr, "usage: oni config show [--json]")
			return 2
		}
		// The daemon's view: redacted token plus the active fingerprint.
		return callAndRender(ctx, "config.get", nil, jsonOut)
	case "set-account":
		return runConfigSetAccount(ctx, rest)
	default:
		fmt.Fprintf(os.Stderr, "unknown config action %q\n", action)
		return 2
	}
}

// runConfigSetAccount upserts one channel account through the daemon so the
// adapter's Setup capability validates the input before anything is written.
func runConfigSetAccount(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("config set-account", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	enabled := fs.String("enabled", "", "true or false")
	credentialsRef := fs.String("credentials", "", "credential reference (env:NAME or file:path)")
	allowFrom := fs.String("allow-from", "", "comma-separated sender allowlist")
	groupPolicy := fs.String("group-policy", "", "open, allowlist, or closed")
	defaultTo := fs.String("default-to", "", "default outbound target")
	jsonOut := fs.Bool("json", false, "raw JSON output")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 2 {
		fmt.Fprintln(os.Stderr, "usage: oni config set-account [flags] <channelId> <accountId>")
		return 2
	}

	params := map[string]any{
		"channelId": fs.Arg(0),
		"accountId": fs.Arg(1),
	}
	switch *enabled {
	case "":
	case "true":
		params["enabled"] = true
	case "false":
		params["enabled"] = false
	default:
		fmt.Fprintln(os.Stderr, "--enabled must be true or false")
		return 2
	}
	if *credentialsRef != "" {
		params["credentialsRef"] = *credentialsRef
	}
	if *allowFrom != "" {
		params["allowFrom"] = splitCommaList(*allowFrom)
	}
	if *groupPolicy != "" {
		params["groupPolicy"] = *groupPolicy
	}
	if *defaultTo != "" {
		params["defaultTo"] = *defaultTo
	}
	return callAndRender(ctx, "config.set", params, *jsonOut)
}

func splitCommaList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
