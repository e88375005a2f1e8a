package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

func runStatusCommand(ctx context.Context, args []string) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "usage: oni status")
		return 2
	}
	client, err := newRPCClient()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	reqCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, client.baseURL+"/healthz", nil)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "status: %v\n", err)
		return 1
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	_, _ = os.Stdout.Write(body)
	if len(body) == 0 || body[len(body)-1] != '\n' {
		fmt.Println()
	}
	if resp.StatusCode != http.StatusOK {
		return 1
	}
	return 0
}

func runChatCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("chat", flag.ContinueOnError)
	agentID := fs.String("agent", "", "agent id (default: session key derivation)")
	sessionKey := fs.String("session", "", "explicit session key")
	chatCtx := fs.String("context", "cli", "conversation context")
	jsonOut := fs.Bool("json", false, "raw JSON output")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	text := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if text == "" {
		fmt.Fprintln(os.Stderr, "usage: oni chat [--agent id] [--context c] <text>")
		return 2
	}
	return callAndRender(ctx, "chat.send", map[string]any{
		"agentId":    *agentID,
		"sessionKey": *sessionKey,
		"context":    *chatCtx,
		"text":       text,
	}, *jsonOut)
}

func runSessionsCommand(ctx context.Context, args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: oni sessions list|preview|reset|cleanup")
		return 2
	}
	action, rest := args[0], args[1:]
	rest, jsonOut := hasJSONFlag(rest)

	switch action {
	case "list":
		fs := flag.NewFlagSet("sessions list", flag.ContinueOnError)
		agentID := fs.String("agent", "", "only this agent's store")
		limit := fs.Int("limit", 100, "maximum records")
		if err := fs.Parse(rest); err != nil {
			return 2
		}
		return callAndRender(ctx, "sessions.list", map[string]any{
			"agentId": *agentID, "limit": *limit,
		}, jsonOut)
	case "preview":
		fs := flag.NewFlagSet("sessions preview", flag.ContinueOnError)
		lines := fs.Int("lines", 20, "transcript lines to show")
		if err := fs.Parse(rest); err != nil {
			return 2
		}
		if fs.NArg() != 1 {
			fmt.Fprintln(os.Stderr, "usage: oni sessions preview [--lines n] <key>")
			return 2
		}
		return callAndRender(ctx, "sessions.preview", map[string]any{
			"key": fs.Arg(0), "lines": *lines,
		}, jsonOut)
	case "reset":
		if len(rest) != 1 {
			fmt.Fprintln(os.Stderr, "usage: oni sessions reset <key>")
			return 2
		}
		return callAndRender(ctx, "sessions.reset", map[string]any{"key": rest[0]}, jsonOut)
	case "cleanup":
		fs := flag.NewFlagSet("sessions cleanup", flag.ContinueOnError)
		agentID := fs.String("agent", "", "limit to one agent's store")
		storePath := fs.String("store", "", "limit to one store file")
		allAgents := fs.Bool("all", false, "every store under the home dir")
		enforce := fs.Bool("enforce", false, "apply deletions regardless of mode")
		dryRun := fs.Bool("dry-run", false, "preview only, never delete")
		activeKey := fs.String("active", "", "session key that must survive")
		maxAgeDays := fs.Int("max-age-days", 0, "age threshold override")
		maxEntries := fs.Int("max-entries", 0, "per-store cap override")
		if err := fs.Parse(rest); err != nil {
			return 2
		}
		return callAndRender(ctx, "sessions.cleanup", map[string]any{
			"agentId":    *agentID,
			"storePath":  *storePath,
			"allAgents":  *allAgents,
			"enforce":    *enforce,
			"dryRun":     *dryRun,
			"activeKey":  *activeKey,
			"maxAgeDays": *maxAgeDays,
			"maxEntries": *maxEntries,
		}, jsonOut)
	default:
		fmt.Fprintf(os.Stderr, "unknown sessions action %q\n", action)
		return 2
	}
}

func runDevicesCommand(ctx context.Context, args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: oni devices list|approve|reject|rotate|revoke|clear")
		return 2
	}
	action, rest := args[0], args[1:]
	rest, jsonOut := hasJSONFlag(rest)

	switch action {
	case "list":
		return callAndRender(ctx, "devices.list", nil, jsonOut)
	case "approve":
		fs := flag.NewFlagSet("devices approve", flag.ContinueOnError)
		role := fs.String("role", "operator", "device role")
		name := fs.String("name", "", "display name")
		scopes := fs.String("scopes", "", "comma-separated scopes")
		if err := fs.Parse(rest); err != nil {
			return 2
		}
		if fs.NArg() != 1 {
			fmt.Fprintln(os.Stderr, "usage: oni devices approve [--role r] [--name n] <deviceId>")
			return 2
		}
		var scopeList []string
		if *scopes != "" {
			scopeList = strings.Split(*scopes, ",")
		}
		return callAndRender(ctx, "devices.approve", map[string]any{
			"deviceId":    fs.Arg(0),
			"role":        *role,
			"displayName": *name,
			"scopes":      scopeList,
		}, jsonOut)
	case "reject":
		if len(rest) != 1 {
			fmt.Fprintln(os.Stderr, "usage: oni devices reject <requestId>")
			return 2
		}
		return callAndRender(ctx, "devices.reject", map[string]any{"requestId": rest[0]}, jsonOut)
	case "rotate", "revoke":
		fs := flag.NewFlagSet("devices "+action, flag.ContinueOnError)
		role := fs.String("role", "operator", "device role")
		if err := fs.Parse(rest); err != nil {
			return 2
		}
		if fs.NArg() != 1 {
			fmt.Fprintf(os.Stderr, "usage: oni devices %s [--role r] <deviceId>\n", action)
			return 2
		}
		return callAndRender(ctx, "devices."+action, map[string]any{
			"deviceId": fs.Arg(0), "role": *role,
		}, jsonOut)
	case "clear":
		fs := flag.NewFlagSet("devices clear", flag.ContinueOnError)
		confirm := fs.Bool("confirm", false, "required; clears every device token")
		if err := fs.Parse(rest); err != nil {
			return 2
		}
		return callAndRender(ctx, "devices.clear", map[string]any{"confirm": *confirm}, jsonOut)
	default:
		fmt.Fprintf(os.Stderr, "unknown devices action %q\n", action)
		return 2
	}
}

func runPairingCommand(ctx context.Context, args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: oni pairing list|approve|reject")
		return 2
	}
	action, rest := args[0], args[1:]
	rest, jsonOut := hasJSONFlag(rest)

	switch action {
	case "list":
		fs := flag.NewFlagSet("pairing list", flag.ContinueOnError)
		channelID := fs.String("channel", "", "only this channel")
		if err := fs.Parse(rest); err != nil {
			return 2
		}
		return callAndRender(ctx, "pairing.list", map[string]any{"channelId": *channelID}, jsonOut)
	case "approve", "reject":
		if len(rest) != 1 {
			fmt.Fprintf(os.Stderr, "usage: oni pairing %s <requestId>\n", action)
			return 2
		}
		return callAndRender(ctx, "pairing."+action, map[string]any{"requestId": rest[0]}, jsonOut)
	default:
		fmt.Fprintf(os.Stderr, "unknown pairing action %q\n", action)
		return 2
	}
}

func runChannelsCommand(ctx context.Context, args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: oni channels list|status|capabilities|resolve|send")
		return 2
	}
	action, rest := args[0], args[1:]
	rest, jsonOut := hasJSONFlag(rest)

	switch action {
	case "list":
		return callAndRender(ctx, "channels.list", nil, jsonOut)
	case "status":
		fs := flag.NewFlagSet("channels status", flag.ContinueOnError)
		channelID := fs.String("channel", "", "only this channel")
		probe := fs.Bool("probe", false, "run live reachability probes")
		timeoutMS := fs.Int("timeout-ms", 5000, "probe timeout")
		if err := fs.Parse(rest); err != nil {
			return 2
		}
		return callAndRender(ctx, "channels.status", map[string]any{
			"channelId": *channelID, "probe": *probe, "timeoutMs": *timeoutMS,
		}, jsonOut)
	case "capabilities":
		if len(rest) != 1 {
			fmt.Fprintln(os.Stderr, "usage: oni channels capabilities <channelId>")
			return 2
		}
		return callAndRender(ctx, "channels.capabilities", map[string]any{"channelId": rest[0]}, jsonOut)
	case "resolve":
		fs := flag.NewFlagSet("channels resolve", flag.ContinueOnError)
		accountID := fs.String("account", "", "account id (default account when empty)")
		if err := fs.Parse(rest); err != nil {
			return 2
		}
		if fs.NArg() != 2 {
			fmt.Fprintln(os.Stderr, "usage: oni channels resolve [--account a] <channelId> <query>")
			return 2
		}
		return callAndRender(ctx, "channels.resolve", map[string]any{
			"channelId": fs.Arg(0), "accountId": *accountID, "query": fs.Arg(1),
		}, jsonOut)
	case "send":
		fs := flag.NewFlagSet("channels send", flag.ContinueOnError)
		accountID := fs.String("account", "", "account id")
		to := fs.String("to", "", "target (account defaultTo when empty)")
		media := fs.String("media", "", "media URL")
		if err := fs.Parse(rest); err != nil {
			return 2
		}
		if fs.NArg() < 1 {
			fmt.Fprintln(os.Stderr, "usage: oni channels send [--account a] [--to t] <channelId> [text...]")
			return 2
		}
		return callAndRender(ctx, "channels.send", map[string]any{
			"channelId": fs.Arg(0),
			"accountId": *accountID,
			"to":        *to,
			"text":      strings.Join(fs.Args()[1:], " "),
			"mediaUrl":  *media,
		}, jsonOut)
	default:
		fmt.Fprintf(os.Stderr, "unknown channels action %q\n", action)
		return 2
	}
}

func runModelsCommand(ctx context.Context, args []string) int {
	args, jsonOut := hasJSONFlag(args)
	if len(args) != 1 || args[0] != "list" {
		fmt.Fprintln(os.Stderr, "usage: oni models list")
		return 2
	}
	return callAndRender(ctx, "models.list", nil, jsonOut)
}

func runSkillsCommand(ctx context.Context, args []string) int {
	args, jsonOut := hasJSONFlag(args)
	if len(args) != 1 || args[0] != "list" {
		fmt.Fprintln(os.Stderr, "usage: oni skills list")
		return 2
	}
	return callAndRender(ctx, "skills.list", nil, jsonOut)
}

func runAgentCommand(ctx context.Context, args []string) int {
	args, jsonOut := hasJSONFlag(args)
	if len(args) != 2 || args[0] != "identity" {
		fmt.Fprintln(os.Stderr, "usage: oni agent identity <agentId>")
		return 2
	}
	return callAndRender(ctx, "agent.identity", map[string]any{"agentId": args[1]}, jsonOut)
}
