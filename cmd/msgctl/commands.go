package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/deptportal/msgcore/internal/api"
	"github.com/deptportal/msgcore/internal/chat"
	"github.com/deptportal/msgcore/internal/config"
	"github.com/deptportal/msgcore/internal/profile"
)

type command struct {
	usage string
	help  string
	run   func(ctx context.Context, c *api.Client, out *printer, args []string) error
}

var commandOrder = []string{
	"status", "conversations", "open", "close", "history", "more", "send",
	"stage", "unstage", "staged", "edit", "delete", "read", "retry", "discard",
	"presence", "search", "members",
}

var commands = map[string]command{
	"status":        {"status", "Show daemon status", cmdStatus},
	"conversations": {"conversations [--refresh]", "List conversations", cmdConversations},
	"open":          {"open <conversation>", "Open a conversation and show its log", cmdOpen},
	"close":         {"close", "Clear the active conversation", cmdClose},
	"history":       {"history <conversation>", "Show the log of an open conversation", cmdHistory},
	"more":          {"more <conversation>", "Load older history", cmdMore},
	"send":          {"send [--attach <path>]... <conversation> <text>", "Send a message", cmdSend},
	"stage":         {"stage <conversation> <path>", "Stage an attachment", cmdStage},
	"unstage":       {"unstage <conversation> <index|all>", "Drop staged attachments", cmdUnstage},
	"staged":        {"staged <conversation>", "List staged attachments", cmdStaged},
	"edit":          {"edit <conversation> <id> <text>", "Edit one of your messages", cmdEdit},
	"delete":        {"delete <conversation> <id>", "Delete one of your messages", cmdDelete},
	"read":          {"read <conversation>", "Mark a conversation read", cmdRead},
	"retry":         {"retry <conversation> <id>", "Resend a failed message", cmdRetry},
	"discard":       {"discard <conversation> <id>", "Drop a failed message", cmdDiscard},
	"presence":      {"presence [user...]", "Show who is online and typing", cmdPresence},
	"search":        {"search <query>", "Search users", cmdSearch},
	"members":       {"members <conversation>", "List group members", cmdMembers},
}

func need(args []string, n int, usage string) error {
	if len(args) < n {
		return fmt.Errorf("usage: msgctl %s", usage)
	}
	return nil
}

func cmdStatus(ctx context.Context, c *api.Client, out *printer, _ []string) error {
	resp, err := c.Call(ctx, "Status", nil)
	if err != nil {
		return err
	}
	if out.json {
		outputJSON(resp)
		return nil
	}
	uptime, _ := resp["uptime_ms"].(float64)
	fmt.Printf("Profile: %v\n", resp["profile"])
	fmt.Printf("User:    %v\n", resp["self"])
	fmt.Printf("State:   %v\n", resp["state"])
	if active, _ := resp["active"].(string); active != "" {
		fmt.Printf("Active:  %s\n", active)
	}
	fmt.Printf("Uptime:  %s\n", (time.Duration(uptime) * time.Millisecond).Round(time.Second))
	return nil
}

func cmdConversations(ctx context.Context, c *api.Client, out *printer, args []string) error {
	fs := flag.NewFlagSet("conversations", flag.ContinueOnError)
	refresh := fs.Bool("refresh", false, "fetch the list from the portal first")
	if err := fs.Parse(args); err != nil {
		return err
	}
	convs, warning, err := c.Conversations(ctx, *refresh)
	if err != nil {
		return err
	}
	if warning != "" {
		fmt.Fprintf(os.Stderr, "warning: refresh failed, showing cached list: %s\n", warning)
	}
	if out.json {
		outputJSON(convs)
		return nil
	}
	if len(convs) == 0 {
		fmt.Println("No conversations.")
		return nil
	}
	for _, cv := range convs {
		marker := " "
		if cv.Active {
			marker = "*"
		}
		unread := ""
		if cv.Unread > 0 {
			unread = fmt.Sprintf("(%d)", cv.Unread)
		}
		fmt.Printf("%s %-24s %-5s %-28s %s\n", marker, cv.ID, unread, cv.Title, truncate(cv.Preview, 40))
	}
	return nil
}

func cmdOpen(ctx context.Context, c *api.Client, out *printer, args []string) error {
	if err := need(args, 1, "open <conversation>"); err != nil {
		return err
	}
	resp, err := c.Call(ctx, "Open", map[string]any{"conversation": args[0], "wait": true})
	if err != nil {
		return err
	}
	return out.history(resp)
}

func cmdClose(ctx context.Context, c *api.Client, _ *printer, _ []string) error {
	_, err := c.Call(ctx, "Close", nil)
	return err
}

func cmdHistory(ctx context.Context, c *api.Client, out *printer, args []string) error {
	if err := need(args, 1, "history <conversation>"); err != nil {
		return err
	}
	resp, err := c.Call(ctx, "History", map[string]any{"conversation": args[0]})
	if err != nil {
		return err
	}
	return out.history(resp)
}

func cmdMore(ctx context.Context, c *api.Client, out *printer, args []string) error {
	if err := need(args, 1, "more <conversation>"); err != nil {
		return err
	}
	resp, err := c.Call(ctx, "More", map[string]any{"conversation": args[0]})
	if err != nil {
		return err
	}
	if out.json {
		outputJSON(resp)
		return nil
	}
	if fetched, _ := resp["fetched"].(bool); !fetched {
		if more, _ := resp["has_more"].(bool); more {
			fmt.Println("A fetch is already running for this conversation.")
			return nil
		}
	}
	fmt.Printf("Loaded %v older messages.", resp["loaded"])
	if more, _ := resp["has_more"].(bool); !more {
		fmt.Print(" Reached the start of the conversation.")
	}
	fmt.Println()
	return nil
}

// pathList collects a repeated --attach flag.
type pathList []string

func (p *pathList) String() string { return strings.Join(*p, ",") }

func (p *pathList) Set(v string) error {
	// The daemon runs in another working directory.
	abs, err := filepath.Abs(v)
	if err != nil {
		return err
	}
	*p = append(*p, abs)
	return nil
}

func cmdSend(ctx context.Context, c *api.Client, out *printer, args []string) error {
	fs := flag.NewFlagSet("send", flag.ContinueOnError)
	var attachments pathList
	fs.Var(&attachments, "attach", "file to attach (repeatable)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	rest := fs.Args()
	if err := need(rest, 1, "send [--attach <path>]... <conversation> <text>"); err != nil {
		return err
	}
	resp, err := c.Call(ctx, "Send", map[string]any{
		"conversation": rest[0],
		"body":         strings.Join(rest[1:], " "),
		"attachments":  []string(attachments),
	})
	if err != nil {
		return err
	}
	return out.message(resp)
}

func cmdStage(ctx context.Context, c *api.Client, out *printer, args []string) error {
	if err := need(args, 2, "stage <conversation> <path>"); err != nil {
		return err
	}
	path, err := filepath.Abs(args[1])
	if err != nil {
		return err
	}
	resp, err := c.Call(ctx, "Stage", map[string]any{"conversation": args[0], "path": path})
	if err != nil {
		return err
	}
	return out.staged(resp)
}

func cmdUnstage(ctx context.Context, c *api.Client, out *printer, args []string) error {
	if err := need(args, 2, "unstage <conversation> <index|all>"); err != nil {
		return err
	}
	req := map[string]any{"conversation": args[0]}
	if args[1] == "all" {
		req["all"] = true
	} else {
		i, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("bad index %q", args[1])
		}
		req["index"] = i
	}
	resp, err := c.Call(ctx, "Unstage", req)
	if err != nil {
		return err
	}
	return out.staged(resp)
}

func cmdStaged(ctx context.Context, c *api.Client, out *printer, args []string) error {
	if err := need(args, 1, "staged <conversation>"); err != nil {
		return err
	}
	resp, err := c.Call(ctx, "Staged", map[string]any{"conversation": args[0]})
	if err != nil {
		return err
	}
	return out.staged(resp)
}

func cmdEdit(ctx context.Context, c *api.Client, out *printer, args []string) error {
	if err := need(args, 3, "edit <conversation> <id> <text>"); err != nil {
		return err
	}
	resp, err := c.Call(ctx, "Edit", map[string]any{
		"conversation": args[0],
		"id":           args[1],
		"body":         strings.Join(args[2:], " "),
	})
	if err != nil {
		return err
	}
	return out.message(resp)
}

func cmdDelete(ctx context.Context, c *api.Client, _ *printer, args []string) error {
	if err := need(args, 2, "delete <conversation> <id>"); err != nil {
		return err
	}
	_, err := c.Call(ctx, "Delete", map[string]any{"conversation": args[0], "id": args[1]})
	return err
}

func cmdRead(ctx context.Context, c *api.Client, out *printer, args []string) error {
	if err := need(args, 1, "read <conversation>"); err != nil {
		return err
	}
	resp, err := c.Call(ctx, "Read", map[string]any{"conversation": args[0]})
	if err != nil {
		return err
	}
	if out.json {
		outputJSON(resp)
		return nil
	}
	fmt.Printf("Marked %v messages read.\n", resp["marked"])
	return nil
}

func cmdRetry(ctx context.Context, c *api.Client, out *printer, args []string) error {
	if err := need(args, 2, "retry <conversation> <id>"); err != nil {
		return err
	}
	resp, err := c.Call(ctx, "Retry", map[string]any{"conversation": args[0], "id": args[1]})
	if err != nil {
		return err
	}
	return out.message(resp)
}

func cmdDiscard(ctx context.Context, c *api.Client, _ *printer, args []string) error {
	if err := need(args, 2, "discard <conversation> <id>"); err != nil {
		return err
	}
	_, err := c.Call(ctx, "Discard", map[string]any{"conversation": args[0], "id": args[1]})
	return err
}

func cmdPresence(ctx context.Context, c *api.Client, out *printer, args []string) error {
	resp, err := c.Call(ctx, "Presence", map[string]any{"users": args})
	if err != nil {
		return err
	}
	if out.json {
		outputJSON(resp)
		return nil
	}
	fmt.Printf("Online: %s\n", joinList(resp["online"]))
	fmt.Printf("Typing: %s\n", joinList(resp["typing"]))
	return nil
}

func cmdSearch(ctx context.Context, c *api.Client, out *printer, args []string) error {
	if err := need(args, 1, "search <query>"); err != nil {
		return err
	}
	resp, err := c.Call(ctx, "Search", map[string]any{"query": strings.Join(args, " ")})
	if err != nil {
		return err
	}
	return out.members(resp)
}

func cmdMembers(ctx context.Context, c *api.Client, out *printer, args []string) error {
	if err := need(args, 1, "members <conversation>"); err != nil {
		return err
	}
	resp, err := c.Call(ctx, "Members", map[string]any{"conversation": args[0]})
	if err != nil {
		return err
	}
	if msg, _ := resp["error"].(string); msg != "" {
		fmt.Fprintf(os.Stderr, "warning: showing last known members: %s\n", msg)
	}
	return out.members(resp)
}

func cmdWatch(c *api.Client, out *printer, prefixes []string) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	err := c.Watch(ctx, prefixes, func(evt api.Event) error {
		out.event(evt)
		return nil
	})
	if err != nil && ctx.Err() == nil {
		fatal(err)
	}
}

func cmdInit(name string, args []string) {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	baseURL := fs.String("base-url", "", "portal API base URL")
	token := fs.String("token", "", "bearer token (or set "+config.TokenEnv+")")
	feed := fs.String("feed", "", "live feed URL; empty disables the feed")
	_ = fs.Parse(args)

	p := config.Defaults()
	p.BaseURL = *baseURL
	p.Token = *token
	p.Feed.URL = *feed
	if *feed == "" {
		p.Feed.Kind = "none"
	} else if strings.HasPrefix(*feed, "nats://") {
		p.Feed.Kind = "nats"
		p.Feed.Subject = "portal.events"
	}
	if err := p.Validate(); err != nil {
		fatal(err)
	}
	if err := profile.EnsureDir(name); err != nil {
		fatal(err)
	}
	path := profile.SettingsPath(name)
	if err := config.SaveProfile(path, &p); err != nil {
		fatal(err)
	}
	fmt.Printf("Wrote %s\n", path)
}

func joinList(v any) string {
	items, _ := v.([]any)
	if len(items) == 0 {
		return "-"
	}
	parts := make([]string, len(items))
	for i, it := range items {
		parts[i] = fmt.Sprint(it)
	}
	return strings.Join(parts, ", ")
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

// toChat converts the view back to a chat.Message for day grouping.
func toChat(m api.Message) chat.Message {
	return chat.Message{
		ID:         m.ID,
		SenderID:   m.SenderID,
		SenderName: m.SenderName,
		Body:       m.Body,
		CreatedAt:  m.CreatedAt,
		EditedAt:   m.EditedAt,
		Status:     chat.Status(m.Status),
	}
}
