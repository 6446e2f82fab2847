package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/deptportal/msgcore/internal/api"
	"github.com/deptportal/msgcore/internal/lock"
	"github.com/deptportal/msgcore/internal/profile"
)

// callTimeout bounds every command except watch.
const callTimeout = 30 * time.Second

func main() {
	profileFlag := flag.String("profile", "", "profile name (overrides config default)")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	startFlag := flag.Bool("start", false, "start the daemon if it is not running")
	flag.Usage = printUsage
	flag.Parse()

	name := profile.Resolve(*profileFlag)
	if err := profile.ValidateName(name); err != nil {
		fatal(err)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	// init writes settings and needs no daemon.
	if args[0] == "init" {
		cmdInit(name, args[1:])
		return
	}

	socketPath := profile.SocketPath(name)
	if !probeDaemon(socketPath) {
		if !*startFlag {
			if held, ok := lock.Holder(profile.Dir(name)); ok {
				fmt.Fprintf(os.Stderr, "error: daemon for profile %q (pid %d) is not answering on %s\n", name, held.PID, socketPath)
			} else {
				fmt.Fprintf(os.Stderr, "error: daemon not running for profile %q (use --start)\n", name)
			}
			os.Exit(1)
		}
		fmt.Fprintf(os.Stderr, "daemon not running for profile %q, starting...\n", name)
		if err := startDaemon(name); err != nil {
			fatal(fmt.Errorf("failed to start daemon: %w", err))
		}
		if !waitForDaemon(socketPath, 10*time.Second) {
			fatal(fmt.Errorf("daemon did not become ready"))
		}
	}

	c, err := api.Dial(socketPath)
	if err != nil {
		fatal(fmt.Errorf("cannot connect to daemon for profile %q: %w", name, err))
	}
	defer func() { _ = c.Close() }()

	out := &printer{json: *jsonFlag}
	if args[0] == "watch" {
		cmdWatch(c, out, args[1:])
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()

	cmd, ok := commands[args[0]]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
	if err := cmd.run(ctx, c, out, args[1:]); err != nil {
		fatal(err)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: msgctl [--profile <name>] [--json] [--start] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  init --base-url <url> [--token <jwt>] [--feed <url>]")
	fmt.Fprintln(os.Stderr, "                                   Write the profile settings")
	fmt.Fprintln(os.Stderr, "  watch [prefix...]                Stream daemon events")
	for _, name := range commandOrder {
		fmt.Fprintf(os.Stderr, "  %-32s %s\n", commands[name].usage, commands[name].help)
	}
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}

// probeDaemon checks if a daemon is running and responsive on the socket.
func probeDaemon(socketPath string) bool {
	c, err := api.Dial(socketPath)
	if err != nil {
		return false
	}
	defer func() { _ = c.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = c.Call(ctx, "Status", nil)
	return err == nil
}

func startDaemon(name string) error {
	executable, err := os.Executable()
	if err != nil {
		return err
	}
	msgd := filepath.Join(filepath.Dir(executable), "msgd")

	if _, err := os.Stat(msgd); err != nil {
		msgd = "msgd"
	}

	cmd := exec.Command(msgd, "--profile", name)
	// Inherit stderr so daemon startup errors are visible.
	cmd.Stderr = os.Stderr
	return cmd.Start()
}

// waitForDaemon polls the daemon with a real gRPC call (not just socket connect).
func waitForDaemon(socketPath string, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if probeDaemon(socketPath) {
			return true
		}
		time.Sleep(300 * time.Millisecond)
	}
	return false
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
	}
}
