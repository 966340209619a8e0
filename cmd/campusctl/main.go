package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/matheus3301/campus/internal/api"
	"github.com/matheus3301/campus/internal/apperr"
	"github.com/matheus3301/campus/internal/client"
	"github.com/matheus3301/campus/internal/lock"
	"github.com/matheus3301/campus/internal/session"
)

func main() {
	sessionFlag := flag.String("session", "", "session name (overrides config default)")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	flag.Usage = printUsage
	flag.Parse()

	sessionName := session.Resolve(*sessionFlag)
	if err := session.ValidateName(sessionName); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	c, err := client.New(session.SocketPath(sessionName))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: cannot connect to daemon for session %q: %v\n", sessionName, err)
		os.Exit(1)
	}
	defer func() { _ = c.Close() }()

	cli := &cli{c: c, session: sessionName, json: *jsonFlag}
	if err := cli.run(args); err != nil {
		cli.fail(err)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: campusctl [--session <name>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  status                                  Show daemon and channel status")
	fmt.Fprintln(os.Stderr, "  auth login --token <jwt>                Sign in with an access token")
	fmt.Fprintln(os.Stderr, "  auth logout                             Sign out")
	fmt.Fprintln(os.Stderr, "  notifications [list]                    List notifications")
	fmt.Fprintln(os.Stderr, "  notifications read <id>|--all           Mark notifications read")
	fmt.Fprintln(os.Stderr, "  notifications watch                     Follow the notification feed")
	fmt.Fprintln(os.Stderr, "  chat open|watch|close <type> <id>       Open, follow or close a thread")
	fmt.Fprintln(os.Stderr, "  chat send <type> <id> <text>            Send a message")
	fmt.Fprintln(os.Stderr, "  ride join <postId> [message]            Ask to join a ride")
	fmt.Fprintln(os.Stderr, "  errand request <id> <owner> [message]   Offer help with an errand")
	fmt.Fprintln(os.Stderr, "  channel retry <key>                     Reconnect a failed channel now")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "thread types: carpool, errand, help_ticket")
}

type cli struct {
	c       *client.Client
	session string
	json    bool
}

type usageError string

func (e usageError) Error() string { return "usage: campusctl " + string(e) }

func (c *cli) fail(err error) {
	var u usageError
	switch {
	case errors.As(err, &u):
		fmt.Fprintln(os.Stderr, u.Error())
	case apperr.Is(err, apperr.Network) && c.daemonDown():
		fmt.Fprintf(os.Stderr, "error: no daemon running for session %q (start campusd --session %s)\n", c.session, c.session)
	default:
		fmt.Fprintf(os.Stderr, "error: %s\n", apperr.Notice(err))
	}
	os.Exit(1)
}

// daemonDown reports whether nobody holds the session lock.
func (c *cli) daemonDown() bool {
	_, ok := lock.Read(session.Dir(c.session))
	if !ok {
		return true
	}
	_, err := os.Stat(session.SocketPath(c.session))
	return err != nil
}

func (c *cli) run(args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch args[0] {
	case "status":
		return c.status(ctx)
	case "auth":
		return c.auth(ctx, args[1:])
	case "notifications":
		return c.notifications(ctx, args[1:])
	case "chat":
		return c.chat(ctx, args[1:])
	case "ride":
		if len(args) < 3 || args[1] != "join" {
			return usageError("ride join <postId> [message]")
		}
		req, err := c.c.JoinRide(ctx, args[2], strings.Join(args[3:], " "))
		if err != nil {
			return err
		}
		return c.print(req, func() { fmt.Printf("Request sent (%s).\n", req.Status) })
	case "errand":
		if len(args) < 4 || args[1] != "request" {
			return usageError("errand request <errandId> <ownerProfileId> [message]")
		}
		req, err := c.c.RequestErrand(ctx, args[2], args[3], strings.Join(args[4:], " "))
		if err != nil {
			return err
		}
		return c.print(req, func() { fmt.Printf("Request sent (%s).\n", req.Status) })
	case "channel":
		if len(args) != 3 || args[1] != "retry" {
			return usageError("channel retry <key>")
		}
		if err := c.c.RetryChannel(ctx, args[2]); err != nil {
			return err
		}
		fmt.Println("Reconnecting.")
		return nil
	}
	printUsage()
	return usageError("<command>")
}

func (c *cli) status(ctx context.Context) error {
	st, err := c.c.Status(ctx)
	if err != nil {
		if c.daemonDown() {
			if holder, ok := lock.Read(session.Dir(c.session)); ok {
				fmt.Printf("Session: %s\nDaemon:  not responding (last held by PID %d since %s)\n",
					c.session, holder.PID, holder.Since.Format(time.RFC3339))
			} else {
				fmt.Printf("Session: %s\nDaemon:  not running\n", c.session)
			}
			return nil
		}
		return err
	}
	return c.print(st, func() {
		fmt.Printf("Session:  %s\n", st.Session)
		fmt.Printf("Status:   %s\n", st.State)
		fmt.Printf("Backend:  %s (realtime %s)\n", st.Backend, st.Realtime)
		if st.UserID != "" {
			name := st.FullName
			if name == "" {
				name = st.UserID
			}
			fmt.Printf("User:     %s (profile %s)\n", sanitize(name), orDash(st.ProfileID))
		}
		fmt.Printf("Uptime:   %s\n", (time.Duration(st.UptimeMS) * time.Millisecond).Round(time.Second))
		if len(st.Channels) == 0 {
			return
		}
		fmt.Println("Channels:")
		for _, ch := range st.Channels {
			note := ""
			if ch.Polling {
				note = " (polling)"
			}
			fmt.Printf("  %-40s %-13s refs=%d events=%d failures=%d%s\n",
				ch.Key, ch.State, ch.Refs, ch.Events, ch.Failures, note)
		}
	})
}

func (c *cli) auth(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return usageError("auth login --token <jwt> | auth logout")
	}
	switch args[0] {
	case "login":
		fs := flag.NewFlagSet("auth login", flag.ContinueOnError)
		token := fs.String("token", os.Getenv("CAMPUS_ACCESS_TOKEN"), "access token")
		if err := fs.Parse(args[1:]); err != nil {
			return usageError("auth login --token <jwt>")
		}
		if *token == "" {
			return usageError("auth login --token <jwt>")
		}
		userID, profileID, err := c.c.SignIn(ctx, *token)
		if err != nil {
			return err
		}
		fmt.Printf("Signed in as %s (profile %s).\n", userID, orDash(profileID))
		return nil
	case "logout":
		if err := c.c.SignOut(ctx); err != nil {
			return err
		}
		fmt.Println("Signed out.")
		return nil
	}
	return usageError("auth login --token <jwt> | auth logout")
}

func (c *cli) notifications(ctx context.Context, args []string) error {
	sub := "list"
	if len(args) > 0 {
		sub = args[0]
	}
	switch sub {
	case "list":
		feed, err := c.c.ListNotifications(ctx, true)
		if err != nil {
			return err
		}
		return c.print(feed, func() { printFeed(feed) })
	case "read":
		if len(args) != 2 {
			return usageError("notifications read <id>|--all")
		}
		var feed api.Feed
		var err error
		if args[1] == "--all" {
			feed, err = c.c.MarkAllRead(ctx)
		} else {
			feed, err = c.c.MarkRead(ctx, args[1])
		}
		if err != nil {
			return err
		}
		return c.print(feed, func() { fmt.Printf("Unread: %d\n", feed.Unread) })
	case "watch":
		wctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return c.c.WatchNotifications(wctx, func(feed api.Feed) error {
			return c.print(feed, func() {
				fmt.Println(strings.Repeat("-", 60))
				printFeed(feed)
			})
		})
	}
	return usageError("notifications [list|read <id>|read --all|watch]")
}

func printFeed(feed api.Feed) {
	badge := feed.Badge
	if badge == "" {
		badge = "0"
	}
	fmt.Printf("Notifications (%s unread)\n", badge)
	if feed.Error != "" {
		fmt.Printf("  ! %s\n", feed.Error)
	}
	for _, n := range feed.Items {
		mark := " "
		if !n.Read {
			mark = "*"
		}
		fmt.Printf("%s %-8s %s  %s: %s  -> %s\n",
			mark, n.ID, n.CreatedAt.Local().Format("Jan 02 15:04"), sanitize(n.Title), sanitize(n.Message), n.Destination)
	}
}

func (c *cli) chat(ctx context.Context, args []string) error {
	if len(args) < 3 {
		return usageError("chat open|send|watch|close <type> <id> [text]")
	}
	typ, id := args[1], args[2]
	switch args[0] {
	case "open":
		th, err := c.c.OpenThread(ctx, typ, id)
		if err != nil {
			return err
		}
		return c.print(th, func() { printThread(th) })
	case "send":
		if len(args) < 4 {
			return usageError("chat send <type> <id> <text>")
		}
		msg, err := c.c.SendMessage(ctx, typ, id, strings.Join(args[3:], " "))
		if err != nil {
			return err
		}
		return c.print(msg, func() { fmt.Println("Sent.") })
	case "watch":
		wctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return c.c.WatchThread(wctx, typ, id, func(th api.Thread) error {
			return c.print(th, func() {
				fmt.Println(strings.Repeat("-", 60))
				printThread(th)
			})
		})
	case "close":
		if err := c.c.CloseThread(ctx, typ, id); err != nil {
			return err
		}
		fmt.Println("Closed.")
		return nil
	}
	return usageError("chat open|send|watch|close <type> <id> [text]")
}

func printThread(th api.Thread) {
	fmt.Printf("%s %s (%d messages)\n", th.EntityType, th.EntityID, len(th.Messages))
	if th.Error != "" {
		fmt.Printf("  ! %s\n", th.Error)
	}
	for _, m := range th.Messages {
		at := m.CreatedAt.Local().Format("15:04")
		if m.Pending {
			at = "sending"
		}
		fmt.Printf("[%s] %s (%s): %s\n", at, sanitize(m.SenderName), sanitize(m.SenderInitials), sanitize(m.Body))
	}
	if th.Draft != "" {
		fmt.Printf("draft: %s\n", sanitize(th.Draft))
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// print writes v as JSON in --json mode and calls human otherwise.
func (c *cli) print(v any, human func()) error {
	if !c.json {
		human()
		return nil
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
