package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/matheus3301/pulse/internal/backend"
	"github.com/matheus3301/pulse/internal/bus"
	"github.com/matheus3301/pulse/internal/client"
	"github.com/matheus3301/pulse/internal/config"
	"github.com/matheus3301/pulse/internal/core"
	"github.com/matheus3301/pulse/internal/lock"
	"github.com/matheus3301/pulse/internal/logging"
	"github.com/matheus3301/pulse/internal/model"
	"github.com/matheus3301/pulse/internal/profile"
	"go.uber.org/zap"
)

type app struct {
	profile string
	cfg     *config.Config
	user    string
	jsonOut bool
	logger  *zap.Logger
}

func main() {
	profileFlag := flag.String("profile", "", "profile name (overrides config default)")
	userFlag := flag.String("user", "", "user id to act as")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	logFlag := flag.String("log-level", "", "console log level (default warn)")
	flag.Parse()

	cfg, err := loadConfig()
	if err != nil {
		fail(err)
	}
	name := profile.Resolve(*profileFlag, cfg)
	if err := profile.ValidateName(name); err != nil {
		fail(err)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	level := *logFlag
	if level == "" && args[0] == "watch" {
		// Rendered notifications are logged at info.
		level = "info"
	}
	logger, err := logging.NewConsole(level)
	if err != nil {
		fail(err)
	}
	a := &app{profile: name, cfg: cfg, user: *userFlag, jsonOut: *jsonFlag, logger: logger}

	if args[0] == "status" {
		a.cmdStatus()
		return
	}
	if a.user == "" {
		fmt.Fprintln(os.Stderr, "error: --user is required")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch args[0] {
	case "send":
		need(args, 3, "send <user> <text>")
		a.withSession(ctx, func(s *core.Session) error { return a.cmdSend(ctx, s, args[1], args[2]) })
	case "retry":
		need(args, 2, "retry <local-id>")
		a.withSession(ctx, func(s *core.Session) error { return a.cmdRetry(ctx, s, args[1]) })
	case "history":
		need(args, 2, "history <user>")
		a.withSession(ctx, func(s *core.Session) error { return a.cmdHistory(ctx, s, args[1]) })
	case "mark-read":
		need(args, 2, "mark-read <message-id>")
		a.withSession(ctx, func(s *core.Session) error { return s.MarkRead(ctx, args[1]) })
	case "mark-all-read":
		a.withSession(ctx, func(s *core.Session) error { return s.MarkAllRead(ctx) })
	case "unread":
		a.withSession(ctx, func(s *core.Session) error { return a.cmdUnread(ctx, s) })
	case "online":
		a.withSession(ctx, func(s *core.Session) error { return a.cmdOnline(ctx, s, args[1:]) })
	case "notify":
		need(args, 3, "notify <user> <kind> [content]")
		content := ""
		if len(args) > 3 {
			content = args[3]
		}
		a.withSession(ctx, func(s *core.Session) error { return a.cmdNotify(ctx, s, args[1], args[2], content) })
	case "watch":
		a.withSession(ctx, func(s *core.Session) error { return a.cmdWatch(ctx, s, args[1:]) })
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: pulsectl [--profile <name>] [--user <id>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  status                     Show whether the profile daemon is running")
	fmt.Fprintln(os.Stderr, "  send <user> <text>         Send a text message")
	fmt.Fprintln(os.Stderr, "  retry <local-id>           Retry a failed send")
	fmt.Fprintln(os.Stderr, "  history <user>             Show the conversation with a user")
	fmt.Fprintln(os.Stderr, "  mark-read <message-id>     Mark one message read")
	fmt.Fprintln(os.Stderr, "  mark-all-read              Mark every message and notification read")
	fmt.Fprintln(os.Stderr, "  unread                     Show unread counters")
	fmt.Fprintln(os.Stderr, "  online [<user>]            List online users, or check one")
	fmt.Fprintln(os.Stderr, "  notify <user> <kind> [txt] Create a notification for a user")
	fmt.Fprintln(os.Stderr, "  watch [--active <user>]    Stream updates, optionally with a conversation open")
}

func loadConfig() (*config.Config, error) {
	if err := config.LoadDotEnv(profile.EnvPath()); err != nil {
		return nil, err
	}
	cfg, err := config.LoadOrDefault(profile.ConfigPath())
	if err != nil {
		return nil, err
	}
	if err := config.ApplyEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// withSession connects to the daemon, logs the user in for the duration
// of fn and logs out afterwards.
func (a *app) withSession(ctx context.Context, fn func(s *core.Session) error) {
	if held, err := lock.Held(profile.Dir(a.profile)); err == nil && !held {
		fail(fmt.Errorf("pulsed is not running for profile %q", a.profile))
	}
	c, err := client.New(profile.SocketPath(a.profile))
	if err != nil {
		fail(fmt.Errorf("cannot connect to daemon for profile %q: %w", a.profile, err))
	}
	defer func() { _ = c.Close() }()

	s, err := core.New(core.Options{
		UserID:            a.user,
		Backend:           c,
		Logger:            a.logger,
		HeartbeatInterval: a.cfg.HeartbeatInterval.Duration,
		SubscribeTimeout:  a.cfg.SubscribeTimeout.Duration,
		SendTimeout:       a.cfg.SendTimeout.Duration,
	})
	if err != nil {
		fail(err)
	}
	if err := s.Start(ctx); err != nil {
		fail(err)
	}
	runErr := fn(s)

	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Stop(stopCtx); err != nil {
		a.logger.Warn("logout failed", zap.Error(err))
	}
	if runErr != nil {
		fail(runErr)
	}
}

func (a *app) cmdStatus() {
	dir := profile.Dir(a.profile)
	held, err := lock.Held(dir)
	if err != nil {
		fail(err)
	}
	out := map[string]any{"profile": a.profile, "running": held}
	if held {
		if info, err := lock.Read(dir); err == nil {
			out["pid"] = info.PID
			out["since"] = info.Since
			out["socket"] = info.Socket
			out["version"] = info.Version
		}
	}
	if a.jsonOut {
		outputJSON(out)
		return
	}
	fmt.Printf("Profile: %s\n", a.profile)
	if !held {
		fmt.Println("Daemon:  stopped")
		return
	}
	fmt.Printf("Daemon:  running (PID %v, %v)\n", out["pid"], out["version"])
	fmt.Printf("Socket:  %v\n", out["socket"])
	if since, ok := out["since"].(time.Time); ok {
		fmt.Printf("Uptime:  %s\n", time.Since(since).Truncate(time.Second))
	}
}

func (a *app) cmdSend(ctx context.Context, s *core.Session, other, text string) error {
	conv, err := s.EnsureConversation(ctx, other)
	if err != nil {
		return err
	}
	msg, err := s.Send(ctx, conv.ID, other, text, model.TypeText)
	if err != nil {
		return err
	}
	a.printMessage(msg)
	return nil
}

func (a *app) cmdRetry(ctx context.Context, s *core.Session, localID string) error {
	msg, err := s.Retry(ctx, localID)
	if err != nil {
		return err
	}
	a.printMessage(msg)
	return nil
}

func (a *app) cmdHistory(ctx context.Context, s *core.Session, other string) error {
	conv, err := s.EnsureConversation(ctx, other)
	if err != nil {
		return err
	}
	if err := s.OpenConversation(ctx, conv.ID); err != nil {
		return err
	}
	msgs, err := s.Messages(ctx, conv.ID)
	if err != nil {
		return err
	}
	if a.jsonOut {
		outputJSON(msgs)
		return nil
	}
	if len(msgs) == 0 {
		fmt.Println("No messages.")
		return nil
	}
	for _, m := range msgs {
		a.printMessage(m)
	}
	return nil
}

func (a *app) cmdUnread(ctx context.Context, s *core.Session) error {
	c, err := s.Unread(ctx)
	if err != nil {
		return err
	}
	if a.jsonOut {
		outputJSON(c)
		return nil
	}
	fmt.Printf("Messages:      %d\n", c.Messages)
	fmt.Printf("Notifications: %d\n", c.Notifications)
	return nil
}

func (a *app) cmdOnline(ctx context.Context, s *core.Session, args []string) error {
	if len(args) > 0 {
		d, online, err := s.OnlineDuration(ctx, args[0])
		if err != nil {
			return err
		}
		if a.jsonOut {
			outputJSON(map[string]any{"user": args[0], "online": online, "online_for": d.String()})
			return nil
		}
		if !online {
			fmt.Printf("%s is offline\n", args[0])
			return nil
		}
		fmt.Printf("%s online for %s\n", args[0], d.Truncate(time.Second))
		return nil
	}
	users, err := s.OnlineUsers(ctx)
	if err != nil {
		return err
	}
	if a.jsonOut {
		outputJSON(users)
		return nil
	}
	for _, u := range users {
		d, _, err := s.OnlineDuration(ctx, u)
		if err != nil {
			return err
		}
		fmt.Printf("%-20s online for %s\n", u, d.Truncate(time.Second))
	}
	return nil
}

func (a *app) cmdNotify(ctx context.Context, s *core.Session, user, kind, content string) error {
	n, err := s.Notify(ctx, backend.NewNotification{UserID: user, Kind: kind, Content: content})
	if err != nil {
		return err
	}
	if a.jsonOut {
		outputJSON(n)
		return nil
	}
	fmt.Printf("Notification %s created for %s\n", n.ID, user)
	return nil
}

// cmdWatch prints every update until interrupted. Rendered notifications
// go through the session's log surface on stderr.
func (a *app) cmdWatch(ctx context.Context, s *core.Session, args []string) error {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	active := fs.String("active", "", "open the conversation with this user while watching")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := s.SetPermission(ctx, true); err != nil {
		return err
	}
	if err := s.SetForeground(ctx, true); err != nil {
		return err
	}
	if *active != "" {
		conv, err := s.EnsureConversation(ctx, *active)
		if err != nil {
			return err
		}
		if err := s.OpenConversation(ctx, conv.ID); err != nil {
			return err
		}
		conversation, cancel := s.WatchConversation(conv.ID)
		defer cancel()
		go a.print(ctx, conversation)
	}

	unreadCh, cancelUnread := s.WatchUnread()
	defer cancelUnread()
	presenceCh, cancelPresence := s.WatchPresence()
	defer cancelPresence()
	stateCh, cancelState := s.WatchState()
	defer cancelState()

	go a.print(ctx, presenceCh)
	go a.print(ctx, stateCh)
	a.print(ctx, unreadCh)
	return nil
}

func (a *app) print(ctx context.Context, ch <-chan bus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if a.jsonOut {
				outputJSON(ev)
				continue
			}
			fmt.Printf("%s %-24s %-28s %+v\n", ev.Timestamp.Format(time.TimeOnly), ev.Topic, ev.Kind, ev.Payload)
		}
	}
}

func (a *app) printMessage(m model.Message) {
	if a.jsonOut {
		outputJSON(m)
		return
	}
	fmt.Printf("%s %-10s %-8s %s -> %s: %s\n",
		m.CreatedAt.Format(time.DateTime), m.Status, m.ID, m.SenderID, m.ReceiverID, m.Content)
}

func need(args []string, n int, usage string) {
	if len(args) < n {
		fmt.Fprintf(os.Stderr, "usage: pulsectl %s\n", usage)
		os.Exit(1)
	}
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
	}
}
