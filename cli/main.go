// Package main provides an interactive terminal client for the retrochat
// sync engine. It is a development surface: every conversation kind,
// presence, history paging, and notifications are reachable from a
// plain line REPL.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/nelsonmandeladev/retrochat-client/internal/backend"
	"github.com/nelsonmandeladev/retrochat-client/internal/config"
	"github.com/nelsonmandeladev/retrochat-client/internal/domain"
	"github.com/nelsonmandeladev/retrochat-client/internal/notify"
	"github.com/nelsonmandeladev/retrochat-client/internal/session"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	serverURL := flag.String("server", "", "WebSocket server URL (overrides config)")
	apiURL := flag.String("api", "", "REST API URL (overrides config)")
	token := flag.String("token", "", "auth token (overrides config)")
	flag.Parse()

	// A local .env is optional; deployed environments set variables
	// directly.
	godotenv.Load()

	cfg, err := config.LoadWithFile(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if *serverURL != "" {
		cfg.ServerURL = *serverURL
	}
	if *apiURL != "" {
		cfg.APIURL = *apiURL
	}
	if *token != "" {
		cfg.Token = *token
	}

	logger := newLogger(cfg.LogLevel)

	loader := backend.NewClient(cfg.APIURL, cfg.Token)
	sess := session.New(cfg, loader, logger)
	defer sess.Close()

	ctx := context.Background()

	fmt.Printf("Loading state from %s...\n", cfg.APIURL)
	if err := sess.Bootstrap(ctx); err != nil {
		logger.Error("bootstrap failed", "error", err)
		os.Exit(1)
	}

	fmt.Printf("Connecting to %s...\n", cfg.ServerURL)
	if err := sess.Connect(ctx); err != nil {
		logger.Error("connect failed", "error", err)
		os.Exit(1)
	}
	fmt.Printf("Connected as %s (%s)\n", sess.SelfName(), sess.SelfID())

	// Notifications for everything outside the open conversation.
	notifyEvents, cancelNotify := sess.Subscribe()
	defer cancelNotify()
	dispatcher := notify.NewDispatcher(sess, terminalSink{}, cfg.NotifyRate, cfg.NotifyBurst, logger)
	go dispatcher.Run(ctx, notifyEvents)

	// Live rendering for the open conversation and connection changes.
	uiEvents, cancelUI := sess.Subscribe()
	defer cancelUI()
	go renderEvents(sess, uiEvents)

	printHelp()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, syscall.SIGINT, syscall.SIGTERM)

	scanner := bufio.NewScanner(os.Stdin)

	for {
		fmt.Print("> ")
		select {
		case <-interrupt:
			fmt.Println("\nBye!")
			return
		default:
			if !scanner.Scan() {
				return
			}

			input := strings.TrimSpace(scanner.Text())
			if input == "" {
				continue
			}
			if input == "/quit" {
				fmt.Println("Bye!")
				return
			}

			if strings.HasPrefix(input, "/") {
				runCommand(ctx, sess, input)
				continue
			}
			sendToActive(sess, input)
		}
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func printHelp() {
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  /list                 list conversations")
	fmt.Println("  /who                  list contacts and presence")
	fmt.Println("  /open <kind>:<id>     open a conversation, e.g. /open direct:u_alice")
	fmt.Println("  /older                load older messages in the open conversation")
	fmt.Println("  /mute, /unmute        toggle muting for the open group")
	fmt.Println("  /typing               send a typing signal")
	fmt.Println("  /connect              reconnect after retries were exhausted")
	fmt.Println("  /quit                 exit")
	fmt.Println()
	fmt.Println("Anything else is sent to the open conversation. In groups,")
	fmt.Println("prefix with @ai to ask the AI participant.")
	fmt.Println()
}

func runCommand(ctx context.Context, sess *session.Session, input string) {
	cmd, arg, _ := strings.Cut(input, " ")
	arg = strings.TrimSpace(arg)

	switch cmd {
	case "/help":
		printHelp()

	case "/list":
		for _, conv := range sess.Conversations() {
			marker := " "
			if active, ok := sess.Active(); ok && active == conv.Key {
				marker = "*"
			}
			line := fmt.Sprintf("%s %-24s %s", marker, conv.Key.String(), title(conv))
			if conv.Unread > 0 {
				line += fmt.Sprintf(" (%d unread)", conv.Unread)
			}
			if conv.Muted {
				line += " [muted]"
			}
			if last, ok := conv.LastMessage(); ok {
				line += "  | " + preview(last.Content)
			}
			fmt.Println(line)
		}

	case "/who":
		for _, contact := range sess.Contacts() {
			fmt.Printf("  %-12s %-10s %s\n", contact.ID, contact.Status, contact.Name)
		}

	case "/open":
		key, ok := parseKey(arg)
		if !ok {
			fmt.Println("usage: /open <kind>:<id>  (kinds: direct, group, companion)")
			return
		}
		conv, found := sess.Conversation(key)
		if !found {
			fmt.Printf("no such conversation: %s\n", key.String())
			return
		}
		sess.Open(key)
		fmt.Printf("--- %s ---\n", title(conv))
		printTail(conv, 10)

	case "/older":
		active, ok := sess.Active()
		if !ok {
			fmt.Println("open a conversation first")
			return
		}
		sess.History(ctx, active)
		fmt.Println("loading older messages...")

	case "/mute", "/unmute":
		active, ok := sess.Active()
		if !ok {
			fmt.Println("open a conversation first")
			return
		}
		sess.Mute(active, cmd == "/mute")

	case "/typing":
		if active, ok := sess.Active(); ok {
			sess.Typing(active)
		}

	case "/connect":
		if err := sess.Connect(ctx); err != nil {
			fmt.Printf("connect failed: %v\n", err)
		}

	default:
		fmt.Printf("unknown command %s, try /help\n", cmd)
	}
}

func sendToActive(sess *session.Session, text string) {
	active, ok := sess.Active()
	if !ok {
		fmt.Println("open a conversation first, e.g. /open direct:u_alice")
		return
	}
	switch active.Kind {
	case domain.KindDirect:
		sess.SendDirect(active.TargetID, text)
	case domain.KindGroup:
		if strings.HasPrefix(text, "@ai ") || text == "@ai" {
			sess.MentionGroupAI(active.TargetID, text)
		} else {
			sess.SendGroup(active.TargetID, text)
		}
	case domain.KindCompanion:
		sess.SendCompanion(active.TargetID, text)
	}
}

// renderEvents prints inbound activity for the open conversation and
// connection state changes. Everything else reaches the user through
// notifications.
func renderEvents(sess *session.Session, events <-chan session.Event) {
	for ev := range events {
		switch e := ev.(type) {
		case session.MessageArrived:
			if active, ok := sess.Active(); ok && active == e.Key {
				fmt.Printf("\n%s: %s\n> ", senderLabel(e.Message), e.Message.Content)
			}
		case session.ConnectionDown:
			fmt.Print("\n[connection lost, reconnecting...]\n> ")
		case session.ConnectionUp:
			if e.Resumed {
				fmt.Print("\n[reconnected]\n> ")
			}
		case session.ReconnectsExhausted:
			fmt.Print("\n[gave up reconnecting, use /connect to retry]\n> ")
		case session.StreamFailed:
			fmt.Print("\n[AI response failed, send again to retry]\n> ")
		case session.ConversationRemoved:
			fmt.Printf("\n[you were removed from %s]\n> ", e.Name)
		}
	}
}

// terminalSink rings the bell so background activity is noticeable.
type terminalSink struct{}

func (terminalSink) Deliver(n notify.Notification) {
	fmt.Printf("\a\n[%s] %s: %s\n> ", n.Category, n.Title, n.Body)
}

func parseKey(arg string) (domain.ConversationKey, bool) {
	kindStr, target, ok := strings.Cut(arg, ":")
	if !ok || target == "" {
		return domain.ConversationKey{}, false
	}
	kind := domain.Kind(kindStr)
	switch kind {
	case domain.KindDirect, domain.KindGroup, domain.KindCompanion:
		return domain.ConversationKey{Kind: kind, TargetID: target}, true
	}
	return domain.ConversationKey{}, false
}

func title(conv domain.Conversation) string {
	if conv.Name != "" {
		return conv.Name
	}
	return conv.Key.TargetID
}

func senderLabel(msg domain.Message) string {
	if msg.SenderName != "" {
		return msg.SenderName
	}
	return msg.SenderID
}

func preview(content string) string {
	content = strings.ReplaceAll(content, "\n", " ")
	runes := []rune(content)
	if len(runes) > 40 {
		return string(runes[:40]) + "..."
	}
	return content
}

func printTail(conv domain.Conversation, n int) {
	msgs := conv.Messages
	if len(msgs) > n {
		msgs = msgs[len(msgs)-n:]
	}
	for _, msg := range msgs {
		state := ""
		switch msg.Origin {
		case domain.OriginOptimistic:
			state = " (sending)"
		case domain.OriginStreaming:
			state = " (streaming)"
		}
		fmt.Printf("  [%s] %s: %s%s\n", msg.SentAt.Format("15:04"), senderLabel(msg), msg.Content, state)
	}
}
