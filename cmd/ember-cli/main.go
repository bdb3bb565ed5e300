// ABOUTME: Terminal client for the ember chat backend
// ABOUTME: Login, conversation listing, sending and a live tail of channel pushes

package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/fatih/color"

	"github.com/emberchat/ember-go/internal/config"
	"github.com/emberchat/ember-go/internal/session"
	"github.com/emberchat/ember-go/internal/wire"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                _
  ___ _ __ ___ | |__   ___ _ __
 / _ \ '_ ' _ \| '_ \ / _ \ '__|
|  __/ | | | | | |_) |  __/ |
 \___|_| |_| |_|_.__/ \___|_|
`

// getConfigPath returns the path to the client config file.
// Priority: EMBER_CONFIG env var > XDG_CONFIG_HOME/ember/cli.yaml > ~/.config/ember/cli.yaml
func getConfigPath() string {
	if envPath := os.Getenv("EMBER_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "cli.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "ember", "cli.yaml")
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch cmd {
	case "login":
		err = cmdLogin(ctx)
	case "chats":
		err = cmdChats(ctx)
	case "messages":
		err = cmdMessages(ctx, args)
	case "send":
		err = cmdSend(ctx, args)
	case "watch":
		err = cmdWatch(ctx)
	case "version":
		fmt.Println(version)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		color.Red("Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	cyan := color.New(color.FgCyan)
	yellow := color.New(color.FgYellow)

	cyan.Print(banner)
	fmt.Println()
	fmt.Println("Usage: ember-cli <command> [args]")
	fmt.Println()
	yellow.Println("Commands:")
	fmt.Println("  login                   Verify credentials and show your identity")
	fmt.Println("  chats                   List conversations")
	fmt.Println("  messages <chat-id>      Show a conversation's messages")
	fmt.Println("  send <chat-id> <text>   Send a message")
	fmt.Println("  watch                   Tail live channel events (ctrl-c to stop)")
	fmt.Println("  version                 Print the build version")
	fmt.Println()
	yellow.Println("Environment:")
	fmt.Println("  EMBER_CONFIG             Config file path (default: ~/.config/ember/cli.yaml)")
	fmt.Println("  EMBER_USERNAME           Login name (prompted when unset)")
	fmt.Println("  EMBER_PASSWORD           Password (prompted when unset)")
	fmt.Println()
}

// open loads config, builds the session graph and logs in.
func open(ctx context.Context) (*session.Session, error) {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	logger := setupLogger(cfg.Logging)
	slog.SetDefault(logger)

	s, err := session.New(cfg, logger)
	if err != nil {
		return nil, err
	}

	username, password, err := credentials()
	if err != nil {
		return nil, err
	}
	if err := s.Login(ctx, username, password); err != nil {
		return nil, err
	}
	return s, nil
}

func credentials() (string, string, error) {
	username := os.Getenv("EMBER_USERNAME")
	password := os.Getenv("EMBER_PASSWORD")
	reader := bufio.NewReader(os.Stdin)

	if username == "" {
		fmt.Print("Username: ")
		line, err := reader.ReadString('\n')
		if err != nil {
			return "", "", fmt.Errorf("reading username: %w", err)
		}
		username = strings.TrimSpace(line)
	}
	if password == "" {
		fmt.Print("Password: ")
		line, err := reader.ReadString('\n')
		if err != nil {
			return "", "", fmt.Errorf("reading password: %w", err)
		}
		password = strings.TrimSpace(line)
	}
	if username == "" || password == "" {
		return "", "", fmt.Errorf("username and password are required")
	}
	return username, password, nil
}

func cmdLogin(ctx context.Context) error {
	s, err := open(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	info, err := s.GeneralInfo(ctx)
	if err != nil {
		return err
	}
	color.Green("Logged in as %s (id %d)", info.Username, info.UserID)
	return nil
}

func cmdChats(ctx context.Context) error {
	s, err := open(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	convs, err := s.SyncConversations(ctx)
	if err != nil {
		return err
	}

	bold := color.New(color.Bold)
	for _, conv := range convs {
		bold.Printf("%6d  %s", conv.ID, conv.Title)
		if conv.UnreadCount > 0 {
			color.Yellow("  (%d unread)", conv.UnreadCount)
		}
		fmt.Println()
		if conv.LastMessage != nil {
			fmt.Printf("        %s\n", conv.LastMessage.Value)
		}
	}
	return nil
}

func cmdMessages(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: messages <chat-id>")
	}
	chatID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid chat id %q", args[0])
	}

	s, err := open(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	s.SelectConversation(chatID)
	msgs, err := s.SyncConversation(ctx, chatID)
	if err != nil {
		return err
	}

	for _, m := range msgs {
		stamp := color.HiBlackString(m.Date.Local().Format("15:04"))
		who := color.CyanString("them")
		if m.IsOwn {
			who = color.GreenString("you ")
		}
		fmt.Printf("%s %s %s\n", stamp, who, m.Value)
	}
	return nil
}

func cmdSend(ctx context.Context, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: send <chat-id> <text>")
	}
	chatID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid chat id %q", args[0])
	}

	s, err := open(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	if err := s.SendMessage(chatID, strings.Join(args[1:], " "), nil); err != nil {
		return err
	}
	color.Green("sent")
	return nil
}

func cmdWatch(ctx context.Context) error {
	s, err := open(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	if _, err := s.SyncConversations(ctx); err != nil {
		return err
	}

	color.Cyan("watching (ctrl-c to stop)")
	sub := s.Bus().Subscribe(wire.TypeChatMessage, func(env wire.Envelope) {
		var frame wire.ChatMessage
		if err := env.Bind(&frame); err != nil {
			return
		}
		title := strconv.FormatInt(frame.ChatID, 10)
		if conv, ok := s.Cache().Conversation(frame.ChatID); ok {
			title = conv.Title
		}
		fmt.Printf("%s %s %s\n",
			color.HiBlackString(frame.Message.Date.Local().Format("15:04")),
			color.CyanString("["+title+"]"),
			frame.Message.Value)
	})
	defer s.Bus().Unsubscribe(wire.TypeChatMessage, sub)

	<-ctx.Done()
	fmt.Println()
	return nil
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = &colorHandler{
			level: level,
		}
	}

	return slog.New(handler)
}

// colorHandler provides colorized log output with thread-safe writes.
type colorHandler struct {
	mu    sync.Mutex
	level slog.Level
	attrs []slog.Attr
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var buf strings.Builder

	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	switch r.Level {
	case slog.LevelDebug:
		buf.WriteString(color.MagentaString("DBG "))
	case slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	case slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	default:
		buf.WriteString("??? ")
	}

	buf.WriteString(r.Message)

	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}
	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})

	buf.WriteString("\n")
	fmt.Fprint(os.Stderr, buf.String())
	return nil
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	newAttrs = append(newAttrs, attrs...)
	return &colorHandler{
		level: h.level,
		attrs: newAttrs,
	}
}

func (h *colorHandler) WithGroup(string) slog.Handler {
	return h
}
