package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"realtime-chat/internal/localcache"
	"realtime-chat/internal/logger"
	"realtime-chat/internal/reconciler"
	"realtime-chat/internal/session"
	"realtime-chat/internal/types"

	"github.com/spf13/cobra"
)

var (
	chatPassword string
	chatToken    string
	chatRoom     string
	cacheDir     string
	noCache      bool
)

func init() {
	chatCmd.Flags().StringVarP(&chatPassword, "password", "p", "", "log in with this password before connecting")
	chatCmd.Flags().StringVar(&chatToken, "token", "", "bearer token from a previous login")
	chatCmd.Flags().StringVarP(&chatRoom, "room", "r", "general", "room to start in")
	chatCmd.Flags().StringVar(&cacheDir, "cache", defaultCacheDir(), "directory for the local message cache")
	chatCmd.Flags().BoolVar(&noCache, "no-cache", false, "keep messages in memory only")
	rootCmd.AddCommand(chatCmd)
}

func defaultCacheDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".chatcli"
	}
	return filepath.Join(home, ".chatcli", "cache")
}

var chatCmd = &cobra.Command{
	Use:   "chat [username]",
	Short: "Join the chat interactively",
	Long: `Connects to the server and reads commands from stdin.

  /join ROOM          switch to a public room
  /dm USER            open the private conversation with USER
  /react ID SYMBOL    react to a message
  /read ID            mark a message as read
  /delete ID          delete one of your messages
  /reply ID           answer a message with the next line
  /search [FILTERS] [TEXT]
                      search the current room; filters are user:NAME,
                      date:today|yesterday|week|month and
                      reaction:SYMBOL (reaction:reacted for any)
  /who                list online users
  /clear              forget local history
  /quit               leave

Anything else is sent as a message.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		level := "warn"
		if verbose {
			level = "debug"
		}
		log, err := logger.New(level, "development")
		if err != nil {
			return err
		}
		defer log.Sync()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()

		token := chatToken
		if token == "" && chatPassword != "" {
			if token, err = login(ctx, args[0], chatPassword); err != nil {
				return fmt.Errorf("login: %w", err)
			}
		}

		var cache localcache.Store = localcache.NewMemory()
		if !noCache {
			p, err := localcache.Open(cacheDir)
			if err != nil {
				return err
			}
			defer p.Close()
			cache = p
		}

		s := session.New(session.Options{
			Dialer:      session.WSDialer{URL: wsURL(serverURL), Token: token},
			Cache:       cache,
			DefaultRoom: chatRoom,
			Log:         log,
		})
		if err := s.SetUsername(args[0]); err != nil {
			return err
		}
		if err := s.Connect(ctx); err != nil {
			return err
		}
		defer s.Disconnect()

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "connected as %s in #%s, /quit to leave\n", s.Identity(), s.Room())
		printLog(out, s.View().Messages(s.Room()))

		go watch(ctx, s, out)
		return repl(ctx, s, cmd.InOrStdin(), out)
	},
}

func repl(ctx context.Context, s *session.Session, in io.Reader, out io.Writer) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			quit, err := execLine(s, line, out)
			if err != nil {
				fmt.Fprintf(out, "! %v\n", err)
			}
			if quit {
				return nil
			}
		}
	}
}

type command struct {
	name string
	args []string
	text string
}

// parseCommand splits "/name a b" into its parts. Plain text has an empty
// name.
func parseCommand(line string) command {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "/") {
		return command{text: line}
	}
	fields := strings.Fields(line[1:])
	if len(fields) == 0 {
		return command{text: line}
	}
	rest := strings.TrimSpace(strings.TrimPrefix(line[1:], fields[0]))
	return command{name: strings.ToLower(fields[0]), args: fields[1:], text: rest}
}

var errUsage = errors.New("wrong number of arguments, see chatcli chat --help")

// parseFilter reads user:, date: and reaction: tokens. Remaining words form
// the free-text query.
func parseFilter(args []string) (reconciler.Filter, error) {
	var f reconciler.Filter
	var text []string
	for _, arg := range args {
		key, value, ok := strings.Cut(arg, ":")
		if !ok || value == "" {
			text = append(text, arg)
			continue
		}
		switch strings.ToLower(key) {
		case "user":
			f.User = value
		case "reaction":
			f.Reaction = value
		case "date":
			switch d := reconciler.DateRange(strings.ToLower(value)); d {
			case reconciler.Today, reconciler.Yesterday, reconciler.LastWeek, reconciler.LastMonth:
				f.Date = d
			default:
				return reconciler.Filter{}, fmt.Errorf("unknown date range %q", value)
			}
		default:
			text = append(text, arg)
		}
	}
	f.Text = strings.Join(text, " ")
	return f, nil
}

func execLine(s *session.Session, line string, out io.Writer) (bool, error) {
	c := parseCommand(line)
	need := func(n int) error {
		if len(c.args) < n {
			return errUsage
		}
		return nil
	}

	switch c.name {
	case "":
		if c.text == "" {
			return false, nil
		}
		_, err := s.SendMessage(c.text)
		return false, err
	case "quit", "exit":
		return true, nil
	case "join":
		if err := need(1); err != nil {
			return false, err
		}
		if err := s.JoinRoom(c.args[0]); err != nil {
			return false, err
		}
		fmt.Fprintf(out, "-- #%s\n", s.Room())
		printLog(out, s.View().Messages(s.Room()))
		return false, nil
	case "dm":
		if err := need(1); err != nil {
			return false, err
		}
		if err := s.JoinPrivate(c.args[0]); err != nil {
			return false, err
		}
		fmt.Fprintf(out, "-- private with %s\n", s.Peer())
		return false, nil
	case "react":
		if err := need(2); err != nil {
			return false, err
		}
		return false, s.AddReaction(resolveID(s, c.args[0]), c.args[1])
	case "read":
		if err := need(1); err != nil {
			return false, err
		}
		return false, s.MarkAsRead(resolveID(s, c.args[0]))
	case "delete":
		if err := need(1); err != nil {
			return false, err
		}
		return false, s.DeleteMessage(resolveID(s, c.args[0]))
	case "reply":
		if err := need(1); err != nil {
			return false, err
		}
		return false, s.StartReply(resolveID(s, c.args[0]))
	case "search":
		f, err := parseFilter(c.args)
		if err != nil {
			return false, err
		}
		printLog(out, s.View().Search(s.Room(), f, time.Now()))
		return false, nil
	case "who":
		fmt.Fprintf(out, "online: %s\n", strings.Join(s.View().Online(), ", "))
		return false, nil
	case "clear":
		return false, s.ClearMessages()
	default:
		return false, fmt.Errorf("unknown command /%s", c.name)
	}
}

func watch(ctx context.Context, s *session.Session, out io.Writer) {
	for {
		select {
		case <-ctx.Done():
			return
		case u := <-s.Updates():
			render(s, u, out)
		}
	}
}

func render(s *session.Session, u session.Update, out io.Writer) {
	switch u.Type {
	case types.EventMessage:
		msgs := s.View().Messages(u.Room)
		if len(msgs) == 0 {
			return
		}
		if u.Room == s.Room() {
			printMessage(out, msgs[len(msgs)-1])
		} else {
			fmt.Fprintf(out, "(%d unread in %s)\n", s.View().Unread(u.Room), u.Room)
		}
	case types.EventRoomMessages, types.EventPrivateMessages:
		if u.Room == s.Room() {
			printLog(out, s.View().Messages(u.Room))
		}
	case types.EventUserJoinedRoom, types.EventUserLeftRoom:
		notes := s.View().Notifications()
		if len(notes) > 0 {
			n := notes[len(notes)-1]
			fmt.Fprintf(out, "* %s %s #%s\n", n.From, presenceVerb(n.Kind), n.Room)
		}
	case types.EventUserTyping:
		if u.Room == s.Room() {
			if typing := s.View().Typing(u.Room); len(typing) > 0 {
				fmt.Fprintf(out, "… %s typing\n", strings.Join(typing, ", "))
			}
		}
	case types.EventRateLimited:
		fmt.Fprintln(out, "! slow down, the server refused your last action")
	case session.EventDisconnected:
		fmt.Fprintln(out, "! disconnected from server")
	}
}

func presenceVerb(k reconciler.NotificationKind) string {
	if k == reconciler.NotifyJoin {
		return "joined"
	}
	return "left"
}

func printLog(out io.Writer, msgs []types.Message) {
	for _, m := range msgs {
		printMessage(out, m)
	}
}

func printMessage(out io.Writer, m types.Message) {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s: %s", m.Timestamp.Local().Format("15:04"), m.User, m.Message)
	if m.ReplyTo != nil {
		fmt.Fprintf(&b, "  ↪ %s: %q", m.ReplyTo.User, m.ReplyTo.Message)
	}
	symbols := make([]string, 0, len(m.Reactions))
	for symbol, users := range m.Reactions {
		if len(users) > 0 {
			symbols = append(symbols, symbol)
		}
	}
	sort.Strings(symbols)
	for _, symbol := range symbols {
		fmt.Fprintf(&b, "  %s%d", symbol, len(m.Reactions[symbol]))
	}
	fmt.Fprintf(&b, "  (%s)\n", shortID(m.ID))
	io.WriteString(out, b.String())
}

// resolveID expands the short id printed next to a message to the full id
// when it identifies exactly one message in the current room.
func resolveID(s *session.Session, short string) string {
	match := ""
	for _, m := range s.View().Messages(s.Room()) {
		if m.ID == short {
			return short
		}
		if strings.HasSuffix(m.ID, short) {
			if match != "" {
				return short
			}
			match = m.ID
		}
	}
	if match == "" {
		return short
	}
	return match
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[len(id)-8:]
	}
	return id
}
