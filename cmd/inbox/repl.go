package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/whisper/inbox/internal/api"
	"github.com/whisper/inbox/internal/chat"
	"github.com/whisper/inbox/internal/protocol"
	"github.com/whisper/inbox/internal/session"
)

const helpText = `commands:
  /users              list people and unread counts
  /open <id|name>     open a conversation
  /inbox              show the inbox
  /search <query>     search your messages
  /logout             forget the saved identity and quit
  /quit               quit
anything else is sent to the open conversation`

var errQuit = errors.New("quit")
var errLogout = errors.New("logout")

// command is one parsed input line.
type command struct {
	name string // empty for plain text
	arg  string
}

func parseCommand(line string) command {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "/") {
		return command{arg: line}
	}
	name, arg, _ := strings.Cut(line[1:], " ")
	return command{name: strings.ToLower(name), arg: strings.TrimSpace(arg)}
}

// controller is the part of session.Controller the terminal drives.
type controller interface {
	SelectPeer(ctx context.Context, peer protocol.ID) error
	Send(ctx context.Context, text string) (protocol.Message, error)
	Keystroke()
	Search(ctx context.Context, query string) ([]api.SearchResult, error)
	Snapshot() session.View
}

// repl reads commands from in and writes everything the user sees to out.
type repl struct {
	c   controller
	out io.Writer

	mu       sync.Mutex
	printed  map[protocol.ID]bool
	notices  map[uint64]bool
	typing   bool
	online   bool
	lastPeer protocol.ID
}

func newREPL(c controller, out io.Writer) *repl {
	return &repl{
		c:       c,
		out:     out,
		printed: make(map[protocol.ID]bool),
		notices: make(map[uint64]bool),
		online:  true,
	}
}

// run processes lines until EOF, /quit or /logout.
func (r *repl) run(ctx context.Context, scanner *bufio.Scanner) error {
	for scanner.Scan() {
		if err := r.handle(ctx, scanner.Text()); err != nil {
			if errors.Is(err, errQuit) || errors.Is(err, errLogout) {
				return err
			}
			r.printf("! %v\n", err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return scanner.Err()
}

func (r *repl) handle(ctx context.Context, line string) error {
	cmd := parseCommand(line)
	switch cmd.name {
	case "":
		if cmd.arg == "" {
			return nil
		}
		r.c.Keystroke()
		_, err := r.c.Send(ctx, cmd.arg)
		switch {
		case errors.Is(err, session.ErrNoActivePeer):
			return errors.New("open a conversation first (/open <id|name>)")
		case errors.Is(err, session.ErrOffline):
			return errors.New("offline, message not sent")
		case errors.Is(err, chat.ErrMessageTooLong):
			return fmt.Errorf("message too long (max %d characters)", chat.MaxTextChars)
		}
		return err

	case "users":
		r.printUsers(r.c.Snapshot())
		return nil

	case "open":
		if cmd.arg == "" {
			return errors.New("usage: /open <id|name>")
		}
		peer := resolvePeer(r.c.Snapshot().Directory, cmd.arg)
		if err := r.c.SelectPeer(ctx, peer); err != nil && !errors.Is(err, session.ErrSuperseded) {
			return err
		}
		r.redraw()
		return nil

	case "inbox":
		if err := r.c.SelectPeer(ctx, ""); err != nil && !errors.Is(err, session.ErrSuperseded) {
			return err
		}
		r.redraw()
		return nil

	case "search":
		results, err := r.c.Search(ctx, cmd.arg)
		if err != nil {
			return err
		}
		if len(results) == 0 {
			r.printf("no results\n")
		}
		for _, res := range results {
			r.printf("  %.2f  %s -> %s  %s\n", res.Score, res.SenderID, res.ReceiverID, res.Text)
		}
		return nil

	case "help":
		r.printf("%s\n", helpText)
		return nil
	case "quit", "exit":
		return errQuit
	case "logout":
		return errLogout
	default:
		return fmt.Errorf("unknown command /%s, try /help", cmd.name)
	}
}

// resolvePeer matches arg against directory ids, then names. Unknown
// values are used as ids.
func resolvePeer(dir []protocol.User, arg string) protocol.ID {
	for _, u := range dir {
		if u.ID.String() == arg {
			return u.ID
		}
	}
	for _, u := range dir {
		if strings.EqualFold(u.Name, arg) {
			return u.ID
		}
	}
	return protocol.ID(arg)
}

// observe is the session observer. It only signals; drawing happens on the
// render goroutine.
func observe(kick chan<- struct{}) session.Observer {
	return func(session.Change) {
		select {
		case kick <- struct{}{}:
		default:
		}
	}
}

// render redraws whenever kicked until ctx ends.
func (r *repl) render(ctx context.Context, kick <-chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-kick:
			r.update(r.c.Snapshot())
		}
	}
}

// redraw prints the current conversation from scratch.
func (r *repl) redraw() {
	v := r.c.Snapshot()
	r.mu.Lock()
	r.printed = make(map[protocol.ID]bool)
	r.mu.Unlock()

	title := "inbox"
	if p, ok := v.Peer(); ok {
		title = p.Name
	} else if v.ActivePeer != "" {
		title = v.ActivePeer.String()
	}
	r.printf("--- %s ---\n", title)
	r.update(v)
}

// update prints whatever in v has not been shown yet.
func (r *repl) update(v session.View) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if v.ActivePeer != r.lastPeer {
		r.lastPeer = v.ActivePeer
		r.typing = false
	}
	if v.Connected != r.online {
		r.online = v.Connected
		if v.Connected {
			fmt.Fprintln(r.out, "* connected")
		} else {
			fmt.Fprintln(r.out, "* offline, reconnecting")
		}
	}
	for _, m := range v.Messages {
		if r.printed[m.ID] {
			continue
		}
		r.printed[m.ID] = true
		fmt.Fprintln(r.out, formatMessage(v, m))
	}
	if v.PeerTyping != r.typing {
		r.typing = v.PeerTyping
		if v.PeerTyping {
			fmt.Fprintf(r.out, "* %s is typing\n", peerName(v, v.ActivePeer))
		}
	}
	for _, n := range v.Notices {
		if r.notices[n.ID] {
			continue
		}
		r.notices[n.ID] = true
		fmt.Fprintf(r.out, "! %s\n", n.Text)
	}
}

func (r *repl) printUsers(v session.View) {
	users := append([]protocol.User(nil), v.Directory...)
	sort.SliceStable(users, func(i, j int) bool {
		return v.Unread[users[i].ID] > v.Unread[users[j].ID]
	})
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range users {
		line := fmt.Sprintf("  %-10s %s", u.ID, u.Name)
		if n := v.Unread[u.ID]; n > 0 {
			line += fmt.Sprintf(" (%d unread)", n)
		}
		if u.ID == v.ActivePeer {
			line += " *"
		}
		fmt.Fprintln(r.out, line)
	}
}

func (r *repl) printf(format string, args ...interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintf(r.out, format, args...)
}

func formatMessage(v session.View, m protocol.Message) string {
	ts := ""
	if !m.CreatedAt.IsZero() {
		ts = m.CreatedAt.Local().Format("15:04") + " "
	}
	from := peerName(v, m.SenderID)
	if m.SenderID == v.Me.ID {
		from = "you"
	} else if m.SenderName != "" {
		from = m.SenderName
	}
	if v.ActivePeer == "" && m.SenderID == v.Me.ID {
		from = "you -> " + peerName(v, m.ReceiverID)
	}
	return fmt.Sprintf("%s%s: %s", ts, from, m.Body)
}

func peerName(v session.View, id protocol.ID) string {
	for _, u := range v.Directory {
		if u.ID == id && u.Name != "" {
			return u.Name
		}
	}
	return id.String()
}
