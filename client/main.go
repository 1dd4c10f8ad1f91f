package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"time"

	"github.com/mahaj/chatsync/pkg/chatsync"
	"github.com/mahaj/chatsync/pkg/config"
	"github.com/mahaj/chatsync/pkg/logging"
	"github.com/mahaj/chatsync/pkg/model"
	"github.com/mahaj/chatsync/pkg/rest"
	"github.com/mahaj/chatsync/pkg/timeline"
)

const help = `commands:
  /list                     list conversations
  /open <conversation id>   switch conversation
  /dm <user id>             open a direct conversation
  /support <subject>        open a support conversation
  /typing                   signal typing
  /edit <message id> <text> edit one of your messages
  /delete <message id>      delete one of your messages
  /pin <message id>         toggle a pin
  /status <status>          set your presence status
  /block <user id>          block a user
  /quit                     exit
anything else is sent to the open conversation`

// printer renders snapshots as a scrolling log, printing each message once
// and again when its content or state changes.
type printer struct {
	mu      sync.Mutex
	seen    map[string]string
	typing  string
	active  string
	out     *os.File
	lastErr error
}

func (p *printer) render(s chatsync.Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if s.ActiveConversationID != p.active {
		p.active = s.ActiveConversationID
		p.seen = make(map[string]string)
	}
	for _, m := range s.Messages {
		key := m.ID
		if m.ClientID != "" {
			key = m.ClientID
		}
		line := formatMessage(m)
		if p.seen[key] == line {
			continue
		}
		p.seen[key] = line
		fmt.Fprintf(p.out, "\r%s\n> ", line)
	}

	var names []string
	for _, t := range s.Typing {
		if t.ConversationID == s.ActiveConversationID {
			names = append(names, t.DisplayName)
		}
	}
	if typing := strings.Join(names, ", "); typing != p.typing {
		p.typing = typing
		if typing != "" {
			fmt.Fprintf(p.out, "\r%s is typing...\n> ", typing)
		}
	}
	if s.LoadError != nil && s.LoadError != p.lastErr {
		fmt.Fprintf(p.out, "\rload failed: %v\n> ", s.LoadError)
	}
	p.lastErr = s.LoadError
}

func formatMessage(m model.Message) string {
	var flags []string
	if m.IsEdited {
		flags = append(flags, "edited")
	}
	if m.IsPinned {
		flags = append(flags, "pinned")
	}
	if m.State != "" && m.State != model.StateConfirmed {
		flags = append(flags, string(m.State))
	}
	content := m.Content
	if m.IsDeleted {
		content = "(deleted)"
	}
	line := fmt.Sprintf("[%s] %s: %s", m.ID, m.Sender.DisplayName, content)
	if len(flags) > 0 {
		line += " (" + strings.Join(flags, ", ") + ")"
	}
	return line
}

func main() {
	userID := flag.String("user", "user1", "user id")
	name := flag.String("name", "", "display name")
	dmUser := flag.String("dm", "", "user id to open a direct conversation with")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "client: %v\n", err)
		os.Exit(1)
	}
	// Keep the log out of the way of the prompt.
	logging.Init(logging.Config{Level: "warn", Format: "console"})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	api := rest.New(rest.Config{BaseURL: cfg.Client.APIURL, Timeout: cfg.Client.RequestTimeout})
	token, err := api.Login(ctx, *userID, *name)
	if err != nil {
		logging.Fatal().Err(err).Msg("Login failed")
	}

	client := chatsync.New(cfg.Client)
	defer client.Close()
	if err := client.SetCredential(token); err != nil {
		logging.Fatal().Err(err).Msg("Invalid credential")
	}

	p := &printer{seen: make(map[string]string), out: os.Stdout}
	snaps, cancel := client.Subscribe()
	defer cancel()
	go func() {
		for s := range snaps {
			p.render(s)
		}
	}()

	if *dmUser != "" {
		openDirect(ctx, client, *dmUser)
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	fmt.Println(help)
	fmt.Print("> ")
	for {
		select {
		case <-ctx.Done():
			return
		case text, ok := <-lines:
			if !ok || text == "/quit" {
				return
			}
			if err := execute(ctx, client, text); err != nil {
				fmt.Printf("error: %v\n", err)
			}
			fmt.Print("> ")
		}
	}
}

func openDirect(ctx context.Context, client *chatsync.Client, userID string) {
	conv, err := client.CreateConversation(ctx, userID)
	if err != nil {
		fmt.Printf("error: %v\n", err)
		return
	}
	if err := client.SetActiveConversation(ctx, conv.ID); err != nil {
		fmt.Printf("error: %v\n", err)
	}
}

func execute(ctx context.Context, client *chatsync.Client, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if !strings.HasPrefix(text, "/") {
		_, err := client.Send(text, timeline.SendOptions{})
		return err
	}

	cmd, arg, _ := strings.Cut(text, " ")
	arg = strings.TrimSpace(arg)
	reqCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	switch cmd {
	case "/help":
		fmt.Println(help)
	case "/list":
		if err := client.Refresh(reqCtx); err != nil {
			return err
		}
		s, err := client.Snapshot()
		if err != nil {
			return err
		}
		for _, c := range s.Conversations {
			var names []string
			for _, p := range c.Participants {
				names = append(names, p.DisplayName)
			}
			fmt.Printf("%s  %s  [%s]  unread %d\n", c.ID, c.Kind, strings.Join(names, ", "), c.MyUnreadCount)
		}
	case "/open":
		return client.SetActiveConversation(reqCtx, arg)
	case "/dm":
		openDirect(reqCtx, client, arg)
	case "/support":
		conv, err := client.CreateSupportConversation(reqCtx, arg)
		if err != nil {
			return err
		}
		return client.SetActiveConversation(reqCtx, conv.ID)
	case "/typing":
		return client.StartTyping()
	case "/edit":
		id, content, _ := strings.Cut(arg, " ")
		return client.Edit(id, content)
	case "/delete":
		return client.Delete(arg)
	case "/pin":
		pinned, err := client.TogglePin(reqCtx, arg)
		if err == nil {
			fmt.Printf("pinned: %v\n", pinned)
		}
		return err
	case "/status":
		return client.SetStatus(arg)
	case "/block":
		return client.Block(reqCtx, arg)
	default:
		return fmt.Errorf("unknown command %s, try /help", cmd)
	}
	return nil
}
