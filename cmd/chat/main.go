package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/RichardoC/chatpad/internal/client"
	"github.com/RichardoC/chatpad/internal/models"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	boldGreen  = color.New(color.FgGreen, color.Bold).SprintFunc()
	boldCyan   = color.New(color.FgCyan, color.Bold).SprintFunc()
	boldYellow = color.New(color.FgYellow, color.Bold).SprintFunc()
	red        = color.New(color.FgRed).SprintFunc()
	faint      = color.New(color.Faint).SprintFunc()
)

func main() {
	var (
		server      string
		model       string
		personality string
		temperature float64
		timeout     time.Duration
	)

	cmd := &cobra.Command{
		Use:          "chatpad",
		Short:        "Chat with a chatpad server from the terminal",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger, _ := zap.NewDevelopment(zap.IncreaseLevel(zap.WarnLevel))
			defer logger.Sync()

			api, err := client.NewHTTPAPI(server, timeout)
			if err != nil {
				return err
			}
			in := bufio.NewScanner(os.Stdin)
			view := &terminalView{out: os.Stdout, in: in}
			c := client.NewController(api, view, logger)

			ctx := cmd.Context()
			if err := c.Init(ctx); err != nil {
				return err
			}
			if model != "" {
				c.SetModel(model)
			}
			if personality != "" {
				c.SetPersonality(personality)
			}
			if err := c.SetTemperature(temperature); err != nil {
				return err
			}

			fmt.Println(boldGreen("chatpad"), faint("connected to "+server))
			fmt.Println("Type a message and press Enter. /help lists commands, /exit quits.")
			fmt.Println()
			return loop(ctx, c, api, view, in)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&server, "server", "http://localhost:5000", "chatpad server URL")
	flags.StringVar(&model, "model", "", "model to use (server default if empty)")
	flags.StringVar(&personality, "personality", "", "personality preset")
	flags.Float64Var(&temperature, "temp", 0.7, "sampling temperature in [0, 2]")
	flags.DurationVar(&timeout, "timeout", 2*time.Minute, "per-request timeout")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := cmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func loop(ctx context.Context, c *client.Controller, api *client.HTTPAPI, view *terminalView, in *bufio.Scanner) error {
	for {
		fmt.Print(boldGreen("You: "))
		if !in.Scan() {
			return in.Err()
		}
		line := strings.TrimSpace(in.Text())
		if line == "" {
			continue
		}
		if ctx.Err() != nil {
			return nil
		}

		if !strings.HasPrefix(line, "/") {
			if err := c.Submit(ctx, line); err != nil {
				view.Toast(err.Error(), true)
				continue
			}
			c.Wait()
			continue
		}

		name, arg, _ := strings.Cut(line[1:], " ")
		arg = strings.TrimSpace(arg)
		switch name {
		case "exit", "quit":
			return nil
		case "help":
			printHelp()
		case "new":
			_ = c.NewConversation(ctx)
		case "list":
			if err := c.RefreshConversations(ctx); err == nil {
				view.printList(c.SessionID())
			}
		case "load":
			if id, ok := view.resolve(arg); ok {
				_ = c.LoadConversation(ctx, id)
			}
		case "delete":
			if id, ok := view.resolve(arg); ok {
				_ = c.DeleteConversation(ctx, id)
			}
		case "history":
			view.RenderTranscript(c.Transcript())
		case "model":
			c.SetModel(arg)
			fmt.Println(faint("model: " + c.Model()))
		case "personality":
			c.SetPersonality(arg)
			fmt.Println(faint("personality: " + c.Personality()))
		case "temp":
			t, err := strconv.ParseFloat(arg, 64)
			if err == nil {
				err = c.SetTemperature(t)
			}
			if err != nil {
				view.Toast("temperature must be a number in [0, 2]", true)
			}
		case "search":
			hits, err := api.Search(ctx, arg)
			if err != nil {
				view.Toast(err.Error(), true)
				continue
			}
			for _, h := range hits {
				fmt.Printf("%s %s %s\n", faint(client.FormatTimestamp(h.Timestamp, time.Now())), boldCyan(h.ConversationID[:min(8, len(h.ConversationID))]), h.Content)
			}
		case "save":
			if arg == "" {
				view.Toast("usage: /save <file.html>", true)
				continue
			}
			page := client.TranscriptHTML(c.Transcript(), time.Now())
			if err := os.WriteFile(arg, []byte(page), 0o644); err != nil {
				view.Toast(err.Error(), true)
				continue
			}
			view.Toast("saved "+arg, false)
		default:
			view.Toast("unknown command /"+name, true)
		}
	}
}

func printHelp() {
	fmt.Println(`  /new                 start a new conversation
  /list                list stored conversations
  /load <n|id>         switch to a conversation from the list
  /delete <n|id>       delete a conversation
  /history             redraw the current conversation
  /model <name>        choose the model
  /personality <tag>   choose the personality
  /temp <t>            set the temperature
  /search <text>       search all stored messages
  /save <file.html>    write the conversation as HTML
  /exit                quit`)
}

// terminalView draws controller state on a terminal.
type terminalView struct {
	out io.Writer
	in  *bufio.Scanner

	mu   sync.Mutex
	list []models.Summary
}

func (v *terminalView) RenderTranscript(messages []models.Message) {
	if len(messages) == 0 {
		fmt.Fprintln(v.out, faint("(new conversation)"))
		return
	}
	for _, m := range messages {
		v.printMessage(m)
	}
}

// AppendMessage only prints replies; the terminal already echoed the
// user's own line.
func (v *terminalView) AppendMessage(msg models.Message) {
	if msg.Role == models.RoleAssistant {
		v.printMessage(msg)
	}
}

func (v *terminalView) printMessage(m models.Message) {
	label := boldGreen("You:")
	if m.Role == models.RoleAssistant {
		label = boldCyan("Assistant:")
	}
	stamp := ""
	if !m.Timestamp.IsZero() {
		stamp = " " + faint(client.FormatTimestamp(m.Timestamp, time.Now()))
	}
	fmt.Fprintf(v.out, "%s%s %s\n\n", label, stamp, m.Content)
}

func (v *terminalView) SetTyping(on bool) {
	if on {
		fmt.Fprintln(v.out, faint("Assistant is typing..."))
	}
}

func (v *terminalView) SetInputEnabled(bool) {}

func (v *terminalView) Toast(text string, isError bool) {
	if isError {
		fmt.Fprintln(v.out, red("Error: "+text))
		return
	}
	fmt.Fprintln(v.out, boldYellow(text))
}

func (v *terminalView) Confirm(prompt string) bool {
	fmt.Fprintf(v.out, "%s [y/N] ", prompt)
	if !v.in.Scan() {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(v.in.Text()))
	return answer == "y" || answer == "yes"
}

func (v *terminalView) RenderConversations(list []models.Summary, _ string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.list = list
}

func (v *terminalView) printList(activeID string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if len(v.list) == 0 {
		fmt.Fprintln(v.out, faint("no conversations yet"))
		return
	}
	now := time.Now()
	for i, s := range v.list {
		marker := "  "
		if s.ID == activeID {
			marker = boldGreen("* ")
		}
		fmt.Fprintf(v.out, "%s%2d. %s %s %s\n", marker, i+1, s.Preview,
			faint(fmt.Sprintf("(%d messages, %s)", s.MessageCount, s.Model)),
			faint(client.FormatTimestamp(s.UpdatedAt, now)))
	}
}

// resolve accepts a 1-based index into the last listed conversations or a
// literal id.
func (v *terminalView) resolve(arg string) (string, bool) {
	if arg == "" {
		v.Toast("a conversation number or id is required", true)
		return "", false
	}
	n, err := strconv.Atoi(arg)
	if err != nil {
		return arg, true
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if n < 1 || n > len(v.list) {
		fmt.Fprintln(v.out, red(fmt.Sprintf("Error: no conversation %d; run /list", n)))
		return "", false
	}
	return v.list[n-1].ID, true
}
