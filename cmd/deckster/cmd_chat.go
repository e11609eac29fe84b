package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/ashureev/deckster/internal/domain"
	"github.com/ashureev/deckster/internal/orchestrator"
	"github.com/ashureev/deckster/internal/projector"
	"github.com/spf13/cobra"
)

var (
	chatSession string
	chatOwner   string
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Start or resume a conversation in the terminal",
	Long: `Opens a new session (or resumes one with --session) and reads one
message per line from stdin. Type /quit or send EOF to leave.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()

		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		return runChat(ctx, a.Conversations, chatOwner, chatSession, cmd.InOrStdin(), cmd.OutOrStdout())
	},
}

func init() {
	chatCmd.Flags().StringVar(&chatSession, "session", "", "resume an existing session")
	chatCmd.Flags().StringVar(&chatOwner, "owner", "cli", "owner id for new sessions")
}

// engine is the subset of the orchestrator the CLI drives.
type engine interface {
	Open(ctx context.Context, ownerID string) (*domain.Session, domain.Event, error)
	Process(ctx context.Context, sessionID, text string) (*domain.Session, domain.Event, error)
	Session(ctx context.Context, id string) (*domain.Session, error)
}

func runChat(ctx context.Context, e engine, ownerID, sessionID string, in io.Reader, out io.Writer) error {
	proj := projector.New()

	if sessionID == "" {
		sess, ev, err := e.Open(ctx, ownerID)
		if err != nil {
			return fmt.Errorf("open session: %w", err)
		}
		sessionID = sess.ID
		fmt.Fprintf(out, "session %s\n", sessionID)
		render(out, proj.Project(sess.State, ev))
	} else {
		sess, err := e.Session(ctx, sessionID)
		if err != nil {
			return fmt.Errorf("resume session: %w", err)
		}
		render(out, []projector.OutboundMessage{proj.Resumed(sess.ID, sess.State)})
	}

	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}
		text := strings.TrimSpace(scanner.Text())
		switch text {
		case "":
			continue
		case "/quit", "/exit":
			return nil
		}

		sess, ev, err := e.Process(ctx, sessionID, text)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, orchestrator.ErrPersistence) {
				fmt.Fprintln(out, "! your message could not be saved, please send it again")
				continue
			}
			return err
		}
		render(out, proj.Project(sess.State, ev))
	}
}

// render prints outbound messages as plain text.
func render(out io.Writer, msgs []projector.OutboundMessage) {
	for _, m := range msgs {
		switch m.Type {
		case projector.TypeChat:
			var p projector.ChatPayload
			if json.Unmarshal(m.Payload, &p) != nil {
				continue
			}
			fmt.Fprintln(out, p.Text)
			for _, item := range p.ListItems {
				fmt.Fprintf(out, "  - %s\n", item)
			}
		case projector.TypeAction:
			var p projector.ActionPayload
			if json.Unmarshal(m.Payload, &p) != nil {
				continue
			}
			labels := make([]string, 0, len(p.Actions))
			for _, a := range p.Actions {
				labels = append(labels, fmt.Sprintf("[%s: %q]", a.Label, a.Value))
			}
			fmt.Fprintf(out, "%s %s\n", p.Prompt, strings.Join(labels, " "))
		case projector.TypeStatus:
			var p projector.StatusPayload
			if json.Unmarshal(m.Payload, &p) != nil {
				continue
			}
			fmt.Fprintf(out, "(%s) %s\n", p.Status, p.Text)
		case projector.TypeArtifact:
			var p projector.ArtifactPayload
			if json.Unmarshal(m.Payload, &p) != nil {
				continue
			}
			fmt.Fprintf(out, "%s (%d slides)\n", p.MainTitle, p.SlideCount)
			for i, title := range p.SlideTitles {
				fmt.Fprintf(out, "  %2d. %s\n", i+1, title)
			}
			for _, c := range p.Changes {
				fmt.Fprintf(out, "  * %s\n", c)
			}
			if p.URL != "" {
				fmt.Fprintf(out, "  %s\n", p.URL)
			}
		}
	}
}
