package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"polychat/internal/conversation"
	"polychat/internal/storage"
)

type chatCmd struct {
	New    chatNewCmd    `cmd:"" help:"Start a conversation, primed with a preset."`
	Send   chatSendCmd   `cmd:"" help:"Send a message to a conversation."`
	Retry  chatRetryCmd  `cmd:"" help:"Answer the last message again after a failure."`
	Repl   chatReplCmd   `cmd:"" help:"Chat interactively, one message per line."`
	List   chatListCmd   `cmd:"" help:"List recent conversations."`
	Show   chatShowCmd   `cmd:"" help:"Print a conversation."`
	Open   chatOpenCmd   `cmd:"" help:"Make a conversation the active one."`
	Model  chatModelCmd  `cmd:"" help:"Switch the model of a conversation."`
	Rename chatRenameCmd `cmd:"" help:"Rename a conversation."`
	Rm     chatRmCmd     `cmd:"" help:"Delete a conversation."`
	Export chatExportCmd `cmd:"" help:"Export a conversation as markdown or HTML."`
}

// streamPrinter writes the new part of each cumulative update, so replies appear as they
// are generated.
type streamPrinter struct {
	out     io.Writer
	step    conversation.Step
	printed string
	open    bool
}

func (p *streamPrinter) update(step conversation.Step, text string, done bool) error {
	if !p.open || step != p.step {
		if p.open {
			fmt.Fprintln(p.out)
		}
		if step != conversation.StepReply {
			fmt.Fprintf(p.out, "[%s]\n", step)
		}
		p.step, p.printed, p.open = step, "", true
	}
	if strings.HasPrefix(text, p.printed) {
		fmt.Fprint(p.out, text[len(p.printed):])
	} else {
		fmt.Fprint(p.out, "\n"+text)
	}
	p.printed = text
	if done {
		fmt.Fprintln(p.out)
		p.open = false
	}
	return nil
}

// failed prints a reply that was stored as an error.
func (p *streamPrinter) failed(msg storage.Message) {
	if p.open {
		fmt.Fprintln(p.out)
		p.open = false
	}
	fmt.Fprintf(p.out, "! %s\n", msg.Content)
}

func (a *app) printer() *streamPrinter {
	return &streamPrinter{out: a.out}
}

// conversationID resolves an explicit id or falls back to the active conversation.
func (a *app) conversationID(id string) (string, error) {
	if id != "" {
		return id, nil
	}
	return a.activeConversation()
}

type chatNewCmd struct {
	Model  string `short:"m" help:"Model configuration name; defaults to the default model."`
	Preset string `short:"p" help:"Preset name."`
	Title  string `short:"t" help:"Conversation title."`
}

func (c *chatNewCmd) Run(a *app) error {
	var model storage.ModelConfig
	var err error
	if c.Model != "" {
		model, err = a.chats.ModelByName(a.ctx, a.owner, c.Model)
	} else {
		model, err = a.chats.DefaultModel(a.ctx, a.owner)
		if errors.Is(err, storage.ErrNotFound) {
			return errors.New("no enabled model: add one with `models add`")
		}
	}
	if err != nil {
		return err
	}

	params := conversation.StartParams{ModelConfigID: model.ID, Title: c.Title}
	if c.Preset != "" {
		p, err := a.chats.PresetByName(a.ctx, a.owner, c.Preset)
		if err != nil {
			return err
		}
		params.PresetID = p.ID
	}

	pr := a.printer()
	tr, err := a.chats.Start(a.ctx, a.owner, params, pr.update)
	if err != nil {
		return err
	}
	for _, m := range tr.Messages {
		if m.IsError {
			pr.failed(m)
		}
	}
	a.printf("Conversation %q (%s) is ready.\n", tr.Conversation.Title, tr.Conversation.ID)
	return nil
}

type chatSendCmd struct {
	ID   string   `help:"Conversation id; defaults to the active conversation."`
	Text []string `arg:"" help:"Message text."`
}

func (c *chatSendCmd) Run(a *app) error {
	id, err := a.conversationID(c.ID)
	if err != nil {
		return err
	}
	return a.send(id, strings.Join(c.Text, " "))
}

func (a *app) send(id, text string) error {
	pr := a.printer()
	msg, err := a.chats.Send(a.ctx, a.owner, id, text, pr.update)
	if err != nil {
		return err
	}
	if msg.IsError {
		pr.failed(msg)
	}
	return nil
}

func (a *app) retry(id string) error {
	pr := a.printer()
	msg, err := a.chats.Retry(a.ctx, a.owner, id, pr.update)
	if err != nil {
		return err
	}
	if msg.IsError {
		pr.failed(msg)
	}
	return nil
}

type chatRetryCmd struct {
	ID string `arg:"" optional:"" help:"Conversation id; defaults to the active conversation."`
}

func (c *chatRetryCmd) Run(a *app) error {
	id, err := a.conversationID(c.ID)
	if err != nil {
		return err
	}
	return a.retry(id)
}

type chatReplCmd struct {
	ID string `arg:"" optional:"" help:"Conversation id; defaults to the active conversation."`
}

func (c *chatReplCmd) Run(a *app) error {
	id, err := a.conversationID(c.ID)
	if err != nil {
		return err
	}
	a.printf("Type a message and press enter. /retry answers again, /quit leaves.\n")
	sc := bufio.NewScanner(a.in)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for {
		a.printf("> ")
		if !sc.Scan() {
			break
		}
		line := strings.TrimSpace(sc.Text())
		switch line {
		case "":
			continue
		case "/quit", "/exit":
			return nil
		case "/retry":
			err = a.retry(id)
		default:
			err = a.send(id, line)
		}
		if errors.Is(err, conversation.ErrNothingToRetry) {
			a.printf("Nothing to retry.\n")
			continue
		}
		if err != nil {
			return err
		}
	}
	return sc.Err()
}

type chatListCmd struct {
	Limit int `short:"n" default:"20" help:"How many conversations to show."`
}

func (c *chatListCmd) Run(a *app) error {
	convs, err := a.chats.List(a.ctx, a.owner, c.Limit)
	if err != nil {
		return err
	}
	if len(convs) == 0 {
		a.printf("No conversations yet. Start one with `chat new`.\n")
		return nil
	}
	activeID := ""
	if conv, err := a.chats.Active(a.ctx, a.owner); err == nil {
		activeID = conv.ID
	}
	tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "\tID\tTITLE\tUPDATED")
	for _, conv := range convs {
		mark := ""
		if conv.ID == activeID {
			mark = "*"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", mark, conv.ID, conv.Title, conv.UpdatedAt.Local().Format("Jan 2 15:04"))
	}
	return tw.Flush()
}

type chatShowCmd struct {
	ID string `arg:"" optional:"" help:"Conversation id; defaults to the active conversation."`
}

func (c *chatShowCmd) Run(a *app) error {
	id := c.ID
	if id == "" {
		conv, err := a.chats.Active(a.ctx, a.owner)
		if err != nil {
			return fmt.Errorf("no active conversation: %w", err)
		}
		id = conv.ID
	}
	tr, err := a.chats.Get(a.ctx, a.owner, id)
	if err != nil {
		return err
	}
	_, err = io.WriteString(a.out, conversation.RenderMarkdown(tr))
	return err
}

type chatOpenCmd struct {
	ID string `arg:""`
}

func (c *chatOpenCmd) Run(a *app) error {
	if err := a.chats.SetActive(a.ctx, a.owner, c.ID); err != nil {
		return err
	}
	a.printf("Switched to %s.\n", c.ID)
	return nil
}

type chatModelCmd struct {
	Model string `arg:"" help:"Model configuration name."`
	ID    string `help:"Conversation id; defaults to the active conversation."`
}

func (c *chatModelCmd) Run(a *app) error {
	id, err := a.conversationID(c.ID)
	if err != nil {
		return err
	}
	m, err := a.chats.ModelByName(a.ctx, a.owner, c.Model)
	if err != nil {
		return err
	}
	if err := a.chats.ChangeModel(a.ctx, a.owner, id, m.ID); err != nil {
		return err
	}
	a.printf("Next replies use %s.\n", m.Name)
	return nil
}

type chatRenameCmd struct {
	ID    string   `arg:""`
	Title []string `arg:""`
}

func (c *chatRenameCmd) Run(a *app) error {
	return a.chats.Rename(a.ctx, a.owner, c.ID, strings.Join(c.Title, " "))
}

type chatRmCmd struct {
	ID string `arg:""`
}

func (c *chatRmCmd) Run(a *app) error {
	if err := a.chats.Delete(a.ctx, a.owner, c.ID); err != nil {
		return err
	}
	a.printf("Deleted %s.\n", c.ID)
	return nil
}

type chatExportCmd struct {
	ID     string `arg:""`
	Format string `short:"f" default:"md" enum:"md,html" help:"Output format."`
	Out    string `short:"o" help:"Write to a file instead of stdout."`
}

func (c *chatExportCmd) Run(a *app) error {
	body, _, err := a.chats.Export(a.ctx, a.owner, c.ID, conversation.ExportFormat(c.Format))
	if err != nil {
		return err
	}
	if c.Out == "" {
		_, err = a.out.Write(body)
		return err
	}
	if err := os.WriteFile(c.Out, body, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", c.Out, err)
	}
	a.printf("Wrote %s.\n", c.Out)
	return nil
}
