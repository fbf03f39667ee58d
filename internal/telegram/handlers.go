package telegram

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/PaulSonOfLars/gotgbot/v2/ext"

	"polychat/internal/conversation"
	"polychat/internal/queue"
	"polychat/internal/storage"
)

var modelNameRegex = regexp.MustCompile(`^[a-zA-Z0-9._-]{1,64}$`)

const chatListLimit = 10

func (s *Service) help(b *gotgbot.Bot, ctx *ext.Context) error {
	return s.reply(ctx, b, s.helpText())
}

func (s *Service) start(b *gotgbot.Bot, ctx *ext.Context) error {
	return s.sendMainMenu(ctx, b)
}

func (s *Service) cancelWizard(b *gotgbot.Bot, ctx *ext.Context) error {
	owner, ok := s.owner(ctx, b)
	if !ok {
		return nil
	}
	if err := s.wizard.Clear(context.Background(), owner); err != nil {
		return s.reply(ctx, b, "Failed to cancel wizard right now.")
	}
	return s.reply(ctx, b, "Wizard canceled.")
}

func (s *Service) modelAdd(b *gotgbot.Bot, ctx *ext.Context) error {
	owner, ok := s.owner(ctx, b)
	if !ok {
		return nil
	}
	state := wizardState{Flow: flowModel, Step: stepProvider}
	if kind := strings.TrimSpace(commandRemainder(ctx.EffectiveMessage.GetText())); kind != "" {
		prompt, _ := advance(&state, kind, s.chats.Catalog())
		if err := s.wizard.Set(context.Background(), owner, state); err != nil {
			return s.reply(ctx, b, "Failed to start wizard.")
		}
		return s.reply(ctx, b, prompt)
	}
	if err := s.wizard.Set(context.Background(), owner, state); err != nil {
		return s.reply(ctx, b, "Failed to start wizard.")
	}
	return s.reply(ctx, b, "Adding a model. /cancel stops the wizard.\n\n"+providerPrompt(s.chats.Catalog()))
}

func (s *Service) models(b *gotgbot.Bot, ctx *ext.Context) error {
	owner, ok := s.owner(ctx, b)
	if !ok {
		return nil
	}
	text, err := s.buildModelListText(owner)
	if err != nil {
		s.logger.Error().Err(err).Msg("list models failed")
		return s.reply(ctx, b, "Failed to load models.")
	}
	return s.reply(ctx, b, text)
}

func (s *Service) modelUse(b *gotgbot.Bot, ctx *ext.Context) error {
	owner, m, ok := s.modelArg(ctx, b, "/model_use <name>")
	if !ok {
		return nil
	}
	if err := s.chats.UseModel(context.Background(), owner, m.ID); err != nil {
		if errors.Is(err, conversation.ErrModelDisabled) {
			return s.reply(ctx, b, "This model is disabled. Enable it first with /model_toggle "+m.Name)
		}
		s.logger.Error().Err(err).Msg("use model failed")
		return s.reply(ctx, b, "Failed to set default model.")
	}

	msg := "New conversations use " + m.Name + "."
	if conv, err := s.chats.Active(context.Background(), owner); err == nil && conv.ModelConfigID != m.ID {
		if err := s.chats.ChangeModel(context.Background(), owner, conv.ID, m.ID); err == nil {
			msg += " The active conversation switched to it too."
		}
	}
	return s.reply(ctx, b, msg)
}

func (s *Service) modelToggle(b *gotgbot.Bot, ctx *ext.Context) error {
	owner, m, ok := s.modelArg(ctx, b, "/model_toggle <name>")
	if !ok {
		return nil
	}
	enabled, err := s.chats.ToggleModel(context.Background(), owner, m.ID)
	if err != nil {
		s.logger.Error().Err(err).Msg("toggle model failed")
		return s.reply(ctx, b, "Failed to toggle model.")
	}
	if enabled {
		return s.reply(ctx, b, m.Name+" enabled.")
	}
	return s.reply(ctx, b, m.Name+" disabled.")
}

func (s *Service) modelDel(b *gotgbot.Bot, ctx *ext.Context) error {
	owner, m, ok := s.modelArg(ctx, b, "/model_del <name>")
	if !ok {
		return nil
	}
	if err := s.chats.DeleteModel(context.Background(), owner, m.ID); err != nil {
		if errors.Is(err, storage.ErrInUse) {
			return s.reply(ctx, b, "Conversations still use this model. Delete them or disable the model with /model_toggle.")
		}
		s.logger.Error().Err(err).Msg("delete model failed")
		return s.reply(ctx, b, "Failed to delete model.")
	}
	return s.reply(ctx, b, "Model deleted.")
}

func (s *Service) modelArg(ctx *ext.Context, b *gotgbot.Bot, usage string) (int64, storage.ModelConfig, bool) {
	owner, ok := s.owner(ctx, b)
	if !ok {
		return 0, storage.ModelConfig{}, false
	}
	name := strings.TrimSpace(commandRemainder(ctx.EffectiveMessage.GetText()))
	if name == "" {
		_ = s.reply(ctx, b, "Usage: "+usage)
		return 0, storage.ModelConfig{}, false
	}
	m, err := s.chats.ModelByName(context.Background(), owner, name)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			_ = s.reply(ctx, b, "Model not found. See /models.")
		} else {
			s.logger.Error().Err(err).Msg("get model failed")
			_ = s.reply(ctx, b, "Failed to read model.")
		}
		return 0, storage.ModelConfig{}, false
	}
	return owner, m, true
}

func (s *Service) presetAdd(b *gotgbot.Bot, ctx *ext.Context) error {
	owner, ok := s.owner(ctx, b)
	if !ok {
		return nil
	}
	if err := s.wizard.Set(context.Background(), owner, wizardState{Flow: flowPreset, Step: stepName}); err != nil {
		return s.reply(ctx, b, "Failed to start wizard.")
	}
	return s.reply(ctx, b, "Adding a preset. /cancel stops the wizard.\n\nSend a name for the preset.")
}

func (s *Service) presets(b *gotgbot.Bot, ctx *ext.Context) error {
	owner, ok := s.owner(ctx, b)
	if !ok {
		return nil
	}
	text, err := s.buildPresetListText(owner)
	if err != nil {
		s.logger.Error().Err(err).Msg("list presets failed")
		return s.reply(ctx, b, "Failed to load presets.")
	}
	return s.reply(ctx, b, text)
}

func (s *Service) presetDel(b *gotgbot.Bot, ctx *ext.Context) error {
	owner, ok := s.owner(ctx, b)
	if !ok {
		return nil
	}
	name := strings.TrimSpace(commandRemainder(ctx.EffectiveMessage.GetText()))
	if name == "" {
		return s.reply(ctx, b, "Usage: /preset_del <name>")
	}
	p, err := s.chats.PresetByName(context.Background(), owner, name)
	if err == nil {
		err = s.chats.DeletePreset(context.Background(), owner, p.ID)
	}
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return s.reply(ctx, b, "Preset not found.")
		}
		s.logger.Error().Err(err).Msg("delete preset failed")
		return s.reply(ctx, b, "Failed to delete preset.")
	}
	return s.reply(ctx, b, "Preset deleted.")
}

func (s *Service) newChat(b *gotgbot.Bot, ctx *ext.Context) error {
	owner, ok := s.owner(ctx, b)
	if !ok {
		return nil
	}
	presetID := ""
	if name := strings.TrimSpace(commandRemainder(ctx.EffectiveMessage.GetText())); name != "" {
		p, err := s.chats.PresetByName(context.Background(), owner, name)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return s.reply(ctx, b, "Preset not found. See /presets.")
			}
			return s.reply(ctx, b, "Failed to read preset.")
		}
		presetID = p.ID
	}
	return s.startConversation(ctx, b, owner, presetID)
}

// startConversation queues a start job with the default model and an optional preset.
func (s *Service) startConversation(ctx *ext.Context, b *gotgbot.Bot, owner int64, presetID string) error {
	m, err := s.chats.DefaultModel(context.Background(), owner)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return s.reply(ctx, b, "No enabled model yet. Add one with /model_add.")
		}
		s.logger.Error().Err(err).Msg("default model failed")
		return s.reply(ctx, b, "Failed to read models.")
	}

	job := queue.Job{Kind: queue.JobStart, OwnerID: owner, ChatID: ctx.EffectiveChat.Id, ModelConfigID: m.ID, PresetID: presetID}
	if ctx.CallbackQuery == nil && ctx.EffectiveMessage != nil {
		job.MessageID = ctx.EffectiveMessage.MessageId
	}
	return s.enqueue(ctx, b, job)
}

func (s *Service) listChats(b *gotgbot.Bot, ctx *ext.Context) error {
	owner, ok := s.owner(ctx, b)
	if !ok {
		return nil
	}
	text, markup, err := s.buildChatList(owner)
	if err != nil {
		s.logger.Error().Err(err).Msg("list conversations failed")
		return s.reply(ctx, b, "Failed to load conversations.")
	}
	return s.replyWithMarkup(ctx, b, text, markup)
}

func (s *Service) openChat(b *gotgbot.Bot, ctx *ext.Context) error {
	owner, ok := s.owner(ctx, b)
	if !ok {
		return nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(commandRemainder(ctx.EffectiveMessage.GetText())))
	if err != nil || n < 1 {
		return s.reply(ctx, b, "Usage: /open <number from /chats>")
	}
	convs, err := s.chats.List(context.Background(), owner, chatListLimit)
	if err != nil {
		return s.reply(ctx, b, "Failed to load conversations.")
	}
	if n > len(convs) {
		return s.reply(ctx, b, "No conversation with that number. See /chats.")
	}
	return s.activate(ctx, b, owner, convs[n-1].ID)
}

func (s *Service) activate(ctx *ext.Context, b *gotgbot.Bot, owner int64, conversationID string) error {
	if err := s.chats.SetActive(context.Background(), owner, conversationID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return s.reply(ctx, b, "Conversation not found.")
		}
		return s.reply(ctx, b, "Failed to open conversation.")
	}
	tr, err := s.chats.Get(context.Background(), owner, conversationID)
	if err != nil {
		return s.reply(ctx, b, "Failed to open conversation.")
	}
	return s.reply(ctx, b, fmt.Sprintf("Opened %q.\n\n%s", tr.Conversation.Title, formatHistory(tr.Messages, 4)))
}

func (s *Service) history(b *gotgbot.Bot, ctx *ext.Context) error {
	owner, conv, ok := s.activeConversation(ctx, b)
	if !ok {
		return nil
	}
	tr, err := s.chats.Get(context.Background(), owner, conv.ID)
	if err != nil {
		return s.reply(ctx, b, "Failed to load history.")
	}
	return s.reply(ctx, b, fmt.Sprintf("%s\n\n%s", tr.Conversation.Title, formatHistory(tr.Messages, 10)))
}

func (s *Service) renameChat(b *gotgbot.Bot, ctx *ext.Context) error {
	owner, conv, ok := s.activeConversation(ctx, b)
	if !ok {
		return nil
	}
	title := strings.TrimSpace(commandRemainder(ctx.EffectiveMessage.GetText()))
	if err := s.chats.Rename(context.Background(), owner, conv.ID, title); err != nil {
		if errors.Is(err, conversation.ErrInvalidInput) {
			return s.reply(ctx, b, "Usage: /rename <title>")
		}
		return s.reply(ctx, b, "Failed to rename conversation.")
	}
	return s.reply(ctx, b, "Renamed.")
}

func (s *Service) retry(b *gotgbot.Bot, ctx *ext.Context) error {
	owner, conv, ok := s.activeConversation(ctx, b)
	if !ok {
		return nil
	}
	return s.enqueue(ctx, b, queue.Job{
		Kind:           queue.JobRetry,
		OwnerID:        owner,
		ChatID:         ctx.EffectiveChat.Id,
		MessageID:      ctx.EffectiveMessage.MessageId,
		ConversationID: conv.ID,
	})
}

func (s *Service) deleteChat(b *gotgbot.Bot, ctx *ext.Context) error {
	owner, conv, ok := s.activeConversation(ctx, b)
	if !ok {
		return nil
	}
	if err := s.chats.Delete(context.Background(), owner, conv.ID); err != nil {
		if errors.Is(err, conversation.ErrBusy) {
			return s.reply(ctx, b, "The conversation is waiting for a reply. Try again in a moment.")
		}
		s.logger.Error().Err(err).Msg("delete conversation failed")
		return s.reply(ctx, b, "Failed to delete conversation.")
	}
	return s.reply(ctx, b, fmt.Sprintf("Deleted %q.", conv.Title))
}

func (s *Service) export(b *gotgbot.Bot, ctx *ext.Context) error {
	owner, conv, ok := s.activeConversation(ctx, b)
	if !ok {
		return nil
	}
	format := conversation.ExportFormat(strings.ToLower(strings.TrimSpace(commandRemainder(ctx.EffectiveMessage.GetText()))))
	if format == "" {
		format = conversation.FormatMarkdown
	}
	data, _, err := s.chats.Export(context.Background(), owner, conv.ID, format)
	if err != nil {
		if errors.Is(err, conversation.ErrInvalidInput) {
			return s.reply(ctx, b, "Usage: /export [md|html]")
		}
		s.logger.Error().Err(err).Msg("export failed")
		return s.reply(ctx, b, "Failed to export conversation.")
	}
	name := fileName(conv.Title) + "." + string(format)
	_, err = b.SendDocument(ctx.EffectiveChat.Id, gotgbot.InputFileByReader(name, bytes.NewReader(data)), &gotgbot.SendDocumentOpts{
		Caption: conv.Title,
	})
	return err
}

func (s *Service) privateText(b *gotgbot.Bot, ctx *ext.Context) error {
	if ctx.EffectiveChat == nil || ctx.EffectiveUser == nil || ctx.EffectiveMessage == nil {
		return nil
	}
	text := strings.TrimSpace(ctx.EffectiveMessage.GetText())
	if text == "" || strings.HasPrefix(text, "/") {
		return nil
	}
	owner := ctx.EffectiveUser.Id

	state, err := s.wizard.Get(context.Background(), owner)
	if err != nil {
		s.logger.Error().Err(err).Msg("wizard load failed")
		return s.reply(ctx, b, "Wizard state error. Start again or /cancel.")
	}
	if state != nil {
		return s.continueWizard(ctx, b, owner, state, text)
	}

	conv, err := s.chats.Active(context.Background(), owner)
	if errors.Is(err, storage.ErrNotFound) {
		m, derr := s.chats.DefaultModel(context.Background(), owner)
		if derr != nil {
			if errors.Is(derr, storage.ErrNotFound) {
				return s.reply(ctx, b, "No enabled model yet. Add one with /model_add.")
			}
			return s.reply(ctx, b, "Failed to read models.")
		}
		tr, serr := s.chats.Start(context.Background(), owner, conversation.StartParams{ModelConfigID: m.ID}, nil)
		if serr != nil {
			s.logger.Error().Err(serr).Msg("start conversation failed")
			return s.reply(ctx, b, "Failed to start a conversation.")
		}
		conv, err = tr.Conversation, nil
	}
	if err != nil {
		s.logger.Error().Err(err).Msg("active conversation failed")
		return s.reply(ctx, b, "Failed to load the active conversation.")
	}

	return s.enqueue(ctx, b, queue.Job{
		Kind:           queue.JobSend,
		OwnerID:        owner,
		ChatID:         ctx.EffectiveChat.Id,
		MessageID:      ctx.EffectiveMessage.MessageId,
		ConversationID: conv.ID,
		Text:           text,
	})
}

func (s *Service) continueWizard(ctx *ext.Context, b *gotgbot.Bot, owner int64, state *wizardState, text string) error {
	if state.Step == stepAPIKey {
		if _, err := b.DeleteMessage(ctx.EffectiveChat.Id, ctx.EffectiveMessage.MessageId, nil); err != nil {
			s.logger.Warn().Err(err).Msg("delete api key message failed")
		}
	}

	prompt, finished := advance(state, text, s.chats.Catalog())
	if !finished {
		if err := s.wizard.Set(context.Background(), owner, *state); err != nil {
			return s.reply(ctx, b, "Failed to persist wizard state.")
		}
		return s.reply(ctx, b, prompt)
	}

	var reply string
	var err error
	switch state.Flow {
	case flowPreset:
		reply, err = s.finishPresetWizard(owner, state)
	default:
		key := strings.TrimSpace(text)
		if skip(key) {
			key = ""
		}
		reply, err = s.finishModelWizard(owner, state, key)
	}
	if err != nil {
		if errors.Is(err, storage.ErrConflict) {
			_ = s.wizard.Clear(context.Background(), owner)
			return s.reply(ctx, b, "That name is already taken. Start again with another name.")
		}
		if errors.Is(err, conversation.ErrInvalidInput) {
			_ = s.wizard.Clear(context.Background(), owner)
			return s.reply(ctx, b, strings.TrimPrefix(err.Error(), conversation.ErrInvalidInput.Error()+": ")+". Start again.")
		}
		s.logger.Error().Err(err).Str("flow", state.Flow).Msg("finish wizard failed")
		return s.reply(ctx, b, "Failed to save. Try again.")
	}
	_ = s.wizard.Clear(context.Background(), owner)
	return s.reply(ctx, b, reply)
}

func (s *Service) finishModelWizard(owner int64, state *wizardState, apiKey string) (string, error) {
	in := conversation.ModelInput{
		Name:        state.Name,
		Provider:    state.Provider,
		BaseURL:     state.BaseURL,
		Model:       state.Model,
		Temperature: state.Temperature,
		MaxTokens:   state.MaxTokens,
	}
	if apiKey != "" {
		in.APIKey = &apiKey
	}
	if state.BodyTemplate != "" {
		in.Options = map[string]string{"body_template": state.BodyTemplate}
	}
	m, err := s.chats.CreateModel(context.Background(), owner, in)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Model %s saved (%s, %s). Start chatting with /new or just send a message.", m.Name, m.Provider, orNone(m.Model)), nil
}

func (s *Service) finishPresetWizard(owner int64, state *wizardState) (string, error) {
	p, err := s.chats.CreatePreset(context.Background(), owner, conversation.PresetInput{
		Name:     state.Name,
		Armoring: state.Armoring,
		System:   state.System,
	})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Preset %s saved. Start it with /new %s", p.Name, p.Name), nil
}

// owner returns the user id the data belongs to. The bot only works in private chats.
func (s *Service) owner(ctx *ext.Context, b *gotgbot.Bot) (int64, bool) {
	if ctx.EffectiveChat == nil || ctx.EffectiveUser == nil || ctx.EffectiveMessage == nil {
		return 0, false
	}
	if ctx.EffectiveChat.Type != "private" {
		_ = s.reply(ctx, b, "Talk to me in a private chat.")
		return 0, false
	}
	return ctx.EffectiveUser.Id, true
}

func (s *Service) activeConversation(ctx *ext.Context, b *gotgbot.Bot) (int64, storage.Conversation, bool) {
	owner, ok := s.owner(ctx, b)
	if !ok {
		return 0, storage.Conversation{}, false
	}
	conv, err := s.chats.Active(context.Background(), owner)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			_ = s.reply(ctx, b, "No active conversation. Start one with /new or pick one with /chats.")
		} else {
			s.logger.Error().Err(err).Msg("active conversation failed")
			_ = s.reply(ctx, b, "Failed to load the active conversation.")
		}
		return 0, storage.Conversation{}, false
	}
	return owner, conv, true
}

func (s *Service) enqueue(ctx *ext.Context, b *gotgbot.Bot, job queue.Job) error {
	if !s.allowRate(job.OwnerID, b, ctx) {
		return nil
	}
	if _, err := s.queue.Enqueue(context.Background(), job); err != nil {
		s.logger.Error().Err(err).Str("kind", string(job.Kind)).Msg("failed to enqueue job")
		return s.reply(ctx, b, "Queue is unavailable right now.")
	}
	s.metrics.EnqueuedJobs.Inc()
	_, _ = b.SendChatAction(job.ChatID, "typing", nil)
	return nil
}

func (s *Service) allowRate(ownerID int64, b *gotgbot.Bot, ctx *ext.Context) bool {
	if ownerID == 0 || s.rateLimiter == nil {
		return true
	}
	q, err := s.rateLimiter.Allow(context.Background(), ownerID, s.now())
	if err != nil {
		s.logger.Error().Err(err).Msg("rate limiter failed")
		return true
	}
	if q.Allowed {
		return true
	}
	_ = s.reply(ctx, b, "Rate limit reached. Try again after "+q.ResetAt.Format("15:04 UTC"))
	return false
}

func (s *Service) reply(ctx *ext.Context, b *gotgbot.Bot, text string) error {
	if ctx.EffectiveChat == nil {
		return nil
	}
	_, err := b.SendMessage(ctx.EffectiveChat.Id, text, nil)
	return err
}

func commandRemainder(text string) string {
	parts := strings.SplitN(strings.TrimSpace(text), " ", 2)
	if len(parts) < 2 {
		return ""
	}
	return parts[1]
}

// formatHistory renders the last limit messages of a conversation as plain text.
func formatHistory(msgs []storage.Message, limit int) string {
	if len(msgs) == 0 {
		return "No messages yet."
	}
	start := 0
	if limit > 0 && len(msgs) > limit {
		start = len(msgs) - limit
	}
	lines := make([]string, 0, len(msgs)-start+1)
	if start > 0 {
		lines = append(lines, fmt.Sprintf("(%d earlier messages)", start))
	}
	for _, m := range msgs[start:] {
		speaker := "You"
		if m.Role == storage.RoleAssistant {
			speaker = "Model"
			if m.IsError {
				speaker = "Error"
			}
		}
		lines = append(lines, fmt.Sprintf("%s: %s", speaker, truncateRunes(m.Content, 600)))
	}
	return truncateRunes(strings.Join(lines, "\n\n"), 4000)
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func fileName(title string) string {
	out := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		case r == ' ':
			return '_'
		default:
			return -1
		}
	}, title)
	if out == "" {
		return "conversation"
	}
	return out
}
