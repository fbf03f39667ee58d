package telegram

import (
	"context"
	"fmt"
	"strings"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/PaulSonOfLars/gotgbot/v2/ext"

	"polychat/internal/storage"
)

const (
	cbPrefix = "pc:"

	cbMenu     = cbPrefix + "menu"
	cbHelp     = cbPrefix + "help"
	cbModels   = cbPrefix + "models"
	cbPresets  = cbPrefix + "presets"
	cbChats    = cbPrefix + "chats"
	cbNew      = cbPrefix + "new"
	cbModelAdd = cbPrefix + "model_add"

	// cbOpenPrefix and cbStartPrefix are followed by a conversation or preset id.
	cbOpenPrefix  = cbPrefix + "open:"
	cbStartPrefix = cbPrefix + "start:"
)

func (s *Service) menu(b *gotgbot.Bot, ctx *ext.Context) error {
	return s.sendMainMenu(ctx, b)
}

func (s *Service) sendMainMenu(ctx *ext.Context, b *gotgbot.Bot) error {
	return s.replyWithMarkup(ctx, b, s.mainMenuText(ctx), s.mainMenuKeyboard())
}

func (s *Service) mainMenuText(ctx *ext.Context) string {
	lines := []string{
		"PolyChat",
		"",
		"Chat with any LLM provider you configure. Presets prime a new conversation",
		"with an armoring text and a system text before you start.",
		"",
		"Just send a message to talk in the active conversation.",
	}
	if ctx != nil && ctx.EffectiveUser != nil {
		if conv, err := s.chats.Active(context.Background(), ctx.EffectiveUser.Id); err == nil {
			lines = append(lines, "", fmt.Sprintf("Active conversation: %s", conv.Title))
		}
		if m, err := s.chats.DefaultModel(context.Background(), ctx.EffectiveUser.Id); err == nil {
			lines = append(lines, fmt.Sprintf("Default model: %s", m.Name))
		}
	}
	return strings.Join(lines, "\n")
}

func (s *Service) helpText() string {
	return strings.Join([]string{
		"Models:",
		"/model_add [provider] - add a model (wizard)",
		"/models - list models",
		"/model_use <name> - default model for new conversations",
		"/model_toggle <name> - enable or disable",
		"/model_del <name>",
		"",
		"Presets:",
		"/preset_add - add a preset (wizard)",
		"/presets - list presets",
		"/preset_del <name>",
		"",
		"Conversations:",
		"/new [preset] - start a conversation",
		"/chats - recent conversations",
		"/open <n> - switch to a conversation from /chats",
		"/history - last messages",
		"/rename <title>",
		"/retry - answer the last message again after an error",
		"/export [md|html]",
		"/chat_del - delete the active conversation",
		"",
		"/cancel - stop a wizard",
		fmt.Sprintf("Access mode: %s", s.accessMode),
	}, "\n")
}

func (s *Service) buildModelListText(owner int64) (string, error) {
	models, err := s.chats.ListModels(context.Background(), owner)
	if err != nil {
		return "", err
	}
	if len(models) == 0 {
		return "No models configured. Add one with /model_add.", nil
	}
	def, _ := s.chats.DefaultModel(context.Background(), owner)

	lines := []string{"Models:"}
	for _, m := range models {
		line := fmt.Sprintf("- %s: %s / %s, t=%g", m.Name, m.Provider, orNone(m.Model), m.Temperature)
		if m.MaxTokens > 0 {
			line += fmt.Sprintf(", max %d", m.MaxTokens)
		}
		if m.ID == def.ID {
			line += " [default]"
		}
		if !m.Enabled {
			line += " [disabled]"
		}
		if !m.HasAPIKey() {
			line += " [no key]"
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n"), nil
}

func (s *Service) buildPresetListText(owner int64) (string, error) {
	text, _, err := s.buildPresetList(owner)
	return text, err
}

func (s *Service) buildPresetList(owner int64) (string, *gotgbot.InlineKeyboardMarkup, error) {
	presets, err := s.chats.ListPresets(context.Background(), owner)
	if err != nil {
		return "", nil, err
	}
	if len(presets) == 0 {
		return "No presets yet. Add one with /preset_add.", s.backToMenuKeyboard(), nil
	}
	lines := []string{"Presets (tap to start a conversation):"}
	rows := [][]gotgbot.InlineKeyboardButton{}
	for _, p := range presets {
		lines = append(lines, fmt.Sprintf("- %s: %s", p.Name, presetSummary(p)))
		rows = append(rows, []gotgbot.InlineKeyboardButton{{Text: p.Name, CallbackData: cbStartPrefix + p.ID}})
	}
	rows = append(rows, []gotgbot.InlineKeyboardButton{{Text: "Back to menu", CallbackData: cbMenu}})
	return strings.Join(lines, "\n"), &gotgbot.InlineKeyboardMarkup{InlineKeyboard: rows}, nil
}

func presetSummary(p storage.Preset) string {
	var parts []string
	if p.Armoring != "" {
		parts = append(parts, "armoring "+truncateRunes(p.Armoring, 40))
	}
	if p.System != "" {
		parts = append(parts, "system "+truncateRunes(p.System, 40))
	}
	if len(parts) == 0 {
		return "no priming"
	}
	return strings.Join(parts, "; ")
}

func (s *Service) buildChatList(owner int64) (string, *gotgbot.InlineKeyboardMarkup, error) {
	convs, err := s.chats.List(context.Background(), owner, chatListLimit)
	if err != nil {
		return "", nil, err
	}
	if len(convs) == 0 {
		return "No conversations yet. Start one with /new.", s.backToMenuKeyboard(), nil
	}
	activeID := ""
	if conv, err := s.chats.Active(context.Background(), owner); err == nil {
		activeID = conv.ID
	}
	return formatChatList(convs, activeID), chatListKeyboard(convs), nil
}

func formatChatList(convs []storage.Conversation, activeID string) string {
	lines := []string{"Recent conversations:"}
	for i, c := range convs {
		line := fmt.Sprintf("%d. %s (%s)", i+1, c.Title, c.UpdatedAt.UTC().Format("Jan 2 15:04"))
		if c.ID == activeID {
			line += " [active]"
		}
		lines = append(lines, line)
	}
	lines = append(lines, "", "Open one with /open <n> or the buttons below.")
	return strings.Join(lines, "\n")
}

func chatListKeyboard(convs []storage.Conversation) *gotgbot.InlineKeyboardMarkup {
	rows := [][]gotgbot.InlineKeyboardButton{}
	row := []gotgbot.InlineKeyboardButton{}
	for i, c := range convs {
		row = append(row, gotgbot.InlineKeyboardButton{Text: fmt.Sprintf("%d", i+1), CallbackData: cbOpenPrefix + c.ID})
		if len(row) == 5 {
			rows = append(rows, row)
			row = []gotgbot.InlineKeyboardButton{}
		}
	}
	if len(row) > 0 {
		rows = append(rows, row)
	}
	rows = append(rows, []gotgbot.InlineKeyboardButton{{Text: "Back to menu", CallbackData: cbMenu}})
	return &gotgbot.InlineKeyboardMarkup{InlineKeyboard: rows}
}

func (s *Service) mainMenuKeyboard() *gotgbot.InlineKeyboardMarkup {
	return &gotgbot.InlineKeyboardMarkup{InlineKeyboard: [][]gotgbot.InlineKeyboardButton{
		{
			{Text: "New conversation", CallbackData: cbNew},
			{Text: "Conversations", CallbackData: cbChats},
		},
		{
			{Text: "Models", CallbackData: cbModels},
			{Text: "Presets", CallbackData: cbPresets},
		},
		{
			{Text: "Add model", CallbackData: cbModelAdd},
			{Text: "Help", CallbackData: cbHelp},
		},
	}}
}

func (s *Service) backToMenuKeyboard() *gotgbot.InlineKeyboardMarkup {
	return &gotgbot.InlineKeyboardMarkup{InlineKeyboard: [][]gotgbot.InlineKeyboardButton{
		{{Text: "Back to menu", CallbackData: cbMenu}},
	}}
}

func (s *Service) replyWithMarkup(ctx *ext.Context, b *gotgbot.Bot, text string, markup *gotgbot.InlineKeyboardMarkup) error {
	if ctx == nil || ctx.EffectiveChat == nil {
		return nil
	}
	opts := &gotgbot.SendMessageOpts{}
	if markup != nil {
		opts.ReplyMarkup = *markup
	}
	_, err := b.SendMessage(ctx.EffectiveChat.Id, text, opts)
	return err
}
