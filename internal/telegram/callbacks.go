package telegram

import (
	"context"
	"fmt"
	"strings"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/PaulSonOfLars/gotgbot/v2/ext"
)

func (s *Service) onCallback(b *gotgbot.Bot, ctx *ext.Context) error {
	if ctx == nil || ctx.CallbackQuery == nil || ctx.EffectiveChat == nil {
		return nil
	}
	owner := ctx.CallbackQuery.From.Id
	if ctx.EffectiveChat.Type != "private" {
		s.answerCallback(b, ctx, "Talk to me in a private chat.", true)
		return nil
	}

	data := strings.TrimSpace(ctx.CallbackQuery.Data)
	switch {
	case strings.HasPrefix(data, cbOpenPrefix):
		s.answerCallback(b, ctx, "", false)
		return s.activate(ctx, b, owner, strings.TrimPrefix(data, cbOpenPrefix))
	case strings.HasPrefix(data, cbStartPrefix):
		s.answerCallback(b, ctx, "Starting…", false)
		return s.startConversation(ctx, b, owner, strings.TrimPrefix(data, cbStartPrefix))
	}

	s.answerCallback(b, ctx, "", false)
	switch data {
	case cbMenu:
		return s.editOrReplyCallback(ctx, b, s.mainMenuText(ctx), s.mainMenuKeyboard())

	case cbHelp:
		return s.editOrReplyCallback(ctx, b, s.helpText(), s.backToMenuKeyboard())

	case cbModels:
		text, err := s.buildModelListText(owner)
		if err != nil {
			s.answerCallback(b, ctx, "Failed to load models.", true)
			return nil
		}
		return s.editOrReplyCallback(ctx, b, text, s.backToMenuKeyboard())

	case cbPresets:
		text, markup, err := s.buildPresetList(owner)
		if err != nil {
			s.answerCallback(b, ctx, "Failed to load presets.", true)
			return nil
		}
		return s.editOrReplyCallback(ctx, b, text, markup)

	case cbChats:
		text, markup, err := s.buildChatList(owner)
		if err != nil {
			s.answerCallback(b, ctx, "Failed to load conversations.", true)
			return nil
		}
		return s.editOrReplyCallback(ctx, b, text, markup)

	case cbNew:
		return s.startConversation(ctx, b, owner, "")

	case cbModelAdd:
		if err := s.wizard.Set(context.Background(), owner, wizardState{Flow: flowModel, Step: stepProvider}); err != nil {
			return s.reply(ctx, b, "Failed to start wizard.")
		}
		return s.reply(ctx, b, "Adding a model. /cancel stops the wizard.\n\n"+providerPrompt(s.chats.Catalog()))

	default:
		s.answerCallback(b, ctx, fmt.Sprintf("Unknown action: %s", data), true)
		return nil
	}
}

func (s *Service) answerCallback(b *gotgbot.Bot, ctx *ext.Context, text string, alert bool) {
	if ctx == nil || ctx.CallbackQuery == nil {
		return
	}
	opts := &gotgbot.AnswerCallbackQueryOpts{ShowAlert: alert}
	if text != "" {
		opts.Text = text
	}
	_, _ = b.AnswerCallbackQuery(ctx.CallbackQuery.Id, opts)
}

func (s *Service) editOrReplyCallback(ctx *ext.Context, b *gotgbot.Bot, text string, markup *gotgbot.InlineKeyboardMarkup) error {
	if ctx != nil && ctx.CallbackQuery != nil && ctx.CallbackQuery.Message != nil {
		opts := &gotgbot.EditMessageTextOpts{}
		if markup != nil {
			opts.ReplyMarkup = *markup
		}
		_, _, err := ctx.CallbackQuery.Message.EditText(b, text, opts)
		if err == nil {
			return nil
		}
		if strings.Contains(strings.ToLower(err.Error()), "message is not modified") {
			return nil
		}
		// Fall back to a new message when the original can no longer be edited.
	}
	return s.replyWithMarkup(ctx, b, text, markup)
}
