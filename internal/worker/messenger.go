package worker

import (
	"context"
	"strings"

	"github.com/PaulSonOfLars/gotgbot/v2"
)

// Messenger is the part of the Telegram API the worker writes replies with.
type Messenger interface {
	SendText(ctx context.Context, chatID int64, text string, replyTo int64) (int64, error)
	EditText(ctx context.Context, chatID, messageID int64, text string) error
}

type TelegramMessenger struct {
	Bot *gotgbot.Bot
}

func (t TelegramMessenger) SendText(ctx context.Context, chatID int64, text string, replyTo int64) (int64, error) {
	opts := &gotgbot.SendMessageOpts{}
	if replyTo > 0 {
		opts.ReplyParameters = &gotgbot.ReplyParameters{MessageId: replyTo, AllowSendingWithoutReply: true}
	}
	msg, err := t.Bot.SendMessageWithContext(ctx, chatID, text, opts)
	if err != nil {
		return 0, err
	}
	return msg.MessageId, nil
}

func (t TelegramMessenger) EditText(ctx context.Context, chatID, messageID int64, text string) error {
	_, _, err := t.Bot.EditMessageTextWithContext(ctx, text, &gotgbot.EditMessageTextOpts{
		ChatId:    chatID,
		MessageId: messageID,
	})
	if err != nil && strings.Contains(strings.ToLower(err.Error()), "message is not modified") {
		return nil
	}
	return err
}
