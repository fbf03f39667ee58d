package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"polychat/internal/storage"
)

type StartParams struct {
	ModelConfigID string
	// PresetID is optional. Its armoring and system texts prime the conversation.
	PresetID string
	Title    string
}

// Transcript is a conversation with its messages in order.
type Transcript struct {
	Conversation storage.Conversation
	Messages     []storage.Message
}

// Start creates a conversation and primes it: the preset's armoring text and then its
// system text are each sent as a user turn and answered before Start returns. A failed
// priming reply is stored as an error message and skips the rest of the priming; the
// conversation is still returned without an error.
func (s *Service) Start(ctx context.Context, owner int64, p StartParams, fn StreamFunc) (Transcript, error) {
	model, err := s.store.GetModelConfig(ctx, owner, p.ModelConfigID)
	if err != nil {
		return Transcript{}, fmt.Errorf("get model config: %w", err)
	}
	if !model.Enabled {
		return Transcript{}, ErrModelDisabled
	}

	var preset *storage.Preset
	if strings.TrimSpace(p.PresetID) != "" {
		pr, err := s.store.GetPreset(ctx, owner, p.PresetID)
		if err != nil {
			return Transcript{}, fmt.Errorf("get preset: %w", err)
		}
		preset = &pr
	}

	title := strings.TrimSpace(p.Title)
	if title == "" && preset != nil {
		title = preset.Name
	}
	if title == "" {
		title = "Chat with " + model.Name
	}

	conv := storage.Conversation{OwnerID: owner, Title: title, ModelConfigID: model.ID}
	if preset != nil {
		conv.PresetID = &preset.ID
	}
	conv, err = s.store.CreateConversation(ctx, conv)
	if err != nil {
		return Transcript{}, fmt.Errorf("create conversation: %w", err)
	}
	if err := s.store.SetActiveConversation(ctx, owner, &conv.ID); err != nil {
		return Transcript{}, fmt.Errorf("set active conversation: %w", err)
	}

	if preset != nil {
		release, err := s.lock(ctx, conv.ID)
		if err != nil {
			return Transcript{}, err
		}
		defer release()

		steps := []struct {
			step Step
			text string
		}{
			{StepArmoring, preset.Armoring},
			{StepSystem, preset.System},
		}
		for _, st := range steps {
			if strings.TrimSpace(st.text) == "" {
				continue
			}
			reply, err := s.exchange(ctx, model, conv.ID, st.text, st.step, fn)
			if err != nil {
				return Transcript{}, err
			}
			if reply.IsError {
				s.log.Warn().Str("conversation_id", conv.ID).Str("step", string(st.step)).Msg("priming stopped after failed reply")
				break
			}
		}
	}

	msgs, err := s.store.ListMessages(ctx, conv.ID)
	if err != nil {
		return Transcript{}, fmt.Errorf("list messages: %w", err)
	}
	return Transcript{Conversation: conv, Messages: msgs}, nil
}

// Send appends text as a user turn and the model's reply after it. Provider failures are
// stored as an error reply and are not returned as errors.
func (s *Service) Send(ctx context.Context, owner int64, conversationID, text string, fn StreamFunc) (storage.Message, error) {
	if strings.TrimSpace(text) == "" {
		return storage.Message{}, ErrEmptyMessage
	}
	release, err := s.lock(ctx, conversationID)
	if err != nil {
		return storage.Message{}, err
	}
	defer release()

	model, err := s.conversationModel(ctx, owner, conversationID)
	if err != nil {
		return storage.Message{}, err
	}
	return s.exchange(ctx, model, conversationID, text, StepReply, fn)
}

// Retry answers the last user turn again. A failed last reply is replaced in place; a
// conversation that ends with an unanswered user turn gets its reply appended.
func (s *Service) Retry(ctx context.Context, owner int64, conversationID string, fn StreamFunc) (storage.Message, error) {
	release, err := s.lock(ctx, conversationID)
	if err != nil {
		return storage.Message{}, err
	}
	defer release()

	model, err := s.conversationModel(ctx, owner, conversationID)
	if err != nil {
		return storage.Message{}, err
	}
	history, err := s.store.ListMessages(ctx, conversationID)
	if err != nil {
		return storage.Message{}, fmt.Errorf("list messages: %w", err)
	}
	if len(history) == 0 {
		return storage.Message{}, ErrNothingToRetry
	}

	last := history[len(history)-1]
	switch {
	case last.Role == storage.RoleUser:
		text, failed := s.complete(ctx, model, history, StepReply, fn)
		return s.appendReply(ctx, conversationID, text, failed)
	case last.IsError:
		text, failed := s.complete(ctx, model, history[:len(history)-1], StepReply, fn)
		msg, err := s.store.UpdateMessageContent(context.WithoutCancel(ctx), conversationID, last.ID, text, failed)
		if err != nil {
			return storage.Message{}, fmt.Errorf("replace failed reply: %w", err)
		}
		return msg, nil
	default:
		return storage.Message{}, ErrNothingToRetry
	}
}

func (s *Service) exchange(ctx context.Context, model storage.ModelConfig, conversationID, text string, step Step, fn StreamFunc) (storage.Message, error) {
	if _, err := s.store.AppendMessage(ctx, conversationID, storage.RoleUser, text, false); err != nil {
		return storage.Message{}, fmt.Errorf("append user message: %w", err)
	}
	history, err := s.store.ListMessages(ctx, conversationID)
	if err != nil {
		return storage.Message{}, fmt.Errorf("list messages: %w", err)
	}
	reply, failed := s.complete(ctx, model, history, step, fn)
	return s.appendReply(ctx, conversationID, reply, failed)
}

// appendReply stores the reply even when the request context was canceled meanwhile.
func (s *Service) appendReply(ctx context.Context, conversationID, text string, failed bool) (storage.Message, error) {
	msg, err := s.store.AppendMessage(context.WithoutCancel(ctx), conversationID, storage.RoleAssistant, text, failed)
	if err != nil {
		return storage.Message{}, fmt.Errorf("append assistant message: %w", err)
	}
	return msg, nil
}

func (s *Service) conversationModel(ctx context.Context, owner int64, conversationID string) (storage.ModelConfig, error) {
	conv, err := s.store.GetConversation(ctx, owner, conversationID)
	if err != nil {
		return storage.ModelConfig{}, fmt.Errorf("get conversation: %w", err)
	}
	model, err := s.store.GetModelConfig(ctx, owner, conv.ModelConfigID)
	if err != nil {
		return storage.ModelConfig{}, fmt.Errorf("get model config: %w", err)
	}
	if !model.Enabled {
		return storage.ModelConfig{}, ErrModelDisabled
	}
	return model, nil
}

// ChangeModel switches the model used for the next replies. Earlier replies stay as they are.
func (s *Service) ChangeModel(ctx context.Context, owner int64, conversationID, modelConfigID string) error {
	model, err := s.store.GetModelConfig(ctx, owner, modelConfigID)
	if err != nil {
		return fmt.Errorf("get model config: %w", err)
	}
	if !model.Enabled {
		return ErrModelDisabled
	}
	if err := s.store.SetConversationModel(ctx, owner, conversationID, model.ID); err != nil {
		return fmt.Errorf("set conversation model: %w", err)
	}
	return nil
}

func (s *Service) Rename(ctx context.Context, owner int64, conversationID, title string) error {
	title = strings.TrimSpace(title)
	if title == "" {
		return fmt.Errorf("%w: title is empty", ErrInvalidInput)
	}
	if err := s.store.RenameConversation(ctx, owner, conversationID, title); err != nil {
		return fmt.Errorf("rename conversation: %w", err)
	}
	return nil
}

func (s *Service) Delete(ctx context.Context, owner int64, conversationID string) error {
	release, err := s.lock(ctx, conversationID)
	if err != nil {
		return err
	}
	defer release()

	if err := s.store.DeleteConversation(ctx, owner, conversationID); err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	return nil
}

func (s *Service) List(ctx context.Context, owner int64, limit int) ([]storage.Conversation, error) {
	out, err := s.store.ListConversations(ctx, owner, limit)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	return out, nil
}

func (s *Service) Get(ctx context.Context, owner int64, conversationID string) (Transcript, error) {
	conv, err := s.store.GetConversation(ctx, owner, conversationID)
	if err != nil {
		return Transcript{}, fmt.Errorf("get conversation: %w", err)
	}
	msgs, err := s.store.ListMessages(ctx, conv.ID)
	if err != nil {
		return Transcript{}, fmt.Errorf("list messages: %w", err)
	}
	return Transcript{Conversation: conv, Messages: msgs}, nil
}

// Active returns the owner's active conversation, or storage.ErrNotFound.
func (s *Service) Active(ctx context.Context, owner int64) (storage.Conversation, error) {
	sess, err := s.store.GetSession(ctx, owner)
	if err != nil {
		return storage.Conversation{}, fmt.Errorf("get session: %w", err)
	}
	if sess.ActiveConversationID == nil {
		return storage.Conversation{}, storage.ErrNotFound
	}
	conv, err := s.store.GetConversation(ctx, owner, *sess.ActiveConversationID)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.Conversation{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.Conversation{}, fmt.Errorf("get active conversation: %w", err)
	}
	return conv, nil
}

func (s *Service) SetActive(ctx context.Context, owner int64, conversationID string) error {
	if _, err := s.store.GetConversation(ctx, owner, conversationID); err != nil {
		return fmt.Errorf("get conversation: %w", err)
	}
	if err := s.store.SetActiveConversation(ctx, owner, &conversationID); err != nil {
		return fmt.Errorf("set active conversation: %w", err)
	}
	return nil
}
