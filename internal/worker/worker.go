package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"polychat/internal/conversation"
	"polychat/internal/metrics"
	"polychat/internal/queue"
	"polychat/internal/storage"
)

// Chatter is the conversation API the worker drives.
type Chatter interface {
	Start(ctx context.Context, owner int64, p conversation.StartParams, fn conversation.StreamFunc) (conversation.Transcript, error)
	Send(ctx context.Context, owner int64, conversationID, text string, fn conversation.StreamFunc) (storage.Message, error)
	Retry(ctx context.Context, owner int64, conversationID string, fn conversation.StreamFunc) (storage.Message, error)
}

type Worker struct {
	queue         *queue.StreamQueue
	chats         Chatter
	msgr          Messenger
	editLimit     rate.Limit
	busyDelay     time.Duration
	maxJobRetries int
	logger        zerolog.Logger
	metrics       *metrics.Metrics
}

type Config struct {
	Queue     *queue.StreamQueue
	Chats     Chatter
	Messenger Messenger
	// EditInterval is the minimum time between two edits of a streamed reply.
	EditInterval time.Duration
	// BusyDelay is waited before a job for a busy conversation is queued again.
	BusyDelay     time.Duration
	MaxJobRetries int
	Logger        zerolog.Logger
	Metrics       *metrics.Metrics
}

func New(cfg Config) *Worker {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	if cfg.EditInterval <= 0 {
		cfg.EditInterval = 1500 * time.Millisecond
	}
	if cfg.BusyDelay <= 0 {
		cfg.BusyDelay = time.Second
	}
	if cfg.MaxJobRetries < 0 {
		cfg.MaxJobRetries = 0
	}
	return &Worker{
		queue:         cfg.Queue,
		chats:         cfg.Chats,
		msgr:          cfg.Messenger,
		editLimit:     rate.Every(cfg.EditInterval),
		busyDelay:     cfg.BusyDelay,
		maxJobRetries: cfg.MaxJobRetries,
		logger:        cfg.Logger,
		metrics:       m,
	}
}

func (w *Worker) Start(ctx context.Context, concurrency int) error {
	if err := w.queue.EnsureGroup(ctx); err != nil {
		return err
	}
	if concurrency < 1 {
		concurrency = 1
	}

	wg := sync.WaitGroup{}
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			w.consumeLoop(ctx, slot)
		}(i)
	}

	<-ctx.Done()
	wg.Wait()
	return nil
}

func (w *Worker) consumeLoop(ctx context.Context, slot int) {
	log := w.logger.With().Int("slot", slot).Logger()
	for {
		if err := ctx.Err(); err != nil {
			return
		}

		messages, err := w.queue.Read(ctx, 1)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error().Err(err).Msg("failed to read queue")
			time.Sleep(1 * time.Second)
			continue
		}

		for _, msg := range messages {
			w.handle(ctx, log, msg)
		}
	}
}

func (w *Worker) handle(ctx context.Context, log zerolog.Logger, msg queue.Message) {
	err := w.processJob(ctx, msg.Job)
	if err == nil {
		w.metrics.ProcessedJobs.Inc()
		if ackErr := w.queue.Ack(ctx, msg.ID); ackErr != nil {
			log.Error().Err(ackErr).Str("msg_id", msg.ID).Msg("failed to ack message")
		}
		return
	}

	if errors.Is(err, conversation.ErrBusy) && msg.Job.Attempts < w.maxJobRetries {
		log.Debug().Str("job_id", msg.Job.JobID).Str("conversation_id", msg.Job.ConversationID).Msg("conversation busy, requeue")
		select {
		case <-ctx.Done():
			return
		case <-time.After(w.busyDelay):
		}
		msg.Job.Attempts++
		if _, enqueueErr := w.queue.Enqueue(ctx, msg.Job); enqueueErr != nil {
			log.Error().Err(enqueueErr).Str("job_id", msg.Job.JobID).Msg("failed to re-enqueue busy job")
			return
		}
		if ackErr := w.queue.Ack(ctx, msg.ID); ackErr != nil {
			log.Error().Err(ackErr).Str("msg_id", msg.ID).Msg("failed to ack after re-enqueue")
		}
		return
	}

	w.metrics.FailedJobs.Inc()
	log.Error().Err(err).Str("job_id", msg.Job.JobID).Int("attempt", msg.Job.Attempts).Msg("job failed")

	text := "Something went wrong. Please try again later."
	if errors.Is(err, conversation.ErrBusy) {
		text = "This conversation is still busy with another message. Please wait for the reply."
	}
	_ = w.sendText(ctx, msg.Job.ChatID, msg.Job.MessageID, text)
	if ackErr := w.queue.Ack(ctx, msg.ID); ackErr != nil {
		log.Error().Err(ackErr).Str("msg_id", msg.ID).Msg("failed to ack terminal failed message")
	}
}

// processJob runs one job. Errors the user can act on are answered in the chat and
// reported as handled; ErrBusy and unexpected failures are returned.
func (w *Worker) processJob(ctx context.Context, job queue.Job) error {
	log := w.logger.With().Str("job_id", job.JobID).Str("kind", string(job.Kind)).Int64("owner_id", job.OwnerID).Logger()
	r := newRenderer(ctx, w.msgr, job.ChatID, job.MessageID, w.editLimit, log)

	var err error
	switch job.Kind {
	case queue.JobStart:
		var tr conversation.Transcript
		tr, err = w.chats.Start(ctx, job.OwnerID, conversation.StartParams{
			ModelConfigID: job.ModelConfigID,
			PresetID:      job.PresetID,
		}, r.stream)
		if err == nil {
			i := 0
			for _, m := range tr.Messages {
				if m.Role != storage.RoleAssistant {
					continue
				}
				if ferr := r.finish(i, m.Content); ferr != nil {
					return fmt.Errorf("render priming reply: %w", ferr)
				}
				i++
			}
			return w.sendText(ctx, job.ChatID, 0, fmt.Sprintf("Conversation %q is ready. Send a message to continue.", tr.Conversation.Title))
		}

	case queue.JobRetry:
		var reply storage.Message
		reply, err = w.chats.Retry(ctx, job.OwnerID, job.ConversationID, r.stream)
		if err == nil {
			return r.finish(0, reply.Content)
		}

	default:
		var reply storage.Message
		reply, err = w.chats.Send(ctx, job.OwnerID, job.ConversationID, job.Text, r.stream)
		if err == nil {
			return r.finish(0, reply.Content)
		}
	}

	if text, ok := userFacing(err); ok {
		if len(r.segments) > 0 {
			return r.finish(0, text)
		}
		return w.sendText(ctx, job.ChatID, job.MessageID, text)
	}
	return err
}

func userFacing(err error) (string, bool) {
	switch {
	case errors.Is(err, conversation.ErrModelDisabled):
		return "The model of this conversation is disabled. Enable it with /model_toggle or pick another with /model_use.", true
	case errors.Is(err, conversation.ErrNothingToRetry):
		return "Nothing to retry: the last reply did not fail.", true
	case errors.Is(err, conversation.ErrEmptyMessage):
		return "Send some text to chat.", true
	case errors.Is(err, storage.ErrNotFound):
		return "Conversation or model not found. Start a new one with /new.", true
	default:
		return "", false
	}
}

func (w *Worker) sendText(ctx context.Context, chatID, replyTo int64, text string) error {
	_, err := w.msgr.SendText(ctx, chatID, text, replyTo)
	return err
}
