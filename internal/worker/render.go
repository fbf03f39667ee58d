package worker

import (
	"context"
	"strings"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"polychat/internal/conversation"
)

// maxMessageRunes is the Telegram limit for a single text message.
const maxMessageRunes = 4096

const placeholderText = "…"

// segment is one reply on screen. Replies longer than maxMessageRunes span several messages.
type segment struct {
	step  conversation.Step
	ids   []int64
	shown []string
	done  bool
}

// renderer shows streamed replies in a chat. Each reply starts with a placeholder that is
// edited with the cumulative text. Intermediate edits are throttled by limiter; the final
// text is always written.
type renderer struct {
	ctx      context.Context
	msgr     Messenger
	chatID   int64
	replyTo  int64
	limiter  *rate.Limiter
	log      zerolog.Logger
	segments []*segment
}

func newRenderer(ctx context.Context, msgr Messenger, chatID, replyTo int64, limit rate.Limit, log zerolog.Logger) *renderer {
	return &renderer{
		ctx:     ctx,
		msgr:    msgr,
		chatID:  chatID,
		replyTo: replyTo,
		limiter: rate.NewLimiter(limit, 1),
		log:     log,
	}
}

// begin opens a new reply with a placeholder message.
func (r *renderer) begin(step conversation.Step) *segment {
	seg := &segment{step: step}
	r.segments = append(r.segments, seg)
	id, err := r.msgr.SendText(r.ctx, r.chatID, placeholderText, r.replyTo)
	if err != nil {
		r.log.Warn().Err(err).Int64("chat_id", r.chatID).Msg("send placeholder failed")
		return seg
	}
	seg.ids = append(seg.ids, id)
	seg.shown = append(seg.shown, placeholderText)
	r.limiter.Allow()
	return seg
}

// stream is the conversation.StreamFunc. Telegram failures are logged and never abort
// the provider stream.
func (r *renderer) stream(step conversation.Step, text string, done bool) error {
	var seg *segment
	if n := len(r.segments); n > 0 && !r.segments[n-1].done && r.segments[n-1].step == step {
		seg = r.segments[n-1]
	} else {
		seg = r.begin(step)
	}
	if done {
		seg.done = true
	} else if !r.limiter.Allow() {
		return nil
	}
	if err := r.show(seg, text); err != nil {
		r.log.Warn().Err(err).Int64("chat_id", r.chatID).Msg("render stream update failed")
	}
	return nil
}

// finish writes the stored text of the i-th reply of the job, which also covers replies
// whose request failed before anything was streamed.
func (r *renderer) finish(i int, text string) error {
	var seg *segment
	if i < len(r.segments) {
		seg = r.segments[i]
	} else {
		seg = &segment{}
		r.segments = append(r.segments, seg)
	}
	seg.done = true
	return r.show(seg, text)
}

func (r *renderer) show(seg *segment, text string) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	for i, chunk := range splitMessage(text, maxMessageRunes) {
		if i < len(seg.ids) {
			if seg.shown[i] == chunk {
				continue
			}
			if err := r.msgr.EditText(r.ctx, r.chatID, seg.ids[i], chunk); err != nil {
				return err
			}
			seg.shown[i] = chunk
			continue
		}
		replyTo := r.replyTo
		if i > 0 {
			replyTo = 0
		}
		id, err := r.msgr.SendText(r.ctx, r.chatID, chunk, replyTo)
		if err != nil {
			return err
		}
		seg.ids = append(seg.ids, id)
		seg.shown = append(seg.shown, chunk)
	}
	return nil
}

// splitMessage cuts text into chunks of at most limit runes, preferring line breaks in
// the second half of a chunk.
func splitMessage(text string, limit int) []string {
	if utf8.RuneCountInString(text) <= limit {
		return []string{text}
	}
	var out []string
	runes := []rune(text)
	for len(runes) > limit {
		cut := limit
		for i := limit - 1; i >= limit/2; i-- {
			if runes[i] == '\n' {
				cut = i + 1
				break
			}
		}
		out = append(out, string(runes[:cut]))
		runes = runes[cut:]
	}
	if len(runes) > 0 {
		out = append(out, string(runes))
	}
	return out
}
