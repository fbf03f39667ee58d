package telegram

import (
	"time"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/PaulSonOfLars/gotgbot/v2/ext"
	"github.com/PaulSonOfLars/gotgbot/v2/ext/handlers"
	"github.com/PaulSonOfLars/gotgbot/v2/ext/handlers/filters/callbackquery"
	"github.com/PaulSonOfLars/gotgbot/v2/ext/handlers/filters/message"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"polychat/internal/conversation"
	"polychat/internal/metrics"
	"polychat/internal/queue"
)

type Service struct {
	chats       *conversation.Service
	queue       *queue.StreamQueue
	rateLimiter *queue.RateLimiter
	wizard      *wizardStore
	logger      zerolog.Logger
	metrics     *metrics.Metrics
	accessMode  string
}

type Config struct {
	Chats       *conversation.Service
	Queue       *queue.StreamQueue
	RateLimiter *queue.RateLimiter
	Redis       *redis.Client
	Logger      zerolog.Logger
	Metrics     *metrics.Metrics
	WizardTTL   time.Duration
	AccessMode  string
}

func NewService(cfg Config) *Service {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	if cfg.WizardTTL <= 0 {
		cfg.WizardTTL = 20 * time.Minute
	}
	return &Service{
		chats:       cfg.Chats,
		queue:       cfg.Queue,
		rateLimiter: cfg.RateLimiter,
		wizard:      newWizardStore(cfg.Redis, cfg.WizardTTL),
		logger:      cfg.Logger,
		metrics:     m,
		accessMode:  cfg.AccessMode,
	}
}

func (s *Service) Register(d *ext.Dispatcher) {
	d.AddHandler(handlers.NewCommand("help", s.help))
	d.AddHandler(handlers.NewCommand("start", s.start))
	d.AddHandler(handlers.NewCommand("menu", s.menu))
	d.AddHandler(handlers.NewCommand("cancel", s.cancelWizard))

	d.AddHandler(handlers.NewCommand("model_add", s.modelAdd))
	d.AddHandler(handlers.NewCommand("models", s.models))
	d.AddHandler(handlers.NewCommand("model_use", s.modelUse))
	d.AddHandler(handlers.NewCommand("model_toggle", s.modelToggle))
	d.AddHandler(handlers.NewCommand("model_del", s.modelDel))

	d.AddHandler(handlers.NewCommand("preset_add", s.presetAdd))
	d.AddHandler(handlers.NewCommand("presets", s.presets))
	d.AddHandler(handlers.NewCommand("preset_del", s.presetDel))

	d.AddHandler(handlers.NewCommand("new", s.newChat))
	d.AddHandler(handlers.NewCommand("chats", s.listChats))
	d.AddHandler(handlers.NewCommand("open", s.openChat))
	d.AddHandler(handlers.NewCommand("history", s.history))
	d.AddHandler(handlers.NewCommand("rename", s.renameChat))
	d.AddHandler(handlers.NewCommand("retry", s.retry))
	d.AddHandler(handlers.NewCommand("chat_del", s.deleteChat))
	d.AddHandler(handlers.NewCommand("export", s.export))

	d.AddHandler(handlers.NewCallback(callbackquery.Prefix(cbPrefix), s.onCallback))
	d.AddHandler(handlers.NewMessage(func(msg *gotgbot.Message) bool {
		return message.Private(msg) && message.Text(msg)
	}, s.privateText))
}

func (s *Service) now() time.Time {
	return time.Now().UTC()
}
