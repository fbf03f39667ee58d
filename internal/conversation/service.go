package conversation

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"

	"polychat/internal/metrics"
	"polychat/internal/providers"
	"polychat/internal/providers/catalog"
	"polychat/internal/providers/registry"
	"polychat/internal/storage"
)

var (
	ErrBusy           = errors.New("conversation is busy with another request")
	ErrModelDisabled  = errors.New("model is disabled")
	ErrEmptyMessage   = errors.New("message is empty")
	ErrNothingToRetry = errors.New("the last reply did not fail")
	ErrInvalidInput   = errors.New("invalid input")
)

const emptyReplyText = "The provider returned an empty response."

// Step names the reply a stream callback belongs to. Start produces up to two priming
// replies before any user text; Send and Retry produce a single StepReply.
type Step string

const (
	StepArmoring Step = "armoring"
	StepSystem   Step = "system"
	StepReply    Step = "reply"
)

// StreamFunc receives the cumulative text of the reply being generated for step.
type StreamFunc func(step Step, text string, done bool) error

type Store interface {
	CreateModelConfig(ctx context.Context, m storage.ModelConfig) (storage.ModelConfig, error)
	UpdateModelConfig(ctx context.Context, m storage.ModelConfig) (storage.ModelConfig, error)
	SetModelConfigEnabled(ctx context.Context, ownerID int64, id string, enabled bool) error
	SetModelConfigKey(ctx context.Context, ownerID int64, id string, encAPIKey *string) error
	ListSealedModelConfigs(ctx context.Context) ([]storage.ModelConfig, error)
	GetModelConfig(ctx context.Context, ownerID int64, id string) (storage.ModelConfig, error)
	GetModelConfigByName(ctx context.Context, ownerID int64, name string) (storage.ModelConfig, error)
	ListModelConfigs(ctx context.Context, ownerID int64) ([]storage.ModelConfig, error)
	DeleteModelConfig(ctx context.Context, ownerID int64, id string) error

	CreatePreset(ctx context.Context, p storage.Preset) (storage.Preset, error)
	UpdatePreset(ctx context.Context, p storage.Preset) (storage.Preset, error)
	GetPreset(ctx context.Context, ownerID int64, id string) (storage.Preset, error)
	GetPresetByName(ctx context.Context, ownerID int64, name string) (storage.Preset, error)
	ListPresets(ctx context.Context, ownerID int64) ([]storage.Preset, error)
	DeletePreset(ctx context.Context, ownerID int64, id string) error

	CreateConversation(ctx context.Context, c storage.Conversation) (storage.Conversation, error)
	GetConversation(ctx context.Context, ownerID int64, id string) (storage.Conversation, error)
	ListConversations(ctx context.Context, ownerID int64, limit int) ([]storage.Conversation, error)
	RenameConversation(ctx context.Context, ownerID int64, id, title string) error
	SetConversationModel(ctx context.Context, ownerID int64, id, modelConfigID string) error
	DeleteConversation(ctx context.Context, ownerID int64, id string) error

	AppendMessage(ctx context.Context, conversationID string, role storage.Role, content string, isError bool) (storage.Message, error)
	UpdateMessageContent(ctx context.Context, conversationID, messageID, content string, isError bool) (storage.Message, error)
	ListMessages(ctx context.Context, conversationID string) ([]storage.Message, error)

	GetSession(ctx context.Context, ownerID int64) (storage.Session, error)
	SetActiveConversation(ctx context.Context, ownerID int64, id *string) error
	SetDefaultModel(ctx context.Context, ownerID int64, modelConfigID *string) error
	LogAction(ctx context.Context, e storage.AuditEntry) error
}

// Secrets seals API keys to the model config that owns them.
type Secrets interface {
	Seal(value, recordID string) (string, error)
	Open(raw, recordID string) (string, error)
	NeedsRotation(raw string) bool
	ReSeal(raw, recordID string) (string, error)
}

// Locker guards a conversation against concurrent sends.
type Locker interface {
	TryLock(ctx context.Context, key string) (release func(), acquired bool, err error)
}

// ProviderFactory builds the adapter for a model config with its decrypted key.
type ProviderFactory func(m storage.ModelConfig, apiKey string) (providers.Provider, error)

type Config struct {
	Store   Store
	Secrets Secrets
	Locker  Locker
	// Factory defaults to RegistryFactory over Catalog with the HTTP settings below.
	Factory     ProviderFactory
	Catalog     *catalog.Catalog
	HTTPClient  *http.Client
	MaxRetries  int
	BackoffBase time.Duration
	CacheTTL    time.Duration
	// DefaultTemperature applies to model configs created without one. Nil means 0.7.
	DefaultTemperature *float64
	Logger             zerolog.Logger
	Metrics            *metrics.Metrics
	Now                func() time.Time
}

type Service struct {
	store   Store
	secrets Secrets
	locker  Locker
	factory ProviderFactory
	catalog *catalog.Catalog
	cache   *gocache.Cache
	defTemp float64
	log     zerolog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

func New(cfg Config) (*Service, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("conversation store is nil")
	}
	if cfg.Secrets == nil {
		return nil, fmt.Errorf("conversation secrets is nil")
	}
	if cfg.Catalog == nil {
		cfg.Catalog = catalog.Default()
	}
	if cfg.Locker == nil {
		cfg.Locker = NewLocalLocker()
	}
	if cfg.Factory == nil {
		cfg.Factory = RegistryFactory(cfg.Catalog, cfg.HTTPClient, cfg.MaxRetries, cfg.BackoffBase)
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 10 * time.Minute
	}
	defTemp := 0.7
	if cfg.DefaultTemperature != nil && *cfg.DefaultTemperature >= 0 {
		defTemp = *cfg.DefaultTemperature
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Service{
		store:   cfg.Store,
		secrets: cfg.Secrets,
		locker:  cfg.Locker,
		factory: cfg.Factory,
		catalog: cfg.Catalog,
		cache:   gocache.New(cfg.CacheTTL, 2*cfg.CacheTTL),
		defTemp: defTemp,
		log:     cfg.Logger,
		metrics: cfg.Metrics,
		now:     cfg.Now,
	}, nil
}

func RegistryFactory(cat *catalog.Catalog, client *http.Client, maxRetries int, backoff time.Duration) ProviderFactory {
	return func(m storage.ModelConfig, apiKey string) (providers.Provider, error) {
		return registry.Build(registry.BuildOptions{
			Kind:        m.Provider,
			BaseURL:     m.BaseURL,
			APIKey:      apiKey,
			Config:      m.Options,
			HTTPClient:  client,
			MaxRetries:  maxRetries,
			BackoffBase: backoff,
			Catalog:     cat,
		})
	}
}

func (s *Service) Catalog() *catalog.Catalog {
	return s.catalog
}

// provider returns the cached adapter for m. The cache key includes updated_at, so any
// edit of the model config (new key, base URL, ...) builds a fresh adapter.
func (s *Service) provider(m storage.ModelConfig) (providers.Provider, error) {
	key := m.ID + ":" + strconv.FormatInt(m.UpdatedAt.UnixNano(), 10)
	if p, ok := s.cache.Get(key); ok {
		return p.(providers.Provider), nil
	}

	apiKey := ""
	if m.HasAPIKey() {
		plain, err := s.secrets.Open(*m.EncAPIKey, m.ID)
		if err != nil {
			return nil, fmt.Errorf("open api key of %q: %w", m.Name, err)
		}
		apiKey = plain
	}
	p, err := s.factory(m, apiKey)
	if err != nil {
		return nil, err
	}
	s.cache.SetDefault(key, p)
	return p, nil
}

// complete runs one request against the model and always returns the text to store.
// failed reports whether that text is an error description rather than a reply.
func (s *Service) complete(ctx context.Context, m storage.ModelConfig, history []storage.Message, step Step, fn StreamFunc) (text string, failed bool) {
	p, err := s.provider(m)
	if err != nil {
		s.log.Error().Err(err).Str("model_config_id", m.ID).Msg("build provider failed")
		return "Could not use this model: " + err.Error(), true
	}

	req := providers.ChatRequest{
		Model:       m.Model,
		Messages:    toProviderMessages(history),
		Temperature: m.Temperature,
		MaxTokens:   m.MaxTokens,
	}
	tokens := EstimateTokens(req.Messages)
	s.metrics.PromptTokens.Observe(float64(tokens))

	started := s.now()
	var resp providers.ChatResponse
	if fn == nil {
		resp, err = p.Chat(ctx, req)
	} else {
		resp, err = p.ChatStream(ctx, req, func(text string, done bool) error {
			s.metrics.StreamChunks.WithLabelValues(m.Provider).Inc()
			return fn(step, text, done)
		})
	}
	elapsed := s.now().Sub(started)
	s.metrics.ProviderLatency.WithLabelValues(m.Provider).Observe(elapsed.Seconds())

	if err != nil {
		outcome := "error"
		if errors.Is(err, context.Canceled) {
			outcome = "canceled"
		}
		s.metrics.ProviderRequests.WithLabelValues(m.Provider, outcome).Inc()
		s.log.Warn().Err(err).
			Str("provider", m.Provider).
			Str("model", m.Model).
			Int("prompt_tokens", tokens).
			Dur("elapsed", elapsed).
			Msg("provider request failed")
		return providers.UserMessage(err), true
	}

	s.metrics.ProviderRequests.WithLabelValues(m.Provider, "ok").Inc()
	s.log.Debug().
		Str("provider", m.Provider).
		Str("model", m.Model).
		Int("prompt_tokens", tokens).
		Dur("elapsed", elapsed).
		Msg("provider request done")

	if strings.TrimSpace(resp.Text) == "" {
		return emptyReplyText, true
	}
	return resp.Text, false
}

// toProviderMessages keeps the successful turns of a conversation in order.
func toProviderMessages(history []storage.Message) []providers.Message {
	out := make([]providers.Message, 0, len(history))
	for _, m := range history {
		if m.IsError {
			continue
		}
		role := providers.RoleUser
		if m.Role == storage.RoleAssistant {
			role = providers.RoleAssistant
		}
		out = append(out, providers.Message{Role: role, Content: m.Content})
	}
	return out
}

func (s *Service) lock(ctx context.Context, conversationID string) (func(), error) {
	release, ok, err := s.locker.TryLock(ctx, "conversation:"+conversationID)
	if err != nil {
		return nil, fmt.Errorf("lock conversation: %w", err)
	}
	if !ok {
		return nil, ErrBusy
	}
	return release, nil
}

func (s *Service) audit(ctx context.Context, owner int64, action, meta string) {
	if err := s.store.LogAction(ctx, storage.AuditEntry{OwnerID: owner, Action: action, MetaJSON: meta}); err != nil {
		s.log.Warn().Err(err).Str("action", action).Msg("audit log failed")
	}
}
