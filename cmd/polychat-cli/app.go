package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"polychat/internal/config"
	"polychat/internal/conversation"
	"polychat/internal/crypto"
	"polychat/internal/providers/catalog"
	"polychat/internal/storage"
)

type Globals struct {
	DB       string        `name:"db" env:"POLYCHAT_DB" default:"polychat.db" help:"Database file (sqlite) or DSN (postgres)."`
	Driver   string        `env:"POLYCHAT_DB_DRIVER" default:"sqlite" enum:"sqlite,postgres" help:"Database driver."`
	Owner    int64         `env:"POLYCHAT_OWNER" default:"1" help:"Owner id the data belongs to."`
	Catalog  string        `env:"PROVIDER_CATALOG_PATH" help:"YAML file that extends the provider catalog."`
	Timeout  time.Duration `default:"120s" help:"Provider request timeout."`
	LogLevel string        `env:"LOG_LEVEL" default:"warn" help:"Log level for diagnostics on stderr."`
}

type app struct {
	ctx   context.Context
	store *storage.Store
	chats *conversation.Service
	owner int64
	in    io.Reader
	out   io.Writer
}

func openApp(ctx context.Context, g Globals, in io.Reader, out io.Writer, factory conversation.ProviderFactory) (*app, error) {
	log := newLogger(g.LogLevel)

	cc, err := config.LoadCrypto()
	if err != nil {
		return nil, err
	}
	secrets, err := crypto.NewManager(cc.CurrentKeyID, cc.Keys)
	if err != nil {
		return nil, fmt.Errorf("init crypto: %w", err)
	}
	cat, err := catalog.Load(g.Catalog)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(ctx, g.Driver, g.DB, true)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	chats, err := conversation.New(conversation.Config{
		Store:      store,
		Secrets:    secrets,
		Locker:     conversation.NewLocalLocker(),
		Factory:    factory,
		Catalog:    cat,
		HTTPClient: &http.Client{Timeout: g.Timeout},
		Logger:     log,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	return &app{ctx: ctx, store: store, chats: chats, owner: g.Owner, in: in, out: out}, nil
}

func (a *app) Close() error {
	return a.store.Close()
}

func (a *app) printf(format string, args ...any) {
	fmt.Fprintf(a.out, format, args...)
}

// activeConversation returns the active conversation, starting one on the default model
// when there is none.
func (a *app) activeConversation() (string, error) {
	conv, err := a.chats.Active(a.ctx, a.owner)
	if err == nil {
		return conv.ID, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return "", err
	}
	m, err := a.chats.DefaultModel(a.ctx, a.owner)
	if errors.Is(err, storage.ErrNotFound) {
		return "", errors.New("no enabled model: add one with `models add`")
	}
	if err != nil {
		return "", err
	}
	tr, err := a.chats.Start(a.ctx, a.owner, conversation.StartParams{ModelConfigID: m.ID}, nil)
	if err != nil {
		return "", err
	}
	a.printf("Started %q on %s.\n", tr.Conversation.Title, m.Name)
	return tr.Conversation.ID, nil
}

// readText returns value, or the contents of path when value is empty.
func readText(value, path string) (string, error) {
	if value != "" || path == "" {
		return value, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	return strings.TrimRight(string(raw), "\n"), nil
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || level == "" {
		lvl = zerolog.WarnLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(lvl).With().Timestamp().Logger()
}
