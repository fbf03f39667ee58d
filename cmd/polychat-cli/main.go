// Command polychat-cli drives the conversation service from a terminal against a local
// database, without Telegram or Redis.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"

	"polychat/internal/conversation"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:], os.Stdin, os.Stdout, nil); err != nil {
		fmt.Fprintln(os.Stderr, "polychat-cli:", err)
		os.Exit(1)
	}
}

// run parses args and executes the selected command. A nil factory builds real provider
// adapters from the catalog.
func run(ctx context.Context, args []string, in io.Reader, out io.Writer, factory conversation.ProviderFactory) error {
	var cli CLI
	parser, err := kong.New(&cli,
		kong.Name("polychat-cli"),
		kong.Description("Manage models and presets and chat from the terminal."),
		kong.UsageOnError(),
		kong.Writers(out, os.Stderr),
	)
	if err != nil {
		return err
	}
	kctx, err := parser.Parse(args)
	if err != nil {
		return err
	}

	a, err := openApp(ctx, cli.Globals, in, out, factory)
	if err != nil {
		return err
	}
	defer a.Close()
	return kctx.Run(a)
}
