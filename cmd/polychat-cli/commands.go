package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"polychat/internal/conversation"
	"polychat/internal/storage"
)

type CLI struct {
	Globals `embed:""`

	Providers providersCmd `cmd:"" help:"List the providers of the catalog."`
	Models    modelsCmd    `cmd:"" help:"Manage model configurations."`
	Presets   presetsCmd   `cmd:"" help:"Manage presets."`
	Chat      chatCmd      `cmd:"" help:"Start, continue and inspect conversations."`
	Keys      keysCmd      `cmd:"" help:"Maintain sealed API keys."`
}

type providersCmd struct{}

func (c *providersCmd) Run(a *app) error {
	tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tDEFAULT MODEL\tKEY")
	for _, e := range a.chats.Catalog().List() {
		key := "optional"
		if e.RequiresKey {
			key = "required"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", e.ID, e.Name, e.DefaultModel, key)
	}
	return tw.Flush()
}

type modelsCmd struct {
	Add    modelAddCmd    `cmd:"" help:"Add a model configuration."`
	List   modelListCmd   `cmd:"" help:"List model configurations."`
	Use    modelUseCmd    `cmd:"" help:"Make a model the default."`
	Toggle modelToggleCmd `cmd:"" help:"Enable or disable a model."`
	Rm     modelRmCmd     `cmd:"" help:"Delete a model configuration."`
}

type modelAddCmd struct {
	Name         string  `arg:"" help:"Unique name of the configuration."`
	Provider     string  `short:"p" required:"" help:"Provider id from the catalog."`
	Model        string  `short:"m" help:"Model id; defaults to the provider's default model."`
	BaseURL      string  `name:"base-url" help:"Endpoint override."`
	Temperature  float64 `default:"-1" help:"Sampling temperature; negative keeps the default."`
	MaxTokens    int     `name:"max-tokens" help:"Reply token limit; 0 keeps the provider default."`
	APIKey       string  `name:"api-key" env:"POLYCHAT_API_KEY" help:"API key, sealed before it is stored."`
	APIKeyStdin  bool    `name:"api-key-stdin" help:"Read the API key from the first line of stdin."`
	BodyTemplate string  `name:"body-template" help:"Request body template file (custom_http)."`
	Method       string  `help:"HTTP method (custom_http)."`
}

func (c *modelAddCmd) Run(a *app) error {
	in := conversation.ModelInput{
		Name:     c.Name,
		Provider: c.Provider,
		BaseURL:  c.BaseURL,
		Model:    c.Model,
	}
	if c.Temperature >= 0 {
		in.Temperature = &c.Temperature
	}
	if c.MaxTokens > 0 {
		in.MaxTokens = &c.MaxTokens
	}

	key := c.APIKey
	if c.APIKeyStdin {
		line, err := bufio.NewReader(a.in).ReadString('\n')
		if err != nil && line == "" {
			return fmt.Errorf("read api key: %w", err)
		}
		key = strings.TrimSpace(line)
	}
	if key != "" {
		in.APIKey = &key
	}

	opts := map[string]string{}
	if c.BodyTemplate != "" {
		raw, err := os.ReadFile(c.BodyTemplate)
		if err != nil {
			return fmt.Errorf("read body template: %w", err)
		}
		opts["body_template"] = string(raw)
	}
	if c.Method != "" {
		opts["method"] = strings.ToUpper(c.Method)
	}
	if len(opts) > 0 {
		in.Options = opts
	}

	m, err := a.chats.CreateModel(a.ctx, a.owner, in)
	if err != nil {
		return err
	}
	a.printf("Added %s (%s %s).\n", m.Name, m.Provider, m.Model)
	return nil
}

type modelListCmd struct{}

func (c *modelListCmd) Run(a *app) error {
	models, err := a.chats.ListModels(a.ctx, a.owner)
	if err != nil {
		return err
	}
	if len(models) == 0 {
		a.printf("No models yet. Add one with `models add`.\n")
		return nil
	}
	defaultID := ""
	if m, err := a.chats.DefaultModel(a.ctx, a.owner); err == nil {
		defaultID = m.ID
	}
	tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tPROVIDER\tMODEL\tTEMP\tSTATE")
	for _, m := range models {
		var tags []string
		if m.ID == defaultID {
			tags = append(tags, "default")
		}
		if !m.Enabled {
			tags = append(tags, "disabled")
		}
		if !m.HasAPIKey() {
			tags = append(tags, "no key")
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%.2g\t%s\n", m.Name, m.Provider, m.Model, m.Temperature, strings.Join(tags, ","))
	}
	return tw.Flush()
}

type modelUseCmd struct {
	Name string `arg:""`
}

func (c *modelUseCmd) Run(a *app) error {
	m, err := a.chats.ModelByName(a.ctx, a.owner, c.Name)
	if err != nil {
		return err
	}
	if err := a.chats.UseModel(a.ctx, a.owner, m.ID); err != nil {
		return err
	}
	a.printf("Default model is now %s.\n", m.Name)
	return nil
}

type modelToggleCmd struct {
	Name string `arg:""`
}

func (c *modelToggleCmd) Run(a *app) error {
	m, err := a.chats.ModelByName(a.ctx, a.owner, c.Name)
	if err != nil {
		return err
	}
	enabled, err := a.chats.ToggleModel(a.ctx, a.owner, m.ID)
	if err != nil {
		return err
	}
	state := "disabled"
	if enabled {
		state = "enabled"
	}
	a.printf("%s is %s.\n", m.Name, state)
	return nil
}

type modelRmCmd struct {
	Name string `arg:""`
}

func (c *modelRmCmd) Run(a *app) error {
	m, err := a.chats.ModelByName(a.ctx, a.owner, c.Name)
	if err != nil {
		return err
	}
	if err := a.chats.DeleteModel(a.ctx, a.owner, m.ID); err != nil {
		if errors.Is(err, storage.ErrInUse) {
			return fmt.Errorf("%s is used by conversations: switch or delete them first", m.Name)
		}
		return err
	}
	a.printf("Deleted %s.\n", m.Name)
	return nil
}

type presetsCmd struct {
	Add  presetAddCmd  `cmd:"" help:"Add a preset."`
	List presetListCmd `cmd:"" help:"List presets."`
	Show presetShowCmd `cmd:"" help:"Print a preset."`
	Rm   presetRmCmd   `cmd:"" help:"Delete a preset."`
}

type presetAddCmd struct {
	Name         string `arg:""`
	Armoring     string `short:"a" help:"Armoring text, sent first."`
	ArmoringFile string `name:"armoring-file" help:"Read the armoring text from a file."`
	System       string `short:"s" help:"System text, sent after the armoring."`
	SystemFile   string `name:"system-file" help:"Read the system text from a file."`
}

func (c *presetAddCmd) Run(a *app) error {
	armoring, err := readText(c.Armoring, c.ArmoringFile)
	if err != nil {
		return err
	}
	system, err := readText(c.System, c.SystemFile)
	if err != nil {
		return err
	}
	p, err := a.chats.CreatePreset(a.ctx, a.owner, conversation.PresetInput{Name: c.Name, Armoring: armoring, System: system})
	if err != nil {
		return err
	}
	a.printf("Added preset %s.\n", p.Name)
	return nil
}

type presetListCmd struct{}

func (c *presetListCmd) Run(a *app) error {
	presets, err := a.chats.ListPresets(a.ctx, a.owner)
	if err != nil {
		return err
	}
	if len(presets) == 0 {
		a.printf("No presets yet. Add one with `presets add`.\n")
		return nil
	}
	tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tARMORING\tSYSTEM")
	for _, p := range presets {
		fmt.Fprintf(tw, "%s\t%d chars\t%d chars\n", p.Name, len([]rune(p.Armoring)), len([]rune(p.System)))
	}
	return tw.Flush()
}

type presetShowCmd struct {
	Name string `arg:""`
}

func (c *presetShowCmd) Run(a *app) error {
	p, err := a.chats.PresetByName(a.ctx, a.owner, c.Name)
	if err != nil {
		return err
	}
	a.printf("# %s\n\n## Armoring\n\n%s\n\n## System\n\n%s\n", p.Name, p.Armoring, p.System)
	return nil
}

type presetRmCmd struct {
	Name string `arg:""`
}

func (c *presetRmCmd) Run(a *app) error {
	p, err := a.chats.PresetByName(a.ctx, a.owner, c.Name)
	if err != nil {
		return err
	}
	if err := a.chats.DeletePreset(a.ctx, a.owner, p.ID); err != nil {
		return err
	}
	a.printf("Deleted preset %s.\n", p.Name)
	return nil
}

type keysCmd struct {
	Rotate keysRotateCmd `cmd:"" help:"Re-seal API keys sealed with a retired master key."`
}

type keysRotateCmd struct{}

func (c *keysRotateCmd) Run(a *app) error {
	n, err := a.chats.RotateKeys(a.ctx)
	if err != nil {
		return err
	}
	a.printf("Re-sealed %d key(s).\n", n)
	return nil
}
