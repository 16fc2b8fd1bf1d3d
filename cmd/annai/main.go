package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/lmittmann/tint"
	"github.com/mazznoer/colorgrad"
	"github.com/urfave/cli/v3"

	"annailabs/annai/internal/chat"
	"annailabs/annai/internal/config"
	"annailabs/annai/internal/llm"
	"annailabs/annai/internal/notion"
	"annailabs/annai/internal/repl"
	"annailabs/annai/internal/store"
	"annailabs/annai/internal/tools"
)

const version = "0.3"

// Headers sent to the completion endpoint for attribution.
const (
	refererHeader = "https://notion.so"
	titleHeader   = "Annai"
)

func main() {
	cmd := &cli.Command{
		Name:    "annai",
		Usage:   "workspace chat assistant with tool calling",
		Version: version,
		Flags:   config.GetFlags(),
		Action:  runChat,
		Commands: []*cli.Command{
			{
				Name:   "check",
				Usage:  "verify the configured credentials against their endpoints",
				Flags:  config.GetFlags(),
				Action: runCheck,
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func initLogger(verbose bool) {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: "15:04:05.000",
	})))
}

func buildAssistant(cfg *config.Configuration, callbacks chat.Callbacks) (*chat.Assistant, error) {
	var st store.Store
	if cfg.Chat.HistoryFile != "" {
		fileStore, err := store.NewFileStore(cfg.Chat.HistoryFile)
		if err != nil {
			return nil, err
		}
		st = fileStore
	} else {
		st = store.NewMemoryStore()
	}

	registry := tools.NewRegistry()
	notionClient := notion.NewClient(cfg.Notion.APIKey, cfg.Notion.Timeout)
	if err := tools.RegisterNotionTools(registry, notionClient); err != nil {
		return nil, err
	}

	client := llm.NewClient(cfg.API.OpenRouterURL, cfg.Model.Model, cfg.API.Timeout)
	client.Referer = refererHeader
	client.Title = titleHeader

	return chat.New(chat.Config{
		Provider:     "openrouter",
		SystemPrompt: cfg.Chat.Prompt,
		MaxToolLoops: cfg.Model.MaxToolLoops,
	}, client, registry, st, cfg, callbacks)
}

func runChat(ctx context.Context, c *cli.Command) error {
	fmt.Println(getBanner())

	cfg := config.NewConfiguration(c)
	initLogger(cfg.Chat.Verbose)

	renderer := repl.NewRenderer(os.Stdout)
	assistant, err := buildAssistant(cfg, chat.Callbacks{
		OnAssistant: renderer.OnAssistant,
		OnToolCall:  renderer.OnToolCall,
	})
	if err != nil {
		return err
	}

	slog.Info("annai starting", "model", cfg.Model.Model, "endpoint", cfg.API.OpenRouterURL)
	return repl.New(assistant, os.Stdin, os.Stdout).Run(ctx)
}

func runCheck(ctx context.Context, c *cli.Command) error {
	cfg := config.NewConfiguration(c)
	initLogger(cfg.Chat.Verbose)

	if _, ok := cfg.APIKey("openrouter"); !ok {
		fmt.Println("openrouter: no API key configured")
	} else {
		fmt.Println("openrouter: key present")
	}

	if _, ok := cfg.APIKey("notion"); !ok {
		fmt.Println("notion: no API key configured")
		return nil
	}

	checkCtx, cancel := context.WithTimeout(ctx, cfg.Notion.Timeout)
	defer cancel()
	self, err := notion.NewClient(cfg.Notion.APIKey, cfg.Notion.Timeout).GetSelf(checkCtx)
	if err != nil {
		return fmt.Errorf("notion credential check failed: %w", err)
	}
	name, _ := self["name"].(string)
	fmt.Printf("notion: ok (bot user %q)\n", name)
	return nil
}

func getBanner() string {
	banner := `
   __ _  _ __   _ __    __ _  (_)
  / _' || '_ \ | '_ \  / _' | | |
 | (_| || | | || | | || (_| | | |
  \__,_||_| |_||_| |_| \__,_| |_|
  .  .  .  your workspace, chatty  [v` + version + `]
`
	grad, _ := colorgrad.NewGradient().
		HtmlColors("#1115f0ff", "#fdfdfdff").
		Build()

	lines := strings.Split(banner, "\n")

	maxLen := 0
	for _, line := range lines {
		if len(line) > maxLen {
			maxLen = len(line)
		}
	}

	colors := grad.Colors(uint(maxLen))
	var coloredBanner strings.Builder

	for _, line := range lines {
		for i, ch := range line {
			r, g, b, _ := colors[i].RGBA255()
			coloredBanner.WriteString(fmt.Sprintf("\x1b[38;2;%d;%d;%dm%c", r, g, b, ch))
		}
		coloredBanner.WriteString("\x1b[0m\n")
	}

	return coloredBanner.String()
}
