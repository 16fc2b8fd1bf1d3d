// Package config wires flags, environment variables, and an optional YAML
// file into one configuration object. Precedence: flag > env > yaml >
// default.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

const DefaultSystemPrompt = `You are Annai, a workspace assistant embedded in the user's Notion.

Tool usage rules:
- If you need IDs, use search_notion first.
- Use get_database before query_database if properties are unknown.
- Use retrieve_page for metadata, get_page_content for block text.
- Use update_page_properties for metadata changes and append_block_to_page for content.
- Chain tools step-by-step and verify results when unsure.`

const (
	DefaultModel          = "nvidia/nemotron-3-nano-30b-a3b:free"
	DefaultCompletionsURL = "https://openrouter.ai/api/v1/chat/completions"
)

type Configuration struct {
	API    *APIConfig
	Model  *ModelConfig
	Notion *NotionConfig
	Chat   *ChatConfig
}

type APIConfig struct {
	OpenRouterKey string
	OpenRouterURL string
	Timeout       time.Duration
}

type ModelConfig struct {
	Model        string
	MaxToolLoops int
}

type NotionConfig struct {
	APIKey  string
	Timeout time.Duration
}

type ChatConfig struct {
	Prompt      string
	HistoryFile string
	Verbose     bool
}

// yamlSource implements cli.ValueSource for a map loaded from YAML.
type yamlSource struct {
	data map[string]any
	key  string
}

func (y *yamlSource) Lookup() (string, bool) {
	if v, ok := y.data[y.key]; ok {
		if slice, ok := v.([]any); ok {
			var strs []string
			for _, item := range slice {
				strs = append(strs, fmt.Sprintf("%v", item))
			}
			return strings.Join(strs, ","), true
		}
		return fmt.Sprintf("%v", v), true
	}
	return "", false
}

func (y *yamlSource) String() string   { return "yaml" }
func (y *yamlSource) GoString() string { return "yaml" }

func GetFlags() []cli.Flag {
	// Pre-parse config path so yaml values can back the other flags.
	configPath := getConfigPath()
	var configData map[string]any
	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err == nil {
			_ = yaml.Unmarshal(data, &configData)
		} else {
			fmt.Fprintf(os.Stderr, "Warning: failed to read config file %s: %v\n", configPath, err)
		}
	}

	// Helper to create sources: EnvVar > YAML > Default
	src := func(key string, env ...string) cli.ValueSourceChain {
		chain := cli.ValueSourceChain{}
		for _, e := range env {
			chain.Chain = append(chain.Chain, cli.EnvVar(e))
		}
		if configData != nil {
			chain.Chain = append(chain.Chain, &yamlSource{data: configData, key: key})
		}
		return chain
	}

	return []cli.Flag{
		&cli.StringFlag{Name: "config", Aliases: []string{"b"}, Usage: "use the named configuration file", Sources: cli.EnvVars("ANNAI_CONFIG")},

		// Completion endpoint
		&cli.StringFlag{Name: "openrouterkey", Usage: "OpenRouter API key", Sources: src("openrouterkey", "ANNAI_OPENROUTERKEY")},
		&cli.StringFlag{Name: "openrouterurl", Value: DefaultCompletionsURL, Usage: "chat-completions endpoint URL", Sources: src("openrouterurl", "ANNAI_OPENROUTERURL")},
		&cli.StringFlag{Name: "model", Aliases: []string{"m"}, Value: DefaultModel, Usage: "model to be used for responses", Sources: src("model", "ANNAI_MODEL")},
		&cli.DurationFlag{Name: "apitimeout", Aliases: []string{"t"}, Value: time.Minute * 5, Usage: "timeout for each completion request", Sources: src("apitimeout", "ANNAI_APITIMEOUT")},
		&cli.IntFlag{Name: "maxtoolloops", Value: 8, Usage: "maximum tool round-trips per user message", Sources: src("maxtoolloops", "ANNAI_MAXTOOLLOOPS")},

		// Workspace API
		&cli.StringFlag{Name: "notionkey", Usage: "Notion integration token", Sources: src("notionkey", "ANNAI_NOTIONKEY")},
		&cli.DurationFlag{Name: "notiontimeout", Value: time.Second * 30, Usage: "timeout for each workspace API call", Sources: src("notiontimeout", "ANNAI_NOTIONTIMEOUT")},

		// Chat behavior
		&cli.StringFlag{Name: "prompt", Value: DefaultSystemPrompt, Usage: "system prompt injected ahead of every request", Sources: src("prompt", "ANNAI_PROMPT")},
		&cli.StringFlag{Name: "historyfile", Usage: "path for persisted conversation history (empty keeps history in memory)", Sources: src("historyfile", "ANNAI_HISTORYFILE")},
		&cli.BoolFlag{Name: "verbose", Aliases: []string{"V"}, Usage: "enable verbose logging", Sources: src("verbose", "ANNAI_VERBOSE")},
	}
}

func getConfigPath() string {
	if v := os.Getenv("ANNAI_CONFIG"); v != "" {
		return v
	}
	for i, arg := range os.Args {
		if arg == "--config" || arg == "-b" {
			if i+1 < len(os.Args) {
				return os.Args[i+1]
			}
		}
		if strings.HasPrefix(arg, "--config=") {
			return strings.TrimPrefix(arg, "--config=")
		}
	}
	return ""
}

func NewConfiguration(c *cli.Command) *Configuration {
	return &Configuration{
		API: &APIConfig{
			OpenRouterKey: c.String("openrouterkey"),
			OpenRouterURL: c.String("openrouterurl"),
			Timeout:       c.Duration("apitimeout"),
		},
		Model: &ModelConfig{
			Model:        c.String("model"),
			MaxToolLoops: c.Int("maxtoolloops"),
		},
		Notion: &NotionConfig{
			APIKey:  c.String("notionkey"),
			Timeout: c.Duration("notiontimeout"),
		},
		Chat: &ChatConfig{
			Prompt:      c.String("prompt"),
			HistoryFile: c.String("historyfile"),
			Verbose:     c.Bool("verbose"),
		},
	}
}

// APIKey implements the credential lookup the chat loop depends on.
func (c *Configuration) APIKey(provider string) (string, bool) {
	var key string
	switch provider {
	case "openrouter":
		key = c.API.OpenRouterKey
	case "notion":
		key = c.Notion.APIKey
	}
	return key, key != ""
}
