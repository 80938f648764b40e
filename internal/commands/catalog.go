// Package commands loads custom bot commands from YAML manifests and runs
// their optional Lua scripts in a restricted interpreter.
package commands

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"text/template"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/novamd/bridge-server-go/internal/config"
	"github.com/novamd/bridge-server-go/internal/model"
)

// Manifest is one <name>.yaml file in the commands directory.
type Manifest struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Category    string   `yaml:"category"`
	OwnerOnly   bool     `yaml:"owner_only"`
	Aliases     []string `yaml:"aliases"`
	// Reply is a text/template rendered with the invocation and the script result.
	Reply string `yaml:"reply"`
	// Script is a Lua file relative to the manifest.
	Script string `yaml:"script"`
}

type command struct {
	Manifest
	reply      *template.Template
	script     string
	scriptName string
}

type replyData struct {
	Args    []string
	Text    string
	Sender  string
	Chat    string
	IsOwner bool
	IsGroup bool
	Result  string
}

type Options struct {
	Dir               string
	InstructionBudget int
	ScriptTimeout     time.Duration
	Debounce          time.Duration
}

type Catalog struct {
	opts Options

	mu       sync.RWMutex
	commands map[string]*command
	names    map[string]string

	watchMu sync.Mutex
	stop    context.CancelFunc
	done    chan struct{}
}

func NewCatalog(opts Options) *Catalog {
	if opts.InstructionBudget <= 0 {
		opts.InstructionBudget = config.ScriptInstructionBudget
	}
	if opts.ScriptTimeout <= 0 {
		opts.ScriptTimeout = config.ScriptTimeout
	}
	if opts.Debounce <= 0 {
		opts.Debounce = config.CommandsReloadDebounce
	}
	return &Catalog{
		opts:     opts,
		commands: make(map[string]*command),
		names:    make(map[string]string),
	}
}

func (c *Catalog) Name() string {
	return "commands"
}

// Reload replaces the catalog with the manifests currently on disk. Broken
// manifests are skipped; a missing directory yields an empty catalog.
func (c *Catalog) Reload(ctx context.Context) error {
	entries, err := os.ReadDir(c.opts.Dir)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("read commands dir: %w", err)
	}

	commands := make(map[string]*command)
	names := make(map[string]string)
	for _, entry := range entries {
		ext := filepath.Ext(entry.Name())
		if entry.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}
		path := filepath.Join(c.opts.Dir, entry.Name())
		cmd, err := loadManifest(path)
		if err != nil {
			log.Warn().Err(err).Str("file", entry.Name()).Msg("skipping command manifest")
			continue
		}
		if _, dup := commands[cmd.Name]; dup {
			log.Warn().Str("command", cmd.Name).Str("file", entry.Name()).Msg("duplicate command name, skipping")
			continue
		}
		commands[cmd.Name] = cmd
		names[cmd.Name] = cmd.Name
		for _, alias := range cmd.Aliases {
			alias = strings.ToLower(alias)
			if _, taken := names[alias]; !taken {
				names[alias] = cmd.Name
			}
		}
	}

	c.mu.Lock()
	c.commands = commands
	c.names = names
	c.mu.Unlock()

	log.Info().Int("commands", len(commands)).Str("dir", c.opts.Dir).Msg("custom commands loaded")
	return nil
}

func loadManifest(path string) (*command, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	m.Name = strings.ToLower(strings.TrimSpace(m.Name))
	if m.Name == "" || strings.ContainsAny(m.Name, " \t\n") {
		return nil, fmt.Errorf("manifest needs a single-word name")
	}
	if m.Reply == "" && m.Script == "" {
		return nil, fmt.Errorf("command %s has neither reply nor script", m.Name)
	}
	if m.Category == "" {
		m.Category = "general"
	}

	cmd := &command{Manifest: m}
	if m.Reply != "" {
		tmpl, err := template.New(m.Name).Option("missingkey=zero").Parse(m.Reply)
		if err != nil {
			return nil, fmt.Errorf("parse reply of %s: %w", m.Name, err)
		}
		cmd.reply = tmpl
	}
	if m.Script != "" {
		scriptPath := filepath.Join(filepath.Dir(path), filepath.Clean("/" + m.Script))
		src, err := os.ReadFile(scriptPath)
		if err != nil {
			return nil, fmt.Errorf("read script of %s: %w", m.Name, err)
		}
		cmd.script = string(src)
		cmd.scriptName = filepath.Base(scriptPath)
	}
	return cmd, nil
}

func (c *Catalog) lookup(name string) *command {
	c.mu.RLock()
	defer c.mu.RUnlock()
	canonical, ok := c.names[name]
	if !ok {
		return nil
	}
	return c.commands[canonical]
}

// Dispatch runs the named command. handled is false for unknown names.
func (c *Catalog) Dispatch(ctx context.Context, inv model.CommandContext) (string, bool, error) {
	cmd := c.lookup(inv.Name)
	if cmd == nil {
		return "", false, nil
	}
	if cmd.OwnerOnly && !inv.IsOwner {
		return "⛔ Only the owner can use this command.", true, nil
	}

	var result string
	if cmd.script != "" {
		out, err := runScript(ctx, cmd.scriptName, cmd.script, inv, scriptLimits{
			Instructions: c.opts.InstructionBudget,
			Timeout:      c.opts.ScriptTimeout,
		})
		if err != nil {
			return "", true, fmt.Errorf("command %s: %w", cmd.Name, err)
		}
		result = out
	}
	if cmd.reply == nil {
		return result, true, nil
	}

	var buf bytes.Buffer
	err := cmd.reply.Execute(&buf, replyData{
		Args:    inv.Args,
		Text:    strings.Join(inv.Args, " "),
		Sender:  inv.Sender,
		Chat:    inv.Chat,
		IsOwner: inv.IsOwner,
		IsGroup: inv.IsGroup,
		Result:  result,
	})
	if err != nil {
		return "", true, fmt.Errorf("command %s: render reply: %w", cmd.Name, err)
	}
	return strings.TrimSpace(buf.String()), true, nil
}

// Describe lists the loaded commands sorted by category and name.
func (c *Catalog) Describe() []model.CommandInfo {
	c.mu.RLock()
	out := make([]model.CommandInfo, 0, len(c.commands))
	for _, cmd := range c.commands {
		out = append(out, model.CommandInfo{
			Name:        cmd.Name,
			Description: cmd.Description,
			Category:    cmd.Category,
			OwnerOnly:   cmd.OwnerOnly,
		})
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Category != out[j].Category {
			return out[i].Category < out[j].Category
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Info groups the catalog by category.
func (c *Catalog) Info() map[string][]model.CommandInfo {
	out := make(map[string][]model.CommandInfo)
	for _, info := range c.Describe() {
		out[info.Category] = append(out[info.Category], info)
	}
	return out
}

func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.commands)
}
