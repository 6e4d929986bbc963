package dsl

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/BDNK1/chatflow/runtime"
	"gopkg.in/yaml.v3"
)

var _ runtime.BotLoader = &BotLoader{}

// FlowCache keeps parsed flows by name and content digest, so a flow is
// parsed once per bot version.
type FlowCache struct {
	mu    sync.RWMutex
	flows map[string]*runtime.Flow
}

func NewFlowCache() *FlowCache {
	return &FlowCache{flows: make(map[string]*runtime.Flow)}
}

// Parse returns the cached flow for (name, source) or parses it.
func (c *FlowCache) Parse(name, source string) (*runtime.Flow, error) {
	key := name + "@" + runtime.ContentDigest(source)

	c.mu.RLock()
	flow, ok := c.flows[key]
	c.mu.RUnlock()
	if ok {
		return flow, nil
	}

	flow, err := Parse(name, source)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.flows[key] = flow
	c.mu.Unlock()
	return flow, nil
}

// Len returns the number of cached flows.
func (c *FlowCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.flows)
}

// BotLoader loads bot manifests (YAML) and the .flow files they reference.
type BotLoader struct {
	cache *FlowCache
}

func NewBotLoader(cache *FlowCache) *BotLoader {
	if cache == nil {
		cache = NewFlowCache()
	}
	return &BotLoader{cache: cache}
}

func (l *BotLoader) Extensions() []string {
	return []string{"*.yaml", "*.yml"}
}

// Load reads a bot manifest and compiles every flow it lists. Flow files are
// resolved relative to the manifest.
func (l *BotLoader) Load(filePath string) (*runtime.Bot, error) {
	def, err := ReadBotDefinition(filePath)
	if err != nil {
		return nil, err
	}
	return l.Compile(def, filepath.Dir(filePath))
}

// LoadBot loads a bot manifest with a private cache.
func LoadBot(filePath string) (*runtime.Bot, error) {
	return NewBotLoader(nil).Load(filePath)
}

// ReadBotDefinition reads a YAML manifest without compiling it.
func ReadBotDefinition(filePath string) (runtime.BotDefinition, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return runtime.BotDefinition{}, fmt.Errorf("error reading bot manifest: %w", err)
	}

	var def runtime.BotDefinition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return runtime.BotDefinition{}, fmt.Errorf("error unmarshalling bot manifest %s: %w", filePath, err)
	}
	return def, nil
}

// Compile parses the flows of def. baseDir resolves relative flow files.
func (l *BotLoader) Compile(def runtime.BotDefinition, baseDir string) (*runtime.Bot, error) {
	if err := runtime.ValidateStruct(def); err != nil {
		return nil, runtime.ConfigErrorf("invalid bot %s: %v", def.ID, err)
	}

	bot := &runtime.Bot{
		ID:          def.ID,
		Name:        def.Name,
		DefaultFlow: def.DefaultFlow,
		Flows:       make(map[string]*runtime.Flow, len(def.Flows)),
	}

	for _, fd := range def.Flows {
		source, err := flowSource(fd, baseDir)
		if err != nil {
			return nil, err
		}
		if _, dup := bot.Flows[fd.Name]; dup {
			return nil, runtime.ConfigErrorf("bot %s: duplicate flow %s", def.ID, fd.Name)
		}

		flow, err := l.cache.Parse(fd.Name, source)
		if err != nil {
			return nil, err
		}
		if len(fd.Commands) > 0 {
			// cached flows are shared between bots; commands belong to the bot
			withCommands := *flow
			withCommands.Commands = fd.Commands
			flow = &withCommands
		}
		bot.Flows[fd.Name] = flow
	}

	if _, err := bot.Default(); err != nil {
		return nil, err
	}
	return bot, nil
}

// Validate reports every problem of def without compiling it.
func (l *BotLoader) Validate(def runtime.BotDefinition, baseDir string) runtime.ValidationReport {
	return ValidateBot(def, baseDir)
}

func flowSource(fd runtime.FlowDefinition, baseDir string) (string, error) {
	if fd.Content != "" {
		return fd.Content, nil
	}
	path := fd.File
	if baseDir != "" {
		if !filepath.IsAbs(path) {
			path = filepath.Join(baseDir, path)
		}
		if err := withinDir(baseDir, path); err != nil {
			return "", runtime.ConfigErrorf("flow %s: %v", fd.Name, err)
		}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("error reading flow file %s: %w", path, err)
	}
	return string(data), nil
}

// withinDir ensures that target does not escape dir, so a manifest cannot
// pull flow files from elsewhere on disk.
func withinDir(dir, target string) error {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("failed to resolve directory %q: %w", dir, err)
	}
	absTarget, err := filepath.Abs(target)
	if err != nil {
		return fmt.Errorf("failed to resolve path %q: %w", target, err)
	}

	rel, err := filepath.Rel(absDir, absTarget)
	if err != nil {
		return fmt.Errorf("invalid path relationship between %q and %q: %w", absDir, absTarget, err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fmt.Errorf("path traversal detected: %q escapes %q", target, dir)
	}
	return nil
}
