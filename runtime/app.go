package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"
)

// App ties the loaded bots, the plugin container, the store and the
// executor together. It is what the HTTP handler and the CLI drive.
type App struct {
	Config    *AppConfig
	Container *Container
	Store     Store
	Loader    BotLoader
	Executor  *Executor

	l    *slog.Logger
	mu   sync.RWMutex
	bots map[string]*Bot
}

func NewApp(l *slog.Logger, config *AppConfig, loader BotLoader, store Store) *App {
	if l == nil {
		l = slog.Default()
	}
	if config == nil {
		config = &AppConfig{}
		_ = ApplyDefaults(config)
	}
	return &App{
		Config:    config,
		Container: NewContainer(l),
		Store:     store,
		Loader:    loader,
		l:         l,
		bots:      make(map[string]*Bot),
	}
}

// RegisterPlugin configures plugin from the plugins section of the
// configuration and registers its actions.
func (a *App) RegisterPlugin(name string, plugin any) error {
	if err := a.Container.ConfigurePlugin(name, plugin, a.Config.Plugins[name]); err != nil {
		return err
	}
	return a.Container.RegisterPlugin(name, plugin)
}

// LoadBots loads every manifest of dir matching the loader's extensions.
func (a *App) LoadBots(dir string) error {
	var files []string
	for _, ext := range a.Loader.Extensions() {
		matches, err := filepath.Glob(filepath.Join(dir, ext))
		if err != nil {
			return fmt.Errorf("error reading directory: %w", err)
		}
		files = append(files, matches...)
	}
	sort.Strings(files)

	for _, file := range files {
		bot, err := a.Loader.Load(file)
		if err != nil {
			return fmt.Errorf("error loading bot %s: %w", file, err)
		}
		a.RegisterBot(bot)
		a.l.Info(fmt.Sprintf("Loaded bot %s with %d flows from %s", bot.ID, len(bot.Flows), file))
	}
	return nil
}

// RegisterBot adds or replaces a bot.
func (a *App) RegisterBot(bot *Bot) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.bots[bot.ID] = bot
}

func (a *App) Bot(id string) (*Bot, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	bot, ok := a.bots[id]
	return bot, ok
}

// BotIDs lists the loaded bots.
func (a *App) BotIDs() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	ids := make([]string, 0, len(a.bots))
	for id := range a.bots {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Start initializes the plugins and builds the executor around
// stepExecutor.
func (a *App) Start(ctx context.Context, stepExecutor StepExecutor) error {
	if err := a.Container.Initialize(ctx); err != nil {
		return err
	}
	a.Executor = NewExecutor(a.l, a.Config.Engine, stepExecutor, a.Store)
	return nil
}

// HandleEvent runs one turn of the bot botID for client.
func (a *App) HandleEvent(ctx context.Context, botID string, client Client, event Event) (TurnOutput, error) {
	bot, ok := a.Bot(botID)
	if !ok {
		return TurnOutput{}, NewError(ErrorKindConfig, CodeBotNotFound, fmt.Sprintf("bot %s not found", botID))
	}
	if a.Executor == nil {
		return TurnOutput{}, ConfigErrorf("app not started")
	}
	client.BotID = bot.ID
	return a.Executor.HandleEvent(ctx, bot, client, event)
}

// Shutdown stops the plugins and closes the store.
func (a *App) Shutdown(ctx context.Context) error {
	err := a.Container.Shutdown(ctx)
	if a.Store != nil {
		if cerr := a.Store.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}
