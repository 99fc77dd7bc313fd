package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/zulandar/conveyor/internal/config"
	"github.com/zulandar/conveyor/internal/db"
	"github.com/zulandar/conveyor/internal/extract"
	"github.com/zulandar/conveyor/internal/ledger"
	"github.com/zulandar/conveyor/internal/llm"
	"github.com/zulandar/conveyor/internal/logging"
	"github.com/zulandar/conveyor/internal/notify"
	"github.com/zulandar/conveyor/internal/notify/discord"
	"github.com/zulandar/conveyor/internal/notify/slack"
	"github.com/zulandar/conveyor/internal/pipeline"
	"github.com/zulandar/conveyor/internal/prompt"
	"github.com/zulandar/conveyor/internal/repair"
	"github.com/zulandar/conveyor/internal/store"
	"gorm.io/gorm"
)

const defaultConfigPath = "conveyor.yaml"

func addConfigFlag(cmd *cobra.Command, configPath *string) {
	cmd.Flags().StringVarP(configPath, "config", "c", defaultConfigPath, "path to Conveyor config file")
}

func connectFromConfig(configPath string) (*config.Config, *gorm.DB, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}

	gormDB, err := db.Open(cfg.Database)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to %s database: %w", cfg.Database.Driver, err)
	}

	return cfg, gormDB, nil
}

// app holds the collaborators shared by the job commands.
type app struct {
	cfg    *config.Config
	ledger *ledger.Ledger
	store  store.ObjectStore
	log    *slog.Logger
}

func openApp(cmd *cobra.Command, configPath string) (*app, error) {
	cfg, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return nil, err
	}
	log := logging.New(cfg.Logging.Level, cfg.Logging.Format, cmd.ErrOrStderr())

	st, err := store.Open(cmd.Context(), cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Store.Backend, err)
	}

	return &app{
		cfg:    cfg,
		ledger: ledger.New(gormDB, ledger.WithTTL(cfg.Retention.TTL), ledger.WithLogger(log)),
		store:  st,
		log:    log,
	}, nil
}

// runner wires a pipeline runner from the loaded config.
func (a *app) runner() (*pipeline.Runner, error) {
	model, err := llm.New(a.cfg.Model, a.log)
	if err != nil {
		return nil, err
	}
	tok, err := tokenizerFromConfig(a.cfg.Extract)
	if err != nil {
		return nil, err
	}
	notifier, err := buildNotifier(a.cfg.Notify)
	if err != nil {
		return nil, err
	}

	deps := pipeline.Deps{
		Ledger: a.ledger,
		Store:  a.store,
		Model:  model,
		Prompts: prompt.NewManager(a.store,
			prompt.WithDefaultLanguage(a.cfg.Pipeline.Language),
			prompt.WithLogger(a.log)),
		Tokenizer: tok,
		Notifier:  notifier,
		Logger:    a.log,
	}
	if a.cfg.Repair.Enabled {
		v, err := repair.FromConfig(a.cfg.Repair)
		if err != nil {
			return nil, err
		}
		deps.Validator = v
		deps.Target = repair.TargetFromConfig(a.cfg.Repair)
	}
	return pipeline.New(deps, pipeline.SettingsFromConfig(a.cfg))
}

func tokenizerFromConfig(cfg config.ExtractConfig) (*extract.Tokenizer, error) {
	return extract.NewTokenizer(extract.Patterns{
		Section:   cfg.SectionPatterns,
		FileOpen:  cfg.FileOpenPatterns,
		FileClose: cfg.FileClosePatterns,
	})
}

// buildNotifier returns a notifier for every configured chat target.
func buildNotifier(cfg config.NotifyConfig) (notify.Notifier, error) {
	var targets notify.Multi
	if cfg.Slack.Enabled() {
		n, err := slack.New(slack.Opts{BotToken: cfg.Slack.BotToken, ChannelID: cfg.Slack.Channel})
		if err != nil {
			return nil, err
		}
		targets = append(targets, n)
	}
	if cfg.Discord.Enabled() {
		n, err := discord.New(discord.Opts{BotToken: cfg.Discord.BotToken, ChannelID: cfg.Discord.Channel})
		if err != nil {
			return nil, err
		}
		targets = append(targets, n)
	}
	switch len(targets) {
	case 0:
		return notify.Nop{}, nil
	case 1:
		return targets[0], nil
	default:
		return targets, nil
	}
}
