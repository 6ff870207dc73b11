// Package main implements the memoryd CLI, a thin wrapper around the
// recall, populate, sleep, and health operations of the memory engine.
// The engine itself is library-shaped; this package only adds argument
// parsing, exit codes, and JSON/human rendering.
//
// # File Index
//
//   - main.go         - entry point, rootCmd, global flags, engine wiring
//   - cmd_recall.go   - recallCmd, runRecall()
//   - cmd_populate.go - populateCmd, runPopulate()
//   - cmd_sleep.go    - sleepCmd, runSleep()
//   - cmd_health.go   - healthCmd, runHealth()
package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/nilcroak/memoryd/internal/config"
	"github.com/nilcroak/memoryd/internal/embedding"
	"github.com/nilcroak/memoryd/internal/graph"
	"github.com/nilcroak/memoryd/internal/logging"
	"github.com/nilcroak/memoryd/internal/memerr"
	"github.com/nilcroak/memoryd/internal/memory"
	"github.com/nilcroak/memoryd/internal/store"
)

// Exit codes per §6.3: 0 success, 2 invalid arguments, 3 store
// unavailable, 4 embedding backend unavailable (only when the TF-IDF
// fallback also fails).
const (
	exitOK           = 0
	exitInvalidArgs  = 2
	exitStoreUnavail = 3
	exitEmbedderDown = 4
)

var (
	verbose    bool
	workspace  string
	configPath string

	logger *zap.Logger

	// cmdOut is where subcommands print results; swappable in tests.
	cmdOut io.Writer = os.Stdout
)

// cliError carries the process exit code a RunE failure should produce.
// Cobra only gives us an error; main() type-asserts to recover the code.
type cliError struct {
	code int
	err  error
}

func (e *cliError) Error() string { return e.err.Error() }
func (e *cliError) Unwrap() error { return e.err }

func invalidArgsf(format string, a ...interface{}) error {
	return &cliError{code: exitInvalidArgs, err: fmt.Errorf(format, a...)}
}

func wrapEngineErr(err error) error {
	switch {
	case errors.Is(err, memerr.ErrStoreUnavailable):
		return &cliError{code: exitStoreUnavail, err: err}
	case errors.Is(err, memerr.ErrEmbedderMissing):
		return &cliError{code: exitEmbedderDown, err: err}
	default:
		return &cliError{code: 1, err: err}
	}
}

var rootCmd = &cobra.Command{
	Use:   "memoryd",
	Short: "memoryd - local-first organizational memory engine",
	Long: `memoryd stores decisions, patterns, commits, and code as a graph of
labeled, weighted memories and recalls them with a hybrid semantic,
lexical, and spreading-activation pipeline.

Run "memoryd populate" to ingest logs and source history, "memoryd
sleep" to consolidate the graph offline, and "memoryd recall" to query
it.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zapCfg := zap.NewProductionConfig()
		if verbose {
			zapCfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zapCfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		storeDir := resolveStoreDir()
		if err := logging.Initialize(storeDir); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to initialize file logging: %v\n", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
		logging.CloseAll()
	},
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", "", "project directory (default: current directory)")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "memoryd.yaml", "config file path, resolved relative to --workspace")

	rootCmd.AddCommand(recallCmd, populateCmd, sleepCmd, healthCmd)
}

func resolveWorkspace() string {
	ws := workspace
	if ws == "" {
		ws, _ = os.Getwd()
		return ws
	}
	if abs, err := filepath.Abs(ws); err == nil {
		return abs
	}
	return ws
}

// resolveStoreDir computes the store directory the same way openEngines
// will, but tolerating a missing/invalid config since it also runs
// before any command has validated its own flags.
func resolveStoreDir() string {
	cfg, ws, err := loadConfig()
	if err != nil {
		return filepath.Join(resolveWorkspace(), config.DefaultConfig().Store.Dir)
	}
	if filepath.IsAbs(cfg.Store.Dir) {
		return cfg.Store.Dir
	}
	return filepath.Join(ws, cfg.Store.Dir)
}

// loadConfig resolves the config file path against the workspace. When
// --workspace is not given, the workspace is the process's current
// working directory.
func loadConfig() (*config.Config, string, error) {
	ws := resolveWorkspace()
	cfgFile := configPath
	if !filepath.IsAbs(cfgFile) {
		cfgFile = filepath.Join(ws, cfgFile)
	}
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, ws, err
	}
	return cfg, ws, nil
}

// engines bundles every component a subcommand needs, built once from
// the resolved config and workspace.
type engines struct {
	store    *store.Store
	graph    *graph.Graph
	embedder embedding.EmbeddingEngine
	facade   *memory.Facade
	cfg      *config.Config
}

// openEngines opens the store and the configured embedding backend,
// falling back to TF-IDF on any embedder failure per the EmbedderMissing
// recovery policy in §7. Only a TF-IDF failure (practically unreachable,
// since it needs no external dependency) is fatal.
func openEngines() (*engines, error) {
	cfg, _, err := loadConfig()
	if err != nil {
		return nil, wrapEngineErr(fmt.Errorf("failed to load config: %w", err))
	}

	s, err := store.Open(resolveStoreDir())
	if err != nil {
		return nil, wrapEngineErr(err)
	}

	embCfg := embedding.Config{
		Provider:       cfg.Embedding.Provider,
		OllamaEndpoint: cfg.Embedding.OllamaEndpoint,
		OllamaModel:    cfg.Embedding.OllamaModel,
		GenAIAPIKey:    cfg.Embedding.GenAIAPIKey,
		GenAIModel:     cfg.Embedding.GenAIModel,
		TaskType:       cfg.Embedding.TaskType,
	}
	embedder, err := embedding.NewEngine(embCfg)
	if err != nil {
		logging.EmbeddingWarn("primary embedding provider %s unavailable, falling back to tfidf: %v", cfg.Embedding.Provider, err)
		embedder, err = embedding.NewEngine(embedding.Config{Provider: "tfidf"})
		if err != nil {
			s.Close()
			return nil, wrapEngineErr(err)
		}
	}

	g := graph.New(s)
	facade := memory.New(s, embedder)

	return &engines{store: s, graph: g, embedder: embedder, facade: facade, cfg: cfg}, nil
}

func (e *engines) Close() {
	if e.store != nil {
		e.store.Close()
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		var ce *cliError
		if errors.As(err, &ce) {
			os.Exit(ce.code)
		}
		os.Exit(1)
	}
}
