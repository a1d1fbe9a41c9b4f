// skillsyncd - keep AI tool skill directories in sync with a central store
//
//	skillsyncd skill import <dir>     Load a skill directory into the store
//	skillsyncd deploy <skill> --tool  Materialize a skill for a tool
//	skillsyncd serve                  Reconcile, then watch deployments
//	skillsyncd accept|discard <skill> Resolve an external edit
//	skillsyncd merge <skill> --tool   Three-way merge a deployment back
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"skillsyncd/internal/app"
	"skillsyncd/internal/apperr"
	"skillsyncd/internal/config"
	"skillsyncd/internal/logging"
)

type ExitCoder interface {
	ExitCode() int
}

type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string { return e.msg }
func (e *exitError) ExitCode() int { return e.code }

// Exit codes by error kind.
const (
	exitFailure    = 1
	exitValidation = 2
	exitNotFound   = 3
	exitIO         = 4
	exitStore      = 5
	// exitConflict means content needs a user decision first.
	exitConflict = 6
)

func exitCode(err error) int {
	var ex ExitCoder
	if errors.As(err, &ex) {
		return ex.ExitCode()
	}
	switch apperr.KindOf(err) {
	case apperr.KindValidation:
		return exitValidation
	case apperr.KindNotFound:
		return exitNotFound
	case apperr.KindIO:
		return exitIO
	case apperr.KindStore:
		return exitStore
	}
	if errors.Is(err, config.ErrInvalidConfig) {
		return exitValidation
	}
	return exitFailure
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "skillsyncd:", err)
		os.Exit(exitCode(err))
	}
}

// runtime holds what every command needs to reach the app: the resolved
// config, its loader, and the process logger.
type runtime struct {
	configPath string
	logLevel   string
	jsonOutput bool

	loader *config.Loader
	logger *logging.Logger
	// prev is the slog default to put back on close.
	prev *slog.Logger
}

func (rt *runtime) resolvePath() string {
	if rt.configPath != "" {
		return rt.configPath
	}
	if os.Getenv("SKILLSYNCD_CONFIG") == "" {
		if found := config.FindConfigFile(); found != "" {
			return found
		}
	}
	return config.ConfigPath()
}

// loadConfig reads and validates the config and builds the logger. It is
// safe to call more than once; later calls reuse the first result.
func (rt *runtime) loadConfig() (*config.Config, error) {
	if rt.loader != nil {
		return rt.loader.Config(), nil
	}

	loader := config.NewLoader(rt.resolvePath())
	cfg, err := loader.Load()
	if err != nil {
		return nil, err
	}
	if rt.logLevel != "" {
		cfg.Logging.Level = rt.logLevel
	}

	lcfg, err := logging.FromSettings(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output,
		cfg.Logging.FilePath, cfg.Logging.MaxSizeMB, cfg.Logging.MaxBackups)
	if err != nil {
		return nil, apperr.Validation("load config", "%v", err)
	}
	logger, err := logging.New(lcfg)
	if err != nil {
		return nil, err
	}
	rt.prev = slog.Default()
	logging.SetDefault(logger)

	for _, w := range config.Check(cfg).Warnings() {
		logger.Warn("config", "field", w.Field, "message", w.Message)
	}

	rt.loader, rt.logger = loader, logger
	return cfg, nil
}

func (rt *runtime) open() (*app.App, error) {
	cfg, err := rt.loadConfig()
	if err != nil {
		return nil, err
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, apperr.IO("open", err)
	}
	return app.Open(cfg, rt.logger.Logger)
}

// close releases the app and the logger. Errors closing the app are
// returned so a failed commit surfaces.
func (rt *runtime) close(a *app.App) error {
	var err error
	if a != nil {
		err = a.Close()
	}
	if rt.loader != nil {
		rt.loader.Close()
	}
	if rt.logger != nil {
		slog.SetDefault(rt.prev)
		rt.logger.Close()
	}
	return err
}

// withApp opens the app, runs fn, and closes it.
func (rt *runtime) withApp(fn func(a *app.App) error) (err error) {
	a, err := rt.open()
	if err != nil {
		rt.close(nil)
		return err
	}
	defer func() {
		if cerr := rt.close(a); err == nil {
			err = cerr
		}
	}()
	return fn(a)
}

func newRootCmd() *cobra.Command {
	rt := &runtime{}

	cmd := &cobra.Command{
		Use:           "skillsyncd",
		Short:         "Keep AI tool skill directories in sync with a central store",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&rt.configPath, "config", "", "path to config file")
	cmd.PersistentFlags().StringVar(&rt.logLevel, "log-level", "", "override logging.level")
	cmd.PersistentFlags().BoolVar(&rt.jsonOutput, "json", false, "output JSON")

	cmd.AddCommand(newServeCmd(rt))
	cmd.AddCommand(newSkillCmd(rt))
	cmd.AddCommand(newProjectCmd(rt))
	cmd.AddCommand(newDeployCmd(rt))
	cmd.AddCommand(newSyncCmd(rt))
	cmd.AddCommand(newUndeployCmd(rt))
	cmd.AddCommand(newPullCmd(rt))
	cmd.AddCommand(newCheckCmd(rt))
	cmd.AddCommand(newReconcileCmd(rt))
	cmd.AddCommand(newAcceptCmd(rt))
	cmd.AddCommand(newDiscardCmd(rt))
	cmd.AddCommand(newBackupCmd(rt))
	cmd.AddCommand(newDiffCmd(rt))
	cmd.AddCommand(newMergeCmd(rt))
	cmd.AddCommand(newEventsCmd(rt))
	cmd.AddCommand(newToolsCmd(rt))
	cmd.AddCommand(newConfigCmd(rt))
	cmd.AddCommand(newVersionCmd(rt))

	return cmd
}

func print(w io.Writer, jsonOutput bool, payload any, message string) error {
	if jsonOutput {
		blob, err := json.MarshalIndent(payload, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(w, string(blob))
		return nil
	}
	if message != "" {
		fmt.Fprintln(w, message)
	}
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func shortSum(sum string) string {
	if sum == "" {
		return "-"
	}
	if len(sum) > 12 {
		return sum[:12]
	}
	return sum
}
