package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"pipemgr/internal/backend"
	"pipemgr/internal/common"
	"pipemgr/internal/config"
	"pipemgr/internal/logging"
	"pipemgr/internal/paths"
	"pipemgr/internal/pipefile"
	"pipemgr/internal/pipeline"
	"pipemgr/internal/store"
	"pipemgr/internal/supervisor"
)

func newRootCmd() *cobra.Command {
	v := viper.New()
	config.SetDefaults(v)
	config.BindEnv(v)

	var cfgFile string

	root := &cobra.Command{
		Use:           "pipemgr",
		Short:         "file-driven pipeline manager",
		Long:          "pipemgr builds the dependency graph of a declared pipeline, restarts only what is stale, and supervises execution through local or cluster backends.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default: pipemgr.{yaml,toml} on the search path)")
	pf.String("path-logs", "", "pipeline logs directory (required)")
	pf.String("path-search", "", "search path prepended for every job; \"omitted\" disables path setup")
	pf.String("command-interpreter", "pipe-runjob", "interpreter invocation used by generated wrapper scripts")
	pf.StringSlice("restart", nil, "force-restart jobs whose name contains any of these substrings")
	pf.Bool("update", true, "restart jobs whose descriptor changed since the prior run")
	pf.Bool("pause", false, "ask for operator confirmation before destructive steps")
	pf.Bool("clean", true, "delete stale outputs of to-be-restarted jobs")
	pf.Bool("verbose", true, "human-readable progress")
	pf.Bool("debug", false, "debug logging")

	pf.String("mode", "background", "execution backend: session|background|batch|qsub|msub")
	pf.Int("max-queued", 4, "maximum number of jobs in flight")
	pf.Duration("time-between-checks", v.GetDuration("time_between_checks"), "poll interval")
	pf.Duration("time-cool-down", 0, "pause between polling tags and reading logs")
	pf.String("qsub-options", "", "extra flags passed to qsub/msub")
	pf.String("shell-options", "", "shell prologue prepended to wrapper scripts")
	pf.String("init-command", "", "command run before the interpreter in wrapper scripts")

	bind := map[string]string{
		"path_logs":           "path-logs",
		"path_search":         "path-search",
		"command_interpreter": "command-interpreter",
		"restart":             "restart",
		"flag_update":         "update",
		"flag_pause":          "pause",
		"flag_clean":          "clean",
		"flag_verbose":        "verbose",
		"flag_debug":          "debug",
		"mode":                "mode",
		"max_queued":          "max-queued",
		"time_between_checks": "time-between-checks",
		"time_cool_down":      "time-cool-down",
		"qsub_options":        "qsub-options",
		"shell_options":       "shell-options",
		"init_command":        "init-command",
	}
	for key, flag := range bind {
		v.BindPFlag(key, pf.Lookup(flag))
	}

	loadCfg := func() (config.Config, error) { return config.Load(v, cfgFile) }

	root.AddCommand(newInitCmd(loadCfg))
	root.AddCommand(newRunCmd(loadCfg))
	root.AddCommand(newResumeCmd(loadCfg))
	root.AddCommand(newStatusCmd(loadCfg))
	return root
}

type cfgLoader func() (config.Config, error)

func newInitCmd(loadCfg cfgLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "init PIPELINE.yaml",
		Short: "validate a pipeline, compute its restart plan, and persist it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadCfg()
			if err != nil {
				return err
			}
			log := logging.New(cfg.FlagVerbose, cfg.FlagDebug)
			pl, err := pipefile.Load(args[0])
			if err != nil {
				return err
			}
			res, err := pipeline.Init(paths.New(cfg.PathLogs), pl, initOptions(cfg, log))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), res.PipePath)
			return nil
		},
	}
}

func newRunCmd(loadCfg cfgLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "run PIPELINE.yaml",
		Short: "initialize and supervise a pipeline in one shot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadCfg()
			if err != nil {
				return err
			}
			log := logging.New(cfg.FlagVerbose, cfg.FlagDebug)
			pl, err := pipefile.Load(args[0])
			if err != nil {
				return err
			}
			layout := paths.New(cfg.PathLogs)
			res, err := pipeline.Init(layout, pl, initOptions(cfg, log))
			if err != nil {
				return err
			}
			return supervise(cmd.Context(), cfg, log, layout, pl, res)
		},
	}
}

func newResumeCmd(loadCfg cfgLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "resume",
		Short: "supervise an already-initialized logs directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadCfg()
			if err != nil {
				return err
			}
			log := logging.New(cfg.FlagVerbose, cfg.FlagDebug)
			layout := paths.New(cfg.PathLogs)
			st, err := store.New(layout, log).Load()
			if err != nil {
				return err
			}
			pl, err := pipeline.FromState(st)
			if err != nil {
				return err
			}
			// Re-initialize from the persisted descriptors so in-flight
			// statuses from an interrupted run are normalized before
			// supervision resumes.
			res, err := pipeline.Init(layout, pl, initOptions(cfg, log))
			if err != nil {
				return err
			}
			return supervise(cmd.Context(), cfg, log, layout, pl, res)
		},
	}
}

func newStatusCmd(loadCfg cfgLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "print a summary of a logs directory's persisted state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadCfg()
			if err != nil {
				return err
			}
			log := logging.Discard()
			st, err := store.New(paths.New(cfg.PathLogs), log).Load()
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "JOB\tSTATUS\tELAPSED")
			counts := map[common.Status]int{}
			for _, name := range st.Meta.JobNames {
				status := st.Status[name]
				if status == "" {
					status = common.StatusNone
				}
				counts[status]++
				elapsed := ""
				if p := st.Profile[name]; p.ElapsedSec > 0 {
					elapsed = fmt.Sprintf("%.1fs", p.ElapsedSec)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\n", name, status, elapsed)
			}
			w.Flush()
			fmt.Fprintf(cmd.OutOrStdout(), "\nfinished=%d failed=%d none=%d running=%d submitted=%d\n",
				counts[common.StatusFinished], counts[common.StatusFailed],
				counts[common.StatusNone], counts[common.StatusRunning], counts[common.StatusSubmitted])
			return nil
		},
	}
}

func initOptions(cfg config.Config, log *logrus.Logger) pipeline.InitOptions {
	return pipeline.InitOptions{
		PathSearch:  cfg.PathSearch,
		Restart:     cfg.Restart,
		FlagUpdate:  cfg.FlagUpdate,
		FlagPause:   cfg.FlagPause,
		FlagClean:   cfg.FlagClean,
		FlagVerbose: cfg.FlagVerbose,
		Log:         log,
	}
}

func supervise(ctx context.Context, cfg config.Config, log *logrus.Logger, layout paths.Layout, pl common.Pipeline, res pipeline.InitResult) error {
	be, err := backend.New(string(cfg.Mode), backend.Options{
		Layout:       layout,
		Interpreter:  cfg.CommandInterpreter,
		InitCommand:  cfg.InitCommand,
		ShellOptions: cfg.ShellOptions,
		QsubOptions:  cfg.QsubOptions,
		Log:          log,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	sup := supervisor.New(layout, pl, res.Graph, store.New(layout, log), res.State, supervisor.Options{
		Backend:           be,
		MaxQueued:         cfg.MaxQueued,
		TimeBetweenChecks: cfg.TimeBetweenChecks,
		TimeCoolDown:      cfg.TimeCoolDown,
		Log:               log,
	})
	if err := sup.Run(ctx); err != nil {
		return err
	}
	if n := sup.Failed(); n > 0 {
		return fmt.Errorf("%d job(s) failed", n)
	}
	return nil
}
