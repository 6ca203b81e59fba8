package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"doc-chat-go/internal/bootstrap"
	"doc-chat-go/internal/config"
	"doc-chat-go/internal/migration"
	"doc-chat-go/internal/repository"
	"doc-chat-go/pkg/database"
	"doc-chat-go/pkg/log"
)

var (
	configPath string
	quiet      bool
	version    int

	runner    *migration.Runner
	closeDeps = func() {}
)

// errFailedMigrations 表示命令本身执行完毕，但仍有迁移处于 FAILED 状态。
var errFailedMigrations = errors.New("one or more migrations are FAILED")

var rootCmd = &cobra.Command{
	Use:           "migrate",
	Short:         "Manage vector collection migrations",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return setup(cmd.Context())
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the state of every registered migration",
	RunE: func(cmd *cobra.Command, args []string) error {
		return finish(cmd.OutOrStdout())
	},
}

var dryRunCmd = &cobra.Command{
	Use:   "dry-run",
	Short: "Preview pending migrations without changing anything",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		var previews []migration.Preview
		if version > 0 {
			p, err := runner.DryRun(ctx, version)
			if err != nil {
				return err
			}
			previews = append(previews, p)
		} else {
			var err error
			if previews, err = runner.DryRunPending(ctx); err != nil {
				return err
			}
		}
		out := cmd.OutOrStdout()
		if len(previews) == 0 {
			fmt.Fprintln(out, "No pending migrations.")
		}
		for _, p := range previews {
			fmt.Fprint(out, p.String())
		}
		return nil
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Apply pending migrations in version order",
	RunE: func(cmd *cobra.Command, args []string) error {
		var err error
		if version > 0 {
			err = runner.Apply(cmd.Context(), version)
		} else {
			err = runner.RunAll(cmd.Context())
		}
		if err != nil {
			return err
		}
		return finish(cmd.OutOrStdout())
	},
}

var rollbackCmd = &cobra.Command{
	Use:   "rollback",
	Short: "Roll back the highest applied or failed migration",
	RunE: func(cmd *cobra.Command, args []string) error {
		v, err := runner.Rollback(cmd.Context())
		if errors.Is(err, migration.ErrNothingToRollback) {
			fmt.Fprintln(cmd.OutOrStdout(), "Nothing to roll back.")
			return nil
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Rolled back migration %d.\n", v)
		return finish(cmd.OutOrStdout())
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "./configs/config.yaml", "path to the config file")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "only log warnings and errors")
	dryRunCmd.Flags().IntVar(&version, "version", 0, "preview a single migration version")
	runCmd.Flags().IntVar(&version, "version", 0, "apply a single migration version")
	rootCmd.AddCommand(statusCmd, dryRunCmd, runCmd, rollbackCmd)
}

// setup 连接 MySQL、Redis 和向量库，并注册全部迁移。
func setup(ctx context.Context) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	level := cfg.Log.Level
	if quiet {
		level = "warn"
	}
	log.Init(level, cfg.Log.Format, cfg.Log.OutputPath)

	database.InitMySQL(cfg.Database.MySQL.DSN)
	if err := database.AutoMigrate(database.DB); err != nil {
		return fmt.Errorf("数据表迁移失败: %w", err)
	}
	if cfg.Database.Redis.Addr != "" {
		database.InitRedis(cfg.Database.Redis.Addr, cfg.Database.Redis.Password, cfg.Database.Redis.DB)
	}

	store, closeStore, err := bootstrap.OpenStore(ctx, cfg)
	if err != nil {
		return err
	}
	registry, err := migration.NewRegistry(
		migration.NewConsolidateCollections(repository.NewDocumentRepository(database.DB), store),
	)
	if err != nil {
		closeStore()
		return err
	}
	runner = migration.NewRunner(registry, repository.NewMigrationRepository(database.DB), bootstrap.MigrationLocker())
	closeDeps = func() {
		closeStore()
		log.Sync()
	}
	return nil
}

// finish 打印状态，存在 FAILED 的迁移时返回错误使进程以非零状态退出。
func finish(w io.Writer) error {
	sum, err := runner.Status()
	if err != nil {
		return err
	}
	printSummary(w, sum)
	if sum.Failed > 0 {
		return errFailedMigrations
	}
	return nil
}

func printSummary(w io.Writer, sum migration.Summary) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "VERSION\tNAME\tSTATE\tAPPLIED AT")
	for _, m := range sum.Migrations {
		applied := "-"
		if m.AppliedAt != nil {
			applied = m.AppliedAt.Format("2006-01-02 15:04:05")
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", m.Version, m.Name, m.State, applied)
	}
	tw.Flush()
	fmt.Fprintf(w, "\nTotal: %d, Applied: %d, Pending: %d, Failed: %d\n", sum.Total, sum.Applied, sum.Pending, sum.Failed)
}
