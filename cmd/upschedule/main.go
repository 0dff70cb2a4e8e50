package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"upschedule/internal/app"
	"upschedule/internal/config"
	"upschedule/internal/ics"
	appLog "upschedule/internal/log"
	"upschedule/internal/model"
)

const version = "0.1.0"

var (
	configPath string
	envFiles   []string
)

func main() {
	if err := rootCommand().Execute(); err != nil {
		appLog.Error("command failed", err)
		os.Exit(1)
	}
}

func rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "upschedule",
		Short:         "Turn UP timetable PDFs into calendars",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "Path to config file")
	root.PersistentFlags().StringSliceVar(&envFiles, "env", []string{".env"}, "Dotenv files loaded before the environment is applied")

	root.AddCommand(serveCommand(), workerCommand(), sweepCommand(), icsCommand())
	return root
}

// loadConfig reads the YAML file, then overlays dotenv files and the process
// environment, and configures logging.
func loadConfig() (*config.Config, error) {
	if err := config.LoadDotenv(envFiles...); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", configPath, err)
	}
	cfg.ApplyEnv(os.LookupEnv)

	appLog.SetLevel(appLog.ParseLevel(cfg.LogLevel))
	appLog.SetJSON(cfg.LogJSON)
	appLog.Info("effective config",
		"listen", cfg.Listen,
		"timezone", cfg.Timezone,
		"database", cfg.Database.Driver,
		"storage", cfg.Storage.Driver,
		"redis", cfg.Redis.Addr != "",
		"queue", cfg.Queue.Enabled,
		"brokers", len(cfg.Queue.Brokers),
		"retention", cfg.Retention.String(),
		"sweep_cron", cfg.SweepCron,
	)
	return cfg, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// withApp loads config, wires the application and runs fn with it.
func withApp(fn func(ctx context.Context, a *app.App) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()

	a, err := app.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			appLog.Warn("close failed", "reason", err.Error())
		}
	}()
	return fn(ctx, a)
}

func serveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the retention schedule",
		RunE: func(cmd *cobra.Command, args []string) error {
			appLog.Info("upschedule starting", "version", version)
			return withApp(func(ctx context.Context, a *app.App) error {
				err := a.Serve(ctx)
				appLog.Info("upschedule exiting")
				return err
			})
		},
	}
}

func workerCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Process queued uploads from kafka",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app.App) error {
				return a.Work(ctx)
			})
		},
	}
}

func sweepCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Delete expired jobs and their files once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app.App) error {
				res, err := a.Sweep(ctx)
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %d, failed %d, errors %d\n", res.Deleted, res.Failed, res.Errors)
				return err
			})
		},
	}
}

func icsCommand() *cobra.Command {
	var (
		eventsPath string
		outPath    string
		name       string
		start      string
		end        string
	)
	cmd := &cobra.Command{
		Use:   "ics",
		Short: "Generate an .ics file from a JSON list of events",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(eventsPath)
			if err != nil {
				return err
			}
			var events []model.AbstractEvent
			if err := json.Unmarshal(data, &events); err != nil {
				return fmt.Errorf("%s: %w", eventsPath, err)
			}
			for i, ev := range events {
				if err := ev.Validate(); err != nil {
					return fmt.Errorf("event %d: %w", i, err)
				}
			}

			var bounds *model.SemesterWindow
			if start != "" || end != "" {
				s, err := time.Parse(time.DateOnly, start)
				if err != nil {
					return fmt.Errorf("--start: %w", err)
				}
				e, err := time.Parse(time.DateOnly, end)
				if err != nil {
					return fmt.Errorf("--end: %w", err)
				}
				bounds = &model.SemesterWindow{Name: name, Start: s, End: e}
			}

			doc, err := ics.Generate(events, bounds, time.Now())
			if err != nil {
				return err
			}
			if outPath == "" || outPath == "-" {
				_, err = fmt.Fprint(cmd.OutOrStdout(), doc)
				return err
			}
			if err := os.WriteFile(outPath, []byte(doc), 0o644); err != nil {
				return err
			}
			appLog.Info("calendar written", "path", outPath, "events", len(events))
			return nil
		},
	}
	cmd.Flags().StringVarP(&eventsPath, "events", "f", "", "JSON file with an array of events")
	cmd.Flags().StringVarP(&outPath, "out", "o", "-", "Output path, - for stdout")
	cmd.Flags().StringVar(&name, "semester", "", "Semester name")
	cmd.Flags().StringVar(&start, "start", "", "Semester start date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&end, "end", "", "Semester end date (YYYY-MM-DD)")
	_ = cmd.MarkFlagRequired("events")
	return cmd
}
