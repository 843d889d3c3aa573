// Command fieldsync is the offline-first field task client: local edits
// land in SQLite immediately and a durable queue replays them against the
// remote API whenever connectivity allows.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/cheggaaa/pb/v3"
	"github.com/urfave/cli/v2"

	"github.com/kimhsiao/fieldsync/internal/config"
	"github.com/kimhsiao/fieldsync/internal/db"
	"github.com/kimhsiao/fieldsync/internal/logging"
	"github.com/kimhsiao/fieldsync/internal/models"
	syncpkg "github.com/kimhsiao/fieldsync/internal/sync"
	"github.com/kimhsiao/fieldsync/internal/sync/conflict"
	"github.com/kimhsiao/fieldsync/internal/sync/connectivity"
	"github.com/kimhsiao/fieldsync/internal/sync/queue"
	"github.com/kimhsiao/fieldsync/internal/sync/s3"
	"github.com/kimhsiao/fieldsync/internal/sync/scheduler"
	"github.com/kimhsiao/fieldsync/internal/sync/status"
)

// Version is set at build time.
var Version = "0.1.0"

// app bundles the wired components behind each CLI command.
type app struct {
	cfg      *config.Config
	store    *db.DB
	repo     *db.Repository
	status   *status.Publisher
	queue    *queue.Manager
	monitor  *connectivity.Monitor
	engine   *syncpkg.Engine
	schedule *scheduler.Scheduler
}

func newApp() (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	store, err := db.Open(cfg.DataDir)
	if err != nil {
		return nil, err
	}

	repo := db.NewRepository(store)
	pub := status.NewPublisher(repo)
	repo.OnQueueChange(func() { pub.Refresh() })
	q := queue.NewManager(repo, pub)

	// Items stuck processing mean a previous process died mid-delivery;
	// they go back to pending before anything else runs.
	if _, err := q.ResetInFlight(); err != nil {
		store.Close()
		return nil, err
	}

	provider := connectivity.NewHTTPProvider(cfg.HealthURL)
	monitor := connectivity.NewMonitor(provider, cfg.ProbeInterval)

	objects, err := s3.NewClient(&s3.Config{
		Endpoint:  cfg.S3Endpoint,
		Bucket:    cfg.S3Bucket,
		AccessKey: cfg.S3AccessKey,
		SecretKey: cfg.S3SecretKey,
		UseSSL:    cfg.S3UseSSL,
	})
	if err != nil {
		store.Close()
		return nil, err
	}

	remote := syncpkg.NewAPIClient(cfg.APIBaseURL, cfg.APIToken)
	resolver := conflict.NewResolver(repo)
	engine := syncpkg.NewEngine(repo, q, remote, objects, resolver, pub, monitor)
	sched := scheduler.NewScheduler(engine, q, monitor, &scheduler.Config{Interval: cfg.SyncInterval})

	return &app{
		cfg:      cfg,
		store:    store,
		repo:     repo,
		status:   pub,
		queue:    q,
		monitor:  monitor,
		engine:   engine,
		schedule: sched,
	}, nil
}

func (a *app) close() {
	a.store.Close()
}

// probeOnce feeds a single connectivity check into the monitor so one-shot
// commands do not need the polling loop.
func (a *app) probeOnce(ctx context.Context) bool {
	provider := connectivity.NewHTTPProvider(a.cfg.HealthURL)
	online := provider.Check(ctx)
	a.monitor.SetOnline(online)
	a.status.SetOnline(online)
	return online
}

func main() {
	logging.Init(os.Stderr, logging.LevelInfo)

	cliApp := &cli.App{
		Name:    "fieldsync",
		Usage:   "offline-first field task manager",
		Version: Version,
		Commands: []*cli.Command{
			taskCommand(),
			photoCommand(),
			statusCommand(),
			syncCommand(),
			retryCommand(),
			runCommand(),
		},
	}

	if err := cliApp.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func taskCommand() *cli.Command {
	return &cli.Command{
		Name:  "task",
		Usage: "manage field tasks",
		Subcommands: []*cli.Command{
			{
				Name:  "add",
				Usage: "create a task (works offline)",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "title", Required: true},
					&cli.StringFlag{Name: "description"},
					&cli.StringFlag{Name: "farm", Usage: "farm ID the task belongs to"},
					&cli.TimestampFlag{Name: "due", Layout: "2006-01-02", Usage: "due date (YYYY-MM-DD)"},
				},
				Action: func(c *cli.Context) error {
					a, err := newApp()
					if err != nil {
						return err
					}
					defer a.close()

					task := &models.Task{
						FarmID:      models.UUID(c.String("farm")),
						Title:       c.String("title"),
						Description: c.String("description"),
						Status:      "open",
					}
					if due := c.Timestamp("due"); due != nil {
						task.DueDate = due.Unix()
					}
					if err := a.repo.CreateTask(task); err != nil {
						return err
					}
					fmt.Printf("Created task %s (queued for sync)\n", task.ID)
					return nil
				},
			},
			{
				Name:  "list",
				Usage: "list tasks with their sync state",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "farm", Usage: "filter by farm ID"},
				},
				Action: func(c *cli.Context) error {
					a, err := newApp()
					if err != nil {
						return err
					}
					defer a.close()

					tasks, err := a.repo.ListTasks(c.String("farm"))
					if err != nil {
						return err
					}
					if len(tasks) == 0 {
						fmt.Println("No tasks.")
						return nil
					}
					for _, t := range tasks {
						due := "-"
						if t.DueDate != 0 {
							due = time.Unix(t.DueDate, 0).Format("2006-01-02")
						}
						fmt.Printf("%s  [%s] %-10s due %s  %s\n",
							t.ID, t.Status, t.SyncStatus, due, t.Title)
					}
					return nil
				},
			},
			{
				Name:      "done",
				Usage:     "mark a task done (works offline)",
				ArgsUsage: "<task-id>",
				Action: func(c *cli.Context) error {
					if c.NArg() != 1 {
						return fmt.Errorf("usage: fieldsync task done <task-id>")
					}
					a, err := newApp()
					if err != nil {
						return err
					}
					defer a.close()

					task, err := a.repo.GetTask(c.Args().First())
					if err != nil {
						return err
					}
					task.Status = "done"
					if err := a.repo.UpdateTask(task); err != nil {
						return err
					}
					fmt.Printf("Task %s marked done (queued for sync)\n", task.ID)
					return nil
				},
			},
			{
				Name:      "delete",
				Usage:     "delete a task (works offline)",
				ArgsUsage: "<task-id>",
				Action: func(c *cli.Context) error {
					if c.NArg() != 1 {
						return fmt.Errorf("usage: fieldsync task delete <task-id>")
					}
					a, err := newApp()
					if err != nil {
						return err
					}
					defer a.close()

					if err := a.repo.DeleteTask(c.Args().First()); err != nil {
						return err
					}
					fmt.Println("Task deleted (queued for sync)")
					return nil
				},
			},
		},
	}
}

func photoCommand() *cli.Command {
	return &cli.Command{
		Name:  "photo",
		Usage: "manage task photos",
		Subcommands: []*cli.Command{
			{
				Name:      "add",
				Usage:     "attach a photo file to a task (works offline)",
				ArgsUsage: "<task-id> <file>",
				Flags: []cli.Flag{
					&cli.Float64Flag{Name: "lat", Usage: "capture latitude"},
					&cli.Float64Flag{Name: "lng", Usage: "capture longitude"},
				},
				Action: func(c *cli.Context) error {
					if c.NArg() != 2 {
						return fmt.Errorf("usage: fieldsync photo add <task-id> <file>")
					}
					a, err := newApp()
					if err != nil {
						return err
					}
					defer a.close()

					data, err := os.ReadFile(c.Args().Get(1))
					if err != nil {
						return fmt.Errorf("failed to read photo file: %w", err)
					}

					photo := &models.Photo{
						TaskID: models.UUID(c.Args().First()),
						Data:   data,
					}
					if c.IsSet("lat") && c.IsSet("lng") {
						photo.HasLocation = true
						photo.Latitude = c.Float64("lat")
						photo.Longitude = c.Float64("lng")
					}
					if err := a.repo.CreatePhoto(photo); err != nil {
						return err
					}
					fmt.Printf("Attached photo %s (%d bytes, queued for upload)\n", photo.ID, len(data))
					return nil
				},
			},
			{
				Name:      "list",
				Usage:     "list a task's photos",
				ArgsUsage: "<task-id>",
				Action: func(c *cli.Context) error {
					if c.NArg() != 1 {
						return fmt.Errorf("usage: fieldsync photo list <task-id>")
					}
					a, err := newApp()
					if err != nil {
						return err
					}
					defer a.close()

					photos, err := a.repo.ListPhotosByTask(c.Args().First())
					if err != nil {
						return err
					}
					if len(photos) == 0 {
						fmt.Println("No photos.")
						return nil
					}
					for _, p := range photos {
						loc := ""
						if p.HasLocation {
							loc = fmt.Sprintf(" @%.5f,%.5f", p.Latitude, p.Longitude)
						}
						fmt.Printf("%s  [%s] %d bytes%s\n", p.ID, p.UploadStatus, len(p.Data), loc)
					}
					return nil
				},
			},
			{
				Name:      "delete",
				Usage:     "delete a photo (works offline)",
				ArgsUsage: "<photo-id>",
				Action: func(c *cli.Context) error {
					if c.NArg() != 1 {
						return fmt.Errorf("usage: fieldsync photo delete <photo-id>")
					}
					a, err := newApp()
					if err != nil {
						return err
					}
					defer a.close()

					if err := a.repo.DeletePhoto(c.Args().First()); err != nil {
						return err
					}
					fmt.Println("Photo deleted (remote removal queued)")
					return nil
				},
			},
		},
	}
}

func statusCommand() *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "show sync status",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "json", Usage: "machine-readable output"},
			&cli.BoolFlag{Name: "conflicts", Usage: "include the conflict log"},
		},
		Action: func(c *cli.Context) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()

			ctx := context.Background()
			a.probeOnce(ctx)
			a.status.Refresh()
			snap := a.status.Current()

			if c.Bool("json") {
				out, err := json.MarshalIndent(snap, "", "  ")
				if err != nil {
					return err
				}
				fmt.Println(string(out))
			} else {
				state := "OFFLINE"
				if snap.IsOnline {
					state = "ONLINE"
				}
				lastSync := "never"
				if snap.LastSyncTime != 0 {
					lastSync = time.Unix(snap.LastSyncTime, 0).Format(time.RFC3339)
				}
				fmt.Printf("Connectivity:  %s\n", state)
				fmt.Printf("Last sync:     %s\n", lastSync)
				fmt.Printf("Pending items: %d\n", snap.PendingCount)
				fmt.Printf("Failed items:  %d\n", snap.FailedCount)
				if snap.LastError != "" {
					fmt.Printf("Last error:    %s\n", snap.LastError)
				}
			}

			if c.Bool("conflicts") {
				logs, err := a.repo.ListConflictLogs()
				if err != nil {
					return err
				}
				if len(logs) > 0 {
					fmt.Println("\nResolved conflicts:")
					for _, entry := range logs {
						fmt.Printf("  %s task=%s %s (local %s vs remote %s)\n",
							time.Unix(entry.DetectedAt, 0).Format(time.RFC3339),
							entry.TaskID, entry.Resolution,
							time.Unix(entry.LocalUpdatedAt, 0).Format(time.RFC3339),
							time.Unix(entry.RemoteUpdatedAt, 0).Format(time.RFC3339))
					}
				}
			}
			return nil
		},
	}
}

func syncCommand() *cli.Command {
	return &cli.Command{
		Name:  "sync",
		Usage: "run one sync pass now",
		Action: func(c *cli.Context) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()

			ctx := context.Background()
			if !a.probeOnce(ctx) {
				return fmt.Errorf("offline: %s is unreachable", a.cfg.HealthURL)
			}

			pending, err := a.queue.PendingCount()
			if err != nil {
				return err
			}
			if pending == 0 {
				fmt.Println("Nothing to sync.")
				return nil
			}

			bar := pb.StartNew(pending)
			unsubscribe := a.status.Subscribe(func(snap models.StatusSnapshot) {
				if done := int64(pending - snap.PendingCount); done > bar.Current() {
					bar.SetCurrent(done)
				}
			})
			defer unsubscribe()

			result, err := a.engine.Sync(ctx)
			bar.Finish()
			if err != nil {
				return err
			}

			fmt.Printf("Synced %d item(s) in %s", result.Sent, result.Duration.Round(time.Millisecond))
			if result.Conflicts > 0 {
				fmt.Printf(", %d conflict(s) resolved remote-wins", result.Conflicts)
			}
			if result.Failed > 0 {
				fmt.Printf(", %d failed", result.Failed)
			}
			fmt.Println()
			return nil
		},
	}
}

func retryCommand() *cli.Command {
	return &cli.Command{
		Name:  "retry",
		Usage: "reset failed queue items for another round of sync attempts",
		Action: func(c *cli.Context) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()

			n, err := a.queue.RetryFailed()
			if err != nil {
				return err
			}
			fmt.Printf("Reset %d failed item(s) to pending\n", n)
			return nil
		},
	}
}

func runCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "run the background sync daemon until interrupted",
		Action: func(c *cli.Context) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			// Mirror connectivity edges into the published status.
			events, unsubscribe := a.monitor.Subscribe()
			defer unsubscribe()
			go func() {
				for range events {
					a.status.SetOnline(a.monitor.Online())
				}
			}()

			a.monitor.Start(ctx)
			a.schedule.Start(ctx)
			a.schedule.TriggerSync()

			fmt.Printf("fieldsync daemon running (probe %s, sync every %s); Ctrl-C to stop\n",
				a.cfg.ProbeInterval, a.cfg.SyncInterval)

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			sig := <-sigCh
			fmt.Printf("\nReceived %s, shutting down\n", strings.ToUpper(sig.String()))

			a.schedule.Stop()
			a.monitor.Stop()
			return nil
		},
	}
}
