// faultmaven-sync inspects and repairs the durable state of the FaultMaven
// client sync engine. It speaks to the same backend and the same on-disk
// store the embedded engine uses, so a stuck client can be recovered or
// examined out of band.
package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/FaultMaven/faultmaven-dashboard-sub001/internal/backend"
	"github.com/FaultMaven/faultmaven-dashboard-sub001/internal/config"
	"github.com/FaultMaven/faultmaven-dashboard-sub001/internal/conflict"
	"github.com/FaultMaven/faultmaven-dashboard-sub001/internal/logging"
	"github.com/FaultMaven/faultmaven-dashboard-sub001/internal/persist"
	"github.com/FaultMaven/faultmaven-dashboard-sub001/internal/tracing"
	"github.com/FaultMaven/faultmaven-dashboard-sub001/pkg/engine"
)

const clientVersion = "1.0.0"

func main() {
	app := &cli.App{
		Name:    "faultmaven-sync",
		Usage:   "inspect and recover FaultMaven client sync state",
		Version: clientVersion,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "data-dir",
				Usage: "directory holding the durable sync state",
				Value: defaultDataDir(),
			},
			&cli.StringFlag{
				Name:    "token",
				Usage:   "bearer token for the backend",
				EnvVars: []string{"FAULTMAVEN_TOKEN"},
			},
			&cli.StringFlag{
				Name:  "session-id",
				Usage: "session identity recorded in the durable store",
				Value: "faultmaven-sync-cli",
			},
			&cli.StringFlag{
				Name:    "jaeger-endpoint",
				Usage:   "Jaeger collector endpoint for trace export",
				EnvVars: []string{"FAULTMAVEN_JAEGER_ENDPOINT"},
			},
		},
		Commands: []*cli.Command{
			recoverCommand(),
			statusCommand(),
			markReloadCommand(),
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func defaultDataDir() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, "faultmaven")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".local", "share", "faultmaven")
}

// setup builds the engine and its collaborators from config plus CLI flags.
// The returned cleanup flushes pending writes and the log buffer.
func setup(c *cli.Context) (*engine.Engine, *logging.Logger, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, nil, err
	}
	if err := config.Validate(cfg); err != nil {
		return nil, nil, nil, err
	}
	if cfg.Backend.URL == "" {
		return nil, nil, nil, fmt.Errorf("backend URL not configured, set FAULTMAVEN_BACKEND_URL")
	}

	log, err := logging.NewLogger(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, nil, nil, err
	}

	var shutdownTracer func()
	if endpoint := c.String("jaeger-endpoint"); endpoint != "" {
		tp, err := tracing.InitTracer("faultmaven-sync", endpoint)
		if err != nil {
			return nil, nil, nil, err
		}
		shutdownTracer = func() { tp.Shutdown(c.Context) }
	}

	store, err := persist.NewFileStore(c.String("data-dir"))
	if err != nil {
		return nil, nil, nil, err
	}

	backoff := backend.Backoff{
		Initial:     cfg.Backoff.Initial,
		Multiplier:  cfg.Backoff.Multiplier,
		Ceiling:     cfg.Backoff.Ceiling,
		MaxAttempts: cfg.Backoff.MaxAttempts,
	}
	client, err := backend.NewClient(backend.Options{
		BaseURL:    cfg.Backend.URL,
		Tokens:     backend.StaticToken(c.String("token")),
		Backoff:    backoff,
		HTTPClient: &http.Client{Timeout: cfg.Backend.RequestTimeout},
	}, log, nil)
	if err != nil {
		return nil, nil, nil, err
	}

	eng, err := engine.New(c.Context, engine.Options{
		Store:     store,
		Client:    client,
		Version:   clientVersion,
		SessionID: c.String("session-id"),
		ConflictParams: conflict.Params{
			LengthDiffThreshold: cfg.Conflict.LengthDiffThreshold,
			TimestampSkew:       cfg.Conflict.TimestampSkew,
		},
		Debounce:       cfg.Persist.Debounce,
		Retention:      cfg.Ledger.Retention,
		AbandonedGrace: cfg.Ledger.AbandonedGrace,
		Backoff:        backoff,
		Concurrency:    cfg.Recovery.Concurrency,
		Logger:         log,
	})
	if err != nil {
		return nil, nil, nil, err
	}

	cleanup := func() {
		eng.Close()
		if shutdownTracer != nil {
			shutdownTracer()
		}
		log.Sync()
	}
	return eng, log, cleanup, nil
}

func recoverCommand() *cli.Command {
	return &cli.Command{
		Name:  "recover",
		Usage: "rebuild local state from the backend when the cache is untrusted",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "force",
				Usage: "run recovery even when no distrust signal is set",
			},
		},
		Action: func(c *cli.Context) error {
			eng, log, cleanup, err := setup(c)
			if err != nil {
				return err
			}
			defer cleanup()

			if c.Bool("force") {
				if err := eng.MarkReload(c.Context); err != nil {
					return err
				}
			}
			result, ran, err := eng.RecoverIfNeeded(c.Context)
			if err != nil {
				return err
			}
			if !ran {
				fmt.Println("local state is trusted, nothing to recover")
				return nil
			}
			log.Info("recovery finished",
				zap.Int("cases", result.RecoveredCases),
				zap.Int("conversations", result.RecoveredConversations),
				zap.Bool("partial", result.Partial))
			return json.NewEncoder(os.Stdout).Encode(result)
		},
	}
}

func statusCommand() *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "print the operation ledger and pending state",
		Action: func(c *cli.Context) error {
			eng, _, cleanup, err := setup(c)
			if err != nil {
				return err
			}
			defer cleanup()

			out := struct {
				Stats      any `json:"stats"`
				Pending    any `json:"pending"`
				Failed     any `json:"failed"`
				BackupsLen int `json:"backups"`
			}{
				Stats:      eng.Stats(),
				Pending:    eng.PendingOperations(),
				Failed:     eng.FailedOperations(),
				BackupsLen: len(eng.Backups()),
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}
}

func markReloadCommand() *cli.Command {
	return &cli.Command{
		Name:  "mark-reload",
		Usage: "flag the durable store so the next engine start runs recovery",
		Action: func(c *cli.Context) error {
			eng, _, cleanup, err := setup(c)
			if err != nil {
				return err
			}
			defer cleanup()
			if err := eng.MarkReload(c.Context); err != nil {
				return err
			}
			fmt.Println("reload marker set")
			return nil
		},
	}
}
