package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/FACorreiaa/finance-portability/cmd/api"
	"github.com/FACorreiaa/finance-portability/internal/domain/portability"
	"github.com/FACorreiaa/finance-portability/pkg/config"
	"github.com/FACorreiaa/finance-portability/pkg/objstore"
)

type environment struct {
	cfg    *config.Config
	logger *slog.Logger
	deps   *api.Dependencies
	files  *objstore.Store
}

func setup(cmd *cobra.Command, withServices bool) (*environment, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	level := config.ParseLevel(cfg.LogLevel)
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	env := &environment{
		cfg:    cfg,
		logger: logger,
		files:  objstore.New(cmd.InOrStdin(), cmd.OutOrStdout()),
	}
	if withServices {
		deps, err := api.InitDependencies(cfg, logger)
		if err != nil {
			return nil, err
		}
		env.deps = deps
	}
	return env, nil
}

func (e *environment) close() {
	if err := e.files.Close(); err != nil {
		e.logger.Warn("failed to close storage client", slog.Any("error", err))
	}
	if e.deps != nil {
		e.deps.Cleanup()
	}
}

func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
}

func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runExport(cmd *cobra.Command, _ []string) error {
	owner, err := portability.ParseOwnerID(ownerID)
	if err != nil {
		return err
	}
	dest := outLocation

	env, err := setup(cmd, true)
	if err != nil {
		return err
	}
	defer env.close()

	ctx, cancel := signalContext(cmd)
	defer cancel()

	doc, err := env.deps.PortabilityService.Export(ctx, owner)
	if err != nil {
		return err
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to encode document: %w", err)
	}
	if pretty {
		var buf bytes.Buffer
		if err := json.Indent(&buf, data, "", "  "); err != nil {
			return fmt.Errorf("failed to indent document: %w", err)
		}
		data = buf.Bytes()
	}
	if err := env.files.WriteAll(ctx, dest, data); err != nil {
		return fmt.Errorf("failed to write export: %w", err)
	}

	if dest != "-" {
		env.logger.Info("export written", slog.String("destination", dest), slog.Any("records", doc.RecordCounts()))
	}
	return nil
}

func runImport(cmd *cobra.Command, _ []string) error {
	owner, err := portability.ParseOwnerID(ownerID)
	if err != nil {
		return err
	}

	env, err := setup(cmd, true)
	if err != nil {
		return err
	}
	defer env.close()

	ctx, cancel := signalContext(cmd)
	defer cancel()

	payload, err := env.files.ReadAll(ctx, inLocation, env.cfg.Portability.MaxImportBytes)
	if err != nil {
		return err
	}

	summary, err := env.deps.PortabilityService.Import(ctx, owner, payload, portability.Options{
		PreserveIDs:       preserveIDs,
		OverwriteExisting: overwriteExisting,
	})
	if err != nil {
		return err
	}
	return writeJSON(cmd, summary)
}

func runSummary(cmd *cobra.Command, _ []string) error {
	owner, err := portability.ParseOwnerID(ownerID)
	if err != nil {
		return err
	}

	env, err := setup(cmd, true)
	if err != nil {
		return err
	}
	defer env.close()

	ctx, cancel := signalContext(cmd)
	defer cancel()

	counts, err := env.deps.PortabilityService.Summary(ctx, owner)
	if err != nil {
		return err
	}
	return writeJSON(cmd, map[string]any{"userId": owner.String(), "summary": counts})
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	env, err := setup(cmd, false)
	if err != nil {
		return err
	}
	defer env.close()

	database, err := api.OpenDatabase(env.cfg, env.logger)
	if err != nil {
		return err
	}
	defer database.Close()

	env.logger.Info("migrations applied")
	return nil
}
