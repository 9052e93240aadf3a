package main

import (
	"context"
	"encoding/json"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dgnsrekt/presence-stream/internal/cache"
	"github.com/dgnsrekt/presence-stream/internal/config"
	"github.com/dgnsrekt/presence-stream/internal/presence"
	"github.com/dgnsrekt/presence-stream/internal/provider"
)

type probeResult struct {
	Configured bool              `json:"configured"`
	Source     string            `json:"source"`
	Snapshot   presence.Snapshot `json:"snapshot"`
	Stats      provider.Stats    `json:"stats"`
}

func probeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "probe",
		Short: "Fetch one snapshot from every enabled provider and print it as JSON",
		Long: `Fetch one snapshot from every enabled provider, bypassing the shared cache,
and print the snapshot with the provider's rate-limit stats.

Examples:
  presence-stream probe
  presence-stream -c configs/local.yaml probe`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return probe(cmd.Context(), cfg, logger, cmd.OutOrStdout())
		},
	}
}

func probe(ctx context.Context, cfg *config.Config, logger *zap.Logger, out io.Writer) error {
	store := cache.NewMemory()
	results := make(map[string]probeResult)

	for _, p := range provider.FromConfig(cfg, store, nil, logger) {
		snap, source := p.Current(ctx)
		results[p.Name] = probeResult{
			Configured: p.Client.Configured(),
			Source:     source,
			Snapshot:   snap,
			Stats:      p.Stats(),
		}
		logger.Debug("probed provider", zap.String("provider", p.Name), zap.String("source", source))
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(results)
}
