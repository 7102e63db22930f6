package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ccme-project/ccme/internal/ccme/manager"
	"github.com/ccme-project/ccme/internal/ccme/model"
	"github.com/ccme-project/ccme/internal/ccme/providers"
	"github.com/ccme-project/ccme/internal/ccme/snapshotstore"
	"github.com/ccme-project/ccme/internal/config"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a Context Manager facade as a local process",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("session", "default", "session id")
	serveCmd.Flags().String("model-id", "local-model", "identifier of the loaded model")
	serveCmd.Flags().Int("model-context-size", 32000, "model's native context window, in tokens")
	serveCmd.Flags().Uint64("bytes-per-token-f16", 2, "per-token KV cache cost at f16, in bytes")
	serveCmd.Flags().String("snapshot-dir", "./ccme-snapshots", "directory for the file-backed snapshot store")
}

func runServe(cmd *cobra.Command, args []string) error {
	sessionID, _ := cmd.Flags().GetString("session")
	modelID, _ := cmd.Flags().GetString("model-id")
	contextSize, _ := cmd.Flags().GetInt("model-context-size")
	bytesPerToken, _ := cmd.Flags().GetUint64("bytes-per-token-f16")
	snapshotDir, _ := cmd.Flags().GetString("snapshot-dir")

	color.Cyan("Starting ccmectl serve (session=%s, model=%s)", sessionID, modelID)

	provider, err := buildProvider(cfg.Provider)
	if err != nil {
		return fmt.Errorf("build provider: %w", err)
	}
	defer provider.Close()

	store := snapshotstore.NewFileBlobStore(snapshotDir)

	modelInfo := model.ModelInfo{
		ID:               modelID,
		ContextSize:      contextSize,
		KVQuantization:   model.KVQuantization(cfg.Context.KVQuantization),
		BytesPerTokenF16: bytesPerToken,
	}

	m, err := manager.New(
		sessionID,
		modelInfo,
		cfg.ToManagerConfig(),
		providers.NewSummarizer(provider, cfg.Provider.Model),
		store,
		nil,
		nil,
		nil,
		providers.NewToolDetector(provider),
	)
	if err != nil {
		return fmt.Errorf("construct manager: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m.Start(ctx)
	color.Green("Context Manager facade running. Press Ctrl+C to stop.")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	color.Yellow("Shutting down...")
	m.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if _, err := m.CreateSnapshot(shutdownCtx, "shutdown"); err != nil {
		rootLog.Warn("final shutdown snapshot failed: %v", err)
	}

	color.Green("Stopped cleanly.")
	return nil
}

func buildProvider(pc config.ProviderConfig) (providers.Provider, error) {
	switch pc.Backend {
	case "bedrock":
		return providers.NewBedrockProvider(providers.BedrockConfig{
			Region:                  pc.Bedrock.Region,
			ModelID:                 pc.Model,
			CrossRegionInferenceARN: pc.Bedrock.CrossRegionInferenceARN,
			CacheToolDefinitions:    pc.Bedrock.CacheToolDefinitions,
		})
	case "local", "":
		return providers.NewLocalProvider(providers.LocalConfig{
			ServerHost:    pc.Local.ServerHost,
			ServerPort:    pc.Local.ServerPort,
			ServerTimeout: pc.Local.ServerTimeout,
			Model:         pc.Model,
		}), nil
	default:
		return nil, fmt.Errorf("unknown provider backend: %s", pc.Backend)
	}
}
