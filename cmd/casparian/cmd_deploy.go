package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"casparianflow/internal/artifactstore"
	"casparianflow/internal/protocol"
)

var (
	deployArchivePath  string
	deployMetadataPath string
	deployLockfilePath string
)

// deployMetadataFile is the on-disk JSON shape for --metadata: parser
// declaration surface (spec.md §6: "name, version, entrypoint, outputs,
// topics").
type deployMetadataFile struct {
	Name       string                              `json:"name"`
	Version    string                              `json:"version"`
	Entrypoint string                              `json:"entrypoint"`
	Topics     []string                            `json:"topics"`
	Outputs    map[string]protocol.SchemaContract `json:"outputs"`
}

var deployArtifactCmd = &cobra.Command{
	Use:   "deploy-artifact",
	Short: "Store a parser archive and its metadata (spec.md §6 deploy_artifact(bytes, metadata))",
	RunE: func(cmd *cobra.Command, args []string) error {
		archiveBytes, err := os.ReadFile(deployArchivePath)
		if err != nil {
			return fmt.Errorf("read archive %s: %w", deployArchivePath, err)
		}
		metaBytes, err := os.ReadFile(deployMetadataPath)
		if err != nil {
			return fmt.Errorf("read metadata %s: %w", deployMetadataPath, err)
		}
		var meta deployMetadataFile
		if err := json.Unmarshal(metaBytes, &meta); err != nil {
			return fmt.Errorf("parse metadata: %w", err)
		}

		var lockfileBytes []byte
		if deployLockfilePath != "" {
			lockfileBytes, err = os.ReadFile(deployLockfilePath)
			if err != nil {
				return fmt.Errorf("read lockfile %s: %w", deployLockfilePath, err)
			}
		}

		artifactHash := protocol.ArtifactHash(archiveBytes)
		lockfileHash := protocol.EnvHash(lockfileBytes)

		home, err := cfg.DefaultHomeDir()
		if err != nil {
			return fmt.Errorf("resolve home directory: %w", err)
		}
		store := artifactstore.New(home, &cfg.ArtifactStore)

		if err := store.Store(artifactHash, archiveBytes, lockfileHash, artifactstore.Metadata{
			Name:       meta.Name,
			Version:    meta.Version,
			Entrypoint: meta.Entrypoint,
			Topics:     meta.Topics,
		}); err != nil {
			return fmt.Errorf("store artifact: %w", err)
		}

		fmt.Printf("artifact_hash=%s\n", artifactHash)
		return nil
	},
}

func init() {
	deployArtifactCmd.Flags().StringVar(&deployArchivePath, "archive", "", "path to the parser archive (zip) (required)")
	deployArtifactCmd.Flags().StringVar(&deployMetadataPath, "metadata", "", "path to a JSON metadata file (required)")
	deployArtifactCmd.Flags().StringVar(&deployLockfilePath, "lockfile", "", "path to the environment lockfile, for env_hash derivation")
	deployArtifactCmd.MarkFlagRequired("archive")
	deployArtifactCmd.MarkFlagRequired("metadata")
}
