package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/benmeehan/location-agent/internal/archive"
	"github.com/benmeehan/location-agent/pkg/encryption"
	"github.com/benmeehan/location-agent/pkg/s3"
)

var purgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Archive and delete confirmed samples older than a cutoff",
	RunE: func(cmd *cobra.Command, args []string) error {
		beforeFlag, _ := cmd.Flags().GetString("before")
		olderThan, _ := cmd.Flags().GetDuration("older-than")

		var before time.Time
		switch {
		case beforeFlag != "" && olderThan > 0:
			return errors.New("--before and --older-than are mutually exclusive")
		case beforeFlag != "":
			t, err := parseTime("before", beforeFlag)
			if err != nil {
				return err
			}
			before = t
		case olderThan > 0:
			before = time.Now().Add(-olderThan)
		default:
			return errors.New("one of --before or --older-than is required")
		}

		ctx := cmd.Context()
		a, err := bootstrap(ctx, bootstrapOptions{})
		if err != nil {
			return err
		}
		defer a.Close()

		var (
			storage   archive.ObjectPutter
			encryptor encryption.EncryptionManagerInterface
		)
		cfg := a.config.Archive
		if cfg.Enabled {
			objectStorage := s3.NewObjectStorage()
			if err := objectStorage.Connect(ctx, cfg.Endpoint, cfg.AccessKey, cfg.SecretKey, cfg.UseSSL); err != nil {
				return fmt.Errorf("failed to connect to archive storage: %w", err)
			}
			storage = objectStorage

			if cfg.EncryptionKeyFile != "" {
				manager, err := encryption.LoadEncryptionManager(cfg.EncryptionKeyFile, a.fileClient)
				if err != nil {
					return err
				}
				encryptor = manager
			}
		}

		archiver := archive.NewArchiver(a.buffer, storage, cfg.Bucket, a.deviceInfo.GetDeviceID(), encryptor,
			a.logger.With().Str("component", "archive").Logger())
		result, err := archiver.ArchiveAndPurge(ctx, before.UTC())
		if err != nil {
			return err
		}
		return json.NewEncoder(os.Stdout).Encode(result)
	},
}

func init() {
	purgeCmd.Flags().String("before", "", "purge samples older than this time (RFC3339)")
	purgeCmd.Flags().Duration("older-than", 0, "purge samples older than this age, e.g. 720h")
	rootCmd.AddCommand(purgeCmd)
}
