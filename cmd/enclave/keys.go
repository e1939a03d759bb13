package main

import (
	"context"
	"fmt"

	"github.com/alwitt/enclave"
	"github.com/alwitt/enclave/models"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	keyUserID   int64
	keyPassword string
	keyReason   string
	keyStates   []string

	keysCmd = &cobra.Command{
		Use:   "keys",
		Short: "Manage per-user encryption keys",
	}
)

func init() {
	for _, sub := range []*cobra.Command{
		keysGenerateCmd, keysListCmd, keysRotateCmd, keysRevokeCmd, keysBackupCmd,
	} {
		sub.Flags().Int64VarP(&keyUserID, "user", "u", 0, "the user")
		_ = sub.MarkFlagRequired("user")
		keysCmd.AddCommand(sub)
	}
	keysGenerateCmd.Flags().StringVarP(&keyPassword, "password", "p", "", "protect the user key with a password")
	keysListCmd.Flags().StringSliceVar(&keyStates, "state", nil, "only list keys in these states")
	keysRotateCmd.Flags().StringVar(&keyReason, "reason", "forced", "rotation reason")
	keysRevokeCmd.Flags().StringVar(&keyReason, "reason", "", "revocation reason")
	_ = keysRevokeCmd.MarkFlagRequired("reason")
	keysBackupCmd.Flags().StringVarP(&keyPassword, "password", "p", "", "backup password")
	_ = keysBackupCmd.MarkFlagRequired("password")

	keysRestoreCmd.Flags().StringVarP(&keyPassword, "password", "p", "", "backup password")
	_ = keysRestoreCmd.MarkFlagRequired("password")
	keysCmd.AddCommand(keysRestoreCmd)
	keysCmd.AddCommand(keysCleanupCmd)
}

var keysGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate a new active key for a user, superseding the current one",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCore(cmd, func(ctx context.Context, core *enclave.E2EECore) error {
			generated, err := core.Keys.GenerateUserKeys(ctx, keyUserID, keyPassword)
			if err != nil {
				return failure(err)
			}
			success("Generated key %s for user %d", color.YellowString(generated.KeyID), keyUserID)
			return printJSON(generated)
		})
	},
}

var keysListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the key history of a user",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCore(cmd, func(ctx context.Context, core *enclave.E2EECore) error {
			states := []models.EncryptionKeyStateENUMType{}
			for _, state := range keyStates {
				states = append(states, models.EncryptionKeyStateENUMType(state))
			}
			keys, err := core.Keys.ListUserKeys(ctx, keyUserID, states)
			if err != nil {
				return failure(err)
			}
			return printJSON(keys)
		})
	},
}

var keysRotateCmd = &cobra.Command{
	Use:   "rotate",
	Short: "Rotate the active key of a user now",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCore(cmd, func(ctx context.Context, core *enclave.E2EECore) error {
			key, err := core.Keys.ForceKeyRotation(ctx, keyUserID, keyReason)
			if err != nil {
				return failure(err)
			}
			success("User %d now uses key %s", keyUserID, color.YellowString(key.Entry.ID))
			return nil
		})
	},
}

var keysRevokeCmd = &cobra.Command{
	Use:   "revoke",
	Short: "Revoke every active and rotated key of a user",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCore(cmd, func(ctx context.Context, core *enclave.E2EECore) error {
			revoked, err := core.Keys.RevokeUserKey(ctx, keyUserID, keyReason)
			if err != nil {
				return failure(err)
			}
			success("Revoked %d keys of user %d", revoked, keyUserID)
			return nil
		})
	},
}

var keysBackupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Write a password encrypted backup of the user's active key",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCore(cmd, func(ctx context.Context, core *enclave.E2EECore) error {
			backupPath, err := core.Keys.BackupUserKeys(ctx, keyUserID, keyPassword)
			if err != nil {
				return failure(err)
			}
			success("Backup written")
			fmt.Println(backupPath)
			return nil
		})
	},
}

var keysRestoreCmd = &cobra.Command{
	Use:   "restore <backup path>",
	Short: "Restore a user key from a backup",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCore(cmd, func(ctx context.Context, core *enclave.E2EECore) error {
			key, err := core.Keys.RestoreUserKeys(ctx, args[0], keyPassword)
			if err != nil {
				return failure(err)
			}
			success(
				"Restored key %s for user %d", color.YellowString(key.Entry.ID), key.Entry.UserID,
			)
			return nil
		})
	},
}

var keysCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Mark active keys past expiry as expired",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCore(cmd, func(ctx context.Context, core *enclave.E2EECore) error {
			expired, err := core.Keys.CleanupExpiredKeys(ctx)
			if err != nil {
				return failure(err)
			}
			success("Expired %d keys", expired)
			return nil
		})
	},
}
