package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/alwitt/enclave"
	"github.com/alwitt/enclave/encryption"
	"github.com/spf13/cobra"
)

var (
	cryptoUserID      int64
	cryptoInput       string
	cryptoTransaction string
)

func init() {
	for _, sub := range []*cobra.Command{encryptCmd, decryptCmd} {
		sub.Flags().Int64VarP(&cryptoUserID, "user", "u", 0, "the user")
		_ = sub.MarkFlagRequired("user")
		sub.Flags().StringVarP(&cryptoInput, "in", "i", "-", "input file, '-' for stdin")
		sub.Flags().StringVarP(&cryptoTransaction, "txn", "t", "", "run inside this transaction")
	}
}

// readInput read the command input
func readInput() ([]byte, error) {
	if cryptoInput == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(cryptoInput)
}

var encryptCmd = &cobra.Command{
	Use:   "encrypt",
	Short: "Encrypt data for a user, printing the envelope",
	RunE: func(cmd *cobra.Command, args []string) error {
		plainText, err := readInput()
		if err != nil {
			return fmt.Errorf("failed to read input [%w]", err)
		}
		return withCore(cmd, func(ctx context.Context, core *enclave.E2EECore) error {
			var envelope encryption.Envelope
			if cryptoTransaction != "" {
				envelope, err = core.Transactions.EncryptInTransaction(
					ctx, cryptoTransaction, plainText, cryptoUserID,
				)
			} else {
				envelope, err = core.Encryption.Encrypt(ctx, plainText, cryptoUserID, nil)
			}
			if err != nil {
				return failure(err)
			}
			return printJSON(envelope)
		})
	},
}

var decryptCmd = &cobra.Command{
	Use:   "decrypt",
	Short: "Decrypt an envelope for a user, printing the plain text",
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := readInput()
		if err != nil {
			return fmt.Errorf("failed to read input [%w]", err)
		}
		var req encryption.DecryptRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			return fmt.Errorf("input is not a cipher text envelope [%w]", err)
		}
		return withCore(cmd, func(ctx context.Context, core *enclave.E2EECore) error {
			var plainText []byte
			if cryptoTransaction != "" {
				plainText, err = core.Transactions.DecryptInTransaction(
					ctx, cryptoTransaction, req, cryptoUserID,
				)
			} else {
				plainText, err = core.Encryption.Decrypt(ctx, req, cryptoUserID)
			}
			if err != nil {
				return failure(err)
			}
			_, err = os.Stdout.Write(plainText)
			return err
		})
	},
}
