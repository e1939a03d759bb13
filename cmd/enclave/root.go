package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/alwitt/enclave"
	"github.com/alwitt/enclave/config"
	"github.com/alwitt/enclave/models"
	"github.com/apex/log"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"gorm.io/gorm/logger"
)

var (
	envFiles []string
	actor    string
	debug    bool

	rootCmd = &cobra.Command{
		Use:   "enclave",
		Short: "Operate the enclave per-user encryption core",
		Long: `enclave manages per-user encryption keys, encrypts and decrypts data bound to
those keys, and maintains the transaction ledger.

Configuration is read from ENCLAVE_* environment variables, optionally loaded from
.env files given with --env-file.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if debug {
				log.SetLevel(log.DebugLevel)
			} else {
				log.SetLevel(log.WarnLevel)
			}
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringSliceVar(&envFiles, "env-file", nil, ".env files to load")
	rootCmd.PersistentFlags().StringVar(&actor, "actor", "operator", "actor recorded in the audit trail")
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "enable debug logging")

	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(keysCmd)
	rootCmd.AddCommand(encryptCmd)
	rootCmd.AddCommand(decryptCmd)
	rootCmd.AddCommand(txCmd)
	rootCmd.AddCommand(selftestCmd)
}

// commandContext execution context carrying the operator identity
func commandContext(cmd *cobra.Command) context.Context {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return models.WithRequestContext(ctx, models.RequestContext{Actor: actor, UserAgent: "enclave-cli"})
}

// loadConfig read the configuration from env files and the environment
func loadConfig() (config.Config, error) {
	cfg, err := config.LoadFromEnv(envFiles...)
	if err != nil {
		return config.Config{}, fmt.Errorf("failed to load configuration [%w]", err)
	}
	return cfg, nil
}

// openCore build the encryption core from the loaded configuration
func openCore(ctx context.Context, skipMigration bool) (*enclave.E2EECore, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	dbLogLevel := logger.Silent
	if debug {
		dbLogLevel = logger.Info
	}
	return enclave.NewE2EECore(ctx, enclave.E2EECoreParams{
		Config: cfg, DBLogLevel: dbLogLevel, SkipMigration: skipMigration,
	})
}

// withCore run an operation against an open core
func withCore(cmd *cobra.Command, op func(ctx context.Context, core *enclave.E2EECore) error) error {
	ctx := commandContext(cmd)
	core, err := openCore(ctx, true)
	if err != nil {
		return err
	}
	defer func() {
		if err := core.Close(); err != nil {
			log.WithError(err).Error("Failed to close core")
		}
	}()
	return op(ctx, core)
}

// printJSON write a value to stdout as indented JSON
func printJSON(value interface{}) error {
	encoded, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode output [%w]", err)
	}
	fmt.Println(string(encoded))
	return nil
}

func success(format string, args ...interface{}) {
	fmt.Fprintln(os.Stderr, color.GreenString("✓")+" "+fmt.Sprintf(format, args...))
}

func failure(err error) error {
	code := models.ErrorCodeOf(err)
	if code != "" {
		fmt.Fprintln(os.Stderr, color.RedString("✗")+" "+color.YellowString(string(code)))
	}
	return err
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the database schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := commandContext(cmd)
		core, err := openCore(ctx, false)
		if err != nil {
			return failure(err)
		}
		defer func() {
			_ = core.Close()
		}()
		success("Schema applied to %s database", color.CyanString(core.Config.Database.Dialect))
		return nil
	},
}

var selftestCmd = &cobra.Command{
	Use:   "selftest",
	Short: "Run an encrypt / decrypt cycle with a throwaway key",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCore(cmd, func(ctx context.Context, core *enclave.E2EECore) error {
			ok, err := core.Encryption.TestEncryptionCycle(ctx, nil)
			if err != nil {
				return failure(err)
			}
			if !ok {
				return fmt.Errorf("encryption self check produced mismatched output")
			}
			success("Encryption self check passed with %s", color.CyanString(string(core.Config.Crypto.Algorithm)))
			return nil
		})
	},
}
