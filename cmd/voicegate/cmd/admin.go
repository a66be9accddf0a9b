package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmcleod/voicegate/auth"
	"github.com/jmcleod/voicegate/authn"
	"github.com/jmcleod/voicegate/keyring"
	"github.com/jmcleod/voicegate/storage"
	"github.com/jmcleod/voicegate/voice"
)

var (
	adminUsername string
	adminPIN      string
)

var adminCmd = &cobra.Command{
	Use:   "admin",
	Short: "Administrative account operations",
}

// adminCreateCmd enrolls an account directly against the storage backend
// and promotes it to the admin role. The server does not need to be
// running, but the embedding service does.
var adminCreateCmd = &cobra.Command{
	Use:   "create [sample.wav ...]",
	Short: "Create an admin account from enrollment recordings",
	Args:  cobra.RangeArgs(1, 3),
	RunE: func(cmd *cobra.Command, args []string) error {
		if adminUsername == "" || adminPIN == "" {
			return fmt.Errorf("--username and --pin are required")
		}

		samples := make([][]byte, 0, len(args))
		for _, path := range args {
			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("reading %s: %w", path, err)
			}
			samples = append(samples, data)
		}

		repo, err := openRepository(cmd.Context())
		if err != nil {
			return err
		}
		defer repo.Close()

		kf := keyFile
		if kf == "" {
			kf = filepath.Join(dataDir, "master.key")
		}
		keys, err := keyring.LoadOrCreate(kf)
		if err != nil {
			return fmt.Errorf("failed to load master key: %w", err)
		}

		// The issuer is unused here but the service requires one.
		tokens, err := auth.NewIssuer([]byte("bootstrap"), time.Minute)
		if err != nil {
			return err
		}

		extractor := voice.NewHTTPExtractor(modelEndpoint, voice.DefaultEmbeddingDim)
		svc := authn.NewService(repo, extractor, keys, tokens, authn.DefaultConfig())

		account, err := svc.Register(cmd.Context(), adminUsername, adminPIN, samples)
		if err != nil {
			return fmt.Errorf("enrollment failed: %w", err)
		}
		err = repo.UpdateAccount(cmd.Context(), account.Username, func(a *storage.Account) error {
			a.Role = storage.RoleAdmin
			return nil
		})
		if err != nil {
			return fmt.Errorf("promoting account: %w", err)
		}

		fmt.Printf("Admin account %q created with %d voiceprint(s)\n",
			account.Username, len(samples))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(adminCmd)
	adminCmd.AddCommand(adminCreateCmd)

	adminCreateCmd.Flags().StringVar(&adminUsername, "username", "", "Admin username")
	adminCreateCmd.Flags().StringVar(&adminPIN, "pin", "", "Admin PIN (4-12 digits)")
	adminCreateCmd.Flags().StringVar(&dataDir, "data-dir", "./data", "Directory for persistent data")
	adminCreateCmd.Flags().StringVar(&backend, "backend", "bbolt", "Storage backend (bbolt or postgres)")
	adminCreateCmd.Flags().StringVar(&postgresDSN, "dsn", "", "PostgreSQL DSN (postgres backend)")
	adminCreateCmd.Flags().StringVar(&keyFile, "key-file", "", "Master key file (default <data-dir>/master.key)")
	adminCreateCmd.Flags().StringVar(&modelEndpoint, "model-endpoint", "http://127.0.0.1:8580/embed",
		"Speaker embedding service URL")
}
