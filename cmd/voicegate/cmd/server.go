package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"

	"github.com/jmcleod/voicegate/api"
	"github.com/jmcleod/voicegate/auth"
	"github.com/jmcleod/voicegate/authn"
	"github.com/jmcleod/voicegate/keyring"
	"github.com/jmcleod/voicegate/storage"
	bboltstorage "github.com/jmcleod/voicegate/storage/bbolt"
	"github.com/jmcleod/voicegate/storage/postgres"
	"github.com/jmcleod/voicegate/voice"
)

var (
	port            int
	dataDir         string
	backend         string
	postgresDSN     string
	keyFile         string
	jwtSecret       string
	modelEndpoint   string
	threshold       float64
	embeddingDim    int
	maxFailures     int
	lockoutMinutes  int
	challengeWindow time.Duration
	tokenTTL        time.Duration
	trustedProxies  []string
	tlsCert         string
	tlsKey          string
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the authentication service",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))

		secret := jwtSecret
		if secret == "" {
			secret = os.Getenv("VOICEGATE_JWT_SECRET")
		}
		if secret == "" {
			return errors.New("a JWT signing secret is required (--jwt-secret or VOICEGATE_JWT_SECRET)")
		}

		if err := os.MkdirAll(dataDir, 0o700); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
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

		tokens, err := auth.NewIssuer([]byte(secret), tokenTTL)
		if err != nil {
			return err
		}

		cfg := authn.DefaultConfig()
		cfg.Threshold = threshold
		cfg.MaxFailures = maxFailures
		cfg.LockoutDuration = time.Duration(lockoutMinutes) * time.Minute
		cfg.ChallengeWindow = challengeWindow

		extractor := voice.NewHTTPExtractor(modelEndpoint, embeddingDim)
		svc := authn.NewService(repo, extractor, keys, tokens, cfg,
			authn.WithLogger(logger))

		opts := []api.Option{api.WithLogger(logger)}
		if len(trustedProxies) > 0 {
			prefixes, err := parsePrefixes(trustedProxies)
			if err != nil {
				return err
			}
			opts = append(opts, api.WithTrustedProxies(prefixes))
		}
		a := api.New(svc, tokens, opts...)

		r := chi.NewRouter()
		r.Use(middleware.RequestID)
		r.Use(middleware.Logger)
		r.Use(middleware.Recoverer)

		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("OK"))
		})

		r.Mount("/api/v1", a.Router())

		server := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       60 * time.Second,
			WriteTimeout:      60 * time.Second,
			IdleTimeout:       60 * time.Second,
		}

		// Graceful shutdown on SIGINT/SIGTERM.
		done := make(chan error, 1)
		go func() {
			var err error
			if tlsCert != "" && tlsKey != "" {
				err = server.ListenAndServeTLS(tlsCert, tlsKey)
			} else {
				err = server.ListenAndServe()
			}
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				done <- fmt.Errorf("server failed: %w", err)
				return
			}
			done <- nil
		}()

		printBanner()
		fmt.Printf("Starting server on port %d (backend: %s, model: %s)...\n",
			port, backend, modelEndpoint)

		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

		select {
		case sig := <-quit:
			fmt.Printf("\nReceived %s, shutting down...\n", sig)
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := server.Shutdown(ctx); err != nil {
				return fmt.Errorf("server shutdown failed: %w", err)
			}
			return nil
		case err := <-done:
			return err
		}
	},
}

func openRepository(ctx context.Context) (storage.Repository, error) {
	switch backend {
	case "bbolt":
		repo, err := bboltstorage.NewRepositoryFromFile(filepath.Join(dataDir, "voicegate.db"), nil)
		if err != nil {
			return nil, fmt.Errorf("failed to open storage: %w", err)
		}
		return repo, nil
	case "postgres":
		if postgresDSN == "" {
			return nil, errors.New("--dsn is required with the postgres backend")
		}
		repo, err := postgres.NewRepositoryFromDSN(ctx, postgresDSN)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to postgres: %w", err)
		}
		return repo, nil
	default:
		return nil, fmt.Errorf("unknown backend %q (want bbolt or postgres)", backend)
	}
}

func parsePrefixes(raw []string) ([]netip.Prefix, error) {
	prefixes := make([]netip.Prefix, 0, len(raw))
	for _, s := range raw {
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted proxy CIDR %q: %w", s, err)
		}
		prefixes = append(prefixes, p)
	}
	return prefixes, nil
}

func init() {
	rootCmd.AddCommand(serverCmd)
	serverCmd.Flags().IntVarP(&port, "port", "p", 8080, "Port to listen on")
	serverCmd.Flags().StringVar(&dataDir, "data-dir", "./data", "Directory for persistent data")
	serverCmd.Flags().StringVar(&backend, "backend", "bbolt", "Storage backend (bbolt or postgres)")
	serverCmd.Flags().StringVar(&postgresDSN, "dsn", "", "PostgreSQL DSN (postgres backend)")
	serverCmd.Flags().StringVar(&keyFile, "key-file", "", "Master key file (default <data-dir>/master.key)")
	serverCmd.Flags().StringVar(&jwtSecret, "jwt-secret", "", "JWT signing secret (or VOICEGATE_JWT_SECRET)")
	serverCmd.Flags().StringVar(&modelEndpoint, "model-endpoint", "http://127.0.0.1:8580/embed",
		"Speaker embedding service URL")
	serverCmd.Flags().Float64Var(&threshold, "threshold", voice.DefaultThreshold,
		"Cosine similarity acceptance threshold")
	serverCmd.Flags().IntVar(&embeddingDim, "embedding-dim", voice.DefaultEmbeddingDim,
		"Expected embedding vector length (must match the model)")
	serverCmd.Flags().IntVar(&maxFailures, "max-failures", 5, "Failed attempts before lockout")
	serverCmd.Flags().IntVar(&lockoutMinutes, "lockout-minutes", 15, "Lockout duration in minutes")
	serverCmd.Flags().DurationVar(&challengeWindow, "challenge-window", 5*time.Minute,
		"How long an issued challenge stays valid")
	serverCmd.Flags().DurationVar(&tokenTTL, "token-ttl", auth.DefaultTokenTTL, "Session token lifetime")
	serverCmd.Flags().StringSliceVar(&trustedProxies, "trusted-proxies", nil,
		"CIDR ranges whose proxy headers are trusted for client IPs")
	serverCmd.Flags().StringVar(&tlsCert, "tls-cert", "", "Path to TLS certificate file")
	serverCmd.Flags().StringVar(&tlsKey, "tls-key", "", "Path to TLS key file")
}
