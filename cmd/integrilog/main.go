package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/integrilog/integrilog/internal/attest"
	"github.com/integrilog/integrilog/internal/auth"
	"github.com/integrilog/integrilog/internal/chainlog"
	"github.com/integrilog/integrilog/internal/config"
	"github.com/integrilog/integrilog/internal/keys"
	"github.com/integrilog/integrilog/internal/server"
	"github.com/integrilog/integrilog/internal/sigconf"
	"github.com/integrilog/integrilog/internal/storage"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "integrilog",
	Short: "Integrilog - tamper-evident logging and signed configuration",
	Long:  `A security-training service built around a hash-chained audit log and RSA-signed configuration.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "integrilog.yaml", "config file path")
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(keygenCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(appendCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd, configUpdateCmd, configVerifyCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("integrilog v0.1.0")
	},
}

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate the signing key pair if it does not exist",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		priv, err := keys.LoadOrCreate(cfg.Keys.Dir)
		if err != nil {
			return fmt.Errorf("load or create keys: %w", err)
		}
		if _, err := keys.LoadOrCreateHMAC(cfg.Keys.Dir); err != nil {
			return fmt.Errorf("load or create hmac key: %w", err)
		}
		pubPEM, err := keys.ExportPublicPEM(&priv.PublicKey)
		if err != nil {
			return err
		}
		fmt.Printf("Signing keys ready in %s\n", cfg.Keys.Dir)
		fmt.Print(string(pubPEM))
		return nil
	},
}

// defaultSettings mirrors the demo application defaults; the first Update
// replaces the empty signature with a real one.
func defaultSettings() sigconf.Settings {
	return sigconf.Settings{
		"debug":              false,
		"maintenance_mode":   false,
		"allow_registration": true,
	}
}

// demo accounts for the training scenario; seeded only when missing.
var demoAccounts = map[string]struct{ Password, Role string }{
	"admin": {Password: "SecurePassword123!", Role: "admin"},
	"user":  {Password: "UserPassword456!", Role: "user"},
}

func openAuditLog(cfg *config.Config) (*chainlog.Log, chainlog.Store, error) {
	var (
		store chainlog.Store
		err   error
	)
	switch cfg.Log.Backend {
	case "sqlite":
		store, err = chainlog.OpenSQLiteStore(cfg.Log.Path)
	default:
		store, err = chainlog.OpenFileStore(cfg.Log.Path, cfg.Log.MaxBytes, cfg.Log.BackupCount)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("open %s log store: %w", cfg.Log.Backend, err)
	}
	log, err := chainlog.Open(store)
	if err != nil {
		_ = store.Close()
		return nil, nil, err
	}
	return log, store, nil
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the integrilog server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

		priv, err := keys.LoadOrCreate(cfg.Keys.Dir)
		if err != nil {
			return fmt.Errorf("load signing keys: %w", err)
		}
		hmacKey, err := keys.LoadOrCreateHMAC(cfg.Keys.Dir)
		if err != nil {
			return fmt.Errorf("load hmac key: %w", err)
		}

		state, err := storage.Open(cfg.State.Path)
		if err != nil {
			return err
		}
		defer state.Close()

		audit, auditStore, err := openAuditLog(cfg)
		if err != nil {
			return err
		}
		defer auditStore.Close()

		conf := sigconf.NewStore(defaultSettings(), state)
		if snap, ok, err := state.LoadConfig(); err != nil {
			return err
		} else if ok {
			conf.Restore(snap.Settings, snap.Signature)
		}

		authSvc, err := auth.New(state)
		if err != nil {
			return err
		}
		if err := authSvc.Seed(demoAccounts); err != nil {
			return fmt.Errorf("seed demo accounts: %w", err)
		}

		sim := attest.NewSimulator()
		sim.Extend("bootloader", []byte("integrilog-demo-boot"))
		sim.Extend("kernel", []byte("integrilog-demo-kernel"))
		if !sim.VerifyBootSequence() {
			return errors.New("boot sequence verification failed")
		}

		if cfg.Training.InsecureBypass {
			logger.Warn("training mode enabled: insecure bypass branches are active")
		}

		if _, err := audit.Append(chainlog.LevelInfo, "server started"); err != nil {
			return fmt.Errorf("append startup entry: %w", err)
		}

		srv := server.New(cfg.Training, audit, conf, authSvc, sim, priv, hmacKey, logger)
		logger.Info("listening", "addr", cfg.Server.Addr)
		if cfg.Server.CertFile != "" && cfg.Server.KeyFile != "" {
			return srv.ListenAndServeTLS(cfg.Server.Addr, cfg.Server.CertFile, cfg.Server.KeyFile)
		}
		logger.Warn("serving plain HTTP; configure server.cert_file and server.key_file for TLS")
		return srv.ListenAndServe(cfg.Server.Addr)
	},
}

var appendLevel string

var appendCmd = &cobra.Command{
	Use:   "append [message]",
	Short: "Append an entry to the audit chain",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		audit, store, err := openAuditLog(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		e, err := audit.Append(chainlog.Level(appendLevel), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Appended entry %d\n", e.Sequence)
		fmt.Printf("Hash: %s\n", e.EntryHash)
		return nil
	},
}

func init() {
	appendCmd.Flags().StringVar(&appendLevel, "level", string(chainlog.LevelInfo), "entry level (INFO, WARNING, ERROR)")
}

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify audit chain integrity",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		audit, store, err := openAuditLog(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		if err := audit.Verify(); err != nil {
			var integrityErr *chainlog.IntegrityError
			if errors.As(err, &integrityErr) {
				return fmt.Errorf("chain broken at entry %d: %s", integrityErr.Sequence, integrityErr.Reason)
			}
			return err
		}
		seq, tail := audit.Tail()
		fmt.Printf("Chain intact: %d entries, tail %s\n", seq, tail)
		return nil
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect and mutate the signed configuration",
}

func loadSignedConfig(cfg *config.Config) (*sigconf.Store, *storage.StateStore, error) {
	state, err := storage.Open(cfg.State.Path)
	if err != nil {
		return nil, nil, err
	}
	conf := sigconf.NewStore(defaultSettings(), state)
	if snap, ok, err := state.LoadConfig(); err != nil {
		_ = state.Close()
		return nil, nil, err
	} else if ok {
		conf.Restore(snap.Settings, snap.Signature)
	}
	return conf, state, nil
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the current settings and signature",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		conf, state, err := loadSignedConfig(cfg)
		if err != nil {
			return err
		}
		defer state.Close()

		settings, sig := conf.Current()
		out, err := json.MarshalIndent(map[string]any{"settings": settings, "signature": sig}, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	},
}

var configUpdateCmd = &cobra.Command{
	Use:   "update [json-delta]",
	Short: "Merge a JSON delta into the settings and re-sign",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		var delta sigconf.Settings
		if err := json.Unmarshal([]byte(args[0]), &delta); err != nil {
			return fmt.Errorf("parse delta: %w", err)
		}
		priv, err := keys.LoadOrCreate(cfg.Keys.Dir)
		if err != nil {
			return fmt.Errorf("load signing keys: %w", err)
		}
		conf, state, err := loadSignedConfig(cfg)
		if err != nil {
			return err
		}
		defer state.Close()

		_, sig, err := conf.Update(delta, priv)
		if err != nil {
			return err
		}
		fmt.Printf("Settings updated and re-signed\nSignature: %s\n", sig)
		return nil
	},
}

var configVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify the stored settings signature",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		priv, err := keys.LoadOrCreate(cfg.Keys.Dir)
		if err != nil {
			return fmt.Errorf("load signing keys: %w", err)
		}
		conf, state, err := loadSignedConfig(cfg)
		if err != nil {
			return err
		}
		defer state.Close()

		if conf.VerifyCurrent(&priv.PublicKey) {
			fmt.Println("Signature valid")
			return nil
		}
		return errors.New("signature invalid or missing")
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
