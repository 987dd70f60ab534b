// Command carbonvault is the deduplicating, encrypted backup tool
// built on the carbon-vault archive engine.
package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/kenneth/carbon-vault/internal/archive"
	"github.com/kenneth/carbon-vault/internal/audit"
	"github.com/kenneth/carbon-vault/internal/cache"
	"github.com/kenneth/carbon-vault/internal/config"
	"github.com/kenneth/carbon-vault/internal/crypto"
	"github.com/kenneth/carbon-vault/internal/debug"
	"github.com/kenneth/carbon-vault/internal/manifest"
	"github.com/kenneth/carbon-vault/internal/metrics"
	"github.com/kenneth/carbon-vault/internal/platform"
	"github.com/kenneth/carbon-vault/internal/repository"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// app carries everything a command needs once the environment is set
// up.
type app struct {
	cfg     *config.Config
	logger  *logrus.Logger
	auditor audit.Logger
	metrics *metrics.Metrics

	repo repository.Repository
	key  crypto.Key
}

type rootFlags struct {
	configPath     string
	repoPath       string
	cachePath      string
	passphraseFile string
	logLevel       string
	metricsAddr    string
	auditLog       string
	numericOwner   bool
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}
	root := &cobra.Command{
		Use:           "carbonvault",
		Short:         "Deduplicating, encrypted backup tool",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&flags.configPath, "config", "", "configuration file")
	pf.StringVar(&flags.repoPath, "repository", "", "repository path (filesystem backend)")
	pf.StringVar(&flags.cachePath, "cache-dir", "", "chunk cache directory")
	pf.StringVar(&flags.passphraseFile, "passphrase-file", "", "file containing the repository passphrase")
	pf.StringVar(&flags.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	pf.StringVar(&flags.metricsAddr, "metrics-addr", "", "serve prometheus metrics on this address")
	pf.StringVar(&flags.auditLog, "audit-log", "", "append audit events to this file")
	pf.BoolVar(&flags.numericOwner, "numeric-owner", false, "ignore user/group names, use numeric ids")

	root.AddCommand(
		newInitCmd(flags),
		newCreateCmd(flags),
		newExtractCmd(flags),
		newListCmd(flags),
		newInfoCmd(flags),
		newDeleteCmd(flags),
		newCheckCmd(flags),
	)
	return root
}

func loadConfig(flags *rootFlags) (*config.Config, error) {
	cfg := config.DefaultConfig()
	if flags.configPath != "" {
		loaded, err := config.Load(flags.configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if flags.repoPath != "" {
		cfg.Repository.Backend = "filesystem"
		cfg.Repository.Path = flags.repoPath
	}
	if flags.cachePath != "" {
		cfg.Cache.Path = flags.cachePath
	}
	if flags.passphraseFile != "" {
		cfg.Crypto.PassphraseFile = flags.passphraseFile
	}
	if flags.logLevel != "" {
		cfg.Logging.Level = flags.logLevel
	}
	if flags.auditLog != "" {
		cfg.Audit.Enabled = true
		cfg.Audit.Sink = config.SinkConfig{Type: "file", FilePath: flags.auditLog}
	}
	if flags.metricsAddr != "" {
		cfg.Metrics.Enabled = true
		cfg.Metrics.Addr = flags.metricsAddr
	}
	if flags.numericOwner {
		cfg.Archive.NumericOwner = true
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	if level, err := logrus.ParseLevel(cfg.Logging.Level); err == nil {
		logger.SetLevel(level)
	}
	if cfg.Logging.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	debug.InitFromLogLevel(cfg.Logging.Level)
	if debug.Enabled() {
		logger.SetLevel(logrus.DebugLevel)
	}
	return logger
}

// setup opens the repository and identifies the key from a sampled
// object (the manifest block every initialized repository has).
func setup(flags *rootFlags) (*app, error) {
	cfg, err := loadConfig(flags)
	if err != nil {
		return nil, err
	}
	logger := newLogger(cfg)

	a := &app{cfg: cfg, logger: logger}
	if cfg.Metrics.Enabled && cfg.Metrics.Addr != "" {
		a.metrics = metrics.NewMetrics()
		metrics.Serve(cfg.Metrics.Addr)
	}
	if cfg.Audit.Enabled {
		auditor, err := audit.NewLoggerFromConfig(cfg.Audit)
		if err != nil {
			return nil, err
		}
		a.auditor = auditor
	}

	a.repo, err = openRepository(cfg, logger)
	if err != nil {
		return nil, err
	}

	sample, err := a.repo.Get(manifest.ID)
	if err != nil {
		return nil, fmt.Errorf("repository has no manifest, is it initialized? (%w)", err)
	}
	passphrase, _ := cfg.Passphrase()
	a.key, err = crypto.Factory(sample, crypto.FactoryOptions{
		KeyFile:    keyFilePath(cfg),
		Passphrase: passphrase,
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

func openRepository(cfg *config.Config, logger *logrus.Logger) (repository.Repository, error) {
	switch cfg.Repository.Backend {
	case "s3":
		return repository.NewS3(context.Background(), &cfg.Repository.S3, logger)
	default:
		if cfg.Repository.Path == "" {
			return nil, fmt.Errorf("no repository given; use --repository or a config file")
		}
		return repository.OpenFilesystem(cfg.Repository.Path, logger)
	}
}

// repoIdentity names the repository for cache placement and audit
// events.
func repoIdentity(cfg *config.Config) string {
	if cfg.Repository.Backend == "s3" {
		return "s3://" + cfg.Repository.S3.Bucket + "/" + cfg.Repository.S3.Prefix
	}
	abs, err := filepath.Abs(cfg.Repository.Path)
	if err != nil {
		return cfg.Repository.Path
	}
	return abs
}

func cacheDir(cfg *config.Config) string {
	if cfg.Cache.Path != "" {
		return cfg.Cache.Path
	}
	base, err := os.UserCacheDir()
	if err != nil {
		base = os.TempDir()
	}
	sum := sha256.Sum256([]byte(repoIdentity(cfg)))
	return filepath.Join(base, "carbon-vault", hex.EncodeToString(sum[:8]))
}

func keyFilePath(cfg *config.Config) string {
	if cfg.Crypto.KeyFile != "" {
		return cfg.Crypto.KeyFile
	}
	return filepath.Join(cacheDir(cfg), "key")
}

// openCache loads the cache and brings it in sync with the manifest.
func (a *app) openCache(m *manifest.Manifest) (*cache.Cache, error) {
	c, err := cache.Open(cacheDir(a.cfg), a.repo, a.key, a.logger)
	if err != nil {
		return nil, err
	}
	if err := archive.SyncCache(a.repo, a.key, m, c, a.logger); err != nil {
		return nil, err
	}
	return c, nil
}

func (a *app) archiveOptions(m *manifest.Manifest, c *cache.Cache, workDir string) archive.Options {
	return archive.Options{
		Repository:         a.repo,
		Key:                a.key,
		Manifest:           m,
		Cache:              c,
		Logger:             a.logger,
		WorkDir:            workDir,
		NumericOwner:       a.cfg.Archive.NumericOwner,
		CheckpointInterval: a.cfg.Archive.CheckpointInterval.Std(),
	}
}

func (a *app) finish(event audit.EventType, name string, start time.Time, err error) {
	if a.auditor != nil {
		a.auditor.LogOperation(event, name, repoIdentity(a.cfg), err == nil, err, time.Since(start))
		a.auditor.Close()
	}
	if a.metrics != nil {
		a.metrics.RecordOperation(string(event), time.Since(start), err)
		a.metrics.UpdateRuntime()
	}
}

func newInitCmd(flags *rootFlags) *cobra.Command {
	var noEncryption bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a new repository",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			logger := newLogger(cfg)

			var repo repository.Repository
			if cfg.Repository.Backend == "s3" {
				repo, err = repository.NewS3(context.Background(), &cfg.Repository.S3, logger)
			} else {
				if cfg.Repository.Path == "" {
					return fmt.Errorf("no repository given; use --repository or a config file")
				}
				repo, err = repository.CreateFilesystem(cfg.Repository.Path, logger)
			}
			if err != nil {
				return err
			}

			var key crypto.Key
			if noEncryption {
				key = crypto.NewPlaintextKey()
			} else {
				passphrase, err := cfg.Passphrase()
				if err != nil {
					return err
				}
				if err := os.MkdirAll(cacheDir(cfg), 0o700); err != nil {
					return err
				}
				key, err = crypto.CreatePassphraseKey(keyFilePath(cfg), passphrase)
				if err != nil {
					return err
				}
			}

			m := manifest.New(repo, key)
			if err := m.Write(); err != nil {
				return err
			}
			if err := repo.Commit(); err != nil {
				return err
			}
			logger.WithField("repository", repoIdentity(cfg)).Info("repository initialized")
			return nil
		},
	}
	cmd.Flags().BoolVar(&noEncryption, "no-encryption", false, "store chunks compressed but unencrypted")
	return cmd
}

func newCreateCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "create NAME PATH...",
		Short: "Create a new archive from the given paths",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			start := time.Now()
			a, err := setup(flags)
			if err != nil {
				return err
			}
			name, paths := args[0], args[1:]

			m, err := manifest.Load(a.repo, a.key)
			if err != nil {
				return err
			}
			c, err := a.openCache(m)
			if err != nil {
				return err
			}
			workDir, _ := os.Getwd()
			arch, err := archive.Create(a.archiveOptions(m, c, workDir), name)
			if err != nil {
				return err
			}
			if a.metrics != nil {
				arch.Stats().Observer = a.metrics.RecordChunk
			}
			for _, path := range paths {
				if err := arch.ProcessTree(path); err != nil {
					a.finish(audit.EventTypeCreate, name, start, err)
					return err
				}
			}
			if err := arch.Save(""); err != nil {
				a.finish(audit.EventTypeCreate, name, start, err)
				return err
			}
			fmt.Println(arch.Stats())
			a.finish(audit.EventTypeCreate, name, start, nil)
			return nil
		},
	}
}

func newExtractCmd(flags *rootFlags) *cobra.Command {
	var dryRun, noAttrs bool
	var dest string
	cmd := &cobra.Command{
		Use:   "extract NAME",
		Short: "Restore an archive into the destination directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			start := time.Now()
			a, err := setup(flags)
			if err != nil {
				return err
			}
			name := args[0]

			m, err := manifest.Load(a.repo, a.key)
			if err != nil {
				return err
			}
			workDir := dest
			if workDir == "" {
				workDir, _ = os.Getwd()
			}
			arch, err := archive.Open(a.archiveOptions(m, nil, workDir), name)
			if err != nil {
				return err
			}
			items, err := arch.IterItems(nil, true)
			if err != nil {
				return err
			}
			// Directory attributes are applied deepest-first after all
			// children exist, otherwise child creation would clobber
			// directory mtimes.
			var dirs []*archive.Item
			for {
				item, err := items.Next()
				if err != nil {
					if isEOF(err) {
						break
					}
					a.finish(audit.EventTypeExtract, name, start, err)
					return err
				}
				if a.metrics != nil {
					a.metrics.RecordItem(itemKind(item.Mode))
				}
				restore := !noAttrs
				if platform.IsDir(item.Mode) && restore && !dryRun {
					dirs = append(dirs, item)
					restore = false
				}
				if err := arch.ExtractItem(item, restore, dryRun); err != nil {
					a.finish(audit.EventTypeExtract, name, start, err)
					return err
				}
			}
			for i := len(dirs) - 1; i >= 0; i-- {
				if err := arch.ExtractItem(dirs[i], true, false); err != nil {
					a.finish(audit.EventTypeExtract, name, start, err)
					return err
				}
			}
			a.finish(audit.EventTypeExtract, name, start, nil)
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "read and verify without writing files")
	cmd.Flags().BoolVar(&noAttrs, "no-attrs", false, "do not restore ownership, mode, mtime or xattrs")
	cmd.Flags().StringVar(&dest, "dest", "", "destination directory (default: current directory)")
	return cmd
}

func newListCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "list [NAME]",
		Short: "List archives, or the items of one archive",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(flags)
			if err != nil {
				return err
			}
			m, err := manifest.Load(a.repo, a.key)
			if err != nil {
				return err
			}
			if len(args) == 0 {
				archives, err := archive.List(a.archiveOptions(m, nil, ""))
				if err != nil {
					return err
				}
				for _, arch := range archives {
					ts, _ := arch.Ts()
					fmt.Printf("%-36s %s\n", arch.Name(), ts.Format(time.RFC3339))
				}
				return nil
			}
			arch, err := archive.Open(a.archiveOptions(m, nil, ""), args[0])
			if err != nil {
				return err
			}
			items, err := arch.IterItems(nil, false)
			if err != nil {
				return err
			}
			for {
				item, err := items.Next()
				if err != nil {
					if isEOF(err) {
						return nil
					}
					return err
				}
				fmt.Println(item.Path)
			}
		},
	}
}

func newInfoCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "info NAME",
		Short: "Show size and deduplication statistics of an archive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(flags)
			if err != nil {
				return err
			}
			m, err := manifest.Load(a.repo, a.key)
			if err != nil {
				return err
			}
			c, err := a.openCache(m)
			if err != nil {
				return err
			}
			arch, err := archive.Open(a.archiveOptions(m, c, ""), args[0])
			if err != nil {
				return err
			}
			stats, err := arch.CalcStats(c)
			if err != nil {
				return err
			}
			meta := arch.Metadata()
			fmt.Printf("Name:     %s\n", arch.Name())
			fmt.Printf("Time:     %s\n", meta.Time)
			fmt.Printf("Hostname: %s\n", meta.Hostname)
			fmt.Printf("Username: %s\n", meta.Username)
			fmt.Printf("Stats:    %s\n", stats)
			return nil
		},
	}
}

func newDeleteCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "delete NAME",
		Short: "Delete an archive and reclaim unreferenced chunks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			start := time.Now()
			a, err := setup(flags)
			if err != nil {
				return err
			}
			name := args[0]
			m, err := manifest.Load(a.repo, a.key)
			if err != nil {
				return err
			}
			c, err := a.openCache(m)
			if err != nil {
				return err
			}
			arch, err := archive.Open(a.archiveOptions(m, c, ""), name)
			if err != nil {
				return err
			}
			err = arch.Delete()
			a.finish(audit.EventTypeDelete, name, start, err)
			return err
		},
	}
}

func newCheckCmd(flags *rootFlags) *cobra.Command {
	var repair bool
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Verify repository consistency and optionally repair it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			start := time.Now()
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			logger := newLogger(cfg)
			repo, err := openRepository(cfg, logger)
			if err != nil {
				return err
			}
			var mtr *metrics.Metrics
			if cfg.Metrics.Enabled && cfg.Metrics.Addr != "" {
				mtr = metrics.NewMetrics()
				metrics.Serve(cfg.Metrics.Addr)
			}
			passphrase, _ := cfg.Passphrase()
			checker := archive.NewChecker(archive.CheckerOptions{
				Logger: logger,
				KeyOptions: crypto.FactoryOptions{
					KeyFile:    keyFilePath(cfg),
					Passphrase: passphrase,
				},
				Metrics: mtr,
			})
			ok, err := checker.Check(repo, repair)
			if cfg.Audit.Enabled {
				if auditor, aerr := audit.NewLoggerFromConfig(cfg.Audit); aerr == nil {
					auditor.Log(&audit.Event{
						Timestamp:  time.Now(),
						EventType:  audit.EventTypeCheck,
						Repository: repoIdentity(cfg),
						Repair:     repair,
						Success:    ok && err == nil,
						Duration:   time.Since(start),
					})
					auditor.Close()
				}
			}
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("repository check failed")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&repair, "repair", false, "repair damage instead of only reporting it")
	return cmd
}

func isEOF(err error) bool {
	return errors.Is(err, io.EOF)
}

func itemKind(mode uint32) string {
	switch {
	case platform.IsRegular(mode):
		return "file"
	case platform.IsDir(mode):
		return "dir"
	case platform.IsSymlink(mode):
		return "symlink"
	case platform.IsFIFO(mode):
		return "fifo"
	case platform.IsDevice(mode):
		return "device"
	default:
		return "other"
	}
}
