// Package main implements the cratemirror command-line tool for maintaining
// local Cargo registries.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"

	"github.com/mirrorctl/cratemirror/internal/mirror"
)

var (
	// Build information - can be set via build flags
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"

	// Command-line flags
	configPath string
	logLevel   string
	mirrorDir  string
)

var rootCmd = &cobra.Command{
	Use:   "cratemirror",
	Short: "Mirror Cargo packages into a local registry",
	Long: `cratemirror maintains a local Cargo registry holding every package
referenced by one or more Cargo.lock files, for offline and air-gapped builds.

Find more information at: https://github.com/mirrorctl/cratemirror`,
	SilenceUsage: true,
}

var syncCmd = &cobra.Command{
	Use:   "sync <Cargo.lock...>",
	Short: "Add the packages of lock documents to the mirror",
	Long: `Downloads every registry package of the given Cargo.lock files that is
missing from the mirror, verifies its checksum and adds it to the index.

Usage:
  # Sync into the directory of the configuration file
  cratemirror sync Cargo.lock

  # Sync several workspaces into an explicit directory
  cratemirror sync --dir /srv/crates app/Cargo.lock tool/Cargo.lock

  # Keep going after a failed package and write a YAML report
  cratemirror sync --continue-on-failure --report report.yaml Cargo.lock

  # Remove versions no longer referenced
  cratemirror sync --clean Cargo.lock

The exit status is 0 only when every package is present afterwards.`,
	Args: cobra.MinimumNArgs(1),
	Run:  runSync,
}

var createCmd = &cobra.Command{
	Use:   "create [dir]",
	Short: "Create an empty mirror",
	Args:  cobra.MaximumNArgs(1),
	Run:   runCreate,
}

var yankCmd = &cobra.Command{
	Use:   "yank [dir] <name> <version>",
	Short: "Mark a version as yanked",
	Long: `Marks a version as yanked. The entry and its archive stay in the mirror,
so lock documents that already name the version keep working.

Examples:
  cratemirror yank /srv/crates serde 1.0.0
  cratemirror yank --undo serde 1.0.0`,
	Args: cobra.RangeArgs(2, 3),
	Run:  runYank,
}

var verifyCmd = &cobra.Command{
	Use:   "verify [dir]",
	Short: "Check every archive against its index entry",
	Long: `Re-digests every archive referenced by the index and reports archives
without index entries. The mirror is not modified.`,
	Args: cobra.MaximumNArgs(1),
	Run:  runVerify,
}

var serveCmd = &cobra.Command{
	Use:   "serve [dir]",
	Short: "Serve the mirror as a sparse registry over HTTP",
	Long: `Serves the mirror read-only over HTTP. Point Cargo at it with:

  [source.crates-io]
  replace-with = "mirror"

  [source.mirror]
  registry = "sparse+http://localhost:8080/index/"

With --proxy, index files are served from the upstream registry and
archives missing from the mirror are downloaded, verified and added to it
on first request.`,
	Args: cobra.MaximumNArgs(1),
	Run:  runServe,
}

var exportCmd = &cobra.Command{
	Use:   "export [dir] <out.tar.xz>",
	Short: "Write the mirror to a tar.xz bundle",
	Args:  cobra.RangeArgs(1, 2),
	Run:   runExport,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  "Print version information including build details",
	Run: func(_ *cobra.Command, _ []string) {
		fmt.Printf("cratemirror %s\n", version)
		fmt.Printf("commit: %s\n", commit)
		fmt.Printf("built: %s\n", buildDate)
	},
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration file",
	Long:  `Validate the configuration file and report any issues.`,
	Run:   runValidate,
}

func init() {
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(createCmd)
	rootCmd.AddCommand(yankCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(validateCmd)

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", mirror.DefaultConfigPath, "configuration file path")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "", "override log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVarP(&mirrorDir, "dir", "d", "", "mirror directory (overrides dir of the configuration)")
	rootCmd.PersistentFlags().Bool("verbose-errors", false, "show detailed error information including stack traces")
	rootCmd.PersistentFlags().BoolP("quiet", "q", false, "suppress all output except for errors")

	syncCmd.Flags().Bool("continue-on-failure", false, "sync the remaining packages after a failure")
	syncCmd.Flags().Bool("clean", false, "remove versions not referenced by the lock documents")
	syncCmd.Flags().String("report", "", "write the sync report as YAML to this file")
	syncCmd.Flags().Int("max-conns", 0, "maximum number of concurrent downloads")

	yankCmd.Flags().Bool("undo", false, "clear the yanked flag instead")

	serveCmd.Flags().String("listen", "localhost:8080", "address to listen on")
	serveCmd.Flags().String("base-url", "", "externally visible URL of the server")
	serveCmd.Flags().Bool("proxy", false, "fetch packages missing from the mirror from the upstream registry")
	serveCmd.Flags().String("upstream", "", "sparse registry to proxy (default from the configuration)")
	serveCmd.Flags().Duration("index-ttl", 0, "how long upstream index files are cached (default from the configuration)")
}

// formatError returns a human-friendly error message, optionally with stack trace
func formatError(err error, verbose bool) string {
	if verbose {
		return fmt.Sprintf("%+v", err)
	}
	if flattened := errors.FlattenDetails(err); flattened != "" {
		return flattened
	}
	return err.Error()
}

// fail logs err and exits with status 1.
func fail(cmd *cobra.Command, msg string, err error) {
	verboseErrors, _ := cmd.Flags().GetBool("verbose-errors")
	slog.Error(msg, "error", formatError(err, verboseErrors))
	if !verboseErrors {
		slog.Info("run with --verbose-errors for detailed stack traces")
	}
	os.Exit(1)
}

// loadConfig reads the configuration file and applies the log settings and
// the global flags. The file is optional unless --config was given.
func loadConfig(cmd *cobra.Command) *mirror.Config {
	config, err := mirror.LoadConfig(configPath, cmd.Flags().Changed("config"))
	if err != nil {
		fail(cmd, "failed to load configuration", err)
	}

	if logLevel != "" {
		config.Log.Level = logLevel
	}
	if quiet, _ := cmd.Flags().GetBool("quiet"); quiet {
		config.Log.Level = "error"
	}
	if err := config.Log.Apply(); err != nil {
		fail(cmd, "failed to apply log config", err)
	}

	if mirrorDir != "" {
		config.Dir = mirrorDir
		if err := config.ExpandPaths(); err != nil {
			fail(cmd, "invalid mirror directory", err)
		}
	}
	return config
}

// splitDir takes the mirror directory from the first of args when args has
// n elements, or from the configuration otherwise.
func splitDir(cmd *cobra.Command, config *mirror.Config, args []string, n int) (string, []string) {
	dir := config.Dir
	if len(args) == n {
		resolved, err := resolvePath(args[0])
		if err != nil {
			fail(cmd, "invalid mirror directory", err)
		}
		dir, args = resolved, args[1:]
	}
	if dir == "" {
		fail(cmd, "no mirror directory", errors.New("give a directory, --dir, or set dir in the configuration"))
	}
	return dir, args
}

// resolvePath expands a leading "~" and makes p absolute.
func resolvePath(p string) (string, error) {
	expanded, err := homedir.Expand(p)
	if err != nil {
		return "", err
	}
	return filepath.Abs(expanded)
}

func openStore(cmd *cobra.Command, dir string) *mirror.Store {
	if _, err := os.Stat(dir); err != nil {
		fail(cmd, "cannot open mirror", err)
	}
	store, err := mirror.OpenStore(dir)
	if err != nil {
		fail(cmd, "cannot open mirror", err)
	}
	return store
}

func runSync(cmd *cobra.Command, args []string) {
	config := loadConfig(cmd)

	if cont, _ := cmd.Flags().GetBool("continue-on-failure"); cont {
		config.OnFailure = mirror.PolicyContinue
	}
	if clean, _ := cmd.Flags().GetBool("clean"); clean {
		config.Clean = true
	}
	if n, _ := cmd.Flags().GetInt("max-conns"); n > 0 {
		config.MaxConns = n
	}
	if err := config.Check(); err != nil {
		fail(cmd, "invalid configuration", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := mirror.RunOptions{LockFiles: args}
	quiet, _ := cmd.Flags().GetBool("quiet")
	if !quiet {
		opts.Progress = os.Stderr
	}

	start := time.Now()
	report, err := mirror.Run(ctx, config, opts)
	if report != nil {
		if !quiet {
			report.Print(os.Stdout)
		}
		if reportPath, _ := cmd.Flags().GetString("report"); reportPath != "" {
			if werr := report.WriteFile(reportPath); werr != nil {
				slog.Error("failed to write report", "path", reportPath, "error", werr)
			}
		}
	}
	if err != nil {
		stop()
		fail(cmd, "sync failed", err)
	}
	slog.Info("sync finished", "dir", config.Dir, "elapsed", time.Since(start).Round(time.Millisecond))
}

func runCreate(cmd *cobra.Command, args []string) {
	config := loadConfig(cmd)
	dir, _ := splitDir(cmd, config, args, 1)

	err := mirror.WithLock(dir, func() error {
		store, err := mirror.OpenStore(dir)
		if err != nil {
			return err
		}
		written, err := store.EnsureRegistryMarker()
		if err != nil {
			return err
		}
		if written {
			slog.Info("created mirror", "dir", store.Dir())
		} else {
			slog.Info("mirror already exists", "dir", store.Dir())
		}
		return nil
	})
	if err != nil {
		fail(cmd, "failed to create mirror", err)
	}
}

func runYank(cmd *cobra.Command, args []string) {
	config := loadConfig(cmd)
	dir, args := splitDir(cmd, config, args, 3)
	name, ver := args[0], args[1]
	undo, _ := cmd.Flags().GetBool("undo")

	store := openStore(cmd, dir)
	err := mirror.WithLock(dir, func() error {
		changed, err := store.Yank(name, ver, !undo)
		if err != nil {
			return err
		}
		if !changed {
			slog.Info("index unchanged", "crate", name, "version", ver, "yanked", !undo)
			return nil
		}
		slog.Info("updated index", "crate", name, "version", ver, "yanked", !undo)
		return nil
	})
	if err != nil {
		fail(cmd, "failed to update index", err)
	}
}

func runVerify(cmd *cobra.Command, args []string) {
	config := loadConfig(cmd)
	dir, _ := splitDir(cmd, config, args, 1)

	report, err := mirror.Audit(openStore(cmd, dir))
	if err != nil {
		fail(cmd, "verification failed", err)
	}
	report.Print(os.Stdout)
	if !report.OK() {
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) {
	config := loadConfig(cmd)
	dir, _ := splitDir(cmd, config, args, 1)
	listen, _ := cmd.Flags().GetString("listen")
	baseURL, _ := cmd.Flags().GetString("base-url")

	store := openStore(cmd, dir)
	var opts []mirror.ServerOption
	if proxy, _ := cmd.Flags().GetBool("proxy"); proxy {
		if upstream, _ := cmd.Flags().GetString("upstream"); upstream != "" {
			config.Proxy.Upstream = upstream
		}
		if cmd.Flags().Changed("index-ttl") {
			ttl, _ := cmd.Flags().GetDuration("index-ttl")
			config.Proxy.IndexTTL = mirror.Duration{Duration: ttl}
		}
		p, err := mirror.NewProxy(store, mirror.NewUpstream(config, store), config.Proxy)
		if err != nil {
			fail(cmd, "invalid proxy settings", err)
		}
		opts = append(opts, mirror.WithProxy(p))
		slog.Info("proxying missing packages", "upstream", config.Proxy.Upstream, "index_ttl", config.Proxy.IndexTTL.Duration)
	}

	server := &http.Server{
		Addr:              listen,
		Handler:           mirror.NewServer(store, baseURL, opts...),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Warn("shutdown", "error", err)
		}
	}()

	slog.Info("serving mirror", "dir", dir, "listen", listen)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		fail(cmd, "server failed", err)
	}
}

func runExport(cmd *cobra.Command, args []string) {
	config := loadConfig(cmd)
	dir, args := splitDir(cmd, config, args, 2)
	out, err := resolvePath(args[0])
	if err != nil {
		fail(cmd, "invalid output path", err)
	}

	store := openStore(cmd, dir)
	err = mirror.WithLock(dir, func() error {
		_, err := mirror.Export(store, out)
		return err
	})
	if err != nil {
		fail(cmd, "export failed", err)
	}
}

func runValidate(cmd *cobra.Command, _ []string) {
	config, err := mirror.LoadConfig(configPath, true)
	if err != nil {
		fail(cmd, "failed to load configuration", err)
	}

	var validationErrors []error
	if err := config.Log.Apply(); err != nil {
		validationErrors = append(validationErrors, errors.Wrap(err, "log config"))
	}
	if err := config.Check(); err != nil {
		validationErrors = append(validationErrors, errors.Wrap(err, "config"))
	}

	if len(validationErrors) > 0 {
		slog.Error("the toml configuration file is not valid")
		for _, err := range validationErrors {
			slog.Error(err.Error())
		}
		os.Exit(1)
	}

	slog.Info("the toml configuration file passes validation checks")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
