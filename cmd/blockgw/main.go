package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/jacktea/blockgw/pkg/blocks"
	"github.com/jacktea/blockgw/pkg/blockurl"
	"github.com/jacktea/blockgw/pkg/fs"
	gwsource "github.com/jacktea/blockgw/pkg/gateway"
	"github.com/jacktea/blockgw/pkg/gc"
	"github.com/jacktea/blockgw/pkg/location"
	"github.com/jacktea/blockgw/pkg/manifest"
	"github.com/jacktea/blockgw/pkg/meta"
	"github.com/jacktea/blockgw/pkg/metrics"
	"github.com/jacktea/blockgw/pkg/redirect"
	"github.com/jacktea/blockgw/pkg/replica"
	"github.com/jacktea/blockgw/pkg/replication"
	"github.com/jacktea/blockgw/pkg/server/gateway"
	"github.com/jacktea/blockgw/pkg/server/middleware"
	"github.com/jacktea/blockgw/pkg/server/rgw"
	"github.com/jacktea/blockgw/pkg/transport"
)

type app struct {
	ctx     context.Context
	logger  zerolog.Logger
	metrics *metrics.Metrics
	store   meta.Store
	loc     *location.Service
	cleanup []func()
}

func (a *app) ensureLogger() error {
	level, err := zerolog.ParseLevel(viper.GetString("log_level"))
	if err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	var out io.Writer = os.Stderr
	switch strings.ToLower(viper.GetString("log_format")) {
	case "", "console":
		out = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	case "json":
	default:
		return fmt.Errorf("unknown log format %q", viper.GetString("log_format"))
	}
	a.logger = zerolog.New(out).Level(level).With().Timestamp().Logger()
	a.ctx = context.Background()
	return nil
}

// ensureGateway opens the metadata store and the block location service.
func (a *app) ensureGateway() error {
	if a.store != nil {
		return nil
	}
	loc, err := location.New(location.Config{
		ContentURL:  viper.GetString("content_url"),
		CDNPrefix:   viper.GetString("cdn_prefix"),
		DataRoot:    viper.GetString("data_root"),
		StagingRoot: viper.GetString("staging_root"),
	})
	if err != nil {
		return err
	}
	store, err := openMetaStore(viper.GetString("meta"))
	if err != nil {
		return err
	}
	if closer, ok := store.(io.Closer); ok {
		a.cleanup = append(a.cleanup, func() { closer.Close() })
	}
	if size := viper.GetInt("meta_cache_size"); size > 0 {
		store = meta.NewCachedStore(store, size, viper.GetDuration("meta_cache_ttl"))
	}
	a.store = store
	a.loc = loc
	return nil
}

func (a *app) ensureMetrics() *metrics.Metrics {
	if a.metrics == nil {
		a.metrics = metrics.New(prometheus.DefaultRegisterer)
	}
	return a.metrics
}

func (a *app) close() {
	for i := len(a.cleanup) - 1; i >= 0; i-- {
		a.cleanup[i]()
	}
}

var (
	cfgFile     string
	application = &app{}
	rootCmd     = &cobra.Command{
		Use:           "blockgw",
		Short:         "Versioned block gateway",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return application.ensureLogger()
		},
	}
)

func init() {
	cobra.OnInitialize(initConfig)
	initRootFlags()
	initCommands()
}

func main() {
	defer application.close()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		application.close()
		os.Exit(1)
	}
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("blockgw")
		viper.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			viper.AddConfigPath(filepath.Join(home, ".config", "blockgw"))
		}
	}
	viper.SetEnvPrefix("BLOCKGW")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()
	if err := viper.ReadInConfig(); err != nil {
		var nf viper.ConfigFileNotFoundError
		if !errors.As(err, &nf) {
			fmt.Fprintf(os.Stderr, "read config: %v\n", err)
		}
	}
}

func bindConfig(key string, flag *pflag.Flag) {
	if err := viper.BindPFlag(key, flag); err != nil {
		panic(err)
	}
}

func initRootFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (TOML or YAML)")

	flags.String("data-root", ".blockgw/data", "root for blocks of files this gateway coordinates")
	flags.String("staging-root", ".blockgw/staging", "root for blocks of files coordinated elsewhere")
	flags.String("content-url", "http://localhost:32780", "externally visible base URL of this gateway")
	flags.String("cdn-prefix", "", "scheme and host that replace the content URL's in public URLs")
	flags.String("meta", ".blockgw/meta.db", "path to the metadata store (empty keeps it in memory)")
	flags.Uint64("blocking-factor", blocks.DefaultBlockingFactor, "block size in bytes")

	flags.StringSlice("replica-urls", nil, "replica server URLs")
	flags.String("replica-transport", "http", "replica transport: http|s3")
	flags.String("replica-api-key", "", "API key sent to replica servers")
	flags.Duration("connect-timeout", 10*time.Second, "replica connect timeout")
	flags.Duration("transfer-timeout", time.Minute, "replica transfer timeout")
	flags.Bool("verify-peer", true, "verify replica TLS certificates")
	flags.String("s3-region", "", "region for the s3 replica transport")
	flags.String("s3-access-key", "", "access key for the s3 replica transport")
	flags.String("s3-secret-key", "", "secret key for the s3 replica transport")
	flags.String("s3-session-token", "", "session token for the s3 replica transport")
	flags.Bool("flush-replicas", true, "wait for queued replication before exiting")

	flags.Int("meta-cache-size", 0, "metadata records cached in memory (0 disables)")
	flags.Duration("meta-cache-ttl", 5*time.Second, "time to keep cached metadata records")

	flags.String("log-level", "info", "log level: debug|info|warn|error")
	flags.String("log-format", "console", "log format: console|json")

	for _, key := range []string{
		"data_root", "staging_root", "content_url", "cdn_prefix", "meta", "blocking_factor",
		"replica_urls", "replica_transport", "replica_api_key", "connect_timeout", "transfer_timeout",
		"verify_peer", "s3_region", "s3_access_key", "s3_secret_key", "s3_session_token",
		"flush_replicas", "meta_cache_size", "meta_cache_ttl", "log_level", "log_format",
	} {
		bindConfig(key, flags.Lookup(strings.ReplaceAll(key, "_", "-")))
	}
}

func initCommands() {
	rootCmd.AddCommand(
		newServeCmd(),
		newServeReplicaCmd(),
		newPutCmd(),
		newMkdirCmd(),
		newDecodeCmd(),
		newResolveCmd(),
		newVacuumCmd(),
	)
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve blocks, manifests and files over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := application.ensureGateway(); err != nil {
				return err
			}
			opts := serveOptions{
				Addr:           viper.GetString("serve.addr"),
				APIKey:         viper.GetString("serve.api_key"),
				RateLimit:      viper.GetInt("serve.rate_limit"),
				RateWindow:     viper.GetDuration("serve.rate_window"),
				Dataset:        viper.GetString("serve.dataset"),
				VacuumInterval: viper.GetDuration("serve.vacuum_interval"),
				ReadOnly:       viper.GetBool("serve.read_only"),
			}
			return runServe(application, opts)
		},
	}
	cmd.Flags().String("addr", ":32780", "listen address")
	cmd.Flags().String("api-key", "", "require API key (X-API-Key or Bearer token)")
	cmd.Flags().Int("rate-limit", 0, "requests allowed per rate window (0 disables)")
	cmd.Flags().Duration("rate-window", time.Second, "rate limit window")
	cmd.Flags().String("dataset", "", "serve this directory as a read-only dataset instead of the block store")
	cmd.Flags().Duration("vacuum-interval", time.Minute, "interval between removals of superseded blocks (0 disables)")
	cmd.Flags().Bool("read-only", false, "refuse PUT and DELETE")
	bindConfig("serve.addr", cmd.Flags().Lookup("addr"))
	bindConfig("serve.api_key", cmd.Flags().Lookup("api-key"))
	bindConfig("serve.rate_limit", cmd.Flags().Lookup("rate-limit"))
	bindConfig("serve.rate_window", cmd.Flags().Lookup("rate-window"))
	bindConfig("serve.dataset", cmd.Flags().Lookup("dataset"))
	bindConfig("serve.vacuum_interval", cmd.Flags().Lookup("vacuum-interval"))
	bindConfig("serve.read_only", cmd.Flags().Lookup("read-only"))
	return cmd
}

func newServeReplicaCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve-replica",
		Short: "Accept replicated blocks and manifests",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := replicaServeOptions{
				Addr:       viper.GetString("serve_replica.addr"),
				Root:       viper.GetString("serve_replica.root"),
				APIKey:     viper.GetString("serve_replica.api_key"),
				RateLimit:  viper.GetInt("serve_replica.rate_limit"),
				RateWindow: viper.GetDuration("serve_replica.rate_window"),
			}
			return runServeReplica(application, opts)
		},
	}
	cmd.Flags().String("addr", ":32790", "listen address")
	cmd.Flags().String("root", ".blockgw/replica", "replica storage root")
	cmd.Flags().String("api-key", "", "require API key (X-API-Key or Bearer token)")
	cmd.Flags().Int("rate-limit", 0, "requests allowed per rate window (0 disables)")
	cmd.Flags().Duration("rate-window", time.Second, "rate limit window")
	bindConfig("serve_replica.addr", cmd.Flags().Lookup("addr"))
	bindConfig("serve_replica.root", cmd.Flags().Lookup("root"))
	bindConfig("serve_replica.api_key", cmd.Flags().Lookup("api-key"))
	bindConfig("serve_replica.rate_limit", cmd.Flags().Lookup("rate-limit"))
	bindConfig("serve_replica.rate_window", cmd.Flags().Lookup("rate-window"))
	return cmd
}

func newPutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "put <destination>",
		Short: "Write stdin to the destination path and replicate it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := application.ensureGateway(); err != nil {
				return err
			}
			return doPut(application, args[0], os.Stdin, cmd.OutOrStdout())
		},
	}
}

func newMkdirCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mkdir <path>",
		Short: "Create a directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := application.ensureGateway(); err != nil {
				return err
			}
			return meta.Mkdir(application.ctx, application.store, args[0], fs.TimestampOf(time.Now()))
		},
	}
}

func newDecodeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "decode <url-path>",
		Short: "Decode a block URL path",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return doDecode(args[0], cmd.OutOrStdout())
		},
	}
}

func newResolveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <url-path>",
		Short: "Show how a GET for the URL path would be answered",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := application.ensureGateway(); err != nil {
				return err
			}
			return doResolve(application.ctx, meta.NewFacts(application.store), application.loc, args[0], cmd.OutOrStdout())
		},
	}
}

func newVacuumCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "vacuum",
		Short: "Remove superseded local blocks",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := application.ensureGateway(); err != nil {
				return err
			}
			sweeper := gc.NewSweeper(gc.Options{Store: application.store, Logger: application.logger})
			count, err := sweeper.Sweep(application.ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "vacuum removed %d blocks\n", count)
			return nil
		},
	}
}

type serveOptions struct {
	Addr           string
	APIKey         string
	RateLimit      int
	RateWindow     time.Duration
	Dataset        string
	VacuumInterval time.Duration
	ReadOnly       bool
}

type replicaServeOptions struct {
	Addr       string
	Root       string
	APIKey     string
	RateLimit  int
	RateWindow time.Duration
}

func openMetaStore(path string) (meta.Store, error) {
	if path == "" {
		return meta.NewMemoryStore(), nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("meta: %w", err)
	}
	return meta.NewBoltStore(meta.BoltConfig{Path: path})
}

// buildTransport selects the replica transport named by the config.
func buildTransport() (replication.Transport, error) {
	base := transport.Config{
		ConnectTimeout:  viper.GetDuration("connect_timeout"),
		TransferTimeout: viper.GetDuration("transfer_timeout"),
		VerifyPeer:      viper.GetBool("verify_peer"),
	}
	switch strings.ToLower(viper.GetString("replica_transport")) {
	case "", "http":
		return transport.NewHTTP(transport.HTTPConfig{Config: base, APIKey: viper.GetString("replica_api_key")}), nil
	case "s3":
		return transport.NewS3(transport.S3Config{
			Config:       base,
			Region:       viper.GetString("s3_region"),
			AccessKey:    viper.GetString("s3_access_key"),
			SecretKey:    viper.GetString("s3_secret_key"),
			SessionToken: viper.GetString("s3_session_token"),
			APIKey:       viper.GetString("replica_api_key"),
		})
	default:
		return nil, fmt.Errorf("unknown replica transport %q", viper.GetString("replica_transport"))
	}
}

func startEngine(a *app) (*replication.Engine, error) {
	tr, err := buildTransport()
	if err != nil {
		return nil, err
	}
	return replication.Start(replication.Config{
		Servers:        viper.GetStringSlice("replica_urls"),
		Transport:      tr,
		Locator:        a.loc,
		BlockingFactor: viper.GetUint64("blocking_factor"),
		Logger:         a.logger,
		Metrics:        a.metrics,
	})
}

// stopEngine waits for queued uploads when flush_replicas is set and
// abandons them otherwise.
func stopEngine(a *app, engine *replication.Engine) {
	ctx := context.Background()
	if !viper.GetBool("flush_replicas") {
		var cancel context.CancelFunc
		ctx, cancel = context.WithCancel(ctx)
		cancel()
	}
	if err := engine.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
		a.logger.Warn().Err(err).Msg("replication shutdown")
	}
}

func newWriter(a *app) *blocks.Writer {
	return blocks.NewWriter(a.store, a.loc, blocks.Options{
		BlockingFactor: viper.GetUint64("blocking_factor"),
		Concurrency:    4,
		Logger:         a.logger,
	})
}

func runServe(a *app, opt serveOptions) error {
	ctx, stop := signalContext(a.ctx)
	defer stop()
	m := a.ensureMetrics()

	srvOpts := gateway.Options{APIKey: opt.APIKey, Logger: a.logger, Metrics: m}
	if opt.RateLimit > 0 {
		srvOpts.RateLimit = middleware.RateLimitOptions{Requests: opt.RateLimit, Window: opt.RateWindow, PerClient: true}
	}
	srv := &gateway.Server{Location: a.loc, Opt: srvOpts}

	if opt.Dataset != "" {
		driver, err := gwsource.NewDiskDriver(opt.Dataset, viper.GetUint64("blocking_factor"), a.logger)
		if err != nil {
			return err
		}
		if _, err := driver.Publish(ctx); err != nil {
			return err
		}
		srv.Facts = driver
		srv.Source = driver
		return srv.Start(ctx, opt.Addr)
	}

	srv.Facts = meta.NewFacts(a.store)
	srv.Source = gwsource.NewLocalSource(a.store, a.loc)
	if !opt.ReadOnly {
		engine, err := startEngine(a)
		if err != nil {
			return err
		}
		defer stopEngine(a, engine)
		srv.Store = a.store
		srv.Writer = newWriter(a)
		srv.Replicator = engine
	}
	if opt.VacuumInterval > 0 {
		cancel := gc.NewSweeper(gc.Options{Store: a.store, Logger: a.logger, Metrics: m}).Start(ctx, opt.VacuumInterval)
		defer cancel()
	}
	return srv.Start(ctx, opt.Addr)
}

func runServeReplica(a *app, opt replicaServeOptions) error {
	ctx, stop := signalContext(a.ctx)
	defer stop()
	m := a.ensureMetrics()
	store, err := replica.Open(replica.Config{Root: opt.Root, Logger: a.logger, Metrics: m})
	if err != nil {
		return err
	}
	defer store.Close()
	srvOpts := rgw.Options{APIKey: opt.APIKey, Logger: a.logger, Metrics: m}
	if opt.RateLimit > 0 {
		srvOpts.RateLimit = middleware.RateLimitOptions{Requests: opt.RateLimit, Window: opt.RateWindow, PerClient: true}
	}
	return (&rgw.Server{Store: store, Opt: srvOpts}).Start(ctx, opt.Addr)
}

// doPut writes r to dst and replicates the write synchronously.
func doPut(a *app, dst string, r io.Reader, out io.Writer) error {
	res, err := newWriter(a).Write(a.ctx, dst, r, fs.TimestampOf(time.Now()))
	if err != nil {
		return err
	}
	engine, err := startEngine(a)
	if err != nil {
		return err
	}
	defer stopEngine(a, engine)

	rec := res.Record
	data, err := manifest.FromRecord(rec).Marshal()
	if err != nil {
		return err
	}
	fh := replication.NewFileHandle(rec.Path, rec.Version, rec.MTime, rec.Local)
	batch, err := engine.ReplicateWrite(a.ctx, fh, data, res.Modified, true)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%s\t%d bytes\t%d blocks written\t%s\n",
		rec.Path, rec.Size, len(res.Modified), a.loc.PublicFileURL(blockurl.ScopeData, rec.Path, rec.Version))
	if err := batch.Err(); err != nil {
		return fmt.Errorf("replication incomplete: %w", err)
	}
	return nil
}

func doDecode(raw string, out io.Writer) error {
	parsed, err := blockurl.Decode(raw)
	if err != nil {
		return err
	}
	view := struct {
		Dir          bool          `json:"dir,omitempty"`
		Path         string        `json:"path,omitempty"`
		Staging      bool          `json:"staging,omitempty"`
		FileVersion  *int64        `json:"file_version,omitempty"`
		BlockID      *uint64       `json:"block_id,omitempty"`
		BlockVersion *int64        `json:"block_version,omitempty"`
		Manifest     *fs.Timestamp `json:"manifest,omitempty"`
	}{
		Dir:      parsed.Dir,
		Path:     parsed.FilePath,
		Staging:  parsed.Staging,
		Manifest: parsed.Manifest,
	}
	if parsed.FileVersion.Valid {
		view.FileVersion = &parsed.FileVersion.Value
	}
	if parsed.IsBlock() {
		view.BlockID = &parsed.BlockID
		if parsed.BlockVersion.Valid {
			view.BlockVersion = &parsed.BlockVersion.Value
		}
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(view)
}

func doResolve(ctx context.Context, facts fs.Facts, loc *location.Service, raw string, out io.Writer) error {
	parsed, err := blockurl.Decode(raw)
	if err != nil {
		return err
	}
	if parsed.Dir {
		fmt.Fprintln(out, "serve")
		return nil
	}
	dec, err := redirect.New(facts, loc).Resolve(ctx, redirect.RequestFromParsed(parsed))
	if err != nil {
		return err
	}
	if dec.URL != "" {
		fmt.Fprintf(out, "%s\t%s\n", dec.Outcome, dec.URL)
		return nil
	}
	fmt.Fprintln(out, dec.Outcome)
	return nil
}
