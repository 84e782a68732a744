package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/stepsync/internal/access"
	"github.com/roach88/stepsync/internal/codec"
	"github.com/roach88/stepsync/internal/collab"
	"github.com/roach88/stepsync/internal/config"
	"github.com/roach88/stepsync/internal/hub"
	"github.com/roach88/stepsync/internal/metrics"
	"github.com/roach88/stepsync/internal/relay"
	"github.com/roach88/stepsync/internal/server"
	"github.com/roach88/stepsync/internal/store"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Addr     string
	Database string

	// IDs overrides the connection ID generator (for testing).
	IDs server.IDGenerator
	// Listening, if set, receives the bound address once the listener is up.
	Listening chan<- net.Addr
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the sync server",
		Long: `Run the sync server.

The server opens the document store (creating a SQLite database if it
doesn't exist), loads the access policy and serves WebSocket subscriptions
and the REST step/history endpoints until interrupted.

Example:
  stepsync serve --config ./stepsync.yaml
  stepsync serve --addr :9000 --db /tmp/docs.db --verbose`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", "", "listen address (overrides server.addr)")
	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (overrides store.path)")

	return cmd
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	if opts.Addr != "" {
		cfg.Server.Addr = opts.Addr
	}
	if opts.Database != "" {
		cfg.Store.Driver = "sqlite"
		cfg.Store.Path = opts.Database
	}

	logger := newLogger(cfg.Log, opts.Verbose, cmd.ErrOrStderr())
	slog.SetDefault(logger)

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	app, err := buildApp(ctx, cfg, logger, opts.IDs)
	if err != nil {
		return err
	}
	defer app.close()

	ln, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to listen", err)
	}
	if opts.Listening != nil {
		opts.Listening <- ln.Addr()
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Listening on %s. Press Ctrl-C to stop.\n", ln.Addr())

	if err := app.server.Serve(ctx, ln, cfg.Server.ShutdownTimeout.Std()); err != nil {
		return WrapExitError(ExitFailure, "server error", err)
	}
	logger.Info("server stopped gracefully")
	return nil
}

// app is the wired server and everything it owns.
type app struct {
	store  store.Store
	server *server.Server
	relay  *relay.Redis
	logger *slog.Logger
}

// buildApp wires the store, codec, service, relay and server from cfg.
// Background goroutines it starts stop when ctx is cancelled.
func buildApp(ctx context.Context, cfg config.Config, logger *slog.Logger, ids server.IDGenerator) (*app, error) {
	if cfg.Auth.Secret == "" {
		return nil, NewExitError(ExitCommandError, "auth.secret is required to serve")
	}
	policy, err := loadPolicy(cfg.Auth)
	if err != nil {
		return nil, err
	}
	c, err := newCodec(cfg.Sync)
	if err != nil {
		return nil, err
	}

	logger.Info("opening store", "driver", cfg.Store.Driver)
	st, err := openStore(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}
	a := &app{store: st, logger: logger}

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
	}
	registry := hub.NewRegistry(logger)

	var publisher relay.Publisher = relay.NewLocal(registry, m)
	if cfg.Relay.Driver == "redis" {
		r, err := relay.NewRedis(ctx, relay.RedisOptions{
			Addr:     cfg.Relay.RedisAddr,
			Password: cfg.Relay.RedisPassword,
			DB:       cfg.Relay.RedisDB,
			Prefix:   cfg.Relay.ChannelPrefix,
		}, registry, logger, m)
		if err != nil {
			a.close()
			return nil, WrapExitError(ExitCommandError, "failed to connect relay", err)
		}
		a.relay = r
		publisher = r
		go func() {
			if err := r.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("relay stopped", "error", err)
			}
		}()
	}

	serviceOpts := []collab.Option{
		collab.WithLogger(logger),
		collab.WithMetrics(m),
		collab.WithMaxSteps(cfg.Sync.MaxStepsPerSubmission),
	}
	if cfg.Sync.NotifySubscribers {
		serviceOpts = append(serviceOpts, collab.WithNotifier(relay.NewNotifier(publisher, logger)))
	}
	svc := collab.NewService(st, c, serviceOpts...)

	var authOpts []access.JWTOption
	if cfg.Auth.Issuer != "" {
		authOpts = append(authOpts, access.WithIssuer(cfg.Auth.Issuer))
	}

	a.server = server.New(server.Options{
		Service:          svc,
		Registry:         registry,
		Authenticator:    access.NewJWTAuthenticator([]byte(cfg.Auth.Secret), authOpts...),
		Checker:          policy,
		Metrics:          m,
		MetricsPath:      cfg.Metrics.Path,
		Logger:           logger,
		IDs:              ids,
		AllowedOrigins:   cfg.Server.AllowedOrigins,
		HandshakeTimeout: cfg.Server.HandshakeTimeout.Std(),
		WriteTimeout:     cfg.Server.WriteTimeout.Std(),
		PingInterval:     cfg.Server.PingInterval.Std(),
		PongTimeout:      cfg.Server.PongTimeout.Std(),
		SendQueueSize:    cfg.Server.SendQueueSize,
		MaxMessageBytes:  cfg.Server.MaxMessageBytes,
	})
	return a, nil
}

func (a *app) close() {
	if a.relay != nil {
		if err := a.relay.Close(); err != nil {
			a.logger.Error("error closing relay", "error", err)
		}
	}
	if err := a.store.Close(); err != nil {
		a.logger.Error("error closing store", "error", err)
	}
}

func loadPolicy(cfg config.AuthConfig) (*access.Policy, error) {
	if cfg.PolicyFile == "" {
		return nil, NewExitError(ExitCommandError, "auth.policy_file is required to serve")
	}
	policy, err := access.LoadPolicy(cfg.PolicyFile)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load access policy", err)
	}
	return policy, nil
}

func newCodec(cfg config.SyncConfig) (*codec.Codec, error) {
	var opts []codec.Option
	if cfg.StrictSchema {
		schema := codec.DefaultSchema()
		schema.Strict = true
		opts = append(opts, codec.WithSchema(schema))
	}
	if cfg.ValidateTrees {
		v, err := codec.NewTreeValidator()
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "failed to build tree validator", err)
		}
		opts = append(opts, codec.WithValidator(v))
	}
	return codec.New(opts...), nil
}

func openStore(ctx context.Context, cfg config.StoreConfig) (store.Store, error) {
	st, err := store.Connect(ctx, store.Config{Driver: cfg.Driver, Path: cfg.Path, DSN: cfg.DSN})
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open store", err)
	}
	return st, nil
}
