package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	zaplogfmt "github.com/sykesm/zap-logfmt"
	"github.com/thecodeteam/goodbye"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/simplesurance/forksyncd/internal/cfg"
	"github.com/simplesurance/forksyncd/internal/deploy"
	"github.com/simplesurance/forksyncd/internal/depsync"
	"github.com/simplesurance/forksyncd/internal/gitrepo"
	"github.com/simplesurance/forksyncd/internal/imagebuild"
	"github.com/simplesurance/forksyncd/internal/logfields"
	"github.com/simplesurance/forksyncd/internal/pipeline"
	"github.com/simplesurance/forksyncd/internal/state"
	"github.com/simplesurance/forksyncd/internal/upstream"
)

const appName = "forksyncd"

var logger *zap.Logger

// Version is set via a ldflag on compilation
var Version = "unknown"

func exitOnErr(msg string, err error) {
	if err == nil {
		return
	}

	fmt.Fprintln(os.Stderr, "ERROR:", msg+", error:", err.Error())
	os.Exit(1)
}

func panicHandler() {
	if r := recover(); r != nil {
		logger.Info(
			"panic caught , terminating gracefully",
			zap.String("panic", fmt.Sprintf("%v", r)),
			zap.StackSkip("stacktrace", 1),
		)

		ctx, cancelFn := context.WithTimeout(context.Background(), time.Minute)
		defer cancelFn()

		goodbye.Exit(ctx, 1)
	}
}

func startHTTPSServer(listenAddr string, certFile, keyFile string, mux *http.ServeMux) {
	httpsServer := http.Server{
		Addr:    listenAddr,
		Handler: mux,
	}

	goodbye.Register(func(context.Context, os.Signal) {
		const shutdownTimeout = 30 * time.Second
		ctx, cancelFn := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancelFn()

		logger.Debug(
			"terminating https server",
			logfields.Event("https_server_terminating"),
			zap.Duration("shutdown_timeout", shutdownTimeout),
		)

		err := httpsServer.Shutdown(ctx)
		if err != nil {
			logger.Warn(
				"shutting down https server failed",
				logfields.Event("https_server_termination_failed"),
				zap.Error(err),
			)
		}
	})

	go func() {
		defer panicHandler()

		logger.Info(
			"https server started",
			logfields.Event("https_server_started"),
			zap.String("listenAddr", listenAddr),
		)

		err := httpsServer.ListenAndServeTLS(certFile, keyFile)
		if errors.Is(err, http.ErrServerClosed) {
			logger.Info("https server terminated", logfields.Event("https_server_terminated"))
			return
		}

		logger.Fatal(
			"https server terminated unexpectedly",
			logfields.Event("https_server_terminated_unexpectedly"),
			zap.Error(err),
		)
	}()
}

func startHTTPServer(listenAddr string, mux *http.ServeMux) {
	httpServer := http.Server{
		Addr:    listenAddr,
		Handler: mux,
	}

	goodbye.Register(func(context.Context, os.Signal) {
		const shutdownTimeout = 30 * time.Second
		ctx, cancelFn := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancelFn()

		logger.Debug(
			"terminating http server",
			logfields.Event("http_server_terminating"),
			zap.Duration("shutdown_timeout", shutdownTimeout),
		)

		err := httpServer.Shutdown(ctx)
		if err != nil {
			logger.Warn(
				"shutting down http server failed",
				logfields.Event("http_server_termination_failed"),
				zap.Error(err),
			)
		}
	})

	go func() {
		defer panicHandler()

		logger.Info(
			"http server started",
			logfields.Event("http_server_started"),
			zap.String("listenAddr", listenAddr),
		)

		err := httpServer.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			logger.Info("http server terminated", logfields.Event("http_server_terminated"))
			return
		}

		logger.Fatal(
			"http server terminated unexpectedly",
			logfields.Event("http_server_terminated_unexpectedly"),
			zap.Error(err),
		)
	}()
}

type arguments struct {
	Verbose     *bool
	ConfigFile  *string
	ShowVersion *bool
	Once        *bool
}

var args arguments

const defConfigFile = "/etc/forksyncd/config.toml"

func mustParseCommandlineParams() {
	args = arguments{
		Verbose: pflag.BoolP(
			"verbose",
			"v",
			false,
			"enable verbose logging",
		),
		ConfigFile: pflag.StringP(
			"cfg-file",
			"c",
			defConfigFile,
			"path to the forksyncd configuration file",
		),
		ShowVersion: pflag.Bool(
			"version",
			false,
			"print the version and exit",
		),
		Once: pflag.Bool(
			"once",
			false,
			"run a single synchronization pass and exit",
		),
	}

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [OPTION]\nSynchronize a fork with its upstream and deploy the result.\n", appName)
		fmt.Fprintf(os.Stderr, "\nOptions:\n")
		pflag.PrintDefaults()
	}

	pflag.Parse()
}

func mustParseCfg() *cfg.Config {
	// we use exitOnErr in this function instead of logger.Fatal() because
	// the logger is not initialized yet

	file, err := os.Open(*args.ConfigFile)
	exitOnErr("could not open configuration files", err)
	defer file.Close()

	config, err := cfg.Load(file)
	if err != nil {
		exitOnErr(fmt.Sprintf("could not load configuration file: %s", *args.ConfigFile), err)
	}

	return config
}

func initLogFmtLogger(config *cfg.Config, logLevel zapcore.Level) *zap.Logger {
	cfg := zapEncoderConfig(config)

	logger := zap.New(zapcore.NewCore(
		zaplogfmt.NewEncoder(cfg),
		os.Stdout,
		logLevel),
	)

	return logger
}

func zapEncoderConfig(config *cfg.Config) zapcore.EncoderConfig {
	cfg := zap.NewProductionEncoderConfig()

	cfg.LevelKey = "loglevel"
	cfg.TimeKey = config.LogTimeKey
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncodeDuration = zapcore.StringDurationEncoder

	return cfg
}

func mustInitZapFormatLogger(config *cfg.Config, logLevel zapcore.Level) *zap.Logger {
	cfg := zap.NewProductionConfig()
	cfg.Sampling = nil
	cfg.EncoderConfig = zapEncoderConfig(config)
	cfg.OutputPaths = []string{"stdout"}
	cfg.Encoding = config.LogFormat
	cfg.Level = zap.NewAtomicLevelAt(logLevel)

	logger, err := cfg.Build()
	exitOnErr("could not initialize logger", err)

	return logger
}

func mustInitLogger(config *cfg.Config) {
	var logLevel zapcore.Level
	if *args.Verbose {
		logLevel = zapcore.DebugLevel
	} else {
		if err := (&logLevel).Set(config.LogLevel); err != nil {
			fmt.Fprintf(os.Stderr, "can not set log level to %q: %s \n", config.LogLevel, err)
			os.Exit(2)
		}
	}

	switch config.LogFormat {
	case "logfmt":
		logger = initLogFmtLogger(config, logLevel)
	case "console", "json":
		logger = mustInitZapFormatLogger(config, logLevel)
	default:
		fmt.Fprintf(os.Stderr, "unsupported log-format argument: %q\n", config.LogFormat)
		os.Exit(2)
	}

	logger = logger.Named("main")
	zap.ReplaceGlobals(logger)

	goodbye.Register(func(context.Context, os.Signal) {
		if err := logger.Sync(); err != nil {
			fmt.Fprintf(os.Stderr, "flushing logs failed: %s\n", err)
		}
	})
}

func hide(in string) string {
	if in == "" {
		return in
	}

	return "**hidden**"
}

func mustInitPipeline(config *cfg.Config) (*pipeline.Pipeline, *deploy.Deployer, *deploy.RecordLog, *state.Store) {
	store, err := state.NewStore(config.StateDir)
	exitOnErr("could not open the sync state store", err)

	records, err := deploy.NewRecordLog(config.StateDir)
	exitOnErr("could not open the deployment record log", err)

	repo, err := gitrepo.Open(
		config.Repo.Path,
		config.Repo.Branch,
		config.Upstream.GitURL,
		config.Upstream.Branch,
		config.Upstream.APIToken,
	)
	exitOnErr("could not open the local repository", err)

	resolver := upstream.NewResolver(
		upstream.New(config.Upstream.APIToken),
		config.Upstream.Owner,
		config.Upstream.Repository,
		config.Upstream.Branch,
	)

	reconciler := depsync.NewReconciler(depsync.NewHTTPIndex(config.Deps.IndexURL))

	builder := imagebuild.NewBuilder(
		imagebuild.NewDockerCLI(),
		config.Image.Name,
		config.Image.Registry,
	)

	if config.Image.RegistryUser != "" {
		ctx, cancelFn := context.WithTimeout(context.Background(), time.Minute)
		defer cancelFn()

		err := builder.Login(ctx, config.Image.RegistryUser, config.Image.RegistryPassword)
		exitOnErr("could not login at the image registry", err)
	}

	runtime := deploy.NewDockerRuntime(
		config.Deploy.Network,
		config.Deploy.ContainerName,
		config.Deploy.VolumeHostPath,
		config.Deploy.VolumeMountPath,
		config.Deploy.PublishPorts,
	)

	gate, err := deploy.NewHealthGate(
		config.Deploy.HealthURL,
		config.Deploy.HealthPollInterval.Duration,
		config.Deploy.HealthMaxAttempts,
		config.Deploy.HealthJQFilter,
	)
	exitOnErr("could not initialize the health gate", err)

	deployer := deploy.NewDeployer(runtime, records, gate, config.Deploy.ContainerName)

	pl := pipeline.New(
		resolver,
		repo,
		reconciler,
		builder,
		deployer,
		store,
		config.Deps.ManifestPath,
		config.Deploy.BlockedThreshold,
	)

	return pl, deployer, records, store
}

func main() {
	defer panicHandler()

	defer goodbye.Exit(context.Background(), 1)
	goodbye.Notify(context.Background())

	mustParseCommandlineParams()

	if *args.ShowVersion {
		fmt.Printf("%s %s\n", appName, Version)
		os.Exit(0) // nolint:gocritic // defer functions won't run
	}

	config := mustParseCfg()

	mustInitLogger(config)

	logger.Info(
		"loaded cfg file",
		logfields.Event("cfg_loaded"),
		zap.String("cfg_file", *args.ConfigFile),
		zap.String("http_server_listen_addr", config.HTTPListenAddr),
		zap.String("https_server_listen_addr", config.HTTPSListenAddr),
		zap.String("github_webhook_endpoint", config.GithubWebhookEndpoint),
		zap.String("github_webhook_secret", hide(config.GithubWebHookSecret)),
		zap.String("upstream_api_token", hide(config.Upstream.APIToken)),
		zap.String("registry_password", hide(config.Image.RegistryPassword)),
		zap.String("log_format", config.LogFormat),
		zap.String("log_time_key", config.LogTimeKey),
		zap.String("log_level", config.LogLevel),
		zap.String("upstream", config.Upstream.Owner+"/"+config.Upstream.Repository),
		zap.String("repository_path", config.Repo.Path),
	)

	goodbye.Register(func(_ context.Context, sig os.Signal) {
		logger.Info(fmt.Sprintf("terminating, received signal %s", sig.String()))
	})

	pl, deployer, records, store := mustInitPipeline(config)

	if *args.Once {
		ctx, cancelFn := context.WithCancel(context.Background())
		defer cancelFn()

		if err := pl.Run(ctx, false); err != nil {
			logger.Fatal(
				"synchronization pass failed",
				logfields.Event("pipeline_run_failed"),
				zap.Error(err),
			)
		}

		return
	}

	if config.HTTPListenAddr == "" && config.HTTPSListenAddr == "" {
		fmt.Fprintf(os.Stderr, "https_server_listen_addr or http_server_listen_addr must be defined in the config file, both are unset")
		os.Exit(1)
	}

	ctx, cancelFn := context.WithCancel(context.Background())

	scheduler := pipeline.NewScheduler(pl, config.SyncInterval.Duration)
	scheduler.Start(ctx)

	goodbye.Register(func(context.Context, os.Signal) {
		logger.Debug(
			"stopping pipeline scheduler",
			logfields.Event("scheduler_stopping"),
		)

		cancelFn()
		pl.Stop()
		scheduler.Wait()
	})

	mux := http.NewServeMux()

	pipeline.NewHTTPService(store, records, scheduler, deployer).RegisterHandlers(mux)
	mux.Handle("/metrics", promhttp.Handler())

	if config.GithubWebhookEndpoint != "" {
		wh := upstream.NewWebhookProvider(
			config.Upstream.Owner,
			config.Upstream.Repository,
			config.Upstream.Branch,
			func() { scheduler.Trigger(false) },
			upstream.WithPayloadSecret(config.GithubWebHookSecret),
		)

		mux.HandleFunc(config.GithubWebhookEndpoint, wh.HTTPHandler)
		logger.Info(
			"registered github webhook event http endpoint",
			logfields.Event("github_http_handler_registered"),
			zap.String("endpoint", config.GithubWebhookEndpoint),
		)
	}

	if config.HTTPListenAddr != "" {
		startHTTPServer(config.HTTPListenAddr, mux)
	}

	if config.HTTPSListenAddr != "" {
		startHTTPSServer(
			config.HTTPSListenAddr,
			config.HTTPSCertFile,
			config.HTTPSKeyFile,
			mux,
		)
	}

	select {}
}
