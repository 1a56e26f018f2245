package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/gofrs/flock"
	"github.com/spf13/pflag"
	zaplogfmt "github.com/sykesm/zap-logfmt"
	"github.com/thecodeteam/goodbye"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/simplesurance/automerge/internal/cfg"
	"github.com/simplesurance/automerge/internal/githubclt"
	"github.com/simplesurance/automerge/internal/logfields"
	"github.com/simplesurance/automerge/internal/prfilter"
	"github.com/simplesurance/automerge/internal/triage"
)

const appName = "automerge"

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

type arguments struct {
	Verbose     *bool
	ConfigFile  *string
	ApproveAll  *bool
	Force       *bool
	DryRun      *bool
	ShowVersion *bool
}

var args arguments

const defConfigFile = ".config.json"

func mustParseCommandlineParams() {
	args = arguments{
		Verbose: pflag.BoolP(
			"verbose",
			"v",
			false,
			"enable verbose logging",
		),
		ConfigFile: pflag.String(
			"config_file",
			defConfigFile,
			"path to the configuration file, the format is derived from the file extension (.json, .toml, .yaml)",
		),
		ApproveAll: pflag.Bool(
			"approve_all",
			false,
			"approve and merge all matching pull requests that were planned, independent of the plan result",
		),
		Force: pflag.Bool(
			"force",
			false,
			"process pull requests with the automerge_ignore or automerge_no_project label and plan them again",
		),
		DryRun: pflag.Bool(
			"dry-run",
			false,
			"simulate all changes on GitHub, only log them",
		),
		ShowVersion: pflag.Bool(
			"version",
			false,
			"print the version and exit",
		),
	}

	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [OPTION]\nPlan, merge or ignore dependency update pull requests.\n", appName)
		fmt.Fprintf(os.Stderr, "\nOptions:\n")
		pflag.PrintDefaults()
	}

	pflag.Parse()
}

func mustParseCfg() *cfg.Config {
	// we use exitOnErr in this function instead of logger.Fatal() because
	// the logger is not initialized yet

	file, err := os.Open(*args.ConfigFile)
	exitOnErr("could not open configuration file", err)
	defer file.Close()

	config, err := cfg.Load(file, cfg.FormatFromPath(*args.ConfigFile))
	exitOnErr(fmt.Sprintf("could not load configuration file: %s", *args.ConfigFile), err)

	config.ApproveAll = config.ApproveAll || *args.ApproveAll
	config.Force = config.Force || *args.Force
	config.DryRun = config.DryRun || *args.DryRun

	err = config.Validate()
	exitOnErr(fmt.Sprintf("invalid configuration file: %s", *args.ConfigFile), err)

	return config
}

func zapEncoderConfig(config *cfg.Config) zapcore.EncoderConfig {
	cfg := zap.NewProductionEncoderConfig()

	cfg.LevelKey = "loglevel"
	cfg.TimeKey = config.LogTimeKey
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncodeDuration = zapcore.StringDurationEncoder

	return cfg
}

func logWriter(config *cfg.Config) zapcore.WriteSyncer {
	if config.LogFile == "" {
		return zapcore.Lock(os.Stdout)
	}

	return zapcore.NewMultiWriteSyncer(
		zapcore.Lock(os.Stdout),
		zapcore.AddSync(&lumberjack.Logger{
			Filename:   config.LogFile,
			MaxSize:    100,
			MaxBackups: 5,
			Compress:   true,
		}),
	)
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

	encCfg := zapEncoderConfig(config)

	var encoder zapcore.Encoder
	switch config.LogFormat {
	case "logfmt":
		encoder = zaplogfmt.NewEncoder(encCfg)
	case "console":
		encoder = zapcore.NewConsoleEncoder(encCfg)
	case "json":
		encoder = zapcore.NewJSONEncoder(encCfg)
	default:
		fmt.Fprintf(os.Stderr, "unsupported log-format argument: %q\n", config.LogFormat)
		os.Exit(2)
	}

	logger = zap.New(zapcore.NewCore(encoder, logWriter(config), logLevel))
	zap.ReplaceGlobals(logger)
	logger = logger.Named("main")

	goodbye.Register(func(context.Context, os.Signal) {
		if err := logger.Sync(); err != nil {
			fmt.Fprintf(os.Stderr, "flushing logs failed: %s\n", err)
		}
	})
}

// mustAcquireLock ensures that only one instance runs at a time.
func mustAcquireLock(path string) {
	lock := flock.New(path)

	locked, err := lock.TryLock()
	exitOnErr(fmt.Sprintf("could not acquire lock file %s", path), err)
	if !locked {
		fmt.Fprintf(os.Stderr, "ERROR: lock file %s is held by another %s process\n", path, appName)
		os.Exit(1)
	}

	goodbye.Register(func(context.Context, os.Signal) {
		if err := lock.Unlock(); err != nil {
			logger.Warn(
				"releasing lock file failed",
				logfields.Event("lock_release_failed"),
				zap.String("lock_file", path),
				zap.Error(err),
			)
		}
	})
}

func hide(in string) string {
	if in == "" {
		return in
	}

	return "**hidden**"
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
		zap.String("access_token", hide(config.AccessToken)),
		zap.String("github_user", config.GithubUser),
		logfields.RepositoryOwner(config.Owner),
		zap.Strings("repos", config.Repos),
		zap.Strings("filters", config.Filters),
		zap.String("filter_query", config.FilterQuery),
		zap.Strings("plan_tool_users", config.PlanToolUsers),
		zap.Bool("force", config.Force),
		zap.Bool("approve_all", config.ApproveAll),
		zap.Bool("dry_run", config.DryRun),
		zap.String("merge_method", config.MergeMethod),
		zap.String("settle_timeout", config.SettleTimeout),
		zap.String("lock_file", config.LockFile),
		zap.String("log_format", config.LogFormat),
		zap.String("log_level", config.LogLevel),
	)

	mustAcquireLock(config.LockFile)

	ctx, cancelFn := context.WithCancel(context.Background())
	goodbye.Register(func(_ context.Context, sig os.Signal) {
		if sig != nil {
			logger.Info(fmt.Sprintf("terminating, received signal %s", sig.String()))
		}
		cancelFn()
	})

	filter, err := prfilter.New(config.Filters, config.FilterQuery)
	exitOnErr("could not create pull request filter", err)

	var ghClient triage.GithubClient = githubclt.New(config.AccessToken)
	if config.DryRun {
		ghClient = triage.NewDryGithubClient(ghClient, logger)
	}

	triager := triage.NewTriager(ghClient, filter, &triage.Options{
		GithubUser:    config.GithubUser,
		Owner:         config.Owner,
		Repositories:  config.Repos,
		PlanToolUsers: config.PlanToolUsers,
		Force:         config.Force,
		ApproveAll:    config.ApproveAll,
		Executor: triage.ExecutorOptions{
			PlanComment:   config.PlanComment,
			UnlockComment: config.UnlockComment,
			MergeMethod:   config.MergeMethod,
			SettleTimeout: config.SettleTimeoutDuration(),
		},
	})

	report := triager.Run(ctx)

	if config.MetricsPushgatewayURL != "" {
		pushMetrics(ctx, triager, config.MetricsPushgatewayURL)
	}

	if report.Failed() > 0 {
		logger.Warn(
			"processing some pull requests failed, they are retried in the next run",
			logfields.Event("run_finished_with_failures"),
			zap.Uint("failed", report.Failed()),
		)
	}

	goodbye.Exit(ctx, 0)
}

func pushMetrics(ctx context.Context, triager *triage.Triager, url string) {
	const pushTimeout = 30 * time.Second

	ctx, cancelFn := context.WithTimeout(ctx, pushTimeout)
	defer cancelFn()

	if err := triager.PushMetrics(ctx, url); err != nil {
		logger.Warn(
			"pushing metrics to pushgateway failed",
			logfields.Event("metrics_push_failed"),
			zap.String("pushgateway_url", url),
			zap.Error(err),
		)

		return
	}

	logger.Debug(
		"metrics pushed to pushgateway",
		logfields.Event("metrics_pushed"),
		zap.String("pushgateway_url", url),
	)
}
