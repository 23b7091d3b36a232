package cmd

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/mtsev/senko/senko"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfg        = senko.DefaultConfig()
	configFile string
)

var rootCmd = &cobra.Command{
	Use: "senko [flags]",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		err := viper.Unmarshal(
			cfg,
			viper.DecodeHook(
				mapstructure.ComposeDecodeHookFunc(
					mapstructure.StringToTimeDurationHookFunc(),
					LevelToStringHookFunc(),
				),
			),
		)
		if err != nil {
			log.Fatalln(err)
		}
	},
}

func getLogLevel(level string) (slog.Level, error) {
	switch level {
	case slog.LevelDebug.String():
		return slog.LevelDebug, nil
	case slog.LevelInfo.String():
		return slog.LevelInfo, nil
	case slog.LevelWarn.String():
		return slog.LevelWarn, nil
	case slog.LevelError.String():
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s", level)
	}
}

func LevelToStringHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data any,
	) (any, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		if t.Kind() != reflect.Ptr {
			return data, nil
		}

		typ := t.Elem()

		if typ != reflect.TypeOf(slog.LevelVar{}) {
			return data, nil
		}
		lvl, err := getLogLevel(data.(string))
		if err != nil {
			return nil, fmt.Errorf("invalid log level: %s", data)
		}
		lvlVar := &slog.LevelVar{}
		lvlVar.Set(lvl)
		return lvlVar, nil
	}
}

func Execute() {
	ctx, cancel := context.WithCancel(context.Background())
	rootCmd.SetContext(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(
		signals,
		os.Interrupt,
		syscall.SIGHUP,
		syscall.SIGTERM,
		syscall.SIGINT,
	)
	defer func() {
		signal.Stop(signals)
		cancel()
	}()
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
			//
		}
	}()
	err := rootCmd.ExecuteContext(ctx)
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func initConfig() {
	if configFile == "" {
		if err := godotenv.Load(); err != nil {
			log.Println("No .env file found")
		}
	} else {
		fmt.Println("loading env from file", configFile)
		if err := godotenv.Load(configFile); err != nil {
			log.Println("No .env file found")
		}
	}

	viper.SetDefault("database", senko.DefaultDatabase)
	viper.SetDefault("database_type", senko.DefaultDatabaseType)
	viper.SetDefault(
		"database_slow_threshold",
		senko.DefaultDatabaseSlowThreshold,
	)
	viper.SetDefault(
		"database_log_level",
		senko.DefaultDatabaseLogLevel.String(),
	)

	viper.SetDefault("cache_capacity", senko.DefaultCacheCapacity)
	viper.SetDefault("event_queue_size", senko.DefaultEventQueueSize)

	viper.SetDefault("log_level", senko.DefaultLogLevel.String())
	viper.SetDefault("startup_timeout", senko.DefaultStartupTimeout)
	viper.SetDefault("shutdown_timeout", senko.DefaultShutdownTimeout)

	// Discord config
	viper.SetDefault("discord.token", "")
	viper.SetDefault("discord.command_prefix", senko.DefaultCommandPrefix)
	viper.SetDefault("discord.notification_channel_id", "")
	viper.SetDefault("discord.startup_message", senko.DefaultStartupMessage)
	viper.SetDefault("discord.custom_status", senko.DefaultCustomStatus)
	viper.SetDefault("discord.gateway_intents", senko.DefaultGatewayIntents)
	viper.SetDefault(
		"discord.log_level",
		senko.DefaultDiscordLogLevel.String(),
	)
	viper.SetDefault(
		"discord.discordgo_log_level",
		senko.DefaultDiscordgoLogLevel.String(),
	)

	// Cooldown config
	viper.SetDefault("cooldown.interval", senko.DefaultCooldownInterval)
	viper.SetDefault("cooldown.burst", senko.DefaultCooldownBurst)
	viper.SetDefault("cooldown.max_warnings", senko.DefaultCooldownMaxWarnings)

	// API config
	viper.SetDefault("api.enabled", false)
	viper.SetDefault("api.listen", senko.DefaultAPIListen)
	viper.SetDefault("api.log_level", senko.DefaultAPILogLevel.String())
	viper.SetDefault("api.read_timeout", senko.DefaultReadTimeout)
	viper.SetDefault(
		"api.read_header_timeout",
		senko.DefaultReadHeaderTimeout,
	)
	viper.SetDefault("api.write_timeout", senko.DefaultWriteTimeout)
	viper.SetDefault("api.idle_timeout", senko.DefaultIdleTimeout)

	// API: CORS config
	viper.SetDefault(
		"api.cors.allow_headers",
		senko.DefaultCORSAllowHeaders,
	)
	viper.SetDefault(
		"api.cors.allow_methods",
		senko.DefaultCORSAllowMethods,
	)
	viper.SetDefault(
		"api.cors.expose_headers",
		senko.DefaultCORSExposeHeaders,
	)
	viper.SetDefault("api.cors.allow_origins", []string{})
	viper.SetDefault("api.cors.max_age", senko.DefaultCORSMaxAge)
	viper.SetDefault(
		"api.cors.allow_credentials",
		senko.DefaultAPICORSAllowCredentials,
	)

	envPrefix := os.Getenv(senko.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = senko.DefaultEnvPrefix
	}
	viper.SetEnvPrefix(envPrefix)

	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv()

	// Convert values to correct types
	viper.Set(
		"api.cors.allow_headers",
		viper.GetStringSlice("api.cors.allow_headers"),
	)
	viper.Set(
		"api.cors.allow_origins",
		viper.GetStringSlice("api.cors.allow_origins"),
	)
	viper.Set(
		"api.cors.allow_methods",
		viper.GetStringSlice("api.cors.allow_methods"),
	)
	viper.Set(
		"api.cors.expose_headers",
		viper.GetStringSlice("api.cors.expose_headers"),
	)

	for _, key := range []string{
		"log_level",
		"database_log_level",
		"discord.log_level",
		"discord.discordgo_log_level",
		"api.log_level",
	} {
		logLevelVar, err := levelStringToLevelVar(viper.GetString(key))
		if err != nil {
			log.Fatalf("error parsing %s: %v", key, err)
		}
		viper.Set(key, logLevelVar)
	}
}

func levelStringToLevelVar(lvl string) (*slog.LevelVar, error) {
	level := &slog.LevelVar{}
	err := level.UnmarshalText([]byte(lvl))
	return level, err
}

//nolint:gochecknoinits
func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"Config file to use",
	)
}
