package main

import (
	"encoding/json"
	"fmt"
	"log"

	"github.com/meshbbs/meshsched/internal/config"
	"github.com/meshbbs/meshsched/transports/rabbitmq"
	"github.com/spf13/cobra"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

// globalFlags are shared by every command
type globalFlags struct {
	envFile   string
	logLevel  string
	logFormat string
	httpAddr  string
	amqpURL   string
	redisAddr string
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		log.Fatal(err)
	}
}

func newRootCommand() *cobra.Command {
	flags := &globalFlags{}

	rootCmd := &cobra.Command{
		Use:   "meshsched",
		Short: "Paced message scheduler for a half-duplex mesh radio",
		Long: `meshsched queues outgoing BBS traffic by priority, paces writes to the
radio, tracks acknowledgments for direct messages and retries the ones that
go unanswered.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage: true,
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&flags.envFile, "env-file", "e", ".env", "Optional dotenv file with MESHSCHED_* settings")
	pf.StringVar(&flags.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	pf.StringVar(&flags.logFormat, "log-format", "", "Log format (text, json)")
	pf.StringVar(&flags.httpAddr, "http-addr", "", "Address for /metrics, /healthz and /stats")
	pf.StringVarP(&flags.amqpURL, "url", "u", "", "RabbitMQ URL of the radio bridge")
	pf.StringVar(&flags.redisAddr, "redis-addr", "", "Redis address for the failure store (in-memory when empty)")

	rootCmd.AddCommand(
		newRunCommand(flags),
		newSimulateCommand(flags),
		newConfigCommand(flags),
		newWatchCommand(),
	)
	return rootCmd
}

// loadConfig reads the environment and applies any flags set on cmd
func loadConfig(cmd *cobra.Command, flags *globalFlags) (config.Config, error) {
	cfg, err := config.FromEnv(flags.envFile)
	if err != nil {
		return config.Config{}, fmt.Errorf("failed to load configuration: %w", err)
	}

	changed := func(name string) bool {
		return cmd.Flags().Changed(name)
	}
	if changed("log-level") {
		cfg.LogLevel = flags.logLevel
	}
	if changed("log-format") {
		cfg.LogFormat = flags.logFormat
	}
	if changed("http-addr") {
		cfg.HTTPAddr = flags.httpAddr
	}
	if changed("url") {
		cfg.AMQPURL = flags.amqpURL
	}
	if changed("redis-addr") {
		cfg.RedisAddr = flags.redisAddr
	}

	if err := cfg.Validate(); err != nil {
		return config.Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func newConfigCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, flags)
			if err != nil {
				return err
			}
			cfg.AMQPURL = rabbitmq.SanitizeURL(cfg.AMQPURL)
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(cfg)
		},
	}
}
