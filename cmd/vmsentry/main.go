package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"vmsentry/internal/config"
)

var version = "dev"

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "vmsentry",
	Short: "VM telemetry alert evaluation engine",
	Long: `vmsentry ingests VM telemetry samples from agents, evaluates them against
sustained-threshold rules and routes alerts to mail, webhooks or Kafka.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "path to the YAML or JSON config file (defaults built in)")
	flags.String("log-level", "", "log level (debug, info, warn, error)")
	_ = viper.BindPFlag("log_level", flags.Lookup("log-level"))

	viper.SetEnvPrefix("VMSENTRY")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	rootCmd.AddCommand(serveCmd, rulesCmd, versionCmd)
}

// loadManager opens the config file, or the built-in defaults without one,
// and applies env and flag overrides.
func loadManager() (*config.Manager, error) {
	var (
		m   *config.Manager
		err error
	)
	if cfgFile != "" {
		m, err = config.NewManager(config.ResolvePath(cfgFile))
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
	} else {
		m = config.NewStaticManager(config.DefaultConfig())
	}
	if err := m.SetOverlay(func(cfg *config.Config) { overlay(viper.GetViper(), cfg) }); err != nil {
		return nil, fmt.Errorf("config overrides: %w", err)
	}
	return m, nil
}

// overlay copies the settings that are commonly set per deployment from env
// (VMSENTRY_API_ADDR, VMSENTRY_STORAGE_DSN, ...) or flags onto cfg.
func overlay(v *viper.Viper, cfg *config.Config) {
	str := func(key string, dst *string) {
		if v.IsSet(key) {
			if s := v.GetString(key); s != "" {
				*dst = s
			}
		}
	}
	boolean := func(key string, dst *bool) {
		if v.IsSet(key) {
			*dst = v.GetBool(key)
		}
	}
	list := func(key string, dst *[]string) {
		if v.IsSet(key) {
			if l := v.GetStringSlice(key); len(l) > 0 {
				*dst = l
			}
		}
	}

	str("log_level", &cfg.LogLevel)
	str("api.addr", &cfg.API.Addr)
	str("ingest.rest.addr", &cfg.Ingest.REST.Addr)
	str("ingest.tcp_stream.addr", &cfg.Ingest.TCPStream.Addr)
	boolean("ingest.tcp_stream.enabled", &cfg.Ingest.TCPStream.Enabled)
	boolean("ingest.kafka.enabled", &cfg.Ingest.Kafka.Enabled)
	list("ingest.kafka.brokers", &cfg.Ingest.Kafka.Brokers)
	str("ingest.kafka.topic", &cfg.Ingest.Kafka.Topic)
	boolean("storage.enabled", &cfg.Storage.Enabled)
	str("storage.driver", &cfg.Storage.Driver)
	if v.GetString("storage.dsn") != "" {
		cfg.Storage.DSN = v.GetString("storage.dsn")
		if !v.IsSet("storage.enabled") {
			cfg.Storage.Enabled = true
		}
	}
	str("notify.mail.password", &cfg.Notify.Mail.Password)
	str("notify.webhook.url", &cfg.Notify.Webhook.URL)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintln(cmd.OutOrStdout(), "vmsentry", version)
	},
}
