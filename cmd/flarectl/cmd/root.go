package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/austindbirch/flarebox/internal/config"
	"github.com/austindbirch/flarebox/internal/diagnostics"
	"github.com/austindbirch/flarebox/internal/logging"
	"github.com/austindbirch/flarebox/internal/queue"
)

// commandContext carries resolved settings to every subcommand.
type commandContext struct {
	v *viper.Viper

	cfgFile    string
	outputJSON bool
	verbose    bool
}

// Execute runs flarectl with os.Args.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return NewRootCmd().ExecuteContext(ctx)
}

// NewRootCmd builds the flarectl command tree.
func NewRootCmd() *cobra.Command {
	ctx := &commandContext{v: viper.New()}

	rootCmd := &cobra.Command{
		Use:   "flarectl",
		Short: "flarectl - inspect and flush a flarebox error queue",
		Long: `flarectl operates on the on-device directory of queued error reports.

You can list queued reports, add one by hand, flush the queue to the
collector, and drop reports you no longer want delivered.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return ctx.initConfig(cmd)
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&ctx.cfgFile, "config", "", "config file (default is $HOME/.flarectl.yaml)")
	flags.String("dir", "", "persistence directory (default from FLARE_PERSISTENCE_DIR)")
	flags.String("endpoint", "", "collector endpoint (default from FLARE_ENDPOINT)")
	flags.String("api-key", "", "origin key for new reports (default from FLARE_API_KEY)")
	flags.Int("max-entries", 0, "queue capacity (default from FLARE_MAX_PERSISTED_EVENTS)")
	flags.Duration("timeout", 0, "per-request delivery timeout (default from FLARE_DELIVERY_TIMEOUT)")
	flags.BoolVar(&ctx.outputJSON, "json", false, "output in JSON format")
	flags.BoolVarP(&ctx.verbose, "verbose", "v", false, "log delivery progress to stderr")

	for _, key := range []string{"dir", "endpoint", "api-key", "max-entries", "timeout", "json"} {
		_ = ctx.v.BindPFlag(key, flags.Lookup(key))
	}

	rootCmd.AddCommand(
		newListCmd(ctx),
		newPutCmd(ctx),
		newFlushCmd(ctx),
		newDeleteCmd(ctx),
		newConfigCmd(ctx),
		newVersionCmd(ctx),
	)
	return rootCmd
}

// initConfig reads in config file and ENV variables if set.
func (c *commandContext) initConfig(cmd *cobra.Command) error {
	if c.cfgFile != "" {
		c.v.SetConfigFile(c.cfgFile)
	} else if home, err := os.UserHomeDir(); err == nil {
		c.v.AddConfigPath(home)
		c.v.SetConfigType("yaml")
		c.v.SetConfigName(".flarectl")
	}

	c.v.SetEnvPrefix("FLARECTL")
	c.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	c.v.AutomaticEnv()

	if err := c.v.ReadInConfig(); err == nil {
		if c.verbose {
			fmt.Fprintln(cmd.ErrOrStderr(), "Using config file:", c.v.ConfigFileUsed())
		}
	} else if c.cfgFile != "" {
		return fmt.Errorf("read config %s: %w", c.cfgFile, err)
	}

	if !cmd.Flags().Changed("json") {
		c.outputJSON = c.v.GetBool("json")
	}
	return nil
}

// agentConfig layers --flags, the config file and FLARECTL_* env over the
// agent's own FLARE_* environment.
func (c *commandContext) agentConfig() config.Config {
	cfg := config.FromEnv()
	if s := c.v.GetString("dir"); s != "" {
		cfg.Store.Dir = s
	}
	if s := c.v.GetString("endpoint"); s != "" {
		cfg.Delivery.Endpoint = s
	}
	if s := c.v.GetString("api-key"); s != "" {
		cfg.Delivery.APIKey = s
	}
	if n := c.v.GetInt("max-entries"); n > 0 {
		cfg.Store.MaxPersistedEntries = n
	}
	if d := c.v.GetDuration("timeout"); d > 0 {
		cfg.Delivery.Timeout = d
	}
	return cfg
}

func (c *commandContext) logger(cmd *cobra.Command) *logging.Logger {
	l := logging.NewWithOutput("flarectl", cmd.ErrOrStderr())
	if !c.verbose {
		l.SetLevel(logging.LevelError)
	}
	return l
}

// openStore opens the queue for the duration of one command. Extra options
// are applied after the diagnostics hooks.
func (c *commandContext) openStore(cmd *cobra.Command, cfg config.Config, extra ...queue.Option) (*queue.Store, error) {
	opts := append(diagnostics.StoreHooks(c.logger(cmd)), queue.WithMaxCount(cfg.Store.MaxPersistedEntries))
	opts = append(opts, extra...)
	store, err := queue.Open(cfg.ErrorDir(), opts...)
	if err != nil {
		return nil, fmt.Errorf("open queue: %w", err)
	}
	return store, nil
}
