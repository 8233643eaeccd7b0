package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/aretw0/storyguard/internal/cli"
	"github.com/aretw0/storyguard/internal/config"
	"github.com/aretw0/storyguard/internal/presentation/tui"
)

var rootCmd = &cobra.Command{
	Use:   "storyguard",
	Short: "Storyguard keeps narrative progression consistent",
	Long: `Storyguard runs authored character conversations and guarantees that the
critical items and checkpoints they hand out are never lost, even when the
player closes the game halfway through a conversation.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.String("content", "", "Directory containing flow YAML files (STORYGUARD_CONTENT_DIR)")
	flags.String("store", "", "Persistence backend: memory, file or redis (STORYGUARD_STORE)")
	flags.String("store-dir", "", "Directory used by the file store (STORYGUARD_STORE_DIR)")
	flags.String("redis", "", "Redis address used by the redis store (STORYGUARD_REDIS_ADDR)")
	flags.String("log-level", "", "Log level: debug, info, warn or error (STORYGUARD_LOG_LEVEL)")
	flags.Bool("quiet", false, "Only log warnings and errors")
}

// loadConfig reads the environment and lets explicit flags override it.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return cfg, err
	}
	overrides := map[string]*string{
		"content":   &cfg.ContentDir,
		"store":     &cfg.Store,
		"store-dir": &cfg.StoreDir,
		"redis":     &cfg.RedisAddr,
		"log-level": &cfg.LogLevel,
	}
	for name, dst := range overrides {
		if cmd.Flags().Changed(name) {
			*dst, _ = cmd.Flags().GetString(name)
		}
	}
	return cfg, cfg.Validate()
}

// setup builds the runtime every engine command shares. The caller closes
// the returned backends.
func setup(cmd *cobra.Command) (*cli.Runtime, *cli.Backends) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		fmt.Printf("Error loading configuration: %v\n", err)
		os.Exit(1)
	}
	quiet, _ := cmd.Flags().GetBool("quiet")
	logger := cli.NewLogger(cfg.LogLevel, quiet)

	backends, err := cli.OpenBackends(cfg)
	if err != nil {
		fmt.Printf("Error opening %s store: %v\n", cfg.Store, err)
		os.Exit(1)
	}
	rt, err := cli.Build(cfg, backends, logger)
	if err != nil {
		_ = backends.Close()
		fmt.Printf("Error initializing storyguard: %v\n", err)
		os.Exit(1)
	}
	return rt, backends
}

// resume restores a stored session into the runtime engine, if one is named.
func resume(cmd *cobra.Command, rt *cli.Runtime, p *tui.Printer) string {
	sessionID, _ := cmd.Flags().GetString("session")
	if sessionID == "" {
		return ""
	}
	ok, err := rt.Sessions.Resume(cmd.Context(), sessionID, rt.Catalog, rt.Engine)
	if err != nil {
		fmt.Printf("Error resuming session '%s': %v\n", sessionID, err)
		os.Exit(1)
	}
	if !ok {
		p.Warn("Session '%s' not found, starting empty.", sessionID)
	}
	return sessionID
}

func printer() *tui.Printer {
	return tui.NewPrinter(os.Stdout, tui.NewRenderer())
}
