package main

import (
	"context"
	"encoding/json"
	"fmt"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/yirzhou/backfill/config"
	"github.com/yirzhou/backfill/web"
)

type egrpKeyType struct{}

// egrpKey carries the process-wide errgroup in the command context.
var egrpKey = egrpKeyType{}

var (
	rootCmd = &cobra.Command{
		Use:   "backfill",
		Short: "Run and manage historical data backfill jobs",
		Long: `backfill runs one data-collection or analytics-generation job at a time
against the collector service, checkpointing progress so interrupted jobs
resume where they stopped.

"backfill serve" starts the orchestrator and its HTTP API; the other
commands talk to a running server.`,
		SilenceUsage:      true,
		PersistentPreRunE: initConfig,
	}

	configFile string
	outputJSON bool
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to a YAML config file")
	rootCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "Print results as JSON")
	rootCmd.PersistentFlags().String("server", "", "Address of the backfill server (Server.Address)")
	rootCmd.PersistentFlags().String("log-level", "", "Log level (Logging.Level)")
	if err := viper.BindPFlag(config.ServerAddress, rootCmd.PersistentFlags().Lookup("server")); err != nil {
		panic(err)
	}
	if err := viper.BindPFlag(config.LoggingLevel, rootCmd.PersistentFlags().Lookup("log-level")); err != nil {
		panic(err)
	}
}

func initConfig(cmd *cobra.Command, args []string) error {
	if err := config.Init(viper.GetViper(), configFile); err != nil {
		return err
	}
	return config.SetupLogging(viper.GetString(config.LoggingLevel))
}

// Execute runs the root command with an errgroup in its context and waits
// for every goroutine started through it.
func Execute() error {
	egrp, egrpCtx := errgroup.WithContext(context.Background())
	ctx := context.WithValue(egrpCtx, egrpKey, egrp)
	exeErr := rootCmd.ExecuteContext(ctx)
	if exeErr != nil {
		log.Errorln("Command failed:", exeErr)
	}
	if egrpErr := egrp.Wait(); egrpErr != nil {
		log.Errorln("Fatal error occurred that lead to the shutdown of the process:", egrpErr)
		return egrpErr
	}
	return exeErr
}

func apiClient() *web.Client {
	return web.NewClient(viper.GetString(config.ServerAddress))
}

func printJSON(v interface{}) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
