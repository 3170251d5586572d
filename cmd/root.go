/*
Copyright 2022

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/penny-vault/import-twbroker/listing"
	"github.com/penny-vault/import-twbroker/store"
	"github.com/penny-vault/import-twbroker/updater"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "import-twbroker [security codes...]",
	Short: "Download daily bars for Taiwanese equities from broker sites",
	Long: `Download daily OHLCV bars for Taiwanese equities from a list of broker
sites, failing over between them, and save the validated bars to the
penny-vault database. With no codes the TWSE daily listing is used.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		codes, err := securityCodes(ctx, args)
		if err != nil {
			return err
		}

		limit := viper.GetInt("limit")
		if limit > 0 && limit < len(codes) {
			codes = codes[:limit]
		}
		if len(codes) == 0 {
			log.Warn().Msg("no securities to update")
			return nil
		}

		orch, err := newOrchestrator()
		if err != nil {
			return err
		}

		st, closeStore, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer closeStore()

		cfg, err := updaterConfig()
		if err != nil {
			return err
		}
		cfg.KeepRecords = viper.GetString("parquet_file") != ""

		report := updater.New(orch, st, cfg).Run(ctx, codes)

		if fn := viper.GetString("parquet_file"); fn != "" {
			if err := store.SaveToParquet(report.Records(), fn); err != nil {
				return err
			}
		}

		if report.Failed > 0 {
			return fmt.Errorf("%d of %d securities failed", report.Failed, len(report.Results))
		}
		return nil
	},
}

// securityCodes returns the codes given on the command line, or the TWSE
// listing when there are none or --listing is set.
func securityCodes(ctx context.Context, args []string) ([]string, error) {
	valid, invalid := listing.Filter(args)
	for _, code := range invalid {
		log.Warn().Str("SecurityID", code).Msg("ignoring code that is not an ordinary share")
	}

	if len(args) > 0 && !viper.GetBool("listing") {
		return valid, nil
	}

	securities, err := listing.FetchTWSE(ctx, listing.NewTWSEClient().SetTimeout(viper.GetDuration("broker.timeout")))
	if err != nil {
		log.Error().Err(err).Msg("could not load TWSE listing")
		return nil, err
	}
	return append(valid, listing.Codes(securities)...), nil
}

// openStore connects to PostgreSQL when database.url is set and otherwise
// to SQLite. Without either, an in-memory SQLite database is used so a
// parquet-only run still works.
func openStore(ctx context.Context) (store.Store, func(), error) {
	if dsn := viper.GetString("database.url"); dsn != "" {
		pg, err := store.NewPostgres(ctx, dsn)
		if err != nil {
			return nil, nil, err
		}
		if err := pg.Migrate(ctx); err != nil {
			pg.Close()
			return nil, nil, fmt.Errorf("migrate database: %w", err)
		}
		return pg, pg.Close, nil
	}

	path := viper.GetString("sqlite.path")
	if path == "" {
		log.Warn().Msg("no database configured; using in-memory sqlite")
		path = ":memory:"
	}
	db, err := store.NewSQLite(path)
	if err != nil {
		log.Error().Err(err).Str("Path", path).Msg("could not open sqlite database")
		return nil, nil, err
	}
	return db, func() { db.Close() }, nil
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
// Interrupts cancel the context shared by every subcommand.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	cobra.OnInitialize(initLog)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is import-twbroker.toml)")
	rootCmd.PersistentFlags().Bool("log.json", false, "print logs as json to stderr")
	viper.BindPFlag("log.json", rootCmd.PersistentFlags().Lookup("log.json"))

	rootCmd.PersistentFlags().String("log.level", "info", "log level (trace, debug, info, warn, error)")
	viper.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log.level"))

	rootCmd.PersistentFlags().Duration("timeout", 30*time.Second, "per request timeout")
	viper.BindPFlag("broker.timeout", rootCmd.PersistentFlags().Lookup("timeout"))

	rootCmd.PersistentFlags().Int("rate-limit", 0, "broker rate limit (requests per second, 0 is unlimited)")
	viper.BindPFlag("broker.rate_limit", rootCmd.PersistentFlags().Lookup("rate-limit"))

	rootCmd.PersistentFlags().StringSlice("priority", nil, "broker names to try first")
	viper.BindPFlag("broker.priority", rootCmd.PersistentFlags().Lookup("priority"))

	// Local flags
	rootCmd.Flags().StringP("database-url", "d", "", "DSN for database connection")
	viper.BindPFlag("database.url", rootCmd.Flags().Lookup("database-url"))

	rootCmd.Flags().String("sqlite", "", "save results to a sqlite database instead of PostgreSQL")
	viper.BindPFlag("sqlite.path", rootCmd.Flags().Lookup("sqlite"))

	rootCmd.Flags().Uint32P("limit", "l", 0, "limit results to N")
	viper.BindPFlag("limit", rootCmd.Flags().Lookup("limit"))

	rootCmd.Flags().String("parquet-file", "", "save results to parquet")
	viper.BindPFlag("parquet_file", rootCmd.Flags().Lookup("parquet-file"))

	rootCmd.Flags().Bool("listing", false, "add every security on the TWSE daily listing")
	viper.BindPFlag("listing", rootCmd.Flags().Lookup("listing"))

	rootCmd.Flags().Bool("smart-skip", true, "skip securities whose stored data is recent")
	viper.BindPFlag("update.smart_skip", rootCmd.Flags().Lookup("smart-skip"))

	rootCmd.Flags().IntP("workers", "w", 4, "number of securities processed concurrently")
	viper.BindPFlag("update.max_workers", rootCmd.Flags().Lookup("workers"))

	rootCmd.Flags().Bool("progress", true, "show a progress bar")
	viper.BindPFlag("update.progress", rootCmd.Flags().Lookup("progress"))
}

func initLog() {
	if !viper.GetBool("log.json") {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	level, err := zerolog.ParseLevel(viper.GetString("log.level"))
	if err != nil {
		log.Warn().Str("Level", viper.GetString("log.level")).Msg("unknown log level; using info")
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	setDefaults()

	if cfgFile != "" {
		// Use config file from the flag.
		viper.SetConfigFile(cfgFile)
	} else {
		// Find home directory.
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)

		// Search config in home directory with name ".import-twbroker" (without extension).
		viper.AddConfigPath("/etc/import-twbroker/") // path to look for the config file in
		viper.AddConfigPath(fmt.Sprintf("%s/.import-twbroker", home))
		viper.AddConfigPath(".")
		viper.SetConfigType("toml")
		viper.SetConfigName("import-twbroker")
	}

	viper.AutomaticEnv() // read in environment variables that match

	// If a config file is found, read it in.
	if err := viper.ReadInConfig(); err == nil {
		log.Debug().Str("ConfigFile", viper.ConfigFileUsed()).Msg("Loaded config file")
	} else {
		log.Debug().Err(err).Msg("no config file loaded")
	}
}
