// Copyright 2024 The mistnet Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package cmd implements the httpss CLI demonstrator: a thin cobra/viper/zap
// shell around the tunnel package, grounded on
// bolucat-Archive/hysteria/app/cmd's command-tree idiom (package-level
// rootCmd/logger/defaultViper variables, init()-registered subcommands).
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	logger       *zap.Logger
	defaultViper = viper.New()

	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "httpss",
	Short: "Issue HTTPS requests through a chain of nested TLS tunnels",
	Long: "httpss issues a single HTTP/1.1 request through a chain of one or more\n" +
		"HTTPS forward proxies, each hop individually TLS-encrypted and tunneled\n" +
		"inside the TLS session of the hop before it.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return initLogger()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $HOME/.httpss.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug-level logging")

	defaultViper.SetEnvPrefix("HTTPSS")
	defaultViper.AutomaticEnv()

	initFetchFlags()
	rootCmd.AddCommand(fetchCmd)
}

func initLogger() error {
	var cfg zap.Config
	if verbose {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	l, err := cfg.Build()
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	logger = l
	return nil
}

func loadConfig() {
	if cfgFile != "" {
		defaultViper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			defaultViper.AddConfigPath(home)
		}
		defaultViper.AddConfigPath(".")
		defaultViper.SetConfigName(".httpss")
		defaultViper.SetConfigType("yaml")
	}
	// A missing config file is not fatal: every setting it could supply has
	// a command-line or environment-variable fallback.
	_ = defaultViper.ReadInConfig()
}

// Execute runs the root command, exiting the process on error exactly like
// cobra's generated main() scaffolding does.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
