// Copyright 2026 Teradata
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package main

import (
	"fmt"
	"os"

	"github.com/MakeNowJust/heredoc"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/teradata-labs/perch/internal/version"
	"github.com/teradata-labs/perch/pkg/server"
)

var (
	cfgFile string
	config  *Config
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "perchd",
	Short: "Perch - autonomous quality management for LLM inference services",
	Long: heredoc.Doc(`
		Perch watches the quality of an LLM-backed inference service through its
		observability backend. When the rolling quality score drops below the
		configured threshold it runs an improvement cycle: failed runs are
		archived with their corrections, failure patterns are mined and indexed,
		and every change lands in a rollback-capable audit trail.

		Running perchd with no subcommand starts the control plane.
	`),
	Version: version.Get(),
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the perchd version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version.Get())
	},
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	// Assigned here instead of in the literal: runServe refers back to
	// rootCmd, which would otherwise be an initialization cycle.
	rootCmd.Run = runServe

	cobra.OnInitialize(initConfig)
	rootCmd.AddCommand(versionCmd)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $PERCH_DATA_DIR/perchd.yaml)")

	// Server flags
	rootCmd.PersistentFlags().String("addr", server.DefaultAddr, "HTTP API listen address")

	// Logging flags
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "json", "Log format (json, console)")

	// Bind flags to viper
	_ = viper.BindPFlag("server.addr", rootCmd.PersistentFlags().Lookup("addr"))

	_ = viper.BindPFlag("logging.level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("logging.format", rootCmd.PersistentFlags().Lookup("log-format"))
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	var err error
	config, err = LoadConfig(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
}
