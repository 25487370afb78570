// Copyright 2025 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cmd

import (
	"fmt"
	"os"

	"github.com/psilink/pocketfs/cfg"
	"github.com/psilink/pocketfs/internal/logger"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string
	bindErr error

	// Config is the resolved configuration for the running command.
	Config cfg.Config
)

var rootCmd = &cobra.Command{
	Use:   "pocketfs",
	Short: "Bridge a handheld device's storage, clipboard and printing to this host",
	Long: `pocketfs talks to a linked handheld over its serial protocol and
presents the device's drives through an asynchronous caching proxy,
together with clipboard transfer, print-job spooling, backup (tar)
and installer (SIS) handling.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if bindErr != nil {
			return bindErr
		}
		if cfgFile != "" {
			viper.SetConfigFile(cfgFile)
			if err := viper.ReadInConfig(); err != nil {
				return fmt.Errorf("reading config file: %w", err)
			}
		}
		var err error
		Config, err = cfg.Unmarshal(viper.GetViper())
		if err != nil {
			return err
		}
		if err := Config.Validate(); err != nil {
			return err
		}
		return logger.InitLogFile(logger.Settings{
			Severity:   Config.Logging.Severity,
			Format:     Config.Logging.Format,
			FilePath:   Config.Logging.FilePath,
			MaxSizeMB:  Config.Logging.LogRotate.MaxFileSizeMb,
			MaxBackups: Config.Logging.LogRotate.BackupFileCount,
		})
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config-file", "", "Path to a config file.")
	bindErr = cfg.BindFlags(viper.GetViper(), rootCmd.PersistentFlags())
	rootCmd.AddCommand(connectCmd)
	rootCmd.AddCommand(statusCmd)
}

// Execute runs the CLI.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
