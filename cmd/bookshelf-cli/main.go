// Copyright 2022 gorse Project Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"fmt"

	"github.com/gorse-io/bookshelf/base/log"
	"github.com/gorse-io/bookshelf/cmd/version"
	"github.com/gorse-io/bookshelf/config"
	"github.com/gorse-io/bookshelf/storage/data"
	"github.com/juju/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var cliCommand = &cobra.Command{
	Use:   "bookshelf-cli",
	Short: "Maintenance tool for the bookshelf catalog.",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		debug, _ := cmd.Flags().GetBool("debug")
		log.SetLogger(cmd.Flags(), debug)
	},
}

var versionCommand = &cobra.Command{
	Use:   "version",
	Short: "Show the version of bookshelf",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version.BuildInfo())
	},
}

func init() {
	log.AddFlags(cliCommand.PersistentFlags())
	cliCommand.PersistentFlags().Bool("debug", false, "use debug log mode")
	cliCommand.PersistentFlags().StringP("config", "c", "config.toml", "configuration file path")
	cliCommand.AddCommand(versionCommand)
}

func loadConfig(cmd *cobra.Command) *config.Config {
	configPath, _ := cmd.Flags().GetString("config")
	conf, err := config.LoadConfig(configPath)
	if err != nil {
		log.Logger().Fatal("failed to load config", zap.String("config", configPath), zap.Error(err))
	}
	return conf
}

func openDatabase(conf *config.Config) (data.Database, error) {
	database, err := data.Open(conf.Database.DataStore, conf.Database.TablePrefix)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if err = database.Init(); err != nil {
		return nil, errors.Trace(err)
	}
	return database, nil
}

func main() {
	if err := cliCommand.Execute(); err != nil {
		log.Logger().Fatal("failed to execute", zap.Error(err))
	}
}
