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
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorse-io/bookshelf/base/log"
	"github.com/gorse-io/bookshelf/cmd/version"
	"github.com/gorse-io/bookshelf/config"
	"github.com/gorse-io/bookshelf/server"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var serverCommand = &cobra.Command{
	Use:   "bookshelf-server",
	Short: "The book catalog and recommendation server.",
	Run: func(cmd *cobra.Command, args []string) {
		// show version
		if showVersion, _ := cmd.PersistentFlags().GetBool("version"); showVersion {
			fmt.Println(version.BuildInfo())
			return
		}
		// write config template
		configPath, _ := cmd.PersistentFlags().GetString("config")
		if initConfig, _ := cmd.PersistentFlags().GetBool("init"); initConfig {
			if _, err := os.Stat(configPath); err == nil {
				log.Logger().Fatal("config file already exists", zap.String("path", configPath))
			}
			if err := os.WriteFile(configPath, []byte(config.Template), 0o644); err != nil {
				log.Logger().Fatal("failed to write config", zap.Error(err))
			}
			fmt.Printf("config written to %s\n", configPath)
			return
		}

		// setup logger
		debug, _ := cmd.PersistentFlags().GetBool("debug")
		log.SetLogger(cmd.PersistentFlags(), debug)

		// load config
		log.Logger().Info("load config", zap.String("config", configPath))
		conf, err := config.LoadConfig(configPath)
		if err != nil {
			log.Logger().Fatal("failed to load config", zap.Error(err))
		}

		s, err := server.NewServer(conf)
		if err != nil {
			log.Logger().Fatal("failed to create server", zap.Error(err))
		}
		// stop server
		done := make(chan struct{})
		go func() {
			sigint := make(chan os.Signal, 1)
			signal.Notify(sigint, os.Interrupt, syscall.SIGTERM)
			<-sigint
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := s.Shutdown(ctx); err != nil {
				log.Logger().Error("failed to shutdown server", zap.Error(err))
			}
			close(done)
		}()
		// start server
		if err = s.Serve(); err != nil {
			log.Logger().Fatal("failed to serve", zap.Error(err))
		}
		<-done
		log.Logger().Info("stop bookshelf-server successfully")
	},
}

func init() {
	log.AddFlags(serverCommand.PersistentFlags())
	serverCommand.PersistentFlags().Bool("debug", false, "use debug log mode")
	serverCommand.PersistentFlags().BoolP("version", "v", false, "bookshelf version")
	serverCommand.PersistentFlags().StringP("config", "c", "config.toml", "configuration file path")
	serverCommand.PersistentFlags().Bool("init", false, "write a configuration template to the config path and exit")
}

func main() {
	if err := serverCommand.Execute(); err != nil {
		log.Logger().Fatal("failed to execute", zap.Error(err))
	}
}
