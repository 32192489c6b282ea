// Copyright 2025 gorse Project Authors
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
	"time"

	"github.com/gorse-io/bookshelf/base/log"
	"github.com/gorse-io/bookshelf/server"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var tokenCommand = &cobra.Command{
	Use:   "token <username>",
	Short: "Sign a bearer token for local testing",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		conf := loadConfig(cmd)
		ttl, _ := cmd.Flags().GetDuration("ttl")
		if conf.Server.JWTSecret == "" {
			log.Logger().Fatal("jwt_secret is not configured")
		}
		token, err := server.SignToken(conf.Server.JWTSecret, args[0], ttl)
		if err != nil {
			log.Logger().Fatal("failed to sign token", zap.Error(err))
		}
		fmt.Println(token)
	},
}

func init() {
	tokenCommand.Flags().Duration("ttl", time.Hour, "lifetime of the token")
	cliCommand.AddCommand(tokenCommand)
}
