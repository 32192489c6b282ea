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
	"context"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/gorse-io/bookshelf/base/log"
	"github.com/gorse-io/bookshelf/config"
	"github.com/gorse-io/bookshelf/model/similarity"
	"github.com/gorse-io/bookshelf/storage/blob"
	"github.com/gorse-io/bookshelf/storage/data"
	"github.com/juju/errors"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var buildSimilarityCommand = &cobra.Command{
	Use:   "build-similarity",
	Short: "Fit the book similarity index over stored ratings",
	Run: func(cmd *cobra.Command, args []string) {
		conf := loadConfig(cmd)
		batchSize, _ := cmd.Flags().GetInt("batch-size")
		jobs, _ := cmd.Flags().GetInt("jobs")
		database, err := openDatabase(conf)
		if err != nil {
			log.Logger().Fatal("failed to open database", zap.Error(err))
		}
		defer database.Close()
		store, err := blob.Open(conf.Blob)
		if err != nil {
			log.Logger().Fatal("failed to open blob store", zap.Error(err))
		}
		start := time.Now()
		index, err := buildSimilarity(cmd.Context(), conf, database, store, batchSize, jobs)
		if err != nil {
			log.Logger().Fatal("failed to build similarity", zap.Error(err))
		}
		fmt.Printf("wrote %s with %d books (%v)\n", conf.Similarity.Artifact, index.Len(), time.Since(start))
	},
}

var artifactsCommand = &cobra.Command{
	Use:   "artifacts",
	Short: "List artifacts in the blob store",
	Run: func(cmd *cobra.Command, args []string) {
		conf := loadConfig(cmd)
		store, err := blob.Open(conf.Blob)
		if err != nil {
			log.Logger().Fatal("failed to open blob store", zap.Error(err))
		}
		if err = printArtifacts(store, conf.Similarity.Artifact); err != nil {
			log.Logger().Fatal("failed to list artifacts", zap.Error(err))
		}
	},
}

func init() {
	buildSimilarityCommand.Flags().Int("batch-size", 10000, "number of rows per read")
	buildSimilarityCommand.Flags().IntP("jobs", "j", runtime.NumCPU(), "number of concurrent jobs")
	cliCommand.AddCommand(buildSimilarityCommand)
	cliCommand.AddCommand(artifactsCommand)
}

func buildSimilarity(ctx context.Context, conf *config.Config, database data.Database, store blob.Store, batchSize, jobs int) (*similarity.Dense, error) {
	ratings, err := similarity.LoadRatings(ctx, database, batchSize)
	if err != nil {
		return nil, errors.Trace(err)
	}
	index, err := similarity.Fit(ctx, ratings, similarity.FitOptions{
		MinBookRatings: conf.Similarity.MinBookRatings,
		MinUserRatings: conf.Similarity.MinUserRatings,
		Jobs:           jobs,
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	if err = similarity.Save(store, conf.Similarity.Artifact, index); err != nil {
		return nil, errors.Trace(err)
	}
	return index, nil
}

// printArtifacts lists blobs and the number of books of the active index.
func printArtifacts(store blob.Store, active string) error {
	names, err := store.List()
	if err != nil {
		return errors.Trace(err)
	}
	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Name", "Active", "Books")
	for _, name := range names {
		books := "-"
		if name == active {
			if index, err := similarity.Load(store, name); err != nil {
				books = err.Error()
			} else {
				books = fmt.Sprint(index.Len())
			}
		}
		if err = table.Append([]string{name, fmt.Sprint(name == active), books}); err != nil {
			return errors.Trace(err)
		}
	}
	return errors.Trace(table.Render())
}
