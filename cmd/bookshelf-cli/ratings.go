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
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/gorse-io/bookshelf/base/log"
	"github.com/gorse-io/bookshelf/storage/data"
	"github.com/juju/errors"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var importRatingsCommand = &cobra.Command{
	Use:   "import-ratings <csv>",
	Short: "Load ratings keyed by ISBN from a CSV file",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		conf := loadConfig(cmd)
		file, err := os.Open(args[0])
		if err != nil {
			log.Logger().Fatal("failed to open csv", zap.Error(err))
		}
		defer file.Close()
		ratings, err := readRatings(file)
		if err != nil {
			log.Logger().Fatal("failed to read ratings", zap.Error(err))
		}
		database, err := openDatabase(conf)
		if err != nil {
			log.Logger().Fatal("failed to open database", zap.Error(err))
		}
		defer database.Close()
		imported, err := insertRatings(cmd.Context(), database, ratings)
		if err != nil {
			log.Logger().Fatal("failed to insert ratings", zap.Error(err))
		}
		fmt.Printf("imported %d of %d ratings\n", imported, len(ratings))
	},
}

func init() {
	cliCommand.AddCommand(importRatingsCommand)
}

type isbnRating struct {
	UserId string
	ISBN   string
	Score  int
}

func readRatings(r io.Reader) ([]isbnRating, error) {
	reader := csv.NewReader(r)
	reader.LazyQuotes = true
	columns, err := csvHeader(reader, columnUserId, columnISBN, columnRating)
	if err != nil {
		return nil, errors.Trace(err)
	}
	var ratings []isbnRating
	for line := 2; ; line++ {
		record, err := reader.Read()
		if err == io.EOF {
			break
		} else if err != nil {
			return nil, errors.Annotatef(err, "line %d", line)
		}
		rating := isbnRating{
			UserId: field(record, columns, columnUserId),
			ISBN:   field(record, columns, columnISBN),
		}
		score := field(record, columns, columnRating)
		if rating.Score, err = strconv.Atoi(score); err != nil {
			return nil, errors.NotValidf("rating %q on line %d", score, line)
		}
		ratings = append(ratings, rating)
	}
	return ratings, nil
}

// insertRatings stores ratings under the title of their book. Ratings on
// unknown ISBNs are skipped.
func insertRatings(ctx context.Context, database data.Database, ratings []isbnRating) (int, error) {
	titles := make(map[string]string)
	bar := progressbar.Default(int64(len(ratings)), "Importing ratings")
	imported := 0
	for _, rating := range ratings {
		_ = bar.Add(1)
		title, cached := titles[rating.ISBN]
		if !cached {
			book, err := database.GetBook(ctx, rating.ISBN)
			if err != nil && !errors.IsNotFound(err) {
				return imported, errors.Trace(err)
			}
			title = book.Title
			titles[rating.ISBN] = title
		}
		if title == "" {
			continue
		}
		if err := database.UpsertRating(ctx, data.Rating{
			UserId:    rating.UserId,
			BookTitle: title,
			Score:     rating.Score,
		}); err != nil {
			return imported, errors.Trace(err)
		}
		imported++
	}
	log.Logger().Info("import ratings",
		zap.Int("n_ratings", len(ratings)),
		zap.Int("n_imported", imported))
	return imported, errors.Trace(bar.Finish())
}
