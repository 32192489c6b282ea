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
	"strings"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/gorse-io/bookshelf/base/log"
	"github.com/gorse-io/bookshelf/storage/data"
	"github.com/juju/errors"
	"github.com/samber/lo"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const unknownField = "Unknown"

// Column names of the enriched Book-Crossing export.
const (
	columnISBN      = "ISBN"
	columnTitle     = "Book-Title"
	columnAuthor    = "Book-Author"
	columnYear      = "Year-Of-Publication"
	columnPublisher = "Publisher"
	columnImage     = "Image-URL-M"
	columnGenre     = "Genre"
	columnPrice     = "Price"
	columnUserId    = "User-ID"
	columnRating    = "Book-Rating"
)

var importBooksCommand = &cobra.Command{
	Use:   "import-books <csv>",
	Short: "Seed the catalog from a CSV file",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		conf := loadConfig(cmd)
		batchSize, _ := cmd.Flags().GetInt("batch-size")
		file, err := os.Open(args[0])
		if err != nil {
			log.Logger().Fatal("failed to open csv", zap.Error(err))
		}
		defer file.Close()
		books, err := readBooks(file)
		if err != nil {
			log.Logger().Fatal("failed to read books", zap.Error(err))
		}
		database, err := openDatabase(conf)
		if err != nil {
			log.Logger().Fatal("failed to open database", zap.Error(err))
		}
		defer database.Close()
		if err = insertBooks(cmd.Context(), database, books, batchSize); err != nil {
			log.Logger().Fatal("failed to insert books", zap.Error(err))
		}
		fmt.Printf("imported %d books\n", len(books))
	},
}

func init() {
	importBooksCommand.Flags().Int("batch-size", 1000, "number of books per insert")
	cliCommand.AddCommand(importBooksCommand)
}

// csvHeader maps column names to positions. Missing required columns are errors.
func csvHeader(reader *csv.Reader, required ...string) (map[string]int, error) {
	header, err := reader.Read()
	if err != nil {
		return nil, errors.Annotate(err, "failed to read header")
	}
	columns := make(map[string]int, len(header))
	for i, name := range header {
		columns[strings.TrimSpace(name)] = i
	}
	for _, name := range required {
		if _, ok := columns[name]; !ok {
			return nil, errors.NotFoundf("column %s", name)
		}
	}
	return columns, nil
}

func field(record []string, columns map[string]int, name string) string {
	if i, ok := columns[name]; ok && i < len(record) {
		return strings.TrimSpace(record[i])
	}
	return ""
}

// readBooks parses books keyed by ISBN. The first row of an ISBN wins and
// missing authors or publishers become "Unknown".
func readBooks(r io.Reader) ([]data.Book, error) {
	reader := csv.NewReader(r)
	reader.LazyQuotes = true
	reader.FieldsPerRecord = -1
	columns, err := csvHeader(reader, columnISBN, columnTitle)
	if err != nil {
		return nil, errors.Trace(err)
	}
	var books []data.Book
	seen := mapset.NewThreadUnsafeSet[string]()
	for line := 2; ; line++ {
		record, err := reader.Read()
		if err == io.EOF {
			break
		} else if err != nil {
			return nil, errors.Annotatef(err, "line %d", line)
		}
		book := data.Book{
			ISBN:      field(record, columns, columnISBN),
			Title:     field(record, columns, columnTitle),
			Author:    lo.CoalesceOrEmpty(field(record, columns, columnAuthor), unknownField),
			Year:      field(record, columns, columnYear),
			Publisher: lo.CoalesceOrEmpty(field(record, columns, columnPublisher), unknownField),
			ImageURL:  field(record, columns, columnImage),
			Genre:     field(record, columns, columnGenre),
		}
		if book.ISBN == "" || !seen.Add(book.ISBN) {
			continue
		}
		if price := field(record, columns, columnPrice); price != "" {
			if book.Price, err = strconv.ParseFloat(price, 64); err != nil {
				return nil, errors.NotValidf("price %q on line %d", price, line)
			}
		}
		books = append(books, book)
	}
	return books, nil
}

func insertBooks(ctx context.Context, database data.Database, books []data.Book, batchSize int) error {
	bar := progressbar.Default(int64(len(books)), "Importing books")
	for _, chunk := range lo.Chunk(books, max(batchSize, 1)) {
		if err := database.BatchInsertBooks(ctx, chunk); err != nil {
			return errors.Trace(err)
		}
		_ = bar.Add(len(chunk))
	}
	return errors.Trace(bar.Finish())
}
