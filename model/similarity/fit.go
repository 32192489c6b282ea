// Copyright 2021 gorse Project Authors
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

package similarity

import (
	"context"
	"math"
	"sort"

	"github.com/gorse-io/bookshelf/base/log"
	"github.com/gorse-io/bookshelf/common/parallel"
	"github.com/gorse-io/bookshelf/storage/data"
	"github.com/juju/errors"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

const (
	DefaultMinBookRatings = 50
	DefaultMinUserRatings = 200
)

// Rating is a rating joined with the book it was given to.
type Rating struct {
	ISBN   string
	Title  string
	UserId string
	Score  float32
}

type FitOptions struct {
	// MinBookRatings is the minimal number of ratings a title needs.
	MinBookRatings int
	// MinUserRatings is the minimal number of ratings a user needs among
	// popular titles.
	MinUserRatings int
	// Jobs is the number of rows computed concurrently.
	Jobs int
}

func (opts FitOptions) withDefaults() FitOptions {
	if opts.MinBookRatings <= 0 {
		opts.MinBookRatings = DefaultMinBookRatings
	}
	if opts.MinUserRatings <= 0 {
		opts.MinUserRatings = DefaultMinUserRatings
	}
	if opts.Jobs <= 0 {
		opts.Jobs = 1
	}
	return opts
}

// LoadRatings joins all stored ratings with books by title. Ratings on a
// title shared by several books go to the book with the smallest ISBN.
func LoadRatings(ctx context.Context, database data.Database, batchSize int) ([]Rating, error) {
	isbns := make(map[string]string)
	bookChan, errChan := database.GetBookStream(ctx, batchSize)
	for books := range bookChan {
		for _, book := range books {
			if isbn, exist := isbns[book.Title]; !exist || book.ISBN < isbn {
				isbns[book.Title] = book.ISBN
			}
		}
	}
	if err := <-errChan; err != nil {
		return nil, errors.Trace(err)
	}
	var (
		ratings  []Rating
		orphaned int
	)
	ratingChan, errChan := database.GetRatingStream(ctx, batchSize)
	for batch := range ratingChan {
		for _, rating := range batch {
			isbn, exist := isbns[rating.BookTitle]
			if !exist {
				orphaned++
				continue
			}
			ratings = append(ratings, Rating{
				ISBN:   isbn,
				Title:  rating.BookTitle,
				UserId: rating.UserId,
				Score:  float32(rating.Score),
			})
		}
	}
	if err := <-errChan; err != nil {
		return nil, errors.Trace(err)
	}
	log.Logger().Info("load ratings",
		zap.Int("n_titles", len(isbns)),
		zap.Int("n_ratings", len(ratings)),
		zap.Int("n_orphaned", orphaned))
	return ratings, nil
}

// Fit computes the cosine similarity between books over ratings from active
// users on popular titles. Rows are ordered by ISBN.
func Fit(ctx context.Context, ratings []Rating, opts FitOptions) (*Dense, error) {
	opts = opts.withDefaults()

	// keep popular titles
	titleCount := lo.CountValuesBy(ratings, func(r Rating) string { return r.Title })
	popular := lo.Filter(ratings, func(r Rating, _ int) bool {
		return titleCount[r.Title] >= opts.MinBookRatings
	})
	// keep active users
	userCount := lo.CountValuesBy(popular, func(r Rating) string { return r.UserId })
	active := lo.Filter(popular, func(r Rating, _ int) bool {
		return userCount[r.UserId] >= opts.MinUserRatings
	})
	if len(active) == 0 {
		return nil, errors.NotFoundf("ratings on titles with at least %d ratings from users with at least %d ratings",
			opts.MinBookRatings, opts.MinUserRatings)
	}

	// pivot ISBN x user, averaging duplicates
	isbns := lo.Uniq(lo.Map(active, func(r Rating, _ int) string { return r.ISBN }))
	sort.Strings(isbns)
	positions := make(map[string]int, len(isbns))
	for i, isbn := range isbns {
		positions[isbn] = i
	}
	type cell struct {
		sum   float64
		count int
	}
	cells := make([]map[string]*cell, len(isbns))
	for i := range cells {
		cells[i] = make(map[string]*cell)
	}
	for _, r := range active {
		row := cells[positions[r.ISBN]]
		c, exist := row[r.UserId]
		if !exist {
			c = new(cell)
			row[r.UserId] = c
		}
		c.sum += float64(r.Score)
		c.count++
	}

	// average duplicates, invert into user -> (position, value) and compute norms
	type entry struct {
		pos   int
		value float64
	}
	n := len(isbns)
	byBook := make([][]lo.Tuple2[string, float64], n)
	byUser := make(map[string][]entry)
	norms := make([]float64, n)
	for i, row := range cells {
		for userId, c := range row {
			value := c.sum / float64(c.count)
			byBook[i] = append(byBook[i], lo.Tuple2[string, float64]{A: userId, B: value})
			byUser[userId] = append(byUser[userId], entry{pos: i, value: value})
			norms[i] += value * value
		}
	}
	for i := range norms {
		norms[i] = math.Sqrt(norms[i])
	}

	// each row accumulates dot products through the users who rated the book
	rows := make([][]float32, n)
	if err := parallel.Parallel(ctx, n, opts.Jobs, func(_, i int) error {
		dots := make([]float64, n)
		for _, cell := range byBook[i] {
			for _, other := range byUser[cell.A] {
				dots[other.pos] += cell.B * other.value
			}
		}
		rows[i] = make([]float32, n)
		for j := range rows[i] {
			if norms[i] == 0 || norms[j] == 0 {
				continue
			}
			rows[i][j] = float32(dots[j] / (norms[i] * norms[j]))
		}
		return nil
	}); err != nil {
		return nil, errors.Trace(err)
	}
	log.Logger().Info("fit similarity",
		zap.Int("n_books", n),
		zap.Int("n_users", len(byUser)),
		zap.Int("n_ratings", len(active)))
	return NewDense(isbns, rows)
}
