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

package logics

import (
	"context"
	"math"

	"github.com/gorse-io/bookshelf/storage/data"
	"github.com/juju/errors"
	"github.com/samber/lo"
)

const (
	// AllGenres disables the genre filter.
	AllGenres = "all"

	DefaultMaxPrice    = 40.0
	DefaultSearchLimit = 100
)

type SearchQuery struct {
	// Text is matched case-insensitively against titles.
	Text  string
	Genre string
	// MaxPrice is inclusive. Nil means the default.
	MaxPrice *float64
	// UserId is empty for anonymous searches.
	UserId string
}

type SearchResult struct {
	BookCard
	AverageRating float64 `json:"average_rating"`
	RatingCount   int     `json:"rating_count"`
	UserRating    int     `json:"user_rating"`
}

// Searcher joins catalog rows with rating statistics by title.
type Searcher struct {
	database        data.Database
	defaultMaxPrice float64
	limit           int
}

func NewSearcher(database data.Database, defaultMaxPrice float64, limit int) *Searcher {
	if limit <= 0 {
		limit = DefaultSearchLimit
	}
	return &Searcher{database: database, defaultMaxPrice: defaultMaxPrice, limit: limit}
}

func (s *Searcher) Search(ctx context.Context, query SearchQuery) ([]SearchResult, error) {
	bookQuery := data.BookQuery{
		Text:     query.Text,
		MaxPrice: lo.FromPtrOr(query.MaxPrice, s.defaultMaxPrice),
		Limit:    s.limit,
	}
	if query.Genre != AllGenres {
		bookQuery.Genre = query.Genre
	}
	books, err := s.database.SearchBooks(ctx, bookQuery)
	if err != nil {
		return nil, errors.Trace(err)
	}

	// aggregate ratings by title
	titles := lo.Uniq(lo.Map(books, func(book data.Book, _ int) string { return book.Title }))
	ratings, err := s.database.GetRatingsByTitles(ctx, titles...)
	if err != nil {
		return nil, errors.Trace(err)
	}
	sums := make(map[string]int)
	counts := make(map[string]int)
	for _, rating := range ratings {
		sums[rating.BookTitle] += rating.Score
		counts[rating.BookTitle]++
	}

	// ratings of the user
	userRatings := make(map[string]int)
	if query.UserId != "" {
		ratings, err = s.database.GetUserRatings(ctx, query.UserId)
		if err != nil {
			return nil, errors.Trace(err)
		}
		for _, rating := range ratings {
			userRatings[rating.BookTitle] = rating.Score
		}
	}

	results := make([]SearchResult, len(books))
	for i, book := range books {
		results[i] = SearchResult{
			BookCard:    NewBookCard(book),
			RatingCount: counts[book.Title],
			UserRating:  userRatings[book.Title],
		}
		if count := counts[book.Title]; count > 0 {
			results[i].AverageRating = RoundRating(float64(sums[book.Title]) / float64(count))
		}
	}
	return results, nil
}

// RoundRating rounds to one decimal place, half to even.
func RoundRating(x float64) float64 {
	return math.RoundToEven(x*10) / 10
}
