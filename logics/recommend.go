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
	"sort"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/gorse-io/bookshelf/base/log"
	"github.com/gorse-io/bookshelf/model/similarity"
	"github.com/gorse-io/bookshelf/storage/data"
	"github.com/juju/errors"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

const DefaultNumRecommend = 5

const (
	TierCollaborative = "collaborative"
	TierContent       = "content"
	TierEmpty         = "empty"
)

// BookCard is the catalog entry shown to clients.
type BookCard struct {
	Title  string  `json:"title"`
	Author string  `json:"author"`
	Image  string  `json:"image"`
	Genre  string  `json:"genre"`
	Price  float64 `json:"price"`
	ISBN   string  `json:"isbn"`
}

func NewBookCard(book data.Book) BookCard {
	return BookCard{
		Title:  book.Title,
		Author: book.Author,
		Image:  SecureImageURL(book.ImageURL),
		Genre:  book.Genre,
		Price:  book.Price,
		ISBN:   book.ISBN,
	}
}

// SecureImageURL rewrites plain http links to https.
func SecureImageURL(url string) string {
	return strings.ReplaceAll(url, "http://", "https://")
}

// Recommender suggests books similar to a given book. The similarity index
// is tried first; books missing from it fall back to same-author and
// same-genre books from the catalog.
type Recommender struct {
	store    similarity.Store
	database data.Database
	n        int
}

func NewRecommender(store similarity.Store, database data.Database, n int) *Recommender {
	if n <= 0 {
		n = DefaultNumRecommend
	}
	return &Recommender{store: store, database: database, n: n}
}

// Recommend returns at most n books similar to the book. Lookup failures
// shorten the result and are never returned.
func (r *Recommender) Recommend(ctx context.Context, isbn string) []BookCard {
	var (
		cards []BookCard
		tier  string
	)
	key := strings.TrimSpace(isbn)
	if pos, err := r.store.Position(key); err == nil {
		cards, tier = r.recommendCollaborative(ctx, pos), TierCollaborative
	} else {
		cards, tier = r.recommendContent(ctx, key), TierContent
	}
	if len(cards) == 0 {
		cards, tier = []BookCard{}, TierEmpty
	}
	RecommendTotal.WithLabelValues(tier).Inc()
	return cards
}

func (r *Recommender) recommendCollaborative(ctx context.Context, pos int32) []BookCard {
	scores := r.store.Row(pos)
	sort.SliceStable(scores, func(i, j int) bool {
		return scores[i].Value > scores[j].Value
	})
	// the most similar book is the book itself
	scores = scores[1:]
	scores = scores[:min(r.n, len(scores))]
	cards := make([]BookCard, 0, len(scores))
	for _, score := range scores {
		isbn := r.store.Id(score.Position)
		book, err := r.database.GetBook(ctx, isbn)
		if errors.IsNotFound(err) {
			continue
		} else if err != nil {
			log.Logger().Error("failed to get similar book", zap.String("isbn", isbn), zap.Error(err))
			continue
		}
		cards = append(cards, NewBookCard(book))
	}
	return cards
}

func (r *Recommender) recommendContent(ctx context.Context, isbn string) []BookCard {
	book, err := r.database.GetBook(ctx, isbn)
	if errors.IsNotFound(err) {
		return nil
	} else if err != nil {
		log.Logger().Error("failed to get book", zap.String("isbn", isbn), zap.Error(err))
		return nil
	}
	titles := mapset.NewSet[string]()
	cards := make([]BookCard, 0, r.n)
	appendUnique := func(books []data.Book) {
		for _, b := range books {
			if len(cards) < r.n && !titles.Contains(b.Title) {
				titles.Add(b.Title)
				cards = append(cards, NewBookCard(b))
			}
		}
	}

	// books by the same author
	byAuthor, err := r.database.GetBooksByAuthor(ctx, book.Author, book.ISBN, r.n)
	if err != nil {
		log.Logger().Error("failed to get books by author", zap.String("author", book.Author), zap.Error(err))
	}
	appendUnique(byAuthor)
	if len(cards) >= r.n {
		return cards
	}

	// books in the same genre
	exclude := append(titles.ToSlice(), book.Title)
	byGenre, err := r.database.GetBooksByGenre(ctx, book.Genre, lo.Uniq(exclude), r.n-len(cards))
	if err != nil {
		log.Logger().Error("failed to get books by genre", zap.String("genre", book.Genre), zap.Error(err))
	}
	appendUnique(byGenre)
	return cards
}
