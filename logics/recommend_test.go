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
	"fmt"
	"testing"

	"github.com/gorse-io/bookshelf/model/similarity"
	"github.com/gorse-io/bookshelf/storage/data"
	"github.com/juju/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/samber/lo"
	"github.com/stretchr/testify/suite"
)

// brokenDatabase fails every lookup by author.
type brokenDatabase struct {
	data.Database
}

func (brokenDatabase) GetBooksByAuthor(context.Context, string, string, int) ([]data.Book, error) {
	return nil, errors.New("connection reset")
}

type RecommenderTestSuite struct {
	suite.Suite
	dataClient data.Database
}

func (suite *RecommenderTestSuite) SetupSuite() {
	var err error
	suite.dataClient, err = data.Open(fmt.Sprintf("sqlite://%s/data.db", suite.T().TempDir()), "")
	suite.NoError(err)
	err = suite.dataClient.Init()
	suite.NoError(err)
}

func (suite *RecommenderTestSuite) SetupTest() {
	err := suite.dataClient.Purge()
	suite.NoError(err)
}

func (suite *RecommenderTestSuite) TearDownSuite() {
	err := suite.dataClient.Close()
	suite.NoError(err)
}

func (suite *RecommenderTestSuite) isbns(cards []BookCard) []string {
	return lo.Map(cards, func(card BookCard, _ int) string {
		return card.ISBN
	})
}

func (suite *RecommenderTestSuite) insertBooks(books ...data.Book) {
	err := suite.dataClient.BatchInsertBooks(context.Background(), books)
	suite.NoError(err)
}

func (suite *RecommenderTestSuite) newDense(ids []string, rows [][]float32) similarity.Store {
	d, err := similarity.NewDense(ids, rows)
	suite.NoError(err)
	return d
}

func (suite *RecommenderTestSuite) TestSimilarBooks() {
	suite.insertBooks(
		data.Book{ISBN: "B", Title: "Book B", Author: "X", ImageURL: "http://images/b.jpg", Genre: "Fantasy", Price: 10},
		data.Book{ISBN: "C", Title: "Book C", Author: "Y", Genre: "Horror", Price: 20},
	)
	store := suite.newDense([]string{"A", "B", "C"}, [][]float32{
		{1.0, 0.9, 0.2},
		{0.9, 1.0, 0.4},
		{0.2, 0.4, 1.0},
	})
	recommender := NewRecommender(store, suite.dataClient, 5)
	cards := recommender.Recommend(context.Background(), "A")
	suite.Equal([]BookCard{
		{Title: "Book B", Author: "X", Image: "https://images/b.jpg", Genre: "Fantasy", Price: 10, ISBN: "B"},
		{Title: "Book C", Author: "Y", Genre: "Horror", Price: 20, ISBN: "C"},
	}, cards)
	// surrounding whitespace is ignored
	suite.Equal(cards, recommender.Recommend(context.Background(), "  A\t"))
	// the queried book itself is not in the index's catalog
	suite.Equal([]string{"B"}, suite.isbns(recommender.Recommend(context.Background(), "C")))
}

func (suite *RecommenderTestSuite) TestSharedTitle() {
	ctx := context.Background()
	suite.insertBooks(
		data.Book{ISBN: "1", Title: "Same"},
		data.Book{ISBN: "2", Title: "Same"},
		data.Book{ISBN: "3", Title: "Other"},
	)
	for _, userId := range []string{"u1", "u2", "u3"} {
		for _, title := range []string{"Same", "Other"} {
			suite.NoError(suite.dataClient.UpsertRating(ctx, data.Rating{UserId: userId, BookTitle: title, Score: 5}))
		}
	}
	ratings, err := similarity.LoadRatings(ctx, suite.dataClient, 10)
	suite.NoError(err)
	store, err := similarity.Fit(ctx, ratings, similarity.FitOptions{MinBookRatings: 1, MinUserRatings: 1})
	suite.NoError(err)
	recommender := NewRecommender(store, suite.dataClient, 5)
	for _, isbn := range []string{"1", "2", "3"} {
		suite.NotContains(suite.isbns(recommender.Recommend(ctx, isbn)), isbn)
	}
	suite.Equal([]string{"3"}, suite.isbns(recommender.Recommend(ctx, "1")))
}

func (suite *RecommenderTestSuite) TestSimilarBooksRanking() {
	ids := []string{"0", "1", "2", "3", "4", "5", "6", "7"}
	for _, id := range ids {
		suite.insertBooks(data.Book{ISBN: id, Title: "Title " + id})
	}
	row := []float32{1.0, 0.5, 0.7, 0.5, 0.9, 0.1, 0.5, 0.2}
	rows := make([][]float32, len(ids))
	for i := range rows {
		rows[i] = make([]float32, len(ids))
		rows[i][i] = 1
	}
	rows[0] = row
	store := suite.newDense(ids, rows)
	recommender := NewRecommender(store, suite.dataClient, 5)
	// ties keep position order
	suite.Equal([]string{"4", "2", "1", "3", "6"}, suite.isbns(recommender.Recommend(context.Background(), "0")))
	// the top entry is dropped even if it is not the book itself
	rows[0] = []float32{0.1, 0.5, 0.7, 0.5, 0.9, 0.1, 0.5, 0.2}
	store = suite.newDense(ids, rows)
	recommender = NewRecommender(store, suite.dataClient, 3)
	suite.Equal([]string{"2", "1", "3"}, suite.isbns(recommender.Recommend(context.Background(), "0")))
}

func (suite *RecommenderTestSuite) TestSimilarBooksMissing() {
	suite.insertBooks(data.Book{ISBN: "C", Title: "Book C"})
	store := suite.newDense([]string{"A", "B", "C"}, [][]float32{
		{1.0, 0.9, 0.2},
		{0.9, 1.0, 0.4},
		{0.2, 0.4, 1.0},
	})
	before := testutil.ToFloat64(RecommendTotal.WithLabelValues(TierCollaborative))
	recommender := NewRecommender(store, suite.dataClient, 5)
	suite.Equal([]string{"C"}, suite.isbns(recommender.Recommend(context.Background(), "A")))
	suite.Equal(before+1, testutil.ToFloat64(RecommendTotal.WithLabelValues(TierCollaborative)))
	// no similar book is in the catalog
	before = testutil.ToFloat64(RecommendTotal.WithLabelValues(TierEmpty))
	suite.Empty(recommender.Recommend(context.Background(), "C"))
	suite.Equal(before+1, testutil.ToFloat64(RecommendTotal.WithLabelValues(TierEmpty)))
}

func (suite *RecommenderTestSuite) TestFallback() {
	suite.insertBooks(
		data.Book{ISBN: "1000", Title: "Source", Author: "Austen", Genre: "Romance"},
		data.Book{ISBN: "1001", Title: "Emma", Author: "Austen", Genre: "Classics"},
		data.Book{ISBN: "1002", Title: "Emma", Author: "Austen", Genre: "Classics"},
		data.Book{ISBN: "1003", Title: "Persuasion", Author: "Austen", Genre: "Classics"},
		data.Book{ISBN: "2001", Title: "Source", Author: "Someone", Genre: "Romance"},
		data.Book{ISBN: "2002", Title: "Persuasion", Author: "Someone", Genre: "Romance"},
		data.Book{ISBN: "2003", Title: "Rebecca", Author: "du Maurier", Genre: "Romance"},
		data.Book{ISBN: "2004", Title: "Jane Eyre", Author: "Bronte", Genre: "Romance"},
		data.Book{ISBN: "2005", Title: "North and South", Author: "Gaskell", Genre: "Romance"},
		data.Book{ISBN: "2006", Title: "Middlemarch", Author: "Eliot", Genre: "Romance"},
	)
	store := suite.newDense([]string{"A"}, [][]float32{{1}})
	before := testutil.ToFloat64(RecommendTotal.WithLabelValues(TierContent))
	recommender := NewRecommender(store, suite.dataClient, 5)
	cards := recommender.Recommend(context.Background(), " 1000 ")
	// author matches first, then genre matches without repeated titles
	suite.Equal([]string{"1001", "1003", "2003", "2004", "2005"}, suite.isbns(cards))
	titles := lo.Map(cards, func(card BookCard, _ int) string { return card.Title })
	suite.Equal(titles, lo.Uniq(titles))
	suite.NotContains(titles, "Source")
	suite.Equal(before+1, testutil.ToFloat64(RecommendTotal.WithLabelValues(TierContent)))

	// repeated titles leave room for genre matches
	recommender = NewRecommender(store, suite.dataClient, 2)
	suite.Equal([]string{"1001", "2002"}, suite.isbns(recommender.Recommend(context.Background(), "1000")))
	// enough books by the author
	recommender = NewRecommender(store, suite.dataClient, 1)
	suite.Equal([]string{"1001"}, suite.isbns(recommender.Recommend(context.Background(), "1000")))

	// author lookup fails
	recommender = NewRecommender(store, brokenDatabase{suite.dataClient}, 3)
	suite.Equal([]string{"2002", "2003", "2004"}, suite.isbns(recommender.Recommend(context.Background(), "1000")))
}

func (suite *RecommenderTestSuite) TestFallbackUnknownBook() {
	store := suite.newDense([]string{"A"}, [][]float32{{1}})
	recommender := NewRecommender(store, suite.dataClient, 5)
	suite.Empty(recommender.Recommend(context.Background(), "9999"))
	suite.Empty(recommender.Recommend(context.Background(), ""))
}

func TestRecommender(t *testing.T) {
	suite.Run(t, new(RecommenderTestSuite))
}
