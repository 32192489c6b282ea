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

package data

import (
	"context"
	"fmt"
	"strconv"

	"github.com/juju/errors"
	"github.com/samber/lo"
	"github.com/stretchr/testify/suite"
)

type baseTestSuite struct {
	suite.Suite
	Database
}

func (suite *baseTestSuite) SetupTest() {
	err := suite.Database.Purge()
	suite.NoError(err)
}

func (suite *baseTestSuite) TearDownSuite() {
	err := suite.Database.Close()
	suite.NoError(err)
}

func (suite *baseTestSuite) isbns(books []Book) []string {
	return lo.Map(books, func(book Book, _ int) string {
		return book.ISBN
	})
}

func (suite *baseTestSuite) TestBooks() {
	ctx := context.Background()
	books := []Book{
		{ISBN: "0001", Title: "Dune", Author: "Frank Herbert", Year: "1965", Publisher: "Chilton", ImageURL: "http://images/0001.jpg", Genre: "Science Fiction", Price: 12.5},
		{ISBN: "0002", Title: "Dune Messiah", Author: "Frank Herbert", Year: "1969", Publisher: "Putnam", Genre: "Science Fiction", Price: 9},
		{ISBN: "0003", Title: "Emma", Author: "Jane Austen", Year: "1815", Publisher: "John Murray", Genre: "Romance", Price: 5},
	}
	err := suite.BatchInsertBooks(ctx, books)
	suite.NoError(err)

	// get a book
	book, err := suite.GetBook(ctx, "0001")
	suite.NoError(err)
	suite.Equal(books[0], book)
	_, err = suite.GetBook(ctx, "9999")
	suite.ErrorIs(err, ErrBookNotExist)
	suite.True(errors.IsNotFound(err))

	// get a book by title
	book, err = suite.GetBookByTitle(ctx, "Emma")
	suite.NoError(err)
	suite.Equal(books[2], book)
	_, err = suite.GetBookByTitle(ctx, "Persuasion")
	suite.ErrorIs(err, ErrBookNotExist)

	// insert an existing book
	err = suite.InsertBook(ctx, Book{ISBN: "0001", Title: "Another"})
	suite.ErrorIs(err, ErrBookExists)
	err = suite.InsertBook(ctx, Book{ISBN: "0004", Title: "Persuasion", Author: "Jane Austen", Genre: "Romance", Price: 6})
	suite.NoError(err)
	book, err = suite.GetBook(ctx, "0004")
	suite.NoError(err)
	suite.Equal("Persuasion", book.Title)

	// overwrite by batch insert
	err = suite.BatchInsertBooks(ctx, []Book{{ISBN: "0003", Title: "Emma", Author: "Jane Austen", Genre: "Classics", Price: 7}})
	suite.NoError(err)
	book, err = suite.GetBook(ctx, "0003")
	suite.NoError(err)
	suite.Equal("Classics", book.Genre)
	suite.Equal(7.0, book.Price)
}

func (suite *baseTestSuite) TestBooksByAuthorAndGenre() {
	ctx := context.Background()
	var books []Book
	for i := 0; i < 8; i++ {
		books = append(books, Book{
			ISBN:   fmt.Sprintf("%04d", i),
			Title:  "Title " + strconv.Itoa(i),
			Author: lo.Ternary(i < 4, "Author A", "Author B"),
			Genre:  lo.Ternary(i%2 == 0, "Fantasy", "Horror"),
		})
	}
	err := suite.BatchInsertBooks(ctx, books)
	suite.NoError(err)

	result, err := suite.GetBooksByAuthor(ctx, "Author A", "0001", 5)
	suite.NoError(err)
	suite.Equal([]string{"0000", "0002", "0003"}, suite.isbns(result))
	result, err = suite.GetBooksByAuthor(ctx, "Author A", "0001", 2)
	suite.NoError(err)
	suite.Equal([]string{"0000", "0002"}, suite.isbns(result))
	result, err = suite.GetBooksByAuthor(ctx, "Author C", "0001", 5)
	suite.NoError(err)
	suite.Empty(result)

	result, err = suite.GetBooksByGenre(ctx, "Fantasy", []string{"Title 0", "Title 4"}, 5)
	suite.NoError(err)
	suite.Equal([]string{"0002", "0006"}, suite.isbns(result))
	result, err = suite.GetBooksByGenre(ctx, "Horror", nil, 2)
	suite.NoError(err)
	suite.Equal([]string{"0001", "0003"}, suite.isbns(result))
}

func (suite *baseTestSuite) TestSearchBooks() {
	ctx := context.Background()
	books := []Book{
		{ISBN: "0001", Title: "The Hobbit", Genre: "Fantasy", Price: 10},
		{ISBN: "0002", Title: "The Silmarillion", Genre: "Fantasy", Price: 40},
		{ISBN: "0003", Title: "Hobbit Tales", Genre: "Children", Price: 41},
		{ISBN: "0004", Title: "It", Genre: "Horror", Price: 20},
	}
	err := suite.BatchInsertBooks(ctx, books)
	suite.NoError(err)

	result, err := suite.SearchBooks(ctx, BookQuery{MaxPrice: 40})
	suite.NoError(err)
	suite.Equal([]string{"0001", "0002", "0004"}, suite.isbns(result))
	result, err = suite.SearchBooks(ctx, BookQuery{Text: "hObBiT", MaxPrice: 100})
	suite.NoError(err)
	suite.Equal([]string{"0001", "0003"}, suite.isbns(result))
	result, err = suite.SearchBooks(ctx, BookQuery{Genre: "Fantasy", MaxPrice: 20})
	suite.NoError(err)
	suite.Equal([]string{"0001"}, suite.isbns(result))
	result, err = suite.SearchBooks(ctx, BookQuery{MaxPrice: 100, Limit: 2})
	suite.NoError(err)
	suite.Equal([]string{"0001", "0002"}, suite.isbns(result))
}

func (suite *baseTestSuite) TestBookStream() {
	ctx := context.Background()
	var books []Book
	for i := 4; i >= 0; i-- {
		books = append(books, Book{ISBN: fmt.Sprintf("%04d", i), Title: "Title " + strconv.Itoa(i), Price: float64(i)})
	}
	err := suite.BatchInsertBooks(ctx, books)
	suite.NoError(err)
	bookChan, errChan := suite.GetBookStream(ctx, 2)
	var streamed []Book
	for batch := range bookChan {
		suite.LessOrEqual(len(batch), 2)
		streamed = append(streamed, batch...)
	}
	suite.NoError(<-errChan)
	suite.Equal([]string{"0000", "0001", "0002", "0003", "0004"}, suite.isbns(streamed))
	suite.Equal(3.0, streamed[3].Price)
}

func (suite *baseTestSuite) TestRatings() {
	ctx := context.Background()
	ratings := []Rating{
		{UserId: "alice", BookTitle: "Dune", Score: 3},
		{UserId: "bob", BookTitle: "Dune", Score: 4},
		{UserId: "alice", BookTitle: "Emma", Score: 5},
	}
	for _, rating := range ratings {
		err := suite.UpsertRating(ctx, rating)
		suite.NoError(err)
	}

	// upsert overwrites the score
	err := suite.UpsertRating(ctx, Rating{UserId: "alice", BookTitle: "Emma", Score: 2})
	suite.NoError(err)
	rating, err := suite.GetRating(ctx, "alice", "Emma")
	suite.NoError(err)
	suite.Equal(2, rating.Score)
	_, err = suite.GetRating(ctx, "bob", "Emma")
	suite.ErrorIs(err, ErrRatingNotExist)

	result, err := suite.GetRatingsByTitles(ctx, "Dune", "Emma", "Persuasion")
	suite.NoError(err)
	suite.Equal([]Rating{
		{UserId: "alice", BookTitle: "Dune", Score: 3},
		{UserId: "bob", BookTitle: "Dune", Score: 4},
		{UserId: "alice", BookTitle: "Emma", Score: 2},
	}, result)
	result, err = suite.GetRatingsByTitles(ctx)
	suite.NoError(err)
	suite.Empty(result)

	result, err = suite.GetUserRatings(ctx, "alice")
	suite.NoError(err)
	suite.Equal([]Rating{
		{UserId: "alice", BookTitle: "Dune", Score: 3},
		{UserId: "alice", BookTitle: "Emma", Score: 2},
	}, result)

	// stream all ratings
	ratingChan, errChan := suite.GetRatingStream(ctx, 2)
	var streamed []Rating
	for batch := range ratingChan {
		suite.LessOrEqual(len(batch), 2)
		streamed = append(streamed, batch...)
	}
	suite.NoError(<-errChan)
	suite.ElementsMatch([]Rating{
		{UserId: "alice", BookTitle: "Dune", Score: 3},
		{UserId: "bob", BookTitle: "Dune", Score: 4},
		{UserId: "alice", BookTitle: "Emma", Score: 2},
	}, streamed)
}

func (suite *baseTestSuite) TestUsers() {
	ctx := context.Background()
	err := suite.InsertUser(ctx, User{Username: "alice", Email: "alice@example.com"})
	suite.NoError(err)
	user, err := suite.GetUser(ctx, "alice")
	suite.NoError(err)
	suite.Equal(User{Username: "alice", Email: "alice@example.com"}, user)
	_, err = suite.GetUser(ctx, "bob")
	suite.ErrorIs(err, ErrUserNotExist)

	err = suite.VerifyUser(ctx, "alice")
	suite.NoError(err)
	user, err = suite.GetUser(ctx, "alice")
	suite.NoError(err)
	suite.True(user.IsVerified)
	err = suite.VerifyUser(ctx, "bob")
	suite.ErrorIs(err, ErrUserNotExist)

	err = suite.InsertUser(ctx, User{Username: "alice", Email: "alice@example.org", IsAdmin: true})
	suite.NoError(err)
	user, err = suite.GetUser(ctx, "alice")
	suite.NoError(err)
	suite.Equal("alice@example.org", user.Email)
	suite.True(user.IsAdmin)
}
