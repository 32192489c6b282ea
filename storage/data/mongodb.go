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
	"regexp"

	"github.com/gorse-io/bookshelf/storage"
	"github.com/juju/errors"
	"github.com/samber/lo"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoDB is the data storage based on MongoDB.
type MongoDB struct {
	storage.TablePrefix
	client *mongo.Client
	dbName string
}

// Init collections and indices in MongoDB.
func (db *MongoDB) Init() error {
	ctx := context.Background()
	d := db.client.Database(db.dbName)
	// list collections
	collections, err := d.ListCollectionNames(ctx, bson.M{})
	if err != nil {
		return errors.Trace(err)
	}
	for _, name := range []string{db.BooksTable(), db.RatingsTable(), db.UsersTable()} {
		if !lo.Contains(collections, name) {
			if err = d.CreateCollection(ctx, name); err != nil {
				return errors.Trace(err)
			}
		}
	}
	// create index
	_, err = d.Collection(db.BooksTable()).Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.M{"title": 1}},
		{Keys: bson.M{"author": 1}},
		{Keys: bson.M{"genre": 1}},
	})
	if err != nil {
		return errors.Trace(err)
	}
	_, err = d.Collection(db.RatingsTable()).Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "user_id", Value: 1}, {Key: "book_title", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{Keys: bson.M{"book_title": 1}},
	})
	return errors.Trace(err)
}

func (db *MongoDB) Ping() error {
	return db.client.Ping(context.Background(), nil)
}

// Close connection to MongoDB.
func (db *MongoDB) Close() error {
	return db.client.Disconnect(context.Background())
}

func (db *MongoDB) Purge() error {
	ctx := context.Background()
	d := db.client.Database(db.dbName)
	for _, name := range []string{db.BooksTable(), db.RatingsTable(), db.UsersTable()} {
		if _, err := d.Collection(name).DeleteMany(ctx, bson.M{}); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}

func (db *MongoDB) books() *mongo.Collection {
	return db.client.Database(db.dbName).Collection(db.BooksTable())
}

func (db *MongoDB) ratings() *mongo.Collection {
	return db.client.Database(db.dbName).Collection(db.RatingsTable())
}

func (db *MongoDB) users() *mongo.Collection {
	return db.client.Database(db.dbName).Collection(db.UsersTable())
}

func (db *MongoDB) BatchInsertBooks(ctx context.Context, books []Book) error {
	if len(books) == 0 {
		return nil
	}
	var models []mongo.WriteModel
	for _, book := range books {
		models = append(models, mongo.NewReplaceOneModel().
			SetUpsert(true).
			SetFilter(bson.M{"_id": book.ISBN}).
			SetReplacement(book))
	}
	_, err := db.books().BulkWrite(ctx, models)
	return errors.Trace(err)
}

func (db *MongoDB) InsertBook(ctx context.Context, book Book) error {
	_, err := db.books().InsertOne(ctx, book)
	if mongo.IsDuplicateKeyError(err) {
		return errors.Annotate(ErrBookExists, book.ISBN)
	}
	return errors.Trace(err)
}

func (db *MongoDB) GetBook(ctx context.Context, isbn string) (Book, error) {
	var book Book
	err := db.books().FindOne(ctx, bson.M{"_id": isbn}).Decode(&book)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return Book{}, errors.Annotate(ErrBookNotExist, isbn)
	}
	return book, errors.Trace(err)
}

func (db *MongoDB) GetBookByTitle(ctx context.Context, title string) (Book, error) {
	var book Book
	opt := options.FindOne().SetSort(bson.M{"_id": 1})
	err := db.books().FindOne(ctx, bson.M{"title": title}, opt).Decode(&book)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return Book{}, errors.Annotate(ErrBookNotExist, title)
	}
	return book, errors.Trace(err)
}

func (db *MongoDB) GetBooksByAuthor(ctx context.Context, author, excludeISBN string, n int) ([]Book, error) {
	return db.findBooks(ctx, bson.M{
		"author": author,
		"_id":    bson.M{"$ne": excludeISBN},
	}, n)
}

func (db *MongoDB) GetBooksByGenre(ctx context.Context, genre string, excludeTitles []string, n int) ([]Book, error) {
	filter := bson.M{"genre": genre}
	if len(excludeTitles) > 0 {
		filter["title"] = bson.M{"$nin": excludeTitles}
	}
	return db.findBooks(ctx, filter, n)
}

func (db *MongoDB) SearchBooks(ctx context.Context, query BookQuery) ([]Book, error) {
	filter := bson.M{"price": bson.M{"$lte": query.MaxPrice}}
	if query.Text != "" {
		filter["title"] = primitive.Regex{Pattern: regexp.QuoteMeta(query.Text), Options: "i"}
	}
	if query.Genre != "" {
		filter["genre"] = query.Genre
	}
	return db.findBooks(ctx, filter, query.Limit)
}

func (db *MongoDB) findBooks(ctx context.Context, filter bson.M, n int) ([]Book, error) {
	opt := options.Find().SetSort(bson.M{"_id": 1})
	if n > 0 {
		opt.SetLimit(int64(n))
	}
	cur, err := db.books().Find(ctx, filter, opt)
	if err != nil {
		return nil, errors.Trace(err)
	}
	books := make([]Book, 0)
	if err = cur.All(ctx, &books); err != nil {
		return nil, errors.Trace(err)
	}
	return books, nil
}

func (db *MongoDB) GetBookStream(ctx context.Context, batchSize int) (chan []Book, chan error) {
	bookChan := make(chan []Book, bufSize)
	errChan := make(chan error, 1)
	go func() {
		defer close(bookChan)
		defer close(errChan)
		cur, err := db.books().Find(ctx, bson.M{}, options.Find().SetSort(bson.M{"_id": 1}))
		if err != nil {
			errChan <- errors.Trace(err)
			return
		}
		defer cur.Close(ctx)
		books := make([]Book, 0, batchSize)
		for cur.Next(ctx) {
			var book Book
			if err = cur.Decode(&book); err != nil {
				errChan <- errors.Trace(err)
				return
			}
			books = append(books, book)
			if len(books) == batchSize {
				bookChan <- books
				books = make([]Book, 0, batchSize)
			}
		}
		if err = cur.Err(); err != nil {
			errChan <- errors.Trace(err)
			return
		}
		if len(books) > 0 {
			bookChan <- books
		}
		errChan <- nil
	}()
	return bookChan, errChan
}

func (db *MongoDB) UpsertRating(ctx context.Context, rating Rating) error {
	_, err := db.ratings().UpdateOne(ctx,
		bson.M{"user_id": rating.UserId, "book_title": rating.BookTitle},
		bson.M{"$set": bson.M{"rating": rating.Score}},
		options.Update().SetUpsert(true))
	return errors.Trace(err)
}

func (db *MongoDB) GetRating(ctx context.Context, userId, title string) (Rating, error) {
	var rating Rating
	err := db.ratings().FindOne(ctx, bson.M{"user_id": userId, "book_title": title}).Decode(&rating)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return Rating{}, errors.Annotatef(ErrRatingNotExist, "%s/%s", userId, title)
	}
	return rating, errors.Trace(err)
}

func (db *MongoDB) GetRatingsByTitles(ctx context.Context, titles ...string) ([]Rating, error) {
	if len(titles) == 0 {
		return nil, nil
	}
	opt := options.Find().SetSort(bson.D{{Key: "book_title", Value: 1}, {Key: "user_id", Value: 1}})
	return db.findRatings(ctx, bson.M{"book_title": bson.M{"$in": titles}}, opt)
}

func (db *MongoDB) GetUserRatings(ctx context.Context, userId string) ([]Rating, error) {
	opt := options.Find().SetSort(bson.M{"book_title": 1})
	return db.findRatings(ctx, bson.M{"user_id": userId}, opt)
}

func (db *MongoDB) findRatings(ctx context.Context, filter bson.M, opt *options.FindOptions) ([]Rating, error) {
	cur, err := db.ratings().Find(ctx, filter, opt)
	if err != nil {
		return nil, errors.Trace(err)
	}
	ratings := make([]Rating, 0)
	if err = cur.All(ctx, &ratings); err != nil {
		return nil, errors.Trace(err)
	}
	return ratings, nil
}

func (db *MongoDB) GetRatingStream(ctx context.Context, batchSize int) (chan []Rating, chan error) {
	ratingChan := make(chan []Rating, bufSize)
	errChan := make(chan error, 1)
	go func() {
		defer close(ratingChan)
		defer close(errChan)
		cur, err := db.ratings().Find(ctx, bson.M{})
		if err != nil {
			errChan <- errors.Trace(err)
			return
		}
		defer cur.Close(ctx)
		ratings := make([]Rating, 0, batchSize)
		for cur.Next(ctx) {
			var rating Rating
			if err = cur.Decode(&rating); err != nil {
				errChan <- errors.Trace(err)
				return
			}
			ratings = append(ratings, rating)
			if len(ratings) == batchSize {
				ratingChan <- ratings
				ratings = make([]Rating, 0, batchSize)
			}
		}
		if err = cur.Err(); err != nil {
			errChan <- errors.Trace(err)
			return
		}
		if len(ratings) > 0 {
			ratingChan <- ratings
		}
		errChan <- nil
	}()
	return ratingChan, errChan
}

func (db *MongoDB) InsertUser(ctx context.Context, user User) error {
	_, err := db.users().ReplaceOne(ctx, bson.M{"_id": user.Username}, user, options.Replace().SetUpsert(true))
	return errors.Trace(err)
}

func (db *MongoDB) GetUser(ctx context.Context, username string) (User, error) {
	var user User
	err := db.users().FindOne(ctx, bson.M{"_id": username}).Decode(&user)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return User{}, errors.Annotate(ErrUserNotExist, username)
	}
	return user, errors.Trace(err)
}

func (db *MongoDB) VerifyUser(ctx context.Context, username string) error {
	result, err := db.users().UpdateOne(ctx, bson.M{"_id": username}, bson.M{"$set": bson.M{"is_verified": true}})
	if err != nil {
		return errors.Trace(err)
	}
	if result.MatchedCount == 0 {
		return errors.Annotate(ErrUserNotExist, username)
	}
	return nil
}
