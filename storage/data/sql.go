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
	"database/sql"
	"strings"

	_ "github.com/go-sql-driver/mysql"
	"github.com/gorse-io/bookshelf/storage"
	"github.com/juju/errors"
	_ "github.com/lib/pq"
	"github.com/samber/lo"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	_ "modernc.org/sqlite"
)

const bufSize = 1

type SQLDriver int

const (
	MySQL SQLDriver = iota
	Postgres
	SQLite
)

type SQLBook struct {
	ISBN      string  `gorm:"column:isbn;type:varchar(40);primaryKey"`
	Title     string  `gorm:"column:title;type:varchar(512);not null;index"`
	Author    string  `gorm:"column:author;type:varchar(256);not null;index"`
	Year      string  `gorm:"column:year;type:varchar(20);not null"`
	Publisher string  `gorm:"column:publisher;type:text;not null"`
	ImageURL  string  `gorm:"column:image_url_m;type:text;not null"`
	Genre     string  `gorm:"column:genre;type:varchar(100);not null;index"`
	Price     float64 `gorm:"column:price;not null"`
}

func NewSQLBook(book Book) SQLBook {
	return SQLBook(book)
}

type SQLRating struct {
	UserId    string `gorm:"column:user_id;type:varchar(64);primaryKey"`
	BookTitle string `gorm:"column:book_title;type:varchar(512);primaryKey;index"`
	Score     int    `gorm:"column:rating;not null"`
}

type SQLUser struct {
	Username   string `gorm:"column:username;type:varchar(64);primaryKey"`
	Email      string `gorm:"column:email;type:varchar(256);not null"`
	IsVerified bool   `gorm:"column:is_verified;not null"`
	IsAdmin    bool   `gorm:"column:is_admin;not null"`
}

// SQLDatabase stores the catalog in MySQL, PostgreSQL or SQLite.
type SQLDatabase struct {
	storage.TablePrefix
	gormDB *gorm.DB
	client *sql.DB
	driver SQLDriver
}

// Init tables and indices.
func (d *SQLDatabase) Init() error {
	tx := d.gormDB
	if d.driver == MySQL {
		tx = tx.Set("gorm:table_options", "ENGINE=InnoDB")
	}
	if err := tx.AutoMigrate(SQLBook{}, SQLRating{}, SQLUser{}); err != nil {
		return errors.Trace(err)
	}
	return nil
}

func (d *SQLDatabase) Ping() error {
	return d.client.Ping()
}

// Close the connection.
func (d *SQLDatabase) Close() error {
	return d.client.Close()
}

// Purge deletes all rows. Used by tests.
func (d *SQLDatabase) Purge() error {
	for _, tableName := range []string{d.BooksTable(), d.RatingsTable(), d.UsersTable()} {
		if err := d.gormDB.Exec("DELETE FROM " + tableName).Error; err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}

// BatchInsertBooks inserts books, overwriting books with the same ISBN.
func (d *SQLDatabase) BatchInsertBooks(ctx context.Context, books []Book) error {
	if len(books) == 0 {
		return nil
	}
	rows := lo.Map(books, func(book Book, _ int) SQLBook {
		return NewSQLBook(book)
	})
	err := d.gormDB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "isbn"}},
		UpdateAll: true,
	}).Create(&rows).Error
	return errors.Trace(err)
}

// InsertBook inserts a book. It fails with ErrBookExists if the ISBN is taken.
func (d *SQLDatabase) InsertBook(ctx context.Context, book Book) error {
	row := NewSQLBook(book)
	tx := d.gormDB.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	if tx.Error != nil {
		return errors.Trace(tx.Error)
	}
	if tx.RowsAffected == 0 {
		return errors.Annotate(ErrBookExists, book.ISBN)
	}
	return nil
}

func (d *SQLDatabase) GetBook(ctx context.Context, isbn string) (Book, error) {
	var rows []SQLBook
	if err := d.gormDB.WithContext(ctx).Where("isbn = ?", isbn).Limit(1).Find(&rows).Error; err != nil {
		return Book{}, errors.Trace(err)
	}
	if len(rows) == 0 {
		return Book{}, errors.Annotate(ErrBookNotExist, isbn)
	}
	return Book(rows[0]), nil
}

// GetBookByTitle returns the first book (by ISBN) with the title.
func (d *SQLDatabase) GetBookByTitle(ctx context.Context, title string) (Book, error) {
	var rows []SQLBook
	if err := d.gormDB.WithContext(ctx).Where("title = ?", title).Order("isbn").Limit(1).Find(&rows).Error; err != nil {
		return Book{}, errors.Trace(err)
	}
	if len(rows) == 0 {
		return Book{}, errors.Annotate(ErrBookNotExist, title)
	}
	return Book(rows[0]), nil
}

func (d *SQLDatabase) GetBooksByAuthor(ctx context.Context, author, excludeISBN string, n int) ([]Book, error) {
	var rows []SQLBook
	err := d.gormDB.WithContext(ctx).
		Where("author = ? AND isbn <> ?", author, excludeISBN).
		Order("isbn").
		Limit(n).
		Find(&rows).Error
	if err != nil {
		return nil, errors.Trace(err)
	}
	return toBooks(rows), nil
}

func (d *SQLDatabase) GetBooksByGenre(ctx context.Context, genre string, excludeTitles []string, n int) ([]Book, error) {
	var rows []SQLBook
	tx := d.gormDB.WithContext(ctx).Where("genre = ?", genre)
	if len(excludeTitles) > 0 {
		tx = tx.Where("title NOT IN ?", excludeTitles)
	}
	if err := tx.Order("isbn").Limit(n).Find(&rows).Error; err != nil {
		return nil, errors.Trace(err)
	}
	return toBooks(rows), nil
}

// SearchBooks returns books priced at most MaxPrice whose title contains Text
// (case-insensitive) and whose genre equals Genre.
func (d *SQLDatabase) SearchBooks(ctx context.Context, query BookQuery) ([]Book, error) {
	var rows []SQLBook
	tx := d.gormDB.WithContext(ctx).Where("price <= ?", query.MaxPrice)
	if query.Text != "" {
		tx = tx.Where("LOWER(title) LIKE ?", "%"+strings.ToLower(query.Text)+"%")
	}
	if query.Genre != "" {
		tx = tx.Where("genre = ?", query.Genre)
	}
	if query.Limit > 0 {
		tx = tx.Limit(query.Limit)
	}
	if err := tx.Order("isbn").Find(&rows).Error; err != nil {
		return nil, errors.Trace(err)
	}
	return toBooks(rows), nil
}

// GetBookStream reads all books by stream.
func (d *SQLDatabase) GetBookStream(ctx context.Context, batchSize int) (chan []Book, chan error) {
	bookChan := make(chan []Book, bufSize)
	errChan := make(chan error, 1)
	go func() {
		defer close(bookChan)
		defer close(errChan)
		result, err := d.gormDB.WithContext(ctx).Model(&SQLBook{}).Order("isbn").Rows()
		if err != nil {
			errChan <- errors.Trace(err)
			return
		}
		defer result.Close()
		books := make([]Book, 0, batchSize)
		for result.Next() {
			var row SQLBook
			if err = d.gormDB.ScanRows(result, &row); err != nil {
				errChan <- errors.Trace(err)
				return
			}
			books = append(books, Book(row))
			if len(books) == batchSize {
				bookChan <- books
				books = make([]Book, 0, batchSize)
			}
		}
		if err = result.Err(); err != nil {
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

// UpsertRating inserts a rating or overwrites the score of an existing one.
func (d *SQLDatabase) UpsertRating(ctx context.Context, rating Rating) error {
	row := SQLRating(rating)
	err := d.gormDB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "book_title"}},
		DoUpdates: clause.AssignmentColumns([]string{"rating"}),
	}).Create(&row).Error
	return errors.Trace(err)
}

func (d *SQLDatabase) GetRating(ctx context.Context, userId, title string) (Rating, error) {
	var rows []SQLRating
	if err := d.gormDB.WithContext(ctx).Where("user_id = ? AND book_title = ?", userId, title).Limit(1).Find(&rows).Error; err != nil {
		return Rating{}, errors.Trace(err)
	}
	if len(rows) == 0 {
		return Rating{}, errors.Annotatef(ErrRatingNotExist, "%s/%s", userId, title)
	}
	return Rating(rows[0]), nil
}

func (d *SQLDatabase) GetRatingsByTitles(ctx context.Context, titles ...string) ([]Rating, error) {
	if len(titles) == 0 {
		return nil, nil
	}
	var rows []SQLRating
	if err := d.gormDB.WithContext(ctx).Where("book_title IN ?", titles).Order("book_title, user_id").Find(&rows).Error; err != nil {
		return nil, errors.Trace(err)
	}
	return toRatings(rows), nil
}

func (d *SQLDatabase) GetUserRatings(ctx context.Context, userId string) ([]Rating, error) {
	var rows []SQLRating
	if err := d.gormDB.WithContext(ctx).Where("user_id = ?", userId).Order("book_title").Find(&rows).Error; err != nil {
		return nil, errors.Trace(err)
	}
	return toRatings(rows), nil
}

// GetRatingStream reads all ratings by stream.
func (d *SQLDatabase) GetRatingStream(ctx context.Context, batchSize int) (chan []Rating, chan error) {
	ratingChan := make(chan []Rating, bufSize)
	errChan := make(chan error, 1)
	go func() {
		defer close(ratingChan)
		defer close(errChan)
		result, err := d.gormDB.WithContext(ctx).Table(d.RatingsTable()).Select("user_id, book_title, rating").Rows()
		if err != nil {
			errChan <- errors.Trace(err)
			return
		}
		defer result.Close()
		ratings := make([]Rating, 0, batchSize)
		for result.Next() {
			var rating Rating
			if err = result.Scan(&rating.UserId, &rating.BookTitle, &rating.Score); err != nil {
				errChan <- errors.Trace(err)
				return
			}
			ratings = append(ratings, rating)
			if len(ratings) == batchSize {
				ratingChan <- ratings
				ratings = make([]Rating, 0, batchSize)
			}
		}
		if err = result.Err(); err != nil {
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

// InsertUser inserts a user, overwriting the user with the same name.
func (d *SQLDatabase) InsertUser(ctx context.Context, user User) error {
	row := SQLUser(user)
	err := d.gormDB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "username"}},
		UpdateAll: true,
	}).Create(&row).Error
	return errors.Trace(err)
}

func (d *SQLDatabase) GetUser(ctx context.Context, username string) (User, error) {
	var rows []SQLUser
	if err := d.gormDB.WithContext(ctx).Where("username = ?", username).Limit(1).Find(&rows).Error; err != nil {
		return User{}, errors.Trace(err)
	}
	if len(rows) == 0 {
		return User{}, errors.Annotate(ErrUserNotExist, username)
	}
	return User(rows[0]), nil
}

// VerifyUser marks the e-mail address of a user as verified.
func (d *SQLDatabase) VerifyUser(ctx context.Context, username string) error {
	if _, err := d.GetUser(ctx, username); err != nil {
		return err
	}
	err := d.gormDB.WithContext(ctx).Model(&SQLUser{}).Where("username = ?", username).Update("is_verified", true).Error
	return errors.Trace(err)
}

func toBooks(rows []SQLBook) []Book {
	return lo.Map(rows, func(row SQLBook, _ int) Book {
		return Book(row)
	})
}

func toRatings(rows []SQLRating) []Rating {
	return lo.Map(rows, func(row SQLRating, _ int) Rating {
		return Rating(row)
	})
}
