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
	"strings"
	"time"

	"github.com/XSAM/otelsql"
	"github.com/gorse-io/bookshelf/base/log"
	"github.com/gorse-io/bookshelf/storage"
	"github.com/juju/errors"
	"github.com/samber/lo"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/x/mongo/driver/connstring"
	"go.opentelemetry.io/contrib/instrumentation/go.mongodb.org/mongo-driver/mongo/otelmongo"
	"go.opentelemetry.io/otel/attribute"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"moul.io/zapgorm2"
)

var (
	ErrBookNotExist   = errors.NotFoundf("book")
	ErrUserNotExist   = errors.NotFoundf("user")
	ErrRatingNotExist = errors.NotFoundf("rating")
	ErrBookExists     = errors.AlreadyExistsf("book")
)

// Book is a catalog entry. ISBN is the unique key.
type Book struct {
	ISBN      string  `json:"isbn" bson:"_id"`
	Title     string  `json:"title" bson:"title"`
	Author    string  `json:"author" bson:"author"`
	Year      string  `json:"year" bson:"year"`
	Publisher string  `json:"publisher" bson:"publisher"`
	ImageURL  string  `json:"image_url_m" bson:"image_url_m"`
	Genre     string  `json:"genre" bson:"genre"`
	Price     float64 `json:"price" bson:"price"`
}

// Rating is the score a user gave to a book. Ratings reference books by title,
// so books sharing a title share their ratings.
type Rating struct {
	UserId    string `json:"user_id" bson:"user_id"`
	BookTitle string `json:"title" bson:"book_title"`
	Score     int    `json:"rating" bson:"rating"`
}

// User is a catalog user. Accounts are provisioned by the authentication
// service; the catalog only tracks verification and admin flags.
type User struct {
	Username   string `json:"username" bson:"_id"`
	Email      string `json:"email" bson:"email"`
	IsVerified bool   `json:"is_verified" bson:"is_verified"`
	IsAdmin    bool   `json:"is_admin" bson:"is_admin"`
}

// BookQuery filters books. Empty Text or Genre disables the filter.
type BookQuery struct {
	Text     string
	Genre    string
	MaxPrice float64
	Limit    int
}

type Database interface {
	Init() error
	Ping() error
	Close() error
	Purge() error
	BatchInsertBooks(ctx context.Context, books []Book) error
	InsertBook(ctx context.Context, book Book) error
	GetBook(ctx context.Context, isbn string) (Book, error)
	GetBookByTitle(ctx context.Context, title string) (Book, error)
	GetBooksByAuthor(ctx context.Context, author, excludeISBN string, n int) ([]Book, error)
	GetBooksByGenre(ctx context.Context, genre string, excludeTitles []string, n int) ([]Book, error)
	SearchBooks(ctx context.Context, query BookQuery) ([]Book, error)
	GetBookStream(ctx context.Context, batchSize int) (chan []Book, chan error)
	UpsertRating(ctx context.Context, rating Rating) error
	GetRating(ctx context.Context, userId, title string) (Rating, error)
	GetRatingsByTitles(ctx context.Context, titles ...string) ([]Rating, error)
	GetUserRatings(ctx context.Context, userId string) ([]Rating, error)
	GetRatingStream(ctx context.Context, batchSize int) (chan []Rating, chan error)
	InsertUser(ctx context.Context, user User) error
	GetUser(ctx context.Context, username string) (User, error)
	VerifyUser(ctx context.Context, username string) error
}

// Open a connection to a database.
func Open(path, tablePrefix string) (Database, error) {
	var err error
	if strings.HasPrefix(path, storage.MySQLPrefix) {
		name := path[len(storage.MySQLPrefix):]
		if name, err = storage.AppendMySQLParams(name, map[string]string{
			"sql_mode":  "'ONLY_FULL_GROUP_BY,STRICT_TRANS_TABLES,ERROR_FOR_DIVISION_BY_ZERO,NO_ENGINE_SUBSTITUTION'",
			"parseTime": "true",
			"charset":   "utf8mb4",
		}); err != nil {
			return nil, errors.Trace(err)
		}
		database := new(SQLDatabase)
		database.driver = MySQL
		database.TablePrefix = storage.TablePrefix(tablePrefix)
		if database.client, err = otelsql.Open("mysql", name,
			otelsql.WithAttributes(attribute.String("db.system", "mysql")),
			otelsql.WithSpanOptions(otelsql.SpanOptions{DisableErrSkip: true}),
		); err != nil {
			return nil, errors.Trace(err)
		}
		database.gormDB, err = gorm.Open(mysql.New(mysql.Config{Conn: database.client}), storage.NewGORMConfig(tablePrefix))
		if err != nil {
			return nil, errors.Trace(err)
		}
		return database, nil
	} else if strings.HasPrefix(path, storage.PostgresPrefix) || strings.HasPrefix(path, storage.PostgreSQLPrefix) {
		database := new(SQLDatabase)
		database.driver = Postgres
		database.TablePrefix = storage.TablePrefix(tablePrefix)
		if database.client, err = otelsql.Open("postgres", path,
			otelsql.WithAttributes(attribute.String("db.system", "postgresql")),
			otelsql.WithSpanOptions(otelsql.SpanOptions{DisableErrSkip: true}),
		); err != nil {
			return nil, errors.Trace(err)
		}
		database.gormDB, err = gorm.Open(postgres.New(postgres.Config{Conn: database.client}), storage.NewGORMConfig(tablePrefix))
		if err != nil {
			return nil, errors.Trace(err)
		}
		return database, nil
	} else if strings.HasPrefix(path, storage.MongoPrefix) || strings.HasPrefix(path, storage.MongoSrvPrefix) {
		database := new(MongoDB)
		opts := options.Client()
		opts.Monitor = otelmongo.NewMonitor()
		opts.ApplyURI(path)
		if database.client, err = mongo.Connect(context.Background(), opts); err != nil {
			return nil, errors.Trace(err)
		}
		// parse DSN and extract database name
		if cs, err := connstring.ParseAndValidate(path); err != nil {
			return nil, errors.Trace(err)
		} else {
			database.dbName = cs.Database
			database.TablePrefix = storage.TablePrefix(tablePrefix)
		}
		return database, nil
	} else if strings.HasPrefix(path, storage.SQLitePrefix) {
		if path, err = storage.AppendURLParams(path, []lo.Tuple2[string, string]{
			{A: "_pragma", B: "busy_timeout(10000)"},
			{A: "_pragma", B: "journal_mode(wal)"},
		}); err != nil {
			return nil, errors.Trace(err)
		}
		name := path[len(storage.SQLitePrefix):]
		database := new(SQLDatabase)
		database.driver = SQLite
		database.TablePrefix = storage.TablePrefix(tablePrefix)
		if database.client, err = otelsql.Open("sqlite", name,
			otelsql.WithAttributes(attribute.String("db.system", "sqlite")),
			otelsql.WithSpanOptions(otelsql.SpanOptions{DisableErrSkip: true}),
		); err != nil {
			return nil, errors.Trace(err)
		}
		gormConfig := storage.NewGORMConfig(tablePrefix)
		gormConfig.Logger = &zapgorm2.Logger{
			ZapLogger:                 log.Logger(),
			LogLevel:                  logger.Warn,
			SlowThreshold:             10 * time.Second,
			SkipCallerLookup:          false,
			IgnoreRecordNotFoundError: true,
		}
		database.gormDB, err = gorm.Open(sqlite.Dialector{Conn: database.client}, gormConfig)
		if err != nil {
			return nil, errors.Trace(err)
		}
		return database, nil
	}
	return nil, errors.Errorf("Unknown database: %s", log.RedactDBURL(path))
}
