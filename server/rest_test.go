// Copyright 2020 gorse Project Authors
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

package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/emicklei/go-restful/v3"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorse-io/bookshelf/config"
	"github.com/gorse-io/bookshelf/logics"
	"github.com/gorse-io/bookshelf/model/similarity"
	"github.com/gorse-io/bookshelf/storage/data"
	"github.com/gorse-io/bookshelf/storage/otp"
	"github.com/juju/errors"
	"github.com/steinfletcher/apitest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"
	"go.opentelemetry.io/otel/trace/noop"
)

const jwtSecret = "test-secret"

type mockNotifier struct {
	mu    sync.Mutex
	codes map[string]string
	err   error
}

func (n *mockNotifier) Notify(_ context.Context, username, _ string, code string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.codes[username] = code
	return nil
}

func (n *mockNotifier) code(username string) string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.codes[username]
}

// failingVerify makes VerifyUser fail.
type failingVerify struct {
	data.Database
}

func (failingVerify) VerifyUser(context.Context, string) error {
	return errors.New("database unavailable")
}

type ServerTestSuite struct {
	suite.Suite
	RestServer
	notifier *mockNotifier
	handler  *restful.Container
}

func (suite *ServerTestSuite) SetupSuite() {
	var err error
	suite.Config = config.GetDefaultConfig()
	suite.Config.Server.JWTSecret = jwtSecret
	// open database
	suite.DataClient, err = data.Open(fmt.Sprintf("sqlite://%s/data.db", suite.T().TempDir()), "")
	suite.NoError(err)
	err = suite.DataClient.Init()
	suite.NoError(err)
	// similarity index over the first three books
	index, err := similarity.NewDense([]string{"1001", "1002", "1003"}, [][]float32{
		{1.0, 0.9, 0.2},
		{0.9, 1.0, 0.5},
		{0.2, 0.5, 1.0},
	})
	suite.NoError(err)
	suite.Recommender = logics.NewRecommender(index, suite.DataClient, logics.DefaultNumRecommend)
	suite.Searcher = logics.NewSearcher(suite.DataClient, logics.DefaultMaxPrice, logics.DefaultSearchLimit)
	suite.OTPStore = otp.NewLocal(time.Minute)
	suite.notifier = &mockNotifier{codes: make(map[string]string)}
	suite.Notifier = suite.notifier
	// create handler
	suite.WebService = new(restful.WebService)
	suite.handler = suite.NewContainer(noop.NewTracerProvider())
}

func (suite *ServerTestSuite) TearDownSuite() {
	suite.NoError(suite.OTPStore.Close())
	suite.NoError(suite.DataClient.Close())
}

func (suite *ServerTestSuite) SetupTest() {
	ctx := context.Background()
	suite.NoError(suite.DataClient.Purge())
	suite.OTPLimiter = nil
	suite.notifier.err = nil
	err := suite.DataClient.BatchInsertBooks(ctx, []data.Book{
		{ISBN: "1001", Title: "Alpha", Author: "Ann", Genre: "Fiction", Price: 10, ImageURL: "http://img/1001.jpg"},
		{ISBN: "1002", Title: "Beta", Author: "Ann", Genre: "Fiction", Price: 20, ImageURL: "http://img/1002.jpg"},
		{ISBN: "1003", Title: "Gamma", Author: "Bob", Genre: "Fiction", Price: 30},
		{ISBN: "2001", Title: "Solo", Author: "Cid", Genre: "Poetry", Price: 50},
	})
	suite.NoError(err)
	for _, user := range []data.User{
		{Username: "alice", Email: "alice@example.com", IsVerified: true},
		{Username: "bob", Email: "bob@example.com"},
		{Username: "root", Email: "root@example.com", IsVerified: true, IsAdmin: true},
	} {
		suite.NoError(suite.DataClient.InsertUser(ctx, user))
	}
}

func (suite *ServerTestSuite) marshal(v interface{}) string {
	s, err := json.Marshal(v)
	suite.NoError(err)
	return string(s)
}

func (suite *ServerTestSuite) bearer(username string) string {
	token, err := SignToken(jwtSecret, username, time.Hour)
	suite.NoError(err)
	return "Bearer " + token
}

func (suite *ServerTestSuite) TestRecommend() {
	t := suite.T()
	apitest.New().
		Handler(suite.handler).
		Get("/api/recommend").
		Query("isbn", "1001").
		Expect(t).
		Status(http.StatusOK).
		Header("Access-Control-Allow-Origin", "*").
		Body(suite.marshal([]logics.BookCard{
			{Title: "Beta", Author: "Ann", Image: "https://img/1002.jpg", Genre: "Fiction", Price: 20, ISBN: "1002"},
			{Title: "Gamma", Author: "Bob", Genre: "Fiction", Price: 30, ISBN: "1003"},
		})).
		End()
	// not indexed and nothing related
	apitest.New().
		Handler(suite.handler).
		Get("/api/recommend").
		Query("isbn", "2001").
		Expect(t).
		Status(http.StatusOK).
		Body(`[]`).
		End()
	apitest.New().
		Handler(suite.handler).
		Get("/api/recommend").
		Query("isbn", "9999").
		Expect(t).
		Status(http.StatusOK).
		Body(`[]`).
		End()
	// blank identifiers are not indexed
	apitest.New().
		Handler(suite.handler).
		Get("/api/recommend").
		Query("isbn", "   ").
		Expect(t).
		Status(http.StatusOK).
		Body(`[]`).
		End()
	apitest.New().
		Handler(suite.handler).
		Get("/api/recommend").
		Expect(t).
		Status(http.StatusBadRequest).
		Body("Book ISBN is required").
		End()
}

func (suite *ServerTestSuite) TestRequestId() {
	t := suite.T()
	apitest.New().
		Handler(suite.handler).
		Get("/api/recommend").
		Query("isbn", "1001").
		Header("X-Request-ID", "abc").
		Expect(t).
		Status(http.StatusOK).
		Header("X-Request-ID", "abc").
		End()
	apitest.New().
		Handler(suite.handler).
		Get("/api/recommend").
		Query("isbn", "1001").
		Expect(t).
		Status(http.StatusOK).
		HeaderPresent("X-Request-ID").
		End()
}

func (suite *ServerTestSuite) TestSearch() {
	t := suite.T()
	ctx := context.Background()
	suite.NoError(suite.DataClient.UpsertRating(ctx, data.Rating{UserId: "alice", BookTitle: "Alpha", Score: 8}))
	suite.NoError(suite.DataClient.UpsertRating(ctx, data.Rating{UserId: "root", BookTitle: "Alpha", Score: 9}))
	alpha := logics.SearchResult{
		BookCard:      logics.BookCard{Title: "Alpha", Author: "Ann", Image: "https://img/1001.jpg", Genre: "Fiction", Price: 10, ISBN: "1001"},
		AverageRating: 8.5,
		RatingCount:   2,
	}
	// anonymous
	apitest.New().
		Handler(suite.handler).
		Get("/api/search").
		Query("q", "ALP").
		Expect(t).
		Status(http.StatusOK).
		Body(suite.marshal([]logics.SearchResult{alpha})).
		End()
	// invalid token is treated as anonymous
	apitest.New().
		Handler(suite.handler).
		Get("/api/search").
		Query("q", "alp").
		Header("Authorization", "Bearer broken").
		Expect(t).
		Status(http.StatusOK).
		Body(suite.marshal([]logics.SearchResult{alpha})).
		End()
	// signed in
	alpha.UserRating = 8
	apitest.New().
		Handler(suite.handler).
		Get("/api/search").
		Query("q", "alp").
		Header("Authorization", suite.bearer("alice")).
		Expect(t).
		Status(http.StatusOK).
		Body(suite.marshal([]logics.SearchResult{alpha})).
		End()
	// default price excludes Solo
	var results []logics.SearchResult
	apitest.New().
		Handler(suite.handler).
		Get("/api/search").
		Expect(t).
		Status(http.StatusOK).
		End().
		JSON(&results)
	assert.Len(t, results, 3)
	apitest.New().
		Handler(suite.handler).
		Get("/api/search").
		Query("genre", "Poetry").
		Query("price", "100").
		Expect(t).
		Status(http.StatusOK).
		End().
		JSON(&results)
	if assert.Len(t, results, 1) {
		assert.Equal(t, "2001", results[0].ISBN)
	}
	apitest.New().
		Handler(suite.handler).
		Get("/api/search").
		Query("price", "cheap").
		Expect(t).
		Status(http.StatusBadRequest).
		End()
}

func (suite *ServerTestSuite) TestRate() {
	t := suite.T()
	apitest.New().
		Handler(suite.handler).
		Post("/api/rate").
		Header("Authorization", suite.bearer("alice")).
		JSON(RateRequest{Title: "Alpha", Rating: 7}).
		Expect(t).
		Status(http.StatusOK).
		Body(suite.marshal(Message{Msg: "Successfully rated 'Alpha' with 7"})).
		End()
	// overwrite
	apitest.New().
		Handler(suite.handler).
		Post("/api/rate").
		Header("Authorization", suite.bearer("alice")).
		JSON(RateRequest{Title: "Alpha", Rating: 9}).
		Expect(t).
		Status(http.StatusOK).
		End()
	apitest.New().
		Handler(suite.handler).
		Get("/api/rating").
		Query("title", "Alpha").
		Header("Authorization", suite.bearer("alice")).
		Expect(t).
		Status(http.StatusOK).
		Body(suite.marshal(data.Rating{UserId: "alice", BookTitle: "Alpha", Score: 9})).
		End()
	apitest.New().
		Handler(suite.handler).
		Get("/api/rating").
		Query("title", "Beta").
		Header("Authorization", suite.bearer("alice")).
		Expect(t).
		Status(http.StatusNotFound).
		End()
	apitest.New().
		Handler(suite.handler).
		Get("/api/rating").
		Header("Authorization", suite.bearer("alice")).
		Expect(t).
		Status(http.StatusBadRequest).
		End()
	// out of range
	for _, score := range []int{0, 11} {
		apitest.New().
			Handler(suite.handler).
			Post("/api/rate").
			Header("Authorization", suite.bearer("alice")).
			JSON(RateRequest{Title: "Alpha", Rating: score}).
			Expect(t).
			Status(http.StatusBadRequest).
			End()
	}
	apitest.New().
		Handler(suite.handler).
		Post("/api/rate").
		Header("Authorization", suite.bearer("alice")).
		JSON(RateRequest{Rating: 5}).
		Expect(t).
		Status(http.StatusBadRequest).
		End()
	// unverified
	apitest.New().
		Handler(suite.handler).
		Post("/api/rate").
		Header("Authorization", suite.bearer("bob")).
		JSON(RateRequest{Title: "Alpha", Rating: 5}).
		Expect(t).
		Status(http.StatusForbidden).
		Body("Email not verified. Please verify your email to rate books.").
		End()
	// anonymous
	apitest.New().
		Handler(suite.handler).
		Post("/api/rate").
		JSON(RateRequest{Title: "Alpha", Rating: 5}).
		Expect(t).
		Status(http.StatusUnauthorized).
		End()
}

func (suite *ServerTestSuite) TestMyRatings() {
	t := suite.T()
	ctx := context.Background()
	suite.NoError(suite.DataClient.UpsertRating(ctx, data.Rating{UserId: "alice", BookTitle: "Alpha", Score: 8}))
	suite.NoError(suite.DataClient.UpsertRating(ctx, data.Rating{UserId: "alice", BookTitle: "Gamma", Score: 3}))
	suite.NoError(suite.DataClient.UpsertRating(ctx, data.Rating{UserId: "alice", BookTitle: "Lost", Score: 6}))
	apitest.New().
		Handler(suite.handler).
		Get("/api/my-ratings").
		Header("Authorization", suite.bearer("alice")).
		Expect(t).
		Status(http.StatusOK).
		Body(suite.marshal([]RatedBook{
			{Title: "Alpha", Author: "Ann", Image: "https://img/1001.jpg", ISBN: "1001", UserRating: 8},
			{Title: "Gamma", Author: "Bob", ISBN: "1003", UserRating: 3},
		})).
		End()
	apitest.New().
		Handler(suite.handler).
		Get("/api/my-ratings").
		Header("Authorization", suite.bearer("bob")).
		Expect(t).
		Status(http.StatusOK).
		Body(`[]`).
		End()
}

func (suite *ServerTestSuite) TestProfile() {
	t := suite.T()
	apitest.New().
		Handler(suite.handler).
		Get("/api/profile").
		Header("Authorization", suite.bearer("root")).
		Expect(t).
		Status(http.StatusOK).
		Body(suite.marshal(Profile{Username: "root", IsAdmin: true, IsVerified: true})).
		End()
	apitest.New().
		Handler(suite.handler).
		Get("/api/profile").
		Header("Authorization", suite.bearer("ghost")).
		Expect(t).
		Status(http.StatusNotFound).
		Body("User not found").
		End()
	apitest.New().
		Handler(suite.handler).
		Get("/api/profile").
		Header("Authorization", "Bearer broken").
		Expect(t).
		Status(http.StatusUnauthorized).
		End()
}

func (suite *ServerTestSuite) TestInsertBook() {
	t := suite.T()
	book := data.Book{ISBN: "3001", Title: "Delta", Author: "Dee", Genre: "Fiction", Price: 12}
	apitest.New().
		Handler(suite.handler).
		Post("/api/admin/book").
		Header("Authorization", suite.bearer("root")).
		JSON(book).
		Expect(t).
		Status(http.StatusCreated).
		Body(suite.marshal(Message{Msg: "Book added successfully"})).
		End()
	stored, err := suite.DataClient.GetBook(context.Background(), "3001")
	suite.NoError(err)
	suite.Equal(book, stored)
	// duplicate
	apitest.New().
		Handler(suite.handler).
		Post("/api/admin/book").
		Header("Authorization", suite.bearer("root")).
		JSON(book).
		Expect(t).
		Status(http.StatusBadRequest).
		Body("Book with this ISBN already exists").
		End()
	// missing author
	apitest.New().
		Handler(suite.handler).
		Post("/api/admin/book").
		Header("Authorization", suite.bearer("root")).
		JSON(data.Book{ISBN: "3002", Title: "Epsilon"}).
		Expect(t).
		Status(http.StatusBadRequest).
		Body("Missing required book fields").
		End()
	// not admin
	apitest.New().
		Handler(suite.handler).
		Post("/api/admin/book").
		Header("Authorization", suite.bearer("alice")).
		JSON(data.Book{ISBN: "3003", Title: "Zeta", Author: "Zed"}).
		Expect(t).
		Status(http.StatusForbidden).
		Body("Admins only! Access denied.").
		End()
}

func (suite *ServerTestSuite) TestVerification() {
	t := suite.T()
	apitest.New().
		Handler(suite.handler).
		Post("/api/verification/otp").
		Header("Authorization", suite.bearer("bob")).
		Expect(t).
		Status(http.StatusOK).
		Body(suite.marshal(Message{Msg: "OTP sent successfully"})).
		End()
	code := suite.notifier.code("bob")
	assert.Regexp(t, `^[1-9]\d{5}$`, code)
	// wrong code
	wrong := "100000"
	if code == wrong {
		wrong = "100001"
	}
	apitest.New().
		Handler(suite.handler).
		Post("/api/verification/verify").
		Header("Authorization", suite.bearer("bob")).
		JSON(VerifyRequest{OTP: wrong}).
		Expect(t).
		Status(http.StatusBadRequest).
		Body("Invalid or expired OTP").
		End()
	apitest.New().
		Handler(suite.handler).
		Post("/api/verification/verify").
		Header("Authorization", suite.bearer("bob")).
		JSON(VerifyRequest{OTP: code}).
		Expect(t).
		Status(http.StatusOK).
		Body(suite.marshal(Message{Msg: "Email verified successfully!"})).
		End()
	user, err := suite.DataClient.GetUser(context.Background(), "bob")
	suite.NoError(err)
	suite.True(user.IsVerified)
	// the code is consumed
	apitest.New().
		Handler(suite.handler).
		Post("/api/verification/verify").
		Header("Authorization", suite.bearer("bob")).
		JSON(VerifyRequest{OTP: code}).
		Expect(t).
		Status(http.StatusBadRequest).
		End()
	// already verified
	apitest.New().
		Handler(suite.handler).
		Post("/api/verification/otp").
		Header("Authorization", suite.bearer("bob")).
		Expect(t).
		Status(http.StatusBadRequest).
		Body("User is already verified").
		End()
}

func (suite *ServerTestSuite) TestVerificationLimit() {
	t := suite.T()
	suite.OTPLimiter = NewOTPLimiter(1)
	apitest.New().
		Handler(suite.handler).
		Post("/api/verification/otp").
		Header("Authorization", suite.bearer("bob")).
		Expect(t).
		Status(http.StatusOK).
		End()
	apitest.New().
		Handler(suite.handler).
		Post("/api/verification/otp").
		Header("Authorization", suite.bearer("bob")).
		Expect(t).
		Status(http.StatusTooManyRequests).
		End()
}

func (suite *ServerTestSuite) TestVerificationStoreFailed() {
	t := suite.T()
	apitest.New().
		Handler(suite.handler).
		Post("/api/verification/otp").
		Header("Authorization", suite.bearer("bob")).
		Expect(t).
		Status(http.StatusOK).
		End()
	code := suite.notifier.code("bob")
	database := suite.DataClient
	suite.DataClient = failingVerify{Database: database}
	apitest.New().
		Handler(suite.handler).
		Post("/api/verification/verify").
		Header("Authorization", suite.bearer("bob")).
		JSON(VerifyRequest{OTP: code}).
		Expect(t).
		Status(http.StatusInternalServerError).
		End()
	suite.DataClient = database
	// the code is still valid
	apitest.New().
		Handler(suite.handler).
		Post("/api/verification/verify").
		Header("Authorization", suite.bearer("bob")).
		JSON(VerifyRequest{OTP: code}).
		Expect(t).
		Status(http.StatusOK).
		End()
	user, err := suite.DataClient.GetUser(context.Background(), "bob")
	suite.NoError(err)
	suite.True(user.IsVerified)
}

func (suite *ServerTestSuite) TestVerificationNotifyFailed() {
	t := suite.T()
	suite.notifier.err = errors.New("smtp unavailable")
	apitest.New().
		Handler(suite.handler).
		Post("/api/verification/otp").
		Header("Authorization", suite.bearer("bob")).
		Expect(t).
		Status(http.StatusInternalServerError).
		End()
}

func (suite *ServerTestSuite) TestAPIDocs() {
	t := suite.T()
	apitest.New().
		Handler(suite.handler).
		Get(apiSpecPath).
		Expect(t).
		Status(http.StatusOK).
		End()
}

func TestServer(t *testing.T) {
	suite.Run(t, new(ServerTestSuite))
}

func TestParseToken(t *testing.T) {
	token, err := SignToken(jwtSecret, "alice", time.Hour)
	assert.NoError(t, err)
	username, err := ParseToken(jwtSecret, token)
	assert.NoError(t, err)
	assert.Equal(t, "alice", username)

	// wrong secret
	_, err = ParseToken("other", token)
	assert.True(t, errors.IsUnauthorized(err))

	// expired
	token, err = SignToken(jwtSecret, "alice", -time.Minute)
	assert.NoError(t, err)
	_, err = ParseToken(jwtSecret, token)
	assert.True(t, errors.IsUnauthorized(err))

	// other algorithm
	token, err = jwt.NewWithClaims(jwt.SigningMethodHS512, jwt.RegisteredClaims{Subject: "alice"}).
		SignedString([]byte(jwtSecret))
	assert.NoError(t, err)
	_, err = ParseToken(jwtSecret, token)
	assert.True(t, errors.IsUnauthorized(err))

	// no subject
	token, err = jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{}).
		SignedString([]byte(jwtSecret))
	assert.NoError(t, err)
	_, err = ParseToken(jwtSecret, token)
	assert.True(t, errors.IsUnauthorized(err))
}

func TestNewOTPLimiter(t *testing.T) {
	assert.Nil(t, NewOTPLimiter(0))
	limiter := NewOTPLimiter(2)
	assert.Equal(t, int64(2), limiter.TakeAvailable(5))
	assert.Equal(t, int64(0), limiter.TakeAvailable(1))
}
