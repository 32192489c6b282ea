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
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	restfulspec "github.com/emicklei/go-restful-openapi/v2"
	"github.com/emicklei/go-restful/v3"
	"github.com/google/uuid"
	"github.com/gorse-io/bookshelf/base/log"
	"github.com/gorse-io/bookshelf/config"
	"github.com/gorse-io/bookshelf/logics"
	"github.com/gorse-io/bookshelf/storage/data"
	"github.com/gorse-io/bookshelf/storage/otp"
	"github.com/juju/errors"
	"github.com/juju/ratelimit"
	"go.uber.org/zap"
)

const (
	MinScore = 1
	MaxScore = 10
)

// RestServer implements a REST-ful API server.
type RestServer struct {
	Config      *config.Config
	DataClient  data.Database
	Recommender *logics.Recommender
	Searcher    *logics.Searcher
	OTPStore    otp.Store
	Notifier    otp.Notifier
	// OTPLimiter bounds the number of codes issued by this server. Nil disables the limit.
	OTPLimiter *ratelimit.Bucket
	WebService *restful.WebService
}

// NewOTPLimiter creates a token bucket refilled with perMinute codes every minute.
func NewOTPLimiter(perMinute int) *ratelimit.Bucket {
	if perMinute <= 0 {
		return nil
	}
	return ratelimit.NewBucketWithQuantum(time.Minute, int64(perMinute), int64(perMinute))
}

// RequestIdFilter tags every response with a request id. An id sent by the
// client is kept.
func RequestIdFilter(req *restful.Request, resp *restful.Response, chain *restful.FilterChain) {
	requestId := req.HeaderParameter("X-Request-ID")
	if requestId == "" {
		requestId = uuid.New().String()
	}
	resp.Header().Set("X-Request-ID", requestId)
	chain.ProcessFilter(req, resp)
}

func LogFilter(req *restful.Request, resp *restful.Response, chain *restful.FilterChain) {
	start := time.Now()
	chain.ProcessFilter(req, resp)
	RequestDuration.WithLabelValues(req.SelectedRoutePath(), strconv.Itoa(resp.StatusCode())).
		Observe(time.Since(start).Seconds())
	log.ResponseLogger(resp).Info(fmt.Sprintf("%s %s", req.Request.Method, req.Request.URL),
		zap.Int("status_code", resp.StatusCode()),
		zap.Duration("duration", time.Since(start)))
}

// CreateWebService creates web service.
func (s *RestServer) CreateWebService() {
	// Create a server
	ws := s.WebService
	ws.Consumes(restful.MIME_JSON).Produces(restful.MIME_JSON)
	ws.Path("/api/")
	ws.Filter(RequestIdFilter)
	ws.Filter(LogFilter)

	/* Recommendation and search */

	ws.Route(ws.GET("/recommend").To(s.getRecommend).
		Doc("Get books similar to a book.").
		Metadata(restfulspec.KeyOpenAPITags, []string{"recommendation"}).
		Param(ws.QueryParameter("isbn", "ISBN of the book").DataType("string").Required(true)).
		Writes([]logics.BookCard{}))
	ws.Route(ws.GET("/search").To(s.searchBooks).
		Filter(s.optionalUser).
		Doc("Search books with aggregated ratings.").
		Metadata(restfulspec.KeyOpenAPITags, []string{"search"}).
		Param(ws.HeaderParameter("Authorization", "optional bearer token")).
		Param(ws.QueryParameter("q", "case-insensitive title substring").DataType("string")).
		Param(ws.QueryParameter("genre", "genre of books").DataType("string").DefaultValue(logics.AllGenres)).
		Param(ws.QueryParameter("price", "maximum price").DataType("number")).
		Writes([]logics.SearchResult{}))

	/* Ratings */

	ws.Route(ws.POST("/rate").To(s.rateBook).
		Filter(s.requireUser).
		Filter(s.requireVerified).
		Doc("Rate a book by title.").
		Metadata(restfulspec.KeyOpenAPITags, []string{"rating"}).
		Param(ws.HeaderParameter("Authorization", "bearer token")).
		Reads(RateRequest{}).
		Writes(Message{}))
	ws.Route(ws.GET("/rating").To(s.getRating).
		Filter(s.requireUser).
		Doc("Get the rating of the current user on a title.").
		Metadata(restfulspec.KeyOpenAPITags, []string{"rating"}).
		Param(ws.HeaderParameter("Authorization", "bearer token")).
		Param(ws.QueryParameter("title", "title of the book").DataType("string").Required(true)).
		Writes(data.Rating{}))
	ws.Route(ws.GET("/my-ratings").To(s.getMyRatings).
		Filter(s.requireUser).
		Doc("Get books rated by the current user.").
		Metadata(restfulspec.KeyOpenAPITags, []string{"rating"}).
		Param(ws.HeaderParameter("Authorization", "bearer token")).
		Writes([]RatedBook{}))

	/* Users */

	ws.Route(ws.GET("/profile").To(s.getProfile).
		Filter(s.requireUser).
		Doc("Get the profile of the current user.").
		Metadata(restfulspec.KeyOpenAPITags, []string{"user"}).
		Param(ws.HeaderParameter("Authorization", "bearer token")).
		Writes(Profile{}))
	ws.Route(ws.POST("/verification/otp").To(s.sendVerificationCode).
		Filter(s.requireUser).
		Doc("Send a verification code to the current user.").
		Metadata(restfulspec.KeyOpenAPITags, []string{"user"}).
		Param(ws.HeaderParameter("Authorization", "bearer token")).
		Writes(Message{}))
	ws.Route(ws.POST("/verification/verify").To(s.verifyCode).
		Filter(s.requireUser).
		Doc("Verify the current user with a code.").
		Metadata(restfulspec.KeyOpenAPITags, []string{"user"}).
		Param(ws.HeaderParameter("Authorization", "bearer token")).
		Reads(VerifyRequest{}).
		Writes(Message{}))

	/* Catalog administration */

	ws.Route(ws.POST("/admin/book").To(s.insertBook).
		Filter(s.requireUser).
		Filter(s.requireAdmin).
		Doc("Insert a book.").
		Metadata(restfulspec.KeyOpenAPITags, []string{"admin"}).
		Param(ws.HeaderParameter("Authorization", "bearer token")).
		Reads(data.Book{}).
		Returns(http.StatusCreated, "book inserted", Message{}))
}

// ParseInt parses integers from the query parameter.
func ParseInt(request *restful.Request, name string, fallback int) (value int, err error) {
	valueString := request.QueryParameter(name)
	value, err = strconv.Atoi(valueString)
	if err != nil && valueString == "" {
		value = fallback
		err = nil
	}
	return
}

// ParseFloat parses a float from the query parameter. Nil is returned if the
// parameter is absent.
func ParseFloat(request *restful.Request, name string) (*float64, error) {
	valueString := request.QueryParameter(name)
	if valueString == "" {
		return nil, nil
	}
	value, err := strconv.ParseFloat(valueString, 64)
	if err != nil {
		return nil, errors.NotValidf("%s %q", name, valueString)
	}
	return &value, nil
}

func (s *RestServer) getRecommend(request *restful.Request, response *restful.Response) {
	isbn := request.QueryParameter("isbn")
	if isbn == "" {
		BadRequest(response, errors.New("Book ISBN is required"))
		return
	}
	Ok(response, s.Recommender.Recommend(request.Request.Context(), isbn))
}

func (s *RestServer) searchBooks(request *restful.Request, response *restful.Response) {
	maxPrice, err := ParseFloat(request, "price")
	if err != nil {
		BadRequest(response, err)
		return
	}
	genre := request.QueryParameter("genre")
	if genre == "" {
		genre = logics.AllGenres
	}
	results, err := s.Searcher.Search(request.Request.Context(), logics.SearchQuery{
		Text:     request.QueryParameter("q"),
		Genre:    genre,
		MaxPrice: maxPrice,
		UserId:   currentUsername(request),
	})
	if err != nil {
		InternalServerError(response, err)
		return
	}
	Ok(response, results)
}

type RateRequest struct {
	Title  string `json:"title"`
	Rating int    `json:"rating"`
}

func (s *RestServer) rateBook(request *restful.Request, response *restful.Response) {
	user := currentUser(request)
	var body RateRequest
	if err := request.ReadEntity(&body); err != nil {
		BadRequest(response, err)
		return
	}
	if strings.TrimSpace(body.Title) == "" {
		BadRequest(response, errors.New("Book title is required"))
		return
	}
	if body.Rating < MinScore || body.Rating > MaxScore {
		BadRequest(response, errors.NotValidf("rating %d", body.Rating))
		return
	}
	if err := s.DataClient.UpsertRating(request.Request.Context(), data.Rating{
		UserId:    user.Username,
		BookTitle: body.Title,
		Score:     body.Rating,
	}); err != nil {
		InternalServerError(response, err)
		return
	}
	Ok(response, Message{Msg: fmt.Sprintf("Successfully rated '%s' with %d", body.Title, body.Rating)})
}

func (s *RestServer) getRating(request *restful.Request, response *restful.Response) {
	user := currentUser(request)
	title := request.QueryParameter("title")
	if title == "" {
		BadRequest(response, errors.New("Book title is required"))
		return
	}
	rating, err := s.DataClient.GetRating(request.Request.Context(), user.Username, title)
	if errors.IsNotFound(err) {
		PageNotFound(response, err)
		return
	} else if err != nil {
		InternalServerError(response, err)
		return
	}
	Ok(response, rating)
}

// RatedBook is a rating of the current user joined to the first book with the title.
type RatedBook struct {
	Title      string `json:"title"`
	Author     string `json:"author"`
	Image      string `json:"image"`
	ISBN       string `json:"isbn"`
	UserRating int    `json:"user_rating"`
}

func (s *RestServer) getMyRatings(request *restful.Request, response *restful.Response) {
	ctx := request.Request.Context()
	user := currentUser(request)
	ratings, err := s.DataClient.GetUserRatings(ctx, user.Username)
	if err != nil {
		InternalServerError(response, err)
		return
	}
	books := make([]RatedBook, 0, len(ratings))
	for _, rating := range ratings {
		book, err := s.DataClient.GetBookByTitle(ctx, rating.BookTitle)
		if errors.IsNotFound(err) {
			continue
		} else if err != nil {
			InternalServerError(response, err)
			return
		}
		books = append(books, RatedBook{
			Title:      rating.BookTitle,
			Author:     book.Author,
			Image:      logics.SecureImageURL(book.ImageURL),
			ISBN:       book.ISBN,
			UserRating: rating.Score,
		})
	}
	Ok(response, books)
}

type Profile struct {
	Username   string `json:"username"`
	IsAdmin    bool   `json:"is_admin"`
	IsVerified bool   `json:"is_verified"`
}

func (s *RestServer) getProfile(request *restful.Request, response *restful.Response) {
	user := currentUser(request)
	Ok(response, Profile{
		Username:   user.Username,
		IsAdmin:    user.IsAdmin,
		IsVerified: user.IsVerified,
	})
}

func (s *RestServer) insertBook(request *restful.Request, response *restful.Response) {
	var book data.Book
	if err := request.ReadEntity(&book); err != nil {
		BadRequest(response, err)
		return
	}
	if book.ISBN == "" || book.Title == "" || book.Author == "" {
		BadRequest(response, errors.New("Missing required book fields"))
		return
	}
	if err := s.DataClient.InsertBook(request.Request.Context(), book); errors.IsAlreadyExists(err) {
		BadRequest(response, errors.New("Book with this ISBN already exists"))
		return
	} else if err != nil {
		InternalServerError(response, err)
		return
	}
	Created(response, Message{Msg: "Book added successfully"})
}

// Message is the body of responses without payload.
type Message struct {
	Msg string `json:"msg"`
}

// BadRequest returns a bad request error.
func BadRequest(response *restful.Response, err error) {
	response.Header().Set("Access-Control-Allow-Origin", "*")
	log.ResponseLogger(response).Error("bad request", zap.Error(err))
	if err = response.WriteError(http.StatusBadRequest, err); err != nil {
		log.ResponseLogger(response).Error("failed to write error", zap.Error(err))
	}
}

// Unauthorized returns an unauthorized error.
func Unauthorized(response *restful.Response, err error) {
	response.Header().Set("Access-Control-Allow-Origin", "*")
	log.ResponseLogger(response).Warn("unauthorized", zap.Error(err))
	if err = response.WriteError(http.StatusUnauthorized, err); err != nil {
		log.ResponseLogger(response).Error("failed to write error", zap.Error(err))
	}
}

// Forbidden returns a forbidden error.
func Forbidden(response *restful.Response, err error) {
	response.Header().Set("Access-Control-Allow-Origin", "*")
	log.ResponseLogger(response).Warn("forbidden", zap.Error(err))
	if err = response.WriteError(http.StatusForbidden, err); err != nil {
		log.ResponseLogger(response).Error("failed to write error", zap.Error(err))
	}
}

// TooManyRequests returns a rate limit error.
func TooManyRequests(response *restful.Response, err error) {
	response.Header().Set("Access-Control-Allow-Origin", "*")
	log.ResponseLogger(response).Warn("too many requests", zap.Error(err))
	if err = response.WriteError(http.StatusTooManyRequests, err); err != nil {
		log.ResponseLogger(response).Error("failed to write error", zap.Error(err))
	}
}

// InternalServerError returns a internal server error.
func InternalServerError(response *restful.Response, err error) {
	response.Header().Set("Access-Control-Allow-Origin", "*")
	log.ResponseLogger(response).Error("internal server error", zap.Error(err))
	if err = response.WriteError(http.StatusInternalServerError, err); err != nil {
		log.ResponseLogger(response).Error("failed to write error", zap.Error(err))
	}
}

// PageNotFound returns a not found error.
func PageNotFound(response *restful.Response, err error) {
	response.Header().Set("Access-Control-Allow-Origin", "*")
	if err := response.WriteError(http.StatusNotFound, err); err != nil {
		log.ResponseLogger(response).Error("failed to write error", zap.Error(err))
	}
}

// Ok sends the content as JSON to the client.
func Ok(response *restful.Response, content interface{}) {
	response.Header().Set("Access-Control-Allow-Origin", "*")
	if err := response.WriteAsJson(content); err != nil {
		log.ResponseLogger(response).Error("failed to write json", zap.Error(err))
	}
}

// Created sends the content as JSON with status 201.
func Created(response *restful.Response, content interface{}) {
	response.Header().Set("Access-Control-Allow-Origin", "*")
	if err := response.WriteHeaderAndJson(http.StatusCreated, content, restful.MIME_JSON); err != nil {
		log.ResponseLogger(response).Error("failed to write json", zap.Error(err))
	}
}
