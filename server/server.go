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
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	restfulspec "github.com/emicklei/go-restful-openapi/v2"
	"github.com/emicklei/go-restful/v3"
	"github.com/gorse-io/bookshelf/base/log"
	"github.com/gorse-io/bookshelf/config"
	"github.com/gorse-io/bookshelf/logics"
	"github.com/gorse-io/bookshelf/model/similarity"
	"github.com/gorse-io/bookshelf/storage/blob"
	"github.com/gorse-io/bookshelf/storage/data"
	"github.com/gorse-io/bookshelf/storage/otp"
	"github.com/juju/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/swaggest/swgui/v5emb"
	"go.opentelemetry.io/contrib/instrumentation/github.com/emicklei/go-restful/otelrestful"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	apiDocsPath = "/apidocs/"
	apiSpecPath = "/apidocs.json"
)

// Server serves the catalog API. The similarity index is loaded once at
// startup and never reloaded.
type Server struct {
	RestServer
	tracerProvider trace.TracerProvider
	httpServer     *http.Server
}

// NewServer connects to the stores named by the configuration and loads the
// similarity index. A missing or corrupt index is an error.
func NewServer(cfg *config.Config) (*Server, error) {
	tracerProvider, err := cfg.Tracing.NewTracerProvider()
	if err != nil {
		return nil, errors.Trace(err)
	}
	otel.SetTracerProvider(tracerProvider)
	otel.SetErrorHandler(log.GetErrorHandler())

	// connect data store
	database, err := data.Open(cfg.Database.DataStore, cfg.Database.TablePrefix)
	if err != nil {
		return nil, errors.Annotate(err, "failed to open data store")
	}
	if err = PingWithRetry(context.Background(), database, time.Minute); err != nil {
		return nil, errors.Annotate(err, "failed to connect data store")
	}
	if err = database.Init(); err != nil {
		return nil, errors.Annotate(err, "failed to init data store")
	}

	// load similarity index
	blobStore, err := blob.Open(cfg.Blob)
	if err != nil {
		return nil, errors.Annotate(err, "failed to open blob store")
	}
	index, err := similarity.Load(blobStore, cfg.Similarity.Artifact)
	if err != nil {
		return nil, errors.Annotatef(err, "failed to load similarity index %s", cfg.Similarity.Artifact)
	}
	SimilarityBooks.Set(float64(index.Len()))
	log.Logger().Info("similarity index loaded",
		zap.String("artifact", cfg.Similarity.Artifact),
		zap.Int32("books", index.Len()))

	// open verification code store
	otpStore, err := otp.Open(cfg.OTP)
	if err != nil {
		return nil, errors.Annotate(err, "failed to open otp store")
	}

	return &Server{
		RestServer: RestServer{
			Config:      cfg,
			DataClient:  database,
			Recommender: logics.NewRecommender(index, database, cfg.Server.NumRecommend),
			Searcher:    logics.NewSearcher(database, cfg.Server.DefaultMaxPrice, cfg.Server.SearchLimit),
			OTPStore:    otpStore,
			Notifier:    otp.LogNotifier{TTL: cfg.OTP.TTL},
			OTPLimiter:  NewOTPLimiter(cfg.OTP.RateLimit),
			WebService:  new(restful.WebService),
		},
		tracerProvider: tracerProvider,
	}, nil
}

// PingWithRetry pings the database with exponential backoff until it answers
// or maxElapsed passes.
func PingWithRetry(ctx context.Context, database data.Database, maxElapsed time.Duration) error {
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, database.Ping()
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxElapsedTime(maxElapsed),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.Logger().Warn("failed to ping data store", zap.Error(err), zap.Duration("retry_in", next))
		}))
	return errors.Trace(err)
}

// NewContainer registers the web service, OpenAPI docs and metrics.
func (s *RestServer) NewContainer(tracerProvider trace.TracerProvider) *restful.Container {
	container := restful.NewContainer()
	s.CreateWebService()
	container.Add(s.WebService)
	// register swagger UI
	specConfig := restfulspec.Config{
		WebServices: container.RegisteredWebServices(),
		APIPath:     apiSpecPath,
	}
	container.Add(restfulspec.NewOpenAPIService(specConfig))
	container.Handle(apiDocsPath, v5emb.New("Bookshelf", apiSpecPath, apiDocsPath))
	// register prometheus
	container.Handle("/metrics", promhttp.Handler())
	container.Filter(otelrestful.OTelFilter("bookshelf", otelrestful.WithTracerProvider(tracerProvider)))
	return container
}

// Serve blocks until the server is shut down.
func (s *Server) Serve() error {
	addr := fmt.Sprintf("%s:%d", s.Config.Server.Host, s.Config.Server.Port)
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.NewContainer(s.tracerProvider),
	}
	log.Logger().Info("start http server", zap.String("url", "http://"+addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Trace(err)
	}
	return nil
}

// Shutdown stops the HTTP server and releases the stores.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			return errors.Trace(err)
		}
	}
	if err := s.OTPStore.Close(); err != nil {
		log.Logger().Warn("failed to close otp store", zap.Error(err))
	}
	return errors.Trace(s.DataClient.Close())
}
