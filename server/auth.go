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

package server

import (
	"strings"
	"time"

	"github.com/emicklei/go-restful/v3"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorse-io/bookshelf/storage/data"
	"github.com/juju/errors"
)

const (
	usernameAttribute = "username"
	userAttribute     = "user"
)

// SignToken issues a bearer token for the user. Tokens are normally issued by
// the authentication service; this is used by tooling and tests.
func SignToken(secret, username string, ttl time.Duration) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   username,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	})
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", errors.Trace(err)
	}
	return signed, nil
}

// ParseToken validates a HS256 bearer token and returns its subject.
func ParseToken(secret, tokenString string) (string, error) {
	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(tokenString, &claims, func(*jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", errors.Unauthorizedf("invalid token: %v", err)
	}
	if claims.Subject == "" {
		return "", errors.Unauthorizedf("token without subject")
	}
	return claims.Subject, nil
}

func bearerToken(request *restful.Request) string {
	header := request.HeaderParameter("Authorization")
	if len(header) > 7 && strings.EqualFold(header[:7], "Bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return ""
}

// optionalUser records the username of a valid token. Requests with a missing
// or invalid token continue anonymously.
func (s *RestServer) optionalUser(req *restful.Request, resp *restful.Response, chain *restful.FilterChain) {
	if token := bearerToken(req); token != "" {
		if username, err := ParseToken(s.Config.Server.JWTSecret, token); err == nil {
			req.SetAttribute(usernameAttribute, username)
		}
	}
	chain.ProcessFilter(req, resp)
}

// requireUser rejects requests without a valid token and loads the user.
func (s *RestServer) requireUser(req *restful.Request, resp *restful.Response, chain *restful.FilterChain) {
	token := bearerToken(req)
	if token == "" {
		Unauthorized(resp, errors.Unauthorizedf("missing bearer token"))
		return
	}
	username, err := ParseToken(s.Config.Server.JWTSecret, token)
	if err != nil {
		Unauthorized(resp, err)
		return
	}
	user, err := s.DataClient.GetUser(req.Request.Context(), username)
	if errors.IsNotFound(err) {
		PageNotFound(resp, errors.New("User not found"))
		return
	} else if err != nil {
		InternalServerError(resp, err)
		return
	}
	req.SetAttribute(usernameAttribute, username)
	req.SetAttribute(userAttribute, user)
	chain.ProcessFilter(req, resp)
}

func (s *RestServer) requireVerified(req *restful.Request, resp *restful.Response, chain *restful.FilterChain) {
	if !currentUser(req).IsVerified {
		Forbidden(resp, errors.New("Email not verified. Please verify your email to rate books."))
		return
	}
	chain.ProcessFilter(req, resp)
}

func (s *RestServer) requireAdmin(req *restful.Request, resp *restful.Response, chain *restful.FilterChain) {
	if !currentUser(req).IsAdmin {
		Forbidden(resp, errors.New("Admins only! Access denied."))
		return
	}
	chain.ProcessFilter(req, resp)
}

func currentUsername(req *restful.Request) string {
	username, _ := req.Attribute(usernameAttribute).(string)
	return username
}

func currentUser(req *restful.Request) data.User {
	user, _ := req.Attribute(userAttribute).(data.User)
	return user
}
