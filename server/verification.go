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

	"github.com/emicklei/go-restful/v3"
	"github.com/gorse-io/bookshelf/base/log"
	"github.com/gorse-io/bookshelf/storage/otp"
	"github.com/juju/errors"
	"go.uber.org/zap"
)

type VerifyRequest struct {
	OTP string `json:"otp"`
}

func (s *RestServer) sendVerificationCode(request *restful.Request, response *restful.Response) {
	ctx := request.Request.Context()
	user := currentUser(request)
	if user.IsVerified {
		BadRequest(response, errors.New("User is already verified"))
		return
	}
	if s.OTPLimiter != nil && s.OTPLimiter.TakeAvailable(1) == 0 {
		OTPIssued.WithLabelValues("throttled").Inc()
		TooManyRequests(response, errors.New("Too many verification requests"))
		return
	}
	code, err := otp.GenerateCode()
	if err != nil {
		InternalServerError(response, err)
		return
	}
	if err = s.OTPStore.Put(ctx, user.Username, code); err != nil {
		InternalServerError(response, err)
		return
	}
	if err = s.Notifier.Notify(ctx, user.Username, user.Email, code); err != nil {
		OTPIssued.WithLabelValues("failed").Inc()
		InternalServerError(response, errors.Annotate(err, "Failed to send OTP"))
		return
	}
	OTPIssued.WithLabelValues("sent").Inc()
	Ok(response, Message{Msg: "OTP sent successfully"})
}

func (s *RestServer) verifyCode(request *restful.Request, response *restful.Response) {
	ctx := request.Request.Context()
	user := currentUser(request)
	var body VerifyRequest
	if err := request.ReadEntity(&body); err != nil {
		BadRequest(response, err)
		return
	}
	code := strings.TrimSpace(body.OTP)
	ok, err := s.OTPStore.Verify(ctx, user.Username, code)
	if err != nil {
		InternalServerError(response, err)
		return
	}
	if !ok {
		BadRequest(response, errors.New("Invalid or expired OTP"))
		return
	}
	if err = s.DataClient.VerifyUser(ctx, user.Username); err != nil {
		// give the code back so that the user can retry
		if putErr := s.OTPStore.Put(ctx, user.Username, code); putErr != nil {
			log.ResponseLogger(response).Error("failed to restore verification code", zap.Error(putErr))
		}
		InternalServerError(response, err)
		return
	}
	Ok(response, Message{Msg: "Email verified successfully!"})
}
