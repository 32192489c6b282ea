// Copyright 2024 gorse Project Authors
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

package otp

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/gorse-io/bookshelf/base/log"
	"github.com/gorse-io/bookshelf/config"
	"github.com/gorse-io/bookshelf/storage"
	"github.com/juju/errors"
	"go.uber.org/zap"
)

// CodeLength is the number of digits in a verification code.
const CodeLength = 6

// Store keeps pending verification codes. A code is valid until it expires
// or is consumed by a successful Verify.
type Store interface {
	// Put replaces the pending code of a user.
	Put(ctx context.Context, username, code string) error
	// Verify reports whether the code matches and consumes it on success.
	Verify(ctx context.Context, username, code string) (bool, error)
	Close() error
}

// Open creates the verification code store selected by the configuration.
func Open(cfg config.OTPConfig) (Store, error) {
	switch cfg.Store {
	case config.OTPStoreLocal:
		return NewLocal(cfg.TTL), nil
	case config.OTPStoreRedis:
		if !strings.HasPrefix(cfg.RedisURL, storage.RedisPrefix) && !strings.HasPrefix(cfg.RedisURL, storage.RedissPrefix) {
			return nil, errors.NotValidf("redis url %s", log.RedactDBURL(cfg.RedisURL))
		}
		return NewRedis(cfg.RedisURL, cfg.TTL)
	default:
		return nil, errors.NotSupportedf("otp store %q", cfg.Store)
	}
}

// GenerateCode returns a random code of CodeLength digits without leading zero.
func GenerateCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(900_000))
	if err != nil {
		return "", errors.Trace(err)
	}
	return fmt.Sprintf("%d", 100_000+n.Int64()), nil
}

// Notifier delivers verification codes to users.
type Notifier interface {
	Notify(ctx context.Context, username, email, code string) error
}

// LogNotifier writes codes to the log instead of delivering them.
type LogNotifier struct {
	TTL time.Duration
}

func (n LogNotifier) Notify(_ context.Context, username, email, code string) error {
	log.Logger().Info("verification code issued",
		zap.String("username", username),
		zap.String("email", email),
		zap.String("code", code),
		zap.Duration("ttl", n.TTL))
	return nil
}
