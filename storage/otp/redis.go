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
	"time"

	"github.com/juju/errors"
	"github.com/redis/go-redis/extra/redisotel/v9"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "bookshelf:otp:"

// verifyScript deletes the key only if it holds the given code.
var verifyScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis keeps codes in Redis so that every server instance shares them.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedis(url string, ttl time.Duration) (*Redis, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, errors.Trace(err)
	}
	client := redis.NewClient(opt)
	if err = redisotel.InstrumentTracing(client); err != nil {
		return nil, errors.Trace(err)
	}
	return &Redis{client: client, ttl: ttl}, nil
}

func (r *Redis) Put(ctx context.Context, username, code string) error {
	return errors.Trace(r.client.Set(ctx, keyPrefix+username, code, r.ttl).Err())
}

func (r *Redis) Verify(ctx context.Context, username, code string) (bool, error) {
	deleted, err := verifyScript.Run(ctx, r.client, []string{keyPrefix + username}, code).Int()
	if err != nil {
		return false, errors.Trace(err)
	}
	return deleted == 1, nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}
