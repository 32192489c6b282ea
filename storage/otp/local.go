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
	"crypto/subtle"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// Local keeps codes in process memory.
type Local struct {
	mu    sync.Mutex
	cache *ttlcache.Cache[string, string]
}

func NewLocal(ttl time.Duration) *Local {
	cache := ttlcache.New(
		ttlcache.WithTTL[string, string](ttl),
		ttlcache.WithDisableTouchOnHit[string, string](),
	)
	go cache.Start()
	return &Local{cache: cache}
}

func (l *Local) Put(_ context.Context, username, code string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cache.Set(username, code, ttlcache.DefaultTTL)
	return nil
}

func (l *Local) Verify(_ context.Context, username, code string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	item := l.cache.Get(username)
	if item == nil || item.IsExpired() {
		return false, nil
	}
	if subtle.ConstantTimeCompare([]byte(item.Value()), []byte(code)) != 1 {
		return false, nil
	}
	l.cache.Delete(username)
	return true, nil
}

func (l *Local) Close() error {
	l.cache.Stop()
	return nil
}
