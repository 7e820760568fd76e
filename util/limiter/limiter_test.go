// Copyright 2023 The Cuber Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

package limiter

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLimiter(t *testing.T) {
	cfg := LimitConfig{
		Concurrency:   1,
		DocsPerSecond: 100,
		MBPS:          1,
	}
	l := NewLimiter(cfg)
	{
		err := l.Acquire()
		require.NoError(t, err)
		err = l.Acquire()
		require.ErrorIs(t, err, ErrLimitExceeded)
		l.SetConcurrency(2)
		err = l.Acquire()
		require.NoError(t, err)
		l.Release()
		l.Release()
		require.Equal(t, 0, l.Status().Running)
	}
	{
		ctx := context.Background()
		now := time.Now()
		var wg sync.WaitGroup
		worker := 2
		wg.Add(worker)
		for i := 0; i < worker; i++ {
			go func() {
				defer wg.Done()
				require.NoError(t, l.WaitN(ctx, 100, 1<<20))
			}()
		}
		wg.Wait()
		// the burst covers the first worker only
		require.Greater(t, time.Since(now), 500*time.Millisecond)
	}
	{
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()
		require.Error(t, l.WaitN(ctx, 1000, 0))
	}
}

func TestLimiter_Unlimited(t *testing.T) {
	l := NewLimiter(LimitConfig{})
	for i := 0; i < 10; i++ {
		require.NoError(t, l.Acquire())
	}
	require.NoError(t, l.WaitN(context.Background(), 1<<20, 1<<30))
	require.Equal(t, 0, l.Status().Running)

	l.SetDocsPerSecond(10)
	require.Equal(t, 10, l.GetConfig().DocsPerSecond)
}
