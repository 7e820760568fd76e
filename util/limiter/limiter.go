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
	"errors"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

var ErrLimitExceeded = errors.New("limit exceeded")

type (
	// Limiter throttles data copied between shards: the number of copies
	// running at once, and the documents and bytes they move per second.
	Limiter interface {
		Acquire() error
		Release()
		// WaitN blocks until docs documents of bytes total size may pass.
		WaitN(ctx context.Context, docs, bytes int) error
		SetConcurrency(value uint32)
		SetDocsPerSecond(n int)
		SetMBPS(mbps int)
		GetConfig() *LimitConfig
		Status() Status
	}
	CountLimit interface {
		Running() int
		Acquire() error
		Release()
		SetLimit(limit uint32)
	}
	LimitConfig struct {
		Concurrency   int `json:"concurrency"`
		DocsPerSecond int `json:"docs_per_second"`
		MBPS          int `json:"mbps"`
	}
	Status struct {
		Config    LimitConfig
		Running   int
		DocsWait  int
		BytesWait int
	}
	limiter struct {
		config     LimitConfig
		countLimit CountLimit
		rateDocs   atomic.Pointer[rate.Limiter]
		rateBytes  atomic.Pointer[rate.Limiter]
	}
)

func NewLimiter(cfg LimitConfig) Limiter {
	limiter := &limiter{config: cfg}
	if cfg.Concurrency > 0 {
		limiter.countLimit = NewCountLimit(cfg.Concurrency)
	}
	if cfg.DocsPerSecond > 0 {
		limiter.rateDocs.Store(rate.NewLimiter(rate.Limit(cfg.DocsPerSecond), cfg.DocsPerSecond))
	}
	if cfg.MBPS > 0 {
		mb := 1 << 20
		limiter.rateBytes.Store(rate.NewLimiter(rate.Limit(cfg.MBPS*mb), cfg.MBPS*mb))
	}
	return limiter
}

func (lim *limiter) Acquire() error {
	if lim.countLimit != nil {
		return lim.countLimit.Acquire()
	}
	return nil
}

func (lim *limiter) Release() {
	if lim.countLimit != nil {
		lim.countLimit.Release()
	}
}

func (lim *limiter) WaitN(ctx context.Context, docs, bytes int) error {
	if r := lim.rateDocs.Load(); r != nil && docs > 0 {
		if err := waitN(ctx, r, docs); err != nil {
			return err
		}
	}
	if r := lim.rateBytes.Load(); r != nil && bytes > 0 {
		return waitN(ctx, r, bytes)
	}
	return nil
}

// waitN splits n by the burst, rate.WaitN refuses anything larger.
func waitN(ctx context.Context, r *rate.Limiter, n int) error {
	burst := r.Burst()
	for n > 0 {
		step := n
		if step > burst {
			step = burst
		}
		if err := r.WaitN(ctx, step); err != nil {
			return err
		}
		n -= step
	}
	return nil
}

func (lim *limiter) SetConcurrency(value uint32) {
	if lim.countLimit == nil {
		lim.countLimit = NewCountLimit(int(value))
	} else {
		lim.countLimit.SetLimit(value)
	}
	lim.config.Concurrency = int(value)
}

func (lim *limiter) SetDocsPerSecond(n int) {
	if r := lim.rateDocs.Load(); r != nil {
		r.SetLimit(rate.Limit(n))
		r.SetBurst(n)
	} else {
		lim.rateDocs.Store(rate.NewLimiter(rate.Limit(n), n))
	}
	lim.config.DocsPerSecond = n
}

func (lim *limiter) SetMBPS(mbps int) {
	mb := 1 << 20
	if r := lim.rateBytes.Load(); r != nil {
		r.SetLimit(rate.Limit(mbps * mb))
		r.SetBurst(mbps * mb)
	} else {
		lim.rateBytes.Store(rate.NewLimiter(rate.Limit(mbps*mb), mbps*mb))
	}
	lim.config.MBPS = mbps
}

func (lim *limiter) GetConfig() *LimitConfig {
	return &lim.config
}

func (lim *limiter) Status() Status {
	st := Status{Config: lim.config}
	if lim.countLimit != nil {
		st.Running = lim.countLimit.Running()
	}
	st.DocsWait = rateWait(lim.rateDocs.Load())
	st.BytesWait = rateWait(lim.rateBytes.Load())
	return st
}

func rateWait(r *rate.Limiter) int {
	if r == nil {
		return 0
	}
	now := time.Now()
	reserve := r.ReserveN(now, int(r.Limit())/2)
	duration := reserve.DelayFrom(now)
	reserve.Cancel()
	return int(duration.Milliseconds())
}

const minusOne = ^uint32(0)

type countLimit struct {
	limit   uint32
	current uint32
}

// NewCountLimit returns limiter with concurrent n
func NewCountLimit(n int) CountLimit {
	return &countLimit{limit: uint32(n)}
}

func (l *countLimit) Running() int {
	return int(atomic.LoadUint32(&l.current))
}

func (l *countLimit) Acquire() error {
	if atomic.AddUint32(&l.current, 1) > atomic.LoadUint32(&l.limit) {
		atomic.AddUint32(&l.current, minusOne)
		return ErrLimitExceeded
	}
	return nil
}

func (l *countLimit) Release() {
	atomic.AddUint32(&l.current, minusOne)
}

func (l *countLimit) SetLimit(limit uint32) {
	atomic.StoreUint32(&l.limit, limit)
}
