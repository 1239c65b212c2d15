// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package loop

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// semaphore is a counting semaphore bounding concurrent fix attempts.
//
// # Thread Safety
//
// Safe for concurrent use.
type semaphore struct {
	ch chan struct{}
}

func newSemaphore(capacity int) *semaphore {
	if capacity <= 0 {
		capacity = 1
	}
	return &semaphore{ch: make(chan struct{}, capacity)}
}

// acquire takes a slot, blocking until one is free or ctx ends.
func (s *semaphore) acquire(ctx context.Context) error {
	select {
	case s.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// release returns a slot. Must pair with a successful acquire.
func (s *semaphore) release() {
	select {
	case <-s.ch:
	default:
		// Semaphore was empty - this is a bug in caller
		panic("semaphore: release without acquire")
	}
}

func (s *semaphore) available() int {
	return cap(s.ch) - len(s.ch)
}

// workItem is one defect's fix attempt dispatched to the pool.
type workItem struct {
	// Key is the defect's error key, unique within the batch.
	Key string

	// Work runs the generate/validate/apply pipeline for the defect.
	Work func(ctx context.Context) error
}

// workResult is the outcome of one work item.
type workResult struct {
	Key      string
	Error    error
	Duration time.Duration
}

// batchResult aggregates one iteration's dispatched work.
type batchResult struct {
	Results      []workResult
	SuccessCount int
	FailureCount int
	Cancelled    bool
}

// progressFunc reports batch progress as items complete.
type progressFunc func(completed, total int, last *workResult)

// workerPool runs a batch of fix attempts with bounded parallelism
// and a per-item timeout.
//
// # Thread Safety
//
// Safe for concurrent use.
type workerPool struct {
	semaphore   *semaphore
	itemTimeout time.Duration
}

func newWorkerPool(parallelism int, itemTimeout time.Duration) *workerPool {
	return &workerPool{
		semaphore:   newSemaphore(parallelism),
		itemTimeout: itemTimeout,
	}
}

// processBatch runs every item, collecting all results. Failed items
// do not stop the batch. Cancelling ctx stops new work; in-progress
// items run to completion (or their own timeout).
func (p *workerPool) processBatch(ctx context.Context, items []workItem, progress progressFunc) *batchResult {
	resultCh := make(chan workResult, len(items))

	var wg sync.WaitGroup
	var completed int32

	for _, item := range items {
		wg.Add(1)
		go func(item workItem) {
			defer wg.Done()

			if err := p.semaphore.acquire(ctx); err != nil {
				resultCh <- workResult{Key: item.Key, Error: err}
				return
			}
			defer p.semaphore.release()

			itemCtx := ctx
			var itemCancel context.CancelFunc
			if p.itemTimeout > 0 {
				itemCtx, itemCancel = context.WithTimeout(ctx, p.itemTimeout)
				defer itemCancel()
			}

			itemStart := time.Now()
			err := item.Work(itemCtx)

			result := workResult{
				Key:      item.Key,
				Error:    err,
				Duration: time.Since(itemStart),
			}
			resultCh <- result

			count := atomic.AddInt32(&completed, 1)
			if progress != nil {
				progress(int(count), len(items), &result)
			}
		}(item)
	}

	wg.Wait()
	close(resultCh)

	batch := &batchResult{
		Results:   make([]workResult, 0, len(items)),
		Cancelled: ctx.Err() != nil,
	}
	for r := range resultCh {
		batch.Results = append(batch.Results, r)
		if r.Error != nil {
			batch.FailureCount++
		} else {
			batch.SuccessCount++
		}
	}
	return batch
}
