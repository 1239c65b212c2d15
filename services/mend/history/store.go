// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("history record not found")

// StrategyStat tracks how a fix strategy has performed for one error
// kind. The oracle grants a confidence bonus to strategies with a
// prior success.
type StrategyStat struct {
	Kind      string    `json:"kind"`
	Tag       string    `json:"tag"`
	Successes int       `json:"successes"`
	Failures  int       `json:"failures"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AppliedFixRecord is the durable trail of one applied patch.
type AppliedFixRecord struct {
	CandidateID string    `json:"candidate_id"`
	ErrorKey    string    `json:"error_key"`
	ErrorKind   string    `json:"error_kind"`
	StrategyTag string    `json:"strategy_tag"`
	File        string    `json:"file"`
	BackupRef   string    `json:"backup_ref"`
	Diff        string    `json:"diff,omitempty"`
	AppliedAt   time.Time `json:"applied_at"`
	Confirmed   bool      `json:"confirmed"`

	RolledBackAt   *time.Time `json:"rolled_back_at,omitempty"`
	RollbackReason string     `json:"rollback_reason,omitempty"`
}

// RollbackRecord is one audit entry for an operator or automatic
// rollback.
type RollbackRecord struct {
	CandidateID string    `json:"candidate_id"`
	File        string    `json:"file"`
	Reason      string    `json:"reason"`
	At          time.Time `json:"at"`
}

// Store is the domain API over the history database.
//
// Thread Safety: safe for concurrent use; BadgerDB transactions
// provide isolation.
type Store struct {
	db     *DB
	logger *slog.Logger
	now    func() time.Time
}

// NewStore creates a Store over an open database.
func NewStore(db *DB, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, logger: logger, now: time.Now}
}

func strategyKey(kind, tag string) []byte {
	return []byte(fmt.Sprintf("strategy/%s/%s", kind, tag))
}

func fixKey(at time.Time, candidateID string) []byte {
	return []byte(fmt.Sprintf("fix/%020d/%s", at.UnixNano(), candidateID))
}

func rollbackKey(at time.Time) []byte {
	return []byte(fmt.Sprintf("rollback/%020d", at.UnixNano()))
}

// =============================================================================
// Strategy Stats
// =============================================================================

// RecordStrategyOutcome bumps the success or failure counter for a
// (kind, tag) pair.
func (s *Store) RecordStrategyOutcome(ctx context.Context, kind, tag string, success bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if kind == "" || tag == "" {
		return fmt.Errorf("kind and tag are required")
	}

	return s.db.Update(func(txn *badger.Txn) error {
		stat := StrategyStat{Kind: kind, Tag: tag}
		item, err := txn.Get(strategyKey(kind, tag))
		switch {
		case err == nil:
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &stat)
			}); err != nil {
				return fmt.Errorf("decode strategy stat: %w", err)
			}
		case !errors.Is(err, badger.ErrKeyNotFound):
			return err
		}

		if success {
			stat.Successes++
		} else {
			stat.Failures++
		}
		stat.UpdatedAt = s.now()

		data, err := json.Marshal(stat)
		if err != nil {
			return fmt.Errorf("encode strategy stat: %w", err)
		}
		return txn.Set(strategyKey(kind, tag), data)
	})
}

// StrategyStats returns the stat for a (kind, tag) pair. A pair never
// seen returns a zero stat, not an error.
func (s *Store) StrategyStats(ctx context.Context, kind, tag string) (StrategyStat, error) {
	stat := StrategyStat{Kind: kind, Tag: tag}
	if err := ctx.Err(); err != nil {
		return stat, err
	}

	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(strategyKey(kind, tag))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &stat)
		})
	})
	return stat, err
}

// HasStrategySucceeded reports whether the (kind, tag) pair has at
// least one recorded success.
func (s *Store) HasStrategySucceeded(ctx context.Context, kind, tag string) (bool, error) {
	stat, err := s.StrategyStats(ctx, kind, tag)
	if err != nil {
		return false, err
	}
	return stat.Successes > 0, nil
}

// =============================================================================
// Applied Fixes
// =============================================================================

// RecordAppliedFix persists a new applied-fix record.
func (s *Store) RecordAppliedFix(ctx context.Context, rec AppliedFixRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if rec.CandidateID == "" {
		return fmt.Errorf("candidate id is required")
	}
	if rec.AppliedAt.IsZero() {
		rec.AppliedAt = s.now()
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode applied fix: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(fixKey(rec.AppliedAt, rec.CandidateID), data)
	})
}

// UpdateAppliedFix rewrites an existing record in place (confirmation,
// rollback annotation). The record is located by AppliedAt+CandidateID.
func (s *Store) UpdateAppliedFix(ctx context.Context, rec AppliedFixRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	key := fixKey(rec.AppliedAt, rec.CandidateID)
	return s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(key); errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%w: fix %s", ErrNotFound, rec.CandidateID)
		} else if err != nil {
			return err
		}
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("encode applied fix: %w", err)
		}
		return txn.Set(key, data)
	})
}

// AppliedFixes returns up to limit records, newest first.
func (s *Store) AppliedFixes(ctx context.Context, limit int) ([]AppliedFixRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}

	var out []AppliedFixRecord
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = []byte("fix/")
		it := txn.NewIterator(opts)
		defer it.Close()

		// Reverse iteration seeks to the end of the prefix range.
		for it.Seek([]byte("fix/\xff")); it.Valid() && len(out) < limit; it.Next() {
			var rec AppliedFixRecord
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return fmt.Errorf("decode applied fix: %w", err)
			}
			out = append(out, rec)
		}
		return nil
	})
	return out, err
}

// LatestActiveFix returns the most recent applied fix that has not
// been rolled back. Used by the rollback command.
func (s *Store) LatestActiveFix(ctx context.Context) (*AppliedFixRecord, error) {
	records, err := s.AppliedFixes(ctx, 100)
	if err != nil {
		return nil, err
	}
	for i := range records {
		if records[i].RolledBackAt == nil {
			return &records[i], nil
		}
	}
	return nil, ErrNotFound
}

// =============================================================================
// Rollback Audit
// =============================================================================

// RecordRollback annotates the fix record and writes an audit entry.
func (s *Store) RecordRollback(ctx context.Context, rec AppliedFixRecord, reason string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	at := s.now()
	rec.RolledBackAt = &at
	rec.RollbackReason = reason
	rec.Confirmed = false
	if err := s.UpdateAppliedFix(ctx, rec); err != nil {
		return err
	}

	audit := RollbackRecord{
		CandidateID: rec.CandidateID,
		File:        rec.File,
		Reason:      reason,
		At:          at,
	}
	data, err := json.Marshal(audit)
	if err != nil {
		return fmt.Errorf("encode rollback record: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(rollbackKey(at), data)
	})
}

// Rollbacks returns all audit entries, newest first.
func (s *Store) Rollbacks(ctx context.Context) ([]RollbackRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var out []RollbackRecord
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = []byte("rollback/")
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek([]byte("rollback/\xff")); it.Valid(); it.Next() {
			var rec RollbackRecord
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return fmt.Errorf("decode rollback record: %w", err)
			}
			out = append(out, rec)
		}
		return nil
	})
	return out, err
}

// StrategyLeaders returns the tags with recorded successes for an
// error kind, most successes first. Used in the final report's
// recommendations.
func (s *Store) StrategyLeaders(ctx context.Context, kind string) ([]StrategyStat, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	prefix := []byte("strategy/" + kind + "/")
	var out []StrategyStat
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.Valid(); it.Next() {
			var stat StrategyStat
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &stat)
			}); err != nil {
				return fmt.Errorf("decode strategy stat: %w", err)
			}
			if stat.Successes > 0 {
				out = append(out, stat)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Successes > out[j].Successes
	})
	return out, nil
}
