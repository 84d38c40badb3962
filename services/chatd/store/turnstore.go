// Copyright (C) 2026 Auklet AI (dev@auklet.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"
	"go.opentelemetry.io/otel"

	"github.com/auklet-ai/auklet/services/chatd/datatypes"
)

var tracer = otel.Tracer("auklet.chatd.store")

// ErrNotFound is returned when a conversation does not exist.
var ErrNotFound = errors.New("conversation not found")

// =============================================================================
// Interface Definition
// =============================================================================

// TurnStore is the durable record of conversation turns and titles.
//
// # Description
//
// An append-only log per (owner, conversation). Turns come back from
// ReadAll in exactly the order they were appended. Append is a single
// atomic write: either the turn and its sequence number are both durable
// or neither is.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use. Orderly interleaving
// of appends to the same conversation is the caller's job; chatd holds a
// per-conversation session lock during a turn exchange.
type TurnStore interface {
	// CreateConversation registers a conversation with no turns.
	// Appending to an unknown conversation also creates it; this exists
	// for the explicit create endpoint.
	CreateConversation(ctx context.Context, owner, conversationID string) error

	// Append durably adds one turn and returns it with its assigned
	// sequence number and timestamp filled in.
	Append(ctx context.Context, owner, conversationID string, turn datatypes.Turn) (datatypes.Turn, error)

	// ReadAll returns every turn of the conversation in append order.
	// An unknown conversation yields an empty slice, not an error.
	ReadAll(ctx context.Context, owner, conversationID string) ([]datatypes.Turn, error)

	// SetTitle stores the display title for the conversation.
	SetTitle(ctx context.Context, owner, conversationID, title string) error

	// GetTitle returns the stored title. ErrNotFound if the conversation
	// does not exist; empty string if it exists but was never titled.
	GetTitle(ctx context.Context, owner, conversationID string) (string, error)

	// Conversations lists the owner's conversations, newest first.
	Conversations(ctx context.Context, owner string) ([]datatypes.ConversationInfo, error)

	// Close releases the underlying database.
	Close() error
}

// =============================================================================
// Badger Implementation
// =============================================================================

// conversationMeta is the value stored under a conversation key.
type conversationMeta struct {
	Title     string `json:"title"`
	CreatedAt int64  `json:"created_at"`
}

// BadgerTurnStore implements TurnStore on an embedded BadgerDB.
//
// Key layout (owner is the authenticated user id, id is a UUID; \x00 is
// the segment separator):
//
//	conv\x00<owner>\x00<id>            JSON conversationMeta
//	seq\x00<owner>\x00<id>             8-byte big-endian turn counter
//	turn\x00<owner>\x00<id>\x00<seq>   JSON datatypes.Turn, seq big-endian
//
// NUL separates the segments because owner ids arrive from the gateway
// unrestricted: an owner like "oauth:123" must not extend into another
// owner's prefix scans, and NUL cannot appear in an HTTP header value.
// Big-endian sequence numbers make the natural Badger key order the
// append order, so ReadAll is a single prefix scan.
type BadgerTurnStore struct {
	db       *badger.DB
	gcRunner *gcRunner
}

var _ TurnStore = (*BadgerTurnStore)(nil)

// Open opens a turn store with the given configuration.
func Open(cfg Config) (*BadgerTurnStore, error) {
	db, err := openBadger(cfg)
	if err != nil {
		return nil, err
	}
	s := &BadgerTurnStore{db: db}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		s.gcRunner = newGCRunner(db, cfg.GCInterval, cfg.GCDiscardRatio, cfg.Logger)
		s.gcRunner.Start()
	}
	return s, nil
}

// OpenInMemory opens a throwaway in-memory store for testing.
func OpenInMemory() (*BadgerTurnStore, error) {
	return Open(InMemoryConfig())
}

// Close stops garbage collection and closes the database.
func (s *BadgerTurnStore) Close() error {
	if s.gcRunner != nil {
		s.gcRunner.Stop()
	}
	return s.db.Close()
}

// keySep separates key segments. See the BadgerTurnStore key layout.
const keySep = "\x00"

func convKey(owner, id string) []byte {
	return []byte("conv" + keySep + owner + keySep + id)
}

func convPrefix(owner string) []byte {
	return []byte("conv" + keySep + owner + keySep)
}

func seqKey(owner, id string) []byte {
	return []byte("seq" + keySep + owner + keySep + id)
}

func turnPrefix(owner, id string) []byte {
	return []byte("turn" + keySep + owner + keySep + id + keySep)
}

func turnKey(owner, id string, seq uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], seq)
	return append(turnPrefix(owner, id), buf[:]...)
}

// CreateConversation registers a conversation with no turns. Creating an
// existing conversation is a no-op.
func (s *BadgerTurnStore) CreateConversation(ctx context.Context, owner, conversationID string) error {
	ctx, span := tracer.Start(ctx, "BadgerTurnStore.CreateConversation")
	defer span.End()

	return withTxn(ctx, s.db, func(txn *badger.Txn) error {
		return s.ensureConversation(txn, owner, conversationID)
	})
}

func (s *BadgerTurnStore) ensureConversation(txn *badger.Txn, owner, conversationID string) error {
	key := convKey(owner, conversationID)
	_, err := txn.Get(key)
	if err == nil {
		return nil
	}
	if !errors.Is(err, badger.ErrKeyNotFound) {
		return fmt.Errorf("read conversation meta: %w", err)
	}
	meta, err := json.Marshal(conversationMeta{CreatedAt: time.Now().UnixMilli()})
	if err != nil {
		return fmt.Errorf("marshal conversation meta: %w", err)
	}
	return txn.Set(key, meta)
}

// Append durably adds one turn in a single transaction: the sequence
// counter bump, the turn record, and (if missing) the conversation meta
// commit together or not at all.
func (s *BadgerTurnStore) Append(ctx context.Context, owner, conversationID string, turn datatypes.Turn) (datatypes.Turn, error) {
	ctx, span := tracer.Start(ctx, "BadgerTurnStore.Append")
	defer span.End()

	err := withTxn(ctx, s.db, func(txn *badger.Txn) error {
		if err := s.ensureConversation(txn, owner, conversationID); err != nil {
			return err
		}

		var seq uint64
		item, err := txn.Get(seqKey(owner, conversationID))
		switch {
		case err == nil:
			if err := item.Value(func(val []byte) error {
				if len(val) != 8 {
					return fmt.Errorf("corrupt sequence counter: %d bytes", len(val))
				}
				seq = binary.BigEndian.Uint64(val)
				return nil
			}); err != nil {
				return err
			}
		case errors.Is(err, badger.ErrKeyNotFound):
			seq = 0
		default:
			return fmt.Errorf("read sequence counter: %w", err)
		}

		seq++
		turn.Seq = seq
		if turn.CreatedAt == 0 {
			turn.CreatedAt = time.Now().UnixMilli()
		}

		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], seq)
		if err := txn.Set(seqKey(owner, conversationID), buf[:]); err != nil {
			return fmt.Errorf("write sequence counter: %w", err)
		}

		value, err := json.Marshal(turn)
		if err != nil {
			return fmt.Errorf("marshal turn: %w", err)
		}
		if err := txn.Set(turnKey(owner, conversationID, seq), value); err != nil {
			return fmt.Errorf("write turn: %w", err)
		}
		return nil
	})
	if err != nil {
		return datatypes.Turn{}, err
	}

	slog.Debug("appended turn", "conversationId", conversationID, "seq", turn.Seq, "role", turn.Role)
	return turn, nil
}

// ReadAll returns every turn of the conversation in append order.
func (s *BadgerTurnStore) ReadAll(ctx context.Context, owner, conversationID string) ([]datatypes.Turn, error) {
	ctx, span := tracer.Start(ctx, "BadgerTurnStore.ReadAll")
	defer span.End()

	var turns []datatypes.Turn
	err := withReadTxn(ctx, s.db, func(txn *badger.Txn) error {
		prefix := turnPrefix(owner, conversationID)
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var turn datatypes.Turn
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &turn)
			}); err != nil {
				return fmt.Errorf("decode turn: %w", err)
			}
			turns = append(turns, turn)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return turns, nil
}

// SetTitle stores the display title, creating the conversation if needed.
func (s *BadgerTurnStore) SetTitle(ctx context.Context, owner, conversationID, title string) error {
	ctx, span := tracer.Start(ctx, "BadgerTurnStore.SetTitle")
	defer span.End()

	return withTxn(ctx, s.db, func(txn *badger.Txn) error {
		key := convKey(owner, conversationID)
		meta := conversationMeta{CreatedAt: time.Now().UnixMilli()}

		item, err := txn.Get(key)
		switch {
		case err == nil:
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &meta)
			}); err != nil {
				return fmt.Errorf("decode conversation meta: %w", err)
			}
		case !errors.Is(err, badger.ErrKeyNotFound):
			return fmt.Errorf("read conversation meta: %w", err)
		}

		meta.Title = title
		value, err := json.Marshal(meta)
		if err != nil {
			return fmt.Errorf("marshal conversation meta: %w", err)
		}
		return txn.Set(key, value)
	})
}

// GetTitle returns the stored title for the conversation.
func (s *BadgerTurnStore) GetTitle(ctx context.Context, owner, conversationID string) (string, error) {
	ctx, span := tracer.Start(ctx, "BadgerTurnStore.GetTitle")
	defer span.End()

	var title string
	err := withReadTxn(ctx, s.db, func(txn *badger.Txn) error {
		item, err := txn.Get(convKey(owner, conversationID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("read conversation meta: %w", err)
		}
		var meta conversationMeta
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &meta)
		}); err != nil {
			return fmt.Errorf("decode conversation meta: %w", err)
		}
		title = meta.Title
		return nil
	})
	if err != nil {
		return "", err
	}
	return title, nil
}

// Conversations lists the owner's conversations, newest first.
func (s *BadgerTurnStore) Conversations(ctx context.Context, owner string) ([]datatypes.ConversationInfo, error) {
	ctx, span := tracer.Start(ctx, "BadgerTurnStore.Conversations")
	defer span.End()

	var infos []datatypes.ConversationInfo
	err := withReadTxn(ctx, s.db, func(txn *badger.Txn) error {
		prefix := convPrefix(owner)
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			id := string(item.Key()[len(prefix):])
			var meta conversationMeta
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &meta)
			}); err != nil {
				return fmt.Errorf("decode conversation meta: %w", err)
			}
			infos = append(infos, datatypes.ConversationInfo{
				ID:        id,
				Title:     meta.Title,
				CreatedAt: meta.CreatedAt,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Newest first for display.
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].CreatedAt > infos[j].CreatedAt
	})
	return infos, nil
}
