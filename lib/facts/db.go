// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package facts

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"git.lukeshu.com/go/lowmemjson"
	"go.etcd.io/bbolt"
)

// DB is a handle to an open facts database, one bucket per Fact kind.
type DB struct {
	bolt *bbolt.DB
}

// Open opens (creating if absent) the facts database at path.
func Open(path string) (*DB, error) {
	bolt, err := bbolt.Open(path, 0o644, &bbolt.Options{Timeout: 10 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("facts: opening %s: %w", path, err)
	}
	return &DB{bolt: bolt}, nil
}

func (db *DB) Close() error { return db.bolt.Close() }

// Tx is a read-write transaction; every mutation made through it
// commits atomically when the Update callback returns nil.
type Tx struct {
	bolt *bbolt.Tx
}

// Update runs fn inside a read-write transaction, committing its
// writes if fn returns nil and rolling them all back otherwise.
func (db *DB) Update(fn func(*Tx) error) error {
	return db.bolt.Update(func(btx *bbolt.Tx) error {
		return fn(&Tx{bolt: btx})
	})
}

// View runs fn inside a read-only transaction.
func (db *DB) View(fn func(*Tx) error) error {
	return db.bolt.View(func(btx *bbolt.Tx) error {
		return fn(&Tx{bolt: btx})
	})
}

func encodeFact(f Fact) ([]byte, error) {
	var buf bytes.Buffer
	if err := lowmemjson.Encode(&buf, f); err != nil {
		return nil, fmt.Errorf("facts: encoding %s %q: %w", f.FactKind(), f.FactKey(), err)
	}
	return buf.Bytes(), nil
}

// Insert writes f into its kind's bucket, replacing any existing Fact
// with the same key.
func Insert[T Fact](tx *Tx, f T) error {
	bucket, err := tx.bolt.CreateBucketIfNotExists([]byte(f.FactKind()))
	if err != nil {
		return fmt.Errorf("facts: opening bucket %s: %w", f.FactKind(), err)
	}
	data, err := encodeFact(f)
	if err != nil {
		return err
	}
	return bucket.Put([]byte(f.FactKey()), data)
}

// Get looks up the fact of kind T with the given key. ok is false if
// no such fact exists.
func Get[T Fact](tx *Tx, key string) (fact T, ok bool, err error) {
	var zero T
	bucket := tx.bolt.Bucket([]byte(zero.FactKind()))
	if bucket == nil {
		return zero, false, nil
	}
	data := bucket.Get([]byte(key))
	if data == nil {
		return zero, false, nil
	}
	if err := lowmemjson.Decode(strings.NewReader(string(data)), &fact); err != nil {
		return zero, false, fmt.Errorf("facts: decoding %s %q: %w", zero.FactKind(), key, err)
	}
	return fact, true, nil
}

// Delete removes the fact of kind T with the given key, if present.
func Delete[T Fact](tx *Tx, key string) error {
	var zero T
	bucket := tx.bolt.Bucket([]byte(zero.FactKind()))
	if bucket == nil {
		return nil
	}
	return bucket.Delete([]byte(key))
}

// AllKeys returns every key currently stored in T's bucket.
func AllKeys[T Fact](tx *Tx) ([]string, error) {
	var zero T
	bucket := tx.bolt.Bucket([]byte(zero.FactKind()))
	if bucket == nil {
		return nil, nil
	}
	var keys []string
	err := bucket.ForEach(func(k, _ []byte) error {
		keys = append(keys, string(k))
		return nil
	})
	return keys, err
}
