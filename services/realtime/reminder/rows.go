// Copyright (C) 2026 IndaStreet (engineering@indastreet.id)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package reminder

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/indastreet/realtime/services/realtime/store"
)

// rowStore is the persistence seam for reminder rows. durableRows wraps
// the embedded store; memoryRows keeps the session running when the
// store becomes unusable, at the cost of losing rows on restart.
type rowStore interface {
	Put(ctx context.Context, key string, v any) error
	Update(ctx context.Context, key string, fn func(raw []byte) ([]byte, error)) error
	List(ctx context.Context, fn func(key string, raw []byte) error) error
	Delete(ctx context.Context, key string) error
}

type durableRows struct {
	st *store.Store
}

func (d durableRows) Put(ctx context.Context, key string, v any) error {
	return d.st.Put(ctx, collection, key, v)
}

func (d durableRows) Update(ctx context.Context, key string, fn func(raw []byte) ([]byte, error)) error {
	return d.st.Update(ctx, collection, key, fn)
}

func (d durableRows) List(ctx context.Context, fn func(key string, raw []byte) error) error {
	return d.st.List(ctx, collection, fn)
}

func (d durableRows) Delete(ctx context.Context, key string) error {
	return d.st.Delete(ctx, collection, key)
}

// memoryRows mirrors the store's update semantics: the callback sees nil
// for an absent key, a nil result deletes the entry.
type memoryRows struct {
	mu   sync.Mutex
	rows map[string][]byte
}

func newMemoryRows() *memoryRows {
	return &memoryRows{rows: make(map[string][]byte)}
}

func (m *memoryRows) Put(_ context.Context, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[key] = raw
	return nil
}

func (m *memoryRows) Update(_ context.Context, key string, fn func(raw []byte) ([]byte, error)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	raw, ok := m.rows[key]
	if !ok {
		raw = nil
	}
	next, err := fn(raw)
	if err != nil {
		return err
	}
	if next == nil {
		delete(m.rows, key)
		return nil
	}
	m.rows[key] = next
	return nil
}

func (m *memoryRows) List(_ context.Context, fn func(key string, raw []byte) error) error {
	m.mu.Lock()
	keys := make([]string, 0, len(m.rows))
	for k := range m.rows {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	snapshot := make(map[string][]byte, len(m.rows))
	for k, v := range m.rows {
		snapshot[k] = v
	}
	m.mu.Unlock()

	for _, k := range keys {
		if err := fn(k, snapshot[k]); err != nil {
			return err
		}
	}
	return nil
}

func (m *memoryRows) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rows, key)
	return nil
}
