// Copyright 2024 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

// Copyright 2012-2020, Hǎi-Liàng “Hal” Wáng
// Copyright 2024 PingCAP, Inc.
//
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file or at
// https://developers.google.com/open-source/licenses/bsd
//
// original code: https://h12.io/article/go-pattern-context-aware-lock

package ctxmu

import (
	"context"
	"sync"
)

// CtxMutex implements a context aware lock
type CtxMutex struct {
	ch chan struct{}
}

// New creates a new CtxMutex
func New() *CtxMutex {
	return &CtxMutex{
		ch: make(chan struct{}, 1),
	}
}

// Lock acquires a lock, it can be canceled by context
func (mu *CtxMutex) Lock(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case mu.ch <- struct{}{}:
		return true
	}
}

// Unlock releases the acquired lock
func (mu *CtxMutex) Unlock() {
	<-mu.ch
}

// Locked checks whether the lock is hold
func (mu *CtxMutex) Locked() bool {
	return len(mu.ch) > 0 // locked or not
}

// KeyedMutex hands out one CtxMutex per key. Entries are reference
// counted and dropped when the last holder unlocks.
type KeyedMutex struct {
	mu      sync.Mutex
	entries map[string]*keyedEntry
}

type keyedEntry struct {
	mu   *CtxMutex
	refs int
}

// NewKeyed creates a KeyedMutex.
func NewKeyed() *KeyedMutex {
	return &KeyedMutex{entries: make(map[string]*keyedEntry)}
}

// Lock acquires the lock of key. It returns false if ctx is done first.
func (k *KeyedMutex) Lock(ctx context.Context, key string) bool {
	k.mu.Lock()
	entry, ok := k.entries[key]
	if !ok {
		entry = &keyedEntry{mu: New()}
		k.entries[key] = entry
	}
	entry.refs++
	k.mu.Unlock()

	if entry.mu.Lock(ctx) {
		return true
	}
	k.release(key, entry)
	return false
}

// Unlock releases the lock of key.
func (k *KeyedMutex) Unlock(key string) {
	k.mu.Lock()
	entry, ok := k.entries[key]
	k.mu.Unlock()
	if !ok {
		return
	}
	entry.mu.Unlock()
	k.release(key, entry)
}

func (k *KeyedMutex) release(key string, entry *keyedEntry) {
	k.mu.Lock()
	defer k.mu.Unlock()
	entry.refs--
	if entry.refs == 0 {
		delete(k.entries, key)
	}
}

// Len returns the number of keys currently locked or waited on.
func (k *KeyedMutex) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.entries)
}
