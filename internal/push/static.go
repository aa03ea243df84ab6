// Locus - Device Location Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/locus

package push

import "sync"

// StaticReceiver serves push tokens registered out of band, for example
// from configuration. It is always connected; accounts without a token
// report ErrNotConnected.
type StaticReceiver struct {
	mu     sync.RWMutex
	tokens map[string]string
}

// NewStaticReceiver creates a receiver with the given account tokens.
// Empty tokens are ignored.
func NewStaticReceiver(tokens map[string]string) *StaticReceiver {
	r := &StaticReceiver{tokens: make(map[string]string, len(tokens))}
	for id, token := range tokens {
		r.Set(id, token)
	}
	return r
}

// Set registers or replaces the token for accountID. An empty token
// removes it.
func (r *StaticReceiver) Set(accountID, token string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if token == "" {
		delete(r.tokens, accountID)
		return
	}
	r.tokens[accountID] = token
}

// GetToken implements Receiver.
func (r *StaticReceiver) GetToken(accountID string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	token, ok := r.tokens[accountID]
	if !ok {
		return "", ErrNotConnected
	}
	return token, nil
}
