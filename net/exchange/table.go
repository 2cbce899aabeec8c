package exchange

import (
	"errors"
	"fmt"

	"github.com/plgd-dev/go-coap-exchange/message"
	coapErrors "github.com/plgd-dev/go-coap-exchange/pkg/errors"
	"golang.org/x/exp/maps"
)

var ErrNotFound = errors.New("exchange not found")

// Key identifies an exchange: the token is unique per peer.
type Key struct {
	Peer  string
	Token string
}

func NewKey(peer string, token message.Token) Key {
	return Key{Peer: peer, Token: token.Hash()}
}

type midKey struct {
	peer string
	mid  int32
}

// Table is the registry of open exchanges.
//
// It is owned by a single flow of control and is not safe for concurrent use.
type Table[V any] struct {
	byToken map[Key]V
	byMID   map[midKey]Key
	mids    map[Key]int32
}

func NewTable[V any]() *Table[V] {
	return &Table[V]{
		byToken: make(map[Key]V),
		byMID:   make(map[midKey]Key),
		mids:    make(map[Key]int32),
	}
}

// Register stores v under the token. A token that is still used by an open exchange of the peer is rejected.
func (t *Table[V]) Register(peer string, token message.Token, v V) error {
	k := NewKey(peer, token)
	if _, ok := t.byToken[k]; ok {
		return fmt.Errorf("%w: %v", coapErrors.ErrTokenCollision, token)
	}
	t.byToken[k] = v
	return nil
}

func (t *Table[V]) LookupByToken(peer string, token message.Token) (V, bool) {
	v, ok := t.byToken[NewKey(peer, token)]
	return v, ok
}

// BindMessageID associates the message id in flight with the exchange. A previous binding of the exchange is replaced.
func (t *Table[V]) BindMessageID(peer string, token message.Token, mid int32) error {
	k := NewKey(peer, token)
	if _, ok := t.byToken[k]; !ok {
		return fmt.Errorf("%w: %v", ErrNotFound, token)
	}
	t.unbind(k)
	t.byMID[midKey{peer: peer, mid: mid}] = k
	t.mids[k] = mid
	return nil
}

// UnbindMessageID drops the message id binding of the exchange.
func (t *Table[V]) UnbindMessageID(peer string, token message.Token) {
	t.unbind(NewKey(peer, token))
}

func (t *Table[V]) unbind(k Key) {
	if mid, ok := t.mids[k]; ok {
		delete(t.byMID, midKey{peer: k.Peer, mid: mid})
		delete(t.mids, k)
	}
}

// LookupByMessageID returns the exchange that has the message id in flight.
func (t *Table[V]) LookupByMessageID(peer string, mid int32) (V, Key, bool) {
	k, ok := t.byMID[midKey{peer: peer, mid: mid}]
	if !ok {
		var v V
		return v, Key{}, false
	}
	v, ok := t.byToken[k]
	return v, k, ok
}

// Rekey moves the exchange to a new token, e.g. when a block of a transfer is requested with a fresh token.
func (t *Table[V]) Rekey(peer string, oldToken, newToken message.Token) error {
	oldKey := NewKey(peer, oldToken)
	v, ok := t.byToken[oldKey]
	if !ok {
		return fmt.Errorf("%w: %v", ErrNotFound, oldToken)
	}
	newKey := NewKey(peer, newToken)
	if newKey == oldKey {
		return nil
	}
	if _, ok := t.byToken[newKey]; ok {
		return fmt.Errorf("%w: %v", coapErrors.ErrTokenCollision, newToken)
	}
	delete(t.byToken, oldKey)
	t.byToken[newKey] = v
	if mid, ok := t.mids[oldKey]; ok {
		delete(t.mids, oldKey)
		t.mids[newKey] = mid
		t.byMID[midKey{peer: peer, mid: mid}] = newKey
	}
	return nil
}

// Find returns the first exchange matching the predicate.
func (t *Table[V]) Find(match func(k Key, v V) bool) (V, Key, bool) {
	for k, v := range t.byToken {
		if match(k, v) {
			return v, k, true
		}
	}
	var v V
	return v, Key{}, false
}

func (t *Table[V]) Remove(peer string, token message.Token) (V, bool) {
	k := NewKey(peer, token)
	v, ok := t.byToken[k]
	if !ok {
		return v, false
	}
	t.unbind(k)
	delete(t.byToken, k)
	return v, true
}

// PullOutAll removes all exchanges from the table and returns them.
func (t *Table[V]) PullOutAll() []V {
	res := make([]V, 0, len(t.byToken))
	for _, v := range t.byToken {
		res = append(res, v)
	}
	maps.Clear(t.byToken)
	maps.Clear(t.byMID)
	maps.Clear(t.mids)
	return res
}

func (t *Table[V]) Len() int {
	return len(t.byToken)
}

// Range calls f for every exchange until f returns false. The table may be modified by f.
func (t *Table[V]) Range(f func(k Key, v V) bool) {
	for k, v := range maps.Clone(t.byToken) {
		if _, ok := t.byToken[k]; !ok {
			continue
		}
		if !f(k, v) {
			return
		}
	}
}
