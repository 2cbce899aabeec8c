package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAddElement(t *testing.T) {
	now := time.Now()
	cache := NewCache[string, string]()

	elem := NewElement("elem", now.Add(time.Minute), nil)
	loadedElem, loaded := cache.LoadOrStore("abcd", elem, now)
	require.False(t, loaded)
	require.Equal(t, "elem", loadedElem.Data())

	elem2 := NewElement("elem2", now.Add(time.Minute), nil)
	loadedElem2, loaded2 := cache.LoadOrStore("abcdefg", elem2, now)
	require.False(t, loaded2)
	require.Equal(t, "elem2", loadedElem2.Data())

	elem3 := NewElement("elem3", now.Add(time.Minute), nil)
	loadedElem, loaded = cache.LoadOrStore("abcd", elem3, now)
	require.True(t, loaded)
	require.Equal(t, "elem", loadedElem.Data())
	require.Equal(t, 2, cache.Len())
}

func TestLoadOrStoreReplacesExpired(t *testing.T) {
	now := time.Now()
	cache := NewCache[string, string]()
	cache.LoadOrStore("abcd", NewElement("old", now.Add(time.Second), nil), now)

	loadedElem, loaded := cache.LoadOrStore("abcd", NewElement("new", now.Add(time.Minute), nil), now.Add(2*time.Second))
	require.False(t, loaded)
	require.Equal(t, "new", loadedElem.Data())
}

func TestLoadElement(t *testing.T) {
	now := time.Now()
	cache := NewCache[string, string]()
	require.Nil(t, cache.Load("abcd", now))

	cache.Store("abcd", NewElement("elem", now.Add(time.Minute), nil))
	require.Equal(t, "elem", cache.Load("abcd", now).Data())
	require.Nil(t, cache.Load("abcd", now.Add(2*time.Minute)))
}

func TestDeleteElement(t *testing.T) {
	now := time.Now()
	cache := NewCache[string, string]()
	cache.Store("abcd", NewElement("elem", time.Time{}, nil))
	require.NotNil(t, cache.Load("abcd", now.Add(time.Hour)))

	require.True(t, cache.Delete("abcd"))
	require.False(t, cache.Delete("abcd"))
	require.Nil(t, cache.Load("abcd", now))
}

func TestElementExpiration(t *testing.T) {
	now := time.Now()
	expired := []string{}
	cache := NewCache[string, string]()
	onExpire := func(d string) {
		expired = append(expired, d)
	}
	cache.Store("a", NewElement("a", now.Add(time.Second), onExpire))
	cache.Store("b", NewElement("b", now.Add(time.Minute), onExpire))

	cache.CheckExpirations(now)
	require.Empty(t, expired)

	cache.CheckExpirations(now.Add(2 * time.Second))
	require.Equal(t, []string{"a"}, expired)
	require.Equal(t, 1, cache.Len())
}

func TestPullOutAll(t *testing.T) {
	now := time.Now()
	cache := NewCache[string, string]()
	cache.Store("a", NewElement("1", now.Add(time.Minute), nil))
	cache.Store("b", NewElement("2", now.Add(time.Minute), nil))

	all := cache.PullOutAll()
	require.Equal(t, map[string]string{"a": "1", "b": "2"}, all)
	require.Equal(t, 0, cache.Len())
}
