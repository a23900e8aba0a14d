package idempotency

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anstrom/scanqueue/internal/errors"
)

func TestExtractKey(t *testing.T) {
	header := func(v string) http.Header {
		h := http.Header{}
		h.Set(HeaderName, v)
		return h
	}

	tests := []struct {
		name    string
		headers http.Header
		args    map[string]any
		want    string
		wantErr bool
	}{
		{"neither", nil, map[string]any{}, "", false},
		{"header only", header("abc"), nil, "abc", false},
		{"argument only", nil, map[string]any{ArgName: " abc "}, "abc", false},
		{"both equal", header("abc"), map[string]any{ArgName: "abc"}, "abc", false},
		{"both differ", header("abc"), map[string]any{ArgName: "xyz"}, "", true},
		{"argument not a string", nil, map[string]any{ArgName: 12}, "", true},
		{"blank header falls back to argument", header("  "), map[string]any{ArgName: "xyz"}, "xyz", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExtractKey(tt.headers, tt.args)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.IsValidation(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestHashRequestCanonicalization(t *testing.T) {
	base := map[string]any{
		"targets":      "10.0.0.0/24",
		"name":         "weekly",
		"scanner_pool": "default",
		"port_count":   1,
		"options":      map[string]any{"fast": true, "depth": 2},
	}

	equivalent := []struct {
		name   string
		params map[string]any
	}{
		{"key order", map[string]any{
			"options":      map[string]any{"depth": 2, "fast": true},
			"port_count":   1,
			"scanner_pool": "default",
			"name":         "weekly",
			"targets":      "10.0.0.0/24",
		}},
		{"float and json number", map[string]any{
			"targets":      "10.0.0.0/24",
			"name":         "weekly",
			"scanner_pool": "default",
			"port_count":   1.0,
			"options":      map[string]any{"fast": true, "depth": json.Number("2")},
		}},
		{"empty fields are absent", map[string]any{
			"targets":      " 10.0.0.0/24 ",
			"name":         "weekly",
			"scanner_pool": "default",
			"port_count":   int64(1),
			"options":      map[string]any{"fast": true, "depth": 2, "extra": ""},
			"description":  "",
			"tags":         []any{},
			"credentials":  map[string]any{},
			"schema":       nil,
		}},
		{"idempotency key ignored", map[string]any{
			"targets":      "10.0.0.0/24",
			"name":         "weekly",
			"scanner_pool": "default",
			"port_count":   1,
			"options":      map[string]any{"fast": true, "depth": 2},
			ArgName:        "some-key",
		}},
	}

	want, err := HashRequest(base)
	require.NoError(t, err)
	assert.Len(t, want, 64)

	for _, tt := range equivalent {
		t.Run(tt.name, func(t *testing.T) {
			got, err := HashRequest(tt.params)
			require.NoError(t, err)
			assert.Equal(t, want, got)
		})
	}

	different := []struct {
		name   string
		params map[string]any
	}{
		{"different target", map[string]any{"targets": "10.0.1.0/24", "name": "weekly"}},
		{"bool vs string", map[string]any{"flag": true}},
		{"list order", map[string]any{"targets": []any{"b", "a"}}},
	}
	reference := map[string]map[string]any{
		"bool vs string": {"flag": "true"},
		"list order":     {"targets": []any{"a", "b"}},
	}

	for _, tt := range different {
		t.Run(tt.name, func(t *testing.T) {
			got, err := HashRequest(tt.params)
			require.NoError(t, err)
			other := want
			if ref, ok := reference[tt.name]; ok {
				other, err = HashRequest(ref)
				require.NoError(t, err)
			}
			assert.NotEqual(t, other, got)
		})
	}
}

func TestHashRequestStructValues(t *testing.T) {
	type creds struct {
		Username string `json:"username"`
		Password string `json:"password,omitempty"`
	}

	a, err := HashRequest(map[string]any{"credentials": creds{Username: "scan"}})
	require.NoError(t, err)
	b, err := HashRequest(map[string]any{"credentials": map[string]string{"username": "scan", "password": ""}})
	require.NoError(t, err)
	assert.Equal(t, a, b)

	var nilCreds *creds
	c, err := HashRequest(map[string]any{"credentials": nilCreds})
	require.NoError(t, err)
	d, err := HashRequest(map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, c, d)
}

func TestManagerCheckAndStore(t *testing.T) {
	ctx := context.Background()
	m := NewManager(NewMemoryBackend(), 0, nil)
	assert.Equal(t, DefaultRetention, m.Retention())

	params := map[string]any{"targets": "10.0.0.1", "name": "a"}

	id, found, err := m.Check(ctx, "k1", params)
	require.NoError(t, err)
	assert.False(t, found)
	assert.Empty(t, id)

	won, err := m.Store(ctx, "k1", "task-1", params)
	require.NoError(t, err)
	assert.True(t, won)

	id, found, err = m.Check(ctx, "k1", params)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "task-1", id)

	won, err = m.Store(ctx, "k1", "task-2", params)
	require.NoError(t, err)
	assert.False(t, won)

	_, _, err = m.Check(ctx, "k1", map[string]any{"targets": "10.0.0.2", "name": "a"})
	require.Error(t, err)
	assert.True(t, errors.IsConflict(err))
	assert.False(t, errors.IsValidation(err))

	require.NoError(t, m.Forget(ctx, "k1"))
	_, found, err = m.Check(ctx, "k1", params)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestManagerConcurrentStore(t *testing.T) {
	ctx := context.Background()
	m := NewManager(NewMemoryBackend(), time.Hour, nil)
	params := map[string]any{"targets": "10.0.0.0/24"}

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			won, err := m.Store(ctx, "race", fmt.Sprintf("task-%d", i), params)
			assert.NoError(t, err)
			if won {
				wins.Add(1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
}

func TestMemoryBackendExpiry(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBackend()
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return now }

	created, err := b.PutIfAbsent(ctx, "k", Record{TaskID: "t1"}, 48*time.Hour)
	require.NoError(t, err)
	require.True(t, created)

	now = now.Add(47 * time.Hour)
	rec, err := b.Get(ctx, "k")
	require.NoError(t, err)
	require.NotNil(t, rec)

	now = now.Add(2 * time.Hour)
	rec, err = b.Get(ctx, "k")
	require.NoError(t, err)
	assert.Nil(t, rec)

	created, err = b.PutIfAbsent(ctx, "k", Record{TaskID: "t2"}, 48*time.Hour)
	require.NoError(t, err)
	assert.True(t, created, "expired key can be rebound")

	_, err = b.PutIfAbsent(ctx, "old", Record{TaskID: "t3"}, time.Hour)
	require.NoError(t, err)
	now = now.Add(2 * time.Hour)

	removed, err := b.Purge(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.Equal(t, 1, b.Len())
}
