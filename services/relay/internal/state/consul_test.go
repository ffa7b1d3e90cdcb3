package state

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/consul/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeConsul implements the slice of the Consul HTTP API the store uses.
type fakeConsul struct {
	mu    sync.Mutex
	index uint64
	kv    map[string]*api.KVPair
}

func (f *fakeConsul) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if r.URL.Path == "/v1/status/leader" {
		_, _ = io.WriteString(w, `"127.0.0.1:8300"`)
		return
	}

	key, ok := strings.CutPrefix(r.URL.Path, "/v1/kv/")
	if !ok {
		http.NotFound(w, r)
		return
	}
	q := r.URL.Query()

	switch r.Method {
	case http.MethodGet:
		var out []*api.KVPair
		if q.Has("recurse") {
			for k, p := range f.kv {
				if strings.HasPrefix(k, key) {
					out = append(out, p)
				}
			}
			sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
		} else if p, ok := f.kv[key]; ok {
			out = append(out, p)
		}
		if len(out) == 0 {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(out)

	case http.MethodPut:
		body, _ := io.ReadAll(r.Body)
		f.index++
		f.kv[key] = &api.KVPair{Key: key, Value: body, CreateIndex: f.index, ModifyIndex: f.index}
		_, _ = io.WriteString(w, "true")

	case http.MethodDelete:
		if cas := q.Get("cas"); cas != "" {
			idx, _ := strconv.ParseUint(cas, 10, 64)
			p, ok := f.kv[key]
			if !ok || p.ModifyIndex != idx {
				_, _ = io.WriteString(w, "false")
				return
			}
		}
		delete(f.kv, key)
		_, _ = io.WriteString(w, "true")

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (f *fakeConsul) get(key string) (api.KVPair, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.kv[key]
	if !ok {
		return api.KVPair{}, false
	}
	return *p, true
}

func (f *fakeConsul) put(p *api.KVPair) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.kv[p.Key] = p
}

func (f *fakeConsul) keys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	keys := make([]string, 0, len(f.kv))
	for k := range f.kv {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func newConsulStore(t *testing.T) (*ConsulStore, *fakeConsul, *time.Time) {
	t.Helper()
	fake := &fakeConsul{kv: make(map[string]*api.KVPair)}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	s, err := OpenConsul(context.Background(), ConsulConfig{Address: srv.URL, KeyPrefix: "relay/states"})
	require.NoError(t, err)

	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }
	return s, fake, &now
}

func TestConsulStore(t *testing.T) {
	s, _, now := newConsulStore(t)

	testStoreContract(t, s, func(t *testing.T, key string) {
		*now = now.Add(2 * time.Second)
	})
}

func TestConsulStore_StoredValue(t *testing.T) {
	s, fake, now := newConsulStore(t)

	require.NoError(t, s.Set(context.Background(), "abc", "https://app.example.com/", time.Minute))

	pair, ok := fake.get("relay/states/abc")
	require.True(t, ok, "key prefix gets a trailing slash")

	var entry consulEntry
	require.NoError(t, json.Unmarshal(pair.Value, &entry))
	assert.Equal(t, "https://app.example.com/", entry.Redirect)
	assert.True(t, entry.ExpiresAt.Equal(now.Add(time.Minute)))
}

func TestConsulStore_StaleDeleteLosesCAS(t *testing.T) {
	s, fake, _ := newConsulStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "abc", "first", time.Minute))
	stale, ok := fake.get("relay/states/abc")
	require.True(t, ok)

	// Another writer replaces the key after our read.
	require.NoError(t, s.Set(ctx, "abc", "second", time.Minute))

	deleted, _, err := s.kv.DeleteCAS(&api.KVPair{Key: stale.Key, ModifyIndex: stale.ModifyIndex}, nil)
	require.NoError(t, err)
	assert.False(t, deleted)

	v, err := s.Consume(ctx, "abc")
	require.NoError(t, err)
	assert.Equal(t, "second", v)
}

func TestConsulStore_PurgeExpired(t *testing.T) {
	s, fake, now := newConsulStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "old1", "a", time.Second))
	require.NoError(t, s.Set(ctx, "old2", "b", time.Second))
	require.NoError(t, s.Set(ctx, "fresh", "c", time.Hour))
	fake.put(&api.KVPair{Key: "relay/states/garbage", Value: []byte("{"), ModifyIndex: 50})
	fake.put(&api.KVPair{Key: "other/key", Value: []byte("{"), ModifyIndex: 51})

	*now = now.Add(time.Minute)

	n, err := s.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	assert.Equal(t, []string{"other/key", "relay/states/fresh"}, fake.keys())
}

func TestOpenConsul_Unreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := OpenConsul(ctx, ConsulConfig{Address: "http://127.0.0.1:1"})
	assert.Error(t, err)
}
