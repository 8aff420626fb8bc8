package directory

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeProvider is an app-supplied resolver with injectable behavior.
type fakeProvider struct {
	entries map[string]Entry
	err     error
	calls   int
}

func (f *fakeProvider) Lookup(ctx context.Context, id string) (*Entry, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if e, ok := f.entries[id]; ok {
		return &e, nil
	}
	return nil, nil
}

// fakeStore is a map-backed persistent store.
type fakeStore struct {
	entries map[string]Entry
	getErr  error
	putErr  error
	gets    int
	puts    int
}

func (f *fakeStore) Get(ctx context.Context, id string) (*Entry, error) {
	f.gets++
	if f.getErr != nil {
		return nil, f.getErr
	}
	if e, ok := f.entries[id]; ok {
		return &e, nil
	}
	return nil, nil
}

func (f *fakeStore) Put(ctx context.Context, entry Entry) error {
	f.puts++
	if f.putErr != nil {
		return f.putErr
	}
	if f.entries == nil {
		f.entries = make(map[string]Entry)
	}
	f.entries[entry.ID] = entry
	return nil
}

// fakeRemote is the remote service tier.
type fakeRemote struct {
	entries map[string]Entry
	err     error
	calls   int
}

func (f *fakeRemote) Fetch(ctx context.Context, id string) (*Entry, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if e, ok := f.entries[id]; ok {
		return &e, nil
	}
	return nil, nil
}

func TestResolveProviderHitPopulatesMemory(t *testing.T) {
	provider := &fakeProvider{entries: map[string]Entry{
		"alice": {ID: "alice", DisplayName: "Alice", AvatarRef: "a.png"},
	}}
	c := NewCache(provider, nil, nil)

	entry := c.Resolve(context.Background(), "alice")
	assert.Equal(t, "Alice", entry.DisplayName)
	require.Equal(t, 1, provider.calls)

	// Second resolution must come from memory.
	entry = c.Resolve(context.Background(), "alice")
	assert.Equal(t, "Alice", entry.DisplayName)
	assert.Equal(t, 1, provider.calls)
}

func TestResolveFallbackOrder(t *testing.T) {
	provider := &fakeProvider{}
	store := &fakeStore{entries: map[string]Entry{
		"bob": {ID: "bob", DisplayName: "Bob"},
	}}
	remote := &fakeRemote{}
	c := NewCache(provider, store, remote)

	entry := c.Resolve(context.Background(), "bob")
	assert.Equal(t, "Bob", entry.DisplayName)
	assert.Equal(t, 1, provider.calls, "provider consulted before store")
	assert.Equal(t, 1, store.gets)
	assert.Equal(t, 0, remote.calls, "remote not consulted after store hit")
}

func TestResolveRemoteTier(t *testing.T) {
	remote := &fakeRemote{entries: map[string]Entry{
		"carol": {ID: "carol", DisplayName: "Carol"},
	}}
	c := NewCache(&fakeProvider{}, &fakeStore{}, remote)

	entry := c.Resolve(context.Background(), "carol")
	assert.Equal(t, "Carol", entry.DisplayName)
	assert.Equal(t, 1, remote.calls)
}

func TestResolveSynthesizesOnTotalMiss(t *testing.T) {
	c := NewCache(nil, nil, nil)
	entry := c.Resolve(context.Background(), "ghost")
	assert.Equal(t, Entry{ID: "ghost"}, entry)
}

func TestSynthesizedEntryNotCached(t *testing.T) {
	provider := &fakeProvider{}
	c := NewCache(provider, nil, nil)

	c.Resolve(context.Background(), "ghost")
	c.Resolve(context.Background(), "ghost")
	assert.Equal(t, 2, provider.calls, "misses must retry the chain")
}

func TestResolveSkipsFailingTier(t *testing.T) {
	provider := &fakeProvider{err: errors.New("app resolver down")}
	store := &fakeStore{getErr: errors.New("disk gone")}
	remote := &fakeRemote{entries: map[string]Entry{
		"dave": {ID: "dave", DisplayName: "Dave"},
	}}
	c := NewCache(provider, store, remote)

	entry := c.Resolve(context.Background(), "dave")
	assert.Equal(t, "Dave", entry.DisplayName)
}

func TestObserveRefreshesMemoryAndStore(t *testing.T) {
	store := &fakeStore{}
	c := NewCache(nil, store, nil)

	c.Observe(context.Background(), Entry{ID: "alice", DisplayName: "Alice P."})
	entry := c.Resolve(context.Background(), "alice")
	assert.Equal(t, "Alice P.", entry.DisplayName)
	assert.Equal(t, 1, store.puts)
}

func TestObserveIgnoresEmptyNames(t *testing.T) {
	store := &fakeStore{}
	c := NewCache(nil, store, nil)

	c.Observe(context.Background(), Entry{ID: "alice"})
	c.Observe(context.Background(), Entry{DisplayName: "nameless"})
	assert.Equal(t, 0, store.puts)
}

func TestResetClearsMemory(t *testing.T) {
	provider := &fakeProvider{entries: map[string]Entry{
		"alice": {ID: "alice", DisplayName: "Alice"},
	}}
	c := NewCache(provider, nil, nil)

	c.Resolve(context.Background(), "alice")
	c.Reset()
	c.Resolve(context.Background(), "alice")
	assert.Equal(t, 2, provider.calls, "reset must drop cached entries")
}
