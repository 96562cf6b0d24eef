package session

import (
	"bytes"
	"sync"
	"testing"
	"time"
)

// memStore is an in-memory session.Store used only by these tests, so that
// this package's tests don't have to depend on session/filestore (which
// itself imports session, and would otherwise create an import cycle).
type memStore struct {
	mu          sync.Mutex
	values      map[string][]byte
	sharedKey   []byte
	sharedKeyOK bool
	expiresAt   time.Time
}

func newMemStore() *memStore {
	return &memStore{values: map[string][]byte{}}
}

func (m *memStore) GetBytes(key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	return v, ok, nil
}

func (m *memStore) PutBytes(key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	return nil
}

func (m *memStore) Remove(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
	return nil
}

func (m *memStore) GetCounter(key string) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	if !ok || len(v) != 8 {
		return 0, nil
	}
	var n uint64
	for i := 0; i < 8; i++ {
		n |= uint64(v[i]) << (8 * uint(i))
	}
	return n, nil
}

func (m *memStore) PutCounter(key string, value uint64) error {
	b := make([]byte, 8)
	for i := 0; i < 8; i++ {
		b[i] = byte(value >> (8 * uint(i)))
	}
	return m.PutBytes(key, b)
}

func (m *memStore) GetSharedKey() ([]byte, time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sharedKey, m.expiresAt, m.sharedKeyOK, nil
}

func (m *memStore) PutSharedKey(key []byte, expires time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sharedKey = key
	m.expiresAt = expires
	m.sharedKeyOK = true
	return nil
}

func newCryptor(t *testing.T, path string, key []byte) *Cryptor {
	t.Helper()
	store := newMemStore()
	c, err := New(store, nil, key)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	path := t.TempDir() + "/store.json"
	key := bytes.Repeat([]byte{0x5A}, 32)

	alice := newCryptor(t, path+".a", key)
	bob := newCryptor(t, path+".b", key)

	payload := []byte("system status payload")
	envelope, err := alice.Encrypt(payload)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	got, err := bob.Decrypt(envelope)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("round trip mismatch: got %q want %q", got, payload)
	}
}

func TestWriteCounterMonotonic(t *testing.T) {
	path := t.TempDir() + "/store.json"
	key := bytes.Repeat([]byte{0x11}, 32)
	c := newCryptor(t, path, key)

	var last uint64
	for i := 0; i < 5; i++ {
		if _, err := c.Encrypt([]byte("x")); err != nil {
			t.Fatalf("encrypt: %v", err)
		}
		if c.State().WriteCounter != last+1 {
			t.Fatalf("expected write counter to increase by 1, got %d -> %d", last, c.State().WriteCounter)
		}
		last = c.State().WriteCounter
	}
}

func TestRebootCounterResyncResetsWriteCounter(t *testing.T) {
	path := t.TempDir() + "/store.json"
	key := bytes.Repeat([]byte{0x33}, 32)

	a := newCryptor(t, path+".a", key)
	b := newCryptor(t, path+".b", key)

	// advance A's write counter and reboot epoch as if it rebooted once
	for i := 0; i < 3; i++ {
		if _, err := a.Encrypt([]byte("tick")); err != nil {
			t.Fatalf("encrypt: %v", err)
		}
	}
	a.state.RebootCounter = 9
	a.state.WriteCounter = 0

	envelope, err := a.Encrypt([]byte("after reboot"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	if _, err := b.Decrypt(envelope); err != nil {
		t.Fatalf("decrypt: %v", err)
	}

	if b.State().RebootCounter != 9 {
		t.Fatalf("expected b to adopt reboot counter 9, got %d", b.State().RebootCounter)
	}
	if b.State().WriteCounter != 0 {
		t.Fatalf("expected b's write counter reset to 0, got %d", b.State().WriteCounter)
	}
}

func TestDecryptFailsOnShortEnvelope(t *testing.T) {
	path := t.TempDir() + "/store.json"
	key := bytes.Repeat([]byte{0x44}, 32)
	c := newCryptor(t, path, key)

	if _, err := c.Decrypt(make([]byte, 10)); err == nil {
		t.Fatalf("expected error on short envelope")
	}
}

func TestDecryptFailsOnTamperedEnvelope(t *testing.T) {
	path := t.TempDir() + "/store.json"
	key := bytes.Repeat([]byte{0x55}, 32)

	a := newCryptor(t, path+".a", key)
	b := newCryptor(t, path+".b", key)

	envelope, err := a.Encrypt([]byte("payload"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	envelope[0] ^= 0xFF

	if _, err := b.Decrypt(envelope); err == nil {
		t.Fatalf("expected decrypt failure on tampered envelope")
	}
}

func TestPersistenceRoundTrip(t *testing.T) {
	key := bytes.Repeat([]byte{0x66}, 32)

	store := newMemStore()
	c, err := New(store, nil, key)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	for i := 0; i < 3; i++ {
		if _, err := c.Encrypt([]byte("x")); err != nil {
			t.Fatalf("encrypt: %v", err)
		}
	}

	reloaded, err := Load(store, nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if reloaded == nil {
		t.Fatalf("expected a cryptor to load")
	}
	got, want := reloaded.State(), c.State()
	if got.ReadCounter != want.ReadCounter || got.WriteCounter != want.WriteCounter || got.RebootCounter != want.RebootCounter {
		t.Fatalf("counters diverged after reload: %+v vs %+v", got, want)
	}
}
