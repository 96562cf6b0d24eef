// Package filestore is a local-disk session.Store backed by a single JSON
// file, grounded on the teacher's load-whole-file-under-a-lock gatt cache.
package filestore

import (
	"encoding/binary"
	"encoding/hex"
	"os"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"

	"github.com/vicktor/ypsomed-pump/session"
)

type record struct {
	ValuesHex map[string]string `json:"values_hex"`
}

type fileStore struct {
	filename string
	lock     sync.RWMutex
}

// New returns a session.Store persisting to filename. The file is created
// on first write; it does not need to exist beforehand.
func New(filename string) session.Store {
	return &fileStore{filename: filename}
}

func (fs *fileStore) GetBytes(key string) ([]byte, bool, error) {
	fs.lock.RLock()
	defer fs.lock.RUnlock()

	rec, err := fs.loadExisting()
	if err != nil {
		return nil, false, err
	}

	hx, ok := rec.ValuesHex[key]
	if !ok {
		return nil, false, nil
	}

	b, err := hex.DecodeString(hx)
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

func (fs *fileStore) PutBytes(key string, value []byte) error {
	fs.lock.Lock()
	defer fs.lock.Unlock()

	rec, err := fs.loadExisting()
	if err != nil {
		return err
	}

	rec.ValuesHex[key] = hex.EncodeToString(value)
	return fs.storeRecord(rec)
}

func (fs *fileStore) Remove(key string) error {
	fs.lock.Lock()
	defer fs.lock.Unlock()

	rec, err := fs.loadExisting()
	if err != nil {
		return err
	}

	delete(rec.ValuesHex, key)
	return fs.storeRecord(rec)
}

func (fs *fileStore) GetCounter(key string) (uint64, error) {
	b, ok, err := fs.GetBytes(key)
	if err != nil {
		return 0, err
	}
	if !ok || len(b) != 8 {
		return 0, nil
	}
	return binary.LittleEndian.Uint64(b), nil
}

func (fs *fileStore) PutCounter(key string, value uint64) error {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, value)
	return fs.PutBytes(key, b)
}

const (
	keySharedKey          = "crypto.shared_key"
	keySharedKeyExpiresAt = "crypto.shared_key_expires_at"
)

func (fs *fileStore) GetSharedKey() ([]byte, time.Time, bool, error) {
	key, ok, err := fs.GetBytes(keySharedKey)
	if err != nil || !ok {
		return nil, time.Time{}, false, err
	}

	millisBuf, ok, err := fs.GetBytes(keySharedKeyExpiresAt)
	if err != nil {
		return nil, time.Time{}, false, err
	}
	if !ok || len(millisBuf) != 8 {
		return nil, time.Time{}, false, nil
	}

	millis := binary.LittleEndian.Uint64(millisBuf)
	expires := time.UnixMilli(int64(millis))

	return key, expires, true, nil
}

func (fs *fileStore) PutSharedKey(key []byte, expires time.Time) error {
	if err := fs.PutBytes(keySharedKey, key); err != nil {
		return err
	}

	millisBuf := make([]byte, 8)
	binary.LittleEndian.PutUint64(millisBuf, uint64(expires.UnixMilli()))
	return fs.PutBytes(keySharedKeyExpiresAt, millisBuf)
}

func (fs *fileStore) loadExisting() (record, error) {
	_, err := os.Stat(fs.filename)
	if os.IsNotExist(err) {
		return record{ValuesHex: map[string]string{}}, nil
	}

	in, err := os.ReadFile(fs.filename)
	if err != nil {
		return record{}, errors.Wrapf(err, "filestore: read %s", fs.filename)
	}

	var rec record
	if err := jsoniter.Unmarshal(in, &rec); err != nil {
		return record{}, errors.Wrapf(err, "filestore: corrupt store %s", fs.filename)
	}
	if rec.ValuesHex == nil {
		rec.ValuesHex = map[string]string{}
	}

	return rec, nil
}

func (fs *fileStore) storeRecord(rec record) error {
	out, err := jsoniter.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "filestore: marshal")
	}

	return errors.Wrapf(os.WriteFile(fs.filename, out, 0600), "filestore: write %s", fs.filename)
}
