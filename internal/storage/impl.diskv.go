package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/peterbourgon/diskv/v3"

	"github.com/meidoworks/nekoq-replicator/internal/iface"
)

var _ iface.KVStorage = new(DiskvStorage)

type DiskvStorage struct {
	diskv *diskv.Diskv
}

func NewDiskvStorage(folder string) (*DiskvStorage, error) {
	f, err := filepath.Abs(folder)
	if err != nil {
		return nil, err
	}
	d := diskv.New(diskv.Options{
		BasePath: f,
		Transform: func(s string) []string {
			return []string{diskvSha256prefix(s)}
		},
		CacheSizeMax: 1024 * 1024,
	})

	return &DiskvStorage{
		diskv: d,
	}, nil
}

func (d *DiskvStorage) Put(k, v []byte) error {
	key := string(k)
	if !validateKeyFormat(key) {
		return ErrKeyFormatInvalid
	}
	return d.diskv.Write(key, v)
}

func (d *DiskvStorage) Get(k []byte) ([]byte, bool, error) {
	key := string(k)
	if !validateKeyFormat(key) {
		return nil, false, ErrKeyFormatInvalid
	}
	dat, err := d.diskv.Read(key)
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return dat, true, nil
}

func (d *DiskvStorage) Delete(k []byte) error {
	key := string(k)
	if !validateKeyFormat(key) {
		return ErrKeyFormatInvalid
	}
	if err := d.diskv.Erase(key); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (d *DiskvStorage) Keys(prefix string) ([]string, error) {
	if !validateKeyFormat(prefix) {
		return nil, ErrKeyFormatInvalid
	}
	cancel := make(chan struct{})
	defer close(cancel)
	// the hashing transform scatters keys over directories, so filter a full walk
	var keys []string
	for k := range d.diskv.Keys(cancel) {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)
	return keys, nil
}

func diskvSha256prefix(s string) string {
	v := sha256.Sum256([]byte(s))
	return hex.EncodeToString(v[:])[:4]
}
