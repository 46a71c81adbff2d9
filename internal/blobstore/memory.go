package blobstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

type memoryStore struct {
	ns namespace

	mu      sync.RWMutex
	objects map[string]Object
}

func newMemoryStore(prefix string) Store {
	return &memoryStore{ns: newNamespace(prefix), objects: make(map[string]Object)}
}

func (m *memoryStore) Create(_ context.Context, key string, payload []byte, meta map[string]string) (bool, error) {
	key, err := cleanKey(key)
	if err != nil {
		return false, err
	}
	full := m.ns.full(key)

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[full]; ok {
		return false, nil
	}
	m.objects[full] = Object{
		Key:          key,
		Data:         append([]byte(nil), payload...),
		Metadata:     copyMeta(meta),
		LastModified: time.Now().UTC(),
	}
	return true, nil
}

func (m *memoryStore) Get(_ context.Context, key string) (Object, error) {
	key, err := cleanKey(key)
	if err != nil {
		return Object{}, err
	}
	m.mu.RLock()
	obj, ok := m.objects[m.ns.full(key)]
	m.mu.RUnlock()
	if !ok {
		return Object{}, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	obj.Data = append([]byte(nil), obj.Data...)
	obj.Metadata = copyMeta(obj.Metadata)
	return obj, nil
}

func (m *memoryStore) List(_ context.Context, prefix string) ([]string, error) {
	prefix = strings.TrimPrefix(prefix, "/")
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for _, obj := range m.objects {
		if strings.HasPrefix(obj.Key, prefix) {
			out = append(out, obj.Key)
		}
	}
	sort.Strings(out)
	return out, nil
}
