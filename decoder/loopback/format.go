package loopback

import (
	"sort"
	"sync"
)

// Format is an in-memory decoder.MediaFormat.
type Format struct {
	mu     sync.RWMutex
	values map[string]interface{}
}

// NewFormat returns an empty Format.
func NewFormat() *Format {
	return &Format{values: map[string]interface{}{}}
}

func (f *Format) set(key string, value interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values[key] = value
}

func (f *Format) SetString(key, value string)          { f.set(key, value) }
func (f *Format) SetInt32(key string, value int32)     { f.set(key, value) }
func (f *Format) SetInt64(key string, value int64)     { f.set(key, value) }
func (f *Format) SetFloat32(key string, value float32) { f.set(key, value) }

func (f *Format) SetBuffer(key string, value []byte) {
	f.set(key, append([]byte(nil), value...))
}

// Value returns the raw value stored under key.
func (f *Format) Value(key string) (interface{}, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	v, ok := f.values[key]
	return v, ok
}

// String returns the string stored under key.
func (f *Format) String(key string) (string, bool) {
	v, ok := f.Value(key)
	s, isString := v.(string)
	return s, ok && isString
}

// Int32 returns the int32 stored under key.
func (f *Format) Int32(key string) (int32, bool) {
	v, ok := f.Value(key)
	i, isInt := v.(int32)
	return i, ok && isInt
}

// Keys returns the sorted keys of the format.
func (f *Format) Keys() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	keys := make([]string, 0, len(f.values))
	for k := range f.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
