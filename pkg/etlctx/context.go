// Package etlctx provides the execution context passed between pipeline
// steps.
//
// A Context is an ordered key/value bag. Steps use it to hand intermediate
// results to later steps (parsed headers, a detected delimiter, a row offset).
// The engine serializes the context after every completed step and rebuilds it
// from the snapshot when a run resumes, so every persistent value must be JSON
// encodable.
//
// Values that cannot or should not survive a restart, such as an open storage
// handle, are stored with SetTransient. Transient values are skipped during
// serialization and closed by Close when they implement io.Closer.
//
// A Context is owned by exactly one run and is not safe for concurrent use.
package etlctx

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Context is an ordered, serializable key/value store.
type Context struct {
	keys      []string
	values    map[string]any
	transient map[string]bool
}

// New returns an empty Context.
func New() *Context {
	return &Context{
		values:    make(map[string]any),
		transient: make(map[string]bool),
	}
}

// Set stores a persistent value. Setting an existing key keeps its original
// position in the key order.
func (c *Context) Set(key string, value any) {
	c.put(key, value)
	delete(c.transient, key)
}

// SetTransient stores a value that is never serialized.
func (c *Context) SetTransient(key string, value any) {
	c.put(key, value)
	c.transient[key] = true
}

func (c *Context) put(key string, value any) {
	if _, ok := c.values[key]; !ok {
		c.keys = append(c.keys, key)
	}
	c.values[key] = value
}

// Get returns the raw value stored under key.
func (c *Context) Get(key string) (any, bool) {
	v, ok := c.values[key]
	return v, ok
}

// Has reports whether key is present.
func (c *Context) Has(key string) bool {
	_, ok := c.values[key]
	return ok
}

// IsTransient reports whether key holds a transient value.
func (c *Context) IsTransient(key string) bool {
	return c.transient[key]
}

// Delete removes key. Deleting a missing key is a no-op.
func (c *Context) Delete(key string) {
	if _, ok := c.values[key]; !ok {
		return
	}
	delete(c.values, key)
	delete(c.transient, key)
	for i, k := range c.keys {
		if k == key {
			c.keys = append(c.keys[:i], c.keys[i+1:]...)
			break
		}
	}
}

// Keys returns the keys in insertion order.
func (c *Context) Keys() []string {
	out := make([]string, len(c.keys))
	copy(out, c.keys)
	return out
}

// Len returns the number of stored keys, transient ones included.
func (c *Context) Len() int {
	return len(c.keys)
}

// Get returns the value under key converted to T.
//
// Values restored from a snapshot come back in their JSON shape (numbers as
// float64, slices as []any). When a direct type assertion fails, Get converts
// through JSON so that, for example, a restored []any can be read as
// []string.
func Get[T any](c *Context, key string) (T, bool) {
	var zero T
	raw, ok := c.values[key]
	if !ok {
		return zero, false
	}
	if v, ok := raw.(T); ok {
		return v, true
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return zero, false
	}
	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		return zero, false
	}
	return out, true
}

// GetOr returns the value under key, or def when it is missing or has an
// incompatible type.
func GetOr[T any](c *Context, key string, def T) T {
	if v, ok := Get[T](c, key); ok {
		return v
	}
	return def
}

// MarshalJSON encodes the persistent values as a JSON object in key order.
func (c *Context) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	first := true
	for _, k := range c.keys {
		if c.transient[k] {
			continue
		}
		val, err := json.Marshal(c.values[k])
		if err != nil {
			return nil, fmt.Errorf("etlctx: encode %q: %w", k, err)
		}
		if !first {
			buf.WriteByte(',')
		}
		first = false
		name, _ := json.Marshal(k)
		buf.Write(name)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON replaces the persistent contents of c with the decoded object,
// keeping the key order of the document. Transient values already present are
// kept. A JSON null yields an empty context.
func (c *Context) UnmarshalJSON(data []byte) error {
	if c.values == nil {
		c.values = make(map[string]any)
		c.transient = make(map[string]bool)
	}
	for _, k := range c.Keys() {
		if !c.transient[k] {
			c.Delete(k)
		}
	}

	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	tok, err := dec.Token()
	if err != nil {
		return fmt.Errorf("etlctx: decode: %w", err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return errors.New("etlctx: decode: expected JSON object")
	}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return fmt.Errorf("etlctx: decode: %w", err)
		}
		key, ok := tok.(string)
		if !ok {
			return fmt.Errorf("etlctx: decode: unexpected key token %v", tok)
		}
		var v any
		if err := dec.Decode(&v); err != nil {
			return fmt.Errorf("etlctx: decode %q: %w", key, err)
		}
		c.Set(key, v)
	}
	if _, err := dec.Token(); err != nil {
		return fmt.Errorf("etlctx: decode: %w", err)
	}
	return nil
}

// Close closes every transient value implementing io.Closer and removes all
// transient keys.
func (c *Context) Close() error {
	var errs []error
	for _, k := range c.Keys() {
		if !c.transient[k] {
			continue
		}
		if closer, ok := c.values[k].(io.Closer); ok {
			if err := closer.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close %q: %w", k, err))
			}
		}
		c.Delete(k)
	}
	return errors.Join(errs...)
}
