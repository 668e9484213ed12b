package value

// Map is a string-keyed map that remembers insertion order.
type Map struct {
	keys  []string
	items map[string]Value
}

// NewMap returns an empty map.
func NewMap() *Map {
	return &Map{items: make(map[string]Value)}
}

// Len returns the number of entries.
func (m *Map) Len() int {
	if m == nil {
		return 0
	}
	return len(m.keys)
}

// Get returns the value stored under key.
func (m *Map) Get(key string) (Value, bool) {
	if m == nil {
		return Null(), false
	}
	v, ok := m.items[key]
	return v, ok
}

// Set stores v under key. A new key is appended; an existing key keeps its
// position.
func (m *Map) Set(key string, v Value) {
	if _, exists := m.items[key]; !exists {
		m.keys = append(m.keys, key)
	}
	m.items[key] = v
}

// Delete removes key, preserving the order of the remaining keys.
func (m *Map) Delete(key string) {
	if _, exists := m.items[key]; !exists {
		return
	}
	delete(m.items, key)
	for i, k := range m.keys {
		if k == key {
			m.keys = append(m.keys[:i], m.keys[i+1:]...)
			break
		}
	}
}

// Keys returns the keys in insertion order.
func (m *Map) Keys() []string {
	if m == nil {
		return nil
	}
	out := make([]string, len(m.keys))
	copy(out, m.keys)
	return out
}

// Range calls fn for each entry in order until fn returns false.
func (m *Map) Range(fn func(key string, v Value) bool) {
	if m == nil {
		return
	}
	for _, k := range m.keys {
		if !fn(k, m.items[k]) {
			return
		}
	}
}

// Clone returns a shallow copy.
func (m *Map) Clone() *Map {
	out := &Map{
		keys:  make([]string, len(m.keys)),
		items: make(map[string]Value, len(m.items)),
	}
	copy(out.keys, m.keys)
	for k, v := range m.items {
		out.items[k] = v
	}
	return out
}
