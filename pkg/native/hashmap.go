package native

// HashMap represents a java.util.HashMap. Strings and boxed integers are
// compared by value, every other key by identity.
type HashMap struct {
	entries map[any]any
}

func NewHashMap() *HashMap {
	return &HashMap{entries: make(map[any]any)}
}

func mapKey(key any) any {
	if i, ok := key.(*Integer); ok {
		return i.Value
	}
	return key
}

// Get returns the value mapped to key, or nil.
func (m *HashMap) Get(key any) any {
	return m.entries[mapKey(key)]
}

// Put maps key to value and returns the previous value.
func (m *HashMap) Put(key, value any) any {
	k := mapKey(key)
	prev := m.entries[k]
	m.entries[k] = value
	return prev
}

func (m *HashMap) ContainsKey(key any) bool {
	_, ok := m.entries[mapKey(key)]
	return ok
}

// Remove unmaps key and returns its previous value.
func (m *HashMap) Remove(key any) any {
	k := mapKey(key)
	prev := m.entries[k]
	delete(m.entries, k)
	return prev
}

func (m *HashMap) Size() int32 {
	return int32(len(m.entries))
}
