package secrets

import "sync"

// Memory is an in-process Backend. It is used by tests and by callers that
// want to run the setup flow without touching the real credential store.
type Memory struct {
	mu    sync.Mutex
	items map[string]string

	// FailSet and FailDelete make Set/Delete fail for the listed services.
	FailSet    map[string]error
	FailDelete map[string]error
}

// NewMemory returns an empty Memory backend.
func NewMemory() *Memory {
	return &Memory{items: map[string]string{}}
}

// Kind implements the backend kind probe.
func (m *Memory) Kind() BackendKind { return BackendMemory }

func (m *Memory) Get(service, account string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.items[memKey(service, account)]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (m *Memory) Set(service, account, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.FailSet[service]; err != nil {
		return err
	}
	if m.items == nil {
		m.items = map[string]string{}
	}
	m.items[memKey(service, account)] = value
	return nil
}

func (m *Memory) Delete(service, account string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.FailDelete[service]; err != nil {
		return err
	}
	k := memKey(service, account)
	if _, ok := m.items[k]; !ok {
		return ErrNotFound
	}
	delete(m.items, k)
	return nil
}

// Len reports the number of stored items.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

func memKey(service, account string) string {
	return service + "\x00" + account
}
