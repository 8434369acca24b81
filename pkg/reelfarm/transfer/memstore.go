package transfer

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// StatusError is a store failure carrying an HTTP-like status code.
type StatusError struct {
	Op     string
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: status %d", e.Op, e.Status)
}

// MemStore is an in-process ObjectStore for development and tests. The
// Fail hooks inject errors; attempt counts from 1 per key and part.
type MemStore struct {
	BaseURL string

	FailPart   func(number, attempt int) error
	FailPut    func(key string) error
	FailInit   func(key string) error
	FailExists func(key string) error

	mu       sync.Mutex
	objects  map[string][]byte
	uploads  map[string]map[int][]byte
	attempts map[string]int
	puts     int
	aborts   int
	partLog  []int
}

// NewMemStore returns an empty store whose URLs start with baseURL.
func NewMemStore(baseURL string) *MemStore {
	return &MemStore{
		BaseURL:  strings.TrimRight(baseURL, "/"),
		objects:  make(map[string][]byte),
		uploads:  make(map[string]map[int][]byte),
		attempts: make(map[string]int),
	}
}

func (m *MemStore) Exists(_ context.Context, key string) (bool, error) {
	if m.FailExists != nil {
		if err := m.FailExists(key); err != nil {
			return false, err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[key]
	return ok, nil
}

func (m *MemStore) PutObject(_ context.Context, key string, data []byte) error {
	if m.FailPut != nil {
		if err := m.FailPut(key); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = bytes.Clone(data)
	m.puts++
	return nil
}

func (m *MemStore) InitMultipart(_ context.Context, key string) (string, error) {
	if m.FailInit != nil {
		if err := m.FailInit(key); err != nil {
			return "", err
		}
	}
	id := uuid.NewString()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.uploads[id] = make(map[int][]byte)
	return id, nil
}

func (m *MemStore) UploadPart(ctx context.Context, key, uploadID string, number int, data []byte) (Part, error) {
	if err := ctx.Err(); err != nil {
		return Part{}, err
	}
	m.mu.Lock()
	attemptKey := fmt.Sprintf("%s/%d", key, number)
	m.attempts[attemptKey]++
	attempt := m.attempts[attemptKey]
	m.mu.Unlock()

	if m.FailPart != nil {
		if err := m.FailPart(number, attempt); err != nil {
			return Part{}, err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	parts, ok := m.uploads[uploadID]
	if !ok {
		return Part{}, &StatusError{Op: "upload part", Status: 404}
	}
	parts[number] = bytes.Clone(data)
	m.partLog = append(m.partLog, number)
	sum := md5.Sum(data)
	return Part{Number: number, ETag: hex.EncodeToString(sum[:])}, nil
}

func (m *MemStore) CompleteMultipart(_ context.Context, key, uploadID string, parts []Part) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.uploads[uploadID]
	if !ok {
		return &StatusError{Op: "complete multipart", Status: 404}
	}
	var buf bytes.Buffer
	for i, p := range parts {
		if p.Number != i+1 {
			return &StatusError{Op: "complete multipart: parts out of order", Status: 400}
		}
		data, ok := stored[p.Number]
		if !ok {
			return &StatusError{Op: fmt.Sprintf("complete multipart: missing part %d", p.Number), Status: 400}
		}
		buf.Write(data)
	}
	m.objects[key] = buf.Bytes()
	delete(m.uploads, uploadID)
	return nil
}

func (m *MemStore) AbortMultipart(_ context.Context, _, uploadID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.uploads, uploadID)
	m.aborts++
	return nil
}

func (m *MemStore) URL(key string) string {
	return m.BaseURL + "/" + key
}

// Object returns a stored object.
func (m *MemStore) Object(key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	return data, ok
}

// Counters reports single puts, aborts and open multipart sessions.
func (m *MemStore) Counters() (puts, aborts, open int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.puts, m.aborts, len(m.uploads)
}

// PartLog returns part numbers in the order they were stored.
func (m *MemStore) PartLog() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int(nil), m.partLog...)
}
