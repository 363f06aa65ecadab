package delivery

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"
)

// MemoryClient is an in-process Client for tests and dry runs
type MemoryClient struct {
	mu       sync.Mutex
	objects  map[string][]byte
	metas    map[string]ObjectMeta
	flags    map[string]bool
	puts     int
	gen      int64
	failPut  []error
	failGet  []error
	failSet  []error
	setCalls int
}

// NewMemoryClient creates an empty in-memory store
func NewMemoryClient() *MemoryClient {
	return &MemoryClient{
		objects: make(map[string][]byte),
		metas:   make(map[string]ObjectMeta),
		flags:   make(map[string]bool),
	}
}

func objectKey(bucket, path string) string {
	return bucket + "/" + path
}

func flagKey(collection, document, field string) string {
	return collection + "/" + document + "#" + field
}

// FailPuts makes the next len(errs) PutObject calls fail, in order
func (m *MemoryClient) FailPuts(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failPut = append(m.failPut, errs...)
}

// FailGets makes the next len(errs) GetFlag calls fail, in order
func (m *MemoryClient) FailGets(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failGet = append(m.failGet, errs...)
}

// FailSets makes the next len(errs) SetFlag calls fail, in order
func (m *MemoryClient) FailSets(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failSet = append(m.failSet, errs...)
}

func popErr(errs *[]error) error {
	if len(*errs) == 0 {
		return nil
	}
	err := (*errs)[0]
	*errs = (*errs)[1:]
	if err == nil {
		err = &DeliveryError{Op: "memory", Kind: KindNetwork, Err: errors.New("injected failure")}
	}
	return err
}

// PutObject implements Client
func (m *MemoryClient) PutObject(ctx context.Context, bucket, path string, data []byte, contentType string) (ObjectMeta, error) {
	if err := ctx.Err(); err != nil {
		return ObjectMeta{}, transportError("put_object", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.puts++
	if err := popErr(&m.failPut); err != nil {
		return ObjectMeta{}, err
	}

	m.gen++
	stored := make([]byte, len(data))
	copy(stored, data)

	meta := ObjectMeta{
		Name:        path,
		Bucket:      bucket,
		ContentType: contentType,
		Size:        int64(len(data)),
		Generation:  strconv.FormatInt(m.gen, 10),
		Digest:      Digest(data),
		Created:     time.Now(),
	}
	key := objectKey(bucket, path)
	m.objects[key] = stored
	m.metas[key] = meta
	return meta, nil
}

// GetFlag implements Client
func (m *MemoryClient) GetFlag(ctx context.Context, collection, document, field string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, transportError("get_flag", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := popErr(&m.failGet); err != nil {
		return false, err
	}
	return m.flags[flagKey(collection, document, field)], nil
}

// SetFlag implements Client
func (m *MemoryClient) SetFlag(ctx context.Context, collection, document, field string, value bool) error {
	if err := ctx.Err(); err != nil {
		return transportError("set_flag", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.setCalls++
	if err := popErr(&m.failSet); err != nil {
		return err
	}
	m.flags[flagKey(collection, document, field)] = value
	return nil
}

// Object returns a stored object
func (m *MemoryClient) Object(bucket, path string) ([]byte, ObjectMeta, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := objectKey(bucket, path)
	data, ok := m.objects[key]
	if !ok {
		return nil, ObjectMeta{}, ErrNotFound
	}
	return data, m.metas[key], nil
}

// Objects returns the number of stored objects
func (m *MemoryClient) Objects() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.objects)
}

// Calls returns how many PutObject and SetFlag calls were made
func (m *MemoryClient) Calls() (puts, sets int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.puts, m.setCalls
}
