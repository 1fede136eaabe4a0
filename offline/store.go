package offline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/roadrunner-server/errors"
)

// ErrStoreFull is returned by stores that cannot hold the whole queue
var ErrStoreFull = errors.Str("offline store is full")

// Store persists the offline queue. Save replaces the stored state entirely.
type Store interface {
	Load(ctx context.Context) ([]QueuedRequest, error)
	Save(ctx context.Context, items []QueuedRequest) error
}

var (
	encMode     cbor.EncMode
	decMode     cbor.DecMode
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error

	encOptions := cbor.CoreDetEncOptions()
	encOptions.Time = cbor.TimeRFC3339Nano
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("offline: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("offline: CBOR decoder initialization failed: " + err.Error())
	}

	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("offline: zstd encoder initialization failed: " + err.Error())
	}

	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("offline: zstd decoder initialization failed: " + err.Error())
	}
}

// MemoryStore keeps the queue in memory. A positive Limit makes Save fail
// with ErrStoreFull when more items are written.
type MemoryStore struct {
	mu    sync.Mutex
	items []QueuedRequest
	Limit int
}

// NewMemoryStore creates an empty memory store
func NewMemoryStore(limit int) *MemoryStore {
	return &MemoryStore{Limit: limit}
}

func (m *MemoryStore) Load(context.Context) ([]QueuedRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return cloneRequests(m.items), nil
}

func (m *MemoryStore) Save(_ context.Context, items []QueuedRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.Limit > 0 && len(items) > m.Limit {
		return ErrStoreFull
	}
	m.items = cloneRequests(items)
	return nil
}

// FileStore keeps the queue in one zstd-compressed CBOR file replaced
// atomically on every save
type FileStore struct {
	mu   sync.Mutex
	path string
	// MaxBytes bounds the compressed file size, zero means unbounded
	MaxBytes int
}

// NewFileStore creates a store writing to path. The parent directory is
// created on first save.
func NewFileStore(path string, maxBytes int) *FileStore {
	return &FileStore{path: path, MaxBytes: maxBytes}
}

// Path returns the file location
func (f *FileStore) Path() string {
	return f.path
}

func (f *FileStore) Load(context.Context) ([]QueuedRequest, error) {
	const op = errors.Op("offline_file_store_load")

	f.mu.Lock()
	defer f.mu.Unlock()

	compressed, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.E(op, err)
	}
	if len(compressed) == 0 {
		return nil, nil
	}

	data, err := zstdDecoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, errors.E(op, fmt.Errorf("zstd decompress: %w", err))
	}

	var items []QueuedRequest
	if err := decMode.Unmarshal(data, &items); err != nil {
		return nil, errors.E(op, fmt.Errorf("decoding offline queue: %w", err))
	}
	return items, nil
}

func (f *FileStore) Save(_ context.Context, items []QueuedRequest) error {
	const op = errors.Op("offline_file_store_save")

	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := encMode.Marshal(items)
	if err != nil {
		return errors.E(op, fmt.Errorf("encoding offline queue: %w", err))
	}
	compressed := zstdEncoder.EncodeAll(data, nil)
	if f.MaxBytes > 0 && len(compressed) > f.MaxBytes {
		return errors.E(op, ErrStoreFull)
	}

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.E(op, err)
	}

	tmpFile, err := os.CreateTemp(dir, filepath.Base(f.path)+".tmp-*")
	if err != nil {
		return errors.E(op, err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(compressed); err != nil {
		_ = tmpFile.Close()
		return errors.E(op, fmt.Errorf("writing offline queue: %w", err))
	}
	if err := tmpFile.Sync(); err != nil {
		_ = tmpFile.Close()
		return errors.E(op, err)
	}
	if err := tmpFile.Close(); err != nil {
		return errors.E(op, fmt.Errorf("closing temp offline queue file: %w", err))
	}
	if err := os.Rename(tmpPath, f.path); err != nil {
		return errors.E(op, err)
	}

	success = true
	return nil
}

func cloneRequests(items []QueuedRequest) []QueuedRequest {
	if items == nil {
		return nil
	}
	out := make([]QueuedRequest, len(items))
	for i, it := range items {
		out[i] = it.clone()
	}
	return out
}
