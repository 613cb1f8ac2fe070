package workload

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/frobware/go-pvio/ring"
)

// Store protocol: every message is a sequence of NUL-terminated words.
// A request is an operation word, a key and, for writes, a value. A
// response is a status word and a payload word.
const (
	storeRead   = "read"
	storeWrite  = "write"
	storeRemove = "rm"

	storeOK       = "ok"
	storeNotFound = "enoent"
	storeInvalid  = "einval"
)

// ErrNotFound is returned by StoreClient.Read for a missing key.
var ErrNotFound = errors.New("key not found")

// StoreClient is the frontend of a key/value store reached over a
// byte-stream channel. Calls are serialised; one request is on the
// wire at a time.
type StoreClient struct {
	s  *ring.Stream
	mu sync.Mutex
}

func newStoreClient(s *ring.Stream) *StoreClient {
	return &StoreClient{s: s}
}

// Read returns the value stored under key.
func (c *StoreClient) Read(key string) (string, error) {
	return c.call(storeRead, key)
}

// Write stores value under key.
func (c *StoreClient) Write(key, value string) error {
	_, err := c.call(storeWrite, key, value)
	return err
}

// Remove deletes key. Removing a missing key is not an error.
func (c *StoreClient) Remove(key string) error {
	_, err := c.call(storeRemove, key)
	return err
}

func (c *StoreClient) call(words ...string) (string, error) {
	var msg bytes.Buffer
	for _, w := range words {
		if bytes.IndexByte([]byte(w), 0) >= 0 {
			return "", fmt.Errorf("store %s: word %q contains NUL", words[0], w)
		}
		msg.WriteString(w)
		msg.WriteByte(0)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.s.Write(msg.Bytes()); err != nil {
		return "", fmt.Errorf("store %s: %w", words[0], err)
	}
	status, err := c.s.ReadWord()
	if err != nil {
		return "", fmt.Errorf("store %s: %w", words[0], err)
	}
	payload, err := c.s.ReadWord()
	if err != nil {
		return "", fmt.Errorf("store %s: %w", words[0], err)
	}

	switch string(status) {
	case storeOK:
		return string(payload), nil
	case storeNotFound:
		return "", fmt.Errorf("%s: %w", payload, ErrNotFound)
	default:
		return "", fmt.Errorf("store %s: %s: %s", words[0], status, payload)
	}
}

// StoreServer is the backend of the store. It owns the data.
type StoreServer struct {
	s      *ring.Stream
	logger *slog.Logger

	mu   sync.Mutex
	data map[string]string
}

func newStoreServer(s *ring.Stream, logger *slog.Logger) *StoreServer {
	return &StoreServer{
		s:      s,
		logger: logger.With("component", "storeback"),
		data:   make(map[string]string),
	}
}

// Len returns the number of stored keys.
func (srv *StoreServer) Len() int {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	return len(srv.data)
}

// Serve answers requests until the stream is closed or ctx ends.
func (srv *StoreServer) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { srv.s.Close() })
	defer stop()

	for {
		status, payload, err := srv.serveOne()
		if err != nil {
			if errors.Is(err, ring.ErrClosed) {
				return nil
			}
			return err
		}
		if _, err := srv.s.Write([]byte(status + "\x00" + payload + "\x00")); err != nil {
			if errors.Is(err, ring.ErrClosed) {
				return nil
			}
			return fmt.Errorf("store reply: %w", err)
		}
	}
}

func (srv *StoreServer) serveOne() (status, payload string, err error) {
	op, err := srv.s.ReadWord()
	if err != nil {
		return "", "", err
	}
	key, err := srv.s.ReadWord()
	if err != nil {
		return "", "", err
	}
	var value []byte
	if string(op) == storeWrite {
		if value, err = srv.s.ReadWord(); err != nil {
			return "", "", err
		}
	}

	srv.mu.Lock()
	defer srv.mu.Unlock()
	switch string(op) {
	case storeRead:
		v, ok := srv.data[string(key)]
		if !ok {
			return storeNotFound, string(key), nil
		}
		return storeOK, v, nil
	case storeWrite:
		srv.data[string(key)] = string(value)
		return storeOK, "", nil
	case storeRemove:
		delete(srv.data, string(key))
		return storeOK, "", nil
	default:
		srv.logger.Warn("unknown store operation", "op", string(op))
		return storeInvalid, "unknown operation " + string(op), nil
	}
}
