package database

import (
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"git.mills.io/prologic/bitcask"
	log "github.com/sirupsen/logrus"
)

// ErrNotFound is returned when a key is not found in the database.
var ErrNotFound = errors.New("key not found")

// gzipMagicBytes are the first two bytes of a gzip stream.
var gzipMagicBytes = []byte{0x1f, 0x8b}

const maxKeySize = 512

// DB wraps the bitcask database instance and provides helper methods.
type DB struct {
	db *bitcask.Bitcask
	mu sync.RWMutex
}

// Open initializes and returns a DB instance.
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if dir != "." && dir != "/" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("failed to create database directory %s: %w", dir, err)
		}
	}

	dbInstance, err := bitcask.Open(path, bitcask.WithMaxKeySize(maxKeySize))
	if err != nil {
		return nil, fmt.Errorf("failed to open bitcask database at %s: %w", path, err)
	}
	log.Infof("Database opened successfully at %s", path)
	return &DB{db: dbInstance}, nil
}

// Close flushes and closes the database.
func (d *DB) Close() error {
	log.Info("Closing database...")
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.db.Sync(); err != nil {
		log.WithError(err).Warn("Failed to sync database before close")
	}
	return d.db.Close()
}

// Has checks if a key exists in the database.
func (d *DB) Has(key []byte) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.db.Has(key)
}

// Get retrieves the value associated with a key and decompresses it if necessary.
func (d *DB) Get(key []byte) ([]byte, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.get(key)
}

func (d *DB) get(key []byte) ([]byte, error) {
	value, err := d.db.Get(key)
	if err != nil {
		if errors.Is(err, bitcask.ErrKeyNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("error getting key %s: %w", string(key), err)
	}
	return decompressIfGzipped(value)
}

// Put compresses and stores a key-value pair in the database.
func (d *DB) Put(key []byte, value []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.put(key, value)
}

func (d *DB) put(key []byte, value []byte) error {
	compressedValue, err := compressGzip(value, gzip.BestSpeed)
	if err != nil {
		return fmt.Errorf("error compressing value for key %s: %w", string(key), err)
	}
	if err := d.db.Put(key, compressedValue); err != nil {
		return fmt.Errorf("error putting compressed key %s: %w", string(key), err)
	}
	return nil
}

// Delete removes a key from the database. Deleting a missing key returns ErrNotFound.
func (d *DB) Delete(key []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.db.Has(key) {
		return ErrNotFound
	}
	if err := d.db.Delete(key); err != nil {
		return fmt.Errorf("error deleting key %s: %w", string(key), err)
	}
	return nil
}

// FoldPrefix calls fn for every key under prefix with its decompressed value.
// Keys are collected first so fn never runs inside bitcask's own iteration.
// Returning a non-nil error from fn stops the fold and is returned.
func (d *DB) FoldPrefix(prefix []byte, fn func(key []byte, value []byte) error) error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var keys [][]byte
	err := d.db.Scan(prefix, func(key []byte) error {
		keys = append(keys, append([]byte(nil), key...))
		return nil
	})
	if err != nil {
		return fmt.Errorf("error scanning prefix %s: %w", string(prefix), err)
	}

	for _, key := range keys {
		value, err := d.get(key)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			log.WithError(err).Warnf("FoldPrefix: error getting value for key %s", string(key))
			continue
		}
		if err := fn(key, value); err != nil {
			return err
		}
	}
	return nil
}

// NextSequence returns the next value of a named durable counter, starting at 1.
func (d *DB) NextSequence(name string) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	key := []byte("seq:" + name)
	current := int64(0)
	raw, err := d.get(key)
	switch {
	case errors.Is(err, ErrNotFound):
	case err != nil:
		return 0, err
	default:
		current, err = strconv.ParseInt(string(raw), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("error parsing sequence %s value '%s': %w", name, string(raw), err)
		}
	}

	next := current + 1
	if err := d.put(key, []byte(strconv.FormatInt(next, 10))); err != nil {
		return 0, err
	}
	return next, nil
}

// Sync flushes pending writes to disk.
func (d *DB) Sync() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.db.Sync()
}

// --- Compression Helpers ---

// decompressIfGzipped decompresses the value if it is gzipped.
func decompressIfGzipped(value []byte) ([]byte, error) {
	if !bytes.HasPrefix(value, gzipMagicBytes) {
		return value, nil
	}
	gReader, err := gzip.NewReader(bytes.NewReader(value))
	if err != nil {
		log.WithError(err).Warn("Error creating gzip reader for value, returning raw data.")
		return value, nil
	}
	defer gReader.Close()

	decompressedValue, err := io.ReadAll(gReader)
	if err != nil {
		log.WithError(err).Warn("Error decompressing value, returning raw data.")
		return value, nil
	}
	return decompressedValue, nil
}

// compressGzip compresses the value using gzip with the specified compression level.
func compressGzip(value []byte, level int) ([]byte, error) {
	var buf bytes.Buffer
	gWriter, err := gzip.NewWriterLevel(&buf, level)
	if err != nil {
		return nil, fmt.Errorf("error creating gzip writer for value: %w", err)
	}
	if _, err := gWriter.Write(value); err != nil {
		_ = gWriter.Close()
		return nil, fmt.Errorf("error writing compressed data for value: %w", err)
	}
	// Close flushes the gzip footer
	if err := gWriter.Close(); err != nil {
		return nil, fmt.Errorf("error closing gzip writer for value: %w", err)
	}
	return buf.Bytes(), nil
}
