// Package sink stores table files. A Store is addressed by slash-separated keys
// relative to its root and supports a conditional create used to commit table
// metadata.
package sink

import (
	"context"
	"errors"
	"io"
)

var (
	// ErrExists is returned by WriteIfAbsent when the key already holds an object.
	ErrExists = errors.New("object already exists")
	// ErrNotFound is returned by Read when the key holds no object.
	ErrNotFound = errors.New("object not found")
)

type WriteRequest struct {
	Key         string
	Data        []byte
	ContentType string
}

// StreamWriter represents something that can write its contents to a destination writer.
// This avoids allocating function closures in hot paths.
type StreamWriter interface {
	WriteTo(w io.Writer) error
}

type StreamWriteRequest struct {
	Key         string
	ContentType string
	// Writer streams directly to the destination.
	// Implementations must return when done writing.
	Writer StreamWriter
}

type Sinkr interface {
	Write(ctx context.Context, req WriteRequest) error
}

// StreamSinkr is an optional interface implemented by sinks that can stream data directly
// to the destination without buffering the full payload in memory.
// WriteStream returns only after req.Writer.WriteTo has returned.
type StreamSinkr interface {
	WriteStream(ctx context.Context, req StreamWriteRequest) error
}

// Store is a Sinkr that can also read back, list and conditionally create.
type Store interface {
	Sinkr
	// WriteIfAbsent writes req only if req.Key does not exist yet, returning
	// ErrExists otherwise. It is atomic with respect to concurrent writers.
	WriteIfAbsent(ctx context.Context, req WriteRequest) error
	Read(ctx context.Context, key string) ([]byte, error)
	// List returns every key under prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)
	// URI returns the absolute location of key.
	URI(key string) string
}
