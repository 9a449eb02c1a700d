package provider

import (
	"bytes"
	"fmt"
	"io"
	"os"
)

// DefaultSpoolMaxMemoryBytes controls how large a body we buffer in memory to
// make uploads seekable. Larger bodies are spooled to a temp file.
const DefaultSpoolMaxMemoryBytes int64 = 16 << 20 // 16 MiB

// SeekableBody is a replayable copy of a streamed body.
//
// SDK retries and checksum middleware (S3 unsigned payloads over plain HTTP,
// Glacier tree hashes) need to rewind the body; Spool provides that for
// sources that are plain readers.
type SeekableBody struct {
	reader  io.ReadSeeker
	size    int64
	cleanup func() error
}

// Reader returns the seekable body.
func (b *SeekableBody) Reader() io.ReadSeeker { return b.reader }

// Size is the number of bytes held.
func (b *SeekableBody) Size() int64 { return b.size }

// Close releases the buffer and removes any temp file.
func (b *SeekableBody) Close() error {
	if b.cleanup == nil {
		return nil
	}
	return b.cleanup()
}

// Spool makes src seekable. A src that already implements io.ReadSeeker is
// returned as is. size < 0 means unknown and always spools to disk.
func Spool(src io.Reader, size int64, maxMemoryBytes int64) (*SeekableBody, error) {
	if rs, ok := src.(io.ReadSeeker); ok && size >= 0 {
		return &SeekableBody{reader: rs, size: size}, nil
	}
	if maxMemoryBytes <= 0 {
		maxMemoryBytes = DefaultSpoolMaxMemoryBytes
	}

	if size >= 0 && size <= maxMemoryBytes {
		data, err := io.ReadAll(io.LimitReader(src, size))
		if err != nil {
			return nil, err
		}
		if int64(len(data)) != size {
			return nil, fmt.Errorf("short body: read %d of %d bytes", len(data), size)
		}
		return &SeekableBody{reader: bytes.NewReader(data), size: size}, nil
	}

	f, err := os.CreateTemp("", "annopipe-spool-*")
	if err != nil {
		return nil, err
	}

	n, copyErr := io.Copy(f, src)
	if copyErr != nil {
		_ = f.Close()
		_ = os.Remove(f.Name())
		return nil, copyErr
	}

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		_ = f.Close()
		_ = os.Remove(f.Name())
		return nil, err
	}

	return &SeekableBody{
		reader: f,
		size:   n,
		cleanup: func() error {
			name := f.Name()
			closeErr := f.Close()
			rmErr := os.Remove(name)
			if closeErr != nil {
				return fmt.Errorf("close temp file: %w", closeErr)
			}
			if rmErr != nil {
				return fmt.Errorf("remove temp file: %w", rmErr)
			}
			return nil
		},
	}, nil
}
