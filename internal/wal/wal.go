package wal

import (
	"encoding/binary"
	"errors"
	"hash/crc32"
	"io"
	"os"
	"sync"

	"github.com/klauspost/compress/zstd"
)

var (
	// ErrCorrupt is returned by Iterate when an entry fails its checksum or
	// declares an impossible length.
	ErrCorrupt = errors.New("wal: corrupt entry")
	// ErrTooLarge is returned by Append for entries over MaxEntrySize.
	ErrTooLarge = errors.New("wal: entry too large")
)

// MaxEntrySize bounds the stored size of one entry.
const MaxEntrySize = 1 << 30

const (
	flagZstd   byte = 1
	headerSize      = 5
	crcSize         = 4
)

// WAL represents a Write Ahead Log.
type WAL struct {
	mu   sync.Mutex
	f    *os.File
	path string

	enc *zstd.Encoder
	dec *zstd.Decoder
}

// Option configures a WAL.
type Option func(*WAL) error

// WithCompression compresses appended entries with zstd. Entries written
// either way can always be read back.
func WithCompression(on bool) Option {
	return func(w *WAL) error {
		if !on {
			return nil
		}
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return err
		}
		w.enc = enc
		return nil
	}
}

// Open opens or creates a WAL file.
func Open(path string, opts ...Option) (*WAL, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		f.Close()
		return nil, err
	}
	w := &WAL{
		f:    f,
		path: path,
		dec:  dec,
	}
	for _, opt := range opts {
		if err := opt(w); err != nil {
			w.Close()
			return nil, err
		}
	}
	return w, nil
}

// Path returns the file backing the log.
func (w *WAL) Path() string { return w.path }

// Append writes an entry to the WAL and syncs it.
// Format: Len(4) | Flags(1) | Data(N) | CRC(4)
func (w *WAL) Append(data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	var flags byte
	if w.enc != nil {
		data = w.enc.EncodeAll(data, nil)
		flags |= flagZstd
	}
	if len(data) > MaxEntrySize {
		return ErrTooLarge
	}

	buf := make([]byte, 0, headerSize+len(data)+crcSize)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(data)))
	buf = append(buf, flags)
	buf = append(buf, data...)
	buf = binary.BigEndian.AppendUint32(buf, crc32.ChecksumIEEE(data))
	if _, err := w.f.Write(buf); err != nil {
		return err
	}
	return w.f.Sync()
}

// Iterate reads all entries from the WAL calling handler for each. A torn
// final entry, left by a crash during Append, is cut off the file and
// iteration ends before it.
func (w *WAL) Iterate(handler func(data []byte) error) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	info, err := w.f.Stat()
	if err != nil {
		return err
	}
	size := info.Size()
	if _, err := w.f.Seek(0, io.SeekStart); err != nil {
		return err
	}
	// Appends go to the end regardless (O_APPEND); leave the offset there too.
	defer w.f.Seek(0, io.SeekEnd)

	header := make([]byte, headerSize)
	crcBuf := make([]byte, crcSize)
	var off int64
	for {
		if _, err := io.ReadFull(w.f, header); err != nil {
			switch err {
			case io.EOF:
				return nil
			case io.ErrUnexpectedEOF:
				return w.f.Truncate(off)
			}
			return err
		}
		length := binary.BigEndian.Uint32(header[:4])
		flags := header[4]
		if length > MaxEntrySize {
			return ErrCorrupt
		}
		end := off + headerSize + int64(length) + crcSize
		if end > size {
			return w.f.Truncate(off)
		}

		data := make([]byte, length)
		if _, err := io.ReadFull(w.f, data); err != nil {
			return err
		}
		if _, err := io.ReadFull(w.f, crcBuf); err != nil {
			return err
		}
		if crc32.ChecksumIEEE(data) != binary.BigEndian.Uint32(crcBuf) {
			return ErrCorrupt
		}

		if flags&flagZstd != 0 {
			if data, err = w.dec.DecodeAll(data, nil); err != nil {
				return err
			}
		}
		if err := handler(data); err != nil {
			return err
		}
		off = end
	}
}

// Reset truncates the log.
func (w *WAL) Reset() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.f.Truncate(0); err != nil {
		return err
	}
	_, err := w.f.Seek(0, io.SeekStart)
	return err
}

func (w *WAL) Close() error {
	if w.enc != nil {
		w.enc.Close()
	}
	w.dec.Close()
	return w.f.Close()
}
