// Package statuslist maintains the bit-packed revocation table shared by
// sessions and tokens. Every issued token owns exactly one index for its
// lifetime; the encoded list is published to relying parties, which look up
// the index instead of calling back for introspection.
package statuslist

import (
	"bytes"
	"compress/zlib"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
)

// Status is the value stored per entry. The zero value is StatusInvalid so
// unallocated or zeroed storage always reads as revoked and the list fails
// closed.
type Status uint8

const (
	StatusInvalid   Status = 0
	StatusValid     Status = 1
	StatusSuspended Status = 2
)

// FormatVersion identifies the encoding of the exported bitstream.
const FormatVersion = 1

var (
	ErrUnallocated    = errors.New("statuslist: index not allocated")
	ErrStatusOverflow = errors.New("statuslist: status does not fit bit width")
)

// shardEntries is the number of entries covered by one lock. Writers on
// unrelated index ranges never contend.
const shardEntries = 4096

type shard struct {
	mu sync.RWMutex
	// packed entries, big-endian within each byte
	data []byte
}

// List is a thread-safe status table with a fixed bit width per entry.
type List struct {
	bits int
	next atomic.Uint64

	mu     sync.RWMutex // guards growth of shards
	shards []*shard
}

// New creates a list with the given bit width per entry.
// Valid widths are 1, 2, 4 and 8; a width of at least 2 is needed to
// express more than valid/invalid.
func New(bits int) (*List, error) {
	switch bits {
	case 1, 2, 4, 8:
	default:
		return nil, fmt.Errorf("statuslist: unsupported bit width %d", bits)
	}
	return &List{bits: bits}, nil
}

// Bits returns the bit width per entry.
func (l *List) Bits() int {
	return l.bits
}

// Size returns the number of allocated entries.
func (l *List) Size() uint64 {
	return l.next.Load()
}

// Allocate reserves the next free index. Indices are handed out exactly
// once and never reused, so a stale reader can not reinterpret a revoked
// slot. The new entry reads as StatusInvalid until Set is called.
func (l *List) Allocate() uint64 {
	index := l.next.Add(1) - 1
	l.ensureShard(index)
	return index
}

func (l *List) ensureShard(index uint64) {
	n := int(index/shardEntries) + 1
	l.mu.RLock()
	have := len(l.shards)
	l.mu.RUnlock()
	if have >= n {
		return
	}
	l.mu.Lock()
	for len(l.shards) < n {
		l.shards = append(l.shards, &shard{
			data: make([]byte, shardEntries*l.bits/8),
		})
	}
	l.mu.Unlock()
}

func (l *List) shardFor(index uint64) (*shard, error) {
	if index >= l.next.Load() {
		return nil, ErrUnallocated
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	i := int(index / shardEntries)
	if i >= len(l.shards) {
		return nil, ErrUnallocated
	}
	return l.shards[i], nil
}

// Set overwrites the status at index in place. The write is visible to any
// Get or Export that starts after Set returns.
func (l *List) Set(index uint64, status Status) error {
	if uint16(status)>>l.bits != 0 {
		return ErrStatusOverflow
	}
	s, err := l.shardFor(index)
	if err != nil {
		return err
	}
	byteIdx, shift := l.position(index % shardEntries)
	mask := byte((1<<l.bits - 1) << shift)
	s.mu.Lock()
	s.data[byteIdx] = s.data[byteIdx]&^mask | byte(status)<<shift
	s.mu.Unlock()
	return nil
}

// Get returns the status at index. Unallocated indices report
// StatusInvalid together with ErrUnallocated.
func (l *List) Get(index uint64) (Status, error) {
	s, err := l.shardFor(index)
	if err != nil {
		return StatusInvalid, err
	}
	byteIdx, shift := l.position(index % shardEntries)
	s.mu.RLock()
	b := s.data[byteIdx]
	s.mu.RUnlock()
	return Status(b >> shift & (1<<l.bits - 1)), nil
}

// position returns the byte offset within a shard and the bit shift of the
// entry inside that byte. The first entry of a byte occupies its most
// significant bits.
func (l *List) position(offset uint64) (byteIdx uint64, shift uint) {
	perByte := uint64(8 / l.bits)
	byteIdx = offset / perByte
	shift = uint(8 - l.bits - int(offset%perByte)*l.bits)
	return byteIdx, shift
}

// Export is the wire form of the list: the zlib-compressed, base64url-framed
// bitstream plus the metadata relying parties need to decode it.
type Export struct {
	Bits    int    `json:"bits"`
	List    string `json:"lst"`
	Size    uint64 `json:"size"`
	Version int    `json:"version"`
}

// Export snapshots the list. The snapshot is consistent per entry: every
// Set that completed before Export was called is contained.
func (l *List) Export() (*Export, error) {
	size := l.next.Load()
	packed := make([]byte, byteLen(size, l.bits))

	l.mu.RLock()
	shards := l.shards
	l.mu.RUnlock()

	shardBytes := shardEntries * l.bits / 8
	for i, s := range shards {
		start := i * shardBytes
		if start >= len(packed) {
			break
		}
		end := start + shardBytes
		if end > len(packed) {
			end = len(packed)
		}
		s.mu.RLock()
		copy(packed[start:end], s.data[:end-start])
		s.mu.RUnlock()
	}

	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	if _, err := zw.Write(packed); err != nil {
		return nil, fmt.Errorf("statuslist: compress: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("statuslist: compress: %w", err)
	}

	return &Export{
		Bits:    l.bits,
		List:    base64.RawURLEncoding.EncodeToString(buf.Bytes()),
		Size:    size,
		Version: FormatVersion,
	}, nil
}

// Decoded is a read-only view over an exported list.
type Decoded struct {
	bits int
	size uint64
	data []byte
}

// Decode unpacks an exported list.
func Decode(e *Export) (*Decoded, error) {
	if e.Version != FormatVersion {
		return nil, fmt.Errorf("statuslist: unknown format version %d", e.Version)
	}
	switch e.Bits {
	case 1, 2, 4, 8:
	default:
		return nil, fmt.Errorf("statuslist: unsupported bit width %d", e.Bits)
	}
	compressed, err := base64.RawURLEncoding.DecodeString(e.List)
	if err != nil {
		return nil, fmt.Errorf("statuslist: decode frame: %w", err)
	}
	zr, err := zlib.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, fmt.Errorf("statuslist: decompress: %w", err)
	}
	defer zr.Close()
	data, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("statuslist: decompress: %w", err)
	}
	if uint64(len(data)) < byteLen(e.Size, e.Bits) {
		return nil, fmt.Errorf("statuslist: truncated list: %d bytes for %d entries", len(data), e.Size)
	}
	return &Decoded{bits: e.Bits, size: e.Size, data: data}, nil
}

// Size returns the number of entries contained in the decoded list.
func (d *Decoded) Size() uint64 {
	return d.size
}

// Get returns the status at index. Indices beyond the exported size report
// StatusInvalid together with ErrUnallocated, so an out-of-range lookup can
// never pass a token as valid.
func (d *Decoded) Get(index uint64) (Status, error) {
	if index >= d.size {
		return StatusInvalid, ErrUnallocated
	}
	perByte := uint64(8 / d.bits)
	shift := uint(8 - d.bits - int(index%perByte)*d.bits)
	return Status(d.data[index/perByte] >> shift & (1<<d.bits - 1)), nil
}

func byteLen(entries uint64, bits int) uint64 {
	return (entries*uint64(bits) + 7) / 8
}
