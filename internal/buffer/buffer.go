// Package buffer provides the immutable byte-slice type parsed
// contexts are built from.
package buffer

import "bytes"

// Buffer is an immutable view over bytes. Sub-slicing is O(1) since it
// shares the backing array; callers must not mutate Bytes().
type Buffer struct {
	data []byte
}

// New wraps data as a Buffer. The caller must not mutate data afterward.
func New(data []byte) Buffer {
	return Buffer{data: data}
}

// FromString wraps a copy of s as a Buffer.
func FromString(s string) Buffer {
	return Buffer{data: []byte(s)}
}

// Len returns the buffer length in bytes.
func (b Buffer) Len() int { return len(b.data) }

// Bytes returns the underlying byte slice. Callers must treat it as read-only.
func (b Buffer) Bytes() []byte { return b.data }

// Slice returns the sub-buffer [offset, offset+length). It panics if the
// range is out of bounds, matching Go slice semantics.
func (b Buffer) Slice(offset, length int) Buffer {
	return Buffer{data: b.data[offset : offset+length]}
}

// From returns the sub-buffer [offset, Len()).
func (b Buffer) From(offset int) Buffer {
	return Buffer{data: b.data[offset:]}
}

// Equal reports content equality.
func (b Buffer) Equal(other Buffer) bool {
	return bytes.Equal(b.data, other.data)
}

// IsEmpty reports whether the buffer has zero length.
func (b Buffer) IsEmpty() bool { return len(b.data) == 0 }

// Concat joins buffers with sep between each into a new Buffer. No cap
// is applied; the dispatcher's joined header contexts are built by
// entry.Entry.SetBufferJoined instead.
func Concat(sep string, parts ...Buffer) Buffer {
	if len(parts) == 0 {
		return Buffer{}
	}
	var buf bytes.Buffer
	for i, p := range parts {
		if i > 0 {
			buf.WriteString(sep)
		}
		buf.Write(p.data)
	}
	return Buffer{data: buf.Bytes()}
}

// Truncate caps the buffer at maxLen bytes. A maxLen <= 0 means no cap.
// Truncation is silent: the caller decides whether to record a flag.
func (b Buffer) Truncate(maxLen int) (Buffer, bool) {
	if maxLen <= 0 || len(b.data) <= maxLen {
		return b, false
	}
	return Buffer{data: b.data[:maxLen]}, true
}
