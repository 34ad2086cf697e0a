package transport

import (
	"io"
	"net"
	"sync"
	"sync/atomic"
)

// Segment sizes, computed once per process
const (
	defaultMTU       = 1500
	ethHeaderLen     = 14
	ipv4HeaderLenMin = 20
	tcpHeaderLenMin  = 20

	// TCPSegmentSize is the largest payload that fits into one ethernet frame
	TCPSegmentSize = defaultMTU - tcpHeaderLenMin - ipv4HeaderLenMin - ethHeaderLen

	// RDMASegmentSize is the fixed receive buffer size of an RDMA reliable connection
	RDMASegmentSize = 8192
)

// --------------------------------------------------------------------------
// Buffer allocator
// --------------------------------------------------------------------------

// BufferAllocator hands out fixed size segments for outbound payloads.
// When a budget is set and allocating would exceed it, the low memory callback
// is told how many bytes need to be released. The allocation still succeeds.
type BufferAllocator struct {
	segmentSize int
	budget      int64
	inUse       atomic.Int64
	pool        sync.Pool
	onLow       func(requiredReleaseBytes int)
}

// NewBufferAllocator creates an allocator of segmentSize byte segments.
// budget <= 0 disables the low memory signal.
func NewBufferAllocator(segmentSize int, budget int64, onLow func(requiredReleaseBytes int)) *BufferAllocator {
	a := &BufferAllocator{
		segmentSize: segmentSize,
		budget:      budget,
		onLow:       onLow,
	}
	a.pool.New = func() interface{} {
		b := make([]byte, segmentSize)
		return &b
	}
	return a
}

// SegmentSize returns the size of every segment
func (a *BufferAllocator) SegmentSize() int {
	return a.segmentSize
}

// InUse returns the bytes currently handed out
func (a *BufferAllocator) InUse() int64 {
	return a.inUse.Load()
}

// Allocate returns one segment of SegmentSize bytes
func (a *BufferAllocator) Allocate() []byte {
	used := a.inUse.Add(int64(a.segmentSize))
	if a.budget > 0 && used > a.budget && a.onLow != nil {
		a.onLow(int(used - a.budget))
	}
	b := a.pool.Get().(*[]byte)
	return (*b)[:a.segmentSize]
}

// Release returns a segment obtained from Allocate
func (a *BufferAllocator) Release(b []byte) {
	if cap(b) < a.segmentSize {
		return
	}
	a.inUse.Add(-int64(a.segmentSize))
	b = b[:a.segmentSize]
	a.pool.Put(&b)
}

// --------------------------------------------------------------------------
// Payload
// --------------------------------------------------------------------------

// Payload is an outbound message body made of allocator segments
type Payload struct {
	alloc    *BufferAllocator
	segments [][]byte
	size     int
}

// NewPayload creates an empty payload
func NewPayload(alloc *BufferAllocator) *Payload {
	return &Payload{alloc: alloc}
}

// Write appends p, allocating segments as needed. It never fails.
func (p *Payload) Write(b []byte) (int, error) {
	written := 0
	for len(b) > 0 {
		seg := p.size % p.alloc.segmentSize
		if seg == 0 && p.size/p.alloc.segmentSize == len(p.segments) {
			p.segments = append(p.segments, p.alloc.Allocate())
		}
		last := p.segments[len(p.segments)-1]
		n := copy(last[seg:], b)
		b = b[n:]
		p.size += n
		written += n
	}
	return written, nil
}

// WriteString appends s
func (p *Payload) WriteString(s string) (int, error) {
	return p.Write([]byte(s))
}

// Size returns the number of payload bytes
func (p *Payload) Size() int {
	if p == nil {
		return 0
	}
	return p.size
}

// Buffers returns the segments trimmed to the payload size
func (p *Payload) Buffers() net.Buffers {
	if p == nil || p.size == 0 {
		return nil
	}
	bufs := make(net.Buffers, len(p.segments))
	remaining := p.size
	for i, seg := range p.segments {
		n := min(remaining, len(seg))
		bufs[i] = seg[:n]
		remaining -= n
	}
	return bufs
}

// Bytes copies the payload into one contiguous slice
func (p *Payload) Bytes() []byte {
	out := make([]byte, 0, p.Size())
	for _, b := range p.Buffers() {
		out = append(out, b...)
	}
	return out
}

// WriteTo implements io.WriterTo
func (p *Payload) WriteTo(w io.Writer) (int64, error) {
	bufs := p.Buffers()
	return bufs.WriteTo(w)
}

// Release returns all segments to the allocator. The payload is empty afterwards.
func (p *Payload) Release() {
	if p == nil {
		return
	}
	for _, seg := range p.segments {
		p.alloc.Release(seg)
	}
	p.segments = nil
	p.size = 0
}
