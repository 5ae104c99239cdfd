package core

import (
	"bytes"
	"sync"
	"sync/atomic"
)

// GenericPool is a generic wrapper around sync.Pool
type GenericPool[T any] struct {
	pool sync.Pool
}

// NewGenericPool creates a new GenericPool with a function to create new items.
func NewGenericPool[T any](newItem func() T) *GenericPool[T] {
	return &GenericPool[T]{
		pool: sync.Pool{
			New: func() interface{} {
				return newItem()
			},
		},
	}
}

func (p *GenericPool[T]) Get() T {
	return p.pool.Get().(T)
}

func (p *GenericPool[T]) Put(item T) {
	p.pool.Put(item)
}

// EncodeBufferPool holds scratch buffers used to encode append batches.
var EncodeBufferPool = NewGenericPool(func() *bytes.Buffer {
	return bytes.NewBuffer(make([]byte, 0, 64*1024))
})

// BlockPool recycles fixed-size block buffers. Unlike sync.Pool its contents
// survive garbage collection, up to maxIdle buffers.
type BlockPool struct {
	mu        sync.Mutex
	items     [][]byte
	blockSize int
	maxIdle   int

	hits    atomic.Uint64
	misses  atomic.Uint64
	created atomic.Uint64
}

// NewBlockPool creates a pool of blockSize buffers keeping at most maxIdle
// of them when idle.
func NewBlockPool(blockSize, maxIdle int) *BlockPool {
	if maxIdle < 0 {
		maxIdle = 0
	}
	return &BlockPool{
		items:     make([][]byte, 0, maxIdle),
		blockSize: blockSize,
		maxIdle:   maxIdle,
	}
}

// BlockSize returns the length of buffers handed out by Get.
func (bp *BlockPool) BlockSize() int { return bp.blockSize }

// Get retrieves a buffer from the pool. If the pool is empty, it creates a new one.
func (bp *BlockPool) Get() []byte {
	bp.mu.Lock()
	if len(bp.items) == 0 {
		bp.mu.Unlock()
		bp.misses.Add(1)
		bp.created.Add(1)
		return make([]byte, bp.blockSize)
	}
	bp.hits.Add(1)
	item := bp.items[len(bp.items)-1]
	bp.items = bp.items[:len(bp.items)-1]
	bp.mu.Unlock()
	return item
}

// Put returns a buffer to the pool. Buffers of the wrong size and buffers
// beyond maxIdle are dropped.
func (bp *BlockPool) Put(buf []byte) {
	if cap(buf) < bp.blockSize {
		return
	}
	bp.mu.Lock()
	if len(bp.items) < bp.maxIdle {
		bp.items = append(bp.items, buf[:bp.blockSize])
	}
	bp.mu.Unlock()
}

// GetMetrics returns the current metrics for the pool.
func (bp *BlockPool) GetMetrics() (hits, misses, created uint64, idle int) {
	bp.mu.Lock()
	idle = len(bp.items)
	bp.mu.Unlock()
	return bp.hits.Load(), bp.misses.Load(), bp.created.Load(), idle
}
