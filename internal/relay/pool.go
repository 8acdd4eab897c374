package relay

import "sync"

const readBufferSize = 32 * 1024

var bufPool = sync.Pool{
	New: func() any {
		b := make([]byte, readBufferSize)
		return &b
	},
}

func getBuffer() *[]byte {
	return bufPool.Get().(*[]byte)
}

func putBuffer(b *[]byte) {
	if b != nil {
		bufPool.Put(b)
	}
}
