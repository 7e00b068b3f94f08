package flight

import (
	"io"
	"sync"

	"github.com/pkg/errors"
)

// ErrReaderClosed 表示订阅方已主动断开。
var ErrReaderClosed = errors.New("flight: reader closed")

// buffer 是一写多读的追加式字节日志。生产者只追加，读者各自持有偏移，
// 互不影响；Close 之后读者读完剩余字节会收到 EOF 或生产者错误。
type buffer struct {
	mu     sync.Mutex
	cond   *sync.Cond
	data   []byte
	closed bool
	err    error
}

func newBuffer() *buffer {
	b := &buffer{}
	b.cond = sync.NewCond(&b.mu)
	return b
}

func (b *buffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, errors.New("flight: buffer closed")
	}
	b.data = append(b.data, p...)
	b.cond.Broadcast()
	return len(p), nil
}

// close 终结缓冲。err 为 nil 时读者在消费完数据后收到 io.EOF，
// 否则收到 err。重复调用只保留第一次的结果。
func (b *buffer) close(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	b.err = err
	b.cond.Broadcast()
}

func (b *buffer) newReader() *bufferReader {
	return &bufferReader{buf: b}
}

// bufferReader 是某个订阅方的独立读取分支。
type bufferReader struct {
	buf    *buffer
	off    int
	closed bool
}

func (r *bufferReader) Read(p []byte) (int, error) {
	b := r.buf
	b.mu.Lock()
	defer b.mu.Unlock()
	for {
		if r.closed {
			return 0, ErrReaderClosed
		}
		if r.off < len(b.data) {
			n := copy(p, b.data[r.off:])
			r.off += n
			return n, nil
		}
		if b.closed {
			if b.err != nil {
				return 0, b.err
			}
			return 0, io.EOF
		}
		b.cond.Wait()
	}
}

// Close 断开当前分支；生产者与其它读者不受影响。
func (r *bufferReader) Close() error {
	b := r.buf
	b.mu.Lock()
	defer b.mu.Unlock()
	r.closed = true
	b.cond.Broadcast()
	return nil
}
