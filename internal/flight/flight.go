package flight

import (
	"io"
	"sync"

	"github.com/pkg/errors"
)

// ErrNoSource 表示所有候选服务器都失败，本次取回没有产生字节流。
var ErrNoSource = errors.New("flight: no upstream source")

// Fetch 是一次共享取回的句柄。生产者通过 Start/Write/CloseBody/
// MarkCacheWritten/SetHashValid 推进状态，订阅方通过 Ready/NewReader/
// HashDone 观察结果。
type Fetch struct {
	Digest string

	mu            sync.Mutex
	contentType   string
	contentLength int64
	failErr       error

	readyOnce sync.Once
	ready     chan struct{}

	buf *buffer

	cacheOnce sync.Once
	cacheDone chan struct{}

	hashOnce  sync.Once
	hashDone  chan struct{}
	hashValid bool
}

func newFetch(digest string) *Fetch {
	return &Fetch{
		Digest:        digest,
		contentLength: -1,
		ready:         make(chan struct{}),
		cacheDone:     make(chan struct{}),
		hashDone:      make(chan struct{}),
		buf:           newBuffer(),
	}
}

// Start 记录上游响应头并放行等待中的订阅方。
func (f *Fetch) Start(contentType string, contentLength int64) {
	f.readyOnce.Do(func() {
		f.mu.Lock()
		f.contentType = contentType
		f.contentLength = contentLength
		f.mu.Unlock()
		close(f.ready)
	})
}

// Fail 宣告本次取回没有可用来源，并终结所有 latch。
func (f *Fetch) Fail(err error) {
	if err == nil {
		err = ErrNoSource
	}
	f.readyOnce.Do(func() {
		f.mu.Lock()
		f.failErr = err
		f.mu.Unlock()
		close(f.ready)
	})
	f.buf.close(err)
	f.MarkCacheWritten()
	f.SetHashValid(false)
}

// Write 向所有订阅方广播一段字节。
func (f *Fetch) Write(p []byte) (int, error) {
	return f.buf.Write(p)
}

// CloseBody 结束字节流；err 非 nil 时仍在读取的订阅方会收到该错误。
func (f *Fetch) CloseBody(err error) {
	f.buf.close(err)
}

// MarkCacheWritten 宣告缓存写入分支已经收尾（成功或已放弃）。
func (f *Fetch) MarkCacheWritten() {
	f.cacheOnce.Do(func() { close(f.cacheDone) })
}

// SetHashValid 公布摘要校验结果。必须在 MarkCacheWritten 之后调用，
// 保证订阅方看到 hash 结论时缓存文件已定稿。
func (f *Fetch) SetHashValid(valid bool) {
	f.hashOnce.Do(func() {
		f.mu.Lock()
		f.hashValid = valid
		f.mu.Unlock()
		close(f.hashDone)
	})
}

// Ready 在响应头可用（或全部候选失败）后关闭。
func (f *Fetch) Ready() <-chan struct{} {
	return f.ready
}

// Err 返回取回级错误；需在 Ready 关闭后调用。
func (f *Fetch) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.failErr
}

// ContentType 返回上游声明的内容类型，可能为空。
func (f *Fetch) ContentType() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.contentType
}

// ContentLength 返回上游声明的长度，-1 表示未知。
func (f *Fetch) ContentLength() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.contentLength
}

// NewReader 创建一个独立的订阅分支；Close 只断开该分支。
func (f *Fetch) NewReader() io.ReadCloser {
	return f.buf.newReader()
}

// CacheWritten 在缓存写入分支收尾后关闭。
func (f *Fetch) CacheWritten() <-chan struct{} {
	return f.cacheDone
}

// HashDone 在摘要校验出结论后关闭。
func (f *Fetch) HashDone() <-chan struct{} {
	return f.hashDone
}

// HashValid 返回校验结论；需在 HashDone 关闭后调用。
func (f *Fetch) HashValid() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hashValid
}

// finalize 兜底关闭全部 latch，防止异常的 produce 挂起订阅方。
func (f *Fetch) finalize() {
	f.Fail(ErrNoSource)
}

// Flight 维护 digest 到在途取回的映射，同一 digest 任意时刻至多一个条目。
type Flight struct {
	mu       sync.Mutex
	inflight map[string]*Fetch
}

// New 构建空的在途表。
func New() *Flight {
	return &Flight{inflight: make(map[string]*Fetch)}
}

// GetOrCreate 返回 digest 已有的在途取回；没有则新建并异步运行 produce。
// produce 结束后条目从表中移除，已拿到句柄的订阅方仍可继续读取。
// 第二个返回值表示本次调用是否创建了新条目。
func (fl *Flight) GetOrCreate(digest string, produce func(*Fetch)) (*Fetch, bool) {
	fl.mu.Lock()
	if existing, ok := fl.inflight[digest]; ok {
		fl.mu.Unlock()
		return existing, false
	}
	fetch := newFetch(digest)
	fl.inflight[digest] = fetch
	fl.mu.Unlock()

	go func() {
		defer fl.remove(digest)
		defer fetch.finalize()
		produce(fetch)
	}()
	return fetch, true
}

// Len 返回当前在途取回数量。
func (fl *Flight) Len() int {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	return len(fl.inflight)
}

func (fl *Flight) remove(digest string) {
	fl.mu.Lock()
	delete(fl.inflight, digest)
	fl.mu.Unlock()
}
