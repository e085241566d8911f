package transport

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

// maxTagSize 单个标签 (包括属性) 的上限，防止对端发来无穷长的标签
const maxTagSize = 64 * 1024

// maxTextSize 文本元素 (Message/Acquire 正文) 的上限
const maxTextSize = 1 << 20

// DefaultElementGrace ctx 取消后，正在读写的元素最多还能用的时间
const DefaultElementGrace = 10 * time.Second

type deadliner interface {
	SetDeadline(t time.Time) error
}

// Stream 在一条连接上读写标签帧
// 读侧有自己的缓冲：PeekNextTag 只看缓冲里的数据，不够时由调用方触发 ReadMore
// 写侧用互斥锁串行化，agent 的多个任务可以并发回传消息
//
// 取消只在元素边界生效：等待下一个标签时 ctx 取消会立即返回；
// 已经开始的元素 (文件内容、消息正文、任何写入) 会先读写完整，
// 对端在 grace 内没有配合才放弃
type Stream struct {
	rw  io.ReadWriter
	buf []byte // 未消费的数据是 buf[r:]
	r   int

	chunk int
	grace time.Duration

	wmu sync.Mutex
	w   *bufio.Writer
}

// NewStream bufSize 是每次 ReadMore 读取的块大小
func NewStream(rw io.ReadWriter, bufSize int) *Stream {
	if bufSize <= 0 {
		bufSize = 64 * 1024
	}
	return &Stream{
		rw:    rw,
		chunk: bufSize,
		grace: DefaultElementGrace,
		w:     bufio.NewWriterSize(rw, bufSize),
	}
}

// SetElementGrace 修改取消后完成当前元素的时限，d <= 0 时使用默认值
func (s *Stream) SetElementGrace(d time.Duration) {
	if d <= 0 {
		d = DefaultElementGrace
	}
	s.grace = d
}

// Buffered 已读入但未消费的字节数
func (s *Stream) Buffered() int { return len(s.buf) - s.r }

// PeekNextTag 返回缓冲中下一个完整标签的 key ("Job"、"/Job" ...)，不消费
// 缓冲里还没有完整标签时 ok 为 false
func (s *Stream) PeekNextTag() (key string, ok bool, err error) {
	start, end, ok, err := s.nextTagBounds()
	if !ok || err != nil {
		return "", false, err
	}
	raw := s.buf[start+1 : end]
	closing := len(raw) > 0 && raw[0] == '/'
	if closing {
		raw = raw[1:]
	}
	n := 0
	for n < len(raw) && isNameByte(raw[n]) {
		n++
	}
	if n == 0 {
		return "", false, fmt.Errorf("%w: %q", ErrMalformedTag, s.buf[start:end+1])
	}
	if closing {
		return "/" + string(raw[:n]), true, nil
	}
	return string(raw[:n]), true, nil
}

// nextTagBounds 跳过前导空白，找到下一个标签的 '<' 和 '>' 位置
func (s *Stream) nextTagBounds() (start, end int, ok bool, err error) {
	i := s.r
	for i < len(s.buf) && isSpace(s.buf[i]) {
		i++
	}
	s.r = i
	if i == len(s.buf) {
		return 0, 0, false, nil
	}
	if s.buf[i] != '<' {
		return 0, 0, false, fmt.Errorf("%w: expected '<', got %q", ErrMalformedTag, s.buf[i])
	}

	var quote byte
	for j := i + 1; j < len(s.buf); j++ {
		c := s.buf[j]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			}
		case c == '"' || c == '\'':
			quote = c
		case c == '>':
			return i, j, true, nil
		case c == '<':
			return 0, 0, false, fmt.Errorf("%w: '<' inside tag", ErrMalformedTag)
		}
	}
	if len(s.buf)-i > maxTagSize {
		return 0, 0, false, fmt.Errorf("%w: tag longer than %d bytes", ErrMalformedTag, maxTagSize)
	}
	return 0, 0, false, nil
}

// ReadMore 做一次底层读，把数据追加到缓冲
func (s *Stream) ReadMore(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return wrapCtx(ctx, err)
	}
	stop := s.watch(ctx)
	err := s.fill()
	stop()
	if err != nil {
		return wrapCtx(ctx, err)
	}
	return nil
}

// fill 一次底层读，不看 ctx
func (s *Stream) fill() error {
	s.compact()
	if cap(s.buf)-len(s.buf) < s.chunk {
		grown := make([]byte, len(s.buf), len(s.buf)+s.chunk)
		copy(grown, s.buf)
		s.buf = grown
	}

	n, err := s.rw.Read(s.buf[len(s.buf):cap(s.buf)])
	s.buf = s.buf[:len(s.buf)+n]
	if n > 0 {
		return nil
	}
	if err == nil {
		err = io.ErrNoProgress
	}
	return err
}

// compact 把未消费数据移到缓冲开头
func (s *Stream) compact() {
	if s.r == 0 {
		return
	}
	n := copy(s.buf, s.buf[s.r:])
	s.buf = s.buf[:n]
	s.r = 0
}

// ReadTag 读取并消费下一个标签，必要时阻塞读取
// 这是元素边界，ctx 已结束时即使缓冲里有完整的标签也不读
func (s *Stream) ReadTag(ctx context.Context) (Tag, error) {
	if err := ctx.Err(); err != nil {
		return Tag{}, wrapCtx(ctx, err)
	}
	for {
		start, end, ok, err := s.nextTagBounds()
		if err != nil {
			return Tag{}, err
		}
		if ok {
			raw := string(s.buf[start : end+1])
			s.r = end + 1
			return ParseTag(raw)
		}
		if err := s.ReadMore(ctx); err != nil {
			return Tag{}, err
		}
	}
}

// ExpectTag 读取下一个标签并检查它的 key
func (s *Stream) ExpectTag(ctx context.Context, key string) (Tag, error) {
	t, err := s.ReadTag(ctx)
	if err != nil {
		return Tag{}, err
	}
	if t.Key() != key {
		return Tag{}, fmt.Errorf("%w: got <%s>, want <%s>", ErrUnexpectedTag, t.Key(), key)
	}
	return t, nil
}

// ReadText 读取元素正文直到 </name> (含)，返回反转义后的文本
// 调用前开始标签已经被消费，所以这里处在元素内部，ctx 取消不会打断
func (s *Stream) ReadText(ctx context.Context, name string) (string, error) {
	closing := []byte("</" + name + ">")
	stop := s.watchElement(ctx)
	defer stop()
	for {
		if idx := bytes.Index(s.buf[s.r:], closing); idx >= 0 {
			text := string(s.buf[s.r : s.r+idx])
			s.r += idx + len(closing)
			return unescape(text), nil
		}
		if s.Buffered() > maxTextSize {
			return "", fmt.Errorf("%w: <%s> body longer than %d bytes", ErrMalformedTag, name, maxTextSize)
		}
		if err := s.fill(); err != nil {
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return "", wrapCtx(ctx, err)
		}
	}
}

// ReadPayload 把接下来的 n 个原始字节拷贝到 w，并消费结尾的 </name>
// 调用前开始标签已经被消费；元素读完整后返回 nil，
// 期间发生的取消由下一个元素边界报告
func (s *Stream) ReadPayload(ctx context.Context, w io.Writer, n int64, name string) error {
	if n < 0 {
		return fmt.Errorf("%w: negative payload size %d", ErrMalformedTag, n)
	}
	stop := s.watchElement(ctx)
	defer stop()
	if err := s.readPayload(w, n, name); err != nil {
		return wrapCtx(ctx, err)
	}
	return nil
}

func (s *Stream) readPayload(w io.Writer, n int64, name string) error {
	if buffered := int64(s.Buffered()); buffered > 0 {
		take := min(buffered, n)
		if _, err := w.Write(s.buf[s.r : s.r+int(take)]); err != nil {
			return err
		}
		s.r += int(take)
		n -= take
	}
	if n > 0 {
		if _, err := io.CopyN(w, s.rw, n); err != nil {
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return err
		}
	}

	want := "/" + name
	for {
		start, end, ok, err := s.nextTagBounds()
		if err != nil {
			return err
		}
		if ok {
			raw := string(s.buf[start : end+1])
			s.r = end + 1
			tag, err := ParseTag(raw)
			if err != nil {
				return err
			}
			if tag.Key() != want {
				return fmt.Errorf("%w: got <%s>, want <%s>", ErrUnexpectedTag, tag.Key(), want)
			}
			return nil
		}
		if err := s.fill(); err != nil {
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return err
		}
	}
}

// WriteTag 写入一个标签 (缓冲，需要 Flush)
func (s *Stream) WriteTag(ctx context.Context, t Tag) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	return s.writeLocked(ctx, func(w *bufio.Writer) error {
		_, err := w.WriteString(t.String())
		return err
	})
}

// WriteTextElement 写入 <start>text</name> 并立即 Flush
func (s *Stream) WriteTextElement(ctx context.Context, start Tag, text string) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	return s.writeLocked(ctx, func(w *bufio.Writer) error {
		var b strings.Builder
		b.WriteString(start.String())
		b.WriteString(escapeText(text))
		b.WriteString(EndTag(start.Name).String())
		if _, err := w.WriteString(b.String()); err != nil {
			return err
		}
		return w.Flush()
	})
}

// WritePayload 写入 <start Size=n> + r 中的 n 个字节 + </name>
// 整个元素在同一把锁里写完，并发的消息不会插进文件内容中间
func (s *Stream) WritePayload(ctx context.Context, start Tag, r io.Reader, n int64) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	return s.writeLocked(ctx, func(w *bufio.Writer) error {
		if _, err := w.WriteString(start.String()); err != nil {
			return err
		}
		if _, err := io.CopyN(w, r, n); err != nil {
			return err
		}
		_, err := w.WriteString(EndTag(start.Name).String())
		return err
	})
}

// Flush 把写缓冲推到连接上
func (s *Stream) Flush(ctx context.Context) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	return s.writeLocked(ctx, func(w *bufio.Writer) error { return w.Flush() })
}

// writeLocked ctx 只在写之前检查；写的途中取消时把已写的元素完整推给对端
func (s *Stream) writeLocked(ctx context.Context, fn func(*bufio.Writer) error) error {
	if err := ctx.Err(); err != nil {
		return wrapCtx(ctx, err)
	}
	stop := s.watchElement(ctx)
	err := fn(s.w)
	if err == nil && ctx.Err() != nil {
		err = s.w.Flush()
	}
	stop()
	if err != nil {
		return wrapCtx(ctx, err)
	}
	return nil
}

// watch ctx 取消时把连接的 deadline 设为过去，打断正在进行的阻塞读写
func (s *Stream) watch(ctx context.Context) func() {
	d, ok := s.rw.(deadliner)
	if !ok || ctx.Done() == nil {
		return func() {}
	}
	stop := context.AfterFunc(ctx, func() {
		_ = d.SetDeadline(time.Unix(1, 0))
	})
	return func() { stop() }
}

// watchElement ctx 取消时只把 deadline 设为 grace 之后，给当前元素留出读写完的时间
func (s *Stream) watchElement(ctx context.Context) func() {
	d, ok := s.rw.(deadliner)
	if !ok || ctx.Done() == nil {
		return func() {}
	}
	grace := s.grace
	stop := context.AfterFunc(ctx, func() {
		_ = d.SetDeadline(time.Now().Add(grace))
	})
	return func() { stop() }
}

// wrapCtx ctx 已结束时把 I/O 错误换成可以用 errors.Is(err, context.Canceled) 判断的错误
func wrapCtx(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		if err == ctxErr {
			return fmt.Errorf("transport: %w", ctxErr)
		}
		return fmt.Errorf("transport: %w (%v)", ctxErr, err)
	}
	return err
}
