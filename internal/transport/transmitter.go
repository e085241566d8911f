package transport

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"herd/pkg/model"

	"go.uber.org/zap"
)

// ErrUnsafePath 文件名会落到允许的目录之外
var ErrUnsafePath = errors.New("unsafe file path")

// MessageHandler 接收过程中每收到一条监控消息调用一次 (在接收协程里同步调用)
type MessageHandler func(msg *model.Message)

// Options 传输两端的文件目录
type Options struct {
	// 发送文件时从这里读
	SourceDir string
	// 接收文件时写到这里
	DestDir string
	// 接收的文件必须落在这个目录之内，为空时等于 DestDir
	Confine string
	// 单个文件的大小上限，0 表示不限制
	MaxFileSize int64
	// 解码任务头使用的规则
	Grammar Grammar
	// 每发送或接收一个文件调用一次，direction 为 sent / received
	OnBytes func(direction string, n int64)
}

// Transmitter 在一个 Stream 上收发 job
// shepherd 用 SendJobQuery + ReceiveJobResult，agent 用 ReceiveJobQuery + 逐项发送结果
type Transmitter struct {
	stream *Stream
	opts   Options
	logger *zap.Logger
}

func NewTransmitter(stream *Stream, opts Options, logger *zap.Logger) *Transmitter {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Confine == "" {
		opts.Confine = opts.DestDir
	}
	return &Transmitter{
		stream: stream,
		opts:   opts,
		logger: logger.With(zap.String("component", "transmitter")),
	}
}

// SendJobQuery 按固定顺序发送：Job 头、任务头、输入文件、输出占位、Job 尾
func (t *Transmitter) SendJobQuery(ctx context.Context, job *model.Job) error {
	// 1. Job 头
	if err := t.SendJobHeader(ctx, job); err != nil {
		return err
	}

	// 2. 任务头
	for _, task := range job.Tasks {
		if err := t.stream.WriteTag(ctx, EncodeTaskHeader(task)); err != nil {
			return fmt.Errorf("send task %s: %w", task.Name, err)
		}
	}

	// 3. 输入文件
	for _, name := range job.InputFiles {
		if err := t.SendFile(ctx, TagInput, name); err != nil {
			return err
		}
	}

	// 4. 输出占位
	for _, name := range job.OutputFiles {
		if err := t.stream.WriteTag(ctx, EmptyTag(TagOutput, Attr{attrName, name})); err != nil {
			return fmt.Errorf("send output placeholder %s: %w", name, err)
		}
	}

	// 5. Job 尾
	return t.SendJobFooter(ctx)
}

// SendJobHeader 写 <Job Name=.. [AuthenticationToken=..]> 并 Flush
func (t *Transmitter) SendJobHeader(ctx context.Context, job *model.Job) error {
	attrs := []Attr{{attrName, job.Name}}
	if job.AuthenticationToken != "" {
		attrs = append(attrs, Attr{attrToken, job.AuthenticationToken})
	}
	if err := t.stream.WriteTag(ctx, StartTag(TagJob, attrs...)); err != nil {
		return fmt.Errorf("send job header: %w", err)
	}
	return t.stream.Flush(ctx)
}

// SendJobFooter 写 </Job> 并 Flush
func (t *Transmitter) SendJobFooter(ctx context.Context) error {
	if err := t.stream.WriteTag(ctx, EndTag(TagJob)); err != nil {
		return fmt.Errorf("send job footer: %w", err)
	}
	return t.stream.Flush(ctx)
}

// SendFile 发送 SourceDir 下的一个文件，kind 为 Input 或 Output
func (t *Transmitter) SendFile(ctx context.Context, kind, name string) error {
	local, err := resolve(t.opts.SourceDir, "", name)
	if err != nil {
		return err
	}
	f, err := os.Open(local)
	if err != nil {
		return fmt.Errorf("send %s %s: %w", kind, name, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("send %s %s: %w", kind, name, err)
	}
	size := info.Size()

	start := StartTag(kind, Attr{attrName, name}, Attr{attrSize, strconv.FormatInt(size, 10)})
	if err := t.stream.WritePayload(ctx, start, f, size); err != nil {
		return fmt.Errorf("send %s %s: %w", kind, name, err)
	}
	if err := t.stream.Flush(ctx); err != nil {
		return err
	}
	if t.opts.OnBytes != nil {
		t.opts.OnBytes("sent", size)
	}
	t.logger.Debug("file sent", zap.String("kind", kind), zap.String("name", name), zap.Int64("size", size))
	return nil
}

// SendMessage 发送一条监控消息并 Flush
func (t *Transmitter) SendMessage(ctx context.Context, msg *model.Message) error {
	start := StartTag(TagMessage, Attr{attrTask, msg.Task}, Attr{attrType, string(msg.Type)})
	if err := t.stream.WriteTextElement(ctx, start, msg.Content); err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}

// ReceiveJobResult 接收 agent 回传的结果
// 先清空 job 的任务和文件列表，收到的内容填回 job；监控消息交给 handler
func (t *Transmitter) ReceiveJobResult(ctx context.Context, job *model.Job, handler MessageHandler) error {
	job.ClearTransfer()
	if _, err := t.stream.ExpectTag(ctx, TagJob); err != nil {
		return fmt.Errorf("receive job header: %w", err)
	}
	return t.receiveBody(ctx, job, handler)
}

// ReceiveJobQuery agent 侧接收一个 job 请求，输入文件写入 DestDir
func (t *Transmitter) ReceiveJobQuery(ctx context.Context) (*model.Job, error) {
	header, err := t.stream.ExpectTag(ctx, TagJob)
	if err != nil {
		return nil, fmt.Errorf("receive job header: %w", err)
	}
	job := &model.Job{CreatedAt: time.Now()}
	job.Name, _ = header.Attr(attrName)
	job.AuthenticationToken, _ = header.Attr(attrToken)

	if err := t.receiveBody(ctx, job, nil); err != nil {
		return nil, err
	}
	return job, nil
}

// receiveBody peek-then-consume 循环，直到 </Job>
func (t *Transmitter) receiveBody(ctx context.Context, job *model.Job, handler MessageHandler) error {
	for {
		if err := ctx.Err(); err != nil {
			return wrapCtx(ctx, err)
		}

		key, ok, err := t.stream.PeekNextTag()
		if err != nil {
			return err
		}
		if !ok {
			// 缓冲里没有完整的标签，读一次再看
			if err := t.stream.ReadMore(ctx); err != nil {
				return err
			}
			continue
		}

		switch key {
		case TagTask:
			tag, err := t.stream.ReadTag(ctx)
			if err != nil {
				return err
			}
			task, err := DecodeTaskHeader(tag, t.opts.Grammar)
			if err != nil {
				return err
			}
			job.SetTask(task)

		case TagInput:
			name, err := t.receiveFile(ctx, TagInput)
			if err != nil {
				return err
			}
			if name != "" {
				job.AddInputFile(name)
			}

		case TagOutput:
			name, err := t.receiveFile(ctx, TagOutput)
			if err != nil {
				return err
			}
			if name != "" {
				job.AddOutputFile(name)
			}

		case TagMessage:
			msg, err := t.receiveMessage(ctx)
			if err != nil {
				return err
			}
			if handler != nil {
				handler(msg)
			}

		case "/" + TagJob:
			// Job 尾
			_, err := t.stream.ReadTag(ctx)
			return err

		default:
			tag, err := t.stream.ReadTag(ctx)
			if err != nil {
				return err
			}
			t.logger.Warn("skipping unknown tag", zap.String("tag", tag.Key()), zap.String("job", job.Name))
		}
	}
}

// receiveFile 自闭合标签是占位 (只有名字)，否则读取 Size 个字节写到 DestDir
func (t *Transmitter) receiveFile(ctx context.Context, kind string) (string, error) {
	tag, err := t.stream.ReadTag(ctx)
	if err != nil {
		return "", err
	}
	name, ok := tag.Attr(attrName)
	if !ok || name == "" {
		return "", fmt.Errorf("%w: <%s> without Name", ErrMalformedTag, kind)
	}
	if tag.SelfClosing {
		return name, nil
	}

	sizeAttr, _ := tag.Attr(attrSize)
	size, err := strconv.ParseInt(sizeAttr, 10, 64)
	if err != nil || size < 0 {
		return "", fmt.Errorf("%w: <%s Name=%q> has bad Size %q", ErrMalformedTag, kind, name, sizeAttr)
	}
	if t.opts.MaxFileSize > 0 && size > t.opts.MaxFileSize {
		return "", fmt.Errorf("%w: %s is %d bytes, limit %d", ErrMalformedTag, name, size, t.opts.MaxFileSize)
	}

	local, err := resolve(t.opts.DestDir, t.opts.Confine, name)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(local), 0o755); err != nil {
		return "", err
	}
	// 先写到同目录的临时文件，读到结尾标签后再改名，半截的文件不会留下
	f, err := os.CreateTemp(filepath.Dir(local), "."+filepath.Base(local)+".part-*")
	if err != nil {
		return "", err
	}
	tmp := f.Name()
	if err := t.stream.ReadPayload(ctx, f, size, kind); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", fmt.Errorf("receive %s %s: %w", kind, name, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return "", err
	}
	if err := os.Rename(tmp, local); err != nil {
		os.Remove(tmp)
		return "", err
	}

	if t.opts.OnBytes != nil {
		t.opts.OnBytes("received", size)
	}
	t.logger.Debug("file received", zap.String("kind", kind), zap.String("name", name), zap.Int64("size", size))
	return name, nil
}

func (t *Transmitter) receiveMessage(ctx context.Context) (*model.Message, error) {
	tag, err := t.stream.ReadTag(ctx)
	if err != nil {
		return nil, err
	}
	msg := &model.Message{ReceivedAt: time.Now()}
	msg.Task, _ = tag.Attr(attrTask)
	typ, _ := tag.Attr(attrType)
	msg.Type = model.MessageType(typ)
	if tag.SelfClosing {
		return msg, nil
	}
	msg.Content, err = t.stream.ReadText(ctx, TagMessage)
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// resolve 把协议里的 '/' 分隔路径映射到 dir 下
// confine 非空时结果必须在 confine 之内，否则必须在 dir 之内
func resolve(dir, confine, name string) (string, error) {
	if name == "" || path.IsAbs(name) || filepath.IsAbs(name) || strings.ContainsRune(name, '\\') {
		return "", fmt.Errorf("%w: %q", ErrUnsafePath, name)
	}
	local := filepath.Join(dir, filepath.FromSlash(name))
	if confine == "" {
		return local, nil
	}
	rel, err := filepath.Rel(confine, local)
	if err != nil || !filepath.IsLocal(rel) {
		return "", fmt.Errorf("%w: %q escapes %s", ErrUnsafePath, name, confine)
	}
	return local, nil
}
