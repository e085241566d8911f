package transport

import (
	"fmt"

	"herd/pkg/model"
)

// Grammar 任务头的解析规则
type Grammar int

const (
	// GrammarCurrent Name Exe Arguments Pipe [AuthenticationToken]
	GrammarCurrent Grammar = iota
	// GrammarLegacy 旧版 agent 的四个固定属性，Pipe 之后的内容全部忽略
	GrammarLegacy
)

func (g Grammar) String() string {
	if g == GrammarLegacy {
		return "legacy"
	}
	return "current"
}

const (
	attrName      = "Name"
	attrExe       = "Exe"
	attrArguments = "Arguments"
	attrPipe      = "Pipe"
	attrToken     = "AuthenticationToken"
	attrSize      = "Size"
	attrTask      = "Task"
	attrType      = "Type"
)

var taskHeaderAttrs = [...]string{attrName, attrExe, attrArguments, attrPipe}

// EncodeTaskHeader 任务头是一个自闭合的 <Task .../>，令牌为空时不写
func EncodeTaskHeader(t *model.Task) Tag {
	attrs := []Attr{
		{attrName, t.Name},
		{attrExe, t.Exe},
		{attrArguments, t.Arguments},
		{attrPipe, t.Pipe},
	}
	if t.AuthenticationToken != "" {
		attrs = append(attrs, Attr{attrToken, t.AuthenticationToken})
	}
	return EmptyTag(TagTask, attrs...)
}

// DecodeTaskHeader 按 grammar 解码任务头，属性顺序是固定的
func DecodeTaskHeader(tag Tag, g Grammar) (*model.Task, error) {
	if tag.Name != TagTask || tag.Closing {
		return nil, fmt.Errorf("%w: <%s> is not a task header", ErrUnexpectedTag, tag.Key())
	}
	if len(tag.Attrs) < len(taskHeaderAttrs) {
		return nil, fmt.Errorf("%w: task header has %d attributes", ErrMalformedTag, len(tag.Attrs))
	}
	for i, want := range taskHeaderAttrs {
		if tag.Attrs[i].Name != want {
			return nil, fmt.Errorf("%w: task attribute %d is %q, want %q", ErrMalformedTag, i, tag.Attrs[i].Name, want)
		}
	}

	task := &model.Task{
		Name:      tag.Attrs[0].Value,
		Exe:       tag.Attrs[1].Value,
		Arguments: tag.Attrs[2].Value,
		Pipe:      tag.Attrs[3].Value,
	}

	switch g {
	case GrammarLegacy:
		return task, nil
	case GrammarCurrent:
		rest := tag.Attrs[len(taskHeaderAttrs):]
		switch {
		case len(rest) == 0:
		case len(rest) == 1 && rest[0].Name == attrToken:
			task.AuthenticationToken = rest[0].Value
		default:
			return nil, fmt.Errorf("%w: unexpected task attributes after Pipe", ErrMalformedTag)
		}
		return task, nil
	default:
		return nil, fmt.Errorf("unknown task header grammar %d", int(g))
	}
}
