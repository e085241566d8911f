package transport

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrMalformedTag 标签无法按帧格式解析
	ErrMalformedTag = errors.New("malformed tag")
	// ErrUnexpectedTag 标签合法但不是当前位置期望的那个
	ErrUnexpectedTag = errors.New("unexpected tag")
)

// 协议里用到的标签名
const (
	TagJob     = "Job"
	TagTask    = "Task"
	TagInput   = "Input"
	TagOutput  = "Output"
	TagMessage = "Message"
	TagAcquire = "Acquire"
)

// Attr 标签属性，保持在报文中的顺序
type Attr struct {
	Name  string
	Value string
}

// Tag 一个开始、结束或自闭合标签
type Tag struct {
	Name        string
	Attrs       []Attr
	Closing     bool // </Name>
	SelfClosing bool // <Name .../>
}

// Attr 按名字取属性值
func (t Tag) Attr(name string) (string, bool) {
	for _, a := range t.Attrs {
		if a.Name == name {
			return a.Value, true
		}
	}
	return "", false
}

// Key 用于 PeekNextTag 的返回值：结束标签带 '/' 前缀
func (t Tag) Key() string {
	if t.Closing {
		return "/" + t.Name
	}
	return t.Name
}

// String 编码为线上格式，属性值做 XML 转义
func (t Tag) String() string {
	var b strings.Builder
	b.WriteByte('<')
	if t.Closing {
		b.WriteByte('/')
		b.WriteString(t.Name)
		b.WriteByte('>')
		return b.String()
	}
	b.WriteString(t.Name)
	for _, a := range t.Attrs {
		b.WriteByte(' ')
		b.WriteString(a.Name)
		b.WriteString(`="`)
		b.WriteString(escapeAttr(a.Value))
		b.WriteByte('"')
	}
	if t.SelfClosing {
		b.WriteByte('/')
	}
	b.WriteByte('>')
	return b.String()
}

// StartTag / EndTag 构造辅助
func StartTag(name string, attrs ...Attr) Tag { return Tag{Name: name, Attrs: attrs} }
func EndTag(name string) Tag                 { return Tag{Name: name, Closing: true} }
func EmptyTag(name string, attrs ...Attr) Tag {
	return Tag{Name: name, Attrs: attrs, SelfClosing: true}
}

// ParseTag 解析一个完整的标签 "<...>"
// 手写的词法分析：名字、空白、name="value" 属性序列，可选的 '/' 结尾
func ParseTag(raw string) (Tag, error) {
	if len(raw) < 3 || raw[0] != '<' || raw[len(raw)-1] != '>' {
		return Tag{}, fmt.Errorf("%w: %q", ErrMalformedTag, raw)
	}
	body := raw[1 : len(raw)-1]

	var t Tag
	if strings.HasPrefix(body, "/") {
		t.Closing = true
		t.Name = strings.TrimSpace(body[1:])
		if !isName(t.Name) {
			return Tag{}, fmt.Errorf("%w: %q", ErrMalformedTag, raw)
		}
		return t, nil
	}
	if strings.HasSuffix(body, "/") {
		t.SelfClosing = true
		body = body[:len(body)-1]
	}

	pos := 0
	t.Name, pos = scanName(body, pos)
	if t.Name == "" {
		return Tag{}, fmt.Errorf("%w: missing name in %q", ErrMalformedTag, raw)
	}

	for {
		next := skipSpace(body, pos)
		if next == len(body) {
			break
		}
		if next == pos {
			return Tag{}, fmt.Errorf("%w: expected space at %d in %q", ErrMalformedTag, pos, raw)
		}
		pos = next

		var a Attr
		a.Name, pos = scanName(body, pos)
		if a.Name == "" {
			return Tag{}, fmt.Errorf("%w: bad attribute at %d in %q", ErrMalformedTag, pos, raw)
		}
		pos = skipSpace(body, pos)
		if pos >= len(body) || body[pos] != '=' {
			return Tag{}, fmt.Errorf("%w: attribute %s has no value", ErrMalformedTag, a.Name)
		}
		pos = skipSpace(body, pos+1)
		if pos >= len(body) || (body[pos] != '"' && body[pos] != '\'') {
			return Tag{}, fmt.Errorf("%w: attribute %s is not quoted", ErrMalformedTag, a.Name)
		}
		quote := body[pos]
		end := strings.IndexByte(body[pos+1:], quote)
		if end < 0 {
			return Tag{}, fmt.Errorf("%w: unterminated value for %s", ErrMalformedTag, a.Name)
		}
		a.Value = unescape(body[pos+1 : pos+1+end])
		pos += end + 2
		t.Attrs = append(t.Attrs, a)
	}
	return t, nil
}

func scanName(s string, pos int) (string, int) {
	start := pos
	for pos < len(s) && isNameByte(s[pos]) {
		pos++
	}
	return s[start:pos], pos
}

func skipSpace(s string, pos int) int {
	for pos < len(s) && isSpace(s[pos]) {
		pos++
	}
	return pos
}

func isName(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if !isNameByte(s[i]) {
			return false
		}
	}
	return true
}

func isNameByte(c byte) bool {
	return c == '_' || c == '-' || c == '.' || c == ':' ||
		('a' <= c && c <= 'z') || ('A' <= c && c <= 'Z') || ('0' <= c && c <= '9')
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\r' || c == '\n'
}

var (
	attrEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;", `"`, "&quot;")
	textEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")
	unescaper   = strings.NewReplacer("&lt;", "<", "&gt;", ">", "&quot;", `"`, "&apos;", "'", "&amp;", "&")
)

func escapeAttr(s string) string { return attrEscaper.Replace(s) }
func escapeText(s string) string { return textEscaper.Replace(s) }
func unescape(s string) string   { return unescaper.Replace(s) }
