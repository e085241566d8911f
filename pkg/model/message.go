package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// MessageType 监控消息类型
type MessageType string

const (
	MessageProgress   MessageType = "Progress"   // 进度百分比
	MessageEvaluation MessageType = "Evaluation" // "x,y"
	MessageGeneral    MessageType = "General"    // 自由文本
	MessageEnd        MessageType = "End"        // 任务结束，正文为 OK/空 或错误信息
)

// EndMessageOK 任务成功结束时 End 消息的正文
const EndMessageOK = "OK"

// Message agent 在任务运行期间回传的一条监控消息
type Message struct {
	Task       string      `json:"task"`
	Type       MessageType `json:"type"`
	Content    string      `json:"content"`
	ReceivedAt time.Time   `json:"received_at"`
}

// Progress 解析进度 (与区域设置无关的十进制数)
func (m *Message) Progress() (float64, error) {
	return strconv.ParseFloat(strings.TrimSpace(m.Content), 64)
}

// Evaluation 解析评估点 "x,y"
func (m *Message) Evaluation() (float64, float64, error) {
	parts := strings.Split(m.Content, ",")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("evaluation %q: expected \"x,y\"", m.Content)
	}
	x, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return 0, 0, fmt.Errorf("evaluation x: %w", err)
	}
	y, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return 0, 0, fmt.Errorf("evaluation y: %w", err)
	}
	return x, y, nil
}

// EndOK End 消息正文为 OK 或空时视为成功
func (m *Message) EndOK() bool {
	return m.Content == EndMessageOK || m.Content == ""
}
