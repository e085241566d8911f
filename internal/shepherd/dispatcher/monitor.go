package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"herd/internal/metrics"
	"herd/pkg/model"
	"herd/pkg/store"

	"go.uber.org/zap"
)

// Evaluation 一个评估点
type Evaluation struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// UnitStatus 一个实验单元的监控快照
type UnitStatus struct {
	Unit          string          `json:"unit"`
	Job           string          `json:"job,omitempty"`
	Agent         string          `json:"agent,omitempty"`
	State         model.UnitState `json:"state"`
	Progress      float64         `json:"progress"` // 百分比
	Evaluations   []Evaluation    `json:"evaluations,omitempty"`
	Error         string          `json:"error,omitempty"`
	Attempts      int             `json:"attempts"`
	LastHeartbeat time.Time       `json:"last_heartbeat"`
}

func (s *UnitStatus) terminal() bool {
	return s.State == model.UnitFinished || s.State == model.UnitError
}

func (s *UnitStatus) clone() UnitStatus {
	c := *s
	c.Evaluations = append([]Evaluation(nil), s.Evaluations...)
	return c
}

func (s *UnitStatus) result() *store.UnitResult {
	return &store.UnitResult{
		Unit:      s.Unit,
		Job:       s.Job,
		Agent:     s.Agent,
		State:     s.State.String(),
		Progress:  s.Progress,
		Error:     s.Error,
		Attempts:  s.Attempts,
		UpdatedAt: time.Now(),
	}
}

// jobMonitor 跟踪一个 job 中每个单元的状态
// 状态机: Pending → Sending → Running → WaitingResult → Finished | Error
type jobMonitor struct {
	ctx      context.Context
	job      *model.Job
	store    store.Store
	metrics  *metrics.Collector
	onUpdate func(UnitStatus)
	logger   *zap.Logger

	mu    sync.Mutex
	units map[string]*UnitStatus
	order []string
}

func newJobMonitor(ctx context.Context, job *model.Job, attempts map[string]int, st store.Store, m *metrics.Collector, onUpdate func(UnitStatus), logger *zap.Logger) *jobMonitor {
	mon := &jobMonitor{
		ctx:      ctx,
		job:      job,
		store:    st,
		metrics:  m,
		onUpdate: onUpdate,
		logger:   logger.With(zap.String("job", job.Name), zap.String("agent", job.Agent.IP())),
		units:    make(map[string]*UnitStatus, len(job.Units)),
	}
	for _, u := range job.Units {
		mon.units[u.Name] = &UnitStatus{
			Unit:     u.Name,
			Job:      job.Name,
			Agent:    job.Agent.IP(),
			State:    model.UnitPending,
			Attempts: attempts[u.Name],
		}
		mon.order = append(mon.order, u.Name)
	}
	return mon
}

// handle 是传给 ReceiveJobResult 的消息回调
func (m *jobMonitor) handle(msg *model.Message) {
	m.mu.Lock()
	st, ok := m.units[msg.Task]
	if !ok {
		m.mu.Unlock()
		m.logger.Warn("message for unknown unit", zap.String("unit", msg.Task), zap.String("type", string(msg.Type)))
		return
	}
	st.LastHeartbeat = msg.ReceivedAt
	if st.LastHeartbeat.IsZero() {
		st.LastHeartbeat = time.Now()
	}

	var logLine string
	switch msg.Type {
	case model.MessageProgress:
		p, err := msg.Progress()
		if err != nil {
			m.mu.Unlock()
			m.logger.Warn("bad progress message", zap.String("unit", st.Unit), zap.Error(err))
			return
		}
		st.Progress = p

	case model.MessageEvaluation:
		x, y, err := msg.Evaluation()
		if err != nil {
			m.mu.Unlock()
			m.logger.Warn("bad evaluation message", zap.String("unit", st.Unit), zap.Error(err))
			return
		}
		st.Evaluations = append(st.Evaluations, Evaluation{X: x, Y: y})

	case model.MessageGeneral:
		logLine = msg.Content

	case model.MessageEnd:
		if msg.EndOK() {
			m.transition(st, model.UnitWaitingResult, "")
		} else {
			// 参数错误导致的失败不重新排队
			m.transition(st, model.UnitError, msg.Content)
			logLine = "error: " + msg.Content
		}

	default:
		m.mu.Unlock()
		m.logger.Warn("unknown message type", zap.String("unit", st.Unit), zap.String("type", string(msg.Type)))
		return
	}
	snapshot := st.clone()
	m.mu.Unlock()

	if logLine != "" {
		if err := m.store.AppendUnitLog(m.ctx, snapshot.Unit, logLine); err != nil {
			m.logger.Warn("failed to append unit log", zap.String("unit", snapshot.Unit), zap.Error(err))
		}
	}
	m.publish(snapshot)
}

// transition 调用方持有 mu；终态不再改变
func (m *jobMonitor) transition(st *UnitStatus, state model.UnitState, errMsg string) bool {
	if st.terminal() {
		return false
	}
	st.State = state
	st.Error = errMsg
	if st.terminal() {
		m.metrics.UnitFinished(state.String())
		if state == model.UnitError {
			m.logger.Warn("unit failed", zap.String("unit", st.Unit), zap.String("error", errMsg))
		} else {
			m.logger.Info("unit finished", zap.String("unit", st.Unit))
		}
	}
	return true
}

// setAll 把所有未结束的单元切到 state
func (m *jobMonitor) setAll(state model.UnitState) {
	m.update(func(st *UnitStatus) bool {
		if st.State == model.UnitWaitingResult {
			return false
		}
		return m.transition(st, state, "")
	})
}

// finish job 正常结束：等待结果的单元完成，没收到 End 的单元记为失败
func (m *jobMonitor) finish() {
	m.update(func(st *UnitStatus) bool {
		switch st.State {
		case model.UnitWaitingResult:
			return m.transition(st, model.UnitFinished, "")
		case model.UnitFinished, model.UnitError:
			return false
		default:
			return m.transition(st, model.UnitError, "job ended without an end message")
		}
	})
}

// fail 传输失败：没收到 End 的单元在次数允许时回到 Pending 并返回给调用方
func (m *jobMonitor) fail(cause error, maxRequeue int) []*model.ExperimentalUnit {
	var requeue []*model.ExperimentalUnit
	m.update(func(st *UnitStatus) bool {
		switch st.State {
		case model.UnitFinished, model.UnitError:
			return false
		case model.UnitWaitingResult:
			return m.transition(st, model.UnitError, fmt.Sprintf("output transfer failed: %v", cause))
		}
		if st.Attempts > maxRequeue {
			return m.transition(st, model.UnitError, fmt.Sprintf("gave up after %d attempts: %v", st.Attempts, cause))
		}
		st.State = model.UnitPending
		st.Error = cause.Error()
		requeue = append(requeue, m.job.Unit(st.Unit))
		return true
	})
	return requeue
}

// cancel 派发被取消：没收到 End 的单元回到 Pending
func (m *jobMonitor) cancel() {
	m.update(func(st *UnitStatus) bool {
		switch st.State {
		case model.UnitFinished, model.UnitError:
			return false
		case model.UnitWaitingResult:
			return m.transition(st, model.UnitError, "canceled before outputs arrived")
		}
		st.State = model.UnitPending
		return true
	})
}

// update 按单元顺序应用 fn，变化的单元写入存储
func (m *jobMonitor) update(fn func(st *UnitStatus) bool) {
	var changed []UnitStatus
	m.mu.Lock()
	for _, name := range m.order {
		st := m.units[name]
		if fn(st) {
			changed = append(changed, st.clone())
		}
	}
	m.mu.Unlock()

	for _, st := range changed {
		m.publish(st)
	}
}

func (m *jobMonitor) publish(st UnitStatus) {
	// 取消之后仍然要把最终状态写进去
	ctx := context.WithoutCancel(m.ctx)
	if err := m.store.SaveUnitResult(ctx, st.result()); err != nil {
		m.logger.Warn("failed to save unit result", zap.String("unit", st.Unit), zap.Error(err))
	}
	if m.onUpdate != nil {
		m.onUpdate(st)
	}
}

// NormalizedProgress job 的整体进度 [0,1]，各单元百分比的平均值
func (m *jobMonitor) NormalizedProgress() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.units) == 0 {
		return 0
	}
	sum := 0.0
	for _, st := range m.units {
		sum += st.Progress / 100
	}
	return sum / float64(len(m.units))
}

// statuses 按单元顺序返回快照
func (m *jobMonitor) statuses() []UnitStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]UnitStatus, 0, len(m.order))
	for _, name := range m.order {
		out = append(out, m.units[name].clone())
	}
	return out
}
