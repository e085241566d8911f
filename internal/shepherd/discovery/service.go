package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"herd/internal/config"
	"herd/internal/metrics"
	"herd/pkg/model"

	"go.uber.org/zap"
)

// ErrNoInterfaces 没有可以发送广播的网卡
var ErrNoInterfaces = errors.New("no broadcast-capable interfaces")

const maxDatagramSize = 64 * 1024

// Option 配置 Service
type Option func(*Service)

// WithInterfaceAddrs 替换网卡枚举 (测试里绑定回环地址)
func WithInterfaceAddrs(fn func() ([]netip.Addr, error)) Option {
	return func(s *Service) { s.interfaceAddrs = fn }
}

// WithBroadcastAddr 替换广播目标地址，默认 255.255.255.255
func WithBroadcastAddr(addr netip.Addr) Option {
	return func(s *Service) { s.broadcast = addr }
}

// WithMetrics 记录丢弃的报文和存活数量
func WithMetrics(c *metrics.Collector) Option {
	return func(s *Service) { s.metrics = c }
}

// Service 通过 UDP 广播呼叫 herd，并把应答写入 Registry
type Service struct {
	cfg      config.DiscoveryConfig
	registry *Registry
	metrics  *metrics.Collector
	logger   *zap.Logger

	interfaceAddrs func() ([]netip.Addr, error)
	broadcast      netip.Addr

	mu        sync.Mutex
	conns     []*net.UDPConn
	receiving map[*net.UDPConn]bool
	closed    bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewService 创建发现服务，Close 之前接收协程一直运行
func NewService(cfg config.DiscoveryConfig, registry *Registry, logger *zap.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		cfg:            cfg,
		registry:       registry,
		logger:         logger.With(zap.String("component", "discovery")),
		interfaceAddrs: BroadcastInterfaceAddrs,
		broadcast:      netip.AddrFrom4([4]byte{255, 255, 255, 255}),
		receiving:      make(map[*net.UDPConn]bool),
		ctx:            ctx,
		cancel:         cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Registry 返回底层能力表
func (s *Service) Registry() *Registry { return s.registry }

// FindBroadcastInterfaces 为每个可广播网卡的 IPv4 地址绑定一个 UDP socket
// 单个地址绑定失败只记日志
func (s *Service) FindBroadcastInterfaces() error {
	addrs, err := s.interfaceAddrs()
	if err != nil {
		return fmt.Errorf("enumerate interfaces: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return net.ErrClosed
	}
	for _, c := range s.conns {
		c.Close()
	}
	s.conns = s.conns[:0]

	for _, ip := range addrs {
		local := net.UDPAddrFromAddrPort(netip.AddrPortFrom(ip, uint16(s.cfg.ShepherdPort)))
		conn, err := net.ListenUDP("udp4", local)
		if err != nil {
			s.logger.Warn("failed to bind discovery socket", zap.Stringer("addr", local), zap.Error(err))
			continue
		}
		s.conns = append(s.conns, conn)
	}
	if len(s.conns) == 0 {
		return ErrNoInterfaces
	}
	s.logger.Info("discovery sockets bound", zap.Int("count", len(s.conns)))
	return nil
}

// CallHerd 在每个 socket 上广播探测报文，并确保每个 socket 都有接收协程
func (s *Service) CallHerd(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	needFind := len(s.conns) == 0
	s.mu.Unlock()
	if needFind {
		if err := s.FindBroadcastInterfaces(); err != nil {
			return err
		}
	}

	target := net.UDPAddrFromAddrPort(netip.AddrPortFrom(s.broadcast, uint16(s.cfg.AgentPort)))
	probe := []byte(s.cfg.Message)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return net.ErrClosed
	}
	sent := 0
	for _, conn := range s.conns {
		if _, err := conn.WriteToUDP(probe, target); err != nil {
			s.logger.Warn("failed to send discovery probe", zap.Stringer("local", conn.LocalAddr()), zap.Error(err))
		} else {
			sent++
		}
		if !s.receiving[conn] {
			s.receiving[conn] = true
			s.wg.Add(1)
			go s.receiveLoop(conn)
		}
	}
	if sent == 0 {
		return fmt.Errorf("discovery probe not sent on any of %d sockets", len(s.conns))
	}
	s.logger.Debug("herd called", zap.Int("sockets", sent))
	return nil
}

// receiveLoop 解析失败不退出，只有 socket 关闭或 Service 关闭时退出
func (s *Service) receiveLoop(conn *net.UDPConn) {
	defer s.wg.Done()
	buf := make([]byte, maxDatagramSize)

	for {
		n, from, err := conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) || s.ctx.Err() != nil {
				return
			}
			s.logger.Warn("discovery receive error", zap.Error(err))
			select {
			case <-s.ctx.Done():
				return
			case <-time.After(100 * time.Millisecond):
			}
			continue
		}
		s.handleDatagram(buf[:n], from)
	}
}

func (s *Service) handleDatagram(data []byte, from netip.AddrPort) {
	if len(data) == 0 || data[0] != '<' {
		s.metrics.DatagramDropped("not_xml")
		return
	}
	agent, err := model.ParseDescription(data)
	if err != nil {
		reason := "malformed"
		if errors.Is(err, model.ErrNotHerdAgent) {
			reason = "not_agent"
		}
		s.metrics.DatagramDropped(reason)
		s.logger.Warn("dropping discovery reply", zap.Stringer("from", from), zap.Error(err))
		return
	}

	agent.Addr = netip.AddrPortFrom(from.Addr().Unmap(), from.Port())
	agent.LastHeartbeat = time.Now()
	s.registry.Upsert(agent)
}

// GetLiveAgents 代理到 Registry，并更新存活数量指标
func (s *Service) GetLiveAgents() []*model.Agent {
	live := s.registry.GetLiveAgents(s.cfg.LivenessTimeout)
	s.metrics.SetAgentsLive(len(live))
	return live
}

// Close 关闭所有 socket 并等待接收协程退出，可重复调用
func (s *Service) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.cancel()
	for _, c := range s.conns {
		c.Close()
	}
	s.conns = nil
	s.mu.Unlock()

	s.wg.Wait()
	return nil
}

// BroadcastInterfaceAddrs 枚举处于 up 状态、支持广播/组播、非回环、非点对点网卡上的 IPv4 地址
func BroadcastInterfaceAddrs() ([]netip.Addr, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	var out []netip.Addr
	for _, ni := range ifaces {
		ni := ni // per-iteration copy (go 1.21 loop semantics)
		if ni.Flags&net.FlagUp == 0 || ni.Flags&net.FlagMulticast == 0 ||
			ni.Flags&net.FlagLoopback != 0 || ni.Flags&net.FlagPointToPoint != 0 {
			continue
		}
		addrs, err := ni.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipnet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			ip, ok := netip.AddrFromSlice(ipnet.IP)
			if !ok {
				continue
			}
			ip = ip.Unmap()
			if ip.Is4() && !ip.IsLoopback() {
				out = append(out, ip)
			}
		}
	}
	return out, nil
}

// IsLocalAddress ip 是否属于本机某个网卡
func IsLocalAddress(ip netip.Addr) bool {
	ip = ip.Unmap()
	if ip.IsLoopback() {
		return true
	}
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return false
	}
	for _, a := range addrs {
		ipnet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		if local, ok := netip.AddrFromSlice(ipnet.IP); ok && local.Unmap() == ip {
			return true
		}
	}
	return false
}
