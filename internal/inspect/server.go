// Package inspect 堆的在线检视服务。
//
// 服务走 Content-Length 帧的 JSON-RPC 2.0（与 LSP 同一传输层），
// 运行期可以查询堆用量、逐空间占用、收集器累计表现，也可以
// 远程触发一轮收集或把空闲页还给内核。方法名以 heap/ 与 thread/
// 为前缀：
//
//	heap/stats          堆账面统计
//	heap/spaces         逐空间占用
//	heap/gcPerformance  收集器累计表现转储
//	heap/collect        触发一轮收集（参数 type / clearSoftReferences）
//	heap/trim           归还空闲页
//	thread/list         已登记线程快照
package inspect

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/segmentio/encoding/json"
	"go.lsp.dev/jsonrpc2"
	"go.uber.org/zap"

	"github.com/tangzhangming/aster/internal/collector"
	"github.com/tangzhangming/aster/internal/heap"
	"github.com/tangzhangming/aster/internal/sched"
	"github.com/tangzhangming/aster/internal/space"
)

// Server 在一个 TCP 监听端口上回答堆检视请求
type Server struct {
	heap *heap.Heap
	log  *zap.Logger
}

// NewServer 创建检视服务器
func NewServer(h *heap.Heap, log *zap.Logger) *Server {
	return &Server{heap: h, log: log.Named("inspect")}
}

// ListenAndServe 监听 addr 并服务到 ctx 取消为止
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("inspect listen on %s: %w", addr, err)
	}
	s.log.Info("inspector listening", zap.String("addr", ln.Addr().String()))
	return jsonrpc2.Serve(ctx, ln, jsonrpc2.HandlerServer(s.handle), 0)
}

// ==============================================
// 请求分发
// ==============================================

// StatsResult heap/stats 的响应
type StatsResult struct {
	BytesAllocated   uint64 `json:"bytesAllocated"`
	ObjectsAllocated uint64 `json:"objectsAllocated"`
	Footprint        uint64 `json:"footprint"`
	GrowthLimit      uint64 `json:"growthLimit"`
	FreeMemory       uint64 `json:"freeMemory"`
	NativeBytes      int64  `json:"nativeBytes"`
	GcCount          int64  `json:"gcCount"`
	TotalGcTimeMS    int64  `json:"totalGcTimeMs"`
}

// SpaceInfo 单个空间的占用快照
type SpaceInfo struct {
	Name             string `json:"name"`
	Begin            uint64 `json:"begin"`
	End              uint64 `json:"end"`
	Capacity         uint64 `json:"capacity,omitempty"`
	BytesAllocated   uint64 `json:"bytesAllocated"`
	ObjectsAllocated int64  `json:"objectsAllocated"`
	Continuous       bool   `json:"continuous"`
}

// CollectParams heap/collect 的参数
type CollectParams struct {
	Type                string `json:"type"`
	ClearSoftReferences bool   `json:"clearSoftReferences"`
}

// CollectResult heap/collect 的响应
type CollectResult struct {
	Performed  string `json:"performed"`
	GcCount    int64  `json:"gcCount"`
	DurationMS int64  `json:"durationMs"`
}

// TrimResult heap/trim 的响应
type TrimResult struct {
	ReclaimedBytes uint64 `json:"reclaimedBytes"`
}

// PerformanceResult heap/gcPerformance 的响应
type PerformanceResult struct {
	Report string `json:"report"`
}

// ThreadInfo 单个线程的快照
type ThreadInfo struct {
	ID           uint64 `json:"id"`
	Name         string `json:"name"`
	State        string `json:"state"`
	SuspendCount int32  `json:"suspendCount"`
}

func (s *Server) handle(ctx context.Context, reply jsonrpc2.Replier, req jsonrpc2.Request) error {
	s.log.Debug("request", zap.String("method", req.Method()))

	switch req.Method() {
	case "heap/stats":
		return reply(ctx, s.stats(), nil)
	case "heap/spaces":
		return reply(ctx, s.spaces(), nil)
	case "heap/gcPerformance":
		return reply(ctx, PerformanceResult{Report: s.heap.DumpGCPerformanceInfo()}, nil)
	case "heap/collect":
		return s.handleCollect(ctx, reply, req)
	case "heap/trim":
		return reply(ctx, TrimResult{ReclaimedBytes: uint64(s.heap.Trim())}, nil)
	case "thread/list":
		return reply(ctx, s.threadList(), nil)
	default:
		return reply(ctx, nil, jsonrpc2.ErrMethodNotFound)
	}
}

func (s *Server) stats() StatsResult {
	return StatsResult{
		BytesAllocated:   s.heap.BytesAllocated(),
		ObjectsAllocated: s.heap.ObjectsAllocated(),
		Footprint:        s.heap.Footprint(),
		GrowthLimit:      uint64(s.heap.GrowthLimit()),
		FreeMemory:       s.heap.FreeMemory(),
		NativeBytes:      s.heap.NativeBytesAllocated(),
		GcCount:          s.heap.GcCount(),
		TotalGcTimeMS:    s.heap.TotalGcTime().Milliseconds(),
	}
}

func (s *Server) spaces() []SpaceInfo {
	var out []SpaceInfo
	for _, sp := range s.heap.ContinuousSpaces() {
		info := SpaceInfo{
			Name:       sp.Name(),
			Begin:      uint64(sp.Begin()),
			End:        uint64(sp.End()),
			Capacity:   uint64(sp.Capacity()),
			Continuous: true,
		}
		if alloc, ok := sp.(space.AllocSpace); ok {
			info.BytesAllocated = uint64(alloc.BytesAllocated())
			info.ObjectsAllocated = alloc.ObjectsAllocated()
		}
		out = append(out, info)
	}
	los := s.heap.LargeObjects()
	out = append(out, SpaceInfo{
		Name:             los.Name(),
		Begin:            uint64(los.Begin()),
		End:              uint64(los.End()),
		BytesAllocated:   uint64(los.BytesAllocated()),
		ObjectsAllocated: los.ObjectsAllocated(),
	})
	return out
}

func (s *Server) handleCollect(ctx context.Context, reply jsonrpc2.Replier, req jsonrpc2.Request) error {
	p := CollectParams{Type: "full"}
	if len(req.Params()) > 0 {
		if err := json.Unmarshal(req.Params(), &p); err != nil {
			return reply(ctx, nil, jsonrpc2.ErrParse)
		}
	}
	gcType, err := parseGcType(p.Type)
	if err != nil {
		return reply(ctx, nil, jsonrpc2.NewError(jsonrpc2.InvalidParams, err.Error()))
	}

	// 收集必须由已登记的 mutator 线程发起，请求期间临时登记一个
	self := s.heap.Threads().Register("heap inspector")
	defer s.heap.Threads().Unregister(self)

	start := time.Now()
	performed := s.heap.CollectGarbage(self, gcType, "inspector request", p.ClearSoftReferences)
	return reply(ctx, CollectResult{
		Performed:  performed.String(),
		GcCount:    s.heap.GcCount(),
		DurationMS: time.Since(start).Milliseconds(),
	}, nil)
}

func (s *Server) threadList() []ThreadInfo {
	var out []ThreadInfo
	s.heap.Threads().ForEach(func(t *sched.Thread) {
		sched.Locks.SuspendCount.Lock()
		count := t.SuspendCount()
		sched.Locks.SuspendCount.Unlock()
		out = append(out, ThreadInfo{
			ID:           t.ID(),
			Name:         t.Name(),
			State:        t.State().String(),
			SuspendCount: count,
		})
	})
	return out
}

func parseGcType(name string) (collector.GcType, error) {
	switch name {
	case "sticky":
		return collector.GcTypeSticky, nil
	case "partial":
		return collector.GcTypePartial, nil
	case "", "full":
		return collector.GcTypeFull, nil
	default:
		return collector.GcTypeNone, fmt.Errorf("unknown collection type %q", name)
	}
}
