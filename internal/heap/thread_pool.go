package heap

import (
	"runtime"
	"sync"

	"go.uber.org/atomic"
)

// ============================================================================
// GC 工作线程池
// ============================================================================

const (
	// DefaultWorkerCount 默认工作线程数（等于 CPU 核心数）
	DefaultWorkerCount = 0 // 0 表示自动检测

	// MaxWorkerCount 工作线程数上限
	MaxWorkerCount = 64
)

// WorkerPool GC 工作线程池
//
// 卡表处理、堆校验这类可以按空间切分的阶段把任务整批交给
// 线程池并行执行。任务之间必须互不重叠（各自处理独立的
// 地址区间），池本身不做任何去重或同步。
type WorkerPool struct {
	// numWorkers 工作线程数量
	numWorkers int

	// tasks 待执行任务
	tasks chan func()

	// wg 等待所有工作线程结束
	wg sync.WaitGroup

	// stopCh 停止信号
	stopCh chan struct{}

	// executed 已执行任务计数
	executed atomic.Int64
}

// NewWorkerPool 创建并启动工作线程池
//
// 参数:
//   - numWorkers: 工作线程数量（0 表示自动检测 CPU 核心数）
func NewWorkerPool(numWorkers int) *WorkerPool {
	if numWorkers <= 0 {
		numWorkers = runtime.NumCPU()
	}
	if numWorkers > MaxWorkerCount {
		numWorkers = MaxWorkerCount
	}

	p := &WorkerPool{
		numWorkers: numWorkers,
		tasks:      make(chan func(), 4*numWorkers),
		stopCh:     make(chan struct{}),
	}
	for i := 0; i < numWorkers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

// worker 工作线程主循环
func (p *WorkerPool) worker() {
	defer p.wg.Done()
	for {
		select {
		case task := <-p.tasks:
			task()
			p.executed.Inc()
		case <-p.stopCh:
			return
		}
	}
}

// Run 并行执行一批任务并等待全部完成
func (p *WorkerPool) Run(tasks []func()) {
	if len(tasks) == 0 {
		return
	}
	var batch sync.WaitGroup
	batch.Add(len(tasks))
	for _, task := range tasks {
		task := task
		p.tasks <- func() {
			defer batch.Done()
			task()
		}
	}
	batch.Wait()
}

// NumWorkers 工作线程数
func (p *WorkerPool) NumWorkers() int {
	return p.numWorkers
}

// TasksExecuted 已执行任务总数
func (p *WorkerPool) TasksExecuted() int64 {
	return p.executed.Load()
}

// Stop 停止全部工作线程，已入队的任务可能不再执行
func (p *WorkerPool) Stop() {
	close(p.stopCh)
	p.wg.Wait()
}
