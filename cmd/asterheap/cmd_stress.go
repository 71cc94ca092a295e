package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tangzhangming/aster/internal/heap"
	"github.com/tangzhangming/aster/internal/inspect"
	"github.com/tangzhangming/aster/internal/object"
	"github.com/tangzhangming/aster/internal/sched"
)

// 压测对象布局：
//   classPair 32 字节，引用槽在 +8 和 +16，串成链表制造对象图
//   classBlob 头 + length 字节，制造变长负载与大对象
const (
	classPair uint32 = 1
	classBlob uint32 = 2
)

type demoClasses struct{}

func (demoClasses) ObjectSize(classID uint32, length uint32) uintptr {
	if classID == classPair {
		return 32
	}
	return object.HeaderSize + uintptr(length)
}

func (demoClasses) ReferenceOffsets(classID uint32) []uintptr {
	if classID == classPair {
		return []uintptr{8, 16}
	}
	return nil
}

func (demoClasses) IsReferenceArray(classID uint32) bool { return false }

// 每个 worker 独占的根槽位数，worker 轮转覆写自己的槽
const rootSlotsPerWorker = 8

// cmdStress 多线程分配压测
func cmdStress(args []string) error {
	fs := flag.NewFlagSet("stress", flag.ExitOnError)
	configPath := fs.String("config", "", "配置文件路径（默认读当前目录 aster.toml）")
	collectorFlag := fs.String("collector", "", "覆盖收集器家族: cms | ss | gss")
	workers := fs.Int("workers", 4, "mutator 线程数")
	ops := fs.Int("ops", 200000, "每线程分配次数")
	blobBytes := fs.Int("blob", 56, "变长对象的净负载字节数")
	largeEvery := fs.Int("large-every", 1024, "每隔多少次分配插一个大对象，0 关闭")
	prefork := fs.Bool("prefork", false, "压测前做一次 zygote 预派生整理")
	serveAddr := fs.String("serve", "", "同时在该地址提供检视服务")
	verbose := fs.Bool("verbose", false, "详细日志")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	if *collectorFlag != "" {
		cfg.GC.Collector = *collectorFlag
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log, err := newLogger(*verbose)
	if err != nil {
		return err
	}
	defer log.Sync()

	roots := &object.RootSet{}
	h, err := heap.New(cfg, demoClasses{}, roots, log)
	if err != nil {
		return err
	}
	defer h.Shutdown()

	if *serveAddr != "" {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go func() {
			if err := inspect.NewServer(h, log).ListenAndServe(ctx, *serveAddr); err != nil &&
				!errors.Is(err, context.Canceled) {
				log.Error("inspector stopped", zap.Error(err))
			}
		}()
	}

	self := h.Threads().Register("stress main")
	defer h.Threads().Unregister(self)

	if *prefork {
		warmupAndFork(h, roots, self)
	}

	// 根槽位先占好，worker 只覆写自己的那一段
	slots := make([][]int, *workers)
	for w := range slots {
		slots[w] = make([]int, rootSlotsPerWorker)
		for i := range slots[w] {
			slots[w][i] = roots.Add(0)
		}
	}

	fmt.Printf("collector=%s concurrent=%v workers=%d ops=%d\n",
		cfg.GC.Collector, cfg.GC.Concurrent, *workers, *ops)

	start := time.Now()
	var wg sync.WaitGroup
	for w := 0; w < *workers; w++ {
		wg.Add(1)
		go func(id int, slots []int) {
			defer wg.Done()
			runWorker(h, roots, slots, id, *ops, *blobBytes, *largeEvery, log)
		}(w, slots[w])
	}
	// 主线程旁观压测，按时到达安全点
	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	for running := true; running; {
		self.FullSuspendCheck()
		select {
		case <-done:
			running = false
		case <-time.After(100 * time.Microsecond):
		}
	}
	elapsed := time.Since(start)

	total := uint64(*workers) * uint64(*ops)
	fmt.Printf("\n%d allocations in %s (%.0f allocs/s)\n\n",
		total, elapsed.Round(time.Millisecond), float64(total)/elapsed.Seconds())
	fmt.Print(h.DumpSpaces())
	fmt.Println()
	fmt.Print(h.DumpGCPerformanceInfo())
	return nil
}

// runWorker 单个 mutator 的分配循环。
// 链表头每 16 次换一个根槽位，旧链随之变成垃圾；链长每 64 次
// 掐断一次，存活集保持有界。
func runWorker(h *heap.Heap, roots *object.RootSet, slots []int, id, ops, blobBytes, largeEvery int, log *zap.Logger) {
	self := h.Threads().Register(fmt.Sprintf("stress worker %d", id))
	defer h.Threads().Unregister(self)

	var head uintptr
	for i := 0; i < ops; i++ {
		pair, err := h.Allocate(self, classPair, 0)
		if err != nil {
			log.Error("allocation failed", zap.Int("worker", id), zap.Int("op", i), zap.Error(err))
			return
		}
		if head != 0 {
			h.StoreRef(pair+8, head)
		}
		head = pair

		if blobBytes > 0 {
			// 无根负载，下一轮收集的垃圾
			if _, err := h.Allocate(self, classBlob, uint32(blobBytes)); err != nil {
				log.Error("blob allocation failed", zap.Int("worker", id), zap.Error(err))
				return
			}
		}
		if largeEvery > 0 && i%largeEvery == 0 {
			if _, err := h.Allocate(self, classBlob, 64<<10); err != nil {
				log.Error("large allocation failed", zap.Int("worker", id), zap.Error(err))
				return
			}
		}

		if i%16 == 0 {
			roots.Set(slots[(i/16)%len(slots)], head)
		}
		if i%64 == 0 {
			head = 0
		}
		self.FullSuspendCheck()
	}
}

// warmupAndFork 分配一批长存对象后做 zygote 预派生，
// 后续压测在整理出的新分配空间上进行
func warmupAndFork(h *heap.Heap, roots *object.RootSet, self *sched.Thread) {
	var prev uintptr
	for i := 0; i < 4096; i++ {
		addr, err := h.Allocate(self, classPair, 0)
		if err != nil {
			break
		}
		if prev != 0 {
			h.StoreRef(addr+8, prev)
		}
		prev = addr
	}
	if prev != 0 {
		roots.Add(prev)
	}
	h.PreZygoteFork(self)
}
