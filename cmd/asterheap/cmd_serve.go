package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/tangzhangming/aster/internal/heap"
	"github.com/tangzhangming/aster/internal/inspect"
	"github.com/tangzhangming/aster/internal/object"
)

// cmdServe 起一个空堆并阻塞在检视服务上，收到中断信号退出
func cmdServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "配置文件路径（默认读当前目录 aster.toml）")
	addr := fs.String("addr", "127.0.0.1:9220", "检视服务监听地址")
	verbose := fs.Bool("verbose", false, "详细日志")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	log, err := newLogger(*verbose)
	if err != nil {
		return err
	}
	defer log.Sync()

	h, err := heap.New(cfg, demoClasses{}, &object.RootSet{}, log)
	if err != nil {
		return err
	}
	defer h.Shutdown()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Printf("serving heap inspector on %s, ctrl-c to stop\n", *addr)
	srvErr := make(chan error, 1)
	go func() {
		srvErr <- inspect.NewServer(h, log).ListenAndServe(ctx, *addr)
	}()
	select {
	case <-ctx.Done():
		return nil
	case err := <-srvErr:
		return err
	}
}
