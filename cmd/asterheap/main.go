// asterheap - Aster 堆压测与检视工具
//
// 用法:
//   asterheap stress [options]    # 多线程压测堆与收集器
//   asterheap serve [options]     # 起一个空堆并提供检视服务
//   asterheap init [options]      # 生成默认配置文件
//   asterheap version             # 显示版本信息
package main

import (
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/tangzhangming/aster/internal/config"
)

// 版本信息
const (
	Version = "0.1.0"
	Name    = "asterheap"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(0)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "stress":
		err = cmdStress(args)
	case "serve":
		err = cmdServe(args)
	case "init":
		err = cmdInit(args)
	case "version", "-v", "--version":
		fmt.Printf("%s version %s\n", Name, Version)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "未知命令: %s\n\n", cmd)
		usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "错误: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Printf("%s - Aster 堆压测与检视工具 v%s\n\n", Name, Version)
	fmt.Println("用法:")
	fmt.Printf("  %s <命令> [选项]\n\n", Name)
	fmt.Println("命令:")
	fmt.Println("  stress     多线程压测堆与收集器，结束后打印收集器表现")
	fmt.Println("  serve      起一个空堆并提供 JSON-RPC 检视服务")
	fmt.Println("  init       在当前目录生成默认配置文件")
	fmt.Println("  version    显示版本信息")
	fmt.Println("  help       显示本帮助")
	fmt.Println()
	fmt.Println("示例:")
	fmt.Printf("  %s init\n", Name)
	fmt.Printf("  %s stress -workers 8 -ops 500000\n", Name)
	fmt.Printf("  %s stress -collector ss -serve 127.0.0.1:9220\n", Name)
	fmt.Printf("  %s serve -addr 127.0.0.1:9220\n", Name)
}

// loadConfig 加载配置：显式路径优先，否则读当前目录的默认文件，
// 都没有时用内置默认值
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		if _, err := os.Stat(config.ConfigFileName); err == nil {
			path = config.ConfigFileName
		}
	}
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

func newLogger(verbose bool) (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
