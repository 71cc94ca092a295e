package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/tangzhangming/aster/internal/config"
)

// cmdInit 在当前目录生成默认配置文件
func cmdInit(args []string) error {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	force := fs.Bool("force", false, "覆盖已存在的配置文件")
	if err := fs.Parse(args); err != nil {
		return err
	}

	dir, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("获取工作目录失败: %w", err)
	}

	configPath := filepath.Join(dir, config.ConfigFileName)
	if _, err := os.Stat(configPath); err == nil && !*force {
		return fmt.Errorf("配置文件 %s 已存在，使用 -force 覆盖", config.ConfigFileName)
	}

	if err := config.Default().Save(configPath); err != nil {
		return err
	}
	fmt.Printf("已生成 %s\n", config.ConfigFileName)
	return nil
}
