// Package config 实现堆运行参数的加载与保存
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// 常量定义
const (
	ConfigFileName = "aster.toml" // 配置文件名
)

// Config 堆配置
type Config struct {
	Heap HeapConfig `toml:"heap"`
	GC   GCConfig   `toml:"gc"`
}

// HeapConfig 堆尺寸与空间参数
type HeapConfig struct {
	// InitialSize 初始足迹（字节）
	InitialSize int64 `toml:"initial_size"`

	// GrowthLimit 足迹上限（字节），不会超过 Capacity
	GrowthLimit int64 `toml:"growth_limit"`

	// Capacity 映射容量（字节）
	Capacity int64 `toml:"capacity"`

	// LargeObjectThreshold 超过该大小的分配进大对象空间（字节)
	LargeObjectThreshold int64 `toml:"large_object_threshold"`

	// ImagePath 启动镜像文件路径，空表示不加载镜像
	ImagePath string `toml:"image_path"`
}

// GCConfig 收集器参数
type GCConfig struct {
	// Collector 收集器家族: cms | ss | gss
	Collector string `toml:"collector"`

	// Concurrent 标记阶段是否与 mutator 并发
	Concurrent bool `toml:"concurrent"`

	// TargetUtilization 目标利用率 (0,1)，收集后按它重算足迹
	TargetUtilization float64 `toml:"target_utilization"`

	// MinFree / MaxFree 收集后足迹余量的上下界（字节）
	MinFree int64 `toml:"min_free"`
	MaxFree int64 `toml:"max_free"`

	// Workers GC 工作线程数（0 表示自动检测 CPU 核心数）
	Workers int `toml:"workers"`

	// VerifyPreGC / VerifyPostGC 收集前后做堆校验（昂贵，调试用）
	VerifyPreGC  bool `toml:"verify_pre_gc"`
	VerifyPostGC bool `toml:"verify_post_gc"`

	// LongPauseMS 超过该毫秒数的暂停记警告日志
	LongPauseMS int64 `toml:"long_pause_ms"`
}

// Default 默认配置
func Default() *Config {
	return &Config{
		Heap: HeapConfig{
			InitialSize:          16 << 20,
			GrowthLimit:          64 << 20,
			Capacity:             64 << 20,
			LargeObjectThreshold: 3 * 4096,
		},
		GC: GCConfig{
			Collector:         "cms",
			Concurrent:        true,
			TargetUtilization: 0.5,
			MinFree:           512 << 10,
			MaxFree:           2 << 20,
			LongPauseMS:       5,
		},
	}
}

// Load 从文件加载配置
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 参数合法性检查
func (c *Config) Validate() error {
	if c.Heap.InitialSize <= 0 {
		return fmt.Errorf("heap.initial_size must be positive, got %d", c.Heap.InitialSize)
	}
	if c.Heap.GrowthLimit < c.Heap.InitialSize {
		return fmt.Errorf("heap.growth_limit %d is below heap.initial_size %d",
			c.Heap.GrowthLimit, c.Heap.InitialSize)
	}
	if c.Heap.Capacity < c.Heap.GrowthLimit {
		return fmt.Errorf("heap.capacity %d is below heap.growth_limit %d",
			c.Heap.Capacity, c.Heap.GrowthLimit)
	}
	if c.Heap.LargeObjectThreshold <= 0 {
		return fmt.Errorf("heap.large_object_threshold must be positive, got %d",
			c.Heap.LargeObjectThreshold)
	}
	if c.GC.TargetUtilization <= 0 || c.GC.TargetUtilization >= 1 {
		return fmt.Errorf("gc.target_utilization must be in (0, 1), got %g",
			c.GC.TargetUtilization)
	}
	if c.GC.MinFree <= 0 || c.GC.MaxFree < c.GC.MinFree {
		return fmt.Errorf("gc free bounds invalid: min_free=%d max_free=%d",
			c.GC.MinFree, c.GC.MaxFree)
	}
	switch c.GC.Collector {
	case "cms", "ss", "gss":
	default:
		return fmt.Errorf("gc.collector must be one of cms|ss|gss, got %q", c.GC.Collector)
	}
	return nil
}

// Save 保存配置到文件
func (c *Config) Save(path string) error {
	content := generateConfigWithComments(c)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// generateConfigWithComments 生成带注释的配置文件内容
func generateConfigWithComments(c *Config) string {
	var sb strings.Builder

	sb.WriteString("[heap]\n")
	sb.WriteString("# 初始足迹（字节）\n")
	sb.WriteString(fmt.Sprintf("initial_size = %d\n\n", c.Heap.InitialSize))
	sb.WriteString("# 足迹上限（字节）\n")
	sb.WriteString(fmt.Sprintf("growth_limit = %d\n\n", c.Heap.GrowthLimit))
	sb.WriteString("# 映射容量（字节）\n")
	sb.WriteString(fmt.Sprintf("capacity = %d\n\n", c.Heap.Capacity))
	sb.WriteString("# 大对象阈值（字节）\n")
	sb.WriteString(fmt.Sprintf("large_object_threshold = %d\n\n", c.Heap.LargeObjectThreshold))
	sb.WriteString("# 启动镜像路径（空表示不加载）\n")
	sb.WriteString(fmt.Sprintf("image_path = %q\n\n", c.Heap.ImagePath))

	sb.WriteString("[gc]\n")
	sb.WriteString("# 收集器家族: cms | ss | gss\n")
	sb.WriteString(fmt.Sprintf("collector = %q\n\n", c.GC.Collector))
	sb.WriteString("# 标记阶段是否与 mutator 并发\n")
	sb.WriteString(fmt.Sprintf("concurrent = %v\n\n", c.GC.Concurrent))
	sb.WriteString("# 目标利用率 (0,1)\n")
	sb.WriteString(fmt.Sprintf("target_utilization = %g\n\n", c.GC.TargetUtilization))
	sb.WriteString("# 收集后足迹余量的上下界（字节）\n")
	sb.WriteString(fmt.Sprintf("min_free = %d\n", c.GC.MinFree))
	sb.WriteString(fmt.Sprintf("max_free = %d\n\n", c.GC.MaxFree))
	sb.WriteString("# GC 工作线程数（0 表示自动检测）\n")
	sb.WriteString(fmt.Sprintf("workers = %d\n\n", c.GC.Workers))
	sb.WriteString("# 收集前后做堆校验（昂贵，调试用）\n")
	sb.WriteString(fmt.Sprintf("verify_pre_gc = %v\n", c.GC.VerifyPreGC))
	sb.WriteString(fmt.Sprintf("verify_post_gc = %v\n\n", c.GC.VerifyPostGC))
	sb.WriteString("# 超过该毫秒数的暂停记警告日志\n")
	sb.WriteString(fmt.Sprintf("long_pause_ms = %d\n", c.GC.LongPauseMS))

	return sb.String()
}
