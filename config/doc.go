// Package config 统一配置：YAML 文件 + 环境变量覆盖。
//
// 使用方法:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("config.yaml").
//	    Load()
//
// 配置优先级: 默认值 → YAML 文件 → 环境变量。
// 环境变量键由 yaml 标签派生，如 HUIXIANGDOU_LLM_API_KEY。
//
// reject_throttle 是唯一会被程序回写的配置项（阈值标定之后），
// 见 UpdateRejectThrottle。
package config
