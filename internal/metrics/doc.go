// Package metrics 是 Prometheus 指标收集：
// 流水线结果码、各阶段耗时、检索判定、模型调用和缓存命中。
// This package is internal and should not be imported by external projects.
package metrics
