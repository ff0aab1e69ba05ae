/*
Package main 提供茴香豆服务端程序入口。

# 概述

cmd/huixiangdou 是群聊知识助手的可执行入口，提供问答 HTTP 服务、
离线建库、拒答阈值标定、健康检查和版本查询等子命令。程序支持 YAML
配置文件加载、结构化日志（zap）、Prometheus 指标采集以及配置热重载。

# 核心类型

  - Server           — 主服务器，管理 HTTP、Metrics 双端口及优雅关闭
  - Middleware       — HTTP 中间件函数签名 func(http.Handler) http.Handler
  - responseWriter   — 包装 http.ResponseWriter 以捕获状态码

# 主要能力

  - 子命令：serve（问答服务）、build（离线建库）、calibrate（阈值标定）、
    version、health
  - 中间件链：Recovery、RequestID、OTelTracing、RequestLogger、
    MetricsMiddleware、RateLimiter（基于 IP）
  - 热重载：FileWatcher 监听配置文件与知识库目录，配置变更换流水线，
    知识库重建踢出对应检索器
  - Metrics 服务器：独立端口暴露 /metrics（Prometheus）
  - 优雅关闭：信号监听 → 停监听器 → 关闭 HTTP → 关闭 Metrics → 释放存储
  - 构建注入：Version、BuildTime、GitCommit 通过 ldflags 设置
*/
package main
