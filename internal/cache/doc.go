// Package cache 是网络搜索文章的 Redis 缓存。
// 同一个搜索词在 TTL 内复用上次抓取的文章，省掉重复的
// 搜索 API 调用和正文抽取。
// This package is internal and should not be imported by external projects.
package cache
