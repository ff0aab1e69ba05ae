// Package pipeline 是判定流水线：一次群聊提问从预处理、知识库检索、
// 网络搜索兜底、源码文档兜底到安全检查的全过程。
//
// 流水线是显式状态机：阶段固定有序，每个阶段消费并修改共享的
// Session，返回 继续 或 停机(code) 的迁移决定；出口码集合与阶段
// 顺序因此是可测试的契约，而不是散落在条件分支里的约定。
package pipeline
