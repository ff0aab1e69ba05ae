// Package rag 是检索与判定核心：
// 稠密向量索引、BM25 词法索引、LLM 抽取的知识图谱、
// 带拒答阈值的检索器、检索器 LRU 缓存和阈值标定。
//
// 知识库落盘约定（每个知识库一个目录）：
//
//	dense.bin          稠密索引二进制（向量数据）
//	dense_chunks.json  索引位置 -> chunk 的侧表
//	sparse.json        BM25 全量统计（单个原子 blob）
//	graph_nodes.jsonl  图谱节点追加日志
//	graph_relations.jsonl 图谱关系追加日志
//	graph.json         物化后的图谱（存在即表示图谱可用）
//
// 各文件存在与否就是对应检索模式是否可用的唯一信号，没有额外清单。
package rag
