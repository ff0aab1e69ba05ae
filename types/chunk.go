package types

import (
	"path/filepath"
	"strings"
)

// Modality 标识 chunk 的内容形态。
type Modality string

const (
	ModalityText  Modality = "text"
	ModalityImage Modality = "image"
	ModalityAudio Modality = "audio"
)

// Chunk 是最小的可检索内容单元。创建后不可变，索引之间只按位置引用。
//
// Metadata 约定：
//   - "source"：来源文档标识（文件路径或 URL），必有。
//   - "read"：非 URL 来源时，指向原始全文的路径，用于上下文扩展。
type Chunk struct {
	// Content 文本内容；图像/音频形态时为文件路径。
	Content  string            `json:"content"`
	Modality Modality          `json:"modality"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Source returns the origin document identity recorded in metadata.
func (c Chunk) Source() string { return c.Metadata["source"] }

// ReadPath returns the path of the raw text backing this chunk.
// Empty for URL sources.
func (c Chunk) ReadPath() string { return c.Metadata["read"] }

// FromURL reports whether the chunk's source is a web URL.
func (c Chunk) FromURL() bool {
	src := c.Source()
	return strings.HasPrefix(src, "http://") || strings.HasPrefix(src, "https://")
}

// SourceBase returns the basename of the source, used for the
// user-facing reference list.
func (c Chunk) SourceBase() string {
	src := c.Source()
	if src == "" {
		return ""
	}
	return filepath.Base(src)
}

// Query 是一次用户提问。Text 和 Image 最多填一个即可检索；
// 词法与图谱路径要求 Text 非空。
type Query struct {
	Text  string `json:"text,omitempty"`
	Image string `json:"image,omitempty"`
	Audio string `json:"audio,omitempty"`
}
