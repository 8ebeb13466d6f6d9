package types

// ChunkType chunk 类型
type ChunkType string

const (
	ChunkSummary    ChunkType = "summary"
	ChunkCareer     ChunkType = "career"
	ChunkProject    ChunkType = "project"
	ChunkSkill      ChunkType = "skill"
	ChunkEducation  ChunkType = "education"
	ChunkRawFull    ChunkType = "raw_full"
	ChunkRawSection ChunkType = "raw_section"
)

// IsRaw 是否由原文生成
func (t ChunkType) IsRaw() bool {
	return t == ChunkRawFull || t == ChunkRawSection
}

// Chunk 待向量化的文本块。Index 为同类型内的序号
type Chunk struct {
	Type      ChunkType      `json:"chunk_type"`
	Index     int            `json:"chunk_index"`
	Content   string         `json:"content"`
	Metadata  map[string]any `json:"metadata"`
	Embedding []float64      `json:"embedding,omitempty"`
}

// HasEmbedding 是否已有向量
func (c *Chunk) HasEmbedding() bool {
	return len(c.Embedding) > 0
}
