package models

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"

	"resume-crosscheck/internal/types"
)

// Analysis 一次简历抽取分析，保存合并后的结果
type Analysis struct {
	AnalysisID          string         `gorm:"type:char(36);primaryKey"`
	Filename            string         `gorm:"type:varchar(255)"`
	Mode                string         `gorm:"type:varchar(20)"`
	Kind                string         `gorm:"type:varchar(20)"` // unified | sections
	Status              string         `gorm:"type:varchar(20);default:'PENDING';index:idx_analyses_status"`
	RawTextMD5          string         `gorm:"type:char(32);index:idx_analyses_raw_text_md5"`
	RawTextPath         string         `gorm:"type:varchar(512)"` // MinIO 中的对象路径
	OriginalPath        string         `gorm:"type:varchar(512)"` // 上传的原始文件
	IndexChunks         bool           `gorm:"default:false"`     // 完成后是否生成并向量化 chunk
	Success             bool           `gorm:"default:false"`
	ConfidenceScore     float64        `gorm:"default:0"`
	DataJSON            datatypes.JSON `gorm:"type:json"`
	FieldConfidenceJSON datatypes.JSON `gorm:"type:json"`
	WarningsJSON        datatypes.JSON `gorm:"type:json"`
	CorrectionsJSON     datatypes.JSON `gorm:"type:json"`
	ErrorMessage        string         `gorm:"type:text"`
	ProcessingMS        int64          `gorm:"default:0"`
	ChunkCount          int            `gorm:"default:0"`
	EmbeddedChunks      int            `gorm:"default:0"`
	CreatedAt           time.Time      `gorm:"autoCreateTime"`
	UpdatedAt           time.Time      `gorm:"autoUpdateTime"`
}

func (Analysis) TableName() string {
	return "analyses"
}

// AnalysisChunk 分析生成的 chunk，(analysis_id, chunk_type, chunk_index) 唯一
type AnalysisChunk struct {
	ChunkDBID    uint64         `gorm:"primaryKey;autoIncrement"`
	AnalysisID   string         `gorm:"type:char(36);not null;uniqueIndex:idx_analysis_chunk_unique,priority:1"`
	ChunkType    string         `gorm:"type:varchar(20);not null;uniqueIndex:idx_analysis_chunk_unique,priority:2"`
	ChunkIndex   int            `gorm:"not null;uniqueIndex:idx_analysis_chunk_unique,priority:3"`
	Content      string         `gorm:"type:text"`
	MetadataJSON datatypes.JSON `gorm:"type:json"`
	HasEmbedding bool           `gorm:"default:false"`
	PointID      *string        `gorm:"type:char(36)"` // Qdrant point ID
	CreatedAt    time.Time      `gorm:"autoCreateTime"`
}

func (AnalysisChunk) TableName() string {
	return "analysis_chunks"
}

// ChunkFromDomain 转换为数据库模型，向量只写入向量库
func ChunkFromDomain(analysisID string, c types.Chunk, pointID string) (AnalysisChunk, error) {
	meta, err := MapToJSON(c.Metadata)
	if err != nil {
		return AnalysisChunk{}, err
	}
	row := AnalysisChunk{
		AnalysisID:   analysisID,
		ChunkType:    string(c.Type),
		ChunkIndex:   c.Index,
		Content:      c.Content,
		MetadataJSON: meta,
		HasEmbedding: c.HasEmbedding(),
	}
	if pointID != "" {
		row.PointID = &pointID
	}
	return row, nil
}

// ToDomain 转换为领域对象，不含向量
func (c AnalysisChunk) ToDomain() types.Chunk {
	meta := map[string]any{}
	if len(c.MetadataJSON) > 0 {
		_ = json.Unmarshal(c.MetadataJSON, &meta)
	}
	return types.Chunk{
		Type:     types.ChunkType(c.ChunkType),
		Index:    c.ChunkIndex,
		Content:  c.Content,
		Metadata: meta,
	}
}

// MapToJSON 序列化为 datatypes.JSON，nil 写为 JSON null
func MapToJSON(v any) (datatypes.JSON, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(data), nil
}

// JSONTo 反序列化 datatypes.JSON；空值不报错
func JSONTo(data datatypes.JSON, dest any) error {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	return json.Unmarshal(data, dest)
}
