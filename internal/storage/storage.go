// Package storage 汇集分析服务的外部存储：MySQL/gorm 持久化、Redis 结果缓存、
// MinIO 原文归档、Qdrant 向量库和 RabbitMQ 任务队列。
package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"resume-crosscheck/internal/config"
)

// Storage 存储管理器，聚合所有存储相关依赖；未配置的组件为 nil
type Storage struct {
	// 对象存储
	MinIO *MinIO

	// 消息队列
	RabbitMQ *RabbitMQ

	// 向量数据库
	Qdrant *Qdrant

	// 关系型数据库
	MySQL *MySQL

	// 键值存储
	Redis *Redis

	logger zerolog.Logger
}

// NewStorage 按配置初始化各存储组件。单个组件失败只记录警告，全部失败才返回错误
func NewStorage(ctx context.Context, cfg *config.Config, zl zerolog.Logger) (*Storage, error) {
	if cfg == nil {
		return nil, fmt.Errorf("配置不能为空")
	}

	s := &Storage{logger: zl.With().Str("component", "storage").Logger()}
	var err error
	var initErrors []string
	configured := 0

	if cfg.MinIO.Endpoint != "" {
		configured++
		if s.MinIO, err = NewMinIO(&cfg.MinIO, zl); err != nil {
			s.logger.Warn().Err(err).Msg("初始化MinIO失败")
			initErrors = append(initErrors, fmt.Sprintf("MinIO: %v", err))
		}
	}

	if cfg.RabbitMQ.URL != "" {
		configured++
		if s.RabbitMQ, err = NewRabbitMQ(&cfg.RabbitMQ, zl); err != nil {
			s.logger.Warn().Err(err).Msg("初始化RabbitMQ失败")
			initErrors = append(initErrors, fmt.Sprintf("RabbitMQ: %v", err))
		} else if err = s.RabbitMQ.SetupAnalyzeTopology(); err != nil {
			s.logger.Warn().Err(err).Msg("声明分析队列失败")
			initErrors = append(initErrors, fmt.Sprintf("RabbitMQ topology: %v", err))
		}
	}

	if cfg.Qdrant.Endpoint != "" {
		configured++
		if s.Qdrant, err = NewQdrant(&cfg.Qdrant, zl); err != nil {
			s.logger.Warn().Err(err).Msg("初始化Qdrant失败")
			initErrors = append(initErrors, fmt.Sprintf("Qdrant: %v", err))
		}
	}

	if cfg.MySQL.Host != "" {
		configured++
		if s.MySQL, err = NewMySQL(&cfg.MySQL, zl); err != nil {
			s.logger.Warn().Err(err).Msg("初始化MySQL失败")
			initErrors = append(initErrors, fmt.Sprintf("MySQL: %v", err))
		}
	}

	if cfg.Redis.Address != "" {
		configured++
		if s.Redis, err = NewRedisAdapter(&cfg.Redis); err != nil {
			s.logger.Warn().Err(err).Msg("初始化Redis失败")
			initErrors = append(initErrors, fmt.Sprintf("Redis: %v", err))
		}
	}

	if configured > 0 && len(initErrors) == configured {
		return nil, fmt.Errorf("所有存储组件初始化失败: %s", strings.Join(initErrors, "; "))
	}
	if len(initErrors) > 0 {
		s.logger.Warn().Str("failed", strings.Join(initErrors, "; ")).Msg("部分存储组件初始化失败")
	}
	return s, nil
}

// Close 关闭所有连接
func (s *Storage) Close() {
	if s.RabbitMQ != nil {
		if err := s.RabbitMQ.Close(); err != nil {
			s.logger.Error().Err(err).Msg("关闭RabbitMQ连接失败")
		}
	}
	if s.MySQL != nil {
		if err := s.MySQL.Close(); err != nil {
			s.logger.Error().Err(err).Msg("关闭MySQL连接失败")
		}
	}
	if s.Redis != nil {
		if err := s.Redis.Close(); err != nil {
			s.logger.Error().Err(err).Msg("关闭Redis连接失败")
		}
	}
}
