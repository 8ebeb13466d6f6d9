package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"resume-crosscheck/internal/config"
	appLogger "resume-crosscheck/internal/logger"
	"resume-crosscheck/internal/parser"
	"resume-crosscheck/internal/pipeline"
)

// 命令行参数定义
var (
	inputFile  = pflag.StringP("file", "f", "", "简历文件路径，支持 pdf/txt/md (必填)")
	configPath = pflag.StringP("config", "c", "", "配置文件路径")
	command    = pflag.String("cmd", "analyze", "执行的命令: text=仅提取文本, segment=规则分段, analyze=交叉校验抽取")
	mode       = pflag.String("mode", "", "抽取模式: two-way 或 three-way，默认使用配置")
	kind       = pflag.String("kind", "", "抽取方式: unified 或 sections")
	filename   = pflag.String("filename", "", "传给模型的文件名，默认取文件本身的名字")
	withChunks = pflag.Bool("chunks", false, "analyze 时同时输出 chunk 预览")
	timeout    = pflag.Duration("timeout", 3*time.Minute, "整体超时")
	verbose    = pflag.BoolP("verbose", "v", false, "输出调试日志")
)

func main() {
	pflag.Parse()

	if *inputFile == "" {
		fmt.Fprintln(os.Stderr, "错误: 必须通过 -f 提供简历文件路径")
		pflag.Usage()
		os.Exit(1)
	}

	level := "warn"
	if *verbose {
		level = "debug"
	}
	zl := appLogger.Init(appLogger.Config{Level: level, Format: "pretty", Output: os.Stderr})

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	text, err := readResume(ctx, *inputFile, zl)
	if err != nil {
		fail("读取简历失败", err)
	}
	name := *filename
	if name == "" {
		name = filepath.Base(*inputFile)
	}

	switch *command {
	case "text":
		fmt.Println(text)
	case "segment":
		svc := pipeline.NewService(nil, config.Default(), pipeline.WithLogger(zl))
		printJSON(svc.Segment(text, name))
	case "analyze":
		runAnalyze(ctx, text, name, zl)
	default:
		fmt.Fprintf(os.Stderr, "错误: 未知命令 '%s'。支持的命令: text, segment, analyze\n", *command)
		pflag.Usage()
		os.Exit(1)
	}
}

func runAnalyze(ctx context.Context, text, name string, zl zerolog.Logger) {
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fail("加载配置失败", err)
	}

	// 命令行只做同步抽取，不连接任何存储
	svc, closeProviders, err := pipeline.NewServiceFromConfig(ctx, cfg, nil, zl)
	if err != nil {
		fail("初始化分析服务失败", err)
	}
	defer func() { _ = closeProviders() }()

	analysis, err := svc.Analyze(ctx, pipeline.AnalyzeRequest{Text: text, Filename: name, Mode: *mode, Kind: *kind})
	if err != nil {
		fail("分析失败", err)
	}
	if *withChunks && analysis.Result != nil {
		analysis.Chunks = svc.PreviewChunks(analysis.Result.Data, text)
	}
	printJSON(analysis)
}

func readResume(ctx context.Context, path string, zl zerolog.Logger) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	extractor, err := parser.NewEinoPDFTextExtractor(ctx, parser.WithEinoLogger(zl))
	if err != nil {
		return "", err
	}
	return extractor.ExtractText(ctx, data, filepath.Base(path))
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		fail("输出JSON失败", err)
	}
}

func fail(msg string, err error) {
	fmt.Fprintf(os.Stderr, "%s: %v\n", msg, err)
	os.Exit(1)
}
