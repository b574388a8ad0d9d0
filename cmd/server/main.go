// cmd/server/main.go
package main

import (
	"fmt"
	"io"
	"log"
	"os"

	"github.com/Corphon/AIWriter/internal/app"
	"github.com/Corphon/AIWriter/internal/config"
	"github.com/Corphon/AIWriter/internal/pipeline"
	"github.com/spf13/cobra"
)

var (
	configDir string
	debugMode bool
)

var rootCmd = &cobra.Command{
	Use:   "aiwriter",
	Short: "AI 小说续写与发布服务",
	Long:  `多智能体写作循环（写作 -> 审稿 -> 总结）的 HTTP 服务，定稿章节可自动发布到外部平台。`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		log.Println("🚀 启动 AIWriter 服务器...")

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		log.Printf("✅ 配置加载完成，端口: %s，数据目录: %s", cfg.Port, cfg.DataDir)

		application, err := app.New(cfg, app.Options{})
		if err != nil {
			return fmt.Errorf("初始化应用失败: %w", err)
		}

		log.Printf("🔗 访问地址: http://localhost:%s/api/system/status", cfg.Port)
		if err := application.Run(); err != nil {
			return fmt.Errorf("服务器异常退出: %w", err)
		}
		log.Println("✅ 服务器优雅关闭完成")
		return nil
	},
}

var checkConfigCmd = &cobra.Command{
	Use:   "check-config",
	Short: "校验 writer.yaml 和 platforms.yaml",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		pipelineCfg, err := config.LoadPipelineConfig(cfg.PipelineFile())
		if err != nil {
			return err
		}
		platforms, err := config.LoadPlatforms(cfg.PlatformsFile())
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "pipeline: gate=%q/%q min_length=%d window=%d retries=%d\n",
			pipelineCfg.SatisfiedToken, pipelineCfg.RejectedToken,
			pipelineCfg.MinChapterLength, pipelineCfg.RawContextWindow, pipelineCfg.Generation.MaxRetries)
		for _, p := range platforms {
			fmt.Fprintf(out, "platform: %s (%s) steps=%d\n", p.ID, p.Name, len(p.Steps))
		}
		return nil
	},
}

var extractCmd = &cobra.Command{
	Use:   "extract [file]",
	Short: "从模型输出中提取章节，未指定文件时读取标准输入",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var in io.Reader = cmd.InOrStdin()
		if len(args) == 1 {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			in = f
		}
		raw, err := io.ReadAll(in)
		if err != nil {
			return err
		}

		title, content, ok := pipeline.ExtractChapter(string(raw))
		if !ok {
			return fmt.Errorf("未找到章节标题或正文")
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "title: %s\n", title)
		fmt.Fprintf(out, "number: %d\n", pipeline.ChapterNumber(title))
		fmt.Fprintf(out, "short_title: %s\n", pipeline.ShortTitle(title))
		fmt.Fprintf(out, "word_count: %d\n", pipeline.WordCount(content))
		fmt.Fprintf(out, "satisfied: %t\n", pipeline.IsSatisfied(string(raw)))
		return nil
	},
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("加载配置失败: %w", err)
	}
	if configDir != "" {
		cfg.ConfigDir = configDir
	}
	if debugMode {
		cfg.DebugMode = true
	}
	return cfg, nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configDir, "config-dir", "", "writer.yaml 和 platforms.yaml 所在目录（默认读取 CONFIG_DIR）")
	rootCmd.PersistentFlags().BoolVar(&debugMode, "debug", false, "开启调试日志")
	rootCmd.AddCommand(checkConfigCmd, extractCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
