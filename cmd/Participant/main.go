package main

import (
	"os"
	"os/signal"
	"syscall"

	"FogMPC/pkg/config"
	"FogMPC/pkg/core/participant/server"
	"FogMPC/pkg/core/threshold"
	"FogMPC/pkg/fhe"
	"FogMPC/pkg/protocols"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// options 各子命令共用的参数
type options struct {
	configPath string
	logLevel   string
	board      string
	stateDir   string
	ceremony   string
	index      int
}

func (o *options) load() (*config.Config, *fhe.Context, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, nil, err
	}
	level := cfg.LogLevel
	if o.logLevel != "" {
		level = o.logLevel
	}
	config.SetupLogging(level)

	fctx, err := fhe.NewContext(cfg.FHE)
	if err != nil {
		return nil, nil, err
	}
	return cfg, fctx, nil
}

func main() {
	opts := &options{}
	command := &cobra.Command{
		Use:          "Participant",
		Short:        "门限解密参与方",
		SilenceUsage: true,
	}
	flags := command.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "YAML 配置文件")
	flags.StringVar(&opts.logLevel, "log-level", "", "日志级别 (debug, info, warn, error)")
	flags.StringVar(&opts.board, "board", "board", "公告板目录")
	flags.StringVar(&opts.stateDir, "state", "state", "本地私有状态目录")
	flags.StringVar(&opts.ceremony, "ceremony", "fog", "仪式ID")
	flags.IntVarP(&opts.index, "index", "i", 0, "参与方编号 (1..n)")

	addInitCmd(command, opts)
	addDealCmd(command, opts)
	addFinalizeCmd(command, opts)
	addServeCmd(command, opts)

	if err := command.Execute(); err != nil {
		os.Exit(1)
	}
}

// addInitCmd 第零轮：公布签名公钥
func addInitCmd(command *cobra.Command, opts *options) {
	var t, n int
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "加入仪式并公布公钥",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, fctx, err := opts.load()
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("threshold") {
				t = cfg.Threshold.Threshold
			}
			if !cmd.Flags().Changed("parties") {
				n = cfg.Threshold.Parties
			}
			return protocols.Init(fctx, protocols.Board{Dir: opts.board}, protocols.LocalFiles{StateDir: opts.stateDir}, opts.ceremony, t, n, opts.index)
		},
	}
	initCmd.Flags().IntVarP(&t, "threshold", "t", 0, "门限 t")
	initCmd.Flags().IntVarP(&n, "parties", "n", 0, "参与方数量 n")
	command.AddCommand(initCmd)
}

// addDealCmd 第一轮：分发秘密份额并公布公钥份额
func addDealCmd(command *cobra.Command, opts *options) {
	command.AddCommand(&cobra.Command{
		Use:   "deal",
		Short: "向其他参与方分发秘密份额",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, fctx, err := opts.load()
			if err != nil {
				return err
			}
			return protocols.Deal(fctx, protocols.Board{Dir: opts.board}, protocols.LocalFiles{StateDir: opts.stateDir}, opts.ceremony, opts.index)
		},
	})
}

// addFinalizeCmd 第二轮：汇总份额写出份额记录
func addFinalizeCmd(command *cobra.Command, opts *options) {
	var out string
	finalizeCmd := &cobra.Command{
		Use:   "finalize",
		Short: "汇总收到的份额并写出份额记录",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, fctx, err := opts.load()
			if err != nil {
				return err
			}
			return protocols.Finalize(fctx, protocols.Board{Dir: opts.board}, protocols.LocalFiles{StateDir: opts.stateDir}, opts.ceremony, opts.index, out)
		},
	}
	finalizeCmd.Flags().StringVarP(&out, "out", "o", "share.json", "份额记录输出路径")
	command.AddCommand(finalizeCmd)
}

// addServeCmd 以份额记录启动门限解密服务
func addServeCmd(command *cobra.Command, opts *options) {
	var share string
	var port int
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "启动参与方HTTP服务",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, fctx, err := opts.load()
			if err != nil {
				return err
			}
			p, err := threshold.LoadLocalParticipant(fctx, share)
			if err != nil {
				return err
			}
			hs := server.NewHTTPServer(port, p)
			if err := hs.Start(); err != nil {
				return err
			}

			c := make(chan os.Signal, 1)
			signal.Notify(c, os.Interrupt, syscall.SIGTERM)
			<-c
			log.Info().Msg("收到退出信号，正在关闭...")
			return hs.Stop()
		},
	}
	serveCmd.Flags().StringVarP(&share, "share", "s", "share.json", "份额记录路径")
	serveCmd.Flags().IntVarP(&port, "port", "p", 8061, "监听端口")
	command.AddCommand(serveCmd)
}
