package main

import (
	"context"
	"fmt"
	"math"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"FogMPC/pkg/config"
	"FogMPC/pkg/core/coordinator/participants"
	"FogMPC/pkg/core/coordinator/server"
	"FogMPC/pkg/core/delegation"
	"FogMPC/pkg/core/node"
	"FogMPC/pkg/core/reveal"
	"FogMPC/pkg/core/threshold"
	"FogMPC/pkg/fhe"
	"FogMPC/pkg/homomorphic"
	"FogMPC/pkg/protocols"

	"github.com/rs/xid"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

type options struct {
	configPath string
	logLevel   string
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
		Use:          "Coordinator",
		Short:        "仪式协调与计算节点",
		SilenceUsage: true,
	}
	command.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "YAML 配置文件")
	command.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "日志级别 (debug, info, warn, error)")

	addPublishCmd(command, opts)
	addNodeCmd(command, opts)
	addDemoCmd(command, opts)
	addDistanceCmd(command, opts)

	if err := command.Execute(); err != nil {
		os.Exit(1)
	}
}

// addPublishCmd 聚合公告板上的公开份额
func addPublishCmd(command *cobra.Command, opts *options) {
	var board, ceremony string
	var t, n int
	publishCmd := &cobra.Command{
		Use:   "publish",
		Short: "聚合公告板上的公钥份额并发布网络密钥",
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
			stage, err := protocols.Publish(fctx, protocols.Board{Dir: board}, ceremony, t, n)
			if err != nil {
				return err
			}
			fmt.Printf("仪式 %s 当前阶段: %s\n", ceremony, stage)
			return nil
		},
	}
	publishCmd.Flags().StringVar(&board, "board", "board", "公告板目录")
	publishCmd.Flags().StringVar(&ceremony, "ceremony", "fog", "仪式ID")
	publishCmd.Flags().IntVarP(&t, "threshold", "t", 0, "门限 t")
	publishCmd.Flags().IntVarP(&n, "parties", "n", 0, "参与方数量 n")
	command.AddCommand(publishCmd)
}

// addNodeCmd 以仪式产物与远程参与方启动计算节点
func addNodeCmd(command *cobra.Command, opts *options) {
	var bundlePath string
	nodeCmd := &cobra.Command{
		Use:   "node",
		Short: "启动计算节点（命令行 + HTTP 接口）",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, fctx, err := opts.load()
			if err != nil {
				return err
			}
			bundle, err := threshold.LoadBundle(bundlePath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			roster, err := participants.NewManager(cfg.Threshold, nil)
			if err != nil {
				return err
			}
			roster.StartHeartbeat(ctx)
			dec, err := threshold.NewDecryptor(fctx, bundle, roster.All(), cfg.Threshold.Timeout)
			if err != nil {
				return err
			}
			return runNode(ctx, cfg, fctx, bundle, dec, roster.GetOnlineStatus)
		},
	}
	nodeCmd.Flags().StringVar(&bundlePath, "bundle", filepath.Join("board", protocols.BundleFile), "仪式产物路径")
	command.AddCommand(nodeCmd)
}

// addDemoCmd 在进程内完成仪式并启动节点，便于本地体验
func addDemoCmd(command *cobra.Command, opts *options) {
	demoCmd := &cobra.Command{
		Use:   "demo",
		Short: "进程内运行仪式与计算节点",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, fctx, err := opts.load()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			ceremonyID := xid.New().String()
			log.Info().Msgf("进程内仪式 %s: %d-of-%d", ceremonyID, cfg.Threshold.Threshold, cfg.Threshold.Parties)
			res, err := protocols.RunCeremony(ctx, fctx, ceremonyID, cfg.Threshold.Threshold, cfg.Threshold.Parties)
			if err != nil {
				return err
			}
			locals, err := res.Participants(fctx)
			if err != nil {
				return err
			}
			ps := make([]threshold.Participant, len(locals))
			for i, lp := range locals {
				ps[i] = lp
			}
			dec, err := threshold.NewDecryptor(fctx, res.Bundle, ps, cfg.Threshold.Timeout)
			if err != nil {
				return err
			}
			return runNode(ctx, cfg, fctx, res.Bundle, dec, nil)
		},
	}
	command.AddCommand(demoCmd)
}

func runNode(ctx context.Context, cfg *config.Config, fctx *fhe.Context, bundle *threshold.Bundle, dec reveal.Decryptor, status server.StatusFunc) error {
	network, err := bundle.Keys(fctx)
	if err != nil {
		return err
	}
	grants, err := delegation.NewStore(cfg.Delegation)
	if err != nil {
		return err
	}
	defer grants.Close()

	engine, err := node.NewEngine(cfg, fctx, network, dec, grants)
	if err != nil {
		return err
	}

	hs := server.NewHTTPServer(cfg.Server.Listen, node.NewAPI(engine), status)
	if err := hs.Start(); err != nil {
		return err
	}
	defer func() {
		if err := hs.Stop(); err != nil {
			log.Warn().Err(err).Msg("关闭HTTP服务器失败")
		}
	}()

	fmt.Println("##########################################")
	fmt.Println("######        FogMPC 计算节点         ######")
	fmt.Println("##########################################")
	fmt.Printf("网络密钥: %s，输入 HELP 查看命令\n", network.ID)
	return node.NewSession(engine).Run(ctx, os.Stdin, os.Stdout)
}

// addDistanceCmd CKKS 通道上的距离演示，全部在本地密钥下完成
func addDistanceCmd(command *cobra.Command, opts *options) {
	var ax, ay, bx, by int64
	distanceCmd := &cobra.Command{
		Use:   "distance",
		Short: "同态距离与近似开方演示",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, fctx, err := opts.load()
			if err != nil {
				return err
			}
			keys := fctx.GenKeySet(fhe.CKKS, true)
			params := homomorphic.SqrtParamsFrom(cfg.Sqrt, cfg.Game)
			got, err := node.Distance(fctx, keys, params, [2]int64{ax, ay}, [2]int64{bx, by})
			if err != nil {
				return err
			}
			want := math.Hypot(float64(ax-bx), float64(ay-by))
			report, err := homomorphic.Accuracy([]float64{got}, []float64{want})
			if err != nil {
				return err
			}
			fmt.Printf("(%d,%d) 到 (%d,%d): 距离约 %.4f，相对误差 %.2e（%d 次迭代保证 %.2e）\n",
				ax, ay, bx, by, got, report.MaxRelErr, params.Iterations, params.MaxRelErr())
			return nil
		},
	}
	distanceCmd.Flags().Int64Var(&ax, "ax", 12, "A 点 x")
	distanceCmd.Flags().Int64Var(&ay, "ay", 10, "A 点 y")
	distanceCmd.Flags().Int64Var(&bx, "bx", 0, "B 点 x")
	distanceCmd.Flags().Int64Var(&by, "by", 0, "B 点 y")
	command.AddCommand(distanceCmd)
}
