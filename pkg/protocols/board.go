package protocols

import (
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"FogMPC/pkg/core/coordinator/keys"
	"FogMPC/pkg/core/coordinator/parameters"
	"FogMPC/pkg/core/coordinator/utils"
	"FogMPC/pkg/core/identity"
	"FogMPC/pkg/core/participant/services"
	"FogMPC/pkg/core/threshold"
	"FogMPC/pkg/fhe"

	"github.com/rs/zerolog/log"
	"github.com/tuneinsight/lattigo/v6/core/rlwe"
	"golang.org/x/xerrors"
)

// Board 共享目录形式的公告板，分步仪式的各轮公开消息都写在这里
type Board struct {
	Dir string
}

// BundleFile 仪式完成后的公开产物文件名
const BundleFile = "bundle.json"

func (b Board) path(name string) string {
	return filepath.Join(b.Dir, name)
}

func (b Board) write(name string, v interface{}) error {
	if err := os.MkdirAll(b.Dir, 0o755); err != nil {
		return xerrors.Errorf("创建公告板目录失败: %v", err)
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return xerrors.Errorf("序列化 %s 失败: %v", name, err)
	}
	return os.WriteFile(b.path(name), data, 0o644)
}

func (b Board) read(name string, v interface{}) error {
	data, err := os.ReadFile(b.path(name))
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return xerrors.Errorf("解析 %s 失败: %v", name, err)
	}
	return nil
}

func (b Board) exists(name string) bool {
	_, err := os.Stat(b.path(name))
	return err == nil
}

// readAll 读取 prefix-1.json ... prefix-n.json，缺失的跳过
func readAll[T any](b Board, prefix string, n int) (map[int]*T, error) {
	out := make(map[int]*T, n)
	for i := 1; i <= n; i++ {
		name := fmt.Sprintf("%s-%d.json", prefix, i)
		if !b.exists(name) {
			continue
		}
		v := new(T)
		if err := b.read(name, v); err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// LocalFiles 参与方私有文件位置
type LocalFiles struct {
	StateDir string
}

func (f LocalFiles) keyPath(ceremonyID string, index int) string {
	return filepath.Join(f.StateDir, fmt.Sprintf("%s-%d.key", ceremonyID, index))
}

func (f LocalFiles) statePath(ceremonyID string, index int) string {
	return filepath.Join(f.StateDir, fmt.Sprintf("%s-%d.state", ceremonyID, index))
}

// Init 第零轮：生成签名密钥与本地秘密，在公告板上公布公钥
func Init(fctx *fhe.Context, board Board, files LocalFiles, ceremonyID string, t, n, index int) error {
	crs, err := parameters.NewManager(fctx.BGV, ceremonyID)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(files.StateDir, 0o700); err != nil {
		return xerrors.Errorf("创建状态目录失败: %v", err)
	}
	signer, err := identity.GenerateKeyPair()
	if err != nil {
		return err
	}
	if err := signer.Save(files.keyPath(ceremonyID, index)); err != nil {
		return xerrors.Errorf("保存签名密钥失败: %v", err)
	}
	gen, err := services.NewKeyGenerator(fctx, crs, index, t, n, signer)
	if err != nil {
		return err
	}
	if _, err := gen.GenerateKeys(); err != nil {
		return err
	}
	if err := services.SaveState(files.statePath(ceremonyID, index), gen.State()); err != nil {
		return err
	}
	log.Info().Msgf("参与方 %d 已加入仪式 %s", index, ceremonyID)
	return board.write(fmt.Sprintf("announce-%d.json", index), gen.Announce())
}

// restore 从本地文件恢复参与方的仪式状态
func restore(fctx *fhe.Context, files LocalFiles, ceremonyID string, index int) (*services.KeyGenerator, *services.KeyGeneratorState, error) {
	st, err := services.LoadState(files.statePath(ceremonyID, index))
	if err != nil {
		return nil, nil, err
	}
	signer, err := identity.LoadKeyPair(files.keyPath(ceremonyID, index))
	if err != nil {
		return nil, nil, err
	}
	crs, err := parameters.NewManager(fctx.BGV, ceremonyID)
	if err != nil {
		return nil, nil, err
	}
	gen, err := services.NewKeyGenerator(fctx, crs, index, st.Threshold, st.Parties, signer)
	if err != nil {
		return nil, nil, err
	}
	if err := gen.Restore(st); err != nil {
		return nil, nil, err
	}
	return gen, st, nil
}

// announcements 读取并校验全部 n 份公告
func announcements(board Board, ceremonyID string, t, n int) (map[int]*ecdsa.PublicKey, error) {
	all, err := readAll[utils.Announcement](board, "announce", n)
	if err != nil {
		return nil, err
	}
	if len(all) != n {
		return nil, xerrors.Errorf("公告不足: %d/%d", len(all), n)
	}
	keys := make(map[int]*ecdsa.PublicKey, n)
	for i, a := range all {
		if a.CeremonyID != ceremonyID || a.Threshold != t || a.Parties != n || a.ParticipantID != i {
			return nil, xerrors.Errorf("参与方 %d 的公告与仪式参数不一致", i)
		}
		pub, err := identity.ParsePublic(a.PublicKey)
		if err != nil {
			return nil, err
		}
		keys[i] = pub
	}
	return keys, nil
}

// Deal 第一轮：公钥份额、重线性化第一轮份额与密封分发
func Deal(fctx *fhe.Context, board Board, files LocalFiles, ceremonyID string, index int) error {
	gen, st, err := restore(fctx, files, ceremonyID, index)
	if err != nil {
		return err
	}
	recipients, err := announcements(board, ceremonyID, st.Threshold, st.Parties)
	if err != nil {
		return err
	}
	pkShare, err := gen.GenerateKeys()
	if err != nil {
		return err
	}
	rlkShare, err := gen.GenerateRelinearizationKeyRound1()
	if err != nil {
		return err
	}
	deals, err := gen.Deal(recipients)
	if err != nil {
		return err
	}
	if err := services.SaveState(files.statePath(ceremonyID, index), gen.State()); err != nil {
		return err
	}
	log.Info().Msgf("参与方 %d 已发布第一轮份额 (%d 份分发)", index, len(deals))
	return board.write(fmt.Sprintf("round1-%d.json", index), &utils.RoundOne{
		CeremonyID:     ceremonyID,
		ParticipantID:  index,
		PublicKeyShare: pkShare,
		RelinShare:     rlkShare,
		Deals:          deals,
	})
}

// Finalize 第二轮：聚合发给自己的分发写出份额记录，并发布重线性化第二轮份额
func Finalize(fctx *fhe.Context, board Board, files LocalFiles, ceremonyID string, index int, out string) error {
	gen, st, err := restore(fctx, files, ceremonyID, index)
	if err != nil {
		return err
	}
	var agg utils.RoundOneAggregate
	if err := board.read("round1-aggregate.json", &agg); err != nil {
		return xerrors.Errorf("第一轮尚未聚合: %v", err)
	}
	rounds, err := readAll[utils.RoundOne](board, "round1", st.Parties)
	if err != nil {
		return err
	}
	var deals []utils.SealedDeal
	for _, r := range rounds {
		deals = append(deals, r.Deals...)
	}

	record, err := gen.Finalize(deals)
	if err != nil {
		return err
	}
	keyPath, err := filepath.Abs(files.keyPath(ceremonyID, index))
	if err != nil {
		return xerrors.Errorf("解析签名密钥路径失败: %v", err)
	}
	record.SigningKey = keyPath
	if err := threshold.WriteRecord(out, record); err != nil {
		return err
	}

	rlkShare, err := gen.GenerateRelinearizationKeyRound2(agg.RelinShare)
	if err != nil {
		return err
	}
	log.Info().Msgf("参与方 %d 份额记录已写入 %s", index, out)
	return board.write(fmt.Sprintf("round2-%d.json", index), &utils.RoundTwo{
		CeremonyID:    ceremonyID,
		ParticipantID: index,
		RelinShare:    rlkShare,
	})
}

// Stage 公告板上仪式所处阶段
type Stage string

const (
	StageWaiting   Stage = "waiting"
	StageRoundOne  Stage = "round1-aggregated"
	StageCompleted Stage = "completed"
)

// Publish 聚合公告板上已到齐的公开份额：第一轮到齐则发布聚合结果，
// 第二轮到齐则生成重线性化密钥并写出仪式产物
func Publish(fctx *fhe.Context, board Board, ceremonyID string, t, n int) (Stage, error) {
	if board.exists(BundleFile) {
		return StageCompleted, nil
	}
	recipients, err := announcements(board, ceremonyID, t, n)
	if err != nil {
		return StageWaiting, err
	}
	crs, err := parameters.NewManager(fctx.BGV, ceremonyID)
	if err != nil {
		return StageWaiting, err
	}
	km := keys.NewManager(crs, n)

	rounds, err := readAll[utils.RoundOne](board, "round1", n)
	if err != nil {
		return StageWaiting, err
	}
	if len(rounds) != n {
		log.Info().Msgf("第一轮份额收集进度: %d/%d", len(rounds), n)
		return StageWaiting, nil
	}
	ids := make([]int, 0, n)
	for i := range rounds {
		ids = append(ids, i)
	}
	sort.Ints(ids)
	for _, i := range ids {
		if err := km.AddPublicKeyShare(i, rounds[i].PublicKeyShare); err != nil {
			return StageWaiting, err
		}
		if err := km.AddRelinearizationKeyShare(i, 1, rounds[i].RelinShare); err != nil {
			return StageWaiting, err
		}
	}
	pk, err := km.AggregatePublicKey()
	if err != nil {
		return StageWaiting, err
	}

	if !board.exists("round1-aggregate.json") {
		agg, err := km.AggregateRelinearizationRound1()
		if err != nil {
			return StageWaiting, err
		}
		pkB64, err := fhe.EncodeToBase64(pk)
		if err != nil {
			return StageWaiting, err
		}
		err = board.write("round1-aggregate.json", &utils.RoundOneAggregate{CeremonyID: ceremonyID, PublicKey: pkB64, RelinShare: agg})
		return StageRoundOne, err
	}

	var agg utils.RoundOneAggregate
	if err := board.read("round1-aggregate.json", &agg); err != nil {
		return StageRoundOne, err
	}
	if err := km.SetRelinearizationShare1Aggregated(agg.RelinShare); err != nil {
		return StageRoundOne, err
	}
	seconds, err := readAll[utils.RoundTwo](board, "round2", n)
	if err != nil {
		return StageRoundOne, err
	}
	if len(seconds) != n {
		log.Info().Msgf("第二轮份额收集进度: %d/%d", len(seconds), n)
		return StageRoundOne, nil
	}
	for i, r := range seconds {
		if err := km.AddRelinearizationKeyShare(i, 2, r.RelinShare); err != nil {
			return StageRoundOne, err
		}
	}
	rlk, err := km.GenRelinearizationKey()
	if err != nil {
		return StageRoundOne, err
	}
	return StageCompleted, writeBundle(board, fctx, ceremonyID, t, n, pk, rlk, recipients)
}

func writeBundle(board Board, fctx *fhe.Context, ceremonyID string, t, n int, pk *rlwe.PublicKey, rlk *rlwe.RelinearizationKey, verifiers map[int]*ecdsa.PublicKey) error {
	bundle, err := threshold.NewBundle(ceremonyID, t, n, fctx.BGV, pk, rlk, verifiers)
	if err != nil {
		return err
	}
	log.Info().Msgf("仪式 %s 完成，产物写入 %s", ceremonyID, board.path(BundleFile))
	return threshold.SaveBundle(board.path(BundleFile), bundle)
}
