// Package services 参与方在密钥仪式中的本地计算
package services

import (
	"crypto/ecdsa"
	"fmt"
	"os"
	"sort"

	"FogMPC/pkg/core/coordinator/parameters"
	"FogMPC/pkg/core/coordinator/utils"
	"FogMPC/pkg/core/identity"
	"FogMPC/pkg/core/threshold"
	"FogMPC/pkg/fhe"

	"github.com/tuneinsight/lattigo/v6/core/rlwe"
	"github.com/tuneinsight/lattigo/v6/multiparty"
	"golang.org/x/xerrors"
)

// KeyGenerator 单个参与方的仪式状态：本地秘密、Shamir 分发与重线性化两轮份额
type KeyGenerator struct {
	ctx    *fhe.Context
	crs    *parameters.Manager
	index  int
	t, n   int
	signer *identity.KeyPair

	sk *rlwe.SecretKey

	// 重线性化密钥相关
	rlkProto  multiparty.RelinearizationKeyGenProtocol
	rlkEphSk  *rlwe.SecretKey
	rlkShare1 multiparty.RelinearizationKeyGenShare
	rlkShare2 multiparty.RelinearizationKeyGenShare
}

// KeyGeneratorState 跨进程保存的私有状态，仅写入参与方本地
type KeyGeneratorState struct {
	CeremonyID string
	Index      int
	Threshold  int
	Parties    int
	SK         *rlwe.SecretKey
	RlkEphSk   *rlwe.SecretKey
}

// NewKeyGenerator 创建参与方 index（从1开始）的密钥生成器
func NewKeyGenerator(ctx *fhe.Context, crs *parameters.Manager, index, t, n int, signer *identity.KeyPair) (*KeyGenerator, error) {
	if t < 1 || t > n || index < 1 || index > n {
		return nil, xerrors.Errorf("门限参数无效: t=%d n=%d i=%d", t, n, index)
	}
	return &KeyGenerator{
		ctx:      ctx,
		crs:      crs,
		index:    index,
		t:        t,
		n:        n,
		signer:   signer,
		rlkProto: multiparty.NewRelinearizationKeyGenProtocol(crs.Params()),
	}, nil
}

// Announce 第零轮公开信息
func (kg *KeyGenerator) Announce() *utils.Announcement {
	return &utils.Announcement{
		CeremonyID:    kg.crs.CeremonyID(),
		ParticipantID: kg.index,
		Threshold:     kg.t,
		Parties:       kg.n,
		PublicKey:     kg.signer.PublicBytes(),
	}
}

// GenerateKeys 生成本地私钥与公钥份额（Base64）
func (kg *KeyGenerator) GenerateKeys() (string, error) {
	if kg.sk == nil {
		kg.sk = rlwe.NewKeyGenerator(kg.crs.Params()).GenSecretKeyNew()
	}

	proto := multiparty.NewPublicKeyGenProtocol(kg.crs.Params())
	share := proto.AllocateShare()
	proto.GenShare(kg.sk, kg.crs.GlobalCRP(), &share)
	return fhe.EncodeToBase64(share)
}

// GenerateRelinearizationKeyRound1 生成第一轮份额（Base64）
func (kg *KeyGenerator) GenerateRelinearizationKeyRound1() (string, error) {
	if kg.sk == nil {
		return "", xerrors.Errorf("私钥未生成，请先调用GenerateKeys")
	}
	kg.rlkEphSk, kg.rlkShare1, kg.rlkShare2 = kg.rlkProto.AllocateShare()
	kg.rlkProto.GenShareRoundOne(kg.sk, kg.crs.RelinearizationCRP(), kg.rlkEphSk, &kg.rlkShare1)
	return fhe.EncodeToBase64(kg.rlkShare1)
}

// GenerateRelinearizationKeyRound2 基于聚合后的第一轮份额生成第二轮份额（Base64）
func (kg *KeyGenerator) GenerateRelinearizationKeyRound2(aggregated string) (string, error) {
	if kg.rlkEphSk == nil {
		return "", xerrors.Errorf("第一轮份额未生成，请先调用GenerateRelinearizationKeyRound1")
	}
	var agg multiparty.RelinearizationKeyGenShare
	if err := fhe.DecodeFromBase64(aggregated, &agg); err != nil {
		return "", xerrors.Errorf("第一轮聚合份额: %v", err)
	}
	if agg.Value == nil {
		return "", xerrors.Errorf("聚合份额的Value字段为空")
	}
	if kg.rlkShare2.Value == nil {
		_, _, kg.rlkShare2 = kg.rlkProto.AllocateShare()
	}
	kg.rlkProto.GenShareRoundTwo(kg.rlkEphSk, kg.sk, agg, &kg.rlkShare2)
	return fhe.EncodeToBase64(kg.rlkShare2)
}

// dealContext 份额分发的密钥派生上下文，绑定仪式与收发双方
func dealContext(ceremonyID string, from, to int) string {
	return fmt.Sprintf("fog-ceremony-v1|%s|%d|%d", ceremonyID, from, to)
}

// Deal 对本地私钥做 t-of-n Shamir 分享，每份用接收方公钥密封
func (kg *KeyGenerator) Deal(recipients map[int]*ecdsa.PublicKey) ([]utils.SealedDeal, error) {
	if kg.sk == nil {
		return nil, xerrors.Errorf("私钥未生成，请先调用GenerateKeys")
	}
	if len(recipients) != kg.n {
		return nil, xerrors.Errorf("接收方数量 %d 与参与方数量 %d 不符", len(recipients), kg.n)
	}

	thresholdizer := multiparty.NewThresholdizer(kg.crs.Params())
	pol, err := thresholdizer.GenShamirPolynomial(kg.t, kg.sk)
	if err != nil {
		return nil, xerrors.Errorf("生成Shamir多项式失败: %v", err)
	}

	ids := make([]int, 0, len(recipients))
	for id := range recipients {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	deals := make([]utils.SealedDeal, 0, len(ids))
	for _, to := range ids {
		share := thresholdizer.AllocateThresholdSecretShare()
		thresholdizer.GenShamirSecretShare(threshold.Point(to), pol, &share)
		raw, err := share.MarshalBinary()
		if err != nil {
			return nil, xerrors.Errorf("序列化份额失败: %v", err)
		}
		env, err := identity.SealTo(recipients[to], dealContext(kg.crs.CeremonyID(), kg.index, to), raw)
		if err != nil {
			return nil, err
		}
		deals = append(deals, utils.SealedDeal{From: kg.index, To: to, Envelope: env})
	}
	return deals, nil
}

// Finalize 打开发给自己的 n 份分发并聚合为门限份额记录
func (kg *KeyGenerator) Finalize(deals []utils.SealedDeal) (*threshold.ShareRecord, error) {
	thresholdizer := multiparty.NewThresholdizer(kg.crs.Params())
	tsk := thresholdizer.AllocateThresholdSecretShare()

	seen := make(map[int]bool)
	for _, d := range deals {
		if d.To != kg.index {
			continue
		}
		if seen[d.From] {
			return nil, xerrors.Errorf("参与方 %d 的分发重复", d.From)
		}
		raw, err := identity.OpenEnvelope(kg.signer.Private, dealContext(kg.crs.CeremonyID(), d.From, d.To), d.Envelope)
		if err != nil {
			return nil, xerrors.Errorf("打开参与方 %d 的分发: %w", d.From, err)
		}
		share := thresholdizer.AllocateThresholdSecretShare()
		if err := share.UnmarshalBinary(raw); err != nil {
			return nil, xerrors.Errorf("参与方 %d 的分发格式错误: %v", d.From, err)
		}
		if err := thresholdizer.AggregateShares(share, tsk, &tsk); err != nil {
			return nil, xerrors.Errorf("聚合份额失败: %v", err)
		}
		seen[d.From] = true
	}
	if len(seen) != kg.n {
		return nil, xerrors.Errorf("只收到 %d/%d 份分发", len(seen), kg.n)
	}
	return threshold.NewShareRecord(kg.crs.CeremonyID(), kg.index, kg.t, kg.n, tsk)
}

// State 导出私有状态
func (kg *KeyGenerator) State() *KeyGeneratorState {
	return &KeyGeneratorState{
		CeremonyID: kg.crs.CeremonyID(),
		Index:      kg.index,
		Threshold:  kg.t,
		Parties:    kg.n,
		SK:         kg.sk,
		RlkEphSk:   kg.rlkEphSk,
	}
}

// Restore 恢复私有状态
func (kg *KeyGenerator) Restore(st *KeyGeneratorState) error {
	if st.CeremonyID != kg.crs.CeremonyID() || st.Index != kg.index {
		return xerrors.Errorf("状态属于仪式 %s 参与方 %d", st.CeremonyID, st.Index)
	}
	kg.sk = st.SK
	kg.rlkEphSk = st.RlkEphSk
	return nil
}

// SaveState 以 gob 写入私有状态文件（仅本人可读）
func SaveState(path string, st *KeyGeneratorState) error {
	data, err := fhe.Encode(st)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return xerrors.Errorf("写入仪式状态失败: %v", err)
	}
	return nil
}

// LoadState 读取私有状态文件
func LoadState(path string) (*KeyGeneratorState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.Errorf("读取仪式状态失败: %v", err)
	}
	var st KeyGeneratorState
	if err := fhe.Decode(data, &st); err != nil {
		return nil, err
	}
	return &st, nil
}
