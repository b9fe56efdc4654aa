// Package keys 收集各参与方的公开份额并聚合出网络公钥与重线性化密钥
package keys

import (
	"sync"

	"FogMPC/pkg/core/coordinator/parameters"
	"FogMPC/pkg/fhe"

	"github.com/rs/zerolog/log"
	"github.com/tuneinsight/lattigo/v6/core/rlwe"
	"github.com/tuneinsight/lattigo/v6/multiparty"
	"golang.org/x/xerrors"
)

// Manager 密钥管理器
type Manager struct {
	crs       *parameters.Manager
	expectedN int
	mu        sync.RWMutex

	// 公钥相关
	publicKeyShares map[int]multiparty.PublicKeyGenShare
	globalPK        *rlwe.PublicKey
	pkProto         multiparty.PublicKeyGenProtocol

	// 重线性化密钥相关
	rlkShare1Map        map[int]multiparty.RelinearizationKeyGenShare
	rlkShare2Map        map[int]multiparty.RelinearizationKeyGenShare
	rlkShare1Aggregated *multiparty.RelinearizationKeyGenShare
	rlk                 *rlwe.RelinearizationKey
	rlkProto            multiparty.RelinearizationKeyGenProtocol
}

// NewManager 创建新的密钥管理器
func NewManager(crs *parameters.Manager, expectedN int) *Manager {
	params := crs.Params()
	return &Manager{
		crs:             crs,
		expectedN:       expectedN,
		publicKeyShares: make(map[int]multiparty.PublicKeyGenShare),
		pkProto:         multiparty.NewPublicKeyGenProtocol(params),
		rlkShare1Map:    make(map[int]multiparty.RelinearizationKeyGenShare),
		rlkShare2Map:    make(map[int]multiparty.RelinearizationKeyGenShare),
		rlkProto:        multiparty.NewRelinearizationKeyGenProtocol(params),
	}
}

// AddPublicKeyShare 添加公钥份额（Base64）
func (km *Manager) AddPublicKeyShare(participantID int, data string) error {
	var share multiparty.PublicKeyGenShare
	if err := fhe.DecodeFromBase64(data, &share); err != nil {
		return xerrors.Errorf("参与方 %d 公钥份额: %v", participantID, err)
	}

	km.mu.Lock()
	defer km.mu.Unlock()
	km.publicKeyShares[participantID] = share
	km.progress("公钥份额", len(km.publicKeyShares))
	return nil
}

// AddRelinearizationKeyShare 添加重线性化密钥份额（Base64）
func (km *Manager) AddRelinearizationKeyShare(participantID int, round int, data string) error {
	var share multiparty.RelinearizationKeyGenShare
	if err := fhe.DecodeFromBase64(data, &share); err != nil {
		return xerrors.Errorf("参与方 %d 第%d轮重线性化份额: %v", participantID, round, err)
	}

	km.mu.Lock()
	defer km.mu.Unlock()
	switch round {
	case 1:
		km.rlkShare1Map[participantID] = share
		km.progress("重线性化密钥第一轮份额", len(km.rlkShare1Map))
	case 2:
		km.rlkShare2Map[participantID] = share
		km.progress("重线性化密钥第二轮份额", len(km.rlkShare2Map))
	default:
		return xerrors.Errorf("无效的轮次: %d", round)
	}
	return nil
}

// progress 只在第一个和收齐时输出
func (km *Manager) progress(what string, got int) {
	if got == km.expectedN {
		log.Info().Msgf("✓ 所有参与方%s已收集完成 (%d/%d)", what, got, km.expectedN)
	} else if got == 1 {
		log.Info().Msgf("%s收集进度: %d/%d", what, got, km.expectedN)
	}
}

// AggregatePublicKey 全部公钥份额到齐后生成网络公钥
func (km *Manager) AggregatePublicKey() (*rlwe.PublicKey, error) {
	km.mu.Lock()
	defer km.mu.Unlock()
	if km.globalPK != nil {
		return km.globalPK, nil
	}
	if len(km.publicKeyShares) != km.expectedN {
		return nil, xerrors.Errorf("公钥份额不足: %d/%d", len(km.publicKeyShares), km.expectedN)
	}

	combined := km.pkProto.AllocateShare()
	for _, share := range km.publicKeyShares {
		km.pkProto.AggregateShares(share, combined, &combined)
	}
	pk := rlwe.NewPublicKey(km.crs.Params())
	km.pkProto.GenPublicKey(combined, km.crs.GlobalCRP(), pk)
	km.globalPK = pk
	return pk, nil
}

// AggregateRelinearizationRound1 聚合第一轮份额，返回 Base64 供参与方生成第二轮份额
func (km *Manager) AggregateRelinearizationRound1() (string, error) {
	km.mu.Lock()
	defer km.mu.Unlock()
	if km.rlkShare1Aggregated == nil {
		if len(km.rlkShare1Map) != km.expectedN {
			return "", xerrors.Errorf("第一轮份额不足: %d/%d", len(km.rlkShare1Map), km.expectedN)
		}
		_, combined, _ := km.rlkProto.AllocateShare()
		for _, share := range km.rlkShare1Map {
			km.rlkProto.AggregateShares(share, combined, &combined)
		}
		km.rlkShare1Aggregated = &combined
	}
	return fhe.EncodeToBase64(*km.rlkShare1Aggregated)
}

// SetRelinearizationShare1Aggregated 载入已公布的第一轮聚合份额（跨进程发布时使用）
func (km *Manager) SetRelinearizationShare1Aggregated(data string) error {
	var share multiparty.RelinearizationKeyGenShare
	if err := fhe.DecodeFromBase64(data, &share); err != nil {
		return xerrors.Errorf("第一轮聚合份额: %v", err)
	}
	km.mu.Lock()
	defer km.mu.Unlock()
	km.rlkShare1Aggregated = &share
	return nil
}

// GenRelinearizationKey 第二轮份额到齐后生成重线性化密钥
func (km *Manager) GenRelinearizationKey() (*rlwe.RelinearizationKey, error) {
	km.mu.Lock()
	defer km.mu.Unlock()
	if km.rlk != nil {
		return km.rlk, nil
	}
	if km.rlkShare1Aggregated == nil {
		return nil, xerrors.Errorf("第一轮份额尚未聚合")
	}
	if len(km.rlkShare2Map) != km.expectedN {
		return nil, xerrors.Errorf("第二轮份额不足: %d/%d", len(km.rlkShare2Map), km.expectedN)
	}

	_, _, combined := km.rlkProto.AllocateShare()
	for _, share := range km.rlkShare2Map {
		km.rlkProto.AggregateShares(share, combined, &combined)
	}
	rlk := rlwe.NewRelinearizationKey(km.crs.Params())
	km.rlkProto.GenRelinearizationKey(*km.rlkShare1Aggregated, combined, rlk)
	km.rlk = rlk
	log.Info().Msgf("为%d个参与方生成了重线性化密钥", km.expectedN)
	return rlk, nil
}

// ExpectedN 期望的参与方数量
func (km *Manager) ExpectedN() int {
	return km.expectedN
}
