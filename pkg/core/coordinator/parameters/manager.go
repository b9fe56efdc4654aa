// Package parameters 仪式的公共参数：BGV 参数与由仪式ID派生的公共参考串
package parameters

import (
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog/log"
	"github.com/tuneinsight/lattigo/v6/multiparty"
	"github.com/tuneinsight/lattigo/v6/schemes/bgv"
	"github.com/tuneinsight/lattigo/v6/utils/sampling"
	"golang.org/x/xerrors"
)

// Manager 参数管理器
type Manager struct {
	params     bgv.Parameters
	ceremonyID string

	// 统一的CRS种子，所有参与方据此生成相同的CRP
	commonCRSSeed []byte

	globalCRP multiparty.PublicKeyGenCRP
	rlkCRP    multiparty.RelinearizationKeyGenCRP
}

// NewManager 创建参数管理器。CRS 种子由仪式ID确定性派生，
// 采样顺序固定为先公钥CRP、后重线性化CRP
func NewManager(params bgv.Parameters, ceremonyID string) (*Manager, error) {
	if ceremonyID == "" {
		return nil, xerrors.Errorf("仪式ID不能为空")
	}
	seed := crypto.Keccak256([]byte("fog-crs-v1|" + ceremonyID))

	crs, err := sampling.NewKeyedPRNG(seed)
	if err != nil {
		return nil, xerrors.Errorf("创建CRS失败: %v", err)
	}
	globalCRP := multiparty.NewPublicKeyGenProtocol(params).SampleCRP(crs)
	rlkCRP := multiparty.NewRelinearizationKeyGenProtocol(params).SampleCRP(crs)

	log.Debug().Str("ceremony", ceremonyID).Int("logN", params.LogN()).Int("maxLevel", params.MaxLevel()).
		Uint64("t", params.PlaintextModulus()).Msg("仪式参数就绪")

	return &Manager{
		params:        params,
		ceremonyID:    ceremonyID,
		commonCRSSeed: seed,
		globalCRP:     globalCRP,
		rlkCRP:        rlkCRP,
	}, nil
}

// Params BGV参数
func (pm *Manager) Params() bgv.Parameters {
	return pm.params
}

// CeremonyID 仪式ID
func (pm *Manager) CeremonyID() string {
	return pm.ceremonyID
}

// Seed CRS种子
func (pm *Manager) Seed() []byte {
	return pm.commonCRSSeed
}

// GlobalCRP 公钥生成CRP
func (pm *Manager) GlobalCRP() multiparty.PublicKeyGenCRP {
	return pm.globalCRP
}

// RelinearizationCRP 重线性化密钥生成CRP
func (pm *Manager) RelinearizationCRP() multiparty.RelinearizationKeyGenCRP {
	return pm.rlkCRP
}
