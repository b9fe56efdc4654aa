package fhe

import (
	"github.com/rs/xid"
	"github.com/tuneinsight/lattigo/v6/core/rlwe"
	"golang.org/x/xerrors"
)

// KeySet 单一密钥的材料。个人密钥由玩家本地生成；网络密钥只有公钥部分，
// 私钥以门限份额形式分散在参与方处，SK 为空。
type KeySet struct {
	ID     string
	Scheme Scheme
	SK     *rlwe.SecretKey
	PK     *rlwe.PublicKey
	RLK    *rlwe.RelinearizationKey
}

// GenKeySet 生成新的个人密钥集，withRelin 控制是否同时生成重线性化密钥
func (c *Context) GenKeySet(s Scheme, withRelin bool) *KeySet {
	kgen := rlwe.NewKeyGenerator(c.params(s))
	sk, pk := kgen.GenKeyPairNew()

	ks := &KeySet{ID: xid.New().String(), Scheme: s, SK: sk, PK: pk}
	if withRelin {
		ks.RLK = kgen.GenRelinearizationKeyNew(sk)
	}
	return ks
}

// PublicOnly 去掉私钥后的副本，用于发布
func (ks *KeySet) PublicOnly() *KeySet {
	return &KeySet{ID: ks.ID, Scheme: ks.Scheme, PK: ks.PK, RLK: ks.RLK}
}

// CanDecrypt 判断密钥集能否解密该密文
func (ks *KeySet) CanDecrypt(ct *Ciphertext) bool {
	return ks != nil && ks.SK != nil && ct != nil && ks.ID == ct.KeyID && ks.Scheme == ct.Scheme
}

// SecretKey 可被委托的私钥材料。Approx 为同一玩家CKKS通道的私钥，随授权一起交出，可为空
type SecretKey struct {
	ID     string
	Scheme Scheme
	SK     *rlwe.SecretKey
	Approx *SecretKey
}

// Secret 导出私钥材料
func (ks *KeySet) Secret() (*SecretKey, error) {
	if ks.SK == nil {
		return nil, xerrors.Errorf("密钥 %s 没有私钥部分", ks.ID)
	}
	return &SecretKey{ID: ks.ID, Scheme: ks.Scheme, SK: ks.SK}, nil
}

// KeySet 将委托得到的私钥包装为只可解密的密钥集
func (sk *SecretKey) KeySet() *KeySet {
	if sk == nil {
		return nil
	}
	return &KeySet{ID: sk.ID, Scheme: sk.Scheme, SK: sk.SK}
}

func (c *Context) params(s Scheme) rlwe.ParameterProvider {
	if s == CKKS {
		return c.CKKS
	}
	return c.BGV
}

func (c *Context) rlweParams(s Scheme) rlwe.Parameters {
	if s == CKKS {
		return c.CKKS.Parameters
	}
	return c.BGV.Parameters
}
