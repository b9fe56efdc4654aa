// Package threshold (t, n) 门限解密：仪式产物的持久化、参与方边界、
// 纯函数合并器以及带验证与替换的两轮解密请求。
package threshold

import (
	"crypto/ecdsa"
	"encoding/json"
	"os"
	"path/filepath"

	"FogMPC/pkg/core/identity"
	"FogMPC/pkg/fhe"

	"github.com/tuneinsight/lattigo/v6/core/rlwe"
	"github.com/tuneinsight/lattigo/v6/multiparty"
	"github.com/tuneinsight/lattigo/v6/schemes/bgv"
	"golang.org/x/xerrors"
)

// ShareRecord 单个参与方在仪式结束时得到的门限份额，写入后只读
type ShareRecord struct {
	CeremonyID string `json:"ceremony_id"`
	Index      int    `json:"index"`
	Threshold  int    `json:"threshold"`
	Parties    int    `json:"parties"`
	Share      []byte `json:"share"`       // multiparty.ShamirSecretShare
	SigningKey string `json:"signing_key"` // secp256k1 签名私钥文件路径
}

// Point 参与方在 Shamir 多项式上的公开点
func Point(index int) multiparty.ShamirPublicPoint {
	return multiparty.ShamirPublicPoint(index)
}

// NewShareRecord 序列化门限份额
func NewShareRecord(ceremonyID string, index, t, n int, share multiparty.ShamirSecretShare) (*ShareRecord, error) {
	raw, err := share.MarshalBinary()
	if err != nil {
		return nil, xerrors.Errorf("序列化门限份额失败: %v", err)
	}
	return &ShareRecord{CeremonyID: ceremonyID, Index: index, Threshold: t, Parties: n, Share: raw}, nil
}

// SecretShare 反序列化门限份额
func (r *ShareRecord) SecretShare(ctx *fhe.Context) (multiparty.ShamirSecretShare, error) {
	share := multiparty.NewThresholdizer(ctx.BGV).AllocateThresholdSecretShare()
	if err := share.UnmarshalBinary(r.Share); err != nil {
		return share, xerrors.Errorf("门限份额格式错误: %v", err)
	}
	return share, nil
}

// WriteRecord 持久化份额记录：临时文件 + fsync + rename，已存在则拒绝覆盖
func WriteRecord(path string, r *ShareRecord) error {
	if _, err := os.Stat(path); err == nil {
		return xerrors.Errorf("份额记录 %s 已存在，不可覆盖", path)
	}
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return xerrors.Errorf("序列化份额记录失败: %v", err)
	}
	return writeDurable(path, data)
}

// ReadRecord 读取份额记录
func ReadRecord(path string) (*ShareRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.Errorf("读取份额记录失败: %v", err)
	}
	var r ShareRecord
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, xerrors.Errorf("解析份额记录失败: %v", err)
	}
	if r.Index < 1 || r.Threshold < 1 || r.Threshold > r.Parties || r.Index > r.Parties {
		return nil, xerrors.Errorf("份额记录 %s 参数无效", path)
	}
	return &r, nil
}

// Bundle 仪式公开产物：网络公钥、重线性化密钥与参与方验证公钥
type Bundle struct {
	CeremonyID string         `json:"ceremony_id"`
	Threshold  int            `json:"threshold"`
	Parties    int            `json:"parties"`
	Params     bgv.Parameters `json:"params"`
	PublicKey  []byte         `json:"public_key"`
	RelinKey   []byte         `json:"relin_key"`
	Verifiers  map[int][]byte `json:"verifiers"`
}

// NewBundle 组装公开产物
func NewBundle(ceremonyID string, t, n int, params bgv.Parameters, pk *rlwe.PublicKey, rlk *rlwe.RelinearizationKey, verifiers map[int]*ecdsa.PublicKey) (*Bundle, error) {
	pkRaw, err := pk.MarshalBinary()
	if err != nil {
		return nil, xerrors.Errorf("序列化网络公钥失败: %v", err)
	}
	rlkRaw, err := rlk.MarshalBinary()
	if err != nil {
		return nil, xerrors.Errorf("序列化重线性化密钥失败: %v", err)
	}
	b := &Bundle{
		CeremonyID: ceremonyID,
		Threshold:  t,
		Parties:    n,
		Params:     params,
		PublicKey:  pkRaw,
		RelinKey:   rlkRaw,
		Verifiers:  make(map[int][]byte, len(verifiers)),
	}
	for i, pub := range verifiers {
		b.Verifiers[i] = identity.MarshalPublic(pub)
	}
	return b, nil
}

// Keys 网络密钥集（无私钥部分），密钥标识为仪式ID
func (b *Bundle) Keys(ctx *fhe.Context) (*fhe.KeySet, error) {
	if b.Params.LogN() != ctx.BGV.LogN() || b.Params.MaxLevel() != ctx.BGV.MaxLevel() || b.Params.PlaintextModulus() != ctx.PlaintextModulus() {
		return nil, xerrors.Errorf("仪式参数与本地BGV参数不一致")
	}
	pk := rlwe.NewPublicKey(ctx.BGV)
	if err := pk.UnmarshalBinary(b.PublicKey); err != nil {
		return nil, xerrors.Errorf("网络公钥格式错误: %v", err)
	}
	rlk := rlwe.NewRelinearizationKey(ctx.BGV)
	if err := rlk.UnmarshalBinary(b.RelinKey); err != nil {
		return nil, xerrors.Errorf("重线性化密钥格式错误: %v", err)
	}
	return &fhe.KeySet{ID: b.CeremonyID, Scheme: fhe.BGV, PK: pk, RLK: rlk}, nil
}

// Verifier 参与方的签名验证公钥
func (b *Bundle) Verifier(index int) (*ecdsa.PublicKey, error) {
	raw, ok := b.Verifiers[index]
	if !ok {
		return nil, xerrors.Errorf("参与方 %d 不在名册中", index)
	}
	return identity.ParsePublic(raw)
}

// SaveBundle 写入公开产物
func SaveBundle(path string, b *Bundle) error {
	data, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		return xerrors.Errorf("序列化仪式产物失败: %v", err)
	}
	return writeDurable(path, data)
}

// LoadBundle 读取公开产物
func LoadBundle(path string) (*Bundle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.Errorf("读取仪式产物失败: %v", err)
	}
	var b Bundle
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, xerrors.Errorf("解析仪式产物失败: %v", err)
	}
	return &b, nil
}

// writeDurable 同目录临时文件写入并 fsync 后原子改名
func writeDurable(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return xerrors.Errorf("创建目录失败: %v", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return xerrors.Errorf("创建临时文件失败: %v", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return xerrors.Errorf("写入失败: %v", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return xerrors.Errorf("fsync失败: %v", err)
	}
	if err := tmp.Close(); err != nil {
		return xerrors.Errorf("关闭临时文件失败: %v", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return xerrors.Errorf("重命名失败: %v", err)
	}
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		d.Close()
	}
	return nil
}
