// Package identity 管理参与者身份、交换密钥与公开目录
package identity

import (
	"crypto/ecdsa"
	"sort"
	"sync"

	"FogMPC/pkg/errs"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/tuneinsight/lattigo/v6/core/rlwe"
	"golang.org/x/xerrors"
)

// Identity 参与者的不可变句柄
type Identity string

// KeyPair secp256k1 交换/签名密钥对
type KeyPair struct {
	Private *ecdsa.PrivateKey
}

// GenerateKeyPair 生成新的 secp256k1 密钥对
func GenerateKeyPair() (*KeyPair, error) {
	priv, err := crypto.GenerateKey()
	if err != nil {
		return nil, xerrors.Errorf("生成密钥对失败: %v", err)
	}
	return &KeyPair{Private: priv}, nil
}

// LoadKeyPair 从文件加载密钥对
func LoadKeyPair(path string) (*KeyPair, error) {
	priv, err := crypto.LoadECDSA(path)
	if err != nil {
		return nil, xerrors.Errorf("加载密钥失败: %v", err)
	}
	return &KeyPair{Private: priv}, nil
}

// Save 以十六进制写入私钥文件
func (kp *KeyPair) Save(path string) error {
	return crypto.SaveECDSA(path, kp.Private)
}

// Public 返回公钥
func (kp *KeyPair) Public() *ecdsa.PublicKey {
	return &kp.Private.PublicKey
}

// PublicBytes 返回未压缩公钥编码
func (kp *KeyPair) PublicBytes() []byte {
	return crypto.FromECDSAPub(&kp.Private.PublicKey)
}

// MarshalPublic 未压缩公钥编码
func MarshalPublic(pub *ecdsa.PublicKey) []byte {
	return crypto.FromECDSAPub(pub)
}

// ParsePublic 解析未压缩公钥编码
func ParsePublic(b []byte) (*ecdsa.PublicKey, error) {
	pub, err := crypto.UnmarshalPubkey(b)
	if err != nil {
		return nil, xerrors.Errorf("公钥格式错误: %v", err)
	}
	return pub, nil
}

// Entry 目录中公开的身份信息。FHEKey 为个人BGV公钥；
// ApproxKey 与 ApproxRLK 为个人CKKS公钥及重线性化密钥，用于在其密钥下计算距离
type Entry struct {
	ID          Identity
	ExchangeKey *ecdsa.PublicKey
	FHEKey      *rlwe.PublicKey
	FHEKeyID    string
	ApproxKey   *rlwe.PublicKey
	ApproxRLK   *rlwe.RelinearizationKey
	ApproxKeyID string
}

// Directory 身份 -> 公开密钥
type Directory struct {
	mu      sync.RWMutex
	entries map[Identity]Entry
}

// NewDirectory 创建空目录
func NewDirectory() *Directory {
	return &Directory{entries: make(map[Identity]Entry)}
}

// Register 注册身份，交换公钥一经注册不可更换
func (d *Directory) Register(e Entry) error {
	if e.ID == "" || e.ExchangeKey == nil {
		return xerrors.Errorf("身份信息不完整: %q", e.ID)
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if old, ok := d.entries[e.ID]; ok && !old.ExchangeKey.Equal(e.ExchangeKey) {
		return xerrors.Errorf("身份 %s 已注册: %w", e.ID, errs.ErrOwnerMismatch)
	}
	d.entries[e.ID] = e
	return nil
}

// Rekey 以 next 中的个人FHE公钥替换原有公钥（密钥轮换），交换公钥保持不变
func (d *Directory) Rekey(next Entry) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	e, ok := d.entries[next.ID]
	if !ok {
		return xerrors.Errorf("%s: %w", next.ID, errs.ErrNotRegistered)
	}
	e.FHEKey, e.FHEKeyID = next.FHEKey, next.FHEKeyID
	e.ApproxKey, e.ApproxRLK, e.ApproxKeyID = next.ApproxKey, next.ApproxRLK, next.ApproxKeyID
	d.entries[next.ID] = e
	return nil
}

// Lookup 查询身份
func (d *Directory) Lookup(id Identity) (Entry, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	e, ok := d.entries[id]
	if !ok {
		return Entry{}, xerrors.Errorf("%s: %w", id, errs.ErrNotRegistered)
	}
	return e, nil
}

// List 按名称排序返回全部身份
func (d *Directory) List() []Identity {
	d.mu.RLock()
	defer d.mu.RUnlock()

	ids := make([]Identity, 0, len(d.entries))
	for id := range d.entries {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
