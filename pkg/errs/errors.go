// Package errs 定义各模块共享的错误类型
package errs

import "golang.org/x/xerrors"

var (
	// ErrUnknownIdentity 存储中不存在该身份的记录
	ErrUnknownIdentity = xerrors.New("unknown identity")
	// ErrOwnerMismatch 新密文的加密密钥与已有记录不一致
	ErrOwnerMismatch = xerrors.New("owner mismatch")
	// ErrNoiseBudgetExceeded 噪声预算耗尽，需要自举刷新后才能继续运算
	ErrNoiseBudgetExceeded = xerrors.New("noise budget exceeded")
	// ErrTooMuchNoise 密文噪声过大，无法可靠解密
	ErrTooMuchNoise = xerrors.Errorf("too much noise: %w", ErrNoiseBudgetExceeded)
	// ErrQuorumNotReached 有效解密份额不足门限，可重试
	ErrQuorumNotReached = xerrors.New("quorum not reached")
	// ErrInvalidShare 单个解密份额校验失败
	ErrInvalidShare = xerrors.New("invalid share")
	// ErrNoGrant 授权记录不存在
	ErrNoGrant = xerrors.New("no delegation grant")
	// ErrDecryptFailure 共享密钥错误或密文被篡改
	ErrDecryptFailure = xerrors.New("decrypt failure")
	// ErrMissingKey 调用方没有可用的解密密钥
	ErrMissingKey = xerrors.New("missing key")
	// ErrNotRegistered 身份尚未在目录中注册
	ErrNotRegistered = xerrors.New("identity not registered")
	// ErrOutOfBounds 位移或移动后的坐标超出公开的坐标上界
	ErrOutOfBounds = xerrors.New("position out of bounds")
)
