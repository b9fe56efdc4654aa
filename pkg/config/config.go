// Package config 加载节点、参与方与门限仪式的 YAML 配置
package config

import (
	"os"
	"time"

	"golang.org/x/xerrors"
	"gopkg.in/yaml.v3"
)

// Config 顶层配置
type Config struct {
	LogLevel   string           `yaml:"log_level"`
	FHE        FHEConfig        `yaml:"fhe"`
	Game       GameConfig       `yaml:"game"`
	Sqrt       SqrtConfig       `yaml:"sqrt"`
	Threshold  ThresholdConfig  `yaml:"threshold"`
	Delegation DelegationConfig `yaml:"delegation"`
	Server     ServerConfig     `yaml:"server"`
}

// FHEConfig 精确通道(BGV)与近似通道(CKKS)的参数及噪声模型
type FHEConfig struct {
	BGV       BGVConfig  `yaml:"bgv"`
	CKKS      CKKSConfig `yaml:"ckks"`
	Noise     NoiseModel `yaml:"noise"`
	CKKSNoise NoiseModel `yaml:"ckks_noise"`
}

// BGVConfig BGV参数字面量
type BGVConfig struct {
	LogN             int    `yaml:"log_n"`
	LogQ             []int  `yaml:"log_q"`
	LogP             []int  `yaml:"log_p"`
	PlaintextModulus uint64 `yaml:"plaintext_modulus"`
}

// CKKSConfig CKKS参数字面量
type CKKSConfig struct {
	LogN            int   `yaml:"log_n"`
	LogQ            []int `yaml:"log_q"`
	LogP            []int `yaml:"log_p"`
	LogDefaultScale int   `yaml:"log_default_scale"`
}

// NoiseModel 显式噪声预算：每个密文可消耗 Capacity，各类运算按代价扣减
type NoiseModel struct {
	Capacity   int `yaml:"capacity"`
	AddCost    int `yaml:"add_cost"`
	ScalarCost int `yaml:"scalar_cost"`
	MulCost    int `yaml:"mul_cost"`
}

// GameConfig 可见性判定相关的公开参数
type GameConfig struct {
	ViewRange     int `yaml:"view_range"`
	MaxCoordinate int `yaml:"max_coordinate"`
}

// SqrtConfig 近似开方参数。Bound 为 0 时由坐标上界推出 8·M²
type SqrtConfig struct {
	Iterations int     `yaml:"iterations"`
	Bound      float64 `yaml:"bound"`
	Tolerance  float64 `yaml:"tolerance"`
}

// ThresholdConfig 门限解密网络配置
type ThresholdConfig struct {
	Threshold      int                 `yaml:"threshold"`
	Parties        int                 `yaml:"parties"`
	Timeout        time.Duration       `yaml:"timeout"`
	Retry          RetryConfig         `yaml:"retry"`
	Transport      RetryConfig         `yaml:"transport"`
	NetworkKeyPath string              `yaml:"network_key_path"`
	Participants   []ParticipantConfig `yaml:"participants"`
}

// RetryConfig 重试策略。Retry 用于调用方对 QuorumNotReached 的整轮重试，
// Transport 用于单个参与方HTTP请求的传输层重试
type RetryConfig struct {
	Attempts int           `yaml:"attempts"`
	Backoff  time.Duration `yaml:"backoff"`
}

// ParticipantConfig 远程参与方地址
type ParticipantConfig struct {
	Index int    `yaml:"index"`
	URL   string `yaml:"url"`
}

// DelegationConfig 授权记录存储后端
type DelegationConfig struct {
	Backend string      `yaml:"backend"`
	Redis   RedisConfig `yaml:"redis"`
}

// RedisConfig Redis 连接参数
type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// ServerConfig HTTP 服务监听地址
type ServerConfig struct {
	Listen string `yaml:"listen"`
}

// Default 返回默认配置
func Default() *Config {
	return &Config{
		LogLevel: "info",
		FHE: FHEConfig{
			BGV: BGVConfig{
				LogN:             14,
				LogQ:             []int{56, 45, 45, 45, 45, 45, 45, 45, 45},
				LogP:             []int{56},
				PlaintextModulus: 65537,
			},
			CKKS: CKKSConfig{
				LogN:            14,
				LogQ:            []int{55, 40, 40, 40, 40, 40, 40, 40, 40, 40, 40, 40, 40, 40, 40, 40, 40, 40, 40, 40},
				LogP:            []int{61, 61, 61},
				LogDefaultScale: 40,
			},
			Noise:     NoiseModel{Capacity: 320, AddCost: 1, ScalarCost: 2, MulCost: 30},
			CKKSNoise: NoiseModel{Capacity: 1024, AddCost: 1, ScalarCost: 2, MulCost: 30},
		},
		Game: GameConfig{ViewRange: 11, MaxCoordinate: 90},
		Sqrt: SqrtConfig{Iterations: 9, Tolerance: 1e-4},
		Threshold: ThresholdConfig{
			Threshold: 2,
			Parties:   3,
			Timeout:   10 * time.Second,
			Retry:     RetryConfig{Attempts: 3, Backoff: 500 * time.Millisecond},
			Transport: RetryConfig{Attempts: 2, Backoff: 100 * time.Millisecond},
		},
		Delegation: DelegationConfig{Backend: "memory", Redis: RedisConfig{Prefix: "fog:grant:"}},
		Server:     ServerConfig{Listen: ":8080"},
	}
}

// Load 读取 YAML 文件，未出现的字段保留默认值
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.Errorf("读取配置文件失败: %v", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, xerrors.Errorf("解析配置文件失败: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save 将配置写回 YAML 文件
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return xerrors.Errorf("序列化配置失败: %v", err)
	}
	return os.WriteFile(path, data, 0o600)
}

// Validate 校验配置一致性
func (c *Config) Validate() error {
	t := c.Threshold
	if t.Threshold < 1 || t.Threshold > t.Parties {
		return xerrors.Errorf("门限参数无效: t=%d, n=%d", t.Threshold, t.Parties)
	}
	if t.Timeout <= 0 {
		return xerrors.Errorf("解密超时必须为正: %s", t.Timeout)
	}
	if t.Retry.Attempts < 1 || t.Transport.Attempts < 1 {
		return xerrors.Errorf("重试次数至少为1: 整轮 %d，传输 %d", t.Retry.Attempts, t.Transport.Attempts)
	}
	for _, nm := range []NoiseModel{c.FHE.Noise, c.FHE.CKKSNoise} {
		if nm.Capacity <= 0 || nm.AddCost <= 0 || nm.ScalarCost <= 0 || nm.MulCost <= nm.AddCost {
			return xerrors.Errorf("噪声模型无效: %+v", nm)
		}
	}
	if c.Game.ViewRange < 0 {
		return xerrors.Errorf("视野范围不能为负: %d", c.Game.ViewRange)
	}
	maxDiff := uint64(2 * c.Game.MaxCoordinate)
	if c.Game.MaxCoordinate <= 0 || 2*maxDiff*maxDiff >= c.FHE.BGV.PlaintextModulus {
		return xerrors.Errorf("坐标上界 %d 与明文模数 %d 不匹配", c.Game.MaxCoordinate, c.FHE.BGV.PlaintextModulus)
	}
	reach := 8 * float64(c.Game.MaxCoordinate) * float64(c.Game.MaxCoordinate)
	if c.Sqrt.Iterations < 1 || c.Sqrt.Tolerance <= 0 || c.Sqrt.Bound < 0 || (c.Sqrt.Bound > 0 && c.Sqrt.Bound < reach) {
		return xerrors.Errorf("开方参数无效: %+v，上界至少为 %.0f", c.Sqrt, reach)
	}
	switch c.Delegation.Backend {
	case "memory", "redis":
	default:
		return xerrors.Errorf("未知的授权存储后端: %s", c.Delegation.Backend)
	}
	return nil
}
