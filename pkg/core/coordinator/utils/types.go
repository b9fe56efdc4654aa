// Package utils 协调器与参与方之间交换的数据结构
package utils

import (
	"time"

	"FogMPC/pkg/core/identity"
)

// ParticipantInfo 名册中参与方的状态
type ParticipantInfo struct {
	ID       int       `json:"id"`
	URL      string    `json:"url"`
	Status   string    `json:"status"`
	LastSeen time.Time `json:"last_seen"`
}

// Announcement 仪式第零轮：公布签名与交换公钥
type Announcement struct {
	CeremonyID    string `json:"ceremony_id"`
	ParticipantID int    `json:"participant_id"`
	Threshold     int    `json:"threshold"`
	Parties       int    `json:"parties"`
	PublicKey     []byte `json:"public_key"`
}

// SealedDeal 发给某个接收方的 Shamir 份额，仅接收方能打开
type SealedDeal struct {
	From     int                `json:"from"`
	To       int                `json:"to"`
	Envelope *identity.Envelope `json:"envelope"`
}

// RoundOne 仪式第一轮：公钥份额、重线性化第一轮份额与全部份额分发
type RoundOne struct {
	CeremonyID     string       `json:"ceremony_id"`
	ParticipantID  int          `json:"participant_id"`
	PublicKeyShare string       `json:"public_key_share"`
	RelinShare     string       `json:"relin_share"`
	Deals          []SealedDeal `json:"deals"`
}

// RoundOneAggregate 第一轮聚合结果，参与方据此生成第二轮份额
type RoundOneAggregate struct {
	CeremonyID string `json:"ceremony_id"`
	PublicKey  string `json:"public_key"`
	RelinShare string `json:"relin_share"`
}

// RoundTwo 仪式第二轮：重线性化第二轮份额
type RoundTwo struct {
	CeremonyID    string `json:"ceremony_id"`
	ParticipantID int    `json:"participant_id"`
	RelinShare    string `json:"relin_share"`
}
