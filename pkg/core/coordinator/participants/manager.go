// Package participants 门限参与方名册与在线状态
package participants

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"FogMPC/pkg/config"
	"FogMPC/pkg/core/coordinator/utils"
	client "FogMPC/pkg/core/participant/coordinator"
	"FogMPC/pkg/core/threshold"

	"github.com/rs/zerolog/log"
	"golang.org/x/xerrors"
)

// Manager 参与者管理器
type Manager struct {
	participants map[int]*utils.ParticipantInfo
	clients      map[int]*client.RemoteParticipant
	mu           sync.RWMutex

	// 在线状态管理
	heartbeats        map[int]time.Time // 参与方ID -> 最后心跳时间
	onlineTimeout     time.Duration
	minParticipants   int // 门限 t
	heartbeatInterval time.Duration

	httpClient *http.Client
	transport  config.RetryConfig
}

// NewManager 按配置创建名册
func NewManager(cfg config.ThresholdConfig, httpClient *http.Client) (*Manager, error) {
	m := &Manager{
		participants:      make(map[int]*utils.ParticipantInfo),
		clients:           make(map[int]*client.RemoteParticipant),
		heartbeats:        make(map[int]time.Time),
		onlineTimeout:     2 * cfg.Timeout,
		minParticipants:   cfg.Threshold,
		heartbeatInterval: cfg.Timeout,
		httpClient:        httpClient,
		transport:         cfg.Transport,
	}
	for _, p := range cfg.Participants {
		if err := m.AddParticipant(p.Index, p.URL); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// AddParticipant 添加参与方URL
func (m *Manager) AddParticipant(participantID int, url string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.participants[participantID]; exists {
		return xerrors.Errorf("参与方 %d 已存在", participantID)
	}
	m.participants[participantID] = &utils.ParticipantInfo{ID: participantID, URL: url, Status: "registered"}
	m.clients[participantID] = client.NewRemoteParticipant(participantID, url, m.httpClient, m.transport)
	log.Info().Msgf("添加参与方 %d URL: %s", participantID, url)
	return nil
}

// UpdateHeartbeat 更新参与方心跳
func (m *Manager) UpdateHeartbeat(participantID int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	info, exists := m.participants[participantID]
	if !exists {
		return xerrors.Errorf("参与方 %d 不存在", participantID)
	}
	now := time.Now()
	m.heartbeats[participantID] = now
	info.Status = "online"
	info.LastSeen = now
	return nil
}

// Probe 逐个查询健康状态并记录心跳
func (m *Manager) Probe(ctx context.Context) {
	m.mu.RLock()
	clients := make([]*client.RemoteParticipant, 0, len(m.clients))
	for _, c := range m.clients {
		clients = append(clients, c)
	}
	m.mu.RUnlock()

	var wg sync.WaitGroup
	for _, c := range clients {
		wg.Add(1)
		go func(c *client.RemoteParticipant) {
			defer wg.Done()
			if _, err := c.Health(ctx); err != nil {
				log.Debug().Int("participant", c.Index()).Err(err).Msg("健康检查失败")
				return
			}
			_ = m.UpdateHeartbeat(c.Index())
		}(c)
	}
	wg.Wait()
}

// All 全部参与方，按编号排序
func (m *Manager) All() []threshold.Participant {
	return m.filter(func(int) bool { return true })
}

// Online 心跳未超时的参与方，按编号排序
func (m *Manager) Online() []threshold.Participant {
	now := time.Now()
	return m.filter(func(id int) bool {
		last, ok := m.heartbeats[id]
		return ok && now.Sub(last) <= m.onlineTimeout
	})
}

func (m *Manager) filter(keep func(int) bool) []threshold.Participant {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]int, 0, len(m.clients))
	for id := range m.clients {
		if keep(id) {
			ids = append(ids, id)
		}
	}
	sort.Ints(ids)
	out := make([]threshold.Participant, 0, len(ids))
	for _, id := range ids {
		out = append(out, m.clients[id])
	}
	return out
}

// GetParticipants 获取所有参与方信息
func (m *Manager) GetParticipants() []utils.ParticipantInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]utils.ParticipantInfo, 0, len(m.participants))
	for _, p := range m.participants {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// GetOnlineStatus 获取在线状态信息
func (m *Manager) GetOnlineStatus() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := time.Now()
	onlineCount := 0
	for _, lastHeartbeat := range m.heartbeats {
		if now.Sub(lastHeartbeat) <= m.onlineTimeout {
			onlineCount++
		}
	}
	return map[string]interface{}{
		"online_count":     onlineCount,
		"total_count":      len(m.participants),
		"min_participants": m.minParticipants,
		"can_proceed":      onlineCount >= m.minParticipants,
		"online_timeout":   m.onlineTimeout.Seconds(),
	}
}

// CleanupOfflineParticipants 清理心跳超时的参与方
func (m *Manager) CleanupOfflineParticipants() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	for id, lastHeartbeat := range m.heartbeats {
		if now.Sub(lastHeartbeat) > m.onlineTimeout {
			delete(m.heartbeats, id)
			m.participants[id].Status = "offline"
			log.Warn().Msgf("参与方 %d 超时离线", id)
		}
	}
}

// StartHeartbeat 定时探测并清理，ctx 结束时停止
func (m *Manager) StartHeartbeat(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(m.heartbeatInterval)
		defer ticker.Stop()

		m.Probe(ctx)
		for {
			select {
			case <-ticker.C:
				m.Probe(ctx)
				m.CleanupOfflineParticipants()
			case <-ctx.Done():
				return
			}
		}
	}()
}

// GetMinParticipants 门限
func (m *Manager) GetMinParticipants() int {
	return m.minParticipants
}
