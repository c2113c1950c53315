package services

import (
	"context"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/sjq/engine/internal/core/ports"
	"github.com/sjq/engine/internal/domain"
	"github.com/sjq/engine/internal/infrastructure/logger"
)

// AgentManager keeps the set of known agents and pings them periodically.
// An agent is offered tasks only while its most recent ping succeeded.
type AgentManager struct {
	repo        ports.AgentRepository
	dialer      ports.AgentDialer
	logger      *logger.Logger
	pingTimeout time.Duration
	now         func() time.Time

	mu     sync.RWMutex
	agents map[string]*agentEntry
}

type agentEntry struct {
	agent     domain.Agent
	available bool
}

type AgentManagerConfig struct {
	Repository  ports.AgentRepository
	Dialer      ports.AgentDialer
	Logger      *logger.Logger
	PingTimeout time.Duration
}

func NewAgentManager(cfg AgentManagerConfig) *AgentManager {
	timeout := cfg.PingTimeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return &AgentManager{
		repo:        cfg.Repository,
		dialer:      cfg.Dialer,
		logger:      cfg.Logger,
		pingTimeout: timeout,
		now:         time.Now,
		agents:      make(map[string]*agentEntry),
	}
}

func (m *AgentManager) Name() string {
	return "agent_manager"
}

func (m *AgentManager) Run(ctx context.Context) {
	m.PingAll(ctx)
}

// Load reads the known agents from the repository. Every agent starts
// unavailable until its first successful ping.
func (m *AgentManager) Load(ctx context.Context) error {
	agents, err := m.repo.GetAll(ctx)
	if err != nil {
		m.logger.Errorw("agent_manager_load_failed", "error", err)
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range agents {
		if _, ok := m.agents[a.Address]; !ok {
			m.agents[a.Address] = &agentEntry{agent: a}
		}
	}
	m.logger.Infow("agent_manager_load_ok", "count", len(agents))
	return nil
}

// Register adds or updates an agent.
func (m *AgentManager) Register(ctx context.Context, agent domain.Agent) error {
	if _, _, err := net.SplitHostPort(agent.Address); err != nil {
		return fmt.Errorf("%w: address %q: %v", ErrAgentInvalidInput, agent.Address, err)
	}
	if agent.Status == "" {
		agent.Status = domain.AgentStatusUnknown
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.agents[agent.Address]; ok {
		agent.Status = e.agent.Status
		agent.LastSeen = e.agent.LastSeen
		agent.CreatedAt = e.agent.CreatedAt
	}
	if err := m.repo.Save(ctx, &agent); err != nil {
		m.logger.Errorw("agent_manager_register_failed", "agent", agent.Address, "error", err)
		return err
	}

	if e, ok := m.agents[agent.Address]; ok {
		e.agent = agent
	} else {
		m.agents[agent.Address] = &agentEntry{agent: agent}
	}
	m.logger.Infow("agent_manager_register_ok", "agent", agent.Address, "task_types", agent.TaskTypes, "max_tasks", agent.MaxTasks)
	return nil
}

func (m *AgentManager) Remove(ctx context.Context, address string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.agents[address]; !ok {
		return ErrAgentNotFound
	}
	if err := m.repo.Delete(ctx, address); err != nil {
		m.logger.Errorw("agent_manager_remove_failed", "agent", address, "error", err)
		return err
	}
	delete(m.agents, address)
	m.logger.Infow("agent_manager_remove_ok", "agent", address)
	return nil
}

// Agents returns every known agent ordered by address.
func (m *AgentManager) Agents() []domain.Agent {
	return m.list(false)
}

// Available returns the agents whose last ping succeeded, ordered by address.
func (m *AgentManager) Available() []domain.Agent {
	return m.list(true)
}

func (m *AgentManager) list(onlyAvailable bool) []domain.Agent {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]domain.Agent, 0, len(m.agents))
	for _, e := range m.agents {
		if onlyAvailable && !e.available {
			continue
		}
		a := e.agent
		a.TaskTypes = append(domain.StringList(nil), e.agent.TaskTypes...)
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

// PingAll pings every known agent concurrently and records the outcome.
// It returns the number of agents that answered.
func (m *AgentManager) PingAll(ctx context.Context) int {
	m.mu.RLock()
	addrs := make([]string, 0, len(m.agents))
	for addr := range m.agents {
		addrs = append(addrs, addr)
	}
	m.mu.RUnlock()

	results := make([]error, len(addrs))
	var wg sync.WaitGroup
	for i, addr := range addrs {
		wg.Add(1)
		go func(i int, addr string) {
			defer wg.Done()
			results[i] = m.ping(ctx, addr)
		}(i, addr)
	}
	wg.Wait()

	alive := 0
	for i, addr := range addrs {
		if m.record(ctx, addr, results[i]) {
			alive++
		}
	}
	m.logger.Infow("agent_manager_ping_pass", "agents", len(addrs), "alive", alive)
	return alive
}

func (m *AgentManager) ping(ctx context.Context, address string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic while pinging %s: %v", address, r)
		}
	}()

	pctx, cancel := context.WithTimeout(ctx, m.pingTimeout)
	defer cancel()

	conn, err := m.dialer.Dial(pctx, address)
	if err != nil {
		return err
	}
	defer conn.Close()
	return conn.Ping(pctx)
}

func (m *AgentManager) record(ctx context.Context, address string, pingErr error) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.agents[address]
	if !ok {
		// removed while the ping was in flight
		return false
	}

	wasAvailable := e.available
	e.available = pingErr == nil
	if pingErr == nil {
		now := m.now()
		e.agent.Status = domain.AgentStatusOnline
		e.agent.LastSeen = &now
		if !wasAvailable {
			m.logger.Infow("agent_online", "agent", address)
		}
	} else {
		e.agent.Status = domain.AgentStatusOffline
		m.logger.Warnw("agent_ping_failed", "agent", address, "error", pingErr)
	}

	a := e.agent
	if err := m.repo.Save(ctx, &a); err != nil {
		m.logger.Errorw("agent_manager_status_persist_failed", "agent", address, "error", err)
	}
	return e.available
}
