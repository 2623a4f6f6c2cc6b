package store

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrNotFound is returned by updates that target a missing row. Point lookups
// return (nil, nil) for missing rows instead, matching the Postgres backend.
var ErrNotFound = errors.New("record not found")

// MemoryStore holds all records in process memory. It implements the Store
// interface and backs tests and single-node dev mode.
type MemoryStore struct {
	mu       sync.RWMutex
	slaves   map[string]*SlaveServer
	proxies  map[string]*Proxy
	viewers  map[string]*ViewerInstance
	commands map[string]*Command
	cmdOrder []string // insertion order for deterministic polling
	logs     []*LogEntry
	users    map[string]*User
	plans    map[string]*Plan
}

// NewMemoryStore initializes an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		slaves:   make(map[string]*SlaveServer),
		proxies:  make(map[string]*Proxy),
		viewers:  make(map[string]*ViewerInstance),
		commands: make(map[string]*Command),
		users:    make(map[string]*User),
		plans:    make(map[string]*Plan),
	}
}

// --- Slave Operations ---

func (s *MemoryStore) UpsertSlave(ctx context.Context, slave *SlaveServer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *slave
	s.slaves[slave.SlaveID] = &cp
	return nil
}

func (s *MemoryStore) GetSlave(ctx context.Context, slaveID string) (*SlaveServer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sl, ok := s.slaves[slaveID]
	if !ok {
		return nil, nil
	}
	cp := *sl
	return &cp, nil
}

func (s *MemoryStore) ListSlaves(ctx context.Context) ([]*SlaveServer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]*SlaveServer, 0, len(s.slaves))
	for _, sl := range s.slaves {
		cp := *sl
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].SlaveID < result[j].SlaveID })
	return result, nil
}

func (s *MemoryStore) UpdateSlaveLastSeen(ctx context.Context, slaveID string, t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl, ok := s.slaves[slaveID]
	if !ok {
		return ErrNotFound
	}
	sl.LastSeen = t
	return nil
}

func (s *MemoryStore) MarkSlaveOffline(ctx context.Context, slaveID string, staleBefore time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl, ok := s.slaves[slaveID]
	if !ok {
		return false, nil
	}
	if sl.Status == "offline" || !sl.LastSeen.Before(staleBefore) {
		return false, nil
	}
	sl.Status = "offline"
	return true, nil
}

func (s *MemoryStore) DeleteSlave(ctx context.Context, slaveID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.slaves[slaveID]; !ok {
		return ErrNotFound
	}
	delete(s.slaves, slaveID)
	return nil
}

// --- Proxy Operations ---

func (s *MemoryStore) CreateProxy(ctx context.Context, proxy *Proxy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *proxy
	s.proxies[proxy.ProxyID] = &cp
	return nil
}

func (s *MemoryStore) ListProxies(ctx context.Context) ([]*Proxy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]*Proxy, 0, len(s.proxies))
	for _, p := range s.proxies {
		cp := *p
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ProxyID < result[j].ProxyID })
	return result, nil
}

func (s *MemoryStore) UpdateProxyCheck(ctx context.Context, proxyID string, valid bool, checkedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.proxies[proxyID]
	if !ok {
		return ErrNotFound
	}
	p.Valid = valid
	p.LastChecked = checkedAt
	if valid {
		p.FailCount = 0
	} else {
		p.FailCount++
	}
	return nil
}

func (s *MemoryStore) DeleteProxy(ctx context.Context, proxyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.proxies[proxyID]; !ok {
		return ErrNotFound
	}
	delete(s.proxies, proxyID)
	return nil
}

// --- Viewer Operations ---

func (s *MemoryStore) CreateViewer(ctx context.Context, viewer *ViewerInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	// Duplicate creates are no-ops, matching the Postgres ON CONFLICT clause.
	if _, ok := s.viewers[viewer.ViewerID]; ok {
		return nil
	}
	cp := *viewer
	s.viewers[viewer.ViewerID] = &cp
	return nil
}

func (s *MemoryStore) GetViewer(ctx context.Context, viewerID string) (*ViewerInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.viewers[viewerID]
	if !ok {
		return nil, nil
	}
	cp := *v
	return &cp, nil
}

func (s *MemoryStore) UpdateViewerStatus(ctx context.Context, viewerID string, status string, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.viewers[viewerID]
	if !ok {
		return ErrNotFound
	}
	v.Status = status
	v.Error = errMsg
	return nil
}

func (s *MemoryStore) ListViewers(ctx context.Context) ([]*ViewerInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]*ViewerInstance, 0, len(s.viewers))
	for _, v := range s.viewers {
		cp := *v
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ViewerID < result[j].ViewerID })
	return result, nil
}

func (s *MemoryStore) ListViewersBySlave(ctx context.Context, slaveID string) ([]*ViewerInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []*ViewerInstance
	for _, v := range s.viewers {
		if v.SlaveID == slaveID {
			cp := *v
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ViewerID < result[j].ViewerID })
	return result, nil
}

func (s *MemoryStore) DeleteViewer(ctx context.Context, viewerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.viewers[viewerID]; !ok {
		return ErrNotFound
	}
	delete(s.viewers, viewerID)
	return nil
}

func (s *MemoryStore) CountRunningViewersByUser(ctx context.Context, userID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, v := range s.viewers {
		if v.UserID == userID && v.Status == "running" {
			count++
		}
	}
	return count, nil
}

// --- Command Operations ---

func (s *MemoryStore) CreateCommand(ctx context.Context, cmd *Command) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *cmd
	s.commands[cmd.CommandID] = &cp
	s.cmdOrder = append(s.cmdOrder, cmd.CommandID)
	return nil
}

func (s *MemoryStore) GetCommand(ctx context.Context, commandID string) (*Command, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.commands[commandID]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (s *MemoryStore) ListPendingCommands(ctx context.Context, target string) ([]*Command, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []*Command
	for _, id := range s.cmdOrder {
		c := s.commands[id]
		if c.Status == StatusPending && c.Target == target {
			cp := *c
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (s *MemoryStore) ListCommands(ctx context.Context, limit int) ([]*Command, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []*Command
	for i := len(s.cmdOrder) - 1; i >= 0 && (limit <= 0 || len(result) < limit); i-- {
		cp := *s.commands[s.cmdOrder[i]]
		result = append(result, &cp)
	}
	return result, nil
}

func (s *MemoryStore) CompleteCommand(ctx context.Context, commandID string, status string, result json.RawMessage) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	// Unknown and already-terminal commands both report (false, nil), the
	// same contract the Postgres guarded UPDATE gives.
	c, ok := s.commands[commandID]
	if !ok {
		return false, nil
	}
	if c.Status != StatusPending {
		return false, nil
	}
	c.Status = status
	c.Result = result
	return true, nil
}

func (s *MemoryStore) CountCommandsByStatus(ctx context.Context, status string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, c := range s.commands {
		if c.Status == status {
			count++
		}
	}
	return count, nil
}

// --- Log Operations ---

func (s *MemoryStore) AppendLog(ctx context.Context, entry *LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *entry
	s.logs = append(s.logs, &cp)
	return nil
}

func (s *MemoryStore) ListLogs(ctx context.Context, limit int) ([]*LogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []*LogEntry
	for i := len(s.logs) - 1; i >= 0 && (limit <= 0 || len(result) < limit); i-- {
		cp := *s.logs[i]
		result = append(result, &cp)
	}
	return result, nil
}

// --- User/Plan Operations ---

// SeedUserPlan registers a user with a plan. Test and dev-mode helper.
func (s *MemoryStore) SeedUserPlan(user *User, plan *Plan) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[user.UserID] = user
	s.plans[plan.PlanID] = plan
}

func (s *MemoryStore) GetUserPlan(ctx context.Context, userID string) (*Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[userID]
	if !ok {
		return nil, ErrNotFound
	}
	p, ok := s.plans[u.PlanID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}
