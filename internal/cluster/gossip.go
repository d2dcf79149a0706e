// Package cluster shares pressure state between memguard nodes over serf.
package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/serf/serf"

	"memguard/internal/cleanup"
	"memguard/internal/coordinator"
	"memguard/internal/logging"
	"memguard/internal/pressure"
)

// User event names
const (
	EventPressure = "memguard:pressure"
	EventCleanup  = "memguard:cleanup"
)

// Config defines gossip settings
type Config struct {
	NodeID        string
	BindAddr      string
	BindPort      int
	AdvertiseAddr string
	Seeds         []string
	RelayCleanup  bool // run a local pass when a cluster cleanup arrives
	JoinTimeout   time.Duration
}

// MemberStatus is the serf view of a peer
type MemberStatus string

const (
	MemberAlive  MemberStatus = "alive"
	MemberFailed MemberStatus = "failed"
)

// PeerPressure is the last pressure report received from a peer
type PeerPressure struct {
	NodeID       string         `json:"node_id"`
	Address      string         `json:"address,omitempty"`
	Status       MemberStatus   `json:"status"`
	Reported     bool           `json:"reported"`
	Level        pressure.Level `json:"level"`
	Trend        pressure.Trend `json:"trend"`
	UsedBytes    uint64         `json:"used_bytes"`
	LimitBytes   uint64         `json:"limit_bytes"`
	UsagePercent float64        `json:"usage_percent"`
	ReportedAt   time.Time      `json:"reported_at,omitempty"`
}

type pressureMessage struct {
	NodeID     string    `json:"node"`
	Level      string    `json:"level"`
	Trend      string    `json:"trend"`
	UsedBytes  uint64    `json:"used"`
	LimitBytes uint64    `json:"limit"`
	At         time.Time `json:"at"`
}

type cleanupMessage struct {
	Origin    string    `json:"origin"`
	RequestID string    `json:"id"`
	At        time.Time `json:"at"`
}

// Cleaner runs a local cleanup pass
type Cleaner interface {
	RunPass(ctx context.Context, trigger coordinator.Trigger, tiers cleanup.TierSet) (coordinator.PassReport, error)
}

// Gossip broadcasts local level transitions and relays cluster cleanups
type Gossip struct {
	cfg     Config
	cleaner Cleaner

	serf    *serf.Serf
	eventCh chan serf.Event

	mu    sync.RWMutex
	peers map[string]*PeerPressure

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewGossip creates an unstarted gossip node. cleaner may be nil when
// remote cleanups should not be relayed.
func NewGossip(cfg Config, cleaner Cleaner) (*Gossip, error) {
	if cfg.NodeID == "" {
		return nil, fmt.Errorf("node ID cannot be empty")
	}
	if cfg.BindPort < 0 || cfg.BindPort > 65535 {
		return nil, fmt.Errorf("invalid bind port: %d", cfg.BindPort)
	}
	if cfg.JoinTimeout <= 0 {
		cfg.JoinTimeout = 10 * time.Second
	}
	return &Gossip{
		cfg:     cfg,
		cleaner: cleaner,
		eventCh: make(chan serf.Event, 256),
		peers:   make(map[string]*PeerPressure),
	}, nil
}

// Start creates the serf instance and joins the configured seeds
func (g *Gossip) Start(ctx context.Context) error {
	conf := serf.DefaultConfig()
	conf.Init()

	conf.NodeName = g.cfg.NodeID
	conf.MemberlistConfig.BindAddr = g.cfg.BindAddr
	conf.MemberlistConfig.BindPort = g.cfg.BindPort
	if g.cfg.AdvertiseAddr != "" {
		conf.MemberlistConfig.AdvertiseAddr = g.cfg.AdvertiseAddr
		conf.MemberlistConfig.AdvertisePort = g.cfg.BindPort
	}

	stdLog := logging.StdLogger(logging.ComponentGossip)
	conf.Logger = stdLog
	conf.MemberlistConfig.Logger = stdLog
	conf.EventCh = g.eventCh
	conf.Tags = map[string]string{"role": "memguard"}

	s, err := serf.Create(conf)
	if err != nil {
		return fmt.Errorf("failed to create serf instance: %w", err)
	}
	g.serf = s

	loopCtx, cancel := context.WithCancel(context.Background())
	g.cancel = cancel
	g.wg.Add(1)
	go g.processEvents(loopCtx)

	logging.Info(ctx, logging.ComponentGossip, logging.ActionStart, "Gossip started", map[string]interface{}{
		"node_id":   g.cfg.NodeID,
		"bind_addr": g.cfg.BindAddr,
		"bind_port": g.cfg.BindPort,
	})

	if len(g.cfg.Seeds) > 0 {
		if err := g.join(ctx); err != nil {
			// Not fatal; peers can still join us
			logging.Warn(ctx, logging.ComponentGossip, logging.ActionJoin, "Failed to join seeds", map[string]interface{}{
				"seeds": g.cfg.Seeds,
				"error": err.Error(),
			})
		}
	}
	return nil
}

func (g *Gossip) join(ctx context.Context) error {
	joinCtx, cancel := context.WithTimeout(ctx, g.cfg.JoinTimeout)
	defer cancel()

	var lastErr error
	for _, seed := range g.cfg.Seeds {
		if err := joinCtx.Err(); err != nil {
			return fmt.Errorf("join timeout: %w", err)
		}
		n, err := g.serf.Join([]string{seed}, true)
		if err != nil {
			lastErr = err
			continue
		}
		if n > 0 {
			logging.Info(ctx, logging.ComponentGossip, logging.ActionJoin, "Joined cluster", map[string]interface{}{
				"seed":    seed,
				"members": n,
			})
			return nil
		}
	}
	if lastErr != nil {
		return fmt.Errorf("failed to join any seed nodes: %w", lastErr)
	}
	return fmt.Errorf("no seed nodes responded")
}

// Stop leaves the cluster and shuts serf down
func (g *Gossip) Stop() error {
	if g.serf == nil {
		return nil
	}
	if err := g.serf.Leave(); err != nil {
		logging.Warn(context.Background(), logging.ComponentGossip, logging.ActionLeave, "Error leaving cluster", map[string]interface{}{
			"error": err.Error(),
		})
	}
	err := g.serf.Shutdown()
	if g.cancel != nil {
		g.cancel()
	}
	g.wg.Wait()
	if err != nil {
		return fmt.Errorf("failed to shutdown serf: %w", err)
	}
	logging.Info(context.Background(), logging.ComponentGossip, logging.ActionStop, "Gossip stopped")
	return nil
}

// Observe is a coordinator observer; level changes are broadcast to peers
func (g *Gossip) Observe(ev coordinator.Event) {
	if ev.Kind != coordinator.EventLevelChanged {
		return
	}
	msg := pressureMessage{
		NodeID: g.cfg.NodeID,
		Level:  ev.Level.String(),
		Trend:  ev.Trend.String(),
		At:     ev.At,
	}
	if ev.Sample != nil {
		msg.UsedBytes = ev.Sample.UsedBytes
		msg.LimitBytes = ev.Sample.LimitBytes
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return
	}
	// Coalescable: peers only need the latest level
	if err := g.send(EventPressure, payload, true); err != nil {
		logging.Warn(context.Background(), logging.ComponentGossip, logging.ActionBroadcast, "Failed to broadcast pressure", map[string]interface{}{
			"level": msg.Level,
			"error": err.Error(),
		})
	}
}

// RequestClusterCleanup asks every node, this one included, to run a
// cleanup pass. It returns the request ID.
func (g *Gossip) RequestClusterCleanup(ctx context.Context) (string, error) {
	msg := cleanupMessage{
		Origin:    g.cfg.NodeID,
		RequestID: uuid.New().String(),
		At:        time.Now(),
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return "", err
	}
	if err := g.send(EventCleanup, payload, false); err != nil {
		return "", err
	}
	logging.Info(ctx, logging.ComponentGossip, logging.ActionBroadcast, "Cluster cleanup requested", map[string]interface{}{
		"request_id": msg.RequestID,
	})
	return msg.RequestID, nil
}

func (g *Gossip) send(name string, payload []byte, coalesce bool) error {
	if g.serf == nil {
		return fmt.Errorf("gossip not started")
	}
	return g.serf.UserEvent(name, payload, coalesce)
}

// Peers returns every known peer sorted by node ID
func (g *Gossip) Peers() []PeerPressure {
	g.mu.RLock()
	out := make([]PeerPressure, 0, len(g.peers))
	for _, p := range g.peers {
		out = append(out, *p)
	}
	g.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}

// Members returns the serf member count, 0 before Start
func (g *Gossip) Members() int {
	if g.serf == nil {
		return 0
	}
	return g.serf.NumNodes()
}

func (g *Gossip) processEvents(ctx context.Context) {
	defer g.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-g.eventCh:
			switch e := event.(type) {
			case serf.MemberEvent:
				g.handleMemberEvent(e)
			case serf.UserEvent:
				g.handleUserEvent(e)
			}
		}
	}
}

func (g *Gossip) handleMemberEvent(e serf.MemberEvent) {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, m := range e.Members {
		if m.Name == g.cfg.NodeID {
			continue
		}
		switch e.EventType() {
		case serf.EventMemberJoin, serf.EventMemberUpdate:
			p := g.peerLocked(m.Name)
			p.Status = MemberAlive
			p.Address = m.Addr.String()
		case serf.EventMemberFailed:
			g.peerLocked(m.Name).Status = MemberFailed
		case serf.EventMemberLeave, serf.EventMemberReap:
			delete(g.peers, m.Name)
		}
	}
}

func (g *Gossip) peerLocked(nodeID string) *PeerPressure {
	p, ok := g.peers[nodeID]
	if !ok {
		p = &PeerPressure{NodeID: nodeID, Status: MemberAlive}
		g.peers[nodeID] = p
	}
	return p
}

func (g *Gossip) handleUserEvent(e serf.UserEvent) {
	switch e.Name {
	case EventPressure:
		g.handlePressure(e.Payload)
	case EventCleanup:
		g.handleCleanup(e.Payload)
	}
}

func (g *Gossip) handlePressure(payload []byte) {
	var msg pressureMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		logging.Warn(context.Background(), logging.ComponentGossip, logging.ActionBroadcast, "Malformed pressure event", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}
	if msg.NodeID == "" || msg.NodeID == g.cfg.NodeID {
		return
	}
	level, err := pressure.ParseLevel(msg.Level)
	if err != nil {
		return
	}

	trend, err := pressure.ParseTrend(msg.Trend)
	if err != nil {
		trend = pressure.Stable
	}

	sample := pressure.Sample{UsedBytes: msg.UsedBytes, LimitBytes: msg.LimitBytes}

	g.mu.Lock()
	p := g.peerLocked(msg.NodeID)
	// Serf does not order user events
	if !p.ReportedAt.IsZero() && msg.At.Before(p.ReportedAt) {
		g.mu.Unlock()
		return
	}
	p.Reported = true
	p.Level = level
	p.Trend = trend
	p.UsedBytes = msg.UsedBytes
	p.LimitBytes = msg.LimitBytes
	p.UsagePercent = sample.UsagePercent()
	p.ReportedAt = msg.At
	g.mu.Unlock()

	logging.Debug(context.Background(), logging.ComponentGossip, logging.ActionClassify, "Peer pressure updated", map[string]interface{}{
		"peer":  msg.NodeID,
		"level": level.String(),
	})
}

func (g *Gossip) handleCleanup(payload []byte) {
	var msg cleanupMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		logging.Warn(context.Background(), logging.ComponentGossip, logging.ActionCleanup, "Malformed cleanup event", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}
	if !g.cfg.RelayCleanup || g.cleaner == nil {
		logging.Debug(context.Background(), logging.ComponentGossip, logging.ActionCleanup, "Cluster cleanup not relayed", map[string]interface{}{
			"origin": msg.Origin,
		})
		return
	}

	ctx := logging.WithCorrelationID(context.Background(), msg.RequestID)
	trigger := coordinator.Trigger{
		Kind:   coordinator.TriggerRemote,
		Reason: "cluster cleanup from " + msg.Origin,
	}

	// Run off the event loop so membership keeps flowing during the pass
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		report, err := g.cleaner.RunPass(ctx, trigger, cleanup.AllTiers)
		if err != nil {
			logging.Error(ctx, logging.ComponentGossip, logging.ActionCleanup, "Relayed cleanup failed", err)
			return
		}
		logging.Info(ctx, logging.ComponentGossip, logging.ActionCleanup, "Relayed cluster cleanup", map[string]interface{}{
			"origin":   msg.Origin,
			"pass_id":  report.ID,
			"handlers": len(report.Outcomes),
		})
	}()
}
