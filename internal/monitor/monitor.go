// Package monitor publishes the training status to web clients over a websocket.
//
// The Monitor is an agents.Observer: events are queued without blocking the agents (they are
// dropped if the queue is full), applied to a status snapshot, and broadcast to the connected
// clients as JSON. The full status is also sent when a client connects and periodically after that.
package monitor

import (
	"context"
	"encoding/json"
	"github.com/Gladiatorsarius/PVP-KI/internal/agents"
	"github.com/Gladiatorsarius/PVP-KI/internal/ipc"
	"github.com/Gladiatorsarius/PVP-KI/internal/ppo"
	"github.com/gorilla/websocket"
	channerics "github.com/niceyeti/channerics/channels"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
	"net"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Clients only send pongs and close messages.
	maxMessageSize = 512

	eventsBuffer = 1024
	clientBuffer = 64

	// DefaultStatusPeriod is how often the full status is broadcast.
	DefaultStatusPeriod = 2 * time.Second
)

// EventType identifies the kind of Event.
type EventType string

const (
	EventStatus     EventType = "status"
	EventAgentState EventType = "agent_state"
	EventReward     EventType = "reward"
	EventEpisodeEnd EventType = "episode_end"
	EventUpdate     EventType = "update"
	EventCheckpoint EventType = "checkpoint"
)

// Event sent to the clients. Only the fields of its type are set.
type Event struct {
	Type    EventType `json:"type"`
	Time    time.Time `json:"time"`
	AgentID int       `json:"agent_id"`

	State        string       `json:"state,omitempty"`
	Reward       float64      `json:"reward,omitempty"`
	EpisodeTotal float64      `json:"episode_total,omitempty"`
	Won          bool         `json:"won,omitempty"`
	Metrics      *ppo.Metrics `json:"metrics,omitempty"`
	Checkpoint   string       `json:"checkpoint,omitempty"`
	FightCount   int          `json:"fight_count,omitempty"`
	Status       *Status      `json:"status,omitempty"`
}

// AgentStatus is the status of one agent.
type AgentStatus struct {
	ID       int    `json:"id"`
	State    string `json:"state"`
	Episodes int    `json:"episodes"`
	Wins     int    `json:"wins"`

	// EpisodeReward is the total of the current episode so far.
	EpisodeReward     float64 `json:"episode_reward"`
	LastEpisodeReward float64 `json:"last_episode_reward"`
}

// Status of the training.
type Status struct {
	Agents         []AgentStatus `json:"agents"`
	Updates        int           `json:"updates"`
	LastUpdate     *ppo.Metrics  `json:"last_update,omitempty"`
	LastCheckpoint string        `json:"last_checkpoint,omitempty"`
	FightCount     int           `json:"fight_count"`
	DroppedEvents  int64         `json:"dropped_events"`
}

// Monitor collects the training events and serves them to websocket clients.
type Monitor struct {
	// StatusPeriod is how often the full status is broadcast. Set it before Serve.
	StatusPeriod time.Duration

	events  chan Event
	dropped atomic.Int64

	mu     sync.Mutex
	agents map[int]*AgentStatus
	status Status

	muClients sync.Mutex
	clients   map[*client]struct{}
}

var (
	_ agents.Observer = (*Monitor)(nil)
	_ http.Handler    = (*Monitor)(nil)
)

// New creates a Monitor. Events are only processed while Serve (or Run) is running.
func New() *Monitor {
	return &Monitor{
		StatusPeriod: DefaultStatusPeriod,
		events:       make(chan Event, eventsBuffer),
		agents:       make(map[int]*AgentStatus),
		clients:      make(map[*client]struct{}),
	}
}

func (m *Monitor) push(e Event) {
	e.Time = time.Now()
	select {
	case m.events <- e:
	default:
		m.dropped.Add(1)
	}
}

// OnAgentState implements agents.Observer.
func (m *Monitor) OnAgentState(agentID int, state ipc.State) {
	m.push(Event{Type: EventAgentState, AgentID: agentID, State: state.String()})
}

// OnReward implements agents.Observer. Rewards are not broadcast individually, only through the status.
func (m *Monitor) OnReward(agentID int, reward, episodeTotal float64) {
	m.push(Event{Type: EventReward, AgentID: agentID, Reward: reward, EpisodeTotal: episodeTotal})
}

// OnEpisodeEnd implements agents.Observer.
func (m *Monitor) OnEpisodeEnd(agentID int, episodeTotal float64, won bool) {
	m.push(Event{Type: EventEpisodeEnd, AgentID: agentID, EpisodeTotal: episodeTotal, Won: won})
}

// OnUpdate implements agents.Observer.
func (m *Monitor) OnUpdate(metrics ppo.Metrics) {
	m.push(Event{Type: EventUpdate, Metrics: &metrics})
}

// OnCheckpoint implements agents.Observer.
func (m *Monitor) OnCheckpoint(path string, fightCount int) {
	m.push(Event{Type: EventCheckpoint, Checkpoint: path, FightCount: fightCount})
}

func (m *Monitor) agentLocked(id int) *AgentStatus {
	agent, found := m.agents[id]
	if !found {
		agent = &AgentStatus{ID: id, State: ipc.StateDisconnected.String()}
		m.agents[id] = agent
	}
	return agent
}

// apply the event to the status.
func (m *Monitor) apply(e Event) Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch e.Type {
	case EventAgentState:
		m.agentLocked(e.AgentID).State = e.State
	case EventReward:
		m.agentLocked(e.AgentID).EpisodeReward = e.EpisodeTotal
	case EventEpisodeEnd:
		agent := m.agentLocked(e.AgentID)
		agent.Episodes++
		if e.Won {
			agent.Wins++
		}
		agent.LastEpisodeReward = e.EpisodeTotal
		agent.EpisodeReward = 0
	case EventUpdate:
		m.status.Updates = e.Metrics.Update
		m.status.LastUpdate = e.Metrics
	case EventCheckpoint:
		m.status.LastCheckpoint = e.Checkpoint
		m.status.FightCount = e.FightCount
	}
	return e
}

// Status returns a snapshot of the status, with the agents sorted by id.
func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	status := m.status
	status.Agents = make([]AgentStatus, 0, len(m.agents))
	for _, agent := range m.agents {
		status.Agents = append(status.Agents, *agent)
	}
	slices.SortFunc(status.Agents, func(a, b AgentStatus) int { return a.ID - b.ID })
	status.DroppedEvents = m.dropped.Load()
	return status
}

func (m *Monitor) statusEvent() Event {
	status := m.Status()
	return Event{Type: EventStatus, Time: time.Now(), Status: &status}
}

// Run processes the events and broadcasts them to the clients, until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	done := ctx.Done()
	applied := channerics.Convert(done, (<-chan Event)(m.events), m.apply)
	ticks := channerics.NewTicker(done, m.StatusPeriod)
	for {
		select {
		case <-done:
			return nil
		case event, ok := <-applied:
			if !ok {
				return nil
			}
			if event.Type != EventReward {
				m.broadcast(event)
			}
		case <-ticks:
			m.broadcast(m.statusEvent())
		}
	}
}

// broadcast the event to all clients. Clients that are not keeping up miss it.
func (m *Monitor) broadcast(event Event) {
	m.muClients.Lock()
	defer m.muClients.Unlock()
	for c := range m.clients {
		select {
		case c.send <- event:
		default:
			klog.V(2).Infof("monitor client %s is too slow, dropping %s event", c.remote, event.Type)
		}
	}
}

// subscribe the client, queuing the current status as its first message.
func (m *Monitor) subscribe(c *client) {
	m.muClients.Lock()
	defer m.muClients.Unlock()
	c.send <- m.statusEvent()
	m.clients[c] = struct{}{}
}

func (m *Monitor) unsubscribe(c *client) {
	m.muClients.Lock()
	defer m.muClients.Unlock()
	delete(m.clients, c)
}

var upgrader = websocket.Upgrader{
	// The monitor is read-only: accept any origin.
	CheckOrigin: func(*http.Request) bool { return true },
}

// ServeHTTP upgrades the request to a websocket and publishes the events to it until the client
// disconnects or the request context is done.
func (m *Monitor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c := &client{remote: r.RemoteAddr, send: make(chan Event, clientBuffer)}
	m.subscribe(c)
	defer m.unsubscribe(c)
	var err error
	c.ws, err = upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied with an HTTP error.
		klog.Warningf("monitor: failed to upgrade connection from %s: %v", r.RemoteAddr, err)
		return
	}
	klog.V(1).Infof("monitor: client %s connected", c.remote)
	err = c.run(r.Context())
	if err != nil && !isClosure(err) {
		klog.V(1).Infof("monitor: client %s disconnected: %v", c.remote, err)
	}
}

func (m *Monitor) serveStatus(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(m.Status()); err != nil {
		klog.Warningf("monitor: failed to write status: %v", err)
	}
}

// ListenAndServe listens on addr and calls Serve.
func (m *Monitor) ListenAndServe(ctx context.Context, addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "monitor failed to listen on %q", addr)
	}
	return m.Serve(ctx, listener)
}

// Serve the websocket feed on "/ws" and the status as JSON on "/status", and process the events,
// until ctx is done.
func (m *Monitor) Serve(ctx context.Context, listener net.Listener) error {
	klog.Infof("Monitor serving on http://%s/status and ws://%s/ws", listener.Addr(), listener.Addr())
	mux := http.NewServeMux()
	mux.Handle("/ws", m)
	mux.HandleFunc("/status", m.serveStatus)
	g, gCtx := errgroup.WithContext(ctx)
	server := &http.Server{
		Handler:     mux,
		BaseContext: func(net.Listener) context.Context { return gCtx },
	}
	g.Go(func() error { return m.Run(gCtx) })
	g.Go(func() error {
		<-gCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), writeWait)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "monitor server failed")
		}
		return nil
	})
	return g.Wait()
}

// client is one websocket connection.
type client struct {
	remote string
	ws     *websocket.Conn
	send   chan Event
}

// run the reader and the writer of the connection until one of them fails or ctx is done.
func (c *client) run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(c.readMessages)
	g.Go(func() error { return c.writeMessages(ctx) })
	return g.Wait()
}

// readMessages discards everything but the pongs, and returns when the connection is closed.
func (c *client) readMessages() error {
	c.ws.SetReadLimit(maxMessageSize)
	if err := c.ws.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		return err
	}
	c.ws.SetPongHandler(func(string) error { return c.ws.SetReadDeadline(time.Now().Add(pongWait)) })
	for {
		if _, _, err := c.ws.ReadMessage(); err != nil {
			return err
		}
	}
}

// writeMessages publishes the events and the pings. It closes the connection when it returns,
// which also stops readMessages.
func (c *client) writeMessages(ctx context.Context) error {
	defer func() { _ = c.ws.Close() }()
	pings := channerics.NewTicker(ctx.Done(), pingPeriod)
	for {
		select {
		case <-ctx.Done():
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return nil
		case event := <-c.send:
			if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return errors.Wrap(err, "failed to set write deadline")
			}
			if err := c.ws.WriteJSON(event); err != nil {
				return errors.Wrapf(err, "failed to publish %s event", event.Type)
			}
		case <-pings:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return errors.Wrap(err, "ping failed")
			}
		}
	}
}

func isClosure(err error) bool {
	return websocket.IsCloseError(errors.Cause(err), websocket.CloseNormalClosure, websocket.CloseGoingAway)
}
