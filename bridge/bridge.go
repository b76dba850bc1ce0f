package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/victorjacobs/go-duco2mqtt/config"
	"github.com/victorjacobs/go-duco2mqtt/duco"
	"github.com/victorjacobs/go-duco2mqtt/homeassistant"
	"github.com/victorjacobs/go-duco2mqtt/mqtt"
)

const fetchTimeout = 30 * time.Second

// Publisher is the broker side of the bridge.
type Publisher interface {
	Publish(topic string, retained bool, payload []byte) error
	PublishAvailability(online bool) error
	// IsConnected reports the live state of the broker connection.
	IsConnected() bool
}

type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
)

func (s ConnectionState) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

func (s ConnectionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Status is a read-only view of the bridge for the status server.
type Status struct {
	Connection ConnectionState
	Snapshot   *duco.Snapshot
	LastPoll   time.Time
	LastError  string
}

type Bridge struct {
	fetcher   duco.Fetcher
	catalog   *duco.Catalog
	discovery *homeassistant.Discovery
	states    *StatePublisher
	publisher Publisher
	interval  time.Duration
	metrics   *metrics
	logger    *slog.Logger
	now       func() time.Time

	// Owned by the Run goroutine.
	connection ConnectionState
	published  PublishedState
	registry   DiscoveryRegistry
	forceFull  bool
	rediscover bool
	online     *bool
	// lastAttempt is the start of the last poll, lastSnapshot its result or nil when it failed.
	lastAttempt  time.Time
	lastSnapshot *duco.Snapshot

	mutex  sync.RWMutex
	status Status
}

// New builds the bridge and its board transport from cfg.
func New(cfg *config.Configuration, publisher Publisher, reg prometheus.Registerer, logger *slog.Logger, version string) (*Bridge, error) {
	catalog, err := cfg.Catalog()
	if err != nil {
		return nil, err
	}

	fetcher, err := newFetcher(cfg.Duco, logger)
	if err != nil {
		return nil, err
	}

	interval, clamped := cfg.EffectivePollInterval()
	if clamped {
		logger.Warn("poll interval too short, using minimum", "configured", cfg.PollInterval, "interval", interval)
	}

	discovery := homeassistant.NewDiscovery(homeassistant.Config{
		Enabled:   cfg.HomeAssistant.Discovery,
		Prefix:    cfg.HomeAssistant.Prefix,
		IdPrefix:  cfg.HomeAssistant.IdPrefix,
		BaseTopic: cfg.Mqtt.BaseTopic,
		Version:   version,
	}, catalog)

	return newBridge(fetcher, catalog, discovery, publisher, cfg.Mqtt.BaseTopic, interval, reg, logger)
}

func newFetcher(cfg config.Duco, logger *slog.Logger) (duco.Fetcher, error) {
	switch cfg.Transport {
	case config.TransportModbus:
		logger.Info("reading board over modbus", "address", cfg.Modbus.Address, "device", cfg.Modbus.Device, "nodes", cfg.Modbus.Nodes)

		return duco.NewModbusClient(duco.ModbusConfig{
			Address:  cfg.Modbus.Address,
			Device:   cfg.Modbus.Device,
			BaudRate: cfg.Modbus.BaudRate,
			SlaveID:  byte(cfg.Modbus.SlaveId),
			Nodes:    cfg.Modbus.Nodes,
			Timeout:  cfg.Modbus.Timeout,
		}, logger.With("component", "modbus")), nil
	default:
		if cfg.Insecure {
			logger.Warn("board certificate validation disabled", "host", cfg.Host)
		}
		logger.Info("reading board over https", "host", cfg.Host, "ip", cfg.Ip)

		client, err := duco.NewClient(cfg.Host, cfg.Ip, duco.TrustConfig{
			CertificateFile: cfg.Certificate,
			Insecure:        cfg.Insecure,
		})
		if err != nil {
			return nil, fmt.Errorf("%w: %w", config.ErrInvalid, err)
		}
		return client, nil
	}
}

func newBridge(fetcher duco.Fetcher, catalog *duco.Catalog, discovery *homeassistant.Discovery, publisher Publisher, baseTopic string, interval time.Duration, reg prometheus.Registerer, logger *slog.Logger) (*Bridge, error) {
	m, err := newMetrics(reg)
	if err != nil {
		return nil, fmt.Errorf("registering metrics: %w", err)
	}

	return &Bridge{
		fetcher:   fetcher,
		catalog:   catalog,
		discovery: discovery,
		states:    NewStatePublisher(baseTopic, catalog),
		publisher: publisher,
		interval:  interval,
		metrics:   m,
		logger:    logger,
		now:       time.Now,
		published: make(PublishedState),
		registry:  make(DiscoveryRegistry),
	}, nil
}

// Run polls the board until ctx is cancelled. Connection changes arrive on events; a Connected
// event forces a full republish and a fresh discovery pass, and triggers a poll right away unless
// the board was polled less than config.MinPollInterval ago. Run may be restarted after a panic;
// the connection state then carries over and is reconciled with the publisher on the next tick.
func (b *Bridge) Run(ctx context.Context, events <-chan mqtt.Event) {
	if b.connection == Disconnected {
		b.setConnection(Connecting)
	}

	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	b.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			b.logger.Info("bridge stopped")
			return
		case e, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			b.handleEvent(e)
			if e.Connected {
				b.onConnect(ctx)
			}
		case <-ticker.C:
			b.tick(ctx)
		}
	}
}

func (b *Bridge) handleEvent(e mqtt.Event) {
	if e.Connected {
		b.logger.Info("broker connected, scheduling full republish")
		b.forceFull = true
		b.rediscover = true
		b.online = nil
		b.setConnection(Connected)
		return
	}

	b.logger.Warn("broker connection lost", "error", e.Err)
	// paho keeps reconnecting on its own.
	b.setConnection(Connecting)
}

// reconcileConnection aligns the connection state with the publisher. paho runs its connect and
// connection lost handlers on separate goroutines, so their events can arrive out of order.
func (b *Bridge) reconcileConnection() {
	connected := b.publisher.IsConnected()

	switch {
	case connected && b.connection != Connected:
		b.logger.Warn("broker connected without a connect event")
		b.handleEvent(mqtt.Event{Connected: true})
	case !connected && b.connection == Connected:
		b.handleEvent(mqtt.Event{Err: mqtt.ErrNotConnected})
	}
}

// onConnect polls right away, or republishes the last snapshot when the board was polled recently
// so a flapping broker cannot push the poll rate past the minimum interval.
func (b *Bridge) onConnect(ctx context.Context) {
	if !b.lastAttempt.IsZero() && b.now().Sub(b.lastAttempt) < config.MinPollInterval {
		if b.lastSnapshot == nil {
			b.logger.Debug("polled recently, waiting for the next tick")
			return
		}

		b.logger.Debug("polled recently, republishing last snapshot")
		b.publish(b.lastSnapshot)
		return
	}

	b.tick(ctx)
}

func (b *Bridge) tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	defer func() {
		if v := recover(); v != nil {
			b.logger.Error("panic during poll", "panic", v)
		}
	}()

	b.reconcileConnection()

	start := b.now()
	b.lastAttempt = start

	snapshot, err := b.poll(ctx)
	if err != nil {
		b.logger.Error("poll failed", "error", err)
		b.lastSnapshot = nil
		b.metrics.pollFailed(failureReason(err))
		b.recordFailure(err)
		b.setAvailability(false)
		return
	}

	b.lastSnapshot = snapshot
	b.metrics.pollSucceeded(snapshot, b.now().Sub(start))
	b.recordSnapshot(snapshot)

	b.publish(snapshot)
}

func (b *Bridge) publish(snapshot *duco.Snapshot) {
	if b.connection != Connected {
		b.logger.Debug("broker not connected, skipping publish")
		return
	}

	b.announce(snapshot)
	b.publishState(snapshot)
	b.setAvailability(true)
}

func (b *Bridge) poll(ctx context.Context) (*duco.Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	raw, err := b.fetcher.FetchNodes(ctx)
	if err != nil {
		return nil, err
	}

	snapshot, err := duco.Parse(raw, b.catalog, time.Now())
	if err != nil {
		return nil, fmt.Errorf("parsing nodes: %w", err)
	}

	boardFetcher, ok := b.fetcher.(duco.BoardFetcher)
	if !ok {
		return snapshot, nil
	}

	raw, err = boardFetcher.FetchBoard(ctx)
	if err == nil {
		var board *duco.Node
		if board, err = duco.ParseBoard(raw, b.catalog); err == nil {
			return snapshot.WithBoard(board), nil
		}
	}

	b.logger.Warn("board info unavailable", "error", err)
	return snapshot, nil
}

func (b *Bridge) announce(snapshot *duco.Snapshot) {
	if !b.discovery.Enabled() {
		b.rediscover = false
		return
	}

	failed := false
	for _, announcement := range b.discovery.Pending(snapshot, b.registry, b.rediscover) {
		announced := 0
		for _, msg := range announcement.Messages {
			err := b.publisher.Publish(msg.Topic, true, msg.Payload)
			b.metrics.published("discovery", err)
			if err != nil {
				b.logger.Warn("discovery publish failed", "topic", msg.Topic, "error", err)
				failed = true
				continue
			}

			if !b.registry.Has(announcement.NodeKey, msg.Measurement) {
				announced++
			}
			b.registry.Add(announcement.NodeKey, msg.Measurement)
		}

		if announced > 0 {
			b.logger.Info("announced node", "node", announcement.NodeKey, "entities", announced)
		}
	}

	if !failed {
		b.rediscover = false
	}
}

func (b *Bridge) publishState(snapshot *duco.Snapshot) {
	if b.forceFull {
		b.published = make(PublishedState)
	}

	updates := b.states.Changes(snapshot, b.published, b.forceFull)

	failed := 0
	for _, u := range updates {
		err := b.publisher.Publish(u.Topic, true, []byte(u.Payload))
		b.metrics.published("state", err)
		if err != nil {
			failed++
			b.logger.Debug("state publish failed", "topic", u.Topic, "error", err)
			continue
		}
		b.published[u.Key] = u.Payload
	}

	if failed > 0 {
		b.logger.Warn("state publish incomplete", "failed", failed, "total", len(updates))
		return
	}

	if b.forceFull {
		b.logger.Info("published full state", "updates", len(updates))
	} else if len(updates) > 0 {
		b.logger.Debug("published changes", "updates", len(updates))
	}
	b.forceFull = false
}

// setAvailability publishes the availability marker when it changed since the last connect.
func (b *Bridge) setAvailability(online bool) {
	if b.connection != Connected {
		return
	}
	if b.online != nil && *b.online == online {
		return
	}

	err := b.publisher.PublishAvailability(online)
	b.metrics.published("availability", err)
	if err != nil {
		b.logger.Warn("availability publish failed", "online", online, "error", err)
		return
	}

	b.online = &online
}

func (b *Bridge) setConnection(state ConnectionState) {
	b.connection = state
	b.metrics.setConnected(state == Connected)

	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.status.Connection = state
}

func (b *Bridge) recordSnapshot(snapshot *duco.Snapshot) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.status.Snapshot = snapshot
	b.status.LastPoll = snapshot.FetchedAt()
	b.status.LastError = ""
}

func (b *Bridge) recordFailure(err error) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.status.LastError = err.Error()
}

// Status returns the current connection state and the last snapshot. Safe for concurrent use.
func (b *Bridge) Status() Status {
	b.mutex.RLock()
	defer b.mutex.RUnlock()
	return b.status
}

func failureReason(err error) string {
	var fetchErr *duco.FetchError
	switch {
	case errors.As(err, &fetchErr):
		return fetchErr.Reason()
	case errors.Is(err, duco.ErrMalformed), errors.Is(err, duco.ErrDuplicateID):
		return "parse"
	default:
		return "unknown"
	}
}
