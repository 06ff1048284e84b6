// Package daemon wires the trellisd node together: storage, circuit state,
// the network layer with its authorization handshake, the message dispatch
// loop, and the journal services hosted on this node's circuits.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/trellisnet/trellisd/internal/circuit"
	"github.com/trellisnet/trellisd/internal/circuit/handlers"
	"github.com/trellisnet/trellisd/internal/config"
	"github.com/trellisnet/trellisd/internal/network"
	"github.com/trellisnet/trellisd/internal/network/auth"
	"github.com/trellisnet/trellisd/internal/network/dispatch"
	"github.com/trellisnet/trellisd/internal/protocol"
	"github.com/trellisnet/trellisd/internal/service"
	"github.com/trellisnet/trellisd/internal/service/journal"
	"github.com/trellisnet/trellisd/internal/storage"
	"github.com/trellisnet/trellisd/internal/transport"
)

// Daemon is one running trellisd node.
type Daemon struct {
	logger *zap.Logger
	cfg    *config.Config

	store   storage.Store
	state   *circuit.State
	network *network.Network

	authDispatcher    *dispatch.Dispatcher[protocol.AuthorizationMessageType]
	circuitDispatcher *dispatch.Dispatcher[protocol.CircuitMessageType]

	svcMu      sync.Mutex
	registries map[string]*service.CircuitRegistry
	services   []service.Service
}

// New constructs a daemon from a validated configuration.
func New(logger *zap.Logger, cfg *config.Config) *Daemon {
	return &Daemon{
		logger:     logger,
		cfg:        cfg,
		network:    network.NewNetwork(logger),
		registries: make(map[string]*service.CircuitRegistry),
	}
}

// AuthorizedPeers returns the node ids of peers that completed the trust
// handshake.
func (d *Daemon) AuthorizedPeers() []string {
	var peers []string
	for _, peerID := range d.network.PeerIDs() {
		if !strings.HasPrefix(peerID, "temp-") {
			peers = append(peers, peerID)
		}
	}
	return peers
}

// JournalService returns the named journal service hosted by this daemon.
func (d *Daemon) JournalService(serviceID string) (*journal.Service, bool) {
	d.svcMu.Lock()
	defer d.svcMu.Unlock()
	for _, svc := range d.services {
		if svc.ServiceID() == serviceID {
			journalSvc, ok := svc.(*journal.Service)
			return journalSvc, ok
		}
	}
	return nil, false
}

// Run starts the node and blocks until the context is canceled or a fatal
// error occurs. Shutdown on cancellation is graceful: services stop, the
// listener closes, and the network drains its receive loops.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.openStorage(); err != nil {
		return err
	}
	defer func() {
		if err := d.store.Close(); err != nil {
			d.logger.Warn("failed to close storage", zap.Error(err))
		}
	}()

	if err := d.loadCircuits(); err != nil {
		return err
	}

	authManager := auth.NewManager(d.logger, d.cfg.Node.ID, d.network)

	sender := &localSender{logger: d.logger, network: d.network, daemon: d}

	d.authDispatcher = dispatch.New[protocol.AuthorizationMessageType](d.logger, d.network)
	auth.RegisterHandlers(d.authDispatcher, d.logger, authManager, d.network, d.cfg.Network.Endpoint)

	router := handlers.NewRouter(d.logger, d.cfg.Node.ID, d.state)
	d.circuitDispatcher = dispatch.New[protocol.CircuitMessageType](d.logger, sender)
	handlers.RegisterHandlers(d.circuitDispatcher, d.logger, router, d.state)

	if err := d.startServices(sender); err != nil {
		return err
	}
	defer d.stopServices()

	tcp := &transport.TCPTransport{ConnectTimeout: d.cfg.ConnectTimeout()}
	listener, err := tcp.Listen(d.cfg.Network.Endpoint)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", d.cfg.Network.Endpoint, err)
	}
	d.logger.Info("listening",
		zap.String("endpoint", listener.Endpoint()),
		zap.String("node_id", d.cfg.Node.ID))

	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		<-ctx.Done()
		_ = listener.Close()
		d.network.Shutdown()
		return ctx.Err()
	})

	group.Go(func() error {
		return d.acceptLoop(listener)
	})

	group.Go(func() error {
		return d.dispatchLoop()
	})

	if interval := d.cfg.HeartbeatInterval(); interval > 0 {
		group.Go(func() error {
			return d.heartbeatLoop(ctx, interval)
		})
	}

	d.connectInitialPeers(tcp)

	err = group.Wait()
	if errors.Is(err, context.Canceled) {
		d.logger.Info("shut down")
		return nil
	}
	return err
}

func (d *Daemon) openStorage() error {
	store, err := storage.Open(d.cfg.Storage.Backend, storage.Config{Path: d.cfg.Storage.Path})
	if err != nil {
		return fmt.Errorf("failed to open storage backend %s: %w", d.cfg.Storage.Backend, err)
	}
	if size := d.cfg.Storage.CacheSize; size > 0 {
		cached, err := storage.NewCachedStore(store, size)
		if err != nil {
			_ = store.Close()
			return err
		}
		d.store = cached
	} else {
		d.store = store
	}
	return nil
}

// loadCircuits seeds the circuit directory from the circuits file. Circuits
// already persisted under the same id are overwritten with the configured
// definition.
func (d *Daemon) loadCircuits() error {
	state, err := circuit.NewState(d.logger, storage.NewPrefixStore(d.store, "directory/"))
	if err != nil {
		return fmt.Errorf("failed to load circuit state: %w", err)
	}
	d.state = state

	for _, cfg := range d.cfg.Circuits {
		c := circuit.Circuit{ID: cfg.ID}
		for _, member := range cfg.Members {
			c.Members = append(c.Members, member.ID)
			if err := state.SetNode(circuit.Node{ID: member.ID, Endpoints: member.Endpoints}); err != nil {
				return fmt.Errorf("failed to store node %s: %w", member.ID, err)
			}
		}
		for _, svc := range cfg.Roster {
			c.Roster = append(c.Roster, circuit.Service{
				ServiceID:    svc.ServiceID,
				AllowedNodes: svc.AllowedNodes,
			})
		}
		if err := state.SetCircuit(c); err != nil {
			return fmt.Errorf("failed to store circuit %s: %w", cfg.ID, err)
		}
	}
	return nil
}

// startServices creates a registry per local circuit and starts a journal
// service for every roster entry allowed on this node.
func (d *Daemon) startServices(sender dispatch.Sender) error {
	for _, circuitCfg := range d.cfg.LocalCircuits() {
		registry := service.NewCircuitRegistry(d.logger, circuitCfg.ID, d.state, sender)
		d.svcMu.Lock()
		d.registries[circuitCfg.ID] = registry
		d.svcMu.Unlock()

		for _, svcCfg := range circuitCfg.Roster {
			if svcCfg.ServiceType != journal.ServiceType {
				d.logger.Warn("unsupported service type, skipping",
					zap.String("service_id", svcCfg.ServiceID),
					zap.String("service_type", svcCfg.ServiceType))
				continue
			}
			if !allowsNode(svcCfg.AllowedNodes, d.cfg.Node.ID) {
				continue
			}

			peers := journalPeers(circuitCfg, svcCfg.ServiceID)
			store := storage.NewPrefixStore(d.store,
				"service/"+circuitCfg.ID+"/"+svcCfg.ServiceID+"/")
			svc, err := journal.NewService(d.logger, svcCfg.ServiceID, peers, store)
			if err != nil {
				return fmt.Errorf("failed to create journal service %s: %w", svcCfg.ServiceID, err)
			}
			svc.SetCoordinatorTimeout(d.cfg.CoordinatorTimeout())
			if err := svc.Start(registry); err != nil {
				return fmt.Errorf("failed to start journal service %s: %w", svcCfg.ServiceID, err)
			}
			d.svcMu.Lock()
			d.services = append(d.services, svc)
			d.svcMu.Unlock()
		}
	}
	return nil
}

func (d *Daemon) stopServices() {
	d.svcMu.Lock()
	services := d.services
	d.services = nil
	d.svcMu.Unlock()

	for _, svc := range services {
		registry := d.registryHosting(svc.ServiceID())
		if registry == nil {
			continue
		}
		if err := svc.Stop(registry); err != nil {
			d.logger.Warn("failed to stop service",
				zap.String("service_id", svc.ServiceID()), zap.Error(err))
		}
	}
}

func (d *Daemon) registryHosting(serviceID string) *service.CircuitRegistry {
	d.svcMu.Lock()
	defer d.svcMu.Unlock()
	for _, registry := range d.registries {
		if registry.Hosts(serviceID) {
			return registry
		}
	}
	return nil
}

func (d *Daemon) acceptLoop(listener transport.Listener) error {
	for {
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, transport.ErrListenerClosed) {
				return nil
			}
			return fmt.Errorf("accept failed: %w", err)
		}
		if _, err := d.network.AddConnection(conn); err != nil {
			d.logger.Warn("failed to register inbound connection", zap.Error(err))
			_ = conn.Close()
		}
	}
}

// dispatchLoop drains the network's receive channel, peeling the outer
// envelope and handing the payload to the matching dispatcher. Handler
// failures are logged, never fatal.
func (d *Daemon) dispatchLoop() error {
	for {
		message, err := d.network.Recv()
		if err != nil {
			if errors.Is(err, network.ErrNetworkShutdown) {
				return nil
			}
			return err
		}

		var envelope protocol.NetworkMessage
		if err := protocol.Unmarshal(message.Payload, &envelope); err != nil {
			d.logger.Warn("undecodable message, dropping",
				zap.String("peer_id", message.PeerID), zap.Error(err))
			continue
		}

		if err := d.dispatchEnvelope(message.PeerID, envelope); err != nil {
			d.logger.Warn("message handling failed",
				zap.String("peer_id", message.PeerID),
				zap.Stringer("message_type", envelope.MessageType),
				zap.Error(err))
		}
	}
}

func (d *Daemon) dispatchEnvelope(peerID string, envelope protocol.NetworkMessage) error {
	switch envelope.MessageType {
	case protocol.NetworkAuthorization:
		var authMessage protocol.AuthorizationMessage
		if err := protocol.Unmarshal(envelope.Payload, &authMessage); err != nil {
			return err
		}
		return d.authDispatcher.Dispatch(authMessage.MessageType, dispatch.MessageContext{
			SourcePeerID: peerID,
			Payload:      authMessage.Payload,
		})

	case protocol.NetworkCircuit:
		var circuitMessage protocol.CircuitMessage
		if err := protocol.Unmarshal(envelope.Payload, &circuitMessage); err != nil {
			return err
		}
		return d.circuitDispatcher.Dispatch(circuitMessage.MessageType, dispatch.MessageContext{
			SourcePeerID: peerID,
			Payload:      circuitMessage.Payload,
		})

	case protocol.NetworkHeartbeat:
		d.logger.Debug("heartbeat", zap.String("peer_id", peerID))
		return nil

	default:
		d.logger.Warn("unknown network message type, dropping",
			zap.String("peer_id", peerID),
			zap.Uint16("message_type", uint16(envelope.MessageType)))
		return nil
	}
}

func (d *Daemon) heartbeatLoop(ctx context.Context, interval time.Duration) error {
	payload, err := protocol.Marshal(&protocol.NetworkMessage{
		MessageType: protocol.NetworkHeartbeat,
	})
	if err != nil {
		return err
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			for _, peerID := range d.network.PeerIDs() {
				if err := d.network.SendTo(peerID, payload); err != nil {
					d.logger.Debug("heartbeat send failed",
						zap.String("peer_id", peerID), zap.Error(err))
				}
			}
		}
	}
}

// connectInitialPeers dials the configured peers and opens the trust
// handshake on each. Failures are logged; the peer may come up later and
// dial us instead.
func (d *Daemon) connectInitialPeers(tcp *transport.TCPTransport) {
	for _, endpoint := range d.cfg.Network.Peers {
		conn, err := tcp.Connect(endpoint)
		if err != nil {
			d.logger.Warn("failed to connect to peer",
				zap.String("endpoint", endpoint), zap.Error(err))
			continue
		}
		peerID, err := d.network.AddConnection(conn)
		if err != nil {
			d.logger.Warn("failed to register peer connection",
				zap.String("endpoint", endpoint), zap.Error(err))
			_ = conn.Close()
			continue
		}
		if err := auth.SendConnectRequest(d.network, peerID, d.cfg.Network.Endpoint); err != nil {
			d.logger.Warn("failed to start handshake",
				zap.String("endpoint", endpoint), zap.Error(err))
		}
	}
}

func allowsNode(allowedNodes []string, nodeID string) bool {
	for _, node := range allowedNodes {
		if node == nodeID {
			return true
		}
	}
	return false
}

// journalPeers returns the other journal service ids on the circuit.
func journalPeers(circuitCfg config.CircuitConfig, selfID string) []string {
	var peers []string
	for _, svc := range circuitCfg.Roster {
		if svc.ServiceType == journal.ServiceType && svc.ServiceID != selfID {
			peers = append(peers, svc.ServiceID)
		}
	}
	return peers
}

// localSender routes router output: payloads addressed to a service hosted
// in process are unwrapped and delivered directly, everything else goes to
// the network.
type localSender struct {
	logger  *zap.Logger
	network *network.Network
	daemon  *Daemon
}

func (s *localSender) SendTo(id string, payload []byte) error {
	registry := s.daemon.registryHosting(id)
	if registry == nil {
		return s.network.SendTo(id, payload)
	}

	var envelope protocol.NetworkMessage
	if err := protocol.Unmarshal(payload, &envelope); err != nil {
		return err
	}
	if envelope.MessageType != protocol.NetworkCircuit {
		return fmt.Errorf("cannot deliver %s message to local service %s",
			envelope.MessageType, id)
	}
	var circuitMessage protocol.CircuitMessage
	if err := protocol.Unmarshal(envelope.Payload, &circuitMessage); err != nil {
		return err
	}

	switch circuitMessage.MessageType {
	case protocol.CircuitDirectMessageType:
		var direct protocol.CircuitDirectMessage
		if err := protocol.Unmarshal(circuitMessage.Payload, &direct); err != nil {
			return err
		}
		return registry.Deliver(direct)

	case protocol.CircuitErrorMessageType:
		var circuitError protocol.CircuitError
		if err := protocol.Unmarshal(circuitMessage.Payload, &circuitError); err != nil {
			return err
		}
		s.logger.Warn("circuit error delivered to local service",
			zap.String("service_id", id),
			zap.String("circuit", circuitError.CircuitName),
			zap.String("error_message", circuitError.ErrorMessage))
		return nil

	default:
		s.logger.Warn("unroutable circuit message for local service",
			zap.String("service_id", id),
			zap.Stringer("message_type", circuitMessage.MessageType))
		return nil
	}
}
