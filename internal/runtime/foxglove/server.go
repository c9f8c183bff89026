package foxglove

import (
	"context"
	"errors"
	"net"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	errspkg "github.com/drblury/foxbridge/internal/runtime/errors"
	"github.com/drblury/foxbridge/internal/runtime/ids"
	"github.com/drblury/foxbridge/internal/runtime/logging"
)

const (
	defaultServerName = "foxbridge"
	defaultQueueSize  = 256
	shutdownTimeout   = 5 * time.Second
)

// Options tune a Server. Zero values fall back to defaults.
type Options struct {
	Name string
	// QueueSize bounds the binary frame queue of each viewer.
	QueueSize int
	// Metadata is reported to viewers in serverInfo.
	Metadata map[string]string
	// OnClientsChanged is called with the viewer count after every
	// connect and disconnect.
	OnClientsChanged func(count int)
	// OnFrameDropped is called when a viewer misses a message on topic.
	OnFrameDropped func(topic string)
}

// ChannelSummary is a read-only view of an advertised channel.
type ChannelSummary struct {
	ID          uint32 `json:"id"`
	Topic       string `json:"topic"`
	Encoding    string `json:"encoding"`
	SchemaName  string `json:"schema_name"`
	Latched     bool   `json:"latched"`
	Subscribers int    `json:"subscribers"`
}

// Server is a Foxglove WebSocket server. Channels are registered with
// CreateChannel and live as long as the server.
type Server struct {
	opts      Options
	logger    logging.ServiceLogger
	sessionID string
	upgrader  websocket.Upgrader
	closed    atomic.Bool

	mu       sync.RWMutex
	nextID   uint32
	channels []*Channel
	byID     map[uint32]*Channel
	byTopic  map[string]*Channel
	clients  map[*client]struct{}
}

// NewServer constructs a server. It does not listen; use Serve or mount the
// server as an http.Handler.
func NewServer(log logging.ServiceLogger, opts Options) *Server {
	if log == nil {
		panic("foxbridge: foxglove server requires a logger")
	}
	if opts.Name == "" {
		opts.Name = defaultServerName
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	return &Server{
		opts:      opts,
		logger:    log.With(logging.LogFields{"component": "foxglove"}),
		sessionID: ids.CreateULID(),
		upgrader: websocket.Upgrader{
			Subprotocols: []string{Subprotocol},
			CheckOrigin:  func(_ *http.Request) bool { return true },
		},
		byID:    make(map[uint32]*Channel),
		byTopic: make(map[string]*Channel),
		clients: make(map[*client]struct{}),
	}
}

// SessionID identifies this server run. It changes on every start so viewers
// can tell a restarted bridge from a reconnect.
func (s *Server) SessionID() string { return s.sessionID }

// CreateChannel registers and advertises a channel. A topic can be
// registered only once.
func (s *Server) CreateChannel(spec ChannelSpec) (*Channel, error) {
	if spec.Topic == "" {
		return nil, errspkg.ErrTopicRequired
	}
	if s.isClosed() {
		return nil, errspkg.ErrServerClosed
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byTopic[spec.Topic]; exists {
		return nil, errspkg.ErrChannelExists
	}
	s.nextID++
	ch := newChannel(s.nextID, spec, s)
	s.channels = append(s.channels, ch)
	s.byID[ch.id] = ch
	s.byTopic[spec.Topic] = ch

	msg := advertise{Op: opAdvertise, Channels: []channelInfo{ch.info()}}
	for cl := range s.clients {
		cl.sendControl(msg)
	}
	s.logger.Info("Channel advertised", logging.LogFields{
		"topic":      spec.Topic,
		"channel_id": ch.id,
		"encoding":   spec.Encoding,
		"schema":     spec.SchemaName,
		"latched":    spec.Latched,
	})
	return ch, nil
}

// Channels lists the registered channels in creation order.
func (s *Server) Channels() []ChannelSummary {
	s.mu.RLock()
	channels := slices.Clone(s.channels)
	s.mu.RUnlock()

	out := make([]ChannelSummary, 0, len(channels))
	for _, ch := range channels {
		out = append(out, ChannelSummary{
			ID:          ch.id,
			Topic:       ch.spec.Topic,
			Encoding:    ch.spec.Encoding,
			SchemaName:  ch.spec.SchemaName,
			Latched:     ch.spec.Latched,
			Subscribers: ch.subscriberCount(),
		})
	}
	return out
}

// ClientCount returns the number of connected viewers.
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// ServeHTTP upgrades the request to a Foxglove WebSocket session.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.isClosed() {
		http.Error(w, errspkg.ErrServerClosed.Error(), http.StatusServiceUnavailable)
		return
	}
	if !slices.Contains(websocket.Subprotocols(r), Subprotocol) {
		http.Error(w, "subprotocol "+Subprotocol+" required", http.StatusBadRequest)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("WebSocket upgrade failed", err, logging.LogFields{"remote_addr": r.RemoteAddr})
		return
	}

	cl := newClient(ids.CreateULID(), conn, s, s.opts.QueueSize)
	count := s.addClient(cl)
	s.logger.Info("Viewer connected", logging.LogFields{"viewer": cl.id, "remote_addr": r.RemoteAddr})
	s.clientsChanged(count)

	go cl.writeLoop()
	cl.readLoop()
}

// Serve listens on addr until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.ServeListener(ctx, ln)
}

// ServeListener serves viewers on ln until ctx is cancelled, then closes the
// server and every viewer connection.
func (s *Server) ServeListener(ctx context.Context, ln net.Listener) error {
	httpServer := &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		s.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	s.logger.Info("Foxglove server listening", logging.LogFields{"address": ln.Addr().String(), "session_id": s.sessionID})
	if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Close disconnects every viewer. Sends and channel creation fail afterwards.
func (s *Server) Close() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	s.mu.RLock()
	clients := make([]*client, 0, len(s.clients))
	for cl := range s.clients {
		clients = append(clients, cl)
	}
	s.mu.RUnlock()
	for _, cl := range clients {
		cl.close()
	}
}

func (s *Server) isClosed() bool {
	return s.closed.Load()
}

func (s *Server) channel(id uint32) *Channel {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.byID[id]
}

func (s *Server) addClient(cl *client) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[cl] = struct{}{}

	cl.sendControl(serverInfo{
		Op:           opServerInfo,
		Name:         s.opts.Name,
		Capabilities: []string{},
		Metadata:     s.opts.Metadata,
		SessionID:    s.sessionID,
	})
	if len(s.channels) > 0 {
		infos := make([]channelInfo, 0, len(s.channels))
		for _, ch := range s.channels {
			infos = append(infos, ch.info())
		}
		cl.sendControl(advertise{Op: opAdvertise, Channels: infos})
	}
	return len(s.clients)
}

func (s *Server) removeClient(cl *client) {
	s.mu.Lock()
	_, ok := s.clients[cl]
	delete(s.clients, cl)
	count := len(s.clients)
	s.mu.Unlock()
	if !ok {
		return
	}
	s.logger.Info("Viewer disconnected", logging.LogFields{"viewer": cl.id, "dropped_frames": cl.dropped.Load()})
	s.clientsChanged(count)
}

func (s *Server) clientsChanged(count int) {
	if s.opts.OnClientsChanged != nil {
		s.opts.OnClientsChanged(count)
	}
}

func (s *Server) frameDropped(topic string) {
	if s.opts.OnFrameDropped != nil {
		s.opts.OnFrameDropped(topic)
	}
}
