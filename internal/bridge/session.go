package bridge

import (
	"context"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/zitters/agent-market/internal/filter"
)

// frameConn is the socket side of a session.
type frameConn interface {
	Write(ctx context.Context, data []byte) error
	Close(reason string) error
}

type wsConn struct {
	conn *websocket.Conn
}

func (c wsConn) Write(ctx context.Context, data []byte) error {
	return c.conn.Write(ctx, websocket.MessageText, data)
}

func (c wsConn) Close(reason string) error {
	return c.conn.Close(websocket.StatusNormalClosure, reason)
}

// channelSet is an insertion-ordered set of channel names.
type channelSet struct {
	order []string
	index map[string]struct{}
}

func newChannelSet() *channelSet {
	return &channelSet{index: make(map[string]struct{})}
}

func (cs *channelSet) add(ch string) {
	if _, ok := cs.index[ch]; ok {
		return
	}
	cs.index[ch] = struct{}{}
	cs.order = append(cs.order, ch)
}

func (cs *channelSet) remove(ch string) {
	if _, ok := cs.index[ch]; !ok {
		return
	}
	delete(cs.index, ch)
	for i, existing := range cs.order {
		if existing == ch {
			cs.order = append(cs.order[:i], cs.order[i+1:]...)
			break
		}
	}
}

func (cs *channelSet) has(ch string) bool {
	_, ok := cs.index[ch]
	return ok
}

func (cs *channelSet) list() []string {
	return append(make([]string, 0, len(cs.order)), cs.order...)
}

// Session is the bridge's state for one connected client. Its fields are
// changed only by that client's own frames; the router reads them under mu.
type Session struct {
	ID         string
	RemoteAddr string

	conn         frameConn
	requiresAuth bool
	limiter      *TokenBucket

	mu       sync.Mutex
	authed   bool
	filter   filter.Filter
	channels *channelSet // nil: every channel

	out       chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newSession(id string, conn frameConn, requiresAuth bool, defaultFilter filter.Filter, queue int) *Session {
	return &Session{
		ID:           id,
		conn:         conn,
		requiresAuth: requiresAuth,
		authed:       !requiresAuth,
		filter:       defaultFilter,
		out:          make(chan []byte, queue),
		done:         make(chan struct{}),
	}
}

// Ready reports whether the session may receive sidechannel traffic and
// issue commands: no token is configured, or the client authenticated.
func (s *Session) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authed
}

// Filter returns the session's active content filter.
func (s *Session) Filter() filter.Filter {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.filter
}

// Channels returns the subscribed channels, or nil when the session
// receives every channel.
func (s *Session) Channels() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.channels == nil {
		return nil
	}
	return s.channels.list()
}

func (s *Session) authenticate() {
	s.mu.Lock()
	s.authed = true
	s.mu.Unlock()
}

func (s *Session) setFilter(f filter.Filter) {
	s.mu.Lock()
	s.filter = f
	s.mu.Unlock()
}

func (s *Session) subscribe(channels []string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.channels == nil {
		s.channels = newChannelSet()
	}
	for _, ch := range channels {
		s.channels.add(ch)
	}
	return s.channels.list()
}

func (s *Session) unsubscribe(channels []string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.channels == nil {
		s.channels = newChannelSet()
	}
	for _, ch := range channels {
		s.channels.remove(ch)
	}
	return s.channels.list()
}

// accepts decides whether an event on channel with the given text should be
// delivered to this session.
func (s *Session) accepts(channel, text string, filterApplies bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.authed {
		return false
	}
	if s.channels != nil && len(s.channels.order) > 0 && !s.channels.has(channel) {
		return false
	}
	if !filterApplies {
		return true
	}
	return s.filter.Matches(text)
}

// enqueue hands a serialized frame to the writer. It never blocks; false
// means the session is closed or its queue is full.
func (s *Session) enqueue(frame []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.out <- frame:
		return true
	default:
		return false
	}
}

// writeLoop drains the outbound queue until the session closes. Write
// failures are reported to onError and otherwise ignored.
func (s *Session) writeLoop(timeout time.Duration, onError func(error)) {
	for {
		select {
		case <-s.done:
			return
		case frame := <-s.out:
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			err := s.conn.Write(ctx, frame)
			cancel()
			if err != nil && onError != nil {
				onError(err)
			}
		}
	}
}

// close stops the writer and closes the socket in the background.
func (s *Session) close(reason string) {
	s.closeOnce.Do(func() {
		close(s.done)
		go func() { _ = s.conn.Close(reason) }()
	})
}

// closed reports whether close has been called.
func (s *Session) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}
