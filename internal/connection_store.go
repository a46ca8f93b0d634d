package internal

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/sessamekesh/spanreed-session/pkg/clock"
	"github.com/sessamekesh/spanreed-session/pkg/connection"
	"github.com/sessamekesh/spanreed-session/pkg/entity"
	"github.com/sessamekesh/spanreed-session/pkg/timestamp"
)

type DuplicatePeerError struct {
	Addr string
}

func (e *DuplicatePeerError) Error() string {
	return fmt.Sprintf("Attempted to create session with duplicate peer %s", e.Addr)
}

type MissingPeerError struct {
	Addr string
}

func (e *MissingPeerError) Error() string {
	return fmt.Sprintf("Missing session for peer %s", e.Addr)
}

type TooManyClientsError struct{}

func (e *TooManyClientsError) Error() string {
	return "Too many clients are connected - cannot create new client"
}

// PeerSession is everything the server keeps about one remote host. Only the
// goroutine that owns the store's server may touch Connection or EntityKeys.
type PeerSession struct {
	Id        uint32
	SessionId uuid.UUID
	Addr      string

	Connection         *connection.Connection
	HandshakeTimestamp timestamp.Timestamp
	CreatedTime        clock.Instant

	// Set while the connect request waits on an application verdict.
	VerdictPending bool

	EntityKeys map[entity.Key]struct{}
}

type ConnectionStore struct {
	MaxConnections int

	nextClientId atomic.Uint32

	mut_sessions sync.RWMutex
	sessions     map[string]*PeerSession
}

func CreateConnectionStore(maxConnections int) *ConnectionStore {
	return &ConnectionStore{
		MaxConnections: maxConnections,
		nextClientId:   atomic.Uint32{},
		mut_sessions:   sync.RWMutex{},
		sessions:       make(map[string]*PeerSession),
	}
}

func (store *ConnectionStore) Get(addr string) (*PeerSession, bool) {
	store.mut_sessions.RLock()
	defer store.mut_sessions.RUnlock()

	session, has := store.sessions[addr]
	return session, has
}

func (store *ConnectionStore) Create(addr string, conn *connection.Connection, handshake timestamp.Timestamp) (*PeerSession, error) {
	store.mut_sessions.Lock()
	defer store.mut_sessions.Unlock()

	if _, has := store.sessions[addr]; has {
		return nil, &DuplicatePeerError{Addr: addr}
	}

	if len(store.sessions) >= store.MaxConnections {
		return nil, &TooManyClientsError{}
	}

	session := &PeerSession{
		Id:                 store.nextClientId.Add(1),
		SessionId:          uuid.New(),
		Addr:               addr,
		Connection:         conn,
		HandshakeTimestamp: handshake,
		CreatedTime:        conn.CreatedTime(),
		EntityKeys:         make(map[entity.Key]struct{}),
	}
	store.sessions[addr] = session

	return session, nil
}

func (store *ConnectionStore) Remove(addr string) {
	store.mut_sessions.Lock()
	defer store.mut_sessions.Unlock()
	delete(store.sessions, addr)
}

func (store *ConnectionStore) Len() int {
	store.mut_sessions.RLock()
	defer store.mut_sessions.RUnlock()
	return len(store.sessions)
}

// Sessions returns every session ordered by address.
func (store *ConnectionStore) Sessions() []*PeerSession {
	store.mut_sessions.RLock()
	defer store.mut_sessions.RUnlock()

	sessions := make([]*PeerSession, 0, len(store.sessions))
	for _, session := range store.sessions {
		sessions = append(sessions, session)
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].Addr < sessions[j].Addr
	})
	return sessions
}

func (store *ConnectionStore) CountByState() map[connection.State]int {
	store.mut_sessions.RLock()
	defer store.mut_sessions.RUnlock()

	counts := map[connection.State]int{
		connection.State_Connecting:   0,
		connection.State_Connected:    0,
		connection.State_Disconnected: 0,
	}
	for _, session := range store.sessions {
		counts[session.Connection.State()]++
	}
	return counts
}

// GetAuthTimeoutList lists peers still connecting that were created before
// connectDeadline.
func (store *ConnectionStore) GetAuthTimeoutList(connectDeadline clock.Instant) []string {
	store.mut_sessions.RLock()
	defer store.mut_sessions.RUnlock()

	peersToKick := []string{}
	for addr, session := range store.sessions {
		if session.Connection.State() == connection.State_Connecting && session.CreatedTime.Before(connectDeadline) {
			peersToKick = append(peersToKick, addr)
		}
	}
	sort.Strings(peersToKick)

	return peersToKick
}
