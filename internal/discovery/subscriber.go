package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/ChuLiYu/fractalpool/pkg/types"
)

// Membership is the registry surface fed by announcements.
type Membership interface {
	Register(elem types.PoolElement)
	Heartbeat(id types.ElementID, load float64) bool
	Remove(id types.ElementID)
}

// Subscriber feeds a pool's announcements into a registry.
type Subscriber struct {
	nc      *nats.Conn
	handle  string
	members Membership
	logger  *zap.Logger

	mu     sync.Mutex
	nonces map[types.ElementID]string
}

// NewSubscriber creates a subscriber for one pool handle.
func NewSubscriber(nc *nats.Conn, handle string, members Membership, logger *zap.Logger) (*Subscriber, error) {
	if err := ValidateHandle(handle); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Subscriber{
		nc:      nc,
		handle:  handle,
		members: members,
		logger:  logger.Named("discovery").With(zap.String("pool", handle)),
		nonces:  make(map[types.ElementID]string),
	}, nil
}

// Run subscribes until ctx is done. The subscriptions are live once the
// server confirmed them, before Run blocks.
func (s *Subscriber) Run(ctx context.Context) error {
	announce, err := s.nc.Subscribe(AnnounceSubject(s.handle), s.handleAnnounce)
	if err != nil {
		return fmt.Errorf("subscribe announcements: %w", err)
	}
	defer announce.Unsubscribe()

	withdraw, err := s.nc.Subscribe(WithdrawSubject(s.handle), s.handleWithdraw)
	if err != nil {
		return fmt.Errorf("subscribe withdrawals: %w", err)
	}
	defer withdraw.Unsubscribe()

	if err := s.nc.Flush(); err != nil {
		return fmt.Errorf("flush subscriptions: %w", err)
	}
	s.logger.Info("watching pool")

	<-ctx.Done()
	return nil
}

func (s *Subscriber) decode(msg *nats.Msg) (Announcement, bool) {
	var ann Announcement
	if err := json.Unmarshal(msg.Data, &ann); err != nil {
		s.logger.Warn("malformed announcement", zap.String("subject", msg.Subject), zap.Error(err))
		return ann, false
	}
	if ann.ID == types.NoElement || ann.Address == "" {
		s.logger.Warn("incomplete announcement", zap.Stringer("element", ann.ID), zap.String("address", ann.Address))
		return ann, false
	}
	return ann, true
}

func (s *Subscriber) handleAnnounce(msg *nats.Msg) {
	ann, ok := s.decode(msg)
	if !ok {
		return
	}

	s.mu.Lock()
	known := s.nonces[ann.ID]
	s.nonces[ann.ID] = ann.Nonce
	s.mu.Unlock()

	// a new nonce is a restarted element; re-register so its address refreshes
	if known == ann.Nonce && s.members.Heartbeat(ann.ID, ann.Load) {
		return
	}
	s.members.Register(types.PoolElement{
		ID:      ann.ID,
		Address: ann.Address,
		Load:    ann.Load,
	})
	s.logger.Debug("element announced",
		zap.Stringer("element", ann.ID),
		zap.String("address", ann.Address),
		zap.Float64("cpu", ann.CPU))
}

func (s *Subscriber) handleWithdraw(msg *nats.Msg) {
	ann, ok := s.decode(msg)
	if !ok {
		return
	}

	s.mu.Lock()
	current, known := s.nonces[ann.ID]
	if known && current != ann.Nonce {
		// withdrawal of an older incarnation
		s.mu.Unlock()
		return
	}
	delete(s.nonces, ann.ID)
	s.mu.Unlock()

	s.members.Remove(ann.ID)
}
