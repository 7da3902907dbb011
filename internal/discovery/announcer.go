package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/shirou/gopsutil/v3/cpu"
	"go.uber.org/zap"

	"github.com/ChuLiYu/fractalpool/pkg/types"
)

// DefaultAnnounceInterval is how often an element renews its membership.
const DefaultAnnounceInterval = 2 * time.Second

// AnnouncerConfig describes the element being announced.
type AnnouncerConfig struct {
	Handle   string
	ID       types.ElementID
	Address  string
	Interval time.Duration
	// Load reports the element's own session load. Optional.
	Load func() float64
	// CPU reports host CPU utilisation in percent. Defaults to gopsutil.
	CPU func() (float64, error)
}

// Announcer keeps one pool element registered in a pool.
type Announcer struct {
	nc     *nats.Conn
	cfg    AnnouncerConfig
	nonce  string
	logger *zap.Logger
}

// NewAnnouncer creates an announcer for one element.
func NewAnnouncer(nc *nats.Conn, cfg AnnouncerConfig, logger *zap.Logger) (*Announcer, error) {
	if err := ValidateHandle(cfg.Handle); err != nil {
		return nil, err
	}
	if cfg.ID == types.NoElement {
		return nil, fmt.Errorf("announce element: identifier %s is undefined", cfg.ID)
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultAnnounceInterval
	}
	if cfg.CPU == nil {
		cfg.CPU = hostCPU
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Announcer{
		nc:     nc,
		cfg:    cfg,
		nonce:  uuid.NewString(),
		logger: logger.Named("announcer").With(zap.Stringer("element", cfg.ID), zap.String("pool", cfg.Handle)),
	}, nil
}

// hostCPU returns the CPU utilisation since the previous call.
func hostCPU() (float64, error) {
	percent, err := cpu.Percent(0, false)
	if err != nil {
		return 0, err
	}
	if len(percent) == 0 {
		return 0, nil
	}
	return percent[0], nil
}

// Run announces the element until ctx is done, then withdraws it.
func (a *Announcer) Run(ctx context.Context) error {
	if err := a.publish(AnnounceSubject(a.cfg.Handle)); err != nil {
		return err
	}
	a.logger.Info("joined pool", zap.String("address", a.cfg.Address))

	ticker := time.NewTicker(a.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if err := a.publish(WithdrawSubject(a.cfg.Handle)); err != nil {
				return err
			}
			if err := a.nc.Flush(); err != nil {
				return fmt.Errorf("flush withdrawal: %w", err)
			}
			a.logger.Info("left pool")
			return nil
		case <-ticker.C:
			if err := a.publish(AnnounceSubject(a.cfg.Handle)); err != nil {
				a.logger.Warn("announcement failed", zap.Error(err))
			}
		}
	}
}

func (a *Announcer) announcement() Announcement {
	ann := Announcement{
		ID:       a.cfg.ID,
		Address:  a.cfg.Address,
		Interval: a.cfg.Interval,
		Nonce:    a.nonce,
		SentAt:   time.Now(),
	}
	if a.cfg.Load != nil {
		ann.Load = a.cfg.Load()
	}
	if percent, err := a.cfg.CPU(); err != nil {
		a.logger.Debug("cpu utilisation unavailable", zap.Error(err))
	} else {
		ann.CPU = percent
	}
	return ann
}

func (a *Announcer) publish(subject string) error {
	data, err := json.Marshal(a.announcement())
	if err != nil {
		return fmt.Errorf("marshal announcement: %w", err)
	}
	if err := a.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}
