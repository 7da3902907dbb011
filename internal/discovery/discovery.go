// ============================================================================
// fractalpool discovery - pool membership over NATS
// ============================================================================
//
// Package: internal/discovery
// File: discovery.go
// Purpose: Pool elements announce themselves on a pool handle; pool users
//          turn the announcements into registry membership.
//
// Subjects (per pool handle):
//   pool.<handle>.announce   periodic Announcement, doubles as heartbeat
//   pool.<handle>.withdraw   Announcement sent once on orderly shutdown
//
// An element that stops announcing is not removed here: the registry lease
// sweeper demotes it to suspected and finally removes it.
//
// ============================================================================

package discovery

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/ChuLiYu/fractalpool/pkg/types"
)

// DefaultPoolHandle is the pool the original FractalGenerator servers join.
const DefaultPoolHandle = "FractalGeneratorPool"

// ErrInvalidHandle is returned for a pool handle that is not a NATS token.
var ErrInvalidHandle = errors.New("invalid pool handle")

// Announcement is published by a pool element.
type Announcement struct {
	ID      types.ElementID `json:"id"`
	Address string          `json:"address"`
	// Load is the fraction of the element's session slots in use.
	Load float64 `json:"load"`
	// CPU is the host CPU utilisation in percent.
	CPU      float64       `json:"cpu"`
	Interval time.Duration `json:"interval"`
	// Nonce changes whenever the element process restarts.
	Nonce  string    `json:"nonce"`
	SentAt time.Time `json:"sent_at"`
}

// AnnounceSubject returns the announcement subject of a pool.
func AnnounceSubject(handle string) string {
	return "pool." + handle + ".announce"
}

// WithdrawSubject returns the withdrawal subject of a pool.
func WithdrawSubject(handle string) string {
	return "pool." + handle + ".withdraw"
}

// ValidateHandle rejects handles that would break the subject hierarchy.
func ValidateHandle(handle string) error {
	if handle == "" || strings.ContainsAny(handle, ".*> \t\r\n") {
		return fmt.Errorf("%w: %q", ErrInvalidHandle, handle)
	}
	return nil
}

// ConnectOptions configures Connect.
type ConnectOptions struct {
	Name          string
	MaxReconnects int
	ReconnectWait time.Duration
	Timeout       time.Duration
}

// Connect dials the NATS servers in url (comma separated) and logs
// connection state changes.
func Connect(url string, opts ConnectOptions, logger *zap.Logger) (*nats.Conn, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.ReconnectWait <= 0 {
		opts.ReconnectWait = 2 * time.Second
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	log := logger.Named("nats")

	nc, err := nats.Connect(url,
		nats.Name(opts.Name),
		nats.MaxReconnects(opts.MaxReconnects),
		nats.ReconnectWait(opts.ReconnectWait),
		nats.Timeout(opts.Timeout),
		nats.PingInterval(20*time.Second),
		nats.MaxPingsOutstanding(5),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			log.Error("NATS connection error", zap.String("subject", subject), zap.Error(err))
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS at %s: %w", url, err)
	}
	log.Info("connected to NATS", zap.String("url", nc.ConnectedUrl()))
	return nc, nil
}
