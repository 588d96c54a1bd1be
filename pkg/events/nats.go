package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	SubjectCreditsConsumed  = "credits.consumed"
	SubjectCreditsPurchased = "credits.purchased"
	SubjectCreditsRefunded  = "credits.refunded"
)

// LedgerEvent is published after a ledger change has been committed.
type LedgerEvent struct {
	EntryID      uint            `json:"entryId"`
	AccountID    uint            `json:"accountId"`
	Kind         string          `json:"kind"`
	Credits      int             `json:"credits"`
	BalanceAfter int             `json:"balanceAfter"`
	Amount       decimal.Decimal `json:"amount"`
	Currency     string          `json:"currency,omitempty"`
	PackageKey   string          `json:"packageKey,omitempty"`
	OccurredAt   time.Time       `json:"occurredAt"`
}

type NatsBus struct {
	nc  *nats.Conn
	log *zap.Logger
}

func Connect(url string, log *zap.Logger) (*NatsBus, error) {
	nc, err := nats.Connect(url,
		nats.Name("cutout-backend"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &NatsBus{nc: nc, log: log}, nil
}

func (b *NatsBus) Publish(_ context.Context, subject string, event LedgerEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", subject, err)
	}
	if err := b.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// Close flushes pending messages before closing the connection.
func (b *NatsBus) Close() error {
	return b.nc.Drain()
}

// NoopBus drops events. Used when NATS_URL is unset.
type NoopBus struct{}

func (NoopBus) Publish(context.Context, string, LedgerEvent) error { return nil }

func (NoopBus) Close() error { return nil }
