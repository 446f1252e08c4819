package server

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// FailureClass categorizes delivery/config failures. Each class has its own
// counter and limit.
type FailureClass string

const (
	// FailureClassChannel covers permission and channel problems on delivery.
	FailureClassChannel FailureClass = "channel"
	// FailureClassRealmData covers "the realm produced no data for too long".
	FailureClassRealmData FailureClass = "realm_data"
)

// InvalidationPolicy tracks consecutive failures per destination and class,
// disabling destinations once a limit is crossed so broken configurations
// are not retried forever.
type InvalidationPolicy struct {
	logger  *zap.Logger
	store   DestinationStore
	metrics *Metrics

	channelLimit   int
	realmDataLimit int
	counterTTL     time.Duration
}

func NewInvalidationPolicy(logger *zap.Logger, store DestinationStore, metrics *Metrics, config PollerConfig) *InvalidationPolicy {
	return &InvalidationPolicy{
		logger:         logger,
		store:          store,
		metrics:        metrics,
		channelLimit:   config.ChannelFailureLimit,
		realmDataLimit: config.DataFailureLimit,
		counterTTL:     config.FailureCounterTTL,
	}
}

func (p *InvalidationPolicy) limit(class FailureClass) int {
	if class == FailureClassRealmData {
		return p.realmDataLimit
	}
	return p.channelLimit
}

// RecordFailure increments the class counter for the destination and
// deactivates it when the class limit is reached. Counters older than the
// TTL are treated as expired and restart from zero.
func (p *InvalidationPolicy) RecordFailure(ctx context.Context, dest *Destination, class FailureClass) (bool, error) {
	if time.Since(dest.UpdatedAt) > p.counterTTL {
		dest.ChannelFailures = 0
		dest.DataFailures = 0
	}

	var count int
	switch class {
	case FailureClassRealmData:
		dest.DataFailures++
		count = dest.DataFailures
	default:
		dest.ChannelFailures++
		count = dest.ChannelFailures
	}

	limit := p.limit(class)
	p.logger.Info("Recorded destination failure",
		zap.String("destination_id", dest.ID),
		zap.String("class", string(class)),
		zap.Int("count", count),
		zap.Int("limit", limit))

	if count < limit {
		if err := p.store.UpdateFailureCounts(ctx, dest.ID, dest.ChannelFailures, dest.DataFailures); err != nil {
			return false, err
		}
		return false, nil
	}

	if err := p.Deactivate(ctx, dest); err != nil {
		return true, err
	}
	return true, nil
}

// RecordSuccess resets the class counter to zero.
func (p *InvalidationPolicy) RecordSuccess(ctx context.Context, dest *Destination, class FailureClass) error {
	switch class {
	case FailureClassRealmData:
		if dest.DataFailures == 0 {
			return nil
		}
		dest.DataFailures = 0
	default:
		if dest.ChannelFailures == 0 {
			return nil
		}
		dest.ChannelFailures = 0
	}
	return p.store.UpdateFailureCounts(ctx, dest.ID, dest.ChannelFailures, dest.DataFailures)
}

// Deactivate clears the destination's delivery configuration and counters.
// Idempotent; no further attempts are made until an operator reconfigures.
func (p *InvalidationPolicy) Deactivate(ctx context.Context, dest *Destination) error {
	if dest.ChannelID == "" && !dest.LiveUpdates && !dest.WarningsEnabled {
		return nil
	}

	dest.ChannelID = ""
	dest.LiveUpdates = false
	dest.WarningsEnabled = false
	dest.OfflineRole = ""
	dest.ChannelFailures = 0
	dest.DataFailures = 0

	if err := p.store.UpdateFlags(ctx, dest); err != nil {
		return fmt.Errorf("failed to deactivate destination %s: %w", dest.ID, err)
	}
	if err := p.store.UpdateFailureCounts(ctx, dest.ID, 0, 0); err != nil {
		return err
	}

	p.metrics.DestinationsDisabled.Inc()
	p.logger.Info("Deactivated destination", zap.String("destination_id", dest.ID), zap.String("realm_id", dest.RealmID))
	return nil
}

// DeactivateEntitlementLost handles the authoritative "no longer entitled"
// signal. It bypasses the failure counters entirely: entitlement loss is not
// a transient failure and does not consume a counter slot.
func (p *InvalidationPolicy) DeactivateEntitlementLost(ctx context.Context, dest *Destination) error {
	if !dest.Entitled && !dest.LiveUpdates {
		return nil
	}

	dest.Entitled = false
	dest.LiveUpdates = false

	if err := p.store.UpdateFlags(ctx, dest); err != nil {
		return fmt.Errorf("failed to deactivate unentitled destination %s: %w", dest.ID, err)
	}
	p.logger.Info("Disabled live updates for unentitled destination", zap.String("destination_id", dest.ID))
	return nil
}

// RealmExhausted reports whether no destination for the realm can receive
// data anymore. An exhausted realm is dropped from the poll rotation.
func (p *InvalidationPolicy) RealmExhausted(ctx context.Context, realmID string) (bool, error) {
	dests, err := p.store.ListByRealm(ctx, realmID)
	if err != nil {
		return false, err
	}
	for _, dest := range dests {
		if dest.Viable() {
			return false, nil
		}
	}
	return true, nil
}
