package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

const (
	embedColorUpdate  = 2326507
	embedColorDown    = 15548997
	embedColorOnline  = 5763719
	embedColorWarning = 16705372

	channelUnlinkedMessage = "The notification channel has been unlinked as the bot has not been able to " +
		"properly send messages to it. Please check your permissions, make sure the bot has " +
		"`View Channel`, `Send Messages`, and `Embed Links` enabled, and then re-set the channel."
)

// Deliverer is the delivery collaborator boundary around Discord.
type Deliverer interface {
	SendMessage(channelID string, content string, embeds []*discordgo.MessageEmbed) error
}

// DiscordDeliverer sends through a discordgo session. Rate limiting is
// handled by discordgo itself.
type DiscordDeliverer struct {
	dg *discordgo.Session
}

func NewDiscordDeliverer(dg *discordgo.Session) *DiscordDeliverer {
	return &DiscordDeliverer{dg: dg}
}

func (d *DiscordDeliverer) SendMessage(channelID string, content string, embeds []*discordgo.MessageEmbed) error {
	_, err := d.dg.ChannelMessageSendComplex(channelID, &discordgo.MessageSend{
		Content: content,
		Embeds:  embeds,
	})
	return err
}

// isChannelFailure reports whether a delivery error is a permission or
// channel problem, as opposed to a transient failure worth retrying.
func isChannelFailure(err error) bool {
	var restErr *discordgo.RESTError
	if !errors.As(err, &restErr) {
		return false
	}
	if restErr.Message != nil {
		switch restErr.Message.Code {
		case discordgo.ErrCodeUnknownChannel, discordgo.ErrCodeMissingAccess, discordgo.ErrCodeMissingPermissions, discordgo.ErrCodeCannotSendMessagesToThisUser:
			return true
		}
	}
	if restErr.Response != nil {
		return restErr.Response.StatusCode == http.StatusForbidden || restErr.Response.StatusCode == http.StatusNotFound
	}
	return false
}

// NotificationDispatcher renders and delivers per-destination notifications
// for presence changes, realm transitions, and staleness warnings.
type NotificationDispatcher struct {
	logger *zap.Logger

	destinations DestinationStore
	policy       *InvalidationPolicy
	deliverer    Deliverer
	gamertags    *GamertagResolver
	realmNames   *RealmNameCache
	metrics      *Metrics
}

func NewNotificationDispatcher(logger *zap.Logger, destinations DestinationStore, policy *InvalidationPolicy, deliverer Deliverer, gamertags *GamertagResolver, realmNames *RealmNameCache, metrics *Metrics) *NotificationDispatcher {
	return &NotificationDispatcher{
		logger:       logger,
		destinations: destinations,
		policy:       policy,
		deliverer:    deliverer,
		gamertags:    gamertags,
		realmNames:   realmNames,
		metrics:      metrics,
	}
}

func (d *NotificationDispatcher) Name() string { return "notifications" }

func (d *NotificationDispatcher) HandleEvent(ctx context.Context, evt Event) error {
	switch evt := evt.(type) {
	case *PresenceUpdateEvent:
		return d.handlePresenceUpdate(ctx, evt)
	case *RealmDownEvent:
		return d.handleRealmDown(ctx, evt)
	case *RealmOnlineEvent:
		return d.handleRealmOnline(ctx, evt)
	case *StalePresenceEvent:
		return d.handleStalePresence(ctx, evt)
	default:
		return nil
	}
}

func (d *NotificationDispatcher) handlePresenceUpdate(ctx context.Context, evt *PresenceUpdateEvent) error {
	dests, err := d.destinations.ListByRealm(ctx, evt.RealmID)
	if err != nil {
		return err
	}

	var embeds []*discordgo.MessageEmbed
	for _, dest := range dests {
		if !dest.LiveUpdates {
			continue
		}
		// Entitlement loss is an authoritative signal: deactivate without
		// consuming a failure-counter slot.
		if !dest.Entitled {
			if err := d.policy.DeactivateEntitlementLost(ctx, dest); err != nil {
				d.logger.Warn("Failed to deactivate unentitled destination", zap.String("destination_id", dest.ID), zap.Error(err))
			}
			continue
		}
		if dest.ChannelID == "" {
			if err := d.policy.Deactivate(ctx, dest); err != nil {
				d.logger.Warn("Failed to deactivate channel-less destination", zap.String("destination_id", dest.ID), zap.Error(err))
			}
			continue
		}

		if embeds == nil {
			embeds = []*discordgo.MessageEmbed{d.presenceEmbed(ctx, evt)}
		}
		d.deliver(ctx, dest, "", embeds, FailureClassChannel)
	}
	return nil
}

func (d *NotificationDispatcher) handleRealmDown(ctx context.Context, evt *RealmDownEvent) error {
	dests, err := d.destinations.ListByRealm(ctx, evt.RealmID)
	if err != nil {
		return err
	}

	var embeds []*discordgo.MessageEmbed
	for _, dest := range dests {
		if !dest.WarningsEnabled || dest.ChannelID == "" {
			continue
		}

		if embeds == nil {
			embeds = []*discordgo.MessageEmbed{d.realmDownEmbed(ctx, evt)}
		}
		var content string
		if dest.OfflineRole != "" {
			content = fmt.Sprintf("<@&%s>", dest.OfflineRole)
		}
		d.deliver(ctx, dest, content, embeds, FailureClassChannel)
	}
	return nil
}

func (d *NotificationDispatcher) handleRealmOnline(ctx context.Context, evt *RealmOnlineEvent) error {
	dests, err := d.destinations.ListByRealm(ctx, evt.RealmID)
	if err != nil {
		return err
	}

	var embeds []*discordgo.MessageEmbed
	for _, dest := range dests {
		if !dest.WarningsEnabled || dest.ChannelID == "" {
			continue
		}
		if embeds == nil {
			embeds = []*discordgo.MessageEmbed{{
				Title:       "Realm is back up",
				Description: fmt.Sprintf("**%s** is reachable again. Presence tracking has resumed.", d.realmNames.Name(ctx, evt.RealmID)),
				Color:       embedColorOnline,
				Timestamp:   evt.Timestamp.UTC().Format(time.RFC3339),
			}}
		}
		d.deliver(ctx, dest, "", embeds, FailureClassChannel)
	}
	return nil
}

// handleStalePresence warns destinations that the realm has produced no
// presence data for too long, then charges the realm-data failure counter.
// The warning lands before any automatic deactivation so the operator has a
// chance to fix the source first.
func (d *NotificationDispatcher) handleStalePresence(ctx context.Context, evt *StalePresenceEvent) error {
	dests, err := d.destinations.ListByRealm(ctx, evt.RealmID)
	if err != nil {
		return err
	}

	var embeds []*discordgo.MessageEmbed
	for _, dest := range dests {
		if dest.ChannelID == "" {
			continue
		}

		if embeds == nil {
			embeds = []*discordgo.MessageEmbed{{
				Title: "No presence data",
				Description: fmt.Sprintf("The bot has not received any presence data for **%s** in over 24 hours. "+
					"Make sure the realm is active and the bot's account still has access to it. "+
					"If this keeps happening, notifications for this realm will be disabled automatically.",
					d.realmNames.Name(ctx, evt.RealmID)),
				Color: embedColorWarning,
			}}
		}
		d.deliver(ctx, dest, "", embeds, FailureClassChannel)

		oldChannelID := dest.ChannelID
		disabled, err := d.policy.RecordFailure(ctx, dest, FailureClassRealmData)
		if err != nil {
			d.logger.Warn("Failed to record realm-data failure", zap.String("destination_id", dest.ID), zap.Error(err))
			continue
		}
		if disabled {
			d.sendUnlinkNotice(dest.ID, oldChannelID)
		}
	}
	return nil
}

// deliver sends one message and routes the outcome through the policy.
func (d *NotificationDispatcher) deliver(ctx context.Context, dest *Destination, content string, embeds []*discordgo.MessageEmbed, class FailureClass) {
	err := d.deliverer.SendMessage(dest.ChannelID, content, embeds)
	if err == nil {
		d.metrics.DeliveriesTotal.WithLabelValues("ok").Inc()
		if err := d.policy.RecordSuccess(ctx, dest, class); err != nil {
			d.logger.Warn("Failed to reset failure counter", zap.String("destination_id", dest.ID), zap.Error(err))
		}
		return
	}

	if !isChannelFailure(err) {
		// Transient delivery failure. The next cycle retries; counters are
		// reserved for problems only the operator can fix.
		d.metrics.DeliveriesTotal.WithLabelValues("transient_error").Inc()
		d.logger.Warn("Delivery failed",
			zap.String("destination_id", dest.ID),
			zap.String("channel_id", dest.ChannelID),
			zap.Error(err))
		return
	}

	d.metrics.DeliveriesTotal.WithLabelValues("channel_error").Inc()
	oldChannelID := dest.ChannelID
	disabled, perr := d.policy.RecordFailure(ctx, dest, class)
	if perr != nil {
		d.logger.Warn("Failed to record delivery failure", zap.String("destination_id", dest.ID), zap.Error(perr))
		return
	}
	if disabled {
		d.sendUnlinkNotice(dest.ID, oldChannelID)
	}
}

// sendUnlinkNotice makes a best-effort attempt to tell the old channel why
// it was unlinked. The channel is usually broken, so failures are expected.
func (d *NotificationDispatcher) sendUnlinkNotice(destinationID, channelID string) {
	if channelID == "" {
		return
	}
	if err := d.deliverer.SendMessage(channelID, channelUnlinkedMessage, nil); err != nil {
		d.logger.Debug("Unlink notice not delivered",
			zap.String("destination_id", destinationID),
			zap.String("channel_id", channelID),
			zap.Error(err))
	}
}

func (d *NotificationDispatcher) presenceEmbed(ctx context.Context, evt *PresenceUpdateEvent) *discordgo.MessageEmbed {
	lines := make([]string, 0, len(evt.Joined)+len(evt.Left))
	lines = append(lines, lo.Map(evt.Joined, func(participantID string, _ int) string {
		return fmt.Sprintf("%s joined", FallbackDisplayName(participantID, evt.Gamertags))
	})...)
	lines = append(lines, lo.Map(evt.Left, func(participantID string, _ int) string {
		return fmt.Sprintf("%s left", FallbackDisplayName(participantID, evt.Gamertags))
	})...)

	return &discordgo.MessageEmbed{
		Title:       d.realmNames.Name(ctx, evt.RealmID),
		Description: strings.Join(lines, "\n"),
		Color:       embedColorUpdate,
		Timestamp:   evt.Timestamp.UTC().Format(time.RFC3339),
		Footer:      &discordgo.MessageEmbedFooter{Text: "As of"},
	}
}

func (d *NotificationDispatcher) realmDownEmbed(ctx context.Context, evt *RealmDownEvent) *discordgo.MessageEmbed {
	description := fmt.Sprintf("**%s** appears to be offline. The bot can no longer read its presence data.", d.realmNames.Name(ctx, evt.RealmID))
	embed := &discordgo.MessageEmbed{
		Title:       "Realm is offline",
		Description: description,
		Color:       embedColorDown,
		Timestamp:   evt.Timestamp.UTC().Format(time.RFC3339),
	}
	if len(evt.Disconnected) > 0 {
		gamertags := d.gamertags.ResolveBatch(ctx, evt.Disconnected, nil)
		embed.Fields = []*discordgo.MessageEmbedField{{
			Name: "Disconnected",
			Value: strings.Join(lo.Map(evt.Disconnected, func(participantID string, _ int) string {
				return FallbackDisplayName(participantID, gamertags)
			}), "\n"),
		}}
	}
	return embed
}
