// Package worker turns inbound chat mentions into captured download links.
package worker

import (
	"context"
	"fmt"
	"math/rand/v2"
	"net/url"
	"regexp"
	"runtime/debug"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/linkrelay/internal/capture"
	"github.com/JakeFAU/linkrelay/internal/metrics"
	"github.com/JakeFAU/linkrelay/internal/quota"
	"github.com/JakeFAU/linkrelay/internal/relay"
)

var linkPattern = regexp.MustCompile(`https?://\S+`)

// DefaultNotRegisteredMessage is sent to senders without an identity.
const DefaultNotRegisteredMessage = "You are not registered in our system. " +
	"Please contact the admin to get registered and start using our services."

// Inbound message statuses recorded in metrics.
const (
	statusIgnoredDirect      = "ignored_direct"
	statusIgnoredUnmentioned = "ignored_unmentioned"
	statusRateLimited        = "rate_limited"
	statusNoLink             = "no_link"
	statusDenied             = "denied"
	statusCaptured           = "captured"
	statusCaptureFailed      = "capture_failed"
	statusPanic              = "panic"
)

// Config controls Worker behavior.
type Config struct {
	// BotID is the bot's own chat ID; only messages mentioning it are handled.
	BotID                string
	ReplyDelayMin        time.Duration
	ReplyDelayMax        time.Duration
	ReactionEmoji        string
	NotRegisteredMessage string
}

// Admission evaluates and charges quota.
type Admission interface {
	Evaluate(ctx context.Context, identityKey string, now time.Time) quota.Decision
	Record(ctx context.Context, d quota.Decision, at time.Time) (relay.UsageRecord, error)
}

// Capturer resolves a content page into a download URL.
type Capturer interface {
	Capture(ctx context.Context, targetURL string) capture.Result
}

// Worker consumes inbound messages and replies through the messenger.
type Worker struct {
	queue     relay.Queue
	admission Admission
	capturer  Capturer
	messenger relay.Messenger
	policy    relay.Policy
	clock     relay.Clock
	cfg       Config
	logger    *zap.Logger

	identities *identityLocks
}

// New constructs a Worker.
func New(
	queue relay.Queue,
	admission Admission,
	capturer Capturer,
	messenger relay.Messenger,
	policy relay.Policy,
	clock relay.Clock,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if cfg.ReactionEmoji == "" {
		cfg.ReactionEmoji = "👍"
	}
	if cfg.NotRegisteredMessage == "" {
		cfg.NotRegisteredMessage = DefaultNotRegisteredMessage
	}
	if cfg.ReplyDelayMax < cfg.ReplyDelayMin {
		cfg.ReplyDelayMax = cfg.ReplyDelayMin
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		queue:     queue,
		admission: admission,
		capturer:  capturer,
		messenger: messenger,
		policy:    policy,
		clock:     clock,
		cfg:       cfg,
		logger:    logger,

		identities: newIdentityLocks(),
	}
}

// Run blocks, consuming queue items until the context finishes.
func (w *Worker) Run(ctx context.Context) {
	for {
		msg, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			// A closed queue keeps failing; stop rather than spin.
			return
		}
		w.logger.Debug("dequeued message", zap.String("message_id", msg.ID))
		w.Handle(ctx, msg)
	}
}

// Handle processes one inbound message. Panics are recovered and logged.
func (w *Worker) Handle(ctx context.Context, msg relay.InboundMessage) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()
	defer func() {
		if r := recover(); r != nil {
			metrics.ObserveInbound(statusPanic)
			w.logger.Error("message handler panicked",
				zap.String("message_id", msg.ID),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
		}
	}()
	status := w.handle(ctx, msg)
	metrics.ObserveInbound(status)
}

func (w *Worker) handle(ctx context.Context, msg relay.InboundMessage) string {
	log := w.logger.With(zap.String("message_id", msg.ID), zap.String("chat", msg.ChatID))
	if !msg.IsGroup {
		log.Debug("ignoring direct message")
		return statusIgnoredDirect
	}
	if !w.mentionsBot(msg.MentionedIDs) {
		log.Debug("bot not mentioned")
		return statusIgnoredUnmentioned
	}
	sender := relay.BareID(msg.SenderID)
	if w.policy != nil && !w.policy.Allow(sender) {
		log.Warn("sender rate limited, dropping message", zap.String("sender", sender))
		return statusRateLimited
	}

	if err := w.messenger.React(ctx, msg.ChatID, msg.ID, w.cfg.ReactionEmoji); err != nil {
		log.Warn("react failed", zap.Error(err))
	}

	contact, err := w.messenger.ResolveContact(ctx, msg.SenderID)
	if err != nil || contact.Number == "" {
		log.Warn("resolve contact failed, using sender id", zap.Error(err))
		contact = relay.Contact{ID: msg.SenderID, Number: sender}
	}
	if contact.ID == "" {
		contact.ID = msg.SenderID
	}
	log = log.With(zap.String("identity", contact.Number))

	target, ok := ExtractLink(msg.Text)
	if !ok {
		w.reply(ctx, msg, contact, true, fmt.Sprintf("@%s! Please mention me with a valid link.", contact.Number))
		return statusNoLink
	}
	log.Info("link received", zap.String("target", target))

	decision, res, err := w.admitAndCapture(ctx, log, contact.Number, target)
	if err != nil {
		log.Warn("abandoned while an earlier request from this identity ran", zap.Error(err))
		return statusCaptureFailed
	}
	if !decision.Valid {
		log.Info("request denied", zap.String("reason", string(decision.Reason)))
		w.reply(ctx, msg, contact, true, w.denialText(contact.Number, decision))
		return statusDenied
	}
	if res.Outcome != capture.Found {
		w.reply(ctx, msg, contact, false,
			fmt.Sprintf("Hey @%s, something went wrong. Please inform the admin.", contact.Number))
		return statusCaptureFailed
	}

	w.reply(ctx, msg, contact, false, fmt.Sprintf(
		"✅ Hey @%s, I got your download link:\n%s\n\n📊 Usage: %d/%d requests today",
		contact.Number, res.URL, decision.UsageToday+1, decision.Limit,
	))
	return statusCaptured
}

// admitAndCapture holds the identity's lock from the quota check through the
// usage write, so concurrent requests from one sender are charged in turn.
func (w *Worker) admitAndCapture(
	ctx context.Context,
	log *zap.Logger,
	key, target string,
) (quota.Decision, capture.Result, error) {
	unlock, err := w.identities.lock(ctx, key)
	if err != nil {
		return quota.Decision{}, capture.Result{}, err
	}
	defer unlock()

	decision := w.admission.Evaluate(ctx, key, w.clock.Now())
	if !decision.Valid {
		return decision, capture.Result{}, nil
	}
	res := w.capturer.Capture(ctx, target)
	if res.Outcome != capture.Found {
		return decision, res, nil
	}
	if _, err := w.admission.Record(ctx, decision, w.clock.Now()); err != nil {
		log.Error("usage record failed, delivering link anyway", zap.Error(err))
	}
	return decision, res, nil
}

func (w *Worker) denialText(number string, d quota.Decision) string {
	prefix := "@" + number + "! "
	switch d.Reason {
	case quota.UnknownIdentity:
		return prefix + w.cfg.NotRegisteredMessage
	case quota.NoSubscription:
		return prefix + "You don't have an active subscription. Please contact the admin."
	case quota.LimitExceeded:
		return prefix + fmt.Sprintf(
			"You have exceeded your daily limit of %d requests. You've used %d requests today.",
			d.Limit, d.UsageToday,
		)
	case quota.Expired:
		return prefix + "Your subscription expired. Please contact the admin."
	default:
		return prefix + "Subscription validation failed. Please contact the admin."
	}
}

func (w *Worker) mentionsBot(ids []string) bool {
	bot := relay.BareID(w.cfg.BotID)
	if bot == "" {
		return false
	}
	return slices.ContainsFunc(ids, func(id string) bool { return relay.BareID(id) == bot })
}

// reply paces and sends a message to the chat, mentioning the sender. quote
// threads it under the inbound message.
func (w *Worker) reply(ctx context.Context, msg relay.InboundMessage, contact relay.Contact, quote bool, text string) {
	if err := w.pause(ctx); err != nil {
		return
	}
	opts := relay.SendOptions{Mentions: []string{contact.ID}}
	if quote {
		opts.QuotedMessageID = msg.ID
	}
	if err := w.messenger.SendMessage(ctx, msg.ChatID, text, opts); err != nil {
		w.logger.Error("reply failed", zap.String("message_id", msg.ID), zap.Error(err))
	}
}

func (w *Worker) pause(ctx context.Context) error {
	d := w.cfg.ReplyDelayMin
	if spread := w.cfg.ReplyDelayMax - w.cfg.ReplyDelayMin; spread > 0 {
		d += rand.N(spread + 1)
	}
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("reply delay: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}

// ExtractLink returns the first http(s) token in text that parses as an
// absolute URL with a host.
func ExtractLink(text string) (string, bool) {
	for _, candidate := range linkPattern.FindAllString(text, -1) {
		u, err := url.Parse(candidate)
		if err != nil || !u.IsAbs() || u.Hostname() == "" {
			continue
		}
		return candidate, true
	}
	return "", false
}
