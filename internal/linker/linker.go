// Package linker binds chat identities to accounts. Users start a chat
// with the bot and send the email address they registered with; the
// linker polls the gateway for such messages, looks the address up
// and marks the chat as linked to that account.
//
// Delivery is at-least-once: the read cursor is persisted and
// acknowledged only after a whole batch has been handled, and an
// already-linked chat is skipped, so a redelivered batch is harmless.
package linker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nugget/habitual/internal/accounts"
	"github.com/nugget/habitual/internal/chatlink"
	"github.com/nugget/habitual/internal/events"
	"github.com/nugget/habitual/internal/gateway"
	"github.com/nugget/habitual/internal/metrics"
)

// ErrPollInProgress is returned by Poll while another poll is running.
var ErrPollInProgress = errors.New("link poll already in progress")

// Reply texts.
const (
	LinkedReply          = "Your account has been linked."
	unknownAccountFormat = "User with email %s not found."
)

// Outcome is how one inbound message was handled.
type Outcome string

// Outcomes.
const (
	OutcomeLinked         Outcome = "linked"
	OutcomeUnknownAccount Outcome = "unknown_account"
	OutcomeAlreadyLinked  Outcome = "already_linked"
	OutcomeIgnored        Outcome = "ignored"
)

// Gateway is the part of the messaging gateway the linker uses.
type Gateway interface {
	Receive(ctx context.Context, cursor int64) ([]gateway.Message, int64, error)
	Ack(ctx context.Context, offset int64) error
	Send(ctx context.Context, chatID, text string) (bool, error)
}

// AccountDirectory looks up accounts by email.
type AccountDirectory interface {
	FindByEmail(email string) (*accounts.Account, error)
}

// ChatLinkStore persists chat link state.
type ChatLinkStore interface {
	GetOrCreate(chatID string) (*chatlink.Link, error)
	Save(link *chatlink.Link) error
}

// Cursor persists the gateway read position.
type Cursor interface {
	Load() (int64, error)
	Save(pos int64) error
}

// Report summarizes one poll.
type Report struct {
	Messages      int   `json:"messages"`
	Linked        int   `json:"linked"`
	Unknown       int   `json:"unknown"`
	AlreadyLinked int   `json:"already_linked"`
	Ignored       int   `json:"ignored"`
	ReplyFailures int   `json:"reply_failures"`
	Cursor        int64 `json:"cursor"`
}

func (r Report) String() string {
	return fmt.Sprintf("messages=%d linked=%d unknown=%d already_linked=%d ignored=%d reply_failures=%d cursor=%d",
		r.Messages, r.Linked, r.Unknown, r.AlreadyLinked, r.Ignored, r.ReplyFailures, r.Cursor)
}

func (r *Report) count(o Outcome) {
	switch o {
	case OutcomeLinked:
		r.Linked++
	case OutcomeUnknownAccount:
		r.Unknown++
	case OutcomeAlreadyLinked:
		r.AlreadyLinked++
	case OutcomeIgnored:
		r.Ignored++
	}
}

// Linker polls the gateway and links chats to accounts.
type Linker struct {
	gw       Gateway
	accounts AccountDirectory
	links    ChatLinkStore
	cursor   Cursor
	bus      *events.Bus
	logger   *slog.Logger

	running sync.Mutex
}

// New creates a Linker. bus may be nil.
func New(gw Gateway, directory AccountDirectory, links ChatLinkStore, cursor Cursor,
	bus *events.Bus, logger *slog.Logger) *Linker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Linker{
		gw:       gw,
		accounts: directory,
		links:    links,
		cursor:   cursor,
		bus:      bus,
		logger:   logger,
	}
}

// Poll fetches the inbound messages after the saved cursor and
// handles them in order. Once the batch is done the cursor is saved
// and acknowledged to the gateway. A gateway or store error ends the
// poll with the cursor unchanged; failed replies are only logged.
func (l *Linker) Poll(ctx context.Context) (Report, error) {
	if !l.running.TryLock() {
		return Report{}, ErrPollInProgress
	}
	defer l.running.Unlock()

	started := time.Now()
	cursor, err := l.cursor.Load()
	if err != nil {
		return Report{}, fmt.Errorf("load cursor: %w", err)
	}

	msgs, next, err := l.gw.Receive(ctx, cursor)
	if err != nil {
		return Report{Cursor: cursor}, fmt.Errorf("receive updates: %w", err)
	}

	report := Report{Messages: len(msgs), Cursor: cursor}
	for _, m := range msgs {
		outcome, err := l.handle(ctx, m, &report)
		if err != nil {
			l.logger.Error("link poll aborted",
				"update_id", m.UpdateID,
				"chat_id", m.ChatID,
				"error", err,
			)
			return report, err
		}
		report.count(outcome)
		metrics.LinkMessages.WithLabelValues(string(outcome)).Inc()
	}

	if next != cursor {
		if err := l.cursor.Save(next); err != nil {
			return report, fmt.Errorf("save cursor: %w", err)
		}
		report.Cursor = next
		// The next Receive passes the same offset, so a failed ack
		// only delays confirmation.
		if err := l.gw.Ack(ctx, next); err != nil {
			l.logger.Warn("gateway ack failed", "offset", next, "error", err)
		}
	}

	l.bus.Emit(events.SourceLinker, events.KindPollComplete, map[string]any{
		"messages":       report.Messages,
		"linked":         report.Linked,
		"unknown":        report.Unknown,
		"already_linked": report.AlreadyLinked,
		"ignored":        report.Ignored,
		"cursor":         report.Cursor,
	})
	if report.Messages > 0 {
		l.logger.Info("link poll complete",
			"messages", report.Messages,
			"linked", report.Linked,
			"unknown", report.Unknown,
			"already_linked", report.AlreadyLinked,
			"ignored", report.Ignored,
			"cursor", report.Cursor,
			"elapsed", time.Since(started).Round(time.Millisecond),
		)
	}
	return report, nil
}

// handle processes one message. Returned errors abort the poll.
func (l *Linker) handle(ctx context.Context, m gateway.Message, r *Report) (Outcome, error) {
	log := l.logger.With("chat_id", m.ChatID, "update_id", m.UpdateID)

	link, err := l.links.GetOrCreate(m.ChatID)
	if err != nil {
		return "", fmt.Errorf("chat link %s: %w", m.ChatID, err)
	}
	if link.Linked {
		log.Debug("chat already linked, skipping")
		return OutcomeAlreadyLinked, nil
	}

	text := strings.TrimSpace(m.Text)
	if !strings.Contains(text, "@") {
		log.Debug("ignoring message without email")
		return OutcomeIgnored, nil
	}

	account, err := l.accounts.FindByEmail(text)
	if err != nil {
		return "", fmt.Errorf("find account: %w", err)
	}

	if account == nil {
		log.Info("no account for email")
		l.bus.Emit(events.SourceLinker, events.KindUnknownAccount, map[string]any{"chat_id": m.ChatID})
		return OutcomeUnknownAccount, l.reply(ctx, log, m.ChatID, fmt.Sprintf(unknownAccountFormat, text), r)
	}

	link.UserID = account.ID
	link.Linked = true
	if err := l.links.Save(link); err != nil {
		return "", fmt.Errorf("save chat link %s: %w", m.ChatID, err)
	}
	log.Info("chat linked", "user_id", account.ID)
	l.bus.Emit(events.SourceLinker, events.KindChatLinked, map[string]any{
		"chat_id": m.ChatID, "user_id": account.ID,
	})
	return OutcomeLinked, l.reply(ctx, log, m.ChatID, LinkedReply, r)
}

// reply sends text to chatID. Only a malformed gateway response is
// returned; other failures are logged and counted.
func (l *Linker) reply(ctx context.Context, log *slog.Logger, chatID, text string, r *Report) error {
	ok, err := l.gw.Send(ctx, chatID, text)
	switch {
	case errors.Is(err, gateway.ErrMalformedResponse):
		return fmt.Errorf("reply to %s: %w", chatID, err)
	case err != nil:
		r.ReplyFailures++
		log.Warn("link reply failed", "error", err)
	case !ok:
		r.ReplyFailures++
		log.Warn("link reply rejected by gateway")
	}
	return nil
}
