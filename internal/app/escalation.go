package app

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"github.com/jaakkos/loomwork/internal/domain"
)

// ErrEscalationTimedOut is returned when an escalation's response
// window closes without a reply.
var ErrEscalationTimedOut = fmt.Errorf("escalation timed out")

// NotificationSender pushes an out-of-band alert for an escalation.
// Implementations decide the channel per level (desktop, chat, pager).
type NotificationSender interface {
	Notify(level domain.EscalationLevel, msg domain.Message) error
}

// LogNotifier writes notifications to the process log. It is the
// default sender when nothing else is configured.
type LogNotifier struct {
	Logger *log.Logger
}

func (n *LogNotifier) Notify(level domain.EscalationLevel, msg domain.Message) error {
	n.Logger.Printf("NOTIFY level=%d to=%s subject=%q thread=%s", level, msg.To, msg.Subject, msg.ThreadID)
	return nil
}

// TriageFunc is the coordinator's triage: given an escalation it
// either produces an answer or reports that it cannot.
type TriageFunc func(msg domain.Message) (answer string, ok bool)

// EscalationService raises escalations up the three-level ladder and
// waits for thread-correlated replies. Level 1 is peer-to-peer, level 2
// goes to the coordinator agent, level 3 to the human contact.
type EscalationService struct {
	mail         MailStore
	mailbox      *MailboxService
	events       *EventLogger
	notifier     NotificationSender
	triage       TriageFunc
	logger       *log.Logger
	coordinator  string
	human        string
	pollInterval time.Duration
}

// NewEscalationService wires the ladder. coordinator and human name the
// level 2 and level 3 recipients.
func NewEscalationService(mail MailStore, mailbox *MailboxService, events *EventLogger, coordinator, human string, pollInterval time.Duration, logger *log.Logger) *EscalationService {
	if logger == nil {
		logger = log.New(os.Stderr, "", log.LstdFlags)
	}
	if pollInterval <= 0 {
		pollInterval = 15 * time.Second
	}
	return &EscalationService{
		mail:         mail,
		mailbox:      mailbox,
		events:       events,
		notifier:     &LogNotifier{Logger: logger},
		logger:       logger,
		coordinator:  coordinator,
		human:        human,
		pollInterval: pollInterval,
	}
}

// SetNotifier replaces the default log notifier.
func (e *EscalationService) SetNotifier(n NotificationSender) {
	if n != nil {
		e.notifier = n
	}
}

// SetTriage installs the coordinator triage. With a triage in place,
// coordinator-level escalations are answered or forwarded as soon as
// they are raised.
func (e *EscalationService) SetTriage(fn TriageFunc) {
	e.triage = fn
}

// PlaybookTriage builds a triage from a canned-answer table keyed by
// case-insensitive question substrings. Returns nil for an empty table.
func PlaybookTriage(playbook map[string]string) TriageFunc {
	if len(playbook) == 0 {
		return nil
	}
	return func(msg domain.Message) (string, bool) {
		question := strings.ToLower(msg.Subject + "\n" + msg.Body)
		for pattern, answer := range playbook {
			if strings.Contains(question, strings.ToLower(pattern)) {
				return answer, true
			}
		}
		return "", false
	}
}

// recipient picks the mailbox for a level. Peer escalations need an
// explicit recipient; the upper levels are fixed by configuration.
func (e *EscalationService) recipient(level domain.EscalationLevel, peer string) (string, error) {
	switch level {
	case domain.EscalationPeer:
		if peer == "" {
			return "", fmt.Errorf("peer escalation needs a recipient")
		}
		return peer, nil
	case domain.EscalationCoordinator:
		return e.coordinator, nil
	case domain.EscalationHuman:
		return e.human, nil
	}
	return "", fmt.Errorf("unknown escalation level %d", level)
}

// Raise opens a new escalation thread at the given level and returns
// the message the responder will see. The workflow's log records the
// escalation and the notification push.
func (e *EscalationService) Raise(workflowID, from, peer string, level domain.EscalationLevel, subject, body string) (*domain.Message, error) {
	to, err := e.recipient(level, peer)
	if err != nil {
		return nil, err
	}
	priority := domain.PriorityUrgent
	if level == domain.EscalationHuman {
		priority = domain.PriorityCritical
	}
	msg := domain.Message{
		ID:               uuid.NewString(),
		ThreadID:         uuid.NewString(),
		From:             from,
		To:               to,
		Priority:         priority,
		Subject:          subject,
		Body:             body,
		WorkflowID:       workflowID,
		Level:            level,
		AwaitingResponse: true,
		CreatedAt:        time.Now().UTC(),
	}
	if err := e.mail.Deliver(msg); err != nil {
		return nil, err
	}
	_, err = e.events.Append(workflowID, domain.MessagePayload{
		Type:      domain.EventEscalationRaised,
		MessageID: msg.ID,
		ThreadID:  msg.ThreadID,
		From:      from,
		To:        to,
		Priority:  priority,
		Level:     level,
		Subject:   subject,
	})
	if err != nil {
		return nil, err
	}
	e.notify(workflowID, level, msg)
	e.logger.Printf("EscalationService: raised level %d for %s (thread %s)", level, workflowID, msg.ThreadID)
	if level == domain.EscalationCoordinator && e.triage != nil {
		if _, err := e.Triage(msg); err != nil {
			e.logger.Printf("EscalationService: triage of thread %s failed: %v", msg.ThreadID, err)
		}
	}
	return &msg, nil
}

// Triage runs the coordinator's triage over one escalation. A known
// answer is replied on the thread, which is what a waiting Await picks
// up; anything the triage cannot answer is forwarded to the human,
// keeping the thread so the eventual reply still correlates.
func (e *EscalationService) Triage(msg domain.Message) (*domain.Message, error) {
	if msg.Level != domain.EscalationCoordinator {
		return nil, fmt.Errorf("triage thread %s: level %d is not a coordinator escalation", msg.ThreadID, msg.Level)
	}
	if e.triage != nil {
		if answer, ok := e.triage(msg); ok {
			e.logger.Printf("EscalationService: triage answered thread %s", msg.ThreadID)
			return e.mailbox.Reply(e.coordinator, msg.ID, answer)
		}
	}
	return e.Forward(msg.WorkflowID, msg)
}

// ForwardMessage forwards an escalation sitting in agent's inbox one
// level up by message ID.
func (e *EscalationService) ForwardMessage(agent, messageID string) (*domain.Message, error) {
	msg, err := e.mail.Get(agent, messageID)
	if err != nil {
		return nil, err
	}
	if msg.Level == 0 {
		return nil, fmt.Errorf("message %s is not an escalation", messageID)
	}
	return e.Forward(msg.WorkflowID, *msg)
}

// Forward moves an unanswered escalation one level up, keeping the
// thread ID so a late reply at any level still correlates.
func (e *EscalationService) Forward(workflowID string, msg domain.Message) (*domain.Message, error) {
	next := msg.Level + 1
	if next > domain.EscalationHuman {
		return nil, fmt.Errorf("escalation thread %s already at human level", msg.ThreadID)
	}
	to, err := e.recipient(next, "")
	if err != nil {
		return nil, err
	}
	fwd := msg
	fwd.ID = uuid.NewString()
	fwd.To = to
	fwd.Level = next
	fwd.Read = false
	fwd.CreatedAt = time.Now().UTC()
	if next == domain.EscalationHuman {
		fwd.Priority = domain.PriorityCritical
	}
	if err := e.mail.Deliver(fwd); err != nil {
		return nil, err
	}
	_, err = e.events.Append(workflowID, domain.MessagePayload{
		Type:      domain.EventEscalationForwarded,
		MessageID: fwd.ID,
		ThreadID:  fwd.ThreadID,
		From:      fwd.From,
		To:        to,
		Level:     next,
		Subject:   fwd.Subject,
	})
	if err != nil {
		return nil, err
	}
	e.notify(workflowID, next, fwd)
	e.logger.Printf("EscalationService: forwarded thread %s to level %d (%s)", fwd.ThreadID, next, to)
	return &fwd, nil
}

func (e *EscalationService) notify(workflowID string, level domain.EscalationLevel, msg domain.Message) {
	if err := e.notifier.Notify(level, msg); err != nil {
		e.logger.Printf("EscalationService: notify failed for thread %s: %v", msg.ThreadID, err)
		return
	}
	_, err := e.events.Append(workflowID, domain.MessagePayload{
		Type:      domain.EventNotificationSent,
		MessageID: msg.ID,
		ThreadID:  msg.ThreadID,
		To:        msg.To,
		Level:     level,
	})
	if err != nil {
		e.logger.Printf("EscalationService: recording notification failed: %v", err)
	}
}

// Await blocks until a reply arrives in the raiser's inbox for the
// thread, the timeout elapses, or ctx is cancelled. The inbox directory
// is watched with fsnotify and polled as a fallback. A reply resolves
// the escalation; a timeout records exactly one escalation_timed_out
// for the thread, even across restarts.
func (e *EscalationService) Await(ctx context.Context, workflowID, agent, threadID string, timeout time.Duration) (*domain.Message, error) {
	dir, err := e.mail.InboxDir(agent)
	if err != nil {
		return nil, err
	}

	var fsEvents chan fsnotify.Event
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		e.logger.Printf("EscalationService: fsnotify init failed (%v), using poll-only", err)
	} else if err := watcher.Add(dir); err != nil {
		e.logger.Printf("EscalationService: fsnotify add %s failed (%v), using poll-only", dir, err)
		_ = watcher.Close()
		watcher = nil
	}
	if watcher != nil {
		defer watcher.Close()
		fsEvents = make(chan fsnotify.Event)
		go func() {
			defer close(fsEvents)
			for {
				select {
				case ev, ok := <-watcher.Events:
					if !ok {
						return
					}
					if ev.Op&(fsnotify.Create|fsnotify.Write) != 0 {
						select {
						case fsEvents <- ev:
						case <-ctx.Done():
							return
						}
					}
				case _, ok := <-watcher.Errors:
					if !ok {
						return
					}
				}
			}
		}()
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	check := func() (*domain.Message, error) {
		reply, err := e.mailbox.ThreadReply(agent, threadID)
		if err != nil || reply == nil {
			return nil, err
		}
		_, err = e.events.Append(workflowID, domain.MessagePayload{
			Type:      domain.EventEscalationResolved,
			MessageID: reply.ID,
			ThreadID:  threadID,
			InReplyTo: reply.InReplyTo,
			From:      reply.From,
			To:        agent,
		})
		if err != nil {
			return nil, err
		}
		e.logger.Printf("EscalationService: thread %s resolved by %s", threadID, reply.From)
		return reply, nil
	}

	// A reply may already be waiting.
	if reply, err := check(); err != nil || reply != nil {
		return reply, err
	}

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			if err := e.recordTimeout(workflowID, threadID); err != nil {
				return nil, err
			}
			return nil, fmt.Errorf("thread %s after %s: %w", threadID, timeout, ErrEscalationTimedOut)
		case <-ticker.C:
			if reply, err := check(); err != nil || reply != nil {
				return reply, err
			}
		case _, ok := <-fsEvents:
			if !ok {
				fsEvents = nil
				continue
			}
			if reply, err := check(); err != nil || reply != nil {
				return reply, err
			}
		}
	}
}

// recordTimeout appends escalation_timed_out unless the thread already
// has one. The sweep in the watchdog can race a live Await here; the
// check and the write share the append lock so only one of them wins.
func (e *EscalationService) recordTimeout(workflowID, threadID string) error {
	_, appended, err := e.events.AppendOnce(workflowID, domain.MessagePayload{
		Type:     domain.EventEscalationTimedOut,
		ThreadID: threadID,
	}, func(ev domain.Event) bool {
		p, ok := ev.Payload.(domain.MessagePayload)
		return ok && p.ThreadID == threadID
	})
	if err != nil {
		return err
	}
	if appended {
		e.logger.Printf("EscalationService: thread %s timed out", threadID)
	}
	return nil
}
