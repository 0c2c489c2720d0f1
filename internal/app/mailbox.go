package app

import (
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jaakkos/loomwork/internal/domain"
)

// MailboxService moves messages between agent mailboxes. Messages tied
// to a workflow also land in that workflow's event log, which is what
// the mailbox projection and the escalation loop read.
type MailboxService struct {
	mail   MailStore
	events *EventLogger
	logger *log.Logger

	mu sync.Mutex
}

// NewMailboxService returns a service over the given mail store.
func NewMailboxService(mail MailStore, events *EventLogger, logger *log.Logger) *MailboxService {
	if logger == nil {
		logger = log.New(os.Stderr, "", log.LstdFlags)
	}
	return &MailboxService{mail: mail, events: events, logger: logger}
}

// Send starts a new message thread. The returned message carries the
// generated message and thread IDs.
func (m *MailboxService) Send(from, to, subject, body string, priority domain.Priority, workflowID string) (*domain.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if from == "" || to == "" {
		return nil, fmt.Errorf("send: from and to are required")
	}
	if priority == "" {
		priority = domain.PriorityNormal
	}
	msg := domain.Message{
		ID:         uuid.NewString(),
		ThreadID:   uuid.NewString(),
		From:       from,
		To:         to,
		Priority:   priority,
		Subject:    subject,
		Body:       body,
		WorkflowID: workflowID,
		CreatedAt:  time.Now().UTC(),
	}
	if err := m.mail.Deliver(msg); err != nil {
		return nil, err
	}
	if workflowID != "" {
		_, err := m.events.Append(workflowID, domain.MessagePayload{
			Type:      domain.EventMessageSent,
			MessageID: msg.ID,
			ThreadID:  msg.ThreadID,
			From:      from,
			To:        to,
			Priority:  priority,
			Subject:   subject,
		})
		if err != nil {
			return nil, err
		}
	}
	m.logger.Printf("MailboxService: %s -> %s %q (thread %s)", from, to, subject, msg.ThreadID)
	return &msg, nil
}

// Reply answers an inbox message. The reply joins the original thread
// and goes back to the original sender.
func (m *MailboxService) Reply(agent, messageID, body string) (*domain.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	orig, err := m.mail.Get(agent, messageID)
	if err != nil {
		return nil, err
	}
	reply := domain.Message{
		ID:         uuid.NewString(),
		ThreadID:   orig.ThreadID,
		InReplyTo:  orig.ID,
		From:       agent,
		To:         orig.From,
		Priority:   orig.Priority,
		Subject:    "Re: " + orig.Subject,
		Body:       body,
		WorkflowID: orig.WorkflowID,
		CreatedAt:  time.Now().UTC(),
	}
	if err := m.mail.Deliver(reply); err != nil {
		return nil, err
	}
	if !orig.Read {
		orig.Read = true
		if err := m.mail.Update(agent, *orig); err != nil {
			return nil, err
		}
	}
	if orig.WorkflowID != "" {
		_, err := m.events.Append(orig.WorkflowID, domain.MessagePayload{
			Type:      domain.EventMessageReplied,
			MessageID: reply.ID,
			ThreadID:  reply.ThreadID,
			InReplyTo: orig.ID,
			From:      agent,
			To:        orig.From,
		})
		if err != nil {
			return nil, err
		}
	}
	m.logger.Printf("MailboxService: %s replied to %s (thread %s)", agent, orig.From, orig.ThreadID)
	return &reply, nil
}

// Inbox returns the agent's messages, highest priority first. With
// unreadOnly set, already-read messages are skipped. Returned messages
// are marked read; each first read of a workflow message is recorded in
// the log.
func (m *MailboxService) Inbox(agent string, unreadOnly bool) ([]domain.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	msgs, err := m.mail.Inbox(agent)
	if err != nil {
		return nil, err
	}
	var out []domain.Message
	for _, msg := range msgs {
		if unreadOnly && msg.Read {
			continue
		}
		if !msg.Read {
			wasUnread := msg
			wasUnread.Read = true
			if err := m.mail.Update(agent, wasUnread); err != nil {
				return nil, err
			}
			if msg.WorkflowID != "" {
				_, err := m.events.Append(msg.WorkflowID, domain.MessagePayload{
					Type:      domain.EventMessageRead,
					MessageID: msg.ID,
					ThreadID:  msg.ThreadID,
					From:      msg.From,
					To:        agent,
				})
				if err != nil {
					return nil, err
				}
			}
		}
		out = append(out, msg)
	}
	return out, nil
}

// ThreadReply scans the agent's inbox for a reply in the given thread.
// Returns nil when no reply has arrived yet.
func (m *MailboxService) ThreadReply(agent, threadID string) (*domain.Message, error) {
	msgs, err := m.mail.Inbox(agent)
	if err != nil {
		return nil, err
	}
	for _, msg := range msgs {
		if msg.ThreadID == threadID && msg.InReplyTo != "" {
			reply := msg
			return &reply, nil
		}
	}
	return nil, nil
}
