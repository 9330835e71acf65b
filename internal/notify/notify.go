// Package notify emits connectivity notifications and disconnect alert
// mails on behalf of the liveness engine.
package notify

import (
	"fmt"
	"time"

	"fleetmon/internal/integrations/mailrelay"
	"fleetmon/internal/logutil"
	"fleetmon/internal/models"
)

// duplicateWindow suppresses repeat notifications of the same type for a
// server. Without it, a flapping agent writes a row every debounce cycle.
const duplicateWindow = 5 * time.Minute

// notificationStore is the subset of the store the service needs.
type notificationStore interface {
	InsertNotification(n *models.Notification) (*models.Notification, error)
	HasRecentNotification(code string, kind models.NotificationType, since time.Time) (bool, error)
	ListRecipients() ([]*models.MailRecipient, error)
}

// Signaler wakes subscribers so they re-fetch the notification feed.
type Signaler interface {
	SignalNotifications()
}

// Service persists connectivity notifications, pushes the re-fetch
// signal to subscribers, and posts disconnect mails to the relay.
type Service struct {
	store    notificationStore
	signaler Signaler
	relayURL string
}

// NewService builds a notification service. signaler may be nil (no
// broadcast); relayURL may be empty (no mail).
func NewService(store notificationStore, signaler Signaler, relayURL string) *Service {
	return &Service{store: store, signaler: signaler, relayURL: relayURL}
}

// EmitConnectivity records a connectivity notification unless an equal
// one was recorded within the duplicate window.
func (s *Service) EmitConnectivity(serverCode, serverName string, kind models.NotificationType, at time.Time) {
	recent, err := s.store.HasRecentNotification(serverCode, kind, at.Add(-duplicateWindow))
	if err != nil {
		logutil.Error().Err(err).Str("server", serverCode).Msg("notification duplicate check failed")
		return
	}
	if recent {
		return
	}
	_, err = s.store.InsertNotification(&models.Notification{
		ServerCode: serverCode,
		ServerName: serverName,
		Type:       kind,
		Timestamp:  at,
	})
	if err != nil {
		logutil.Error().Err(err).Str("server", serverCode).Msg("notification insert failed")
		return
	}
	if s.signaler != nil {
		s.signaler.SignalNotifications()
	}
}

// SendDisconnectedMail posts a disconnect alert for a server (or one of
// its processes, when processName is non-empty) to the mail relay.
// Best-effort: failures are logged and otherwise ignored.
func (s *Service) SendDisconnectedMail(serverName, processName string) {
	if s.relayURL == "" {
		return
	}
	recipients, err := s.store.ListRecipients()
	if err != nil {
		logutil.Error().Err(err).Msg("recipient lookup failed")
		return
	}
	if len(recipients) == 0 {
		return
	}
	addresses := make([]string, len(recipients))
	for i, r := range recipients {
		addresses[i] = r.Email
	}

	subject := fmt.Sprintf("[fleetmon] %s disconnected", serverName)
	body := fmt.Sprintf("Server %s stopped reporting telemetry.", serverName)
	if processName != "" {
		subject = fmt.Sprintf("[fleetmon] %s: process %s stopped", serverName, processName)
		body = fmt.Sprintf("Process %s on server %s stopped reporting.", processName, serverName)
	}

	status, err := mailrelay.Post(s.relayURL, mailrelay.Message{
		Subject:    subject,
		Body:       body,
		Recipients: addresses,
	})
	if err != nil || status < 200 || status >= 300 {
		logutil.Error().Err(err).Int("status", status).Str("server", serverName).Msg("disconnect mail failed")
	}
}
