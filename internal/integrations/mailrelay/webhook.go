// Package mailrelay posts alert mail requests to an external relay
// webhook. The relay owns rendering and SMTP delivery; fleetmon only
// hands it a subject, a body, and the recipient list.
package mailrelay

import (
	"bytes"
	"encoding/json"
	"net/http"
	"time"
)

// Message is the JSON body accepted by the mail relay.
type Message struct {
	Subject    string   `json:"subject"`
	Body       string   `json:"body"`
	Recipients []string `json:"recipients"`
	Timestamp  string   `json:"timestamp,omitempty"`
}

// Post sends a message to the relay URL. Returns the HTTP status code
// and any transport error. An empty URL is a no-op.
func Post(relayURL string, message Message) (int, error) {
	if relayURL == "" {
		return 0, nil
	}
	if message.Timestamp == "" {
		message.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}
	body, err := json.Marshal(message)
	if err != nil {
		return 0, err
	}
	client := &http.Client{Timeout: 8 * time.Second}
	req, err := http.NewRequest(http.MethodPost, relayURL, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	return resp.StatusCode, nil
}
