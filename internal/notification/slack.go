package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const slackPostMessageURL = "https://slack.com/api/chat.postMessage"

// SlackSender posts Block Kit messages with the channel's bot token.
type SlackSender struct {
	apiURL     string
	httpClient *http.Client
}

func NewSlackSender() *SlackSender {
	return &SlackSender{
		apiURL:     slackPostMessageURL,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

func (s *SlackSender) Type() string { return "slack" }

func (s *SlackSender) Send(ctx context.Context, ch *Channel, msg *Message) error {
	if ch.ChannelID == "" || ch.Credential == "" {
		return fmt.Errorf("slack channel %q needs channel_id and a bot token", ch.Name)
	}
	body, err := json.Marshal(slackPayload(ch.ChannelID, msg))
	if err != nil {
		return fmt.Errorf("encoding slack payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.apiURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("Authorization", "Bearer "+ch.Credential)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("posting to slack: %w", err)
	}
	defer resp.Body.Close()

	var out struct {
		OK    bool   `json:"ok"`
		Error string `json:"error"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack API returned %d: %s", resp.StatusCode, raw)
	}
	// chat.postMessage reports application errors with a 200.
	if err := json.Unmarshal(raw, &out); err != nil {
		return fmt.Errorf("decoding slack response: %w", err)
	}
	if !out.OK {
		return fmt.Errorf("slack API error: %s", out.Error)
	}
	return nil
}

type slackText struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type slackBlock struct {
	Type     string     `json:"type"`
	Text     *slackText `json:"text,omitempty"`
	Elements []any      `json:"elements,omitempty"`
}

type slackButton struct {
	Type string    `json:"type"`
	Text slackText `json:"text"`
	URL  string    `json:"url"`
}

// slackPayload lays out a heading, the body, the trip/approval ids and, when
// a public URL is configured, a button opening the trip. "text" is the
// fallback shown in notifications.
func slackPayload(channelID string, msg *Message) map[string]any {
	blocks := []slackBlock{}
	if msg.Subject != "" {
		blocks = append(blocks, slackBlock{Type: "header", Text: &slackText{Type: "plain_text", Text: msg.Subject}})
	}
	blocks = append(blocks, slackBlock{Type: "section", Text: &slackText{Type: "mrkdwn", Text: msg.Body}})

	ctxLine := "trip `" + msg.Metadata["trip_id"] + "`"
	if id := msg.Metadata["approval_id"]; id != "" {
		ctxLine += " · approval `" + id + "`"
	}
	blocks = append(blocks, slackBlock{Type: "context", Elements: []any{slackText{Type: "mrkdwn", Text: ctxLine}}})

	if msg.Link != "" {
		blocks = append(blocks, slackBlock{Type: "actions", Elements: []any{slackButton{
			Type: "button",
			Text: slackText{Type: "plain_text", Text: "View trip"},
			URL:  msg.Link,
		}}})
	}

	fallback := msg.Body
	if msg.Subject != "" {
		fallback = msg.Subject + "\n" + msg.Body
	}
	return map[string]any{"channel": channelID, "text": fallback, "blocks": blocks}
}
