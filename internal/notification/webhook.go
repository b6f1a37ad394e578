package notification

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SignatureHeader carries the hex HMAC-SHA256 of the request body, keyed
// with the channel credential, as "sha256=<hex>".
const SignatureHeader = "X-Tripgate-Signature"

// Event and delivery headers let receivers route and deduplicate without
// parsing the body.
const (
	EventHeader    = "X-Tripgate-Event"
	DeliveryHeader = "X-Tripgate-Delivery"
)

// WebhookSender POSTs a JSON payload to the channel URL. Hosts resolving to
// private or loopback addresses are refused.
type WebhookSender struct {
	httpClient   *http.Client
	allowPrivate bool
}

// NewWebhookSender creates a webhook sender.
func NewWebhookSender() *WebhookSender {
	return &WebhookSender{
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
			// Redirects could reach internal hosts.
			CheckRedirect: func(_ *http.Request, _ []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

func (s *WebhookSender) Type() string { return "webhook" }

func (s *WebhookSender) Send(ctx context.Context, ch *Channel, msg *Message) error {
	if ch.URL == "" {
		return fmt.Errorf("webhook channel %q has no url", ch.Name)
	}
	if !s.allowPrivate {
		if err := validateWebhookURL(ch.URL); err != nil {
			return fmt.Errorf("webhook URL rejected: %w", err)
		}
	}

	body, err := json.Marshal(map[string]any{
		"channel":  ch.Name,
		"subject":  msg.Subject,
		"body":     msg.Body,
		"metadata": msg.Metadata,
	})
	if err != nil {
		return fmt.Errorf("encoding webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ch.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "tripgate-webhook/1.0")
	req.Header.Set(EventHeader, msg.Metadata["event"])
	req.Header.Set(DeliveryHeader, uuid.NewString())
	if ch.Credential != "" {
		req.Header.Set(SignatureHeader, "sha256="+Sign(ch.Credential, body))
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("webhook returned %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

// Sign returns the hex HMAC-SHA256 of body keyed with secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a SignatureHeader value against body.
func Verify(secret, header string, body []byte) bool {
	got, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return false
	}
	sig, err := hex.DecodeString(got)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), sig)
}

// validateWebhookURL requires an http(s) URL whose host resolves only to
// public addresses.
func validateWebhookURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https, got %q", u.Scheme)
	}

	hostname := u.Hostname()
	if strings.EqualFold(hostname, "localhost") {
		return fmt.Errorf("loopback addresses not allowed")
	}
	ips, err := net.LookupHost(hostname)
	if err != nil {
		return fmt.Errorf("DNS lookup failed for %q: %w", hostname, err)
	}
	for _, ipStr := range ips {
		ip := net.ParseIP(ipStr)
		if ip == nil {
			continue
		}
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified() {
			return fmt.Errorf("private/internal IP %s not allowed", ipStr)
		}
	}
	return nil
}
