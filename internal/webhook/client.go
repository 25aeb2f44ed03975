package webhook

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"syscall"
	"time"

	"github.com/seawatch/subscriptions/internal/model"
)

// Delivery request headers.
const (
	HeaderSignature  = "X-Seawatch-Signature"
	HeaderTimestamp  = "X-Seawatch-Timestamp"
	HeaderDeliveryID = "X-Seawatch-Delivery-Id"
	HeaderEventType  = "X-Seawatch-Event"

	userAgent = "Seawatch-Webhook/1.0"
)

// newDeliveryClient returns the client used for outbound deliveries. It
// never follows redirects, and unless allowInsecure is set it refuses to
// connect to blocked addresses, which also covers DNS answers that changed
// after the target was validated.
func newDeliveryClient(timeout time.Duration, allowInsecure bool) *http.Client {
	dialer := &net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}
	if !allowInsecure {
		dialer.Control = refuseBlocked
	}
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			Proxy:                 nil,
			DialContext:           dialer.DialContext,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: 15 * time.Second,
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   4,
			IdleConnTimeout:       90 * time.Second,
		},
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

func refuseBlocked(_, address string, _ syscall.RawConn) error {
	ap, err := netip.ParseAddrPort(address)
	if err != nil {
		return fmt.Errorf("webhook dial %q: %w", address, err)
	}
	if isBlockedAddr(ap.Addr()) {
		return fmt.Errorf("webhook dial %s: %w", address, ErrPrivateIP)
	}
	return nil
}

// newDeliveryRequest builds the signed POST for one attempt. The timestamp
// is taken per attempt, so retries carry fresh signatures.
func newDeliveryRequest(ctx context.Context, endpoint *model.WebhookEndpoint, d *model.WebhookDelivery, now time.Time) (*http.Request, error) {
	body := []byte(d.PayloadJSON)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.TargetURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build delivery request: %w", err)
	}

	ts := now.Unix()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(ts, 10))
	req.Header.Set(HeaderSignature, GenerateSignature(endpoint.SecretHash, ts, body))
	req.Header.Set(HeaderDeliveryID, d.ID)
	if d.EventType != "" {
		req.Header.Set(HeaderEventType, string(d.EventType))
	}
	return req, nil
}
