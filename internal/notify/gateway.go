package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Pierroll/IPS-CONTROL-V2-sub001/internal/shared"
)

// MessageSender delivers one rendered message to one phone.
type MessageSender interface {
	Send(ctx context.Context, phone, body string) error
}

// HTTPGateway posts messages to the WhatsApp bridge's send endpoint.
type HTTPGateway struct {
	baseURL string
	client  *http.Client
}

// NewHTTPGateway constructs a gateway against the bridge base URL.
func NewHTTPGateway(baseURL string, client *http.Client) *HTTPGateway {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPGateway{baseURL: strings.TrimSuffix(baseURL, "/"), client: client}
}

type sendRequest struct {
	To      string `json:"to"`
	Message string `json:"message"`
}

// Send posts the message. Non-2xx responses surface as DeliveryError so
// callers can log and move on without aborting a batch.
func (g *HTTPGateway) Send(ctx context.Context, phone, body string) error {
	payload, err := json.Marshal(sendRequest{To: phone, Message: body})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/api/send", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return &shared.DeliveryError{Phone: phone, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return &shared.DeliveryError{
			Phone: phone,
			Err:   fmt.Errorf("gateway returned %d: %s", resp.StatusCode, string(snippet)),
		}
	}
	return nil
}
