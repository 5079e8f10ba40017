package route

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/pkg/errors"

	"github.com/SirClappington/boostd/internal/domain"
)

// RemoteStatus is the provider's view of an order: its status vocabulary
// plus how many units it still owes.
type RemoteStatus struct {
	Status    string `json:"status"`
	Remaining int    `json:"remaining"`
}

// Client is the narrow contract every fulfillment provider speaks.
type Client interface {
	Submit(ctx context.Context, p domain.Provider, apiKey string, service domain.ServiceType, target string, quantity int) (string, error)
	Status(ctx context.Context, p domain.Provider, apiKey, externalID string) (RemoteStatus, error)
	Cancel(ctx context.Context, p domain.Provider, apiKey, externalID string) error
	Refill(ctx context.Context, p domain.Provider, apiKey, externalID string) error
}

// HTTPClient speaks the common panel-API shape: one endpoint, an action
// field, a key field.
type HTTPClient struct {
	HC *http.Client
}

type panelRequest struct {
	Key      string `json:"key"`
	Action   string `json:"action"`
	Service  string `json:"service,omitempty"`
	Link     string `json:"link,omitempty"`
	Quantity int    `json:"quantity,omitempty"`
	Order    string `json:"order,omitempty"`
}

type panelResponse struct {
	Order   string `json:"order"`
	Status  string `json:"status"`
	Remains int    `json:"remains"`
	Error   string `json:"error"`
}

func (c *HTTPClient) Submit(ctx context.Context, p domain.Provider, apiKey string, service domain.ServiceType, target string, quantity int) (string, error) {
	resp, err := c.call(ctx, p, panelRequest{
		Key: apiKey, Action: "add", Service: string(service), Link: target, Quantity: quantity,
	})
	if err != nil {
		return "", err
	}
	if resp.Order == "" {
		return "", errors.Errorf("provider %s accepted nothing: %s", p.Name, resp.Error)
	}
	return resp.Order, nil
}

func (c *HTTPClient) Status(ctx context.Context, p domain.Provider, apiKey, externalID string) (RemoteStatus, error) {
	resp, err := c.call(ctx, p, panelRequest{Key: apiKey, Action: "status", Order: externalID})
	if err != nil {
		return RemoteStatus{}, err
	}
	return RemoteStatus{Status: resp.Status, Remaining: resp.Remains}, nil
}

func (c *HTTPClient) Cancel(ctx context.Context, p domain.Provider, apiKey, externalID string) error {
	_, err := c.call(ctx, p, panelRequest{Key: apiKey, Action: "cancel", Order: externalID})
	return err
}

func (c *HTTPClient) Refill(ctx context.Context, p domain.Provider, apiKey, externalID string) error {
	_, err := c.call(ctx, p, panelRequest{Key: apiKey, Action: "refill", Order: externalID})
	return err
}

func (c *HTTPClient) call(ctx context.Context, p domain.Provider, body panelRequest) (*panelResponse, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.BaseURL+"/api/v2", bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := c.HC.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "provider %s", p.Name)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 512))
		return nil, errors.Errorf("provider %s: %s: %s", p.Name, res.Status, msg)
	}
	var out panelResponse
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return nil, errors.Wrapf(err, "provider %s response", p.Name)
	}
	if out.Error != "" {
		return nil, errors.Errorf("provider %s: %s", p.Name, out.Error)
	}
	return &out, nil
}
