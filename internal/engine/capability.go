package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/pkg/errors"

	"github.com/SirClappington/boostd/internal/domain"
	"github.com/SirClappington/boostd/internal/secrets"
)

// Session carries the unsealed credential for the duration of one call.
// Never logged, never stored.
type Session struct {
	Handle     string
	Credential string
}

// Capability drives an agent through a single platform action. How it is
// implemented (browser automation, a partner API, manual operators) is the
// adapter's business.
type Capability interface {
	Follow(ctx context.Context, s Session, targetHandle string) error
	Like(ctx context.Context, s Session, targetLink string) error
	Comment(ctx context.Context, s Session, targetLink, text string) error
	HealthCheck(ctx context.Context, s Session) error
}

// Prober adapts the capability's health check to the pool registry's sweep.
type Prober struct {
	Cap Capability
	Box *secrets.Box
}

func (p Prober) HealthCheck(ctx context.Context, agent domain.Agent) error {
	cred, err := p.Box.Open(agent.CredentialSealed)
	if err != nil {
		return errors.Wrap(err, "unseal credential")
	}
	return p.Cap.HealthCheck(ctx, Session{Handle: agent.Handle, Credential: string(cred)})
}

// HTTPCapability talks to the partner action API.
type HTTPCapability struct {
	Base   string
	Token  string
	Client *http.Client
}

func (c *HTTPCapability) Follow(ctx context.Context, s Session, target string) error {
	return c.post(ctx, "follow", s, map[string]string{"target_handle": target})
}

func (c *HTTPCapability) Like(ctx context.Context, s Session, link string) error {
	return c.post(ctx, "like", s, map[string]string{"target_link": link})
}

func (c *HTTPCapability) Comment(ctx context.Context, s Session, link, text string) error {
	return c.post(ctx, "comment", s, map[string]string{"target_link": link, "text": text})
}

func (c *HTTPCapability) HealthCheck(ctx context.Context, s Session) error {
	return c.post(ctx, "health", s, nil)
}

func (c *HTTPCapability) post(ctx context.Context, action string, s Session, fields map[string]string) error {
	body := map[string]string{"handle": s.Handle, "credential": s.Credential}
	for k, v := range fields {
		body[k] = v
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Base+"/v1/actions/"+action, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.Token)
	resp, err := c.Client.Do(req)
	if err != nil {
		return errors.Wrapf(err, "action %s", action)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return errors.Errorf("action %s: %s: %s", action, resp.Status, msg)
	}
	return nil
}
