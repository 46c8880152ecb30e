package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ruteri/enrollment-gateway/api"
	"github.com/ruteri/enrollment-gateway/cryptoutils"
	"github.com/ruteri/enrollment-gateway/interfaces"
)

// Client calls the enrollment gateway. Greeter and management calls need a
// session token, obtained with Login or set with SetToken. Claimer calls do
// not.
type Client struct {
	baseURL    string
	httpClient *http.Client

	mu    sync.RWMutex
	token string
}

// NewClient creates a client for the gateway at baseURL. The optional timeout
// applies to every request and must exceed the server's peer wait timeout
// for the waiting steps; the default is no timeout, leaving waits to the
// caller's context.
func NewClient(baseURL string, timeout ...time.Duration) *Client {
	httpClient := &http.Client{}
	if len(timeout) > 0 {
		httpClient.Timeout = timeout[0]
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
	}
}

func (c *Client) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// do sends body as JSON and decodes a 2xx answer into out. Error envelopes
// come back as *interfaces.APIError, so callers can match them with
// errors.Is against the interfaces sentinels.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		reqJSON, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		reader = bytes.NewReader(reqJSON)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := c.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s failed: %w", method, path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var envelope api.ErrorResponse
		if err := json.Unmarshal(respBody, &envelope); err != nil || envelope.Error == "" {
			return fmt.Errorf("%s %s failed with code %d: %s", method, path, resp.StatusCode, string(respBody))
		}
		return envelope.AsError(resp.StatusCode)
	}

	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

func stepPath(token, role, step string) string {
	return fmt.Sprintf("/invitations/%s/%s/%s", token, role, step)
}

// Login exchanges a device key for a session token and keeps it for later
// calls.
func (c *Client) Login(ctx context.Context, email, key string) error {
	var resp api.TokenResponse
	if err := c.do(ctx, http.MethodPost, "/auth", api.AuthRequest{Email: email, Key: key}, &resp); err != nil {
		return err
	}
	c.SetToken(resp.Token)
	return nil
}

func (c *Client) Humans(ctx context.Context) (api.HumansResponse, error) {
	var resp api.HumansResponse
	err := c.do(ctx, http.MethodGet, "/humans", nil, &resp)
	return resp, err
}

// CreateInvitation returns the token of the new (or already pending)
// invitation.
func (c *Client) CreateInvitation(ctx context.Context, typ interfaces.InvitationType, claimerEmail string) (string, error) {
	var resp api.TokenResponse
	err := c.do(ctx, http.MethodPost, "/invitations", api.CreateInvitationRequest{Type: string(typ), ClaimerEmail: claimerEmail}, &resp)
	return resp.Token, err
}

func (c *Client) ListInvitations(ctx context.Context) (api.ListInvitationsResponse, error) {
	var resp api.ListInvitationsResponse
	err := c.do(ctx, http.MethodGet, "/invitations", nil, &resp)
	return resp, err
}

func (c *Client) DeleteInvitation(ctx context.Context, token string) error {
	return c.do(ctx, http.MethodDelete, "/invitations/"+token, nil, nil)
}

func (c *Client) GreeterWaitPeerReady(ctx context.Context, token string) (api.GreeterWaitPeerReadyResponse, error) {
	var resp api.GreeterWaitPeerReadyResponse
	err := c.do(ctx, http.MethodPost, stepPath(token, "greeter", "1-wait-peer-ready"), api.Empty{}, &resp)
	return resp, err
}

func (c *Client) GreeterWaitPeerTrust(ctx context.Context, token string) ([]cryptoutils.SASCode, error) {
	var resp api.GreeterWaitPeerTrustResponse
	err := c.do(ctx, http.MethodPost, stepPath(token, "greeter", "2-wait-peer-trust"), api.Empty{}, &resp)
	return resp.CandidateClaimerSAS, err
}

func (c *Client) GreeterCheckTrust(ctx context.Context, token string, claimerSAS cryptoutils.SASCode) error {
	return c.do(ctx, http.MethodPost, stepPath(token, "greeter", "3-check-trust"), api.GreeterCheckTrustRequest{ClaimerSAS: claimerSAS}, nil)
}

func (c *Client) GreeterFinalize(ctx context.Context, token string, req api.GreeterFinalizeRequest) error {
	return c.do(ctx, http.MethodPost, stepPath(token, "greeter", "4-finalize"), req, nil)
}

func (c *Client) ClaimerRetrieveInfo(ctx context.Context, token string) (api.ClaimerRetrieveInfoResponse, error) {
	var resp api.ClaimerRetrieveInfoResponse
	err := c.do(ctx, http.MethodPost, stepPath(token, "claimer", "0-retrieve-info"), api.Empty{}, &resp)
	return resp, err
}

// ClaimerWaitPeerReady takes the recipient to pair with for recoveries; pass
// an empty greeterEmail otherwise.
func (c *Client) ClaimerWaitPeerReady(ctx context.Context, token, greeterEmail string) ([]cryptoutils.SASCode, error) {
	var resp api.ClaimerWaitPeerReadyResponse
	err := c.do(ctx, http.MethodPost, stepPath(token, "claimer", "1-wait-peer-ready"), api.ClaimerWaitPeerReadyRequest{GreeterEmail: greeterEmail}, &resp)
	return resp.CandidateGreeterSAS, err
}

func (c *Client) ClaimerCheckTrust(ctx context.Context, token string, greeterSAS cryptoutils.SASCode) (cryptoutils.SASCode, error) {
	var resp api.ClaimerCheckTrustResponse
	err := c.do(ctx, http.MethodPost, stepPath(token, "claimer", "2-check-trust"), api.ClaimerCheckTrustRequest{GreeterSAS: greeterSAS}, &resp)
	return resp.ClaimerSAS, err
}

func (c *Client) ClaimerWaitPeerTrust(ctx context.Context, token string) (api.ClaimerWaitPeerTrustResponse, error) {
	var resp api.ClaimerWaitPeerTrustResponse
	err := c.do(ctx, http.MethodPost, stepPath(token, "claimer", "3-wait-peer-trust"), api.Empty{}, &resp)
	return resp, err
}

func (c *Client) ClaimerFinalize(ctx context.Context, token, key, deviceLabel string) error {
	return c.do(ctx, http.MethodPost, stepPath(token, "claimer", "4-finalize"), api.ClaimerFinalizeRequest{Key: key, DeviceLabel: deviceLabel}, nil)
}

func (c *Client) SetupShamir(ctx context.Context, threshold int, recipients []interfaces.Recipient) error {
	return c.do(ctx, http.MethodPost, "/recovery/shamir/setup", api.ShamirSetupRequest{Threshold: threshold, Recipients: recipients}, nil)
}

func (c *Client) ShamirSetup(ctx context.Context) (api.ShamirSetupResponse, error) {
	var resp api.ShamirSetupResponse
	err := c.do(ctx, http.MethodGet, "/recovery/shamir/setup", nil, &resp)
	return resp, err
}

func (c *Client) DeleteShamirSetup(ctx context.Context) error {
	return c.do(ctx, http.MethodDelete, "/recovery/shamir/setup", nil, nil)
}

func (c *Client) OtherShamirSetups(ctx context.Context) (api.OtherSetupsResponse, error) {
	var resp api.OtherSetupsResponse
	err := c.do(ctx, http.MethodGet, "/recovery/shamir/setup/others", nil, &resp)
	return resp, err
}
