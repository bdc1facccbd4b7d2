package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"privchat/internal/keymanager"
	"privchat/internal/model"
)

type (
	// APIClient talks to the server's HTTP surface. It is the concrete
	// key-exchange and pending-message collaborator of the client core.
	APIClient struct {
		host   string
		userID string
		client *http.Client
	}
)

func NewAPIClient(host, userID string) *APIClient {
	return &APIClient{
		host:   host,
		userID: userID,
		client: http.DefaultClient,
	}
}

// WSURL is the websocket endpoint the transport dials.
func (c *APIClient) WSURL() string {
	params := url.Values{"user_id": []string{c.userID}}
	u := url.URL{Scheme: "ws", Host: c.host, Path: "/ws", RawQuery: params.Encode()}
	return u.String()
}

// ResolvePeer returns the other participant of a conversation.
func (c *APIClient) ResolvePeer(ctx context.Context, conversationID string) (string, error) {
	var conv model.Conversation
	if err := c.get(ctx, fmt.Sprintf("/conversations/%s", conversationID), &conv); err != nil {
		return "", err
	}
	peer := conv.Peer(c.userID)
	if peer == "" {
		return "", fmt.Errorf("not a participant of conversation %s", conversationID)
	}
	return peer, nil
}

func (c *APIClient) FetchBundle(ctx context.Context, userID string) (*model.KeyBundle, error) {
	var bundle model.KeyBundle
	if err := c.get(ctx, fmt.Sprintf("/keys/bundle/%s", userID), &bundle); err != nil {
		return nil, err
	}
	return &bundle, nil
}

func (c *APIClient) FetchPending(ctx context.Context, conversationID string) ([]*model.PendingMessage, error) {
	params := url.Values{"user_id": []string{c.userID}}
	if conversationID != "" {
		params.Set("conversation_id", conversationID)
	}
	var msgs []*model.PendingMessage
	if err := c.get(ctx, "/messages/pending?"+params.Encode(), &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// PreKeyCount reports how many unused one-time prekeys the server still
// holds for this user.
func (c *APIClient) PreKeyCount(ctx context.Context) (int64, error) {
	params := url.Values{"user_id": []string{c.userID}}
	var resp struct {
		Count int64 `json:"count"`
	}
	if err := c.get(ctx, "/keys/prekeys/count?"+params.Encode(), &resp); err != nil {
		return 0, err
	}
	return resp.Count, nil
}

func (c *APIClient) MarkDelivered(ctx context.Context, ids []string) error {
	return c.post(ctx, "/messages/delivered", map[string]any{
		"user_id": c.userID,
		"ids":     ids,
	}, nil)
}

// Register uploads a fresh device's key material: identity key, signed
// prekey, and the one-time prekey batch.
func (c *APIClient) Register(ctx context.Context, material *keymanager.RegistrationMaterial) error {
	err := c.post(ctx, "/keys/identity", map[string]any{
		"user_id":    c.userID,
		"public_key": material.IdentityKey,
	}, nil)
	if err != nil {
		return fmt.Errorf("register identity key: %w", err)
	}

	err = c.post(ctx, "/keys/signed", map[string]any{
		"user_id":    c.userID,
		"key_id":     material.SignedKeyID,
		"public_key": material.SignedPreKey,
		"signature":  material.Signature,
	}, nil)
	if err != nil {
		return fmt.Errorf("upload signed prekey: %w", err)
	}

	if len(material.PreKeys) == 0 {
		// pool already at target
		return nil
	}
	keys := make([]map[string]any, 0, len(material.PreKeys))
	for _, k := range material.PreKeys {
		keys = append(keys, map[string]any{"key_id": k.KeyID, "public_key": k.PublicKey})
	}
	err = c.post(ctx, "/keys/prekeys", map[string]any{
		"user_id": c.userID,
		"keys":    keys,
	}, nil)
	if err != nil {
		return fmt.Errorf("upload prekeys: %w", err)
	}
	return nil
}

func (c *APIClient) CreateConversation(ctx context.Context, id, peerID string) (*model.Conversation, error) {
	var conv model.Conversation
	err := c.post(ctx, "/conversations", map[string]any{
		"id":           id,
		"participants": [2]string{c.userID, peerID},
	}, &conv)
	if err != nil {
		return nil, err
	}
	return &conv, nil
}

func (c *APIClient) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("http://%s%s", c.host, path), nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *APIClient) post(ctx context.Context, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	u := url.URL{Scheme: "http", Host: c.host, Path: path}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *APIClient) do(req *http.Request, out any) error {
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	defer io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Error string `json:"error"`
		}
		json.NewDecoder(resp.Body).Decode(&apiErr)
		return fmt.Errorf("%s %s: %d %s", req.Method, req.URL.Path, resp.StatusCode, apiErr.Error)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
