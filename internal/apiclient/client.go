// Package apiclient talks to the chat server's REST API.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"chatlink/internal/apperr"
	"chatlink/internal/wire"
)

type Tokens struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

type Registration struct {
	Email                string `json:"email"`
	Name                 string `json:"name"`
	Password             string `json:"password"`
	PasswordConfirmation string `json:"passwordConfirmation"`
}

// ProfileUpdate changes only the fields that are set.
type ProfileUpdate struct {
	Name              *string `json:"name,omitempty"`
	Password          *string `json:"password,omitempty"`
	ProfilePictureURL *string `json:"profilePictureUrl,omitempty"`
}

// TokenSource hands out bearer tokens. HandleUnauthorized is called after a
// 401 and must return a freshly refreshed token or an error.
type TokenSource interface {
	AccessToken(ctx context.Context) (string, error)
	HandleUnauthorized(ctx context.Context) (string, error)
}

func newHTTPClient(hc *http.Client) *http.Client {
	if hc != nil {
		return hc
	}
	return &http.Client{Timeout: 15 * time.Second}
}

// AuthClient covers the routes that take no bearer token, plus Me with an
// explicit one.
type AuthClient struct {
	baseURL string
	http    *http.Client
}

func NewAuthClient(baseURL string, hc *http.Client) *AuthClient {
	return &AuthClient{baseURL: strings.TrimRight(baseURL, "/"), http: newHTTPClient(hc)}
}

func (a *AuthClient) Login(ctx context.Context, email, password string) (*Tokens, error) {
	var out Tokens
	body := map[string]string{"email": email, "password": password}
	if err := doJSON(ctx, a.http, http.MethodPost, a.baseURL+"/auth/login", "", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (a *AuthClient) Register(ctx context.Context, r Registration) (*Tokens, error) {
	var out Tokens
	if err := doJSON(ctx, a.http, http.MethodPost, a.baseURL+"/auth/register", "", r, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (a *AuthClient) Refresh(ctx context.Context, refreshToken string) (*Tokens, error) {
	var out Tokens
	body := map[string]string{"refreshToken": refreshToken}
	if err := doJSON(ctx, a.http, http.MethodPost, a.baseURL+"/auth/refresh", "", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (a *AuthClient) Me(ctx context.Context, accessToken string) (*wire.Me, error) {
	var out wire.Me
	if err := doJSON(ctx, a.http, http.MethodGet, a.baseURL+"/users/me", accessToken, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Client covers the authenticated routes. A 401 triggers one forced token
// refresh and one retry.
type Client struct {
	baseURL string
	http    *http.Client
	tokens  TokenSource
}

func New(baseURL string, tokens TokenSource, hc *http.Client) *Client {
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: newHTTPClient(hc), tokens: tokens}
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	token, err := c.tokens.AccessToken(ctx)
	if err != nil {
		return err
	}
	err = doJSON(ctx, c.http, method, c.baseURL+path, token, in, out)
	if !apperr.IsUnauthenticated(err) {
		return err
	}
	token, err = c.tokens.HandleUnauthorized(ctx)
	if err != nil {
		return err
	}
	return doJSON(ctx, c.http, method, c.baseURL+path, token, in, out)
}

func (c *Client) Me(ctx context.Context) (*wire.Me, error) {
	var out wire.Me
	if err := c.do(ctx, http.MethodGet, "/users/me", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Users lists every other user with their presence.
func (c *Client) Users(ctx context.Context) ([]wire.UserPresence, error) {
	var out []wire.UserPresence
	if err := c.do(ctx, http.MethodGet, "/users", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Messages(ctx context.Context, recipientID int) ([]wire.Message, error) {
	var out []wire.Message
	if err := c.do(ctx, http.MethodGet, "/messages/"+strconv.Itoa(recipientID), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) LatestMessages(ctx context.Context) ([]wire.LatestMessage, error) {
	var out []wire.LatestMessage
	if err := c.do(ctx, http.MethodGet, "/latest-messages", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) UpdateProfile(ctx context.Context, u ProfileUpdate) (*wire.Me, error) {
	var out wire.Me
	if err := c.do(ctx, http.MethodPost, "/user/update", u, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) DeleteAccount(ctx context.Context) error {
	return c.do(ctx, http.MethodDelete, "/users", nil, nil)
}

type errorBody struct {
	Message string      `json:"message"`
	Code    apperr.Code `json:"code"`
}

func doJSON(ctx context.Context, hc *http.Client, method, url, token string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return apperr.Wrap(apperr.CodeInvalidArgument, "encoding request", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return apperr.Wrap(apperr.CodeInvalidArgument, "building request", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := hc.Do(req)
	if err != nil {
		return apperr.Unavailable(fmt.Sprintf("%s %s", method, req.URL.Path), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var eb errorBody
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		if json.Unmarshal(data, &eb) != nil || eb.Message == "" {
			eb.Message = strings.TrimSpace(string(data))
			if eb.Message == "" {
				eb.Message = resp.Status
			}
		}
		code := apperr.FromHTTPStatus(resp.StatusCode)
		if eb.Code != "" && apperr.HTTPStatus(eb.Code) == resp.StatusCode {
			code = eb.Code
		}
		return apperr.New(code, eb.Message)
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return apperr.Wrap(apperr.CodeInternal, "decoding response", err)
	}
	return nil
}
