package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

var ErrUserNotFound = errors.New("user not found")

// User is the directory's view of an account. Identity is owned by the
// auth service; the chat core only reads it.
type User struct {
	ID       int    `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email,omitempty"`
}

// UserDirectory resolves user ids to profile data.
type UserDirectory interface {
	GetUser(ctx context.Context, userID int) (User, error)
	BulkUsers(ctx context.Context, ids []int) ([]User, error)
}

// Client talks to the user service's internal REST API.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient constructs the wrapper.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 5 * time.Second},
	}
}

// GetUser retrieves user details.
func (c *Client) GetUser(ctx context.Context, userID int) (User, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/internal/users/%d", c.baseURL, userID), nil)
	if err != nil {
		return User{}, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return User{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return User{}, ErrUserNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return User{}, fmt.Errorf("user service returned %d", resp.StatusCode)
	}

	var user User
	if err := json.NewDecoder(resp.Body).Decode(&user); err != nil {
		return User{}, err
	}
	if user.ID == 0 {
		return User{}, ErrUserNotFound
	}
	return user, nil
}

// BulkUsers fetches multiple users in one call.
func (c *Client) BulkUsers(ctx context.Context, ids []int) ([]User, error) {
	if len(ids) == 0 {
		return []User{}, nil
	}

	params := make([]string, 0, len(ids))
	for _, id := range ids {
		params = append(params, strconv.Itoa(id))
	}
	url := fmt.Sprintf("%s/internal/users?ids=%s", c.baseURL, strings.Join(params, ","))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("user service returned %d", resp.StatusCode)
	}

	var payload struct {
		Users []User `json:"users"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, err
	}
	return payload.Users, nil
}
