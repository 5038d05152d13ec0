package clients

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// ResolveTarget identifies who an approval should be routed to. Exactly one
// of Role, Department or HierarchyLevel is meaningful per call.
type ResolveTarget struct {
	Role           string `json:"role,omitempty"`
	Department     string `json:"department,omitempty"`
	HierarchyLevel int    `json:"hierarchyLevel,omitempty"`
	RelativeToUser string `json:"relativeToUser,omitempty"` // for manager-hierarchy walks
}

// QuoteContext carries the quote attributes the directory may route on
type QuoteContext struct {
	QuoteID    string  `json:"quoteId"`
	TenantID   string  `json:"tenantId"`
	Department string  `json:"department,omitempty"`
	Amount     float64 `json:"amount"`
}

// ApproverResolver resolves a role, department or hierarchy position to the
// concrete user currently holding it. Resolution lives in the directory
// service; the engine only consumes the result.
type ApproverResolver interface {
	Resolve(ctx context.Context, target ResolveTarget, quoteCtx QuoteContext) (string, error)
	// MembersOf expands a role to its current member ids, for role-addressed
	// notification channels.
	MembersOf(ctx context.Context, tenantID, role string) ([]string, error)
}

// DirectoryClient handles HTTP communication with the staff directory service
type DirectoryClient struct {
	baseURL    string
	httpClient *http.Client
}

var _ ApproverResolver = (*DirectoryClient)(nil)

// NewDirectoryClient creates a new directory client
func NewDirectoryClient(baseURL string) *DirectoryClient {
	return &DirectoryClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Resolve asks the directory service for the current holder of a target
func (c *DirectoryClient) Resolve(ctx context.Context, target ResolveTarget, quoteCtx QuoteContext) (string, error) {
	url := fmt.Sprintf("%s/api/v1/directory/resolve", c.baseURL)

	req, err := newJSONRequest(ctx, http.MethodPost, url, map[string]interface{}{
		"target":  target,
		"context": quoteCtx,
	})
	if err != nil {
		return "", err
	}
	req.Header.Set("X-Tenant-ID", quoteCtx.TenantID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("directory resolve failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return "", nil
	}
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("directory service returned status %d", resp.StatusCode)
	}

	var body struct {
		ActorID string `json:"actorId"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("failed to decode directory response: %w", err)
	}
	return body.ActorID, nil
}

// MembersOf expands a role to the ids of its current members
func (c *DirectoryClient) MembersOf(ctx context.Context, tenantID, role string) ([]string, error) {
	url := fmt.Sprintf("%s/api/v1/directory/roles/%s/members", c.baseURL, role)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-Tenant-ID", tenantID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("directory members lookup failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("directory service returned status %d", resp.StatusCode)
	}

	var body struct {
		Members []string `json:"members"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to decode directory response: %w", err)
	}
	return body.Members, nil
}
