package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/cloudwego/hertz/pkg/app/client"
	"github.com/cloudwego/hertz/pkg/protocol"
	"github.com/cloudwego/hertz/pkg/protocol/consts"
)

// HTTPComplianceProvider fetches the mission compliance snapshot from the
// airspace service: GET {BaseURL}/missions/{id}/compliance.
type HTTPComplianceProvider struct {
	BaseURL string
	Timeout time.Duration
	client  *client.Client
}

func NewHTTPComplianceProvider(baseURL string, timeout time.Duration) (*HTTPComplianceProvider, error) {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	c, err := client.NewClient(client.WithDialTimeout(timeout))
	if err != nil {
		return nil, fmt.Errorf("failed to create compliance client: %w", err)
	}
	return &HTTPComplianceProvider{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Timeout: timeout,
		client:  c,
	}, nil
}

func (p *HTTPComplianceProvider) Snapshot(ctx context.Context, tenantID, missionID string) (map[string]interface{}, error) {
	req := protocol.AcquireRequest()
	resp := protocol.AcquireResponse()
	defer protocol.ReleaseRequest(req)
	defer protocol.ReleaseResponse(resp)

	req.SetRequestURI(fmt.Sprintf("%s/missions/%s/compliance", p.BaseURL, url.PathEscape(missionID)))
	req.SetMethod(consts.MethodGet)
	req.Header.Set("X-Tenant-ID", tenantID)
	req.Header.Set("Accept", "application/json")

	if err := p.client.DoTimeout(ctx, req, resp, p.Timeout); err != nil {
		return nil, fmt.Errorf("compliance request for mission %s failed: %w", missionID, err)
	}
	if resp.StatusCode() != consts.StatusOK {
		return nil, fmt.Errorf("compliance service returned %d for mission %s", resp.StatusCode(), missionID)
	}

	var snapshot map[string]interface{}
	if err := json.Unmarshal(resp.Body(), &snapshot); err != nil {
		return nil, fmt.Errorf("failed to decode compliance snapshot: %w", err)
	}
	return snapshot, nil
}
