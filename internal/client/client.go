package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// AllocateResponse is returned by GET /{projectId}.
type AllocateResponse struct {
	IP        string `json:"ip"`
	ProjectID string `json:"projectId"`
}

// DestroyRequest is the body of POST /destroy.
type DestroyRequest struct {
	MachineID string `json:"machineId"`
}

// DestroyResponse is returned by POST /destroy.
type DestroyResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// MachineStatus is one machine in a StatusResponse.
type MachineStatus struct {
	IP              string `json:"ip"`
	IsUsed          bool   `json:"isUsed"`
	AssignedProject string `json:"assignedProject,omitempty"`
	InstanceID      string `json:"instanceId,omitempty"`
}

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	TotalMachines int             `json:"totalMachines"`
	IdleMachines  int             `json:"idleMachines"`
	UsedMachines  int             `json:"usedMachines"`
	Machines      []MachineStatus `json:"machines"`
}

// StatusError is returned for non-2xx responses. Body holds the start of the
// response body, which the orchestrator sends as plain text on errors.
type StatusError struct {
	URL  string
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("http %s: %d", e.URL, e.Code)
	}
	return fmt.Sprintf("http %s: %d: %s", e.URL, e.Code, e.Body)
}

var httpClient = &http.Client{Timeout: 10 * time.Second}

func PostJSON(ctx context.Context, url string, body any, out any) error {
	reqBody, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return do(req, out)
}

func GetJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	return do(req, out)
}

func do(req *http.Request, out any) error {
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{URL: req.URL.String(), Code: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Client talks to a running orchestrator.
type Client struct {
	base string
}

// New returns a client for the orchestrator at base, e.g.
// "http://localhost:9092".
func New(base string) *Client {
	return &Client{base: strings.TrimRight(base, "/")}
}

// Allocate requests a machine for project.
func (c *Client) Allocate(ctx context.Context, project string) (AllocateResponse, error) {
	var out AllocateResponse
	err := GetJSON(ctx, c.base+"/"+url.PathEscape(project), &out)
	return out, err
}

// Destroy asks the orchestrator to terminate machineID.
func (c *Client) Destroy(ctx context.Context, machineID string) (DestroyResponse, error) {
	var out DestroyResponse
	err := PostJSON(ctx, c.base+"/destroy", DestroyRequest{MachineID: machineID}, &out)
	return out, err
}

// Status fetches the pool snapshot.
func (c *Client) Status(ctx context.Context) (StatusResponse, error) {
	var out StatusResponse
	err := GetJSON(ctx, c.base+"/status", &out)
	return out, err
}
