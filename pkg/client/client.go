// Copyright 2025 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package client talks to the deployment server: deployment discovery,
// status reporting, deployment logs, artifact download and inventory
// submission.
package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/update-agent/pkg/logger"
)

// DeploymentStatus is a status value accepted by the server.
type DeploymentStatus string

const (
	StatusDownloading      DeploymentStatus = "downloading"
	StatusInstalling       DeploymentStatus = "installing"
	StatusRebooting        DeploymentStatus = "rebooting"
	StatusSuccess          DeploymentStatus = "success"
	StatusFailure          DeploymentStatus = "failure"
	StatusAlreadyInstalled DeploymentStatus = "already-installed"
)

// ErrDeploymentAborted is returned when the server answers a status push
// with 409, meaning the deployment was aborted server-side.
var ErrDeploymentAborted = errors.New("deployment aborted at the server")

const (
	apiDeploymentsNext   = "/api/devices/v1/deployments/device/deployments/next"
	apiDeploymentsStatus = "/api/devices/v1/deployments/device/deployments/%s/status"
	apiDeploymentsLog    = "/api/devices/v1/deployments/device/deployments/%s/log"
	apiInventory         = "/api/devices/v1/inventory/device/attributes"
)

// ArtifactSource is where a deployment's artifact can be fetched from.
type ArtifactSource struct {
	URI    string `json:"uri"`
	Expire string `json:"expire"`
}

// DeploymentArtifact describes the artifact of an offered deployment.
type DeploymentArtifact struct {
	Name                  string            `json:"artifact_name"`
	Group                 string            `json:"artifact_group,omitempty"`
	Source                ArtifactSource    `json:"source"`
	DeviceTypesCompatible []string          `json:"device_types_compatible"`
	PayloadTypes          []string          `json:"payload_types,omitempty"`
	Provides              map[string]string `json:"provides,omitempty"`
	ClearsProvides        []string          `json:"clears_provides,omitempty"`
}

// DeploymentInfo is the server's answer to a deployment check.
type DeploymentInfo struct {
	ID       string             `json:"id"`
	Artifact DeploymentArtifact `json:"artifact"`
}

// LogMessage is one deployment log entry pushed to the server.
type LogMessage struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
}

// DeploymentsAPI is the surface the daemon consumes; implemented by Client
// and by test doubles.
type DeploymentsAPI interface {
	CheckNewDeployments(ctx context.Context, deviceType, artifactName string) (*DeploymentInfo, error)
	PushStatus(ctx context.Context, deploymentID string, status DeploymentStatus) error
	PushLogs(ctx context.Context, deploymentID string, messages []LogMessage) error
	FetchArtifact(ctx context.Context, uri string) (io.ReadCloser, error)
	PushInventory(ctx context.Context, attributes []InventoryAttribute) error
}

// InventoryAttribute is one inventory key/value pair.
type InventoryAttribute struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Client is the HTTP implementation of DeploymentsAPI.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	log     *zap.SugaredLogger
}

// New returns a Client for the given server. token is sent as a bearer
// token on every API request.
func New(baseURL, token string, timeout time.Duration) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: timeout},
		log:     logger.For(logger.ComponentClient),
	}
}

// CheckNewDeployments asks the server for the next deployment for this
// device. A nil DeploymentInfo means there is nothing to do.
func (c *Client) CheckNewDeployments(ctx context.Context, deviceType, artifactName string) (*DeploymentInfo, error) {
	query := url.Values{}
	query.Set("device_type", deviceType)
	query.Set("artifact_name", artifactName)

	req, err := c.newRequest(ctx, http.MethodGet, apiDeploymentsNext+"?"+query.Encode(), nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("deployment check failed: %w", err)
	}
	defer drainAndClose(resp.Body)

	switch resp.StatusCode {
	case http.StatusOK:
		var info DeploymentInfo
		if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
			return nil, fmt.Errorf("failed to decode deployment response: %w", err)
		}
		if info.ID == "" || info.Artifact.Source.URI == "" {
			return nil, errors.New("deployment response missing id or artifact URI")
		}

		return &info, nil
	case http.StatusNoContent:
		return nil, nil
	default:
		return nil, unexpectedStatus("deployment check", resp)
	}
}

// PushStatus reports the deployment status. A 409 answer maps to
// ErrDeploymentAborted.
func (c *Client) PushStatus(ctx context.Context, deploymentID string, status DeploymentStatus) error {
	body, err := json.Marshal(map[string]DeploymentStatus{"status": status})
	if err != nil {
		return err
	}

	req, err := c.newRequest(ctx, http.MethodPut, fmt.Sprintf(apiDeploymentsStatus, deploymentID), body)
	if err != nil {
		return err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("status push failed: %w", err)
	}
	defer drainAndClose(resp.Body)

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent:
		return nil
	case http.StatusConflict:
		return ErrDeploymentAborted
	default:
		return unexpectedStatus("status push", resp)
	}
}

// PushLogs uploads the deployment log.
func (c *Client) PushLogs(ctx context.Context, deploymentID string, messages []LogMessage) error {
	body, err := json.Marshal(map[string][]LogMessage{"messages": messages})
	if err != nil {
		return err
	}

	req, err := c.newRequest(ctx, http.MethodPut, fmt.Sprintf(apiDeploymentsLog, deploymentID), body)
	if err != nil {
		return err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("log push failed: %w", err)
	}
	defer drainAndClose(resp.Body)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return unexpectedStatus("log push", resp)
	}

	return nil
}

// FetchArtifact downloads the artifact from its (usually pre-signed)
// source URI. The caller must close the returned reader.
func (c *Client) FetchArtifact(ctx context.Context, uri string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("artifact download failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer drainAndClose(resp.Body)

		return nil, unexpectedStatus("artifact download", resp)
	}

	return resp.Body, nil
}

// PushInventory replaces the device's inventory attributes on the server.
func (c *Client) PushInventory(ctx context.Context, attributes []InventoryAttribute) error {
	body, err := json.Marshal(attributes)
	if err != nil {
		return err
	}

	req, err := c.newRequest(ctx, http.MethodPut, apiInventory, body)
	if err != nil {
		return err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("inventory push failed: %w", err)
	}
	defer drainAndClose(resp.Body)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return unexpectedStatus("inventory push", resp)
	}

	return nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body []byte) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}

	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return req, nil
}

func unexpectedStatus(operation string, resp *http.Response) error {
	return fmt.Errorf("%s: unexpected HTTP status %d", operation, resp.StatusCode)
}

func drainAndClose(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, body)
	_ = body.Close()
}
