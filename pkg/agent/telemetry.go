package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/truongvando/ezstream-sub005/pkg/types"
)

// Usage is the host's resource usage in percent
type Usage struct {
	CPU  float64
	RAM  float64
	Disk float64
}

// Sampler reads host resource usage
type Sampler interface {
	Sample(ctx context.Context) (Usage, error)
}

// HostSampler reads usage from the local host
type HostSampler struct {
	// Path is the filesystem whose usage is reported
	Path string
	// Window is how long CPU usage is measured over
	Window time.Duration
}

// NewHostSampler samples the filesystem holding path
func NewHostSampler(path string) *HostSampler {
	return &HostSampler{Path: path, Window: time.Second}
}

// Sample measures CPU over Window and reads memory and disk usage
func (s *HostSampler) Sample(ctx context.Context) (Usage, error) {
	var u Usage

	percents, err := cpu.PercentWithContext(ctx, s.Window, false)
	if err != nil {
		return u, fmt.Errorf("failed to read cpu usage: %w", err)
	}
	if len(percents) > 0 {
		u.CPU = percents[0]
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return u, fmt.Errorf("failed to read memory usage: %w", err)
	}
	u.RAM = vm.UsedPercent

	du, err := disk.UsageWithContext(ctx, s.Path)
	if err != nil {
		return u, fmt.Errorf("failed to read disk usage of %s: %w", s.Path, err)
	}
	u.Disk = du.UsedPercent
	return u, nil
}

// TelemetryClient posts samples to the control plane webhook
type TelemetryClient struct {
	URL    string
	client *http.Client
}

// NewTelemetryClient creates a client for the webhook at url
func NewTelemetryClient(url string) *TelemetryClient {
	return &TelemetryClient{
		URL:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Post sends one sample
func (c *TelemetryClient) Post(ctx context.Context, sample types.TelemetrySample) error {
	body, err := json.Marshal(sample)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to post telemetry: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("telemetry rejected: %s: %s", resp.Status, bytes.TrimSpace(msg))
	}
	return nil
}
