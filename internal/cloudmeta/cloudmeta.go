// Package cloudmeta detects cloud instance identity through provider
// metadata endpoints. Detection is best-effort: each probe uses a short
// timeout, probes run in a fixed order, and finding no provider at all is
// a normal outcome, not an error.
package cloudmeta

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/operion/sentinel-agent/internal/models"
)

// Provider name constants carried in InstanceIdentity.CloudProvider.
const (
	ProviderAWS          = "AWS"
	ProviderAzure        = "Azure"
	ProviderGCP          = "GCP"
	ProviderDigitalOcean = "DigitalOcean"
)

// probeTimeout bounds each metadata request. Metadata services answer in
// single-digit milliseconds when present; anything slower is not a cloud
// metadata endpoint.
const probeTimeout = 500 * time.Millisecond

// Detector probes known cloud metadata endpoints in order:
// AWS, Azure, GCP, DigitalOcean. First success wins.
type Detector struct {
	client    *http.Client
	awsBase   string
	azureBase string
	gcpBase   string
	doBase    string
	logger    *zap.Logger
}

// NewDetector creates a Detector against the real metadata endpoints.
func NewDetector(logger *zap.Logger) *Detector {
	return &Detector{
		client:    &http.Client{Timeout: probeTimeout},
		awsBase:   "http://169.254.169.254",
		azureBase: "http://169.254.169.254",
		gcpBase:   "http://metadata.google.internal",
		doBase:    "http://169.254.169.254",
		logger:    logger,
	}
}

// Detect returns the identity of the cloud instance this process runs on.
// It never fails; when no provider responds the zero identity is returned.
func (d *Detector) Detect(ctx context.Context) models.InstanceIdentity {
	probes := []func(context.Context) (models.InstanceIdentity, bool){
		d.probeAWS,
		d.probeAzure,
		d.probeGCP,
		d.probeDigitalOcean,
	}
	for _, probe := range probes {
		if identity, ok := probe(ctx); ok {
			d.logger.Info("Detected cloud provider",
				zap.String("provider", identity.CloudProvider),
				zap.String("instance_id", identity.InstanceID))
			return identity
		}
	}
	d.logger.Debug("No cloud provider detected")
	return models.InstanceIdentity{}
}

// probeAWS tries IMDSv2 first (session token, then metadata), falling back
// to IMDSv1 when the token request is rejected.
func (d *Detector) probeAWS(ctx context.Context) (models.InstanceIdentity, bool) {
	token, ok := d.fetch(ctx, http.MethodPut, d.awsBase+"/latest/api/token", map[string]string{
		"X-aws-ec2-metadata-token-ttl-seconds": "21600",
	})
	if !ok {
		return d.probeAWSv1(ctx)
	}

	headers := map[string]string{"X-aws-ec2-metadata-token": token}
	instanceID, ok := d.fetch(ctx, http.MethodGet, d.awsBase+"/latest/meta-data/instance-id", headers)
	if !ok {
		return models.InstanceIdentity{}, false
	}
	instanceType, _ := d.fetch(ctx, http.MethodGet, d.awsBase+"/latest/meta-data/instance-type", headers)
	region, _ := d.fetch(ctx, http.MethodGet, d.awsBase+"/latest/meta-data/placement/region", headers)

	return models.InstanceIdentity{
		InstanceID:    instanceID,
		CloudProvider: ProviderAWS,
		Region:        region,
		InstanceType:  instanceType,
	}, true
}

func (d *Detector) probeAWSv1(ctx context.Context) (models.InstanceIdentity, bool) {
	instanceID, ok := d.fetch(ctx, http.MethodGet, d.awsBase+"/latest/meta-data/instance-id", nil)
	if !ok {
		return models.InstanceIdentity{}, false
	}
	return models.InstanceIdentity{
		InstanceID:    instanceID,
		CloudProvider: ProviderAWS,
	}, true
}

func (d *Detector) probeAzure(ctx context.Context) (models.InstanceIdentity, bool) {
	body, ok := d.fetch(ctx, http.MethodGet,
		d.azureBase+"/metadata/instance?api-version=2021-02-01",
		map[string]string{"Metadata": "true"})
	if !ok {
		return models.InstanceIdentity{}, false
	}

	var meta struct {
		Compute struct {
			VMID     string `json:"vmId"`
			Location string `json:"location"`
			VMSize   string `json:"vmSize"`
		} `json:"compute"`
	}
	if err := json.Unmarshal([]byte(body), &meta); err != nil || meta.Compute.VMID == "" {
		return models.InstanceIdentity{}, false
	}

	return models.InstanceIdentity{
		InstanceID:    meta.Compute.VMID,
		CloudProvider: ProviderAzure,
		Region:        meta.Compute.Location,
		InstanceType:  meta.Compute.VMSize,
	}, true
}

func (d *Detector) probeGCP(ctx context.Context) (models.InstanceIdentity, bool) {
	headers := map[string]string{"Metadata-Flavor": "Google"}
	instanceID, ok := d.fetch(ctx, http.MethodGet, d.gcpBase+"/computeMetadata/v1/instance/id", headers)
	if !ok {
		return models.InstanceIdentity{}, false
	}
	zone, _ := d.fetch(ctx, http.MethodGet, d.gcpBase+"/computeMetadata/v1/instance/zone", headers)

	return models.InstanceIdentity{
		InstanceID:    instanceID,
		CloudProvider: ProviderGCP,
		Region:        regionFromZone(zone),
	}, true
}

// regionFromZone extracts "us-central1" from a GCP zone path like
// "projects/123/zones/us-central1-a".
func regionFromZone(zone string) string {
	if zone == "" {
		return ""
	}
	parts := strings.Split(zone, "/")
	name := parts[len(parts)-1]
	idx := strings.LastIndex(name, "-")
	if idx <= 0 {
		return ""
	}
	return name[:idx]
}

func (d *Detector) probeDigitalOcean(ctx context.Context) (models.InstanceIdentity, bool) {
	body, ok := d.fetch(ctx, http.MethodGet, d.doBase+"/metadata/v1.json", nil)
	if !ok {
		return models.InstanceIdentity{}, false
	}

	var meta struct {
		DropletID json.Number `json:"droplet_id"`
		Region    string      `json:"region"`
	}
	if err := json.Unmarshal([]byte(body), &meta); err != nil || meta.DropletID.String() == "" {
		return models.InstanceIdentity{}, false
	}

	return models.InstanceIdentity{
		InstanceID:    meta.DropletID.String(),
		CloudProvider: ProviderDigitalOcean,
		Region:        meta.Region,
	}, true
}

// fetch performs one metadata request and returns the response body.
// Any transport error or non-2xx status reports not-ok.
func (d *Detector) fetch(ctx context.Context, method, url string, headers map[string]string) (string, bool) {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return "", false
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return "", false
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, resp.Body)
		return "", false
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", false
	}
	return string(body), true
}
