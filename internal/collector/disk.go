// Package collector gathers per-mount disk usage samples.
// Uses gopsutil for cross-platform disk metrics.
package collector

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/disk"
	"go.uber.org/zap"

	"github.com/operion/sentinel-agent/internal/config"
	"github.com/operion/sentinel-agent/internal/models"
)

// CollectionError indicates a sampling failure. Individual inaccessible
// mounts are skipped silently; this error covers environment-level failures
// such as partition enumeration.
type CollectionError struct {
	Reason string
	Err    error
}

func (e *CollectionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("collection failed: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("collection failed: %s", e.Reason)
}

func (e *CollectionError) Unwrap() error { return e.Err }

// DiskCollector samples disk usage for mounted partitions, filtered by the
// configured include/exclude mount point lists.
type DiskCollector struct {
	cfg    config.DiskConfig
	logger *zap.Logger
}

// NewDiskCollector creates a disk collector with the given filter config.
func NewDiskCollector(cfg config.DiskConfig, logger *zap.Logger) *DiskCollector {
	return &DiskCollector{cfg: cfg, logger: logger}
}

// Enabled reports whether disk collection is switched on in configuration.
func (c *DiskCollector) Enabled() bool { return c.cfg.Enabled }

// Collect gathers one sample per included mount point. Returns an empty
// set (not an error) when collection is disabled. Inaccessible partitions
// and zero-size virtual mounts are skipped.
func (c *DiskCollector) Collect(ctx context.Context) ([]models.Sample, error) {
	if !c.cfg.Enabled {
		return nil, nil
	}

	partitions, err := disk.PartitionsWithContext(ctx, false)
	if err != nil {
		return nil, &CollectionError{Reason: "listing partitions", Err: err}
	}

	timestamp := time.Now().Unix()

	var samples []models.Sample
	for _, p := range partitions {
		if !c.includeMountPoint(p.Mountpoint) {
			continue
		}

		usage, err := disk.UsageWithContext(ctx, p.Mountpoint)
		if err != nil {
			c.logger.Debug("Skipping inaccessible partition",
				zap.String("mount", p.Mountpoint),
				zap.Error(err))
			continue
		}
		// Some virtual mounts report 0 total bytes
		if usage.Total == 0 {
			continue
		}

		samples = append(samples, c.makeSample(p.Device, p.Mountpoint, usage, timestamp))
	}

	return samples, nil
}

// includeMountPoint applies the include list first, then the exclude list.
// Both match on substrings.
func (c *DiskCollector) includeMountPoint(mount string) bool {
	if len(c.cfg.IncludeMountPoints) > 0 {
		included := false
		for _, pattern := range c.cfg.IncludeMountPoints {
			if strings.Contains(mount, pattern) {
				included = true
				break
			}
		}
		if !included {
			return false
		}
	}

	for _, pattern := range c.cfg.ExcludeMountPoints {
		if strings.Contains(mount, pattern) {
			return false
		}
	}
	return true
}

func (c *DiskCollector) makeSample(device, mount string, usage *disk.UsageStat, timestamp int64) models.Sample {
	used := usage.Total - usage.Free
	ratio := 0.0
	if usage.Total > 0 {
		ratio = float64(used) / float64(usage.Total)
	}
	return models.Sample{
		Timestamp:           timestamp,
		Device:              device,
		MountPoint:          mount,
		TotalSpaceBytes:     usage.Total,
		UsedSpaceBytes:      used,
		AvailableSpaceBytes: usage.Free,
		UsagePercentage:     ratio,
	}
}
