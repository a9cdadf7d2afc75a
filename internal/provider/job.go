package provider

import (
	"context"
	"fmt"
	"time"

	"github.com/tileworks/platform/internal/jobs"
)

// Job payload fields understood by SyncJob.
const (
	fieldRegion = "region"
	fieldZoom   = "zoom"
	fieldCursor = "cursor"
)

// SyncJob returns the worker body for region sync jobs. Rate-limit errors
// pass through untouched so the worker can back off and requeue.
func (c *Client) SyncJob() jobs.JobFunc {
	return func(ctx context.Context, payload map[string]interface{}) (map[string]interface{}, error) {
		region, _ := payload[fieldRegion].(string)
		if region == "" {
			return nil, fmt.Errorf("sync job: missing %s", fieldRegion)
		}
		zoom := 0
		if z, ok := payload[fieldZoom].(float64); ok {
			zoom = int(z)
		}
		cursor, _ := payload[fieldCursor].(string)

		res, err := c.SyncRegion(ctx, region, zoom, cursor)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{
			"region": res.Region,
			"tiles":  len(res.Tiles),
			"cursor": res.Cursor,
		}, nil
	}
}

// RegionSource yields one sync task per region for every scheduler cycle.
func RegionSource(jobID, pattern string, regions []string, zoom int, await bool, timeout time.Duration) jobs.Source {
	return jobs.SourceFunc(func(context.Context) ([]jobs.Task, error) {
		tasks := make([]jobs.Task, 0, len(regions))
		for _, region := range regions {
			tasks = append(tasks, jobs.Task{
				TaskID:      fmt.Sprintf("%s:%s:z%d", jobID, region, zoom),
				JobID:       jobID,
				Pattern:     pattern,
				Payload:     map[string]interface{}{fieldRegion: region, fieldZoom: zoom},
				AwaitResult: await,
				Timeout:     timeout,
			})
		}
		return tasks, nil
	})
}
