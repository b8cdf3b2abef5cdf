package gateway

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"
)

// QueueStatus is the depth (pending plus in flight) of each queue.
// Processing is the scrape queue.
type QueueStatus struct {
	Processing int64 `json:"processing"`
	AI         int64 `json:"ai"`
	Invent     int64 `json:"invent"`
	// Timestamp is milliseconds since the Unix epoch.
	Timestamp int64 `json:"timestamp"`
}

// StatusReader reports queue depths.
type StatusReader interface {
	QueueStatus(ctx context.Context) (QueueStatus, error)
}

// Depther is a queue that can report its depth.
type Depther interface {
	Depth(ctx context.Context) (int64, error)
}

// QueueStatusReader reads the three pipeline queues.
type QueueStatusReader struct {
	scrape Depther
	ai     Depther
	invent Depther
	now    func() time.Time
}

// NewQueueStatusReader creates a QueueStatusReader.
func NewQueueStatusReader(scrape, ai, invent Depther) *QueueStatusReader {
	return &QueueStatusReader{scrape: scrape, ai: ai, invent: invent, now: time.Now}
}

// QueueStatus implements StatusReader. The three depths are read
// concurrently and are not a single snapshot.
func (r *QueueStatusReader) QueueStatus(ctx context.Context) (QueueStatus, error) {
	var s QueueStatus
	g, ctx := errgroup.WithContext(ctx)
	read := func(q Depther, dst *int64) {
		g.Go(func() error {
			n, err := q.Depth(ctx)
			*dst = n
			return err
		})
	}
	read(r.scrape, &s.Processing)
	read(r.ai, &s.AI)
	read(r.invent, &s.Invent)
	if err := g.Wait(); err != nil {
		return QueueStatus{}, err
	}
	s.Timestamp = r.now().UnixMilli()
	return s, nil
}
