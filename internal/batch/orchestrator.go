package batch

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jo-hoe/meshforge/internal/common"
	"github.com/jo-hoe/meshforge/internal/modes"
	"github.com/jo-hoe/meshforge/internal/poller"
	"github.com/jo-hoe/meshforge/internal/records"
	"github.com/jo-hoe/meshforge/internal/storage"
)

// Orchestrator drives an ordered list of batch items to completion and
// records outcomes. Items are processed strictly in sequence, one job in
// flight at a time; that is a deliberate rate-limit trade-off, not a
// gateway requirement.
type Orchestrator struct {
	Log     *slog.Logger
	Poller  *poller.Poller
	Modes   modes.Catalog
	Records records.Store
	Archive storage.Archiver
}

// Ensure Orchestrator implements Processor
var _ Processor = (*Orchestrator)(nil)

// Process implements Processor for the batch queue.
func (o *Orchestrator) Process(ctx context.Context, run Run) error {
	return o.Run(ctx, run.Items, run.Mode, run.Owner)
}

// Run processes every non-completed item in order. Per-item failures are
// recorded on the item and never abort the batch; the only error returned
// is the context's, when the caller cancels mid-batch.
func (o *Orchestrator) Run(ctx context.Context, items *List, mode modes.Mode, owner Owner) error {
	log := o.Log
	if log == nil {
		log = slog.Default()
	}

	for i := 0; i < items.Len(); i++ {
		item, ok := items.Get(i)
		if !ok || item.Status == StatusCompleted {
			continue
		}

		if err := o.processItem(ctx, items, i, mode, owner); err != nil {
			// Cancellation is the one condition that stops the batch.
			items.Update(i, func(it Item) Item {
				if !it.Status.Terminal() {
					it.Status = StatusError
					it.Progress = 0
					it.ErrorMessage = "batch canceled"
					it.ResultURL = ""
				}
				return it
			})
			return err
		}
	}

	log.Info("batch finished", "items", items.Len())
	return nil
}

func (o *Orchestrator) processItem(ctx context.Context, items *List, i int, mode modes.Mode, owner Owner) error {
	item, _ := items.Get(i)
	log := o.Log
	if log == nil {
		log = slog.Default()
	}
	log = log.With("item_id", item.ID, "name", item.Name)

	items.Update(i, func(it Item) Item {
		it.Status = StatusUploading
		it.Progress = 10
		return it
	})

	model, input, err := o.Modes.Request(mode, item.ImageDataURL)
	if err != nil {
		o.markError(items, i, err)
		log.Error("build model input", "err", err)
		return nil
	}

	outcome, err := o.Poller.Run(ctx, model, input, func(u poller.Update) {
		items.Update(i, func(it Item) Item {
			if u.JobHandle != "" {
				it.JobHandle = u.JobHandle
			}
			if u.RemoteStatus != "" {
				it.RawRemoteStatus = u.RemoteStatus
			}
			switch u.State {
			case poller.StatePolling:
				it.Status = StatusProcessing
				it.Progress = u.Progress
			case poller.StateSucceeded:
				it.Progress = u.Progress
			}
			return it
		})
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		o.markError(items, i, err)
		log.Warn("item failed", "err", err)
		return nil
	}

	items.Update(i, func(it Item) Item {
		it.Status = StatusCompleted
		it.Progress = 100
		it.ResultURL = outcome.ArtifactURL
		it.ErrorMessage = ""
		return it
	})
	log.Info("item completed", "job_handle", outcome.JobHandle, "artifact", outcome.ArtifactURL)

	item, _ = items.Get(i)
	imageURL := o.archiveSource(ctx, log, item, outcome.JobHandle)
	o.writeRecord(log, item, outcome, owner, imageURL)
	return nil
}

func (o *Orchestrator) markError(items *List, i int, err error) {
	items.Update(i, func(it Item) Item {
		it.Status = StatusError
		it.Progress = 0
		it.ErrorMessage = err.Error()
		it.ResultURL = ""
		return it
	})
}

// archiveSource migrates the item's source image to durable storage.
// Failure is logged and the ephemeral preview reference kept as fallback;
// it never changes the item's terminal status.
func (o *Orchestrator) archiveSource(ctx context.Context, log *slog.Logger, item Item, jobHandle string) string {
	fallback := item.PreviewPath
	if o.Archive == nil {
		return fallback
	}
	data, err := decodeDataURL(item.ImageDataURL)
	if err != nil {
		log.Warn("archive source image", "err", err)
		return fallback
	}
	key := jobHandle
	if key == "" {
		key = item.ID
	}
	url, err := o.Archive.Store(ctx, key, item.MimeType, data)
	if err != nil {
		log.Warn("archive source image", "err", err)
		return fallback
	}
	return url
}

func (o *Orchestrator) writeRecord(log *slog.Logger, item Item, outcome poller.Outcome, owner Owner, imageURL string) {
	if o.Records == nil {
		return
	}
	userID := owner.UserID
	if userID == "" {
		userID = common.GuestUserID
	}
	author := owner.Name
	if author == "" {
		author = common.GuestAuthorName
	}
	artifact := outcome.ArtifactURL
	rec := records.Record{
		LogicalID:   outcome.JobHandle,
		UserID:      userID,
		Name:        item.Name,
		ImageURL:    imageURL,
		ArtifactURL: &artifact,
		Status:      records.StatusCompleted,
		CreatedAt:   time.Now().UTC(),
		AuthorName:  &author,
	}
	if err := o.Records.Create(&rec); err != nil {
		log.Error("persist transformation record", "err", err)
	}
}

func decodeDataURL(dataURL string) ([]byte, error) {
	_, enc, ok := strings.Cut(dataURL, ";base64,")
	if !ok {
		return nil, fmt.Errorf("not a base64 data url")
	}
	data, err := base64.StdEncoding.DecodeString(enc)
	if err != nil {
		return nil, fmt.Errorf("decode data url: %w", err)
	}
	return data, nil
}
