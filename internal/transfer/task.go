package transfer

import (
	"context"
	"sync"

	"go-drive-transfer/internal/models"

	"github.com/google/uuid"
)

// DownloadFileTask is one claimed row being transferred by a pipeline.
type DownloadFileTask struct {
	ID         uuid.UUID
	PipelineID int64
	Link       models.DownloadFileLink // Snapshot taken at claim time

	progress *Progress
	transfer Transferer
}

func newDownloadFileTask(pipelineID int64, link models.DownloadFileLink, transfer Transferer) *DownloadFileTask {
	return &DownloadFileTask{
		ID:         uuid.New(),
		PipelineID: pipelineID,
		Link:       link,
		progress:   newProgress(),
		transfer:   transfer,
	}
}

// Run transfers the file. It returns ctx's error when cancelled.
func (t *DownloadFileTask) Run(ctx context.Context) error {
	return t.transfer.DownloadFile(ctx, t.Link.VolumeID, t.Link.FileID, t.Link.RevisionID, t.progress.set)
}

// Progress returns the live progress of the task.
func (t *DownloadFileTask) Progress() *Progress {
	return t.progress
}

// Progress is a 0-100 indicator that can be watched for changes.
type Progress struct {
	mu      sync.Mutex
	value   float64
	changed chan struct{}
	done    chan struct{}
	closed  bool
}

func newProgress() *Progress {
	return &Progress{changed: make(chan struct{}), done: make(chan struct{})}
}

// Value returns the current percentage.
func (p *Progress) Value() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.value
}

// Done is closed once the task is no longer running.
func (p *Progress) Done() <-chan struct{} {
	return p.done
}

func (p *Progress) set(v float64) {
	if v < 0 {
		v = 0
	}
	if v > 100 {
		v = 100
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || v == p.value {
		return
	}
	p.value = v
	close(p.changed)
	p.changed = make(chan struct{})
}

func (p *Progress) finish() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.done)
	}
}

// Watch emits the current value and every later change. The channel is closed
// when the task stops running or ctx is done. Intermediate values may be skipped.
func (p *Progress) Watch(ctx context.Context) <-chan float64 {
	out := make(chan float64, 1)
	go func() {
		defer close(out)
		for {
			p.mu.Lock()
			v, changed := p.value, p.changed
			p.mu.Unlock()

			select {
			case out <- v:
			case <-ctx.Done():
				return
			case <-p.done:
				return
			}
			select {
			case <-changed:
			case <-ctx.Done():
				return
			case <-p.done:
				return
			}
		}
	}()
	return out
}
