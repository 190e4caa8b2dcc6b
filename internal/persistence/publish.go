package persistence

import (
	"context"

	"go.uber.org/zap"

	kvlog "github.com/loganszeto/shardkv/internal/log"
)

type Uploader interface {
	Upload(ctx context.Context, path string) error
}

// Publisher flushes the archive after a sweep and, when an uploader is set,
// mirrors the file. Its AfterSweep method has the shape of a server sweep hook.
type Publisher struct {
	archive  *Archive
	uploader Uploader
	logger   *zap.SugaredLogger
}

func NewPublisher(a *Archive, u Uploader, logger *zap.SugaredLogger) *Publisher {
	return &Publisher{archive: a, uploader: u, logger: kvlog.OrNop(logger)}
}

func (p *Publisher) AfterSweep(ctx context.Context, removed int) {
	if err := p.Publish(ctx); err != nil {
		p.logger.Warnw("archive publish failed", "removed", removed, "error", err)
	}
}

func (p *Publisher) Publish(ctx context.Context) error {
	n, err := p.archive.Flush()
	if err != nil {
		return err
	}
	if n == 0 || p.uploader == nil {
		return nil
	}
	if err := p.uploader.Upload(ctx, p.archive.Path()); err != nil {
		return err
	}
	p.logger.Debugw("archive uploaded", "records", n, "path", p.archive.Path())
	return nil
}
