package recorder

import (
	"bytes"
	"compress/zlib"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"zeus/internal/instrument"
	"zeus/internal/model"
	"zeus/logger"
)

// FileSink writes one file per instrument per epoch under
// root/<exchange.SYMBOL>/<epoch unix ms>. A file is the zlib compressed
// concatenation of the epoch's payloads, each terminated by a NUL byte.
type FileSink struct {
	root string
	log  *logger.Entry
}

func NewFileSink(root string) (*FileSink, error) {
	if root == "" {
		return nil, errors.New("file sink: output path is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("file sink: create %s: %w", root, err)
	}
	return &FileSink{
		root: root,
		log:  logger.GetLogger().WithComponent("file_sink").WithField("root", root),
	}, nil
}

func (f *FileSink) Write(ctx context.Context, b Batch) error {
	var errs []error
	for _, group := range groupByInstrument(b.Events) {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if err := f.writeInstrument(group.ref, b.Epoch.UnixMilli(), group.events); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrSinkWrite, errors.Join(errs...))
	}
	return nil
}

func (f *FileSink) writeInstrument(ref instrument.Ref, epochMs int64, events []model.MarketEvent) error {
	dir := filepath.Join(f.root, ref.Name())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}

	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	for _, ev := range events {
		if _, err := zw.Write(ev.Payload); err != nil {
			return fmt.Errorf("compress %s: %w", ref, err)
		}
		if _, err := zw.Write([]byte{0}); err != nil {
			return fmt.Errorf("compress %s: %w", ref, err)
		}
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("compress %s: %w", ref, err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file in %s: %w", dir, err)
	}
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write %s: %w", tmp.Name(), err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close %s: %w", tmp.Name(), err)
	}

	path := filepath.Join(dir, strconv.FormatInt(epochMs, 10))
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("rename to %s: %w", path, err)
	}

	f.log.WithFields(logger.Fields{
		"instrument": ref.Name(),
		"events":     len(events),
		"bytes":      buf.Len(),
		"path":       path,
	}).Debug("wrote snapshot file")
	return nil
}

type instrumentEvents struct {
	ref    instrument.Ref
	events []model.MarketEvent
}

// groupByInstrument splits events per instrument, keeping first-seen order of
// instruments and arrival order within each.
func groupByInstrument(events []model.MarketEvent) []instrumentEvents {
	index := make(map[instrument.Ref]int)
	var groups []instrumentEvents
	for _, ev := range events {
		i, ok := index[ev.Instrument]
		if !ok {
			i = len(groups)
			index[ev.Instrument] = i
			groups = append(groups, instrumentEvents{ref: ev.Instrument})
		}
		groups[i].events = append(groups[i].events, ev)
	}
	return groups
}

// MultiSink writes every batch to all of its sinks.
type MultiSink []Sink

func (m MultiSink) Write(ctx context.Context, b Batch) error {
	var errs []error
	for _, s := range m {
		if err := s.Write(ctx, b); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrSinkWrite, errors.Join(errs...))
	}
	return nil
}
