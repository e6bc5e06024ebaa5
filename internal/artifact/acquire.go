package artifact

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"hash"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"localmind/internal/metrics"
	"localmind/internal/transfer"
	"localmind/pkg/types"
)

const copyBufSize = 256 << 10

// acquire is the body of one shared attempt. It runs detached from the
// callers' contexts and is bounded by the Downloader's lifetime.
func (d *Downloader) acquire(desc types.ModelDescriptor) (Result, error) {
	done := d.markActive(desc)
	defer done()
	defer d.hub.clear(desc.ID)

	log := d.log.With().Str("model", desc.ID).Str("attempt", uuid.NewString()).Logger()
	log.Info().Str("event", "acquire_start").Str("file", desc.Filename).Msg("")

	if res, ok, err := d.checkExisting(desc, false, true, log); err != nil {
		return Result{}, err
	} else if ok {
		return res, nil
	}

	d.transfers.Add(1)
	tr := newTracker(desc.ID, d.hub)
	policy := d.cfg.Retry
	notify := policy.Notify
	policy.Notify = func(err error, next time.Duration) {
		log.Warn().Str("event", "retry").Err(err).Dur("backoff", next).Msg("")
		if notify != nil {
			notify(err, next)
		}
	}
	startTs := time.Now()
	res, err := transfer.Retry(d.base, policy, func(ctx context.Context, attempt int) (Result, error) {
		return d.transferOnce(ctx, desc, tr, log)
	})
	if err != nil {
		if errors.Is(err, context.Canceled) && transfer.KindOf(err) == transfer.KindUnknown {
			err = &transfer.Error{Kind: transfer.KindIncomplete, Op: "transfer", URL: desc.URL, Msg: "interrupted", Err: err}
		}
		tr.fail()
		metrics.DownloadsTotal.WithLabelValues(metrics.Outcome(err, kindLabel)).Inc()
		log.Warn().Str("event", "acquire_failed").Str("kind", transfer.KindOf(err).String()).Err(err).Msg("")
		return Result{Transferred: tr.recv, Resumed: tr.resumed}, err
	}
	metrics.DownloadsTotal.WithLabelValues(metrics.Outcome(nil, nil)).Inc()
	log.Info().Str("event", "acquire_done").
		Str("size", humanize.IBytes(uint64(res.Size))).
		Str("received", humanize.IBytes(uint64(res.Transferred))).
		Bool("resumed", res.Resumed).
		Int64("dur_ms", time.Since(startTs).Milliseconds()).Msg("")
	return res, nil
}

// transferOnce runs a single attempt: resume detection, optional size probe,
// the ranged GET, then validation and promotion.
func (d *Downloader) transferOnce(ctx context.Context, desc types.ModelDescriptor, tr *tracker, log zerolog.Logger) (Result, error) {
	partial := d.PartialPath(desc)
	offset, err := d.resumeOffset(partial, log)
	if err != nil {
		return Result{}, err
	}
	total := desc.Size
	if total <= 0 {
		tr.setPhase(types.PhaseProbing)
		pr, err := transfer.ProbeSize(ctx, d.client, desc.URL, d.cfg.ProbeTimeout)
		if err != nil {
			return Result{}, err
		}
		total = pr.Size
		log.Debug().Str("event", "probe").Int64("size", total).Str("url", pr.FinalURL).Msg("")
	}
	tr.start(offset, total)
	if total > 0 && offset >= total {
		return d.finish(desc, partial, total, nil, tr, log)
	}
	if total > 0 {
		if free, ok := d.cfg.FreeSpace(d.dir); ok && free < total-offset {
			return Result{}, transfer.Errorf(transfer.KindInsufficientSpace, "preflight",
				"need %s, %s free", humanize.IBytes(uint64(total-offset)), humanize.IBytes(uint64(free)))
		}
	}
	return d.stream(ctx, desc, partial, offset, total, tr, log)
}

// resumeOffset returns the size of a usable partial file. A partial whose
// header is wrong is deleted and the transfer restarts at zero.
func (d *Downloader) resumeOffset(partial string, log zerolog.Logger) (int64, error) {
	fi, err := os.Stat(partial)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("stat partial: %w", err)
	}
	if fi.Size() == 0 {
		return 0, nil
	}
	ok, err := hasMagic(partial, d.magic)
	if err != nil {
		return 0, err
	}
	if !ok {
		log.Warn().Str("event", "partial_bad_header").Str("path", partial).Msg("")
		if err := os.Remove(partial); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return 0, fmt.Errorf("remove partial: %w", err)
		}
		return 0, nil
	}
	return fi.Size(), nil
}

func (d *Downloader) stream(ctx context.Context, desc types.ModelDescriptor, partial string, offset, total int64, tr *tracker, log zerolog.Logger) (Result, error) {
	tctx, cancel := context.WithTimeout(ctx, d.cfg.TransferTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(tctx, http.MethodGet, desc.URL, nil)
	if err != nil {
		return Result{}, transfer.Wrap(transfer.KindHTTPStatus, "transfer", err)
	}
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return Result{}, transfer.ClassifyDoError("transfer", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		if offset > 0 {
			return Result{}, &transfer.Error{Kind: transfer.KindRangeMismatch, Op: "transfer", URL: desc.URL, Status: resp.StatusCode,
				Msg: fmt.Sprintf("server ignored range request at offset %d", offset)}
		}
		if total > 0 && resp.ContentLength >= 0 && resp.ContentLength != total {
			return Result{}, &transfer.Error{Kind: transfer.KindSizeMismatch, Op: "transfer", URL: desc.URL,
				Msg: fmt.Sprintf("server reports %d bytes, expected %d", resp.ContentLength, total)}
		}
	case http.StatusPartialContent:
		cr, err := transfer.ParseContentRange(resp.Header.Get("Content-Range"))
		if err != nil {
			return Result{}, &transfer.Error{Kind: transfer.KindRangeMismatch, Op: "transfer", URL: desc.URL, Status: resp.StatusCode, Err: err}
		}
		if cr.Unsatisfied || cr.Start != offset {
			return Result{}, &transfer.Error{Kind: transfer.KindRangeMismatch, Op: "transfer", URL: desc.URL, Status: resp.StatusCode,
				Msg: fmt.Sprintf("asked for offset %d, got %d", offset, cr.Start)}
		}
		if total > 0 && cr.Total >= 0 && cr.Total != total {
			return Result{}, &transfer.Error{Kind: transfer.KindSizeMismatch, Op: "transfer", URL: desc.URL,
				Msg: fmt.Sprintf("server reports %d bytes, expected %d", cr.Total, total)}
		}
	case http.StatusRequestedRangeNotSatisfiable:
		return d.rangeNotSatisfiable(ctx, desc, partial, offset, tr, log)
	default:
		return Result{}, transfer.StatusError("transfer", desc.URL, resp.StatusCode)
	}

	body := io.Reader(resp.Body)
	if offset == 0 {
		head := make([]byte, len(d.magic))
		if _, err := io.ReadFull(resp.Body, head); err != nil {
			short := errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
			if short && resp.ContentLength >= 0 && resp.ContentLength < int64(len(d.magic)) {
				return Result{}, transfer.Errorf(transfer.KindHeaderInvalid, "transfer", "body shorter than header")
			}
			return Result{}, transfer.Wrap(transfer.KindNetwork, "transfer", err)
		}
		if !bytes.Equal(head, d.magic) {
			_ = os.Remove(partial)
			log.Warn().Str("event", "header_invalid").Hex("head", head).Msg("")
			return Result{}, transfer.Errorf(transfer.KindHeaderInvalid, "transfer", "unexpected header %q", head)
		}
		body = io.MultiReader(bytes.NewReader(head), resp.Body)
	}

	h := newHasher()
	if offset > 0 {
		if err := hashPrefix(partial, offset, h); err != nil {
			return Result{}, err
		}
		metrics.DownloadResumesTotal.Inc()
		log.Info().Str("event", "resume").Int64("offset", offset).Msg("")
	}
	flag := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	if offset > 0 {
		flag = os.O_WRONLY | os.O_APPEND
	}
	f, err := os.OpenFile(partial, flag, 0o644)
	if err != nil {
		return Result{}, fmt.Errorf("open partial: %w", err)
	}
	n, copyErr := io.CopyBuffer(io.MultiWriter(f, h, tr), body, make([]byte, copyBufSize))
	metrics.DownloadBytesTotal.Add(float64(n))
	syncErr := f.Sync()
	closeErr := f.Close()
	if copyErr != nil {
		if ctx.Err() != nil {
			return Result{}, &transfer.Error{Kind: transfer.KindIncomplete, Op: "transfer", URL: desc.URL, Msg: "interrupted", Err: ctx.Err()}
		}
		return Result{}, transfer.Wrap(transfer.KindNetwork, "transfer", copyErr)
	}
	if err := errors.Join(syncErr, closeErr); err != nil {
		return Result{}, fmt.Errorf("write partial: %w", err)
	}
	expected := desc.Size
	if expected <= 0 {
		expected = total
	}
	return d.finish(desc, partial, expected, h, tr, log)
}

// rangeNotSatisfiable handles 416: the partial may already hold every byte.
func (d *Downloader) rangeNotSatisfiable(ctx context.Context, desc types.ModelDescriptor, partial string, offset int64, tr *tracker, log zerolog.Logger) (Result, error) {
	pr, err := transfer.ProbeSize(ctx, d.client, desc.URL, d.cfg.ProbeTimeout)
	if err != nil {
		return Result{}, err
	}
	log.Info().Str("event", "range_not_satisfiable").Int64("offset", offset).Int64("remote_size", pr.Size).Msg("")
	expected := desc.Size
	if expected <= 0 {
		expected = pr.Size
	}
	if pr.Size >= 0 && offset >= pr.Size {
		return d.finish(desc, partial, expected, nil, tr, log)
	}
	return Result{}, &transfer.Error{Kind: transfer.KindIncomplete, Op: "transfer", URL: desc.URL,
		Status: http.StatusRequestedRangeNotSatisfiable,
		Msg:    fmt.Sprintf("have %d of %d bytes", offset, pr.Size)}
}

// finish validates the partial file and promotes it. h carries the streaming
// digest when the whole file went through it; nil re-reads the file.
func (d *Downloader) finish(desc types.ModelDescriptor, partial string, expected int64, h hash.Hash, tr *tracker, log zerolog.Logger) (Result, error) {
	tr.setPhase(types.PhaseValidating)
	fi, err := os.Stat(partial)
	if err != nil {
		return Result{}, fmt.Errorf("stat partial: %w", err)
	}
	size := fi.Size()
	if expected > 0 && size < expected {
		return Result{}, &transfer.Error{Kind: transfer.KindIncomplete, Op: "validate", URL: desc.URL,
			Msg: fmt.Sprintf("have %d of %d bytes", size, expected)}
	}
	if expected > 0 && size > expected {
		_ = os.Remove(partial)
		return Result{}, &transfer.Error{Kind: transfer.KindSizeMismatch, Op: "validate", URL: desc.URL,
			Msg: fmt.Sprintf("have %d bytes, expected %d", size, expected)}
	}
	ok, err := hasMagic(partial, d.magic)
	if err != nil {
		return Result{}, err
	}
	if !ok {
		return Result{}, transfer.Errorf(transfer.KindHeaderInvalid, "validate", "completed file has wrong header")
	}
	var sum string
	if h != nil {
		sum = hexSum(h)
	} else if sum, err = hashFile(partial); err != nil {
		return Result{}, err
	}
	if !digestEqual(sum, desc.SHA256) {
		_ = os.Remove(partial)
		metrics.ValidationsTotal.WithLabelValues("hash", "mismatch").Inc()
		log.Warn().Str("event", "hash_mismatch").Str("want", desc.SHA256).Str("got", sum).Msg("")
		return Result{}, transfer.Errorf(transfer.KindHashMismatch, "validate", "sha256 %s, expected %s", sum, desc.SHA256)
	}
	metrics.ValidationsTotal.WithLabelValues("hash", "ok").Inc()

	final := d.Path(desc)
	if err := os.Rename(partial, final); err != nil {
		return Result{}, fmt.Errorf("promote: %w", err)
	}
	if st, err := os.Stat(final); err == nil {
		d.cache.record(filepath.Base(final), st, sum)
	}
	tr.complete(size)
	return Result{Path: final, Size: size, Transferred: tr.recv, Resumed: tr.resumed}, nil
}

// checkExisting inspects the canonical file. With repair set, a file of the
// wrong size or digest is removed so the caller can download it again.
func (d *Downloader) checkExisting(desc types.ModelDescriptor, trustCache, repair bool, log zerolog.Logger) (Result, bool, error) {
	path := d.Path(desc)
	name := filepath.Base(path)
	fi, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Result{}, false, nil
	}
	if err != nil {
		return Result{}, false, fmt.Errorf("stat %s: %w", path, err)
	}
	if desc.Size > 0 && fi.Size() != desc.Size {
		log.Warn().Str("event", "installed_size_mismatch").Int64("size", fi.Size()).Int64("want", desc.Size).Msg("")
		d.cache.forget(name)
		if repair {
			_ = os.Remove(path)
			return Result{}, false, nil
		}
		return Result{}, false, &transfer.Error{Kind: transfer.KindSizeMismatch, Op: "verify",
			Msg: fmt.Sprintf("have %d bytes, expected %d", fi.Size(), desc.Size)}
	}
	if trustCache && d.cache.valid(name, fi, desc.SHA256) {
		metrics.ValidationsTotal.WithLabelValues("cache", "ok").Inc()
		return Result{Path: path, Size: fi.Size(), Cached: true, Existing: true}, true, nil
	}
	sum, err := hashFile(path)
	if err != nil {
		return Result{}, false, err
	}
	if !digestEqual(sum, desc.SHA256) {
		metrics.ValidationsTotal.WithLabelValues("hash", "mismatch").Inc()
		log.Warn().Str("event", "installed_hash_mismatch").Str("got", sum).Msg("")
		d.cache.forget(name)
		if repair {
			_ = os.Remove(path)
			return Result{}, false, nil
		}
		return Result{}, false, transfer.Errorf(transfer.KindHashMismatch, "verify", "sha256 %s, expected %s", sum, desc.SHA256)
	}
	metrics.ValidationsTotal.WithLabelValues("hash", "ok").Inc()
	d.cache.record(name, fi, sum)
	return Result{Path: path, Size: fi.Size(), Existing: true}, true, nil
}

func kindLabel(err error) string { return transfer.KindOf(err).String() }
