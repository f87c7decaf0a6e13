package dispatch

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hazyhaar/sigfetch/ingest/internal/aggregate"
	"github.com/hazyhaar/sigfetch/ingest/internal/artifact"
	"github.com/hazyhaar/sigfetch/ingest/internal/credential"
	"github.com/hazyhaar/sigfetch/ingest/internal/httpcall"
	"github.com/hazyhaar/sigfetch/ingest/internal/plan"
	"github.com/hazyhaar/sigfetch/ingest/internal/progress"
	"github.com/hazyhaar/sigfetch/ingest/internal/strategy"
)

// worker processes one shard. It holds only its own sub-pools.
type worker struct {
	id      int
	d       *Dispatcher
	plan    *plan.Plan
	listing *credential.Pool
	enrich  *credential.Pool
	events  chan<- event
	logger  *slog.Logger
	calls   int
}

func (w *worker) post(ev event) { w.events <- ev }

func (w *worker) status(format string, args ...any) {
	w.post(event{kind: evStatus, msg: fmt.Sprintf(format, args...)})
}

func keyOf(it plan.Item) artifact.Key {
	return artifact.Key{EntityID: it.EntityID, VariantIndex: it.VariantIndex, SegmentID: it.Segment.ID()}
}

// entity runs every item of entity idx and posts its terminal state.
func (w *worker) entity(ctx context.Context, idx int) {
	items := w.plan.ItemsFor(idx)
	er := EntityResult{
		EntityID: w.plan.Entities[idx].ID,
		Index:    idx,
		Worker:   w.id,
		Items:    make([]ItemResult, 0, len(items)),
	}

	if ctx.Err() != nil {
		w.cancelRest(&er, items)
		er.State = progress.Cancelled
		w.post(event{kind: evEntityDone, entity: er})
		return
	}

	cred, err := w.listing.Acquire()
	if err != nil {
		for _, it := range items {
			ir := ItemResult{Item: it, State: ItemFailed, Kind: httpcall.KindTransientUpstream, Diagnostic: err.Error()}
			er.Items = append(er.Items, ir)
			er.ItemsFailed++
			w.post(event{kind: evItem, item: ir})
		}
		er.State, er.Reason = progress.Failed, err.Error()
		w.post(event{kind: evEntityDone, entity: er})
		return
	}
	er.Credential = cred.Label()
	var ecred credential.Credential
	if w.enrich != nil {
		ecred, _ = w.enrich.Acquire()
	}
	w.post(event{kind: evEntityStart, entity: er})

	var (
		written  []artifact.Key
		fetched  int
		lastDiag string
	)
	for i, it := range items {
		if ctx.Err() != nil {
			w.cancelRest(&er, items[i:])
			break
		}
		ir, wrote := w.item(ctx, it, cred, ecred, &er)
		if ir.State == ItemCancelled {
			er.Items = append(er.Items, ir)
			er.ItemsCancelled++
			w.post(event{kind: evItem, item: ir})
			w.cancelRest(&er, items[i+1:])
			break
		}
		if wrote {
			written = append(written, keyOf(it))
		}
		if !ir.Resumed {
			fetched++
		}
		switch {
		case ir.State.OK():
			er.ItemsOK++
			er.Records += ir.Records
		default:
			er.ItemsFailed++
			lastDiag = ir.Diagnostic
		}
		er.Items = append(er.Items, ir)
		w.post(event{kind: evItem, item: ir})
	}

	switch {
	case er.ItemsCancelled > 0:
		w.rollback(&er, written)
		er.State = progress.Cancelled
	case er.ItemsOK == len(items):
		er.State = progress.Succeeded
	case er.ItemsOK > 0:
		er.State = progress.Partial
	default:
		er.State = progress.Failed
	}
	if er.ItemsFailed > 0 {
		er.Reason = fmt.Sprintf("%d/%d items failed; last: %s", er.ItemsFailed, len(items), lastDiag)
	}

	if (er.State == progress.Succeeded || er.State == progress.Partial) && fetched > 0 {
		if w.listing.MarkEntityDone() {
			w.status("%s: listing credential rotated after %s", w.listing.Name(), er.EntityID)
		}
		if w.enrich != nil {
			w.enrich.MarkEntityDone()
		}
	}
	w.post(event{kind: evEntityDone, entity: er})
}

// cancelRest marks items as cancelled without issuing any call.
func (w *worker) cancelRest(er *EntityResult, items []plan.Item) {
	for _, it := range items {
		ir := ItemResult{Item: it, State: ItemCancelled}
		er.Items = append(er.Items, ir)
		er.ItemsCancelled++
		w.post(event{kind: evItem, item: ir})
	}
}

// rollback removes the raw artifacts a cancelled entity wrote in this run
// and re-labels those items as cancelled.
func (w *worker) rollback(er *EntityResult, written []artifact.Key) {
	removed := map[artifact.Key]bool{}
	for _, k := range written {
		if err := w.d.store.RemoveRaw(k); err != nil {
			w.logger.Error("dispatch: rollback", "entity", er.EntityID, "file", k.Filename(), "error", err)
			continue
		}
		removed[k] = true
	}
	for i, ir := range er.Items {
		if ir.State.OK() && !ir.Resumed && removed[keyOf(ir.Item)] {
			er.Items[i].State = ItemCancelled
			er.ItemsOK--
			er.ItemsCancelled++
			er.Records -= ir.Records
			er.rolledBack++
		}
	}
}

// item runs one plan item. wrote reports whether a raw artifact was
// written in this run.
func (w *worker) item(ctx context.Context, it plan.Item, cred, ecred credential.Credential, er *EntityResult) (ItemResult, bool) {
	cfg := w.d.config
	key := keyOf(it)
	ir := ItemResult{Item: it}

	if cfg.Resume && w.d.store.HasRaw(key) {
		if data, err := w.d.store.ReadRaw(key); err == nil {
			if raw, err := aggregate.DecodeRaw(data); err == nil {
				ir.State, ir.Resumed, ir.Records = ItemSucceeded, true, len(raw.Results)
				return ir, false
			}
		}
		w.logger.Warn("dispatch: unreadable raw artifact, refetching", "file", key.Filename())
	}

	if err := w.pause(ctx); err != nil {
		ir.State = ItemCancelled
		return ir, false
	}

	req, err := cfg.Listing.Request(it, cred, PoolListing)
	if err != nil {
		return w.fail(ir, key, httpcall.KindPermanentUpstream, err.Error()), false
	}
	req.MaxAttempts, req.BaseBackoff = cfg.MaxAttempts, cfg.BaseBackoff
	res := w.call(ctx, req)
	ir.Attempts = res.Attempts
	if !res.OK {
		return w.fail(ir, key, res.Kind, res.Diagnostic()), false
	}

	records, err := cfg.Listing.Records(res.Body)
	if err != nil {
		return w.fail(ir, key, httpcall.KindDecodeFailure, err.Error()), false
	}
	if w.enrich != nil {
		w.enrichRecords(ctx, records, ecred, er)
	}

	body, err := aggregate.EncodeRaw(aggregate.Raw{
		EntityID:     it.EntityID,
		Variant:      it.Variant,
		VariantIndex: it.VariantIndex,
		From:         it.Segment.From.Format(plan.DayLayout),
		To:           it.Segment.To.Format(plan.DayLayout),
		FetchedAt:    w.d.now().UTC(),
		Results:      records,
	})
	if err == nil {
		err = w.d.store.WriteRaw(key, body)
	}
	if err != nil {
		return w.fail(ir, key, httpcall.KindNone, "write: "+err.Error()), false
	}

	ir.State = ItemSucceeded
	if res.Retried() {
		ir.State = ItemRetried
	}
	ir.Records = len(records)
	return ir, true
}

// fail marks ir failed and removes any stale artifact so that a raw file
// exists only for items that succeeded.
func (w *worker) fail(ir ItemResult, key artifact.Key, kind httpcall.Kind, diag string) ItemResult {
	ir.State, ir.Kind, ir.Diagnostic = ItemFailed, kind, diag
	if err := w.d.store.RemoveRaw(key); err != nil {
		w.logger.Error("dispatch: remove stale raw", "file", key.Filename(), "error", err)
	}
	w.logger.Warn("dispatch: item failed",
		"entity", ir.Item.EntityID, "variant", ir.Item.VariantIndex,
		"segment", ir.Item.Segment.ID(), "kind", kind, "error", diag)
	return ir
}

// enrichRecords attaches enrichment text to records. Failures are counted
// and reported but never fail the item.
func (w *worker) enrichRecords(ctx context.Context, records []map[string]any, cred credential.Credential, er *EntityResult) {
	cfg := w.d.config
	for _, rec := range records {
		id := strategy.RecordID(rec, cfg.Listing.IDField)
		if id == "" {
			continue
		}
		if err := w.pause(ctx); err != nil {
			return
		}
		req, err := cfg.Enrichment.Request(id, cred, PoolEnrichment)
		if err != nil {
			er.EnrichFailed++
			w.status("%s: enrichment %s: %v", er.EntityID, id, err)
			continue
		}
		if req.MaxAttempts <= 0 {
			req.MaxAttempts = cfg.MaxAttempts
		}
		req.BaseBackoff = cfg.BaseBackoff
		res := w.call(ctx, req)
		if !res.OK {
			er.EnrichFailed++
			w.status("%s: enrichment %s: %s", er.EntityID, id, res.Diagnostic())
			continue
		}
		text, err := w.d.normalizer.Text(cfg.Enrichment, res.Body, req.URL)
		if err != nil {
			er.EnrichFailed++
			w.status("%s: enrichment %s: %v", er.EntityID, id, err)
			continue
		}
		rec[aggregate.EnrichmentColumn] = text
	}
}

// call issues req on a context detached from run cancellation so that an
// in-flight call finishes or times out on its own.
func (w *worker) call(ctx context.Context, req httpcall.Request) httpcall.Result {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.d.config.CallTimeout)
	defer cancel()
	return w.d.caller.Call(cctx, req)
}

// pause waits InterCallDelay before every call but the worker's first.
// It returns an error when the run is cancelled.
func (w *worker) pause(ctx context.Context) error {
	if w.calls > 0 {
		if err := w.d.sleep(ctx, w.d.config.InterCallDelay); err != nil {
			return errCancelled
		}
	} else if ctx.Err() != nil {
		return errCancelled
	}
	w.calls++
	return nil
}
