package runner

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/dhcgn/mailbox-harvester/archive"
	"github.com/dhcgn/mailbox-harvester/dedup"
	"github.com/dhcgn/mailbox-harvester/links"
	"github.com/dhcgn/mailbox-harvester/message"
	"github.com/dhcgn/mailbox-harvester/model"
	"github.com/dhcgn/mailbox-harvester/stats"
)

// ItemResult is the outcome for one payload or archive entry. Err is set for
// failures, Outcome otherwise.
type ItemResult struct {
	Name     string
	URL      string
	Outcome  dedup.Outcome
	Path     string
	Existing string
	Err      error
}

// MessageResult collects everything that happened to one message.
type MessageResult struct {
	ID       model.MessageID
	Filtered bool
	// FetchErr is set when the raw message could not be retrieved; nothing
	// else was attempted.
	FetchErr error
	Items    []ItemResult
}

func (m MessageResult) Failures() []ItemResult {
	var failed []ItemResult
	for _, item := range m.Items {
		if item.Err != nil {
			failed = append(failed, item)
		}
	}
	return failed
}

func (m MessageResult) Failed() bool {
	return m.FetchErr != nil || len(m.Failures()) > 0
}

func (r *Runner) processMessage(ctx context.Context, id model.MessageID) MessageResult {
	result := MessageResult{ID: id}
	log := r.logger.With("messageID", id)

	msg, err := r.source.FetchRawMessage(ctx, id)
	if err != nil {
		result.FetchErr = fmt.Errorf("fetch message %s: %w", id, err)
		r.emit(stats.Event{Stage: stats.StageMessage, Type: stats.EventTypeError, MessageID: id, Err: result.FetchErr})
		return result
	}

	if verdict := r.filter.Check(msg.Raw); !verdict.Allowed {
		result.Filtered = true
		log.Debug("message filtered", "reason", verdict.Reason)
		r.emit(stats.Event{Stage: stats.StageMessage, Type: stats.EventTypeFiltered, MessageID: id, Detail: verdict.Reason})
		return result
	}

	parsed, err := message.Parse(msg.Raw)
	if err != nil {
		r.fault(&result, ItemResult{Err: err}, stats.StageMessage)
		return result
	}
	for _, warning := range parsed.Warnings {
		log.Warn("message decoded with replacements", "err", warning)
	}
	log.Debug("processing message", "subject", parsed.Subject(), "size", msg.Size)

	for payload, err := range parsed.Attachments(id) {
		if err != nil {
			r.fault(&result, ItemResult{Name: payload.Name, Err: err}, stats.StageMessage)
			continue
		}
		r.storePayload(&result, payload, "")
	}

	body, ok := parsed.HTMLBody()
	if !ok {
		return result
	}
	urls, err := r.extractor.Extract(body)
	if err != nil {
		r.fault(&result, ItemResult{Err: err}, stats.StageLink)
		return result
	}
	if len(urls) == 0 {
		return result
	}
	log.Debug("partner links found", "count", len(urls))

	docs, errs := r.fetchAll(ctx, urls)
	for i, url := range urls {
		if errs[i] != nil {
			log.Warn("link download failed", "url", url, "err", errs[i])
			result.Items = append(result.Items, ItemResult{URL: url, Err: errs[i]})
			r.emit(stats.Event{Stage: stats.StageLink, Type: stats.EventTypeFetchError, MessageID: id, URL: url, Err: errs[i]})
			continue
		}
		doc := docs[i]
		r.storePayload(&result, model.Payload{
			Name:        doc.Filename,
			ContentType: doc.ContentType,
			Data:        doc.Data,
			Category:    model.CategoryDelhivery,
			MessageID:   id,
			Source:      doc.URL,
		}, r.opts.DefaultDocExt)
	}

	return result
}

// fetchAll downloads the links with bounded parallelism. Results keep the
// order of urls so storing stays deterministic.
func (r *Runner) fetchAll(ctx context.Context, urls []string) ([]links.Document, []error) {
	docs := make([]links.Document, len(urls))
	errs := make([]error, len(urls))

	var g errgroup.Group
	g.SetLimit(r.opts.LinkWorkers)
	for i, url := range urls {
		g.Go(func() error {
			docs[i], errs[i] = r.fetcher.Fetch(ctx, url)
			return nil
		})
	}
	_ = g.Wait()

	return docs, errs
}

// storePayload classifies, stores and, for archives, expands one payload.
func (r *Runner) storePayload(result *MessageResult, p model.Payload, defaultExt string) {
	cls := archive.Classify(p.Data, p.ContentType, p.Name, defaultExt)
	p.Name = cls.Name

	stage := stats.StageMessage
	if p.Source != "" {
		stage = stats.StageLink
	}

	res, err := r.vault.Store(p)
	if err != nil {
		r.fault(result, ItemResult{Name: p.Name, URL: p.Source, Err: err}, stage)
		return
	}
	r.record(result, p, res, stage, stats.EventTypeStored)

	if cls.Kind != archive.KindArchive {
		return
	}
	stored, ok := persistedArchive(res)
	if !ok {
		return
	}

	exp, err := r.expander.Expand(p, &stored)
	for _, entry := range exp.Results {
		r.record(result, model.Payload{Name: entry.Entry.Name, MessageID: p.MessageID}, entry, stats.StageArchive, stats.EventTypeExtracted)
	}
	switch {
	case errors.Is(err, archive.ErrMalformedArchive):
		r.logger.Warn("archive could not be opened, kept as file", "messageID", p.MessageID, "path", stored.Path, "err", err)
	case err != nil:
		r.fault(result, ItemResult{Name: p.Name, Path: stored.Path, Err: err}, stats.StageArchive)
	}
	if exp.Removed {
		r.emit(stats.Event{Stage: stats.StageArchive, Type: stats.EventTypeArchiveRemoved, MessageID: p.MessageID, Path: stored.Path})
	}
}

// persistedArchive returns the file an archive's bytes currently live in. An
// archive stays registered only while its expansion is incomplete, so a known
// or adopted archive is expanded again.
func persistedArchive(res dedup.Result) (model.StoredEntry, bool) {
	switch res.Outcome {
	case dedup.OutcomeStored, dedup.OutcomeOnDisk:
		return res.Entry, res.Entry.Path != ""
	case dedup.OutcomeKnown:
		if res.Existing == "" {
			return model.StoredEntry{}, false
		}
		entry := res.Entry
		entry.Path = res.Existing
		entry.Name = path.Base(res.Existing)
		if category, _, ok := strings.Cut(res.Existing, "/"); ok {
			entry.Category = model.Category(category)
		}
		return entry, true
	}
	return model.StoredEntry{}, false
}

func (r *Runner) record(result *MessageResult, p model.Payload, res dedup.Result, stage stats.Stage, storedType stats.EventType) {
	item := ItemResult{Name: p.Name, URL: p.Source, Outcome: res.Outcome, Path: res.Entry.Path, Existing: res.Existing}
	result.Items = append(result.Items, item)

	evt := stats.Event{Stage: stage, MessageID: p.MessageID, URL: p.Source}
	if res.Outcome == dedup.OutcomeStored {
		evt.Type = storedType
		evt.Path = res.Entry.Path
	} else {
		evt.Type = stats.EventTypeDuplicate
		evt.Path = res.Existing
		evt.Detail = p.Name
	}
	r.emit(evt)
}

func (r *Runner) fault(result *MessageResult, item ItemResult, stage stats.Stage) {
	result.Items = append(result.Items, item)
	r.logger.Warn("item failed", "messageID", result.ID, "name", item.Name, "url", item.URL, "err", item.Err)
	r.emit(stats.Event{Stage: stage, Type: stats.EventTypeError, MessageID: result.ID, URL: item.URL, Err: item.Err})
}
