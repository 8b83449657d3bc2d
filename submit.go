package rendergrid

import (
	"errors"
	"fmt"
	"time"
)

// SubmitRequest is the caller-facing payload for Service.Submit, matching
// the submitPdf/submitScreenshot operations named in §6. Kind distinguishes
// the two; the facade itself is otherwise kind-agnostic.
type SubmitRequest struct {
	Kind       JobKind
	Key        RequestedKey
	SourceKind SourceKind
	Source     string
	Options    RenderOptions
	ReCreate   bool
}

// Submit is the idempotent entry point: validate, sanitize, de-duplicate,
// enqueue (§4.3). Two submissions with the same key race-safely resolve to
// (a) the existing completed result, (b) a single new job, or (c) one
// success and one ErrDuplicateKey — never two jobs with the same key.
func (s *Service) Submit(req SubmitRequest) (Job, error) {
	if !req.Kind.valid() {
		return Job{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidInput, req.Kind)
	}
	if !req.SourceKind.valid() {
		return Job{}, fmt.Errorf("%w: unknown source kind %q", ErrInvalidInput, req.SourceKind)
	}
	if err := req.Key.Validate(); err != nil {
		return Job{}, err
	}
	if err := req.Options.Validate(); err != nil {
		return Job{}, err
	}

	source := req.Source
	switch req.SourceKind {
	case SourceInlineHTML, SourceUploadedHTML:
		sanitized, err := s.validator.SanitizeHTML(source)
		if err != nil {
			return Job{}, err
		}
		source = sanitized
	case SourceRemoteURL:
		if err := s.validator.ValidateURL(source); err != nil {
			return Job{}, err
		}
	}

	sched := s.schedulerFor(req.Kind)

	if req.ReCreate {
		if _, err := sched.Remove(req.Key); err != nil {
			return Job{}, err
		}
	} else if existing, ok := s.store.Get(req.Key); ok && existing.Status == StatusCompleted {
		// Idempotent fast path: no race hazard here, since a second racing
		// submission either also observes COMPLETED (same answer) or the
		// record has since moved on and Insert below is the arbiter.
		return existing, nil
	}

	now := time.Now()
	job := &Job{
		Key:        req.Key,
		Kind:       req.Kind,
		SourceKind: req.SourceKind,
		Source:     source,
		Options:    s.applyConfigDefaults(req.Options),
		Status:     StatusQueued,
		Progress:   0,
		Priority:   clampPriority(req.Options.Queue.Priority),
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	// The duplicate-key check and the write happen under Insert's single
	// store critical section, so two concurrent submissions for the same
	// new key resolve to one success and one ErrDuplicateKey (§4.3), never
	// two successes racing to overwrite each other.
	if err := s.store.Insert(job, s.maxQueueSize); err != nil {
		if errors.Is(err, ErrDuplicateKey) {
			return Job{}, fmt.Errorf("%w: %s", err, req.Key)
		}
		if errors.Is(err, ErrQueueFull) {
			return Job{}, fmt.Errorf("%w: at capacity (%d)", err, s.maxQueueSize)
		}
		return Job{}, err
	}
	sched.Trigger()

	return *job, nil
}

// applyConfigDefaults seeds job fields the caller left unset from the
// service's configured pdf.default*/browser.default* knobs (§6), so e.g. a
// PDF job submitted with no format renders the configured page size instead
// of silently falling back to the capture library's own default. PrintBackground
// is OR'd against the configured default rather than overwritten, since a
// bare bool can't distinguish "caller left it false" from "caller wants it
// off" — the same ambiguity pdf.printBackground already has on the wire.
func (s *Service) applyConfigDefaults(opts RenderOptions) RenderOptions {
	if opts.PDF.Format == "" && !opts.PDF.explicitDimensions() {
		opts.PDF.Format = s.cfg.PDF.DefaultFormat
	}
	if opts.PDF.Margin == (PDFMargin{}) {
		opts.PDF.Margin = s.cfg.PDF.DefaultMargin
	}
	opts.PDF.PrintBackground = opts.PDF.PrintBackground || s.cfg.PDF.PrintBackground

	if opts.Browser.NavigationTimeoutMS == 0 {
		opts.Browser.NavigationTimeoutMS = s.cfg.Browser.DefaultTimeoutMS
	}
	if opts.Browser.ViewportWidth == 0 {
		opts.Browser.ViewportWidth = s.cfg.Browser.ViewportWidth
	}
	if opts.Browser.ViewportHeight == 0 {
		opts.Browser.ViewportHeight = s.cfg.Browser.ViewportHeight
	}
	return opts
}

// GetStatus returns the current view of a job, or false if unknown.
func (s *Service) GetStatus(key RequestedKey) (View, bool) {
	j, ok := s.store.Get(key)
	if !ok {
		return View{}, false
	}
	return j.ToView(), true
}

// Cancel cancels a job by key, returning whether it existed and was not
// already terminal.
func (s *Service) Cancel(kind JobKind, key RequestedKey) bool {
	return s.schedulerFor(kind).Cancel(key)
}

// Remove forcefully deletes a job and its artifact, refusing while
// PROCESSING.
func (s *Service) Remove(kind JobKind, key RequestedKey) (bool, error) {
	return s.schedulerFor(kind).Remove(key)
}

// QueueStats returns the count breakdown for kind.
func (s *Service) QueueStats(kind JobKind) QueueStats {
	return s.store.Stats(kind)
}
