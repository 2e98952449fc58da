package main

import (
	"context"
	"fmt"
	"log"
	"time"
)

// inboundImage is a decoded data-URI image from the chat request.
type inboundImage struct {
	Base64 string
	Mime   string
}

// jobRunner executes a routed job against one acquired account: project
// bootstrap, captcha, image uploads, submission and (for video) polling.
type jobRunner struct {
	flow      *flowClient
	refresher *refresher
	solver    ChallengeSolver

	pollInterval  time.Duration
	maxPolls      int
	progressEvery int
	submitRetries int
	debug         bool
}

func newJobRunner(flow *flowClient, ref *refresher, solver ChallengeSolver, pollInterval time.Duration, maxPolls int, debug bool) *jobRunner {
	if solver == nil {
		solver = noSolver{}
	}
	if pollInterval <= 0 {
		pollInterval = 3 * time.Second
	}
	if maxPolls <= 0 {
		maxPolls = 100
	}
	return &jobRunner{
		flow:          flow,
		refresher:     ref,
		solver:        solver,
		pollInterval:  pollInterval,
		maxPolls:      maxPolls,
		progressEvery: 7,
		submitRetries: 3,
		debug:         debug,
	}
}

// run executes req on acc and returns the generated media URLs. progress
// receives human-readable status lines; it may be nil.
func (j *jobRunner) run(ctx context.Context, acc *Account, req jobRequest, images []inboundImage, progress func(string)) ([]string, error) {
	if progress == nil {
		progress = func(string) {}
	}

	projectID, err := j.refresher.ensureProject(ctx, acc)
	if err != nil {
		return nil, fmt.Errorf("project for %s: %w", acc.ID, err)
	}

	token, err := j.solver.Solve(ctx, projectID)
	if err != nil {
		// Submit without a token rather than failing outright; the
		// upstream decides whether it was required.
		log.Printf("captcha solve for %s: %v", acc.ID, err)
		token = ""
	}

	auth := acc.flowAuth()

	mediaIDs := make([]string, 0, len(images))
	for i, img := range images {
		progress(fmt.Sprintf("Uploading image %d/%d...", i+1, len(images)))
		id, err := j.flow.uploadImage(ctx, auth, img.Base64, img.Mime, req.AspectRatio)
		if err != nil {
			return nil, fmt.Errorf("upload image %d: %w", i+1, err)
		}
		mediaIDs = append(mediaIDs, id)
	}

	if req.Kind.isVideo() {
		return j.runVideo(ctx, acc, auth, req, projectID, token, mediaIDs, progress)
	}
	return j.runImage(ctx, auth, req, projectID, token, mediaIDs, progress)
}

func (j *jobRunner) runImage(ctx context.Context, auth flowAuth, req jobRequest, projectID, token string, mediaIDs []string, progress func(string)) ([]string, error) {
	progress("Generating image...")
	in := imageGenInput{
		ProjectID:      projectID,
		Prompt:         req.Prompt,
		ModelName:      req.Upstream,
		AspectRatio:    req.AspectRatio,
		MediaIDs:       mediaIDs,
		RecaptchaToken: token,
	}
	var urls []string
	err := j.withRetry(ctx, func() error {
		var err error
		urls, err = j.flow.generateImages(ctx, auth, in)
		return err
	})
	if err != nil {
		return nil, err
	}
	return urls, nil
}

func (j *jobRunner) runVideo(ctx context.Context, acc *Account, auth flowAuth, req jobRequest, projectID, token string, mediaIDs []string, progress func(string)) ([]string, error) {
	in := videoGenInput{
		Kind:           req.Kind,
		ProjectID:      projectID,
		Prompt:         req.Prompt,
		ModelKey:       req.Upstream,
		AspectRatio:    req.AspectRatio,
		PaygateTier:    acc.paygateTier(),
		RecaptchaToken: token,
	}
	switch req.Kind {
	case jobVideoStartFrame:
		in.StartMediaID = mediaIDs[0]
	case jobVideoDualFrame:
		in.StartMediaID = mediaIDs[0]
		in.EndMediaID = mediaIDs[1]
	case jobVideoReference:
		in.ReferenceIDs = mediaIDs
	}

	progress("Submitting video generation...")
	var ops []videoOperation
	err := j.withRetry(ctx, func() error {
		var err error
		ops, err = j.flow.submitVideo(ctx, auth, in)
		return err
	})
	if err != nil {
		return nil, err
	}

	return j.poll(ctx, acc, auth, ops, progress)
}

// poll drives batchCheckAsyncVideoGenerationStatus until every operation
// settles or the attempt budget runs out. Client cancellation stops
// polling promptly; a small budget of consecutive transient errors is
// tolerated before giving up.
func (j *jobRunner) poll(ctx context.Context, acc *Account, auth flowAuth, ops []videoOperation, progress func(string)) ([]string, error) {
	transientBudget := 3
	refreshed := false

	for attempt := 1; attempt <= j.maxPolls; attempt++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(j.pollInterval):
		}

		statuses, err := j.flow.checkVideo(ctx, auth, ops)
		if err != nil {
			if isAuthError(err) && !refreshed {
				// Bearer went stale mid-poll; refresh once and keep the
				// same operations.
				refreshed = true
				if rerr := j.refresher.forceRefresh(ctx, acc); rerr == nil {
					auth = acc.flowAuth()
					continue
				}
				return nil, err
			}
			if isTransientError(err) && transientBudget > 0 {
				transientBudget--
				continue
			}
			return nil, err
		}
		transientBudget = 3

		done := true
		var urls []string
		for _, st := range statuses {
			switch st.Status {
			case mediaStatusSuccessful:
				if st.FifeURL != "" {
					urls = append(urls, st.FifeURL)
				}
			case mediaStatusFailed:
				msg := st.Error
				if msg == "" {
					msg = "video generation failed"
				}
				return nil, &flowError{class: classRejection, msg: msg}
			default:
				done = false
			}
		}
		if done {
			if len(urls) == 0 {
				return nil, &flowError{class: classRejection, msg: "generation finished with no video"}
			}
			return urls, nil
		}

		if attempt%j.progressEvery == 0 {
			pct := attempt * 100 / j.maxPolls
			if pct > 95 {
				pct = 95
			}
			progress(fmt.Sprintf("Generating video... %d%%", pct))
		}
	}
	// Exhausting the poll budget is terminal for this request. The render
	// may still finish upstream, so resubmitting on another account would
	// start a duplicate.
	return nil, &flowError{class: classTimeout, msg: fmt.Sprintf("video not ready after %d polls", j.maxPolls)}
}

// withRetry retries transient upstream failures with linear backoff. Auth
// errors, rejections and rate limits pass through untouched.
func (j *jobRunner) withRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt < j.submitRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * 2 * time.Second):
			}
		}
		err = fn()
		if err == nil || !isTransientError(err) {
			return err
		}
	}
	return err
}

func (a *Account) paygateTier() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.PaygateTier
}
