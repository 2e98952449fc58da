package main

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// errClass buckets upstream failures for retry decisions.
type errClass int

const (
	classRejection errClass = iota // terminal, surfaced to the client
	classAuth                      // stale bearer, refresh and reroute
	classTransient                 // retry with backoff
	classBusy                      // rate limited / out of capacity
	classTimeout                   // poll budget exhausted, terminal
)

type flowError struct {
	class  errClass
	status int
	msg    string
}

func (e *flowError) Error() string {
	if e.status > 0 {
		return fmt.Sprintf("flow upstream %d: %s", e.status, e.msg)
	}
	return e.msg
}

func classifyStatus(status int) errClass {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return classAuth
	case status == http.StatusTooManyRequests:
		return classBusy
	case status >= 500:
		return classTransient
	default:
		return classRejection
	}
}

func errClassOf(err error) (errClass, bool) {
	var fe *flowError
	if errors.As(err, &fe) {
		return fe.class, true
	}
	return 0, false
}

func isAuthError(err error) bool      { c, ok := errClassOf(err); return ok && c == classAuth }
func isTransientError(err error) bool { c, ok := errClassOf(err); return ok && c == classTransient }
func isBusyError(err error) bool      { c, ok := errClassOf(err); return ok && c == classBusy }
func isTimeoutError(err error) bool   { c, ok := errClassOf(err); return ok && c == classTimeout }

// flowAuth carries the per-call credentials. ST goes in the session cookie
// on the labs host, AT as a bearer on the sandbox API host.
type flowAuth struct {
	ST        string
	AT        string
	UserAgent string
}

func (a *Account) flowAuth() flowAuth {
	a.mu.Lock()
	defer a.mu.Unlock()
	return flowAuth{ST: a.SessionToken, AT: a.AccessToken, UserAgent: userAgentFor(a.ID)}
}

// userAgentFor derives a stable browser User-Agent per account so each
// account always presents the same client identity upstream.
func userAgentFor(accountID string) string {
	sum := md5.Sum([]byte(accountID))
	major := 124 + int(sum[0])%14
	build := 6000 + int(binary.BigEndian.Uint16(sum[1:3]))%1400
	patch := int(sum[3]) % 250
	return fmt.Sprintf("Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/%d.0.%d.%d Safari/537.36", major, build, patch)
}

// flowClient talks to the two provider hosts: the labs frontend (session,
// project trpc) and the sandbox generation API.
type flowClient struct {
	hc       *http.Client
	labsBase string // e.g. https://labs.google/fx/api
	apiBase  string // e.g. https://aisandbox-pa.googleapis.com/v1
	debug    bool
}

func newFlowClient(hc *http.Client, labsBase, apiBase string, debug bool) *flowClient {
	return &flowClient{
		hc:       hc,
		labsBase: strings.TrimRight(labsBase, "/"),
		apiBase:  strings.TrimRight(apiBase, "/"),
		debug:    debug,
	}
}

func (c *flowClient) doJSON(ctx context.Context, method, url string, auth flowAuth, useST bool, payload any, out any) error {
	var body io.Reader
	if payload != nil {
		buf, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if auth.UserAgent != "" {
		req.Header.Set("User-Agent", auth.UserAgent)
	}
	if useST {
		req.Header.Set("Cookie", "__Secure-next-auth.session-token="+auth.ST)
	} else {
		req.Header.Set("Authorization", "Bearer "+auth.AT)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &flowError{class: classTransient, msg: err.Error()}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return &flowError{class: classTransient, msg: fmt.Sprintf("read response: %v", err)}
	}
	if c.debug {
		log.Printf("flow %s %s -> %d (%d bytes)", method, url, resp.StatusCode, len(raw))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &flowError{
			class:  classifyStatus(resp.StatusCode),
			status: resp.StatusCode,
			msg:    safeText(raw[:min(len(raw), 512)]),
		}
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return &flowError{class: classTransient, msg: fmt.Sprintf("decode response: %v", err)}
		}
	}
	return nil
}

// sessionInfo exchanges a session token for a bearer access token.
// An empty session payload means the ST itself is no longer accepted.
func (c *flowClient) sessionInfo(ctx context.Context, auth flowAuth) (accessToken string, expires time.Time, email string, err error) {
	var out struct {
		AccessToken string `json:"access_token"`
		Expires     string `json:"expires"`
		User        struct {
			Email string `json:"email"`
		} `json:"user"`
	}
	if err = c.doJSON(ctx, http.MethodGet, c.labsBase+"/auth/session", auth, true, nil, &out); err != nil {
		return "", time.Time{}, "", err
	}
	if out.AccessToken == "" {
		return "", time.Time{}, "", &flowError{class: classAuth, msg: "session token rejected"}
	}
	if out.Expires != "" {
		if t, perr := time.Parse(time.RFC3339, out.Expires); perr == nil {
			expires = t
		}
	}
	return out.AccessToken, expires, out.User.Email, nil
}

func (c *flowClient) createProject(ctx context.Context, auth flowAuth, title string) (string, error) {
	payload := map[string]any{
		"json": map[string]any{
			"projectTitle": title,
			"toolName":     "PINHOLE",
		},
	}
	var out struct {
		Result struct {
			Data struct {
				JSON struct {
					Result struct {
						ProjectID string `json:"projectId"`
					} `json:"result"`
				} `json:"json"`
			} `json:"data"`
		} `json:"result"`
	}
	if err := c.doJSON(ctx, http.MethodPost, c.labsBase+"/trpc/project.createProject", auth, true, payload, &out); err != nil {
		return "", err
	}
	id := out.Result.Data.JSON.Result.ProjectID
	if id == "" {
		return "", &flowError{class: classTransient, msg: "createProject returned no projectId"}
	}
	return id, nil
}

func (c *flowClient) credits(ctx context.Context, auth flowAuth) (int64, string, error) {
	var out struct {
		Credits         int64  `json:"credits"`
		UserPaygateTier string `json:"userPaygateTier"`
	}
	if err := c.doJSON(ctx, http.MethodGet, c.apiBase+"/credits", auth, false, nil, &out); err != nil {
		return 0, "", err
	}
	return out.Credits, out.UserPaygateTier, nil
}

// uploadImage pushes raw image bytes (already base64) and returns the media
// id used to reference the image in generation requests. Video aspect
// ratios are mapped onto their image counterparts.
func (c *flowClient) uploadImage(ctx context.Context, auth flowAuth, imageBase64, mimeType, aspectRatio string) (string, error) {
	if strings.HasPrefix(aspectRatio, "VIDEO_") {
		aspectRatio = "IMAGE_" + strings.TrimPrefix(aspectRatio, "VIDEO_")
	}
	if mimeType == "" {
		mimeType = "image/jpeg"
	}
	payload := map[string]any{
		"imageInput": map[string]any{
			"rawImageBytes":  imageBase64,
			"mimeType":       mimeType,
			"isUserUploaded": true,
			"aspectRatio":    aspectRatio,
		},
		"clientContext": map[string]any{
			"sessionId": newSessionID(),
			"tool":      "ASSET_MANAGER",
		},
	}
	var out struct {
		MediaGenerationID struct {
			MediaGenerationID string `json:"mediaGenerationId"`
		} `json:"mediaGenerationId"`
	}
	if err := c.doJSON(ctx, http.MethodPost, c.apiBase+":uploadUserImage", auth, false, payload, &out); err != nil {
		return "", err
	}
	if out.MediaGenerationID.MediaGenerationID == "" {
		return "", &flowError{class: classTransient, msg: "upload returned no mediaGenerationId"}
	}
	return out.MediaGenerationID.MediaGenerationID, nil
}

// imageGenInput is a synchronous image generation request.
type imageGenInput struct {
	ProjectID      string
	Prompt         string
	ModelName      string
	AspectRatio    string
	MediaIDs       []string // reference images for image-to-image
	RecaptchaToken string
}

// generateImages runs a synchronous generation and returns the image URLs.
func (c *flowClient) generateImages(ctx context.Context, auth flowAuth, in imageGenInput) ([]string, error) {
	sessionID := newSessionID()
	imageInputs := make([]map[string]any, 0, len(in.MediaIDs))
	for _, id := range in.MediaIDs {
		imageInputs = append(imageInputs, map[string]any{"mediaId": id})
	}
	request := map[string]any{
		"clientContext": map[string]any{
			"recaptchaToken": in.RecaptchaToken,
			"projectId":      in.ProjectID,
			"sessionId":      sessionID,
			"tool":           "PINHOLE",
		},
		"seed":             newSeed(),
		"imageModelName":   in.ModelName,
		"imageAspectRatio": in.AspectRatio,
		"prompt":           in.Prompt,
		"imageInputs":      imageInputs,
	}
	payload := map[string]any{
		"clientContext": map[string]any{
			"recaptchaToken": in.RecaptchaToken,
			"sessionId":      sessionID,
		},
		"requests": []any{request},
	}

	var out struct {
		Media []struct {
			Image struct {
				GeneratedImage struct {
					FifeURL string `json:"fifeUrl"`
				} `json:"generatedImage"`
			} `json:"image"`
		} `json:"media"`
	}
	url := fmt.Sprintf("%s/projects/%s/flowMedia:batchGenerateImages", c.apiBase, in.ProjectID)
	if err := c.doJSON(ctx, http.MethodPost, url, auth, false, payload, &out); err != nil {
		return nil, err
	}

	var urls []string
	for _, m := range out.Media {
		if u := m.Image.GeneratedImage.FifeURL; u != "" {
			urls = append(urls, u)
		}
	}
	if len(urls) == 0 {
		return nil, &flowError{class: classRejection, msg: "generation produced no images"}
	}
	return urls, nil
}

// videoGenInput is an asynchronous video generation request.
type videoGenInput struct {
	Kind           jobKind
	ProjectID      string
	Prompt         string
	ModelKey       string
	AspectRatio    string
	StartMediaID   string
	EndMediaID     string
	ReferenceIDs   []string
	PaygateTier    string
	RecaptchaToken string
}

// videoOperation identifies a pending upstream generation.
type videoOperation struct {
	Name    string
	SceneID string
	Status  string
}

const (
	mediaStatusPending    = "MEDIA_GENERATION_STATUS_PENDING"
	mediaStatusActive     = "MEDIA_GENERATION_STATUS_ACTIVE"
	mediaStatusSuccessful = "MEDIA_GENERATION_STATUS_SUCCESSFUL"
	mediaStatusFailed     = "MEDIA_GENERATION_STATUS_FAILED"
)

// submitVideo dispatches to the endpoint matching the job kind and returns
// the operations to poll.
func (c *flowClient) submitVideo(ctx context.Context, auth flowAuth, in videoGenInput) ([]videoOperation, error) {
	tier := in.PaygateTier
	if tier == "" {
		tier = "PAYGATE_TIER_ONE"
	}
	request := map[string]any{
		"aspectRatio":   in.AspectRatio,
		"seed":          newSeed(),
		"textInput":     map[string]any{"prompt": in.Prompt},
		"videoModelKey": in.ModelKey,
		"metadata":      map[string]any{"sceneId": uuid.NewString()},
	}

	var endpoint string
	switch in.Kind {
	case jobTextToVideo:
		endpoint = "/video:batchAsyncGenerateVideoText"
	case jobVideoStartFrame:
		endpoint = "/video:batchAsyncGenerateVideoStartImage"
		request["startImage"] = map[string]any{"mediaId": in.StartMediaID}
	case jobVideoDualFrame:
		endpoint = "/video:batchAsyncGenerateVideoStartAndEndImage"
		request["startImage"] = map[string]any{"mediaId": in.StartMediaID}
		request["endImage"] = map[string]any{"mediaId": in.EndMediaID}
	case jobVideoReference:
		endpoint = "/video:batchAsyncGenerateVideoReferenceImages"
		refs := make([]map[string]any, 0, len(in.ReferenceIDs))
		for _, id := range in.ReferenceIDs {
			refs = append(refs, map[string]any{
				"imageUsageType": "IMAGE_USAGE_TYPE_ASSET",
				"mediaId":        id,
			})
		}
		request["referenceImages"] = refs
	default:
		return nil, fmt.Errorf("submitVideo: unsupported kind %s", in.Kind)
	}

	payload := map[string]any{
		"clientContext": map[string]any{
			"recaptchaToken":  in.RecaptchaToken,
			"sessionId":       newSessionID(),
			"projectId":       in.ProjectID,
			"tool":            "PINHOLE",
			"userPaygateTier": tier,
		},
		"requests": []any{request},
	}

	var out struct {
		Operations []struct {
			Operation struct {
				Name string `json:"name"`
			} `json:"operation"`
			SceneID string `json:"sceneId"`
			Status  string `json:"status"`
		} `json:"operations"`
	}
	if err := c.doJSON(ctx, http.MethodPost, c.apiBase+endpoint, auth, false, payload, &out); err != nil {
		return nil, err
	}
	if len(out.Operations) == 0 {
		return nil, &flowError{class: classRejection, msg: "submission returned no operations"}
	}
	ops := make([]videoOperation, 0, len(out.Operations))
	for _, o := range out.Operations {
		ops = append(ops, videoOperation{Name: o.Operation.Name, SceneID: o.SceneID, Status: o.Status})
	}
	return ops, nil
}

// videoOpStatus is one poll result.
type videoOpStatus struct {
	Name    string
	Status  string
	FifeURL string
	Error   string
}

func (c *flowClient) checkVideo(ctx context.Context, auth flowAuth, ops []videoOperation) ([]videoOpStatus, error) {
	reqOps := make([]map[string]any, 0, len(ops))
	for _, op := range ops {
		reqOps = append(reqOps, map[string]any{
			"operation": map[string]any{"name": op.Name},
			"sceneId":   op.SceneID,
			"status":    op.Status,
		})
	}
	payload := map[string]any{"operations": reqOps}

	var out struct {
		Operations []struct {
			Operation struct {
				Name     string `json:"name"`
				Metadata struct {
					Video struct {
						FifeURL string `json:"fifeUrl"`
					} `json:"video"`
				} `json:"metadata"`
			} `json:"operation"`
			Status string `json:"status"`
			Error  struct {
				Message string `json:"message"`
			} `json:"error"`
		} `json:"operations"`
	}
	if err := c.doJSON(ctx, http.MethodPost, c.apiBase+"/video:batchCheckAsyncVideoGenerationStatus", auth, false, payload, &out); err != nil {
		return nil, err
	}

	res := make([]videoOpStatus, 0, len(out.Operations))
	for _, o := range out.Operations {
		res = append(res, videoOpStatus{
			Name:    o.Operation.Name,
			Status:  o.Status,
			FifeURL: o.Operation.Metadata.Video.FifeURL,
			Error:   o.Error.Message,
		})
	}
	return res, nil
}

// newSessionID mirrors the web client's session id format.
func newSessionID() string {
	return fmt.Sprintf(";%d", time.Now().UnixMilli())
}

func newSeed() int {
	return rand.Intn(99999) + 1
}
