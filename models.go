package main

import "fmt"

// jobKind identifies what a routed request will do upstream.
type jobKind string

const (
	jobTextToImage     jobKind = "text_to_image"
	jobImageToImage    jobKind = "image_to_image"
	jobTextToVideo     jobKind = "text_to_video"
	jobVideoStartFrame jobKind = "video_start_frame"
	jobVideoDualFrame  jobKind = "video_dual_frame"
	jobVideoReference  jobKind = "video_reference"
)

func (k jobKind) isVideo() bool {
	switch k {
	case jobTextToVideo, jobVideoStartFrame, jobVideoDualFrame, jobVideoReference:
		return true
	}
	return false
}

type modelFamily int

const (
	familyImage modelFamily = iota
	familyT2V
	familyI2V
	familyR2V
)

// modelSpec maps a public model id onto the upstream generation parameters.
type modelSpec struct {
	family modelFamily
	// upstream is imageModelName for image models and videoModelKey for
	// video models.
	upstream    string
	aspectRatio string
}

const (
	aspectImageLandscape = "IMAGE_ASPECT_RATIO_LANDSCAPE"
	aspectImagePortrait  = "IMAGE_ASPECT_RATIO_PORTRAIT"
	aspectVideoLandscape = "VIDEO_ASPECT_RATIO_LANDSCAPE"
	aspectVideoPortrait  = "VIDEO_ASPECT_RATIO_PORTRAIT"
)

// maxReferenceImages bounds the reference-image list accepted upstream.
const maxReferenceImages = 3

// modelCatalog is the public model grammar. Order here drives /v1/models.
var modelCatalog = []struct {
	id   string
	spec modelSpec
}{
	{"gemini-2.5-flash-image-landscape", modelSpec{familyImage, "GEM_PIX", aspectImageLandscape}},
	{"gemini-2.5-flash-image-portrait", modelSpec{familyImage, "GEM_PIX", aspectImagePortrait}},
	{"gemini-3.0-pro-image-landscape", modelSpec{familyImage, "GEM_PIX_2", aspectImageLandscape}},
	{"gemini-3.0-pro-image-portrait", modelSpec{familyImage, "GEM_PIX_2", aspectImagePortrait}},
	{"imagen-4.0-generate-preview-landscape", modelSpec{familyImage, "IMAGEN_3_5", aspectImageLandscape}},
	{"imagen-4.0-generate-preview-portrait", modelSpec{familyImage, "IMAGEN_3_5", aspectImagePortrait}},

	{"veo_3_1_t2v_fast_landscape", modelSpec{familyT2V, "veo_3_1_t2v_fast", aspectVideoLandscape}},
	{"veo_3_1_t2v_fast_portrait", modelSpec{familyT2V, "veo_3_1_t2v_fast_portrait", aspectVideoPortrait}},
	{"veo_2_1_fast_d_15_t2v_landscape", modelSpec{familyT2V, "veo_2_1_fast_d_15", aspectVideoLandscape}},
	{"veo_2_1_fast_d_15_t2v_portrait", modelSpec{familyT2V, "veo_2_1_fast_d_15", aspectVideoPortrait}},
	{"veo_2_0_t2v_landscape", modelSpec{familyT2V, "veo_2_0_t2v", aspectVideoLandscape}},
	{"veo_2_0_t2v_portrait", modelSpec{familyT2V, "veo_2_0_t2v", aspectVideoPortrait}},

	{"veo_3_1_i2v_s_fast_fl_landscape", modelSpec{familyI2V, "veo_3_1_i2v_s_fast_landscape_fl_ultra_relaxed", aspectVideoLandscape}},
	{"veo_3_1_i2v_s_fast_fl_portrait", modelSpec{familyI2V, "veo_3_1_i2v_s_fast_portrait_fl_ultra_relaxed", aspectVideoPortrait}},
	{"veo_2_1_fast_d_15_i2v_landscape", modelSpec{familyI2V, "veo_2_1_fast_d_15", aspectVideoLandscape}},
	{"veo_2_1_fast_d_15_i2v_portrait", modelSpec{familyI2V, "veo_2_1_fast_d_15", aspectVideoPortrait}},
	{"veo_2_0_i2v_landscape", modelSpec{familyI2V, "veo_2_0_i2v", aspectVideoLandscape}},
	{"veo_2_0_i2v_portrait", modelSpec{familyI2V, "veo_2_0_i2v", aspectVideoPortrait}},

	{"veo_3_0_r2v_fast_landscape", modelSpec{familyR2V, "veo_3_0_r2v_fast", aspectVideoLandscape}},
	{"veo_3_0_r2v_fast_portrait", modelSpec{familyR2V, "veo_3_0_r2v_fast", aspectVideoPortrait}},
}

var modelIndex = func() map[string]modelSpec {
	m := make(map[string]modelSpec, len(modelCatalog))
	for _, e := range modelCatalog {
		m[e.id] = e.spec
	}
	return m
}()

func modelIDs() []string {
	out := make([]string, 0, len(modelCatalog))
	for _, e := range modelCatalog {
		out = append(out, e.id)
	}
	return out
}

// jobRequest is the routed form of an inbound chat request. It carries
// everything the submitter needs except account-bound fields (project id,
// uploaded media ids, captcha token) which attach later.
type jobRequest struct {
	Kind        jobKind
	Model       string // public id, echoed in the stream
	Upstream    string
	AspectRatio string
	Prompt      string
	ImageCount  int
}

// route maps (model id, attached image count) to a generation job. It is a
// pure function: no I/O and no account interaction, so validation failures
// cost nothing. Unknown models and unsupported image counts return
// validationError.
func route(modelID string, imageCount int) (jobRequest, error) {
	spec, ok := modelIndex[modelID]
	if !ok {
		return jobRequest{}, validationErrorf("unknown model %q", modelID)
	}

	req := jobRequest{
		Model:       modelID,
		Upstream:    spec.upstream,
		AspectRatio: spec.aspectRatio,
		ImageCount:  imageCount,
	}

	switch spec.family {
	case familyImage:
		if imageCount == 0 {
			req.Kind = jobTextToImage
		} else {
			req.Kind = jobImageToImage
		}
	case familyT2V:
		if imageCount > 0 {
			return jobRequest{}, validationErrorf("model %q does not accept image input", modelID)
		}
		req.Kind = jobTextToVideo
	case familyI2V:
		switch imageCount {
		case 1:
			req.Kind = jobVideoStartFrame
		case 2:
			req.Kind = jobVideoDualFrame
		case 0:
			return jobRequest{}, validationErrorf("model %q requires 1 or 2 images, got 0", modelID)
		default:
			return jobRequest{}, validationErrorf("model %q accepts at most 2 images, got %d", modelID, imageCount)
		}
	case familyR2V:
		if imageCount == 0 {
			// No references degrades gracefully to plain text-to-video on
			// the same model.
			req.Kind = jobTextToVideo
		} else if imageCount <= maxReferenceImages {
			req.Kind = jobVideoReference
		} else {
			return jobRequest{}, validationErrorf("model %q accepts at most %d reference images, got %d", modelID, maxReferenceImages, imageCount)
		}
	}
	return req, nil
}

// validationError rejects a request before any account is touched.
type validationError struct {
	msg string
}

func (e *validationError) Error() string { return e.msg }

func validationErrorf(format string, args ...any) error {
	return &validationError{msg: fmt.Sprintf(format, args...)}
}
