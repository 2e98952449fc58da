package main

import (
	"errors"
	"testing"
)

func TestRouteTextToImage(t *testing.T) {
	req, err := route("gemini-2.5-flash-image-landscape", 0)
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if req.Kind != jobTextToImage {
		t.Fatalf("kind = %s", req.Kind)
	}
	if req.Upstream != "GEM_PIX" {
		t.Fatalf("upstream = %s", req.Upstream)
	}
	if req.AspectRatio != aspectImageLandscape {
		t.Fatalf("aspect = %s", req.AspectRatio)
	}
}

func TestRouteImageToImage(t *testing.T) {
	req, err := route("imagen-4.0-generate-preview-portrait", 2)
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if req.Kind != jobImageToImage {
		t.Fatalf("kind = %s", req.Kind)
	}
	if req.Upstream != "IMAGEN_3_5" {
		t.Fatalf("upstream = %s", req.Upstream)
	}
}

func TestRouteImageToVideoFrameCounts(t *testing.T) {
	cases := []struct {
		images   int
		wantKind jobKind
		wantErr  bool
	}{
		{1, jobVideoStartFrame, false},
		{2, jobVideoDualFrame, false},
		{0, "", true},
		{3, "", true},
	}
	for _, tc := range cases {
		req, err := route("veo_3_1_i2v_s_fast_fl_landscape", tc.images)
		if tc.wantErr {
			var ve *validationError
			if !errors.As(err, &ve) {
				t.Fatalf("images=%d: expected validation error, got %v", tc.images, err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("images=%d: %v", tc.images, err)
		}
		if req.Kind != tc.wantKind {
			t.Fatalf("images=%d: kind = %s, want %s", tc.images, req.Kind, tc.wantKind)
		}
		if req.Upstream != "veo_3_1_i2v_s_fast_landscape_fl_ultra_relaxed" {
			t.Fatalf("upstream = %s", req.Upstream)
		}
	}
}

func TestRouteTextToVideoRejectsImages(t *testing.T) {
	if _, err := route("veo_3_1_t2v_fast_landscape", 1); err == nil {
		t.Fatalf("expected validation error")
	}
	req, err := route("veo_3_1_t2v_fast_landscape", 0)
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if req.Kind != jobTextToVideo {
		t.Fatalf("kind = %s", req.Kind)
	}
	if req.AspectRatio != aspectVideoLandscape {
		t.Fatalf("aspect = %s", req.AspectRatio)
	}
}

func TestRouteReferenceVideo(t *testing.T) {
	req, err := route("veo_3_0_r2v_fast_portrait", 3)
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if req.Kind != jobVideoReference {
		t.Fatalf("kind = %s", req.Kind)
	}

	// Without references the same model degrades to plain text-to-video.
	req, err = route("veo_3_0_r2v_fast_portrait", 0)
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if req.Kind != jobTextToVideo {
		t.Fatalf("kind = %s", req.Kind)
	}

	if _, err := route("veo_3_0_r2v_fast_portrait", 4); err == nil {
		t.Fatalf("expected validation error for too many references")
	}
}

func TestRouteUnknownModel(t *testing.T) {
	_, err := route("gpt-4o", 0)
	var ve *validationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestRouteIsPure(t *testing.T) {
	a, _ := route("gemini-2.5-flash-image-landscape", 0)
	b, _ := route("gemini-2.5-flash-image-landscape", 0)
	if a != b {
		t.Fatalf("route not deterministic: %+v vs %+v", a, b)
	}
}

func TestModelIDsCoversCatalog(t *testing.T) {
	ids := modelIDs()
	if len(ids) != len(modelCatalog) {
		t.Fatalf("len = %d, want %d", len(ids), len(modelCatalog))
	}
	for _, id := range ids {
		if _, ok := modelIndex[id]; !ok {
			t.Fatalf("id %s missing from index", id)
		}
	}
}
