package models

import (
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/kozaktomas/face-recognizer/internal/facematch"
)

func testImage() image.Image {
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	img.Set(0, 0, color.RGBA{R: 255, A: 255})
	return img
}

// newModelServer fakes the face model server and checks every upload decodes.
func newModelServer(t *testing.T) *httptest.Server {
	t.Helper()

	readImage := func(w http.ResponseWriter, r *http.Request) bool {
		file, _, err := r.FormFile("file")
		if err != nil {
			http.Error(w, "missing file", http.StatusBadRequest)
			return false
		}
		defer file.Close()
		if _, err := png.Decode(file); err != nil {
			http.Error(w, "bad image", http.StatusBadRequest)
			return false
		}
		return true
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("POST /detect", func(w http.ResponseWriter, r *http.Request) {
		if !readImage(w, r) {
			return
		}
		w.Write([]byte(`{"faces":[{"top":1,"left":2,"bottom":5,"right":6},{"top":0,"left":0,"bottom":2,"right":2}]}`))
	})
	mux.HandleFunc("POST /landmarks", func(w http.ResponseWriter, r *http.Request) {
		if !readImage(w, r) {
			return
		}
		var rect rectJSON
		if err := json.Unmarshal([]byte(r.FormValue("rect")), &rect); err != nil {
			http.Error(w, "bad rect", http.StatusBadRequest)
			return
		}
		json.NewEncoder(w).Encode(landmarksResponse{Points: []facematch.Point{
			{X: rect.Left, Y: rect.Top},
			{X: rect.Right, Y: rect.Bottom},
		}})
	})
	mux.HandleFunc("POST /encode", func(w http.ResponseWriter, r *http.Request) {
		if !readImage(w, r) {
			return
		}
		var sets []facematch.Landmarks
		if err := json.Unmarshal([]byte(r.FormValue("landmarks")), &sets); err != nil {
			http.Error(w, "bad landmarks", http.StatusBadRequest)
			return
		}
		if r.FormValue("jitter") == "" {
			http.Error(w, "missing jitter", http.StatusBadRequest)
			return
		}
		resp := encodeResponse{}
		for i := range sets {
			enc := make([]float32, facematch.EncodingDim)
			enc[0] = float32(i)
			resp.Encodings = append(resp.Encodings, enc)
		}
		json.NewEncoder(w).Encode(resp)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestClientRoundTrip(t *testing.T) {
	srv := newModelServer(t)
	ctx := context.Background()
	c := NewClient(srv.URL+"/", 5*time.Second)

	if err := c.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}

	rects, err := c.LocateFaces(ctx, testImage())
	if err != nil {
		t.Fatalf("LocateFaces: %v", err)
	}
	if len(rects) != 2 {
		t.Fatalf("expected 2 faces, got %d", len(rects))
	}
	want := facematch.Rect{Top: 1, Left: 2, Bottom: 5, Right: 6}
	if rects[0] != want {
		t.Errorf("expected %+v, got %+v", want, rects[0])
	}

	lm, err := c.Landmarks(ctx, testImage(), rects[0])
	if err != nil {
		t.Fatalf("Landmarks: %v", err)
	}
	if len(lm) != 2 || lm[1] != (facematch.Point{X: 6, Y: 5}) {
		t.Errorf("unexpected landmarks %+v", lm)
	}

	encs, err := c.Encode(ctx, testImage(), []facematch.Landmarks{lm, lm}, 3)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if len(encs) != 2 || encs[1][0] != 1 {
		t.Errorf("unexpected encodings %v", encs)
	}

	none, err := c.Encode(ctx, testImage(), nil, 0)
	if err != nil || none != nil {
		t.Errorf("expected no call for empty landmarks, got %v, %v", none, err)
	}
}

func TestClientPingUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	err := NewClient(srv.URL, time.Second).Ping(context.Background())
	if !errors.Is(err, ErrModelUnavailable) {
		t.Errorf("expected ErrModelUnavailable, got %v", err)
	}

	srv.Close()
	_, err = HTTPFactory(srv.URL, time.Second)(context.Background())
	if !errors.Is(err, ErrModelUnavailable) {
		t.Errorf("expected ErrModelUnavailable for closed server, got %v", err)
	}
}

func TestClientAPIError(t *testing.T) {
	srv := newModelServer(t)
	c := NewClient(srv.URL, time.Second)

	// Unknown route returns 404.
	_, err := c.postImage(context.Background(), "/nope", testImage(), nil)
	if err == nil {
		t.Fatal("expected API error")
	}
}

func TestClientEncodeValidatesResponse(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantDim bool
	}{
		{"short vector", `{"encodings":[[1,2,3]]}`, true},
		{"count mismatch", `{"encodings":[]}`, false},
		{"garbage", `not json`, false},
	}

	lm := []facematch.Landmarks{{{X: 1, Y: 1}}}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := NewClient(srv.URL, time.Second).Encode(context.Background(), testImage(), lm, 0)
			if err == nil {
				t.Fatal("expected error")
			}
			if tt.wantDim && !errors.Is(err, facematch.ErrDimensionMismatch) {
				t.Errorf("expected ErrDimensionMismatch, got %v", err)
			}
		})
	}
}

func TestHTTPFactory(t *testing.T) {
	srv := newModelServer(t)

	m, err := HTTPFactory(srv.URL, time.Second)(context.Background())
	if err != nil {
		t.Fatalf("factory: %v", err)
	}
	if err := m.validate(); err != nil {
		t.Errorf("expected complete model set: %v", err)
	}
	if m.Closer == nil {
		t.Error("expected closer to be set")
	}
}
