// Package facematch holds the face geometry and encoding types shared by the
// model adapters, the registries and the pipeline, together with the distance
// rule that decides whether two encodings belong to the same person.
package facematch

// Rect is a face rectangle in pixel space as reported by the detector.
// Coordinates are stored verbatim; the registries never normalise them.
type Rect struct {
	Top    int `json:"top"`
	Left   int `json:"left"`
	Bottom int `json:"bottom"`
	Right  int `json:"right"`
}

// Width returns Right-Left.
func (r Rect) Width() int { return r.Right - r.Left }

// Height returns Bottom-Top.
func (r Rect) Height() int { return r.Bottom - r.Top }

// Point is a single facial landmark.
type Point struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// Landmarks is the ordered landmark set predicted for one face (conventionally 68 points).
type Landmarks []Point

// Match is the nearest stored encoding for a query.
type Match struct {
	ID       int64
	Distance float64
}
