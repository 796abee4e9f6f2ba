package pipeline

import (
	"math"
	"strconv"
	"strings"

	"github.com/lidarscope/control-plane/internal/models"
)

const (
	// edgeProposalThreshold is the tail-to-head distance in metres below
	// which two scans get a proposed edge.
	edgeProposalThreshold = 20.0
	// fallbackGlueThreshold bounds the tail-to-head gluing of scans the
	// edge graph could not reach.
	fallbackGlueThreshold = 100.0
	// maxAnchorControlPoints caps the control points carried per anchor.
	maxAnchorControlPoints = 2000
)

// ControlPoint is one surveyed reference point of a scan.
type ControlPoint struct {
	XYZ []float64 `json:"xyz"`
}

// Anchors are the registration handles of one scan: trajectory
// endpoints plus its control points.
type Anchors struct {
	ScanID           string         `json:"scan_id"`
	DatasetVersionID string         `json:"dataset_version_id"`
	Head             []float64      `json:"head"`
	Tail             []float64      `json:"tail"`
	ControlPoints    []ControlPoint `json:"control_points"`
}

// Pose is a rigid placement, translation plus rotation matrix.
type Pose struct {
	T []float64   `json:"t"`
	R [][]float64 `json:"R"`
}

// IdentityPose is the origin placement.
func IdentityPose() Pose {
	return Pose{
		T: []float64{0, 0, 0},
		R: [][]float64{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}},
	}
}

// Map renders the pose for catalog persistence.
func (p Pose) Map() map[string]any {
	return map[string]any{"t": p.T, "R": p.R}
}

// Solution is the solved pose graph plus solver diagnostics.
type Solution struct {
	Poses       map[string]Pose `json:"poses"`
	Diagnostics map[string]any  `json:"diagnostics"`
}

// ParseXYZLines extracts one xyz triple per parseable line. Lines with
// fewer than three numeric columns are skipped.
func ParseXYZLines(text string) [][]float64 {
	var out [][]float64
	for _, line := range strings.Split(text, "\n") {
		parts := strings.Fields(strings.TrimSpace(line))
		if len(parts) < 3 {
			continue
		}
		x, errX := strconv.ParseFloat(parts[0], 64)
		y, errY := strconv.ParseFloat(parts[1], 64)
		z, errZ := strconv.ParseFloat(parts[2], 64)
		if errX != nil || errY != nil || errZ != nil {
			continue
		}
		out = append(out, []float64{x, y, z})
	}
	return out
}

// BuildAnchors derives the anchors of a scan from its trajectory text
// and optional control point text.
func BuildAnchors(scanID, datasetVersionID, trajectoryText, controlPointText string) Anchors {
	anchors := Anchors{
		ScanID:           scanID,
		DatasetVersionID: datasetVersionID,
		ControlPoints:    []ControlPoint{},
	}

	points := ParseXYZLines(trajectoryText)
	if len(points) > 0 {
		anchors.Head = points[0]
		anchors.Tail = points[len(points)-1]
	}

	if controlPointText != "" {
		cps := ParseXYZLines(controlPointText)
		if len(cps) > maxAnchorControlPoints {
			cps = cps[:maxAnchorControlPoints]
		}
		for _, xyz := range cps {
			anchors.ControlPoints = append(anchors.ControlPoints, ControlPoint{XYZ: xyz})
		}
	}
	return anchors
}

func dist(a, b []float64) float64 {
	dx, dy, dz := a[0]-b[0], a[1]-b[1], a[2]-b[2]
	return math.Sqrt(dx*dx + dy*dy + dz*dz)
}

func add(a, b []float64) []float64 {
	return []float64{a[0] + b[0], a[1] + b[1], a[2] + b[2]}
}

func sub(a, b []float64) []float64 {
	return []float64{a[0] - b[0], a[1] - b[1], a[2] - b[2]}
}

// ProposeEdges proposes one edge per neighbour scan whose head lies
// within the threshold of this scan's tail. The edge weight grows as
// the gap closes and the transform guess is the pure translation that
// closes it.
func ProposeEdges(my Anchors, others map[string]Anchors) []models.ScanEdge {
	var edges []models.ScanEdge
	if len(my.Tail) != 3 {
		return edges
	}
	for otherID, other := range others {
		if otherID == my.ScanID || len(other.Head) != 3 {
			continue
		}
		d := dist(my.Tail, other.Head)
		if d >= edgeProposalThreshold {
			continue
		}
		t := sub(other.Head, my.Tail)
		edges = append(edges, models.ScanEdge{
			ScanIDFrom:     my.ScanID,
			ScanIDTo:       otherID,
			Kind:           "traj_tail_head",
			Weight:         math.Max(0.1, edgeProposalThreshold/(d+1e-6)),
			TransformGuess: Pose{T: t, R: IdentityPose().R}.Map(),
			Meta:           map[string]any{"d_tail_head": d},
		})
	}
	return edges
}

type edgeHop struct {
	to string
	t  []float64
	r  [][]float64
}

// SolvePoseGraph places every scan by composing edge translations
// breadth-first from a root scan. Scans the edge graph cannot reach are
// glued tail-to-head from anchor proximity; anything still unplaced
// gets the identity pose.
func SolvePoseGraph(scanIDs []string, anchors map[string]Anchors, edges []models.ScanEdge) Solution {
	if len(scanIDs) == 0 {
		return Solution{Poses: map[string]Pose{}, Diagnostics: map[string]any{
			"root": "", "poses_count": 0, "scans_total": 0, "unresolved": []string{}, "edges_used": 0,
		}}
	}

	known := make(map[string]bool, len(scanIDs))
	for _, sid := range scanIDs {
		known[sid] = true
	}

	adj := make(map[string][]edgeHop, len(scanIDs))
	edgesUsed := 0
	for _, e := range edges {
		if !known[e.ScanIDFrom] || !known[e.ScanIDTo] {
			continue
		}
		t := floatSlice(asMap(e.TransformGuess)["t"])
		if len(t) != 3 {
			continue
		}
		r := floatMatrix(asMap(e.TransformGuess)["R"])
		if r == nil {
			r = IdentityPose().R
		}
		adj[e.ScanIDFrom] = append(adj[e.ScanIDFrom], edgeHop{to: e.ScanIDTo, t: t, r: r})
		edgesUsed++
	}

	root := scanIDs[0]
	for _, sid := range scanIDs {
		if len(anchors[sid].Head) == 3 {
			root = sid
			break
		}
	}

	poses := map[string]Pose{root: IdentityPose()}
	queue := []string{root}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		curPose := poses[cur]
		for _, hop := range adj[cur] {
			if _, placed := poses[hop.to]; placed {
				continue
			}
			poses[hop.to] = Pose{T: add(curPose.T, hop.t), R: hop.r}
			queue = append(queue, hop.to)
		}
	}

	// Glue anchored but unreached scans to the nearest placed tail.
	if len(anchors[root].Head) == 3 {
		for _, sid := range scanIDs {
			if _, placed := poses[sid]; placed {
				continue
			}
			head := anchors[sid].Head
			if len(head) != 3 {
				continue
			}
			bestD := math.Inf(1)
			best := ""
			for pid := range poses {
				tail := anchors[pid].Tail
				if len(tail) != 3 {
					continue
				}
				if d := dist(tail, head); d < bestD {
					bestD, best = d, pid
				}
			}
			if best != "" && bestD < fallbackGlueThreshold {
				poses[sid] = Pose{T: sub(anchors[best].Tail, head), R: IdentityPose().R}
			}
		}
	}

	var unresolved []string
	for _, sid := range scanIDs {
		if _, placed := poses[sid]; !placed {
			unresolved = append(unresolved, sid)
			poses[sid] = IdentityPose()
		}
	}
	if unresolved == nil {
		unresolved = []string{}
	}

	return Solution{
		Poses: poses,
		Diagnostics: map[string]any{
			"root":        root,
			"poses_count": len(poses),
			"scans_total": len(scanIDs),
			"unresolved":  unresolved,
			"edges_used":  edgesUsed,
		},
	}
}

func asMap(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}

func floatSlice(v any) []float64 {
	switch s := v.(type) {
	case []float64:
		return s
	case []any:
		out := make([]float64, 0, len(s))
		for _, item := range s {
			f, ok := toFloat(item)
			if !ok {
				return nil
			}
			out = append(out, f)
		}
		return out
	default:
		return nil
	}
}

func floatMatrix(v any) [][]float64 {
	switch m := v.(type) {
	case [][]float64:
		return m
	case []any:
		out := make([][]float64, 0, len(m))
		for _, row := range m {
			fs := floatSlice(row)
			if fs == nil {
				return nil
			}
			out = append(out, fs)
		}
		return out
	default:
		return nil
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	default:
		return 0, false
	}
}
