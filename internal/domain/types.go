// Package domain holds the in-memory Numscull domain model: projects,
// notes, flows, nodes, and the edges between them. All mutation goes
// through Store, whose single coarse mutex makes the package safe for
// concurrent sessions per §4.4/§5 — no method here does long-running
// work while holding it.
package domain

// FileID wraps the URI identifying a source file. It exists as its own
// type, rather than a bare string field on Location, because the wire
// protocol nests it that way.
type FileID struct {
	URI string `json:"uri"`
}

// Location pins a note or node to a source position: a file id, a
// line number, and optional highlighted-region columns.
type Location struct {
	FileID      FileID `json:"fileId"`
	Line        int    `json:"line"`
	StartColumn *int   `json:"startColumn,omitempty"`
	EndColumn   *int   `json:"endColumn,omitempty"`
}

// NoteKey identifies a Note within a project.
type NoteKey struct {
	URI  string
	Line int
}

// Note is a free-text annotation pinned to a (uri, line) pair.
type Note struct {
	Location     Location `json:"location"`
	Text         string   `json:"text"`
	Author       string   `json:"author"`
	ModifiedBy   string   `json:"modifiedBy"`
	CreatedDate  string   `json:"createdDate"`
	ModifiedDate string   `json:"modifiedDate"`
	Orphaned     bool     `json:"orphaned,omitempty"`
}

// FlowInfo carries a flow's descriptive metadata.
type FlowInfo struct {
	InfoID       int    `json:"infoId"`
	Name         string `json:"name"`
	Description  string `json:"description"`
	Author       string `json:"author"`
	ModifiedBy   string `json:"modifiedBy"`
	CreatedDate  string `json:"createdDate"`
	ModifiedDate string `json:"modifiedDate"`
}

// Node is a vertex of a Flow.
type Node struct {
	NodeID   int      `json:"nodeId"`
	Location Location `json:"location"`
	Note     string   `json:"note"`
	Color    string   `json:"color"`
	Name     string   `json:"name"`
	InEdges  []int    `json:"inEdges"`
	OutEdges []int    `json:"outEdges"`
}

// Flow is a directed graph of annotated code locations.
type Flow struct {
	Info       FlowInfo
	Nodes      map[int]*Node
	NextNodeID int
}

// Project is the top-level container, keyed by unique name.
type Project struct {
	Name          string
	Repository    string
	OwnerIdentity string
	Notes         map[NoteKey]*Note
	Flows         map[int]*Flow
	NextFlowID    int
	// Users records per-project identities added via
	// control/add/user/project; the permission payload is opaque
	// pass-through per §9.
	Users map[string]any
}
