package domain

// FlowSummary is the read-only projection used by flow/get/all.
type FlowSummary struct {
	FlowID int
	Info   FlowInfo
}

// CreateFlow registers a new flow with an empty node map. flowId is
// assigned from the project's next_flow_id counter and incremented.
func (s *Store) CreateFlow(project, identity, name, description string) (FlowSummary, error) {
	var out FlowSummary
	err := s.withProject(project, func(p *Project) error {
		id := p.NextFlowID
		p.NextFlowID++
		ts := now()
		f := &Flow{
			Info: FlowInfo{
				InfoID:       id,
				Name:         name,
				Description:  description,
				Author:       identity,
				ModifiedBy:   identity,
				CreatedDate:  ts,
				ModifiedDate: ts,
			},
			Nodes:      make(map[int]*Node),
			NextNodeID: 1,
		}
		p.Flows[id] = f
		out = FlowSummary{FlowID: id, Info: f.Info}
		return nil
	})
	return out, err
}

// ListFlows returns every flow's summary for flow/get/all.
func (s *Store) ListFlows(project string) ([]FlowSummary, error) {
	var out []FlowSummary
	err := s.withProject(project, func(p *Project) error {
		for id, f := range p.Flows {
			out = append(out, FlowSummary{FlowID: id, Info: f.Info})
		}
		return nil
	})
	return out, err
}

// FlowSnapshot is a deep, read-only copy of one flow's nodes.
type FlowSnapshot struct {
	FlowID int
	Info   FlowInfo
	Nodes  map[int]Node
}

// GetFlow returns a snapshot of one flow.
func (s *Store) GetFlow(project string, flowID int) (FlowSnapshot, error) {
	var out FlowSnapshot
	err := s.withProject(project, func(p *Project) error {
		f, ok := p.Flows[flowID]
		if !ok {
			return ErrNotFound
		}
		out = FlowSnapshot{FlowID: flowID, Info: f.Info, Nodes: make(map[int]Node, len(f.Nodes))}
		for id, n := range f.Nodes {
			out.Nodes[id] = *n
		}
		return nil
	})
	return out, err
}

// SetFlowInfoInput carries updated descriptive fields for flow/set/info.
type SetFlowInfoInput struct {
	Name        *string
	Description *string
}

// SetFlowInfo updates a flow's descriptive metadata. ModifiedBy is
// always stamped from the session identity, symmetric with notes — see
// §9's explicit resolution of the source's silence on this point.
func (s *Store) SetFlowInfo(project, identity string, flowID int, in SetFlowInfoInput) (FlowInfo, error) {
	var out FlowInfo
	err := s.withProject(project, func(p *Project) error {
		f, ok := p.Flows[flowID]
		if !ok {
			return ErrNotFound
		}
		if in.Name != nil {
			f.Info.Name = *in.Name
		}
		if in.Description != nil {
			f.Info.Description = *in.Description
		}
		f.Info.ModifiedBy = identity
		f.Info.ModifiedDate = now()
		out = f.Info
		return nil
	})
	return out, err
}

// SetFlowNodes replaces the entire node map of a flow (a bulk import or
// full resync), independent of the incremental add/set/remove-node
// operations below.
func (s *Store) SetFlowNodes(project string, flowID int, nodes map[int]Node) (FlowSnapshot, error) {
	var out FlowSnapshot
	err := s.withProject(project, func(p *Project) error {
		f, ok := p.Flows[flowID]
		if !ok {
			return ErrNotFound
		}
		newNodes := make(map[int]*Node, len(nodes))
		maxID := 0
		for id, n := range nodes {
			nc := n
			nc.NodeID = id
			newNodes[id] = &nc
			if id >= maxID {
				maxID = id + 1
			}
		}
		f.Nodes = newNodes
		if maxID >= f.NextNodeID {
			f.NextNodeID = maxID
		}
		out = FlowSnapshot{FlowID: flowID, Info: f.Info, Nodes: make(map[int]Node, len(f.Nodes))}
		for id, n := range f.Nodes {
			out.Nodes[id] = *n
		}
		return nil
	})
	return out, err
}

// AddNodeInput carries the fields for flow/add/node and flow/fork/node.
type AddNodeInput struct {
	Location Location
	Note     string
	Color    string
	Name     string
	ParentID *int
	ChildID  *int
}

// AddNode creates a node in flowID. A ParentID sets the new node's
// inEdges = [parentId] and, if the parent exists, appends the new
// node's id to the parent's outEdges; a ChildID sets the new node's
// outEdges = [childId] with no symmetric update on the child. Neither
// reference is required to resolve to an existing node — flow/add/node
// is not a NotFound-producing operation per §7, so a dangling
// parent/child id is recorded as-is rather than rejected.
func (s *Store) AddNode(project string, flowID int, in AddNodeInput) (Node, error) {
	var out Node
	err := s.withProject(project, func(p *Project) error {
		f, ok := p.Flows[flowID]
		if !ok {
			return ErrNotFound
		}

		id := f.NextNodeID
		f.NextNodeID++
		n := &Node{
			NodeID:   id,
			Location: in.Location,
			Note:     in.Note,
			Color:    in.Color,
			Name:     in.Name,
			InEdges:  []int{},
			OutEdges: []int{},
		}
		if in.ParentID != nil {
			n.InEdges = []int{*in.ParentID}
			if parent, ok := f.Nodes[*in.ParentID]; ok {
				parent.OutEdges = append(parent.OutEdges, id)
			}
		}
		if in.ChildID != nil {
			n.OutEdges = []int{*in.ChildID}
		}
		f.Nodes[id] = n
		out = *n
		return nil
	})
	return out, err
}

// ForkNode is add/node with the flowId inferred by scanning for the
// flow that contains parentId, per §4.5.
func (s *Store) ForkNode(project string, parentID int, in AddNodeInput) (Node, int, error) {
	var out Node
	var flowID int
	err := s.withProject(project, func(p *Project) error {
		found := -1
		for id, f := range p.Flows {
			if _, ok := f.Nodes[parentID]; ok {
				found = id
				break
			}
		}
		if found == -1 {
			return ErrNotFound
		}
		flowID = found
		return nil
	})
	if err != nil {
		return out, 0, err
	}
	in.ParentID = &parentID
	out, err = s.AddNode(project, flowID, in)
	return out, flowID, err
}

// SetNodeInput carries the optional per-field updates for
// flow/set/node: only provided fields are overwritten (a merge, not a
// full replace).
type SetNodeInput struct {
	Location *Location
	Note     *string
	Color    *string
	Name     *string
	InEdges  *[]int
	OutEdges *[]int
}

// SetNode applies a partial update to an existing node.
func (s *Store) SetNode(project string, flowID, nodeID int, in SetNodeInput) (Node, error) {
	var out Node
	err := s.withProject(project, func(p *Project) error {
		f, ok := p.Flows[flowID]
		if !ok {
			return ErrNotFound
		}
		n, ok := f.Nodes[nodeID]
		if !ok {
			return ErrNotFound
		}
		if in.Location != nil {
			n.Location = *in.Location
		}
		if in.Note != nil {
			n.Note = *in.Note
		}
		if in.Color != nil {
			n.Color = *in.Color
		}
		if in.Name != nil {
			n.Name = *in.Name
		}
		if in.InEdges != nil {
			n.InEdges = *in.InEdges
		}
		if in.OutEdges != nil {
			n.OutEdges = *in.OutEdges
		}
		out = *n
		return nil
	})
	return out, err
}

// RemoveNode deletes a node, idempotently, and prunes it from every
// other node's adjacency lists in the same flow to preserve the
// edge-existence invariant in §3.
func (s *Store) RemoveNode(project string, flowID, nodeID int) error {
	return s.withProject(project, func(p *Project) error {
		f, ok := p.Flows[flowID]
		if !ok {
			return ErrNotFound
		}
		delete(f.Nodes, nodeID)
		for _, n := range f.Nodes {
			n.InEdges = removeInt(n.InEdges, nodeID)
			n.OutEdges = removeInt(n.OutEdges, nodeID)
		}
		return nil
	})
}

// RemoveFlow deletes a flow, idempotently.
func (s *Store) RemoveFlow(project string, flowID int) error {
	return s.withProject(project, func(p *Project) error {
		delete(p.Flows, flowID)
		return nil
	})
}

// LinkedTo is currently a no-op per §9, returning an empty set of
// linked flow ids while preserving the response shape for future use.
func (s *Store) LinkedTo(project string, flowID int) ([]int, error) {
	err := s.withProject(project, func(p *Project) error {
		if _, ok := p.Flows[flowID]; !ok {
			return ErrNotFound
		}
		return nil
	})
	return []int{}, err
}

// Unlock is currently a no-op per §9: it changes nothing and succeeds
// for any existing flow, returning ErrNotFound for an unknown flowID.
func (s *Store) Unlock(project string, flowID int) error {
	return s.withProject(project, func(p *Project) error {
		if _, ok := p.Flows[flowID]; !ok {
			return ErrNotFound
		}
		return nil
	})
}

func removeInt(list []int, v int) []int {
	out := list[:0]
	for _, x := range list {
		if x != v {
			out = append(out, x)
		}
	}
	return out
}
