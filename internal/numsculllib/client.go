// Package numsculllib is the client side of the Numscull protocol: it
// dials a server, drives the §4.3 handshake, and exposes a typed
// method for every control/, notes/, and flow/ RPC.
package numsculllib

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/postalsys/numscull/internal/cryptobox"
	"github.com/postalsys/numscull/internal/domain"
	"github.com/postalsys/numscull/internal/identity"
	"github.com/postalsys/numscull/internal/protocol"
)

// ProtocolVersion is advertised in control/init, mirroring the
// server's own ProtocolVersion constant.
const ProtocolVersion = "0.2.4"

// RPCError is returned when the server answers a request with
// control/error instead of the expected method echo.
type RPCError struct {
	Method string
	Reason string
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("numscull: %s: %s", e.Method, e.Reason)
}

// Session is an open, authenticated connection to a Numscull server.
// It is not safe for concurrent use by multiple goroutines: like the
// server's own Session, it serializes one request at a time.
type Session struct {
	conn           net.Conn
	stream         *protocol.EncryptedStream
	nextID         uint64
	ServerIdentity [identity.KeySize]byte
}

// Dial connects to addr, authenticates as identity using key, and
// completes the ephemeral key exchange. The returned Session is ready
// to issue calls.
func Dial(addr string, clientIdentity string, key identity.KeyPair) (*Session, error) {
	conn, err := net.DialTimeout("tcp", addr, 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("numscull: dial %s: %w", addr, err)
	}
	sess, err := newSession(conn, clientIdentity, key)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return sess, nil
}

// With dials addr, runs fn against the resulting session, and closes
// the session afterward regardless of fn's outcome — the Go analogue
// of the reference client's context-manager scoping.
func With(addr string, clientIdentity string, key identity.KeyPair, fn func(*Session) error) error {
	sess, err := Dial(addr, clientIdentity, key)
	if err != nil {
		return err
	}
	defer sess.Close()
	return fn(sess)
}

func newSession(conn net.Conn, clientIdentity string, key identity.KeyPair) (*Session, error) {
	initBody, err := json.Marshal(map[string]any{
		"id":     1,
		"method": "control/init",
		"params": map[string]any{"identity": clientIdentity, "version": ProtocolVersion},
	})
	if err != nil {
		return nil, fmt.Errorf("numscull: encode control/init: %w", err)
	}
	if err := protocol.WriteFrame(conn, initBody); err != nil {
		return nil, fmt.Errorf("numscull: send control/init: %w", err)
	}

	respFrame, err := protocol.ReadFrame(conn)
	if err != nil {
		return nil, fmt.Errorf("numscull: read control/init response: %w", err)
	}
	var resp struct {
		Params struct {
			Valid     bool `json:"valid"`
			PublicKey struct {
				Bytes string `json:"bytes"`
			} `json:"publicKey"`
		} `json:"params"`
	}
	if err := json.Unmarshal(respFrame, &resp); err != nil {
		return nil, fmt.Errorf("numscull: decode control/init response: %w", err)
	}
	if !resp.Params.Valid {
		return nil, fmt.Errorf("numscull: server rejected identity %q", clientIdentity)
	}
	keyBytes, err := base64.StdEncoding.DecodeString(resp.Params.PublicKey.Bytes)
	if err != nil || len(keyBytes) != identity.KeySize {
		return nil, fmt.Errorf("numscull: malformed server public key in control/init response")
	}
	var serverStaticPub [identity.KeySize]byte
	copy(serverStaticPub[:], keyBytes)

	serverSealed := make([]byte, cryptobox.NonceSize+cryptobox.EncryptedBlockSize)
	if err := protocol.ReadExact(conn, serverSealed); err != nil {
		return nil, fmt.Errorf("numscull: read server ephemeral push: %w", err)
	}
	serverRecvPub, serverSendPub, err := cryptobox.OpenEphemeralPush(serverSealed, &serverStaticPub, &key.Secret)
	if err != nil {
		return nil, fmt.Errorf("numscull: open server ephemeral push: %w", err)
	}

	clientPush, err := cryptobox.NewEphemeralPush()
	if err != nil {
		return nil, fmt.Errorf("numscull: generate client ephemeral push: %w", err)
	}
	sealed, err := cryptobox.SealEphemeralPush(clientPush, &serverStaticPub, &key.Secret)
	if err != nil {
		return nil, fmt.Errorf("numscull: seal client ephemeral push: %w", err)
	}
	if _, err := conn.Write(sealed); err != nil {
		return nil, fmt.Errorf("numscull: send client ephemeral push: %w", err)
	}

	channel := cryptobox.ClientChannel(clientPush, serverRecvPub, serverSendPub)
	return &Session{
		conn:           conn,
		stream:         protocol.NewEncryptedStream(conn, channel),
		nextID:         2,
		ServerIdentity: serverStaticPub,
	}, nil
}

// Close ends the session. It does not issue control/exit first;
// callers that want a clean server-side shutdown should call Exit.
func (s *Session) Close() error {
	return s.conn.Close()
}

// call sends one request and decodes its response envelope, returning
// an *RPCError if the server answered with control/error.
func (s *Session) call(method string, params any) (map[string]any, error) {
	id := s.nextID
	s.nextID++
	body, err := json.Marshal(map[string]any{"id": id, "method": method, "params": params})
	if err != nil {
		return nil, fmt.Errorf("numscull: encode %s request: %w", method, err)
	}
	if err := s.stream.SendMessage(body); err != nil {
		return nil, fmt.Errorf("numscull: send %s: %w", method, err)
	}
	respBody, err := s.stream.RecvMessage()
	if err != nil {
		return nil, fmt.Errorf("numscull: recv %s response: %w", method, err)
	}
	var resp struct {
		Method string         `json:"method"`
		Result map[string]any `json:"result"`
	}
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("numscull: decode %s response: %w", method, err)
	}
	if resp.Method == "control/error" {
		reason, _ := resp.Result["reason"].(string)
		return nil, &RPCError{Method: method, Reason: reason}
	}
	return resp.Result, nil
}

// ── Control module ──────────────────────────────────────────────────

func (s *Session) ListProjects() (map[string]any, error) {
	return s.call("control/list/project", map[string]any{})
}

func (s *Session) CreateProject(name, repository, ownerIdentity string) (map[string]any, error) {
	params := map[string]any{"name": name}
	if repository != "" {
		params["repository"] = repository
	}
	if ownerIdentity != "" {
		params["ownerIdentity"] = ownerIdentity
	}
	return s.call("control/create/project", params)
}

func (s *Session) ChangeProject(name string) (map[string]any, error) {
	return s.call("control/change/project", map[string]any{"name": name})
}

func (s *Session) RemoveProject(name string) (map[string]any, error) {
	return s.call("control/remove/project", map[string]any{"name": name})
}

func (s *Session) Subscribe(channels []int) (map[string]any, error) {
	return s.call("control/subscribe", map[string]any{"channels": channels})
}

func (s *Session) Unsubscribe(channels []int) (map[string]any, error) {
	return s.call("control/unsubscribe", map[string]any{"channels": channels})
}

func (s *Session) AddUserServer(identityName string, publicKey [identity.KeySize]byte) (map[string]any, error) {
	return s.call("control/add/user/server", map[string]any{
		"identity":  identityName,
		"publicKey": map[string]any{"bytes": base64.StdEncoding.EncodeToString(publicKey[:])},
	})
}

func (s *Session) AddUserProject(project, identityName string, permissions map[string]any) (map[string]any, error) {
	params := map[string]any{"project": project, "identity": identityName}
	if permissions != nil {
		params["permissions"] = permissions
	}
	return s.call("control/add/user/project", params)
}

// Exit tells the server this session is done and closes the
// connection. Grounded on the reference client's exit() followed by
// socket teardown.
func (s *Session) Exit() error {
	_, err := s.call("control/exit", map[string]any{})
	closeErr := s.Close()
	if err != nil {
		return err
	}
	return closeErr
}

// ── Flow module ──────────────────────────────────────────────────────

func (s *Session) FlowGetAll() (map[string]any, error) {
	return s.call("flow/get/all", map[string]any{})
}

func (s *Session) FlowCreate(name, description string) (map[string]any, error) {
	return s.call("flow/create", map[string]any{"name": name, "description": description})
}

func (s *Session) FlowRemove(flowID int) (map[string]any, error) {
	return s.call("flow/remove", map[string]any{"flowId": flowID})
}

func (s *Session) FlowGet(flowID int) (map[string]any, error) {
	return s.call("flow/get", map[string]any{"flowId": flowID})
}

// FlowSet overwrites a flow's node set wholesale; nodes is keyed by
// decimal node id, matching the wire shape flow/get returns.
func (s *Session) FlowSet(flowID int, nodes map[string]domain.Node) (map[string]any, error) {
	return s.call("flow/set", map[string]any{"flowId": flowID, "nodes": nodes})
}

// FlowSetInfo updates only the fields passed non-nil, matching the
// server's partial-update semantics for flow/set/info.
func (s *Session) FlowSetInfo(flowID int, name, description *string) (map[string]any, error) {
	params := map[string]any{"flowId": flowID}
	if name != nil {
		params["name"] = *name
	}
	if description != nil {
		params["description"] = *description
	}
	return s.call("flow/set/info", params)
}

func (s *Session) FlowLinkedTo(flowID int) (map[string]any, error) {
	return s.call("flow/linked/to", map[string]any{"flowId": flowID})
}

func (s *Session) FlowUnlock(flowID int) (map[string]any, error) {
	return s.call("flow/unlock", map[string]any{"flowId": flowID})
}

// AddNodeParams mirrors flow/add/node's fields; ParentID and ChildID
// are nil unless the caller wants to attach the new node to an
// existing edge.
type AddNodeParams struct {
	FlowID   int
	Location domain.Location
	Note     string
	Color    string
	Name     string
	ParentID *int
	ChildID  *int
}

func (s *Session) FlowAddNode(p AddNodeParams) (map[string]any, error) {
	params := map[string]any{
		"flowId": p.FlowID, "location": p.Location, "note": p.Note,
		"color": p.Color, "name": p.Name,
	}
	if p.ParentID != nil {
		params["parentId"] = *p.ParentID
	}
	if p.ChildID != nil {
		params["childId"] = *p.ChildID
	}
	return s.call("flow/add/node", params)
}

// ForkNodeParams mirrors flow/fork/node's fields.
type ForkNodeParams struct {
	ParentID int
	Location domain.Location
	Note     string
	Color    string
	Name     string
	ChildID  *int
}

func (s *Session) FlowForkNode(p ForkNodeParams) (map[string]any, error) {
	params := map[string]any{
		"parentId": p.ParentID, "location": p.Location, "note": p.Note,
		"color": p.Color, "name": p.Name,
	}
	if p.ChildID != nil {
		params["childId"] = *p.ChildID
	}
	return s.call("flow/fork/node", params)
}

// SetNodeParams updates only the fields passed non-nil.
type SetNodeParams struct {
	FlowID   int
	NodeID   int
	Location *domain.Location
	Note     *string
	Color    *string
	Name     *string
	InEdges  *[]int
	OutEdges *[]int
}

func (s *Session) FlowSetNode(p SetNodeParams) (map[string]any, error) {
	params := map[string]any{"flowId": p.FlowID, "nodeId": p.NodeID}
	if p.Location != nil {
		params["location"] = *p.Location
	}
	if p.Note != nil {
		params["note"] = *p.Note
	}
	if p.Color != nil {
		params["color"] = *p.Color
	}
	if p.Name != nil {
		params["name"] = *p.Name
	}
	if p.InEdges != nil {
		params["inEdges"] = *p.InEdges
	}
	if p.OutEdges != nil {
		params["outEdges"] = *p.OutEdges
	}
	return s.call("flow/set/node", params)
}

func (s *Session) FlowRemoveNode(flowID, nodeID int) (map[string]any, error) {
	return s.call("flow/remove/node", map[string]any{"flowId": flowID, "nodeId": nodeID})
}

// ── Notes module ─────────────────────────────────────────────────────

func (s *Session) NotesForFile(uri string) (map[string]any, error) {
	return s.call("notes/for/file", map[string]any{"uri": uri})
}

// NotesSet sends a location and text; the server stamps author and
// modifiedBy from the authenticated identity, so neither is accepted
// from the caller.
func (s *Session) NotesSet(location domain.Location, text string) (map[string]any, error) {
	return s.call("notes/set", map[string]any{"location": location, "text": text})
}

func (s *Session) NotesRemove(uri string, line int) (map[string]any, error) {
	return s.call("notes/remove", map[string]any{"uri": uri, "line": line})
}

func (s *Session) NotesTagCount() (map[string]any, error) {
	return s.call("notes/tag/count", map[string]any{})
}

func (s *Session) NotesSearch(query string) (map[string]any, error) {
	return s.call("notes/search", map[string]any{"query": query})
}

func (s *Session) NotesSearchTags(query string) (map[string]any, error) {
	return s.call("notes/search/tags", map[string]any{"query": query})
}

// ColumnOrder and ColumnPage mirror the server's domain.OrderSpec and
// domain.Page wire shapes for notes/search/columns.
type ColumnOrder struct {
	By       string `json:"by"`
	Ordering string `json:"ordering"`
}

type ColumnPage struct {
	Index uint32 `json:"index"`
	Size  uint32 `json:"size"`
}

func (s *Session) NotesSearchColumns(author string, order *ColumnOrder, page *ColumnPage) (map[string]any, error) {
	params := map[string]any{"author": author}
	if order != nil {
		params["order"] = order
	}
	if page != nil {
		params["page"] = page
	}
	return s.call("notes/search/columns", params)
}
