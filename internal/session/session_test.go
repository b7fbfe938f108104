package session

import (
	"encoding/base64"
	"encoding/json"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/postalsys/numscull/internal/cryptobox"
	"github.com/postalsys/numscull/internal/domain"
	"github.com/postalsys/numscull/internal/identity"
	"github.com/postalsys/numscull/internal/protocol"
)

// testClient drives the client half of the §4.3 handshake directly
// against the wire, mirroring Session.runHandshake without depending
// on the (separately tested) client library.
type testClient struct {
	conn   net.Conn
	stream *protocol.EncryptedStream
	nextID uint64
}

func newTestClient(t *testing.T, conn net.Conn, serverStaticPub [32]byte, clientName string, clientKey identity.KeyPair) *testClient {
	t.Helper()

	initBody, err := json.Marshal(map[string]any{
		"id":     1,
		"method": "control/init",
		"params": map[string]any{"identity": clientName, "version": ProtocolVersion},
	})
	if err != nil {
		t.Fatalf("marshal init request: %v", err)
	}
	if err := protocol.WriteFrame(conn, initBody); err != nil {
		t.Fatalf("write init frame: %v", err)
	}

	respFrame, err := protocol.ReadFrame(conn)
	if err != nil {
		t.Fatalf("read init response: %v", err)
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
		t.Fatalf("decode init response: %v", err)
	}
	if !resp.Params.Valid {
		t.Fatal("server rejected identity, expected acceptance")
	}
	keyBytes, err := base64.StdEncoding.DecodeString(resp.Params.PublicKey.Bytes)
	if err != nil || len(keyBytes) != 32 {
		t.Fatalf("malformed server public key: %v", err)
	}
	copy(serverStaticPub[:], keyBytes)

	serverSealedSize := cryptobox.NonceSize + cryptobox.EncryptedBlockSize
	serverSealed := make([]byte, serverSealedSize)
	if err := protocol.ReadExact(conn, serverSealed); err != nil {
		t.Fatalf("read server ephemeral push: %v", err)
	}
	serverRecvPub, serverSendPub, err := cryptobox.OpenEphemeralPush(serverSealed, &serverStaticPub, &clientKey.Secret)
	if err != nil {
		t.Fatalf("open server ephemeral push: %v", err)
	}

	clientPush, err := cryptobox.NewEphemeralPush()
	if err != nil {
		t.Fatalf("generate client ephemeral push: %v", err)
	}
	sealed, err := cryptobox.SealEphemeralPush(clientPush, &serverStaticPub, &clientKey.Secret)
	if err != nil {
		t.Fatalf("seal client ephemeral push: %v", err)
	}
	if _, err := conn.Write(sealed); err != nil {
		t.Fatalf("write client ephemeral push: %v", err)
	}

	channel := cryptobox.ClientChannel(clientPush, serverRecvPub, serverSendPub)
	return &testClient{conn: conn, stream: protocol.NewEncryptedStream(conn, channel), nextID: 2}
}

// callFull sends one request and returns the response's method (e.g.
// "notes/set" on success, "control/error" on a gated/not-found
// failure) alongside its result payload.
func (c *testClient) callFull(t *testing.T, method string, params any) (string, map[string]any) {
	t.Helper()
	id := c.nextID
	c.nextID++
	body, err := json.Marshal(map[string]any{"id": id, "method": method, "params": params})
	if err != nil {
		t.Fatalf("marshal %s request: %v", method, err)
	}
	if err := c.stream.SendMessage(body); err != nil {
		t.Fatalf("send %s: %v", method, err)
	}
	respBody, err := c.stream.RecvMessage()
	if err != nil {
		t.Fatalf("recv %s response: %v", method, err)
	}
	var resp struct {
		Method string         `json:"method"`
		Result map[string]any `json:"result"`
	}
	if err := json.Unmarshal(respBody, &resp); err != nil {
		t.Fatalf("decode %s response: %v", method, err)
	}
	return resp.Method, resp.Result
}

// call sends one request and returns just its result payload, for
// tests that only care about a successful response.
func (c *testClient) call(t *testing.T, method string, params any) map[string]any {
	t.Helper()
	_, result := c.callFull(t, method, params)
	return result
}

func newTestHarness(t *testing.T) (*identity.Store, identity.KeyPair) {
	t.Helper()
	identities, err := identity.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("new identity store: %v", err)
	}
	serverKey, err := identities.LoadOrCreateServerKeyPair()
	if err != nil {
		t.Fatalf("load server key: %v", err)
	}
	return identities, serverKey
}

func runServerSession(identities *identity.Store, domainDB *domain.Store, serverKey identity.KeyPair, conn net.Conn) <-chan error {
	done := make(chan error, 1)
	go func() {
		done <- New(conn, identities, domainDB, serverKey, nil, nil, 0).Run()
	}()
	return done
}

func TestHandshakeAndEcho(t *testing.T) {
	identities, serverKey := newTestHarness(t)
	clientKey, err := identities.CreateIdentity("alice")
	if err != nil {
		t.Fatalf("create identity: %v", err)
	}
	domainDB := domain.NewStore()

	serverConn, clientConn := net.Pipe()
	done := runServerSession(identities, domainDB, serverKey, serverConn)

	var serverStaticPub [32]byte
	client := newTestClient(t, clientConn, serverStaticPub, "alice", clientKey)

	result := client.call(t, "control/list/project", map[string]any{})
	projects, _ := result["projects"].([]any)
	if len(projects) != 0 {
		t.Errorf("expected no projects, got %v", projects)
	}

	client.call(t, "control/exit", map[string]any{})
	clientConn.Close()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("session.Run returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for session to end")
	}
}

func TestUnknownIdentityRejected(t *testing.T) {
	identities, serverKey := newTestHarness(t)
	domainDB := domain.NewStore()

	serverConn, clientConn := net.Pipe()
	done := runServerSession(identities, domainDB, serverKey, serverConn)
	defer clientConn.Close()

	initBody, _ := json.Marshal(map[string]any{
		"id":     1,
		"method": "control/init",
		"params": map[string]any{"identity": "mallory", "version": ProtocolVersion},
	})
	if err := protocol.WriteFrame(clientConn, initBody); err != nil {
		t.Fatalf("write init frame: %v", err)
	}
	respFrame, err := protocol.ReadFrame(clientConn)
	if err != nil {
		t.Fatalf("read init response: %v", err)
	}
	var resp struct {
		Params struct {
			Valid bool `json:"valid"`
		} `json:"params"`
	}
	if err := json.Unmarshal(respFrame, &resp); err != nil {
		t.Fatalf("decode init response: %v", err)
	}
	if resp.Params.Valid {
		t.Fatal("expected unknown identity to be rejected")
	}

	select {
	case err := <-done:
		if err == nil {
			t.Error("expected Run to return an error for unknown identity")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for session to end")
	}
}

func TestProjectLifecycleAndNotes(t *testing.T) {
	identities, serverKey := newTestHarness(t)
	clientKey, err := identities.CreateIdentity("bob")
	if err != nil {
		t.Fatalf("create identity: %v", err)
	}
	domainDB := domain.NewStore()

	serverConn, clientConn := net.Pipe()
	done := runServerSession(identities, domainDB, serverKey, serverConn)
	defer func() {
		clientConn.Close()
		<-done
	}()

	var serverStaticPub [32]byte
	client := newTestClient(t, clientConn, serverStaticPub, "bob", clientKey)

	created := client.call(t, "control/create/project", map[string]any{"name": "p1", "repository": "git@example.com:p1.git"})
	if created["name"] != "p1" {
		t.Fatalf("expected created project name p1, got %v", created)
	}

	gatedMethod, gatedResult := client.callFull(t, "notes/set", map[string]any{"location": map[string]any{"fileId": map[string]any{"uri": "file:///a.go"}, "line": 1}, "text": "todo"})
	if gatedMethod != "control/error" {
		t.Fatalf("expected notes/set without an active project to be rejected, got method %q result %v", gatedMethod, gatedResult)
	}

	client.call(t, "control/change/project", map[string]any{"name": "p1"})

	setResult := client.call(t, "notes/set", map[string]any{
		"location": map[string]any{"fileId": map[string]any{"uri": "file:///a.go"}, "line": 1},
		"text":     "fix this #bug",
	})
	note, _ := setResult["note"].(map[string]any)
	if note["author"] != "bob" {
		t.Errorf("expected author bob, got %v", note["author"])
	}
	if note["text"] != "fix this #bug" {
		t.Errorf("unexpected note text: %v", note["text"])
	}

	forFile := client.call(t, "notes/for/file", map[string]any{"uri": "file:///a.go"})
	notes, _ := forFile["notes"].([]any)
	if len(notes) != 1 {
		t.Fatalf("expected 1 note, got %d", len(notes))
	}

	tags := client.call(t, "notes/tag/count", map[string]any{})
	tagList, _ := tags["tags"].([]any)
	if len(tagList) != 1 {
		t.Fatalf("expected 1 tag entry, got %v", tagList)
	}

	client.call(t, "notes/remove", map[string]any{"uri": "file:///a.go", "line": 1})
	forFileAfter := client.call(t, "notes/for/file", map[string]any{"uri": "file:///a.go"})
	notesAfter, _ := forFileAfter["notes"].([]any)
	if len(notesAfter) != 0 {
		t.Errorf("expected note removed, got %v", notesAfter)
	}

	client.call(t, "control/exit", map[string]any{})
}

func TestFlowAndNodeEdges(t *testing.T) {
	identities, serverKey := newTestHarness(t)
	clientKey, err := identities.CreateIdentity("carol")
	if err != nil {
		t.Fatalf("create identity: %v", err)
	}
	domainDB := domain.NewStore()

	serverConn, clientConn := net.Pipe()
	done := runServerSession(identities, domainDB, serverKey, serverConn)
	defer func() {
		clientConn.Close()
		<-done
	}()

	var serverStaticPub [32]byte
	client := newTestClient(t, clientConn, serverStaticPub, "carol", clientKey)

	client.call(t, "control/create/project", map[string]any{"name": "flows"})
	client.call(t, "control/change/project", map[string]any{"name": "flows"})

	flow := client.call(t, "flow/create", map[string]any{"name": "trace", "description": "d"})
	flowID := int(flow["flowId"].(float64))

	root := client.call(t, "flow/add/node", map[string]any{
		"flowId":   flowID,
		"location": map[string]any{"fileId": map[string]any{"uri": "file:///a.go"}, "line": 1},
		"note":     "root",
	})
	rootID := int(root["nodeId"].(float64))

	child := client.call(t, "flow/add/node", map[string]any{
		"flowId":   flowID,
		"location": map[string]any{"fileId": map[string]any{"uri": "file:///a.go"}, "line": 2},
		"note":     "child",
		"parentId": rootID,
	})
	childID := int(child["nodeId"].(float64))

	got := client.call(t, "flow/get", map[string]any{"flowId": flowID})
	nodes, _ := got["nodes"].(map[string]any)
	rootNode, _ := nodes[itoa(rootID)].(map[string]any)
	outEdges, _ := rootNode["outEdges"].([]any)
	if len(outEdges) != 1 || int(outEdges[0].(float64)) != childID {
		t.Errorf("expected root outEdges to contain child %d, got %v", childID, outEdges)
	}

	client.call(t, "flow/remove/node", map[string]any{"flowId": flowID, "nodeId": childID})
	gotAfter := client.call(t, "flow/get", map[string]any{"flowId": flowID})
	nodesAfter, _ := gotAfter["nodes"].(map[string]any)
	rootAfter, _ := nodesAfter[itoa(rootID)].(map[string]any)
	outEdgesAfter, _ := rootAfter["outEdges"].([]any)
	if len(outEdgesAfter) != 0 {
		t.Errorf("expected root outEdges pruned after child removal, got %v", outEdgesAfter)
	}

	client.call(t, "control/exit", map[string]any{})
}

func itoa(n int) string { return strconv.Itoa(n) }
