package numsculllib

import (
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/postalsys/numscull/internal/domain"
	"github.com/postalsys/numscull/internal/identity"
	"github.com/postalsys/numscull/internal/session"
)

func newTestServer(t *testing.T) (*identity.Store, identity.KeyPair, *domain.Store) {
	t.Helper()
	identities, err := identity.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("new identity store: %v", err)
	}
	serverKey, err := identities.LoadOrCreateServerKeyPair()
	if err != nil {
		t.Fatalf("load server key: %v", err)
	}
	return identities, serverKey, domain.NewStore()
}

func runServer(serverConn net.Conn, identities *identity.Store, domainDB *domain.Store, serverKey identity.KeyPair) <-chan error {
	done := make(chan error, 1)
	go func() {
		done <- session.New(serverConn, identities, domainDB, serverKey, nil, nil, 0).Run()
	}()
	return done
}

func TestDialAndProjectLifecycle(t *testing.T) {
	identities, serverKey, domainDB := newTestServer(t)
	clientKey, err := identities.CreateIdentity("erin")
	if err != nil {
		t.Fatalf("create identity: %v", err)
	}

	serverConn, clientConn := net.Pipe()
	done := runServer(serverConn, identities, domainDB, serverKey)

	sess, err := newSession(clientConn, "erin", clientKey)
	if err != nil {
		t.Fatalf("newSession: %v", err)
	}

	if _, err := sess.CreateProject("demo", "git@example.com:demo.git", ""); err != nil {
		t.Fatalf("CreateProject: %v", err)
	}

	if _, err := sess.NotesSet(domain.Location{FileID: domain.FileID{URI: "file:///a.go"}, Line: 1}, "todo"); err == nil {
		t.Fatal("expected notes/set without an active project to fail")
	} else if rpcErr, ok := err.(*RPCError); !ok {
		t.Fatalf("expected *RPCError, got %T: %v", err, err)
	} else if rpcErr.Method != "notes/set" {
		t.Errorf("unexpected RPCError method: %q", rpcErr.Method)
	}

	if _, err := sess.ChangeProject("demo"); err != nil {
		t.Fatalf("ChangeProject: %v", err)
	}

	result, err := sess.NotesSet(domain.Location{FileID: domain.FileID{URI: "file:///a.go"}, Line: 1}, "fix this #bug")
	if err != nil {
		t.Fatalf("NotesSet: %v", err)
	}
	note, _ := result["note"].(map[string]any)
	if note["author"] != "erin" {
		t.Errorf("expected author erin, got %v", note["author"])
	}
	if _, ok := result["tagCount"]; !ok {
		t.Errorf("expected tagCount in notes/set response, got %v", result)
	}

	forFile, err := sess.NotesForFile("file:///a.go")
	if err != nil {
		t.Fatalf("NotesForFile: %v", err)
	}
	notes, _ := forFile["notes"].([]any)
	if len(notes) != 1 {
		t.Fatalf("expected 1 note, got %d", len(notes))
	}

	if err := sess.Exit(); err != nil {
		t.Fatalf("Exit: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("session.Run returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for session to end")
	}
}

func TestFlowRoundTrip(t *testing.T) {
	identities, serverKey, domainDB := newTestServer(t)
	clientKey, err := identities.CreateIdentity("frank")
	if err != nil {
		t.Fatalf("create identity: %v", err)
	}

	serverConn, clientConn := net.Pipe()
	done := runServer(serverConn, identities, domainDB, serverKey)
	defer func() {
		clientConn.Close()
		<-done
	}()

	sess, err := newSession(clientConn, "frank", clientKey)
	if err != nil {
		t.Fatalf("newSession: %v", err)
	}

	if _, err := sess.CreateProject("flows", "", ""); err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	if _, err := sess.ChangeProject("flows"); err != nil {
		t.Fatalf("ChangeProject: %v", err)
	}

	flow, err := sess.FlowCreate("trace", "d")
	if err != nil {
		t.Fatalf("FlowCreate: %v", err)
	}
	flowID := int(flow["flowId"].(float64))

	root, err := sess.FlowAddNode(AddNodeParams{
		FlowID:   flowID,
		Location: domain.Location{FileID: domain.FileID{URI: "file:///a.go"}, Line: 1},
		Note:     "root",
	})
	if err != nil {
		t.Fatalf("FlowAddNode(root): %v", err)
	}
	rootID := int(root["nodeId"].(float64))

	child, err := sess.FlowAddNode(AddNodeParams{
		FlowID:   flowID,
		Location: domain.Location{FileID: domain.FileID{URI: "file:///a.go"}, Line: 2},
		Note:     "child",
		ParentID: &rootID,
	})
	if err != nil {
		t.Fatalf("FlowAddNode(child): %v", err)
	}
	childID := int(child["nodeId"].(float64))

	got, err := sess.FlowGet(flowID)
	if err != nil {
		t.Fatalf("FlowGet: %v", err)
	}
	nodes, _ := got["nodes"].(map[string]any)
	rootNode, _ := nodes[strconv.Itoa(rootID)].(map[string]any)
	outEdges, _ := rootNode["outEdges"].([]any)
	if len(outEdges) != 1 || int(outEdges[0].(float64)) != childID {
		t.Errorf("expected root outEdges to contain child %d, got %v", childID, outEdges)
	}
}
