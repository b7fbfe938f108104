package protocol

import (
	"bytes"
	"net"
	"strings"
	"testing"

	"github.com/postalsys/numscull/internal/cryptobox"
)

func channelPair(t *testing.T) (a, b *cryptobox.Channel) {
	t.Helper()

	aStatic, err := cryptobox.GenerateKeyPair()
	if err != nil {
		t.Fatalf("static keypair: %v", err)
	}
	bStatic, err := cryptobox.GenerateKeyPair()
	if err != nil {
		t.Fatalf("static keypair: %v", err)
	}
	aPush, err := cryptobox.NewEphemeralPush()
	if err != nil {
		t.Fatalf("ephemeral push: %v", err)
	}
	bPush, err := cryptobox.NewEphemeralPush()
	if err != nil {
		t.Fatalf("ephemeral push: %v", err)
	}

	sealedToB, err := cryptobox.SealEphemeralPush(aPush, &bStatic.Public, &aStatic.Secret)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	sealedToA, err := cryptobox.SealEphemeralPush(bPush, &aStatic.Public, &bStatic.Secret)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}

	aRecvPub, aSendPub, err := cryptobox.OpenEphemeralPush(sealedToA, &aStatic.Public, &bStatic.Secret)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	bRecvPub, bSendPub, err := cryptobox.OpenEphemeralPush(sealedToB, &bStatic.Public, &aStatic.Secret)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	a = cryptobox.ServerChannel(aPush, aRecvPub, aSendPub)
	b = cryptobox.ServerChannel(bPush, bRecvPub, bSendPub)
	return a, b
}

func TestEncryptedStreamSingleBlockRoundTrip(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	chA, chB := channelPair(t)
	sideA := NewEncryptedStream(client, chA)
	sideB := NewEncryptedStream(server, chB)

	msg := []byte(`{"id":1,"method":"control/list/project","params":{}}`)
	done := make(chan error, 1)
	go func() { done <- sideA.SendMessage(msg) }()

	got, err := sideB.RecvMessage()
	if err != nil {
		t.Fatalf("RecvMessage: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if !bytes.Equal(got, msg) {
		t.Fatalf("got %q, want %q", got, msg)
	}
}

func TestEncryptedStreamExactlyOneBlock(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	chA, chB := channelPair(t)
	sideA := NewEncryptedStream(client, chA)
	sideB := NewEncryptedStream(server, chB)

	// framed region == usableBlockSpace exactly: header(10) + payload.
	payload := []byte(strings.Repeat("x", usableBlockSpace-HeaderSize))
	done := make(chan error, 1)
	go func() { done <- sideA.SendMessage(payload) }()

	got, err := sideB.RecvMessage()
	if err != nil {
		t.Fatalf("RecvMessage: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("payload mismatch for exact single-block message")
	}
}

func TestEncryptedStreamSpansTwoBlocks(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	chA, chB := channelPair(t)
	sideA := NewEncryptedStream(client, chA)
	sideB := NewEncryptedStream(server, chB)

	// framed region == usableBlockSpace + 1: forces exactly two blocks.
	payload := []byte(strings.Repeat("y", usableBlockSpace-HeaderSize+1))
	done := make(chan error, 1)
	go func() { done <- sideA.SendMessage(payload) }()

	got, err := sideB.RecvMessage()
	if err != nil {
		t.Fatalf("RecvMessage: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("payload mismatch for two-block message")
	}
}
