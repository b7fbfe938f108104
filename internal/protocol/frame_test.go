package protocol

import (
	"bytes"
	"strings"
	"testing"
)

func TestWriteReadFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte(`{"id":1,"method":"control/init","params":{}}`)
	if err := WriteFrame(&buf, payload); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	got, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("got %q, want %q", got, payload)
	}
}

func TestReadFrameConnectionClosed(t *testing.T) {
	r := strings.NewReader("000001")
	if _, err := ReadFrame(r); err != ErrConnectionClosed {
		t.Fatalf("got %v, want ErrConnectionClosed", err)
	}
}

func TestReadFrameNonDecimalHeader(t *testing.T) {
	r := strings.NewReader("notanumba!")
	if _, err := ReadFrame(r); err == nil {
		t.Fatalf("expected protocol violation for non-decimal header")
	}
}
