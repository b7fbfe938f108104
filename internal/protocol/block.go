package protocol

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"strconv"

	"github.com/postalsys/numscull/internal/cryptobox"
)

// usableBlockSpace is the number of bytes available for the framed
// region within one plaintext block, after the 2-byte length header.
const usableBlockSpace = cryptobox.BlockSize - 2

// EncryptedStream is the post-handshake C2 transport: a sequence of
// fixed-size ciphertext blocks over a byte stream, with JSON messages
// reassembled across blocks per §4.2.
type EncryptedStream struct {
	rw      io.ReadWriter
	channel *cryptobox.Channel
}

// NewEncryptedStream wraps rw (typically a net.Conn) with an already
// key-exchanged Channel.
func NewEncryptedStream(rw io.ReadWriter, channel *cryptobox.Channel) *EncryptedStream {
	return &EncryptedStream{rw: rw, channel: channel}
}

func (s *EncryptedStream) writeBlock(plaintext [cryptobox.BlockSize]byte) error {
	sealed, err := s.channel.SealBlock(plaintext)
	if err != nil {
		return err
	}
	if _, err := s.rw.Write(sealed[:]); err != nil {
		return fmt.Errorf("write ciphertext block: %w", err)
	}
	return nil
}

func (s *EncryptedStream) readBlock() ([cryptobox.BlockSize]byte, error) {
	var ciphertext [cryptobox.EncryptedBlockSize]byte
	if err := ReadExact(s.rw, ciphertext[:]); err != nil {
		return [cryptobox.BlockSize]byte{}, err
	}
	plaintext, err := s.channel.OpenBlock(ciphertext)
	if err != nil {
		return plaintext, err
	}
	return plaintext, nil
}

// SendMessage frames payload per §4.1 (10-byte decimal length + JSON)
// and splits the framed region across as many fixed-size blocks as
// needed, per §4.2's multi-block rule.
func (s *EncryptedStream) SendMessage(payload []byte) error {
	header := fmt.Sprintf("%0*d", HeaderSize, len(payload))
	if len(header) != HeaderSize {
		return fmt.Errorf("%w: message too large to frame (%d bytes)", ErrProtocolViolation, len(payload))
	}
	framed := make([]byte, 0, HeaderSize+len(payload))
	framed = append(framed, header...)
	framed = append(framed, payload...)

	offset := 0
	for {
		end := offset + usableBlockSpace
		if end > len(framed) {
			end = len(framed)
		}
		chunk := framed[offset:end]

		var plain [cryptobox.BlockSize]byte
		binary.LittleEndian.PutUint16(plain[0:2], uint16(len(chunk)))
		copy(plain[2:2+len(chunk)], chunk)
		if _, err := rand.Read(plain[2+len(chunk):]); err != nil {
			return fmt.Errorf("pad block: %w", err)
		}

		if err := s.writeBlock(plain); err != nil {
			return err
		}

		offset = end
		if offset >= len(framed) {
			return nil
		}
	}
}

// RecvMessage decrypts and reassembles one logical JSON message. The
// first block names the total JSON length; subsequent blocks each
// contribute their entire framed region until that many bytes have
// been gathered.
func (s *EncryptedStream) RecvMessage() ([]byte, error) {
	plain, err := s.readBlock()
	if err != nil {
		return nil, err
	}

	region, err := blockRegion(plain)
	if err != nil {
		return nil, err
	}
	if len(region) < HeaderSize {
		return nil, fmt.Errorf("%w: first block shorter than frame header", ErrProtocolViolation)
	}

	totalLen, err := strconv.Atoi(string(region[:HeaderSize]))
	if err != nil || totalLen < 0 {
		return nil, fmt.Errorf("%w: non-decimal message length %q", ErrProtocolViolation, region[:HeaderSize])
	}

	data := make([]byte, 0, totalLen)
	data = append(data, region[HeaderSize:]...)

	for len(data) < totalLen {
		plain, err = s.readBlock()
		if err != nil {
			return nil, err
		}
		region, err = blockRegion(plain)
		if err != nil {
			return nil, err
		}
		data = append(data, region...)
	}

	if len(data) != totalLen {
		return nil, fmt.Errorf("%w: continuation blocks overshot announced length", ErrProtocolViolation)
	}
	return data, nil
}

func blockRegion(plain [cryptobox.BlockSize]byte) ([]byte, error) {
	l := binary.LittleEndian.Uint16(plain[0:2])
	if int(l) > usableBlockSpace {
		return nil, fmt.Errorf("%w: implausible block region length %d", ErrProtocolViolation, l)
	}
	return plain[2 : 2+int(l)], nil
}
