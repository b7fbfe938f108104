package cryptobox

import (
	"crypto/rand"
	"fmt"
)

// EphemeralPush is one side's half of the §4.3 phase-2/phase-3 ephemeral
// key exchange: two fresh X25519 keypairs whose public halves are
// bundled into a padded block and sealed under the static identity Box.
type EphemeralPush struct {
	Recv KeyPair
	Send KeyPair
}

// NewEphemeralPush generates the two fresh keypairs used for one
// direction of the exchange (S_recv/S_send on the server, C_recv/C_send
// on the client).
func NewEphemeralPush() (EphemeralPush, error) {
	recv, err := GenerateKeyPair()
	if err != nil {
		return EphemeralPush{}, err
	}
	send, err := GenerateKeyPair()
	if err != nil {
		return EphemeralPush{}, err
	}
	return EphemeralPush{Recv: recv, Send: send}, nil
}

// Block lays the two public keys into the first 64 bytes of a
// BlockSize-sized block and fills the remainder with random padding.
func (p EphemeralPush) Block() ([BlockSize]byte, error) {
	var block [BlockSize]byte
	copy(block[0:KeySize], p.Recv.Public[:])
	copy(block[KeySize:2*KeySize], p.Send.Public[:])
	if _, err := rand.Read(block[2*KeySize:]); err != nil {
		return block, fmt.Errorf("pad ephemeral block: %w", err)
	}
	return block, nil
}

// ParseEphemeralBlock extracts the peer's two public keys from a
// decrypted ephemeral-push block.
func ParseEphemeralBlock(block [BlockSize]byte) (recvPub, sendPub [KeySize]byte) {
	copy(recvPub[:], block[0:KeySize])
	copy(sendPub[:], block[KeySize:2*KeySize])
	return recvPub, sendPub
}

// SealEphemeralPush builds and seals one side's ephemeral push under the
// static Box (peerStaticPub, ourStaticSec), returning the
// nonce‖ciphertext wire payload from §4.3 steps 2/3.
func SealEphemeralPush(push EphemeralPush, peerStaticPub, ourStaticSec *[KeySize]byte) ([]byte, error) {
	block, err := push.Block()
	if err != nil {
		return nil, err
	}
	return SealStatic(block[:], peerStaticPub, ourStaticSec)
}

// OpenEphemeralPush opens a peer's sealed ephemeral push and returns
// their recv/send public keys.
func OpenEphemeralPush(sealed []byte, peerStaticPub, ourStaticSec *[KeySize]byte) (recvPub, sendPub [KeySize]byte, err error) {
	plaintext, err := OpenStatic(sealed, peerStaticPub, ourStaticSec)
	if err != nil {
		return recvPub, sendPub, err
	}
	if len(plaintext) != BlockSize {
		return recvPub, sendPub, fmt.Errorf("%w: unexpected ephemeral block size %d", ErrCryptoFailure, len(plaintext))
	}
	var block [BlockSize]byte
	copy(block[:], plaintext)
	recvPub, sendPub = ParseEphemeralBlock(block)
	return recvPub, sendPub, nil
}

// ServerChannel builds the server-side Channel from its own ephemeral
// push and the client's observed recv/send public keys, per §4.3's key
// cross-wiring: client-to-server traffic is opened with
// (client.C_send_pk, server.S_recv_sk); server-to-client traffic is
// sealed with (client.C_recv_pk, server.S_send_sk).
func ServerChannel(server EphemeralPush, clientRecvPub, clientSendPub [KeySize]byte) *Channel {
	return NewChannel(server.Recv.Secret, server.Send.Secret, clientSendPub, clientRecvPub)
}

// ClientChannel builds the client-side Channel from its own ephemeral
// push and the server's observed recv/send public keys, the mirror of
// ServerChannel.
func ClientChannel(client EphemeralPush, serverRecvPub, serverSendPub [KeySize]byte) *Channel {
	return NewChannel(client.Recv.Secret, client.Send.Secret, serverSendPub, serverRecvPub)
}
