package auth

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// HandshakeMagic opens every TCP replication connection.
const HandshakeMagic uint32 = 0x574C4148 // "WLAH"

const (
	handshakeOK     uint8 = 0
	handshakeDenied uint8 = 1
)

// ErrAuthenticationFailed is returned to a client whose credentials were rejected.
var ErrAuthenticationFailed = errors.New("authentication failed")

// WriteHandshake sends the client half of the TCP handshake.
func WriteHandshake(w io.Writer, username, password string) error {
	if err := binary.Write(w, binary.LittleEndian, HandshakeMagic); err != nil {
		return fmt.Errorf("failed to write handshake: %w", err)
	}
	if err := writeString(w, username); err != nil {
		return fmt.Errorf("failed to write handshake: %w", err)
	}
	if err := writeString(w, password); err != nil {
		return fmt.Errorf("failed to write handshake: %w", err)
	}
	return nil
}

// ReadHandshake reads the client half of the TCP handshake.
func ReadHandshake(r io.Reader) (username, password string, err error) {
	var magic uint32
	if err := binary.Read(r, binary.LittleEndian, &magic); err != nil {
		return "", "", fmt.Errorf("failed to read handshake: %w", err)
	}
	if magic != HandshakeMagic {
		return "", "", fmt.Errorf("invalid handshake magic number: got %x", magic)
	}
	if username, err = readString(r); err != nil {
		return "", "", fmt.Errorf("failed to read handshake username: %w", err)
	}
	if password, err = readString(r); err != nil {
		return "", "", fmt.Errorf("failed to read handshake password: %w", err)
	}
	return username, password, nil
}

// WriteHandshakeResult answers a handshake. A nil cause accepts the client.
func WriteHandshakeResult(w io.Writer, cause error) error {
	status, msg := handshakeOK, ""
	if cause != nil {
		status, msg = handshakeDenied, cause.Error()
	}
	if _, err := w.Write([]byte{status}); err != nil {
		return fmt.Errorf("failed to write handshake result: %w", err)
	}
	return writeString(w, msg)
}

// ReadHandshakeResult reads the server's answer. A rejection is reported as
// ErrAuthenticationFailed carrying the server's message.
func ReadHandshakeResult(r io.Reader) error {
	var status [1]byte
	if _, err := io.ReadFull(r, status[:]); err != nil {
		return fmt.Errorf("failed to read handshake result: %w", err)
	}
	msg, err := readString(r)
	if err != nil {
		return fmt.Errorf("failed to read handshake result: %w", err)
	}
	if status[0] != handshakeOK {
		return fmt.Errorf("%w: %s", ErrAuthenticationFailed, msg)
	}
	return nil
}

// BasicCredentials attaches an "authorization: Basic" header to every gRPC
// call. It implements credentials.PerRPCCredentials.
type BasicCredentials struct {
	Username string
	Password string
}

func (c BasicCredentials) GetRequestMetadata(ctx context.Context, uri ...string) (map[string]string, error) {
	token := base64.StdEncoding.EncodeToString([]byte(c.Username + ":" + c.Password))
	return map[string]string{"authorization": "Basic " + token}, nil
}

// RequireTransportSecurity is false: the password check is the only
// protection replication connections get.
func (c BasicCredentials) RequireTransportSecurity() bool { return false }
