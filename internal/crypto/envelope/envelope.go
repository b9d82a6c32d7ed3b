// Package envelope seals message text end to end. The source of record only ever sees
// the clear header and the ciphertext.
package envelope

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/and161185/chatsync/internal/event"
)

// Argon2id parameters for passphrase stretching.
const (
	KeyLen = 32

	argonTime    uint32 = 3
	argonMemory  uint32 = 64 * 1024
	argonThreads uint8  = 1
)

// ErrOpen is returned when a sealed event cannot be authenticated or decrypted.
var ErrOpen = errors.New("envelope: cannot open")

// KeyFromPassphrase stretches a passphrase into a shared secret with Argon2id. Every
// participant of a chat must use the same passphrase and salt.
func KeyFromPassphrase(passphrase, salt []byte) []byte {
	return argon2.IDKey(passphrase, salt, argonTime, argonMemory, argonThreads, KeyLen)
}

// Header is authenticated but not encrypted.
type Header struct {
	ChatID    string `json:"chatId"`
	MessageID string `json:"messageId"`
	OpID      string `json:"opId"`
	Type      string `json:"type"`
}

func headerOf(ev event.Event) Header {
	return Header{ChatID: ev.ChatID, MessageID: ev.MessageID, OpID: ev.OpID, Type: string(ev.Kind())}
}

// Cipher seals and opens the text of create, edit and reply events with a per-chat key
// derived from one shared secret.
type Cipher struct {
	secret []byte

	mu   sync.Mutex
	keys map[string][]byte
}

// New returns a cipher over secret, which must be KeyLen bytes.
func New(secret []byte) (*Cipher, error) {
	if len(secret) != KeyLen {
		return nil, fmt.Errorf("envelope: secret must be %d bytes, got %d", KeyLen, len(secret))
	}
	return &Cipher{secret: append([]byte(nil), secret...), keys: map[string][]byte{}}, nil
}

// chatKey derives the key of a chat via HKDF-SHA256 using the chat id as info.
func (c *Cipher) chatKey(chatID string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if k, ok := c.keys[chatID]; ok {
		return k, nil
	}
	r := hkdf.New(sha256.New, c.secret, nil, []byte("chatsync/chat/"+chatID))
	k := make([]byte, KeyLen)
	if _, err := io.ReadFull(r, k); err != nil {
		return nil, err
	}
	c.keys[chatID] = k
	return k, nil
}

func sealable(ev event.Event) bool {
	switch ev.Body.(type) {
	case event.Create, event.Edit, event.Reply:
		return true
	}
	return false
}

// Seal moves the text of ev into an envelope and blanks it. Events without text and
// events already sealed are returned unchanged.
func (c *Cipher) Seal(ev event.Event) (event.Event, error) {
	if ev.Enc != nil || !sealable(ev) {
		return ev, nil
	}
	key, err := c.chatKey(ev.ChatID)
	if err != nil {
		return ev, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return ev, err
	}
	header, err := json.Marshal(headerOf(ev))
	if err != nil {
		return ev, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return ev, err
	}
	out := ev.WithText("")
	out.Enc = &event.Envelope{
		Header:     header,
		Ciphertext: aead.Seal(nil, nonce, []byte(ev.Text()), header),
		Nonce:      nonce,
	}
	return out, nil
}

// Open restores the text of a sealed event. Unsealed events are returned unchanged.
// The header must describe ev itself, so an envelope cannot be replayed onto another
// event.
func (c *Cipher) Open(ev event.Event) (event.Event, error) {
	if ev.Enc == nil {
		return ev, nil
	}
	var h Header
	if err := json.Unmarshal(ev.Enc.Header, &h); err != nil {
		return ev, fmt.Errorf("%w: header: %w", ErrOpen, err)
	}
	want := headerOf(ev)
	if h != want {
		return ev, fmt.Errorf("%w: header does not match event %s", ErrOpen, ev.OpID)
	}
	if len(ev.Enc.Nonce) != chacha20poly1305.NonceSizeX {
		return ev, fmt.Errorf("%w: bad nonce", ErrOpen)
	}
	key, err := c.chatKey(ev.ChatID)
	if err != nil {
		return ev, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return ev, err
	}
	text, err := aead.Open(nil, ev.Enc.Nonce, ev.Enc.Ciphertext, ev.Enc.Header)
	if err != nil {
		return ev, fmt.Errorf("%w: %w", ErrOpen, err)
	}
	out := ev.WithText(string(text))
	out.Enc = nil
	return out, nil
}
