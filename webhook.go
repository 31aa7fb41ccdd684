package chatsync

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// SignatureHeader carries the HMAC-SHA256 of the request body.
const SignatureHeader = "X-Prismer-Signature"

// maxWebhookBody bounds one change row.
const maxWebhookBody = 1 << 20

// VerifySignature checks an HMAC-SHA256 signature over body. A "sha256="
// prefix on the signature is accepted.
func VerifySignature(body []byte, signature, secret string) bool {
	if len(body) == 0 || signature == "" || secret == "" {
		return false
	}
	sig := strings.TrimPrefix(signature, "sha256=")
	if sig == "" {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	if len(sig) != len(expected) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(sig), []byte(expected)) == 1
}

// Sign returns the signature header value for body.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// WebhookChannel is a subscription channel fed by database webhooks: the
// backend POSTs one signed change row per request.
type WebhookChannel struct {
	secret string
	log    zerolog.Logger

	mu   sync.Mutex
	key  ConversationKey
	sink Sink
}

// NewWebhookChannel creates a webhook-backed subscription channel.
func NewWebhookChannel(secret string, logger *zerolog.Logger) (*WebhookChannel, error) {
	if secret == "" {
		return nil, errors.New("webhook secret is required")
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &WebhookChannel{
		secret: secret,
		log:    logger.With().Str("channel", "webhook").Logger(),
	}, nil
}

// Open binds the channel to a conversation. Webhooks are push-from-server,
// so the channel counts as connected as soon as it is bound.
func (w *WebhookChannel) Open(_ context.Context, key ConversationKey, sink Sink) error {
	w.mu.Lock()
	w.key = key
	w.sink = sink
	w.mu.Unlock()
	return nil
}

// Close unbinds the channel. Requests arriving afterwards are acknowledged
// and dropped.
func (w *WebhookChannel) Close() error {
	w.mu.Lock()
	sink := w.sink
	w.sink = nil
	w.mu.Unlock()
	if sink != nil {
		sink.ConnectionChanged(false)
	}
	return nil
}

// Handle verifies and applies one webhook body. It returns the status code
// and response body for the caller to write.
func (w *WebhookChannel) Handle(body []byte, signature string) (int, any) {
	if !VerifySignature(body, signature, w.secret) {
		return http.StatusUnauthorized, map[string]string{"error": "Invalid signature"}
	}

	w.mu.Lock()
	key, sink := w.key, w.sink
	w.mu.Unlock()
	if sink == nil {
		return http.StatusOK, map[string]bool{"ok": true}
	}

	ev, ok, err := ParseChangeFor(key, body)
	if err != nil {
		incMalformed(SourceSubscription)
		w.log.Warn().Err(err).Msg("dropping webhook row")
		return http.StatusBadRequest, map[string]string{"error": err.Error()}
	}
	if ok {
		sink.Deliver(ev)
	}
	return http.StatusOK, map[string]bool{"ok": true}
}

// HTTPHandler returns an http.Handler that processes webhook requests.
//
// Example:
//
//	wh, _ := chatsync.NewWebhookChannel("secret", nil)
//	http.Handle("/hooks/changes", wh.HTTPHandler())
func (w *WebhookChannel) HTTPHandler() http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeJSON(rw, http.StatusMethodNotAllowed, map[string]string{"error": "Method not allowed"})
			return
		}
		defer r.Body.Close()

		body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
		if err != nil {
			writeJSON(rw, http.StatusBadRequest, map[string]string{"error": "Failed to read body"})
			return
		}
		status, data := w.Handle(body, r.Header.Get(SignatureHeader))
		writeJSON(rw, status, data)
	})
}

func writeJSON(rw http.ResponseWriter, status int, data any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	json.NewEncoder(rw).Encode(data)
}
