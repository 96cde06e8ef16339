package channel

import (
	"context"
	"errors"
	"net"
	"net/url"
)

var (
	// ErrMalformedUpdate is returned by ParseUpdate for payloads that are not a valid update.
	ErrMalformedUpdate = errors.New("malformed update")
	// ErrSend marks failures delivering an outbound message.
	ErrSend = errors.New("send failed")
	// ErrInvalidCredentials is returned for credentials rejected locally or upstream.
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// Adapter is the per-platform behavior the gateway dispatches through.
type Adapter interface {
	Type() ChannelType
	Descriptor() Descriptor
	// NormalizeCredentials validates connect input and fills generated fields.
	NormalizeCredentials(raw map[string]string) (Credentials, error)
	// Credential extracts the routing credential carried in webhook URLs.
	Credential(creds Credentials) (string, error)
	// ParseUpdate decodes an inbound webhook body.
	ParseUpdate(payload []byte) (Update, error)
	// NewClient builds an outbound client bound to one credential set.
	NewClient(ctx context.Context, creds Credentials) (Client, error)
}

// Client is the live per-credential handle used to talk to the platform.
type Client interface {
	// RegisterWebhook points the platform at url. Re-registering the same url succeeds.
	RegisterWebhook(ctx context.Context, url string) error
	DeleteWebhook(ctx context.Context) error
	Send(ctx context.Context, chatID, text string) error
	Close() error
}

// ChallengeResponder is implemented by adapters whose platform verifies a
// webhook URL with a GET handshake before delivering updates.
type ChallengeResponder interface {
	// Challenge returns the body to echo back when query is a valid handshake
	// for the routing credential.
	Challenge(query url.Values, credential string) (string, bool)
}

// transientError marks an error worth one retry.
type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// Transient wraps err so IsTransient reports true.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient reports whether err is a network failure or was marked transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var te *transientError
	if errors.As(err, &te) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// SendWithRetry sends once and retries a single time on a transient failure.
func SendWithRetry(ctx context.Context, client Client, chatID, text string) error {
	err := client.Send(ctx, chatID, text)
	if err == nil {
		return nil
	}
	if IsTransient(err) && ctx.Err() == nil {
		err = client.Send(ctx, chatID, text)
		if err == nil {
			return nil
		}
	}
	if errors.Is(err, ErrSend) {
		return err
	}
	return errors.Join(ErrSend, err)
}
