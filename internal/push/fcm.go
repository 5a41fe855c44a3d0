// Package push wraps the FCM HTTP endpoint as a bulk-delivery
// capability: hand it a ride offer and a token set, get back a
// per-token outcome report.
package push

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"context"
)

// ErrTransportUnavailable means the push transport itself cannot be
// used (missing credentials or endpoint). Individual recipient failures
// never surface as this; they stay in the Report.
var ErrTransportUnavailable = errors.New("push transport unavailable")

// minTokenLen is the pre-flight shape filter: real FCM registration
// tokens are far longer, anything at or below this is rejected before
// paying network cost.
const minTokenLen = 50

// Message is the offer summary pushed to backgrounded devices. Data is
// the structured payload the client app consumes; the title/body pair
// is what the OS notification shows.
type Message struct {
	Title string
	Body  string
	Data  map[string]string
}

type Outcome struct {
	Token     string
	Delivered bool
	Reason    string
}

type Report struct {
	Delivered int
	Failed    int
	Outcomes  []Outcome
}

// Gateway is the port the coordinator depends on.
type Gateway interface {
	BroadcastOffer(ctx context.Context, msg Message, tokens []string) (Report, error)
}

// FCMGateway posts JSON to the FCM HTTPv1 endpoint using a server key
// or oauth token.
type FCMGateway struct {
	Endpoint string
	Key      string
	Client   *http.Client
}

func NewFCMGateway(endpoint, key string) *FCMGateway {
	return &FCMGateway{Endpoint: endpoint, Key: key, Client: &http.Client{Timeout: 3 * time.Second}}
}

// BroadcastOffer delivers msg to every token. Zero, one or many tokens
// take the same path. The returned error is non-nil only when the
// transport itself is unusable.
func (f *FCMGateway) BroadcastOffer(ctx context.Context, msg Message, tokens []string) (Report, error) {
	if f.Endpoint == "" || f.Key == "" {
		return Report{}, ErrTransportUnavailable
	}
	if f.Client == nil {
		f.Client = &http.Client{Timeout: 3 * time.Second}
	}
	var rep Report
	for _, tok := range tokens {
		if len(tok) <= minTokenLen {
			rep.Failed++
			rep.Outcomes = append(rep.Outcomes, Outcome{Token: tok, Reason: "malformed token"})
			continue
		}
		if err := f.send(ctx, tok, msg); err != nil {
			rep.Failed++
			rep.Outcomes = append(rep.Outcomes, Outcome{Token: tok, Reason: err.Error()})
			continue
		}
		rep.Delivered++
		rep.Outcomes = append(rep.Outcomes, Outcome{Token: tok, Delivered: true})
	}
	return rep, nil
}

func (f *FCMGateway) send(ctx context.Context, token string, msg Message) error {
	body := map[string]interface{}{
		"message": map[string]interface{}{
			"token":        token,
			"notification": map[string]string{"title": msg.Title, "body": msg.Body},
			"data":         msg.Data,
			"android":      map[string]interface{}{"priority": "high"},
		},
	}
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+f.Key)
	resp, err := f.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("fcm status %d", resp.StatusCode)
	}
	return nil
}
