package op

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	httphelper "github.com/opkit/backauth/pkg/http"
	"github.com/opkit/backauth/pkg/oidc"
)

// pusher delivers decided backchannel requests to ping and push clients.
// Deliveries run detached from the completing call: a grant or denial is
// committed before the notification goes out and is never rolled back when
// the client endpoint is unreachable.
type pusher struct {
	client *retryablehttp.Client
	logger *slog.Logger
	wg     sync.WaitGroup
}

func newPusher(logger *slog.Logger) *pusher {
	client := retryablehttp.NewClient()
	client.HTTPClient = httphelper.DefaultHTTPClient
	client.RetryMax = 4
	client.RetryWaitMin = 250 * time.Millisecond
	client.RetryWaitMax = 5 * time.Second
	client.Logger = nil
	return &pusher{
		client: client,
		logger: logger,
	}
}

func (p *pusher) deliver(o *Provider, request *BackchannelRequest) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ctx := context.Background()
		if err := p.send(ctx, o, request); err != nil {
			p.logger.ErrorContext(ctx, "backchannel delivery failed",
				"auth_req_id", request.ID,
				"client_id", request.ClientID,
				"mode", string(request.DeliveryMode),
				"error", err)
			if request.DeliveryMode == oidc.DeliveryModePush && o.hooks.PushError != nil {
				o.hooks.PushError.OnPushDeliveryFailure(ctx, request, err)
			}
			return
		}
		p.logger.InfoContext(ctx, "backchannel delivery succeeded",
			"auth_req_id", request.ID,
			"client_id", request.ClientID,
			"mode", string(request.DeliveryMode))
	}()
}

// wait blocks until all dispatched deliveries finished.
func (p *pusher) wait() {
	p.wg.Wait()
}

func (p *pusher) send(ctx context.Context, o *Provider, request *BackchannelRequest) error {
	payload, err := deliveryPayload(request)
	if err != nil {
		return err
	}

	// push payloads leave the server's trust boundary carrying tokens,
	// so the client must be able to verify their origin
	var (
		body        []byte
		contentType string
	)
	if request.DeliveryMode == oidc.DeliveryModePush {
		key, err := o.storage.SigningKey(ctx)
		if err != nil {
			return err
		}
		signed, err := signClaims(key, payload)
		if err != nil {
			return err
		}
		body, contentType = []byte(signed), "application/jwt"
	} else {
		body, err = json.Marshal(payload)
		if err != nil {
			return err
		}
		contentType = "application/json"
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, "POST", request.NotificationEndpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+request.ClientNotificationToken)

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("notification endpoint answered %s", resp.Status)
	}
	return nil
}

// deliveryPayload builds the notification body. Ping clients only learn
// that a result is ready; push clients receive the tokens respectively the
// terminal error.
func deliveryPayload(request *BackchannelRequest) (any, error) {
	if request.DeliveryMode == oidc.DeliveryModePing {
		return &oidc.BackchannelPingPayload{AuthReqID: request.ID}, nil
	}

	switch request.State() {
	case StateGranted:
		tokens := request.Tokens()
		return &oidc.BackchannelPushPayload{
			AuthReqID:    request.ID,
			AccessToken:  tokens.AccessToken,
			TokenType:    tokens.TokenType,
			ExpiresIn:    tokens.ExpiresIn,
			IDToken:      tokens.IDToken,
			RefreshToken: tokens.RefreshToken,
		}, nil
	case StateDenied:
		return &oidc.BackchannelPushError{
			AuthReqID:        request.ID,
			Error:            string(oidc.AccessDenied),
			ErrorDescription: "The authorization request was denied.",
		}, nil
	case StateExpired:
		return &oidc.BackchannelPushError{
			AuthReqID:        request.ID,
			Error:            string(oidc.ExpiredToken),
			ErrorDescription: "The authentication request has expired.",
		}, nil
	}
	return nil, fmt.Errorf("request %s is not decided", request.ID)
}
