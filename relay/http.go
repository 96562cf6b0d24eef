package relay

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"net/http"

	jsoniter "github.com/json-iterator/go"

	pump "github.com/vicktor/ypsomed-pump"
)

// httpRequestBody and httpResponseBody are the wire shapes of the HTTP relay
// form's request and response bodies: lowercase hex strings for every binary
// field.
type httpRequestBody struct {
	Challenge          string `json:"challenge"`
	PumpPublicKey      string `json:"pump_public_key"`
	AppPublicKey       string `json:"app_public_key"`
	BTAddress          string `json:"bt_address"`
	DeviceID           string `json:"device_id"`
	PlayIntegrityToken string `json:"play_integrity_token,omitempty"`
}

type httpResponseBody struct {
	EncryptedBytes string `json:"encrypted_bytes"`
	ServerNonce    string `json:"server_nonce"`
}

// HTTPClient speaks the relay's HTTP form: POST {BaseURL}/key-exchange with
// a JSON body of lowercase hex fields.
type HTTPClient struct {
	BaseURL string
	HTTP    *http.Client
}

// NewHTTPClient builds an HTTPClient against baseURL using http.DefaultClient.
func NewHTTPClient(baseURL string) *HTTPClient {
	return &HTTPClient{BaseURL: baseURL, HTTP: http.DefaultClient}
}

func (c *HTTPClient) KeyExchange(ctx context.Context, req Request) (Response, error) {
	body := httpRequestBody{
		Challenge:          hex.EncodeToString(req.Challenge),
		PumpPublicKey:      hex.EncodeToString(req.PumpPublicKey),
		AppPublicKey:       hex.EncodeToString(req.AppPublicKey),
		BTAddress:          hex.EncodeToString(req.BTAddress),
		DeviceID:           req.DeviceID,
		PlayIntegrityToken: req.PlayIntegrityToken,
	}

	encoded, err := jsoniter.Marshal(body)
	if err != nil {
		return Response{}, pump.WrapError(pump.KindRelayFailure, "encoding relay request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/key-exchange", bytes.NewReader(encoded))
	if err != nil {
		return Response{}, pump.WrapError(pump.KindRelayFailure, "building relay request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient().Do(httpReq)
	if err != nil {
		return Response{}, pump.WrapError(pump.KindRelayFailure, "relay request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Response{}, pump.NewError(pump.KindRelayFailure, fmt.Sprintf("relay returned status %d", resp.StatusCode))
	}

	var out httpResponseBody
	if err := jsoniter.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Response{}, pump.WrapError(pump.KindRelayFailure, "decoding relay response", err)
	}

	encBytes, err := hex.DecodeString(out.EncryptedBytes)
	if err != nil {
		return Response{}, pump.WrapError(pump.KindRelayFailure, "malformed encrypted_bytes", err)
	}
	nonce, err := hex.DecodeString(out.ServerNonce)
	if err != nil {
		return Response{}, pump.WrapError(pump.KindRelayFailure, "malformed server_nonce", err)
	}

	return Response{EncryptedBytes: encBytes, ServerNonce: nonce}, nil
}

func (c *HTTPClient) httpClient() *http.Client {
	if c.HTTP != nil {
		return c.HTTP
	}
	return http.DefaultClient
}
