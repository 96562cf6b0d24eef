package relay

import (
	"context"
	"crypto/tls"
	"encoding/hex"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/protobuf/encoding/protowire"

	pump "github.com/vicktor/ypsomed-pump"
)

// DefaultGRPCHost is the relay's gRPC endpoint (spec.md §6).
const DefaultGRPCHost = "connect.ml.pr.sec01.proregia.io:8090"

const (
	nonceRequestMethod = "/Proregia.Bluetooth.Contracts.Proto.NonceRequest/Send"
	encryptKeyMethod   = "/Proregia.Bluetooth.Contracts.Proto.EncryptKey/Send"
)

// field numbers for the hand-encoded request messages. The relay's .proto
// definitions aren't part of this module's inputs, so both messages are
// built as flat string-field records with the ordering spec.md §6 lists.
const (
	fieldChallenge     = 1
	fieldPumpPublicKey = 2
	fieldAppPublicKey  = 3
	fieldBTAddress     = 4
	fieldDeviceID      = 5
	fieldNonce         = 6
	fieldToken         = 7

	responseField = 1
)

// GRPCClient speaks the relay's gRPC form: two unary calls against
// Proregia's NonceRequest and EncryptKey services, both exchanging
// hand-encoded protobuf messages with uppercase-hex string fields.
type GRPCClient struct {
	conn *grpc.ClientConn
}

// NewGRPCClient dials host over TLS with the system roots when creds is nil;
// pass creds to override (e.g. for mTLS).
func NewGRPCClient(host string, creds credentials.TransportCredentials) (*GRPCClient, error) {
	if creds == nil {
		creds = credentials.NewTLS(&tls.Config{})
	}
	conn, err := grpc.Dial(host, grpc.WithTransportCredentials(creds))
	if err != nil {
		return nil, pump.WrapError(pump.KindRelayFailure, "dialing relay", err)
	}
	return &GRPCClient{conn: conn}, nil
}

func (c *GRPCClient) Close() error {
	return c.conn.Close()
}

func (c *GRPCClient) KeyExchange(ctx context.Context, req Request) (Response, error) {
	nonceMsg := appendHexField(nil, fieldDeviceID, []byte(req.DeviceID))
	nonceReply, err := c.invoke(ctx, nonceRequestMethod, nonceMsg)
	if err != nil {
		return Response{}, err
	}
	nonce, ok := readResponseField(nonceReply)
	if !ok {
		return Response{}, pump.NewError(pump.KindRelayFailure, "nonce response missing field 1")
	}

	var keyMsg []byte
	keyMsg = appendHexField(keyMsg, fieldChallenge, req.Challenge)
	keyMsg = appendHexField(keyMsg, fieldPumpPublicKey, req.PumpPublicKey)
	keyMsg = appendHexField(keyMsg, fieldAppPublicKey, req.AppPublicKey)
	keyMsg = appendHexField(keyMsg, fieldBTAddress, req.BTAddress)
	keyMsg = protowire.AppendTag(keyMsg, fieldDeviceID, protowire.BytesType)
	keyMsg = protowire.AppendString(keyMsg, req.DeviceID)
	keyMsg = protowire.AppendTag(keyMsg, fieldNonce, protowire.BytesType)
	keyMsg = protowire.AppendString(keyMsg, nonce)
	if req.PlayIntegrityToken != "" {
		keyMsg = protowire.AppendTag(keyMsg, fieldToken, protowire.BytesType)
		keyMsg = protowire.AppendString(keyMsg, req.PlayIntegrityToken)
	}

	keyReply, err := c.invoke(ctx, encryptKeyMethod, keyMsg)
	if err != nil {
		return Response{}, err
	}
	encryptedHex, ok := readResponseField(keyReply)
	if !ok {
		return Response{}, pump.NewError(pump.KindRelayFailure, "encrypt response missing field 1")
	}

	encrypted, err := hex.DecodeString(strings.ToUpper(encryptedHex))
	if err != nil {
		return Response{}, pump.WrapError(pump.KindRelayFailure, "malformed encrypted response", err)
	}
	serverNonce, err := hex.DecodeString(strings.ToUpper(nonce))
	if err != nil {
		serverNonce = nil
	}

	return Response{EncryptedBytes: encrypted, ServerNonce: serverNonce}, nil
}

// invoke performs one unary RPC using the raw-bytes codec, bypassing
// protoc-generated message types entirely.
func (c *GRPCClient) invoke(ctx context.Context, method string, body []byte) ([]byte, error) {
	in := rawBytes(body)
	out := rawBytes{}
	if err := c.conn.Invoke(ctx, method, &in, &out, grpc.CallContentSubtype(rawCodecName)); err != nil {
		return nil, pump.WrapError(pump.KindRelayFailure, "relay rpc "+method+" failed", err)
	}
	return out, nil
}

func appendHexField(buf []byte, field protowire.Number, raw []byte) []byte {
	buf = protowire.AppendTag(buf, field, protowire.BytesType)
	return protowire.AppendString(buf, strings.ToUpper(hex.EncodeToString(raw)))
}

// readResponseField extracts string field #1 from a flat protobuf message,
// ignoring every other field (the relay's responses carry only one decoded
// field per spec.md §6).
func readResponseField(msg []byte) (string, bool) {
	for len(msg) > 0 {
		num, typ, n := protowire.ConsumeTag(msg)
		if n < 0 {
			return "", false
		}
		msg = msg[n:]

		if num == responseField && typ == protowire.BytesType {
			val, n := protowire.ConsumeBytes(msg)
			if n < 0 {
				return "", false
			}
			return string(val), true
		}

		n = protowire.ConsumeFieldValue(num, typ, msg)
		if n < 0 {
			return "", false
		}
		msg = msg[n:]
	}
	return "", false
}
