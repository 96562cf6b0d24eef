package controller

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"time"

	"golang.org/x/sync/errgroup"

	pump "github.com/vicktor/ypsomed-pump"
	"github.com/vicktor/ypsomed-pump/cryptoprim"
	"github.com/vicktor/ypsomed-pump/pumpble"
	"github.com/vicktor/ypsomed-pump/relay"
	"github.com/vicktor/ypsomed-pump/session"
)

// persistence keys under the key_exchange namespace (spec.md §6).
const (
	storeKeyDeviceID   = "key_exchange.device_id"
	storeKeyX25519Priv = "key_exchange.x25519_priv_pkcs8"
	storeKeyX25519Pub  = "key_exchange.x25519_pub_raw"
	storeKeyRelayURL   = "key_exchange.relay_url"
)

const (
	keyReadRetries   = 5
	keyReadRetryWait = 1 * time.Second
)

// renewKeyViaRelay runs spec.md §4.7's renewal sequence: it opens its own
// connection (the prior episode has already disconnected by the time
// key-death is handled), exchanges keys through the relay, writes the
// result to the pump, persists the freshly derived key as the session key,
// and then validates it with a System Status read, discarding it if that
// read fails.
func (c *Controller) renewKeyViaRelay(ctx context.Context) error {
	relayClient, err := c.resolveRelay()
	if err != nil {
		c.publishState(ConnectionState{Kind: StateError, Code: "NeedsKeyExchange", Msg: err.Error()})
		return err
	}

	btAddress := pump.BTAddressFromSerial(c.cfg.Serial)

	// Both are independent Store lookups with no ordering dependency between
	// them, so they load concurrently.
	var keyPair *cryptoprim.KeyPair
	var deviceID string
	g := errgroup.Group{}
	g.Go(func() error {
		kp, err := c.loadOrGenerateKeyPair()
		if err != nil {
			return pump.WrapError(pump.KindKeyMissing, "loading device key pair", err)
		}
		keyPair = kp
		return nil
	})
	g.Go(func() error {
		id, err := c.loadOrGenerateDeviceID()
		if err != nil {
			return pump.WrapError(pump.KindKeyMissing, "loading device id", err)
		}
		deviceID = id
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}

	conn, err := c.cfg.Dialer.Dial(ctx, c.cfg.MAC)
	if err != nil {
		return pump.WrapError(pump.KindTransport, "renewal connect failed", err)
	}
	defer conn.Close(context.Background())

	proto := pumpble.New(conn, c.cfg.Log)
	if err := proto.Authenticate(ctx, c.cfg.MAC); err != nil {
		return err
	}
	if err := sleepCtx(ctx, 500*time.Millisecond); err != nil {
		return err
	}

	challenge, pumpPublicKey, err := readKeyChallengeWithRetry(ctx, conn)
	if err != nil {
		return err
	}

	resp, err := relayClient.KeyExchange(ctx, relay.Request{
		Challenge:     challenge,
		PumpPublicKey: pumpPublicKey,
		AppPublicKey:  keyPair.Public[:],
		BTAddress:     btAddress,
		DeviceID:      deviceID,
	})
	if err != nil {
		c.publishState(ConnectionState{Kind: StateError, Code: "NeedsKeyExchange", Msg: "relay call failed", Cause: err})
		return err
	}

	// The relay call may have consumed the pump's auth window; re-authenticate.
	if err := proto.Authenticate(ctx, c.cfg.MAC); err != nil {
		return err
	}
	if err := sleepCtx(ctx, 500*time.Millisecond); err != nil {
		return err
	}

	if err := pumpble.WriteEncryptedKey(ctx, conn, resp.EncryptedBytes); err != nil {
		return err
	}

	sharedKey, err := cryptoprim.DeriveSharedKey(keyPair.Private[:], pumpPublicKey)
	if err != nil {
		return pump.WrapError(pump.KindKeyValidationFailed, "deriving shared key", err)
	}

	cryptor, err := session.New(c.cfg.Store, c.cfg.Log, sharedKey)
	if err != nil {
		return err
	}
	proto.InstallCryptor(cryptor)
	proto.MarkCountersUnsynced()

	if _, err := proto.ReadSystemStatus(ctx); err != nil {
		// The new key doesn't work either; nothing left to fall back to but
		// NeedsKeyExchange. session.New has already replaced the prior
		// (also-dead) key in the store with this one, so it is discarded by
		// re-storing it with an expiry in the past, which session.Load
		// treats as no key.
		_ = c.cfg.Store.PutSharedKey(sharedKey, time.Unix(0, 0))
		c.publishState(ConnectionState{Kind: StateError, Code: "NeedsKeyExchange", Msg: "post-renewal validation failed", Cause: err})
		return pump.WrapError(pump.KindKeyValidationFailed, "post-renewal status read failed", err)
	}

	return nil
}

// resolveRelay verifies a relay URL is configured (in Config or
// persistence) before using the injected client — spec.md §4.7 step 1's
// "ensure relay URL is configured in persistence; otherwise signal
// NeedsKeyExchange and fail". The URL itself is baked into the client at
// construction time (relay.NewHTTPClient/NewGRPCClient); this only gates
// on its presence.
func (c *Controller) resolveRelay() (relay.Client, error) {
	if c.cfg.Relay == nil {
		return nil, pump.NewError(pump.KindKeyMissing, "no relay client configured")
	}

	url := c.cfg.RelayURL
	if url == "" {
		stored, ok, err := c.cfg.Store.GetBytes(storeKeyRelayURL)
		if err != nil {
			return nil, err
		}
		if ok {
			url = string(stored)
		}
	}
	if url == "" {
		return nil, pump.NewError(pump.KindKeyMissing, "relay URL not configured")
	}

	return c.cfg.Relay, nil
}

func (c *Controller) loadOrGenerateKeyPair() (*cryptoprim.KeyPair, error) {
	priv, ok, err := c.cfg.Store.GetBytes(storeKeyX25519Priv)
	if err != nil {
		return nil, err
	}
	if ok && len(priv) == 32 {
		pub, ok, err := c.cfg.Store.GetBytes(storeKeyX25519Pub)
		if err != nil {
			return nil, err
		}
		if ok && len(pub) == 32 {
			var kp cryptoprim.KeyPair
			copy(kp.Private[:], priv)
			copy(kp.Public[:], pub)
			return &kp, nil
		}
	}

	kp, err := cryptoprim.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	if err := c.cfg.Store.PutBytes(storeKeyX25519Priv, kp.Private[:]); err != nil {
		return nil, err
	}
	if err := c.cfg.Store.PutBytes(storeKeyX25519Pub, kp.Public[:]); err != nil {
		return nil, err
	}
	return kp, nil
}

func (c *Controller) loadOrGenerateDeviceID() (string, error) {
	if c.cfg.DeviceID != "" {
		return c.cfg.DeviceID, nil
	}

	stored, ok, err := c.cfg.Store.GetBytes(storeKeyDeviceID)
	if err != nil {
		return "", err
	}
	if ok {
		return string(stored), nil
	}

	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	id := hex.EncodeToString(raw)

	if err := c.cfg.Store.PutBytes(storeKeyDeviceID, []byte(id)); err != nil {
		return "", err
	}
	return id, nil
}

func readKeyChallengeWithRetry(ctx context.Context, ble pumpble.Facade) (challenge, pumpPublicKey []byte, err error) {
	for attempt := 1; attempt <= keyReadRetries; attempt++ {
		challenge, pumpPublicKey, err = pumpble.ReadKeyChallenge(ctx, ble)
		if err == nil {
			return challenge, pumpPublicKey, nil
		}
		if attempt == keyReadRetries {
			break
		}
		if werr := sleepCtx(ctx, keyReadRetryWait); werr != nil {
			return nil, nil, werr
		}
	}
	return nil, nil, err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
