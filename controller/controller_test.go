package controller

import (
	"context"
	"encoding/binary"
	"testing"
	"time"

	pump "github.com/vicktor/ypsomed-pump"
	"github.com/vicktor/ypsomed-pump/crc16"
	"github.com/vicktor/ypsomed-pump/cryptoprim"
	"github.com/vicktor/ypsomed-pump/framing"
	"github.com/vicktor/ypsomed-pump/pumpble"
	"github.com/vicktor/ypsomed-pump/relay"
	"github.com/vicktor/ypsomed-pump/session"
	"github.com/vicktor/ypsomed-pump/session/filestore"
)

// fakeConn is an in-memory Conn double: per-characteristic write log and a
// per-characteristic read FIFO, shared across every Dial call from a
// fakeDialer so a test can script a sequence of reads spanning several
// episodes (which each open a "new" connection).
type fakeConn struct {
	writes   map[string][][]byte
	reads    map[string][][]byte
	notifies map[string][][]byte
}

func newFakeConn() *fakeConn {
	return &fakeConn{writes: map[string][][]byte{}, reads: map[string][][]byte{}, notifies: map[string][][]byte{}}
}

func (f *fakeConn) seedRead(charUUID string, frames ...[]byte) {
	f.reads[charUUID] = append(f.reads[charUUID], frames...)
}

// seedNotify queues frames to be delivered, in order, on the channel the
// next EnableNotify(charUUID) call returns; the channel closes once they're
// drained.
func (f *fakeConn) seedNotify(charUUID string, frames ...[]byte) {
	f.notifies[charUUID] = append(f.notifies[charUUID], frames...)
}

func (f *fakeConn) Read(ctx context.Context, charUUID string) ([]byte, error) {
	q := f.reads[charUUID]
	if len(q) == 0 {
		return nil, nil
	}
	v := q[0]
	f.reads[charUUID] = q[1:]
	return v, nil
}

func (f *fakeConn) WriteDefault(ctx context.Context, charUUID string, value []byte) error {
	f.writes[charUUID] = append(f.writes[charUUID], value)
	return nil
}

func (f *fakeConn) WriteNoResponse(ctx context.Context, charUUID string, value []byte) error {
	return f.WriteDefault(ctx, charUUID, value)
}

func (f *fakeConn) EnableNotify(ctx context.Context, charUUID string) (<-chan []byte, error) {
	frames := f.notifies[charUUID]
	f.notifies[charUUID] = nil
	ch := make(chan []byte, len(frames))
	for _, fr := range frames {
		ch <- fr
	}
	close(ch)
	return ch, nil
}

func (f *fakeConn) Close(ctx context.Context) error { return nil }

type fakeDialer struct {
	conn    *fakeConn
	dialErr error
}

func (d *fakeDialer) Dial(ctx context.Context, mac pump.Addr) (Conn, error) {
	if d.dialErr != nil {
		return nil, d.dialErr
	}
	return d.conn, nil
}

func encodeSystemStatus(mode pumpble.DeliveryMode, insulinCenti uint32, battery uint8) []byte {
	b := make([]byte, 6)
	b[0] = byte(mode)
	binary.LittleEndian.PutUint32(b[1:5], insulinCenti)
	b[5] = battery
	return crc16.Append(b)
}

func seedStatusFrames(t *testing.T, conn *fakeConn, peer *session.Cryptor, mode pumpble.DeliveryMode, insulinCenti uint32, battery uint8) {
	t.Helper()
	payload := encodeSystemStatus(mode, insulinCenti, battery)
	envelope, err := peer.Encrypt(payload)
	if err != nil {
		t.Fatalf("peer encrypt: %v", err)
	}
	frames, err := framing.Chunk(envelope)
	if err != nil {
		t.Fatalf("chunk: %v", err)
	}
	conn.seedRead(pumpble.CharSystemStatus, frames[:1]...)
	for _, f := range frames[1:] {
		conn.seedRead(pumpble.CharExtendedRead, f)
	}
}

func newTestController(t *testing.T, conn *fakeConn, opts ...Option) *Controller {
	t.Helper()
	base := []Option{
		OptDialer(&fakeDialer{conn: conn}),
		OptMAC(pump.NewAddr("EC:2A:F0:02:AF:6F")),
		OptSerial(10175983),
	}
	c, err := NewController(append(base, opts...)...)
	if err != nil {
		t.Fatalf("new controller: %v", err)
	}
	return c
}

func TestStatusRunsEpisodeAndCachesStatus(t *testing.T) {
	sharedKey := make([]byte, 32)
	for i := range sharedKey {
		sharedKey[i] = byte(i)
	}

	controllerStore := filestore.New(t.TempDir() + "/controller.json")
	if _, err := session.New(controllerStore, nil, sharedKey); err != nil {
		t.Fatalf("seed controller store: %v", err)
	}

	peerStore := filestore.New(t.TempDir() + "/peer.json")
	peer, err := session.New(peerStore, nil, sharedKey)
	if err != nil {
		t.Fatalf("seed peer cryptor: %v", err)
	}

	conn := newFakeConn()
	seedStatusFrames(t, conn, peer, pumpble.ModeBasal, 1234, 80)

	c := newTestController(t, conn, OptStore(controllerStore))

	status, err := c.Status(context.Background())
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.DeliveryMode != pumpble.ModeBasal || status.BatteryPercent != 80 {
		t.Fatalf("unexpected status: %+v", status)
	}

	cached, _, ok := c.LastStatus()
	if !ok || cached.BatteryPercent != 80 {
		t.Fatalf("expected cached status to be updated")
	}

	writes := conn.writes[pumpble.CharAuthPassword]
	if len(writes) != 1 {
		t.Fatalf("expected exactly one auth write, got %d", len(writes))
	}
}

func TestStatusSurfacesKeyMissingWithoutPersistedKey(t *testing.T) {
	conn := newFakeConn()
	c := newTestController(t, conn, OptStore(filestore.New(t.TempDir()+"/empty.json")))

	_, err := c.Status(context.Background())
	if !pump.Is(err, pump.KindKeyMissing) {
		t.Fatalf("expected KindKeyMissing, got %v", err)
	}
	if !c.NeedsRenewal() {
		t.Fatalf("expected NeedsRenewal to be set")
	}
}

// fakeRelay simulates the relay's gRPC/HTTP-equivalent semantics: it
// records how many times it was called and hands back an arbitrary
// ciphertext blob the pump side never actually needs to understand in this
// test (WriteEncryptedKey only frames and forwards it).
type fakeRelay struct {
	calls int
}

func (r *fakeRelay) KeyExchange(ctx context.Context, req relay.Request) (relay.Response, error) {
	r.calls++
	return relay.Response{EncryptedBytes: []byte{0xAA, 0xBB, 0xCC, 0xDD}, ServerNonce: []byte{0x01}}, nil
}

func TestKeyDeathTriggersExactlyOneRenewalThenSucceeds(t *testing.T) {
	controllerStore := filestore.New(t.TempDir() + "/controller.json")

	// Seed a stale shared key so the first forced status read fails to
	// decrypt and the episode raises key death.
	staleKey := make([]byte, 32)
	for i := range staleKey {
		staleKey[i] = byte(0xFF - i)
	}
	if _, err := session.New(controllerStore, nil, staleKey); err != nil {
		t.Fatalf("seed stale key: %v", err)
	}

	// Pre-seed the device's own X25519 key pair so renewal's
	// loadOrGenerateKeyPair is deterministic and we can compute the same
	// derived shared key the pump side would.
	appKP, err := cryptoprim.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate app keypair: %v", err)
	}
	if err := controllerStore.PutBytes(storeKeyX25519Priv, appKP.Private[:]); err != nil {
		t.Fatalf("seed priv: %v", err)
	}
	if err := controllerStore.PutBytes(storeKeyX25519Pub, appKP.Public[:]); err != nil {
		t.Fatalf("seed pub: %v", err)
	}

	pumpKP, err := cryptoprim.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate pump keypair: %v", err)
	}

	derivedKey, err := cryptoprim.DeriveSharedKey(pumpKP.Private[:], appKP.Public[:])
	if err != nil {
		t.Fatalf("derive shared key: %v", err)
	}

	peerStore := filestore.New(t.TempDir() + "/peer.json")
	peer, err := session.New(peerStore, nil, derivedKey)
	if err != nil {
		t.Fatalf("seed peer cryptor: %v", err)
	}

	conn := newFakeConn()

	// 1. First episode's forced status read: garbage envelope, fails AEAD
	// open under the stale key.
	garbage := make([]byte, 40)
	for i := range garbage {
		garbage[i] = byte(i * 7)
	}
	garbageFrames, err := framing.Chunk(garbage)
	if err != nil {
		t.Fatalf("chunk garbage: %v", err)
	}
	conn.seedRead(pumpble.CharSystemStatus, garbageFrames[:1]...)
	for _, f := range garbageFrames[1:] {
		conn.seedRead(pumpble.CharExtendedRead, f)
	}

	// 2. Renewal's key-challenge read.
	challenge := make([]byte, 32)
	keyChallengeResp := append(append([]byte{}, challenge...), pumpKP.Public[:]...)
	conn.seedRead(pumpble.CharPumpKeyRead, keyChallengeResp)

	// 3. Renewal's own post-install validation read, and 4. the retried
	// episode's forced status read: two independently valid envelopes
	// under the freshly derived key.
	seedStatusFrames(t, conn, peer, pumpble.ModeTBR, 900, 55)
	seedStatusFrames(t, conn, peer, pumpble.ModeTBR, 900, 55)

	fr := &fakeRelay{}
	c := newTestController(t, conn, OptStore(controllerStore), OptRelay(fr), OptRelayURL("https://relay.example/"), OptCriticalRetryAttempts(1))

	status, err := c.Status(context.Background())
	if err != nil {
		t.Fatalf("status after renewal: %v", err)
	}
	if status.DeliveryMode != pumpble.ModeTBR || status.BatteryPercent != 55 {
		t.Fatalf("unexpected post-renewal status: %+v", status)
	}
	if fr.calls != 1 {
		t.Fatalf("expected exactly one relay call, got %d", fr.calls)
	}
	keyWrites := conn.writes[pumpble.CharPumpKeyWrite]
	if len(keyWrites) == 0 {
		t.Fatalf("expected at least one key-write frame")
	}
	if c.NeedsRenewal() {
		t.Fatalf("expected NeedsRenewal to clear after a successful command")
	}
}

// flakyDialer fails to connect failUntil times before succeeding, modeling
// a transient BLE connect failure the critical-retry wrapper must absorb.
type flakyDialer struct {
	conn      *fakeConn
	failUntil int
	attempts  int
}

func (d *flakyDialer) Dial(ctx context.Context, mac pump.Addr) (Conn, error) {
	d.attempts++
	if d.attempts <= d.failUntil {
		return nil, pump.NewError(pump.KindTransport, "simulated transient connect failure")
	}
	return d.conn, nil
}

func TestCriticalRetryRecoversFromTransientConnectFailure(t *testing.T) {
	sharedKey := make([]byte, 32)
	for i := range sharedKey {
		sharedKey[i] = byte(i)
	}

	controllerStore := filestore.New(t.TempDir() + "/controller.json")
	if _, err := session.New(controllerStore, nil, sharedKey); err != nil {
		t.Fatalf("seed controller store: %v", err)
	}
	peerStore := filestore.New(t.TempDir() + "/peer.json")
	peer, err := session.New(peerStore, nil, sharedKey)
	if err != nil {
		t.Fatalf("seed peer cryptor: %v", err)
	}

	conn := newFakeConn()
	seedStatusFrames(t, conn, peer, pumpble.ModeBasal, 2000, 90)

	dialer := &flakyDialer{conn: conn, failUntil: 2}
	c, err := NewController(
		OptDialer(dialer),
		OptMAC(pump.NewAddr("EC:2A:F0:02:AF:6F")),
		OptSerial(10175983),
		OptStore(controllerStore),
		OptCriticalRetryAttempts(3),
	)
	if err != nil {
		t.Fatalf("new controller: %v", err)
	}

	if err := c.StartTBR(context.Background(), 50, 30); err != nil {
		t.Fatalf("start tbr: %v", err)
	}
	if dialer.attempts != 3 {
		t.Fatalf("expected 3 dial attempts, got %d", dialer.attempts)
	}

	tbrWrites := conn.writes[pumpble.CharTBRStartStop]
	if len(tbrWrites) == 0 {
		t.Fatalf("expected the TBR command to eventually be written")
	}
}

func TestEventProcessorEdgeTriggersOncePerCrossing(t *testing.T) {
	p := newEventProcessor()

	// Baseline: first call never emits.
	if evs := p.process(pumpble.SystemStatus{BatteryPercent: 50, InsulinCenti: 10000}); len(evs) != 0 {
		t.Fatalf("expected no events on baseline, got %v", evs)
	}

	evs := p.process(pumpble.SystemStatus{BatteryPercent: 15, InsulinCenti: 10000})
	if len(evs) != 1 || evs[0].Kind != EventBatteryLow {
		t.Fatalf("expected a single battery-low event, got %v", evs)
	}

	// Staying below the threshold must not re-fire.
	if evs := p.process(pumpble.SystemStatus{BatteryPercent: 10, InsulinCenti: 10000}); len(evs) != 0 {
		t.Fatalf("expected no repeat event, got %v", evs)
	}
}

func TestEventProcessorResetClearsBaseline(t *testing.T) {
	p := newEventProcessor()
	p.process(pumpble.SystemStatus{BatteryPercent: 50, InsulinCenti: 10000})
	p.reset()

	// Immediately after reset, the next call is a fresh baseline again.
	if evs := p.process(pumpble.SystemStatus{BatteryPercent: 1, InsulinCenti: 1}); len(evs) != 0 {
		t.Fatalf("expected no events on fresh baseline after reset, got %v", evs)
	}
}

func TestBroadcasterReplaysHistoryToNewSubscribers(t *testing.T) {
	b := newBroadcaster[int](2)
	b.publish(1)
	b.publish(2)
	b.publish(3) // only the last 2 survive in replay

	ch, unsubscribe := b.subscribe()
	defer unsubscribe()

	got := []int{<-ch, <-ch}
	if got[0] != 2 || got[1] != 3 {
		t.Fatalf("expected replay [2 3], got %v", got)
	}

	b.publish(4)
	select {
	case v := <-ch:
		if v != 4 {
			t.Fatalf("expected live value 4, got %d", v)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for live publish")
	}
}

func TestHistoryEventMapping(t *testing.T) {
	entry := pumpble.HistoryEntry{Type: 9, Value1: 50, Value2: 30}
	ev, ok := eventFromHistory(entry)
	if !ok || ev.Kind != EventTBRStarted || ev.Percent != 50 || ev.Duration != 30 {
		t.Fatalf("unexpected TBR-started mapping: %+v ok=%v", ev, ok)
	}

	if _, ok := eventFromHistory(pumpble.HistoryEntry{Type: 254}); ok {
		t.Fatalf("expected unknown type code to be ignored")
	}
}

func TestHistoryEventMappingBolus(t *testing.T) {
	cases := []struct {
		typeCode uint8
		want     EventKind
	}{
		{1, EventBolusStarted},
		{2, EventBolusCompleted},
		{3, EventBolusCancelled},
	}
	for _, tc := range cases {
		ev, ok := eventFromHistory(pumpble.HistoryEntry{Type: tc.typeCode, Value1: 250})
		if !ok || ev.Kind != tc.want || ev.Units != 2.5 {
			t.Fatalf("type %d: unexpected mapping %+v ok=%v", tc.typeCode, ev, ok)
		}
	}
}

// encodeBolusNotification packs the 10-byte plaintext bolus-notification
// payload (fast state/seq, slow state/seq) pumpble.ParseBolusNotification
// expects.
func encodeBolusNotification(fast pumpble.BolusNotificationState, fastSeq uint32, slow pumpble.BolusNotificationState, slowSeq uint32) []byte {
	b := make([]byte, 10)
	b[0] = byte(fast)
	binary.LittleEndian.PutUint32(b[1:5], fastSeq)
	b[5] = byte(slow)
	binary.LittleEndian.PutUint32(b[6:10], slowSeq)
	return b
}

// encodeBolusStatus packs the 13-byte fast-block bolus status payload
// pumpble.parseBolusStatus expects (no slow block present), with the CRC16
// trailer ReadResponse's hasCRC path strips.
func encodeBolusStatus(status uint8, injectedCenti, totalCenti uint32) []byte {
	b := make([]byte, 13)
	b[0] = status
	binary.LittleEndian.PutUint32(b[5:9], injectedCenti)
	binary.LittleEndian.PutUint32(b[9:13], totalCenti)
	return crc16.Append(b)
}

func seedBolusStatusFrames(t *testing.T, conn *fakeConn, peer *session.Cryptor, status uint8, injectedCenti, totalCenti uint32) {
	t.Helper()
	envelope, err := peer.Encrypt(encodeBolusStatus(status, injectedCenti, totalCenti))
	if err != nil {
		t.Fatalf("peer encrypt bolus status: %v", err)
	}
	frames, err := framing.Chunk(envelope)
	if err != nil {
		t.Fatalf("chunk bolus status: %v", err)
	}
	conn.seedRead(pumpble.CharBolusStatus, frames[:1]...)
	for _, f := range frames[1:] {
		conn.seedRead(pumpble.CharExtendedRead, f)
	}
}

func TestStartBolusAwaitsTerminalAndEmitsEvents(t *testing.T) {
	sharedKey := make([]byte, 32)
	for i := range sharedKey {
		sharedKey[i] = byte(i)
	}

	controllerStore := filestore.New(t.TempDir() + "/controller.json")
	if _, err := session.New(controllerStore, nil, sharedKey); err != nil {
		t.Fatalf("seed controller store: %v", err)
	}
	peerStore := filestore.New(t.TempDir() + "/peer.json")
	peer, err := session.New(peerStore, nil, sharedKey)
	if err != nil {
		t.Fatalf("seed peer cryptor: %v", err)
	}

	conn := newFakeConn()
	seedStatusFrames(t, conn, peer, pumpble.ModeBasal, 1234, 80)
	conn.seedNotify(pumpble.CharBolusNotify,
		encodeBolusNotification(pumpble.BolusDelivering, 1, pumpble.BolusIdle, 0),
		encodeBolusNotification(pumpble.BolusCompleted, 1, pumpble.BolusIdle, 0),
	)

	c := newTestController(t, conn, OptStore(controllerStore))

	events, unsubscribe := c.Events()
	defer unsubscribe()

	if err := c.StartBolus(context.Background(), 500, 0, 0, pumpble.BolusFast); err != nil {
		t.Fatalf("start bolus: %v", err)
	}

	var got []Event
	for len(got) < 2 {
		select {
		case ev := <-events:
			got = append(got, ev)
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for bolus events, got %v", got)
		}
	}

	if got[0].Kind != EventBolusStarted || got[0].Units != 5 {
		t.Fatalf("unexpected first event: %+v", got[0])
	}
	if got[1].Kind != EventBolusCompleted || got[1].Units != 5 {
		t.Fatalf("unexpected second event: %+v", got[1])
	}

	writes := conn.writes[pumpble.CharBolusStartStop]
	if len(writes) != 1 {
		t.Fatalf("expected exactly one bolus-start write, got %d", len(writes))
	}
}

func TestCancelBolusCorrelatesInjectedAmount(t *testing.T) {
	sharedKey := make([]byte, 32)
	for i := range sharedKey {
		sharedKey[i] = byte(i)
	}

	controllerStore := filestore.New(t.TempDir() + "/controller.json")
	if _, err := session.New(controllerStore, nil, sharedKey); err != nil {
		t.Fatalf("seed controller store: %v", err)
	}
	peerStore := filestore.New(t.TempDir() + "/peer.json")
	peer, err := session.New(peerStore, nil, sharedKey)
	if err != nil {
		t.Fatalf("seed peer cryptor: %v", err)
	}

	conn := newFakeConn()
	seedStatusFrames(t, conn, peer, pumpble.ModeBasal, 1234, 80)
	// The block has delivered 1.5 of a requested 5.0 units at the moment of
	// cancellation; that's the amount the cancellation event must carry,
	// not the original request.
	seedBolusStatusFrames(t, conn, peer, 1, 150, 500)
	conn.seedNotify(pumpble.CharBolusNotify,
		encodeBolusNotification(pumpble.BolusCancelled, 2, pumpble.BolusIdle, 0),
	)

	c := newTestController(t, conn, OptStore(controllerStore))

	events, unsubscribe := c.Events()
	defer unsubscribe()

	if err := c.CancelBolus(context.Background(), pumpble.BolusFast); err != nil {
		t.Fatalf("cancel bolus: %v", err)
	}

	select {
	case ev := <-events:
		if ev.Kind != EventBolusCancelled || ev.Units != 1.5 {
			t.Fatalf("unexpected cancel event: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for bolus-cancelled event")
	}

	writes := conn.writes[pumpble.CharBolusStartStop]
	if len(writes) != 1 {
		t.Fatalf("expected exactly one bolus-cancel write, got %d", len(writes))
	}
}

func TestStartBolusSurfacesTransportErrorOnClosedNotifyChannel(t *testing.T) {
	sharedKey := make([]byte, 32)
	for i := range sharedKey {
		sharedKey[i] = byte(i)
	}

	controllerStore := filestore.New(t.TempDir() + "/controller.json")
	if _, err := session.New(controllerStore, nil, sharedKey); err != nil {
		t.Fatalf("seed controller store: %v", err)
	}
	peerStore := filestore.New(t.TempDir() + "/peer.json")
	peer, err := session.New(peerStore, nil, sharedKey)
	if err != nil {
		t.Fatalf("seed peer cryptor: %v", err)
	}

	conn := newFakeConn()
	seedStatusFrames(t, conn, peer, pumpble.ModeBasal, 1234, 80)
	// No notification frames seeded: EnableNotify's channel closes
	// immediately, which awaitBolusTerminal must treat as a retryable
	// transport failure rather than hanging until the 300s timeout.

	c := newTestController(t, conn, OptStore(controllerStore), OptCriticalRetryAttempts(1))

	err = c.StartBolus(context.Background(), 500, 0, 0, pumpble.BolusFast)
	if !pump.Is(err, pump.KindTransport) {
		t.Fatalf("expected KindTransport from a closed notification channel, got %v", err)
	}
}
