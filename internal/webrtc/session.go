// Package webrtc implements the WebRTC streamer (spec.md §4.10, component
// C10): session lifecycle, codec negotiation against the encoder registry,
// a codec-specific RTP packetizer, reconnect-on-pipeline-restart, and the
// "hid" DataChannel binary protocol.
//
// Grounded on the teacher's Session/SessionManager shape
// (session_webrtc.go, webrtc.go): single-owner session map, ICEServerConfig
// parsing, gather-then-answer negotiation, RTCP PLI/FIR-driven keyframe
// forcing, and done-channel/sync.Once shutdown. Diverges from the teacher
// where the pipeline's per-codec broadcast channel (rather than a
// screen-capture+CPU-encode loop) is the frame source, and where RTP
// packetization is built explicitly instead of delegating to
// TrackLocalStaticSample.
package webrtc

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v3"

	"github.com/mofeng-git/one-kvm/internal/encoder"
	"github.com/mofeng-git/one-kvm/internal/eventbus"
	"github.com/mofeng-git/one-kvm/internal/hid"
	"github.com/mofeng-git/one-kvm/internal/logging"
	"github.com/mofeng-git/one-kvm/internal/pipeline"
)

var log = logging.L("webrtc")

const (
	iceGatherTimeout  = 10 * time.Second
	rtpClockRate      = 90000
	resubscribeDelay  = 200 * time.Millisecond
	keyframeRateLimit = 500 * time.Millisecond
)

// State is a WebRtc Session's lifecycle state (spec.md §3 "WebRtc Session").
type State string

const (
	StateNew          State = "new"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
	StateFailed       State = "failed"
	StateClosed       State = "closed"
)

// ICEServerConfig is one STUN/TURN entry from the API payload (spec.md
// §4.10 "ICE"), mirroring the teacher's ICEServerConfig.
type ICEServerConfig struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

func toPionICEServers(raw []ICEServerConfig) []webrtc.ICEServer {
	if len(raw) == 0 {
		return []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}
	}
	servers := make([]webrtc.ICEServer, 0, len(raw))
	for _, s := range raw {
		if len(s.URLs) == 0 {
			continue
		}
		server := webrtc.ICEServer{URLs: s.URLs}
		if s.Username != "" {
			server.Username = s.Username
			server.Credential = s.Credential
			server.CredentialType = webrtc.ICECredentialTypePassword
		}
		servers = append(servers, server)
	}
	if len(servers) == 0 {
		return []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}
	}
	return servers
}

// Stats is the per-session counters exposed through the event bus.
type Stats struct {
	SessionID    string `json:"session_id"`
	State        State  `json:"state"`
	Codec        string `json:"codec,omitempty"`
	PacketsSent  uint64 `json:"packets_sent"`
	BytesSent    uint64 `json:"bytes_sent"`
	Keyframes    uint64 `json:"keyframes"`
}

// Session is one negotiated WebRTC peer connection.
type Session struct {
	id       string
	peerConn *webrtc.PeerConnection

	mu        sync.Mutex
	state     State
	codec     encoder.Codec
	videoTrack *webrtc.TrackLocalStaticRTP
	hidDC     *webrtc.DataChannel
	stats     Stats

	sub  chan pipeline.EncodedFrame
	pz   *rtpPacketizer
	epoch time.Time

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Manager owns every active Session (spec.md §3 "Ownership": one
// StreamManager-equivalent object per process, no package-level state),
// grounded on the teacher's SessionManager.
type Manager struct {
	bus      *eventbus.Bus
	pipeline *pipeline.Pipeline
	registry *encoder.Registry
	hid      *hid.Controller

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewManager(bus *eventbus.Bus, pl *pipeline.Pipeline, registry *encoder.Registry, hidCtl *hid.Controller) *Manager {
	return &Manager{bus: bus, pipeline: pl, registry: registry, hid: hidCtl, sessions: map[string]*Session{}}
}

// CreateSession handles POST /webrtc/session: allocate a fresh id, no peer
// connection yet (that's created on Offer, once the client's codec and SDP
// are known).
func (m *Manager) CreateSession() *Session {
	s := &Session{id: uuid.NewString(), state: StateNew, done: make(chan struct{})}

	m.mu.Lock()
	m.sessions[s.id] = s
	m.mu.Unlock()

	return s
}

// negotiableCodecs is the fixed candidate set spec.md §4.10 names for
// intersection against registry availability and the client's requested
// codec.
var negotiableCodecs = []encoder.Codec{encoder.CodecH264, encoder.CodecH265, encoder.CodecVP8, encoder.CodecVP9}

// Offer handles POST /webrtc/offer: negotiates codec, builds the peer
// connection, video track and "hid" DataChannel, and returns answer SDP.
func (m *Manager) Offer(sessionID string, requestedCodec encoder.Codec, sdp string, ice []ICEServerConfig) (answer string, err error) {
	s := m.get(sessionID)
	if s == nil {
		return "", fmt.Errorf("webrtc: unknown session %s", sessionID)
	}

	codec, err := negotiateCodec(requestedCodec, m.registry.AvailableCodecs())
	if err != nil {
		return "", err
	}

	mediaEngine := &webrtc.MediaEngine{}
	if regErr := mediaEngine.RegisterDefaultCodecs(); regErr != nil {
		return "", fmt.Errorf("webrtc: register default codecs: %w", regErr)
	}
	if regErr := registerExtraCodec(mediaEngine, codec); regErr != nil {
		return "", fmt.Errorf("webrtc: register codec %s: %w", codec, regErr)
	}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(mediaEngine))

	peerConn, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: toPionICEServers(ice)})
	if err != nil {
		return "", fmt.Errorf("webrtc: new peer connection: %w", err)
	}

	videoTrack, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: mimeTypeForCodec(codec), ClockRate: rtpClockRate},
		"video", "onekvm",
	)
	if err != nil {
		_ = peerConn.Close()
		return "", fmt.Errorf("webrtc: new video track: %w", err)
	}

	sender, err := peerConn.AddTrack(videoTrack)
	if err != nil {
		_ = peerConn.Close()
		return "", fmt.Errorf("webrtc: add track: %w", err)
	}

	s.mu.Lock()
	s.peerConn = peerConn
	s.videoTrack = videoTrack
	s.codec = codec
	s.state = StateConnecting
	s.epoch = time.Now()
	s.pz = newRTPPacketizer(0)
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		drainRTCP(s, sender)
	}()

	hidDC, err := peerConn.CreateDataChannel("hid", nil)
	if err != nil {
		log.Warn("failed to create hid data channel", "session", s.id, "error", err)
	} else {
		s.mu.Lock()
		s.hidDC = hidDC
		s.mu.Unlock()
		hidDC.OnMessage(func(msg webrtc.DataChannelMessage) {
			m.handleHIDMessage(s, msg.Data)
		})
	}

	peerConn.OnConnectionStateChange(func(st webrtc.PeerConnectionState) {
		log.Info("webrtc connection state", "session", s.id, "state", st.String())
		switch st {
		case webrtc.PeerConnectionStateConnected:
			s.setState(StateConnected)
			s.startStreaming(m)
		case webrtc.PeerConnectionStateDisconnected:
			s.setState(StateDisconnected)
		case webrtc.PeerConnectionStateFailed:
			s.setState(StateFailed)
			m.Close(s.id)
		case webrtc.PeerConnectionStateClosed:
			m.Close(s.id)
		}
	})

	if err := peerConn.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}); err != nil {
		return "", fmt.Errorf("webrtc: set remote description: %w", err)
	}

	pcAnswer, err := peerConn.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("webrtc: create answer: %w", err)
	}
	if err := peerConn.SetLocalDescription(pcAnswer); err != nil {
		return "", fmt.Errorf("webrtc: set local description: %w", err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(peerConn)
	select {
	case <-gatherComplete:
	case <-time.After(iceGatherTimeout):
		return "", fmt.Errorf("webrtc: ICE gathering timed out after %s", iceGatherTimeout)
	case <-s.done:
		return "", fmt.Errorf("webrtc: session closed during ICE gathering")
	}

	ld := peerConn.LocalDescription()
	if ld == nil {
		return "", fmt.Errorf("webrtc: local description not available")
	}
	return ld.SDP, nil
}

func negotiateCodec(requested encoder.Codec, available []encoder.Codec) (encoder.Codec, error) {
	avail := map[encoder.Codec]struct{}{}
	for _, c := range available {
		avail[c] = struct{}{}
	}

	isCandidate := false
	for _, c := range negotiableCodecs {
		if c == requested {
			isCandidate = true
			break
		}
	}
	if !isCandidate {
		return "", fmt.Errorf("webrtc: codec %q is not negotiable (must be one of h264/h265/vp8/vp9)", requested)
	}
	if _, ok := avail[requested]; !ok {
		return "", fmt.Errorf("webrtc: codec %q has no available encoder backend", requested)
	}
	return requested, nil
}

func mimeTypeForCodec(codec encoder.Codec) string {
	switch codec {
	case encoder.CodecH264:
		return webrtc.MimeTypeH264
	case encoder.CodecH265:
		return "video/H265"
	case encoder.CodecVP8:
		return webrtc.MimeTypeVP8
	case encoder.CodecVP9:
		return webrtc.MimeTypeVP9
	default:
		return "video/AV1"
	}
}

// registerExtraCodec adds MediaEngine entries RegisterDefaultCodecs doesn't
// cover (H.265 has no pion default registration in this dependency line).
func registerExtraCodec(me *webrtc.MediaEngine, codec encoder.Codec) error {
	if codec != encoder.CodecH265 {
		return nil
	}
	return me.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: "video/H265", ClockRate: rtpClockRate},
		PayloadType:        118,
	}, webrtc.RTPCodecTypeVideo)
}

// drainRTCP reads RTCP from the video sender so it never blocks on
// backpressure, passing PLI/FIR (at most one per keyframeRateLimit) to
// requestKeyframe (spec.md §4.10, grounded on the teacher's RTCP drain loop
// in session_webrtc.go).
func drainRTCP(s *Session, sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	var lastKF time.Time
	for {
		n, _, err := sender.Read(buf)
		if err != nil {
			return
		}
		pkts, err := rtcp.Unmarshal(buf[:n])
		if err != nil {
			continue
		}
		for _, pkt := range pkts {
			switch pkt.(type) {
			case *rtcp.PictureLossIndication, *rtcp.FullIntraRequest:
				if time.Since(lastKF) < keyframeRateLimit {
					continue
				}
				lastKF = time.Now()
				s.requestKeyframe()
			}
		}
	}
}

// requestKeyframe only logs a PLI/FIR at debug level; it does not force a
// keyframe. The pipeline marks only the first frame of a newly built codec
// pipeline as a forced keyframe, and has no hook to request one mid-stream.
func (s *Session) requestKeyframe() {
	log.Debug("keyframe requested via RTCP", "session", s.id)
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.stats.State = st
	s.mu.Unlock()
}

func (s *Session) startStreaming(m *Manager) {
	s.mu.Lock()
	codec := s.codec
	s.mu.Unlock()

	ch, err := m.pipeline.Subscribe(codec)
	if err != nil {
		log.Warn("failed to subscribe to pipeline", "session", s.id, "codec", codec, "error", err)
		return
	}
	s.mu.Lock()
	s.sub = ch
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.videoLoop(m)
	}()
}

// videoLoop packetizes and sends encoded frames, and implements spec.md
// §4.10's reconnect-on-pipeline-restart: when the subscribed channel closes
// it sleeps briefly and re-subscribes to the same codec without
// renegotiating, since the codec itself hasn't changed.
func (s *Session) videoLoop(m *Manager) {
	for {
		s.mu.Lock()
		ch := s.sub
		codec := s.codec
		s.mu.Unlock()

	drain:
		for {
			select {
			case ef, ok := <-ch:
				if !ok {
					break drain
				}
				s.sendFrame(ef)
			case <-s.done:
				return
			}
		}

		select {
		case <-s.done:
			return
		default:
		}

		select {
		case <-time.After(resubscribeDelay):
		case <-s.done:
			return
		}

		next, err := m.pipeline.Subscribe(codec)
		if err != nil {
			log.Warn("resubscribe failed", "session", s.id, "codec", codec, "error", err)
			return
		}
		s.mu.Lock()
		s.sub = next
		s.mu.Unlock()
	}
}

func (s *Session) sendFrame(ef pipeline.EncodedFrame) {
	s.mu.Lock()
	track := s.videoTrack
	pz := s.pz
	epoch := s.epoch
	s.mu.Unlock()
	if track == nil || pz == nil {
		return
	}

	ts := uint32(time.Since(epoch).Milliseconds()) * (rtpClockRate / 1000)
	packets := pz.Packetize(ef.Codec, ef.Data, ts)

	var sent uint64
	var bytes uint64
	for _, pkt := range packets {
		if err := track.WriteRTP(pkt); err != nil {
			log.Warn("write rtp failed", "session", s.id, "error", err)
			return
		}
		sent++
		bytes += uint64(len(pkt.Payload))
	}

	s.mu.Lock()
	s.stats.PacketsSent += sent
	s.stats.BytesSent += bytes
	if ef.Keyframe {
		s.stats.Keyframes++
	}
	s.mu.Unlock()
}

// handleHIDMessage parses the "hid" DataChannel binary protocol (spec.md
// §4.10): type byte, then a codec-specific fixed-length payload, rejecting
// malformed lengths before dispatch to the HID controller.
func (m *Manager) handleHIDMessage(s *Session, data []byte) {
	DispatchHIDFrame(context.Background(), m.hid, data, s.id)
}

// DispatchHIDFrame decodes one binary HID frame (spec.md §4.10: type byte,
// then a codec-specific fixed-length payload) and dispatches it to ctl. It
// is shared by the WebRTC "hid" DataChannel and the plain /ws/hid upgrade,
// since both transports carry the identical wire format.
func DispatchHIDFrame(ctx context.Context, ctl *hid.Controller, data []byte, sourceID string) {
	if len(data) == 0 {
		return
	}

	switch data[0] {
	case 0x01: // keyboard: [type, event, js-key, modifier-mask]
		if len(data) != 4 {
			log.Warn("malformed keyboard hid frame", "source", sourceID, "len", len(data))
			return
		}
		ev := hid.KeyEvent{JSKeyCode: int(data[2]), Down: data[1] == 1}
		if err := ctl.SendKeyboard(ctx, ev); err != nil {
			log.Warn("hid keyboard dispatch failed", "source", sourceID, "error", err)
		}
	case 0x02: // mouse: [type, event, x:i16 LE, y:i16 LE, button|scroll]
		if len(data) != 7 {
			log.Warn("malformed mouse hid frame", "source", sourceID, "len", len(data))
			return
		}
		x := int16(binary.LittleEndian.Uint16(data[2:4]))
		y := int16(binary.LittleEndian.Uint16(data[4:6]))
		ev := hid.MouseEvent{Mode: hid.MouseAbsolute, X: x, Y: y, Buttons: data[6]}
		if err := ctl.SendMouse(ctx, ev); err != nil {
			log.Warn("hid mouse dispatch failed", "source", sourceID, "error", err)
		}
	case 0x03: // consumer: [type, usage:u16 LE]
		if len(data) != 3 {
			log.Warn("malformed consumer hid frame", "source", sourceID, "len", len(data))
			return
		}
		usage := binary.LittleEndian.Uint16(data[1:3])
		ev := hid.ConsumerEvent{Usage: usage}
		if err := ctl.SendConsumer(ctx, ev); err != nil {
			log.Warn("hid consumer dispatch failed", "source", sourceID, "error", err)
		}
	default:
		log.Warn("unknown hid frame kind", "source", sourceID, "kind", data[0])
	}
}

// AddICECandidate handles POST /webrtc/ice.
func (m *Manager) AddICECandidate(sessionID, candidate string) error {
	s := m.get(sessionID)
	if s == nil {
		return fmt.Errorf("webrtc: unknown session %s", sessionID)
	}
	s.mu.Lock()
	pc := s.peerConn
	s.mu.Unlock()
	if pc == nil {
		return fmt.Errorf("webrtc: session %s has no peer connection yet", sessionID)
	}
	return pc.AddICECandidate(webrtc.ICECandidateInit{Candidate: candidate})
}

// Close handles POST /webrtc/close: tears down the peer connection,
// releases the video track, and unsubscribes from the codec channel.
func (m *Manager) Close(sessionID string) error {
	s := m.remove(sessionID)
	if s == nil {
		return nil
	}
	s.stop(m)
	return nil
}

func (s *Session) stop(m *Manager) {
	s.closeOnce.Do(func() {
		close(s.done)

		s.mu.Lock()
		pc := s.peerConn
		sub := s.sub
		codec := s.codec
		s.state = StateClosed
		s.mu.Unlock()

		if pc != nil {
			_ = pc.Close()
		}
		s.wg.Wait()

		if sub != nil {
			m.pipeline.Unsubscribe(codec, sub)
		}
		if m.bus != nil {
			m.bus.Publish(eventbus.KindStreamStateChanged, s.Snapshot())
		}
	})
}

func (m *Manager) get(id string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[id]
}

func (m *Manager) remove(id string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.sessions[id]
	delete(m.sessions, id)
	return s
}

// CloseAll tears down every active session, e.g. on process shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = map[string]*Session{}
	m.mu.Unlock()

	for _, s := range sessions {
		s.stop(m)
	}
}

// Snapshot implements deviceinfo.Source.
func (s *Session) Snapshot() any {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := s.stats
	stats.SessionID = s.id
	stats.Codec = string(s.codec)
	return stats
}

// ID returns the session's identifier, for the /webrtc/session response.
func (s *Session) ID() string { return s.id }
