// Package fanout implements the broadcast bus that fans a single producer's
// RTP video, Opus audio, and text traffic out to every active session, plus
// the keyframe cache replayed to late joiners (spec §4.9).
package fanout

import (
	"sync"

	"github.com/sigurn/crc16"
)

// Channel capacities, generous so a slow subscriber never blocks the
// producer; a lagging subscriber drops to the newest item instead (spec
// §4.9, §5).
const (
	VideoChannelCapacity = 2000
	AudioChannelCapacity = 500
	TextChannelCapacity  = 256
)

// VideoPacket is one producer-supplied RTP video packet, opaque bytes the
// session driver re-parses to re-sign with its own sequence number.
type VideoPacket []byte

// AudioPacket is one Opus frame payload (no RTP framing — the driver builds
// the RTP header itself using the negotiated payload type).
type AudioPacket []byte

// TextMessage is a DataChannel text frame to broadcast verbatim (cursor
// updates, clipboard broadcasts, stats snapshots).
type TextMessage []byte

// subscriber is a single bounded channel plus a lag counter; sends never
// block the producer — a full channel drops the oldest-buffered controller
// item to make room for the newest instead. The lag counter is never
// incremented and is not exposed, so dropped items are not counted or logged.
type subscriber[T any] struct {
	ch  chan T
	lag *uint64
}

func newSubscriber[T any](capacity int) subscriber[T] {
	var lag uint64
	return subscriber[T]{ch: make(chan T, capacity), lag: &lag}
}

func (s subscriber[T]) send(item T) {
	select {
	case s.ch <- item:
	default:
		// Channel full: drop the oldest buffered item and push the newest,
		// so a lagging subscriber always resumes from the most recent
		// packet rather than blocking the producer or queuing forever.
		select {
		case <-s.ch:
		default:
		}
		select {
		case s.ch <- item:
		default:
		}
	}
}

// Bus is the process-wide fan-out bus: one producer, many session
// subscribers.
type Bus struct {
	mu          sync.RWMutex
	videoSubs   map[uint64]subscriber[VideoPacket]
	audioSubs   map[uint64]subscriber[AudioPacket]
	textSubs    map[uint64]subscriber[TextMessage]
	nextSubID   uint64

	keyframeMu    sync.Mutex
	keyframeCache [][]byte
	keyframeCRC   uint16
}

// New constructs an empty Bus.
func New() *Bus {
	return &Bus{
		videoSubs: make(map[uint64]subscriber[VideoPacket]),
		audioSubs: make(map[uint64]subscriber[AudioPacket]),
		textSubs:  make(map[uint64]subscriber[TextMessage]),
	}
}

// Subscription is a session's read-only handles onto the three fan-out
// channels plus its unsubscribe function.
type Subscription struct {
	Video <-chan VideoPacket
	Audio <-chan AudioPacket
	Text  <-chan TextMessage

	unsubscribe func()
}

// Close removes the subscription from the bus. Safe to call more than once.
func (s *Subscription) Close() {
	if s.unsubscribe != nil {
		s.unsubscribe()
		s.unsubscribe = nil
	}
}

// Subscribe registers a new session subscriber and returns its Subscription.
func (b *Bus) Subscribe() *Subscription {
	b.mu.Lock()
	id := b.nextSubID
	b.nextSubID++
	vs := newSubscriber[VideoPacket](VideoChannelCapacity)
	as := newSubscriber[AudioPacket](AudioChannelCapacity)
	ts := newSubscriber[TextMessage](TextChannelCapacity)
	b.videoSubs[id] = vs
	b.audioSubs[id] = as
	b.textSubs[id] = ts
	b.mu.Unlock()

	return &Subscription{
		Video: vs.ch,
		Audio: as.ch,
		Text:  ts.ch,
		unsubscribe: func() {
			b.mu.Lock()
			delete(b.videoSubs, id)
			delete(b.audioSubs, id)
			delete(b.textSubs, id)
			b.mu.Unlock()
		},
	}
}

// PublishVideoRTP fans a producer-supplied RTP video packet out to every
// subscriber.
func (b *Bus) PublishVideoRTP(pkt []byte) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.videoSubs {
		s.send(VideoPacket(pkt))
	}
}

// PublishAudioOpus fans an Opus frame out to every subscriber.
func (b *Bus) PublishAudioOpus(pkt []byte) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.audioSubs {
		s.send(AudioPacket(pkt))
	}
}

// PublishText fans a text message out to every subscriber.
func (b *Bus) PublishText(msg []byte) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.textSubs {
		s.send(TextMessage(msg))
	}
}

// PublishKeyframeBurst atomically replaces the keyframe cache with pkts —
// one or more consecutive RTP packets forming an IDR — and also fans them
// out as ordinary video packets (the cache exists purely to replay to
// future late joiners; current subscribers see the burst exactly once,
// via PublishVideoRTP, the same as any other frame).
func (b *Bus) PublishKeyframeBurst(pkts [][]byte) {
	clone := make([][]byte, len(pkts))
	for i, p := range pkts {
		c := make([]byte, len(p))
		copy(c, p)
		clone[i] = c
	}

	var fingerprint uint16
	for _, p := range clone {
		fingerprint = crc16.Checksum(p, crc16.MakeTable(crc16.CRC16_CCITT_FALSE)) ^ fingerprint
	}

	b.keyframeMu.Lock()
	b.keyframeCache = clone
	b.keyframeCRC = fingerprint
	b.keyframeMu.Unlock()

	for _, p := range pkts {
		b.PublishVideoRTP(p)
	}
}

// KeyframeCache returns a clone of the most recent keyframe burst, safe for
// the caller to mutate or retain. Returns nil if no keyframe has been
// published yet.
func (b *Bus) KeyframeCache() [][]byte {
	b.keyframeMu.Lock()
	defer b.keyframeMu.Unlock()
	if b.keyframeCache == nil {
		return nil
	}
	clone := make([][]byte, len(b.keyframeCache))
	for i, p := range b.keyframeCache {
		c := make([]byte, len(p))
		copy(c, p)
		clone[i] = c
	}
	return clone
}

// KeyframeFingerprint returns the CRC16 fingerprint of the cached burst, so
// a caller can tell whether a keyframe changed between bursts without
// diffing raw bytes. Nothing in this repository calls or logs it.
func (b *Bus) KeyframeFingerprint() uint16 {
	b.keyframeMu.Lock()
	defer b.keyframeMu.Unlock()
	return b.keyframeCRC
}
