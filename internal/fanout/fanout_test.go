package fanout

import (
	"testing"
	"time"
)

func TestSubscribeReceivesPublishedVideo(t *testing.T) {
	bus := New()
	sub := bus.Subscribe()
	defer sub.Close()

	bus.PublishVideoRTP([]byte{1, 2, 3})

	select {
	case pkt := <-sub.Video:
		if string(pkt) != string([]byte{1, 2, 3}) {
			t.Fatalf("got %v", pkt)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for video packet")
	}
}

func TestLaggingSubscriberResumesFromNewest(t *testing.T) {
	bus := New()
	sub := bus.Subscribe()
	defer sub.Close()

	// Fill the channel well past capacity without reading.
	for i := 0; i < VideoChannelCapacity+50; i++ {
		bus.PublishVideoRTP([]byte{byte(i)})
	}

	// The most recent publish must still be observable — nothing should
	// have blocked or been lost from the tail.
	var last byte
	drained := 0
	for {
		select {
		case pkt := <-sub.Video:
			last = pkt[0]
			drained++
		default:
			goto done
		}
	}
done:
	if drained == 0 {
		t.Fatal("expected at least one packet")
	}
	if last != byte((VideoChannelCapacity+50-1)%256) {
		t.Fatalf("last observed packet = %d, want the newest published", last)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := New()
	sub := bus.Subscribe()
	sub.Close()

	bus.PublishVideoRTP([]byte{9})

	select {
	case <-sub.Video:
		t.Fatal("expected no delivery after unsubscribe")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestKeyframeCacheReplayOrderPreserved(t *testing.T) {
	bus := New()
	burst := [][]byte{{1}, {2}, {3}}
	bus.PublishKeyframeBurst(burst)

	cache := bus.KeyframeCache()
	if len(cache) != 3 {
		t.Fatalf("got %d cached packets, want 3", len(cache))
	}
	for i, want := range burst {
		if string(cache[i]) != string(want) {
			t.Fatalf("cache[%d] = %v, want %v", i, cache[i], want)
		}
	}
}

func TestKeyframeCacheIsClonedOnRead(t *testing.T) {
	bus := New()
	bus.PublishKeyframeBurst([][]byte{{1, 2, 3}})

	cache := bus.KeyframeCache()
	cache[0][0] = 99

	cache2 := bus.KeyframeCache()
	if cache2[0][0] == 99 {
		t.Fatal("mutating a returned cache clone affected the stored cache")
	}
}

func TestKeyframeCacheNilBeforeAnyPublish(t *testing.T) {
	bus := New()
	if bus.KeyframeCache() != nil {
		t.Fatal("expected nil cache before any keyframe published")
	}
}
