package relay

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/camcast/internal/domain"
)

const cam0 = domain.DeviceID("cam0")

func TestSubscribeSharesOneOpen(t *testing.T) {
	op := newFakeOpener()
	op.gate = make(chan struct{})
	r := NewDeviceRelay(op, 4)
	defer r.Close()

	const n = 8
	subs := make([]*Subscription, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			subs[i], errs[i] = r.Subscribe(context.Background(), cam0, domain.CaptureOptions{})
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	close(op.gate)
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("subscribe %d: %v", i, err)
		}
	}
	if got := op.openCount(cam0); got != 1 {
		t.Fatalf("expected 1 open, got %d", got)
	}
	src := op.source(0)

	for i := 0; i < n-1; i++ {
		subs[i].Close()
		if src.isClosed() {
			t.Fatalf("source closed with %d subscribers left", n-1-i)
		}
	}
	subs[n-1].Close()
	if !src.isClosed() {
		t.Fatal("source still open after last unsubscribe")
	}
	if r.IsOpen(cam0) {
		t.Fatal("device still registered after last unsubscribe")
	}
}

func TestTwoViewersOneCamera(t *testing.T) {
	op := newFakeOpener()
	r := NewDeviceRelay(op, 4)
	defer r.Close()
	ctx := context.Background()

	a, err := r.Subscribe(ctx, cam0, domain.CaptureOptions{})
	if err != nil {
		t.Fatal(err)
	}
	b, err := r.Subscribe(ctx, cam0, domain.CaptureOptions{})
	if err != nil {
		t.Fatal(err)
	}
	src := op.source(0)

	src.send(t, domain.Frame{Data: []byte{1}, Timestamp: time.Millisecond})
	if f := nextFrame(t, a); f.Data[0] != 1 {
		t.Fatalf("a got %v", f.Data)
	}
	if f := nextFrame(t, b); f.Data[0] != 1 {
		t.Fatalf("b got %v", f.Data)
	}

	devs := r.Devices()
	if len(devs) != 1 || devs[0].Device != cam0 || devs[0].Subscribers != 2 {
		t.Fatalf("unexpected devices: %+v", devs)
	}

	a.Close()
	src.send(t, domain.Frame{Data: []byte{2}})
	if f := nextFrame(t, b); f.Data[0] != 2 {
		t.Fatalf("b got %v after a left", f.Data)
	}

	b.Close()
	if !src.isClosed() {
		t.Fatal("source should be closed")
	}
	if got := len(r.Devices()); got != 0 {
		t.Fatalf("expected no open devices, got %d", got)
	}
}

func TestReopenAfterRelease(t *testing.T) {
	op := newFakeOpener()
	r := NewDeviceRelay(op, 4)
	defer r.Close()

	sub, err := r.Subscribe(context.Background(), cam0, domain.CaptureOptions{})
	if err != nil {
		t.Fatal(err)
	}
	sub.Close()

	sub, err = r.Subscribe(context.Background(), cam0, domain.CaptureOptions{})
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close()
	if got := op.openCount(cam0); got != 2 {
		t.Fatalf("expected device reopened, opens=%d", got)
	}
	if op.source(1).isClosed() {
		t.Fatal("new source must be live")
	}
}

func TestOpenFailure(t *testing.T) {
	op := newFakeOpener()
	op.err = errDeviceBusy
	r := NewDeviceRelay(op, 4)
	defer r.Close()

	_, err := r.Subscribe(context.Background(), cam0, domain.CaptureOptions{})
	if !errors.Is(err, domain.ErrDeviceUnavailable) {
		t.Fatalf("expected ErrDeviceUnavailable, got %v", err)
	}
	if !errors.Is(err, errDeviceBusy) {
		t.Fatalf("cause lost: %v", err)
	}
	if r.IsOpen(cam0) {
		t.Fatal("failed open must not leave a handle behind")
	}
}

func TestReadFailureEndsAllSubscriptions(t *testing.T) {
	op := newFakeOpener()
	r := NewDeviceRelay(op, 4)
	defer r.Close()
	ctx := context.Background()

	a, _ := r.Subscribe(ctx, cam0, domain.CaptureOptions{})
	b, _ := r.Subscribe(ctx, cam0, domain.CaptureOptions{})
	src := op.source(0)

	src.fail <- errors.New("unplugged")
	waitDone(t, a)
	waitDone(t, b)

	for _, s := range []*Subscription{a, b} {
		_, err := s.Next(ctx)
		if !errors.Is(err, domain.ErrEndOfStream) || !errors.Is(err, domain.ErrReadFailure) {
			t.Fatalf("expected end of stream caused by read failure, got %v", err)
		}
		if !errors.Is(s.Err(), domain.ErrReadFailure) {
			t.Fatalf("unexpected cause %v", s.Err())
		}
	}
	if !src.isClosed() {
		t.Fatal("failed source must be closed")
	}
	if r.IsOpen(cam0) {
		t.Fatal("failed device must be removed")
	}

	// Closing after failure is harmless and the device can be opened again.
	a.Close()
	b.Close()
	c, err := r.Subscribe(ctx, cam0, domain.CaptureOptions{})
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	if got := op.openCount(cam0); got != 2 {
		t.Fatalf("expected reopen, opens=%d", got)
	}
}

func TestLateSubscriberGetsNoBacklog(t *testing.T) {
	op := newFakeOpener()
	r := NewDeviceRelay(op, 4)
	defer r.Close()
	ctx := context.Background()

	a, _ := r.Subscribe(ctx, cam0, domain.CaptureOptions{})
	defer a.Close()
	src := op.source(0)
	src.send(t, domain.Frame{Data: []byte{1}})
	nextFrame(t, a)

	b, _ := r.Subscribe(ctx, cam0, domain.CaptureOptions{})
	defer b.Close()
	src.send(t, domain.Frame{Data: []byte{2}})
	if f := nextFrame(t, b); f.Data[0] != 2 {
		t.Fatalf("late subscriber got old frame %v", f.Data)
	}
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	op := newFakeOpener()
	r := NewDeviceRelay(op, 4)
	defer r.Close()

	sub, _ := r.Subscribe(context.Background(), cam0, domain.CaptureOptions{})
	sub.Close()
	sub.Close()
	r.Unsubscribe(sub)

	if got := op.source(0).closes.Load(); got != 1 {
		t.Fatalf("expected one source close, got %d", got)
	}
	_, err := sub.Next(context.Background())
	if !errors.Is(err, domain.ErrEndOfStream) {
		t.Fatalf("expected ErrEndOfStream, got %v", err)
	}
	if sub.Err() != nil {
		t.Fatalf("plain unsubscribe has no cause, got %v", sub.Err())
	}
}

func TestCloseUnblocksReaders(t *testing.T) {
	op := newFakeOpener()
	r := NewDeviceRelay(op, 4)

	sub, _ := r.Subscribe(context.Background(), cam0, domain.CaptureOptions{})
	errc := make(chan error, 1)
	go func() {
		_, err := sub.Next(context.Background())
		errc <- err
	}()

	r.Close()
	select {
	case err := <-errc:
		if !errors.Is(err, domain.ErrShuttingDown) {
			t.Fatalf("expected shutdown cause, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Next still blocked after Close")
	}

	if _, err := r.Subscribe(context.Background(), cam0, domain.CaptureOptions{}); !errors.Is(err, domain.ErrShuttingDown) {
		t.Fatalf("expected ErrShuttingDown, got %v", err)
	}
	if !op.source(0).isClosed() {
		t.Fatal("source left open after Close")
	}
}

func TestSubscribeHonoursContextWhileOpening(t *testing.T) {
	op := newFakeOpener()
	op.gate = make(chan struct{})
	r := NewDeviceRelay(op, 4)
	defer r.Close()

	go func() {
		sub, err := r.Subscribe(context.Background(), cam0, domain.CaptureOptions{})
		if err == nil {
			sub.Close()
		}
	}()
	time.Sleep(20 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := r.Subscribe(ctx, cam0, domain.CaptureOptions{})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline, got %v", err)
	}
	close(op.gate)
}

func TestResubscribeWaitsForSlowClose(t *testing.T) {
	op := newFakeOpener()
	op.closeDelay = 100 * time.Millisecond
	r := NewDeviceRelay(op, 4)
	defer r.Close()

	sub, err := r.Subscribe(context.Background(), cam0, domain.CaptureOptions{})
	if err != nil {
		t.Fatal(err)
	}
	released := make(chan struct{})
	go func() {
		defer close(released)
		r.Unsubscribe(sub)
	}()
	time.Sleep(10 * time.Millisecond)

	again, err := r.Subscribe(context.Background(), cam0, domain.CaptureOptions{})
	if err != nil {
		t.Fatal(err)
	}
	<-released
	if got := op.peak.Load(); got != 1 {
		t.Fatalf("expected one open source at a time, peak was %d", got)
	}
	if got := op.openCount(cam0); got != 2 {
		t.Fatalf("expected a fresh open after release, got %d opens", got)
	}
	if !op.source(0).isClosed() {
		t.Fatal("first source not closed")
	}
	again.Close()
}

func TestResubscribeWaitHonoursContext(t *testing.T) {
	op := newFakeOpener()
	op.closeDelay = 200 * time.Millisecond
	r := NewDeviceRelay(op, 4)
	defer r.Close()

	sub, err := r.Subscribe(context.Background(), cam0, domain.CaptureOptions{})
	if err != nil {
		t.Fatal(err)
	}
	go r.Unsubscribe(sub)
	time.Sleep(10 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := r.Subscribe(ctx, cam0, domain.CaptureOptions{}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline while the device closes, got %v", err)
	}
	if got := op.openCount(cam0); got != 1 {
		t.Fatalf("device reopened while closing: %d opens", got)
	}
}
