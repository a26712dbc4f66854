package hal

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

// pump feeds received packets to the correlator the way the read loop does
func pump(t *testing.T, f *fakeTransport, c *correlator) {
	t.Helper()
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		buf := make([]byte, nciMaxPacketSize)
		for {
			n, err := f.Read(buf)
			select {
			case <-stop:
				return
			default:
			}
			if err != nil {
				continue
			}
			pkt := append([]byte(nil), buf[:n]...)
			if !c.resolve(pkt) {
				c.resolveNotification(pkt)
			}
		}
	}()
	t.Cleanup(func() {
		close(stop)
		f.ReadAbort()
		<-done
	})
}

func newTestCorrelator(f *fakeTransport, retries int) *correlator {
	o := defaultOptions()
	o.responseTimeout = 20 * time.Millisecond
	o.retryBackoff = time.Millisecond
	o.maxSendRetries = retries
	return newCorrelator(f, o)
}

func TestCorrelatorSend(t *testing.T) {
	f := newFakeTransport()
	c := newTestCorrelator(f, 3)
	pump(t, f, c)

	cmd := buildGetConfig(nciParamClockTimeout)
	rsp, err := c.send(cmd)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	want := []byte{0x40, 0x03, 0x06, 0x00, 0x01, 0xA0, 0x04, 0x01, 0x01}
	if !bytes.Equal(rsp, want) {
		t.Errorf("response %X, want %X", rsp, want)
	}
	if c.busy() {
		t.Error("slot still armed after the response")
	}
	if !bytes.Equal(c.lastResponse(), want) {
		t.Errorf("last response %X", c.lastResponse())
	}
}

func TestCorrelatorRejectsSecondCommand(t *testing.T) {
	f := newFakeTransport()
	c := newTestCorrelator(f, 3)

	slot, err := c.arm(buildCoreReset())
	if err != nil {
		t.Fatalf("arm: %v", err)
	}
	defer c.disarm(slot)

	if _, err := c.send(buildCoreInit(nciVersion2_0)); !IsCallerMisuseError(err) {
		t.Fatalf("second send error = %v, want caller misuse", err)
	}
	if n := f.count(0x20, 0x01); n != 0 {
		t.Error("second command reached the transport")
	}
}

func TestCorrelatorTimeoutEscalates(t *testing.T) {
	f := newFakeTransport()
	f.setHandler(func(*fakeTransport, []byte) [][]byte { return nil })
	c := newTestCorrelator(f, 3)
	resets := 0
	var cause error
	c.onReset = func(err error) {
		resets++
		cause = err
	}
	pump(t, f, c)

	_, err := c.send(buildCoreReset())
	if !IsRetriesExhaustedError(err) {
		t.Fatalf("send error = %v, want retries exhausted", err)
	}
	if !IsResponseTimeoutError(err) {
		t.Errorf("cause of %v is not a timeout", err)
	}
	if n := f.count(0x20, 0x00); n != 3 {
		t.Errorf("%d writes, want 3", n)
	}
	if n := f.ioctlCount(IoctlResetDevice); n != 1 {
		t.Errorf("%d resets, want 1", n)
	}
	if resets != 1 {
		t.Errorf("onReset ran %d times", resets)
	}
	if !IsResponseTimeoutError(cause) {
		t.Errorf("onReset cause = %v, want a timeout", cause)
	}
	if c.busy() {
		t.Error("slot still armed after escalation")
	}
}

func TestCorrelatorAbortedWriteNotRetried(t *testing.T) {
	f := newFakeTransport()
	f.writeErr = NewTransportAbortedError("write aborted")
	c := newTestCorrelator(f, 3)

	_, err := c.send(buildCoreReset())
	if !IsTransportAbortedError(err) {
		t.Fatalf("send error = %v, want transport aborted", err)
	}
	if n := f.ioctlCount(IoctlResetDevice); n != 0 {
		t.Errorf("aborted write escalated to %d resets", n)
	}
}

func TestCorrelatorWriteRetries(t *testing.T) {
	f := newFakeTransport()
	f.writeErr = NewI2CWriteError("nack", nil)
	c := newTestCorrelator(f, 2)

	err := c.write([]byte{0x20, 0x00, 0x01, 0x00})
	if !IsRetriesExhaustedError(err) {
		t.Fatalf("write error = %v, want retries exhausted", err)
	}
	if n := f.ioctlCount(IoctlResetDevice); n != 1 {
		t.Errorf("%d resets, want 1", n)
	}
}

func TestCorrelatorSendAwait(t *testing.T) {
	f := newFakeTransport()
	c := newTestCorrelator(f, 3)
	pump(t, f, c)

	rsp, ntf, err := c.sendAwait(buildCoreReset(), nciGroupCore, nciCoreReset, func(rsp []byte) bool {
		return rsp[2] == 1
	})
	if err != nil {
		t.Fatalf("sendAwait: %v", err)
	}
	if responseStatus(rsp) != StatusOK {
		t.Errorf("status %s", responseStatus(rsp))
	}
	if !bytes.Equal(ntf, testResetNtf) {
		t.Errorf("notification %X", ntf)
	}
}

func TestCorrelatorInvalidLength(t *testing.T) {
	c := newTestCorrelator(newFakeTransport(), 1)
	for _, cmd := range [][]byte{{0x20, 0x00}, make([]byte, nciMaxPacketSize+1)} {
		if _, err := c.send(cmd); !IsInvalidParameterError(err) {
			t.Errorf("send(%d bytes) error = %v, want invalid parameter", len(cmd), err)
		}
	}
}

func TestCorrelatorWaitsForUpperResponse(t *testing.T) {
	f := newFakeTransport()
	c := newTestCorrelator(f, 3)
	c.timeout = time.Second
	pump(t, f, c)

	c.markUpper([]byte{0x21, 0x03, 0x03, 0x01, 0x00, 0x01})

	sent := make(chan error, 1)
	go func() {
		_, err := c.send(buildGetConfig(nciParamClockTimeout))
		sent <- err
	}()

	time.Sleep(30 * time.Millisecond)
	if n := f.count(0x20, 0x03); n != 0 {
		t.Fatalf("GET_CONFIG written while the upper command was outstanding")
	}

	// a response of another group does not answer it
	c.releaseUpper([]byte{0x40, 0x02, 0x02, 0x00, 0x00})
	time.Sleep(10 * time.Millisecond)
	if n := f.count(0x20, 0x03); n != 0 {
		t.Fatalf("GET_CONFIG written after an unrelated response")
	}

	c.releaseUpper([]byte{0x41, 0x03, 0x01, 0x00})
	select {
	case err := <-sent:
		if err != nil {
			t.Errorf("send: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("send still waiting after the upper response")
	}
}

func TestCorrelatorUpperWaitExpires(t *testing.T) {
	f := newFakeTransport()
	c := newTestCorrelator(f, 3)
	var warned bool
	c.logCallback = func(level LogLevel, msg string) {
		if level == LogLevelWarning && strings.Contains(msg, "unanswered") {
			warned = true
		}
	}
	pump(t, f, c)

	c.markUpper([]byte{0x21, 0x03, 0x03, 0x01, 0x00, 0x01})
	start := time.Now()
	if _, err := c.send(buildGetConfig(nciParamClockTimeout)); err != nil {
		t.Fatalf("send: %v", err)
	}
	if time.Since(start) < c.timeout {
		t.Error("send did not wait for the upper command")
	}
	if !warned {
		t.Error("expiry not logged")
	}

	// data packets are never awaited
	c.markUpper([]byte{0x00, 0x00, 0x02, 0x90, 0x00})
	start = time.Now()
	if _, err := c.send(buildGetConfig(nciParamClockTimeout)); err != nil {
		t.Fatalf("send after data: %v", err)
	}
	if time.Since(start) >= c.timeout {
		t.Error("send waited behind a data packet")
	}
}

func TestCorrelatorReset(t *testing.T) {
	f := newFakeTransport()
	c := newTestCorrelator(f, 3)
	pump(t, f, c)

	if _, err := c.send(buildGetConfig(nciParamClockTimeout)); err != nil {
		t.Fatalf("send: %v", err)
	}
	if c.lastResponse() == nil {
		t.Fatal("no response recorded")
	}
	c.markUpper([]byte{0x21, 0x03, 0x03, 0x01, 0x00, 0x01})

	c.reset()
	if got := c.lastResponse(); got != nil {
		t.Errorf("last response %X survived reset", got)
	}
	start := time.Now()
	c.waitUpper()
	if time.Since(start) >= c.timeout {
		t.Error("upper command survived reset")
	}
}
