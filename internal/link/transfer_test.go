package link_test

import (
	"context"
	"errors"
	"hash/crc32"
	"reflect"
	"strconv"
	"testing"
	"time"

	"github.com/drftpd-ng/drftpd-sub005/internal/link"
	"github.com/drftpd-ng/drftpd-sub005/internal/link/linktest"
)

func TestPassiveSend(t *testing.T) {
	f := newFake("s1")
	f.XferBytes = 4096
	l := linktest.Connect(t, f, config("s1"))
	ctx := testContext(t)

	tr, err := l.Listen(ctx)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	if host, port := tr.LocalAddr(); host != "127.0.0.1" || port != 40000+int(tr.ID()) {
		t.Errorf("LocalAddr = %s:%d", host, port)
	}
	if tp := tr.Throughput(); tp != 0 {
		t.Errorf("throughput before start = %d", tp)
	}

	st, err := tr.SendFile(ctx, "/rls/a.sfv", link.ModeBinary, 0)
	if err != nil {
		t.Fatalf("SendFile: %v", err)
	}
	var wantTP int64
	if ms := st.Elapsed.Milliseconds(); ms > 0 {
		wantTP = st.Transferred * 1000 / ms
	}
	if tp := tr.Throughput(); tp != wantTP {
		t.Errorf("throughput = %d, want %d over %v", tp, wantTP, st.Elapsed)
	}
	if st.Direction != link.DirectionSend {
		t.Errorf("direction = %s", st.Direction)
	}
	if st.Transferred != 4096 {
		t.Errorf("transferred = %d, want 4096", st.Transferred)
	}
	if want := crc32.ChecksumIEEE(f.Files["/rls/a.sfv"]); st.Checksum != want {
		t.Errorf("checksum = %08x, want %08x", st.Checksum, want)
	}
	if st.Status != "done" || st.Addr != "127.0.0.1:50000" {
		t.Errorf("status = %q addr = %q", st.Status, st.Addr)
	}
	if len(l.Transfers()) != 0 {
		t.Errorf("%d transfers still registered", len(l.Transfers()))
	}

	var send linktest.Call
	for c := range drain(f) {
		if c.Name == "send" {
			send = c
		}
	}
	want := []string{"/rls/a.sfv", "0", "1", "I"}
	if !reflect.DeepEqual(send.Args, want) {
		t.Errorf("send args = %q, want %q", send.Args, want)
	}

	status, err := l.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status.BytesSent != 4096 || status.BytesReceived != 0 {
		t.Errorf("counters = sent %d received %d", status.BytesSent, status.BytesReceived)
	}
	if status.DiskTotal != f.DiskTotal || status.DiskFree != f.DiskFree {
		t.Errorf("disk = %d/%d", status.DiskFree, status.DiskTotal)
	}
}

func TestActiveReceive(t *testing.T) {
	f := newFake("s1")
	f.XferBytes = 100
	l := linktest.Connect(t, f, config("s1"))
	ctx := testContext(t)

	tr, err := l.Connect(ctx, "10.0.0.5:2121")
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if host, port := tr.LocalAddr(); host != "" || port != 0 {
		t.Errorf("active transfer has LocalAddr %s:%d", host, port)
	}
	st, err := tr.ReceiveFile(ctx, "/incoming", link.ModeASCII, "new.rar", 50)
	if err != nil {
		t.Fatalf("ReceiveFile: %v", err)
	}
	if st.Direction != link.DirectionReceive || st.Transferred != 100 {
		t.Errorf("status = %+v", st)
	}

	var recv linktest.Call
	for c := range drain(f) {
		if c.Name == "recv" {
			recv = c
		}
	}
	if want := []string{"/incoming/new.rar", "50", "1", "A"}; !reflect.DeepEqual(recv.Args, want) {
		t.Errorf("recv args = %q, want %q", recv.Args, want)
	}

	status, err := l.Status(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if status.BytesReceived != 100 {
		t.Errorf("bytes received = %d", status.BytesReceived)
	}
}

func TestTransferStartedTwice(t *testing.T) {
	l := linktest.Connect(t, newFake("s1"), config("s1"))
	ctx := testContext(t)
	tr, err := l.Listen(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := tr.SendFile(ctx, "/a", link.ModeBinary, 0); err != nil {
		t.Fatal(err)
	}
	if err := tr.StartRecv(ctx, "/", link.ModeBinary, "b", 0); err == nil {
		t.Fatal("second start on one transfer succeeded")
	}
	if _, err := (&link.Transfer{}).FinishSend(ctx); err == nil {
		t.Fatal("finish on an unstarted transfer succeeded")
	}
}

func TestTransferFailure(t *testing.T) {
	f := newFake("s1")
	f.Fail["send"] = true
	l := linktest.Connect(t, f, config("s1"))
	ctx := testContext(t)

	tr, err := l.Listen(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := tr.SendFile(ctx, "/a", link.ModeBinary, 0); !errors.Is(err, link.ErrCommandFailed) {
		t.Fatalf("SendFile = %v, want ErrCommandFailed", err)
	}
	if len(l.Transfers()) != 0 {
		t.Fatal("failed transfer still registered")
	}
}

func TestAbortDoesNotComplete(t *testing.T) {
	f := newFake("s1")
	f.XferBytes = 10
	f.Hold("send")
	l := linktest.Connect(t, f, config("s1"))
	ctx := testContext(t)

	tr, err := l.Listen(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if err := tr.StartSend(ctx, "/big.iso", link.ModeBinary, 0); err != nil {
		t.Fatal(err)
	}
	send := waitFor(t, f, "send")

	if tr.Aborted() {
		t.Fatal("aborted before Abort")
	}
	if err := tr.Abort(); err != nil {
		t.Fatalf("Abort: %v", err)
	}
	if !tr.Aborted() {
		t.Error("Aborted() = false after Abort")
	}
	abort := waitFor(t, f, "abort")
	if abort.Chan != send.Chan {
		t.Errorf("abort on channel %s, send was on %s", abort.Chan, send.Chan)
	}

	short, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if _, err := tr.FinishSend(short); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("FinishSend before the node answered = %v", err)
	}
	if len(l.Transfers()) != 1 {
		t.Fatal("transfer deregistered while the command is outstanding")
	}

	f.Release("send")
	st, err := tr.FinishSend(ctx)
	if err != nil {
		t.Fatalf("FinishSend: %v", err)
	}
	if !st.Aborted || st.Transferred != 10 {
		t.Errorf("status = %+v", st)
	}
	if len(l.Transfers()) != 0 {
		t.Fatal("transfer still registered")
	}
}

func TestStatusCountsInFlightTransfers(t *testing.T) {
	f := newFake("s1")
	f.Hold("recv")
	l := linktest.Connect(t, f, config("s1"))
	ctx := testContext(t)

	tr, err := l.Listen(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if err := tr.StartRecv(ctx, "/in", link.ModeBinary, "x", 0); err != nil {
		t.Fatal(err)
	}
	waitFor(t, f, "recv")
	if err := f.Send("XFER " + itoa(tr.ID()) + " running 2048 00000000 0"); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for tr.Status().Transferred != 2048 {
		if time.Now().After(deadline) {
			t.Fatal("XFER update not applied")
		}
		time.Sleep(5 * time.Millisecond)
	}

	st, err := l.Status(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.TransfersUp != 1 || st.BytesReceived != 2048 {
		t.Errorf("status = %+v", st)
	}
	f.Release("recv")
}

func waitFor(t *testing.T, f *linktest.FakeSlave, name string) linktest.Call {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case c := <-f.Calls():
			if c.Name == name {
				return c
			}
		case <-deadline:
			t.Fatalf("node never received %s", name)
		}
	}
}

// drain returns the calls the fake has queued so far.
func drain(f *linktest.FakeSlave) <-chan linktest.Call {
	out := make(chan linktest.Call, 1024)
	for {
		select {
		case c := <-f.Calls():
			out <- c
		default:
			close(out)
			return out
		}
	}
}

func itoa(n int64) string {
	return strconv.FormatInt(n, 10)
}
