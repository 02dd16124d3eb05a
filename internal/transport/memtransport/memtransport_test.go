package memtransport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/uvnmesh/uvn/internal/transport"
)

func TestCellInfo_DeliversToReadersOnSameUvn(t *testing.T) {
	broker := NewBroker()
	writerTr := New(broker, "cell-a")
	readerTr := New(broker, "cell-b")

	r, err := readerTr.CellInfoReader("uvn-1")
	require.NoError(t, err)

	var got transport.CellInfoSample
	var info transport.SampleInfo
	r.OnSample(func(s transport.CellInfoSample, i transport.SampleInfo) {
		got = s
		info = i
	})

	w, err := writerTr.CellInfoWriter("uvn-1", "cell-a")
	require.NoError(t, err)
	require.NoError(t, w.Write(context.Background(), transport.CellInfoSample{Uvn: "uvn-1", CellID: "cell-a", ConfigID: "config-1"}))

	require.Equal(t, "uvn-1", got.Uvn)
	require.Equal(t, "config-1", got.ConfigID)
	require.True(t, info.Alive)
	require.Equal(t, "cell-a/cell-a", info.WriterKey)
}

func TestCellInfo_ScopedByUvn(t *testing.T) {
	broker := NewBroker()
	writerTr := New(broker, "cell-a")
	readerTr := New(broker, "uvn-2-reader")

	r, err := readerTr.CellInfoReader("uvn-2")
	require.NoError(t, err)
	received := false
	r.OnSample(func(s transport.CellInfoSample, i transport.SampleInfo) { received = true })

	w, err := writerTr.CellInfoWriter("uvn-1", "cell-a")
	require.NoError(t, err)
	require.NoError(t, w.Write(context.Background(), transport.CellInfoSample{Uvn: "uvn-1"}))

	require.False(t, received)
}

func TestBackbone_ScopedByUvnAndCell(t *testing.T) {
	broker := NewBroker()
	writerTr := New(broker, "registry")
	readerTr := New(broker, "cell-a")

	r, err := readerTr.BackboneReader("uvn-1", "cell-a")
	require.NoError(t, err)
	var got transport.BackboneSample
	r.OnSample(func(s transport.BackboneSample, i transport.SampleInfo) { got = s })

	w, err := writerTr.BackboneWriter("uvn-1", "cell-a")
	require.NoError(t, err)
	require.NoError(t, w.Write(context.Background(), transport.BackboneSample{Uvn: "uvn-1", CellID: "cell-a", Package: []byte("cfg")}))

	require.Equal(t, []byte("cfg"), got.Package)

	otherReaderTr := New(broker, "cell-b")
	r2, err := otherReaderTr.BackboneReader("uvn-1", "cell-b")
	require.NoError(t, err)
	receivedOther := false
	r2.OnSample(func(s transport.BackboneSample, i transport.SampleInfo) { receivedOther = true })

	require.NoError(t, w.Write(context.Background(), transport.BackboneSample{Uvn: "uvn-1", CellID: "cell-a"}))
	require.False(t, receivedOther)
}

func TestUvnInfo_BroadcastsToAllReaders(t *testing.T) {
	broker := NewBroker()
	writerTr := New(broker, "registry")

	readerA := New(broker, "cell-a")
	readerB := New(broker, "cell-b")
	rA, err := readerA.UvnInfoReader("uvn-1")
	require.NoError(t, err)
	rB, err := readerB.UvnInfoReader("uvn-1")
	require.NoError(t, err)

	var gotA, gotB bool
	rA.OnSample(func(s transport.UvnInfoSample, i transport.SampleInfo) { gotA = true })
	rB.OnSample(func(s transport.UvnInfoSample, i transport.SampleInfo) { gotB = true })

	w, err := writerTr.UvnInfoWriter("uvn-1")
	require.NoError(t, err)
	require.NoError(t, w.Write(context.Background(), transport.UvnInfoSample{Uvn: "uvn-1"}))

	require.True(t, gotA)
	require.True(t, gotB)
}

func TestWrite_TriggersWaitset(t *testing.T) {
	broker := NewBroker()
	tr := New(broker, "cell-a")

	w, err := tr.UvnInfoWriter("uvn-1")
	require.NoError(t, err)
	require.NoError(t, w.Write(context.Background(), transport.UvnInfoSample{}))

	err = tr.Waitset().Wait(context.Background(), time.Hour)
	require.NoError(t, err)
}

func TestWaitset_TimesOutWithoutTrigger(t *testing.T) {
	ws := newWaitset()
	start := time.Now()
	err := ws.Wait(context.Background(), 10*time.Millisecond)
	require.NoError(t, err)
	require.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)
}

func TestWaitset_ReturnsImmediatelyIfAlreadyTriggered(t *testing.T) {
	ws := newWaitset()
	ws.Trigger()
	start := time.Now()
	err := ws.Wait(context.Background(), time.Hour)
	require.NoError(t, err)
	require.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestWaitset_ReturnsContextErrOnCancellation(t *testing.T) {
	ws := newWaitset()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := ws.Wait(ctx, time.Hour)
	require.ErrorIs(t, err, context.Canceled)
}
