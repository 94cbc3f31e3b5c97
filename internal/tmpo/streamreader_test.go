package tmpo

import (
	"bytes"
	"io/ioutil"
	"os"
	"testing"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/require"
)

func TestBlockStreamRoundTripsHeaderAndDeltas(t *testing.T) {
	tempDir, err := ioutil.TempDir("", "tmpo-stream-")
	require.NoError(t, err)
	defer os.RemoveAll(tempDir)

	store := NewBlockStore(tempDir, &fakePublisher{}, log.NewNopLogger())

	b := NewBlock(1700000000, 10, SensorConfig{RID: 4, Unit: "A"})
	b.Push(1700000008, 18)
	b.Push(1700000016, 30)
	require.NoError(t, store.WriteBlock("ef01", 4, Level8, 1700000000, b))

	stream, err := store.OpenBlockStream("ef01", 4, Level8, 1700000000)
	require.NoError(t, err)
	defer stream.Close()

	require.Equal(t, 4, stream.Header.Cfg.RID)
	require.Equal(t, [2]float64{1700000000, 10}, stream.Header.Head)
	require.Equal(t, [2]float64{1700000016, 30}, stream.Header.Tail)

	var tBuf, vBuf bytes.Buffer
	require.NoError(t, stream.CopyTDeltas(&tBuf))
	require.NoError(t, stream.CopyVDeltas(&vBuf))

	require.Equal(t, ",8,8", tBuf.String())
	require.Equal(t, ",8,12", vBuf.String())
}
