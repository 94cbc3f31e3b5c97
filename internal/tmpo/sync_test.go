package tmpo

import (
	"io/ioutil"
	"os"
	"testing"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/require"
)

func TestSyncPublishOrdering(t *testing.T) {
	tempDir, err := ioutil.TempDir("", "tmpo-sync-")
	require.NoError(t, err)
	defer os.RemoveAll(tempDir)

	pub := &fakePublisher{}
	store := NewBlockStore(tempDir, pub, log.NewNopLogger())

	b := NewBlock(1700000000, 1, SensorConfig{})
	watermarkBid := uint32(1700000000)
	require.NoError(t, store.WriteBlock("ef01", 0, Level20, watermarkBid+span(Level20), b))
	require.NoError(t, store.WriteBlock("ef01", 0, Level16, watermarkBid+span(Level16), b))
	require.NoError(t, store.WriteBlock("ef01", 0, Level12, watermarkBid+span(Level12), b))
	require.NoError(t, store.WriteBlock("ef01", 0, Level8, watermarkBid+span(Level8), b))

	engine := NewSyncEngine(store, log.NewNopLogger())
	engine.Sync1([]Watermark{{Sid: "ef01", Rid: 0, Lvl: Level8, Bid: watermarkBid}})

	require.NoError(t, engine.Sync2())

	require.Equal(t, []string{
		"/sensor/ef01/tmpo/0/20/1701048576/gz",
		"/sensor/ef01/tmpo/0/16/1700065536/gz",
		"/sensor/ef01/tmpo/0/12/1700004096/gz",
		"/sensor/ef01/tmpo/0/8/1700000256/gz",
	}, pub.topics)
}

func TestSync1OverwritesPendingList(t *testing.T) {
	tempDir, err := ioutil.TempDir("", "tmpo-sync-")
	require.NoError(t, err)
	defer os.RemoveAll(tempDir)

	pub := &fakePublisher{}
	store := NewBlockStore(tempDir, pub, log.NewNopLogger())
	engine := NewSyncEngine(store, log.NewNopLogger())

	b := NewBlock(1700000000, 1, SensorConfig{})
	require.NoError(t, store.WriteBlock("first", 0, Level8, 1700000000, b))

	engine.Sync1([]Watermark{{Sid: "first", Rid: 0, Lvl: Level8, Bid: 1}})
	engine.Sync1([]Watermark{{Sid: "second", Rid: 0, Lvl: Level8, Bid: 1}})

	require.NoError(t, engine.Sync2())
	// The second call replaced the first: "first" has a block newer than
	// its watermark, so processing the first list would have published it,
	// while "second" has nothing on disk.
	require.Empty(t, pub.topics)
}

func TestSync2NoOpWhenNothingPending(t *testing.T) {
	tempDir, err := ioutil.TempDir("", "tmpo-sync-")
	require.NoError(t, err)
	defer os.RemoveAll(tempDir)

	store := NewBlockStore(tempDir, &fakePublisher{}, log.NewNopLogger())
	engine := NewSyncEngine(store, log.NewNopLogger())
	require.NoError(t, engine.Sync2())
}
