package tmpo

import (
	"io/ioutil"
	"os"
	"testing"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePublisher struct {
	topics []string
}

func (f *fakePublisher) Publish(topic string, qos byte, retain bool, payload []byte) error {
	f.topics = append(f.topics, topic)
	return nil
}

func newTestStore(t *testing.T) (*BlockStore, func()) {
	tempDir, err := ioutil.TempDir("", "tmpo-store-")
	require.NoError(t, err)
	store := NewBlockStore(tempDir, &fakePublisher{}, log.NewNopLogger())
	return store, func() { os.RemoveAll(tempDir) }
}

func TestWriteBlockThenReadBack(t *testing.T) {
	store, cleanup := newTestStore(t)
	defer cleanup()

	b := NewBlock(1700000000, 1, SensorConfig{RID: 0, Unit: "W"})
	b.Push(1700000008, 2)

	require.NoError(t, store.WriteBlock("ef01", 0, Level8, 1700000000, b))
	assert.True(t, store.Exists("ef01", 0, Level8, 1700000000))

	bids, err := store.List("ef01", 0, Level8)
	require.NoError(t, err)
	assert.Equal(t, []uint32{1700000000}, bids)

	stream, err := store.OpenBlockStream("ef01", 0, Level8, 1700000000)
	require.NoError(t, err)
	defer stream.Close()
	assert.Equal(t, 0, stream.Header.Cfg.RID)
	assert.Equal(t, "W", stream.Header.Cfg.Unit)
}

func TestWriteBlockRefusesOverwrite(t *testing.T) {
	store, cleanup := newTestStore(t)
	defer cleanup()

	b := NewBlock(1700000000, 1, SensorConfig{})
	require.NoError(t, store.WriteBlock("ef01", 0, Level8, 1700000000, b))

	err := store.WriteBlock("ef01", 0, Level8, 1700000000, b)
	assert.ErrorIs(t, err, ErrBlockExists)
}

func TestPublishSendsGzipBytes(t *testing.T) {
	tempDir, err := ioutil.TempDir("", "tmpo-store-")
	require.NoError(t, err)
	defer os.RemoveAll(tempDir)

	pub := &fakePublisher{}
	store := NewBlockStore(tempDir, pub, log.NewNopLogger())

	b := NewBlock(1700000000, 1, SensorConfig{})
	require.NoError(t, store.WriteBlock("ef01", 3, Level8, 1700000000, b))
	require.NoError(t, store.Publish("ef01", 3, Level8, 1700000000))

	require.Len(t, pub.topics, 1)
	assert.Equal(t, "/sensor/ef01/tmpo/3/8/1700000000/gz", pub.topics[0])
}

func TestSensorsAndRids(t *testing.T) {
	store, cleanup := newTestStore(t)
	defer cleanup()

	b := NewBlock(1700000000, 1, SensorConfig{})
	require.NoError(t, store.WriteBlock("ef01", 0, Level8, 1700000000, b))
	require.NoError(t, store.WriteBlock("ef01", 1, Level8, 1700000000, b))
	require.NoError(t, store.WriteBlock("ef02", 0, Level8, 1700000000, b))

	sids, err := store.Sensors()
	require.NoError(t, err)
	assert.Equal(t, []string{"ef01", "ef02"}, sids)

	rids, err := store.Rids("ef01")
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1}, rids)
}

func TestStartupScrubUnlinksCorruptNewestBlock(t *testing.T) {
	store, cleanup := newTestStore(t)
	defer cleanup()

	b := NewBlock(1700000000, 1, SensorConfig{})
	require.NoError(t, store.WriteBlock("ef01", 0, Level8, 1700000000, b))

	path := store.Path("ef01", 0, Level8, 1700000000)
	require.NoError(t, os.WriteFile(path, []byte("not a gzip file"), 0644))

	require.NoError(t, store.StartupScrub())
	assert.False(t, store.Exists("ef01", 0, Level8, 1700000000))
}

func TestStartupScrubRemovesAlreadyCompactedFineBlocks(t *testing.T) {
	store, cleanup := newTestStore(t)
	defer cleanup()

	fine := NewBlock(1700000000, 1, SensorConfig{})
	require.NoError(t, store.WriteBlock("ef01", 0, Level8, 1700000000, fine))

	coarseBid := compactionID(1700000000, Level8)
	coarse := NewBlock(coarseBid, 1, SensorConfig{})
	require.NoError(t, store.WriteBlock("ef01", 0, Level12, coarseBid, coarse))

	require.NoError(t, store.StartupScrub())
	assert.False(t, store.Exists("ef01", 0, Level8, 1700000000), "fine block should be scrubbed since its coarse output already exists")
	assert.True(t, store.Exists("ef01", 0, Level12, coarseBid))
}
