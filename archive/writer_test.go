package archive

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"termchat/db"
	"termchat/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	mu      sync.Mutex
	batches [][]models.Message
	fails   int
}

func (s *fakeStore) SaveMessages(msgs []models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fails > 0 {
		s.fails--
		return errors.New("database is locked")
	}
	s.batches = append(s.batches, append([]models.Message(nil), msgs...))
	return nil
}

func (s *fakeStore) total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, b := range s.batches {
		n += len(b)
	}
	return n
}

func testOptions() Options {
	return Options{
		BatchSize:     4,
		FlushInterval: 10 * time.Millisecond,
		QueueSize:     16,
		MaxRetries:    2,
		RetryBase:     time.Millisecond,
		RetryMax:      2 * time.Millisecond,
	}
}

func msg(id uint64) models.Message {
	return models.Message{MsgID: id, SenderID: 1, ReceiverID: 2, Content: []byte("x"), Timestamp: time.Now()}
}

func TestWriter_FlushesOnInterval(t *testing.T) {
	store := &fakeStore{}
	w := New(store, testOptions(), nil)
	w.Start()
	defer w.Stop(context.Background())

	require.True(t, w.Enqueue(msg(1)))
	assert.Eventually(t, func() bool { return store.total() == 1 }, time.Second, 5*time.Millisecond)
}

func TestWriter_BatchesBySize(t *testing.T) {
	store := &fakeStore{}
	opts := testOptions()
	opts.FlushInterval = time.Hour
	w := New(store, opts, nil)
	w.Start()

	for i := uint64(1); i <= 9; i++ {
		require.True(t, w.Enqueue(msg(i)))
	}
	assert.Eventually(t, func() bool { return store.total() == 8 }, time.Second, 5*time.Millisecond)

	require.NoError(t, w.Stop(context.Background()))
	assert.Equal(t, 9, store.total(), "stop drains the partial batch")
	assert.Len(t, store.batches, 3)
	assert.Equal(t, uint64(9), w.Stats().Written)
}

func TestWriter_DropsWhenFullOrStopped(t *testing.T) {
	store := &fakeStore{}
	opts := testOptions()
	opts.QueueSize = 2
	w := New(store, opts, nil)

	// Not started: the queue fills up.
	assert.True(t, w.Enqueue(msg(1)))
	assert.True(t, w.Enqueue(msg(2)))
	assert.False(t, w.Enqueue(msg(3)))

	require.NoError(t, w.Stop(context.Background()))
	assert.False(t, w.Enqueue(msg(4)))

	st := w.Stats()
	assert.Equal(t, uint64(2), st.Enqueued)
	assert.Equal(t, uint64(2), st.Dropped)
	assert.Equal(t, uint64(2), st.Written)
}

func TestWriter_RetriesThenGivesUp(t *testing.T) {
	store := &fakeStore{fails: 2}
	w := New(store, testOptions(), nil)
	w.Start()
	w.Enqueue(msg(1))
	require.NoError(t, w.Stop(context.Background()))
	assert.Equal(t, uint64(1), w.Stats().Written)

	store = &fakeStore{fails: 10}
	w = New(store, testOptions(), nil)
	w.Start()
	w.Enqueue(msg(2))
	require.NoError(t, w.Stop(context.Background()))
	assert.Equal(t, uint64(1), w.Stats().Failed)
	assert.Zero(t, store.total())
}

func TestWriter_PersistsToDatabase(t *testing.T) {
	database, err := db.New(filepath.Join(t.TempDir(), "archive.db"))
	require.NoError(t, err)
	defer database.Close()

	w := New(database, testOptions(), nil)
	w.Start()
	w.Enqueue(msg(10))
	w.Enqueue(models.Message{MsgID: 11, SenderID: 2, ReceiverID: 1, Content: []byte("y"), Timestamp: time.Now()})
	require.NoError(t, w.Stop(context.Background()))

	conv, err := database.GetConversation(1, 2, 10)
	require.NoError(t, err)
	require.Len(t, conv, 2)
	assert.Equal(t, uint64(10), conv[0].MsgID)
}

func TestWriter_StopHonoursContext(t *testing.T) {
	block := make(chan struct{})
	w := New(blockingStore{block}, testOptions(), nil)
	w.Start()
	w.Enqueue(msg(1))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, w.Stop(ctx), context.DeadlineExceeded)
	close(block)
}

type blockingStore struct{ block chan struct{} }

func (s blockingStore) SaveMessages([]models.Message) error {
	<-s.block
	return nil
}
