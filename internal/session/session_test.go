package session

import (
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samcharles93/kvstep/internal/model"
)

func testFactory(t *testing.T) Factory {
	t.Helper()
	cfg := model.Config{
		Dim:          8,
		NLayers:      1,
		NHeads:       2,
		NKVHeads:     model.Some(1),
		VocabSize:    10,
		MultipleOf:   4,
		NormEps:      1e-5,
		MaxBatchSize: 2,
		MaxSeqLen:    4,
	}
	w, err := model.RandomWeights(cfg, 1)
	require.NoError(t, err)
	return func() (*model.Transformer, error) {
		return model.New(cfg, w)
	}
}

func TestStoreLifecycle(t *testing.T) {
	store := NewStore(testFactory(t), 0, nil)

	sess, err := store.Create()
	require.NoError(t, err)
	_, err = uuid.Parse(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, store.Len())

	got, err := store.Get(sess.ID)
	require.NoError(t, err)
	assert.Same(t, sess, got)

	logits, pos, err := store.Step(sess.ID, [][]int{{3}})
	require.NoError(t, err)
	assert.Equal(t, 1, pos)
	assert.Equal(t, [3]int{1, 1, 10}, logits.Shape())

	_, pos, err = store.Step(sess.ID, [][]int{{7}, {2}})
	require.NoError(t, err)
	assert.Equal(t, 2, pos)
	assert.Equal(t, Info{ID: sess.ID, Created: sess.Created, Position: 2, Steps: 2}, sess.Info())

	require.NoError(t, store.Reset(sess.ID))
	assert.Equal(t, Info{ID: sess.ID, Created: sess.Created}, sess.Info())

	require.NoError(t, store.Delete(sess.ID))
	_, err = store.Get(sess.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, store.Delete(sess.ID), ErrNotFound)
	assert.ErrorIs(t, store.Reset(sess.ID), ErrNotFound)
	_, _, err = store.Step(sess.ID, [][]int{{1}})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSessionFailedStepKeepsPosition(t *testing.T) {
	store := NewStore(testFactory(t), 0, nil)
	sess, err := store.Create()
	require.NoError(t, err)

	_, _, err = sess.Forward([][]int{{1}})
	require.NoError(t, err)

	_, pos, err := sess.Forward([][]int{{1, 2}})
	assert.ErrorIs(t, err, model.ErrUnsupportedInput)
	assert.Equal(t, 1, pos)

	for range 3 {
		_, _, err = sess.Forward([][]int{{4}})
		require.NoError(t, err)
	}
	_, pos, err = sess.Forward([][]int{{4}})
	assert.ErrorIs(t, err, model.ErrCacheOverflow)
	assert.Equal(t, 4, pos)
}

func TestSessionForwardAtRewinds(t *testing.T) {
	store := NewStore(testFactory(t), 0, nil)
	sess, err := store.Create()
	require.NoError(t, err)

	_, _, err = sess.Forward([][]int{{3}})
	require.NoError(t, err)
	want, _, err := sess.Forward([][]int{{7}})
	require.NoError(t, err)

	_, pos, err := sess.ForwardAt([][]int{{7}}, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, pos)

	_, pos, err = sess.ForwardAt([][]int{{3}}, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, pos)
	got, _, err := sess.Forward([][]int{{7}})
	require.NoError(t, err)
	assert.Equal(t, want.Data, got.Data)
}

func TestSessionsAreIsolated(t *testing.T) {
	store := NewStore(testFactory(t), 0, nil)
	a, err := store.Create()
	require.NoError(t, err)
	b, err := store.Create()
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, b.ID)

	_, _, err = a.Forward([][]int{{5}})
	require.NoError(t, err)
	first, _, err := b.Forward([][]int{{3}})
	require.NoError(t, err)

	b.Reset()
	again, _, err := b.Forward([][]int{{3}})
	require.NoError(t, err)
	assert.Equal(t, first.Data, again.Data)
	assert.Equal(t, 1, a.Info().Position)
}

func TestStoreLimit(t *testing.T) {
	store := NewStore(testFactory(t), 1, nil)
	sess, err := store.Create()
	require.NoError(t, err)

	_, err = store.Create()
	assert.ErrorIs(t, err, ErrLimit)

	require.NoError(t, store.Delete(sess.ID))
	_, err = store.Create()
	assert.NoError(t, err)
}

func TestStoreFactoryError(t *testing.T) {
	boom := errors.New("boom")
	store := NewStore(func() (*model.Transformer, error) { return nil, boom }, 0, nil)
	_, err := store.Create()
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, store.Len())
}

func TestStoreList(t *testing.T) {
	store := NewStore(testFactory(t), 0, nil)
	var ids []string
	for range 3 {
		sess, err := store.Create()
		require.NoError(t, err)
		ids = append(ids, sess.ID)
	}
	list := store.List()
	require.Len(t, list, 3)
	got := make([]string, 0, len(list))
	for _, info := range list {
		got = append(got, info.ID)
	}
	assert.ElementsMatch(t, ids, got)
}

func TestSessionConcurrentSteps(t *testing.T) {
	store := NewStore(testFactory(t), 0, nil)
	sess, err := store.Create()
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := store.Step(sess.ID, [][]int{{i}})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, 4, sess.Info().Position)
}
