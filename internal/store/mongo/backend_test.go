package mongo

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/integration/mtest"

	"github.com/JakeFAU/congreso-crawler/internal/store"
)

func TestBackend(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))

	mt.Run("get existing", func(mt *mtest.T) {
		backend, err := New(mt.Coll)
		require.NoError(mt, err)
		ns := mt.Coll.Database().Name() + "." + mt.Coll.Name()
		mt.AddMockResponses(mtest.CreateCursorResponse(1, ns, mtest.FirstBatch, bson.D{
			{Key: "_id", Value: "person/123"},
			{Key: "data", Value: []byte(`{"value":{"name":"Ana"}}`)},
		}))

		data, err := backend.Get(context.Background(), "person/123")
		require.NoError(mt, err)
		require.JSONEq(mt, `{"value":{"name":"Ana"}}`, string(data))
	})

	mt.Run("get missing", func(mt *mtest.T) {
		backend, err := New(mt.Coll)
		require.NoError(mt, err)
		ns := mt.Coll.Database().Name() + "." + mt.Coll.Name()
		mt.AddMockResponses(mtest.CreateCursorResponse(0, ns, mtest.FirstBatch))

		_, err = backend.Get(context.Background(), "person/404")
		require.ErrorIs(mt, err, store.ErrNotFound)
	})

	mt.Run("has", func(mt *mtest.T) {
		backend, err := New(mt.Coll)
		require.NoError(mt, err)
		ns := mt.Coll.Database().Name() + "." + mt.Coll.Name()
		mt.AddMockResponses(
			mtest.CreateCursorResponse(1, ns, mtest.FirstBatch, bson.D{{Key: "_id", Value: "index"}}),
			mtest.CreateCursorResponse(0, ns, mtest.FirstBatch),
		)

		ok, err := backend.Has(context.Background(), "index")
		require.NoError(mt, err)
		require.True(mt, ok)

		ok, err = backend.Has(context.Background(), "other")
		require.NoError(mt, err)
		require.False(mt, ok)
	})

	mt.Run("put", func(mt *mtest.T) {
		backend, err := New(mt.Coll)
		require.NoError(mt, err)
		mt.AddMockResponses(mtest.CreateSuccessResponse(
			bson.E{Key: "n", Value: 1},
			bson.E{Key: "nModified", Value: 1},
		))

		require.NoError(mt, backend.Put(context.Background(), "index", []byte(`{}`)))
	})

	mt.Run("put error", func(mt *mtest.T) {
		backend, err := New(mt.Coll)
		require.NoError(mt, err)
		mt.AddMockResponses(mtest.CreateCommandErrorResponse(mtest.CommandError{
			Code:    11000,
			Message: "duplicate key",
		}))

		require.Error(mt, backend.Put(context.Background(), "index", []byte(`{}`)))
	})
}

func TestNewRequiresCollection(t *testing.T) {
	t.Parallel()

	_, err := New(nil)
	require.Error(t, err)
}
