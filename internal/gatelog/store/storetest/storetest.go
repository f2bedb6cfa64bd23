// Package storetest runs the same behavioural checks against every
// store.DocumentStore implementation.
package storetest

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BrandonDHaskell/gatelog/internal/gatelog/errs"
	"github.com/BrandonDHaskell/gatelog/internal/gatelog/store"
)

// Run exercises newStore against the DocumentStore contract. newStore must
// return an empty store each time it is called.
func Run(t *testing.T, newStore func(t *testing.T) store.DocumentStore) {
	t.Run("PutGet", func(t *testing.T) { testPutGet(t, newStore(t)) })
	t.Run("PutIsUpsert", func(t *testing.T) { testPutIsUpsert(t, newStore(t)) })
	t.Run("GetMissing", func(t *testing.T) { testGetMissing(t, newStore(t)) })
	t.Run("GetAllOrder", func(t *testing.T) { testGetAllOrder(t, newStore(t)) })
	t.Run("FindByField", func(t *testing.T) { testFindByField(t, newStore(t)) })
	t.Run("Update", func(t *testing.T) { testUpdate(t, newStore(t)) })
	t.Run("DeleteAndClear", func(t *testing.T) { testDeleteAndClear(t, newStore(t)) })
	t.Run("CollectionsIsolated", func(t *testing.T) { testCollectionsIsolated(t, newStore(t)) })
}

func testPutGet(t *testing.T, s store.DocumentStore) {
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, store.Config, "site", []byte(`{"key":"site","value":"north gate"}`)))

	var got map[string]string
	require.NoError(t, store.GetJSON(ctx, s, store.Config, "site", &got))
	assert.Equal(t, "north gate", got["value"])
}

func testPutIsUpsert(t *testing.T, s store.DocumentStore) {
	ctx := context.Background()
	require.NoError(t, store.PutJSON(ctx, s, store.Users, "ana", map[string]any{"username": "ana", "role": "operator"}))
	require.NoError(t, store.PutJSON(ctx, s, store.Users, "ana", map[string]any{"username": "ana", "role": "admin"}))

	n, err := s.Count(ctx, store.Users)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	var got map[string]string
	require.NoError(t, store.GetJSON(ctx, s, store.Users, "ana", &got))
	assert.Equal(t, "admin", got["role"])
}

func testGetMissing(t *testing.T, s store.DocumentStore) {
	_, err := s.Get(context.Background(), store.Records, "nope")
	assert.True(t, errors.Is(err, errs.ErrNotFound))

	err = s.Update(context.Background(), store.Records, "nope", map[string]any{"x": 1})
	assert.True(t, errors.Is(err, errs.ErrNotFound))
}

func testGetAllOrder(t *testing.T, s store.DocumentStore) {
	ctx := context.Background()
	for _, k := range []string{"c", "a", "b"} {
		require.NoError(t, store.PutJSON(ctx, s, store.Records, k, map[string]string{"id": k}))
	}
	// Re-putting an existing key keeps its position.
	require.NoError(t, store.PutJSON(ctx, s, store.Records, "c", map[string]string{"id": "c", "v": "2"}))

	docs, err := s.GetAll(ctx, store.Records)
	require.NoError(t, err)
	require.Len(t, docs, 3)
	assert.Equal(t, []string{"c", "a", "b"}, []string{docs[0].Key, docs[1].Key, docs[2].Key})
}

func testFindByField(t *testing.T, s store.DocumentStore) {
	ctx := context.Background()
	require.NoError(t, store.PutJSON(ctx, s, store.KnownPersons, "p1", map[string]any{"id": "p1", "identityHash": "aaa"}))
	require.NoError(t, store.PutJSON(ctx, s, store.KnownPersons, "p2", map[string]any{"id": "p2", "identityHash": "bbb"}))
	require.NoError(t, store.PutJSON(ctx, s, store.Records, "r1", map[string]any{"id": "r1", "identityHash": "aaa"}))

	docs, err := s.FindByField(ctx, store.KnownPersons, "identityHash", "aaa")
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "p1", docs[0].Key)

	docs, err = s.FindByField(ctx, store.KnownPersons, "identityHash", "zzz")
	require.NoError(t, err)
	assert.Empty(t, docs)

	_, err = s.FindByField(ctx, store.KnownPersons, "x') OR 1=1 --", "aaa")
	assert.Error(t, err)
}

func testUpdate(t *testing.T, s store.DocumentStore) {
	ctx := context.Background()
	require.NoError(t, store.PutJSON(ctx, s, store.Users, "ana", map[string]any{"username": "ana", "active": true}))
	require.NoError(t, s.Update(ctx, store.Users, "ana", map[string]any{"active": false, "fullName": "Ana P"}))

	body, err := s.Get(ctx, store.Users, "ana")
	require.NoError(t, err)
	var got map[string]any
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, "ana", got["username"])
	assert.Equal(t, false, got["active"])
	assert.Equal(t, "Ana P", got["fullName"])
}

func testDeleteAndClear(t *testing.T, s store.DocumentStore) {
	ctx := context.Background()
	for _, k := range []string{"a", "b", "c"} {
		require.NoError(t, store.PutJSON(ctx, s, store.AuditLog, k, map[string]string{"id": k}))
	}

	require.NoError(t, s.Delete(ctx, store.AuditLog, "b"))
	require.NoError(t, s.Delete(ctx, store.AuditLog, "b"), "delete is idempotent")

	n, err := s.Count(ctx, store.AuditLog)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, s.Clear(ctx, store.AuditLog))
	n, err = s.Count(ctx, store.AuditLog)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func testCollectionsIsolated(t *testing.T, s store.DocumentStore) {
	ctx := context.Background()
	require.NoError(t, store.PutJSON(ctx, s, store.Records, "same", map[string]string{"c": "records"}))
	require.NoError(t, store.PutJSON(ctx, s, store.Backups, "same", map[string]string{"c": "backups"}))

	require.NoError(t, s.Clear(ctx, store.Backups))

	var got map[string]string
	require.NoError(t, store.GetJSON(ctx, s, store.Records, "same", &got))
	assert.Equal(t, "records", got["c"])
}
