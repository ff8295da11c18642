package storage

import (
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"notepool/pool"
)

func sampleSnapshot(at time.Time) pool.Snapshot {
	wad := new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
	amount := func(units int64) *big.Int {
		return new(big.Int).Mul(big.NewInt(units), wad)
	}
	return pool.Snapshot{
		State:           pool.Active,
		Reserve:         amount(10),
		NAV:             amount(80),
		SeniorDebt:      amount(64),
		SeniorBalance:   amount(8),
		SeniorSupply:    amount(72),
		JuniorSupply:    amount(18),
		SeniorPrice:     wad,
		JuniorPrice:     wad,
		JuniorRatio:     big.NewInt(200_000),
		JuniorShortfall: big.NewInt(0),
		TotalDrawn:      amount(80),
		ActiveLoans:     1,
		Timestamp:       at,
	}
}

func TestSnapshotStoreRoundTrip(t *testing.T) {
	store := NewSnapshotStore(NewMemDB())
	at := time.Unix(1_700_000_000, 0).UTC()

	version, err := store.Save("pool-1", sampleSnapshot(at))
	require.NoError(t, err)
	require.Equal(t, uint64(1), version)

	loaded, err := store.Load("pool-1")
	require.NoError(t, err)
	require.Equal(t, uint64(1), loaded.Version)
	require.Equal(t, pool.Active, loaded.Snapshot.State)
	require.Zero(t, loaded.Snapshot.NAV.Cmp(sampleSnapshot(at).NAV))
	require.True(t, loaded.Snapshot.Timestamp.Equal(at))
}

func TestSnapshotStoreVersionBumps(t *testing.T) {
	store := NewSnapshotStore(NewMemDB())
	at := time.Unix(1_700_000_000, 0).UTC()

	_, err := store.Save("pool-1", sampleSnapshot(at))
	require.NoError(t, err)
	version, err := store.Save("pool-1", sampleSnapshot(at.Add(time.Hour)))
	require.NoError(t, err)
	require.Equal(t, uint64(2), version)
}

func TestSnapshotStoreRejectsStale(t *testing.T) {
	store := NewSnapshotStore(NewMemDB())
	at := time.Unix(1_700_000_000, 0).UTC()

	_, err := store.Save("pool-1", sampleSnapshot(at))
	require.NoError(t, err)
	_, err = store.Save("pool-1", sampleSnapshot(at.Add(-time.Hour)))
	require.ErrorIs(t, err, ErrStaleSnapshot)

	// The persisted snapshot is untouched.
	loaded, err := store.Load("pool-1")
	require.NoError(t, err)
	require.Equal(t, uint64(1), loaded.Version)
}

func TestSnapshotStoreNotFound(t *testing.T) {
	store := NewSnapshotStore(NewMemDB())
	_, err := store.Load("missing")
	require.ErrorIs(t, err, ErrSnapshotNotFound)
}

func TestSnapshotStorePerPoolIsolation(t *testing.T) {
	store := NewSnapshotStore(NewMemDB())
	at := time.Unix(1_700_000_000, 0).UTC()

	_, err := store.Save("pool-1", sampleSnapshot(at))
	require.NoError(t, err)
	_, err = store.Save("pool-2", sampleSnapshot(at.Add(-time.Hour)))
	require.NoError(t, err)

	first, err := store.Load("pool-1")
	require.NoError(t, err)
	second, err := store.Load("pool-2")
	require.NoError(t, err)
	require.True(t, second.Snapshot.Timestamp.Before(first.Snapshot.Timestamp))
}

func TestSnapshotStoreListsPersistedPools(t *testing.T) {
	db := NewMemDB()
	store := NewSnapshotStore(db)
	at := time.Unix(1_700_000_000, 0).UTC()

	_, err := store.Save("pool-b", sampleSnapshot(at))
	require.NoError(t, err)
	_, err = store.Save("pool-a", sampleSnapshot(at))
	require.NoError(t, err)
	// Unrelated keys stay out of the listing.
	require.NoError(t, db.Put([]byte("checkpoint/pool-c"), []byte("{}")))

	pools, err := store.Pools()
	require.NoError(t, err)
	require.Equal(t, []string{"pool-a", "pool-b"}, pools)
}
